package bus

import "time"

// Event kinds. Subscribers filter on the namespace prefix ("signal.",
// "message.", "import.").
const (
	KindSignalMessage  = "signal.message"
	KindSignalContacts = "signal.contacts"
	KindSignalGroups   = "signal.groups"
	KindMessageSaved   = "message.saved"
	KindImportProgress = "import.progress"
	KindImportFinished = "import.finished"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
