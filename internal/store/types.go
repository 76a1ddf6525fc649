package store

import (
	"encoding/json"
	"regexp"
	"unicode/utf8"
)

// ConversationKind is stored in conversations.type.
type ConversationKind string

const (
	KindPrivate ConversationKind = "private"
	KindGroup   ConversationKind = "group"
)

// AttachmentPlaceholder is the preview for messages without text.
const AttachmentPlaceholder = "[Attachment]"

const previewLen = 100

var directID = regexp.MustCompile(`^\+[0-9]+$`)

// IsDirectID reports whether id has the shape of a phone number, which is
// how direct conversations are told apart from groups.
func IsDirectID(id string) bool {
	return directID.MatchString(id)
}

// KindOf returns the conversation kind implied by id.
func KindOf(id string) ConversationKind {
	if IsDirectID(id) {
		return KindPrivate
	}
	return KindGroup
}

// Attachment describes a file sent with a message. Only metadata is stored.
type Attachment struct {
	ContentType string `json:"contentType"`
	Filename    string `json:"filename"`
	Size        int64  `json:"size"`
}

// Message is a stored chat message. Timestamp (sent time, ms since epoch)
// orders messages; ID is assigned by the store.
type Message struct {
	ID             int64
	ConversationID string
	Sender         string
	SenderName     string
	Body           string
	Timestamp      int64
	ReceivedAt     int64
	Outgoing       bool
	GroupID        string
	Attachments    []Attachment
	Read           bool
}

// Conversation is a chat with its derived last-message summary.
type Conversation struct {
	ID            string
	Name          string
	Kind          ConversationKind
	LastMessage   string
	LastMessageAt *int64
	UnreadCount   int
}

// IsGroup reports whether the conversation is a group chat.
func (c *Conversation) IsGroup() bool { return c.Kind == KindGroup }

// Contact is a cached address-book entry.
type Contact struct {
	Number      string
	Name        string
	ProfileName string
	UUID        string
	Blocked     bool
}

// DisplayName returns the best available name for the contact.
func (c *Contact) DisplayName() string {
	switch {
	case c.Name != "":
		return c.Name
	case c.ProfileName != "":
		return c.ProfileName
	default:
		return c.Number
	}
}

// Group is a cached group. Data is kept verbatim.
type Group struct {
	ID   string
	Name string
	Data json.RawMessage
}

// InsertStatus is the outcome of a single message insert.
type InsertStatus int

const (
	Inserted InsertStatus = iota
	Skipped
)

func (s InsertStatus) String() string {
	if s == Skipped {
		return "skipped"
	}
	return "inserted"
}

// SaveResult is returned by SaveMessage. RowID is zero when Skipped.
type SaveResult struct {
	Status InsertStatus
	RowID  int64
}

// Pending is one row of a bulk insert.
type Pending struct {
	ConversationID string
	Message        *Message
}

// SearchResult is a message matched by Search.
type SearchResult struct {
	ConversationID string
	Message        Message
}

// Preview returns the conversation preview text for a message body.
func Preview(body string) string {
	if body == "" {
		return AttachmentPlaceholder
	}
	if utf8.RuneCountInString(body) <= previewLen {
		return body
	}
	return string([]rune(body)[:previewLen])
}
