package desktop

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/sigvault/internal/bus"
	"github.com/matheus3301/sigvault/internal/store"
	"go.uber.org/zap"
)

// Bus event kinds published during an import.
const (
	EventProgress = bus.KindImportProgress
	EventFinished = bus.KindImportFinished
)

// Progress is published after each conversation is processed.
type Progress struct {
	Name  string
	Index int // 1-based
	Total int
}

// Result summarizes an import run.
type Result struct {
	Conversations int
	Messages      int
}

// Stats describes the Signal Desktop database.
type Stats struct {
	Conversations int64
	Messages      int64
}

// Conversation is a conversation row from Signal Desktop.
type Conversation struct {
	InternalID string
	ID         string // e164 for direct chats, groupId otherwise
	Name       string
	IsGroup    bool
}

// ForeignMessage is a message row from Signal Desktop.
type ForeignMessage struct {
	ID          string
	Source      string
	Outgoing    bool
	Body        string
	SentAt      int64
	ReceivedAt  int64
	Attachments []store.Attachment
}

// messageJSON is the subset of the messages.json column we read.
type messageJSON struct {
	Attachments []struct {
		ContentType string `json:"contentType"`
		FileName    string `json:"fileName"`
		Size        int64  `json:"size"`
	} `json:"attachments"`
}

// Importer copies Signal Desktop history into the store.
type Importer struct {
	store     *store.Store
	inst      Installation
	secrets   SecretSource
	ownNumber string
	bus       *bus.Bus
	logger    *zap.Logger

	db  *sql.DB
	key string
}

// NewImporter creates an importer. ownNumber is used as the sender of
// outgoing messages that carry no source. b may be nil.
func NewImporter(st *store.Store, inst Installation, secrets SecretSource, ownNumber string, b *bus.Bus, logger *zap.Logger) *Importer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Importer{
		store:     st,
		inst:      inst,
		secrets:   secrets,
		ownNumber: ownNumber,
		bus:       b,
		logger:    logger,
	}
}

// Installed reports whether Signal Desktop's database exists.
func (im *Importer) Installed() bool { return im.inst.Installed() }

// Key resolves Signal Desktop's database key once and caches it.
func (im *Importer) Key(ctx context.Context) (string, error) {
	if im.key != "" {
		return im.key, nil
	}
	key, err := ResolveKey(ctx, im.inst, im.secrets)
	if err != nil {
		return "", err
	}
	im.key = key
	return key, nil
}

// Connect opens Signal Desktop's database read-only.
func (im *Importer) Connect(ctx context.Context) error {
	if im.db != nil {
		return nil
	}
	if !im.inst.Installed() {
		return &ImportError{Kind: NotInstalled, Err: fmt.Errorf("%w at %s", ErrNotInstalled, im.inst.DBPath)}
	}
	key, err := im.Key(ctx)
	if err != nil {
		return err
	}

	db, err := store.OpenEncrypted(im.inst.DBPath, key, true)
	if err != nil {
		var oerr *store.OpenError
		if errors.As(err, &oerr) && oerr.Kind == store.WrongKey {
			return &ImportError{Kind: WrongKey, Err: err}
		}
		return &ImportError{Kind: IOFailure, Err: err}
	}
	im.db = db
	return nil
}

// Close releases the Signal Desktop database. Safe to call repeatedly.
func (im *Importer) Close() error {
	if im.db == nil {
		return nil
	}
	err := im.db.Close()
	im.db = nil
	return err
}

// Stats counts importable conversations and all messages.
func (im *Importer) Stats(ctx context.Context) (Stats, error) {
	if err := im.Connect(ctx); err != nil {
		return Stats{}, err
	}
	var st Stats
	if err := im.db.QueryRow(`SELECT COUNT(*) FROM conversations WHERE e164 IS NOT NULL OR groupId IS NOT NULL`).Scan(&st.Conversations); err != nil {
		return Stats{}, &ImportError{Kind: IOFailure, Err: err}
	}
	if err := im.db.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&st.Messages); err != nil {
		return Stats{}, &ImportError{Kind: IOFailure, Err: err}
	}
	return st, nil
}

// Conversations lists conversations that have a phone number or group id.
func (im *Importer) Conversations(ctx context.Context) ([]Conversation, error) {
	if err := im.Connect(ctx); err != nil {
		return nil, err
	}
	rows, err := im.db.Query(`
		SELECT id, e164, groupId, type, name, profileName, profileFamilyName
		FROM conversations
		WHERE (e164 IS NOT NULL OR groupId IS NOT NULL)
		ORDER BY rowid`)
	if err != nil {
		return nil, &ImportError{Kind: IOFailure, Err: err}
	}
	defer func() { _ = rows.Close() }()

	var convs []Conversation
	for rows.Next() {
		var internalID string
		var e164, groupID, typ, name, profileName, familyName sql.NullString
		if err := rows.Scan(&internalID, &e164, &groupID, &typ, &name, &profileName, &familyName); err != nil {
			return nil, &ImportError{Kind: IOFailure, Err: err}
		}
		id := e164.String
		if id == "" {
			id = groupID.String
		}
		if id == "" {
			continue
		}
		convs = append(convs, Conversation{
			InternalID: internalID,
			ID:         id,
			Name:       displayName(id, name.String, profileName.String, familyName.String),
			IsGroup:    typ.String == "group",
		})
	}
	if err := rows.Err(); err != nil {
		return nil, &ImportError{Kind: IOFailure, Err: err}
	}
	return convs, nil
}

func displayName(id, name, given, family string) string {
	switch {
	case name != "":
		return name
	case given != "" && family != "":
		return given + " " + family
	case given != "":
		return given
	default:
		return id
	}
}

// Messages returns all messages of a conversation, oldest first.
func (im *Importer) Messages(ctx context.Context, internalID string) ([]ForeignMessage, error) {
	if err := im.Connect(ctx); err != nil {
		return nil, err
	}
	rows, err := im.db.Query(`
		SELECT id, source, type, body, sent_at, received_at, hasAttachments, json
		FROM messages
		WHERE conversationId = ?
		ORDER BY sent_at ASC`, internalID)
	if err != nil {
		return nil, &ImportError{Kind: IOFailure, Err: err}
	}
	defer func() { _ = rows.Close() }()

	var msgs []ForeignMessage
	for rows.Next() {
		var (
			m                           ForeignMessage
			source, typ, body, rawJSON  sql.NullString
			sentAt, receivedAt, hasAtts sql.NullInt64
		)
		if err := rows.Scan(&m.ID, &source, &typ, &body, &sentAt, &receivedAt, &hasAtts, &rawJSON); err != nil {
			return nil, &ImportError{Kind: IOFailure, Err: err}
		}
		m.Source = source.String
		m.Outgoing = typ.String == "outgoing"
		m.Body = body.String
		m.SentAt = sentAt.Int64
		m.ReceivedAt = receivedAt.Int64
		if hasAtts.Int64 != 0 && rawJSON.String != "" {
			m.Attachments = parseAttachments(rawJSON.String)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, &ImportError{Kind: IOFailure, Err: err}
	}
	return msgs, nil
}

// parseAttachments tolerates malformed JSON by returning no attachments.
func parseAttachments(raw string) []store.Attachment {
	var doc messageJSON
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil
	}
	var atts []store.Attachment
	for _, a := range doc.Attachments {
		atts = append(atts, store.Attachment{ContentType: a.ContentType, Filename: a.FileName, Size: a.Size})
	}
	return atts
}

func (im *Importer) toMessage(conv Conversation, fm ForeignMessage) *store.Message {
	sender := fm.Source
	if sender == "" && fm.Outgoing {
		sender = im.ownNumber
	}
	senderName := ""
	if fm.Outgoing {
		senderName = "You"
	}
	ts := fm.SentAt
	if ts == 0 {
		ts = fm.ReceivedAt
	}
	if ts == 0 {
		ts = time.Now().UnixMilli()
	}
	groupID := ""
	if conv.IsGroup {
		groupID = conv.ID
	}
	return &store.Message{
		ConversationID: conv.ID,
		Sender:         sender,
		SenderName:     senderName,
		Body:           fm.Body,
		Timestamp:      ts,
		Outgoing:       fm.Outgoing,
		GroupID:        groupID,
		Attachments:    fm.Attachments,
		Read:           true,
	}
}

// Import copies every conversation into the store. Each conversation's
// messages are written in one transaction; the conversation row is then
// ensured and its summary refreshed once. Cancelling ctx stops the run
// between conversations, never inside one.
//
// A progress event is published after every conversation, but delivery is
// best-effort: the bus drops events for a subscriber whose buffer is full,
// so subscribers should size their buffer for the conversation count or
// drain it concurrently.
func (im *Importer) Import(ctx context.Context) (Result, error) {
	var res Result
	if err := ctx.Err(); err != nil {
		return res, err
	}
	runID := uuid.NewString()
	logger := im.logger.With(zap.String("run_id", runID))

	convs, err := im.Conversations(ctx)
	if err != nil {
		return res, err
	}
	logger.Info("desktop import started", zap.Int("conversations", len(convs)))

	for i, conv := range convs {
		if err := ctx.Err(); err != nil {
			logger.Info("desktop import cancelled", zap.Int("done", res.Conversations))
			return res, err
		}

		n, err := im.importConversation(ctx, conv)
		if err != nil {
			return res, err
		}
		res.Messages += n
		res.Conversations++

		logger.Debug("conversation imported", zap.String("conversation", conv.ID), zap.Int("messages", n))
		im.publish(EventProgress, Progress{Name: conv.Name, Index: i + 1, Total: len(convs)})
	}

	logger.Info("desktop import finished",
		zap.Int("conversations", res.Conversations),
		zap.Int("messages", res.Messages))
	im.publish(EventFinished, res)
	return res, nil
}

func (im *Importer) importConversation(ctx context.Context, conv Conversation) (int, error) {
	foreign, err := im.Messages(ctx, conv.InternalID)
	if err != nil {
		return 0, err
	}
	if len(foreign) == 0 {
		return 0, nil
	}

	batch := make([]store.Pending, 0, len(foreign))
	for _, fm := range foreign {
		batch = append(batch, store.Pending{ConversationID: conv.ID, Message: im.toMessage(conv, fm)})
	}

	n, err := im.store.BulkInsertMessages(batch)
	if err != nil {
		return 0, &ImportError{Kind: IOFailure, Err: fmt.Errorf("insert %s: %w", conv.ID, err)}
	}
	if err := im.store.EnsureConversation(conv.ID, conv.Name, conv.IsGroup); err != nil {
		return n, &ImportError{Kind: IOFailure, Err: fmt.Errorf("ensure %s: %w", conv.ID, err)}
	}
	if err := im.store.RefreshConversationFromMessages(conv.ID); err != nil {
		return n, &ImportError{Kind: IOFailure, Err: fmt.Errorf("refresh %s: %w", conv.ID, err)}
	}
	return n, nil
}

func (im *Importer) publish(kind string, payload any) {
	bus.Publish(im.bus, kind, payload)
}
