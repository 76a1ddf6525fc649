package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const defaultMessageLimit = 100

const insertMessageSQL = `
	INSERT INTO messages (conversation_id, source, body, sent_at, received_at, type, has_attachments, attachments_json, is_read)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(conversation_id, sent_at, source, body) DO NOTHING`

const selectMessageCols = `id, conversation_id, source, body, sent_at, received_at, type, attachments_json, is_read`

// SaveMessage stores a live message and updates the conversation summary in
// the same transaction. A message already stored under the same
// (conversation, sent_at, source, body) is Skipped and leaves the
// conversation untouched.
func (s *Store) SaveMessage(conversationID string, m *Message) (SaveResult, error) {
	var res SaveResult
	err := s.withTx(func(tx *sql.Tx) error {
		attJSON, err := encodeAttachments(m.Attachments)
		if err != nil {
			return err
		}
		r, err := tx.Exec(insertMessageSQL,
			conversationID, m.Sender, m.Body, m.Timestamp, time.Now().UnixMilli(),
			direction(m.Outgoing), len(m.Attachments) > 0, attJSON, m.Read || m.Outgoing)
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		n, err := r.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			res = SaveResult{Status: Skipped}
			return nil
		}
		id, err := r.LastInsertId()
		if err != nil {
			return err
		}
		res = SaveResult{Status: Inserted, RowID: id}
		return aggregate(tx, conversationID, m)
	})
	if err != nil {
		return SaveResult{}, err
	}
	return res, nil
}

// aggregate folds one newly inserted message into its conversation row.
// The preview only moves forward in time; equal timestamps overwrite, so
// the last written of two simultaneous messages wins.
func aggregate(tx *sql.Tx, conversationID string, m *Message) error {
	incomingUnread := !m.Outgoing && !m.Read

	var lastAt sql.NullInt64
	var unread int
	err := tx.QueryRow(`SELECT last_message_at, unread_count FROM conversations WHERE id = ?`, conversationID).
		Scan(&lastAt, &unread)
	if err == sql.ErrNoRows {
		name := conversationID
		if IsDirectID(conversationID) && !m.Outgoing && m.SenderName != "" {
			name = m.SenderName
		}
		if incomingUnread {
			unread = 1
		}
		_, err := tx.Exec(`
			INSERT INTO conversations (id, name, type, last_message, last_message_at, unread_count)
			VALUES (?, ?, ?, ?, ?, ?)`,
			conversationID, name, KindOf(conversationID), Preview(m.Body), m.Timestamp, unread)
		if err != nil {
			return fmt.Errorf("insert conversation: %w", err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("read conversation: %w", err)
	}

	if lastAt.Valid && m.Timestamp < lastAt.Int64 {
		return nil
	}
	if incomingUnread {
		unread++
	}
	if _, err := tx.Exec(`
		UPDATE conversations SET last_message = ?, last_message_at = ?, unread_count = ?
		WHERE id = ?`,
		Preview(m.Body), m.Timestamp, unread, conversationID); err != nil {
		return fmt.Errorf("update conversation: %w", err)
	}
	return nil
}

// BulkInsertMessages inserts a batch in one transaction and returns how many
// rows were new. Imported rows are stored as read and no conversation
// summaries are touched; call RefreshConversationFromMessages afterwards.
func (s *Store) BulkInsertMessages(batch []Pending) (int, error) {
	inserted := 0
	err := s.withTx(func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(insertMessageSQL)
		if err != nil {
			return fmt.Errorf("prepare insert: %w", err)
		}
		defer func() { _ = stmt.Close() }()

		for _, p := range batch {
			m := p.Message
			attJSON, err := encodeAttachments(m.Attachments)
			if err != nil {
				return err
			}
			r, err := stmt.Exec(p.ConversationID, m.Sender, m.Body, m.Timestamp, m.Timestamp,
				direction(m.Outgoing), len(m.Attachments) > 0, attJSON, true)
			if err != nil {
				return fmt.Errorf("insert message in batch: %w", err)
			}
			n, err := r.RowsAffected()
			if err != nil {
				return err
			}
			inserted += int(n)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

// GetMessages returns up to limit messages of a conversation, oldest first.
// With before > 0 only messages sent strictly before it are considered;
// otherwise the most recent ones are returned.
func (s *Store) GetMessages(conversationID string, limit int, before int64) ([]Message, error) {
	if limit <= 0 {
		limit = defaultMessageLimit
	}
	db, err := s.conn()
	if err != nil {
		return nil, err
	}

	q := `SELECT ` + selectMessageCols + ` FROM messages WHERE conversation_id = ?`
	args := []any{conversationID}
	if before > 0 {
		q += ` AND sent_at < ?`
		args = append(args, before)
	}
	q += ` ORDER BY sent_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Newest-first from the LIMIT query; callers render top to bottom.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// MarkRead marks every unread incoming message of a conversation as read and
// resets its unread counter.
func (s *Store) MarkRead(conversationID string) error {
	return s.withTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`
			UPDATE messages SET is_read = 1
			WHERE conversation_id = ? AND is_read = 0 AND type = 'incoming'`, conversationID); err != nil {
			return fmt.Errorf("mark messages read: %w", err)
		}
		if _, err := tx.Exec(`UPDATE conversations SET unread_count = 0 WHERE id = ?`, conversationID); err != nil {
			return fmt.Errorf("reset unread count: %w", err)
		}
		return nil
	})
}

// UnreadCount counts unread incoming messages in a conversation.
func (s *Store) UnreadCount(conversationID string) (int, error) {
	db, err := s.conn()
	if err != nil {
		return 0, err
	}
	var n int
	err = db.QueryRow(`
		SELECT COUNT(*) FROM messages
		WHERE conversation_id = ? AND is_read = 0 AND type = 'incoming'`, conversationID).Scan(&n)
	return n, err
}

// MessageCount returns the total number of messages.
func (s *Store) MessageCount() (int64, error) {
	db, err := s.conn()
	if err != nil {
		return 0, err
	}
	var count int64
	err = db.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&count)
	return count, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(r scanner) (Message, error) {
	var (
		m       Message
		typ     string
		attJSON sql.NullString
	)
	if err := r.Scan(&m.ID, &m.ConversationID, &m.Sender, &m.Body, &m.Timestamp, &m.ReceivedAt,
		&typ, &attJSON, &m.Read); err != nil {
		return Message{}, err
	}
	m.Outgoing = typ == "outgoing"
	if !IsDirectID(m.ConversationID) {
		m.GroupID = m.ConversationID
	}
	m.Attachments = decodeAttachments(attJSON.String)
	return m, nil
}

func direction(outgoing bool) string {
	if outgoing {
		return "outgoing"
	}
	return "incoming"
}

func encodeAttachments(atts []Attachment) (sql.NullString, error) {
	if len(atts) == 0 {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(atts)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encode attachments: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

// decodeAttachments treats a corrupt blob as no attachments.
func decodeAttachments(s string) []Attachment {
	if s == "" {
		return nil
	}
	var atts []Attachment
	if err := json.Unmarshal([]byte(s), &atts); err != nil {
		return nil
	}
	return atts
}
