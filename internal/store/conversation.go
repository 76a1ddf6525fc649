package store

import (
	"database/sql"
	"fmt"
)

const selectConversationCols = `id, name, type, last_message, last_message_at, unread_count`

// EnsureConversation creates the conversation if it does not exist. An
// existing row, including its name, is left alone.
func (s *Store) EnsureConversation(id, name string, isGroup bool) error {
	db, err := s.conn()
	if err != nil {
		return err
	}
	kind := KindPrivate
	if isGroup {
		kind = KindGroup
	}
	_, err = db.Exec(`
		INSERT INTO conversations (id, name, type, last_message, last_message_at, unread_count)
		VALUES (?, ?, ?, '', NULL, 0)
		ON CONFLICT(id) DO NOTHING`,
		id, name, kind)
	return err
}

// UpdateConversationName sets the display name of a conversation.
func (s *Store) UpdateConversationName(id, name string) error {
	db, err := s.conn()
	if err != nil {
		return err
	}
	_, err = db.Exec(`UPDATE conversations SET name = ? WHERE id = ?`, name, id)
	return err
}

// RefreshConversationFromMessages pushes the newest stored message of a
// conversation into its summary, if it is newer than what the row holds.
// The import path uses this once per conversation instead of aggregating
// row by row.
func (s *Store) RefreshConversationFromMessages(id string) error {
	return s.withTx(func(tx *sql.Tx) error {
		var body string
		var sentAt int64
		err := tx.QueryRow(`
			SELECT body, sent_at FROM messages
			WHERE conversation_id = ?
			ORDER BY sent_at DESC, id DESC
			LIMIT 1`, id).Scan(&body, &sentAt)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return fmt.Errorf("latest message: %w", err)
		}
		if _, err := tx.Exec(`
			UPDATE conversations SET last_message = ?, last_message_at = ?
			WHERE id = ? AND (last_message_at IS NULL OR last_message_at < ?)`,
			Preview(body), sentAt, id, sentAt); err != nil {
			return fmt.Errorf("update conversation: %w", err)
		}
		return nil
	})
}

// GetConversation returns a conversation, or nil if it does not exist.
func (s *Store) GetConversation(id string) (*Conversation, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}
	c, err := scanConversation(db.QueryRow(`SELECT `+selectConversationCols+` FROM conversations WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// ListConversations returns all conversations, most recent first.
// Conversations without messages come last.
func (s *Store) ListConversations() ([]Conversation, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}
	rows, err := db.Query(`
		SELECT ` + selectConversationCols + `
		FROM conversations
		ORDER BY last_message_at IS NULL, last_message_at DESC, id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var convs []Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		convs = append(convs, *c)
	}
	return convs, rows.Err()
}

// ConversationCount returns the total number of conversations.
func (s *Store) ConversationCount() (int64, error) {
	db, err := s.conn()
	if err != nil {
		return 0, err
	}
	var count int64
	err = db.QueryRow(`SELECT COUNT(*) FROM conversations`).Scan(&count)
	return count, err
}

func scanConversation(r scanner) (*Conversation, error) {
	var (
		c      Conversation
		kind   string
		lastAt sql.NullInt64
	)
	if err := r.Scan(&c.ID, &c.Name, &kind, &c.LastMessage, &lastAt, &c.UnreadCount); err != nil {
		return nil, err
	}
	if c.Name == "" {
		c.Name = c.ID
	}
	c.Kind = ConversationKind(kind)
	if c.Kind != KindGroup {
		c.Kind = KindPrivate
	}
	if lastAt.Valid {
		v := lastAt.Int64
		c.LastMessageAt = &v
	}
	return &c, nil
}
