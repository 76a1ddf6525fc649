package store

import "strings"

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// Search returns messages whose body contains query, case-insensitively
// (Unicode lower-casing, not only ASCII), across all conversations, newest
// first.
func (s *Store) Search(query string, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 50
	}
	db, err := s.conn()
	if err != nil {
		return nil, err
	}

	rows, err := db.Query(`
		SELECT `+selectMessageCols+`
		FROM messages
		WHERE casefold(body) LIKE ? ESCAPE '\'
		ORDER BY sent_at DESC, id DESC
		LIMIT ?`, "%"+likeEscaper.Replace(strings.ToLower(query))+"%", limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var results []SearchResult
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, SearchResult{ConversationID: m.ConversationID, Message: m})
	}
	return results, rows.Err()
}
