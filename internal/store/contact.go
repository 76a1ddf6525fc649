package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Cache keys in cache_meta.
const (
	ContactsUpdatedKey = "contacts_updated"
	GroupsUpdatedKey   = "groups_updated"
)

// SaveContacts replaces the cached entry of every contact given, keyed by
// number, and records the refresh time. Contacts without a number are skipped.
func (s *Store) SaveContacts(contacts []Contact) error {
	return s.withTx(func(tx *sql.Tx) error {
		for _, c := range contacts {
			if c.Number == "" {
				continue
			}
			if _, err := tx.Exec(`
				INSERT INTO contacts (number, name, profile_name, opaque_id, is_blocked)
				VALUES (?, ?, ?, ?, ?)
				ON CONFLICT(number) DO UPDATE SET
					name = excluded.name,
					profile_name = excluded.profile_name,
					opaque_id = excluded.opaque_id,
					is_blocked = excluded.is_blocked`,
				c.Number, c.Name, c.ProfileName, c.UUID, c.Blocked); err != nil {
				return fmt.Errorf("upsert contact %q: %w", c.Number, err)
			}
		}
		return setCacheValue(tx, ContactsUpdatedKey, time.Now().UTC().Format(time.RFC3339))
	})
}

// Contacts returns all cached contacts ordered by number.
func (s *Store) Contacts() ([]Contact, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}
	rows, err := db.Query(`SELECT number, name, profile_name, opaque_id, is_blocked FROM contacts ORDER BY number`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var contacts []Contact
	for rows.Next() {
		var c Contact
		if err := rows.Scan(&c.Number, &c.Name, &c.ProfileName, &c.UUID, &c.Blocked); err != nil {
			return nil, err
		}
		contacts = append(contacts, c)
	}
	return contacts, rows.Err()
}

// HasContactCache reports whether any contacts are cached.
func (s *Store) HasContactCache() (bool, error) {
	db, err := s.conn()
	if err != nil {
		return false, err
	}
	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM contacts`).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

// SaveGroups replaces the cached entry of every group given, keyed by id.
// Data is stored as-is; when empty, a minimal document is synthesized.
func (s *Store) SaveGroups(groups []Group) error {
	return s.withTx(func(tx *sql.Tx) error {
		for _, g := range groups {
			if g.ID == "" {
				continue
			}
			name := g.Name
			if name == "" {
				name = "Unknown Group"
			}
			data := g.Data
			if len(data) == 0 || !json.Valid(data) {
				b, err := json.Marshal(map[string]string{"id": g.ID, "name": name})
				if err != nil {
					return err
				}
				data = b
			}
			if _, err := tx.Exec(`
				INSERT INTO groups (id, name, data_json) VALUES (?, ?, ?)
				ON CONFLICT(id) DO UPDATE SET name = excluded.name, data_json = excluded.data_json`,
				g.ID, name, string(data)); err != nil {
				return fmt.Errorf("upsert group %q: %w", g.ID, err)
			}
		}
		return setCacheValue(tx, GroupsUpdatedKey, time.Now().UTC().Format(time.RFC3339))
	})
}

// Groups returns all cached groups. A corrupt data blob yields a group
// with nil Data rather than an error.
func (s *Store) Groups() ([]Group, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}
	rows, err := db.Query(`SELECT id, name, data_json FROM groups ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var groups []Group
	for rows.Next() {
		var (
			g    Group
			data sql.NullString
		)
		if err := rows.Scan(&g.ID, &g.Name, &data); err != nil {
			return nil, err
		}
		if data.Valid && json.Valid([]byte(data.String)) {
			g.Data = json.RawMessage(data.String)
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

// CacheValue returns a cache_meta value and whether it was set.
func (s *Store) CacheValue(key string) (string, bool, error) {
	db, err := s.conn()
	if err != nil {
		return "", false, err
	}
	var v string
	err = db.QueryRow(`SELECT value FROM cache_meta WHERE key = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

// CacheTimestamp returns when a cache was last refreshed. An unset or
// unparseable value reports false.
func (s *Store) CacheTimestamp(key string) (time.Time, bool, error) {
	v, ok, err := s.CacheValue(key)
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, false, nil
	}
	return t, true, nil
}

// SetCacheValue records a cache_meta value.
func (s *Store) SetCacheValue(key, value string) error {
	return s.withTx(func(tx *sql.Tx) error {
		return setCacheValue(tx, key, value)
	})
}

func setCacheValue(tx *sql.Tx, key, value string) error {
	if _, err := tx.Exec(`
		INSERT INTO cache_meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value); err != nil {
		return fmt.Errorf("set cache %q: %w", key, err)
	}
	return nil
}
