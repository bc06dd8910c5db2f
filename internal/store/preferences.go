package store

import (
	"database/sql"
	"fmt"
)

// GetPreference returns the stored value for key and whether it was set.
func (s *Store) GetPreference(key string) (string, bool, error) {
	var v string
	err := s.db.QueryRow(`SELECT value FROM preferences WHERE key = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get preference %s: %w", key, err)
	}
	return v, true, nil
}

// SetPreference stores value under key.
func (s *Store) SetPreference(key, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO preferences (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = datetime('now')
	`, key, value)
	if err != nil {
		return fmt.Errorf("set preference %s: %w", key, err)
	}
	return nil
}

// ListPreferences returns every stored preference.
func (s *Store) ListPreferences() (map[string]string, error) {
	rows, err := s.db.Query(`SELECT key, value FROM preferences`)
	if err != nil {
		return nil, fmt.Errorf("query preferences: %w", err)
	}
	defer func() { _ = rows.Close() }()

	prefs := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scan preference: %w", err)
		}
		prefs[k] = v
	}
	return prefs, rows.Err()
}
