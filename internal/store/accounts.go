package store

import (
	"database/sql"
	"fmt"

	"github.com/tonimelisma/melisma/internal/mail"
)

// UpsertAccount inserts or updates an account row.
func (s *Store) UpsertAccount(a mail.Account) error {
	_, err := s.db.Exec(`
		INSERT INTO accounts (id, provider, username, email_address, needs_reauth)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			provider = excluded.provider,
			username = excluded.username,
			email_address = excluded.email_address,
			needs_reauth = excluded.needs_reauth,
			updated_at = datetime('now')
	`, a.ID, string(a.Provider), a.Username, a.EmailAddress, a.NeedsReauthentication)
	if err != nil {
		return fmt.Errorf("upsert account %s: %w", a.ID, err)
	}
	return nil
}

// ListAccounts returns accounts for provider in sign-in order. An empty
// provider lists every account.
func (s *Store) ListAccounts(provider mail.ProviderType) ([]mail.Account, error) {
	rows, err := s.db.Query(`
		SELECT id, provider, username, email_address, needs_reauth
		FROM accounts
		WHERE ? = '' OR provider = ?
		ORDER BY created_at, rowid
	`, string(provider), string(provider))
	if err != nil {
		return nil, fmt.Errorf("query accounts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var accounts []mail.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// GetAccount returns the account with id, or nil if there is none.
func (s *Store) GetAccount(id string) (*mail.Account, error) {
	row := s.db.QueryRow(`
		SELECT id, provider, username, email_address, needs_reauth
		FROM accounts WHERE id = ?
	`, id)
	a, err := scanAccount(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get account %s: %w", id, err)
	}
	return &a, nil
}

// SetNeedsReauth flags or clears the re-authentication marker.
func (s *Store) SetNeedsReauth(id string, needs bool) error {
	_, err := s.db.Exec(`
		UPDATE accounts SET needs_reauth = ?, updated_at = datetime('now')
		WHERE id = ?
	`, needs, id)
	if err != nil {
		return fmt.Errorf("set needs_reauth for %s: %w", id, err)
	}
	return nil
}

// RemoveAccount deletes an account together with its cached messages and
// paging keys.
func (s *Store) RemoveAccount(id string) error {
	return s.withTx(func(tx *sql.Tx) error {
		for _, q := range []string{
			`DELETE FROM messages WHERE account_id = ?`,
			`DELETE FROM remote_keys WHERE account_id = ?`,
		} {
			if _, err := tx.Exec(q, id); err != nil {
				return fmt.Errorf("delete cached data: %w", err)
			}
		}

		res, err := tx.Exec(`DELETE FROM accounts WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("delete account: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("check rows affected: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("account %s not found", id)
		}
		return nil
	})
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAccount(row scanner) (mail.Account, error) {
	var a mail.Account
	var provider string
	err := row.Scan(&a.ID, &provider, &a.Username, &a.EmailAddress, &a.NeedsReauthentication)
	a.Provider = mail.ProviderType(provider)
	return a, err
}
