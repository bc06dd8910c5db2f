package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/tonimelisma/melisma/internal/mail"
)

// rowSizeExpr approximates the bytes a cached message row occupies.
const rowSizeExpr = `LENGTH(id) + LENGTH(thread_id) + LENGTH(subject) + LENGTH(sender_name) +
	LENGTH(sender_address) + LENGTH(preview) + 64`

// ReplaceFolderMessages discards the cached listing of a folder and stores
// msgs as its first page, recording nextPageToken as the remote key.
func (s *Store) ReplaceFolderMessages(accountID, folderID string, msgs []mail.Message, nextPageToken string) error {
	return s.withTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM messages WHERE account_id = ? AND folder_id = ?`, accountID, folderID); err != nil {
			return fmt.Errorf("clear folder messages: %w", err)
		}
		if err := insertMessages(tx, accountID, folderID, 0, msgs); err != nil {
			return err
		}
		return setRemoteKey(tx, accountID, folderID, nextPageToken)
	})
}

// AppendFolderMessages adds msgs after the cached listing of a folder.
// Messages already cached for the folder are skipped.
func (s *Store) AppendFolderMessages(accountID, folderID string, msgs []mail.Message, nextPageToken string) error {
	return s.withTx(func(tx *sql.Tx) error {
		var next int
		err := tx.QueryRow(`
			SELECT COALESCE(MAX(position) + 1, 0) FROM messages
			WHERE account_id = ? AND folder_id = ?
		`, accountID, folderID).Scan(&next)
		if err != nil {
			return fmt.Errorf("next position: %w", err)
		}
		if err := insertMessages(tx, accountID, folderID, next, msgs); err != nil {
			return err
		}
		return setRemoteKey(tx, accountID, folderID, nextPageToken)
	})
}

func insertMessages(tx *sql.Tx, accountID, folderID string, start int, msgs []mail.Message) error {
	stmt, err := tx.Prepare(`
		INSERT OR IGNORE INTO messages (
			account_id, folder_id, id, thread_id, subject, sender_name,
			sender_address, preview, received_at, is_read, has_attachments, position
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for i, m := range msgs {
		_, err := stmt.Exec(
			accountID, folderID, m.ID, m.ThreadID, m.Subject, m.SenderName,
			m.SenderAddress, m.Preview, m.ReceivedAt.UnixMilli(), m.IsRead, m.HasAttachments, start+i,
		)
		if err != nil {
			return fmt.Errorf("insert message %s: %w", m.ID, err)
		}
	}
	return nil
}

// FolderMessages returns up to limit cached messages of a folder starting
// at offset, in remote listing order.
func (s *Store) FolderMessages(accountID, folderID string, offset, limit int) ([]mail.Message, error) {
	rows, err := s.db.Query(`
		SELECT id, thread_id, subject, sender_name, sender_address, preview,
		       received_at, is_read, has_attachments
		FROM messages
		WHERE account_id = ? AND folder_id = ?
		ORDER BY position
		LIMIT ? OFFSET ?
	`, accountID, folderID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query folder messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var msgs []mail.Message
	for rows.Next() {
		var m mail.Message
		var received int64
		if err := rows.Scan(&m.ID, &m.ThreadID, &m.Subject, &m.SenderName, &m.SenderAddress,
			&m.Preview, &received, &m.IsRead, &m.HasAttachments); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.ReceivedAt = time.UnixMilli(received).UTC()
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// CountFolderMessages returns the number of cached messages of a folder.
func (s *Store) CountFolderMessages(accountID, folderID string) (int, error) {
	var n int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM messages WHERE account_id = ? AND folder_id = ?
	`, accountID, folderID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count folder messages: %w", err)
	}
	return n, nil
}

// ClearFolder drops the cached listing and paging key of a folder.
func (s *Store) ClearFolder(accountID, folderID string) error {
	return s.withTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM messages WHERE account_id = ? AND folder_id = ?`, accountID, folderID); err != nil {
			return fmt.Errorf("clear folder messages: %w", err)
		}
		if _, err := tx.Exec(`DELETE FROM remote_keys WHERE account_id = ? AND folder_id = ?`, accountID, folderID); err != nil {
			return fmt.Errorf("clear remote key: %w", err)
		}
		return nil
	})
}

func setRemoteKey(tx *sql.Tx, accountID, folderID, next string) error {
	_, err := tx.Exec(`
		INSERT INTO remote_keys (account_id, folder_id, next_page_token) VALUES (?, ?, ?)
		ON CONFLICT(account_id, folder_id) DO UPDATE SET
			next_page_token = excluded.next_page_token,
			updated_at = datetime('now')
	`, accountID, folderID, next)
	if err != nil {
		return fmt.Errorf("set remote key: %w", err)
	}
	return nil
}

// RemoteKey returns the next remote page token of a folder. found is false
// when the folder has never been loaded.
func (s *Store) RemoteKey(accountID, folderID string) (next string, found bool, err error) {
	err = s.db.QueryRow(`
		SELECT next_page_token FROM remote_keys WHERE account_id = ? AND folder_id = ?
	`, accountID, folderID).Scan(&next)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get remote key: %w", err)
	}
	return next, true, nil
}

// PruneCache deletes the oldest cached messages until the approximate
// cache size is at most limitBytes. It returns the number of rows removed.
func (s *Store) PruneCache(limitBytes int64) (int64, error) {
	if limitBytes <= 0 {
		return 0, nil
	}
	var removed int64
	for {
		var size int64
		if err := s.db.QueryRow(`SELECT COALESCE(SUM(` + rowSizeExpr + `), 0) FROM messages`).Scan(&size); err != nil {
			return removed, fmt.Errorf("measure cache: %w", err)
		}
		if size <= limitBytes {
			return removed, nil
		}
		res, err := s.db.Exec(`
			DELETE FROM messages WHERE rowid IN (
				SELECT rowid FROM messages ORDER BY received_at LIMIT 100
			)
		`)
		if err != nil {
			return removed, fmt.Errorf("prune cache: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return removed, fmt.Errorf("check rows affected: %w", err)
		}
		if n == 0 {
			return removed, nil
		}
		removed += n
	}
}
