package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// EnvelopeRow is the persisted shape of one account's encrypted secret: two
// AES-256-GCM ciphertexts (payload and DEK) each with their own nonce, the
// DEK one encrypted under the process-wide master key.
type EnvelopeRow struct {
	AccountID         string
	Name              string
	DEKCiphertext     []byte
	DEKNonce          []byte
	PayloadCiphertext []byte
	PayloadNonce      []byte
	CreatedAt         time.Time
}

// PutSecretEnvelope inserts or atomically replaces an envelope. Rotation
// is just another call to this: the old row
// is gone the instant the new one commits, never partially overwritten.
func (db *DB) PutSecretEnvelope(ctx context.Context, e EnvelopeRow) error {
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO secret_envelope (account_id, name, dek_ciphertext, dek_nonce, payload_ciphertext, payload_nonce, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id, name) DO UPDATE SET
			dek_ciphertext=excluded.dek_ciphertext, dek_nonce=excluded.dek_nonce,
			payload_ciphertext=excluded.payload_ciphertext, payload_nonce=excluded.payload_nonce,
			created_at=excluded.created_at`,
		e.AccountID, e.Name, e.DEKCiphertext, e.DEKNonce, e.PayloadCiphertext, e.PayloadNonce,
		e.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("put secret envelope: %w", err)
	}
	return nil
}

// GetSecretEnvelope fetches one account's named envelope.
func (db *DB) GetSecretEnvelope(ctx context.Context, accountID, name string) (EnvelopeRow, error) {
	row := db.conn.QueryRowContext(ctx, `
		SELECT account_id, name, dek_ciphertext, dek_nonce, payload_ciphertext, payload_nonce, created_at
		FROM secret_envelope WHERE account_id = ? AND name = ?`, accountID, name)

	var e EnvelopeRow
	var createdAt string
	if err := row.Scan(&e.AccountID, &e.Name, &e.DEKCiphertext, &e.DEKNonce, &e.PayloadCiphertext, &e.PayloadNonce, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return EnvelopeRow{}, ErrNotFound
		}
		return EnvelopeRow{}, fmt.Errorf("get secret envelope: %w", err)
	}
	var err error
	if e.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return EnvelopeRow{}, err
	}
	return e, nil
}

// DeleteSecretEnvelope removes an account's named envelope.
func (db *DB) DeleteSecretEnvelope(ctx context.Context, accountID, name string) error {
	_, err := db.conn.ExecContext(ctx, `DELETE FROM secret_envelope WHERE account_id = ? AND name = ?`, accountID, name)
	if err != nil {
		return fmt.Errorf("delete secret envelope: %w", err)
	}
	return nil
}

// HasSecretEnvelope reports whether an account has a named envelope stored,
// without decrypting it.
func (db *DB) HasSecretEnvelope(ctx context.Context, accountID, name string) (bool, error) {
	var n int
	err := db.conn.QueryRowContext(ctx, `SELECT COUNT(1) FROM secret_envelope WHERE account_id = ? AND name = ?`, accountID, name).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("has secret envelope: %w", err)
	}
	return n > 0, nil
}
