package secrets

import (
	"context"
	"crypto/rand"
	"fmt"
	"time"

	"github.com/atlas-desktop/perp-orchestrator/internal/storage"
	"go.uber.org/zap"
)

// envelopeName is the fixed secret slot this system manages per account.
// The schema supports multiple named secrets per account (the apiKey table
// covers provider keys separately); this store only ever holds the venue
// agent-wallet private key under this name.
const envelopeName = "agent_wallet_private_key"

// Repository is the persistence seam Store needs; satisfied by
// *storage.DB, narrowed so this package can be unit-tested against a fake.
type Repository interface {
	PutSecretEnvelope(ctx context.Context, e storage.EnvelopeRow) error
	GetSecretEnvelope(ctx context.Context, accountID, name string) (storage.EnvelopeRow, error)
	DeleteSecretEnvelope(ctx context.Context, accountID, name string) error
	HasSecretEnvelope(ctx context.Context, accountID, name string) (bool, error)
}

// Store is the Secret Store: it encrypts on the way in, decrypts only
// into a scoped Handle on the way out, and never returns a bare []byte to a
// caller outside this package.
type Store struct {
	repo   Repository
	master []byte
	logger *zap.Logger
}

// New builds a Store from a master key already read from its source (file,
// KMS, env — the loader is the caller's concern). A key of the wrong length
// is a fatal configuration error.
func New(logger *zap.Logger, repo Repository, masterKey []byte) (*Store, error) {
	if len(masterKey) != MasterKeySize {
		return nil, fmt.Errorf("secrets: master key must be %d bytes, got %d", MasterKeySize, len(masterKey))
	}
	s := &Store{repo: repo, master: append([]byte(nil), masterKey...), logger: logger}
	if err := s.selfTest(); err != nil {
		return nil, fmt.Errorf("secrets: startup self-test failed: %w", err)
	}
	return s, nil
}

// selfTest encrypts and decrypts a throwaway payload under the configured
// master key so a bad key is caught at startup, not on the first real trade.
func (s *Store) selfTest() error {
	probe := make([]byte, 32)
	if _, err := rand.Read(probe); err != nil {
		return fmt.Errorf("generate probe: %w", err)
	}
	env, err := encryptEnvelope(s.master, probe)
	if err != nil {
		return fmt.Errorf("encrypt probe: %w", err)
	}
	out, err := decryptEnvelope(s.master, env)
	if err != nil {
		return fmt.Errorf("decrypt probe: %w", err)
	}
	for i := range probe {
		if probe[i] != out[i] {
			return fmt.Errorf("roundtrip mismatch at byte %d", i)
		}
	}
	return nil
}

// Put encrypts plaintext under a freshly generated DEK and persists the
// envelope, replacing any prior one for this account atomically (rotation).
func (s *Store) Put(ctx context.Context, accountID string, plaintext []byte) error {
	env, err := encryptEnvelope(s.master, plaintext)
	if err != nil {
		return fmt.Errorf("encrypt: %w", err)
	}
	row := storage.EnvelopeRow{
		AccountID:         accountID,
		Name:              envelopeName,
		DEKCiphertext:     env.dekCiphertext,
		DEKNonce:          env.dekNonce,
		PayloadCiphertext: env.payloadCiphertext,
		PayloadNonce:      env.payloadNonce,
		CreatedAt:         time.Now(),
	}
	if err := s.repo.PutSecretEnvelope(ctx, row); err != nil {
		return fmt.Errorf("persist envelope: %w", err)
	}
	return nil
}

// Has reports whether an account has a stored secret, without decrypting.
func (s *Store) Has(ctx context.Context, accountID string) (bool, error) {
	return s.repo.HasSecretEnvelope(ctx, accountID, envelopeName)
}

// Delete removes an account's stored secret.
func (s *Store) Delete(ctx context.Context, accountID string) error {
	return s.repo.DeleteSecretEnvelope(ctx, accountID, envelopeName)
}

// Get decrypts an account's secret into a Handle. The handle is the only
// thing that ever crosses this package's boundary carrying derived key
// material; callers must call Close when done so the plaintext is zeroed.
func (s *Store) Get(ctx context.Context, accountID string) (*Handle, error) {
	row, err := s.repo.GetSecretEnvelope(ctx, accountID, envelopeName)
	if err != nil {
		return nil, fmt.Errorf("load envelope: %w", err)
	}
	plaintext, err := decryptEnvelope(s.master, envelope{
		dekCiphertext:     row.DEKCiphertext,
		dekNonce:          row.DEKNonce,
		payloadCiphertext: row.PayloadCiphertext,
		payloadNonce:      row.PayloadNonce,
	})
	if err != nil {
		return nil, fmt.Errorf("decrypt envelope: %w", err)
	}
	return &Handle{plaintext: plaintext}, nil
}
