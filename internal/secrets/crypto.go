// Package secrets is the envelope-encryption boundary: every venue
// agent-wallet private key is encrypted at rest with a per-record data key
// (DEK), which is itself encrypted with a process-wide master key. Nothing
// outside this package ever sees a plaintext payload for longer than the
// scope of a single signing operation.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
)

const (
	// MasterKeySize is the required length of the process-wide master key:
	// AES-256.
	MasterKeySize = 32
	// DEKSize is the per-envelope data-key length.
	DEKSize = 32
)

// envelope is the decrypted-shape pairing of the two ciphertexts an
// EnvelopeRow persists, used only transiently inside this package.
type envelope struct {
	dekCiphertext     []byte
	dekNonce          []byte
	payloadCiphertext []byte
	payloadNonce      []byte
}

// sealAESGCM encrypts plaintext under key, returning ciphertext||tag and the
// nonce used. AES-GCM's 16-byte tag binds a 128-bit authentication tag to
// the ciphertext; it authenticates only what's passed
// here, which is why the DEK and payload are sealed independently rather
// than concatenated into one blob.
func sealAESGCM(key, plaintext []byte) (ciphertext, nonce []byte, err error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, fmt.Errorf("new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, fmt.Errorf("new gcm: %w", err)
	}
	nonce = make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("read nonce: %w", err)
	}
	ciphertext = gcm.Seal(nil, nonce, plaintext, nil)
	return ciphertext, nonce, nil
}

// openAESGCM reverses sealAESGCM. Any altered byte in ciphertext or nonce
// fails authentication and returns an error, never a corrupted plaintext.
func openAESGCM(key, ciphertext, nonce []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("authentication failed: %w", err)
	}
	return plaintext, nil
}

// encryptEnvelope generates a fresh DEK, seals plaintext under it, then
// seals the DEK under masterKey. Two independent authentication tags: one
// over the payload, one over the DEK ciphertext.
func encryptEnvelope(masterKey, plaintext []byte) (envelope, error) {
	dek := make([]byte, DEKSize)
	if _, err := rand.Read(dek); err != nil {
		return envelope{}, fmt.Errorf("generate dek: %w", err)
	}
	defer zero(dek)

	payloadCt, payloadNonce, err := sealAESGCM(dek, plaintext)
	if err != nil {
		return envelope{}, fmt.Errorf("seal payload: %w", err)
	}
	dekCt, dekNonce, err := sealAESGCM(masterKey, dek)
	if err != nil {
		return envelope{}, fmt.Errorf("seal dek: %w", err)
	}
	return envelope{
		dekCiphertext:     dekCt,
		dekNonce:          dekNonce,
		payloadCiphertext: payloadCt,
		payloadNonce:      payloadNonce,
	}, nil
}

// decryptEnvelope reverses encryptEnvelope: unseal the DEK under masterKey,
// then unseal the payload under the recovered DEK. The DEK is zeroed before
// returning.
func decryptEnvelope(masterKey []byte, e envelope) ([]byte, error) {
	dek, err := openAESGCM(masterKey, e.dekCiphertext, e.dekNonce)
	if err != nil {
		return nil, fmt.Errorf("open dek: %w", err)
	}
	defer zero(dek)

	plaintext, err := openAESGCM(dek, e.payloadCiphertext, e.payloadNonce)
	if err != nil {
		return nil, fmt.Errorf("open payload: %w", err)
	}
	return plaintext, nil
}

// zero overwrites a byte slice in place. Best-effort: the Go runtime doesn't
// guarantee a compiler won't elide this, but it beats leaving the DEK to be
// garbage-collected unzeroed.
func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
