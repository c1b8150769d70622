package secrets

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// Handle is a scoped-use wrapper around a decrypted secret. It exists so a
// caller can sign with the plaintext without ever holding a copy of it
// themselves; Close zeroes the underlying buffer. A Handle must not outlive
// one operation.
type Handle struct {
	plaintext []byte
	closed    bool
}

// HandleFromPlaintext wraps raw key material in a Handle. Intended for the
// store and for tests standing in for it; production callers go through
// Store.Get so the material is only ever decrypted on demand.
func HandleFromPlaintext(plaintext []byte) *Handle {
	return &Handle{plaintext: append([]byte(nil), plaintext...)}
}

// Close zeroes the handle's plaintext. Safe to call more than once.
func (h *Handle) Close() {
	if h.closed {
		return
	}
	zero(h.plaintext)
	h.closed = true
}

// Signer returns an object that can sign typed-data messages and ordinary
// hashes with this handle's key, without ever exposing the key material to
// the caller. This is the only sanctioned way code outside this package
// touches the plaintext's cryptographic capability.
func (h *Handle) Signer() (*Signer, error) {
	if h.closed {
		return nil, fmt.Errorf("secrets: handle already closed")
	}
	key, err := crypto.ToECDSA(h.plaintext)
	if err != nil {
		return nil, fmt.Errorf("secrets: invalid private key material: %w", err)
	}
	return &Signer{key: key}, nil
}

// Address returns the signer's public venue address without ever exposing
// the private key.
func (h *Handle) Address() (common.Address, error) {
	s, err := h.Signer()
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(s.key.PublicKey), nil
}

// Signer internalizes a decoded ECDSA private key. It is the "opaque signer
// object" alternative to scoped plaintext use: a Venue Client is polymorphic over
// this capability and never sees the key itself.
type Signer struct {
	key *ecdsa.PrivateKey
}

// Address returns this signer's venue address.
func (s *Signer) Address() common.Address {
	return crypto.PubkeyToAddress(s.key.PublicKey)
}

// SignTypedData hashes and signs an EIP-712 typed-data message, the
// concrete mechanism behind the `HyperliquidSignTransaction` domain used
// for agent-wallet approval. Returns a 65-byte
// (r||s||v) signature.
func (s *Signer) SignTypedData(typedData apitypes.TypedData) ([]byte, error) {
	domainHash, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("hash domain: %w", err)
	}
	messageHash, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		return nil, fmt.Errorf("hash message: %w", err)
	}
	digest := crypto.Keccak256(
		[]byte("\x19\x01"),
		domainHash,
		messageHash,
	)
	sig, err := crypto.Sign(digest, s.key)
	if err != nil {
		return nil, fmt.Errorf("sign digest: %w", err)
	}
	// go-ethereum returns v in {0,1}; venue typed-data signatures expect the
	// legacy {27,28} convention.
	sig[64] += 27
	return sig, nil
}

// SignHash signs an arbitrary 32-byte digest, used for order-placement
// nonce payloads that are not themselves EIP-712 structures.
func (s *Signer) SignHash(digest [32]byte) ([]byte, error) {
	sig, err := crypto.Sign(digest[:], s.key)
	if err != nil {
		return nil, fmt.Errorf("sign digest: %w", err)
	}
	sig[64] += 27
	return sig, nil
}

// BuildAgentApprovalTypedData constructs the typed-data message the venue expects for
// agent-wallet approval: domain HyperliquidSignTransaction, message fields
// hyperliquidChain/signatureChainId/agentAddress/agentName/nonce.
func BuildAgentApprovalTypedData(chainID int64, hyperliquidChain, agentAddress, agentName string, nonce uint64) apitypes.TypedData {
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"Agent": {
				{Name: "hyperliquidChain", Type: "string"},
				{Name: "signatureChainId", Type: "string"},
				{Name: "agentAddress", Type: "address"},
				{Name: "agentName", Type: "string"},
				{Name: "nonce", Type: "uint64"},
			},
		},
		PrimaryType: "Agent",
		Domain: apitypes.TypedDataDomain{
			Name:              "HyperliquidSignTransaction",
			Version:           "1",
			ChainId:           math.NewHexOrDecimal256(chainID),
			VerifyingContract: "0x0000000000000000000000000000000000000000",
		},
		Message: apitypes.TypedDataMessage{
			"hyperliquidChain": hyperliquidChain,
			"signatureChainId": fmt.Sprintf("0x%x", chainID),
			"agentAddress":     agentAddress,
			"agentName":        agentName,
			"nonce":            new(big.Int).SetUint64(nonce).String(),
		},
	}
}
