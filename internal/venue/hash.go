package venue

import (
	"crypto/sha256"
	"encoding/json"
)

// hashAction produces the 32-byte digest an order/cancel/leverage action is
// signed over. The venue's real wire format hashes a msgpack-encoded action
// plus nonce; this client signs a canonical JSON encoding instead, since the
// exact byte-for-byte venue hashing scheme is outside the structured
// contract this system consumes.
func hashAction(action any) [32]byte {
	buf, _ := json.Marshal(action)
	return sha256.Sum256(buf)
}
