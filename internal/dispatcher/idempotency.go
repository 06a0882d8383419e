package dispatcher

import (
	"crypto/sha256"
	"encoding/hex"
)

// IdempotencyKey derives the key under which a submission is deduplicated.
// Parts are NUL-separated so ("ab","c") and ("a","bc") never collide.
func IdempotencyKey(accountID, targetURL, nonce string) string {
	hasher := sha256.New()
	for _, part := range []string{accountID, targetURL, nonce} {
		hasher.Write([]byte(part))
		hasher.Write([]byte{0})
	}
	return hex.EncodeToString(hasher.Sum(nil))
}
