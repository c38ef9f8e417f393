// Package idgen mints short random hex identifiers used for values that
// don't need the full weight of a UUID, such as the per-connection connect
// ids sent to the upstream dialogue service.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
)

// HexID returns a cryptographically random hex string of n random bytes
// (2n hex characters).
func HexID(n int) (string, error) {
	bytes := make([]byte, n)

	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}

	return hex.EncodeToString(bytes), nil
}
