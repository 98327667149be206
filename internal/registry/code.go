// internal/registry/code.go
package registry

import (
	"crypto/rand"
	"math/big"
)

// Codes are read out loud between people in the same room, so they stay
// short: six characters over uppercase letters and digits.
const (
	codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	codeLength   = 6
)

// generateJoinCode returns a fresh 6-character lobby code. Uniqueness is the
// caller's problem; this only guarantees the shape.
func generateJoinCode() (string, error) {
	max := big.NewInt(int64(len(codeAlphabet)))
	buf := make([]byte, codeLength)
	for i := range buf {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		buf[i] = codeAlphabet[n.Int64()]
	}
	return string(buf), nil
}
