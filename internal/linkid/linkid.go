// Package linkid generates the short, externally visible link identifiers.
package linkid

import (
	"crypto/rand"
	"math/big"
)

const charset = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

// Length of a generated id. 8 Base62 characters give ~2^47 values, enough
// that collision retries at creation stay rare.
const Length = 8

var maxIdx = big.NewInt(int64(len(charset)))

// Generate returns a random Base62 link id.
func Generate() (string, error) {
	b := make([]byte, Length)
	for i := range b {
		n, err := rand.Int(rand.Reader, maxIdx)
		if err != nil {
			return "", err
		}
		b[i] = charset[n.Int64()]
	}
	return string(b), nil
}
