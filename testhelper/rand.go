package testhelper

import (
	"crypto/rand"
	"io"
	"math/big"
)

// identChars are valid in unquoted SQL identifiers, database names and Redis
// keys alike.
const identChars = "abcdefghijklmnopqrstuvwxyz0123456789"

func randChars(r io.Reader, charSet string, n int) (string, error) {
	size := big.NewInt(int64(len(charSet)))
	b := make([]byte, n)

	for i := range b {
		idx, err := rand.Int(r, size)
		if err != nil {
			return "", err
		}

		b[i] = charSet[idx.Int64()]
	}

	return string(b), nil
}

// MustRandString returns n random characters usable in an identifier. It
// panics if the system random source fails.
func MustRandString(n int) string {
	s, err := randChars(rand.Reader, identChars, n)
	if err != nil {
		panic(err)
	}

	return s
}

// RandIdentifier returns prefix followed by an underscore and 12 random
// characters, e.g. a database or key prefix no other test shares.
func RandIdentifier(prefix string) string {
	return prefix + "_" + MustRandString(12)
}
