package util

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
)

// tokenAlphabet is the character set used for verification secrets.
// Tokens travel inside emailed URLs, so the set is limited to
// unreserved URL characters.
var tokenAlphabet = []rune("abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789")

// TokenLength is the length of a staged verification secret.
const TokenLength = 48

// RandomToken returns a TokenLength-character random alphanumeric token.
func RandomToken() (string, error) {
	return RandomChars(TokenLength)
}

// RandomChars returns n random characters drawn from the token alphabet.
func RandomChars(n int) (string, error) {
	var sb strings.Builder
	for i := 0; i < n; i++ {
		idx, err := RandomIntn(len(tokenAlphabet))
		if err != nil {
			return "", fmt.Errorf("generating random char index: %w", err)
		}
		sb.WriteRune(tokenAlphabet[idx])
	}
	return sb.String(), nil
}

// RandomIntn returns a uniform random int in [0, max).
func RandomIntn(max int) (int, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(max)))
	if err != nil {
		return 0, fmt.Errorf("generating random number: %w", err)
	}
	return int(n.Int64()), nil
}

// RandomBytes returns n cryptographically random bytes.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("generating random bytes: %w", err)
	}
	return b, nil
}
