package security

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
)

const (
	passwordAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	passwordLength   = 32
	secretLength     = 16
)

// randomString draws n characters from alphabet using crypto/rand.
func randomString(alphabet string, n int) (string, error) {
	var b strings.Builder
	max := big.NewInt(int64(len(alphabet)))
	for i := 0; i < n; i++ {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("failed to draw random index: %w", err)
		}
		b.WriteByte(alphabet[idx.Int64()])
	}
	return b.String(), nil
}

// GeneratePassword returns a long random password for generated password
// fields.
func GeneratePassword() (string, error) {
	return randomString(passwordAlphabet, passwordLength)
}

// GenerateSecret returns a 16-character secret for generated fields that
// are neither passwords nor usernames.
func GenerateSecret() (string, error) {
	return randomString(passwordAlphabet, secretLength)
}

// GenerateUsername returns a name-stem-plus-digits username for generated
// fields that look like users, e.g. "postgres_4821" for stem "postgres".
func GenerateUsername(stem string) (string, error) {
	digits, err := randomString("0123456789", 4)
	if err != nil {
		return "", err
	}
	stem = strings.ToLower(strings.TrimSpace(stem))
	if stem == "" {
		stem = "svc"
	}
	return stem + "_" + digits, nil
}

// LooksLikeUserField reports whether a config field name denotes a
// username rather than a password or token.
func LooksLikeUserField(name string) bool {
	lower := strings.ToLower(name)
	return strings.Contains(lower, "user") || strings.Contains(lower, "login")
}

// LooksLikePasswordField reports whether a config field name denotes a
// password.
func LooksLikePasswordField(name string) bool {
	lower := strings.ToLower(name)
	return strings.Contains(lower, "pass") || strings.Contains(lower, "pwd")
}
