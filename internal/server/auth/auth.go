// Package auth: bcrypt hashes for operator passwords and the directory server key.
package auth

import (
	"errors"

	"golang.org/x/crypto/bcrypt"
)

// MinPasswordLen for operator passwords.
const MinPasswordLen = 6

// ErrShortPassword password under MinPasswordLen.
var ErrShortPassword = errors.New("password too short")

// HashPassword bcrypt hash of password.
func HashPassword(password string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// NewOperatorHash checks the length policy, then hashes.
func NewOperatorHash(password string) (string, error) {
	if len(password) < MinPasswordLen {
		return "", ErrShortPassword
	}
	return HashPassword(password)
}

// CheckPassword true if password matches hash.
func CheckPassword(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// CheckServerKey true if key matches the configured bcrypt hash. Empty hash accepts any key.
func CheckServerKey(key, hash string) bool {
	if hash == "" {
		return true
	}
	return CheckPassword(key, hash)
}
