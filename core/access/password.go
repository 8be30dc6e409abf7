package access

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// Password length limits. bcrypt ignores everything beyond 72 bytes.
const (
	MinPasswordLength = 8
	MaxPasswordLength = 72
)

// ErrPasswordLength is returned for passwords outside the allowed length
var ErrPasswordLength = fmt.Errorf("password must have between %d and %d bytes", MinPasswordLength, MaxPasswordLength)

// ErrPasswordMismatch is returned by CheckPassword for wrong passwords
var ErrPasswordMismatch = errors.New("password mismatch")

// HashPassword returns the bcrypt hash of password
func HashPassword(password string) (string, error) {
	if len(password) < MinPasswordLength || len(password) > MaxPasswordLength {
		return "", ErrPasswordLength
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("cannot hash password: %w", err)
	}
	return string(hash), nil
}

// CheckPassword compares a bcrypt hash with a plain text password
func CheckPassword(hash, password string) error {
	if len(hash) == 0 {
		return ErrPasswordMismatch
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return ErrPasswordMismatch
	}
	return nil
}

var (
	dummyHashOnce sync.Once
	dummyHash     []byte
)

// RejectUnknownAccount spends the time of a password comparison and returns ErrPasswordMismatch.
// Logins for unknown accounts call it, so that they cannot be told apart from wrong passwords.
func RejectUnknownAccount(password string) error {
	dummyHashOnce.Do(func() {
		dummyHash, _ = bcrypt.GenerateFromPassword([]byte("no such account"), bcrypt.DefaultCost)
	})
	bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
	return ErrPasswordMismatch
}
