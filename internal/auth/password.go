package auth

import (
	"errors"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// ErrPasswordTooLong is returned for passwords bcrypt cannot hash (over 72 bytes).
var ErrPasswordTooLong = errors.New("password exceeds 72 bytes")

// placeholderHash is compared against when the account does not exist.
var placeholderHash = []byte("$2a$10$" + strings.Repeat("0", 53))

// HashPassword hashes a plaintext password. Costs outside bcrypt's range fall back to the default.
func HashPassword(password string, cost int) (string, error) {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if errors.Is(err, bcrypt.ErrPasswordTooLong) {
		return "", ErrPasswordTooLong
	}
	if err != nil {
		return "", err
	}
	return string(hashed), nil
}

// ComparePassword verifies a password against its hashed value.
func ComparePassword(hashed, plain string) error {
	return bcrypt.CompareHashAndPassword([]byte(hashed), []byte(plain))
}

// RejectUnknownAccount spends one comparison so a login for a missing
// account takes as long as a wrong password. It always returns an error.
func RejectUnknownAccount(plain string) error {
	if err := bcrypt.CompareHashAndPassword(placeholderHash, []byte(plain)); err != nil {
		return err
	}
	return bcrypt.ErrMismatchedHashAndPassword
}
