package auth

import (
	"errors"

	"golang.org/x/crypto/bcrypt"
)

// ErrBadCredentials is returned for an unknown role or wrong password.
var ErrBadCredentials = errors.New("invalid credentials")

// Passwords maps a role to the bcrypt hash of its shared password.
type Passwords map[string]string

// Check verifies password for role.
func (p Passwords) Check(role, password string) error {
	hash, ok := p[role]
	if !ok || hash == "" {
		return ErrBadCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return ErrBadCredentials
	}
	return nil
}

// HashPassword returns a bcrypt hash suitable for the *_PASSWORD_HASH
// settings.
func HashPassword(password string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	return string(b), err
}
