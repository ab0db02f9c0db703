package sso

import (
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// RandomCredentialHash hashes a random secret nobody knows. Accounts created
// on first sign-in get one so they cannot log in with a password until the
// owner sets one.
func RandomCredentialHash() (string, error) {
	// two uuids fill the 72 bytes bcrypt reads
	secret := uuid.New().String() + uuid.New().String()
	h, err := bcrypt.GenerateFromPassword([]byte(secret), credentialCost())
	if err != nil {
		return "", err
	}
	return string(h), nil
}
