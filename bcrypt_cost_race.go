//go:build race

package sso

import "golang.org/x/crypto/bcrypt"

func credentialCost() int {
	// race builds are slow enough already
	return bcrypt.DefaultCost
}
