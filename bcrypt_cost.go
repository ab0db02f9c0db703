//go:build !race

package sso

func credentialCost() int {
	return 12
}
