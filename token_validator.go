package sso

import (
	"encoding/pem"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

var errNoUsableKey = errors.New("no usable key")

// idTokenClaims is the payload of a provider id token. Only the fields the
// engine reads are decoded.
type idTokenClaims struct {
	AltSecID   string `json:"altsecid,omitempty"`
	Nonce      string `json:"nonce,omitempty"`
	Email      string `json:"email,omitempty"`
	GivenName  string `json:"given_name,omitempty"`
	FamilyName string `json:"family_name,omitempty"`
	UniqueName string `json:"unique_name,omitempty"`
	jwt.RegisteredClaims
}

// UnverifiedClaims carries the decoded payload of a token whose signature
// verified but whose claims have not passed ClaimPolicy. Its fields are
// unexported so callers cannot branch on them before the policy runs.
type UnverifiedClaims struct {
	claims idTokenClaims
	keyID  string
}

// KeyID returns the id of the key that verified the signature.
func (u *UnverifiedClaims) KeyID() string {
	if u == nil {
		return ""
	}
	return u.keyID
}

// TokenValidator verifies id token signatures against a key set.
type TokenValidator struct {
	methods []string
}

// NewTokenValidator returns a validator restricted to the given algorithms.
// RS256 is used when none are supplied.
func NewTokenValidator(allowed ...string) *TokenValidator {
	methods := make([]string, 0, len(allowed))
	for _, alg := range allowed {
		if alg != "" {
			methods = append(methods, alg)
		}
	}
	if len(methods) == 0 {
		methods = []string{AlgorithmRS256}
	}
	return &TokenValidator{methods: methods}
}

// Validate tries each key in order and returns the claims verified by the
// first key that accepts the signature. When every key fails, the error of
// the last key tried is returned.
func (v *TokenValidator) Validate(token string, keys KeySet) (*UnverifiedClaims, error) {
	if len(keys) == 0 {
		return nil, wrapCause(ErrTokenInvalid, errNoUsableKey, nil)
	}

	var lastErr error
	var lastKey string
	for _, key := range keys {
		claims, err := v.verifyWithKey(token, key)
		if err == nil {
			return claims, nil
		}
		lastErr = err
		lastKey = key.KeyID
	}

	return nil, wrapCause(ErrTokenInvalid, lastErr, map[string]any{
		"kid":        lastKey,
		"keys_tried": len(keys),
	})
}

func (v *TokenValidator) verifyWithKey(token string, key SigningKey) (*UnverifiedClaims, error) {
	if key.CertificateErr != nil {
		return nil, fmt.Errorf("key %q: %w", key.KeyID, key.CertificateErr)
	}
	if len(key.Certificate) == 0 {
		return nil, fmt.Errorf("key %q has no x5c certificate", key.KeyID)
	}

	certPEM := certificatePEM(key.Certificate)
	pub, err := jwt.ParseRSAPublicKeyFromPEM(certPEM)
	if err != nil {
		return nil, fmt.Errorf("key %q: %w", key.KeyID, err)
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods(v.methods),
		jwt.WithoutClaimsValidation(),
	)

	var claims idTokenClaims
	_, err = parser.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		return pub, nil
	})
	if err != nil {
		return nil, err
	}

	return &UnverifiedClaims{claims: claims, keyID: key.KeyID}, nil
}

// certificatePEM wraps DER bytes as a CERTIFICATE block. The encoder breaks
// the base64 body at 64 columns.
func certificatePEM(der []byte) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}
