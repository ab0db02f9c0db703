package sso

import (
	"strings"
	"time"
)

// ClaimSet is a verified identity. Only ClaimPolicy.Check produces one.
type ClaimSet struct {
	SubjectAltID string
	Audience     []string
	Issuer       string
	IssuedAt     time.Time
	ExpiresAt    time.Time
	Nonce        string
	Email        string
	GivenName    string
	FamilyName   string
	UniqueName   string
}

// DisplayName joins given and family name.
func (c *ClaimSet) DisplayName() string {
	if c == nil {
		return ""
	}
	return strings.TrimSpace(c.GivenName + " " + c.FamilyName)
}

// ClaimExpectations are the values a token must match for this login attempt.
type ClaimExpectations struct {
	Audience string
	Nonce    string
}

// ClaimPolicy checks decoded claims against the expectations of a login.
type ClaimPolicy struct {
	issuers []string
}

// NewClaimPolicy builds a policy accepting issuers that contain any of the
// given domains. The provider defaults are used when none are given.
func NewClaimPolicy(acceptedIssuers ...string) *ClaimPolicy {
	issuers := make([]string, 0, len(acceptedIssuers))
	for _, iss := range acceptedIssuers {
		if iss = strings.TrimSpace(iss); iss != "" {
			issuers = append(issuers, iss)
		}
	}
	if len(issuers) == 0 {
		issuers = append(issuers, DefaultAcceptedIssuers...)
	}
	return &ClaimPolicy{issuers: issuers}
}

// Check runs the claim checks in a fixed order and returns the first
// violation.
func (p *ClaimPolicy) Check(u *UnverifiedClaims, expect ClaimExpectations, now time.Time) (*ClaimSet, error) {
	if u == nil {
		return nil, ErrMissingSubjectID
	}
	c := u.claims

	if c.AltSecID == "" {
		return nil, reject(ErrMissingSubjectID, "token has no alternate security id (sub %q)", c.Subject, nil)
	}

	// an empty expectation never matches, not even an empty claim
	if expect.Nonce == "" || c.Nonce != expect.Nonce {
		return nil, reject(ErrNonceMismatch, "nonce mismatch: %q", c.Nonce, map[string]any{"nonce": c.Nonce})
	}

	if !audienceMatches(c.Audience, expect.Audience) {
		aud := strings.Join(c.Audience, ",")
		return nil, reject(ErrAudienceMismatch, "audience %q does not match client id", aud, map[string]any{"aud": aud})
	}

	if !p.issuerAccepted(c.Issuer) {
		return nil, reject(ErrIssuerMismatch, "issuer %q not accepted", c.Issuer, map[string]any{"iss": c.Issuer})
	}

	var iat, exp time.Time
	if c.IssuedAt != nil {
		iat = c.IssuedAt.Time
	}
	if c.ExpiresAt != nil {
		exp = c.ExpiresAt.Time
	}

	if iat.Unix() > now.Unix() {
		return nil, reject(ErrIssuedInFuture, "token issued at %d, in the future", iat.Unix(), map[string]any{"iat": iat.Unix()})
	}

	// exp == now is already expired
	if exp.Unix() <= now.Unix() {
		return nil, reject(ErrExpired, "token expired at %d", exp.Unix(), map[string]any{"exp": exp.Unix()})
	}

	return &ClaimSet{
		SubjectAltID: c.AltSecID,
		Audience:     []string(c.Audience),
		Issuer:       c.Issuer,
		IssuedAt:     iat,
		ExpiresAt:    exp,
		Nonce:        c.Nonce,
		Email:        c.Email,
		GivenName:    c.GivenName,
		FamilyName:   c.FamilyName,
		UniqueName:   c.UniqueName,
	}, nil
}

func (p *ClaimPolicy) issuerAccepted(iss string) bool {
	if iss == "" {
		return false
	}
	for _, domain := range p.issuers {
		if strings.Contains(iss, domain) {
			return true
		}
	}
	return false
}

func audienceMatches(aud []string, clientID string) bool {
	if clientID == "" {
		return false
	}
	for _, a := range aud {
		if a == clientID {
			return true
		}
	}
	return false
}
