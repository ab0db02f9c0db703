package sso

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/goliatone/go-errors"
	"github.com/google/uuid"
)

// DefaultSessionTTL is the lifetime of a session token.
const DefaultSessionTTL = 12 * time.Hour

// SessionClaims are the claims of a local session token.
type SessionClaims struct {
	jwt.RegisteredClaims
	Role string `json:"role,omitempty"`
}

// SessionTokens issues and validates HS256 session tokens for accounts that
// passed single sign-on.
type SessionTokens struct {
	signingKey []byte
	ttl        time.Duration
	issuer     string
	logger     Logger
	now        func() time.Time
}

// NewSessionTokens creates a session token service.
func NewSessionTokens(signingKey []byte, ttl time.Duration, issuer string, logger Logger) *SessionTokens {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &SessionTokens{
		signingKey: signingKey,
		ttl:        ttl,
		issuer:     issuer,
		logger:     normalizeLogger(logger),
		now:        time.Now,
	}
}

// TTL is the lifetime of issued tokens.
func (ts *SessionTokens) TTL() time.Duration { return ts.ttl }

// Issue signs a session token for the account.
func (ts *SessionTokens) Issue(account *Account) (string, error) {
	if account == nil || account.ID == uuid.Nil {
		return "", errors.New("account must not be empty", errors.CategoryInternal)
	}
	now := ts.now()
	claims := &SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    ts.issuer,
			Subject:   account.ID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ts.ttl)),
		},
		Role: account.Role,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(ts.signingKey)
	if err != nil {
		return "", errors.Wrap(err, errors.CategoryInternal, "failed to sign session token")
	}
	return signed, nil
}

// Validate parses a session token and returns the session it describes.
func (ts *SessionTokens) Validate(tokenString string) (*Session, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(ts.now),
	}
	if ts.issuer != "" {
		opts = append(opts, jwt.WithIssuer(ts.issuer))
	}

	var claims SessionClaims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			ts.logger.Error("session token with unexpected signing method", "alg", t.Header["alg"])
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return ts.signingKey, nil
	}, opts...)
	if err != nil || !token.Valid {
		return nil, wrapCause(ErrSessionInvalid, err, nil)
	}

	id, err := uuid.Parse(claims.Subject)
	if err != nil {
		return nil, wrapCause(ErrSessionInvalid, err, nil)
	}

	session := &Session{AccountID: id}
	if claims.IssuedAt != nil {
		session.IssuedAt = claims.IssuedAt.Time
	}
	if claims.ExpiresAt != nil {
		session.ExpiresAt = claims.ExpiresAt.Time
	}
	return session, nil
}
