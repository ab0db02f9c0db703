package sso_test

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/goliatone/go-sso"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionTokens_IssueAndValidate(t *testing.T) {
	tokens := sso.NewSessionTokens([]byte("session-key"), time.Hour, "go-sso", nil)
	account := &sso.Account{ID: uuid.New(), Role: sso.DefaultRole}

	signed, err := tokens.Issue(account)
	require.NoError(t, err)

	session, err := tokens.Validate(signed)
	require.NoError(t, err)
	assert.Equal(t, account.ID, session.AccountID)
	assert.WithinDuration(t, session.IssuedAt.Add(time.Hour), session.ExpiresAt, time.Second)
	assert.Equal(t, time.Hour, tokens.TTL())
}

func TestSessionTokens_DefaultTTL(t *testing.T) {
	tokens := sso.NewSessionTokens([]byte("k"), 0, "", nil)
	assert.Equal(t, sso.DefaultSessionTTL, tokens.TTL())
}

func TestSessionTokens_IssueRequiresAccount(t *testing.T) {
	tokens := sso.NewSessionTokens([]byte("k"), time.Hour, "", nil)
	_, err := tokens.Issue(nil)
	assert.Error(t, err)
	_, err = tokens.Issue(&sso.Account{})
	assert.Error(t, err)
}

func TestSessionTokens_Rejects(t *testing.T) {
	tokens := sso.NewSessionTokens([]byte("session-key"), time.Hour, "go-sso", &captureLogger{})
	account := &sso.Account{ID: uuid.New()}

	sign := func(method jwt.SigningMethod, key any, claims jwt.MapClaims) string {
		s, err := jwt.NewWithClaims(method, claims).SignedString(key)
		require.NoError(t, err)
		return s
	}
	base := func() jwt.MapClaims {
		return jwt.MapClaims{
			"sub": account.ID.String(),
			"iss": "go-sso",
			"iat": time.Now().Unix(),
			"exp": time.Now().Add(time.Hour).Unix(),
		}
	}

	tests := map[string]string{
		"wrong key": sign(jwt.SigningMethodHS256, []byte("other-key"), base()),
		"wrong alg": sign(jwt.SigningMethodHS384, []byte("session-key"), base()),
		"expired": sign(jwt.SigningMethodHS256, []byte("session-key"), func() jwt.MapClaims {
			c := base()
			c["exp"] = time.Now().Add(-time.Minute).Unix()
			return c
		}()),
		"wrong issuer": sign(jwt.SigningMethodHS256, []byte("session-key"), func() jwt.MapClaims {
			c := base()
			c["iss"] = "someone-else"
			return c
		}()),
		"bad subject": sign(jwt.SigningMethodHS256, []byte("session-key"), func() jwt.MapClaims {
			c := base()
			c["sub"] = "not-a-uuid"
			return c
		}()),
		"garbage": "abc.def.ghi",
	}

	for name, token := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := tokens.Validate(token)
			require.Error(t, err)
			assert.Equal(t, sso.TextCodeSessionInvalid, sso.ReasonCode(err))
		})
	}
}
