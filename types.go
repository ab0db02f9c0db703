package sso

import (
	"context"
	"time"

	"github.com/goliatone/go-logger/glog"
	"github.com/google/uuid"
)

// Logger is the structured logger used across the package. glog.Logger
// satisfies it, so does any slog-style adapter.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Settings holds the options every component is constructed with.
type Settings struct {
	// ClientID is the application id registered with the identity provider.
	// Tokens must carry it as their audience.
	ClientID string
	// BaseURI is the provider base, e.g. https://login.windows.net/common/
	BaseURI string
	// KeysEndpoint is appended to BaseURI to fetch the signing keys.
	KeysEndpoint string
	// RedirectURI is where the provider sends the browser back to.
	RedirectURI       string
	LogoutRedirectURI string
	OrgDisplayName    string

	// DefaultRole is assigned to accounts created on first sign-in.
	DefaultRole string
	// OpenRegistration mirrors the site wide "anyone can register" switch.
	OpenRegistration bool
	// OverrideUserRegistration allows account creation even when
	// registration is closed.
	OverrideUserRegistration bool

	// AcceptedIssuers are matched by substring against the iss claim.
	AcceptedIssuers []string
	// AllowedAlgorithms restricts signature verification. Only RS256 is
	// accepted by default.
	AllowedAlgorithms []string

	// StateTTL bounds the login round-trip.
	StateTTL time.Duration
	// LinkIntentTTL expires a pending link request. Zero keeps the request
	// until it is completed.
	LinkIntentTTL time.Duration

	// AutoForwardLogin sends plain login requests straight to the provider.
	AutoForwardLogin bool

	// ProfileURL is the account management page that shows link notices.
	ProfileURL string
}

const (
	DefaultBaseURI      = "https://login.windows.net/common/"
	DefaultKeysEndpoint = "discovery/keys"
	DefaultRole         = "subscriber"
	DefaultStateTTL     = 10 * time.Minute
	DefaultProfileURL   = "/profile"
)

// DefaultAcceptedIssuers are the token service domains of the provider.
var DefaultAcceptedIssuers = []string{"sts.windows.net", "sts.windows-ppe.net"}

// WithDefaults returns a copy of the settings with empty fields filled in.
func (s Settings) WithDefaults() Settings {
	out := s
	if out.BaseURI == "" {
		out.BaseURI = DefaultBaseURI
	}
	if out.KeysEndpoint == "" {
		out.KeysEndpoint = DefaultKeysEndpoint
	}
	if out.DefaultRole == "" {
		out.DefaultRole = DefaultRole
	}
	if len(out.AcceptedIssuers) == 0 {
		out.AcceptedIssuers = append([]string(nil), DefaultAcceptedIssuers...)
	}
	if len(out.AllowedAlgorithms) == 0 {
		out.AllowedAlgorithms = []string{AlgorithmRS256}
	}
	if out.StateTTL == 0 {
		out.StateTTL = DefaultStateTTL
	}
	if out.ProfileURL == "" {
		out.ProfileURL = DefaultProfileURL
	}
	return out
}

// Configured reports whether the minimum settings needed to talk to the
// provider are present.
func (s Settings) Configured() bool {
	return s.ClientID != "" && s.BaseURI != ""
}

// Session is what the session middleware stores in the router locals for an
// authenticated browser.
type Session struct {
	AccountID uuid.UUID
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// NonceStore tracks issued login nonces so each one is accepted once.
type NonceStore interface {
	Put(ctx context.Context, nonce string, ttl time.Duration) error
	// Consume reports whether the nonce was issued and not yet used, and
	// marks it as used.
	Consume(ctx context.Context, nonce string) (bool, error)
}

func defaultLogger() Logger {
	return glog.NewLogger(glog.WithName("sso")).GetLogger("sso")
}

func normalizeLogger(l Logger) Logger {
	if l == nil {
		return defaultLogger()
	}
	return l
}
