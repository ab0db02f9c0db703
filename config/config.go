// Package config loads the service configuration from defaults, an optional
// YAML file and SSO_ prefixed environment variables, in that order.
package config

import (
	"path"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
	"github.com/goliatone/go-sso"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix prefixes environment overrides. Nested keys use a double
// underscore, e.g. SSO_DATABASE__DSN.
const EnvPrefix = "SSO_"

type Config struct {
	ClientID                 string        `koanf:"client_id"`
	BaseURI                  string        `koanf:"base_uri"`
	KeysEndpoint             string        `koanf:"keys_endpoint"`
	RedirectURI              string        `koanf:"redirect_uri"`
	LogoutRedirectURI        string        `koanf:"logout_redirect_uri"`
	OrgDisplayName           string        `koanf:"org_display_name"`
	DefaultRole              string        `koanf:"default_role"`
	OpenRegistration         bool          `koanf:"open_registration"`
	OverrideUserRegistration bool          `koanf:"override_user_registration"`
	AcceptedIssuers          []string      `koanf:"accepted_issuers"`
	AutoForwardLogin         bool          `koanf:"auto_forward_login"`
	ProfileURL               string        `koanf:"profile_url"`
	LinkIntentTTL            time.Duration `koanf:"link_intent_ttl"`
	HTTPTimeout              time.Duration `koanf:"http_timeout"`

	State    State    `koanf:"state"`
	Session  Session  `koanf:"session"`
	Database Database `koanf:"database"`
	Redis    Redis    `koanf:"redis"`
	Server   Server   `koanf:"server"`
}

type State struct {
	Key     string        `koanf:"key"`
	HMACKey string        `koanf:"hmac_key"`
	TTL     time.Duration `koanf:"ttl"`
}

type Session struct {
	Key        string        `koanf:"key"`
	TTL        time.Duration `koanf:"ttl"`
	CookieName string        `koanf:"cookie_name"`
	Secure     bool          `koanf:"secure"`
}

type Database struct {
	DSN string `koanf:"dsn"`
}

// Redis is optional. Nonces are kept in memory when Addr is empty.
type Redis struct {
	Addr     string `koanf:"addr"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
	Prefix   string `koanf:"prefix"`
}

type Server struct {
	Addr string `koanf:"addr"`
	// RoutePrefix is the group the sign-in routes are mounted on.
	RoutePrefix string `koanf:"route_prefix"`
}

// ProfilePath is the profile route under RoutePrefix.
func (s Server) ProfilePath() string {
	return path.Join("/", s.RoutePrefix, "profile")
}

// LoginPath is the route that starts a login under RoutePrefix.
func (s Server) LoginPath() string {
	return path.Join("/", s.RoutePrefix, "authorize")
}

// Defaults returns the configuration used when nothing overrides it.
func Defaults() Config {
	return Config{
		BaseURI:         sso.DefaultBaseURI,
		KeysEndpoint:    sso.DefaultKeysEndpoint,
		DefaultRole:     sso.DefaultRole,
		AcceptedIssuers: append([]string(nil), sso.DefaultAcceptedIssuers...),
		HTTPTimeout:     sso.DefaultHTTPTimeout,
		State: State{
			TTL: sso.DefaultStateTTL,
		},
		Session: Session{
			TTL:        sso.DefaultSessionTTL,
			CookieName: "sso_session",
			Secure:     true,
		},
		Database: Database{DSN: "file:sso.db?cache=shared"},
		Server:   Server{Addr: ":8978", RoutePrefix: "/auth/sso"},
	}
}

// Load reads the configuration. path may be empty.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Defaults(), "koanf"), nil); err != nil {
		return nil, err
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, err
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, err
	}
	return cfg, nil
}

func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.ReplaceAll(s, "__", ".")
}

// Validate checks the fields the service cannot run without.
func (c Config) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.ClientID, validation.Required),
		validation.Field(&c.BaseURI, validation.Required, is.URL),
		validation.Field(&c.RedirectURI, validation.Required, is.URL),
		validation.Field(&c.LogoutRedirectURI, is.URL),
		validation.Field(&c.AcceptedIssuers, validation.Required),
		validation.Field(&c.State, validation.Required),
		validation.Field(&c.Session, validation.Required),
	)
}

func (s State) Validate() error {
	return validation.ValidateStruct(&s,
		validation.Field(&s.Key, validation.Required, validation.Length(16, 0)),
		validation.Field(&s.HMACKey, validation.Required, validation.Length(16, 0)),
	)
}

func (s Session) Validate() error {
	return validation.ValidateStruct(&s,
		validation.Field(&s.Key, validation.Required, validation.Length(16, 0)),
		validation.Field(&s.CookieName, validation.Required),
	)
}

// Settings converts the configuration into engine settings.
func (c Config) Settings() sso.Settings {
	return sso.Settings{
		ClientID:                 c.ClientID,
		BaseURI:                  c.BaseURI,
		KeysEndpoint:             c.KeysEndpoint,
		RedirectURI:              c.RedirectURI,
		LogoutRedirectURI:        c.LogoutRedirectURI,
		OrgDisplayName:           c.OrgDisplayName,
		DefaultRole:              c.DefaultRole,
		OpenRegistration:         c.OpenRegistration,
		OverrideUserRegistration: c.OverrideUserRegistration,
		AcceptedIssuers:          c.AcceptedIssuers,
		StateTTL:                 c.State.TTL,
		LinkIntentTTL:            c.LinkIntentTTL,
		AutoForwardLogin:         c.AutoForwardLogin,
		ProfileURL:               c.profileURL(),
	}.WithDefaults()
}

// profileURL defaults to the profile route under Server.RoutePrefix.
func (c Config) profileURL() string {
	if c.ProfileURL != "" {
		return c.ProfileURL
	}
	return c.Server.ProfilePath()
}
