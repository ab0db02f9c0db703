package sso

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
)

// FoundHook may replace the account an identity resolved to.
type FoundHook func(ctx context.Context, account *Account, claims *ClaimSet) (*Account, error)

// RegistrationOverride decides whether an unknown identity may get an account
// when registration is closed. current is the configured default.
type RegistrationOverride func(ctx context.Context, claims *ClaimSet, current bool) bool

// LoginNameHook may rewrite the login name derived from the email.
type LoginNameHook func(ctx context.Context, login string, claims *ClaimSet) string

// CreationOverride may return an existing account in place of creating the
// prepared one. Returning nil lets creation proceed.
type CreationOverride func(ctx context.Context, prepared *Account, claims *ClaimSet) (*Account, error)

// NewAccountHook runs after an account was created.
type NewAccountHook func(ctx context.Context, account *Account, claims *ClaimSet) (*Account, error)

// ResolveOptions are the per call switches of a resolution.
type ResolveOptions struct {
	// AllowCreation permits creating an account even when registration is
	// closed.
	AllowCreation bool
	// CreationOverride runs before the configured override for this call
	// only.
	CreationOverride CreationOverride
}

// IdentityResolver maps a verified identity to a local account.
type IdentityResolver struct {
	store    AccountStore
	settings Settings
	logger   Logger
	activity ActivitySink

	found            FoundHook
	registration     RegistrationOverride
	loginName        LoginNameHook
	creationOverride CreationOverride
	newAccount       NewAccountHook
	credential       func() (string, error)
}

// ResolverOption configures an IdentityResolver.
type ResolverOption func(*IdentityResolver)

func WithFoundHook(h FoundHook) ResolverOption {
	return func(r *IdentityResolver) {
		if h != nil {
			r.found = h
		}
	}
}

func WithRegistrationOverride(h RegistrationOverride) ResolverOption {
	return func(r *IdentityResolver) {
		if h != nil {
			r.registration = h
		}
	}
}

func WithLoginNameHook(h LoginNameHook) ResolverOption {
	return func(r *IdentityResolver) {
		if h != nil {
			r.loginName = h
		}
	}
}

func WithCreationOverride(h CreationOverride) ResolverOption {
	return func(r *IdentityResolver) {
		if h != nil {
			r.creationOverride = h
		}
	}
}

func WithNewAccountHook(h NewAccountHook) ResolverOption {
	return func(r *IdentityResolver) {
		if h != nil {
			r.newAccount = h
		}
	}
}

func WithResolverLogger(l Logger) ResolverOption {
	return func(r *IdentityResolver) {
		if l != nil {
			r.logger = l
		}
	}
}

func WithResolverActivitySink(s ActivitySink) ResolverOption {
	return func(r *IdentityResolver) {
		r.activity = normalizeActivitySink(s)
	}
}

// WithCredentialGenerator replaces the random credential hash generator.
func WithCredentialGenerator(fn func() (string, error)) ResolverOption {
	return func(r *IdentityResolver) {
		if fn != nil {
			r.credential = fn
		}
	}
}

// NewIdentityResolver builds a resolver. Every hook defaults to a no-op.
func NewIdentityResolver(store AccountStore, settings Settings, opts ...ResolverOption) *IdentityResolver {
	r := &IdentityResolver{
		store:    store,
		settings: settings.WithDefaults(),
		activity: noopActivitySink{},
		found: func(_ context.Context, a *Account, _ *ClaimSet) (*Account, error) {
			return a, nil
		},
		registration: func(_ context.Context, _ *ClaimSet, current bool) bool {
			return current
		},
		loginName: func(_ context.Context, login string, _ *ClaimSet) string {
			return login
		},
		creationOverride: func(context.Context, *Account, *ClaimSet) (*Account, error) {
			return nil, nil
		},
		newAccount: func(_ context.Context, a *Account, _ *ClaimSet) (*Account, error) {
			return a, nil
		},
		credential: RandomCredentialHash,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	r.logger = normalizeLogger(r.logger)
	return r
}

// Resolve finds the account bound to the identity or creates one when
// registration rules allow it.
func (r *IdentityResolver) Resolve(ctx context.Context, claims *ClaimSet, opts ResolveOptions) (*Resolution, error) {
	if claims == nil || claims.SubjectAltID == "" {
		return nil, ErrMissingSubjectID
	}

	existing, err := r.store.FindByAttribute(ctx, AttributeExternalID, claims.SubjectAltID)
	if err != nil && !isNotFound(err) {
		return nil, fmt.Errorf("lookup account by external id: %w", err)
	}
	if err == nil && existing != nil {
		return r.applyFound(ctx, existing, claims)
	}

	allowed := r.settings.OpenRegistration || opts.AllowCreation ||
		r.registration(ctx, claims, r.settings.OverrideUserRegistration)
	if !allowed {
		return nil, reject(ErrNotRegistered, "the authenticated user %s is not a registered user", claimsLabel(claims), map[string]any{
			"external_id": claims.SubjectAltID,
		})
	}

	email, err := claimEmail(claims)
	if err != nil {
		return nil, err
	}

	prepared, err := r.prepareAccount(ctx, email, claims)
	if err != nil {
		return nil, err
	}

	for _, override := range []CreationOverride{opts.CreationOverride, r.creationOverride} {
		if override == nil {
			continue
		}
		substitute, err := override(ctx, prepared, claims)
		if err != nil {
			return nil, err
		}
		if substitute != nil {
			res, err := r.applyFound(ctx, substitute, claims)
			if res != nil {
				res.Substituted = true
			}
			return res, err
		}
	}

	created, err := r.store.Create(ctx, prepared, map[string]string{
		AttributeExternalID: claims.SubjectAltID,
	})
	if err != nil {
		return nil, fmt.Errorf("create account: %w", err)
	}

	r.logger.Info("account created from external identity", "account_id", created.ID.String(), "login", created.Login)
	recordActivity(ctx, r.activity, r.logger, ActivityEvent{
		EventType:  ActivityEventAccountCreated,
		AccountID:  created.ID.String(),
		ExternalID: claims.SubjectAltID,
	})

	final, err := r.newAccount(ctx, created, claims)
	if err != nil {
		return nil, err
	}
	if final == nil {
		final = created
	}
	return &Resolution{Account: final, Created: true}, nil
}

func (r *IdentityResolver) applyFound(ctx context.Context, account *Account, claims *ClaimSet) (*Resolution, error) {
	out, err := r.found(ctx, account, claims)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = account
	}
	return &Resolution{Account: out, Substituted: out.ID != account.ID}, nil
}

func (r *IdentityResolver) prepareAccount(ctx context.Context, email string, claims *ClaimSet) (*Account, error) {
	login := email
	if at := strings.Index(email, "@"); at >= 0 {
		login = email[:at]
	}
	login = r.loginName(ctx, login, claims)

	taken, err := r.loginTaken(ctx, login)
	if err != nil {
		return nil, err
	}
	if taken || login == "" {
		login = "sso-" + sanitizeLogin(claims.SubjectAltID)
	}

	hash, err := r.credential()
	if err != nil {
		return nil, fmt.Errorf("generate credential: %w", err)
	}

	first := strings.TrimSpace(claims.GivenName)
	last := strings.TrimSpace(claims.FamilyName)
	display := first
	if first != "" && last != "" {
		display = first + " " + last
	}

	return &Account{
		Login:        login,
		Email:        email,
		PasswordHash: hash,
		FirstName:    first,
		LastName:     last,
		DisplayName:  display,
		Role:         r.settings.DefaultRole,
	}, nil
}

func (r *IdentityResolver) loginTaken(ctx context.Context, login string) (bool, error) {
	if login == "" {
		return false, nil
	}
	_, err := r.store.GetByLogin(ctx, login)
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		return false, nil
	}
	return false, fmt.Errorf("lookup login: %w", err)
}

// claimEmail prefers the email claim and falls back to the text after the
// last '#' of unique_name, e.g. "live.com#jane@example.com".
func claimEmail(claims *ClaimSet) (string, error) {
	candidate := strings.TrimSpace(claims.Email)
	if candidate == "" {
		candidate = strings.TrimSpace(claims.UniqueName)
		if i := strings.LastIndex(candidate, "#"); i >= 0 {
			candidate = candidate[i+1:]
		}
	}

	if candidate == "" {
		return "", reject(ErrNotRegistered, "no email address found for %s", claimsLabel(claims), nil)
	}
	if err := validation.Validate(candidate, validation.Required, is.Email); err != nil {
		return "", reject(ErrNotRegistered, "no valid email address found in %q", candidate, map[string]any{
			"external_id": claims.SubjectAltID,
		})
	}
	return candidate, nil
}

var loginUnsafe = regexp.MustCompile(`[^A-Za-z0-9._@-]+`)

func sanitizeLogin(s string) string {
	return loginUnsafe.ReplaceAllString(strings.TrimSpace(s), "")
}

func claimsLabel(c *ClaimSet) string {
	if c.UniqueName != "" {
		return c.UniqueName
	}
	if c.Email != "" {
		return c.Email
	}
	return c.SubjectAltID
}
