package sso

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/goliatone/go-sso/noncestore"
	"github.com/google/uuid"
)

// AuthRedirect is where to send the browser and the sealed state to keep in
// a cookie until it comes back.
type AuthRedirect struct {
	URL   string
	State string
	Nonce string
}

// AuthRequest is the data of a request returning from the provider.
type AuthRequest struct {
	IDToken          string
	Error            string
	ErrorDescription string
	// State is the sealed FlowState from the login cookie.
	State string
	// CurrentAccountID is the signed-in account, uuid.Nil when anonymous.
	CurrentAccountID uuid.UUID
}

// AuthResult is a successful authentication.
type AuthResult struct {
	Account     *Account
	Claims      *ClaimSet
	Created     bool
	Linked      bool
	Merge       *MergeReport
	RedirectURL string
	// AlreadyAuthenticated is set when the request carried a session and no
	// token, so nothing was validated.
	AlreadyAuthenticated bool
}

// Authenticator runs the sign-in pipeline: keys, signature, claims, nonce,
// resolution and linking.
type Authenticator struct {
	settings  Settings
	store     AccountStore
	keys      KeySetProvider
	validator *TokenValidator
	policy    *ClaimPolicy
	resolver  *IdentityResolver
	linking   *LinkingStateMachine
	codec     *FlowStateCodec
	nonces    NonceStore
	logger    Logger
	activity  ActivitySink
	now       func() time.Time

	resolverOpts []ResolverOption
	linkingOpts  []LinkingOption
	mergerOpts   []MergerOption
}

// AuthenticatorOption configures the Authenticator.
type AuthenticatorOption func(*Authenticator)

func WithKeySetProvider(p KeySetProvider) AuthenticatorOption {
	return func(a *Authenticator) {
		if p != nil {
			a.keys = p
		}
	}
}

func WithNonceStore(s NonceStore) AuthenticatorOption {
	return func(a *Authenticator) {
		if s != nil {
			a.nonces = s
		}
	}
}

func WithAuthenticatorLogger(l Logger) AuthenticatorOption {
	return func(a *Authenticator) {
		if l != nil {
			a.logger = l
		}
	}
}

func WithAuthenticatorActivitySink(s ActivitySink) AuthenticatorOption {
	return func(a *Authenticator) {
		a.activity = normalizeActivitySink(s)
	}
}

// WithAuthenticatorClock injects a custom clock (useful for tests).
func WithAuthenticatorClock(clock func() time.Time) AuthenticatorOption {
	return func(a *Authenticator) {
		if clock != nil {
			a.now = clock
		}
	}
}

// WithResolverOptions forwards options to the IdentityResolver.
func WithResolverOptions(opts ...ResolverOption) AuthenticatorOption {
	return func(a *Authenticator) {
		a.resolverOpts = append(a.resolverOpts, opts...)
	}
}

// WithLinkingOptions forwards options to the LinkingStateMachine.
func WithLinkingOptions(opts ...LinkingOption) AuthenticatorOption {
	return func(a *Authenticator) {
		a.linkingOpts = append(a.linkingOpts, opts...)
	}
}

// WithMergerOptions forwards options to the AccountMerger.
func WithMergerOptions(opts ...MergerOption) AuthenticatorOption {
	return func(a *Authenticator) {
		a.mergerOpts = append(a.mergerOpts, opts...)
	}
}

// NewAuthenticator wires the pipeline over store.
func NewAuthenticator(settings Settings, store AccountStore, codec *FlowStateCodec, opts ...AuthenticatorOption) *Authenticator {
	cfg := settings.WithDefaults()
	a := &Authenticator{
		settings: cfg,
		store:    store,
		codec:    codec,
		activity: noopActivitySink{},
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	a.logger = normalizeLogger(a.logger)

	if a.codec == nil {
		// without shared secrets states only survive this process
		secret, _ := GenerateNonce()
		a.codec = NewFlowStateCodec(secret, secret+"-hmac", cfg.StateTTL)
	}
	a.codec.WithClock(a.now)

	if a.keys == nil {
		a.keys = NewHTTPKeySetProvider(WithKeySetEndpoint(cfg.KeysEndpoint), WithKeySetLogger(a.logger))
	}
	if a.nonces == nil {
		a.nonces = noncestore.NewMemory(cfg.StateTTL)
	}

	a.validator = NewTokenValidator(cfg.AllowedAlgorithms...)
	a.policy = NewClaimPolicy(cfg.AcceptedIssuers...)

	a.resolver = NewIdentityResolver(store, cfg, append([]ResolverOption{
		WithResolverLogger(a.logger),
		WithResolverActivitySink(a.activity),
	}, a.resolverOpts...)...)

	merger := NewAccountMerger(store, append([]MergerOption{
		WithMergerLogger(a.logger),
		WithMergerActivitySink(a.activity),
	}, a.mergerOpts...)...)

	a.linking = NewLinkingStateMachine(store, merger, cfg, append([]LinkingOption{
		WithLinkingLogger(a.logger),
		WithLinkingActivitySink(a.activity),
		WithLinkingClock(a.now),
	}, a.linkingOpts...)...)

	return a
}

// Settings returns the effective settings.
func (a *Authenticator) Settings() Settings { return a.settings }

// Linking exposes the linking state machine for profile pages.
func (a *Authenticator) Linking() *LinkingStateMachine { return a.linking }

// Codec returns the flow state codec.
func (a *Authenticator) Codec() *FlowStateCodec { return a.codec }

// BeginLogin seals a fresh nonce and returns the provider redirect.
func (a *Authenticator) BeginLogin(ctx context.Context, redirectURL string) (*AuthRedirect, error) {
	return a.begin(ctx, &FlowState{Action: ActionLogin, RedirectURL: redirectURL})
}

func (a *Authenticator) begin(ctx context.Context, state *FlowState) (*AuthRedirect, error) {
	if !a.settings.Configured() {
		return nil, ErrNotConfigured
	}

	sealed, err := a.codec.Encode(state)
	if err != nil {
		return nil, fmt.Errorf("failed to encode state: %w", err)
	}
	if err := a.nonces.Put(ctx, state.Nonce, a.codec.TTL()); err != nil {
		return nil, fmt.Errorf("failed to store nonce: %w", err)
	}

	return &AuthRedirect{
		URL:   AuthorizeURL(a.settings, state.Nonce),
		State: sealed,
		Nonce: state.Nonce,
	}, nil
}

// LogoutURL is the provider sign out URL.
func (a *Authenticator) LogoutURL() string {
	return LogoutURL(a.settings)
}

// LoginLink returns what a login page needs to render the sign-in block.
// loginURL is the local route that starts BeginLogin.
func (a *Authenticator) LoginLink(loginURL string) LoginLink {
	return LoginLink{
		LoginURL:       loginURL,
		LogoutURL:      a.LogoutURL(),
		OrgDisplayName: a.settings.OrgDisplayName,
	}
}

// WantsAutoForward reports whether a plain login request should go straight
// to the provider. Requests carrying a code or coming from a logout never
// do.
func (a *Authenticator) WantsAutoForward(query url.Values) bool {
	if !a.settings.AutoForwardLogin {
		return false
	}
	if query.Has("code") || query.Has("loggedout") {
		return false
	}
	action := query.Get("action")
	return action == "" || action == ActionLogin
}

// LinkTriggerURL returns the profile URL that starts a link for the account.
// ok is false when the account already has an external identity.
func (a *Authenticator) LinkTriggerURL(ctx context.Context, accountID uuid.UUID) (string, bool, error) {
	can, err := a.linking.CanLink(ctx, accountID)
	if err != nil || !can {
		return "", false, err
	}

	token, err := a.codec.Encode(&FlowState{Action: ActionLink, AccountID: accountID.String()})
	if err != nil {
		return "", false, err
	}

	return appendQuery(a.settings.ProfileURL, url.Values{
		QueryLinkAccount: {accountID.String()},
		QueryLinkToken:   {token},
	}), true, nil
}

// BeginLink checks the link trigger, records LinkRequested and returns the
// provider redirect.
func (a *Authenticator) BeginLink(ctx context.Context, currentAccountID uuid.UUID, accountToMap, linkToken string) (*AuthRedirect, error) {
	if currentAccountID == uuid.Nil || accountToMap != currentAccountID.String() {
		return nil, reject(ErrLinkNotAllowed, "link requested for account %q by another session", accountToMap, nil)
	}

	trigger, err := a.codec.Decode(linkToken)
	if err != nil {
		return nil, wrapCause(ErrLinkNotAllowed, err, nil)
	}
	if trigger.Action != ActionLink || trigger.AccountID != currentAccountID.String() {
		return nil, reject(ErrLinkNotAllowed, "link token not issued for account %q", accountToMap, nil)
	}

	if err := a.linking.RequestLink(ctx, currentAccountID); err != nil {
		return nil, err
	}

	redirect, err := a.begin(ctx, &FlowState{
		Action:      ActionLink,
		AccountID:   currentAccountID.String(),
		RedirectURL: a.settings.ProfileURL,
	})
	if err != nil {
		a.linking.Fail(ctx, LinkCapture{AccountID: currentAccountID, Active: true}, err)
		return nil, err
	}
	return redirect, nil
}

// Authenticate validates a returning request and resolves it to an account.
// A pending link of the signed-in account is captured before resolution and
// completed after it.
func (a *Authenticator) Authenticate(ctx context.Context, req AuthRequest) (*AuthResult, error) {
	if !a.settings.Configured() {
		return nil, ErrNotConfigured
	}

	if req.IDToken == "" && req.Error == "" {
		if req.CurrentAccountID != uuid.Nil {
			account, err := a.store.GetByID(ctx, req.CurrentAccountID)
			if err == nil {
				return &AuthResult{Account: account, AlreadyAuthenticated: true}, nil
			}
			if !isNotFound(err) {
				return nil, err
			}
		}
		return nil, ErrNoIDToken
	}

	providerReturn := req.IDToken != "" || req.Error != ""
	capture, err := a.linking.Capture(ctx, req.CurrentAccountID, providerReturn)
	if err != nil {
		return nil, err
	}

	result, err := a.authenticate(ctx, req, capture)
	if err != nil {
		a.linking.Fail(ctx, capture, err)
		a.logger.Info("single sign-on rejected", "reason", ReasonCode(err), "error", err)
		recordActivity(ctx, a.activity, a.logger, ActivityEvent{
			EventType: ActivityEventLoginFailure,
			Reason:    ReasonCode(err),
		})
		return nil, err
	}

	recordActivity(ctx, a.activity, a.logger, ActivityEvent{
		EventType:  ActivityEventLoginSuccess,
		AccountID:  result.Account.ID.String(),
		ExternalID: result.Claims.SubjectAltID,
		Metadata: map[string]any{
			"created": result.Created,
			"linked":  result.Linked,
		},
	})
	return result, nil
}

func (a *Authenticator) authenticate(ctx context.Context, req AuthRequest, capture LinkCapture) (*AuthResult, error) {
	if req.IDToken == "" {
		return nil, reject(ErrAccessDenied, "access denied: %s", denialText(req), map[string]any{
			"error":             req.Error,
			"error_description": req.ErrorDescription,
		})
	}

	var expectedNonce, redirectURL string
	if flow, err := a.codec.Decode(req.State); err != nil {
		// the nonce check below rejects the token
		a.logger.Warn("login state unusable", "reason", ReasonCode(err))
	} else {
		expectedNonce = flow.Nonce
		redirectURL = flow.RedirectURL
	}

	keys, err := a.keys.FetchKeys(ctx, a.settings.BaseURI)
	if err != nil {
		return nil, err
	}

	unverified, err := a.validator.Validate(req.IDToken, keys)
	if err != nil {
		return nil, err
	}

	claims, err := a.policy.Check(unverified, ClaimExpectations{
		Audience: a.settings.ClientID,
		Nonce:    expectedNonce,
	}, a.now())
	if err != nil {
		return nil, err
	}

	fresh, err := a.nonces.Consume(ctx, claims.Nonce)
	if err != nil {
		return nil, fmt.Errorf("consume nonce: %w", err)
	}
	if !fresh {
		return nil, reject(ErrNonceReplayed, "nonce %q already used", claims.Nonce, nil)
	}

	// a pending link binds the identity to the signed-in account, so no new
	// registration takes place even when registration is closed
	res, err := a.resolver.Resolve(ctx, claims, ResolveOptions{
		AllowCreation:    capture.Active,
		CreationOverride: a.linking.CreationOverride(capture),
	})
	if err != nil {
		return nil, err
	}

	account, report, err := a.linking.Complete(ctx, capture, res.Account, claims.SubjectAltID)
	if err != nil {
		return nil, err
	}

	result := &AuthResult{
		Account:     account,
		Claims:      claims,
		Created:     res.Created,
		Linked:      capture.Active,
		Merge:       report,
		RedirectURL: redirectURL,
	}
	if capture.Active {
		if to, ok, err := a.linking.PendingRedirect(ctx, account.ID); err == nil && ok {
			result.RedirectURL = to
		}
	}
	return result, nil
}

func denialText(req AuthRequest) string {
	if req.ErrorDescription != "" {
		return req.ErrorDescription
	}
	return req.Error
}
