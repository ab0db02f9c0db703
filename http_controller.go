package sso

import (
	"net/http"
	"net/url"
	"time"

	"github.com/goliatone/go-router"
	"github.com/google/uuid"
)

// RouteRegistrar captures the router methods used by the controller.
type RouteRegistrar interface {
	Get(path string, handler router.HandlerFunc, mw ...router.MiddlewareFunc) router.RouteInfo
	Post(path string, handler router.HandlerFunc, mw ...router.MiddlewareFunc) router.RouteInfo
}

// HTTPConfig configures the HTTP controller.
type HTTPConfig struct {
	// SessionContextKey is the router locals key holding the *Session
	// (default: "sso_session")
	SessionContextKey string

	// SessionCookieName holds the session token (default: "sso_session")
	SessionCookieName string

	// StateCookieName holds the sealed login state (default: "sso_state")
	StateCookieName string

	CookieSecure bool

	// CookieSameSite must allow top level navigation back from the provider
	// (default: "Lax")
	CookieSameSite string

	// LoginPath is the local route that starts a login, used in LoginLink
	// (default: "/auth/sso/authorize")
	LoginPath string

	// SuccessRedirect is used when the login state carries no return URL
	SuccessRedirect string

	// ErrorRedirect receives the reason code as ?sso_error=
	ErrorRedirect string

	// ErrorHandler replaces the default error redirect (optional)
	ErrorHandler func(ctx router.Context, err error) error
}

// HTTPController serves the sign-in, callback, logout and profile routes.
type HTTPController struct {
	auth     *Authenticator
	sessions *SessionTokens
	config   HTTPConfig
	logger   Logger
}

// NewHTTPController creates the controller. sessions issues the cookie set
// after a successful callback.
func NewHTTPController(auth *Authenticator, sessions *SessionTokens, cfg HTTPConfig) *HTTPController {
	if cfg.SessionContextKey == "" {
		cfg.SessionContextKey = "sso_session"
	}
	if cfg.SessionCookieName == "" {
		cfg.SessionCookieName = "sso_session"
	}
	if cfg.StateCookieName == "" {
		cfg.StateCookieName = "sso_state"
	}
	if cfg.CookieSameSite == "" {
		cfg.CookieSameSite = "Lax"
	}
	if cfg.LoginPath == "" {
		cfg.LoginPath = "/auth/sso/authorize"
	}
	if cfg.SuccessRedirect == "" {
		cfg.SuccessRedirect = "/"
	}
	if cfg.ErrorRedirect == "" {
		cfg.ErrorRedirect = "/login"
	}

	return &HTTPController{
		auth:     auth,
		sessions: sessions,
		config:   cfg,
		logger:   auth.logger,
	}
}

// RegisterRoutes registers the routes on group, e.g. a "/auth/sso" group.
func (c *HTTPController) RegisterRoutes(group RouteRegistrar) {
	group.Get("/login", c.Login)
	group.Get("/authorize", c.Authorize)
	group.Get("/callback", c.Callback)
	group.Post("/callback", c.CallbackForm)
	group.Get("/logout", c.Logout)
	group.Get("/profile", c.Profile)
}

// Login returns the sign-in block data, or forwards straight to the
// provider when auto forwarding is on.
func (c *HTTPController) Login(ctx router.Context) error {
	query := url.Values{}
	for _, k := range []string{"action", "code", "loggedout"} {
		if v := ctx.Query(k); v != "" {
			query.Set(k, v)
		}
	}
	if c.auth.WantsAutoForward(query) {
		return c.Authorize(ctx)
	}

	link := c.auth.LoginLink(c.config.LoginPath)
	return ctx.JSON(router.StatusOK, map[string]any{
		"login_url":        link.LoginURL,
		"logout_url":       link.LogoutURL,
		"org_display_name": link.OrgDisplayName,
	})
}

// Authorize seals a new login state in a cookie and redirects to the
// provider.
func (c *HTTPController) Authorize(ctx router.Context) error {
	redirect, err := c.auth.BeginLogin(ctx.Context(), safeRedirect(ctx.Query("redirect_url")))
	if err != nil {
		return c.handleError(ctx, err)
	}

	c.setCookie(ctx, c.config.StateCookieName, redirect.State, c.auth.Codec().TTL())
	return ctx.Redirect(redirect.URL, http.StatusTemporaryRedirect)
}

// Callback validates the returning id token and signs the account in.
func (c *HTTPController) Callback(ctx router.Context) error {
	return c.callback(ctx, func(key string) string { return ctx.Query(key) })
}

// CallbackForm handles a form_post response. Fields missing from the body
// fall back to the query string.
func (c *HTTPController) CallbackForm(ctx router.Context) error {
	return c.callback(ctx, func(key string) string {
		if v := ctx.FormValue(key); v != "" {
			return v
		}
		return ctx.Query(key)
	})
}

func (c *HTTPController) callback(ctx router.Context, param func(key string) string) error {
	req := AuthRequest{
		IDToken:          param("id_token"),
		Error:            param("error"),
		ErrorDescription: param("error_description"),
		State:            ctx.Cookies(c.config.StateCookieName),
		CurrentAccountID: c.sessionAccountID(ctx),
	}

	result, err := c.auth.Authenticate(ctx.Context(), req)
	c.clearCookie(ctx, c.config.StateCookieName)
	if err != nil {
		return c.handleError(ctx, err)
	}

	if !result.AlreadyAuthenticated {
		token, err := c.sessions.Issue(result.Account)
		if err != nil {
			return c.handleError(ctx, err)
		}
		c.setCookie(ctx, c.config.SessionCookieName, token, c.sessions.TTL())
	}

	redirectURL := result.RedirectURL
	if redirectURL == "" {
		redirectURL = c.config.SuccessRedirect
	}
	return ctx.Redirect(redirectURL, http.StatusTemporaryRedirect)
}

// Logout drops the session and sends the browser to the provider sign out.
func (c *HTTPController) Logout(ctx router.Context) error {
	c.clearCookie(ctx, c.config.SessionCookieName)
	return ctx.Redirect(c.auth.LogoutURL(), http.StatusTemporaryRedirect)
}

// Profile is the account management page. It starts a link when the link
// trigger is present, shows and clears a pending notice, and offers the link
// URL when the account has no external identity.
func (c *HTTPController) Profile(ctx router.Context) error {
	accountID := c.sessionAccountID(ctx)
	if accountID == uuid.Nil {
		return ctx.JSON(router.StatusUnauthorized, map[string]string{
			"error": "authentication required",
		})
	}

	if toMap := ctx.Query(QueryLinkAccount); toMap != "" {
		redirect, err := c.auth.BeginLink(ctx.Context(), accountID, toMap, ctx.Query(QueryLinkToken))
		if err != nil {
			return c.handleError(ctx, err)
		}
		c.setCookie(ctx, c.config.StateCookieName, redirect.State, c.auth.Codec().TTL())
		return ctx.Redirect(redirect.URL, http.StatusTemporaryRedirect)
	}

	linking := c.auth.Linking()
	payload := map[string]any{"account_id": accountID.String()}

	if ctx.Query(QueryLinked) != "" || ctx.Query(QueryLinkFailed) != "" {
		notice, err := linking.ConsumeNotice(ctx.Context(), accountID)
		if err != nil {
			return c.handleError(ctx, err)
		}
		if notice.IsLinked() {
			payload["notice"] = "linked"
		} else if notice.IsFailed() {
			payload["notice"] = "link_failed"
			payload["reason"] = notice.Reason()
		}
	}

	linkURL, ok, err := c.auth.LinkTriggerURL(ctx.Context(), accountID)
	if err != nil {
		return c.handleError(ctx, err)
	}
	if ok {
		payload["link_url"] = linkURL
		payload["org_display_name"] = c.auth.Settings().OrgDisplayName
	}

	return ctx.JSON(router.StatusOK, payload)
}

// NoticeRedirect sends signed-in browsers to the profile page while a link
// notice is waiting. Mount it on pages other than the profile page.
func (c *HTTPController) NoticeRedirect() router.MiddlewareFunc {
	return func(hf router.HandlerFunc) router.HandlerFunc {
		return func(ctx router.Context) error {
			accountID := c.sessionAccountID(ctx)
			if accountID == uuid.Nil {
				return ctx.Next()
			}
			// already on the notice page
			if ctx.Query(QueryLinked) != "" || ctx.Query(QueryLinkFailed) != "" {
				return ctx.Next()
			}
			to, ok, err := c.auth.Linking().PendingRedirect(ctx.Context(), accountID)
			if err != nil {
				c.logger.Warn("pending link notice lookup failed", "error", err)
				return ctx.Next()
			}
			if ok {
				return ctx.Redirect(to, http.StatusTemporaryRedirect)
			}
			return ctx.Next()
		}
	}
}

// SessionMiddleware validates the session cookie, when present, and stores
// the *Session in the router locals. Anonymous requests pass through.
func (c *HTTPController) SessionMiddleware() router.MiddlewareFunc {
	return func(hf router.HandlerFunc) router.HandlerFunc {
		return func(ctx router.Context) error {
			if session := c.sessionFromCookie(ctx.Cookies(c.config.SessionCookieName)); session != nil {
				ctx.Locals(c.config.SessionContextKey, session)
			}
			return ctx.Next()
		}
	}
}

func (c *HTTPController) sessionFromCookie(raw string) *Session {
	if raw == "" || c.sessions == nil {
		return nil
	}
	session, err := c.sessions.Validate(raw)
	if err != nil {
		c.logger.Debug("discarding invalid session cookie", "reason", ReasonCode(err))
		return nil
	}
	return session
}

func (c *HTTPController) sessionAccountID(ctx router.Context) uuid.UUID {
	session, ok := ctx.Locals(c.config.SessionContextKey).(*Session)
	if !ok || session == nil {
		return uuid.Nil
	}
	return session.AccountID
}

func (c *HTTPController) setCookie(ctx router.Context, name, value string, ttl time.Duration) {
	ctx.Cookie(&router.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		Expires:  time.Now().Add(ttl),
		Secure:   c.config.CookieSecure,
		HTTPOnly: true,
		SameSite: c.config.CookieSameSite,
	})
}

func (c *HTTPController) clearCookie(ctx router.Context, name string) {
	ctx.Cookie(&router.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		Expires:  time.Unix(0, 0),
		Secure:   c.config.CookieSecure,
		HTTPOnly: true,
		SameSite: c.config.CookieSameSite,
	})
}

func (c *HTTPController) handleError(ctx router.Context, err error) error {
	if c.config.ErrorHandler != nil {
		return c.config.ErrorHandler(ctx, err)
	}
	redirectURL := appendQuery(c.config.ErrorRedirect, url.Values{"sso_error": {ReasonCode(err)}})
	return ctx.Redirect(redirectURL, http.StatusTemporaryRedirect)
}

// safeRedirect keeps only local paths so the state cannot carry an open
// redirect.
func safeRedirect(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.IsAbs() || u.Host != "" || len(u.Path) == 0 || u.Path[0] != '/' {
		return ""
	}
	if len(raw) > 1 && (raw[1] == '/' || raw[1] == '\\') {
		return ""
	}
	return u.RequestURI()
}
