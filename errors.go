package sso

import (
	"database/sql"
	stderrors "errors"
	"fmt"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-repository-bun"
)

// Reason codes returned to callers. They are the text codes of the errors
// below and form a closed set.
const (
	TextCodeKeyFetchFailed   = "key_fetch_failed"
	TextCodeTokenInvalid     = "invalid_id_token"
	TextCodeMissingSubjectID = "missing_altsecid_property"
	TextCodeNonceMismatch    = "nonce_fail"
	TextCodeAudienceMismatch = "client_id_mismatch"
	TextCodeIssuerMismatch   = "issuer_mismatch"
	TextCodeIssuedInFuture   = "issuing_time_error"
	TextCodeExpired          = "issuing_is_expired"
	TextCodeNotRegistered    = "user_not_registered"
	TextCodeMergeFailed      = "merge_failed"
	TextCodeAccessDenied     = "access_denied"
	TextCodeNonceReplayed    = "nonce_replayed"
	TextCodeNoIDToken        = "no_id_token"
	TextCodeLinkNotAllowed   = "link_not_allowed"
	TextCodeInvalidState     = "invalid_login_state"
	TextCodeStateExpired     = "login_state_expired"
	TextCodeNotConfigured    = "sso_not_configured"
	TextCodeSessionInvalid   = "session_invalid"
)

// ErrKeyFetchFailed is returned when the signing keys cannot be retrieved.
var ErrKeyFetchFailed = goerrors.New("unable to fetch signing keys", goerrors.CategoryOperation).
	WithTextCode(TextCodeKeyFetchFailed).
	WithCode(goerrors.CodeInternal)

// ErrTokenInvalid is returned when no signing key verifies the id token.
var ErrTokenInvalid = goerrors.New("invalid id_token", goerrors.CategoryAuth).
	WithTextCode(TextCodeTokenInvalid).
	WithCode(goerrors.CodeUnauthorized)

// ErrMissingSubjectID is returned when the token has no alternate security id.
var ErrMissingSubjectID = goerrors.New("token has no alternate security id", goerrors.CategoryAuth).
	WithTextCode(TextCodeMissingSubjectID).
	WithCode(goerrors.CodeUnauthorized)

// ErrNonceMismatch is returned when the token nonce was not issued for this login.
var ErrNonceMismatch = goerrors.New("nonce mismatch", goerrors.CategoryAuth).
	WithTextCode(TextCodeNonceMismatch).
	WithCode(goerrors.CodeUnauthorized)

// ErrAudienceMismatch is returned when aud is not our client id.
var ErrAudienceMismatch = goerrors.New("audience does not match client id", goerrors.CategoryAuth).
	WithTextCode(TextCodeAudienceMismatch).
	WithCode(goerrors.CodeUnauthorized)

// ErrIssuerMismatch is returned when iss is not an accepted token service.
var ErrIssuerMismatch = goerrors.New("issuer not accepted", goerrors.CategoryAuth).
	WithTextCode(TextCodeIssuerMismatch).
	WithCode(goerrors.CodeUnauthorized)

// ErrIssuedInFuture is returned when iat is after the current time.
var ErrIssuedInFuture = goerrors.New("token issued in the future", goerrors.CategoryAuth).
	WithTextCode(TextCodeIssuedInFuture).
	WithCode(goerrors.CodeUnauthorized)

// ErrExpired is returned when exp is not after the current time.
var ErrExpired = goerrors.New("token has expired", goerrors.CategoryAuth).
	WithTextCode(TextCodeExpired).
	WithCode(goerrors.CodeUnauthorized)

// ErrNotRegistered is returned when no local account exists and none may be created.
var ErrNotRegistered = goerrors.New("user is not registered", goerrors.CategoryAuth).
	WithTextCode(TextCodeNotRegistered).
	WithCode(goerrors.CodeForbidden)

// ErrMergeFailed is returned when two accounts could not be combined.
var ErrMergeFailed = goerrors.New("account merge failed", goerrors.CategoryOperation).
	WithTextCode(TextCodeMergeFailed).
	WithCode(goerrors.CodeInternal)

// ErrAccessDenied is returned when the provider answered with an error.
var ErrAccessDenied = goerrors.New("access denied by identity provider", goerrors.CategoryAuth).
	WithTextCode(TextCodeAccessDenied).
	WithCode(goerrors.CodeForbidden)

// ErrNonceReplayed is returned when a nonce that was already used shows up again.
var ErrNonceReplayed = goerrors.New("nonce already used", goerrors.CategoryAuth).
	WithTextCode(TextCodeNonceReplayed).
	WithCode(goerrors.CodeUnauthorized)

// ErrNoIDToken is returned when a request carries neither id_token nor error.
var ErrNoIDToken = goerrors.New("no id_token in request", goerrors.CategoryBadInput).
	WithTextCode(TextCodeNoIDToken).
	WithCode(goerrors.CodeBadRequest)

// ErrLinkNotAllowed is returned when a link request is not valid for the account.
var ErrLinkNotAllowed = goerrors.New("account linking not allowed", goerrors.CategoryAuth).
	WithTextCode(TextCodeLinkNotAllowed).
	WithCode(goerrors.CodeForbidden)

// ErrInvalidState is returned when the login state cookie is missing or tampered.
var ErrInvalidState = goerrors.New("invalid login state", goerrors.CategoryBadInput).
	WithTextCode(TextCodeInvalidState).
	WithCode(goerrors.CodeBadRequest)

// ErrStateExpired is returned when the login state is past its TTL.
var ErrStateExpired = goerrors.New("login state expired", goerrors.CategoryBadInput).
	WithTextCode(TextCodeStateExpired).
	WithCode(goerrors.CodeBadRequest)

// ErrNotConfigured is returned when client id or base uri are missing.
var ErrNotConfigured = goerrors.New("single sign-on is not configured", goerrors.CategoryInternal).
	WithTextCode(TextCodeNotConfigured).
	WithCode(goerrors.CodeInternal)

// ErrSessionInvalid is returned when the session token does not validate.
var ErrSessionInvalid = goerrors.New("invalid session", goerrors.CategoryAuth).
	WithTextCode(TextCodeSessionInvalid).
	WithCode(goerrors.CodeUnauthorized)

// ReasonCode returns the reason code carried by err, or "" for nil. Errors
// that are not part of the closed set map to "internal_error".
func ReasonCode(err error) string {
	if err == nil {
		return ""
	}
	var richErr *goerrors.Error
	if stderrors.As(err, &richErr) && richErr.TextCode != "" {
		return richErr.TextCode
	}
	return "internal_error"
}

// HasReason reports whether err carries the given reason code.
func HasReason(err error, code string) bool {
	return err != nil && ReasonCode(err) == code
}

// reject clones base, embeds the offending value in the message and records
// it as metadata.
func reject(base *goerrors.Error, format string, value any, meta map[string]any) *goerrors.Error {
	clone := base.Clone()
	if clone == nil {
		clone = base
	}
	clone.Message = fmt.Sprintf(format, value)
	if len(meta) > 0 {
		clone.WithMetadata(meta)
	}
	return clone
}

// wrapCause clones base and keeps the upstream cause in Source and in the
// message.
func wrapCause(base *goerrors.Error, cause error, meta map[string]any) *goerrors.Error {
	clone := base.Clone()
	if clone == nil {
		clone = base
	}
	if cause != nil {
		clone.Source = cause
		clone.Message = fmt.Sprintf("%s: %v", base.Message, cause)
	}
	if len(meta) > 0 {
		clone.WithMetadata(meta)
	}
	return clone
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	return repository.IsRecordNotFound(err) || stderrors.Is(err, sql.ErrNoRows)
}
