// Package sso signs browsers in with OpenID Connect id tokens issued by an
// Azure AD style provider and maps each external identity onto a local
// account.
//
// Sign-in pipeline:
//   - BeginLogin seals a fresh nonce in a FlowState cookie and redirects to
//     the provider. Authenticate fetches the signing keys, verifies the RS256
//     signature, checks the claims in a fixed order (altsecid, nonce,
//     audience, issuer, iat, exp) and consumes the nonce once.
//   - Every rejection carries a reason code from the closed set in errors.go.
//     Use ReasonCode to render it.
//
// Identity resolution:
//   - IdentityResolver looks the altsecid up as an exact attribute match and
//     creates an account when registration rules allow it. Hooks may replace
//     the found account, override the registration decision, rewrite the
//     login name or substitute an existing account for the new one.
//
// Account linking:
//   - A signed-in account without an external identity may request a link.
//     LinkingStateMachine captures the request before resolution, then
//     AccountMerger binds the identity, moves content from any account that
//     already held it and deletes that account. The outcome is shown once on
//     the profile page and cleared.
//
// Activity sinks:
//   - ActivitySink receives login, creation, link and merge events. Sinks run
//     best-effort (errors are logged) so you can forward to a database or
//     queue without blocking authentication.
package sso
