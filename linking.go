package sso

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
)

// Query parameters appended to the profile page while a link notice waits.
const (
	QueryLinked     = "sso_linked"
	QueryLinkFailed = "sso_link_failed"
)

// LinkCapture is the account that asked to be linked, recorded before the
// returning identity is resolved.
type LinkCapture struct {
	AccountID uuid.UUID
	Active    bool
}

// LinkingStateMachine drives Unlinked -> LinkRequested -> Linked|LinkFailed
// -> Unlinked for one account. State lives in the account store so it
// survives the round-trip through the provider.
type LinkingStateMachine struct {
	store    AccountStore
	states   *LinkStateStore
	merger   *AccountMerger
	settings Settings
	logger   Logger
	activity ActivitySink
	now      func() time.Time
}

// LinkingOption configures the state machine.
type LinkingOption func(*LinkingStateMachine)

// WithLinkingClock injects a custom clock (useful for tests).
func WithLinkingClock(clock func() time.Time) LinkingOption {
	return func(sm *LinkingStateMachine) {
		if clock != nil {
			sm.now = clock
		}
	}
}

func WithLinkingLogger(l Logger) LinkingOption {
	return func(sm *LinkingStateMachine) {
		if l != nil {
			sm.logger = l
		}
	}
}

func WithLinkingActivitySink(s ActivitySink) LinkingOption {
	return func(sm *LinkingStateMachine) {
		sm.activity = normalizeActivitySink(s)
	}
}

func NewLinkingStateMachine(store AccountStore, merger *AccountMerger, settings Settings, opts ...LinkingOption) *LinkingStateMachine {
	sm := &LinkingStateMachine{
		store:    store,
		states:   NewLinkStateStore(store),
		merger:   merger,
		settings: settings.WithDefaults(),
		activity: noopActivitySink{},
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(sm)
		}
	}
	sm.logger = normalizeLogger(sm.logger)
	if sm.merger == nil {
		sm.merger = NewAccountMerger(store, WithMergerLogger(sm.logger), WithMergerActivitySink(sm.activity))
	}
	return sm
}

// State returns the current link state of the account.
func (sm *LinkingStateMachine) State(ctx context.Context, accountID uuid.UUID) (LinkState, error) {
	return sm.states.Load(ctx, accountID)
}

// CanLink reports whether the account may start a link, that is it exists
// and has no external identity bound.
func (sm *LinkingStateMachine) CanLink(ctx context.Context, accountID uuid.UUID) (bool, error) {
	if accountID == uuid.Nil {
		return false, nil
	}
	if _, err := sm.store.GetByID(ctx, accountID); err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, err
	}
	_, bound, err := ExternalID(ctx, sm.store, accountID)
	if err != nil {
		return false, err
	}
	return !bound, nil
}

// RequestLink records the intent to link. A second request overwrites the
// first.
func (sm *LinkingStateMachine) RequestLink(ctx context.Context, accountID uuid.UUID) error {
	ok, err := sm.CanLink(ctx, accountID)
	if err != nil {
		return err
	}
	if !ok {
		return reject(ErrLinkNotAllowed, "account %s cannot be linked", accountID, nil)
	}

	if err := sm.states.Save(ctx, accountID, LinkRequested(sm.now())); err != nil {
		return fmt.Errorf("save link request: %w", err)
	}

	recordActivity(ctx, sm.activity, sm.logger, ActivityEvent{
		EventType: ActivityEventLinkRequested,
		AccountID: accountID.String(),
	})
	return nil
}

// Capture must run before the returning identity is resolved. It returns an
// active capture when the signed-in account has a pending request and the
// request is coming back from the provider.
func (sm *LinkingStateMachine) Capture(ctx context.Context, currentAccountID uuid.UUID, providerReturn bool) (LinkCapture, error) {
	if !providerReturn || currentAccountID == uuid.Nil {
		return LinkCapture{}, nil
	}

	_, bound, err := ExternalID(ctx, sm.store, currentAccountID)
	if err != nil {
		return LinkCapture{}, err
	}
	if bound {
		return LinkCapture{}, nil
	}

	state, err := sm.states.Load(ctx, currentAccountID)
	if err != nil {
		sm.logger.Warn("unreadable link state, treating as unlinked", "account_id", currentAccountID.String(), "error", err)
		return LinkCapture{}, nil
	}
	if !state.IsRequested() {
		return LinkCapture{}, nil
	}

	if state.Expired(sm.settings.LinkIntentTTL, sm.now()) {
		sm.logger.Info("link request expired", "account_id", currentAccountID.String(), "requested_at", state.RequestedAt())
		if err := sm.states.Save(ctx, currentAccountID, Unlinked()); err != nil {
			return LinkCapture{}, err
		}
		return LinkCapture{}, nil
	}

	return LinkCapture{AccountID: currentAccountID, Active: true}, nil
}

// CreationOverride returns a hook that hands the capturing account to the
// resolver instead of creating a new account for an unknown identity.
func (sm *LinkingStateMachine) CreationOverride(capture LinkCapture) CreationOverride {
	if !capture.Active {
		return nil
	}
	return func(ctx context.Context, _ *Account, _ *ClaimSet) (*Account, error) {
		return sm.store.GetByID(ctx, capture.AccountID)
	}
}

// Complete runs after resolution. With an active capture the resolved
// account is merged into the capturing one and the flag becomes Linked, or
// LinkFailed when the merge fails. Without one resolved is returned as is.
func (sm *LinkingStateMachine) Complete(ctx context.Context, capture LinkCapture, resolved *Account, externalID string) (*Account, *MergeReport, error) {
	if !capture.Active {
		return resolved, nil, nil
	}

	target, err := sm.store.GetByID(ctx, capture.AccountID)
	if err != nil {
		wrapped := wrapCause(ErrMergeFailed, fmt.Errorf("load linking account: %w", err), nil)
		sm.Fail(ctx, capture, wrapped)
		return nil, nil, wrapped
	}

	identical := resolved == nil || resolved.ID == target.ID
	merged, report, err := sm.merger.Merge(ctx, target, resolved, externalID, identical)
	if err != nil {
		sm.Fail(ctx, capture, err)
		return nil, report, err
	}

	meta := map[string]any{}
	if report != nil {
		meta["content_moved"] = report.ContentMoved
		meta["source_deleted"] = report.SourceDeleted
	}
	if !identical {
		meta["source_id"] = resolved.ID.String()
	}
	recordActivity(ctx, sm.activity, sm.logger, ActivityEvent{
		EventType:  ActivityEventAccountLinked,
		AccountID:  target.ID.String(),
		ExternalID: externalID,
		Metadata:   meta,
	})
	return merged, report, nil
}

// Fail replaces a pending request with LinkFailed carrying the reason code
// of cause.
func (sm *LinkingStateMachine) Fail(ctx context.Context, capture LinkCapture, cause error) {
	if !capture.Active {
		return
	}
	reason := ReasonCode(cause)
	if err := sm.states.Save(ctx, capture.AccountID, LinkFailed(reason)); err != nil {
		sm.logger.Error("unable to record link failure", "account_id", capture.AccountID.String(), "error", err)
	}
	recordActivity(ctx, sm.activity, sm.logger, ActivityEvent{
		EventType: ActivityEventLinkFailed,
		AccountID: capture.AccountID.String(),
		Reason:    reason,
	})
}

// ConsumeNotice returns a pending Linked or LinkFailed notice and clears it.
// Any other state is returned untouched.
func (sm *LinkingStateMachine) ConsumeNotice(ctx context.Context, accountID uuid.UUID) (LinkState, error) {
	state, err := sm.states.Load(ctx, accountID)
	if err != nil {
		return Unlinked(), err
	}
	if !state.IsNotice() {
		return state, nil
	}
	if err := sm.states.Save(ctx, accountID, Unlinked()); err != nil {
		return state, err
	}
	return state, nil
}

// PendingRedirect returns the profile URL a page should send the browser to
// while a notice is waiting to be shown.
func (sm *LinkingStateMachine) PendingRedirect(ctx context.Context, accountID uuid.UUID) (string, bool, error) {
	state, err := sm.states.Load(ctx, accountID)
	if err != nil {
		return "", false, err
	}
	switch {
	case state.IsLinked():
		return appendQuery(sm.settings.ProfileURL, url.Values{QueryLinked: {"1"}}), true, nil
	case state.IsFailed():
		return appendQuery(sm.settings.ProfileURL, url.Values{QueryLinkFailed: {state.Reason()}}), true, nil
	}
	return "", false, nil
}
