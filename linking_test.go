package sso_test

import (
	"context"
	"testing"
	"time"

	"github.com/goliatone/go-sso"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLinking(store *memStore, settings sso.Settings, opts ...sso.LinkingOption) *sso.LinkingStateMachine {
	return sso.NewLinkingStateMachine(store, nil, settings, opts...)
}

func TestLinking_CanLink(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	free := store.seed("free", nil)
	bound := store.seed("bound", map[string]string{sso.AttributeExternalID: "ext"})
	sm := newLinking(store, testSettings())

	ok, err := sm.CanLink(ctx, free.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = sm.CanLink(ctx, bound.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = sm.CanLink(ctx, uuid.New())
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = sm.CanLink(ctx, uuid.Nil)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLinking_RequestLink(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	free := store.seed("free", nil)
	bound := store.seed("bound", map[string]string{sso.AttributeExternalID: "ext"})
	activity := &activityRecorder{}
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	sm := newLinking(store, testSettings(), sso.WithLinkingClock(fixedClock(now)), sso.WithLinkingActivitySink(activity))

	require.NoError(t, sm.RequestLink(ctx, free.ID))
	state, err := sm.State(ctx, free.ID)
	require.NoError(t, err)
	assert.True(t, state.IsRequested())
	assert.True(t, now.Equal(state.RequestedAt()))
	assert.Contains(t, activity.types(), sso.ActivityEventLinkRequested)

	err = sm.RequestLink(ctx, bound.ID)
	assert.Equal(t, sso.TextCodeLinkNotAllowed, sso.ReasonCode(err))
}

func TestLinking_Capture(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	acc := store.seed("local", nil)
	sm := newLinking(store, testSettings())

	capture, err := sm.Capture(ctx, acc.ID, true)
	require.NoError(t, err)
	assert.False(t, capture.Active, "no pending request")

	require.NoError(t, sm.RequestLink(ctx, acc.ID))

	capture, err = sm.Capture(ctx, acc.ID, false)
	require.NoError(t, err)
	assert.False(t, capture.Active, "not a provider return")

	capture, err = sm.Capture(ctx, uuid.Nil, true)
	require.NoError(t, err)
	assert.False(t, capture.Active, "anonymous")

	capture, err = sm.Capture(ctx, acc.ID, true)
	require.NoError(t, err)
	assert.True(t, capture.Active)
	assert.Equal(t, acc.ID, capture.AccountID)
}

func TestLinking_CaptureExpiredRequest(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	acc := store.seed("local", nil)

	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	clock := now
	settings := testSettings()
	settings.LinkIntentTTL = 15 * time.Minute
	sm := newLinking(store, settings, sso.WithLinkingClock(func() time.Time { return clock }))

	require.NoError(t, sm.RequestLink(ctx, acc.ID))

	clock = now.Add(16 * time.Minute)
	capture, err := sm.Capture(ctx, acc.ID, true)
	require.NoError(t, err)
	assert.False(t, capture.Active)

	state, err := sm.State(ctx, acc.ID)
	require.NoError(t, err)
	assert.True(t, state.IsUnlinked(), "expired request is cleared")
}

func TestLinking_CompleteIdentical(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	acc := store.seed("local", nil)
	sm := newLinking(store, testSettings())
	require.NoError(t, sm.RequestLink(ctx, acc.ID))

	capture, err := sm.Capture(ctx, acc.ID, true)
	require.NoError(t, err)

	substitute, err := sm.CreationOverride(capture)(ctx, &sso.Account{}, testClaimSet())
	require.NoError(t, err)
	assert.Equal(t, acc.ID, substitute.ID)

	merged, report, err := sm.Complete(ctx, capture, substitute, testAltSecID)
	require.NoError(t, err)
	assert.Equal(t, acc.ID, merged.ID)
	assert.False(t, report.SourceDeleted)

	ext, _ := store.attr(acc.ID, sso.AttributeExternalID)
	assert.Equal(t, testAltSecID, ext)

	to, ok, err := sm.PendingRedirect(ctx, acc.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "/profile?sso_linked=1", to)

	notice, err := sm.ConsumeNotice(ctx, acc.ID)
	require.NoError(t, err)
	assert.True(t, notice.IsLinked())

	_, ok, err = sm.PendingRedirect(ctx, acc.ID)
	require.NoError(t, err)
	assert.False(t, ok, "notice shown once")
}

func TestLinking_CompleteMergesOtherAccount(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	local := store.seed("local", nil)
	other := store.seed("jane", map[string]string{sso.AttributeExternalID: testAltSecID})
	store.addComments(other.ID, 2)

	activity := &activityRecorder{}
	sm := newLinking(store, testSettings(), sso.WithLinkingActivitySink(activity))
	require.NoError(t, sm.RequestLink(ctx, local.ID))
	capture, err := sm.Capture(ctx, local.ID, true)
	require.NoError(t, err)

	merged, report, err := sm.Complete(ctx, capture, other, testAltSecID)
	require.NoError(t, err)
	assert.Equal(t, local.ID, merged.ID)
	assert.True(t, report.SourceDeleted)
	assert.Equal(t, 2, store.commentCount(local.ID))
	assert.False(t, store.exists(other.ID))

	event, ok := activity.last(sso.ActivityEventAccountLinked)
	require.True(t, ok)
	assert.Equal(t, other.ID.String(), event.Metadata["source_id"])
}

func TestLinking_CompleteInactivePassesThrough(t *testing.T) {
	store := newMemStore()
	acc := store.seed("local", nil)
	sm := newLinking(store, testSettings())

	out, report, err := sm.Complete(context.Background(), sso.LinkCapture{}, acc, testAltSecID)
	require.NoError(t, err)
	assert.Same(t, acc, out)
	assert.Nil(t, report)
	assert.Nil(t, sm.CreationOverride(sso.LinkCapture{}))
}

func TestLinking_Fail(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	acc := store.seed("local", nil)
	sm := newLinking(store, testSettings())
	require.NoError(t, sm.RequestLink(ctx, acc.ID))

	capture, err := sm.Capture(ctx, acc.ID, true)
	require.NoError(t, err)
	sm.Fail(ctx, capture, sso.ErrNonceMismatch)

	to, ok, err := sm.PendingRedirect(ctx, acc.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "/profile?sso_link_failed=nonce_fail", to)

	notice, err := sm.ConsumeNotice(ctx, acc.ID)
	require.NoError(t, err)
	assert.True(t, notice.IsFailed())
	assert.Equal(t, sso.TextCodeNonceMismatch, notice.Reason())

	state, err := sm.State(ctx, acc.ID)
	require.NoError(t, err)
	assert.True(t, state.IsUnlinked())
}

func TestLinking_ConsumeNoticeLeavesPendingRequest(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	acc := store.seed("local", nil)
	sm := newLinking(store, testSettings())
	require.NoError(t, sm.RequestLink(ctx, acc.ID))

	state, err := sm.ConsumeNotice(ctx, acc.ID)
	require.NoError(t, err)
	assert.True(t, state.IsRequested())

	state, err = sm.State(ctx, acc.ID)
	require.NoError(t, err)
	assert.True(t, state.IsRequested())
}
