package sso

import (
	"context"
	"time"
)

// ActivityEventType enumerates the events the engine emits.
type ActivityEventType string

const (
	ActivityEventLoginSuccess       ActivityEventType = "sso.login.success"
	ActivityEventLoginFailure       ActivityEventType = "sso.login.failure"
	ActivityEventAccountCreated     ActivityEventType = "sso.account.created"
	ActivityEventLinkRequested      ActivityEventType = "sso.link.requested"
	ActivityEventAccountLinked      ActivityEventType = "sso.link.success"
	ActivityEventLinkFailed         ActivityEventType = "sso.link.failure"
	ActivityEventContentReassignErr ActivityEventType = "sso.merge.reassign_failed"
)

// ActivityEvent is an audit record of something the engine did.
type ActivityEvent struct {
	EventType  ActivityEventType
	AccountID  string
	ExternalID string
	Reason     string
	Metadata   map[string]any
	OccurredAt time.Time
}

// ActivitySink consumes activity events. Sinks are best effort: errors are
// logged and never fail the request.
type ActivitySink interface {
	Record(ctx context.Context, event ActivityEvent) error
}

// ActivitySinkFunc adapts a function to the ActivitySink interface.
type ActivitySinkFunc func(ctx context.Context, event ActivityEvent) error

// Record implements ActivitySink.
func (f ActivitySinkFunc) Record(ctx context.Context, event ActivityEvent) error {
	if f == nil {
		return nil
	}
	return f(ctx, event)
}

type noopActivitySink struct{}

func (noopActivitySink) Record(context.Context, ActivityEvent) error {
	return nil
}

func normalizeActivitySink(s ActivitySink) ActivitySink {
	if s == nil {
		return noopActivitySink{}
	}
	return s
}

func recordActivity(ctx context.Context, sink ActivitySink, logger Logger, event ActivityEvent) {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	if err := sink.Record(ctx, event); err != nil {
		logger.Warn("activity sink error", "event", string(event.EventType), "error", err)
	}
}
