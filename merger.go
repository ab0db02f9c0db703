package sso

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// LinkedNotifier is told that source is about to be merged into target.
// It runs before the source account is deleted.
type LinkedNotifier func(ctx context.Context, sourceID, targetID uuid.UUID) error

// MergeReport describes what a merge did. ReassignErr is set when content
// could not be moved; the merge still completes in that case.
type MergeReport struct {
	ContentMoved  int64
	ReassignErr   error
	SourceDeleted bool
}

// AccountMerger folds a source account into a target account.
type AccountMerger struct {
	store    AccountStore
	states   *LinkStateStore
	logger   Logger
	activity ActivitySink
	onLinked LinkedNotifier
}

// MergerOption configures an AccountMerger.
type MergerOption func(*AccountMerger)

func WithMergerLogger(l Logger) MergerOption {
	return func(m *AccountMerger) {
		if l != nil {
			m.logger = l
		}
	}
}

func WithMergerActivitySink(s ActivitySink) MergerOption {
	return func(m *AccountMerger) {
		m.activity = normalizeActivitySink(s)
	}
}

// WithLinkedNotifier registers the pre-delete notification.
func WithLinkedNotifier(fn LinkedNotifier) MergerOption {
	return func(m *AccountMerger) {
		if fn != nil {
			m.onLinked = fn
		}
	}
}

func NewAccountMerger(store AccountStore, opts ...MergerOption) *AccountMerger {
	m := &AccountMerger{
		store:    store,
		states:   NewLinkStateStore(store),
		activity: noopActivitySink{},
		onLinked: func(context.Context, uuid.UUID, uuid.UUID) error { return nil },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	m.logger = normalizeLogger(m.logger)
	return m
}

// Merge binds externalID to target, moves the content of source to target,
// deletes source and marks target as linked. When identical is true source
// and target are the same account and only the binding and flag are
// written. Every step can be re-run.
func (m *AccountMerger) Merge(ctx context.Context, target, source *Account, externalID string, identical bool) (*Account, *MergeReport, error) {
	report := &MergeReport{}
	if target == nil || externalID == "" {
		return nil, report, reject(ErrMergeFailed, "account merge failed: %s", "missing target or external id", nil)
	}
	if source == nil || source.ID == target.ID {
		identical = true
	}

	meta := map[string]any{"target_id": target.ID.String()}
	if !identical {
		meta["source_id"] = source.ID.String()
	}

	if err := m.store.SetAttribute(ctx, target.ID, AttributeExternalID, externalID); err != nil {
		return nil, report, wrapCause(ErrMergeFailed, fmt.Errorf("bind external id: %w", err), meta)
	}

	if !identical {
		moved, err := m.store.ReassignContent(ctx, source.ID, target.ID)
		report.ContentMoved = moved
		if err != nil {
			report.ReassignErr = err
			m.logger.Error("content reassignment failed during merge",
				"source_id", source.ID.String(), "target_id", target.ID.String(), "error", err)
			recordActivity(ctx, m.activity, m.logger, ActivityEvent{
				EventType:  ActivityEventContentReassignErr,
				AccountID:  target.ID.String(),
				ExternalID: externalID,
				Reason:     err.Error(),
				Metadata:   map[string]any{"source_id": source.ID.String()},
			})
		}

		if err := m.onLinked(ctx, source.ID, target.ID); err != nil {
			m.logger.Warn("linked notifier error", "error", err)
		}

		// a source already gone was deleted by an earlier run
		if err := m.store.Delete(ctx, source.ID, target.ID); err != nil && !isNotFound(err) {
			return nil, report, wrapCause(ErrMergeFailed, fmt.Errorf("delete source account: %w", err), meta)
		}
		report.SourceDeleted = true
	}

	if err := m.states.Save(ctx, target.ID, Linked()); err != nil {
		return nil, report, wrapCause(ErrMergeFailed, fmt.Errorf("set linked flag: %w", err), meta)
	}

	if identical {
		return target, report, nil
	}

	refreshed, err := m.store.GetByID(ctx, target.ID)
	if err != nil {
		return nil, report, wrapCause(ErrMergeFailed, fmt.Errorf("reload target: %w", err), meta)
	}
	return refreshed, report, nil
}
