package sso

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// LinkStatus names the variant of a LinkState.
type LinkStatus string

const (
	LinkStatusUnlinked  LinkStatus = "unlinked"
	LinkStatusRequested LinkStatus = "link_requested"
	LinkStatusLinked    LinkStatus = "linked"
	LinkStatusFailed    LinkStatus = "link_failed"
)

// LinkState is the linking state of one account. Exactly one variant is
// active at a time; construct it with Unlinked, LinkRequested, Linked or
// LinkFailed.
type LinkState struct {
	status      LinkStatus
	reason      string
	requestedAt time.Time
}

// Unlinked is the resting state.
func Unlinked() LinkState { return LinkState{status: LinkStatusUnlinked} }

// LinkRequested records that the account asked to be linked at the given time.
func LinkRequested(at time.Time) LinkState {
	return LinkState{status: LinkStatusRequested, requestedAt: at.UTC()}
}

// Linked is the one-shot success notice.
func Linked() LinkState { return LinkState{status: LinkStatusLinked} }

// LinkFailed is the one-shot failure notice carrying a reason code.
func LinkFailed(reason string) LinkState {
	return LinkState{status: LinkStatusFailed, reason: reason}
}

func (s LinkState) Status() LinkStatus {
	if s.status == "" {
		return LinkStatusUnlinked
	}
	return s.status
}

func (s LinkState) Reason() string         { return s.reason }
func (s LinkState) RequestedAt() time.Time { return s.requestedAt }

func (s LinkState) IsUnlinked() bool  { return s.Status() == LinkStatusUnlinked }
func (s LinkState) IsRequested() bool { return s.Status() == LinkStatusRequested }
func (s LinkState) IsLinked() bool    { return s.Status() == LinkStatusLinked }
func (s LinkState) IsFailed() bool    { return s.Status() == LinkStatusFailed }

// IsNotice reports whether the state is a one-shot notice waiting to be shown.
func (s LinkState) IsNotice() bool { return s.IsLinked() || s.IsFailed() }

// Expired reports whether a pending request is older than ttl. A zero ttl
// never expires.
func (s LinkState) Expired(ttl time.Duration, now time.Time) bool {
	if !s.IsRequested() || ttl <= 0 || s.requestedAt.IsZero() {
		return false
	}
	return now.Sub(s.requestedAt) > ttl
}

func (s LinkState) String() string {
	if s.IsFailed() {
		return fmt.Sprintf("%s(%s)", s.Status(), s.reason)
	}
	return string(s.Status())
}

type linkStateWire struct {
	Status      LinkStatus `json:"status"`
	Reason      string     `json:"reason,omitempty"`
	RequestedAt *time.Time `json:"requested_at,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (s LinkState) MarshalJSON() ([]byte, error) {
	w := linkStateWire{Status: s.Status()}
	switch w.Status {
	case LinkStatusFailed:
		w.Reason = s.reason
	case LinkStatusRequested:
		if !s.requestedAt.IsZero() {
			at := s.requestedAt
			w.RequestedAt = &at
		}
	}
	return json.Marshal(w)
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *LinkState) UnmarshalJSON(data []byte) error {
	var w linkStateWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	switch w.Status {
	case LinkStatusUnlinked, "":
		*s = Unlinked()
	case LinkStatusRequested:
		var at time.Time
		if w.RequestedAt != nil {
			at = *w.RequestedAt
		}
		*s = LinkRequested(at)
	case LinkStatusLinked:
		*s = Linked()
	case LinkStatusFailed:
		*s = LinkFailed(w.Reason)
	default:
		return fmt.Errorf("unknown link status %q", w.Status)
	}
	return nil
}

// LinkStateStore persists LinkState as a single account attribute.
type LinkStateStore struct {
	store AccountStore
}

func NewLinkStateStore(store AccountStore) *LinkStateStore {
	return &LinkStateStore{store: store}
}

// Load returns Unlinked when the attribute is absent.
func (l *LinkStateStore) Load(ctx context.Context, accountID uuid.UUID) (LinkState, error) {
	raw, ok, err := l.store.GetAttribute(ctx, accountID, AttributeLinkState)
	if err != nil {
		return Unlinked(), err
	}
	if !ok || raw == "" {
		return Unlinked(), nil
	}
	var state LinkState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return Unlinked(), fmt.Errorf("decode link state: %w", err)
	}
	return state, nil
}

// Save writes the state. Unlinked removes the attribute.
func (l *LinkStateStore) Save(ctx context.Context, accountID uuid.UUID, state LinkState) error {
	if state.IsUnlinked() {
		return l.store.DeleteAttribute(ctx, accountID, AttributeLinkState)
	}
	raw, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return l.store.SetAttribute(ctx, accountID, AttributeLinkState, string(raw))
}
