package activitymap_test

import (
	"context"
	"testing"
	"time"

	sso "github.com/goliatone/go-sso"
	"github.com/goliatone/go-sso/activitymap"
)

func TestNormalizeDefaults(t *testing.T) {
	t.Parallel()

	ts := time.Date(2026, 1, 10, 9, 30, 0, 0, time.UTC)
	event := sso.ActivityEvent{
		EventType:  sso.ActivityEventAccountLinked,
		AccountID:  "acc-100",
		ExternalID: "live.com#jane@example.com",
		Metadata: map[string]any{
			"content_moved": int64(3),
		},
		OccurredAt: ts,
	}

	out := activitymap.Normalize(event)

	if out.ActorID != "acc-100" {
		t.Fatalf("expected actor_id acc-100, got %q", out.ActorID)
	}
	if out.Verb != string(sso.ActivityEventAccountLinked) {
		t.Fatalf("expected verb %q, got %q", sso.ActivityEventAccountLinked, out.Verb)
	}
	if out.ObjectType != "account" {
		t.Fatalf("expected object_type account, got %q", out.ObjectType)
	}
	if out.ObjectID != "acc-100" {
		t.Fatalf("expected object_id acc-100, got %q", out.ObjectID)
	}
	if out.Channel != "sso" {
		t.Fatalf("expected channel sso, got %q", out.Channel)
	}
	if !out.OccurredAt.Equal(ts) {
		t.Fatalf("expected occurred_at %v, got %v", ts, out.OccurredAt)
	}

	if out.Metadata["content_moved"] != int64(3) {
		t.Fatalf("expected metadata content_moved 3, got %#v", out.Metadata["content_moved"])
	}
	if out.Metadata[activitymap.MetadataKeyExternalID] != "live.com#jane@example.com" {
		t.Fatalf("expected metadata external_id, got %#v", out.Metadata[activitymap.MetadataKeyExternalID])
	}
	if _, ok := out.Metadata[activitymap.MetadataKeyReason]; ok {
		t.Fatalf("expected no reason on success events")
	}

	if len(event.Metadata) != 1 {
		t.Fatalf("expected source metadata to remain unchanged, got %+v", event.Metadata)
	}
}

func TestNormalizeFailureCarriesReason(t *testing.T) {
	t.Parallel()

	out := activitymap.Normalize(sso.ActivityEvent{
		EventType: sso.ActivityEventLoginFailure,
		Reason:    sso.TextCodeNonceMismatch,
	})

	if out.ActorID != "anonymous" {
		t.Fatalf("expected anonymous actor, got %q", out.ActorID)
	}
	if out.ObjectID != "" {
		t.Fatalf("expected empty object_id, got %q", out.ObjectID)
	}
	if out.Metadata[activitymap.MetadataKeyReason] != sso.TextCodeNonceMismatch {
		t.Fatalf("expected reason nonce_fail, got %#v", out.Metadata[activitymap.MetadataKeyReason])
	}
	if out.OccurredAt.IsZero() {
		t.Fatalf("expected occurred_at to be set when input is zero")
	}
}

func TestNormalizeOptionOverrides(t *testing.T) {
	t.Parallel()

	event := sso.ActivityEvent{
		EventType:  sso.ActivityEventContentReassignErr,
		AccountID:  "acc-200",
		ExternalID: "ext-1",
		Metadata: map[string]any{
			"source_id":                       "acc-201",
			activitymap.MetadataKeyExternalID: "existing",
		},
	}

	out := activitymap.Normalize(
		event,
		activitymap.WithDefaultChannel("audit"),
		activitymap.WithDefaultObjectType("merge"),
		activitymap.WithObjectIDResolver(func(e sso.ActivityEvent) string {
			if v, ok := e.Metadata["source_id"].(string); ok {
				return v
			}
			return ""
		}),
	)

	if out.Channel != "audit" {
		t.Fatalf("expected channel audit, got %q", out.Channel)
	}
	if out.ObjectType != "merge" {
		t.Fatalf("expected object_type merge, got %q", out.ObjectType)
	}
	if out.ObjectID != "acc-201" {
		t.Fatalf("expected object_id acc-201, got %q", out.ObjectID)
	}
	if out.Metadata[activitymap.MetadataKeyExternalID] != "existing" {
		t.Fatalf("expected existing external_id preserved, got %#v", out.Metadata[activitymap.MetadataKeyExternalID])
	}
}

func TestNormalizeActorFallbackChain(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		event  sso.ActivityEvent
		opts   []activitymap.Option
		expect string
	}{
		{
			name:   "uses account id when present",
			event:  sso.ActivityEvent{AccountID: "acc-1"},
			expect: "acc-1",
		},
		{
			name:   "uses default fallback when account missing",
			event:  sso.ActivityEvent{},
			expect: "anonymous",
		},
		{
			name:   "uses configured fallback when account missing",
			event:  sso.ActivityEvent{},
			opts:   []activitymap.Option{activitymap.WithActorFallback("provider")},
			expect: "provider",
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			out := activitymap.Normalize(tc.event, tc.opts...)
			if out.ActorID != tc.expect {
				t.Fatalf("expected actor_id %q, got %q", tc.expect, out.ActorID)
			}
		})
	}
}

func TestSinkEmitsNormalizedRecords(t *testing.T) {
	t.Parallel()

	var got []activitymap.Normalized
	sink := activitymap.Sink(func(_ context.Context, record activitymap.Normalized) error {
		got = append(got, record)
		return nil
	}, activitymap.WithDefaultChannel("login"))

	err := sink.Record(context.Background(), sso.ActivityEvent{
		EventType: sso.ActivityEventLinkRequested,
		AccountID: "acc-3",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected one record, got %d", len(got))
	}
	if got[0].Channel != "login" || got[0].Verb != string(sso.ActivityEventLinkRequested) {
		t.Fatalf("unexpected record %+v", got[0])
	}
}
