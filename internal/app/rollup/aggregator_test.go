package rollup

import (
	"testing"
	"time"

	"github.com/collabhq/activity/internal/app/event"
)

func TestSummarize_CreatedWithBoosts(t *testing.T) {
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	events := []event.Event{
		{
			ID:          1,
			Action:      event.ActionCreated,
			CreatorID:   "u-alice",
			Particulars: event.Particulars{event.ParticularCreatorName: "Alice"},
			CreatedAt:   now.Add(-5 * time.Minute),
		},
		{
			ID:          2,
			Action:      event.ActionBoosted,
			CreatorID:   "u-bob",
			Particulars: event.Particulars{event.ParticularCreatorName: "Bob"},
			CreatedAt:   now.Add(-4 * time.Minute),
		},
		{
			ID:          3,
			Action:      event.ActionBoosted,
			CreatorID:   "u-bob",
			Particulars: event.Particulars{event.ParticularCreatorName: "Bob"},
			CreatedAt:   now.Add(-3 * time.Minute),
		},
	}

	got := Summarize(events, nil, now)
	want := "Added by Alice 5 minutes ago. Bob +2."
	if got != want {
		t.Fatalf("body mismatch:\n got %q\nwant %q", got, want)
	}
}

func TestSummarize_StagedWithoutBoosts(t *testing.T) {
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	events := []event.Event{
		{
			ID:        1,
			Action:    event.ActionStaged,
			CreatorID: "u-carl",
			Particulars: event.Particulars{
				event.ParticularCreatorName: "Carl",
				event.ParticularStageName:   "Review",
			},
			CreatedAt: now.Add(-time.Hour),
		},
	}

	got := Summarize(events, nil, now)
	want := "Carl moved this to 'Review'."
	if got != want {
		t.Fatalf("body mismatch:\n got %q\nwant %q", got, want)
	}
}

func TestSummarize_AssignedUsesResolvedNames(t *testing.T) {
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	events := []event.Event{
		{
			ID:        1,
			Action:    event.ActionAssigned,
			CreatorID: "u-alice",
			Particulars: event.Particulars{
				event.ParticularCreatorName: "Alice",
				event.ParticularAssigneeIDs: []any{"u-kevin", "u-maria"},
			},
			CreatedAt: now.Add(-10 * time.Minute),
		},
	}
	names := map[string]string{"u-kevin": "Kevin", "u-maria": "Maria"}

	got := Summarize(events, names, now)
	want := "Assigned to Kevin and Maria 10 minutes ago."
	if got != want {
		t.Fatalf("body mismatch:\n got %q\nwant %q", got, want)
	}
}

func TestSummarize_SkipsUnrecognizedActions(t *testing.T) {
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	events := []event.Event{
		{
			ID:          1,
			Action:      event.ActionPostponed,
			CreatorID:   "u-alice",
			Particulars: event.Particulars{event.ParticularCreatorName: "Alice"},
			CreatedAt:   now.Add(-time.Minute),
		},
		{
			ID:        2,
			Action:    event.ActionUnstaged,
			CreatorID: "u-alice",
			Particulars: event.Particulars{
				event.ParticularCreatorName: "Alice",
				event.ParticularStageName:   "Doing",
			},
			CreatedAt: now,
		},
	}

	got := Summarize(events, nil, now)
	want := "Alice removed this from 'Doing'."
	if got != want {
		t.Fatalf("body mismatch:\n got %q\nwant %q", got, want)
	}
}

func TestSummarize_RendersInChronologicalOrder(t *testing.T) {
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	staged := event.Event{
		ID:        2,
		Action:    event.ActionStaged,
		CreatorID: "u-alice",
		Particulars: event.Particulars{
			event.ParticularCreatorName: "Alice",
			event.ParticularStageName:   "Doing",
		},
		CreatedAt: now.Add(-time.Minute),
	}
	created := event.Event{
		ID:          1,
		Action:      event.ActionCreated,
		CreatorID:   "u-alice",
		Particulars: event.Particulars{event.ParticularCreatorName: "Alice"},
		CreatedAt:   now.Add(-3 * time.Minute),
	}

	got := Summarize([]event.Event{staged, created}, nil, now)
	want := "Added by Alice 3 minutes ago. Alice moved this to 'Doing'."
	if got != want {
		t.Fatalf("body mismatch:\n got %q\nwant %q", got, want)
	}
}

func TestSummarize_Empty(t *testing.T) {
	if got := Summarize(nil, nil, time.Now()); got != "" {
		t.Fatalf("expected empty body, got %q", got)
	}
}

func TestToSentence(t *testing.T) {
	cases := []struct {
		items []string
		want  string
	}{
		{nil, ""},
		{[]string{"Alice"}, "Alice"},
		{[]string{"Alice", "Bob"}, "Alice and Bob"},
		{[]string{"Alice", "Bob", "Carl"}, "Alice, Bob, and Carl"},
	}
	for _, tc := range cases {
		if got := toSentence(tc.items); got != tc.want {
			t.Fatalf("toSentence(%v) = %q, want %q", tc.items, got, tc.want)
		}
	}
}

func TestSquish(t *testing.T) {
	if got := squish("  a  b \n c  "); got != "a b c" {
		t.Fatalf("unexpected squish result: %q", got)
	}
}
