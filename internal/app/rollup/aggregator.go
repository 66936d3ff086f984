package rollup

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/collabhq/activity/internal/app/event"
	"github.com/dustin/go-humanize"
)

type EventSource interface {
	ForSummary(ctx context.Context, summaryID string) ([]event.Event, error)
}

type NameResolver interface {
	NamesByID(ctx context.Context, ids []string) (map[string]string, error)
}

// Aggregator derives a rollup's display body from its events. Nothing is
// stored: the body is recomputed on every read.
type Aggregator struct {
	Summaries *Store
	Events    EventSource
	Names     NameResolver
	Now       func() time.Time
}

func NewAggregator(summaries *Store, events EventSource, names NameResolver) *Aggregator {
	return &Aggregator{
		Summaries: summaries,
		Events:    events,
		Names:     names,
		Now:       func() time.Time { return time.Now().UTC() },
	}
}

func (a *Aggregator) Body(ctx context.Context, summaryID string) (string, error) {
	ok, err := a.Summaries.Exists(ctx, summaryID)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrRollupNotFound
	}

	events, err := a.Events.ForSummary(ctx, summaryID)
	if err != nil {
		return "", err
	}

	names := map[string]string{}
	if ids := assigneeIDs(events); len(ids) > 0 {
		names, err = a.Names.NamesByID(ctx, ids)
		if err != nil {
			return "", err
		}
	}
	return Summarize(events, names, a.Now()), nil
}

func assigneeIDs(events []event.Event) []string {
	var ids []string
	seen := map[string]struct{}{}
	for _, e := range events {
		for _, id := range e.Particulars.AssigneeIDs() {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	return ids
}

// Summarize renders the rollup body: one sentence per recognized non-boost
// event in chronological order, then the boost tally. names maps assignee
// ids to display names.
func Summarize(events []event.Event, names map[string]string, now time.Time) string {
	ordered := make([]event.Event, len(events))
	copy(ordered, events)
	event.SortChronological(ordered)

	return squish(mainSummary(ordered, names, now) + " " + boostsSummary(ordered))
}

func mainSummary(events []event.Event, names map[string]string, now time.Time) string {
	var sentences []string
	for _, e := range events {
		if e.Action == event.ActionBoosted {
			continue
		}
		if s := summarize(e, names, now); s != "" {
			sentences = append(sentences, s)
		}
	}
	return strings.Join(sentences, " ")
}

func summarize(e event.Event, names map[string]string, now time.Time) string {
	switch e.Action {
	case event.ActionCreated:
		return fmt.Sprintf("Added by %s %s.", e.Particulars.CreatorName(), relativeTime(e.CreatedAt, now))
	case event.ActionAssigned:
		return fmt.Sprintf("Assigned to %s %s.", toSentence(assigneeNames(e, names)), relativeTime(e.CreatedAt, now))
	case event.ActionStaged:
		return fmt.Sprintf("%s moved this to '%s'.", e.Particulars.CreatorName(), e.Particulars.StageName())
	case event.ActionUnstaged:
		return fmt.Sprintf("%s removed this from '%s'.", e.Particulars.CreatorName(), e.Particulars.StageName())
	default:
		// Unrecognized kinds render nothing.
		return ""
	}
}

func boostsSummary(events []event.Event) string {
	var order []string
	counts := map[string]int{}
	names := map[string]string{}
	for _, e := range events {
		if e.Action != event.ActionBoosted {
			continue
		}
		if _, ok := counts[e.CreatorID]; !ok {
			order = append(order, e.CreatorID)
			names[e.CreatorID] = e.Particulars.CreatorName()
		}
		counts[e.CreatorID]++
	}
	if len(order) == 0 {
		return ""
	}

	parts := make([]string, 0, len(order))
	for _, creatorID := range order {
		parts = append(parts, fmt.Sprintf("%s +%d", names[creatorID], counts[creatorID]))
	}
	return toSentence(parts) + "."
}

func assigneeNames(e event.Event, names map[string]string) []string {
	ids := e.Particulars.AssigneeIDs()
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if name, ok := names[id]; ok && name != "" {
			out = append(out, name)
		} else {
			out = append(out, id)
		}
	}
	return out
}

func relativeTime(t, now time.Time) string {
	return humanize.RelTime(t, now, "ago", "from now")
}

// toSentence joins like prose: "A", "A and B", "A, B, and C".
func toSentence(items []string) string {
	switch len(items) {
	case 0:
		return ""
	case 1:
		return items[0]
	case 2:
		return items[0] + " and " + items[1]
	default:
		return strings.Join(items[:len(items)-1], ", ") + ", and " + items[len(items)-1]
	}
}

func squish(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
