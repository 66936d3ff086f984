package event

import (
	"sort"
	"time"
)

// Action is the kind of fact recorded against a bubble. The set is closed:
// appending an unknown action is a validation error, but reading one back
// (written by a newer deployment) is tolerated and rendered as nothing.
type Action string

const (
	ActionCreated   Action = "created"
	ActionAssigned  Action = "assigned"
	ActionStaged    Action = "staged"
	ActionUnstaged  Action = "unstaged"
	ActionBoosted   Action = "boosted"
	ActionPostponed Action = "postponed"
	ActionResumed   Action = "resumed"
)

var knownActions = map[Action]struct{}{
	ActionCreated:   {},
	ActionAssigned:  {},
	ActionStaged:    {},
	ActionUnstaged:  {},
	ActionBoosted:   {},
	ActionPostponed: {},
	ActionResumed:   {},
}

func (a Action) Known() bool {
	_, ok := knownActions[a]
	return ok
}

// Particulars is the open, action-specific payload carried by an event.
// It always contains creator_name, snapshotted when the event is recorded
// so rollup bodies survive later renames.
type Particulars map[string]any

const (
	ParticularCreatorName = "creator_name"
	ParticularAssigneeIDs = "assignee_ids"
	ParticularStageName   = "stage_name"
)

func (p Particulars) CreatorName() string {
	s, _ := p[ParticularCreatorName].(string)
	return s
}

func (p Particulars) StageName() string {
	s, _ := p[ParticularStageName].(string)
	return s
}

// AssigneeIDs tolerates both []string (freshly recorded) and []any
// (round-tripped through JSONB).
func (p Particulars) AssigneeIDs() []string {
	switch v := p[ParticularAssigneeIDs].(type) {
	case []string:
		return v
	case []any:
		ids := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				ids = append(ids, s)
			}
		}
		return ids
	default:
		return nil
	}
}

// Event is an immutable fact. No operation in this package, or anywhere
// else in the module, mutates a persisted event.
type Event struct {
	ID          int64       `json:"id"`
	BubbleID    string      `json:"bubble_id"`
	SummaryID   string      `json:"summary_id"`
	CreatorID   string      `json:"creator_id"`
	Action      Action      `json:"action"`
	Particulars Particulars `json:"particulars"`
	CreatedAt   time.Time   `json:"created_at"`
}

// Before reports whether a sorts ahead of b in chronological order:
// created_at ascending, ties broken by newest id first.
func Before(a, b Event) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID > b.ID
}

// SortChronological sorts in place using the same order the store reads in.
func SortChronological(events []Event) {
	sort.SliceStable(events, func(i, j int) bool {
		return Before(events[i], events[j])
	})
}
