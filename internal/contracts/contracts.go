package contracts

import "time"

// DispatchJob is the deferred notification-generation message published by
// the API and consumed by the notify worker. The worker reloads the event
// by ID, so redeliveries always see the committed fact.
type DispatchJob struct {
	EventID    int64     `json:"event_id"`
	BubbleID   string    `json:"bubble_id"`
	Action     string    `json:"action"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}
