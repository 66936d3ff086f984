package messaging

import (
	"errors"

	"github.com/nats-io/nats.go"
)

const (
	// DispatchStream buffers deferred notification-generation jobs.
	DispatchStream = "DISPATCH"

	// DispatchSubjectPrefix is completed with the bubble ID so redeliveries
	// for one bubble can be inspected in isolation.
	DispatchSubjectPrefix = "activity.notify."

	// DispatchSubjectWildcard is what the notify worker subscribes to.
	DispatchSubjectWildcard = "activity.notify.>"
)

// DispatchSubject returns the subject a bubble's dispatch jobs are published on.
func DispatchSubject(bubbleID string) string {
	return DispatchSubjectPrefix + bubbleID
}

// EnsureStreams creates (or validates) the dispatch stream. Jobs are kept on
// disk so a worker restart never loses an enqueued generation.
func EnsureStreams(js nats.JetStreamContext) error {
	if _, err := js.StreamInfo(DispatchStream); err != nil {
		if errors.Is(err, nats.ErrStreamNotFound) {
			if _, addErr := js.AddStream(&nats.StreamConfig{
				Name:      DispatchStream,
				Subjects:  []string{DispatchSubjectWildcard},
				Retention: nats.WorkQueuePolicy,
				Storage:   nats.FileStorage,
				Replicas:  1,
			}); addErr != nil {
				return addErr
			}
		} else {
			return err
		}
	}
	return nil
}
