// Package pubsub is the per-job notification bus. Delivery is
// best-effort and at-most-once per subscriber: there is no replay, a
// subscriber that attaches after an event misses it. The stream service
// compensates by always sending the current store state on attach.
package pubsub

import (
	"context"

	"github.com/waveloc/api/internal/model"
)

// Bus publishes and subscribes job status events on per-job channels.
// Publish must never block a state transition; failures are advisory.
type Bus interface {
	Publish(ctx context.Context, event model.Event) error

	// Subscribe returns a channel of events for the job and a release
	// function. The channel is closed when the subscription ends.
	Subscribe(ctx context.Context, jobID string) (<-chan model.Event, func(), error)
}
