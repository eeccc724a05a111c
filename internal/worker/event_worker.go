package worker

import (
	"context"

	"github.com/spec-kit/referral-service/internal/events"
)

// StartEventWorker forwards every dispatched event to publisher through the pool.
// Handlers only enqueue, so request paths never wait on the broker.
func StartEventWorker(dispatcher events.Dispatcher, pool *Pool, publisher events.Publisher) {
	if dispatcher == nil || pool == nil || publisher == nil {
		return
	}
	dispatcher.SubscribeAll(func(_ context.Context, event events.Event) error {
		return pool.Submit(Job{
			Name: string(event.Type) + ":" + event.ID,
			Run: func(ctx context.Context) error {
				return publisher.Publish(ctx, event)
			},
		})
	})
}
