package ws

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/peagen-io/peagen/internal/queue"
)

// Bridge pumps task update events from the queue's pub/sub channel into
// the hub. Running the fan-out through the queue means every gateway
// replica sees every event, not only the one that recorded the revision.
type Bridge struct {
	hub    *Hub
	queue  queue.Queue
	logger *slog.Logger
}

// NewBridge wires a hub to a queue backend.
func NewBridge(hub *Hub, q queue.Queue, logger *slog.Logger) *Bridge {
	return &Bridge{hub: hub, queue: q, logger: logger}
}

// Run subscribes to the task update channel and broadcasts until ctx is
// cancelled or the subscription closes.
func (b *Bridge) Run(ctx context.Context) error {
	msgs, err := b.queue.Subscribe(ctx, queue.TaskUpdateChannel)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			var e Event
			if err := json.Unmarshal(msg, &e); err != nil {
				b.logger.Warn("dropping malformed task update", "error", err)
				continue
			}
			b.hub.Broadcast(e)
		}
	}
}
