// Package events fans execution events out to in-process subscribers.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/google/uuid"

	"github.com/rendis/conductor/internal/store"
)

// Topic carries every task and workflow event.
const Topic = "conductor.events"

// Bus is a non-persistent, in-process pub/sub of store events.
type Bus struct {
	pubsub *gochannel.GoChannel
	logger *slog.Logger
}

// NewBus creates a Bus. Publishing never blocks on slow subscribers.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	pubsub := gochannel.NewGoChannel(
		gochannel.Config{
			OutputChannelBuffer:            256,
			Persistent:                     false,
			BlockPublishUntilSubscriberAck: false,
		},
		watermill.NewSlogLogger(logger),
	)
	return &Bus{pubsub: pubsub, logger: logger}
}

// Publish sends event to every current subscriber.
func (b *Bus) Publish(_ context.Context, event *store.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	msg := message.NewMessage(uuid.NewString(), payload)
	msg.Metadata.Set("event_type", event.Type)
	msg.Metadata.Set("workflow_id", event.WorkflowID)
	msg.Metadata.Set("task_id", event.TaskID)
	msg.Metadata.Set("sequence", strconv.FormatInt(event.Sequence, 10))
	if err := b.pubsub.Publish(Topic, msg); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// Subscribe streams events until ctx is done or the bus is closed.
func (b *Bus) Subscribe(ctx context.Context) (<-chan *store.Event, error) {
	messages, err := b.pubsub.Subscribe(ctx, Topic)
	if err != nil {
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	out := make(chan *store.Event)
	go func() {
		defer close(out)
		for msg := range messages {
			var event store.Event
			if err := json.Unmarshal(msg.Payload, &event); err != nil {
				b.logger.Warn("dropping undecodable event", "message_uuid", msg.UUID, "error", err)
				msg.Ack()
				continue
			}
			msg.Ack()
			select {
			case out <- &event:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Close stops the bus and ends every subscription.
func (b *Bus) Close() error {
	return b.pubsub.Close()
}

// Recorder appends events to the store and then publishes them on the bus.
// A publish failure is logged, never returned: the log is the source of truth.
type Recorder struct {
	store  store.EventStore
	bus    *Bus
	logger *slog.Logger
}

// NewRecorder creates a Recorder; bus may be nil to only persist.
func NewRecorder(s store.EventStore, bus *Bus, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: s, bus: bus, logger: logger}
}

func (r *Recorder) AppendEvent(ctx context.Context, event *store.Event) error {
	if err := r.store.AppendEvent(ctx, event); err != nil {
		return err
	}
	if r.bus == nil {
		return nil
	}
	if err := r.bus.Publish(ctx, event); err != nil {
		r.logger.WarnContext(ctx, "event publish failed",
			"workflow_id", event.WorkflowID, "event_type", event.Type, "error", err)
	}
	return nil
}

// GetEvents reads the persisted log.
func (r *Recorder) GetEvents(ctx context.Context, workflowID string, since int64) ([]*store.Event, error) {
	return r.store.GetEvents(ctx, workflowID, since)
}
