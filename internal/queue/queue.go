// Package queue implements the lease queue workers and the system task
// coordinator poll against: named priority queues with delayed delivery and
// an invisibility ("unack") window for popped messages.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/sethvargo/go-retry"
)

// MaxPriority is the highest accepted priority; values are clamped to [0, MaxPriority].
const MaxPriority = 99

// Queue is the lease queue contract. Every operation is scoped to a named
// queue (one per task type). Delivery is at-least-once: a popped message that
// is neither acked nor renewed before its lease expires becomes visible again.
type Queue interface {
	// Push enqueues id, replacing any existing copy of it.
	Push(ctx context.Context, queueName, id string, delay time.Duration, priority int) error
	// PushIfNotExists enqueues id unless it is already present (visible, delayed or leased).
	PushIfNotExists(ctx context.Context, queueName, id string, delay time.Duration, priority int) (bool, error)
	// Pop leases up to count visible messages, highest priority first and FIFO
	// within a priority, waiting up to timeout for at least one.
	Pop(ctx context.Context, queueName string, count int, timeout time.Duration) ([]string, error)
	// Ack permanently removes a leased message.
	Ack(ctx context.Context, queueName, id string) (bool, error)
	// Unack makes a leased message visible again immediately.
	Unack(ctx context.Context, queueName, id string) (bool, error)
	// SetUnackTimeout moves the lease expiry of a leased message to now+timeout.
	SetUnackTimeout(ctx context.Context, queueName, id string, timeout time.Duration) (bool, error)
	Remove(ctx context.Context, queueName, id string) error
	Exists(ctx context.Context, queueName, id string) (bool, error)
	// Size counts messages that are not leased (visible or delayed).
	Size(ctx context.Context, queueName string) (int64, error)
	// QueuesDetail returns Size for every queue ever pushed to.
	QueuesDetail(ctx context.Context) (map[string]int64, error)
	// ProcessUnacks restores every message whose lease has expired and returns how many.
	ProcessUnacks(ctx context.Context, queueName string) (int, error)
	Flush(ctx context.Context, queueName string) error
}

// Options tunes a queue implementation.
type Options struct {
	// UnackTimeout is the lease granted to popped messages.
	UnackTimeout time.Duration
	// PollInterval is how often a blocking Pop re-checks an empty queue.
	PollInterval time.Duration
	// Now overrides the clock, for tests.
	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.UnackTimeout <= 0 {
		o.UnackTimeout = 60 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 20 * time.Millisecond
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

func clampPriority(p int) int {
	if p < 0 {
		return 0
	}
	if p > MaxPriority {
		return MaxPriority
	}
	return p
}

var errQueueEmpty = errors.New("queue empty")

// waitForMessages calls popOnce until it yields messages or timeout elapses.
func waitForMessages(ctx context.Context, timeout, interval time.Duration, popOnce func(context.Context) ([]string, error)) ([]string, error) {
	ids, err := popOnce(ctx)
	if err != nil || len(ids) > 0 || timeout <= 0 {
		return ids, err
	}

	backoff := retry.WithMaxDuration(timeout, retry.NewConstant(interval))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		var popErr error
		ids, popErr = popOnce(ctx)
		if popErr != nil {
			return popErr
		}
		if len(ids) == 0 {
			return retry.RetryableError(errQueueEmpty)
		}
		return nil
	})
	if errors.Is(err, errQueueEmpty) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return ids, nil
}
