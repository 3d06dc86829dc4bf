package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/rendis/conductor/internal/logging"
	"github.com/rendis/conductor/internal/queue"
	"github.com/rendis/conductor/internal/store"
	"github.com/rendis/conductor/internal/systask"
	"github.com/rendis/conductor/pkg/schema"
)

// EventPublisher broadcasts events that have no workflow to be logged under.
// Satisfied by *events.Bus.
type EventPublisher interface {
	Publish(ctx context.Context, event *store.Event) error
}

// CoordinatorConfig tunes the system task coordinator.
type CoordinatorConfig struct {
	// PollInterval is how often every async system task queue is polled.
	PollInterval time.Duration
	// BatchSize caps the messages popped per queue and tick.
	BatchSize int
	// UnackTimeout is the lease the queue grants; renewals extend it by this much.
	UnackTimeout time.Duration
	// LeaseInitialDelay and LeaseUpdateDelay schedule lease renewals of a
	// running execution. Values outside (0, UnackTimeout) fall back to half the lease.
	LeaseInitialDelay time.Duration
	LeaseUpdateDelay  time.Duration
}

func (c CoordinatorConfig) withDefaults() CoordinatorConfig {
	if c.PollInterval <= 0 {
		c.PollInterval = 100 * time.Millisecond
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.UnackTimeout <= 0 {
		c.UnackTimeout = 60 * time.Second
	}
	return c
}

// Coordinator polls the queues of async system tasks and runs each message
// through the executor on a bounded worker pool.
type Coordinator struct {
	executor  Executor
	queue     queue.Queue
	registry  *systask.Registry
	pool      *WorkerPool
	breakers  *CircuitBreakerRegistry
	publisher EventPublisher
	config    CoordinatorConfig
	logger    *slog.Logger

	wg sync.WaitGroup
}

// NewCoordinator wires a coordinator. publisher may be nil.
func NewCoordinator(exec Executor, q queue.Queue, registry *systask.Registry, pool *WorkerPool,
	breakers *CircuitBreakerRegistry, publisher EventPublisher, cfg CoordinatorConfig, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if breakers == nil {
		breakers = NewCircuitBreakerRegistry(DefaultCircuitBreakerConfig())
	}
	c := &Coordinator{
		executor:  exec,
		queue:     q,
		registry:  registry,
		pool:      pool,
		breakers:  breakers,
		publisher: publisher,
		config:    cfg.withDefaults(),
		logger:    logger.With("component", "coordinator"),
	}
	breakers.OnStateChange(c.breakerChanged)
	return c
}

// Run polls until ctx is cancelled, then waits for in-flight executions.
func (c *Coordinator) Run(ctx context.Context) error {
	types := c.registry.AsyncTypes()
	c.logger.InfoContext(ctx, "system task coordinator started", "types", types,
		"interval", c.config.PollInterval, "batch_size", c.config.BatchSize)

	ticker := time.NewTicker(c.config.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.wg.Wait()
			c.logger.Info("system task coordinator stopped")
			return nil
		case <-ticker.C:
			c.PollOnce(ctx)
		}
	}
}

// PollOnce pops one batch from every async system task queue whose breaker
// allows it and submits the messages to the pool. It returns how many were submitted.
func (c *Coordinator) PollOnce(ctx context.Context) int {
	submitted := 0
	for _, taskType := range c.registry.AsyncTypes() {
		st, ok := c.registry.Get(taskType)
		if !ok {
			continue
		}
		if err := c.breakers.AllowRequest(taskType); err != nil {
			c.logger.DebugContext(ctx, "skipping queue", "type", taskType, "error", err)
			continue
		}
		n := min(c.config.BatchSize, c.pool.Available())
		if n == 0 {
			return submitted
		}
		ids, err := c.queue.Pop(ctx, taskType, n, 0)
		if err != nil {
			c.logger.WarnContext(ctx, "poll system task queue", "type", taskType, "error", err)
			continue
		}
		for _, id := range ids {
			if err := c.submit(ctx, st, id); err != nil {
				// The message stays leased and comes back once the lease expires.
				c.logger.WarnContext(ctx, "submit system task", "type", taskType, "task_id", id, "error", err)
				continue
			}
			submitted++
		}
	}
	return submitted
}

func (c *Coordinator) submit(ctx context.Context, st systask.SystemTask, taskID string) error {
	c.wg.Add(1)
	err := c.pool.Submit(ctx, st.Type(), func(ctx context.Context) error {
		defer c.wg.Done()
		return c.execute(ctx, st, taskID)
	})
	if err != nil {
		c.wg.Done()
	}
	return err
}

// execute runs one message with its lease kept alive, and feeds the outcome
// to the type's breaker.
func (c *Coordinator) execute(ctx context.Context, st systask.SystemTask, taskID string) error {
	ctx = logging.WithTaskID(ctx, taskID)
	err := c.leased(ctx, st, taskID)

	switch {
	case err == nil:
		c.breakers.RecordSuccess(st.Type())
	case schema.IsConflict(err):
		// Lost a race with another writer; the message is retried, nothing is broken.
		c.logger.DebugContext(ctx, "system task conflict", "type", st.Type(), "error", err)
	default:
		c.breakers.RecordFailure(st.Type())
		c.logger.WarnContext(ctx, "system task execution failed", "type", st.Type(), "error", err)
	}
	return err
}

// leased holds the message's lease for the duration of the call. The renewer
// stops however the call returns, a panic included, so an abandoned message
// expires and is redelivered.
func (c *Coordinator) leased(ctx context.Context, st systask.SystemTask, taskID string) error {
	stop := renewLease(ctx, c.queue, st.Type(), taskID, c.config, c.logger)
	defer stop()
	return c.executor.ExecuteSystemTask(ctx, st, taskID)
}

func (c *Coordinator) breakerChanged(taskType string, from, to CircuitState) {
	c.logger.Warn("circuit breaker state changed", "type", taskType, "from", from.String(), "to", to.String())
	if c.publisher == nil {
		return
	}
	payload, _ := json.Marshal(map[string]string{"taskType": taskType, "from": from.String(), "to": to.String()})
	event := &store.Event{Type: to.EventType(), Payload: payload, Timestamp: time.Now().UTC()}
	if err := c.publisher.Publish(context.Background(), event); err != nil {
		c.logger.Warn("publish circuit breaker event", "error", err)
	}
}

// renewLease extends the lease of a message while its execution runs. The
// returned func stops renewing and waits for the renewer to exit.
func renewLease(ctx context.Context, q queue.Queue, queueName, id string, cfg CoordinatorConfig, logger *slog.Logger) func() {
	initial, update := leaseDelays(cfg.UnackTimeout, cfg.LeaseInitialDelay, cfg.LeaseUpdateDelay)
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		timer := time.NewTimer(initial)
		defer timer.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-timer.C:
			}
			ok, err := q.SetUnackTimeout(ctx, queueName, id, cfg.UnackTimeout)
			if err != nil {
				logger.WarnContext(ctx, "renew lease", "queue", queueName, "task_id", id, "error", err)
			} else if !ok {
				// Acked, removed or requeued by the execution itself.
				return
			}
			timer.Reset(update)
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

// leaseDelays keeps both renewal delays strictly inside the lease.
func leaseDelays(unack, initial, update time.Duration) (time.Duration, time.Duration) {
	half := unack / 2
	if half <= 0 {
		half = time.Millisecond
	}
	if initial <= 0 || initial >= unack {
		initial = half
	}
	if update <= 0 || update >= unack {
		update = half
	}
	return initial, update
}
