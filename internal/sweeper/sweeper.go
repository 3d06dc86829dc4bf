// Package sweeper drives the decide loop from outside the request path: a
// periodic sweep over every running workflow plus a decide for each event that
// may let a workflow advance.
package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/rendis/conductor/internal/logging"
	"github.com/rendis/conductor/internal/store"
	"github.com/rendis/conductor/pkg/schema"
)

const (
	// DefaultInterval is the time between two periodic sweeps.
	DefaultInterval = 30 * time.Second
	// DefaultConcurrency bounds the decides running in parallel within one sweep.
	DefaultConcurrency = 8
)

// Decider is the engine entry point the sweeper calls. Satisfied by engine.Executor.
type Decider interface {
	Decide(ctx context.Context, workflowID string) error
}

// WorkflowLister lists the workflows a sweep visits. Satisfied by store.ExecutionStore.
type WorkflowLister interface {
	GetRunningWorkflowIDs(ctx context.Context, workflowName string) ([]string, error)
}

// UnackProcessor restores expired leases. Satisfied by queue.Queue.
type UnackProcessor interface {
	QueuesDetail(ctx context.Context) (map[string]int64, error)
	ProcessUnacks(ctx context.Context, queueName string) (int, error)
}

// Subscriber streams execution events. Satisfied by *events.Bus.
type Subscriber interface {
	Subscribe(ctx context.Context) (<-chan *store.Event, error)
}

// Config tunes a Sweeper.
type Config struct {
	Interval    time.Duration
	Concurrency int
	// WorkflowName restricts sweeps to one definition; empty sweeps all.
	WorkflowName string
}

// triggers are the event types after which a workflow may have work to do.
var triggers = map[string]struct{}{
	schema.EventTaskCompleted:   {},
	schema.EventTaskFailed:      {},
	schema.EventTaskTimedOut:    {},
	schema.EventTaskCanceled:    {},
	schema.EventTaskSkipped:     {},
	schema.EventWorkflowResumed: {},
	schema.EventWorkflowRewound: {},
	schema.EventWorkflowStarted: {},
	schema.EventTaskRedelivery:  {},
}

// Sweeper periodically decides every running workflow and decides on demand
// when a triggering event arrives. A workflow is never decided twice at once
// by the same Sweeper.
type Sweeper struct {
	decider Decider
	lister  WorkflowLister
	queues  UnackProcessor
	cfg     Config
	logger  *slog.Logger

	mu     sync.Mutex
	cron   *cron.Cron
	cancel context.CancelFunc
	done   chan struct{}

	inflightMu sync.Mutex
	inflight   map[string]struct{} // workflow IDs currently being decided
}

// New creates a Sweeper. queues may be nil when lease recovery is handled elsewhere.
func New(decider Decider, lister WorkflowLister, queues UnackProcessor, cfg Config, logger *slog.Logger) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		decider:  decider,
		lister:   lister,
		queues:   queues,
		cfg:      cfg,
		logger:   logger,
		inflight: make(map[string]struct{}),
	}
}

// Start schedules the periodic sweep and, when sub is non-nil, decides on
// every triggering event it delivers. The first sweep runs immediately.
func (s *Sweeper) Start(ctx context.Context, sub Subscriber) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		return fmt.Errorf("sweeper already started")
	}

	sweepCtx, cancel := context.WithCancel(ctx)
	var eventsCh <-chan *store.Event
	if sub != nil {
		ch, err := sub.Subscribe(sweepCtx)
		if err != nil {
			cancel()
			return fmt.Errorf("subscribe to events: %w", err)
		}
		eventsCh = ch
	}

	c := cron.New()
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", s.cfg.Interval), func() {
		if _, err := s.Sweep(sweepCtx); err != nil {
			s.logger.Error("sweep failed", slog.String("error", err.Error()))
		}
	}); err != nil {
		cancel()
		return fmt.Errorf("schedule sweep: %w", err)
	}

	s.cron = c
	s.cancel = cancel
	s.done = make(chan struct{})
	c.Start()
	go s.loop(sweepCtx, eventsCh)

	s.logger.Info("sweeper started", slog.Duration("interval", s.cfg.Interval))
	return nil
}

func (s *Sweeper) loop(ctx context.Context, eventsCh <-chan *store.Event) {
	defer close(s.done)

	if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("initial sweep failed", slog.String("error", err.Error()))
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-eventsCh:
			if !ok {
				eventsCh = nil
				continue
			}
			s.HandleEvent(ctx, event)
		}
	}
}

// Stop cancels the event loop and waits for a running sweep to finish.
func (s *Sweeper) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.cron.Stop().Done()
	<-s.done
	s.cancel = nil
	s.cron = nil
	s.done = nil

	s.logger.Info("sweeper stopped")
	return nil
}

// Sweep restores expired leases and decides every running workflow once,
// returning how many workflows were decided.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	s.processUnacks(ctx)

	ids, err := s.lister.GetRunningWorkflowIDs(ctx, s.cfg.WorkflowName)
	if err != nil {
		return 0, fmt.Errorf("list running workflows: %w", err)
	}

	var (
		decidedMu sync.Mutex
		decided   int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for _, id := range ids {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if s.decideOne(gctx, id) {
				decidedMu.Lock()
				decided++
				decidedMu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if decided > 0 {
		s.logger.Debug("sweep finished", slog.Int("running", len(ids)), slog.Int("decided", decided))
	}
	return decided, ctx.Err()
}

// HandleEvent decides the event's workflow when the event type can unblock it.
func (s *Sweeper) HandleEvent(ctx context.Context, event *store.Event) {
	if event == nil || event.WorkflowID == "" {
		return
	}
	if _, ok := triggers[event.Type]; !ok {
		return
	}
	s.decideOne(ctx, event.WorkflowID)
}

// decideOne reports whether a decide ran; a failed decide is logged and
// retried by the next sweep.
func (s *Sweeper) decideOne(ctx context.Context, workflowID string) bool {
	if !s.tryAcquire(workflowID) {
		return false
	}
	defer s.release(workflowID)

	ctx = logging.WithWorkflowID(ctx, workflowID)
	if err := s.decider.Decide(ctx, workflowID); err != nil {
		level := slog.LevelError
		if schema.HasCode(err, schema.ErrCodeConflict) || schema.HasCode(err, schema.ErrCodeNotFound) {
			level = slog.LevelWarn
		}
		s.logger.Log(ctx, level, "decide failed",
			slog.String("workflow_id", workflowID),
			slog.String("error", err.Error()),
		)
	}
	return true
}

func (s *Sweeper) processUnacks(ctx context.Context) {
	if s.queues == nil {
		return
	}
	detail, err := s.queues.QueuesDetail(ctx)
	if err != nil {
		s.logger.Error("failed to list queues", slog.String("error", err.Error()))
		return
	}
	for name := range detail {
		n, err := s.queues.ProcessUnacks(ctx, name)
		if err != nil {
			s.logger.Error("failed to process unacks",
				slog.String("queue", name),
				slog.String("error", err.Error()),
			)
			continue
		}
		if n > 0 {
			s.logger.Info("restored expired leases", slog.String("queue", name), slog.Int("count", n))
		}
	}
}

// tryAcquire returns true and marks the workflow as in-flight if no decide is running for it.
func (s *Sweeper) tryAcquire(workflowID string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[workflowID]; ok {
		return false
	}
	s.inflight[workflowID] = struct{}{}
	return true
}

func (s *Sweeper) release(workflowID string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, workflowID)
}
