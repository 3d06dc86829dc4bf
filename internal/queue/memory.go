package queue

import (
	"context"
	"sort"
	"sync"
	"time"
)

type messageState int

const (
	stateReady messageState = iota
	stateLeased
)

type message struct {
	id       string
	priority int
	// seq orders messages FIFO within a priority; it is refreshed whenever the
	// message re-enters the ready set.
	seq       uint64
	state     messageState
	visibleAt time.Time
}

type memQueue struct {
	messages map[string]*message
}

// MemoryQueue is a single-process Queue for embedded deployments and tests.
type MemoryQueue struct {
	mu     sync.Mutex
	opts   Options
	queues map[string]*memQueue
	seq    uint64
}

var _ Queue = (*MemoryQueue)(nil)

// NewMemoryQueue creates an empty in-process queue.
func NewMemoryQueue(opts Options) *MemoryQueue {
	return &MemoryQueue{opts: opts.withDefaults(), queues: make(map[string]*memQueue)}
}

func (q *MemoryQueue) queue(name string) *memQueue {
	mq, ok := q.queues[name]
	if !ok {
		mq = &memQueue{messages: make(map[string]*message)}
		q.queues[name] = mq
	}
	return mq
}

func (q *MemoryQueue) nextSeq() uint64 {
	q.seq++
	return q.seq
}

func (q *MemoryQueue) Push(_ context.Context, queueName, id string, delay time.Duration, priority int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.put(queueName, id, delay, priority)
	return nil
}

func (q *MemoryQueue) PushIfNotExists(_ context.Context, queueName, id string, delay time.Duration, priority int) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.queue(queueName).messages[id]; ok {
		return false, nil
	}
	q.put(queueName, id, delay, priority)
	return true, nil
}

func (q *MemoryQueue) put(queueName, id string, delay time.Duration, priority int) {
	q.queue(queueName).messages[id] = &message{
		id:        id,
		priority:  clampPriority(priority),
		seq:       q.nextSeq(),
		state:     stateReady,
		visibleAt: q.opts.Now().Add(delay),
	}
}

func (q *MemoryQueue) Pop(ctx context.Context, queueName string, count int, timeout time.Duration) ([]string, error) {
	if count <= 0 {
		return nil, nil
	}
	return waitForMessages(ctx, timeout, q.opts.PollInterval, func(context.Context) ([]string, error) {
		return q.popOnce(queueName, count), nil
	})
}

func (q *MemoryQueue) popOnce(queueName string, count int) []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.opts.Now()
	mq := q.queue(queueName)
	q.requeueExpired(mq, now)

	var visible []*message
	for _, m := range mq.messages {
		if m.state == stateReady && !m.visibleAt.After(now) {
			visible = append(visible, m)
		}
	}
	sort.Slice(visible, func(i, j int) bool {
		if visible[i].priority != visible[j].priority {
			return visible[i].priority > visible[j].priority
		}
		return visible[i].seq < visible[j].seq
	})
	if len(visible) > count {
		visible = visible[:count]
	}

	ids := make([]string, 0, len(visible))
	for _, m := range visible {
		m.state = stateLeased
		m.visibleAt = now.Add(q.opts.UnackTimeout)
		ids = append(ids, m.id)
	}
	return ids
}

func (q *MemoryQueue) requeueExpired(mq *memQueue, now time.Time) int {
	n := 0
	for _, m := range mq.messages {
		if m.state == stateLeased && !m.visibleAt.After(now) {
			m.state = stateReady
			m.seq = q.nextSeq()
			n++
		}
	}
	return n
}

func (q *MemoryQueue) Ack(_ context.Context, queueName, id string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	mq := q.queue(queueName)
	m, ok := mq.messages[id]
	if !ok || m.state != stateLeased {
		return false, nil
	}
	delete(mq.messages, id)
	return true, nil
}

func (q *MemoryQueue) Unack(_ context.Context, queueName, id string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	m, ok := q.queue(queueName).messages[id]
	if !ok || m.state != stateLeased {
		return false, nil
	}
	m.state = stateReady
	m.seq = q.nextSeq()
	m.visibleAt = q.opts.Now()
	return true, nil
}

func (q *MemoryQueue) SetUnackTimeout(_ context.Context, queueName, id string, timeout time.Duration) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	m, ok := q.queue(queueName).messages[id]
	if !ok || m.state != stateLeased {
		return false, nil
	}
	m.visibleAt = q.opts.Now().Add(timeout)
	return true, nil
}

func (q *MemoryQueue) Remove(_ context.Context, queueName, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.queue(queueName).messages, id)
	return nil
}

func (q *MemoryQueue) Exists(_ context.Context, queueName, id string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.queue(queueName).messages[id]
	return ok, nil
}

func (q *MemoryQueue) Size(_ context.Context, queueName string) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size(q.queue(queueName)), nil
}

func (q *MemoryQueue) size(mq *memQueue) int64 {
	var n int64
	for _, m := range mq.messages {
		if m.state == stateReady {
			n++
		}
	}
	return n
}

func (q *MemoryQueue) QueuesDetail(_ context.Context) (map[string]int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[string]int64, len(q.queues))
	for name, mq := range q.queues {
		out[name] = q.size(mq)
	}
	return out, nil
}

func (q *MemoryQueue) ProcessUnacks(_ context.Context, queueName string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.requeueExpired(q.queue(queueName), q.opts.Now()), nil
}

func (q *MemoryQueue) Flush(_ context.Context, queueName string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.queues, queueName)
	return nil
}
