package actor

import (
	"context"
	"iter"
	"sync"
	"sync/atomic"

	"github.com/emirpasic/gods/v2/queues/priorityqueue"
)

// prioritizedEnvelope pairs an envelope with an arrival sequence number so
// that, among equal-priority messages, FIFO order is preserved.
type prioritizedEnvelope[M Message, R any] struct {
	env      envelope[M, R]
	priority int
	seq      uint64
}

// priorityEnvelopeComparator orders by descending priority, then ascending
// arrival sequence, matching gods' priorityqueue.NewWith comparator
// contract (negative means a sorts before b).
func priorityEnvelopeComparator[M Message, R any](
	a, b prioritizedEnvelope[M, R],
) int {
	if a.priority != b.priority {
		return b.priority - a.priority
	}
	if a.seq < b.seq {
		return -1
	}
	if a.seq > b.seq {
		return 1
	}
	return 0
}

// PriorityMailbox is a Mailbox implementation backed by
// github.com/emirpasic/gods' priorityqueue, for actors that need
// PriorityMessage-aware scheduling (e.g. the shard coordinator, which
// should service rebalance/handoff control traffic ahead of a backlog of
// ordinary entity envelopes). Messages not implementing PriorityMessage are
// treated as priority 0.
type PriorityMailbox[M Message, R any] struct {
	mu       sync.Mutex
	notEmpty chan struct{}
	pq       *priorityqueue.Queue[prioritizedEnvelope[M, R]]
	seq      uint64

	closed   atomic.Bool
	closeOne sync.Once

	actorCtx context.Context
	capacity int
}

// NewPriorityMailbox creates a priority mailbox bounded at capacity
// envelopes (0 or negative means unbounded, matching gods' queue).
func NewPriorityMailbox[M Message, R any](
	actorCtx context.Context, capacity int,
) *PriorityMailbox[M, R] {
	return &PriorityMailbox[M, R]{
		notEmpty: make(chan struct{}, 1),
		pq: priorityqueue.NewWith(
			priorityEnvelopeComparator[M, R],
		),
		actorCtx: actorCtx,
		capacity: capacity,
	}
}

func envelopePriority[M Message, R any](env envelope[M, R]) int {
	if pm, ok := any(env.message).(PriorityMessage); ok {
		return pm.Priority()
	}
	return 0
}

func (m *PriorityMailbox[M, R]) signal() {
	select {
	case m.notEmpty <- struct{}{}:
	default:
	}
}

// Send blocks only long enough to acquire the internal lock. It never waits
// for capacity: if a positive capacity was configured and the queue is
// full, it returns false immediately.
func (m *PriorityMailbox[M, R]) Send(ctx context.Context, env envelope[M, R]) bool {
	if ctx.Err() != nil || m.actorCtx.Err() != nil {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed.Load() {
		return false
	}
	if m.capacity > 0 && m.pq.Size() >= m.capacity {
		return false
	}

	m.seq++
	m.pq.Enqueue(prioritizedEnvelope[M, R]{
		env:      env,
		priority: envelopePriority(env),
		seq:      m.seq,
	})
	m.signal()

	return true
}

// TrySend is equivalent to Send for PriorityMailbox: enqueueing never blocks
// beyond the internal lock.
func (m *PriorityMailbox[M, R]) TrySend(env envelope[M, R]) bool {
	return m.Send(context.Background(), env)
}

func (m *PriorityMailbox[M, R]) tryDequeue() (envelope[M, R], bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.pq.Dequeue()
	if !ok {
		return envelope[M, R]{}, false
	}
	return item.env, true
}

// Receive returns an iterator that yields envelopes in priority order,
// blocking (via a level-triggered signal channel) while the queue is empty.
func (m *PriorityMailbox[M, R]) Receive(
	ctx context.Context,
) iter.Seq[envelope[M, R]] {
	return func(yield func(envelope[M, R]) bool) {
		for {
			if env, ok := m.tryDequeue(); ok {
				if !yield(env) {
					return
				}
				continue
			}

			if ctx.Err() != nil || m.closed.Load() {
				return
			}

			select {
			case <-m.notEmpty:
				continue
			case <-ctx.Done():
				return
			}
		}
	}
}

// Close closes the mailbox, preventing further sends.
func (m *PriorityMailbox[M, R]) Close() {
	m.closeOne.Do(func() {
		m.mu.Lock()
		m.closed.Store(true)
		m.mu.Unlock()
		m.signal()
	})
}

// IsClosed reports whether Close has been called.
func (m *PriorityMailbox[M, R]) IsClosed() bool {
	return m.closed.Load()
}

// Drain yields any envelopes left in the queue after Close.
func (m *PriorityMailbox[M, R]) Drain() iter.Seq[envelope[M, R]] {
	return func(yield func(envelope[M, R]) bool) {
		if !m.IsClosed() {
			return
		}
		for {
			env, ok := m.tryDequeue()
			if !ok {
				return
			}
			if !yield(env) {
				return
			}
		}
	}
}

// Compile-time check that PriorityMailbox implements Mailbox.
var _ Mailbox[Message, any] = (*PriorityMailbox[Message, any])(nil)
