package queue

import (
	"context"
	"fmt"
	"sync"
	"time"
)

func init() {
	Register("in_memory", func(cfg Config) (Queue, error) {
		return NewMemory(), nil
	})
}

// Memory is a single-process Queue with the same blocking and delivery
// semantics as the Redis backend. Each pool keeps a FIFO slice guarded by
// the queue mutex; waiters block on a per-pool signal channel.
type Memory struct {
	mu      sync.Mutex
	pools   map[string][]*Envelope
	signals map[string]chan struct{}
	pending map[string]*Envelope
	subs    map[string][]chan []byte
	closed  bool
	done    chan struct{}
}

// NewMemory creates an empty in-memory queue.
func NewMemory() *Memory {
	return &Memory{
		pools:   make(map[string][]*Envelope),
		signals: make(map[string]chan struct{}),
		pending: make(map[string]*Envelope),
		subs:    make(map[string][]chan []byte),
		done:    make(chan struct{}),
	}
}

func (m *Memory) signal(pool string) chan struct{} {
	if _, ok := m.signals[pool]; !ok {
		m.signals[pool] = make(chan struct{}, 1)
	}
	return m.signals[pool]
}

func (m *Memory) wake(pool string) {
	select {
	case m.signal(pool) <- struct{}{}:
	default:
	}
}

// Push implements Queue.
func (m *Memory) Push(ctx context.Context, pool string, env *Envelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	cp := *env
	m.pools[pool] = append(m.pools[pool], &cp)
	m.wake(pool)
	return nil
}

// PopBlocking implements Queue. It polls under the pool signal so multiple
// consumers never receive the same envelope.
func (m *Memory) PopBlocking(ctx context.Context, pool string, timeout time.Duration) (*Envelope, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, ErrClosed
		}
		if q := m.pools[pool]; len(q) > 0 {
			env := q[0]
			m.pools[pool] = q[1:]
			m.pending[env.ID] = env
			m.mu.Unlock()
			cp := *env
			return &cp, nil
		}
		sig := m.signal(pool)
		m.mu.Unlock()

		select {
		case <-sig:
		case <-deadline.C:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-m.done:
			return nil, ErrClosed
		}
	}
}

// Ack implements Queue.
func (m *Memory) Ack(ctx context.Context, envelopeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pending[envelopeID]; !ok {
		return fmt.Errorf("queue: envelope %s is not pending", envelopeID)
	}
	delete(m.pending, envelopeID)
	return nil
}

// Requeue implements Queue.
func (m *Memory) Requeue(ctx context.Context, envelopeID string, reason RequeueReason) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	env, ok := m.pending[envelopeID]
	if !ok {
		return fmt.Errorf("queue: envelope %s is not pending", envelopeID)
	}
	delete(m.pending, envelopeID)
	if reason.AtHead() {
		m.pools[env.Pool] = append([]*Envelope{env}, m.pools[env.Pool]...)
	} else {
		m.pools[env.Pool] = append(m.pools[env.Pool], env)
	}
	m.wake(env.Pool)
	return nil
}

// Depth implements Queue.
func (m *Memory) Depth(ctx context.Context, pool string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.pools[pool])), nil
}

// Publish implements Queue. Subscribers with a full buffer miss the
// message rather than blocking the publisher. Sends happen under the
// queue mutex: subscriber channels are only closed while holding it, so
// a send can never race a close.
func (m *Memory) Publish(ctx context.Context, channel string, message []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range m.subs[channel] {
		select {
		case ch <- message:
		default:
		}
	}
	return nil
}

// Subscribe implements Queue.
func (m *Memory) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	ch := make(chan []byte, 256)
	m.subs[channel] = append(m.subs[channel], ch)
	m.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-m.done:
		}
		// Close before releasing the lock so Publish never sees a closed
		// channel still listed in m.subs.
		m.mu.Lock()
		list := m.subs[channel]
		for i, c := range list {
			if c == ch {
				m.subs[channel] = append(list[:i], list[i+1:]...)
				break
			}
		}
		close(ch)
		m.mu.Unlock()
	}()
	return ch, nil
}

// Close implements Queue.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	close(m.done)
	return nil
}
