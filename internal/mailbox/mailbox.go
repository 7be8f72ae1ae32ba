// Package mailbox is a single-slot, newest-wins inbox shared by the video
// receivers and the replication receiver.
package mailbox

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// ErrClosed is returned by Take once the mailbox is closed and empty.
var ErrClosed = errors.New("mailbox: closed")

// Mailbox holds at most one value. Put overwrites a value not yet taken and
// counts the overwrite as a drop; Take waits a bounded time for a value.
type Mailbox[T any] struct {
	mu     sync.Mutex
	value  T
	full   bool
	closed bool

	ready chan struct{}
	done  chan struct{}

	drops atomic.Uint64
}

// New returns an empty mailbox.
func New[T any]() *Mailbox[T] {
	return &Mailbox[T]{
		ready: make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

// Put stores v, replacing any value not yet taken. Put after Close is a
// no-op.
func (m *Mailbox[T]) Put(v T) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if m.full {
		m.drops.Add(1)
	}
	m.value = v
	m.full = true
	m.mu.Unlock()

	select {
	case m.ready <- struct{}{}:
	default:
	}
}

// Take returns the pending value, waiting up to timeout for one. ok is false
// on timeout. After Close, a pending value is still returned and then
// ErrClosed.
func (m *Mailbox[T]) Take(timeout time.Duration) (v T, ok bool, err error) {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		m.mu.Lock()
		if m.full {
			v = m.value
			var zero T
			m.value = zero
			m.full = false
			m.mu.Unlock()
			return v, true, nil
		}
		closed := m.closed
		m.mu.Unlock()

		if closed {
			return v, false, ErrClosed
		}
		if timeout <= 0 {
			return v, false, nil
		}
		if timer == nil {
			timer = time.NewTimer(timeout)
		}

		select {
		case <-m.ready:
		case <-m.done:
		case <-timer.C:
			return v, false, nil
		}
	}
}

// Close wakes waiters.
func (m *Mailbox[T]) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.done)
	}
}

// Drops returns how many values were overwritten before being taken.
func (m *Mailbox[T]) Drops() uint64 {
	return m.drops.Load()
}
