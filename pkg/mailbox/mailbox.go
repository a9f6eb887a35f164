package mailbox

import (
	"sync"

	"github.com/gammazero/deque"
)

// Mailbox is an unbounded FIFO feeding one consumer goroutine. Producers never
// block, so callbacks from the channel or the peer connection can post from any
// goroutine.
type Mailbox[T any] struct {
	mu     sync.Mutex
	queue  deque.Deque[T]
	notify chan struct{}
	closed bool
}

func New[T any]() *Mailbox[T] {
	return &Mailbox[T]{notify: make(chan struct{}, 1)}
}

// Post enqueues v. It returns false once the mailbox is closed.
func (m *Mailbox[T]) Post(v T) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.queue.PushBack(v)
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
	return true
}

// Next blocks until an item is ready or done is closed.
func (m *Mailbox[T]) Next(done <-chan struct{}) (T, bool) {
	for {
		m.mu.Lock()
		if m.queue.Len() > 0 {
			v := m.queue.PopFront()
			m.mu.Unlock()
			return v, true
		}
		m.mu.Unlock()

		select {
		case <-m.notify:
		case <-done:
			var zero T
			return zero, false
		}
	}
}

// Close rejects further posts and returns whatever was still queued.
func (m *Mailbox[T]) Close() []T {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	rest := make([]T, 0, m.queue.Len())
	for m.queue.Len() > 0 {
		rest = append(rest, m.queue.PopFront())
	}
	return rest
}
