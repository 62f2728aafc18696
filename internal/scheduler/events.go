package scheduler

import (
	"sync"

	"github.com/romanitalian/streamreel/internal/domain"
)

// eventHub broadcasts task snapshots to subscribers. Slow consumers are
// never allowed to block a producer: each subscriber gets a small buffered
// channel plus a coalescing map keyed by task id, so an overflowing
// subscriber only ever sees the latest snapshot per task rather than every
// intermediate update.
type eventHub struct {
	mu          sync.Mutex
	subscribers map[chan domain.Task]*coalescer
}

func newEventHub() *eventHub {
	return &eventHub{subscribers: make(map[chan domain.Task]*coalescer)}
}

// coalescer holds, per task id, only the most recent snapshot not yet
// delivered to its subscriber.
type coalescer struct {
	mu      sync.Mutex
	pending map[string]domain.Task
	notify  chan struct{}
}

func newCoalescer() *coalescer {
	return &coalescer{pending: make(map[string]domain.Task), notify: make(chan struct{}, 1)}
}

func (c *coalescer) push(task domain.Task) {
	c.mu.Lock()
	c.pending[task.ID] = task
	c.mu.Unlock()

	select {
	case c.notify <- struct{}{}:
	default:
	}
}

func (c *coalescer) drain() []domain.Task {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pending) == 0 {
		return nil
	}
	out := make([]domain.Task, 0, len(c.pending))
	for _, t := range c.pending {
		out = append(out, t)
	}
	c.pending = make(map[string]domain.Task)
	return out
}

// subscribe registers a new subscriber and returns its channel of
// snapshots. Closing stop unsubscribes: the delivery goroutine exits,
// removes the subscriber and closes the channel.
func (h *eventHub) subscribe(stop <-chan struct{}) <-chan domain.Task {
	out := make(chan domain.Task, 16)
	c := newCoalescer()

	h.mu.Lock()
	h.subscribers[out] = c
	h.mu.Unlock()

	go func() {
		defer func() {
			h.mu.Lock()
			delete(h.subscribers, out)
			h.mu.Unlock()
			close(out)
		}()

		for {
			select {
			case <-stop:
				return
			case <-c.notify:
				for _, t := range c.drain() {
					select {
					case out <- t:
					case <-stop:
						return
					}
				}
			}
		}
	}()

	return out
}

// publish fans a snapshot out to every subscriber without blocking.
func (h *eventHub) publish(task domain.Task) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.subscribers {
		c.push(task)
	}
}
