package alert

import (
	"sync"

	"torrentd/internal/metrics"
)

// Bus is an unbounded FIFO of alerts. Producers may post from any
// goroutine; the host drains it once per loop tick.
type Bus struct {
	mu    sync.Mutex
	queue []Alert
	ready chan struct{}
}

func NewBus() *Bus {
	return &Bus{ready: make(chan struct{}, 1)}
}

func (b *Bus) Post(a Alert) {
	b.mu.Lock()
	b.queue = append(b.queue, a)
	b.mu.Unlock()

	metrics.AlertsPosted.WithLabelValues(a.Kind().String()).Inc()

	select {
	case b.ready <- struct{}{}:
	default:
	}
}

// Drain returns every queued alert in posting order and empties the queue.
func (b *Bus) Drain() []Alert {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := b.queue
	b.queue = nil
	return out
}

func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// Ready is signalled after a post; it coalesces, so one receive may cover
// many alerts.
func (b *Bus) Ready() <-chan struct{} {
	return b.ready
}
