package publisher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultQueueSize is the number of markers a remote transport buffers.
	DefaultQueueSize = 64
	// DefaultSendTimeout bounds one delivery attempt to the broker.
	DefaultSendTimeout = time.Second
	// closeFlushTimeout is how long Close waits for queued markers.
	closeFlushTimeout = 2 * time.Second
)

var (
	// ErrQueueFull is returned when a marker is dropped because the
	// transport is not keeping up.
	ErrQueueFull = errors.New("marker queue full")
	// ErrClosed is returned by Publish after Close.
	ErrClosed = errors.New("publisher closed")
)

// sendQueue decouples Publish from broker round-trips: markers are stamped
// and queued by the caller, a single goroutine delivers them in order.
type sendQueue struct {
	transport string
	timeout   time.Duration
	send      func(ctx context.Context, m Marker) error

	mu      sync.Mutex
	closed  bool
	markers chan Marker
	done    chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
}

func newSendQueue(transport string, size int, timeout time.Duration, send func(context.Context, Marker) error) *sendQueue {
	if size <= 0 {
		size = DefaultQueueSize
	}
	if timeout <= 0 {
		timeout = DefaultSendTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &sendQueue{
		transport: transport,
		timeout:   timeout,
		send:      send,
		markers:   make(chan Marker, size),
		done:      make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}
	go q.run()
	return q
}

// enqueue never blocks. A full queue drops the marker.
func (q *sendQueue) enqueue(m Marker) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	select {
	case q.markers <- m:
		return nil
	default:
		markersDropped.WithLabelValues(q.transport).Inc()
		return fmt.Errorf("%s: %w, marker %d dropped", q.transport, ErrQueueFull, m.Value)
	}
}

func (q *sendQueue) run() {
	defer close(q.done)
	for m := range q.markers {
		ctx, cancel := context.WithTimeout(q.ctx, q.timeout)
		err := q.send(ctx, m)
		cancel()
		if err != nil {
			slog.Warn("Marker not delivered", "transport", q.transport, "source_id", m.SourceID, "value", m.Value, "error", err)
			continue
		}
		markersPublished.WithLabelValues(q.transport).Inc()
	}
}

// close stops accepting markers and gives the queued ones flush to go
// out; whatever is left afterwards is abandoned.
func (q *sendQueue) close(flush time.Duration) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.markers)
	q.mu.Unlock()

	select {
	case <-q.done:
	case <-time.After(flush):
		q.cancel()
		<-q.done
	}
	q.cancel()
}
