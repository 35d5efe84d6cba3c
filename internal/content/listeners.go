package content

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"docsync/api/internal/extract"
	"docsync/api/internal/store"
)

// Change describes one committed mutation. Document carries the snapshot as
// it was committed.
type Change struct {
	Document store.Document
	Edit     *store.Edit
	Page     *extract.Page
	Actor    string
}

// Listener observes committed changes. A failing listener is logged and
// never undoes the change.
type Listener interface {
	DocumentCreated(ctx context.Context, change Change) error
	SectionUpdated(ctx context.Context, change Change) error
	DocumentDeleted(ctx context.Context, documentID string) error
}

const (
	listenerQueueSize = 256
	listenerTimeout   = 30 * time.Second
)

type job struct {
	name string
	fn   func(ctx context.Context, l Listener) error
}

// dispatcher runs listener callbacks on one goroutine in submission order.
type dispatcher struct {
	listeners []Listener
	logger    *zap.Logger

	mu     sync.Mutex
	closed bool
	queue  chan job
	done   chan struct{}
}

func newDispatcher(listeners []Listener, logger *zap.Logger) *dispatcher {
	d := &dispatcher{
		listeners: listeners,
		logger:    logger,
		queue:     make(chan job, listenerQueueSize),
		done:      make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *dispatcher) submit(name string, fn func(ctx context.Context, l Listener) error) {
	if len(d.listeners) == 0 {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	select {
	case d.queue <- job{name: name, fn: fn}:
	default:
		d.logger.Warn("listener queue full, dropping event", zap.String("event", name))
	}
}

func (d *dispatcher) run() {
	defer close(d.done)
	for j := range d.queue {
		for _, l := range d.listeners {
			ctx, cancel := context.WithTimeout(context.Background(), listenerTimeout)
			if err := j.fn(ctx, l); err != nil {
				d.logger.Warn("listener failed", zap.String("event", j.name), zap.Error(err))
			}
			cancel()
		}
	}
}

// close stops accepting events and waits for queued ones to finish.
func (d *dispatcher) close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		<-d.done
		return
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()
	<-d.done
}
