package memory

import (
	"context"
	"sync"
	"time"

	"github.com/halovoice/campaigner/internal/platform/logging"
	"github.com/halovoice/campaigner/internal/queue"
)

// Broker is an in-process implementation of the queue contract. It backs
// local development and tests; deployments use the redis broker. Delivery
// is at-least-once in spirit: handlers see the same retry/backoff behavior
// as the durable broker, minus crash recovery.
type Broker struct {
	mu     sync.Mutex
	queues map[string]*Queue
	logger *logging.Logger
	opts   options
	closed bool
}

type options struct {
	pollInterval time.Duration
	closeTimeout time.Duration
	now          func() time.Time
}

type Option func(*options)

// WithPollInterval tunes how often dispatch loops look for ready jobs.
func WithPollInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.pollInterval = d
		}
	}
}

// WithClock injects a time source for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func NewBroker(logger *logging.Logger, opts ...Option) *Broker {
	if logger == nil {
		logger = logging.Default()
	}

	o := options{
		pollInterval: 20 * time.Millisecond,
		closeTimeout: 10 * time.Second,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}

	return &Broker{
		queues: make(map[string]*Queue),
		logger: logger,
		opts:   o,
	}
}

func (b *Broker) Queue(name string) queue.Queue {
	b.mu.Lock()
	defer b.mu.Unlock()

	if q, ok := b.queues[name]; ok {
		return q
	}
	q := newQueue(name, b.logger, b.opts)
	b.queues[name] = q
	return q
}

func (b *Broker) Ping(_ context.Context) error {
	return nil
}

func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	queues := make([]*Queue, 0, len(b.queues))
	for _, q := range b.queues {
		queues = append(queues, q)
	}
	b.mu.Unlock()

	var firstErr error
	for _, q := range queues {
		if err := q.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
