package redis

import (
	"context"
	"sync"
	"time"

	crerr "github.com/cockroachdb/errors"
	r "github.com/redis/go-redis/v9"

	"github.com/halovoice/campaigner/internal/platform/logging"
	"github.com/halovoice/campaigner/internal/queue"
)

// Broker implements the queue contract on Redis. Each queue keeps its job
// documents in a hash and moves IDs between a priority-scored ready set, a
// time-scored delayed set, an active set, and finished sets. Durability and
// redelivery follow from the structures surviving process restarts.
type Broker struct {
	rdb    *r.Client
	logger *logging.Logger

	mu     sync.Mutex
	queues map[string]*Queue
	closed bool

	pollInterval time.Duration
	closeTimeout time.Duration
}

type Config struct {
	Addr         string
	Password     string
	DB           int
	PollInterval time.Duration
	CloseTimeout time.Duration
}

func NewBroker(cfg Config, logger *logging.Logger) *Broker {
	if logger == nil {
		logger = logging.Default()
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = 250 * time.Millisecond
	}
	closeTimeout := cfg.CloseTimeout
	if closeTimeout <= 0 {
		closeTimeout = 10 * time.Second
	}

	rdb := r.NewClient(&r.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	return &Broker{
		rdb:          rdb,
		logger:       logger,
		queues:       make(map[string]*Queue),
		pollInterval: pollInterval,
		closeTimeout: closeTimeout,
	}
}

func (b *Broker) Queue(name string) queue.Queue {
	b.mu.Lock()
	defer b.mu.Unlock()

	if q, ok := b.queues[name]; ok {
		return q
	}
	q := newQueue(name, b.rdb, b.logger, b.pollInterval, b.closeTimeout)
	b.queues[name] = q
	return q
}

func (b *Broker) Ping(ctx context.Context) error {
	if err := b.rdb.Ping(ctx).Err(); err != nil {
		return crerr.Wrap(err, "redis ping")
	}
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
	if err := b.rdb.Close(); err != nil && firstErr == nil {
		firstErr = crerr.Wrap(err, "close redis client")
	}
	return firstErr
}
