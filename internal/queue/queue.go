package queue

import (
	"context"
	"time"
)

// State is the broker-side lifecycle of a job.
type State string

const (
	StateWaiting   State = "waiting"
	StateDelayed   State = "delayed"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

const (
	// DefaultMaxAttempts and DefaultBackoff form the standard retry policy:
	// three attempts with exponential backoff starting at five seconds.
	DefaultMaxAttempts = 3
	DefaultBackoff     = 5 * time.Second
)

// Options control placement of a job at enqueue time. Lower priority values
// dequeue first; equal priorities fall back to readiness then insertion
// order. Repeat holds a five-field cron expression for recurring jobs.
type Options struct {
	Priority    float64
	Delay       time.Duration
	Repeat      string
	MaxAttempts int
	Backoff     time.Duration
}

// WithDefaults fills in the standard retry policy for unset fields.
func (o Options) WithDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.Backoff <= 0 {
		o.Backoff = DefaultBackoff
	}
	if o.Delay < 0 {
		o.Delay = 0
	}
	return o
}

// Job is a leased unit of work. Payload is an opaque JSON document owned by
// whichever worker currently holds the job.
type Job struct {
	ID          string
	Queue       string
	Payload     []byte
	Priority    float64
	Repeat      string
	Attempt     int
	MaxAttempts int
	Backoff     time.Duration
	State       State
	LastError   string
	EnqueuedAt  time.Time
	ReadyAt     time.Time
	FinishedAt  time.Time
}

// RetryDelay computes the backoff before the given attempt number is
// redelivered: base * 2^(attempt-1).
func RetryDelay(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = DefaultBackoff
	}
	if attempt < 1 {
		attempt = 1
	}
	return base << (attempt - 1)
}

// Counts is a non-blocking snapshot of one queue.
type Counts struct {
	Waiting   int `json:"waiting"`
	Delayed   int `json:"delayed"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// Handler processes one leased job. A nil return acknowledges the job. An
// ordinary error triggers the retry policy; an error wrapped by Discard
// fails the job immediately with no further attempts. Delivery is
// at-least-once: on lease expiry a job may be handed to another worker, so
// handlers must tolerate duplicates.
type Handler func(ctx context.Context, job Job) error

// Queue is one named, durable job queue.
type Queue interface {
	Name() string
	Enqueue(ctx context.Context, payload []byte, opts Options) (Job, error)
	// Process starts the worker pool. At most concurrency handlers run at
	// once; in-flight jobs finish during Close.
	Process(concurrency int, handler Handler) error
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Counts(ctx context.Context) (Counts, error)
	ListByState(ctx context.Context, state State, limit int) ([]Job, error)
	// Retry moves a failed job back to waiting with its attempt counter
	// reset. It does not touch jobs currently leased by a worker.
	Retry(ctx context.Context, jobID string) error
	// Remove deletes a waiting or finished job. In-flight jobs run to
	// completion.
	Remove(ctx context.Context, jobID string) error
	// Clean removes completed/failed jobs finished before the cutoff,
	// capped at limit per state.
	Clean(ctx context.Context, olderThan time.Duration, limit int) (int, error)
	Close() error
}

// Broker owns the connection behind a set of named queues.
type Broker interface {
	Queue(name string) Queue
	Ping(ctx context.Context) error
	Close() error
}
