package usecase

import "errors"

var (
	ErrInvalidInput          = errors.New("invalid input")
	ErrNotFound              = errors.New("resource not found")
	ErrUnauthorized          = errors.New("unauthorized")
	ErrDependencyUnavailable = errors.New("dependency unavailable")
)

// DispatchKind is the closed set of call-failure classifications. Handlers
// branch on the kind, never on error text.
type DispatchKind string

const (
	// DispatchThrottled covers provider rate limiting; retryable.
	DispatchThrottled DispatchKind = "throttled"
	// DispatchTransient covers network faults and provider 5xx; retryable.
	DispatchTransient DispatchKind = "transient"
	// DispatchPermanent covers rejections that will not change on retry.
	DispatchPermanent DispatchKind = "permanent"
	// DispatchConfig covers tenant misconfiguration (bad credentials,
	// unknown assistant); never retried.
	DispatchConfig DispatchKind = "config"
)

// DispatchError carries one classified call-placement failure.
type DispatchError struct {
	Kind DispatchKind
	Err  error
}

func (e *DispatchError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Err.Error()
}

func (e *DispatchError) Unwrap() error { return e.Err }

// Retryable reports whether the broker should re-deliver the job.
func (e *DispatchError) Retryable() bool {
	return e.Kind == DispatchThrottled || e.Kind == DispatchTransient
}

func NewDispatchError(kind DispatchKind, err error) *DispatchError {
	return &DispatchError{Kind: kind, Err: err}
}

// AsDispatchError unwraps err into a DispatchError if one is present.
func AsDispatchError(err error) (*DispatchError, bool) {
	var de *DispatchError
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}
