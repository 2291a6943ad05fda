package store

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/randalmurphal/flowrun/pkg/flowrun/model"
)

// RetryConfig configures RetryingStore.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts, including the first.
	MaxAttempts int

	// InitialBackoff is the wait before the second attempt.
	InitialBackoff time.Duration

	// MaxBackoff caps the wait between attempts.
	MaxBackoff time.Duration
}

// DefaultRetry retries a failed operation twice within roughly a second.
var DefaultRetry = RetryConfig{
	MaxAttempts:    3,
	InitialBackoff: 50 * time.Millisecond,
	MaxBackoff:     time.Second,
}

// RetryingStore retries transient failures of an underlying store.
//
// Sentinel errors (ErrNotFound, ErrAlreadyExists, ErrSequenceGap,
// ErrStoreClosed) and context errors are returned at once; anything else is
// assumed to be a dropped connection or a locked database and is retried
// with exponential backoff.
type RetryingStore struct {
	next Store
	cfg  RetryConfig
}

// NewRetryingStore wraps next. A config with MaxAttempts below 2 disables
// retrying.
func NewRetryingStore(next Store, cfg RetryConfig) *RetryingStore {
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = DefaultRetry.InitialBackoff
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff
	}
	return &RetryingStore{next: next, cfg: cfg}
}

// Unwrap returns the underlying store.
func (s *RetryingStore) Unwrap() Store { return s.next }

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrNotFound),
		errors.Is(err, ErrAlreadyExists),
		errors.Is(err, ErrSequenceGap),
		errors.Is(err, ErrStoreClosed),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	default:
		return true
	}
}

func retry[T any](ctx context.Context, cfg RetryConfig, op func() (T, error)) (T, error) {
	if cfg.MaxAttempts < 2 {
		return op()
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.InitialBackoff
	b.MaxInterval = cfg.MaxBackoff

	return backoff.Retry(ctx, func() (T, error) {
		v, err := op()
		if err != nil && !IsTransient(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(cfg.MaxAttempts)),
		backoff.WithMaxElapsedTime(0),
	)
}

func retryErr(ctx context.Context, cfg RetryConfig, op func() error) error {
	_, err := retry(ctx, cfg, func() (struct{}, error) {
		return struct{}{}, op()
	})
	return err
}

// SaveGraph implements Store.
func (s *RetryingStore) SaveGraph(ctx context.Context, g *model.Graph) error {
	return retryErr(ctx, s.cfg, func() error { return s.next.SaveGraph(ctx, g) })
}

// LoadGraph implements Store.
func (s *RetryingStore) LoadGraph(ctx context.Context, id string) (*model.Graph, error) {
	return retry(ctx, s.cfg, func() (*model.Graph, error) { return s.next.LoadGraph(ctx, id) })
}

// CreateRun implements Store.
func (s *RetryingStore) CreateRun(ctx context.Context, run *model.RunState) error {
	return retryErr(ctx, s.cfg, func() error { return s.next.CreateRun(ctx, run) })
}

// SaveRunState implements Store.
func (s *RetryingStore) SaveRunState(ctx context.Context, run *model.RunState) error {
	return retryErr(ctx, s.cfg, func() error { return s.next.SaveRunState(ctx, run) })
}

// LoadRunState implements Store.
func (s *RetryingStore) LoadRunState(ctx context.Context, runID string) (*model.RunState, error) {
	return retry(ctx, s.cfg, func() (*model.RunState, error) { return s.next.LoadRunState(ctx, runID) })
}

// AppendStep implements Store.
// A retry that finds the step already stored by an earlier attempt whose
// reply was lost reports success instead of ErrSequenceGap.
func (s *RetryingStore) AppendStep(ctx context.Context, step model.ExecutionStep) error {
	attempt := 0
	return retryErr(ctx, s.cfg, func() error {
		attempt++
		err := s.next.AppendStep(ctx, step)
		if attempt > 1 && errors.Is(err, ErrSequenceGap) && s.landed(ctx, step) {
			return nil
		}
		return err
	})
}

// landed reports whether step is the last step stored for its run.
func (s *RetryingStore) landed(ctx context.Context, step model.ExecutionStep) bool {
	steps, err := s.next.LoadSteps(ctx, step.RunID)
	if err != nil || len(steps) != step.Sequence+1 {
		return false
	}
	last := steps[len(steps)-1]
	return last.Sequence == step.Sequence &&
		last.NodeID == step.NodeID &&
		last.Timestamp.Equal(step.Timestamp)
}

// LoadSteps implements Store.
func (s *RetryingStore) LoadSteps(ctx context.Context, runID string) ([]model.ExecutionStep, error) {
	return retry(ctx, s.cfg, func() ([]model.ExecutionStep, error) { return s.next.LoadSteps(ctx, runID) })
}

// Close closes the underlying store. It is not retried.
func (s *RetryingStore) Close() error {
	return s.next.Close()
}
