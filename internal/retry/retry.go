// Package retry wraps fallible remote calls with bounded attempts and backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"extract-sync-service/internal/config"
	"extract-sync-service/internal/logger"
)

type Strategy string

const (
	Exponential Strategy = "exponential"
	Fixed       Strategy = "fixed"
)

type Policy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Strategy       Strategy
}

// DefaultPolicy is three attempts with exponential backoff starting at 500ms.
var DefaultPolicy = Policy{
	MaxAttempts:    3,
	InitialBackoff: 500 * time.Millisecond,
	MaxBackoff:     10 * time.Second,
	Strategy:       Exponential,
}

type Service struct {
	policy Policy
	sleep  func(ctx context.Context, d time.Duration) error
}

func New(p Policy) *Service {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.Strategy == "" {
		p.Strategy = Exponential
	}
	return &Service{policy: p, sleep: sleepWithContext}
}

func FromConfig(cfg config.RetryConfig) *Service {
	return New(Policy{
		MaxAttempts:    cfg.MaxAttempts,
		InitialBackoff: cfg.InitialBackoff,
		MaxBackoff:     cfg.MaxBackoff,
		Strategy:       Strategy(cfg.Strategy),
	})
}

// NoWait returns a copy of s that does not sleep between attempts.
func (s *Service) NoWait() *Service {
	return &Service{policy: s.policy, sleep: func(ctx context.Context, _ time.Duration) error { return ctx.Err() }}
}

func (s *Service) Policy() Policy {
	return s.policy
}

// Do calls fn until it succeeds, returns a non-retryable error, or the
// attempts are exhausted. The last error is returned wrapped.
func (s *Service) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 1; attempt <= s.policy.MaxAttempts; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if !Retryable(err) || ctx.Err() != nil {
			return err
		}
		if attempt == s.policy.MaxAttempts {
			break
		}

		wait := s.Backoff(attempt)
		logger.Log.Warn("Retrying after failure",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
		if serr := s.sleep(ctx, wait); serr != nil {
			return fmt.Errorf("%s: %w (last error: %v)", op, serr, err)
		}
	}
	return fmt.Errorf("%s: giving up after %d attempts: %w", op, s.policy.MaxAttempts, err)
}

// Backoff is the wait after the given failed attempt (1-based).
func (s *Service) Backoff(attempt int) time.Duration {
	d := s.policy.InitialBackoff
	if s.policy.Strategy == Exponential {
		for i := 1; i < attempt; i++ {
			d *= 2
			if s.policy.MaxBackoff > 0 && d >= s.policy.MaxBackoff {
				return s.policy.MaxBackoff
			}
		}
	}
	if s.policy.MaxBackoff > 0 && d > s.policy.MaxBackoff {
		return s.policy.MaxBackoff
	}
	return d
}

// DoValue is Do for calls that return a value.
func DoValue[T any](ctx context.Context, s *Service, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := s.Do(ctx, op, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string   { return e.err.Error() }
func (e *permanentError) Unwrap() error   { return e.err }
func (e *permanentError) Retryable() bool { return false }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Retryable reports whether err may succeed on another attempt. Errors opt
// out by implementing Retryable() bool.
func Retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var r interface{ Retryable() bool }
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return true
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
