// Package retry backs off and retries transient failures such as NATS
// publishes.
package retry

import (
	"context"
	"time"

	"git.home.luguber.info/inful/buildcoord/internal/config"
	"git.home.luguber.info/inful/buildcoord/internal/foundation/errors"
)

const (
	defaultInitial = time.Second
	defaultMax     = 30 * time.Second
	defaultRetries = 2
)

// Policy is a value type; copies are independent.
type Policy struct {
	Mode       config.RetryBackoffMode
	Initial    time.Duration
	Max        time.Duration
	MaxRetries int // attempts after the first failure
}

// DefaultPolicy is linear, starting at one second and capped at thirty.
func DefaultPolicy() Policy {
	return Policy{
		Mode:       config.RetryBackoffLinear,
		Initial:    defaultInitial,
		Max:        defaultMax,
		MaxRetries: defaultRetries,
	}
}

// FromConfig overlays the non-zero parts of a retry section on the default
// policy. An unknown backoff mode keeps the default. Initial never exceeds Max.
func FromConfig(c config.RetryConfig) Policy {
	p := DefaultPolicy()
	if c.MaxRetries >= 0 {
		p.MaxRetries = c.MaxRetries
	}
	if c.InitialDelay > 0 {
		p.Initial = c.InitialDelay
	}
	if c.MaxDelay > 0 {
		p.Max = c.MaxDelay
	}
	if mode := config.NormalizeRetryBackoff(string(c.Backoff)); mode != "" {
		p.Mode = mode
	}
	p.Initial = min(p.Initial, p.Max)
	return p
}

// Delay is the wait before retry n (1-based). It is zero for n < 1.
func (p Policy) Delay(n int) time.Duration {
	if n < 1 {
		return 0
	}
	var d time.Duration
	switch p.Mode {
	case config.RetryBackoffFixed:
		return p.Initial
	case config.RetryBackoffExponential:
		if n > 32 {
			return p.Max
		}
		d = p.Initial << (n - 1)
	default:
		d = p.Initial * time.Duration(n)
	}
	if d <= 0 || d > p.Max {
		return p.Max
	}
	return d
}

// Do runs fn until it succeeds, fails with an error that is classified as
// not retryable, or MaxRetries is exhausted. onRetry may be nil.
func (p Policy) Do(ctx context.Context, fn func(context.Context) error, onRetry func(attempt int, err error)) error {
	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil || !retryable(err) || attempt > p.MaxRetries {
			return err
		}
		if onRetry != nil {
			onRetry(attempt, err)
		}
		if werr := wait(ctx, p.Delay(attempt)); werr != nil {
			return errors.WrapError(werr, errors.CategoryRuntime, "retry aborted").
				WithContext("last_error", err.Error()).
				WithContext("attempt", attempt).
				Build()
		}
	}
}

func retryable(err error) bool {
	if c, ok := errors.AsClassified(err); ok {
		return c.CanRetry()
	}
	return true
}

func wait(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
