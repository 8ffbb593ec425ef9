// Package resilience wraps network calls with retry, backoff and in-flight
// de-duplication.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"
)

const (
	DefaultMaxRetries    = 3
	DefaultInitialDelay  = 300 * time.Millisecond
	DefaultSharedTimeout = 5 * time.Minute
)

// ErrRateLimited is wrapped into the final error when retries ran out on HTTP 429.
var ErrRateLimited = errors.New("rate limited")

// StatusError is implemented by errors that carry an HTTP status code.
type StatusError interface {
	error
	HTTPStatus() int
}

// RetryAfterError is implemented by errors that carry a Retry-After header value.
type RetryAfterError interface {
	error
	RetryAfterHeader() string
}

// Retrier retries calls that failed on rate limiting and, optionally, on
// transient server or network failures. A Retrier is safe for concurrent use
// and must not be copied after first use.
type Retrier struct {
	MaxRetries   int
	InitialDelay time.Duration
	// RetryServerErrors also retries 5xx responses and network failures.
	RetryServerErrors bool
	// SharedTimeout bounds a de-duplicated execution, which no single caller owns.
	SharedTimeout time.Duration
	Sleep         func(ctx context.Context, d time.Duration) error
	Now           func() time.Time
	Logger        *slog.Logger

	group singleflight.Group
}

// New returns a Retrier with the default limits.
func New(logger *slog.Logger) *Retrier {
	return &Retrier{
		MaxRetries:   DefaultMaxRetries,
		InitialDelay: DefaultInitialDelay,
		Logger:       logger,
	}
}

// Do runs call with retries. When key is non-empty, concurrent Do calls with
// the same key share a single execution and its result; the key is released
// as soon as that execution finishes. The shared execution is detached from
// the caller that started it: a caller whose ctx ends stops waiting, the
// others keep theirs. SharedTimeout bounds a detached execution.
func Do[T any](ctx context.Context, r *Retrier, key string, call func(context.Context) (T, error)) (T, error) {
	if key == "" {
		return run(ctx, r, call)
	}

	shared := context.WithoutCancel(ctx)
	ch := r.group.DoChan(key, func() (any, error) {
		runCtx, cancel := context.WithTimeout(shared, r.sharedTimeout())
		defer cancel()
		return run(runCtx, r, call)
	})
	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case res := <-ch:
		if res.Shared {
			r.logger().Debug("shared in-flight request", "key", key)
		}
		v, _ := res.Val.(T)
		return v, res.Err
	}
}

func run[T any](ctx context.Context, r *Retrier, call func(context.Context) (T, error)) (T, error) {
	var zero T
	if err := r.sleep(ctx, r.InitialDelay); err != nil {
		return zero, err
	}

	var lastErr error
	for attempt := 0; ; attempt++ {
		v, err := call(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err

		delay, retryable := r.backoff(err, attempt)
		if !retryable || ctx.Err() != nil {
			return zero, err
		}
		if attempt >= r.MaxRetries {
			break
		}
		r.logger().Warn("retrying request",
			"attempt", attempt+1,
			"max_retries", r.MaxRetries,
			"delay", delay,
			"error", err)
		if err := r.sleep(ctx, delay); err != nil {
			return zero, err
		}
	}

	if IsRateLimit(lastErr) {
		return zero, fmt.Errorf("%w after %d retries: %w", ErrRateLimited, r.MaxRetries, lastErr)
	}
	return zero, fmt.Errorf("giving up after %d retries: %w", r.MaxRetries, lastErr)
}

// backoff decides whether err is worth retrying and how long to wait first.
func (r *Retrier) backoff(err error, attempt int) (time.Duration, bool) {
	if IsRateLimit(err) {
		var ra RetryAfterError
		if errors.As(err, &ra) {
			if d, ok := ParseRetryAfter(ra.RetryAfterHeader(), r.now()); ok {
				return d, true
			}
		}
		return time.Duration(1<<(attempt+1)) * time.Second, true
	}
	if r.RetryServerErrors && IsTransient(err) {
		base := r.InitialDelay
		if base <= 0 {
			base = DefaultInitialDelay
		}
		return base << attempt, true
	}
	return 0, false
}

// IsRateLimit reports whether err is an HTTP 429.
func IsRateLimit(err error) bool {
	var se StatusError
	return errors.As(err, &se) && se.HTTPStatus() == http.StatusTooManyRequests
}

// IsTransient reports whether err is a 5xx response, a timeout or a
// connection failure. Context cancellation is never transient.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var se StatusError
	if errors.As(err, &se) {
		return se.HTTPStatus() >= 500
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// ParseRetryAfter reads a Retry-After header given either as delta-seconds
// or as an HTTP date.
func ParseRetryAfter(v string, now time.Time) (time.Duration, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	if t, err := http.ParseTime(v); err == nil {
		d := t.Sub(now)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}

func (r *Retrier) sleep(ctx context.Context, d time.Duration) error {
	if r.Sleep != nil {
		return r.Sleep(ctx, d)
	}
	return SleepContext(ctx, d)
}

func (r *Retrier) sharedTimeout() time.Duration {
	if r.SharedTimeout > 0 {
		return r.SharedTimeout
	}
	return DefaultSharedTimeout
}

func (r *Retrier) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r *Retrier) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

// SleepContext waits for d or until ctx is done.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
