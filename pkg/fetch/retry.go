package fetch

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

// attemptError is the outcome of one failed attempt.
type attemptError struct {
	kind       error
	status     int
	retryAfter time.Duration
	err        error
}

func (e *attemptError) Error() string {
	if e.err != nil {
		return e.kind.Error() + ": " + e.err.Error()
	}
	return e.kind.Error()
}

func (e *attemptError) Unwrap() error { return e.kind }

// hintedBackOff returns a server-supplied Retry-After delay once, then
// falls back to the wrapped exponential schedule.
type hintedBackOff struct {
	backoff.BackOff
	hint time.Duration
}

func (b *hintedBackOff) NextBackOff() time.Duration {
	if b.hint > 0 {
		d := b.hint
		b.hint = 0
		return d
	}
	return b.BackOff.NextBackOff()
}

func (c *Client) newBackOff() *hintedBackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.cfg.InitialBackoff
	eb.MaxInterval = c.cfg.MaxBackoff
	return &hintedBackOff{BackOff: eb}
}

// retry runs call under the retry policy: rate limits back off up to
// MaxAttempts, service errors are retried once, everything else is final.
func (c *Client) retry(ctx context.Context, target string, call func(context.Context) (*upstreamResult, error)) (*upstreamResult, error) {
	bo := c.newBackOff()
	attempts, rateLimits, serviceErrs := 0, 0, 0

	op := func() (*upstreamResult, error) {
		attempts++
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, backoff.Permanent(err)
			}
		}

		actx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()

		res, err := call(actx)
		var ae *attemptError
		switch {
		case err == nil && res.statusCode >= 200 && res.statusCode < 300:
			return res, nil
		case err == nil:
			ae = &attemptError{
				kind:       kindForStatus(res.statusCode),
				status:     res.statusCode,
				retryAfter: parseRetryAfter(res.header.Get("Retry-After"), c.now()),
			}
		case ctx.Err() != nil:
			return nil, backoff.Permanent(ctx.Err())
		case isTimeout(err):
			ae = &attemptError{kind: ErrTimeout, err: err}
		default:
			ae = &attemptError{kind: ErrServiceError, err: err}
		}

		switch ae.kind {
		case ErrRateLimited:
			rateLimits++
			if rateLimits >= c.cfg.MaxAttempts {
				return nil, backoff.Permanent(ae)
			}
			bo.hint = min(ae.retryAfter, c.cfg.MaxBackoff)
			return nil, ae
		case ErrServiceError:
			serviceErrs++
			if serviceErrs > 1 {
				return nil, backoff.Permanent(ae)
			}
			return nil, ae
		default:
			return nil, backoff.Permanent(ae)
		}
	}

	res, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(bo),
		// Rate limits and service errors keep separate budgets; this only
		// bounds their sum.
		backoff.WithMaxTries(uint(c.cfg.MaxAttempts)+1),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.logger.Debug("retrying upstream call",
				zap.String("target", target),
				zap.Int("attempt", attempts),
				zap.Duration("backoff", next),
				zap.Error(err),
			)
		}),
	)
	if err == nil {
		return res, nil
	}

	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Unwrap()
	}
	var ae *attemptError
	if errors.As(err, &ae) {
		return nil, &Error{Kind: ae.kind, StatusCode: ae.status, Attempts: attempts, Target: target, Err: ae.err}
	}
	return nil, err
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// parseRetryAfter reads a Retry-After header given either in seconds or as an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
