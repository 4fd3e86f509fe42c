package smbdfs

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// RetryPolicy bounds the retry skeleton shared by every operation.
type RetryPolicy struct {
	MaxAttempts   int           `mapstructure:"max_attempts" yaml:"max_attempts"`       // reconnects and DFS redirects (default: 3)
	InitialDelay  time.Duration `mapstructure:"initial_delay" yaml:"initial_delay"`     // delay before the first reconnect retry (default: 100ms)
	MaxDelay      time.Duration `mapstructure:"max_delay" yaml:"max_delay"`             // backoff ceiling (default: 5s)
	Multiplier    float64       `mapstructure:"multiplier" yaml:"multiplier"`           // backoff multiplier (default: 2.0)
	TryAgainLimit int           `mapstructure:"try_again_limit" yaml:"try_again_limit"` // immediate try-again retries (default: 5)
}

// defaultRetryPolicy is the default retry policy.
var defaultRetryPolicy = &RetryPolicy{
	MaxAttempts:   3,
	InitialDelay:  100 * time.Millisecond,
	MaxDelay:      5 * time.Second,
	Multiplier:    2.0,
	TryAgainLimit: 5,
}

func (p *RetryPolicy) setDefaults() {
	if p.MaxAttempts == 0 {
		p.MaxAttempts = defaultRetryPolicy.MaxAttempts
	}
	if p.InitialDelay == 0 {
		p.InitialDelay = defaultRetryPolicy.InitialDelay
	}
	if p.MaxDelay == 0 {
		p.MaxDelay = defaultRetryPolicy.MaxDelay
	}
	if p.Multiplier == 0 {
		p.Multiplier = defaultRetryPolicy.Multiplier
	}
	if p.TryAgainLimit == 0 {
		p.TryAgainLimit = defaultRetryPolicy.TryAgainLimit
	}
}

// backoff tracks the delay between reconnect attempts.
type backoff struct {
	policy *RetryPolicy
	delay  time.Duration
}

func (b *backoff) wait(ctx context.Context) error {
	if b.delay == 0 {
		b.delay = b.policy.InitialDelay
	}
	t := time.NewTimer(b.delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
	}
	b.delay = time.Duration(float64(b.delay) * b.policy.Multiplier)
	if b.delay > b.policy.MaxDelay {
		b.delay = b.policy.MaxDelay
	}
	return nil
}

// ShareOp is one wire operation against a resolved share and share-relative
// path.
type ShareOp func(ctx context.Context, sh *Share, path string) error

// withRetry runs op against path on the mount, resolving DFS redirections
// first and recovering from broken connections.
//
// Reconnect-required errors mark the server broken and reconnect it;
// try-again errors retry immediately; DFS redirects resolve again with the
// failed referral excluded. Reconnects and redirects share MaxAttempts,
// try-again has its own TryAgainLimit. Any other error is returned as is.
func (c *Client) withRetry(ctx context.Context, m *Mount, path string, op ShareOp) error {
	policy := c.config.RetryPolicy
	bo := backoff{policy: policy}

	var (
		rc       ResolveContext
		attempts int
		tryAgain int
		lastErr  error
	)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		res, err := c.ResolvePath(ctx, m, m.Share(), path, &rc)
		if err != nil {
			if !IsDFSRedirect(err) && !IsReconnectRequired(err) {
				return err
			}
			lastErr = err
			rc.Retry = true
			if attempts++; attempts >= policy.MaxAttempts {
				break
			}
			c.metrics.recordRetry(Classify(err))
			c.logger.Debug("resolve %s failed (attempt %d/%d): %v", path, attempts, policy.MaxAttempts, err)
			if err := bo.wait(ctx); err != nil {
				return err
			}
			continue
		}

		epoch := res.Share.Server().Epoch()
		err = op(ctx, res.Share, res.Path)
		rc = ResolveContext{Referral: res.Referral, Err: err, Retry: true}
		if err == nil {
			if res.Referral != nil {
				res.Referral.markIO(nil)
			}
			res.Release()
			return nil
		}
		lastErr = err

		class := Classify(err)
		reconnected := false
		switch class {
		case ClassReconnect:
			attempts++
			if attempts < policy.MaxAttempts {
				srv := res.Share.Server()
				srv.markBrokenAt(epoch, err)
				if rerr := srv.Reconnect(ctx); rerr != nil {
					c.logger.Warn("reconnect to %s failed: %v", srv.Name(), rerr)
				} else {
					reconnected = true
				}
			}
			rc = ResolveContext{Retry: true}
		case ClassTryAgain:
			tryAgain++
		case ClassDFSRedirect:
			attempts++
		}
		res.Release()

		switch {
		case class == ClassTryAgain:
			if tryAgain > policy.TryAgainLimit {
				return fmt.Errorf("%w after %d immediate retries: %w", ErrRetryExhausted, tryAgain-1, err)
			}
			c.metrics.recordRetry(class)
			continue
		case class != ClassReconnect && class != ClassDFSRedirect:
			return err
		case attempts >= policy.MaxAttempts:
			return fmt.Errorf("%w after %d attempts: %w", ErrRetryExhausted, attempts, lastErr)
		}

		c.metrics.recordRetry(class)
		c.logger.Debug("operation on %s failed (attempt %d/%d), retrying: %v", path, attempts, policy.MaxAttempts, err)
		if class == ClassReconnect && !reconnected {
			if err := bo.wait(ctx); err != nil {
				return err
			}
		}
	}
	if errors.Is(lastErr, ErrRetryExhausted) {
		return lastErr
	}
	return fmt.Errorf("%w after %d attempts: %w", ErrRetryExhausted, attempts, lastErr)
}

// withHandleRetry runs an operation on an already open handle. Handles are
// bound to one server, so only reconnects and try-again are retried.
func withHandleRetry(ctx context.Context, srv *Server, fn func(ctx context.Context) error) error {
	c := srv.client
	policy := c.config.RetryPolicy
	bo := backoff{policy: policy}

	attempts, tryAgain := 0, 0
	for {
		epoch := srv.Epoch()
		err := fn(ctx)
		if err == nil {
			return nil
		}
		switch Classify(err) {
		case ClassReconnect:
			if attempts++; attempts >= policy.MaxAttempts {
				return fmt.Errorf("%w after %d attempts: %w", ErrRetryExhausted, attempts, err)
			}
			c.metrics.recordRetry(ClassReconnect)
			srv.markBrokenAt(epoch, err)
			if rerr := srv.Reconnect(ctx); rerr != nil {
				c.logger.Warn("reconnect to %s failed: %v", srv.Name(), rerr)
				if werr := bo.wait(ctx); werr != nil {
					return werr
				}
			}
		case ClassTryAgain:
			if tryAgain++; tryAgain > policy.TryAgainLimit {
				return fmt.Errorf("%w after %d immediate retries: %w", ErrRetryExhausted, tryAgain-1, err)
			}
			c.metrics.recordRetry(ClassTryAgain)
		default:
			return err
		}
	}
}
