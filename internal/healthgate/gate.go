// Package healthgate is the single retry/backoff mechanism for readiness
// probing. Every wait-for-service loop in the deployment goes through it, so
// the policy is defined once and tested once.
package healthgate

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

// Result classifies how an Await ended.
type Result string

const (
	Healthy   Result = "healthy"
	TimedOut  Result = "timed_out"
	Cancelled Result = "cancelled"
)

// ErrNotReady is the normal "not ready yet" signal from a probe. Any other
// probe error is unexpected; it is recorded on the attempt log but does not
// abort the schedule.
var ErrNotReady = errors.New("not ready")

// Probe checks service readiness once. A nil return means ready.
type Probe interface {
	Check(ctx context.Context) error
}

// ProbeFunc adapts a function to the Probe interface.
type ProbeFunc func(ctx context.Context) error

func (f ProbeFunc) Check(ctx context.Context) error { return f(ctx) }

// Attempt records one probe invocation.
type Attempt struct {
	N    int           `json:"n"`
	At   time.Time     `json:"at"`
	Err  string        `json:"err,omitempty"`
	Wait time.Duration `json:"wait"`
}

// Options bound the polling schedule. The interval starts at BaseInterval,
// doubles each attempt and is capped at MaxInterval; MaxAttempts and Timeout
// bound total wall-clock time deterministically.
type Options struct {
	BaseInterval time.Duration
	MaxInterval  time.Duration
	MaxAttempts  int
	Timeout      time.Duration
}

// Gate polls readiness probes with bounded exponential backoff.
type Gate struct {
	logger *zap.Logger
}

func New(logger *zap.Logger) *Gate {
	return &Gate{logger: logger}
}

// Await polls the probe until it reports ready, attempts are exhausted, the
// timeout elapses, or the run context is cancelled. Cancellation interrupts
// an in-flight backoff wait promptly.
func (g *Gate) Await(ctx context.Context, name string, p Probe, opts Options) (Result, []Attempt) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = opts.BaseInterval
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = opts.MaxInterval
	b.Reset()

	waitCtx := ctx
	var cancel context.CancelFunc
	if opts.Timeout > 0 {
		waitCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	attempts := make([]Attempt, 0, opts.MaxAttempts)
	for n := 1; n <= opts.MaxAttempts; n++ {
		err := p.Check(waitCtx)
		if err == nil {
			g.logger.Info("service healthy",
				zap.String("service", name),
				zap.Int("attempt", n))
			return Healthy, attempts
		}

		wait := b.NextBackOff()
		a := Attempt{N: n, At: time.Now(), Err: err.Error(), Wait: wait}
		attempts = append(attempts, a)

		if !errors.Is(err, ErrNotReady) {
			// Unexpected probe failure: recorded, never an early abort.
			g.logger.Warn("probe returned unexpected error",
				zap.String("service", name),
				zap.Int("attempt", n),
				zap.Error(err))
		} else {
			g.logger.Debug("service not ready",
				zap.String("service", name),
				zap.Int("attempt", n),
				zap.Duration("next_wait", wait))
		}

		if n == opts.MaxAttempts {
			break
		}

		select {
		case <-waitCtx.Done():
			return doneResult(ctx, waitCtx), attempts
		case <-time.After(wait):
		}
	}

	g.logger.Warn("health gate exhausted",
		zap.String("service", name),
		zap.Int("attempts", len(attempts)))
	return TimedOut, attempts
}

// doneResult distinguishes operator cancellation from the gate's own timeout.
func doneResult(parent, waitCtx context.Context) Result {
	if parent.Err() != nil {
		return Cancelled
	}
	if errors.Is(waitCtx.Err(), context.DeadlineExceeded) {
		return TimedOut
	}
	return Cancelled
}
