package healthgate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func fastOpts(maxAttempts int) Options {
	return Options{
		BaseInterval: time.Millisecond,
		MaxInterval:  4 * time.Millisecond,
		MaxAttempts:  maxAttempts,
		Timeout:      time.Second,
	}
}

func TestAwaitHealthyFirstAttempt(t *testing.T) {
	g := New(zaptest.NewLogger(t))
	res, attempts := g.Await(context.Background(), "db", ProbeFunc(func(context.Context) error {
		return nil
	}), fastOpts(5))

	assert.Equal(t, Healthy, res)
	assert.Empty(t, attempts)
}

func TestAwaitHealthyOnLaterAttempt(t *testing.T) {
	g := New(zaptest.NewLogger(t))
	calls := 0
	res, attempts := g.Await(context.Background(), "db", ProbeFunc(func(context.Context) error {
		calls++
		if calls < 3 {
			return ErrNotReady
		}
		return nil
	}), fastOpts(5))

	assert.Equal(t, Healthy, res)
	assert.Equal(t, 3, calls)
	assert.Len(t, attempts, 2)
}

func TestAwaitExhaustsAttempts(t *testing.T) {
	g := New(zaptest.NewLogger(t))
	calls := 0
	res, attempts := g.Await(context.Background(), "db", ProbeFunc(func(context.Context) error {
		calls++
		return ErrNotReady
	}), fastOpts(5))

	assert.Equal(t, TimedOut, res)
	assert.Equal(t, 5, calls)
	assert.Len(t, attempts, 5)
}

func TestUnexpectedErrorDoesNotAbortEarly(t *testing.T) {
	g := New(zaptest.NewLogger(t))
	boom := errors.New("connection reset by peer")
	calls := 0
	res, attempts := g.Await(context.Background(), "db", ProbeFunc(func(context.Context) error {
		calls++
		if calls == 1 {
			return boom
		}
		if calls < 4 {
			return ErrNotReady
		}
		return nil
	}), fastOpts(10))

	assert.Equal(t, Healthy, res)
	require.Len(t, attempts, 3)
	assert.Equal(t, boom.Error(), attempts[0].Err)
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	g := New(zaptest.NewLogger(t))
	opts := Options{
		BaseInterval: time.Millisecond,
		MaxInterval:  4 * time.Millisecond,
		MaxAttempts:  6,
		Timeout:      time.Second,
	}
	res, attempts := g.Await(context.Background(), "db", ProbeFunc(func(context.Context) error {
		return ErrNotReady
	}), opts)

	assert.Equal(t, TimedOut, res)
	require.Len(t, attempts, 6)

	want := []time.Duration{
		1 * time.Millisecond,
		2 * time.Millisecond,
		4 * time.Millisecond,
		4 * time.Millisecond,
		4 * time.Millisecond,
		4 * time.Millisecond,
	}
	for i, a := range attempts {
		assert.Equal(t, want[i], a.Wait, "attempt %d", i+1)
	}
}

func TestCancellationInterruptsBackoffWait(t *testing.T) {
	g := New(zaptest.NewLogger(t))
	ctx, cancel := context.WithCancel(context.Background())

	opts := Options{
		BaseInterval: time.Hour, // the wait must be interrupted, not served
		MaxInterval:  time.Hour,
		MaxAttempts:  5,
		Timeout:      time.Hour,
	}

	done := make(chan Result, 1)
	go func() {
		res, _ := g.Await(ctx, "db", ProbeFunc(func(context.Context) error {
			return ErrNotReady
		}), opts)
		done <- res
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case res := <-done:
		assert.Equal(t, Cancelled, res)
	case <-time.After(2 * time.Second):
		t.Fatal("Await did not return promptly after cancellation")
	}
}

func TestTimeoutProducesTimedOut(t *testing.T) {
	g := New(zaptest.NewLogger(t))
	opts := Options{
		BaseInterval: 50 * time.Millisecond,
		MaxInterval:  50 * time.Millisecond,
		MaxAttempts:  100,
		Timeout:      20 * time.Millisecond,
	}
	res, _ := g.Await(context.Background(), "db", ProbeFunc(func(context.Context) error {
		return ErrNotReady
	}), opts)

	assert.Equal(t, TimedOut, res)
}
