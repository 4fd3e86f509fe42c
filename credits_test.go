package smbdfs

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreditGate_HoldsOneBack(t *testing.T) {
	var g creditGate
	g.reset(3)
	ctx := context.Background()

	require.NoError(t, g.wait(ctx, 1, time.Second))
	require.NoError(t, g.wait(ctx, 1, time.Second))
	assert.Equal(t, int32(1), g.balance())

	err := g.wait(ctx, 1, 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrCreditTimeout)
	assert.Equal(t, int32(1), g.balance(), "a timed-out wait consumes nothing")
	assert.Equal(t, 0, g.waiting())
}

func TestCreditGate_LargeRequest(t *testing.T) {
	var g creditGate
	g.reset(4)
	err := g.wait(context.Background(), 4, 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrCreditTimeout)

	g.post(1)
	require.NoError(t, g.wait(context.Background(), 4, time.Second))
	assert.Equal(t, int32(1), g.balance())
}

func TestCreditGate_FIFO(t *testing.T) {
	var g creditGate
	g.reset(1)

	order := make(chan string, 2)
	start := func(name string, queued int) {
		go func() {
			if err := g.wait(context.Background(), 1, 5*time.Second); err == nil {
				order <- name
			}
		}()
		require.Eventually(t, func() bool { return g.waiting() == queued }, time.Second, time.Millisecond)
	}
	start("first", 1)
	start("second", 2)

	g.post(1)
	assert.Equal(t, "first", <-order)
	assert.Equal(t, 1, g.waiting())

	g.post(1)
	assert.Equal(t, "second", <-order)
	assert.Equal(t, int32(1), g.balance())
}

func TestCreditGate_PostWakesEnoughWaiters(t *testing.T) {
	var g creditGate
	g.reset(1)

	done := make(chan struct{}, 2)
	for i := 0; i < 2; i++ {
		go func() {
			if err := g.wait(context.Background(), 1, 5*time.Second); err == nil {
				done <- struct{}{}
			}
		}()
	}
	require.Eventually(t, func() bool { return g.waiting() == 2 }, time.Second, time.Millisecond)

	// Two credits admit both waiters: the first passes the wakeup on.
	g.post(2)
	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatalf("waiter %d not admitted", i+1)
		}
	}
	assert.Equal(t, int32(1), g.balance())
}

func TestCreditGate_ContextCancel(t *testing.T) {
	var g creditGate
	g.reset(1)
	ctx, cancel := context.WithCancel(context.Background())

	errc := make(chan error, 1)
	go func() { errc <- g.wait(ctx, 1, 5*time.Second) }()
	require.Eventually(t, func() bool { return g.waiting() == 1 }, time.Second, time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)
	assert.Equal(t, 0, g.waiting())
	assert.Equal(t, int32(1), g.balance())
}
