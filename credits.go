package smbdfs

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// creditGate admits requests against the server-granted credit balance.
//
// A request for n credits proceeds only while credits-n stays positive, so
// one credit is always held back. Waiters queue in FIFO order; a post wakes
// exactly one of them.
type creditGate struct {
	mu      sync.Mutex
	credits int32
	waiters []chan struct{}
}

// reset replaces the balance, as after a fresh negotiate.
func (g *creditGate) reset(n int32) {
	g.mu.Lock()
	g.credits = n
	g.signalLocked()
	g.mu.Unlock()
}

// balance returns the current balance.
func (g *creditGate) balance() int32 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.credits
}

// post adds n granted credits and wakes one waiter.
func (g *creditGate) post(n int32) {
	if n <= 0 {
		return
	}
	g.mu.Lock()
	g.credits += n
	g.signalLocked()
	g.mu.Unlock()
}

func (g *creditGate) signalLocked() {
	if len(g.waiters) == 0 {
		return
	}
	w := g.waiters[0]
	g.waiters = g.waiters[1:]
	w <- struct{}{}
}

// wait consumes n credits, blocking up to timeout for them to be posted.
// A timed-out wait consumes nothing.
func (g *creditGate) wait(ctx context.Context, n int32, timeout time.Duration) error {
	g.mu.Lock()
	if g.credits-n > 0 && len(g.waiters) == 0 {
		g.credits -= n
		g.mu.Unlock()
		return nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		if g.credits-n > 0 {
			g.credits -= n
			if g.credits > 1 {
				g.signalLocked()
			}
			g.mu.Unlock()
			return nil
		}
		w := make(chan struct{}, 1)
		g.waiters = append(g.waiters, w)
		g.mu.Unlock()

		var err error
		select {
		case <-w:
		case <-timer.C:
			err = fmt.Errorf("%w: need %d", ErrCreditTimeout, n)
		case <-ctx.Done():
			err = ctx.Err()
		}

		g.mu.Lock()
		if err != nil {
			g.abandonLocked(w)
			g.mu.Unlock()
			return err
		}
	}
}

// abandonLocked removes w from the queue. If w was already signalled the
// wakeup is passed on so it is not lost.
func (g *creditGate) abandonLocked(w chan struct{}) {
	for i, q := range g.waiters {
		if q == w {
			g.waiters = append(g.waiters[:i], g.waiters[i+1:]...)
			return
		}
	}
	select {
	case <-w:
		g.signalLocked()
	default:
	}
}

// waiting returns the number of queued waiters.
func (g *creditGate) waiting() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.waiters)
}
