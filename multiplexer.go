package smbdfs

import (
	"context"
	"sync"
	"time"
)

// readyEvent announces that a frame (or an error) is waiting on a transport.
// The probe that produced it does not read again until done is closed.
type readyEvent struct {
	t      *Transport
	tc     *transportConn
	length int
	err    error
	done   chan struct{}
	once   *sync.Once
}

func (ev readyEvent) release() {
	if ev.done != nil {
		ev.once.Do(func() { close(ev.done) })
	}
}

type muxEntry struct {
	t       *Transport
	tc      *transportConn
	stop    chan struct{}
	probing bool
	idleAt  int64 // lastActivity value when idleness was last reported
}

type muxRequest struct {
	t   *Transport
	ack chan struct{}
}

// Multiplexer is the single receive loop shared by all transports. It
// dispatches inbound frames to synchronous receivers or response handlers
// and reports failed and idle transports.
type Multiplexer struct {
	cfg    *TransportConfig
	logger Logger

	mu      sync.Mutex
	entries map[*Transport]*muxEntry

	ready    chan readyEvent
	wake     chan struct{}
	requests chan muxRequest
	quit     chan struct{}
	done     chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once
}

// NewMultiplexer creates a stopped multiplexer.
func NewMultiplexer(cfg *TransportConfig, logger Logger) *Multiplexer {
	if logger == nil {
		logger = &NullLogger{}
	}
	return &Multiplexer{
		cfg:      cfg,
		logger:   logger,
		entries:  make(map[*Transport]*muxEntry),
		ready:    make(chan readyEvent),
		wake:     make(chan struct{}, 1),
		requests: make(chan muxRequest),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the loop goroutine.
func (m *Multiplexer) Start() {
	m.startOnce.Do(func() { go m.loop() })
}

// Stop ends the loop and waits for it to exit.
func (m *Multiplexer) Stop() {
	m.stopOnce.Do(func() {
		close(m.quit)
		m.mu.Lock()
		for t, e := range m.entries {
			close(e.stop)
			delete(m.entries, t)
		}
		m.mu.Unlock()
	})
	m.startOnce.Do(func() { close(m.done) })
	<-m.done
}

func (m *Multiplexer) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Multiplexer) register(t *Transport) {
	e := &muxEntry{t: t, tc: t.cur.Load(), stop: make(chan struct{}), idleAt: -1}
	m.mu.Lock()
	if old, ok := m.entries[t]; ok {
		close(old.stop)
	}
	m.entries[t] = e
	m.mu.Unlock()
	m.signal()
}

// unregister stops delivery for t and waits, bounded, until the loop has
// finished any dispatch in progress for it.
func (m *Multiplexer) unregister(ctx context.Context, t *Transport) {
	m.mu.Lock()
	e, ok := m.entries[t]
	if ok {
		delete(m.entries, t)
		close(e.stop)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	timer := time.NewTimer(m.cfg.DisconnectTimeout)
	defer timer.Stop()

	req := muxRequest{t: t, ack: make(chan struct{})}
	select {
	case m.requests <- req:
	case <-m.done:
		return
	case <-timer.C:
		m.logger.Warn("multiplexer: disconnect of %s not acknowledged", t.name)
		return
	case <-ctx.Done():
		return
	}
	select {
	case <-req.ack:
	case <-timer.C:
		m.logger.Warn("multiplexer: disconnect of %s not acknowledged", t.name)
	case <-ctx.Done():
	}
}

// Len returns the number of registered transports.
func (m *Multiplexer) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func (m *Multiplexer) loop() {
	defer close(m.done)
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		m.startProbes()
		select {
		case <-m.quit:
			return
		case <-m.wake:
			m.flushPending()
		case ev := <-m.ready:
			m.dispatch(ev)
		case req := <-m.requests:
			close(req.ack)
		case <-ticker.C:
			m.checkIdle()
		}
	}
}

// startProbes starts a reader for every connected transport that owns its
// stream. Transports still setting up are read synchronously by their
// owner and are skipped.
func (m *Multiplexer) startProbes() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e.probing || e.tc == nil || e.t.Detached() || e.t.State() != StateConnected {
			continue
		}
		e.probing = true
		go m.probe(e)
	}
}

// probe waits for inbound data on one transport and reports it to the loop.
func (m *Multiplexer) probe(e *muxEntry) {
	for {
		n, err := peekFrame(e.tc.rd)
		ev := readyEvent{t: e.t, tc: e.tc, length: n, err: err, done: make(chan struct{}), once: &sync.Once{}}
		select {
		case m.ready <- ev:
		case <-e.stop:
			return
		case <-m.quit:
			return
		}
		select {
		case <-ev.done:
		case <-e.stop:
			return
		case <-m.quit:
			return
		}
		if err != nil {
			return
		}
	}
}

// current reports whether ev was read from the connection its transport is
// registered with now.
func (m *Multiplexer) current(ev readyEvent) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[ev.t]
	return ok && e.tc == ev.tc
}

func (m *Multiplexer) dispatch(ev readyEvent) {
	t := ev.t
	if !m.current(ev) {
		ev.release()
		return
	}
	if w := t.takeWaiter(); w != nil {
		w <- ev
		return
	}
	if ev.err != nil {
		ev.release()
		go t.fail(ev.err)
		return
	}
	if t.State() != StateConnected {
		t.park(ev)
		return
	}
	if t.onResponse == nil {
		_, err := t.Receive(ev.length)
		ev.release()
		if err != nil {
			go t.fail(err)
		}
		return
	}
	err := t.onResponse(t, ev.length)
	ev.release()
	if err != nil {
		m.logger.Debug("multiplexer: response handler for %s: %v", t.name, err)
		if IsReconnectRequired(err) {
			go t.fail(err)
		}
	}
}

// flushPending re-dispatches events parked while a transport was not yet
// connected.
func (m *Multiplexer) flushPending() {
	m.mu.Lock()
	ts := make([]*Transport, 0, len(m.entries))
	for t := range m.entries {
		ts = append(ts, t)
	}
	m.mu.Unlock()
	for _, t := range ts {
		if t.State() != StateConnected {
			continue
		}
		if ev := t.takePending(); ev != nil {
			m.dispatch(*ev)
		}
	}
}

func (m *Multiplexer) checkIdle() {
	now := time.Now().UnixNano()
	var idle []*Transport
	m.mu.Lock()
	for t, e := range m.entries {
		last := t.lastActivity.Load()
		if last == e.idleAt || time.Duration(now-last) < m.cfg.IdleTimeout {
			continue
		}
		e.idleAt = last
		idle = append(idle, t)
	}
	m.mu.Unlock()
	for _, t := range idle {
		t.metrics.recordTransport(t.Kind(), "idle")
		if t.onIdle != nil {
			go t.onIdle(t)
		}
	}
}
