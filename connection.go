package smbdfs

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// TransportKind names a transport protocol.
type TransportKind string

const (
	TransportDirectTCP TransportKind = "direct-tcp" // port 445
	TransportNetBIOS   TransportKind = "netbios"    // port 139
)

// priority orders kinds for connection attempts, highest first.
func (k TransportKind) priority() int {
	switch k {
	case TransportDirectTCP:
		return 2
	case TransportNetBIOS:
		return 1
	default:
		return 0
	}
}

// TransportState is the lifecycle state of a Transport.
type TransportState int32

const (
	StateDisconnected TransportState = iota
	StateConnecting
	StateSettingUp
	StateConnected
	StateDisconnecting
)

func (s TransportState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateSettingUp:
		return "setting-up"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	default:
		return fmt.Sprintf("TransportState(%d)", int32(s))
	}
}

// Session service frame types (RFC 1002). Direct TCP only uses
// frameSessionMessage with a 24-bit length.
const (
	frameSessionMessage   = 0x00
	frameSessionRequest   = 0x81
	framePositiveResponse = 0x82
	frameNegativeResponse = 0x83
	frameKeepAlive        = 0x85

	frameHeaderSize = 4
	maxFrameLength  = 1<<24 - 1
)

// ResponseHandler consumes one inbound frame of the given payload length by
// calling Transport.Receive. It runs on the multiplexer goroutine.
type ResponseHandler func(t *Transport, length int) error

// FailureHandler is notified, on its own goroutine, when a connected
// transport breaks.
type FailureHandler func(t *Transport, err error)

type transportConn struct {
	conn   net.Conn
	rd     *bufio.Reader
	kind   TransportKind
	remote string
}

// Transport is one framed stream connection to a server. Sends are
// synchronous and serialized; inbound frames are delivered either to a
// synchronous receiver or, through the Multiplexer, to the response handler.
type Transport struct {
	name    string
	cfg     *TransportConfig
	mux     *Multiplexer
	dial    DialFunc
	logger  Logger
	metrics *clientMetrics

	onResponse ResponseHandler
	onFailure  FailureHandler
	onIdle     func(*Transport)

	mu       sync.Mutex // Connect, MarkConnected, Disconnect
	sendMu   sync.Mutex
	readMu   sync.Mutex // direct reads while no probe runs
	state    atomic.Int32
	cur      atomic.Pointer[transportConn]
	detached atomic.Bool
	failed   atomic.Bool

	lastActivity atomic.Int64

	waitMu  sync.Mutex
	waiter  chan readyEvent
	pending *readyEvent
}

// NewTransport creates a disconnected transport for the server called name.
func NewTransport(name string, cfg *TransportConfig, mux *Multiplexer, dial DialFunc, logger Logger) *Transport {
	if dial == nil {
		d := &net.Dialer{Timeout: cfg.ConnectTimeout}
		dial = d.DialContext
	}
	if logger == nil {
		logger = &NullLogger{}
	}
	return &Transport{name: name, cfg: cfg, mux: mux, dial: dial, logger: logger}
}

// SetHandlers installs the callbacks. It must be called before Connect.
func (t *Transport) SetHandlers(onResponse ResponseHandler, onFailure FailureHandler, onIdle func(*Transport)) {
	t.onResponse = onResponse
	t.onFailure = onFailure
	t.onIdle = onIdle
}

// State returns the current state.
func (t *Transport) State() TransportState {
	return TransportState(t.state.Load())
}

func (t *Transport) setState(s TransportState) {
	t.state.Store(int32(s))
}

// Healthy reports whether the transport is connected and has not failed.
func (t *Transport) Healthy() bool {
	return t.State() == StateConnected && !t.failed.Load()
}

// Kind returns the kind of the current connection.
func (t *Transport) Kind() TransportKind {
	if tc := t.cur.Load(); tc != nil {
		return tc.kind
	}
	return ""
}

// RemoteAddr returns the address of the current connection.
func (t *Transport) RemoteAddr() string {
	if tc := t.cur.Load(); tc != nil {
		return tc.remote
	}
	return ""
}

// LastActivity returns the time of the last send or receive.
func (t *Transport) LastActivity() time.Time {
	return time.Unix(0, t.lastActivity.Load())
}

func (t *Transport) touch() {
	t.lastActivity.Store(time.Now().UnixNano())
}

func (t *Transport) portFor(k TransportKind) int {
	if k == TransportNetBIOS {
		return t.cfg.NetBIOSPort
	}
	return t.cfg.DirectPort
}

// Connect tries every enabled transport kind, in descending priority, against
// every address until one connects. On success the transport is SettingUp:
// the caller negotiates over it with Send/ReceiveSync and then calls
// MarkConnected.
func (t *Transport) Connect(ctx context.Context, addrs []string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch t.State() {
	case StateConnected, StateSettingUp:
		return nil
	}
	t.setState(StateConnecting)

	kinds := append([]TransportKind(nil), t.cfg.Kinds...)
	sort.SliceStable(kinds, func(i, j int) bool { return kinds[i].priority() > kinds[j].priority() })

	var errs []error
	for _, kind := range kinds {
		for _, addr := range addrs {
			if err := ctx.Err(); err != nil {
				t.setState(StateDisconnected)
				return err
			}
			tc, err := t.open(ctx, kind, addr)
			if err != nil {
				t.logger.Debug("transport %s: %s %s failed: %v", t.name, kind, addr, err)
				t.metrics.recordTransport(kind, "connect_failed")
				errs = append(errs, err)
				continue
			}
			t.cur.Store(tc)
			t.failed.Store(false)
			t.detached.Store(false)
			t.touch()
			t.setState(StateSettingUp)
			t.metrics.recordTransport(kind, "connect")
			t.logger.Debug("transport %s: connected via %s to %s", t.name, kind, tc.remote)
			return nil
		}
	}
	t.setState(StateDisconnected)
	return fmt.Errorf("%w: %s (%s): %w", ErrMountFailed, t.name, strings.Join(addrs, ","), errors.Join(errs...))
}

func (t *Transport) open(ctx context.Context, kind TransportKind, addr string) (*transportConn, error) {
	dctx, cancel := context.WithTimeout(ctx, t.cfg.ConnectTimeout)
	defer cancel()

	remote := net.JoinHostPort(addr, fmt.Sprint(t.portFor(kind)))
	conn, err := t.dial(dctx, "tcp", remote)
	if err != nil {
		return nil, err
	}
	tuneConn(conn, t.cfg)
	tc := &transportConn{conn: conn, rd: bufio.NewReaderSize(conn, MaxBufferSize), kind: kind, remote: remote}

	if kind == TransportNetBIOS {
		if err := t.sessionRequest(dctx, tc, addr); err != nil {
			conn.Close()
			return nil, err
		}
	}
	return tc, nil
}

// sessionRequest performs the NetBIOS session setup on a fresh connection.
func (t *Transport) sessionRequest(ctx context.Context, tc *transportConn, addr string) error {
	called := "*SMBSERVER"
	if net.ParseIP(addr) == nil {
		called = strings.SplitN(addr, ".", 2)[0]
	}
	body := append(encodeNetBIOSName(called, 0x20), encodeNetBIOSName(t.cfg.ClientName, 0x00)...)
	pkt := []byte{frameSessionRequest, 0, byte(len(body) >> 8), byte(len(body))}
	pkt = append(pkt, body...)

	if dl, ok := ctx.Deadline(); ok {
		tc.conn.SetDeadline(dl)
		defer tc.conn.SetDeadline(time.Time{})
	}
	if _, err := tc.conn.Write(pkt); err != nil {
		return err
	}
	var hdr [frameHeaderSize]byte
	if _, err := io.ReadFull(tc.rd, hdr[:]); err != nil {
		return err
	}
	switch hdr[0] {
	case framePositiveResponse:
		return nil
	case frameNegativeResponse:
		code, _ := tc.rd.ReadByte()
		return fmt.Errorf("netbios session rejected by %s: code 0x%02x", addr, code)
	default:
		return fmt.Errorf("netbios session request to %s: unexpected frame 0x%02x", addr, hdr[0])
	}
}

// encodeNetBIOSName returns the first-level encoding of name padded to 15
// characters plus suffix, as a length-prefixed label.
func encodeNetBIOSName(name string, suffix byte) []byte {
	raw := []byte(strings.ToUpper(name))
	if len(raw) > 15 {
		raw = raw[:15]
	}
	padded := make([]byte, 16)
	for i := range padded {
		padded[i] = ' '
	}
	copy(padded, raw)
	if name == "*SMBSERVER" {
		padded[15] = 0x20
	} else {
		padded[15] = suffix
	}
	out := make([]byte, 0, 34)
	out = append(out, 32)
	for _, b := range padded {
		out = append(out, 'A'+b>>4, 'A'+b&0x0F)
	}
	return append(out, 0)
}

// MarkConnected completes setup and hands the transport to the multiplexer.
func (t *Transport) MarkConnected() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.State() != StateSettingUp {
		return fmt.Errorf("transport %s: mark connected in state %s", t.name, t.State())
	}
	t.setState(StateConnected)
	if t.mux != nil {
		t.mux.register(t)
	}
	return nil
}

// Detach hands the raw connection to a dialect that frames and reads the
// stream itself. The multiplexer then only supervises idleness.
func (t *Transport) Detach() (net.Conn, error) {
	tc := t.cur.Load()
	if tc == nil || t.State() != StateSettingUp {
		return nil, fmt.Errorf("transport %s: detach in state %s: %w", t.name, t.State(), ErrConnectionClosed)
	}
	t.detached.Store(true)
	return &detachedConn{Conn: tc.conn, rd: tc.rd, t: t}, nil
}

// Detached reports whether the stream belongs to the dialect.
func (t *Transport) Detached() bool {
	return t.detached.Load()
}

type detachedConn struct {
	net.Conn
	rd *bufio.Reader
	t  *Transport
}

func (c *detachedConn) Read(p []byte) (int, error) {
	n, err := c.rd.Read(p)
	if n > 0 {
		c.t.touch()
	}
	return n, err
}

func (c *detachedConn) Write(p []byte) (int, error) {
	n, err := c.Conn.Write(p)
	if n > 0 {
		c.t.touch()
	}
	return n, err
}

// Send writes one framed message.
func (t *Transport) Send(ctx context.Context, msg []byte) error {
	if len(msg) > maxFrameLength {
		return fmt.Errorf("%w: message of %d bytes", ErrInvalidMessage, len(msg))
	}
	st := t.State()
	tc := t.cur.Load()
	if tc == nil || t.failed.Load() || (st != StateConnected && st != StateSettingUp) {
		return fmt.Errorf("transport %s: send in state %s: %w", t.name, st, ErrReconnectRequired)
	}

	t.sendMu.Lock()
	defer t.sendMu.Unlock()

	deadline := time.Now().Add(t.cfg.ConnectTimeout)
	if dl, ok := ctx.Deadline(); ok {
		deadline = dl
	}
	tc.conn.SetWriteDeadline(deadline)
	defer tc.conn.SetWriteDeadline(time.Time{})

	n := len(msg)
	hdr := []byte{frameSessionMessage, byte(n >> 16), byte(n >> 8), byte(n)}
	bufs := net.Buffers{hdr, msg}
	if _, err := bufs.WriteTo(tc.conn); err != nil {
		go t.fail(err)
		return fmt.Errorf("transport %s: send: %w: %v", t.name, ErrReconnectRequired, err)
	}
	t.touch()
	return nil
}

// peekFrame waits for the next session message header without consuming
// it, discarding keep-alives.
func peekFrame(rd *bufio.Reader) (int, error) {
	for {
		hdr, err := rd.Peek(frameHeaderSize)
		if err != nil {
			return 0, err
		}
		switch hdr[0] {
		case frameKeepAlive:
			if _, err := rd.Discard(frameHeaderSize); err != nil {
				return 0, err
			}
			continue
		case frameSessionMessage:
			return int(hdr[1])<<16 | int(hdr[2])<<8 | int(hdr[3]), nil
		default:
			return 0, fmt.Errorf("%w: frame type 0x%02x", ErrInvalidMessage, hdr[0])
		}
	}
}

// Receive consumes the frame whose header announced length payload bytes
// and returns the payload. Only the holder of a readiness event, or a
// synchronous receiver during setup, may call it.
func (t *Transport) Receive(length int) ([]byte, error) {
	tc := t.cur.Load()
	if tc == nil {
		return nil, ErrConnectionClosed
	}
	buf := make([]byte, frameHeaderSize+length)
	if _, err := io.ReadFull(tc.rd, buf); err != nil {
		return nil, err
	}
	t.touch()
	return buf[frameHeaderSize:], nil
}

// ReceiveSync blocks for the next inbound frame and returns its payload.
// While it waits the multiplexer skips the response handler for this
// transport.
func (t *Transport) ReceiveSync(ctx context.Context) ([]byte, error) {
	if t.readsDirect() {
		return t.receiveDirect(ctx)
	}
	t.waitMu.Lock()
	if ev := t.pending; ev != nil {
		t.pending = nil
		t.waitMu.Unlock()
		return t.consume(*ev)
	}
	ch := t.armLocked()
	t.waitMu.Unlock()
	return t.await(ctx, ch)
}

// Call sends msg and waits for the next inbound frame. The receiver is
// armed before the send so the reply cannot reach the response handler.
func (t *Transport) Call(ctx context.Context, msg []byte) ([]byte, error) {
	if t.readsDirect() {
		if err := t.Send(ctx, msg); err != nil {
			return nil, err
		}
		return t.receiveDirect(ctx)
	}
	t.waitMu.Lock()
	ch := t.armLocked()
	t.waitMu.Unlock()
	if err := t.Send(ctx, msg); err != nil {
		t.disarm(ch)
		return nil, err
	}
	return t.await(ctx, ch)
}

func (t *Transport) readsDirect() bool {
	return t.State() == StateSettingUp || t.Detached() || t.mux == nil
}

func (t *Transport) armLocked() chan readyEvent {
	ch := make(chan readyEvent, 1)
	t.waiter = ch
	return ch
}

// disarm withdraws ch. A frame already handed to it is offered again.
func (t *Transport) disarm(ch chan readyEvent) {
	t.waitMu.Lock()
	if t.waiter == ch {
		t.waiter = nil
	}
	t.waitMu.Unlock()
	select {
	case ev := <-ch:
		ev.release()
	default:
	}
}

func (t *Transport) await(ctx context.Context, ch chan readyEvent) ([]byte, error) {
	select {
	case ev := <-ch:
		return t.consume(ev)
	case <-ctx.Done():
		t.disarm(ch)
		return nil, ctx.Err()
	}
}

func (t *Transport) consume(ev readyEvent) ([]byte, error) {
	defer ev.release()
	if ev.err != nil {
		return nil, fmt.Errorf("transport %s: %w: %v", t.name, ErrReconnectRequired, ev.err)
	}
	return t.Receive(ev.length)
}

func (t *Transport) receiveDirect(ctx context.Context) ([]byte, error) {
	tc := t.cur.Load()
	if tc == nil {
		return nil, ErrConnectionClosed
	}
	t.readMu.Lock()
	defer t.readMu.Unlock()
	if dl, ok := ctx.Deadline(); ok {
		tc.conn.SetReadDeadline(dl)
		defer tc.conn.SetReadDeadline(time.Time{})
	}
	n, err := peekFrame(tc.rd)
	if err != nil {
		return nil, err
	}
	return t.Receive(n)
}

// takeWaiter removes and returns the synchronous receiver, if any.
func (t *Transport) takeWaiter() chan readyEvent {
	t.waitMu.Lock()
	defer t.waitMu.Unlock()
	w := t.waiter
	t.waiter = nil
	return w
}

// park holds ev until a synchronous receiver or the transport's connection
// completes.
func (t *Transport) park(ev readyEvent) {
	t.waitMu.Lock()
	defer t.waitMu.Unlock()
	if t.pending != nil {
		t.pending.release()
	}
	t.pending = &ev
}

func (t *Transport) takePending() *readyEvent {
	t.waitMu.Lock()
	defer t.waitMu.Unlock()
	ev := t.pending
	t.pending = nil
	return ev
}

// fail reports a broken connection to the owner once per connection.
func (t *Transport) fail(err error) {
	switch t.State() {
	case StateDisconnecting, StateDisconnected:
		return
	}
	if !t.failed.CompareAndSwap(false, true) {
		return
	}
	t.logger.Warn("transport %s: connection to %s failed: %v", t.name, t.RemoteAddr(), err)
	t.metrics.recordTransport(t.Kind(), "failure")
	if t.onFailure != nil {
		t.onFailure(t, err)
	}
}

// Disconnect closes the connection. It waits, bounded by the disconnect
// timeout, for the multiplexer to acknowledge that it stopped delivering
// for this transport.
func (t *Transport) Disconnect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.State() == StateDisconnected {
		return nil
	}
	t.setState(StateDisconnecting)

	if t.mux != nil {
		t.mux.unregister(ctx, t)
	}
	if ev := t.takePending(); ev != nil {
		ev.release()
	}

	var err error
	if tc := t.cur.Swap(nil); tc != nil {
		err = tc.conn.Close()
		t.metrics.recordTransport(tc.kind, "disconnect")
	}
	t.setState(StateDisconnected)
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	return err
}
