package smbdfs

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ServerState is the connection state of a Server.
type ServerState int32

const (
	ServerConnecting ServerState = iota
	ServerActive
	ServerBroken
	ServerReconnecting
	ServerFailed
)

func (s ServerState) String() string {
	switch s {
	case ServerConnecting:
		return "connecting"
	case ServerActive:
		return "active"
	case ServerBroken:
		return "broken"
	case ServerReconnecting:
		return "reconnecting"
	case ServerFailed:
		return "failed"
	default:
		return fmt.Sprintf("ServerState(%d)", int32(s))
	}
}

// Server is one physical connection to a remote host. It owns the
// transport, the negotiated dialect state, the credit balance and the
// sessions (Users) logged on over it.
type Server struct {
	client    *Client
	id        ID
	name      string
	addrs     []string
	temporary bool
	dialect   Dialect
	transport *Transport
	logger    Logger

	clientGUID       uuid.UUID
	extendedSecurity bool

	mu          sync.Mutex
	negotiated  *NegotiateResult
	dialectData any

	credits creditGate
	users   *Table[*User]

	state        atomic.Int32
	epoch        atomic.Uint64 // successful connects
	broken       atomic.Bool
	reconnecting atomic.Bool

	ready    chan struct{}
	readyErr error

	reconnectMu   sync.Mutex
	reconnectDone chan struct{}
	reconnectErr  error
}

func newServer(c *Client, name string, addrs []string, temporary bool) *Server {
	s := &Server{
		client:           c,
		name:             name,
		addrs:            addrs,
		temporary:        temporary,
		dialect:          c.dialect,
		logger:           c.logger,
		clientGUID:       uuid.New(),
		extendedSecurity: true,
		ready:            make(chan struct{}),
	}
	s.users = NewTable("user", s.disposeUser)
	s.transport = NewTransport(name, &c.config.Transport, c.mux, c.config.Dial, c.logger)
	s.transport.metrics = c.metrics
	s.transport.SetHandlers(s.handleResponse, s.handleTransportFailure, s.handleIdle)
	s.state.Store(int32(ServerConnecting))
	return s
}

// Name returns the host name the server was contacted by.
func (s *Server) Name() string { return s.name }

// Addrs returns the resolved addresses, if any.
func (s *Server) Addrs() []string { return s.addrs }

// ID returns the server's key in the client registry.
func (s *Server) ID() ID { return s.id }

// Transport returns the server's transport.
func (s *Server) Transport() *Transport { return s.transport }

// ClientGUID returns the GUID sent during negotiation.
func (s *Server) ClientGUID() uuid.UUID { return s.clientGUID }

// ExtendedSecurity reports the extended-security preference used when
// negotiating.
func (s *Server) ExtendedSecurity() bool { return s.extendedSecurity }

// State returns the connection state.
func (s *Server) State() ServerState { return ServerState(s.state.Load()) }

func (s *Server) setState(st ServerState) {
	old := ServerState(s.state.Swap(int32(st)))
	if old != st {
		s.logger.Debug("server %s: %s -> %s", s.name, old, st)
	}
}

// Negotiated returns the negotiation result, or nil before negotiation.
func (s *Server) Negotiated() *NegotiateResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.negotiated
}

// Dialect returns the negotiated dialect revision.
func (s *Server) Dialect() SMBDialect {
	if n := s.Negotiated(); n != nil {
		return n.Dialect
	}
	return 0
}

// SupportsDFS reports whether the server advertised the DFS capability.
func (s *Server) SupportsDFS() bool {
	n := s.Negotiated()
	return n != nil && n.Capabilities&SMB2_GLOBAL_CAP_DFS != 0
}

// DialectData returns state stored by the dialect.
func (s *Server) DialectData() any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dialectData
}

// SetDialectData stores dialect state on the server.
func (s *Server) SetDialectData(v any) {
	s.mu.Lock()
	s.dialectData = v
	s.mu.Unlock()
}

// Credits returns the current credit balance.
func (s *Server) Credits() int32 { return s.credits.balance() }

// WaitForCredits consumes n credits, waiting up to the configured credit
// timeout for the server to grant them.
func (s *Server) WaitForCredits(ctx context.Context, n int32) error {
	start := time.Now()
	err := s.credits.wait(ctx, n, s.client.config.Credits.WaitTimeout)
	if d := time.Since(start); d > time.Millisecond || err != nil {
		s.client.metrics.recordCreditWait(d, err != nil)
	}
	if err != nil {
		return fmt.Errorf("server %s: %w", s.name, err)
	}
	return nil
}

// PostCredits adds credits granted by the server.
func (s *Server) PostCredits(n int32) {
	s.credits.post(n)
}

// Lock takes a reference on the server.
func (s *Server) Lock() error { return s.client.servers.Lock(s.id) }

// Release drops a reference on the server.
func (s *Server) Release() { _ = s.client.servers.Unlock(s.id) }

func (s *Server) setReady(err error) {
	s.readyErr = err
	close(s.ready)
}

// awaitReady waits for the first connection attempt by the creator.
func (s *Server) awaitReady(ctx context.Context) error {
	select {
	case <-s.ready:
		return s.readyErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// connect opens the transport, negotiates and hands the transport to the
// multiplexer.
func (s *Server) connect(ctx context.Context) error {
	ctx, span := startSpan(ctx, "smbdfs.server.connect")
	var err error
	defer func() { endSpan(span, err) }()

	addrs := s.addrs
	if len(addrs) == 0 {
		addrs = []string{s.name}
	}
	if err = s.transport.Connect(ctx, addrs); err != nil {
		return err
	}

	var res *NegotiateResult
	res, err = s.dialect.Negotiate(ctx, s, s.extendedSecurity)
	if err != nil {
		_ = s.transport.Disconnect(ctx)
		return err
	}
	s.mu.Lock()
	s.negotiated = res
	s.extendedSecurity = res.ExtendedSecurity
	s.mu.Unlock()
	s.credits.reset(int32(res.InitialCredits))

	if err = s.transport.MarkConnected(); err != nil {
		_ = s.transport.Disconnect(ctx)
		return err
	}
	s.epoch.Add(1)
	s.broken.Store(false)
	s.setState(ServerActive)
	return nil
}

// Epoch identifies the current connection. It changes on every successful
// connect.
func (s *Server) Epoch() uint64 { return s.epoch.Load() }

// markBroken records that the current connection is dead.
func (s *Server) markBroken(err error) {
	s.markBrokenAt(s.epoch.Load(), err)
}

// markBrokenAt records that an operation started on connection epoch found
// it dead. Errors from an older connection, or seen while a reconnect is
// running, are ignored.
func (s *Server) markBrokenAt(epoch uint64, err error) {
	if s.epoch.Load() != epoch || s.reconnecting.Load() {
		return
	}
	if s.broken.CompareAndSwap(false, true) {
		s.transport.failed.Store(true)
		s.setState(ServerBroken)
		s.logger.Debug("server %s: marked broken: %v", s.name, err)
	}
}

// needsReconnect reports whether the next use must reconnect first.
func (s *Server) needsReconnect() bool {
	return s.broken.Load() || !s.transport.Healthy()
}

func (s *Server) handleResponse(t *Transport, length int) error {
	return s.dialect.Receive(s, length)
}

// handleTransportFailure runs on its own goroutine when the multiplexer or
// a send sees the connection die. With open files the server reconnects
// now; otherwise it disconnects quietly and reconnects on next use.
func (s *Server) handleTransportFailure(t *Transport, err error) {
	if s.Lock() != nil {
		return
	}
	defer s.Release()

	s.reconnectMu.Lock()
	if s.reconnecting.Load() || !t.failed.Load() {
		// A reconnect is running or already replaced the connection.
		s.reconnectMu.Unlock()
		return
	}
	s.markBroken(err)
	s.dialect.SignalAllMatch(s)

	ctx, cancel := context.WithTimeout(context.Background(), s.client.config.Transport.ConnectTimeout)
	defer cancel()
	if len(s.openFiles()) == 0 && len(s.searches()) == 0 {
		s.logger.Debug("server %s: no open handles, disconnecting", s.name)
		_ = t.Disconnect(ctx)
		s.reconnectMu.Unlock()
		return
	}
	s.reconnectMu.Unlock()

	if rerr := s.Reconnect(ctx); rerr != nil {
		s.logger.Warn("server %s: background reconnect failed: %v", s.name, rerr)
	}
}

// handleIdle disconnects an idle server that has nothing open.
func (s *Server) handleIdle(t *Transport) {
	if len(s.openFiles()) > 0 || len(s.searches()) > 0 {
		return
	}
	s.logger.Debug("server %s: idle for %s, disconnecting", s.name, s.client.config.Transport.IdleTimeout)
	ctx, cancel := context.WithTimeout(context.Background(), s.client.config.Transport.DisconnectTimeout)
	defer cancel()
	_ = t.Disconnect(ctx)
	s.markBroken(ErrConnectionClosed)
}

// Users returns the sessions on the server.
func (s *Server) Users() []*User {
	var out []*User
	s.users.Each(func(_ ID, u *User) bool {
		out = append(out, u)
		return true
	})
	return out
}

func (s *Server) eachShare(fn func(sh *Share)) {
	s.users.Each(func(_ ID, u *User) bool {
		u.shares.Each(func(_ ID, sh *Share) bool {
			fn(sh)
			return true
		})
		return true
	})
}

func (s *Server) openFiles() []*File {
	var out []*File
	s.eachShare(func(sh *Share) {
		out = append(out, sh.Files()...)
	})
	return out
}

func (s *Server) searches() []*Search {
	var out []*Search
	s.eachShare(func(sh *Share) {
		out = append(out, sh.Searches()...)
	})
	return out
}

func (s *Server) dispose() {
	ctx, cancel := context.WithTimeout(context.Background(), s.client.config.Transport.DisconnectTimeout)
	defer cancel()
	if err := s.transport.Disconnect(ctx); err != nil {
		s.logger.Debug("server %s: disconnect: %v", s.name, err)
	}
	s.dialect.FreeContext(s)
	s.logger.Debug("server %s: disposed", s.name)
}

func (s *Server) String() string {
	return fmt.Sprintf("%s(%s)", s.name, s.State())
}
