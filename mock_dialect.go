package smbdfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// MockDialect is an in-memory server farm implementing Dialect. It serves
// hosts with shares, files, DFS referral tables and trusted domains, and
// provides the Dial, HostResolver and DCLocator collaborators a Client
// needs to reach them over net.Pipe connections.
//
// Every operation is recorded. Errors can be injected per operation, host
// and path, and connections can be broken to exercise reconnection.
type MockDialect struct {
	mu      sync.Mutex
	quirks  Quirks
	hosts   map[string]*MockHost // by folded name
	byAddr  map[string]*MockHost
	domains map[string]string // folded domain -> controller host name
	faults  []*mockFault
	nextFID uint64
	nextSID uint64

	opMu       sync.Mutex
	operations []MockOperation
}

// MockOperation records an operation performed against the mock.
type MockOperation struct {
	Op    string
	Host  string
	Share string
	Path  string
	Time  time.Time
}

type mockFault struct {
	op, host, path string
	err            error
	remaining      int
}

// MockHost is one simulated server.
type MockHost struct {
	Name string
	Addr string
	// DFS advertises DFS capability at negotiate.
	DFS bool
	// Durable grants durable handles to opens that ask for them.
	Durable bool

	gen       int
	down      bool
	passwords map[string]string // folded domain\user -> password
	shares    map[string]*MockShare
	referrals map[string][]*Referral // folded \host\share[\path] -> targets
	refKeys   map[string]string
	trusts    []string
	dcs       map[string][]string
	conns     []net.Conn
}

// MockShare is one simulated share.
type MockShare struct {
	Name    string
	DFS     bool
	DFSRoot bool
	nodes   map[string]*mockNode // folded share-relative path
}

type mockNode struct {
	name    string
	dir     bool
	data    []byte
	attrs   WindowsAttributes
	created time.Time
	atime   time.Time
	mtime   time.Time
}

func (n *mockNode) info() *FileInfo {
	attrs := n.attrs
	if n.dir {
		attrs = attrs.With(FILE_ATTRIBUTE_DIRECTORY, true)
	}
	return &FileInfo{
		FileName:       n.name,
		EndOfFile:      int64(len(n.data)),
		Attributes:     attrs,
		CreationTime:   n.created,
		LastAccessTime: n.atime,
		LastWriteTime:  n.mtime,
		ChangeTime:     n.mtime,
	}
}

type mockConn struct {
	host *MockHost
	gen  int
}

type mockSession struct {
	id  uint64
	gen int
}

type mockTree struct {
	share *MockShare
	gen   int
}

type mockHandle struct {
	share         *MockShare
	path          string
	gen           int
	deleteOnClose bool
}

type mockSearch struct {
	done bool
}

// NewMockDialect returns an empty farm.
func NewMockDialect() *MockDialect {
	return &MockDialect{
		hosts:   make(map[string]*MockHost),
		byAddr:  make(map[string]*MockHost),
		domains: make(map[string]string),
	}
}

// SetQuirks sets the quirk flags the dialect reports.
func (m *MockDialect) SetQuirks(q Quirks) {
	m.mu.Lock()
	m.quirks = q
	m.mu.Unlock()
}

// AddHost adds a server reachable at addr.
func (m *MockDialect) AddHost(name, addr string) *MockHost {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := &MockHost{
		Name:      name,
		Addr:      addr,
		passwords: make(map[string]string),
		shares:    make(map[string]*MockShare),
		referrals: make(map[string][]*Referral),
		refKeys:   make(map[string]string),
		dcs:       make(map[string][]string),
	}
	h.shares[foldKey(IPCShare)] = &MockShare{Name: IPCShare, nodes: map[string]*mockNode{}}
	m.hosts[foldKey(name)] = h
	m.byAddr[addr] = h
	return h
}

// Host returns the host called name, or nil.
func (m *MockDialect) Host(name string) *MockHost {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hosts[foldKey(name)]
}

// AddUser restricts logons on h to the listed accounts.
func (m *MockDialect) AddUser(h *MockHost, domain, user, password string) {
	m.mu.Lock()
	h.passwords[foldKey(domain+`\`+user)] = password
	m.mu.Unlock()
}

// AddShare adds a share to h.
func (m *MockDialect) AddShare(h *MockHost, name string) *MockShare {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	sh := &MockShare{Name: name, nodes: map[string]*mockNode{
		"": {name: name, dir: true, created: now, atime: now, mtime: now},
	}}
	h.shares[foldKey(name)] = sh
	return sh
}

// AddDFSRoot adds a share marked as a DFS root.
func (m *MockDialect) AddDFSRoot(h *MockHost, name string) *MockShare {
	sh := m.AddShare(h, name)
	m.mu.Lock()
	sh.DFS, sh.DFSRoot = true, true
	h.DFS = true
	m.mu.Unlock()
	return sh
}

// AddFile creates a file, and its parent directories, on sh.
func (m *MockDialect) AddFile(sh *MockShare, path string, content []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sh.put(path, &mockNode{data: append([]byte(nil), content...), attrs: FILE_ATTRIBUTE_ARCHIVE})
}

// AddDir creates a directory, and its parents, on sh.
func (m *MockDialect) AddDir(sh *MockShare, path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sh.put(path, &mockNode{dir: true})
}

// FileContent returns the content of path on sh.
func (m *MockDialect) FileContent(sh *MockShare, path string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := sh.nodes[foldKey(joinSMBPath(path))]
	if !ok || n.dir {
		return nil, false
	}
	return append([]byte(nil), n.data...), true
}

// Exists reports whether path exists on sh.
func (m *MockDialect) Exists(sh *MockShare, path string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := sh.nodes[foldKey(joinSMBPath(path))]
	return ok
}

// AddReferral makes h answer referral queries for path (\host\share[\link])
// with one entry per target, in order. root marks a namespace root.
func (m *MockDialect) AddReferral(h *MockHost, path string, root bool, ttl time.Duration, targets ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := normalizeDFSKey(path)
	refs := make([]*Referral, 0, len(targets))
	for _, t := range targets {
		refs = append(refs, &Referral{
			Version: 4,
			Root:    root,
			Path:    key,
			NetPath: toBackslash(t),
			TTL:     ttl,
		})
	}
	h.referrals[foldKey(key)] = refs
	h.refKeys[foldKey(key)] = key
}

// AddTrustedDomain makes h list domain, served by dcs, in domain referral
// queries.
func (m *MockDialect) AddTrustedDomain(h *MockHost, domain string, dcs ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h.trusts = append(h.trusts, domain)
	h.dcs[foldKey(domain)] = dcs
}

// SetDomainController makes LocateDC return host for domain.
func (m *MockDialect) SetDomainController(domain, host string) {
	m.mu.Lock()
	m.domains[foldKey(domain)] = host
	m.mu.Unlock()
}

// SetDown makes new connections to h fail.
func (m *MockDialect) SetDown(h *MockHost, down bool) {
	m.mu.Lock()
	h.down = down
	m.mu.Unlock()
}

// BreakConnection invalidates every session and handle on h and closes its
// connections.
func (m *MockDialect) BreakConnection(h *MockHost) {
	m.mu.Lock()
	h.gen++
	conns := h.conns
	h.conns = nil
	m.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}

// FailNext makes the next times calls of op fail with err. host and path
// restrict the match when non-empty; times < 0 fails forever.
func (m *MockDialect) FailNext(op, host, path string, err error, times int) {
	m.mu.Lock()
	m.faults = append(m.faults, &mockFault{
		op:        op,
		host:      foldKey(host),
		path:      foldKey(joinSMBPath(path)),
		err:       err,
		remaining: times,
	})
	m.mu.Unlock()
}

// ClearFaults removes every injected error.
func (m *MockDialect) ClearFaults() {
	m.mu.Lock()
	m.faults = nil
	m.mu.Unlock()
}

func (m *MockDialect) fault(op, host, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	host, path = foldKey(host), foldKey(joinSMBPath(path))
	for i, f := range m.faults {
		if f.op != op || (f.host != "" && f.host != host) || (f.path != "" && f.path != path) {
			continue
		}
		if f.remaining > 0 {
			if f.remaining--; f.remaining == 0 {
				m.faults = append(m.faults[:i], m.faults[i+1:]...)
			}
		}
		return f.err
	}
	return nil
}

func (m *MockDialect) record(op, host, share, path string) {
	m.opMu.Lock()
	m.operations = append(m.operations, MockOperation{Op: op, Host: host, Share: share, Path: path, Time: time.Now()})
	m.opMu.Unlock()
}

// Operations returns the recorded operations.
func (m *MockDialect) Operations() []MockOperation {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	return append([]MockOperation(nil), m.operations...)
}

// CountOps counts recorded operations named op, optionally on host.
func (m *MockDialect) CountOps(op, host string) int {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	n := 0
	for _, o := range m.operations {
		if o.Op == op && (host == "" || equalFold(o.Host, host)) {
			n++
		}
	}
	return n
}

// ResetOperations clears the operation log.
func (m *MockDialect) ResetOperations() {
	m.opMu.Lock()
	m.operations = nil
	m.opMu.Unlock()
}

// LookupHost implements HostResolver.
func (m *MockDialect) LookupHost(ctx context.Context, host string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.hosts[foldKey(host)]; ok {
		return []string{h.Addr}, nil
	}
	return nil, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
}

// LocateDC implements DCLocator.
func (m *MockDialect) LocateDC(ctx context.Context, domain string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if dc, ok := m.domains[foldKey(normalizeDomain(domain))]; ok {
		return dc, nil
	}
	return "", fmt.Errorf("locate %s: %w", domain, ErrNotFound)
}

// Dial connects to a mock host over net.Pipe. The far end answers NetBIOS
// session requests and echoes every SMB2 request back as a response.
func (m *MockDialect) Dial(ctx context.Context, network, address string) (net.Conn, error) {
	addr, port, err := net.SplitHostPort(address)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	h, ok := m.byAddr[addr]
	if !ok || h.down {
		m.mu.Unlock()
		return nil, &net.OpError{Op: "dial", Net: network, Err: errors.New("connection refused")}
	}
	client, server := net.Pipe()
	h.conns = append(h.conns, server)
	m.mu.Unlock()

	netbios := port == strconv.Itoa(139)
	go serveMockConn(server, netbios, func(req *Header, body []byte) (NTStatus, []byte) {
		return m.serveRequest(h, req, body)
	})
	return client, nil
}

// serveRequest answers one SMB2 request on h. Only referral IOCTLs carry a
// body; every other command gets an empty success.
func (m *MockDialect) serveRequest(h *MockHost, req *Header, body []byte) (NTStatus, []byte) {
	if req.Command != SMB2_IOCTL {
		return STATUS_SUCCESS, make([]byte, 4)
	}
	ctlCode, input, err := DecodeIoctlRequest(body)
	if err != nil {
		return STATUS_INVALID_PARAMETER, nil
	}
	if ctlCode != FSCTL_DFS_GET_REFERRALS {
		return STATUS_INVALID_DEVICE_REQUEST, nil
	}
	_, path, err := DecodeReferralRequest(input)
	if err != nil {
		return STATUS_INVALID_PARAMETER, nil
	}
	consumed, refs := m.lookupReferrals(h, path)
	if len(refs) == 0 {
		return STATUS_NOT_FOUND, nil
	}
	out := EncodeReferrals(consumed, DFSStorageServers, refs)
	return STATUS_SUCCESS, EncodeIoctlResponse(ctlCode, dfsFileID, out)
}

func serveMockConn(conn net.Conn, netbios bool, serve func(req *Header, body []byte) (NTStatus, []byte)) {
	defer conn.Close()
	var hdr [frameHeaderSize]byte
	for {
		if _, err := io.ReadFull(conn, hdr[:]); err != nil {
			return
		}
		n := int(hdr[1])<<16 | int(hdr[2])<<8 | int(hdr[3])
		if hdr[0] == frameSessionRequest {
			n = int(hdr[2])<<8 | int(hdr[3])
		}
		body := make([]byte, n)
		if _, err := io.ReadFull(conn, body); err != nil {
			return
		}
		switch hdr[0] {
		case frameSessionRequest:
			if netbios {
				if _, err := conn.Write([]byte{framePositiveResponse, 0, 0, 0}); err != nil {
					return
				}
			}
		case frameSessionMessage:
			req, payload, err := ParseHeader(body)
			if err != nil {
				continue
			}
			status, out := serve(req, payload)
			resp := &Header{
				Status:    status,
				Command:   req.Command,
				Credits:   1,
				Flags:     SMB2_FLAGS_SERVER_TO_REDIR,
				MessageID: req.MessageID,
				SessionID: req.SessionID,
			}
			msg := resp.Marshal(out)
			frame := append([]byte{frameSessionMessage, byte(len(msg) >> 16), byte(len(msg) >> 8), byte(len(msg))}, msg...)
			if _, err := conn.Write(frame); err != nil {
				return
			}
		}
	}
}

// exchange sends a request header for cmd and waits for its response.
func (m *MockDialect) exchange(ctx context.Context, srv *Server, cmd uint16) error {
	_, err := m.call(ctx, srv, cmd, make([]byte, 4))
	return err
}

// call sends a request for cmd with body and returns the response body.
func (m *MockDialect) call(ctx context.Context, srv *Server, cmd uint16, body []byte) ([]byte, error) {
	if err := srv.WaitForCredits(ctx, 1); err != nil {
		return nil, err
	}
	req := &Header{Command: cmd, Credits: 1, MessageID: uint64(time.Now().UnixNano())}
	msg, err := srv.Transport().Call(ctx, req.Marshal(body))
	if err != nil {
		if IsReconnectRequired(err) {
			return nil, err
		}
		return nil, fmt.Errorf("%s: %w: %v", CommandName(cmd), ErrReconnectRequired, err)
	}
	resp, payload, err := ParseHeader(msg)
	if err != nil {
		return nil, err
	}
	if !resp.IsResponse() || resp.Command != cmd {
		return nil, fmt.Errorf("%w: unexpected %s response", ErrInvalidMessage, CommandName(resp.Command))
	}
	srv.PostCredits(int32(resp.Credits))
	if err := statusError(CommandName(cmd), resp.Status); err != nil {
		return nil, err
	}
	return payload, nil
}

func (m *MockDialect) Name() string { return "mock" }

func (m *MockDialect) Quirks() Quirks {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.quirks
}

// connOf returns the live host behind srv.
func (m *MockDialect) connOf(srv *Server, op string) (*MockHost, error) {
	c, ok := srv.DialectData().(*mockConn)
	if !ok {
		return nil, statusError(op, STATUS_CONNECTION_DISCONNECTED)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.gen != c.host.gen {
		return nil, statusError(op, STATUS_CONNECTION_DISCONNECTED)
	}
	return c.host, nil
}

// shareOf returns the live share behind sh.
func (m *MockDialect) shareOf(sh *Share, op string) (*MockHost, *MockShare, error) {
	h, err := m.connOf(sh.Server(), op)
	if err != nil {
		return nil, nil, err
	}
	if s, ok := sh.User().DialectData().(*mockSession); !ok || s.gen != h.gen {
		return nil, nil, statusError(op, STATUS_USER_SESSION_DELETED)
	}
	t, ok := sh.DialectData().(*mockTree)
	if !ok || t.gen != h.gen {
		return nil, nil, statusError(op, STATUS_NETWORK_NAME_DELETED)
	}
	return h, t.share, nil
}

// sharePath strips the \host\share prefix the full-path quirk adds.
func (m *MockDialect) sharePath(sh *MockShare, p string) string {
	if m.Quirks().UseFullPath && sh.DFS {
		if _, _, rest, err := splitUNC(p); err == nil {
			return rest
		}
	}
	return joinSMBPath(p)
}

func (m *MockDialect) Negotiate(ctx context.Context, srv *Server, extendedSecurity bool) (*NegotiateResult, error) {
	m.record("negotiate", srv.Name(), "", "")
	if err := m.fault("negotiate", srv.Name(), ""); err != nil {
		return nil, err
	}
	m.mu.Lock()
	h, ok := m.hosts[foldKey(srv.Name())]
	if !ok {
		for _, a := range srv.Addrs() {
			if h, ok = m.byAddr[a]; ok {
				break
			}
		}
	}
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("negotiate %s: %w", srv.Name(), ErrNotFound)
	}
	conn := &mockConn{host: h, gen: h.gen}
	caps := uint32(0)
	if h.DFS {
		caps |= SMB2_GLOBAL_CAP_DFS
	}
	if h.Durable {
		caps |= SMB2_GLOBAL_CAP_PERSISTENT_HANDLES
	}
	m.mu.Unlock()

	// One round trip over the transport while it is still setting up.
	req := &Header{Command: SMB2_NEGOTIATE, Credits: 1}
	msg, err := srv.Transport().Call(ctx, req.Marshal(make([]byte, 4)))
	if err != nil {
		return nil, fmt.Errorf("negotiate: %w: %v", ErrReconnectRequired, err)
	}
	if _, _, err := ParseHeader(msg); err != nil {
		return nil, err
	}

	srv.SetDialectData(conn)
	return &NegotiateResult{
		Dialect:          SMB3_1_1,
		Capabilities:     caps,
		MaxTransactSize:  1 << 20,
		ServerGUID:       NewGUID(),
		InitialCredits:   32,
		ExtendedSecurity: extendedSecurity,
	}, nil
}

func (m *MockDialect) SessionSetup(ctx context.Context, u *User) (*SessionResult, error) {
	srv := u.Server()
	m.record("session_setup", srv.Name(), "", u.Key())
	h, err := m.connOf(srv, "session setup")
	if err != nil {
		return nil, err
	}
	if err := m.fault("session_setup", h.Name, ""); err != nil {
		return nil, err
	}
	creds := u.Credentials()

	m.mu.Lock()
	defer m.mu.Unlock()
	if len(h.passwords) > 0 {
		pw, ok := h.passwords[foldKey(creds.Domain+`\`+creds.Username)]
		if !ok || creds.Guest || !equalBytes((&Credentials{Password: pw}).NTHash(), creds.NTHash()) {
			return nil, statusError("session setup", STATUS_LOGON_FAILURE)
		}
	}
	m.nextSID++
	u.SetDialectData(&mockSession{id: m.nextSID, gen: h.gen})
	key := make([]byte, 16)
	copy(key, strconv.FormatUint(m.nextSID, 16))
	return &SessionResult{SessionID: m.nextSID, SessionKey: key, Guest: creds.Guest}, nil
}

func equalBytes(a, b []byte) bool {
	return string(a) == string(b)
}

func (m *MockDialect) Logoff(ctx context.Context, u *User) error {
	m.record("logoff", u.Server().Name(), "", u.Key())
	u.SetDialectData(nil)
	return nil
}

func (m *MockDialect) TreeConnect(ctx context.Context, sh *Share) (*TreeResult, error) {
	srv := sh.Server()
	m.record("tree_connect", srv.Name(), sh.Name(), "")
	h, err := m.connOf(srv, "tree connect")
	if err != nil {
		return nil, err
	}
	if s, ok := sh.User().DialectData().(*mockSession); !ok || s.gen != h.gen {
		return nil, statusError("tree connect", STATUS_USER_SESSION_DELETED)
	}
	if err := m.fault("tree_connect", h.Name, sh.Name()); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	ms, ok := h.shares[foldKey(sh.Name())]
	if !ok {
		return nil, statusError("tree connect", STATUS_BAD_NETWORK_NAME)
	}
	sh.SetDialectData(&mockTree{share: ms, gen: h.gen})
	res := &TreeResult{TreeID: uint32(len(h.shares)), ShareType: SMB2_SHARE_TYPE_DISK}
	if equalFold(ms.Name, IPCShare) {
		res.ShareType = SMB2_SHARE_TYPE_PIPE
	}
	if ms.DFS {
		res.Flags |= SMB2_SHAREFLAG_DFS
		res.Capabilities |= SMB2_SHARE_CAP_DFS
	}
	if ms.DFSRoot {
		res.Flags |= SMB2_SHAREFLAG_DFS_ROOT
	}
	return res, nil
}

func (m *MockDialect) TreeDisconnect(ctx context.Context, sh *Share) error {
	m.record("tree_disconnect", sh.Server().Name(), sh.Name(), "")
	sh.SetDialectData(nil)
	return nil
}

func (m *MockDialect) ValidateNegotiate(ctx context.Context, sh *Share) error {
	m.record("validate_negotiate", sh.Server().Name(), sh.Name(), "")
	return nil
}

// notCovered reports whether path on a DFS root share lies under a link.
func (h *MockHost) notCovered(ms *MockShare, path string) bool {
	if !ms.DFSRoot {
		return false
	}
	full := dfsPath(h.Name, ms.Name, path)
	for key, refs := range h.referrals {
		if len(refs) == 0 || refs[0].Root {
			continue
		}
		if _, ok := trimPathPrefix(full, key, '\\'); ok {
			return true
		}
	}
	return false
}

func (m *MockDialect) Create(ctx context.Context, f *File) (*CreateResult, error) {
	sh := f.Share()
	m.record("create", sh.Server().Name(), sh.Name(), f.Name())
	h, ms, err := m.shareOf(sh, "create")
	if err != nil {
		return nil, err
	}
	path := m.sharePath(ms, f.Name())
	if err := m.fault("create", h.Name, path); err != nil {
		return nil, err
	}
	opts := f.Options()

	m.mu.Lock()
	defer m.mu.Unlock()
	if h.notCovered(ms, path) {
		return nil, statusError("create", STATUS_PATH_NOT_COVERED)
	}
	key := foldKey(path)
	n, exists := ms.nodes[key]
	wantDir := opts.CreateOptions&FILE_DIRECTORY_FILE != 0
	switch opts.Disposition {
	case FILE_OPEN, FILE_OVERWRITE:
		if !exists {
			return nil, statusError("create", STATUS_OBJECT_NAME_NOT_FOUND)
		}
	case FILE_CREATE:
		if exists {
			return nil, statusError("create", STATUS_OBJECT_NAME_COLLISION)
		}
	}
	if exists {
		if wantDir && !n.dir {
			return nil, statusError("create", STATUS_NOT_A_DIRECTORY)
		}
		if !n.dir && (opts.Disposition == FILE_OVERWRITE || opts.Disposition == FILE_OVERWRITE_IF || opts.Disposition == FILE_SUPERSEDE) {
			n.data = nil
			n.mtime = time.Now()
		}
	} else {
		parent, _ := splitParent(path)
		if p, ok := ms.nodes[foldKey(parent)]; !ok || !p.dir {
			return nil, statusError("create", STATUS_OBJECT_PATH_NOT_FOUND)
		}
		n = &mockNode{dir: wantDir, attrs: opts.Attributes &^ FILE_ATTRIBUTE_DIRECTORY}
		ms.put(path, n)
	}

	m.nextFID++
	durable := opts.Durable && h.Durable
	f.SetDialectData(&mockHandle{
		share:         ms,
		path:          path,
		gen:           h.gen,
		deleteOnClose: opts.CreateOptions&FILE_DELETE_ON_CLOSE != 0,
	})
	return &CreateResult{
		FileID:  FileID{Persistent: m.nextFID, Volatile: m.nextFID},
		Durable: durable,
		Info:    n.info(),
	}, nil
}

// handleOf returns the live node behind f. Callers hold m.mu.
func (m *MockDialect) handleOf(f *File, op string) (*mockHandle, *mockNode, error) {
	hd, ok := f.DialectData().(*mockHandle)
	if !ok {
		return nil, nil, statusError(op, STATUS_FILE_CLOSED)
	}
	c, ok := f.Share().Server().DialectData().(*mockConn)
	if !ok || c.gen != c.host.gen || hd.gen != c.host.gen {
		return nil, nil, statusError(op, STATUS_CONNECTION_DISCONNECTED)
	}
	n, ok := hd.share.nodes[foldKey(hd.path)]
	if !ok {
		return nil, nil, statusError(op, STATUS_FILE_CLOSED)
	}
	return hd, n, nil
}

func (m *MockDialect) Close(ctx context.Context, f *File) error {
	m.record("close", f.Share().Server().Name(), f.Share().Name(), f.Name())
	m.mu.Lock()
	defer m.mu.Unlock()
	hd, n, err := m.handleOf(f, "close")
	switch {
	case errors.Is(err, fs.ErrClosed) && f.DialectData() != nil:
		// The node was renamed away under the open handle.
	case err != nil:
		return err
	case hd.deleteOnClose:
		hd.share.remove(hd.path, n)
	}
	f.SetDialectData(nil)
	return nil
}

func (m *MockDialect) Read(ctx context.Context, f *File, p []byte, off int64) (int, error) {
	m.record("read", f.Share().Server().Name(), f.Share().Name(), f.Name())
	if err := m.fault("read", f.Share().Server().Name(), f.Name()); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	_, n, err := m.handleOf(f, "read")
	if err != nil {
		return 0, err
	}
	if n.dir {
		return 0, statusError("read", STATUS_FILE_IS_A_DIRECTORY)
	}
	if off >= int64(len(n.data)) {
		return 0, io.EOF
	}
	n.atime = time.Now()
	return copy(p, n.data[off:]), nil
}

func (m *MockDialect) Write(ctx context.Context, f *File, p []byte, off int64) (int, error) {
	m.record("write", f.Share().Server().Name(), f.Share().Name(), f.Name())
	if err := m.fault("write", f.Share().Server().Name(), f.Name()); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	_, n, err := m.handleOf(f, "write")
	if err != nil {
		return 0, err
	}
	if end := off + int64(len(p)); end > int64(len(n.data)) {
		grown := make([]byte, end)
		copy(grown, n.data)
		n.data = grown
	}
	copy(n.data[off:], p)
	n.mtime = time.Now()
	return len(p), nil
}

func (m *MockDialect) RestoreHandle(ctx context.Context, f *File) error {
	m.record("restore_handle", f.Share().Server().Name(), f.Share().Name(), f.Name())
	h, _, err := m.shareOf(f.Share(), "restore")
	if err != nil {
		return err
	}
	if err := m.fault("restore_handle", h.Name, f.Name()); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	hd, ok := f.DialectData().(*mockHandle)
	if !ok || !h.Durable {
		return statusError("restore", STATUS_OBJECT_NAME_NOT_FOUND)
	}
	if _, ok := hd.share.nodes[foldKey(hd.path)]; !ok {
		return statusError("restore", STATUS_OBJECT_NAME_NOT_FOUND)
	}
	hd.gen = h.gen
	return nil
}

func (m *MockDialect) SetFileDeleteOnClose(ctx context.Context, f *File, deleteOnClose bool) error {
	m.record("set_delete_on_close", f.Share().Server().Name(), f.Share().Name(), f.Name())
	if err := m.fault("set_delete_on_close", f.Share().Server().Name(), f.Name()); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	hd, n, err := m.handleOf(f, "set info")
	if err != nil {
		return err
	}
	if deleteOnClose && n.dir && hd.share.hasChildren(hd.path) {
		return statusError("set info", STATUS_DIRECTORY_NOT_EMPTY)
	}
	hd.deleteOnClose = deleteOnClose
	return nil
}

func (m *MockDialect) QueryFileInfoByHandle(ctx context.Context, f *File) (*FileInfo, error) {
	m.record("query_info_handle", f.Share().Server().Name(), f.Share().Name(), f.Name())
	m.mu.Lock()
	defer m.mu.Unlock()
	_, n, err := m.handleOf(f, "query info")
	if err != nil {
		return nil, err
	}
	return n.info(), nil
}

func (m *MockDialect) QueryFileInfoByName(ctx context.Context, sh *Share, path string) (*FileInfo, error) {
	m.record("query_info", sh.Server().Name(), sh.Name(), path)
	h, ms, err := m.shareOf(sh, "query info")
	if err != nil {
		return nil, err
	}
	path = m.sharePath(ms, path)
	if err := m.fault("query_info", h.Name, path); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if h.notCovered(ms, path) {
		return nil, statusError("query info", STATUS_PATH_NOT_COVERED)
	}
	n, ok := ms.nodes[foldKey(path)]
	if !ok {
		return nil, statusError("query info", STATUS_OBJECT_NAME_NOT_FOUND)
	}
	return n.info(), nil
}

func (m *MockDialect) SetFileAttributes(ctx context.Context, sh *Share, path string, attrs *SetAttributes) error {
	m.record("set_info", sh.Server().Name(), sh.Name(), path)
	h, ms, err := m.shareOf(sh, "set info")
	if err != nil {
		return err
	}
	path = m.sharePath(ms, path)
	if err := m.fault("set_info", h.Name, path); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := ms.nodes[foldKey(path)]
	if !ok {
		return statusError("set info", STATUS_OBJECT_NAME_NOT_FOUND)
	}
	if a, ok := attrs.attributes(); ok {
		n.attrs = a &^ FILE_ATTRIBUTE_DIRECTORY
	}
	if attrs.LastAccessTime != nil {
		n.atime = *attrs.LastAccessTime
	}
	if attrs.LastWriteTime != nil {
		n.mtime = *attrs.LastWriteTime
	}
	if attrs.CreationTime != nil {
		n.created = *attrs.CreationTime
	}
	if attrs.Size != nil {
		if n.dir {
			return statusError("set info", STATUS_FILE_IS_A_DIRECTORY)
		}
		data := make([]byte, *attrs.Size)
		copy(data, n.data)
		n.data = data
	}
	return nil
}

func (m *MockDialect) Rename(ctx context.Context, sh *Share, oldPath, newPath string, replace bool) error {
	m.record("rename", sh.Server().Name(), sh.Name(), oldPath)
	h, ms, err := m.shareOf(sh, "rename")
	if err != nil {
		return err
	}
	oldPath, newPath = m.sharePath(ms, oldPath), m.sharePath(ms, newPath)
	if err := m.fault("rename", h.Name, oldPath); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := ms.nodes[foldKey(oldPath)]
	if !ok {
		return statusError("rename", STATUS_OBJECT_NAME_NOT_FOUND)
	}
	if dst, ok := ms.nodes[foldKey(newPath)]; ok {
		if !replace || dst.dir {
			return statusError("rename", STATUS_OBJECT_NAME_COLLISION)
		}
	}
	parent, _ := splitParent(newPath)
	if p, ok := ms.nodes[foldKey(parent)]; !ok || !p.dir {
		return statusError("rename", STATUS_OBJECT_PATH_NOT_FOUND)
	}
	ms.move(oldPath, newPath, n)
	return nil
}

func (m *MockDialect) QueryFsInfo(ctx context.Context, sh *Share) (*FsInfo, error) {
	m.record("query_fs_info", sh.Server().Name(), sh.Name(), "")
	h, ms, err := m.shareOf(sh, "query fs info")
	if err != nil {
		return nil, err
	}
	if err := m.fault("query_fs_info", h.Name, ""); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var used uint64
	for _, n := range ms.nodes {
		used += uint64(len(n.data))
	}
	const blockSize, total = 4096, 1 << 20
	free := uint64(total) - (used+blockSize-1)/blockSize
	return &FsInfo{
		BlockSize:       blockSize,
		TotalBlocks:     total,
		FreeBlocks:      free,
		AvailableBlocks: free,
		Label:           ms.Name,
	}, nil
}

func (m *MockDialect) QueryDirectory(ctx context.Context, s *Search) ([]fs.FileInfo, error) {
	sh := s.Share()
	m.record("query_directory", sh.Server().Name(), sh.Name(), s.Path())
	h, ms, err := m.shareOf(sh, "query directory")
	if err != nil {
		return nil, err
	}
	path := m.sharePath(ms, s.Path())
	if err := m.fault("query_directory", h.Name, path); err != nil {
		return nil, err
	}
	st, _ := s.DialectData().(*mockSearch)
	if st == nil {
		st = &mockSearch{}
		s.SetDialectData(st)
	}
	if st.done {
		return nil, io.EOF
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if h.notCovered(ms, path) {
		return nil, statusError("query directory", STATUS_PATH_NOT_COVERED)
	}
	dir, ok := ms.nodes[foldKey(path)]
	if !ok {
		return nil, statusError("query directory", STATUS_OBJECT_NAME_NOT_FOUND)
	}
	if !dir.dir {
		return nil, statusError("query directory", STATUS_NOT_A_DIRECTORY)
	}
	var out []fs.FileInfo
	for key, n := range ms.nodes {
		if parent, _ := splitParent(key); key == "" || parent != foldKey(path) {
			continue
		}
		if matchPattern(s.Pattern(), n.name) {
			out = append(out, n.info())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	st.done = true
	if len(out) == 0 {
		return nil, io.EOF
	}
	return out, nil
}

func (m *MockDialect) QueryDfsReferrals(ctx context.Context, sh *Share, path string, parse ReferralParser) ([]*Referral, error) {
	srv := sh.Server()
	m.record("query_referrals", srv.Name(), sh.Name(), path)
	h, err := m.connOf(srv, "ioctl")
	if err != nil {
		return nil, err
	}
	if err := m.fault("query_referrals", h.Name, path); err != nil {
		return nil, err
	}

	input := EncodeReferralRequest(path, srv.client.config.DFS.MaxReferralLevel)
	req := EncodeIoctlRequest(FSCTL_DFS_GET_REFERRALS, dfsFileID, input, srv.Negotiated().MaxTransactSize)
	body, err := m.call(ctx, srv, SMB2_IOCTL, req)
	if err != nil {
		return nil, err
	}
	out, err := DecodeIoctlResponse(body)
	if err != nil {
		return nil, err
	}
	return parse(out, path)
}

// lookupReferrals answers a referral request for path from h's tables: an
// empty path lists trusted domains, a single component lists the domain's
// controllers and anything longer matches the deepest configured link.
func (m *MockDialect) lookupReferrals(h *MockHost, path string) (consumed string, refs []*Referral) {
	m.mu.Lock()
	defer m.mu.Unlock()
	comps := components(path, '\\')
	switch {
	case path == "":
		for _, d := range h.trusts {
			refs = append(refs, &Referral{Version: 3, SpecialName: `\` + d, TTL: 600 * time.Second})
		}
	case len(comps) == 1:
		if dcs, ok := h.dcs[foldKey(comps[0])]; ok {
			consumed = path
			refs = []*Referral{{Version: 3, SpecialName: `\` + comps[0], ExpandedNames: dcs, TTL: 600 * time.Second}}
		}
	default:
		best := -1
		for key, list := range h.referrals {
			if _, ok := trimPathPrefix(path, key, '\\'); !ok {
				continue
			}
			if d := len(components(key, '\\')); d > best {
				best, refs = d, list
				consumed = prefixOf(path, d)
			}
		}
	}
	return consumed, refs
}

// prefixOf returns the first n components of a backslash path, with the
// request's spelling.
func prefixOf(path string, n int) string {
	comps := components(path, '\\')
	if n > len(comps) {
		n = len(comps)
	}
	return `\` + strings.Join(comps[:n], `\`)
}

func (m *MockDialect) Echo(ctx context.Context, srv *Server) error {
	m.record("echo", srv.Name(), "", "")
	h, err := m.connOf(srv, "echo")
	if err != nil {
		return err
	}
	if err := m.fault("echo", h.Name, ""); err != nil {
		return err
	}
	return m.exchange(ctx, srv, SMB2_ECHO)
}

// Receive drains unsolicited frames.
func (m *MockDialect) Receive(srv *Server, length int) error {
	_, err := srv.Transport().Receive(length)
	return err
}

func (m *MockDialect) HandleWaitingNotifyResponses(srv *Server) {}

func (m *MockDialect) SignalAllMatch(srv *Server) {
	m.record("signal_all", srv.Name(), "", "")
}

func (m *MockDialect) FreeContext(srv *Server) {
	m.record("free_context", srv.Name(), "", "")
	srv.SetDialectData(nil)
}

// put stores n at path, creating parent directories. Callers hold the
// dialect mutex.
func (ms *MockShare) put(path string, n *mockNode) {
	path = joinSMBPath(path)
	now := time.Now()
	if n.created.IsZero() {
		n.created, n.atime, n.mtime = now, now, now
	}
	comps := components(path, '\\')
	for i := 1; i < len(comps); i++ {
		p := strings.Join(comps[:i], `\`)
		if _, ok := ms.nodes[foldKey(p)]; !ok {
			ms.nodes[foldKey(p)] = &mockNode{name: comps[i-1], dir: true, created: now, atime: now, mtime: now}
		}
	}
	if len(comps) > 0 {
		n.name = comps[len(comps)-1]
	}
	ms.nodes[foldKey(path)] = n
}

func (ms *MockShare) hasChildren(path string) bool {
	prefix := foldKey(joinSMBPath(path))
	for key := range ms.nodes {
		if parent, _ := splitParent(key); key != "" && key != prefix && parent == prefix {
			return true
		}
	}
	return false
}

func (ms *MockShare) remove(path string, n *mockNode) {
	delete(ms.nodes, foldKey(joinSMBPath(path)))
}

func (ms *MockShare) move(from, to string, n *mockNode) {
	fromKey, toKey := foldKey(joinSMBPath(from)), foldKey(joinSMBPath(to))
	delete(ms.nodes, fromKey)
	_, n.name = splitParent(joinSMBPath(to))
	ms.nodes[toKey] = n
	if !n.dir {
		return
	}
	for key, child := range ms.nodes {
		if rest, ok := strings.CutPrefix(key, fromKey+`\`); ok {
			delete(ms.nodes, key)
			ms.nodes[toKey+`\`+rest] = child
		}
	}
}

// splitParent splits a share-relative path into parent and base name.
func splitParent(path string) (string, string) {
	path = joinSMBPath(path)
	if i := strings.LastIndexByte(path, '\\'); i >= 0 {
		return path[:i], path[i+1:]
	}
	return "", path
}
