package smbdfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"sync"
	"time"

	"github.com/hirochachacha/go-smb2"
)

// SMB2Dialect runs SMB 2/3 over github.com/hirochachacha/go-smb2. The
// library owns framing and signing, so the dialect detaches the stream
// from the Transport during Negotiate and does its own reads.
//
// The library negotiates and sets up the session in a single exchange and
// supports one session per connection. It exposes neither IOCTLs nor
// durable handles: servers using it never advertise DFS, and every handle
// comes back disconnected after a reconnect. Credits are granted and spent
// inside the library, so requests never pass through the server's credit
// gate.
type SMB2Dialect struct {
	// InitialCredits is the balance granted to the credit gate after
	// negotiate.
	InitialCredits uint16
}

// NewSMB2Dialect returns the default dialect.
func NewSMB2Dialect() *SMB2Dialect {
	return &SMB2Dialect{InitialCredits: 64}
}

type smb2Conn struct {
	mu      sync.Mutex
	conn    net.Conn
	session *smb2.Session
	owner   *User
}

type smb2File struct {
	file *smb2.File
	// removeOnClose emulates delete-on-close, which the library does not
	// expose on an open handle.
	removeOnClose bool
}

type smb2Search struct {
	dir  *smb2.File
	done bool
}

const smb2BatchSize = 128

func (d *SMB2Dialect) Name() string { return "smb2" }

func (d *SMB2Dialect) Quirks() Quirks { return Quirks{} }

func (d *SMB2Dialect) Negotiate(ctx context.Context, srv *Server, extendedSecurity bool) (*NegotiateResult, error) {
	conn, err := srv.Transport().Detach()
	if err != nil {
		return nil, err
	}
	srv.SetDialectData(&smb2Conn{conn: conn})
	return &NegotiateResult{
		Dialect:          SMB2_1,
		InitialCredits:   d.InitialCredits,
		ExtendedSecurity: true,
	}, nil
}

func smb2ConnOf(srv *Server) (*smb2Conn, error) {
	c, ok := srv.DialectData().(*smb2Conn)
	if !ok || c == nil {
		return nil, fmt.Errorf("%s: %w", srv.Name(), ErrReconnectRequired)
	}
	return c, nil
}

func (d *SMB2Dialect) SessionSetup(ctx context.Context, u *User) (*SessionResult, error) {
	c, err := smb2ConnOf(u.Server())
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != nil && c.owner != u {
		return nil, fmt.Errorf("second session on %s: %w", u.Server().Name(), ErrNotSupported)
	}

	creds := u.Credentials()
	initiator := &smb2.NTLMInitiator{
		User:        creds.Username,
		Hash:        creds.Hash,
		Domain:      creds.Domain,
		Workstation: creds.Workstation,
	}
	if creds.Guest {
		initiator = &smb2.NTLMInitiator{User: "Guest"}
	}
	dialer := &smb2.Dialer{Initiator: initiator}
	session, err := dialer.DialContext(ctx, c.conn)
	if err != nil {
		return nil, mapSMB2Error("session setup", err)
	}
	c.session = session
	c.owner = u
	u.SetDialectData(session)
	return &SessionResult{Guest: creds.Guest}, nil
}

func (d *SMB2Dialect) Logoff(ctx context.Context, u *User) error {
	session, ok := u.DialectData().(*smb2.Session)
	if !ok {
		return nil
	}
	if c, err := smb2ConnOf(u.Server()); err == nil {
		c.mu.Lock()
		if c.owner == u {
			c.session, c.owner = nil, nil
		}
		c.mu.Unlock()
	}
	return mapSMB2Error("logoff", session.WithContext(ctx).Logoff())
}

func smb2SessionOf(u *User) (*smb2.Session, error) {
	s, ok := u.DialectData().(*smb2.Session)
	if !ok {
		return nil, fmt.Errorf("session %s: %w", u.Key(), ErrReconnectRequired)
	}
	return s, nil
}

func smb2ShareOf(sh *Share) (*smb2.Share, error) {
	s, ok := sh.DialectData().(*smb2.Share)
	if !ok {
		return nil, fmt.Errorf("share %s: %w", sh.UNC(), ErrReconnectRequired)
	}
	return s, nil
}

func (d *SMB2Dialect) TreeConnect(ctx context.Context, sh *Share) (*TreeResult, error) {
	session, err := smb2SessionOf(sh.User())
	if err != nil {
		return nil, err
	}
	share, err := session.WithContext(ctx).Mount(sh.UNC())
	if err != nil {
		return nil, mapSMB2Error("tree connect", err)
	}
	sh.SetDialectData(share)
	shareType := SMB2_SHARE_TYPE_DISK
	if equalFold(sh.Name(), IPCShare) {
		shareType = SMB2_SHARE_TYPE_PIPE
	}
	return &TreeResult{ShareType: shareType}, nil
}

func (d *SMB2Dialect) TreeDisconnect(ctx context.Context, sh *Share) error {
	share, err := smb2ShareOf(sh)
	if err != nil {
		return nil
	}
	return mapSMB2Error("tree disconnect", share.WithContext(ctx).Umount())
}

// ValidateNegotiate is done by the library during tree connect.
func (d *SMB2Dialect) ValidateNegotiate(ctx context.Context, sh *Share) error { return nil }

func (d *SMB2Dialect) Create(ctx context.Context, f *File) (*CreateResult, error) {
	share, err := smb2ShareOf(f.Share())
	if err != nil {
		return nil, err
	}
	opts := f.Options()
	flag := createFlags(opts)
	if opts.CreateOptions&FILE_DIRECTORY_FILE != 0 && opts.Disposition == FILE_CREATE {
		if err := share.WithContext(ctx).Mkdir(f.Name(), attributesToMode(uint32(opts.Attributes), true).Perm()); err != nil {
			return nil, mapSMB2Error("mkdir", err)
		}
		flag = os.O_RDONLY
	}
	perm := attributesToMode(uint32(opts.Attributes), false).Perm()
	// Handles outlive ctx, so they are opened on the share's base context.
	file, err := share.OpenFile(f.Name(), flag, perm)
	if err != nil {
		return nil, mapSMB2Error("create", err)
	}
	f.SetDialectData(&smb2File{file: file})
	res := &CreateResult{}
	if st, err := file.Stat(); err == nil {
		res.Info = smb2FileInfo(st)
	}
	return res, nil
}

// createFlags maps create parameters back to os.OpenFile flags.
func createFlags(o OpenOptions) int {
	var flag int
	write := o.Access&(GENERIC_WRITE|GENERIC_ALL|FILE_WRITE_DATA|FILE_APPEND_DATA) != 0
	read := o.Access&(GENERIC_READ|GENERIC_ALL|FILE_READ_DATA) != 0
	switch {
	case write && read:
		flag = os.O_RDWR
	case write:
		flag = os.O_WRONLY
	default:
		flag = os.O_RDONLY
	}
	switch o.Disposition {
	case FILE_CREATE:
		flag |= os.O_CREATE | os.O_EXCL
	case FILE_OPEN_IF:
		flag |= os.O_CREATE
	case FILE_OVERWRITE_IF, FILE_SUPERSEDE:
		flag |= os.O_CREATE | os.O_TRUNC
	case FILE_OVERWRITE:
		flag |= os.O_TRUNC
	}
	return flag
}

func smb2FileOf(f *File) (*smb2File, error) {
	h, ok := f.DialectData().(*smb2File)
	if !ok {
		return nil, ErrHandleDisconnected
	}
	return h, nil
}

func (d *SMB2Dialect) Close(ctx context.Context, f *File) error {
	h, err := smb2FileOf(f)
	if err != nil {
		return nil
	}
	err = h.file.Close()
	if h.removeOnClose && err == nil {
		if share, serr := smb2ShareOf(f.Share()); serr == nil {
			err = share.WithContext(ctx).Remove(f.Name())
		}
	}
	f.SetDialectData(nil)
	return mapSMB2Error("close", err)
}

func (d *SMB2Dialect) Read(ctx context.Context, f *File, p []byte, off int64) (int, error) {
	h, err := smb2FileOf(f)
	if err != nil {
		return 0, err
	}
	n, err := h.file.ReadAt(p, off)
	if err == io.EOF {
		return n, io.EOF
	}
	return n, mapSMB2Error("read", err)
}

func (d *SMB2Dialect) Write(ctx context.Context, f *File, p []byte, off int64) (int, error) {
	h, err := smb2FileOf(f)
	if err != nil {
		return 0, err
	}
	n, err := h.file.WriteAt(p, off)
	return n, mapSMB2Error("write", err)
}

func (d *SMB2Dialect) RestoreHandle(ctx context.Context, f *File) error {
	return ErrNotSupported
}

func (d *SMB2Dialect) SetFileDeleteOnClose(ctx context.Context, f *File, deleteOnClose bool) error {
	h, err := smb2FileOf(f)
	if err != nil {
		return err
	}
	h.removeOnClose = deleteOnClose
	return nil
}

func (d *SMB2Dialect) QueryFileInfoByHandle(ctx context.Context, f *File) (*FileInfo, error) {
	h, err := smb2FileOf(f)
	if err != nil {
		return nil, err
	}
	st, err := h.file.Stat()
	if err != nil {
		return nil, mapSMB2Error("query info", err)
	}
	return smb2FileInfo(st), nil
}

func (d *SMB2Dialect) QueryFileInfoByName(ctx context.Context, sh *Share, path string) (*FileInfo, error) {
	share, err := smb2ShareOf(sh)
	if err != nil {
		return nil, err
	}
	st, err := share.WithContext(ctx).Stat(path)
	if err != nil {
		return nil, mapSMB2Error("query info", err)
	}
	return smb2FileInfo(st), nil
}

func (d *SMB2Dialect) SetFileAttributes(ctx context.Context, sh *Share, path string, attrs *SetAttributes) error {
	share, err := smb2ShareOf(sh)
	if err != nil {
		return err
	}
	share = share.WithContext(ctx)
	if a, ok := attrs.attributes(); ok {
		if err := share.Chmod(path, attributesToMode(uint32(a), a.IsDirectory())); err != nil {
			return mapSMB2Error("set info", err)
		}
	}
	if attrs.LastAccessTime != nil || attrs.LastWriteTime != nil {
		st, err := share.Stat(path)
		if err != nil {
			return mapSMB2Error("set info", err)
		}
		atime, mtime := st.ModTime(), st.ModTime()
		if fi := smb2FileInfo(st); !fi.LastAccessTime.IsZero() {
			atime = fi.LastAccessTime
		}
		if attrs.LastAccessTime != nil {
			atime = *attrs.LastAccessTime
		}
		if attrs.LastWriteTime != nil {
			mtime = *attrs.LastWriteTime
		}
		if err := share.Chtimes(path, atime, mtime); err != nil {
			return mapSMB2Error("set info", err)
		}
	}
	if attrs.Size != nil {
		if err := share.Truncate(path, *attrs.Size); err != nil {
			return mapSMB2Error("set info", err)
		}
	}
	return nil
}

func (d *SMB2Dialect) Rename(ctx context.Context, sh *Share, oldPath, newPath string, replace bool) error {
	share, err := smb2ShareOf(sh)
	if err != nil {
		return err
	}
	share = share.WithContext(ctx)
	if !replace {
		if _, err := share.Stat(newPath); err == nil {
			return &StatusError{Status: STATUS_OBJECT_NAME_COLLISION, Op: "rename"}
		}
	}
	return mapSMB2Error("rename", share.Rename(oldPath, newPath))
}

func (d *SMB2Dialect) QueryFsInfo(ctx context.Context, sh *Share) (*FsInfo, error) {
	share, err := smb2ShareOf(sh)
	if err != nil {
		return nil, err
	}
	st, err := share.WithContext(ctx).Statfs("")
	if err != nil {
		return nil, mapSMB2Error("query fs info", err)
	}
	return &FsInfo{
		BlockSize:       st.BlockSize(),
		TotalBlocks:     st.TotalBlockCount(),
		FreeBlocks:      st.FreeBlockCount(),
		AvailableBlocks: st.AvailableBlockCount(),
	}, nil
}

func (d *SMB2Dialect) QueryDirectory(ctx context.Context, s *Search) ([]fs.FileInfo, error) {
	st, _ := s.DialectData().(*smb2Search)
	if st == nil {
		share, err := smb2ShareOf(s.Share())
		if err != nil {
			return nil, err
		}
		dir, err := share.Open(s.Path())
		if err != nil {
			return nil, mapSMB2Error("query directory", err)
		}
		st = &smb2Search{dir: dir}
		s.SetDialectData(st)
	}
	if st.done {
		return nil, io.EOF
	}
	infos, err := st.dir.Readdir(smb2BatchSize)
	if err == io.EOF || (err == nil && len(infos) < smb2BatchSize) {
		st.done = true
		_ = st.dir.Close()
		err = nil
		if len(infos) == 0 {
			return nil, io.EOF
		}
	}
	if err != nil {
		return nil, mapSMB2Error("query directory", err)
	}
	out := make([]fs.FileInfo, 0, len(infos))
	for _, fi := range infos {
		if s.Pattern() != "*" && !matchPattern(s.Pattern(), fi.Name()) {
			continue
		}
		out = append(out, smb2FileInfo(fi))
	}
	return out, nil
}

func (d *SMB2Dialect) QueryDfsReferrals(ctx context.Context, sh *Share, path string, parse ReferralParser) ([]*Referral, error) {
	return nil, fmt.Errorf("referral query for %s: %w", path, ErrNotSupported)
}

func (d *SMB2Dialect) Echo(ctx context.Context, srv *Server) error {
	if !srv.Transport().Healthy() {
		return fmt.Errorf("echo %s: %w", srv.Name(), ErrReconnectRequired)
	}
	return nil
}

// Receive is never called: the stream is detached.
func (d *SMB2Dialect) Receive(srv *Server, length int) error { return nil }

func (d *SMB2Dialect) HandleWaitingNotifyResponses(srv *Server) {}

// SignalAllMatch closes the stream so that requests blocked inside the
// library return.
func (d *SMB2Dialect) SignalAllMatch(srv *Server) {
	if c, err := smb2ConnOf(srv); err == nil {
		_ = c.conn.SetDeadline(time.Now())
	}
}

func (d *SMB2Dialect) FreeContext(srv *Server) {
	srv.SetDialectData(nil)
}

// smb2FileInfo converts library file information, keeping the Windows
// attributes and times when the library reports them.
func smb2FileInfo(info fs.FileInfo) *FileInfo {
	st, ok := info.(*smb2.FileStat)
	if !ok {
		return fileInfoFrom(info)
	}
	return &FileInfo{
		FileName:       st.Name(),
		EndOfFile:      st.EndOfFile,
		Attributes:     WindowsAttributes(st.FileAttributes),
		CreationTime:   st.CreationTime,
		LastAccessTime: st.LastAccessTime,
		LastWriteTime:  st.LastWriteTime,
		ChangeTime:     st.ChangeTime,
	}
}

// mapSMB2Error converts library errors into the client's error taxonomy.
func mapSMB2Error(op string, err error) error {
	if err == nil {
		return nil
	}
	var re *smb2.ResponseError
	if errors.As(err, &re) {
		return statusError(op, NTStatus(re.Code))
	}
	var te *smb2.TransportError
	if errors.As(err, &te) {
		return fmt.Errorf("%s: %w: %v", op, ErrReconnectRequired, err)
	}
	var ne net.Error
	if errors.As(err, &ne) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("%s: %w: %v", op, ErrReconnectRequired, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
