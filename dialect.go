package smbdfs

import (
	"context"
	"io/fs"
)

// NegotiateResult is what a dialect learned while negotiating.
type NegotiateResult struct {
	Dialect          SMBDialect
	Capabilities     uint32
	SecurityMode     uint16
	MaxTransactSize  uint32
	ServerGUID       [16]byte
	InitialCredits   uint16
	ExtendedSecurity bool
}

// SessionResult is the outcome of a session setup.
type SessionResult struct {
	SessionID  uint64
	SessionKey []byte
	Guest      bool
}

// TreeResult is the outcome of a tree connect.
type TreeResult struct {
	TreeID       uint32
	ShareType    uint8
	Flags        uint32
	Capabilities uint32
}

// CreateResult is the outcome of a create.
type CreateResult struct {
	FileID  FileID
	Durable bool
	Info    *FileInfo
}

// Quirks are per-dialect behaviour flags consulted by the client.
type Quirks struct {
	// CreateBeforeMove: rename needs an open handle on the source.
	CreateBeforeMove bool
	// UseFullPath: paths on DFS shares are sent as \host\share\path.
	UseFullPath bool
}

// Dialect is the per-protocol operation table. The client calls it with
// fully constructed entities and never inspects wire bytes itself, except
// for referral buffers handed to the ReferralParser.
//
// Errors should wrap ErrReconnectRequired when the connection is gone,
// ErrTryAgain when a request raced a reconnect, and *StatusError for wire
// statuses.
type Dialect interface {
	Name() string
	Quirks() Quirks

	// Negotiate runs on a transport in the SettingUp state.
	Negotiate(ctx context.Context, srv *Server, extendedSecurity bool) (*NegotiateResult, error)
	SessionSetup(ctx context.Context, u *User) (*SessionResult, error)
	Logoff(ctx context.Context, u *User) error
	TreeConnect(ctx context.Context, sh *Share) (*TreeResult, error)
	TreeDisconnect(ctx context.Context, sh *Share) error
	ValidateNegotiate(ctx context.Context, sh *Share) error

	Create(ctx context.Context, f *File) (*CreateResult, error)
	Close(ctx context.Context, f *File) error
	Read(ctx context.Context, f *File, p []byte, off int64) (int, error)
	Write(ctx context.Context, f *File, p []byte, off int64) (int, error)
	RestoreHandle(ctx context.Context, f *File) error
	SetFileDeleteOnClose(ctx context.Context, f *File, deleteOnClose bool) error
	QueryFileInfoByHandle(ctx context.Context, f *File) (*FileInfo, error)

	QueryFileInfoByName(ctx context.Context, sh *Share, path string) (*FileInfo, error)
	SetFileAttributes(ctx context.Context, sh *Share, path string, attrs *SetAttributes) error
	Rename(ctx context.Context, sh *Share, oldPath, newPath string, replace bool) error
	QueryFsInfo(ctx context.Context, sh *Share) (*FsInfo, error)
	QueryDirectory(ctx context.Context, s *Search) ([]fs.FileInfo, error)
	QueryDfsReferrals(ctx context.Context, sh *Share, path string, parse ReferralParser) ([]*Referral, error)

	Echo(ctx context.Context, srv *Server) error

	// Receive is the transport's response handler for dialects that do not
	// detach the stream.
	Receive(srv *Server, length int) error
	HandleWaitingNotifyResponses(srv *Server)
	// SignalAllMatch fails every request waiting for a response on srv.
	SignalAllMatch(srv *Server)
	// FreeContext drops server-level authentication and negotiate state.
	FreeContext(srv *Server)
}
