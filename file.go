package smbdfs

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sync"

	"github.com/google/uuid"
)

// OpenOptions describe a create request.
type OpenOptions struct {
	Access        uint32 // desired access mask
	ShareAccess   uint32 // defaults to FILE_SHARE_ALL
	Disposition   uint32 // FILE_OPEN, FILE_CREATE, ...
	CreateOptions uint32 // FILE_DIRECTORY_FILE, ...
	Attributes    WindowsAttributes
	// Durable asks the server for a handle that survives a reconnect.
	Durable bool
}

// openOptionsFromFlags maps os.OpenFile flags to create parameters.
func openOptionsFromFlags(flag int) OpenOptions {
	o := OpenOptions{ShareAccess: FILE_SHARE_ALL, Disposition: FILE_OPEN}
	switch flag & (os.O_RDONLY | os.O_WRONLY | os.O_RDWR) {
	case os.O_WRONLY:
		o.Access = FILE_WRITE_DATA | FILE_APPEND_DATA | FILE_WRITE_ATTRIBUTES | SYNCHRONIZE
	case os.O_RDWR:
		o.Access = GENERIC_READ | GENERIC_WRITE
	default:
		o.Access = GENERIC_READ
	}
	switch {
	case flag&os.O_CREATE != 0 && flag&os.O_EXCL != 0:
		o.Disposition = FILE_CREATE
	case flag&os.O_CREATE != 0 && flag&os.O_TRUNC != 0:
		o.Disposition = FILE_OVERWRITE_IF
	case flag&os.O_CREATE != 0:
		o.Disposition = FILE_OPEN_IF
	case flag&os.O_TRUNC != 0:
		o.Disposition = FILE_OVERWRITE
	}
	return o
}

// File is one open handle under a Share. It is registered before the
// create exchange and marked open only when the exchange succeeds.
type File struct {
	share *Share
	id    ID
	path  string
	opts  OpenOptions

	// createGUID identifies the open for durable reconnects.
	createGUID uuid.UUID

	mu            sync.Mutex
	fid           FileID
	open          bool
	disconnected  bool
	durable       bool
	deleteOnClose bool
	offset        int64
	info          *FileInfo
	dialectData   any
}

// createFile registers a file on sh and runs the create exchange. On
// failure the registration is undone.
func (sh *Share) createFile(ctx context.Context, path string, opts OpenOptions) (*File, error) {
	if opts.ShareAccess == 0 {
		opts.ShareAccess = FILE_SHARE_ALL
	}
	f := &File{share: sh, path: path, opts: opts, createGUID: uuid.New()}
	id, err := sh.files.Insert(path, f, false)
	if err != nil {
		return nil, err
	}
	f.id = id
	if err := sh.files.Hold(id, sh.user.shares, sh.id); err != nil {
		_ = sh.files.Remove(id)
		return nil, err
	}

	res, err := sh.Server().dialect.Create(ctx, f)
	if err != nil {
		_ = sh.files.Remove(id)
		return nil, err
	}
	f.mu.Lock()
	f.fid = res.FileID
	f.durable = res.Durable
	f.info = res.Info
	f.deleteOnClose = opts.CreateOptions&FILE_DELETE_ON_CLOSE != 0
	f.open = true
	f.mu.Unlock()
	return f, nil
}

// Name returns the share-relative path the file was opened with.
func (f *File) Name() string { return f.path }

// Share returns the share the file is open on.
func (f *File) Share() *Share { return f.share }

// Options returns the create parameters.
func (f *File) Options() OpenOptions { return f.opts }

// CreateGUID returns the GUID identifying the open.
func (f *File) CreateGUID() uuid.UUID { return f.createGUID }

// FileID returns the server handle.
func (f *File) FileID() FileID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fid
}

// IsOpen reports whether the create succeeded and the file is not closed.
func (f *File) IsOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open
}

// Disconnected reports whether the handle was lost in a reconnect.
func (f *File) Disconnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disconnected
}

// Durable reports whether the server granted a durable handle.
func (f *File) Durable() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.durable
}

// DeleteOnClose reports whether the file is removed when closed.
func (f *File) DeleteOnClose() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.deleteOnClose
}

// DialectData returns state stored by the dialect.
func (f *File) DialectData() any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dialectData
}

// SetDialectData stores dialect state on the file.
func (f *File) SetDialectData(v any) {
	f.mu.Lock()
	f.dialectData = v
	f.mu.Unlock()
}

func (f *File) markDisconnected() {
	f.mu.Lock()
	f.disconnected = true
	f.dialectData = nil
	f.mu.Unlock()
}

// restore reopens a durable handle after a reconnect. Handles that cannot
// be restored are marked disconnected.
func (f *File) restore(ctx context.Context) error {
	f.mu.Lock()
	open, durable := f.open, f.durable
	f.mu.Unlock()
	if !open {
		return nil
	}
	if !durable {
		f.markDisconnected()
		return fmt.Errorf("%s: %w", f.path, ErrHandleDisconnected)
	}
	if err := f.share.Server().dialect.RestoreHandle(ctx, f); err != nil {
		f.markDisconnected()
		return fmt.Errorf("restore %s: %w", f.path, err)
	}
	return nil
}

// usable returns the error for operations on a closed or lost handle.
func (f *File) usable() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch {
	case !f.open:
		return fs.ErrClosed
	case f.disconnected:
		return ErrHandleDisconnected
	}
	return nil
}

// run executes a handle operation, reconnecting the server when needed.
func (f *File) run(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if err := f.usable(); err != nil {
		return wrapPathError(op, f.path, err)
	}
	err := withHandleRetry(ctx, f.share.Server(), func(ctx context.Context) error {
		if err := f.usable(); err != nil {
			return err
		}
		return fn(ctx)
	})
	if err != nil {
		return wrapPathError(op, f.path, err)
	}
	return nil
}

// ReadContext reads from the current offset.
func (f *File) ReadContext(ctx context.Context, p []byte) (int, error) {
	var n int
	f.mu.Lock()
	off := f.offset
	f.mu.Unlock()
	err := f.run(ctx, "read", func(ctx context.Context) error {
		var err error
		n, err = f.share.Server().dialect.Read(ctx, f, p, off)
		if err == io.EOF {
			return nil
		}
		return err
	})
	f.mu.Lock()
	f.offset += int64(n)
	f.mu.Unlock()
	if err == nil && n == 0 && len(p) > 0 {
		return 0, io.EOF
	}
	return n, err
}

// Read implements io.Reader.
func (f *File) Read(p []byte) (int, error) {
	return f.ReadContext(context.Background(), p)
}

// WriteContext writes at the current offset.
func (f *File) WriteContext(ctx context.Context, p []byte) (int, error) {
	var n int
	f.mu.Lock()
	off := f.offset
	f.mu.Unlock()
	err := f.run(ctx, "write", func(ctx context.Context) error {
		var err error
		n, err = f.share.Server().dialect.Write(ctx, f, p, off)
		return err
	})
	f.mu.Lock()
	f.offset += int64(n)
	f.mu.Unlock()
	return n, err
}

// Write implements io.Writer.
func (f *File) Write(p []byte) (int, error) {
	return f.WriteContext(context.Background(), p)
}

// Seek sets the offset for the next Read or Write.
func (f *File) Seek(offset int64, whence int) (int64, error) {
	if err := f.usable(); err != nil {
		return 0, wrapPathError("seek", f.path, err)
	}
	var base int64
	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		f.mu.Lock()
		base = f.offset
		f.mu.Unlock()
	case io.SeekEnd:
		info, err := f.StatContext(context.Background())
		if err != nil {
			return 0, err
		}
		base = info.Size()
	default:
		return 0, wrapPathError("seek", f.path, ErrInvalidPath)
	}
	if base+offset < 0 {
		return 0, wrapPathError("seek", f.path, fs.ErrInvalid)
	}
	f.mu.Lock()
	f.offset = base + offset
	f.mu.Unlock()
	return base + offset, nil
}

// StatContext queries file information by handle.
func (f *File) StatContext(ctx context.Context) (*FileInfo, error) {
	var info *FileInfo
	err := f.run(ctx, "stat", func(ctx context.Context) error {
		var err error
		info, err = f.share.Server().dialect.QueryFileInfoByHandle(ctx, f)
		return err
	})
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.info = info
	f.mu.Unlock()
	return info, nil
}

// Stat implements fs.File.
func (f *File) Stat() (fs.FileInfo, error) {
	info, err := f.StatContext(context.Background())
	if err != nil {
		return nil, err
	}
	return info, nil
}

// SetDeleteOnClose marks or unmarks the file for deletion on close.
func (f *File) SetDeleteOnClose(ctx context.Context, del bool) error {
	err := f.run(ctx, "setdeleteonclose", func(ctx context.Context) error {
		return f.share.Server().dialect.SetFileDeleteOnClose(ctx, f, del)
	})
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.deleteOnClose = del
	f.mu.Unlock()
	return nil
}

// CloseContext closes the handle and releases the file. A disconnected
// handle is released without a wire close.
func (f *File) CloseContext(ctx context.Context) error {
	f.mu.Lock()
	open, lost := f.open, f.disconnected
	f.mu.Unlock()
	if !open {
		return nil
	}
	var err error
	if !lost {
		err = f.share.Server().dialect.Close(ctx, f)
	}
	f.mu.Lock()
	f.open = false
	f.mu.Unlock()
	if rerr := f.share.files.Remove(f.id); rerr != nil && err == nil {
		err = rerr
	}
	if err != nil {
		return wrapPathError("close", f.path, err)
	}
	return nil
}

// Close implements io.Closer.
func (f *File) Close() error {
	return f.CloseContext(context.Background())
}

func (sh *Share) disposeFile(f *File) {
	f.mu.Lock()
	open, lost := f.open, f.disconnected
	f.open = false
	f.mu.Unlock()
	if open && !lost && sh.Connected() {
		srv := sh.Server()
		ctx, cancel := context.WithTimeout(context.Background(), srv.client.config.Transport.DisconnectTimeout)
		if err := srv.dialect.Close(ctx, f); err != nil {
			srv.logger.Debug("file %s: close on dispose: %v", f.path, err)
		}
		cancel()
	}
}
