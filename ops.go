package smbdfs

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"sort"
)

// wirePath is the path a dialect sends for path on sh.
func wirePath(sh *Share, path string) string {
	if sh.Server().dialect.Quirks().UseFullPath && sh.IsDFS() {
		return dfsPath(sh.Server().Name(), sh.Name(), path)
	}
	return path
}

// mountPath finds the mount for name and the share-relative path it maps to.
func (c *Client) mountPath(op, name string) (*Mount, string, error) {
	if err := validatePath(name); err != nil {
		return nil, "", wrapPathError(op, name, err)
	}
	m, rel, err := c.FindMount(name)
	if err != nil {
		return nil, "", wrapPathError(op, name, err)
	}
	return m, m.remotePath(rel), nil
}

// Open opens the file name with os.OpenFile flags. perm applies when a
// file is created: without write bits it is created read-only.
func (c *Client) Open(ctx context.Context, name string, flag int, perm fs.FileMode) (*File, error) {
	opts := openOptionsFromFlags(flag)
	if flag&os.O_CREATE != 0 {
		opts.Attributes = WindowsAttributes(modeToAttributes(perm))
	}
	f, err := c.OpenWith(ctx, name, opts)
	if err != nil {
		return nil, err
	}
	if flag&os.O_APPEND != 0 {
		if _, err := f.Seek(0, io.SeekEnd); err != nil {
			_ = f.Close()
			return nil, err
		}
	}
	return f, nil
}

// OpenWith opens name with explicit create parameters.
func (c *Client) OpenWith(ctx context.Context, name string, opts OpenOptions) (*File, error) {
	m, path, err := c.mountPath("open", name)
	if err != nil {
		return nil, err
	}
	var f *File
	err = c.withRetry(ctx, m, path, func(ctx context.Context, sh *Share, p string) error {
		var err error
		f, err = sh.createFile(ctx, wirePath(sh, p), opts)
		return err
	})
	if err != nil {
		return nil, wrapPathError("open", name, err)
	}
	return f, nil
}

// Stat queries file information by name.
func (c *Client) Stat(ctx context.Context, name string) (*FileInfo, error) {
	m, path, err := c.mountPath("stat", name)
	if err != nil {
		return nil, err
	}
	var info *FileInfo
	err = c.withRetry(ctx, m, path, func(ctx context.Context, sh *Share, p string) error {
		var err error
		info, err = sh.Server().dialect.QueryFileInfoByName(ctx, sh, wirePath(sh, p))
		return err
	})
	if err != nil {
		return nil, wrapPathError("stat", name, err)
	}
	return info, nil
}

// Mkdir creates the directory name.
func (c *Client) Mkdir(ctx context.Context, name string, perm fs.FileMode) error {
	f, err := c.OpenWith(ctx, name, OpenOptions{
		Access:        FILE_READ_ATTRIBUTES | SYNCHRONIZE,
		Disposition:   FILE_CREATE,
		CreateOptions: FILE_DIRECTORY_FILE,
		Attributes:    WindowsAttributes(modeToAttributes(perm | fs.ModeDir)),
	})
	if err != nil {
		return wrapPathError("mkdir", name, unwrapPathError(err))
	}
	return f.Close()
}

// Remove deletes the file or empty directory name by opening it for
// delete and marking it delete-on-close.
func (c *Client) Remove(ctx context.Context, name string) error {
	m, path, err := c.mountPath("remove", name)
	if err != nil {
		return err
	}
	err = c.withRetry(ctx, m, path, func(ctx context.Context, sh *Share, p string) error {
		f, err := sh.createFile(ctx, wirePath(sh, p), OpenOptions{
			Access:      DELETE | FILE_READ_ATTRIBUTES,
			Disposition: FILE_OPEN,
		})
		if err != nil {
			return err
		}
		if err := f.share.Server().dialect.SetFileDeleteOnClose(ctx, f, true); err != nil {
			_ = f.CloseContext(ctx)
			return err
		}
		f.mu.Lock()
		f.deleteOnClose = true
		f.mu.Unlock()
		return f.CloseContext(ctx)
	})
	if err != nil {
		return wrapPathError("remove", name, unwrapPathError(err))
	}
	return nil
}

// Rename moves oldname to newname. Both must resolve to the same share;
// otherwise the error wraps ErrNotSameDevice.
func (c *Client) Rename(ctx context.Context, oldname, newname string, replace bool) error {
	m, oldPath, err := c.mountPath("rename", oldname)
	if err != nil {
		return err
	}
	m2, newPath, err := c.mountPath("rename", newname)
	if err != nil {
		return err
	}
	if m != m2 {
		return wrapPathError("rename", newname, ErrNotSameDevice)
	}

	err = c.withRetry(ctx, m, oldPath, func(ctx context.Context, sh *Share, p string) error {
		dst, err := c.ResolvePath(ctx, m, m.Share(), newPath, nil)
		if err != nil {
			return err
		}
		defer dst.Release()
		if dst.Share != sh {
			return ErrNotSameDevice
		}

		dialect := sh.Server().dialect
		from, to := wirePath(sh, p), wirePath(sh, dst.Path)
		if !dialect.Quirks().CreateBeforeMove {
			return dialect.Rename(ctx, sh, from, to, replace)
		}
		f, err := sh.createFile(ctx, from, OpenOptions{
			Access:      DELETE | FILE_READ_ATTRIBUTES | SYNCHRONIZE,
			Disposition: FILE_OPEN,
		})
		if err != nil {
			return err
		}
		err = dialect.Rename(ctx, sh, from, to, replace)
		if cerr := f.CloseContext(ctx); cerr != nil && err == nil {
			err = unwrapPathError(cerr)
		}
		return err
	})
	if err != nil {
		return wrapPathError("rename", oldname, err)
	}
	return nil
}

// SetAttributes changes attributes, times or size of name.
func (c *Client) SetAttributes(ctx context.Context, name string, attrs *SetAttributes) error {
	if attrs == nil {
		return nil
	}
	m, path, err := c.mountPath("setattr", name)
	if err != nil {
		return err
	}
	err = c.withRetry(ctx, m, path, func(ctx context.Context, sh *Share, p string) error {
		return sh.Server().dialect.SetFileAttributes(ctx, sh, wirePath(sh, p), attrs)
	})
	if err != nil {
		return wrapPathError("setattr", name, err)
	}
	return nil
}

// Statfs returns volume information for the share name lives on.
func (c *Client) Statfs(ctx context.Context, name string) (*FsInfo, error) {
	m, path, err := c.mountPath("statfs", name)
	if err != nil {
		return nil, err
	}
	var info *FsInfo
	err = c.withRetry(ctx, m, path, func(ctx context.Context, sh *Share, _ string) error {
		var err error
		info, err = sh.Server().dialect.QueryFsInfo(ctx, sh)
		return err
	})
	if err != nil {
		return nil, wrapPathError("statfs", name, err)
	}
	return info, nil
}

// Echo checks that the server name resolves to is alive.
func (c *Client) Echo(ctx context.Context, name string) error {
	m, path, err := c.mountPath("echo", name)
	if err != nil {
		return err
	}
	err = c.withRetry(ctx, m, path, func(ctx context.Context, sh *Share, _ string) error {
		return sh.Server().dialect.Echo(ctx, sh.Server())
	})
	if err != nil {
		return wrapPathError("echo", name, err)
	}
	return nil
}

// OpenSearch starts enumerating the directory name. pattern defaults to *.
func (c *Client) OpenSearch(ctx context.Context, name, pattern string) (*Search, error) {
	m, path, err := c.mountPath("opensearch", name)
	if err != nil {
		return nil, err
	}
	var s *Search
	err = c.withRetry(ctx, m, path, func(ctx context.Context, sh *Share, p string) error {
		var err error
		s, err = sh.openSearch(wirePath(sh, p), pattern)
		return err
	})
	if err != nil {
		return nil, wrapPathError("opensearch", name, err)
	}
	return s, nil
}

// ReadDir lists the directory name sorted by file name.
func (c *Client) ReadDir(ctx context.Context, name string) ([]fs.FileInfo, error) {
	s, err := c.OpenSearch(ctx, name, "*")
	if err != nil {
		return nil, err
	}
	defer s.Close()

	entries, err := s.ReadAll(ctx)
	if err != nil {
		return nil, err
	}
	out := entries[:0]
	for _, e := range entries {
		if n := e.Name(); n != "." && n != ".." {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out, nil
}

func unwrapPathError(err error) error {
	var pe *PathError
	if errors.As(err, &pe) {
		return pe.Err
	}
	return err
}

func (f *File) String() string {
	return f.share.UNC() + `\` + f.path
}
