package smbdfs

import (
	"context"
	"io"
	"io/fs"
	"sync"
)

// Search is an active directory enumeration under a Share. It has no
// durable state: after a reconnect it is always disconnected.
type Search struct {
	share   *Share
	id      ID
	path    string
	pattern string

	mu           sync.Mutex
	disconnected bool
	done         bool
	closed       bool
	dialectData  any
}

// openSearch registers a search for pattern in the directory path.
func (sh *Share) openSearch(path, pattern string) (*Search, error) {
	if pattern == "" {
		pattern = "*"
	}
	s := &Search{share: sh, path: path, pattern: pattern}
	id, err := sh.searches.Insert(path, s, false)
	if err != nil {
		return nil, err
	}
	s.id = id
	if err := sh.searches.Hold(id, sh.user.shares, sh.id); err != nil {
		_ = sh.searches.Remove(id)
		return nil, err
	}
	return s, nil
}

// Path returns the share-relative directory being enumerated.
func (s *Search) Path() string { return s.path }

// Pattern returns the search pattern.
func (s *Search) Pattern() string { return s.pattern }

// Share returns the share the search runs on.
func (s *Search) Share() *Share { return s.share }

// Disconnected reports whether the search was lost in a reconnect.
func (s *Search) Disconnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disconnected
}

// DialectData returns state stored by the dialect.
func (s *Search) DialectData() any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dialectData
}

// SetDialectData stores dialect state on the search.
func (s *Search) SetDialectData(v any) {
	s.mu.Lock()
	s.dialectData = v
	s.mu.Unlock()
}

func (s *Search) markDisconnected() {
	s.mu.Lock()
	s.disconnected = true
	s.dialectData = nil
	s.mu.Unlock()
}

// Next returns the next batch of entries, or io.EOF when the enumeration
// is complete.
func (s *Search) Next(ctx context.Context) ([]fs.FileInfo, error) {
	s.mu.Lock()
	switch {
	case s.closed:
		s.mu.Unlock()
		return nil, wrapPathError("readdir", s.path, fs.ErrClosed)
	case s.disconnected:
		s.mu.Unlock()
		return nil, wrapPathError("readdir", s.path, ErrHandleDisconnected)
	case s.done:
		s.mu.Unlock()
		return nil, io.EOF
	}
	s.mu.Unlock()

	var (
		batch []fs.FileInfo
		eof   bool
	)
	err := withHandleRetry(ctx, s.share.Server(), func(ctx context.Context) error {
		if s.Disconnected() {
			return ErrHandleDisconnected
		}
		var err error
		batch, err = s.share.Server().dialect.QueryDirectory(ctx, s)
		if err == io.EOF {
			eof = true
			return nil
		}
		return err
	})
	if eof {
		s.mu.Lock()
		s.done = true
		s.mu.Unlock()
		return batch, io.EOF
	}
	if err != nil {
		return nil, wrapPathError("readdir", s.path, err)
	}
	return batch, nil
}

// ReadAll drains the enumeration.
func (s *Search) ReadAll(ctx context.Context) ([]fs.FileInfo, error) {
	var all []fs.FileInfo
	for {
		batch, err := s.Next(ctx)
		all = append(all, batch...)
		if err == io.EOF {
			return all, nil
		}
		if err != nil {
			return all, err
		}
	}
}

// Close ends the enumeration and releases the search.
func (s *Search) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.share.searches.Remove(s.id)
}

func (sh *Share) disposeSearch(s *Search) {
	s.mu.Lock()
	s.closed = true
	s.dialectData = nil
	s.mu.Unlock()
}
