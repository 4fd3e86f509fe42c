package smbdfs

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// IPCShare is the administrative share used for referral queries.
const IPCShare = "IPC$"

// Share is one tree connection under a User.
type Share struct {
	user *User
	id   ID
	name string

	mu           sync.Mutex
	treeID       uint32
	shareType    uint8
	flags        uint32
	capabilities uint32
	connected    bool
	dialectData  any

	files    *Table[*File]
	searches *Table[*Search]
	ready    chan struct{}
	err      error
}

// ShareConnect finds or creates the tree connection to name and returns it
// locked. The share holds a reference on its user until it is disposed.
func (u *User) ShareConnect(ctx context.Context, name string) (*Share, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: empty share name", ErrInvalidPath)
	}
	ctx, span := startSpan(ctx, "smbdfs.share.connect")
	var err error
	defer func() { endSpan(span, err) }()

	for {
		if id, sh, ok := u.shares.Find(name, true); ok {
			if err = sh.awaitReady(ctx); err != nil {
				_ = u.shares.Unlock(id)
				return nil, err
			}
			if !sh.Connected() {
				if err = sh.treeConnect(ctx); err != nil {
					_ = u.shares.Unlock(id)
					return nil, err
				}
			}
			return sh, nil
		}

		sh := &Share{user: u, name: name, ready: make(chan struct{})}
		sh.files = NewTable("file", sh.disposeFile)
		sh.searches = NewTable("search", sh.disposeSearch)

		var id ID
		id, err = u.shares.Insert(name, sh, true)
		if errors.Is(err, ErrExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		sh.id = id
		if err = u.shares.Hold(id, u.server.users, u.id); err != nil {
			sh.setReady(err)
			_ = u.shares.Remove(id)
			return nil, err
		}

		err = sh.treeConnect(ctx)
		sh.setReady(err)
		if err != nil {
			_ = u.shares.Remove(id)
			return nil, fmt.Errorf("tree connect %s: %w", sh.UNC(), err)
		}
		return sh, nil
	}
}

func (sh *Share) setReady(err error) {
	sh.err = err
	close(sh.ready)
}

func (sh *Share) awaitReady(ctx context.Context) error {
	select {
	case <-sh.ready:
		return sh.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (sh *Share) treeConnect(ctx context.Context) error {
	srv := sh.user.server
	res, err := srv.dialect.TreeConnect(ctx, sh)
	if err != nil {
		return err
	}
	sh.mu.Lock()
	sh.treeID = res.TreeID
	sh.shareType = res.ShareType
	sh.flags = res.Flags
	sh.capabilities = res.Capabilities
	sh.connected = true
	sh.mu.Unlock()
	srv.logger.Debug("share %s: connected (tree 0x%x, flags 0x%x)", sh.UNC(), res.TreeID, res.Flags)
	return nil
}

func (sh *Share) markDisconnected() {
	sh.mu.Lock()
	sh.connected = false
	sh.treeID = 0
	sh.dialectData = nil
	sh.mu.Unlock()
}

// Name returns the share name.
func (sh *Share) Name() string { return sh.name }

// User returns the session the share belongs to.
func (sh *Share) User() *User { return sh.user }

// Server returns the server the share belongs to.
func (sh *Share) Server() *Server { return sh.user.server }

// UNC returns \\server\share.
func (sh *Share) UNC() string {
	return `\\` + sh.user.server.name + `\` + sh.name
}

// TreeID returns the current tree id.
func (sh *Share) TreeID() uint32 {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return sh.treeID
}

// Connected reports whether the tree is connected.
func (sh *Share) Connected() bool {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return sh.connected
}

// IsDFS reports whether the share is part of a DFS namespace.
func (sh *Share) IsDFS() bool {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return sh.flags&(SMB2_SHAREFLAG_DFS|SMB2_SHAREFLAG_DFS_ROOT) != 0 ||
		sh.capabilities&SMB2_SHARE_CAP_DFS != 0
}

// IsDFSRoot reports whether the share is a DFS root.
func (sh *Share) IsDFSRoot() bool {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return sh.flags&SMB2_SHAREFLAG_DFS_ROOT != 0
}

// ShareType returns the share type reported by the server.
func (sh *Share) ShareType() uint8 {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return sh.shareType
}

// DialectData returns state stored by the dialect.
func (sh *Share) DialectData() any {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return sh.dialectData
}

// SetDialectData stores dialect state on the share.
func (sh *Share) SetDialectData(v any) {
	sh.mu.Lock()
	sh.dialectData = v
	sh.mu.Unlock()
}

// Files returns the open files of the share.
func (sh *Share) Files() []*File {
	var out []*File
	sh.files.Each(func(_ ID, f *File) bool {
		out = append(out, f)
		return true
	})
	return out
}

// Searches returns the active searches of the share.
func (sh *Share) Searches() []*Search {
	var out []*Search
	sh.searches.Each(func(_ ID, s *Search) bool {
		out = append(out, s)
		return true
	})
	return out
}

// Lock takes a reference on the share.
func (sh *Share) Lock() error { return sh.user.shares.Lock(sh.id) }

// Release drops a reference on the share.
func (sh *Share) Release() { _ = sh.user.shares.Unlock(sh.id) }

// ipcShare returns the locked IPC$ share of the same session.
func (sh *Share) ipcShare(ctx context.Context) (*Share, error) {
	if equalFold(sh.name, IPCShare) {
		if err := sh.Lock(); err != nil {
			return nil, err
		}
		return sh, nil
	}
	return sh.user.ShareConnect(ctx, IPCShare)
}

func (u *User) disposeShare(sh *Share) {
	srv := u.server
	sh.files.Each(func(id ID, f *File) bool {
		_ = sh.files.Remove(id)
		return true
	})
	sh.searches.Each(func(id ID, s *Search) bool {
		_ = sh.searches.Remove(id)
		return true
	})
	if sh.Connected() && srv.transport.Healthy() {
		ctx, cancel := context.WithTimeout(context.Background(), srv.client.config.Transport.DisconnectTimeout)
		if err := srv.dialect.TreeDisconnect(ctx, sh); err != nil {
			srv.logger.Debug("share %s: tree disconnect: %v", sh.UNC(), err)
		}
		cancel()
	}
	sh.markDisconnected()
	srv.logger.Debug("share %s: disposed", sh.UNC())
}
