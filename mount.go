package smbdfs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// MountSpec describes a mount to add.
type MountSpec struct {
	// LocalPath is the alias, e.g. "/data".
	LocalPath string
	// Remote is \\server\share (forward slashes accepted).
	Remote string
	// Prefix is an optional sub-path of the share the mount is rooted at.
	Prefix string
	// Credentials used for every session the mount needs (nil = guest).
	Credentials *Credentials
}

// Mount is a local path alias bound to a resolved share. It also keeps
// the shares pulled in through DFS referrals alive until it is removed.
type Mount struct {
	client    *Client
	id        ID
	localPath string
	remote    string
	host      string
	shareName string
	prefix    string
	creds     *Credentials
	share     *Share

	mu     sync.Mutex
	extras []*Share
}

// AddMount validates spec, connects to its share and registers the mount
// under its local path.
func (c *Client) AddMount(ctx context.Context, spec MountSpec) (*Mount, error) {
	if err := validateMountPoint(spec.LocalPath); err != nil {
		return nil, err
	}
	host, share, err := validateRemote(spec.Remote)
	if err != nil {
		return nil, err
	}
	if spec.Prefix != "" {
		if err := validatePath(spec.Prefix); err != nil {
			return nil, err
		}
	}
	local := fromSMBPath(spec.LocalPath)
	if _, _, ok := c.mounts.Find(local, false); ok {
		return nil, fmt.Errorf("mount %s: %w", local, ErrExist)
	}

	ctx, span := startSpan(ctx, "smbdfs.mount.add")
	defer func() { endSpan(span, err) }()

	creds := spec.Credentials
	if creds == nil {
		creds = GuestCredentials()
	}
	var sh *Share
	sh, err = c.connectShare(ctx, host, share, creds)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrMountFailed, spec.Remote, err)
	}
	defer sh.Release()

	m := &Mount{
		client:    c,
		localPath: local,
		remote:    `\\` + host + `\` + share,
		host:      host,
		shareName: share,
		prefix:    joinSMBPath(spec.Prefix),
		creds:     creds,
		share:     sh,
	}
	var id ID
	id, err = c.mounts.Insert(local, m, true)
	if err != nil {
		return nil, fmt.Errorf("mount %s: %w", local, err)
	}
	m.id = id
	if err = c.mounts.Hold(id, sh.user.shares, sh.id); err != nil {
		_ = c.mounts.Remove(id)
		return nil, err
	}
	c.logger.Info("mounted %s on %s", m.remote, local)
	return m, nil
}

// RemoveMount removes the mount at localPath. The shares it holds are
// released; connections nobody else uses are closed.
func (c *Client) RemoveMount(localPath string) error {
	local := fromSMBPath(localPath)
	id, _, ok := c.mounts.Find(local, false)
	if !ok {
		return fmt.Errorf("mount %s: %w", local, ErrNotFound)
	}
	return c.mounts.Remove(id)
}

// FindMount returns the mount whose local path is the longest prefix of
// localPath, and the remainder of localPath inside it.
func (c *Client) FindMount(localPath string) (*Mount, string, error) {
	local := fromSMBPath(localPath)
	var (
		best     *Mount
		bestRest string
		depth    = -1
	)
	c.mounts.Each(func(_ ID, m *Mount) bool {
		rest, ok := trimPathPrefix(local, m.localPath, '/')
		if !ok {
			return true
		}
		if d := len(components(m.localPath, '/')); d > depth {
			best, bestRest, depth = m, rest, d
		}
		return true
	})
	if best == nil {
		return nil, "", fmt.Errorf("mount for %s: %w", local, ErrNotFound)
	}
	return best, bestRest, nil
}

// Mounts returns the registered mounts ordered by local path.
func (c *Client) Mounts() []*Mount {
	var out []*Mount
	c.mounts.Each(func(_ ID, m *Mount) bool {
		out = append(out, m)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].localPath < out[j].localPath })
	return out
}

func (c *Client) disposeMount(m *Mount) {
	m.mu.Lock()
	n := len(m.extras)
	m.extras = nil
	m.mu.Unlock()
	c.logger.Info("unmounted %s (%d extra DFS shares released)", m.localPath, n)
}

// LocalPath returns the alias path.
func (m *Mount) LocalPath() string { return m.localPath }

// Remote returns \\server\share as given.
func (m *Mount) Remote() string { return m.remote }

// Prefix returns the share-relative sub-path the mount is rooted at.
func (m *Mount) Prefix() string { return m.prefix }

// Share returns the share the mount was bound to.
func (m *Mount) Share() *Share { return m.share }

// Credentials returns the credentials the mount connects with.
func (m *Mount) Credentials() *Credentials { return m.creds }

// ExtraShares returns the shares pulled in through DFS.
func (m *Mount) ExtraShares() []*Share {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Share(nil), m.extras...)
}

// addExtraShare makes the mount hold sh until it is removed. Each share is
// held at most once; the main share is never added.
func (m *Mount) addExtraShare(sh *Share) error {
	if sh == m.share {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, x := range m.extras {
		if x == sh {
			return nil
		}
	}
	if err := m.client.mounts.Hold(m.id, sh.user.shares, sh.id); err != nil {
		return err
	}
	m.extras = append(m.extras, sh)
	m.client.logger.Debug("mount %s: holding DFS share %s", m.localPath, sh.UNC())
	return nil
}

// usesUser reports whether the mount is bound through u.
func (m *Mount) usesUser(u *User) bool {
	if m.share.user == u {
		return true
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, x := range m.extras {
		if x.user == u {
			return true
		}
	}
	return false
}

// releaseMountsOf removes every mount bound through u.
func (c *Client) releaseMountsOf(u *User) {
	var ids []ID
	c.mounts.Each(func(id ID, m *Mount) bool {
		if m.usesUser(u) {
			ids = append(ids, id)
		}
		return true
	})
	for _, id := range ids {
		if err := c.mounts.Remove(id); err != nil && !errors.Is(err, ErrStale) {
			c.logger.Debug("release mount: %v", err)
		}
	}
}

// remotePath maps a path inside the mount to its share-relative path.
func (m *Mount) remotePath(rel string) string {
	return joinSMBPath(m.prefix, toSMBPath(rel))
}

func (m *Mount) String() string {
	return m.localPath + " -> " + strings.TrimSuffix(m.remote+`\`+m.prefix, `\`)
}
