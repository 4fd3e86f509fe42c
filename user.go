package smbdfs

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// User is one authenticated session on a Server.
type User struct {
	server *Server
	id     ID
	key    string

	// creds is the client's own hashed copy; caller is what the caller
	// passed in and is never modified.
	creds  *Credentials
	caller *Credentials

	mu          sync.Mutex
	sessionID   uint64
	sessionKey  []byte
	signingKey  []byte
	guest       bool
	loggedOn    bool
	loggedOff   bool
	dialectData any

	shares *Table[*Share]
	ready  chan struct{}
	err    error
}

// UserLogon finds or creates the session for creds on s and returns it
// locked. The session holds a reference on s until it is disposed.
func (s *Server) UserLogon(ctx context.Context, creds *Credentials) (*User, error) {
	if creds == nil {
		creds = GuestCredentials()
	}
	key := creds.key()

	for {
		if id, u, ok := s.users.Find(key, true); ok {
			if err := u.awaitReady(ctx); err != nil {
				_ = s.users.Unlock(id)
				return nil, err
			}
			if !u.LoggedOn() {
				if err := u.logon(ctx); err != nil {
					_ = s.users.Unlock(id)
					return nil, fmt.Errorf("logon %s on %s: %w", key, s.name, err)
				}
			}
			return u, nil
		}

		u := &User{
			server: s,
			key:    key,
			creds:  creds.hashed(),
			caller: creds,
			ready:  make(chan struct{}),
		}
		u.shares = NewTable("share", u.disposeShare)

		id, err := s.users.Insert(key, u, true)
		if errors.Is(err, ErrExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		u.id = id
		if err := s.users.Hold(id, s.client.servers, s.id); err != nil {
			u.setReady(err)
			_ = s.users.Remove(id)
			return nil, err
		}

		err = u.logon(ctx)
		u.setReady(err)
		if err != nil {
			_ = s.users.Remove(id)
			return nil, fmt.Errorf("logon %s on %s: %w", key, s.name, err)
		}
		return u, nil
	}
}

func (u *User) setReady(err error) {
	u.err = err
	close(u.ready)
}

func (u *User) awaitReady(ctx context.Context) error {
	select {
	case <-u.ready:
		return u.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// logon runs session setup and stores the session keys.
func (u *User) logon(ctx context.Context) error {
	res, err := u.server.dialect.SessionSetup(ctx, u)
	if err != nil {
		return err
	}
	signing := DeriveSigningKey(res.SessionKey, u.server.Dialect(), nil)

	u.mu.Lock()
	u.sessionID = res.SessionID
	u.sessionKey = res.SessionKey
	u.signingKey = signing
	u.guest = res.Guest
	u.loggedOn = true
	u.mu.Unlock()
	u.server.logger.Debug("user %s: logged on to %s (session 0x%x)", u.key, u.server.name, res.SessionID)
	return nil
}

// resetSession forgets the session after the connection broke and marks
// every share disconnected.
func (u *User) resetSession() {
	u.mu.Lock()
	u.sessionID = 0
	u.sessionKey = nil
	u.signingKey = nil
	u.loggedOn = false
	u.dialectData = nil
	u.mu.Unlock()
	u.shares.Each(func(_ ID, sh *Share) bool {
		sh.markDisconnected()
		return true
	})
}

// Server returns the server the session belongs to.
func (u *User) Server() *Server { return u.server }

// Key returns the `domain\user` identity of the session.
func (u *User) Key() string { return u.key }

// Credentials returns the client-owned credentials used to log on.
func (u *User) Credentials() *Credentials { return u.creds }

// SessionID returns the current session id, zero while logged off.
func (u *User) SessionID() uint64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.sessionID
}

// SigningKey returns the signing key derived for the session.
func (u *User) SigningKey() []byte {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.signingKey
}

// LoggedOn reports whether the user currently has a session.
func (u *User) LoggedOn() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.loggedOn
}

// IsGuest reports whether the server accepted the logon as guest.
func (u *User) IsGuest() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.guest
}

// DialectData returns state stored by the dialect.
func (u *User) DialectData() any {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.dialectData
}

// SetDialectData stores dialect state on the user.
func (u *User) SetDialectData(v any) {
	u.mu.Lock()
	u.dialectData = v
	u.mu.Unlock()
}

// Shares returns the tree connections of the user.
func (u *User) Shares() []*Share {
	var out []*Share
	u.shares.Each(func(_ ID, sh *Share) bool {
		out = append(out, sh)
		return true
	})
	return out
}

// Lock takes a reference on the user.
func (u *User) Lock() error { return u.server.users.Lock(u.id) }

// Release drops a reference on the user.
func (u *User) Release() { _ = u.server.users.Unlock(u.id) }

// loggedOffByCaller reports whether the session ended through logoff rather
// than a broken connection.
func (u *User) loggedOffByCaller() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.loggedOff
}

func (s *Server) disposeUser(u *User) {
	u.mu.Lock()
	wasOn := u.loggedOn && u.sessionID != 0
	u.loggedOn = false
	u.loggedOff = true
	u.mu.Unlock()

	if wasOn && s.transport.Healthy() {
		ctx, cancel := context.WithTimeout(context.Background(), s.client.config.Transport.DisconnectTimeout)
		if err := s.dialect.Logoff(ctx, u); err != nil {
			s.logger.Debug("user %s: logoff: %v", u.key, err)
		}
		cancel()
	}
	if u.creds != u.caller {
		u.creds.wipe()
	}
	u.mu.Lock()
	u.sessionKey = nil
	u.signingKey = nil
	u.mu.Unlock()
	s.logger.Debug("user %s: disposed", u.key)
}
