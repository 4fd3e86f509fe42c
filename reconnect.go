package smbdfs

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
)

// Reconnect re-establishes a broken connection and everything that was
// built on it: sessions are set up again, tree connects are redone and
// durable handles restored. Non-durable handles and searches come back
// disconnected. Mounts bound through a session that cannot log on again
// are released.
//
// Concurrent callers share one reconnect and its result. A server that
// turns out to be healthy, or that has no session to restore, is left
// alone.
func (s *Server) Reconnect(ctx context.Context) error {
	s.reconnectMu.Lock()
	if s.reconnecting.Load() {
		done := s.reconnectDone
		s.reconnectMu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
		s.reconnectMu.Lock()
		err := s.reconnectErr
		s.reconnectMu.Unlock()
		return err
	}
	if !s.broken.Load() && s.transport.Healthy() {
		s.reconnectMu.Unlock()
		s.logger.Debug("server %s: connection is healthy, nothing to reconnect", s.name)
		return nil
	}
	s.reconnecting.Store(true)
	s.reconnectDone = make(chan struct{})
	s.reconnectMu.Unlock()

	err := s.reconnect(ctx)

	s.reconnectMu.Lock()
	s.reconnectErr = err
	s.reconnecting.Store(false)
	close(s.reconnectDone)
	s.reconnectMu.Unlock()
	return err
}

func (s *Server) reconnect(ctx context.Context) (err error) {
	// Users whose session died with a previous failed attempt are still
	// owed a logon.
	var users []*User
	s.users.Each(func(_ ID, u *User) bool {
		if !u.loggedOffByCaller() {
			users = append(users, u)
		}
		return true
	})
	if len(users) == 0 {
		s.logger.Debug("server %s: no sessions, disconnecting instead of reconnecting", s.name)
		_ = s.transport.Disconnect(ctx)
		s.client.metrics.recordReconnect("skipped")
		return nil
	}

	ctx, span := startSpan(ctx, "smbdfs.server.reconnect",
		attribute.String("smbdfs.server", s.name),
		attribute.Int("smbdfs.sessions", len(users)))
	defer func() { endSpan(span, err) }()

	s.setState(ServerReconnecting)
	s.logger.Info("server %s: reconnecting %d sessions", s.name, len(users))

	s.dialect.SignalAllMatch(s)
	_ = s.transport.Disconnect(ctx)
	s.dialect.FreeContext(s)
	for _, u := range users {
		u.resetSession()
	}

	if err = s.connect(ctx); err != nil {
		s.setState(ServerFailed)
		s.client.metrics.recordReconnect("failed")
		return fmt.Errorf("reconnect %s: %w", s.name, err)
	}

	var errs []error
	for _, u := range users {
		if err := u.logon(ctx); err != nil {
			s.logger.Warn("server %s: session %s lost: %v", s.name, u.key, err)
			u.shares.Each(func(_ ID, sh *Share) bool {
				markHandlesDisconnected(sh)
				return true
			})
			s.client.releaseMountsOf(u)
			errs = append(errs, fmt.Errorf("logon %s: %w", u.key, err))
			continue
		}
		u.shares.Each(func(_ ID, sh *Share) bool {
			if err := sh.treeConnect(ctx); err != nil {
				s.logger.Warn("server %s: share %s lost: %v", s.name, sh.name, err)
				markHandlesDisconnected(sh)
				return true
			}
			sh.files.Each(func(_ ID, f *File) bool {
				if err := f.restore(ctx); err != nil && !errors.Is(err, ErrHandleDisconnected) {
					s.logger.Debug("server %s: %v", s.name, err)
				}
				return true
			})
			sh.searches.Each(func(_ ID, se *Search) bool {
				se.markDisconnected()
				return true
			})
			return true
		})
	}

	s.setState(ServerActive)
	s.client.metrics.recordReconnect("ok")
	s.logger.Info("server %s: reconnected", s.name)
	return errors.Join(errs...)
}

func markHandlesDisconnected(sh *Share) {
	sh.files.Each(func(_ ID, f *File) bool {
		f.markDisconnected()
		return true
	})
	sh.searches.Each(func(_ ID, se *Search) bool {
		se.markDisconnected()
		return true
	})
}
