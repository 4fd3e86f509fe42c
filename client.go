package smbdfs

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/singleflight"
)

// Client is the registry of every server connection and mount. All
// entities created through it are owned by it; Close tears them down.
type Client struct {
	config  *Config
	logger  Logger
	metrics *clientMetrics
	dialect Dialect
	hosts   HostResolver
	dcs     DCLocator
	mux     *Multiplexer
	cache   *ReferralCache
	queries singleflight.Group

	servers *Table[*Server]
	mounts  *Table[*Mount]

	closeOnce sync.Once
}

// New creates a client and starts its multiplexer.
func New(config *Config) (*Client, error) {
	if config == nil {
		config = &Config{}
	}
	cfg := *config
	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Client{
		config:  &cfg,
		logger:  cfg.newLogger(),
		dialect: cfg.Dialect,
		hosts:   cfg.HostResolver,
		dcs:     cfg.DCLocator,
	}
	if c.dialect == nil {
		c.dialect = NewSMB2Dialect()
	}
	if c.hosts == nil {
		c.hosts = net.DefaultResolver
	}
	if cfg.Metrics.Enabled {
		reg := cfg.Registerer
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		c.metrics = newClientMetrics(reg, cfg.Metrics.Namespace)
	}

	c.cache = NewReferralCache(cfg.DFS.DefaultTTL, cfg.DFS.SweepInterval, c.logger)
	c.cache.metrics = c.metrics
	c.servers = NewTable("server", c.disposeServer)
	c.mounts = NewTable("mount", c.disposeMount)
	c.mux = NewMultiplexer(&c.config.Transport, c.logger)
	c.mux.Start()

	c.logger.Debug("client started (dialect %s)", c.dialect.Name())
	return c, nil
}

// Config returns the effective configuration.
func (c *Client) Config() *Config { return c.config }

// Cache returns the referral cache.
func (c *Client) Cache() *ReferralCache { return c.cache }

// Close closes open files, removes every mount and disconnects every
// server.
func (c *Client) Close() error {
	var errs []error
	c.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.config.Transport.DisconnectTimeout)
		defer cancel()

		c.servers.Each(func(_ ID, s *Server) bool {
			for _, f := range s.openFiles() {
				if err := f.CloseContext(ctx); err != nil && !errors.Is(err, ErrStale) {
					errs = append(errs, err)
				}
			}
			for _, se := range s.searches() {
				_ = se.Close()
			}
			return true
		})
		c.mounts.Each(func(id ID, _ *Mount) bool {
			_ = c.mounts.Remove(id)
			return true
		})
		// Whatever is still referenced by callers is torn down by force.
		c.servers.Each(func(_ ID, s *Server) bool {
			if err := s.transport.Disconnect(ctx); err != nil {
				errs = append(errs, err)
			}
			return true
		})
		c.mux.Stop()
		c.logger.Debug("client closed")
	})
	return errors.Join(errs...)
}

// serverKey keys a server by its sorted address set, or by name when the
// addresses are unknown. Temporary servers never alias permanent ones.
func serverKey(name string, addrs []string, temporary bool) string {
	var key string
	if len(addrs) > 0 {
		sorted := append([]string(nil), addrs...)
		sort.Strings(sorted)
		key = strings.Join(sorted, ",")
	} else {
		key = "name:" + foldKey(name)
	}
	if temporary {
		key += "|tmp"
	}
	return key
}

// lookupHost resolves host to addresses. A name known to be a domain is
// replaced by its cached controller first.
func (c *Client) lookupHost(ctx context.Context, host string) (string, []string) {
	if dc, ok := c.cachedDC(host); ok {
		c.logger.Debug("host %s is a domain, using controller %s", host, dc)
		host = dc
	}
	if ip := net.ParseIP(host); ip != nil {
		return host, []string{ip.String()}
	}
	addrs, err := c.hosts.LookupHost(ctx, host)
	if err != nil {
		c.logger.Debug("lookup %s: %v", host, err)
		return host, nil
	}
	return host, addrs
}

// getServer finds or creates the server for host and returns it locked.
// A newly created server is connected before it is returned.
func (c *Client) getServer(ctx context.Context, host string, temporary bool) (*Server, error) {
	name, addrs := c.lookupHost(ctx, host)
	key := serverKey(name, addrs, temporary)

	for {
		if id, s, ok := c.servers.Find(key, true); ok {
			if err := s.awaitReady(ctx); err != nil {
				_ = c.servers.Unlock(id)
				return nil, err
			}
			if s.needsReconnect() {
				if err := s.Reconnect(ctx); err != nil {
					_ = c.servers.Unlock(id)
					return nil, err
				}
			}
			return s, nil
		}

		s := newServer(c, name, addrs, temporary)
		id, err := c.servers.Insert(key, s, true)
		if errors.Is(err, ErrExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		s.id = id

		err = s.connect(ctx)
		s.setReady(err)
		if err != nil {
			_ = c.servers.Remove(id)
			return nil, fmt.Errorf("connect %s: %w", name, err)
		}
		c.logger.Info("connected to %s via %s (%s)", name, s.transport.Kind(), s.Dialect())
		return s, nil
	}
}

func (c *Client) disposeServer(s *Server) {
	s.dispose()
}

// connectShare returns a locked share named share on host, logging on with
// creds. Host names that turn out to be DFS domains are resolved to a
// domain controller.
func (c *Client) connectShare(ctx context.Context, host, share string, creds *Credentials) (*Share, error) {
	srv, err := c.getServer(ctx, host, false)
	if err != nil && c.dcs != nil && !c.config.DFS.Disabled {
		dc, derr := c.ResolveDomain(ctx, creds, host)
		if derr != nil {
			return nil, errors.Join(err, derr)
		}
		srv, err = c.getServer(ctx, dc, false)
	}
	if err != nil {
		return nil, err
	}
	defer srv.Release()

	u, err := srv.UserLogon(ctx, creds)
	if err != nil {
		return nil, err
	}
	defer u.Release()

	return u.ShareConnect(ctx, share)
}

// Servers returns the servers currently known to the client.
func (c *Client) Servers() []*Server {
	var out []*Server
	c.servers.Each(func(_ ID, s *Server) bool {
		out = append(out, s)
		return true
	})
	return out
}
