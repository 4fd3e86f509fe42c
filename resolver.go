package smbdfs

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
)

// ResolveContext carries the outcome of the previous attempt into the next
// resolution of the same path.
type ResolveContext struct {
	// Referral served the previous attempt, if it was redirected.
	Referral *Referral
	// Err is the error the previous attempt failed with.
	Err error
	// Retry is set once an operation has failed at least once. Candidate
	// failure marks only carry over between retries of one operation.
	Retry bool
}

// Resolution is the share and share-relative path an operation should use.
// The share is locked; call Release when done with it.
type Resolution struct {
	Share      *Share
	Path       string
	Referral   *Referral
	Redirected bool
}

// Release drops the reference on the resolved share.
func (r *Resolution) Release() {
	if r != nil && r.Share != nil {
		r.Share.Release()
	}
}

func direct(sh *Share, path string) (*Resolution, error) {
	if err := sh.Lock(); err != nil {
		return nil, err
	}
	return &Resolution{Share: sh, Path: path}, nil
}

// ResolvePath maps path on sh (a share of mount m) through the DFS
// namespace. Without DFS the result is sh and path unchanged.
//
// When rc reports a failure through a referral other than path-not-covered,
// that referral is marked failed and the next candidate of the same entry
// is tried. Otherwise the referral cache is consulted: exact matches try
// each candidate in order, partial matches on a root re-query the root,
// partial matches on a link skip candidates that failed earlier in the same
// operation, and a miss issues a live query against the share's IPC$ and
// looks up once more.
func (c *Client) ResolvePath(ctx context.Context, m *Mount, sh *Share, path string, rc *ResolveContext) (res *Resolution, err error) {
	path = joinSMBPath(path)
	full := dfsPath(sh.Server().Name(), sh.Name(), path)

	ctx, span := startSpan(ctx, "smbdfs.resolve", attribute.String("smbdfs.path", full))
	defer func() { endSpan(span, err) }()

	if rc == nil || !rc.Retry {
		if match, ok := c.cache.FindPath(full); ok {
			for _, ref := range match.Referrals {
				ref.reset()
			}
		}
	}

	if rc != nil && rc.Referral != nil && rc.Err != nil {
		failed := rc.Referral
		if errors.Is(rc.Err, ErrPathNotCovered) {
			c.logger.Debug("resolve %s: %s no longer covers the path", full, failed.NetPath)
			c.cache.Invalidate(failed.Consumed)
		} else {
			failed.markIO(rc.Err)
			c.metrics.recordCandidateFailure()
			if match, ok := c.cache.FindPath(full); ok {
				if res, err := c.tryCandidates(ctx, m, match); err == nil {
					return res, nil
				}
			}
		}
	}

	if c.config.DFS.Disabled || !sh.Server().SupportsDFS() {
		return direct(sh, path)
	}
	return c.resolveCached(ctx, m, sh, path, full, maxReferralQueries)
}

// maxReferralQueries bounds the live queries one resolution may issue: one
// for a miss and one more below a cached root.
const maxReferralQueries = 2

func (c *Client) resolveCached(ctx context.Context, m *Mount, sh *Share, path, full string, queries int) (*Resolution, error) {
	match, ok := c.cache.FindPath(full)
	switch {
	case !ok:
		if queries == 0 || !sh.IsDFS() {
			return direct(sh, path)
		}
		if _, err := c.queryReferrals(ctx, sh, full); err != nil {
			if IsReconnectRequired(err) || errors.Is(err, ErrNoMemory) {
				return nil, err
			}
			c.logger.Debug("resolve %s: referral query: %v", full, err)
			return direct(sh, path)
		}
		return c.resolveCached(ctx, m, sh, path, full, queries-1)

	case match.Exact || !match.Root:
		return c.tryCandidates(ctx, m, match)

	default:
		// A root covers the path but a link below it may not be cached yet.
		root, err := c.tryCandidates(ctx, m, match)
		if err != nil {
			return nil, err
		}
		if queries == 0 || !root.Share.Server().SupportsDFS() || !root.Share.IsDFS() {
			return root, nil
		}
		refs, qerr := c.queryReferrals(ctx, root.Share, full)
		if qerr != nil || !coversDeeper(refs, match.Key) {
			if qerr != nil {
				c.logger.Debug("resolve %s: root query: %v", full, qerr)
			}
			return root, nil
		}
		root.Release()
		return c.resolveCached(ctx, m, sh, path, full, queries-1)
	}
}

// coversDeeper reports whether any referral consumed more than key.
func coversDeeper(refs []*Referral, key string) bool {
	depth := len(components(key, '\\'))
	for _, r := range refs {
		if len(components(r.Consumed, '\\')) > depth {
			return true
		}
	}
	return false
}

// tryCandidates connects to the first candidate of match that has not
// failed, in cache order. When every candidate has failed the marks are
// cleared so a later resolution starts over.
func (c *Client) tryCandidates(ctx context.Context, m *Mount, match *CacheMatch) (*Resolution, error) {
	var errs []error
	tried := 0
	for _, ref := range match.Referrals {
		if ref.failed() {
			continue
		}
		tried++
		host, share, rest, err := ref.Target()
		if err != nil {
			ref.markIO(err)
			errs = append(errs, err)
			continue
		}
		sh, err := c.connectShare(ctx, host, share, m.creds)
		if err != nil {
			c.logger.Debug("dfs: candidate %s for %s failed: %v", ref.NetPath, match.Key, err)
			ref.markIO(err)
			c.metrics.recordCandidateFailure()
			errs = append(errs, err)
			continue
		}
		if err := m.addExtraShare(sh); err != nil {
			sh.Release()
			return nil, err
		}
		c.logger.Debug("dfs: %s -> %s", match.Key, ref.NetPath)
		return &Resolution{
			Share:      sh,
			Path:       joinSMBPath(rest, match.Remainder),
			Referral:   ref,
			Redirected: true,
		}, nil
	}

	for _, ref := range match.Referrals {
		ref.reset()
	}
	if tried == 0 {
		return nil, fmt.Errorf("%w: every target of %s has failed", ErrMountFailed, match.Key)
	}
	return nil, fmt.Errorf("%w: no target of %s reachable: %w", ErrMountFailed, match.Key, errors.Join(errs...))
}

// queryReferrals issues a live referral query for full over the IPC$ share
// of sh's session and caches the answer. Concurrent queries for the same
// server and path share one round trip.
func (c *Client) queryReferrals(ctx context.Context, sh *Share, full string) ([]*Referral, error) {
	key := "path|" + sh.Server().Name() + "|" + foldKey(full)
	v, err, _ := c.queries.Do(key, func() (interface{}, error) {
		ctx, span := startSpan(ctx, "smbdfs.referral.query", attribute.String("smbdfs.path", full))
		refs, err := c.liveQuery(ctx, sh, full)
		endSpan(span, err)
		c.metrics.recordQuery("path", err)
		if err != nil {
			return nil, err
		}
		for _, r := range refs {
			if !r.IsNameList() {
				c.cache.AddPath(r)
			}
		}
		return refs, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]*Referral), nil
}

func (c *Client) liveQuery(ctx context.Context, sh *Share, path string) ([]*Referral, error) {
	ipc, err := sh.ipcShare(ctx)
	if err != nil {
		return nil, err
	}
	defer ipc.Release()
	return ipc.Server().dialect.QueryDfsReferrals(ctx, ipc, path, ParseReferrals)
}

// cachedDC returns a controller for name if name is a cached domain.
func (c *Client) cachedDC(name string) (string, bool) {
	if c.config.DFS.Disabled || strings.ContainsAny(name, `\/`) {
		return "", false
	}
	refs, ok := c.cache.FindDomain(name)
	if !ok {
		return "", false
	}
	for _, r := range refs {
		if len(r.ExpandedNames) > 0 {
			return normalizeDomain(r.ExpandedNames[0]), true
		}
	}
	return "", false
}

// ResolveDomain returns a domain controller for domain. The controller is
// found through the cache, or by querying the domain list from a
// controller located by the DCLocator and then, for every domain listed,
// its controllers.
func (c *Client) ResolveDomain(ctx context.Context, creds *Credentials, domain string) (dc string, err error) {
	domain = normalizeDomain(domain)
	if dc, ok := c.cachedDC(domain); ok {
		return dc, nil
	}
	if c.config.DFS.Disabled {
		return "", fmt.Errorf("resolve domain %s: %w", domain, ErrNotSupported)
	}

	ctx, span := startSpan(ctx, "smbdfs.resolve.domain", attribute.String("smbdfs.domain", domain))
	defer func() { endSpan(span, err) }()

	v, err, _ := c.queries.Do("domain|"+foldKey(domain), func() (interface{}, error) {
		return nil, c.discoverDomains(ctx, creds, domain)
	})
	_ = v
	if err != nil {
		return "", err
	}
	if dc, ok := c.cachedDC(domain); ok {
		return dc, nil
	}
	return "", fmt.Errorf("resolve domain %s: %w", domain, ErrNotFound)
}

func (c *Client) discoverDomains(ctx context.Context, creds *Credentials, domain string) error {
	host := domain
	if c.dcs != nil {
		located, err := c.dcs.LocateDC(ctx, domain)
		if err != nil {
			return fmt.Errorf("locate controller for %s: %w", domain, err)
		}
		host = located
	}

	srv, err := c.getServer(ctx, host, true)
	if err != nil {
		return err
	}
	defer srv.Release()
	u, err := srv.UserLogon(ctx, creds)
	if err != nil {
		return err
	}
	defer u.Release()
	ipc, err := u.ShareConnect(ctx, IPCShare)
	if err != nil {
		return err
	}
	defer ipc.Release()

	// An empty path lists the trusted domains.
	domains, err := srv.dialect.QueryDfsReferrals(ctx, ipc, "", ParseReferrals)
	c.metrics.recordQuery("domain", err)
	if err != nil {
		return err
	}
	for _, d := range domains {
		if !d.IsNameList() {
			continue
		}
		name := normalizeDomain(d.SpecialName)
		c.cache.AddDomain(name, d)
		if len(d.ExpandedNames) > 0 {
			continue
		}
		// One level down: the controllers of each listed domain.
		dcs, err := srv.dialect.QueryDfsReferrals(ctx, ipc, `\`+name, ParseReferrals)
		c.metrics.recordQuery("domain", err)
		if err != nil {
			c.logger.Debug("dfs: controllers of %s: %v", name, err)
			continue
		}
		for _, r := range dcs {
			if r.IsNameList() && len(r.ExpandedNames) > 0 {
				c.cache.AddDomain(name, r)
			}
		}
	}
	c.logger.Debug("dfs: discovered %d domains via %s", len(domains), host)
	return nil
}
