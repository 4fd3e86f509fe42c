package smbdfs

import (
	"strings"
	"sync"
	"time"
)

// cachedReferral is one candidate of a cache entry with its own expiry.
type cachedReferral struct {
	ref     *Referral
	expires time.Time
}

type cacheEntry struct {
	key     string // normalized display form
	folded  string
	root    bool
	refs    []cachedReferral // insertion order, never empty while listed
	expires time.Time
}

// live returns the unexpired candidates.
func (e *cacheEntry) live(now time.Time) []*Referral {
	if !now.Before(e.expires) {
		return nil
	}
	out := make([]*Referral, 0, len(e.refs))
	for _, c := range e.refs {
		if now.Before(c.expires) {
			out = append(out, c.ref)
		}
	}
	return out
}

// CacheMatch is the result of a referral cache lookup.
type CacheMatch struct {
	Key       string
	Referrals []*Referral
	Root      bool
	// Exact is set when the key covers the whole looked-up path.
	Exact bool
	// Remainder is the part of the looked-up path past Key.
	Remainder string
}

// CacheStats reports referral cache usage.
type CacheStats struct {
	PathEntries   int
	DomainEntries int
	Referrals     int
	Hits          uint64
	Misses        uint64
	Sweeps        uint64
}

// ReferralCache holds DFS referrals keyed by path and by domain name.
// Path lookups pick the longest unexpired key that is a component prefix of
// the requested path.
type ReferralCache struct {
	defaultTTL    time.Duration
	sweepInterval time.Duration
	logger        Logger
	metrics       *clientMetrics
	now           func() time.Time

	mu        sync.Mutex
	paths     []*cacheEntry
	domains   []*cacheEntry
	lastSweep time.Time
	stats     CacheStats
}

// NewReferralCache creates an empty cache. Referrals without a TTL expire
// after defaultTTL; expired entries are swept at most once per
// sweepInterval.
func NewReferralCache(defaultTTL, sweepInterval time.Duration, logger Logger) *ReferralCache {
	if logger == nil {
		logger = &NullLogger{}
	}
	c := &ReferralCache{
		defaultTTL:    defaultTTL,
		sweepInterval: sweepInterval,
		logger:        logger,
		now:           time.Now,
	}
	c.lastSweep = c.now()
	return c
}

// normalizeDFSKey returns \a\b\c for any mix of separators.
func normalizeDFSKey(p string) string {
	return `\` + strings.Join(components(toBackslash(p), '\\'), `\`)
}

func normalizeDomain(d string) string {
	return strings.Trim(toBackslash(d), `\`)
}

func candidateKey(r *Referral) string {
	if r.IsNameList() {
		return foldKey(normalizeDomain(r.SpecialName) + "|" + strings.Join(r.ExpandedNames, "|"))
	}
	return foldKey(normalizeDFSKey(r.NetPath))
}

func (c *ReferralCache) ttl(r *Referral) time.Duration {
	if r.TTL > 0 {
		return r.TTL
	}
	return c.defaultTTL
}

// FindPath returns the longest-prefix match for path.
func (c *ReferralCache) FindPath(path string) (*CacheMatch, bool) {
	path = normalizeDFSKey(path)
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	var (
		best      *cacheEntry
		bestRefs  []*Referral
		bestDepth = -1
		bestRest  string
	)
	for _, e := range c.paths {
		rest, ok := trimPathPrefix(path, e.key, '\\')
		if !ok {
			continue
		}
		refs := e.live(now)
		if len(refs) == 0 {
			continue
		}
		if depth := len(components(e.key, '\\')); depth > bestDepth {
			best, bestRefs, bestDepth, bestRest = e, refs, depth, rest
		}
	}
	if best == nil {
		c.stats.Misses++
		c.metrics.recordLookup("miss")
		return nil, false
	}
	c.stats.Hits++
	m := &CacheMatch{
		Key:       best.key,
		Referrals: bestRefs,
		Root:      best.root,
		Exact:     bestRest == "",
		Remainder: bestRest,
	}
	if m.Exact {
		c.metrics.recordLookup("exact")
	} else {
		c.metrics.recordLookup("partial")
	}
	return m, true
}

// AddPath records ref under the path it consumed. It reports whether the
// candidate is present afterwards; self-referrals are never stored.
func (c *ReferralCache) AddPath(ref *Referral) bool {
	key := normalizeDFSKey(ref.Consumed)
	if key == `\` || ref.IsNameList() {
		return false
	}
	if foldKey(normalizeDFSKey(ref.NetPath)) == foldKey(key) {
		c.logger.Debug("dfs cache: rejecting self-referral %s", key)
		return false
	}
	now := c.now()

	c.mu.Lock()
	c.sweepLocked(now)
	c.paths = c.addLocked(c.paths, key, ref, now)
	c.publishLocked()
	c.mu.Unlock()
	return true
}

// AddDomain records a domain or DC referral under domain.
func (c *ReferralCache) AddDomain(domain string, ref *Referral) bool {
	key := normalizeDomain(domain)
	if key == "" {
		return false
	}
	if !ref.IsNameList() && equalFold(normalizeDomain(ref.NetPath), key) {
		return false
	}
	now := c.now()

	c.mu.Lock()
	c.domains = c.addLocked(c.domains, key, ref, now)
	c.publishLocked()
	c.mu.Unlock()
	return true
}

func (c *ReferralCache) addLocked(list []*cacheEntry, key string, ref *Referral, now time.Time) []*cacheEntry {
	folded := foldKey(key)
	expires := now.Add(c.ttl(ref))
	for _, e := range list {
		if e.folded != folded {
			continue
		}
		ck := candidateKey(ref)
		dup := false
		for i := range e.refs {
			if candidateKey(e.refs[i].ref) == ck {
				e.refs[i].expires = expires
				dup = true
				break
			}
		}
		if !dup {
			e.refs = append(e.refs, cachedReferral{ref: ref, expires: expires})
			c.logger.Debug("dfs cache: %s += %s", key, ref.NetPath)
		}
		e.expires = expires
		return list
	}
	c.logger.Debug("dfs cache: new entry %s -> %s (ttl %s)", key, ref.NetPath, c.ttl(ref))
	return append(list, &cacheEntry{
		key:     key,
		folded:  folded,
		root:    ref.Root,
		refs:    []cachedReferral{{ref: ref, expires: expires}},
		expires: expires,
	})
}

// FindDomain returns the unexpired referrals cached for domain.
func (c *ReferralCache) FindDomain(domain string) ([]*Referral, bool) {
	folded := foldKey(normalizeDomain(domain))
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.domains {
		if e.folded != folded {
			continue
		}
		refs := e.live(now)
		if len(refs) == 0 {
			break
		}
		c.stats.Hits++
		return refs, true
	}
	c.stats.Misses++
	return nil, false
}

// Invalidate drops the path entry with exactly this key.
func (c *ReferralCache) Invalidate(path string) bool {
	folded := foldKey(normalizeDFSKey(path))
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, e := range c.paths {
		if e.folded == folded {
			c.paths = append(c.paths[:i], c.paths[i+1:]...)
			c.publishLocked()
			return true
		}
	}
	return false
}

// Flush empties both caches.
func (c *ReferralCache) Flush() {
	c.mu.Lock()
	c.paths = nil
	c.domains = nil
	c.publishLocked()
	c.mu.Unlock()
}

// Sweep removes expired entries and candidates now.
func (c *ReferralCache) Sweep() {
	c.mu.Lock()
	c.lastSweep = time.Time{}
	c.sweepLocked(c.now())
	c.publishLocked()
	c.mu.Unlock()
}

// sweepLocked runs at most once per sweep interval.
func (c *ReferralCache) sweepLocked(now time.Time) {
	if now.Sub(c.lastSweep) < c.sweepInterval {
		return
	}
	c.lastSweep = now
	c.stats.Sweeps++
	c.paths = sweepEntries(c.paths, now)
	c.domains = sweepEntries(c.domains, now)
}

func sweepEntries(list []*cacheEntry, now time.Time) []*cacheEntry {
	kept := list[:0]
	for _, e := range list {
		if !now.Before(e.expires) {
			continue
		}
		refs := e.refs[:0]
		for _, r := range e.refs {
			if now.Before(r.expires) {
				refs = append(refs, r)
			}
		}
		if len(refs) == 0 {
			continue
		}
		e.refs = refs
		kept = append(kept, e)
	}
	for i := len(kept); i < len(list); i++ {
		list[i] = nil
	}
	return kept
}

func (c *ReferralCache) publishLocked() {
	c.metrics.setCacheEntries(len(c.paths), len(c.domains))
}

// Stats returns a snapshot of cache statistics.
func (c *ReferralCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.PathEntries = len(c.paths)
	s.DomainEntries = len(c.domains)
	for _, e := range c.paths {
		s.Referrals += len(e.refs)
	}
	for _, e := range c.domains {
		s.Referrals += len(e.refs)
	}
	return s
}
