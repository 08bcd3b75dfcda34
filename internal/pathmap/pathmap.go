// SPDX-License-Identifier: MIT

// Package pathmap translates file paths between the three namespaces a
// cached library lives in: the path the media server reports (plex), the
// same location on the host filesystem (real), and the fast-tier copy
// (cache). Distinct string types keep the namespaces from mixing up at
// compile time.
package pathmap

import (
	"path"
	"sort"
	"strings"

	"github.com/StudioNirin/plexcache-r/internal/config"
)

// PlexPath is a path as the media server reports it.
type PlexPath string

// RealPath is a path on the host filesystem (array tier).
type RealPath string

// CachePath is a path on the cache drive. Container and host views share
// this type; ContainerToHost/HostToContainer convert between them.
type CachePath string

func (p PlexPath) String() string  { return string(p) }
func (p RealPath) String() string  { return string(p) }
func (p CachePath) String() string { return string(p) }

// Outcome reports how PlexToReal resolved a path.
type Outcome string

const (
	// OutcomeMapped means an enabled mapping rewrote the prefix.
	OutcomeMapped Outcome = "mapped"
	// OutcomeAlreadyReal means the input was already a host path.
	OutcomeAlreadyReal Outcome = "already_real"
	// OutcomeDisabled means only a disabled mapping matched; the path is
	// returned unchanged and the caller skips it quietly.
	OutcomeDisabled Outcome = "disabled"
	// OutcomeNone means no mapping matched at all.
	OutcomeNone Outcome = "none"
)

// Router resolves paths against an ordered set of mappings. Longest prefix
// wins, and prefixes only match at path boundaries, so /mnt/cache never
// claims /mnt/cache_downloads. Routers are immutable after construction.
type Router struct {
	mappings []config.PathMapping
}

// NewRouter builds a router from configured mappings. Invalid entries
// (relative or root-only prefixes) are dropped; prefixes are normalized so
// matching never sees a trailing slash. Disabled mappings are kept: they
// must still be recognized so their files are skipped, not misrouted.
func NewRouter(mappings []config.PathMapping) *Router {
	valid := make([]config.PathMapping, 0, len(mappings))
	for _, m := range mappings {
		m.PlexPath = normalizePrefix(m.PlexPath)
		m.RealPath = normalizePrefix(m.RealPath)
		m.CachePath = normalizePrefix(m.CachePath)
		m.HostCachePath = normalizePrefix(m.HostCachePath)
		if m.PlexPath == "" || m.RealPath == "" {
			continue
		}
		if m.Cacheable && m.CachePath == "" {
			m.Cacheable = false
		}
		if m.HostCachePath == "" {
			m.HostCachePath = m.CachePath
		}
		valid = append(valid, m)
	}
	// Longest plex prefix first; scans then take the first hit.
	sort.SliceStable(valid, func(i, j int) bool {
		return len(valid[i].PlexPath) > len(valid[j].PlexPath)
	})
	return &Router{mappings: valid}
}

// normalizePrefix rejects relative and root-only prefixes and trims the
// trailing slash. An empty prefix must never match anything downstream.
func normalizePrefix(p string) string {
	if p == "" {
		return ""
	}
	p = path.Clean(p)
	if !strings.HasPrefix(p, "/") || p == "/" {
		return ""
	}
	return p
}

// rebase returns the path of p relative to root, matching only at a path
// boundary or on exact equality.
func rebase(p, root string) (string, bool) {
	if root == "" {
		return "", false
	}
	if p == root {
		return "", true
	}
	if strings.HasPrefix(p, root+"/") {
		return p[len(root)+1:], true
	}
	return "", false
}

func join(root, rel string) string {
	if rel == "" {
		return root
	}
	return root + "/" + rel
}

// clean validates an incoming path before matching. Traversal sequences and
// relative paths never match any mapping. The ".." check runs on the raw
// input: cleaning first would collapse the traversal into a different
// absolute path and let it through.
func clean(p string) (string, bool) {
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return "", false
		}
	}
	c := path.Clean(p)
	if !strings.HasPrefix(c, "/") || c == "/" {
		return "", false
	}
	return c, true
}

// PlexToReal translates a media-server path into a host path. Passing a
// path that is already under some mapping's real_path returns it unchanged
// (the call is idempotent). When only a disabled mapping matches, the input
// comes back with OutcomeDisabled and no mapping; when nothing matches at
// all, OutcomeNone.
func (r *Router) PlexToReal(p PlexPath) (RealPath, *config.PathMapping, Outcome) {
	c, ok := clean(string(p))
	if !ok {
		return RealPath(p), nil, OutcomeNone
	}

	// Idempotency: a host path stays a host path.
	if m := r.longestMatch(c, func(m *config.PathMapping) string { return m.RealPath }, false); m != nil {
		return RealPath(c), m, OutcomeAlreadyReal
	}

	if m := r.longestMatch(c, func(m *config.PathMapping) string { return m.PlexPath }, true); m != nil {
		rel, _ := rebase(c, m.PlexPath)
		return RealPath(join(m.RealPath, rel)), m, OutcomeMapped
	}

	// Enabled mappings had no claim; a disabled one matching means the
	// path belongs to a library the user turned off.
	if m := r.longestMatch(c, func(m *config.PathMapping) string { return m.PlexPath }, false); m != nil && !m.Enabled {
		return RealPath(c), nil, OutcomeDisabled
	}
	return RealPath(c), nil, OutcomeNone
}

// RealToCache resolves the cache-tier location for a host path. The empty
// CachePath means the file has no cache-side home; when the returned
// mapping is non-nil the path matched a mapping that is not cacheable.
func (r *Router) RealToCache(p RealPath) (CachePath, *config.PathMapping) {
	c, ok := clean(string(p))
	if !ok {
		return "", nil
	}
	m := r.longestMatch(c, func(m *config.PathMapping) string { return m.RealPath }, true)
	if m == nil {
		return "", nil
	}
	if !m.Cacheable {
		return "", m
	}
	rel, _ := rebase(c, m.RealPath)
	return CachePath(join(m.CachePath, rel)), m
}

// CacheToReal is the inverse of RealToCache: it maps a cache-drive path
// back to its array location.
func (r *Router) CacheToReal(p CachePath) (RealPath, *config.PathMapping) {
	c, ok := clean(string(p))
	if !ok {
		return "", nil
	}
	m := r.longestMatch(c, func(m *config.PathMapping) string { return m.CachePath }, true)
	if m == nil {
		return "", nil
	}
	rel, _ := rebase(c, m.CachePath)
	return RealPath(join(m.RealPath, rel)), m
}

// ContainerToHost rewrites a container-view cache path into the host view.
// Paths outside any remapped volume come back unchanged, so the call is
// safe to apply unconditionally before talking to the bulk mover.
func (r *Router) ContainerToHost(p CachePath) CachePath {
	c, ok := clean(string(p))
	if !ok {
		return p
	}
	m := r.longestMatch(c, func(m *config.PathMapping) string { return m.CachePath }, true)
	if m == nil || m.HostCachePath == "" || m.HostCachePath == m.CachePath {
		return CachePath(c)
	}
	rel, _ := rebase(c, m.CachePath)
	return CachePath(join(m.HostCachePath, rel))
}

// HostToContainer is the symmetric inverse of ContainerToHost.
func (r *Router) HostToContainer(p CachePath) CachePath {
	c, ok := clean(string(p))
	if !ok {
		return p
	}
	m := r.longestMatch(c, func(m *config.PathMapping) string { return m.HostCachePath }, true)
	if m == nil || m.HostCachePath == "" || m.HostCachePath == m.CachePath {
		return CachePath(c)
	}
	rel, _ := rebase(c, m.HostCachePath)
	return CachePath(join(m.CachePath, rel))
}

// Cacheable reports whether a host path belongs to an enabled cacheable
// mapping.
func (r *Router) Cacheable(p RealPath) bool {
	cachePath, m := r.RealToCache(p)
	return m != nil && cachePath != ""
}

// Mappings returns the normalized mappings in match order.
func (r *Router) Mappings() []config.PathMapping {
	out := make([]config.PathMapping, len(r.mappings))
	copy(out, r.mappings)
	return out
}

// longestMatch returns the mapping whose selected prefix is the longest
// boundary match for p. enabledOnly restricts the scan to enabled mappings.
func (r *Router) longestMatch(p string, prefix func(*config.PathMapping) string, enabledOnly bool) *config.PathMapping {
	var best *config.PathMapping
	bestLen := 0
	for i := range r.mappings {
		m := &r.mappings[i]
		if enabledOnly && !m.Enabled {
			continue
		}
		root := prefix(m)
		if root == "" {
			continue
		}
		if _, ok := rebase(p, root); ok && len(root) > bestLen {
			best = m
			bestLen = len(root)
		}
	}
	return best
}
