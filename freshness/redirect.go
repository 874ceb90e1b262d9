package freshness

import (
	"net/url"
	"strings"
	"sync"

	"github.com/robertmeta/feedkit/model"
)

// Redirects returns the feeds that have been served from another URL than
// requested.
func Redirects(feeds []model.Feed) []model.Feed {
	var out []model.Feed
	for _, f := range feeds {
		if f.Redirected() {
			out = append(out, f)
		}
	}
	return out
}

// ResolveRedirects returns the original URLs of redirected feeds, which
// must be removed from the cache, and a map from original to new URL.
func ResolveRedirects(feeds []model.Feed) (originals []string, rewrites map[string]string) {
	redirected := Redirects(feeds)
	if len(redirected) == 0 {
		return nil, nil
	}
	rewrites = make(map[string]string, len(redirected))
	for _, f := range redirected {
		if _, ok := rewrites[f.OriginalURL]; ok {
			continue
		}
		originals = append(originals, f.OriginalURL)
		rewrites[f.OriginalURL] = f.URL
	}
	return originals, rewrites
}

// ResolveEntryRedirects does for entries what ResolveRedirects does for
// feeds, keyed by feed URL.
func ResolveEntryRedirects(entries []model.Entry) (originals []string, rewrites map[string]string) {
	for _, e := range entries {
		if !e.Redirected() {
			continue
		}
		if rewrites == nil {
			rewrites = make(map[string]string)
		}
		if _, ok := rewrites[e.OriginalURL]; ok {
			continue
		}
		originals = append(originals, e.OriginalURL)
		rewrites[e.OriginalURL] = e.FeedURL
	}
	return originals, rewrites
}

// Rewrite replaces URLs found in rewrites, dropping duplicates.
func Rewrite(urls []string, rewrites map[string]string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, u := range urls {
		if to, ok := rewrites[u]; ok {
			u = to
		}
		if seen[u] {
			continue
		}
		seen[u] = true
		out = append(out, u)
	}
	return out
}

// Relocate points locators of redirected feeds at their new URLs. URLs are
// matched on host and path, since, guid, and title are preserved.
func Relocate(locators []model.EntryLocator, rewrites map[string]string) []model.EntryLocator {
	if len(rewrites) == 0 {
		return locators
	}
	byHostPath := make(map[string]string, len(rewrites))
	for from, to := range rewrites {
		byHostPath[hostPath(from)] = to
	}

	out := make([]model.EntryLocator, 0, len(locators))
	for _, l := range locators {
		if to, ok := byHostPath[hostPath(l.URL)]; ok {
			l.URL = to
		}
		out = append(out, l)
	}
	return out
}

func hostPath(s string) string {
	u, err := url.Parse(s)
	if err != nil || u.Host == "" {
		return s
	}
	return strings.ToLower(u.Host) + strings.TrimSuffix(u.Path, "/")
}

// RedirectGuard remembers the redirects applied during an orchestrator's
// lifetime and rejects those reversing an earlier one, which would make two
// URLs evict each other from the cache on every fetch.
type RedirectGuard struct {
	mu   sync.Mutex
	seen map[string]string
}

// NewRedirectGuard creates an empty guard.
func NewRedirectGuard() *RedirectGuard {
	return &RedirectGuard{seen: make(map[string]string)}
}

// Accept reports whether the redirect from -> to may be applied and
// records it.
func (g *RedirectGuard) Accept(from, to string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.seen[to] == from {
		return false
	}
	g.seen[from] = to
	return true
}

// Filter drops the redirects the guard rejects. Rejected feeds keep their
// current URL but lose the original, so they are cached as they are.
func (g *RedirectGuard) Filter(feeds []model.Feed) []model.Feed {
	out := make([]model.Feed, 0, len(feeds))
	for _, f := range feeds {
		if f.Redirected() && !g.Accept(f.OriginalURL, f.URL) {
			f.OriginalURL = ""
		}
		out = append(out, f)
	}
	return out
}

// Rewrites returns the accepted redirects, keyed by original URL.
func (g *RedirectGuard) Rewrites() map[string]string {
	g.mu.Lock()
	defer g.mu.Unlock()

	if len(g.seen) == 0 {
		return nil
	}
	out := make(map[string]string, len(g.seen))
	for from, to := range g.seen {
		out[from] = to
	}
	return out
}
