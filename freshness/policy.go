package freshness

import (
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/robertmeta/feedkit/model"
)

// Defaults of the force refresh guard
const (
	DefaultRefreshWindow  = time.Hour
	DefaultRefreshLogSize = 512
)

// cellularFactor inflates TTLs on metered networks.
const cellularFactor = 3

// Recommend maps a reachability classification and a TTL preference to a
// concrete policy. Without known reachability the cache is all there is.
func Recommend(r model.Reachability, ttl model.CacheTTL) model.CachePolicy {
	switch r {
	case model.Cellular:
		switch ttl {
		case model.TTLNone:
			return model.CachePolicy{TTL: 0, Directive: model.ReloadIgnoringCacheData}
		case model.TTLForever:
			return model.CachePolicy{TTL: model.Infinity, Directive: model.ReturnCacheDataElseLoad}
		default:
			return model.CachePolicy{TTL: ttl.Duration() * cellularFactor, Directive: model.UseProtocolCachePolicy}
		}
	case model.Reachable:
		switch ttl {
		case model.TTLNone:
			return model.CachePolicy{TTL: 0, Directive: model.ReloadIgnoringCacheData}
		case model.TTLForever:
			return model.CachePolicy{TTL: model.Infinity, Directive: model.ReturnCacheDataElseLoad}
		default:
			return model.CachePolicy{TTL: ttl.Duration(), Directive: model.UseProtocolCachePolicy}
		}
	default:
		return model.CachePolicy{TTL: model.Infinity, Directive: model.ReturnCacheDataDontLoad}
	}
}

// RefreshGuard remembers when feeds were last force-refreshed. The log is
// bounded, evicting the least recently refreshed URLs first.
type RefreshGuard struct {
	mu     sync.Mutex
	log    *lru.Cache[string, time.Time]
	window time.Duration
}

// NewRefreshGuard creates a guard granting one forced refresh per URL and
// window, remembering up to size URLs.
func NewRefreshGuard(window time.Duration, size int) *RefreshGuard {
	if window <= 0 {
		window = DefaultRefreshWindow
	}
	if size <= 0 {
		size = DefaultRefreshLogSize
	}
	log, err := lru.New[string, time.Time](size)
	if err != nil {
		// Only a non-positive size fails, excluded above.
		panic(err)
	}
	return &RefreshGuard{log: log, window: window}
}

// Allow reports whether url may be force-refreshed at now, recording the
// refresh if so.
func (g *RefreshGuard) Allow(url string, now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if last, ok := g.log.Get(url); ok && now.Sub(last) < g.window {
		return false
	}
	g.log.Add(url, now)
	return true
}

// Len returns the number of remembered URLs.
func (g *RefreshGuard) Len() int {
	return g.log.Len()
}

// Engine applies freshness policies on behalf of one orchestrator. Its
// guards live as long as the engine.
type Engine struct {
	refresh   *RefreshGuard
	redirects *RedirectGuard
	now       model.Clock
	logger    *slog.Logger
}

// EngineConfig configures an Engine
type EngineConfig struct {
	// RefreshWindow is the minimum time between two forced refreshes of
	// the same feed
	RefreshWindow time.Duration

	// RefreshLogSize bounds the number of feeds remembered
	RefreshLogSize int
}

// NewEngine creates an engine. A nil clock defaults to time.Now.
func NewEngine(cfg EngineConfig, now model.Clock, logger *slog.Logger) *Engine {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		refresh:   NewRefreshGuard(cfg.RefreshWindow, cfg.RefreshLogSize),
		redirects: NewRedirectGuard(),
		now:       now,
		logger:    logger,
	}
}

// Now returns the engine's current time.
func (e *Engine) Now() time.Time {
	return e.now()
}

// Redirects returns the engine's redirect guard.
func (e *Engine) Redirects() *RedirectGuard {
	return e.redirects
}

// Policy recommends a policy for fetching urls. A forced refresh (TTLNone)
// is granted for a single URL at most once per refresh window and demoted
// to TTLLong otherwise; batches are never force-refreshed.
func (e *Engine) Policy(urls []string, r model.Reachability, ttl model.CacheTTL) model.CachePolicy {
	if r == model.Unknown {
		return Recommend(r, ttl)
	}
	if ttl == model.TTLNone {
		if len(urls) != 1 || !e.refresh.Allow(urls[0], e.now()) {
			e.logger.Debug("force refresh denied", "urls", len(urls))
			ttl = model.TTLLong
		}
	}
	return Recommend(r, ttl)
}
