// Package browse fetches feeds and entries. Each request is answered from
// the cache if it is fresh enough and completed from the remote service
// otherwise, falling back to stale cached data when the service cannot be
// reached.
package browse

import (
	"context"
	"errors"
	"log/slog"
	neturl "net/url"
	"time"

	"github.com/robertmeta/feedkit/freshness"
	"github.com/robertmeta/feedkit/model"
	"github.com/robertmeta/feedkit/task"
)

// DefaultCooldown is how long a failed remote counts as unavailable.
const DefaultCooldown = 5 * time.Minute

// Callbacks. Result blocks may be called once per wave, the cache wave
// first; DoneBlock is called exactly once, last.
type (
	FeedsBlock   func(feeds []model.Feed)
	EntriesBlock func(entries []model.Entry)
	EntryBlock   func(entry model.Entry)
	DoneBlock    func(err error)
)

// Options tune a fetch.
type Options struct {
	// TTL is the accepted age of cached data. The zero value selects
	// TTLMedium; use Force to bypass the cache.
	TTL model.CacheTTL

	// Force requests a refresh from the remote, granted at most once per
	// refresh window and feed.
	Force bool

	// Latest limits the result to the newest entry per feed and accepts
	// cached entries of any age.
	Latest bool
}

func (o Options) cacheTTL() model.CacheTTL {
	switch {
	case o.Force:
		return model.TTLNone
	case o.TTL == model.TTLNone:
		return model.TTLMedium
	default:
		return o.TTL
	}
}

// Deps are the optional upstream tasks a fetch takes its input from.
// Without Reach, reachability is probed directly.
type Deps struct {
	Locators *task.Task[task.Locators]
	Reach    *task.Task[model.Reachability]
}

func (d Deps) jobs() []task.Job {
	var jobs []task.Job
	if d.Locators != nil {
		jobs = append(jobs, d.Locators)
	}
	if d.Reach != nil {
		jobs = append(jobs, d.Reach)
	}
	return jobs
}

// Browser orchestrates feed and entry fetches.
type Browser struct {
	cache    model.FeedCache
	service  model.FeedService
	prober   model.Prober
	sched    *task.Scheduler
	engine   *freshness.Engine
	logger   *slog.Logger
	cooldown time.Duration
}

// New creates a Browser. The engine's guards live as long as the browser.
func New(cache model.FeedCache, service model.FeedService, prober model.Prober, sched *task.Scheduler, engine *freshness.Engine, logger *slog.Logger) *Browser {
	if logger == nil {
		logger = slog.Default()
	}
	return &Browser{
		cache:    cache,
		service:  service,
		prober:   prober,
		sched:    sched,
		engine:   engine,
		logger:   logger.With("component", "browse"),
		cooldown: DefaultCooldown,
	}
}

// Feeds fetches the feeds at urls.
func (b *Browser) Feeds(urls []string, opts Options, block FeedsBlock, done DoneBlock) *task.Task[task.FeedSet] {
	t := b.NewFeedsTask(urls, opts, block, Deps{})
	t.Finally(done)
	b.Schedule(t)
	return t
}

// Entries fetches the entries selected by locators.
func (b *Browser) Entries(locators []model.EntryLocator, opts Options, block EntriesBlock, done DoneBlock) *task.Task[task.EntrySet] {
	t := b.NewEntriesTask(locators, opts, block, Deps{})
	t.Finally(done)
	b.Schedule(t)
	return t
}

// LatestEntry fetches the newest entry of the feed at url, accepting a
// cached one of any age.
func (b *Browser) LatestEntry(url string, block EntryBlock, done DoneBlock) *task.Task[task.EntrySet] {
	var entries EntriesBlock
	if block != nil {
		entries = func(es []model.Entry) {
			for _, e := range es {
				block(e)
			}
		}
	}
	t := b.NewEntriesTask([]model.EntryLocator{{URL: url}}, Options{Latest: true}, entries, Deps{})
	t.Finally(done)
	b.Schedule(t)
	return t
}

// Schedule adds jobs to the browser's scheduler. Jobs rejected by a
// stopped scheduler finish as cancelled.
func (b *Browser) Schedule(jobs ...task.Job) {
	if err := b.sched.Add(jobs...); err != nil {
		b.logger.Warn("failed to schedule", "error", err)
	}
}

// NewFeedsTask builds an unscheduled task fetching the feeds at urls and
// those of the locators provided by deps.
func (b *Browser) NewFeedsTask(urls []string, opts Options, block FeedsBlock, deps Deps) *task.Task[task.FeedSet] {
	return task.New("feeds", func(ctx context.Context) (task.FeedSet, error) {
		all := urls
		if deps.Locators != nil {
			locators, err := task.First[task.Locators]("locators", deps.Locators)
			if err != nil {
				return nil, err
			}
			all = append(append([]string(nil), urls...), model.LocatorURLs(locators)...)
		}
		all = b.normalize(all)
		reach := b.reachability(deps.Reach, all)
		return b.fetchFeeds(ctx, all, reach, opts, block)
	}, deps.jobs()...)
}

// NewEntriesTask builds an unscheduled task fetching the entries selected
// by locators and by the locators provided by deps. It depends on a feeds
// task, since entries can only be cached for cached feeds.
func (b *Browser) NewEntriesTask(locators []model.EntryLocator, opts Options, block EntriesBlock, deps Deps) *task.Task[task.EntrySet] {
	feedOpts := Options{TTL: opts.TTL}
	if opts.Latest {
		feedOpts.TTL = model.TTLForever
	}
	feeds := b.NewFeedsTask(model.LocatorURLs(locators), feedOpts, nil, deps)

	jobs := append(deps.jobs(), feeds)
	return task.New("entries", func(ctx context.Context) (task.EntrySet, error) {
		if err := feeds.Err(); err != nil && !errors.Is(err, model.ErrServiceUnavailable) {
			return nil, err
		}

		all := append([]model.EntryLocator(nil), locators...)
		if deps.Locators != nil {
			provided, err := task.First[task.Locators]("locators", deps.Locators)
			if err != nil {
				return nil, err
			}
			all = append(all, provided...)
		}
		all = freshness.Relocate(all, b.engine.Redirects().Rewrites())
		for i := range all {
			all[i].URL = model.NormalizeURL(all[i].URL)
		}

		reach := b.reachability(deps.Reach, model.LocatorURLs(all))
		return b.fetchEntries(ctx, all, reach, opts, block)
	}, jobs...)
}

func (b *Browser) fetchFeeds(ctx context.Context, urls []string, reach model.Reachability, opts Options, block FeedsBlock) (task.FeedSet, error) {
	if len(urls) == 0 {
		return nil, nil
	}
	for _, u := range urls {
		if _, err := model.ParseFeedURL(u); err != nil {
			return nil, &model.InvalidError{Kind: "feed", Reason: err.Error()}
		}
	}

	ttl := opts.cacheTTL()
	policy := b.engine.Policy(urls, reach, ttl)
	cached, err := b.cache.Feeds(urls)
	if err != nil {
		return nil, err
	}
	fresh, stale, needed := freshness.PartitionFeeds(cached, urls, b.partitionTTL(policy, ttl), b.engine.Now())
	b.logger.Debug("partitioned feeds",
		"reachability", reach,
		"fresh", len(fresh),
		"stale", len(stale),
		"needed", len(needed))

	dispatch[model.Feed](ctx, block, fresh)
	if needed == nil {
		return fresh, nil
	}

	fallback := func(err error) (task.FeedSet, error) {
		dispatch[model.Feed](ctx, block, stale)
		return append(fresh, stale...), err
	}
	if !b.available(policy, opts) {
		return fallback(&model.ServiceUnavailableError{})
	}

	remote, err := b.service.Feeds(ctx, needed, policy.Directive)
	if err != nil {
		if ctx.Err() != nil {
			return fresh, model.ErrCancelled
		}
		return fallback(unavailable(err))
	}

	remote = b.engine.Redirects().Filter(remote)
	originals, rewrites := freshness.ResolveRedirects(remote)
	if originals != nil {
		b.logger.Info("feeds redirected", "originals", originals)
		if err := b.cache.RemoveFeeds(originals); err != nil {
			return fresh, err
		}
	}
	if err := b.cache.UpdateFeeds(remote); err != nil {
		return fresh, err
	}

	got, err := b.cache.Feeds(freshness.Rewrite(needed, rewrites))
	if err != nil {
		return fresh, err
	}
	// A feed redirected to one already dispatched as fresh is not sent twice.
	got = excludeFeeds(got, fresh)

	// Stale copies of feeds the remote did not deliver are better than
	// nothing.
	delivered := make(map[string]bool, len(got))
	for _, f := range got {
		delivered[f.URL] = true
	}
	for _, f := range stale {
		if !delivered[f.URL] && rewrites[f.URL] == "" {
			got = append(got, f)
		}
	}

	dispatch[model.Feed](ctx, block, got)
	return append(fresh, got...), nil
}

func (b *Browser) fetchEntries(ctx context.Context, locators []model.EntryLocator, reach model.Reachability, opts Options, block EntriesBlock) (task.EntrySet, error) {
	locators = model.Dedupe(locators)
	if len(locators) == 0 {
		return nil, nil
	}
	for _, l := range locators {
		if err := l.Validate(); err != nil {
			return nil, err
		}
	}

	ttl := opts.cacheTTL()
	if opts.Latest {
		ttl = model.TTLForever
	}
	policy := b.engine.Policy(model.LocatorURLs(locators), reach, ttl)
	cached, err := b.cache.Entries(locators)
	if err != nil {
		return nil, err
	}
	fresh, stale, needed := freshness.PartitionEntries(cached, locators, b.partitionTTL(policy, ttl), b.engine.Now())
	b.logger.Debug("partitioned entries",
		"reachability", reach,
		"fresh", len(fresh),
		"stale", len(stale),
		"needed", len(needed))

	fresh = shape(fresh, opts)
	dispatch[model.Entry](ctx, block, fresh)
	if needed == nil {
		return fresh, nil
	}

	fallback := func(err error) (task.EntrySet, error) {
		stale = shape(stale, opts)
		dispatch[model.Entry](ctx, block, stale)
		return append(fresh, stale...), err
	}
	if !b.available(policy, opts) {
		return fallback(&model.ServiceUnavailableError{})
	}

	remote, err := b.service.Entries(ctx, needed, policy.Directive)
	if err != nil {
		if ctx.Err() != nil {
			return fresh, model.ErrCancelled
		}
		return fallback(unavailable(err))
	}

	originals, rewrites := freshness.ResolveEntryRedirects(remote)
	if originals != nil {
		if err := b.cache.RemoveEntries(originals); err != nil {
			return fresh, err
		}
	}
	if err := b.cache.UpdateEntries(remote); err != nil {
		return fresh, err
	}

	relocated := freshness.Relocate(needed, rewrites)
	got, err := b.cache.Entries(relocated)
	if err != nil {
		return fresh, err
	}
	got = shape(exclude(got, fresh), opts)
	dispatch[model.Entry](ctx, block, got)

	result := append(fresh, got...)
	if missing := missingGUIDs(relocated, result); missing != nil {
		return result, &model.MissingEntriesError{Locators: missing}
	}
	return result, nil
}

// available reports whether the remote should be asked. Without known
// reachability it never is; after a recent failure only forced requests
// try again.
func (b *Browser) available(policy model.CachePolicy, opts Options) bool {
	if policy.Directive == model.ReturnCacheDataDontLoad {
		return false
	}
	if opts.Force {
		return true
	}
	status := b.service.Status()
	if status.OK() {
		return true
	}
	return b.engine.Now().Sub(status.At) >= b.cooldown
}

// partitionTTL is the TTL cached data is judged by. Offline, the nominal
// TTL still tells stale from fresh so that stale data is reported as a
// fallback.
func (b *Browser) partitionTTL(policy model.CachePolicy, ttl model.CacheTTL) time.Duration {
	if policy.Directive == model.ReturnCacheDataDontLoad {
		return freshness.Recommend(model.Reachable, ttl).TTL
	}
	return policy.TTL
}

func (b *Browser) reachability(dep *task.Task[model.Reachability], urls []string) model.Reachability {
	if dep != nil {
		r, err := task.First[model.Reachability]("reachability", dep)
		if err == nil {
			return r
		}
		b.logger.Debug("probing reachability directly", "error", err)
	}
	return b.prober.Reachability(b.host(urls))
}

func (b *Browser) host(urls []string) string {
	for _, u := range urls {
		if parsed, err := neturl.Parse(u); err == nil && parsed.Host != "" {
			return parsed.Host
		}
	}
	return b.service.Host()
}

// normalize normalizes urls, follows known redirects, and drops
// duplicates.
func (b *Browser) normalize(urls []string) []string {
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		out = append(out, model.NormalizeURL(u))
	}
	return freshness.Rewrite(out, b.engine.Redirects().Rewrites())
}

func unavailable(err error) error {
	if errors.Is(err, model.ErrServiceUnavailable) {
		return err
	}
	return &model.ServiceUnavailableError{Err: err}
}

// dispatch hands a wave to block unless it is empty or the operation has
// been cancelled.
func dispatch[T any](ctx context.Context, block func([]T), items []T) {
	if block == nil || len(items) == 0 || ctx.Err() != nil {
		return
	}
	block(items)
}

func shape(entries []model.Entry, opts Options) []model.Entry {
	if opts.Latest {
		return freshness.Newest(entries)
	}
	return entries
}

func excludeFeeds(feeds, dispatched []model.Feed) []model.Feed {
	seen := make(map[string]bool, len(dispatched))
	for _, f := range dispatched {
		seen[f.URL] = true
	}
	var out []model.Feed
	for _, f := range feeds {
		if !seen[f.URL] {
			seen[f.URL] = true
			out = append(out, f)
		}
	}
	return out
}

func exclude(entries, dispatched []model.Entry) []model.Entry {
	seen := make(map[string]bool, len(dispatched))
	for _, e := range dispatched {
		seen[e.GUID] = true
	}
	var out []model.Entry
	for _, e := range entries {
		if !seen[e.GUID] {
			out = append(out, e)
		}
	}
	return out
}

func missingGUIDs(locators []model.EntryLocator, entries []model.Entry) []model.EntryLocator {
	found := make(map[string]bool, len(entries))
	for _, e := range entries {
		found[e.GUID] = true
	}
	var missing []model.EntryLocator
	for _, l := range locators {
		if l.GUID != "" && !found[l.GUID] {
			missing = append(missing, l)
		}
	}
	return missing
}
