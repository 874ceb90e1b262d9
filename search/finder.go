// Package search answers free-text searches and term suggestions from the
// cache, asking the directory service only when the cache has nothing fresh.
package search

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/robertmeta/feedkit/browse"
	"github.com/robertmeta/feedkit/freshness"
	"github.com/robertmeta/feedkit/model"
	"github.com/robertmeta/feedkit/task"
)

// Result limits
const (
	DefaultSearchLimit = 50
	recentLimit        = 2
	matchLimit         = 5
	suggestionLimit    = 5
)

// Finds is the result of a search or suggest task: every find dispatched,
// in order.
type Finds = []model.Find

type (
	FindsBlock func(finds []model.Find)
	DoneBlock  func(err error)
)

// Finder orchestrates searches and suggestions.
type Finder struct {
	cache   model.SearchCache
	service model.SearchService
	browser *browse.Browser
	prober  model.Prober
	sched   *task.Scheduler
	engine  *freshness.Engine
	logger  *slog.Logger
}

// New creates a Finder. Feed URLs entered as search terms are looked up
// through browser.
func New(cache model.SearchCache, service model.SearchService, browser *browse.Browser, prober model.Prober, sched *task.Scheduler, engine *freshness.Engine, logger *slog.Logger) *Finder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Finder{
		cache:   cache,
		service: service,
		browser: browser,
		prober:  prober,
		sched:   sched,
		engine:  engine,
		logger:  logger.With("component", "search"),
	}
}

// Search finds feeds for term. A term that is a feed URL fetches that feed
// directly instead.
func (f *Finder) Search(term string, block FindsBlock, done DoneBlock) *task.Task[Finds] {
	var t *task.Task[Finds]
	if _, err := model.ParseFeedURL(term); err == nil {
		t = f.lookup(strings.TrimSpace(term), block)
	} else {
		reach := task.Reach(f.prober, f.service.Host())
		t = task.New("search", func(ctx context.Context) (Finds, error) {
			return f.search(ctx, term, f.reachability(reach), newEmitter(ctx, block))
		}, reach)
	}
	t.Finally(done)
	f.schedule(t)
	return t
}

// Suggest dispatches the term itself, then cached feeds, entries, and terms
// matching it, and finally remote suggestions if the cached ones are stale.
func (f *Finder) Suggest(term string, block FindsBlock, done DoneBlock) *task.Task[Finds] {
	reach := task.Reach(f.prober, f.service.Host())
	t := task.New("suggest", func(ctx context.Context) (Finds, error) {
		return f.suggest(ctx, term, f.reachability(reach), newEmitter(ctx, block))
	}, reach)
	t.Finally(done)
	f.schedule(t)
	return t
}

func (f *Finder) schedule(jobs ...task.Job) {
	if err := f.sched.Add(jobs...); err != nil {
		f.logger.Warn("failed to schedule", "error", err)
	}
}

func (f *Finder) reachability(dep *task.Task[model.Reachability]) model.Reachability {
	r, err := task.First[model.Reachability]("reachability", dep)
	if err != nil {
		return model.Unknown
	}
	return r
}

// lookup resolves a feed URL through the browser.
func (f *Finder) lookup(url string, block FindsBlock) *task.Task[Finds] {
	feeds := f.browser.NewFeedsTask([]string{url}, browse.Options{}, nil, browse.Deps{})
	return task.New("search feed", func(ctx context.Context) (Finds, error) {
		found, err := feeds.Result()
		emit := newEmitter(ctx, block)
		emit.feeds(model.FoundFeed, found)
		return emit.out, err
	}, feeds)
}

func (f *Finder) search(ctx context.Context, term string, reach model.Reachability, emit *emitter) (Finds, error) {
	key := model.NormalizeTerm(term)
	if key == "" {
		return nil, model.ErrInvalidSearchTerm
	}

	cached, err := f.cache.FeedsForTerm(key, DefaultSearchLimit)
	if err != nil {
		return nil, err
	}
	policy := freshness.Recommend(reach, model.TTLLong)
	if len(cached) > 0 && !freshness.Stale(medianCached(cached), policy.TTL, f.engine.Now()) {
		emit.feeds(model.FoundFeed, cached)
		return emit.out, nil
	}

	fallback := func(err error) (Finds, error) {
		if len(cached) == 0 {
			return emit.out, unavailable(err)
		}
		f.logger.Warn("search falls back to stale results", "term", key, "error", err)
		emit.feeds(model.FoundFeed, cached)
		return emit.out, nil
	}
	if policy.Directive == model.ReturnCacheDataDontLoad {
		return fallback(nil)
	}

	found, err := f.service.Search(ctx, key)
	if err != nil {
		if ctx.Err() != nil {
			return emit.out, model.ErrCancelled
		}
		return fallback(err)
	}
	if err := f.cache.UpdateFeedsForTerm(key, found); err != nil {
		return emit.out, err
	}
	got, err := f.cache.FeedsForTerm(key, DefaultSearchLimit)
	if err != nil {
		return emit.out, err
	}
	f.logger.Debug("searched", "term", key, "found", len(got))
	emit.feeds(model.FoundFeed, got)
	return emit.out, nil
}

func (f *Finder) suggest(ctx context.Context, term string, reach model.Reachability, emit *emitter) (Finds, error) {
	key := model.NormalizeTerm(term)
	if key == "" {
		return nil, model.ErrInvalidSearchTerm
	}
	emit.send([]model.Find{model.Term(model.Suggestion{Term: term})})

	recent, err := f.cache.FeedsForTerm(key, recentLimit)
	if err != nil {
		return emit.out, err
	}
	emit.feeds(model.RecentSearch, recent)

	feeds, err := f.cache.FeedsMatching(key, matchLimit)
	if err != nil {
		return emit.out, err
	}
	emit.feeds(model.SuggestedFeed, feeds)

	entries, err := f.cache.EntriesMatching(key, matchLimit)
	if err != nil {
		return emit.out, err
	}
	emit.entries(entries)

	cached, err := f.cache.Suggestions(key, suggestionLimit)
	if err != nil {
		return emit.out, err
	}
	policy := freshness.Recommend(reach, model.TTLLong)
	if len(cached) > 0 && !freshness.Stale(medianSuggested(cached), policy.TTL, f.engine.Now()) {
		emit.terms(cached)
		return emit.out, nil
	}

	fallback := func(err error) (Finds, error) {
		if len(cached) == 0 {
			return emit.out, unavailable(err)
		}
		emit.terms(cached)
		return emit.out, nil
	}
	if policy.Directive == model.ReturnCacheDataDontLoad {
		return fallback(nil)
	}

	suggested, err := f.service.Suggest(ctx, key)
	if err != nil {
		if ctx.Err() != nil {
			return emit.out, model.ErrCancelled
		}
		return fallback(err)
	}
	emit.terms(suggested)
	if err := f.cache.UpdateSuggestions(key, suggested); err != nil {
		return emit.out, err
	}
	return emit.out, nil
}

// emitter delivers finds not dispatched before during one operation and
// stops delivering once the operation is cancelled.
type emitter struct {
	ctx   context.Context
	block FindsBlock
	sent  model.Dispatched
	out   Finds
}

func newEmitter(ctx context.Context, block FindsBlock) *emitter {
	return &emitter{ctx: ctx, block: block, sent: make(model.Dispatched)}
}

func (e *emitter) send(finds []model.Find) {
	if e.ctx.Err() != nil {
		return
	}
	finds = e.sent.Filter(finds)
	if len(finds) == 0 {
		return
	}
	e.out = append(e.out, finds...)
	if e.block != nil {
		e.block(finds)
	}
}

func (e *emitter) feeds(kind model.FindKind, feeds []model.Feed) {
	finds := make([]model.Find, 0, len(feeds))
	for _, f := range feeds {
		finds = append(finds, model.FeedFind(kind, f))
	}
	e.send(finds)
}

func (e *emitter) entries(entries []model.Entry) {
	finds := make([]model.Find, 0, len(entries))
	for _, en := range entries {
		finds = append(finds, model.EntryFind(en))
	}
	e.send(finds)
}

func (e *emitter) terms(suggestions []model.Suggestion) {
	finds := make([]model.Find, 0, len(suggestions))
	for _, s := range suggestions {
		finds = append(finds, model.Term(s))
	}
	e.send(finds)
}

func medianCached(feeds []model.Feed) time.Time {
	times := make([]time.Time, len(feeds))
	for i, f := range feeds {
		times[i] = f.Cached
	}
	return freshness.Median(times)
}

func medianSuggested(suggestions []model.Suggestion) time.Time {
	times := make([]time.Time, len(suggestions))
	for i, s := range suggestions {
		times[i] = s.Cached
	}
	return freshness.Median(times)
}

func unavailable(err error) error {
	if err != nil && errors.Is(err, model.ErrServiceUnavailable) {
		return err
	}
	return &model.ServiceUnavailableError{Err: err}
}
