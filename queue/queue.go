// Package queue keeps the playback queue in line with the subscriptions:
// it enqueues entries without duplicates and polls subscribed feeds for new
// ones.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/robertmeta/feedkit/browse"
	"github.com/robertmeta/feedkit/freshness"
	"github.com/robertmeta/feedkit/model"
	"github.com/robertmeta/feedkit/task"
)

// DefaultCapacity bounds the number of queued items kept after trimming.
const DefaultCapacity = 50

// Owner is who triggered an enqueue.
type Owner int

const (
	// User enqueues explicitly; everything is kept and pinned.
	User Owner = iota
	// Subscriber enqueues the latest entry per feed after an update.
	Subscriber
	// System enqueues like Subscriber but never brings back entries that
	// have been queued before.
	System
)

func (o Owner) String() string {
	switch o {
	case User:
		return "user"
	case Subscriber:
		return "subscriber"
	default:
		return "system"
	}
}

// ParseOwner parses the name of an owner.
func ParseOwner(s string) (Owner, error) {
	switch s {
	case "user", "":
		return User, nil
	case "subscriber":
		return Subscriber, nil
	case "system":
		return System, nil
	}
	return User, fmt.Errorf("unknown owner: %q", s)
}

func (o Owner) origin() model.Origin {
	if o == User {
		return model.Pinned
	}
	return model.Temporary
}

// DoneBlock receives the entries an operation has newly queued.
type DoneBlock func(queued []model.Entry, err error)

// Cache is the storage the queue works on.
type Cache interface {
	model.QueueCache
	model.SubscriptionCache
	model.FeedCache
}

// Config configures a Queue.
type Config struct {
	Capacity int
	Clock    model.Clock
}

// Queue manages the playback queue and the subscriptions feeding it.
type Queue struct {
	cache    Cache
	browser  *browse.Browser
	sched    *task.Scheduler
	capacity int
	now      model.Clock
	logger   *slog.Logger
}

// New creates a Queue. Entries for updates are fetched through browser.
func New(cache Cache, browser *browse.Browser, sched *task.Scheduler, cfg Config, logger *slog.Logger) *Queue {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		cache:    cache,
		browser:  browser,
		sched:    sched,
		capacity: cfg.Capacity,
		now:      cfg.Clock,
		logger:   logger.With("component", "queue"),
	}
}

// Enqueue queues entries and those provided by deps on behalf of owner.
func (q *Queue) Enqueue(entries []model.Entry, owner Owner, done DoneBlock, deps ...*task.Task[task.EntrySet]) *task.Task[task.EntrySet] {
	t := q.NewEnqueueTask(entries, owner, deps...)
	q.finish(t, done)
	q.schedule(t)
	return t
}

// NewEnqueueTask builds an unscheduled enqueue task. Its result is the
// subset of candidates that ended up in the queue.
func (q *Queue) NewEnqueueTask(entries []model.Entry, owner Owner, deps ...*task.Task[task.EntrySet]) *task.Task[task.EntrySet] {
	jobs := make([]task.Job, 0, len(deps))
	providers := make([]task.Provider[task.EntrySet], 0, len(deps))
	for _, d := range deps {
		jobs = append(jobs, d)
		providers = append(providers, d)
	}

	return task.New("enqueue", func(ctx context.Context) (task.EntrySet, error) {
		candidates := append([]model.Entry(nil), entries...)
		if len(providers) > 0 {
			provided, err := task.Union[model.Entry](providers...)
			if err != nil {
				if len(provided) == 0 || errors.Is(err, model.ErrCancelled) {
					return nil, err
				}
				q.logger.Warn("enqueueing partial results", "error", err)
			}
			candidates = append(candidates, provided...)
		}
		if ctx.Err() != nil {
			return nil, model.ErrCancelled
		}
		return q.enqueue(candidates, owner)
	}, jobs...)
}

func (q *Queue) enqueue(candidates []model.Entry, owner Owner) ([]model.Entry, error) {
	keep, err := q.filter(candidates, owner)
	if err != nil {
		return nil, err
	}
	if len(keep) == 0 {
		return nil, nil
	}

	before, err := q.cache.Queued()
	if err != nil {
		return nil, err
	}

	// Oldest first, so the newest ends up on top.
	sort.SliceStable(keep, func(i, j int) bool {
		return keep[i].Updated.Before(keep[j].Updated)
	})
	itunes, err := q.itunes(keep)
	if err != nil {
		return nil, err
	}
	now := q.now()
	items := make([]model.Queued, 0, len(keep))
	for _, e := range keep {
		items = append(items, model.Queued{
			Locator:  e.Locator(),
			Enqueued: now,
			ITunes:   itunes[e.FeedURL],
			Origin:   owner.origin(),
		})
	}
	if err := q.cache.AddQueued(items); err != nil {
		return nil, err
	}
	if err := q.cache.Trim(q.capacity); err != nil {
		return nil, err
	}

	after, err := q.cache.Queued()
	if err != nil {
		return nil, err
	}
	added := diff(before, after, keep)
	q.logger.Info("enqueued entries",
		"owner", owner,
		"candidates", len(candidates),
		"queued", len(added))
	return added, nil
}

// filter drops candidates that are queued already and reduces the rest
// according to owner.
func (q *Queue) filter(candidates []model.Entry, owner Owner) ([]model.Entry, error) {
	seen := make(map[string]bool)
	var keep []model.Entry
	for _, e := range candidates {
		if seen[e.GUID] {
			continue
		}
		seen[e.GUID] = true
		queued, err := q.cache.IsQueued(e.GUID)
		if err != nil {
			return nil, err
		}
		if !queued {
			keep = append(keep, e)
		}
	}
	if owner == User {
		return keep, nil
	}

	keep = freshness.Newest(keep)
	if owner == Subscriber {
		return keep, nil
	}
	var unseen []model.Entry
	for _, e := range keep {
		previous, err := q.cache.IsPrevious(e.GUID)
		if err != nil {
			return nil, err
		}
		if !previous {
			unseen = append(unseen, e)
		}
	}
	return unseen, nil
}

// itunes looks up the iTunes metadata of the feeds of entries.
func (q *Queue) itunes(entries []model.Entry) (map[string]*model.ITunesItem, error) {
	urls := make([]string, 0, len(entries))
	for _, e := range entries {
		urls = append(urls, e.FeedURL)
	}
	feeds, err := q.cache.Feeds(urls)
	if err != nil {
		return nil, err
	}
	out := make(map[string]*model.ITunesItem)
	for _, f := range feeds {
		if f.ITunes != nil {
			out[f.URL] = f.ITunes
		}
	}
	return out, nil
}

// diff returns the candidates found in after but not in before, in queue
// order.
func diff(before, after []model.Queued, candidates []model.Entry) []model.Entry {
	was := make(map[string]bool, len(before))
	for _, b := range before {
		was[b.Locator.GUID] = true
	}
	byGUID := make(map[string]model.Entry, len(candidates))
	for _, e := range candidates {
		byGUID[e.GUID] = e
	}
	var out []model.Entry
	for _, a := range after {
		guid := a.Locator.GUID
		if e, ok := byGUID[guid]; ok && !was[guid] {
			out = append(out, e)
		}
	}
	return out
}

// PrepareUpdate computes the locators to poll for new entries.
func (q *Queue) PrepareUpdate(done func(locators []model.EntryLocator, err error)) *task.Task[task.Locators] {
	t := q.NewPrepareUpdateTask()
	if done != nil {
		t.Finally(func(err error) {
			locators, _ := t.Result()
			done(locators, err)
		})
	}
	q.schedule(t)
	return t
}

// NewPrepareUpdateTask builds an unscheduled task providing one locator per
// subscription.
func (q *Queue) NewPrepareUpdateTask() *task.Task[task.Locators] {
	return task.New("prepare update", func(ctx context.Context) (task.Locators, error) {
		subs, err := q.cache.Subscribed()
		if err != nil {
			return nil, err
		}
		queued, err := q.cache.Queued()
		if err != nil {
			return nil, err
		}
		return Merge(subs, queued), nil
	})
}

// Merge returns a locator per subscription, starting at the later of the
// subscription's since and the newest queued entry of the feed.
func Merge(subs []model.Subscription, queued []model.Queued) []model.EntryLocator {
	newest := make(map[string]time.Time)
	for _, item := range queued {
		l := item.Locator
		if l.Since.After(newest[l.URL]) {
			newest[l.URL] = l.Since
		}
	}

	locators := make([]model.EntryLocator, 0, len(subs))
	for _, s := range subs {
		since := s.Since
		if t, ok := newest[s.URL]; ok && t.After(since) {
			since = t
		}
		locators = append(locators, model.EntryLocator{URL: s.URL, Since: since, Title: s.Title})
	}
	return locators
}

// Update polls the subscribed feeds and enqueues their latest entries.
func (q *Queue) Update(opts browse.Options, done DoneBlock) *task.Task[task.EntrySet] {
	prepare := q.NewPrepareUpdateTask()
	fetch := q.browser.NewEntriesTask(nil, opts, nil, browse.Deps{Locators: prepare})
	t := q.NewEnqueueTask(nil, Subscriber, fetch)
	q.finish(t, done)
	q.schedule(t)
	return t
}

// Subscribe adds subscriptions. URLs are normalized; an invalid one fails
// the whole call.
func (q *Queue) Subscribe(subs []model.Subscription) error {
	normalized := make([]model.Subscription, 0, len(subs))
	for _, s := range subs {
		u, err := model.ParseFeedURL(s.URL)
		if err != nil {
			return &model.InvalidError{Kind: "feed", Reason: err.Error()}
		}
		s.URL = u.String()
		normalized = append(normalized, s)
	}
	if err := q.cache.AddSubscriptions(normalized); err != nil {
		return err
	}
	q.logger.Info("subscribed", "count", len(normalized))
	return nil
}

// Unsubscribe removes the subscriptions of urls.
func (q *Queue) Unsubscribe(urls []string) error {
	normalized := make([]string, 0, len(urls))
	for _, u := range urls {
		normalized = append(normalized, model.NormalizeURL(u))
	}
	return q.cache.RemoveSubscriptions(normalized)
}

// Subscriptions returns all subscriptions.
func (q *Queue) Subscriptions() ([]model.Subscription, error) {
	return q.cache.Subscribed()
}

// Dequeue removes entries from the queue.
func (q *Queue) Dequeue(guids []string) error {
	return q.cache.RemoveQueued(guids)
}

// Items returns the queue, most recently enqueued first.
func (q *Queue) Items() ([]model.Queued, error) {
	return q.cache.Queued()
}

// Entries returns the cached entries of the queue in queue order. Items
// whose entries are not cached are left out.
func (q *Queue) Entries() ([]model.Entry, error) {
	items, err := q.cache.Queued()
	if err != nil {
		return nil, err
	}
	guids := make([]string, 0, len(items))
	for _, item := range items {
		guids = append(guids, item.Locator.GUID)
	}
	entries, err := q.cache.EntriesByGUID(guids)
	if err != nil {
		return nil, err
	}
	byGUID := make(map[string]model.Entry, len(entries))
	for _, e := range entries {
		byGUID[e.GUID] = e
	}
	out := make([]model.Entry, 0, len(entries))
	for _, g := range guids {
		if e, ok := byGUID[g]; ok {
			out = append(out, e)
		}
	}
	return out, nil
}

// Contains reports whether the entry with guid is queued.
func (q *Queue) Contains(guid string) (bool, error) {
	return q.cache.IsQueued(guid)
}

func (q *Queue) finish(t *task.Task[task.EntrySet], done DoneBlock) {
	if done == nil {
		return
	}
	t.Finally(func(err error) {
		queued, _ := t.Result()
		done(queued, err)
	})
}

func (q *Queue) schedule(jobs ...task.Job) {
	if err := q.sched.Add(jobs...); err != nil {
		q.logger.Warn("failed to schedule", "error", err)
	}
}
