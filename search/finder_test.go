package search

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/robertmeta/feedkit/browse"
	"github.com/robertmeta/feedkit/freshness"
	"github.com/robertmeta/feedkit/model"
	"github.com/robertmeta/feedkit/store"
	"github.com/robertmeta/feedkit/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func setupTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeProber struct {
	r model.Reachability
}

func (p fakeProber) Reachability(host string) model.Reachability { return p.r }

type fakeDirectory struct {
	mu          sync.Mutex
	results     map[string][]model.Feed
	suggestions map[string][]model.Suggestion
	err         error
	hang        bool
	called      chan struct{}
	searches    []string
	suggests    []string
}

func (d *fakeDirectory) Host() string                { return "directory.example" }
func (d *fakeDirectory) Status() model.ServiceStatus { return model.ServiceStatus{} }

func (d *fakeDirectory) Search(ctx context.Context, term string) ([]model.Feed, error) {
	d.mu.Lock()
	d.searches = append(d.searches, term)
	d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	return d.results[term], nil
}

func (d *fakeDirectory) Suggest(ctx context.Context, term string) ([]model.Suggestion, error) {
	d.mu.Lock()
	d.suggests = append(d.suggests, term)
	d.mu.Unlock()
	d.called <- struct{}{}
	if d.hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if d.err != nil {
		return nil, d.err
	}
	return d.suggestions[term], nil
}

func (d *fakeDirectory) calls() (searches, suggests []string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.searches, d.suggests
}

// fakeFeeds serves feeds for the direct lookup of feed URLs.
type fakeFeeds struct {
	mu    sync.Mutex
	feeds map[string]model.Feed
	calls int
}

func (s *fakeFeeds) Host() string                { return "feeds.example" }
func (s *fakeFeeds) Status() model.ServiceStatus { return model.ServiceStatus{} }

func (s *fakeFeeds) Feeds(ctx context.Context, urls []string, d model.CacheDirective) ([]model.Feed, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	var out []model.Feed
	for _, u := range urls {
		if f, ok := s.feeds[u]; ok {
			out = append(out, f)
		}
	}
	return out, nil
}

func (s *fakeFeeds) Entries(ctx context.Context, locators []model.EntryLocator, d model.CacheDirective) ([]model.Entry, error) {
	return nil, nil
}

type fixture struct {
	finder    *Finder
	store     *store.Store
	directory *fakeDirectory
	feeds     *fakeFeeds
	clock     *time.Time
}

func newFixture(t *testing.T, r model.Reachability) *fixture {
	t.Helper()
	clock := epoch
	now := func() time.Time { return clock }
	logger := setupTestLogger()

	st, err := store.New(":memory:", store.WithClock(now))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	sched := task.NewScheduler(task.SchedulerConfig{WorkerCount: 2, QueueSize: 8}, logger)
	t.Cleanup(sched.Stop)

	engine := freshness.NewEngine(freshness.EngineConfig{}, now, logger)
	prober := fakeProber{r: r}
	feeds := &fakeFeeds{feeds: make(map[string]model.Feed)}
	directory := &fakeDirectory{
		results:     make(map[string][]model.Feed),
		suggestions: make(map[string][]model.Suggestion),
		called:      make(chan struct{}, 16),
	}
	browser := browse.New(st, feeds, prober, sched, engine, logger)

	return &fixture{
		finder:    New(st, directory, browser, prober, sched, engine, logger),
		store:     st,
		directory: directory,
		feeds:     feeds,
		clock:     &clock,
	}
}

type collected struct {
	waves [][]model.Find
	done  chan error
}

// awaitCall blocks until the directory has been called.
func (d *fakeDirectory) awaitCall(t *testing.T) {
	t.Helper()
	select {
	case <-d.called:
	case <-time.After(5 * time.Second):
		t.Fatal("directory was not called")
	}
}

func newCollected() *collected {
	return &collected{done: make(chan error, 1)}
}

func (c *collected) block(finds []model.Find) { c.waves = append(c.waves, finds) }
func (c *collected) finish(err error)         { c.done <- err }

func (c *collected) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-c.done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("operation did not complete")
		return nil
	}
}

func (c *collected) finds() []model.Find {
	var out []model.Find
	for _, w := range c.waves {
		out = append(out, w...)
	}
	return out
}

func (f *fixture) search(t *testing.T, term string) ([]model.Find, error) {
	t.Helper()
	c := newCollected()
	f.finder.Search(term, c.block, c.finish)
	err := c.wait(t)
	return c.finds(), err
}

func (f *fixture) suggest(t *testing.T, term string) ([]model.Find, error) {
	t.Helper()
	c := newCollected()
	f.finder.Suggest(term, c.block, c.finish)
	err := c.wait(t)
	return c.finds(), err
}

func keys(finds []model.Find) []string {
	out := make([]string, len(finds))
	for i, f := range finds {
		out[i] = f.Key()
	}
	return out
}

func kinds(finds []model.Find) []model.FindKind {
	out := make([]model.FindKind, len(finds))
	for i, f := range finds {
		out[i] = f.Kind
	}
	return out
}

var (
	talk   = model.Feed{URL: "http://talk.example/feed", Title: "Swift Talk"}
	weekly = model.Feed{URL: "http://weekly.example/feed", Title: "Swift Weekly"}
)

func TestFinder_SearchNormalizesAndCaches(t *testing.T) {
	f := newFixture(t, model.Reachable)
	f.directory.results["swift news"] = []model.Feed{talk, weekly}

	finds, err := f.search(t, "  Swift   News ")
	require.NoError(t, err)
	assert.Equal(t, []string{"feed:" + talk.URL, "feed:" + weekly.URL}, keys(finds))
	assert.Equal(t, []model.FindKind{model.FoundFeed, model.FoundFeed}, kinds(finds))

	searches, _ := f.directory.calls()
	assert.Equal(t, []string{"swift news"}, searches)

	cached, err := f.store.FeedsForTerm("swift news", 0)
	require.NoError(t, err)
	assert.Len(t, cached, 2)

	// Fresh now, answered from the cache.
	finds, err = f.search(t, "swift news")
	require.NoError(t, err)
	assert.Len(t, finds, 2)
	searches, _ = f.directory.calls()
	assert.Len(t, searches, 1)
}

func TestFinder_SearchStaleCache(t *testing.T) {
	f := newFixture(t, model.Reachable)
	*f.clock = epoch.Add(-48 * time.Hour)
	require.NoError(t, f.store.UpdateFeedsForTerm("swift", []model.Feed{talk}))
	*f.clock = epoch
	f.directory.results["swift"] = []model.Feed{weekly}

	finds, err := f.search(t, "swift")
	require.NoError(t, err)
	assert.Equal(t, []string{"feed:" + weekly.URL}, keys(finds), "the new result replaces the old")
}

func TestFinder_SearchRemoteFailure(t *testing.T) {
	f := newFixture(t, model.Reachable)
	*f.clock = epoch.Add(-48 * time.Hour)
	require.NoError(t, f.store.UpdateFeedsForTerm("swift", []model.Feed{talk}))
	*f.clock = epoch
	f.directory.err = errors.New("boom")

	finds, err := f.search(t, "swift")
	require.NoError(t, err)
	assert.Equal(t, []string{"feed:" + talk.URL}, keys(finds), "stale results as fallback")

	finds, err = f.search(t, "kotlin")
	assert.ErrorIs(t, err, model.ErrServiceUnavailable)
	assert.ErrorContains(t, err, "boom")
	assert.Empty(t, finds)
}

func TestFinder_SearchOffline(t *testing.T) {
	f := newFixture(t, model.Unknown)

	_, err := f.search(t, "swift")
	assert.ErrorIs(t, err, model.ErrServiceUnavailable)
	searches, _ := f.directory.calls()
	assert.Empty(t, searches)
}

func TestFinder_SearchFeedURL(t *testing.T) {
	f := newFixture(t, model.Reachable)
	f.feeds.feeds[talk.URL] = talk

	finds, err := f.search(t, " "+talk.URL+" ")
	require.NoError(t, err)
	require.Len(t, finds, 1)
	assert.Equal(t, model.FoundFeed, finds[0].Kind)
	assert.Equal(t, "Swift Talk", finds[0].Feed.Title)

	searches, _ := f.directory.calls()
	assert.Empty(t, searches, "no free-text search for feed URLs")
	assert.Equal(t, 1, f.feeds.calls)
}

func TestFinder_InvalidTerm(t *testing.T) {
	f := newFixture(t, model.Reachable)

	_, err := f.search(t, "   ")
	assert.ErrorIs(t, err, model.ErrInvalidSearchTerm)
	_, err = f.suggest(t, "")
	assert.ErrorIs(t, err, model.ErrInvalidSearchTerm)
}

func TestFinder_Suggest(t *testing.T) {
	f := newFixture(t, model.Reachable)
	require.NoError(t, f.store.UpdateFeedsForTerm("swift", []model.Feed{talk}))
	require.NoError(t, f.store.UpdateFeeds([]model.Feed{weekly}))
	require.NoError(t, f.store.UpdateEntries([]model.Entry{
		{GUID: "lesson", FeedURL: weekly.URL, Title: "Learning Swift", Updated: epoch},
	}))
	f.directory.suggestions["swift"] = []model.Suggestion{{Term: "swiftui"}, {Term: "swift"}}

	finds, err := f.suggest(t, "swift")
	require.NoError(t, err)
	assert.Equal(t, []string{
		"term:swift",
		"feed:" + talk.URL,
		"feed:" + weekly.URL,
		"entry:lesson",
		"term:swiftui",
	}, keys(finds))
	assert.Equal(t, []model.FindKind{
		model.SuggestedTerm,
		model.RecentSearch,
		model.SuggestedFeed,
		model.SuggestedEntry,
		model.SuggestedTerm,
	}, kinds(finds))

	cached, err := f.store.Suggestions("swift", 0)
	require.NoError(t, err)
	require.Len(t, cached, 2, "remote suggestions are persisted")

	// Cached suggestions are fresh now.
	finds, err = f.suggest(t, "Swift")
	require.NoError(t, err)
	assert.Equal(t, "Swift", finds[0].Suggestion.Term, "the verbatim term comes first")
	_, suggests := f.directory.calls()
	assert.Len(t, suggests, 1)
}

func TestFinder_SuggestOffline(t *testing.T) {
	f := newFixture(t, model.Unknown)
	require.NoError(t, f.store.UpdateSuggestions("swift", []model.Suggestion{{Term: "swiftui"}}))

	finds, err := f.suggest(t, "swift")
	require.NoError(t, err)
	assert.Equal(t, []string{"term:swift", "term:swiftui"}, keys(finds))
	_, suggests := f.directory.calls()
	assert.Empty(t, suggests)
}

func TestFinder_SuggestCancelled(t *testing.T) {
	f := newFixture(t, model.Reachable)
	f.directory.hang = true

	c := newCollected()
	tk := f.finder.Suggest("swift", c.block, c.finish)
	f.directory.awaitCall(t)
	tk.Cancel()

	assert.ErrorIs(t, c.wait(t), model.ErrCancelled)
	assert.Equal(t, []string{"term:swift"}, keys(c.finds()), "nothing after the cancellation")
}
