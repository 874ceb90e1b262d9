package store

import (
	"testing"
	"time"

	"github.com/robertmeta/feedkit/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

// newTestStore opens an in-memory store whose clock the test controls.
func newTestStore(t *testing.T) (*Store, *time.Time) {
	t.Helper()
	clock := epoch
	s, err := New(":memory:", WithClock(func() time.Time { return clock }))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, &clock
}

func TestNewStore(t *testing.T) {
	// Test creating a new in-memory database
	s, err := New(":memory:")
	require.NoError(t, err)
	require.NotNil(t, s)
	defer s.Close()
}

func TestStore_UpdateAndGetFeeds(t *testing.T) {
	s, _ := newTestStore(t)

	feeds := []model.Feed{
		{
			URL:     "https://example1.com/rss",
			Title:   "Feed 1",
			Author:  "Jane",
			Images:  model.Images{Default: "https://example1.com/img.png"},
			Updated: epoch.Add(-time.Hour),
			ITunes:  &model.ITunesItem{ITunesID: 42, Img600: "https://example1.com/600.png"},
		},
		{URL: "https://example2.com/rss", Title: "Feed 2"},
	}
	require.NoError(t, s.UpdateFeeds(feeds))

	got, err := s.Feeds([]string{"https://example2.com/rss", "https://example1.com/rss", "https://missing.com/rss"})
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, "https://example2.com/rss", got[0].URL, "feeds come back in request order")
	assert.Nil(t, got[0].ITunes)

	f := got[1]
	assert.Equal(t, "Feed 1", f.Title)
	assert.Equal(t, "Jane", f.Author)
	assert.Equal(t, "https://example1.com/img.png", f.Images.Default)
	assert.True(t, f.Updated.Equal(epoch.Add(-time.Hour)))
	assert.True(t, f.Cached.Equal(epoch), "cached is stamped by the store")
	require.NotNil(t, f.ITunes)
	assert.Equal(t, int64(42), f.ITunes.ITunesID)
	assert.Equal(t, "https://example1.com/rss", f.ITunes.URL)
}

func TestStore_UpdateFeedsRefreshesCached(t *testing.T) {
	s, clock := newTestStore(t)

	require.NoError(t, s.UpdateFeeds([]model.Feed{{URL: "https://example.com/rss", Title: "Old"}}))
	*clock = epoch.Add(time.Hour)
	require.NoError(t, s.UpdateFeeds([]model.Feed{{URL: "https://example.com/rss", Title: "New"}}))

	got, err := s.Feeds([]string{"https://example.com/rss"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "New", got[0].Title)
	assert.True(t, got[0].Cached.Equal(epoch.Add(time.Hour)))
}

func TestStore_UpdateFeedsInvalid(t *testing.T) {
	s, _ := newTestStore(t)

	err := s.UpdateFeeds([]model.Feed{{URL: "https://example.com/rss"}})
	var invalid *model.InvalidError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "feed", invalid.Kind)
	assert.NotErrorIs(t, err, model.ErrPersistence)
}

func TestStore_UpdateEntriesRequiresFeed(t *testing.T) {
	s, _ := newTestStore(t)

	err := s.UpdateEntries([]model.Entry{{GUID: "e1", FeedURL: "https://unknown.com/rss"}})
	require.ErrorIs(t, err, model.ErrFeedNotCached)

	var notCached *model.FeedNotCachedError
	require.ErrorAs(t, err, &notCached)
	assert.Equal(t, []string{"https://unknown.com/rss"}, notCached.URLs)
}

func seedEntries(t *testing.T, s *Store) {
	t.Helper()
	require.NoError(t, s.UpdateFeeds([]model.Feed{
		{URL: "https://a.com/rss", Title: "Alpha Cast"},
		{URL: "https://b.com/rss", Title: "Bravo Show"},
	}))
	require.NoError(t, s.UpdateEntries([]model.Entry{
		{
			GUID: "a1", FeedURL: "https://a.com/rss", Title: "Gardening basics",
			Updated:   epoch.Add(-72 * time.Hour),
			Enclosure: &model.Enclosure{URL: "https://a.com/a1.mp3", Length: 1024, Type: "audio/mpeg"},
		},
		{GUID: "a2", FeedURL: "https://a.com/rss", Title: "Advanced gardening", Updated: epoch.Add(-time.Hour)},
		{GUID: "b1", FeedURL: "https://b.com/rss", Title: "Cooking", Updated: epoch.Add(-2 * time.Hour)},
	}))
}

func TestStore_Entries(t *testing.T) {
	s, _ := newTestStore(t)
	seedEntries(t, s)

	t.Run("whole feed newest first", func(t *testing.T) {
		got, err := s.Entries([]model.EntryLocator{{URL: "https://a.com/rss"}})
		require.NoError(t, err)
		assert.Equal(t, []string{"a2", "a1"}, model.EntryGUIDs(got))
		assert.Equal(t, "Alpha Cast", got[0].FeedTitle)
		require.NotNil(t, got[1].Enclosure)
		assert.Equal(t, int64(1024), got[1].Enclosure.Length)
		assert.Nil(t, got[0].Enclosure)
	})

	t.Run("since bound", func(t *testing.T) {
		got, err := s.Entries([]model.EntryLocator{{URL: "https://a.com/rss", Since: epoch.Add(-24 * time.Hour)}})
		require.NoError(t, err)
		assert.Equal(t, []string{"a2"}, model.EntryGUIDs(got))
	})

	t.Run("guid and no duplicates", func(t *testing.T) {
		got, err := s.Entries([]model.EntryLocator{
			{URL: "https://b.com/rss", GUID: "b1"},
			{URL: "https://b.com/rss"},
			{URL: "https://c.com/rss", GUID: "missing"},
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"b1"}, model.EntryGUIDs(got))
	})

	t.Run("by guid", func(t *testing.T) {
		got, err := s.EntriesByGUID([]string{"a1", "b1"})
		require.NoError(t, err)
		assert.Equal(t, []string{"b1", "a1"}, model.EntryGUIDs(got))
	})
}

func TestStore_RemoveFeeds(t *testing.T) {
	s, _ := newTestStore(t)
	seedEntries(t, s)
	require.NoError(t, s.UpdateFeedsForTerm("alpha", []model.Feed{{URL: "https://a.com/rss", Title: "Alpha Cast"}}))

	require.NoError(t, s.RemoveFeeds([]string{"https://a.com/rss"}))

	feeds, err := s.Feeds([]string{"https://a.com/rss", "https://b.com/rss"})
	require.NoError(t, err)
	assert.Equal(t, []string{"https://b.com/rss"}, model.FeedURLs(feeds))

	entries, err := s.Entries([]model.EntryLocator{{URL: "https://a.com/rss"}})
	require.NoError(t, err)
	assert.Empty(t, entries)

	found, err := s.FeedsForTerm("alpha", 10)
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestStore_RemoveEntries(t *testing.T) {
	s, _ := newTestStore(t)
	seedEntries(t, s)

	require.NoError(t, s.RemoveEntries([]string{"https://a.com/rss"}))

	entries, err := s.EntriesByGUID([]string{"a1", "a2", "b1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"b1"}, model.EntryGUIDs(entries))

	feeds, err := s.Feeds([]string{"https://a.com/rss"})
	require.NoError(t, err)
	assert.Len(t, feeds, 1, "the feed itself stays")
}

func TestStore_Integrate(t *testing.T) {
	s, _ := newTestStore(t)
	require.NoError(t, s.UpdateFeeds([]model.Feed{{URL: "https://a.com/rss", Title: "A"}}))

	require.NoError(t, s.Integrate([]model.ITunesItem{{URL: "https://a.com/rss", ITunesID: 7, Img100: "x"}}))

	feeds, err := s.Feeds([]string{"https://a.com/rss"})
	require.NoError(t, err)
	require.NotNil(t, feeds[0].ITunes)
	assert.Equal(t, int64(7), feeds[0].ITunes.ITunesID)

	err = s.Integrate([]model.ITunesItem{{ITunesID: 8}})
	var invalid *model.InvalidError
	assert.ErrorAs(t, err, &invalid)
}

func TestStore_ClosedDatabase(t *testing.T) {
	s, err := New(":memory:")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = s.Feeds([]string{"https://a.com/rss"})
	assert.ErrorIs(t, err, model.ErrPersistence)

	err = s.UpdateFeeds([]model.Feed{{URL: "https://a.com/rss", Title: "A"}})
	assert.ErrorIs(t, err, model.ErrPersistence)
}
