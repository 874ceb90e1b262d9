package model

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFeed_Validation(t *testing.T) {
	tests := []struct {
		name    string
		feed    Feed
		wantErr bool
	}{
		{
			name: "valid feed",
			feed: Feed{
				URL:   "https://example.com/rss",
				Title: "Example Feed",
			},
			wantErr: false,
		},
		{
			name: "missing URL",
			feed: Feed{
				Title: "Example Feed",
			},
			wantErr: true,
		},
		{
			name: "missing title",
			feed: Feed{
				URL: "https://example.com/rss",
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.feed.Validate()
			if tt.wantErr {
				var invalid *InvalidError
				assert.ErrorAs(t, err, &invalid)
				assert.Equal(t, "feed", invalid.Kind)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestEntry_Validation(t *testing.T) {
	tests := []struct {
		name     string
		entry    Entry
		wantKind string
	}{
		{
			name:  "valid entry",
			entry: Entry{GUID: "a", FeedURL: "http://abc.de"},
		},
		{
			name:     "missing guid",
			entry:    Entry{FeedURL: "http://abc.de"},
			wantKind: "entry",
		},
		{
			name:     "missing feed",
			entry:    Entry{GUID: "a"},
			wantKind: "entry",
		},
		{
			name:     "broken enclosure",
			entry:    Entry{GUID: "a", FeedURL: "http://abc.de", Enclosure: &Enclosure{}},
			wantKind: "enclosure",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.entry.Validate()
			if tt.wantKind == "" {
				assert.NoError(t, err)
				return
			}
			var invalid *InvalidError
			require.ErrorAs(t, err, &invalid)
			assert.Equal(t, tt.wantKind, invalid.Kind)
		})
	}
}

func TestFeed_Redirected(t *testing.T) {
	f := Feed{URL: "http://abc.de"}
	assert.False(t, f.Redirected())

	f.OriginalURL = "http://abc.de"
	assert.False(t, f.Redirected())

	f.OriginalURL = "http://old.de"
	assert.True(t, f.Redirected())
}

func TestNormalizeURL(t *testing.T) {
	tests := []struct {
		input  string
		expect string
	}{
		{"http://abc.de/feed", "http://abc.de/feed"},
		{"HTTP://ABC.de/Feed", "http://abc.de/Feed"},
		{"feed://abc.de/feed", "http://abc.de/feed"},
		{"feed:https://abc.de/feed", "https://abc.de/feed"},
		{"  https://abc.de  ", "https://abc.de"},
		{"not a url", "not a url"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expect, NormalizeURL(tt.input))
		})
	}
}

func TestParseFeedURL(t *testing.T) {
	for _, s := range []string{"", "abc", "ftp://abc.de", "http://", "swift news"} {
		_, err := ParseFeedURL(s)
		assert.Error(t, err, s)
	}

	u, err := ParseFeedURL("https://feeds.example.com/podcast.xml")
	require.NoError(t, err)
	assert.Equal(t, "feeds.example.com", u.Host)
}

func TestNormalizeTerm(t *testing.T) {
	assert.Equal(t, "swift news", NormalizeTerm("  Swift   News "))
	assert.Equal(t, "", NormalizeTerm(" \t\n"))
}

func TestEntryLocator_Key(t *testing.T) {
	since := time.Unix(1700000000, 0)
	a := EntryLocator{URL: "http://abc.de", Since: since}
	b := EntryLocator{URL: "http://abc.de", Since: since, Title: "Title"}
	c := EntryLocator{URL: "http://abc.de", GUID: "123"}
	d := EntryLocator{URL: "http://xyz.de", GUID: "123"}

	assert.Equal(t, a.Key(), b.Key())
	assert.NotEqual(t, a.Key(), c.Key())
	assert.Equal(t, c.Key(), d.Key(), "guid locators are keyed by guid only")
}

func TestDedupe(t *testing.T) {
	early := time.Unix(1000, 0)
	late := time.Unix(2000, 0)

	got := Dedupe([]EntryLocator{
		{URL: "http://abc.de", Since: late},
		{URL: "http://abc.de", Since: early},
		{URL: "http://xyz.de", Since: late},
		{URL: "http://xyz.de", GUID: "1"},
		{URL: "http://xyz.de", GUID: "1"},
	})

	require.Len(t, got, 2)
	assert.Equal(t, "http://abc.de", got[0].URL)
	assert.Equal(t, early, got[0].Since)
	assert.Equal(t, "1", got[1].GUID)
}

func TestCacheTTL_Duration(t *testing.T) {
	assert.Equal(t, time.Duration(0), TTLNone.Duration())
	assert.Equal(t, time.Hour, TTLShort.Duration())
	assert.Equal(t, 8*time.Hour, TTLMedium.Duration())
	assert.Equal(t, 24*time.Hour, TTLLong.Duration())
	assert.Equal(t, Infinity, TTLForever.Duration())
}

func TestParseCacheTTL(t *testing.T) {
	for _, ttl := range []CacheTTL{TTLNone, TTLShort, TTLMedium, TTLLong, TTLForever} {
		got, err := ParseCacheTTL(ttl.String())
		require.NoError(t, err)
		assert.Equal(t, ttl, got)
	}
	_, err := ParseCacheTTL("sometimes")
	assert.Error(t, err)
}

func TestFind_Key(t *testing.T) {
	feed := Feed{URL: "http://abc.de"}
	recent := FeedFind(RecentSearch, feed)
	suggested := FeedFind(SuggestedFeed, feed)
	assert.Equal(t, recent.Key(), suggested.Key())

	term := Term(Suggestion{Term: "abc"})
	entry := EntryFind(Entry{GUID: "abc"})
	assert.NotEqual(t, term.Key(), entry.Key())
}

func TestDispatched_Filter(t *testing.T) {
	d := make(Dispatched)
	first := d.Filter([]Find{
		Term(Suggestion{Term: "a"}),
		FeedFind(SuggestedFeed, Feed{URL: "http://abc.de"}),
	})
	assert.Len(t, first, 2)

	second := d.Filter([]Find{
		Term(Suggestion{Term: "a"}),
		FeedFind(RecentSearch, Feed{URL: "http://abc.de"}),
		Term(Suggestion{Term: "b"}),
	})
	require.Len(t, second, 1)
	assert.Equal(t, "b", second[0].Suggestion.Term)
}

func TestErrors(t *testing.T) {
	offline := &ServiceUnavailableError{}
	assert.ErrorIs(t, offline, ErrServiceUnavailable)
	assert.Equal(t, "service unavailable", offline.Error())

	cause := errors.New("timeout")
	wrapped := fmt.Errorf("failed to fetch: %w", &ServiceUnavailableError{Err: cause})
	assert.ErrorIs(t, wrapped, ErrServiceUnavailable)
	assert.ErrorIs(t, wrapped, cause)

	assert.ErrorIs(t, &FeedNotCachedError{URLs: []string{"a"}}, ErrFeedNotCached)
	assert.ErrorIs(t, &MissingResultError{Capability: "locators"}, ErrMissingResult)
	assert.ErrorIs(t, &MissingEntriesError{}, ErrMissingEntries)

	p := Persistence(cause)
	assert.ErrorIs(t, p, ErrPersistence)
	assert.Same(t, p, Persistence(p))
	assert.Nil(t, Persistence(nil))
}

func TestCombine(t *testing.T) {
	assert.Nil(t, Combine(nil, nil))

	single := errors.New("a")
	assert.Equal(t, single, Combine(nil, single))
	assert.False(t, IsMultiple(single))

	both := Combine(single, ErrCancelled)
	assert.True(t, IsMultiple(both))
	assert.ErrorIs(t, both, ErrCancelled)
	assert.Len(t, Errors(both), 2)
}
