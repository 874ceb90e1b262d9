package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/robertmeta/feedkit/feed"
	"github.com/robertmeta/feedkit/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const podcast = `<?xml version="1.0"?>
<rss version="2.0">
  <channel>
    <title>%s</title>
    <item><guid>%s-new</guid><title>New</title><pubDate>Tue, 02 Jan 2024 10:00:00 +0000</pubDate></item>
    <item><guid>%s-old</guid><title>Old</title><pubDate>Mon, 01 Jan 2024 10:00:00 +0000</pubDate></item>
  </channel>
</rss>`

func setupTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testServer struct {
	*httptest.Server
	hits atomic.Int32
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ts := &testServer{}

	r := chi.NewRouter()
	r.Get("/feeds/{name}", func(w http.ResponseWriter, req *http.Request) {
		ts.hits.Add(1)
		name := chi.URLParam(req, "name")
		fmt.Fprintf(w, podcast, name, name, name)
	})
	r.Get("/moved/{name}", func(w http.ResponseWriter, req *http.Request) {
		http.Redirect(w, req, "/feeds/"+chi.URLParam(req, "name"), http.StatusFound)
	})
	r.Get("/broken", func(w http.ResponseWriter, req *http.Request) {
		w.Write([]byte("not a feed"))
	})
	r.Get("/search", func(w http.ResponseWriter, req *http.Request) {
		q := req.URL.Query().Get("q")
		json.NewEncoder(w).Encode([]model.Feed{
			{URL: "HTTP://Example.com/" + q, Title: "Found " + q},
		})
	})
	r.Get("/suggest", func(w http.ResponseWriter, req *http.Request) {
		q := req.URL.Query().Get("q")
		json.NewEncoder(w).Encode([]model.Suggestion{{Term: q + "ing"}, {Term: q + "s"}})
	})

	ts.Server = httptest.NewServer(r)
	t.Cleanup(ts.Close)
	return ts
}

func newTestClient(ts *testServer) *Client {
	return NewClient(Config{Host: ts.URL, MaxConcurrency: 2}, ts.Client(), nil, setupTestLogger())
}

func TestClient_Feeds(t *testing.T) {
	ts := newTestServer(t)
	c := newTestClient(ts)

	urls := []string{ts.URL + "/feeds/a", ts.URL + "/feeds/b", ts.URL + "/feeds/c", ts.URL + "/broken"}
	feeds, err := c.Feeds(context.Background(), urls, model.UseProtocolCachePolicy)
	require.NoError(t, err)

	assert.Equal(t, urls[:3], model.FeedURLs(feeds), "unparsable feeds are skipped")
	assert.Equal(t, "a", feeds[0].Title)
	assert.True(t, c.Status().OK())
	assert.Equal(t, int32(3), ts.hits.Load())
}

func TestClient_FeedsRedirect(t *testing.T) {
	ts := newTestServer(t)
	c := newTestClient(ts)

	feeds, err := c.Feeds(context.Background(), []string{ts.URL + "/moved/a"}, model.UseProtocolCachePolicy)
	require.NoError(t, err)
	require.Len(t, feeds, 1)
	assert.Equal(t, ts.URL+"/feeds/a", feeds[0].URL)
	assert.Equal(t, ts.URL+"/moved/a", feeds[0].OriginalURL)
}

func TestClient_Entries(t *testing.T) {
	ts := newTestServer(t)
	c := newTestClient(ts)

	locators := []model.EntryLocator{
		{URL: ts.URL + "/feeds/a", Since: time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)},
		{URL: ts.URL + "/feeds/b", GUID: "b-old"},
	}
	entries, err := c.Entries(context.Background(), locators, model.UseProtocolCachePolicy)
	require.NoError(t, err)
	assert.Equal(t, []string{"a-new", "b-old"}, model.EntryGUIDs(entries))
	assert.Equal(t, int32(2), ts.hits.Load(), "one request per feed")
}

func TestClient_Unavailable(t *testing.T) {
	ts := newTestServer(t)
	c := newTestClient(ts)
	url := ts.URL + "/feeds/a"
	ts.Close()

	_, err := c.Feeds(context.Background(), []string{url}, model.UseProtocolCachePolicy)
	require.ErrorIs(t, err, model.ErrServiceUnavailable)
	assert.False(t, c.Status().OK())

	_, err = c.Search(context.Background(), "gardening")
	assert.ErrorIs(t, err, model.ErrServiceUnavailable)
}

func TestClient_Cancelled(t *testing.T) {
	ts := newTestServer(t)
	c := newTestClient(ts)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Feeds(ctx, []string{ts.URL + "/feeds/a"}, model.UseProtocolCachePolicy)
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, c.Status().OK(), "cancellation says nothing about the service")
}

func TestClient_SearchAndSuggest(t *testing.T) {
	ts := newTestServer(t)
	c := newTestClient(ts)

	feeds, err := c.Search(context.Background(), "garden")
	require.NoError(t, err)
	require.Len(t, feeds, 1)
	assert.Equal(t, "http://example.com/garden", feeds[0].URL)
	assert.Equal(t, "Found garden", feeds[0].Title)

	suggestions, err := c.Suggest(context.Background(), "garden")
	require.NoError(t, err)
	assert.Equal(t, []model.Suggestion{{Term: "gardening"}, {Term: "gardens"}}, suggestions)
}

func TestClient_ServerError(t *testing.T) {
	r := chi.NewRouter()
	r.Get("/search", func(w http.ResponseWriter, req *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	})
	r.Get("/suggest", func(w http.ResponseWriter, req *http.Request) {
		http.Error(w, "nope", http.StatusBadRequest)
	})
	srv := httptest.NewServer(r)
	defer srv.Close()
	c := NewClient(Config{Host: srv.URL}, srv.Client(), nil, setupTestLogger())

	_, err := c.Search(context.Background(), "x")
	assert.ErrorIs(t, err, model.ErrServiceUnavailable)

	_, err = c.Suggest(context.Background(), "x")
	var status *feed.StatusError
	require.ErrorAs(t, err, &status)
	assert.Equal(t, http.StatusBadRequest, status.Code)
	assert.True(t, c.Status().OK())
}

func TestSelect(t *testing.T) {
	since := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	byURL := map[string][]model.Entry{
		"http://a.de": {
			{GUID: "a2", Updated: since.Add(time.Hour)},
			{GUID: "a1", Updated: since.Add(-time.Hour)},
		},
	}

	got := Select([]model.EntryLocator{
		{URL: "http://a.de", Since: since},
		{URL: "http://a.de", GUID: "a2"},
		{URL: "http://b.de"},
	}, byURL)
	assert.Equal(t, []string{"a2"}, model.EntryGUIDs(got))
}

func TestProbe(t *testing.T) {
	ok := func(ctx context.Context, host string) ([]string, error) {
		return []string{"127.0.0.1"}, nil
	}
	fail := func(ctx context.Context, host string) ([]string, error) {
		return nil, errors.New("no such host")
	}

	var looked string
	record := func(ctx context.Context, host string) ([]string, error) {
		looked = host
		return ok(ctx, host)
	}

	assert.Equal(t, model.Reachable, NewProbe(record, false, nil).Reachability("https://Example.com:8080/feed"))
	assert.Equal(t, "Example.com", looked)
	assert.Equal(t, model.Cellular, NewProbe(ok, true, nil).Reachability("example.com"))
	assert.Equal(t, model.Unknown, NewProbe(fail, false, nil).Reachability("example.com"))
	assert.Equal(t, model.Unknown, NewProbe(ok, false, nil).Reachability(""))
}
