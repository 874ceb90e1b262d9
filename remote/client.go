// Package remote talks to the network: it fetches feeds from their
// publishers and runs searches against the directory service.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	neturl "net/url"
	"strings"
	"sync"
	"time"

	"github.com/robertmeta/feedkit/feed"
	"github.com/robertmeta/feedkit/model"
)

// DefaultMaxConcurrency limits parallel feed requests.
const DefaultMaxConcurrency = 8

// Config configures a Client.
type Config struct {
	// Host is the base URL of the search service.
	Host           string
	Timeout        time.Duration
	MaxConcurrency int
}

// Client implements model.FeedService and model.SearchService.
type Client struct {
	host    string
	http    *http.Client
	fetcher *feed.Fetcher
	sem     chan struct{}
	now     model.Clock
	logger  *slog.Logger

	mu     sync.Mutex
	status model.ServiceStatus
}

var (
	_ model.FeedService   = (*Client)(nil)
	_ model.SearchService = (*Client)(nil)
)

// NewClient creates a client. A nil httpClient gets one with cfg.Timeout.
func NewClient(cfg Config, httpClient *http.Client, now model.Clock, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = DefaultMaxConcurrency
	}
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		host:    strings.TrimSuffix(cfg.Host, "/"),
		http:    httpClient,
		fetcher: feed.NewFetcher(httpClient, now),
		sem:     make(chan struct{}, cfg.MaxConcurrency),
		now:     now,
		logger:  logger.With("component", "remote"),
	}
}

// Host returns the base URL of the search service.
func (c *Client) Host() string {
	return c.host
}

// Status returns the outcome of the last remote call.
func (c *Client) Status() model.ServiceStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Client) record(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = model.ServiceStatus{At: c.now(), Err: err}
}

type fetched struct {
	url     string
	feed    model.Feed
	entries []model.Entry
	err     error
}

// fetchAll fetches urls concurrently, at most MaxConcurrency at a time.
func (c *Client) fetchAll(ctx context.Context, urls []string, d model.CacheDirective) []fetched {
	results := make([]fetched, len(urls))

	var wg sync.WaitGroup
	for i, u := range urls {
		wg.Add(1)
		go func(i int, u string) {
			defer wg.Done()

			// Acquire semaphore
			select {
			case c.sem <- struct{}{}:
			case <-ctx.Done():
				results[i] = fetched{url: u, err: ctx.Err()}
				return
			}
			defer func() { <-c.sem }() // Release semaphore

			f, entries, err := c.fetcher.Fetch(ctx, u, d)
			results[i] = fetched{url: u, feed: f, entries: entries, err: err}
		}(i, u)
	}

	// Wait for all goroutines to complete
	wg.Wait()
	return results
}

// settle turns per-feed failures into the outcome of a batch. Feeds that
// fail to parse or answer with an error status are skipped. Only if
// nothing could be fetched and the network failed is the service
// considered unavailable.
func (c *Client) settle(ctx context.Context, results []fetched) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var (
		ok        int
		transport error
	)
	for _, r := range results {
		if r.err == nil {
			ok++
			continue
		}
		var urlErr *neturl.Error
		if errors.As(r.err, &urlErr) {
			transport = r.err
		}
		c.logger.Warn("failed to fetch feed", "url", r.url, "error", r.err)
	}
	if ok == 0 && transport != nil {
		c.record(transport)
		return &model.ServiceUnavailableError{Err: transport}
	}
	c.record(nil)
	return nil
}

// Feeds fetches feeds. Redirected feeds carry their original URL.
func (c *Client) Feeds(ctx context.Context, urls []string, d model.CacheDirective) ([]model.Feed, error) {
	if len(urls) == 0 {
		return nil, nil
	}
	results := c.fetchAll(ctx, urls, d)
	if err := c.settle(ctx, results); err != nil {
		return nil, err
	}

	var feeds []model.Feed
	for _, r := range results {
		if r.err == nil {
			feeds = append(feeds, r.feed)
		}
	}
	c.logger.Debug("fetched feeds", "requested", len(urls), "fetched", len(feeds))
	return feeds, nil
}

// Entries fetches the feeds of locators and returns the entries they
// select.
func (c *Client) Entries(ctx context.Context, locators []model.EntryLocator, d model.CacheDirective) ([]model.Entry, error) {
	urls := model.LocatorURLs(locators)
	if len(urls) == 0 {
		return nil, nil
	}
	results := c.fetchAll(ctx, urls, d)
	if err := c.settle(ctx, results); err != nil {
		return nil, err
	}

	byURL := make(map[string][]model.Entry, len(results))
	for _, r := range results {
		if r.err == nil {
			byURL[r.url] = r.entries
		}
	}
	return Select(locators, byURL), nil
}

// Select picks the entries matching locators from entries grouped by the
// URL they have been requested with.
func Select(locators []model.EntryLocator, byURL map[string][]model.Entry) []model.Entry {
	seen := make(map[string]bool)
	var out []model.Entry
	for _, l := range locators {
		for _, e := range byURL[l.URL] {
			if seen[e.GUID] {
				continue
			}
			if l.GUID != "" && e.GUID != l.GUID {
				continue
			}
			if l.GUID == "" && e.Updated.Before(l.Since) {
				continue
			}
			seen[e.GUID] = true
			out = append(out, e)
		}
	}
	return out
}

// Search queries the directory for feeds matching term.
func (c *Client) Search(ctx context.Context, term string) ([]model.Feed, error) {
	var feeds []model.Feed
	if err := c.get(ctx, "/search", term, &feeds); err != nil {
		return nil, err
	}
	for i := range feeds {
		feeds[i].URL = model.NormalizeURL(feeds[i].URL)
	}
	return feeds, nil
}

// Suggest asks the directory for terms completing term.
func (c *Client) Suggest(ctx context.Context, term string) ([]model.Suggestion, error) {
	var suggestions []model.Suggestion
	if err := c.get(ctx, "/suggest", term, &suggestions); err != nil {
		return nil, err
	}
	return suggestions, nil
}

func (c *Client) get(ctx context.Context, path, term string, v interface{}) error {
	if c.host == "" {
		return &model.ServiceUnavailableError{Err: fmt.Errorf("no search host configured")}
	}
	u := c.host + path + "?q=" + neturl.QueryEscape(term)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", feed.DefaultUserAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.record(err)
		return &model.ServiceUnavailableError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		err := &feed.StatusError{URL: u, Code: resp.StatusCode}
		c.record(err)
		return &model.ServiceUnavailableError{Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		c.record(nil)
		return &feed.StatusError{URL: u, Code: resp.StatusCode}
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		c.record(err)
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	c.record(nil)
	return nil
}
