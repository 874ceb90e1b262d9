// Package feed provides RSS/Atom podcast feed fetching and parsing for
// feedkit.
package feed

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
	"github.com/robertmeta/feedkit/model"
)

// DefaultUserAgent is sent with every feed request.
const DefaultUserAgent = "feedkit/1.0"

// Fetcher handles fetching and parsing RSS/Atom feeds.
type Fetcher struct {
	parser    *gofeed.Parser
	client    *http.Client
	userAgent string
	now       model.Clock
}

// NewFetcher creates a new Fetcher. A nil client uses http.DefaultClient.
func NewFetcher(client *http.Client, now model.Clock) *Fetcher {
	if client == nil {
		client = http.DefaultClient
	}
	if now == nil {
		now = time.Now
	}
	return &Fetcher{
		parser:    gofeed.NewParser(),
		client:    client,
		userAgent: DefaultUserAgent,
		now:       now,
	}
}

// StatusError reports a non-successful HTTP response.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d from %s", e.Code, e.URL)
}

// Fetch retrieves and parses the feed at url. The directive is passed on as
// Cache-Control header. If the server redirected the request, or the feed
// announces a new location, the returned feed and entries carry the new URL
// and url as original.
func (f *Fetcher) Fetch(ctx context.Context, url string, d model.CacheDirective) (model.Feed, []model.Entry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return model.Feed{}, nil, fmt.Errorf("failed to create request for %s: %w", url, err)
	}
	req.Header.Set("User-Agent", f.userAgent)
	if h := d.Header(); h != "" {
		req.Header.Set("Cache-Control", h)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return model.Feed{}, nil, fmt.Errorf("failed to fetch feed from %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return model.Feed{}, nil, &StatusError{URL: url, Code: resp.StatusCode}
	}

	feed, entries, err := f.Parse(resp.Body, url)
	if err != nil {
		return model.Feed{}, nil, err
	}

	if resp.Request != nil && resp.Request.URL != nil {
		if final := resp.Request.URL.String(); final != url && feed.OriginalURL == "" {
			relocate(&feed, entries, url, final)
		}
	}
	return feed, entries, nil
}

// Parse parses feed content read from r, published at url.
func (f *Fetcher) Parse(r io.Reader, url string) (model.Feed, []model.Entry, error) {
	parsedFeed, err := f.parser.Parse(r)
	if err != nil {
		return model.Feed{}, nil, fmt.Errorf("failed to parse feed %s: %w", url, err)
	}
	feed, entries := f.convert(parsedFeed, url)
	if err := feed.Validate(); err != nil {
		return model.Feed{}, nil, err
	}
	return feed, entries, nil
}

// ParseString parses feed content from a string.
func (f *Fetcher) ParseString(content, url string) (model.Feed, []model.Entry, error) {
	if strings.TrimSpace(content) == "" {
		return model.Feed{}, nil, fmt.Errorf("feed content is empty")
	}
	return f.Parse(strings.NewReader(content), url)
}

// relocate moves a feed and its entries from url to moved.
func relocate(feed *model.Feed, entries []model.Entry, url, moved string) {
	feed.OriginalURL = url
	feed.URL = moved
	for i := range entries {
		entries[i].FeedURL = moved
		entries[i].OriginalURL = url
	}
}

// convert converts a gofeed.Feed to our model types.
func (f *Fetcher) convert(gf *gofeed.Feed, url string) (model.Feed, []model.Entry) {
	// Convert feed metadata
	feed := model.Feed{
		URL:     url,
		Title:   strings.TrimSpace(gf.Title),
		Summary: strings.TrimSpace(gf.Description),
		Link:    gf.Link,
	}

	// Use feed link if URL not provided
	if feed.URL == "" && gf.FeedLink != "" {
		feed.URL = gf.FeedLink
	}
	if len(gf.Authors) > 0 && gf.Authors[0] != nil {
		feed.Author = gf.Authors[0].Name
	}
	if gf.Image != nil {
		feed.Images.Default = gf.Image.URL
	}
	if gf.UpdatedParsed != nil {
		feed.Updated = *gf.UpdatedParsed
	}

	if it := gf.ITunesExt; it != nil {
		if feed.Author == "" {
			feed.Author = it.Author
		}
		if feed.Summary == "" {
			feed.Summary = strings.TrimSpace(it.Summary)
		}
		if it.Image != "" {
			feed.Images.Large = it.Image
			if feed.Images.Default == "" {
				feed.Images.Default = it.Image
			}
		}
	}

	// Convert entries
	var entries []model.Entry
	for _, item := range gf.Items {
		entry, ok := f.convertItem(item, feed)
		if !ok {
			continue
		}
		dated := item.PublishedParsed != nil || item.UpdatedParsed != nil
		if dated && entry.Updated.After(feed.Updated) {
			feed.Updated = entry.Updated
		}
		entries = append(entries, entry)
	}

	if it := gf.ITunesExt; it != nil && it.NewFeedURL != "" && url != "" {
		if moved := model.NormalizeURL(it.NewFeedURL); moved != url {
			relocate(&feed, entries, url, moved)
		}
	}

	return feed, entries
}

// convertItem converts a gofeed.Item to a model.Entry. Items without any
// identity are skipped.
func (f *Fetcher) convertItem(item *gofeed.Item, feed model.Feed) (model.Entry, bool) {
	entry := model.Entry{
		GUID:      item.GUID,
		FeedURL:   feed.URL,
		FeedTitle: feed.Title,
		Title:     strings.TrimSpace(item.Title),
		Link:      item.Link,
	}

	for _, enc := range item.Enclosures {
		if enc == nil || enc.URL == "" {
			continue
		}
		length, _ := strconv.ParseInt(enc.Length, 10, 64)
		entry.Enclosure = &model.Enclosure{URL: enc.URL, Length: length, Type: enc.Type}
		break
	}

	// Use link, then enclosure, as GUID if GUID is missing
	if entry.GUID == "" {
		entry.GUID = item.Link
	}
	if entry.GUID == "" && entry.Enclosure != nil {
		entry.GUID = entry.Enclosure.URL
	}
	if entry.GUID == "" {
		return entry, false
	}

	// Get summary (prefer description over full content)
	if item.Description != "" {
		entry.Summary = item.Description
	} else if item.Content != "" {
		entry.Summary = item.Content
	}
	if len(item.Authors) > 0 && item.Authors[0] != nil {
		entry.Author = item.Authors[0].Name
	}
	if item.Image != nil {
		entry.Images.Default = item.Image.URL
	}
	if it := item.ITunesExt; it != nil {
		entry.Duration = it.Duration
		if entry.Author == "" {
			entry.Author = it.Author
		}
		if entry.Summary == "" {
			entry.Summary = it.Summary
		}
		if entry.Images.Default == "" {
			entry.Images.Default = it.Image
		}
	}
	if entry.Images.Default == "" {
		entry.Images.Default = feed.Images.Default
	}

	// Parse published date
	if item.PublishedParsed != nil {
		entry.Updated = *item.PublishedParsed
	} else if item.UpdatedParsed != nil {
		entry.Updated = *item.UpdatedParsed
	} else {
		// Fallback to current time if no date found
		entry.Updated = f.now()
	}

	return entry, true
}
