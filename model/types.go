// Package model defines the core data structures for feedkit.
package model

import (
	"fmt"
	"math"
	"net/url"
	"strings"
	"time"
)

// Infinity is the TTL of cached data that never goes stale.
const Infinity = time.Duration(math.MaxInt64)

// Images holds the artwork references of a feed or an entry.
type Images struct {
	Default string `json:"image,omitempty"`
	Small   string `json:"image_small,omitempty"`
	Medium  string `json:"image_medium,omitempty"`
	Large   string `json:"image_large,omitempty"`
}

// ITunesItem is the iTunes directory metadata of a feed.
type ITunesItem struct {
	URL      string `json:"url"`
	ITunesID int64  `json:"itunes_id"`
	Img100   string `json:"img100,omitempty"`
	Img30    string `json:"img30,omitempty"`
	Img60    string `json:"img60,omitempty"`
	Img600   string `json:"img600,omitempty"`
}

// Feed represents a podcast feed.
type Feed struct {
	URL         string      `json:"url"`
	Title       string      `json:"title"`
	Author      string      `json:"author,omitempty"`
	Summary     string      `json:"summary,omitempty"`
	Link        string      `json:"link,omitempty"`
	Images      Images      `json:"images"`
	ITunes      *ITunesItem `json:"itunes,omitempty"`
	Updated     time.Time   `json:"updated"`
	Cached      time.Time   `json:"cached"`
	OriginalURL string      `json:"original_url,omitempty"`
}

// Validate checks if the feed has required fields.
func (f *Feed) Validate() error {
	if f.URL == "" {
		return &InvalidError{Kind: "feed", Reason: "missing url"}
	}
	if f.Title == "" {
		return &InvalidError{Kind: "feed", Reason: fmt.Sprintf("missing title: %s", f.URL)}
	}
	return nil
}

// Redirected reports whether the feed was served from another URL than the
// one it has been requested with.
func (f *Feed) Redirected() bool {
	return f.OriginalURL != "" && f.OriginalURL != f.URL
}

// Enclosure is the media file attached to an entry.
type Enclosure struct {
	URL    string `json:"url"`
	Length int64  `json:"length,omitempty"`
	Type   string `json:"type,omitempty"`
}

// Validate checks the enclosure URL.
func (e *Enclosure) Validate() error {
	if e.URL == "" {
		return &InvalidError{Kind: "enclosure", Reason: "missing url"}
	}
	return nil
}

// Entry represents a single episode of a feed.
type Entry struct {
	GUID        string     `json:"guid"`
	FeedURL     string     `json:"feed_url"`
	FeedTitle   string     `json:"feed_title,omitempty"`
	Title       string     `json:"title"`
	Author      string     `json:"author,omitempty"`
	Summary     string     `json:"summary,omitempty"`
	Link        string     `json:"link,omitempty"`
	Enclosure   *Enclosure `json:"enclosure,omitempty"`
	Images      Images     `json:"images"`
	Duration    string     `json:"duration,omitempty"`
	Updated     time.Time  `json:"updated"`
	Cached      time.Time  `json:"cached"`
	OriginalURL string     `json:"original_url,omitempty"`
}

// Validate checks if the entry has required fields.
func (e *Entry) Validate() error {
	if e.GUID == "" {
		return &InvalidError{Kind: "entry", Reason: "missing guid"}
	}
	if e.FeedURL == "" {
		return &InvalidError{Kind: "entry", Reason: fmt.Sprintf("missing feed url: %s", e.GUID)}
	}
	if e.Enclosure != nil {
		return e.Enclosure.Validate()
	}
	return nil
}

// Redirected reports whether the entry's feed has moved.
func (e *Entry) Redirected() bool {
	return e.OriginalURL != "" && e.OriginalURL != e.FeedURL
}

// Locator returns a locator pointing at exactly this entry.
func (e *Entry) Locator() EntryLocator {
	return EntryLocator{
		URL:   e.FeedURL,
		Since: e.Updated,
		GUID:  e.GUID,
		Title: e.Title,
	}
}

// EntryLocator selects the entries of a feed published since a time, or a
// single entry by guid.
type EntryLocator struct {
	URL   string    `json:"url"`
	Since time.Time `json:"since"`
	GUID  string    `json:"guid,omitempty"`
	Title string    `json:"title,omitempty"`
}

// Key identifies the locator, guid first.
func (l EntryLocator) Key() string {
	if l.GUID != "" {
		return "guid:" + l.GUID
	}
	return fmt.Sprintf("range:%s@%d", l.URL, l.Since.Unix())
}

// Including returns a copy of the locator with its lower bound moved back
// to since, dropping any guid.
func (l EntryLocator) Including(since time.Time) EntryLocator {
	return EntryLocator{URL: l.URL, Since: since, Title: l.Title}
}

// Validate checks the locator URL.
func (l EntryLocator) Validate() error {
	if l.URL == "" {
		return &InvalidError{Kind: "locator", Reason: "missing url"}
	}
	if _, err := ParseFeedURL(l.URL); err != nil {
		return &InvalidError{Kind: "locator", Reason: err.Error()}
	}
	return nil
}

// Dedupe removes duplicate locators. For each feed URL, guid locators win
// over time range locators; among time range locators the earliest since
// is kept.
func Dedupe(locators []EntryLocator) []EntryLocator {
	guided := make(map[string]bool)
	for _, l := range locators {
		if l.GUID != "" {
			guided[l.URL] = true
		}
	}

	seen := make(map[string]bool)
	ranges := make(map[string]int)
	var out []EntryLocator
	for _, l := range locators {
		if l.GUID != "" {
			if seen[l.Key()] {
				continue
			}
			seen[l.Key()] = true
			out = append(out, l)
			continue
		}
		if guided[l.URL] {
			continue
		}
		if i, ok := ranges[l.URL]; ok {
			if l.Since.Before(out[i].Since) {
				out[i] = l
			}
			continue
		}
		ranges[l.URL] = len(out)
		out = append(out, l)
	}
	return out
}

// CacheTTL is a caller's freshness preference.
type CacheTTL int

const (
	TTLNone CacheTTL = iota
	TTLShort
	TTLMedium
	TTLLong
	TTLForever
)

// Duration returns the nominal time-to-live.
func (t CacheTTL) Duration() time.Duration {
	switch t {
	case TTLNone:
		return 0
	case TTLShort:
		return time.Hour
	case TTLMedium:
		return 8 * time.Hour
	case TTLLong:
		return 24 * time.Hour
	default:
		return Infinity
	}
}

func (t CacheTTL) String() string {
	switch t {
	case TTLNone:
		return "none"
	case TTLShort:
		return "short"
	case TTLMedium:
		return "medium"
	case TTLLong:
		return "long"
	default:
		return "forever"
	}
}

// ParseCacheTTL parses the name of a TTL.
func ParseCacheTTL(s string) (CacheTTL, error) {
	switch strings.ToLower(s) {
	case "none":
		return TTLNone, nil
	case "short":
		return TTLShort, nil
	case "medium", "":
		return TTLMedium, nil
	case "long":
		return TTLLong, nil
	case "forever":
		return TTLForever, nil
	}
	return TTLMedium, fmt.Errorf("invalid ttl: %s (expected none, short, medium, long, or forever)", s)
}

// CacheDirective tells the transport how to use its own HTTP cache.
type CacheDirective int

const (
	UseProtocolCachePolicy CacheDirective = iota
	ReloadIgnoringCacheData
	ReturnCacheDataElseLoad
	ReturnCacheDataDontLoad
)

// Header returns the Cache-Control request header for the directive.
func (d CacheDirective) Header() string {
	switch d {
	case ReloadIgnoringCacheData:
		return "no-cache"
	case ReturnCacheDataElseLoad:
		return "max-stale"
	case ReturnCacheDataDontLoad:
		return "only-if-cached"
	default:
		return ""
	}
}

// CachePolicy is a concrete freshness policy.
type CachePolicy struct {
	TTL       time.Duration
	Directive CacheDirective
}

// Reachability classifies the network path to a host.
type Reachability int

const (
	Unknown Reachability = iota
	Cellular
	Reachable
)

func (r Reachability) String() string {
	switch r {
	case Cellular:
		return "cellular"
	case Reachable:
		return "reachable"
	default:
		return "unknown"
	}
}

// Subscription is a standing interest in a feed.
type Subscription struct {
	URL    string      `json:"url"`
	Since  time.Time   `json:"since"`
	Title  string      `json:"title,omitempty"`
	ITunes *ITunesItem `json:"itunes,omitempty"`
}

// Origin tags why an entry is in the queue.
type Origin int

const (
	// Pinned entries have been enqueued by the user.
	Pinned Origin = iota
	// Temporary entries have been enqueued automatically.
	Temporary
)

func (o Origin) String() string {
	if o == Pinned {
		return "pinned"
	}
	return "temporary"
}

// Queued is an entry placed in the playback queue.
type Queued struct {
	Locator  EntryLocator `json:"locator"`
	Enqueued time.Time    `json:"enqueued"`
	ITunes   *ITunesItem  `json:"itunes,omitempty"`
	Origin   Origin       `json:"origin"`
}

// Suggestion is a search term suggestion.
type Suggestion struct {
	Term   string    `json:"term"`
	Cached time.Time `json:"cached,omitempty"`
}

// ServiceStatus is the last known outcome of a remote call.
type ServiceStatus struct {
	At  time.Time
	Err error
}

// OK reports whether the last call succeeded or none has been made yet.
func (s ServiceStatus) OK() bool {
	return s.Err == nil
}

// FeedURLs returns the URLs of feeds.
func FeedURLs(feeds []Feed) []string {
	urls := make([]string, 0, len(feeds))
	for _, f := range feeds {
		urls = append(urls, f.URL)
	}
	return urls
}

// EntryGUIDs returns the guids of entries.
func EntryGUIDs(entries []Entry) []string {
	guids := make([]string, 0, len(entries))
	for _, e := range entries {
		guids = append(guids, e.GUID)
	}
	return guids
}

// LocatorURLs returns the distinct feed URLs of locators, in order.
func LocatorURLs(locators []EntryLocator) []string {
	seen := make(map[string]bool)
	var urls []string
	for _, l := range locators {
		if seen[l.URL] {
			continue
		}
		seen[l.URL] = true
		urls = append(urls, l.URL)
	}
	return urls
}

// NormalizeURL lower-cases scheme and host and rewrites the feed scheme
// to http.
func NormalizeURL(raw string) string {
	u, err := ParseFeedURL(raw)
	if err != nil {
		return strings.TrimSpace(raw)
	}
	return u.String()
}

// ParseFeedURL parses s as the URL of a feed. Only http, https, and feed
// schemes with a host are accepted.
func ParseFeedURL(s string) (*url.URL, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("empty url")
	}
	lower := strings.ToLower(s)
	switch {
	case strings.HasPrefix(lower, "feed://"):
		s = "http://" + s[len("feed://"):]
	case strings.HasPrefix(lower, "feed:"):
		s = s[len("feed:"):]
	}

	u, err := url.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("invalid url %q: %w", s, err)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme: %q", s)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("missing host: %q", s)
	}
	u.Host = strings.ToLower(u.Host)
	return u, nil
}

// NormalizeTerm collapses whitespace and lower-cases a search term.
func NormalizeTerm(term string) string {
	return strings.ToLower(strings.Join(strings.Fields(term), " "))
}
