package model

import (
	"context"
	"time"
)

// FeedCache persists feeds and entries. Implementations return
// *PersistenceError on storage failures.
type FeedCache interface {
	UpdateFeeds(feeds []Feed) error
	Feeds(urls []string) ([]Feed, error)
	UpdateEntries(entries []Entry) error
	Entries(locators []EntryLocator) ([]Entry, error)
	EntriesByGUID(guids []string) ([]Entry, error)
	RemoveFeeds(urls []string) error
	RemoveEntries(urls []string) error
	Integrate(items []ITunesItem) error
}

// SearchCache persists search results and suggestions.
type SearchCache interface {
	UpdateSuggestions(term string, suggestions []Suggestion) error
	Suggestions(term string, limit int) ([]Suggestion, error)
	UpdateFeedsForTerm(term string, feeds []Feed) error
	// FeedsForTerm returns the feeds found by a previous search for term.
	// Their Cached field is the time of that search.
	FeedsForTerm(term string, limit int) ([]Feed, error)
	FeedsMatching(term string, limit int) ([]Feed, error)
	EntriesMatching(term string, limit int) ([]Entry, error)
}

// SubscriptionCache persists subscriptions.
type SubscriptionCache interface {
	Subscribed() ([]Subscription, error)
	AddSubscriptions(subs []Subscription) error
	RemoveSubscriptions(urls []string) error
}

// QueueCache persists the playback queue.
type QueueCache interface {
	IsQueued(guid string) (bool, error)
	// IsPrevious reports whether the entry has ever been enqueued.
	IsPrevious(guid string) (bool, error)
	AddQueued(items []Queued) error
	RemoveQueued(guids []string) error
	Trim(capacity int) error
	// Queued returns the queue, most recently enqueued first.
	Queued() ([]Queued, error)
}

// Service is the common surface of remote services.
type Service interface {
	Host() string
	Status() ServiceStatus
}

// FeedService fetches feeds and entries over the network.
type FeedService interface {
	Service
	Feeds(ctx context.Context, urls []string, d CacheDirective) ([]Feed, error)
	Entries(ctx context.Context, locators []EntryLocator, d CacheDirective) ([]Entry, error)
}

// SearchService runs free-text searches and term suggestions remotely.
type SearchService interface {
	Service
	Search(ctx context.Context, term string) ([]Feed, error)
	Suggest(ctx context.Context, term string) ([]Suggestion, error)
}

// Prober classifies the reachability of a host.
type Prober interface {
	Reachability(host string) Reachability
}

// Clock returns the current time.
type Clock func() time.Time
