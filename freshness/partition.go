// Package freshness decides which cached items are fresh, which are stale,
// and what still has to be fetched, and turns reachability into cache
// policies.
package freshness

import (
	"sort"
	"time"

	"github.com/robertmeta/feedkit/model"
)

// Stale reports whether something cached at ts has outlived ttl. An age of
// exactly ttl is still fresh; an infinite ttl never goes stale.
func Stale(ts time.Time, ttl time.Duration, now time.Time) bool {
	if ttl == model.Infinity {
		return false
	}
	return now.Sub(ts) > ttl
}

// PartitionFeeds splits cached feeds into fresh and stale ones and returns
// the requested URLs not covered by a fresh feed. needed is nil, not empty,
// when nothing has to be fetched.
func PartitionFeeds(cached []model.Feed, urls []string, ttl time.Duration, now time.Time) (fresh, stale []model.Feed, needed []string) {
	covered := make(map[string]bool)
	for _, f := range cached {
		if Stale(f.Cached, ttl, now) {
			stale = append(stale, f)
			continue
		}
		fresh = append(fresh, f)
		covered[f.URL] = true
	}
	needed = missing(urls, covered)
	return fresh, stale, needed
}

// PartitionSubscriptions splits subscriptions by the age of their since
// timestamp, the same way PartitionFeeds does for feeds.
func PartitionSubscriptions(subs []model.Subscription, urls []string, ttl time.Duration, now time.Time) (fresh, stale []model.Subscription, needed []string) {
	covered := make(map[string]bool)
	for _, s := range subs {
		if Stale(s.Since, ttl, now) {
			stale = append(stale, s)
			continue
		}
		fresh = append(fresh, s)
		covered[s.URL] = true
	}
	needed = missing(urls, covered)
	return fresh, stale, needed
}

// PartitionEntries splits cached entries per feed. Entries never go stale
// individually: all entries of a feed are fresh if its most recently cached
// entry is fresh, and stale otherwise. A guid locator is satisfied by any
// cached entry with that guid, which counts as fresh whatever the age of its
// feed. A range locator is satisfied by a fresh feed.
func PartitionEntries(cached []model.Entry, locators []model.EntryLocator, ttl time.Duration, now time.Time) (fresh, stale []model.Entry, needed []model.EntryLocator) {
	latest := Latest(cached)
	freshFeeds := make(map[string]bool)
	for url, e := range latest {
		if !Stale(e.Cached, ttl, now) {
			freshFeeds[url] = true
		}
	}

	wanted := make(map[string]bool)
	for _, l := range locators {
		if l.GUID != "" {
			wanted[l.GUID] = true
		}
	}

	guids := make(map[string]bool)
	for _, e := range cached {
		guids[e.GUID] = true
		if freshFeeds[e.FeedURL] || wanted[e.GUID] {
			fresh = append(fresh, e)
		} else {
			stale = append(stale, e)
		}
	}

	for _, l := range locators {
		if l.GUID != "" {
			if !guids[l.GUID] {
				needed = append(needed, l)
			}
			continue
		}
		if !freshFeeds[l.URL] {
			needed = append(needed, l)
		}
	}
	return fresh, stale, needed
}

// Latest returns the most recently cached entry per feed URL.
func Latest(entries []model.Entry) map[string]model.Entry {
	latest := make(map[string]model.Entry)
	for _, e := range entries {
		if prev, ok := latest[e.FeedURL]; !ok || e.Cached.After(prev.Cached) {
			latest[e.FeedURL] = e
		}
	}
	return latest
}

// Newest returns the most recently updated entry per feed URL, ordered by
// feed URL. Ties go to the entry appearing first.
func Newest(entries []model.Entry) []model.Entry {
	newest := make(map[string]model.Entry)
	for _, e := range entries {
		if prev, ok := newest[e.FeedURL]; !ok || e.Updated.After(prev.Updated) {
			newest[e.FeedURL] = e
		}
	}
	out := make([]model.Entry, 0, len(newest))
	for _, e := range newest {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FeedURL < out[j].FeedURL })
	return out
}

// Median returns the median of times, zero for none.
func Median(times []time.Time) time.Time {
	if len(times) == 0 {
		return time.Time{}
	}
	sorted := append([]time.Time(nil), times...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Before(sorted[j]) })
	return sorted[len(sorted)/2]
}

func missing(keys []string, covered map[string]bool) []string {
	var out []string
	seen := make(map[string]bool)
	for _, k := range keys {
		if covered[k] || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, k)
	}
	return out
}
