// Package store provides the SQLite cache of feedkit. A Store implements
// every cache interface of the model package and serializes all access.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robertmeta/feedkit/model"
	_ "modernc.org/sqlite"
)

// Store manages the SQLite database.
type Store struct {
	db  *sql.DB
	mu  sync.Mutex
	now model.Clock
}

var (
	_ model.FeedCache         = (*Store)(nil)
	_ model.SearchCache       = (*Store)(nil)
	_ model.SubscriptionCache = (*Store)(nil)
	_ model.QueueCache        = (*Store)(nil)
)

// Option configures a Store.
type Option func(*Store)

// WithClock sets the clock used to timestamp cached records.
func WithClock(now model.Clock) Option {
	return func(s *Store) {
		s.now = now
	}
}

// New creates a new Store with the given database path.
// Use ":memory:" for an in-memory database (useful for testing).
func New(dbPath string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One connection: a single writer, and a single in-memory database.
	db.SetMaxOpenConns(1)

	store := &Store{db: db, now: time.Now}
	for _, opt := range opts {
		opt(store)
	}

	if err := store.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// createSchema creates the database tables and indexes.
func (s *Store) createSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS feeds (
		url TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		author TEXT,
		summary TEXT,
		link TEXT,
		image TEXT,
		image_small TEXT,
		image_medium TEXT,
		image_large TEXT,
		updated INTEGER,
		cached INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS itunes (
		url TEXT PRIMARY KEY,
		itunes_id INTEGER,
		img100 TEXT,
		img30 TEXT,
		img60 TEXT,
		img600 TEXT
	);

	CREATE TABLE IF NOT EXISTS entries (
		guid TEXT PRIMARY KEY,
		feed_url TEXT NOT NULL,
		title TEXT,
		author TEXT,
		summary TEXT,
		link TEXT,
		enclosure_url TEXT,
		enclosure_length INTEGER,
		enclosure_type TEXT,
		image TEXT,
		duration TEXT,
		updated INTEGER NOT NULL,
		cached INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS searches (
		term TEXT NOT NULL,
		feed_url TEXT NOT NULL,
		rank INTEGER NOT NULL,
		ts INTEGER NOT NULL,
		PRIMARY KEY (term, feed_url)
	);

	CREATE TABLE IF NOT EXISTS suggestions (
		term TEXT PRIMARY KEY,
		ts INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS subscriptions (
		url TEXT PRIMARY KEY,
		since INTEGER NOT NULL,
		title TEXT
	);

	CREATE TABLE IF NOT EXISTS queue (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		guid TEXT UNIQUE NOT NULL,
		url TEXT NOT NULL,
		since INTEGER NOT NULL,
		title TEXT,
		enqueued INTEGER NOT NULL,
		origin INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS previous (
		guid TEXT PRIMARY KEY
	);

	CREATE INDEX IF NOT EXISTS idx_entries_feed_url ON entries(feed_url, updated DESC);
	CREATE INDEX IF NOT EXISTS idx_searches_term ON searches(term);
	CREATE INDEX IF NOT EXISTS idx_queue_enqueued ON queue(enqueued DESC);
	`

	_, err := s.db.Exec(schema)
	return err
}

const feedColumns = `f.url, f.title, f.author, f.summary, f.link, f.image, f.image_small,
	f.image_medium, f.image_large, f.updated, f.cached,
	i.itunes_id, i.img100, i.img30, i.img60, i.img600`

const feedJoin = `feeds f LEFT JOIN itunes i ON i.url = f.url`

// UpdateFeeds inserts or replaces feeds, stamping them as cached now.
func (s *Store) UpdateFeeds(feeds []model.Feed) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.inTx(func(tx *sql.Tx) error {
		return s.updateFeeds(tx, feeds)
	})
}

func (s *Store) updateFeeds(tx *sql.Tx, feeds []model.Feed) error {
	cached := s.now().Unix()
	for _, f := range feeds {
		if err := f.Validate(); err != nil {
			return err
		}
		_, err := tx.Exec(`
			INSERT INTO feeds (url, title, author, summary, link, image, image_small,
				image_medium, image_large, updated, cached)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(url) DO UPDATE SET
				title = excluded.title, author = excluded.author,
				summary = excluded.summary, link = excluded.link,
				image = excluded.image, image_small = excluded.image_small,
				image_medium = excluded.image_medium, image_large = excluded.image_large,
				updated = excluded.updated, cached = excluded.cached`,
			f.URL, f.Title, f.Author, f.Summary, f.Link, f.Images.Default, f.Images.Small,
			f.Images.Medium, f.Images.Large, timeToUnix(f.Updated), cached,
		)
		if err != nil {
			return fmt.Errorf("failed to save feed %s: %w", f.URL, err)
		}
		if f.ITunes != nil {
			it := *f.ITunes
			it.URL = f.URL
			if err := integrate(tx, it); err != nil {
				return err
			}
		}
	}
	return nil
}

// Feeds returns the cached feeds with the given URLs.
func (s *Store) Feeds(urls []string) ([]model.Feed, error) {
	if len(urls) == 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	query := "SELECT " + feedColumns + " FROM " + feedJoin +
		" WHERE f.url IN (" + placeholders(len(urls)) + ")"
	feeds, err := s.queryFeeds(query, stringArgs(urls)...)
	if err != nil {
		return nil, model.Persistence(err)
	}
	return sortFeeds(feeds, urls), nil
}

func (s *Store) queryFeeds(query string, args ...interface{}) ([]model.Feed, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query feeds: %w", err)
	}
	defer rows.Close()

	var feeds []model.Feed
	for rows.Next() {
		f, err := scanFeed(rows)
		if err != nil {
			return nil, err
		}
		feeds = append(feeds, f)
	}
	return feeds, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanFeed(row scanner, extra ...interface{}) (model.Feed, error) {
	var (
		f                            model.Feed
		author, summary, link        sql.NullString
		img, small, medium, large    sql.NullString
		updated, cached              sql.NullInt64
		itunesID                     sql.NullInt64
		img100, img30, img60, img600 sql.NullString
	)
	dest := []interface{}{
		&f.URL, &f.Title, &author, &summary, &link, &img, &small, &medium, &large,
		&updated, &cached, &itunesID, &img100, &img30, &img60, &img600,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return f, fmt.Errorf("failed to scan feed: %w", err)
	}

	f.Author = author.String
	f.Summary = summary.String
	f.Link = link.String
	f.Images = model.Images{Default: img.String, Small: small.String, Medium: medium.String, Large: large.String}
	f.Updated = unixToTime(updated.Int64)
	f.Cached = unixToTime(cached.Int64)
	if itunesID.Valid {
		f.ITunes = &model.ITunesItem{
			URL:      f.URL,
			ITunesID: itunesID.Int64,
			Img100:   img100.String,
			Img30:    img30.String,
			Img60:    img60.String,
			Img600:   img600.String,
		}
	}
	return f, nil
}

// UpdateEntries inserts or replaces entries. The feeds of all entries must
// be cached already, otherwise nothing is written and a
// *model.FeedNotCachedError is returned.
func (s *Store) UpdateEntries(entries []model.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	urls := make(map[string]bool)
	for _, e := range entries {
		if err := e.Validate(); err != nil {
			return err
		}
		urls[e.FeedURL] = true
	}
	var missing []string
	for url := range urls {
		var n int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM feeds WHERE url = ?", url).Scan(&n); err != nil {
			return model.Persistence(fmt.Errorf("failed to look up feed: %w", err))
		}
		if n == 0 {
			missing = append(missing, url)
		}
	}
	if len(missing) > 0 {
		return &model.FeedNotCachedError{URLs: sortedStrings(missing)}
	}

	cached := s.now().Unix()
	return s.inTx(func(tx *sql.Tx) error {
		for _, e := range entries {
			var encURL, encType sql.NullString
			var encLength sql.NullInt64
			if e.Enclosure != nil {
				encURL = sql.NullString{String: e.Enclosure.URL, Valid: true}
				encType = sql.NullString{String: e.Enclosure.Type, Valid: true}
				encLength = sql.NullInt64{Int64: e.Enclosure.Length, Valid: true}
			}
			_, err := tx.Exec(`
				INSERT OR REPLACE INTO entries (guid, feed_url, title, author, summary, link,
					enclosure_url, enclosure_length, enclosure_type, image, duration, updated, cached)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				e.GUID, e.FeedURL, e.Title, e.Author, e.Summary, e.Link,
				encURL, encLength, encType, e.Images.Default, e.Duration,
				timeToUnix(e.Updated), cached,
			)
			if err != nil {
				return fmt.Errorf("failed to save entry %s: %w", e.GUID, err)
			}
		}
		return nil
	})
}

const entryColumns = `e.guid, e.feed_url, COALESCE(f.title, ''), e.title, e.author, e.summary,
	e.link, e.enclosure_url, e.enclosure_length, e.enclosure_type, e.image, e.duration,
	e.updated, e.cached`

const entryJoin = `entries e LEFT JOIN feeds f ON f.url = e.feed_url`

// Entries returns the cached entries selected by locators, newest first
// per locator, without duplicates.
func (s *Store) Entries(locators []model.EntryLocator) ([]model.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]bool)
	var entries []model.Entry
	for _, l := range locators {
		var (
			found []model.Entry
			err   error
		)
		if l.GUID != "" {
			found, err = s.queryEntries("SELECT "+entryColumns+" FROM "+entryJoin+
				" WHERE e.guid = ?", l.GUID)
		} else {
			found, err = s.queryEntries("SELECT "+entryColumns+" FROM "+entryJoin+
				" WHERE e.feed_url = ? AND e.updated >= ? ORDER BY e.updated DESC",
				l.URL, timeToUnix(l.Since))
		}
		if err != nil {
			return nil, model.Persistence(err)
		}
		for _, e := range found {
			if seen[e.GUID] {
				continue
			}
			seen[e.GUID] = true
			entries = append(entries, e)
		}
	}
	return entries, nil
}

// EntriesByGUID returns the cached entries with the given guids.
func (s *Store) EntriesByGUID(guids []string) ([]model.Entry, error) {
	if len(guids) == 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.queryEntries("SELECT "+entryColumns+" FROM "+entryJoin+
		" WHERE e.guid IN ("+placeholders(len(guids))+") ORDER BY e.updated DESC",
		stringArgs(guids)...)
	if err != nil {
		return nil, model.Persistence(err)
	}
	return entries, nil
}

func (s *Store) queryEntries(query string, args ...interface{}) ([]model.Entry, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query entries: %w", err)
	}
	defer rows.Close()

	var entries []model.Entry
	for rows.Next() {
		var (
			e                            model.Entry
			title, author, summary, link sql.NullString
			encURL, encType, image, dur  sql.NullString
			encLength                    sql.NullInt64
			updated, cached              int64
		)
		err := rows.Scan(&e.GUID, &e.FeedURL, &e.FeedTitle, &title, &author, &summary, &link,
			&encURL, &encLength, &encType, &image, &dur, &updated, &cached)
		if err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		e.Title = title.String
		e.Author = author.String
		e.Summary = summary.String
		e.Link = link.String
		e.Images = model.Images{Default: image.String}
		e.Duration = dur.String
		if encURL.Valid {
			e.Enclosure = &model.Enclosure{URL: encURL.String, Length: encLength.Int64, Type: encType.String}
		}
		e.Updated = unixToTime(updated)
		e.Cached = unixToTime(cached)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// RemoveFeeds deletes feeds together with their entries and search hits.
func (s *Store) RemoveFeeds(urls []string) error {
	if len(urls) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	in := placeholders(len(urls))
	args := stringArgs(urls)
	return s.inTx(func(tx *sql.Tx) error {
		for _, table := range []string{"entries", "searches"} {
			if _, err := tx.Exec("DELETE FROM "+table+" WHERE feed_url IN ("+in+")", args...); err != nil {
				return fmt.Errorf("failed to delete from %s: %w", table, err)
			}
		}
		for _, table := range []string{"itunes", "feeds"} {
			if _, err := tx.Exec("DELETE FROM "+table+" WHERE url IN ("+in+")", args...); err != nil {
				return fmt.Errorf("failed to delete from %s: %w", table, err)
			}
		}
		return nil
	})
}

// RemoveEntries deletes all entries of the given feeds.
func (s *Store) RemoveEntries(urls []string) error {
	if len(urls) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("DELETE FROM entries WHERE feed_url IN ("+placeholders(len(urls))+")",
		stringArgs(urls)...)
	if err != nil {
		return model.Persistence(fmt.Errorf("failed to delete entries: %w", err))
	}
	return nil
}

// Integrate stores iTunes metadata for feeds.
func (s *Store) Integrate(items []model.ITunesItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.inTx(func(tx *sql.Tx) error {
		for _, it := range items {
			if err := integrate(tx, it); err != nil {
				return err
			}
		}
		return nil
	})
}

func integrate(tx *sql.Tx, it model.ITunesItem) error {
	if it.URL == "" {
		return &model.InvalidError{Kind: "feed", Reason: "itunes item without url"}
	}
	_, err := tx.Exec(`
		INSERT OR REPLACE INTO itunes (url, itunes_id, img100, img30, img60, img600)
		VALUES (?, ?, ?, ?, ?, ?)`,
		it.URL, it.ITunesID, it.Img100, it.Img30, it.Img60, it.Img600,
	)
	if err != nil {
		return fmt.Errorf("failed to integrate itunes item %s: %w", it.URL, err)
	}
	return nil
}

// inTx runs fn in a transaction. Storage errors come back as
// *model.PersistenceError, domain errors as they are.
func (s *Store) inTx(fn func(tx *sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return model.Persistence(fmt.Errorf("failed to begin transaction: %w", err))
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		var invalid *model.InvalidError
		if errors.As(err, &invalid) {
			return err
		}
		return model.Persistence(err)
	}
	if err := tx.Commit(); err != nil {
		return model.Persistence(fmt.Errorf("failed to commit: %w", err))
	}
	return nil
}

// Helper to convert a Unix timestamp to time.Time, zero stays zero
func unixToTime(unix int64) time.Time {
	if unix == 0 {
		return time.Time{}
	}
	return time.Unix(unix, 0).UTC()
}

func timeToUnix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func stringArgs(values []string) []interface{} {
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}
	return args
}

// sortFeeds orders feeds like the URLs they have been requested with.
func sortFeeds(feeds []model.Feed, urls []string) []model.Feed {
	byURL := make(map[string]model.Feed, len(feeds))
	for _, f := range feeds {
		byURL[f.URL] = f
	}
	out := make([]model.Feed, 0, len(feeds))
	for _, u := range urls {
		if f, ok := byURL[u]; ok {
			out = append(out, f)
			delete(byURL, u)
		}
	}
	return out
}

func sortedStrings(values []string) []string {
	sort.Strings(values)
	return values
}
