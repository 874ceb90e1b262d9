package store

import (
	"database/sql"
	"fmt"

	"github.com/robertmeta/feedkit/model"
)

// Subscribed returns all subscriptions ordered by URL.
func (s *Store) Subscribed() ([]model.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`
		SELECT s.url, s.since, s.title, i.itunes_id, i.img100, i.img30, i.img60, i.img600
		FROM subscriptions s LEFT JOIN itunes i ON i.url = s.url
		ORDER BY s.url`)
	if err != nil {
		return nil, model.Persistence(fmt.Errorf("failed to query subscriptions: %w", err))
	}
	defer rows.Close()

	var subs []model.Subscription
	for rows.Next() {
		var (
			sub                          model.Subscription
			since                        int64
			title                        sql.NullString
			itunesID                     sql.NullInt64
			img100, img30, img60, img600 sql.NullString
		)
		if err := rows.Scan(&sub.URL, &since, &title, &itunesID, &img100, &img30, &img60, &img600); err != nil {
			return nil, model.Persistence(fmt.Errorf("failed to scan subscription: %w", err))
		}
		sub.Since = unixToTime(since)
		sub.Title = title.String
		if itunesID.Valid {
			sub.ITunes = &model.ITunesItem{
				URL:      sub.URL,
				ITunesID: itunesID.Int64,
				Img100:   img100.String,
				Img30:    img30.String,
				Img60:    img60.String,
				Img600:   img600.String,
			}
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, model.Persistence(err)
	}
	return subs, nil
}

// AddSubscriptions inserts or replaces subscriptions.
func (s *Store) AddSubscriptions(subs []model.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.inTx(func(tx *sql.Tx) error {
		for _, sub := range subs {
			if sub.URL == "" {
				return &model.InvalidError{Kind: "feed", Reason: "subscription without url"}
			}
			_, err := tx.Exec(`
				INSERT OR REPLACE INTO subscriptions (url, since, title)
				VALUES (?, ?, ?)`, sub.URL, timeToUnix(sub.Since), sub.Title)
			if err != nil {
				return fmt.Errorf("failed to save subscription %s: %w", sub.URL, err)
			}
			if sub.ITunes != nil {
				it := *sub.ITunes
				it.URL = sub.URL
				if err := integrate(tx, it); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// RemoveSubscriptions deletes the subscriptions of urls.
func (s *Store) RemoveSubscriptions(urls []string) error {
	if len(urls) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("DELETE FROM subscriptions WHERE url IN ("+placeholders(len(urls))+")",
		stringArgs(urls)...)
	if err != nil {
		return model.Persistence(fmt.Errorf("failed to delete subscriptions: %w", err))
	}
	return nil
}

// IsQueued reports whether the entry with guid is in the queue.
func (s *Store) IsQueued(guid string) (bool, error) {
	return s.exists("SELECT COUNT(*) FROM queue WHERE guid = ?", guid)
}

// IsPrevious reports whether the entry with guid has ever been enqueued.
func (s *Store) IsPrevious(guid string) (bool, error) {
	return s.exists("SELECT COUNT(*) FROM previous WHERE guid = ?", guid)
}

func (s *Store) exists(query string, args ...interface{}) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int
	if err := s.db.QueryRow(query, args...).Scan(&n); err != nil {
		return false, model.Persistence(fmt.Errorf("failed to count: %w", err))
	}
	return n > 0, nil
}

// AddQueued places items at the head of the queue in the given order, so
// the last item ends up first. Items already queued move to the head.
func (s *Store) AddQueued(items []model.Queued) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.inTx(func(tx *sql.Tx) error {
		for _, q := range items {
			l := q.Locator
			if l.GUID == "" {
				return &model.InvalidError{Kind: "locator", Reason: fmt.Sprintf("queued without guid: %s", l.URL)}
			}
			if _, err := tx.Exec("DELETE FROM queue WHERE guid = ?", l.GUID); err != nil {
				return fmt.Errorf("failed to dequeue %s: %w", l.GUID, err)
			}
			_, err := tx.Exec(`
				INSERT INTO queue (guid, url, since, title, enqueued, origin)
				VALUES (?, ?, ?, ?, ?, ?)`,
				l.GUID, l.URL, timeToUnix(l.Since), l.Title, timeToUnix(q.Enqueued), int(q.Origin))
			if err != nil {
				return fmt.Errorf("failed to enqueue %s: %w", l.GUID, err)
			}
			if _, err := tx.Exec("INSERT OR IGNORE INTO previous (guid) VALUES (?)", l.GUID); err != nil {
				return fmt.Errorf("failed to remember %s: %w", l.GUID, err)
			}
			if q.ITunes != nil {
				it := *q.ITunes
				it.URL = l.URL
				if err := integrate(tx, it); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// RemoveQueued removes entries from the queue. They remain previous.
func (s *Store) RemoveQueued(guids []string) error {
	if len(guids) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("DELETE FROM queue WHERE guid IN ("+placeholders(len(guids))+")",
		stringArgs(guids)...)
	if err != nil {
		return model.Persistence(fmt.Errorf("failed to delete queued: %w", err))
	}
	return nil
}

// Trim removes temporary items beyond the newest capacity items. Pinned
// items are never trimmed.
func (s *Store) Trim(capacity int) error {
	if capacity <= 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		DELETE FROM queue WHERE origin = ? AND id NOT IN (
			SELECT id FROM queue ORDER BY enqueued DESC, id DESC LIMIT ?
		)`, int(model.Temporary), capacity)
	if err != nil {
		return model.Persistence(fmt.Errorf("failed to trim queue: %w", err))
	}
	return nil
}

// Queued returns the queue, most recently enqueued first.
func (s *Store) Queued() ([]model.Queued, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`
		SELECT q.guid, q.url, q.since, q.title, q.enqueued, q.origin,
			i.itunes_id, i.img100, i.img30, i.img60, i.img600
		FROM queue q LEFT JOIN itunes i ON i.url = q.url
		ORDER BY q.enqueued DESC, q.id DESC`)
	if err != nil {
		return nil, model.Persistence(fmt.Errorf("failed to query queue: %w", err))
	}
	defer rows.Close()

	var items []model.Queued
	for rows.Next() {
		var (
			q                            model.Queued
			since, enqueued              int64
			origin                       int
			title                        sql.NullString
			itunesID                     sql.NullInt64
			img100, img30, img60, img600 sql.NullString
		)
		err := rows.Scan(&q.Locator.GUID, &q.Locator.URL, &since, &title, &enqueued, &origin,
			&itunesID, &img100, &img30, &img60, &img600)
		if err != nil {
			return nil, model.Persistence(fmt.Errorf("failed to scan queued: %w", err))
		}
		q.Locator.Since = unixToTime(since)
		q.Locator.Title = title.String
		q.Enqueued = unixToTime(enqueued)
		q.Origin = model.Origin(origin)
		if itunesID.Valid {
			q.ITunes = &model.ITunesItem{
				URL:      q.Locator.URL,
				ITunesID: itunesID.Int64,
				Img100:   img100.String,
				Img30:    img30.String,
				Img60:    img60.String,
				Img600:   img600.String,
			}
		}
		items = append(items, q)
	}
	if err := rows.Err(); err != nil {
		return nil, model.Persistence(err)
	}
	return items, nil
}
