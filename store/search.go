package store

import (
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"github.com/lithammer/fuzzysearch/fuzzy"
	"github.com/robertmeta/feedkit/model"
)

// UpdateSuggestions stores suggestions received for term.
func (s *Store) UpdateSuggestions(term string, suggestions []model.Suggestion) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts := s.now().Unix()
	return s.inTx(func(tx *sql.Tx) error {
		for _, sug := range suggestions {
			t := model.NormalizeTerm(sug.Term)
			if t == "" {
				continue
			}
			if _, err := tx.Exec("INSERT OR REPLACE INTO suggestions (term, ts) VALUES (?, ?)", t, ts); err != nil {
				return fmt.Errorf("failed to save suggestion %q for %q: %w", t, term, err)
			}
		}
		return nil
	})
}

// Suggestions returns cached suggestions starting with term, shortest first.
func (s *Store) Suggestions(term string, limit int) ([]model.Suggestion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`
		SELECT term, ts FROM suggestions
		WHERE term LIKE ? ESCAPE '\'
		ORDER BY length(term), term
		LIMIT ?`, escapeLike(model.NormalizeTerm(term))+"%", limitOrAll(limit))
	if err != nil {
		return nil, model.Persistence(fmt.Errorf("failed to query suggestions: %w", err))
	}
	defer rows.Close()

	var out []model.Suggestion
	for rows.Next() {
		var (
			sug model.Suggestion
			ts  int64
		)
		if err := rows.Scan(&sug.Term, &ts); err != nil {
			return nil, model.Persistence(fmt.Errorf("failed to scan suggestion: %w", err))
		}
		sug.Cached = unixToTime(ts)
		out = append(out, sug)
	}
	if err := rows.Err(); err != nil {
		return nil, model.Persistence(err)
	}
	return out, nil
}

// UpdateFeedsForTerm caches feeds and records them as the result of a search
// for term, replacing any previous result.
func (s *Store) UpdateFeedsForTerm(term string, feeds []model.Feed) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	term = model.NormalizeTerm(term)
	ts := s.now().Unix()
	return s.inTx(func(tx *sql.Tx) error {
		if err := s.updateFeeds(tx, feeds); err != nil {
			return err
		}
		if _, err := tx.Exec("DELETE FROM searches WHERE term = ?", term); err != nil {
			return fmt.Errorf("failed to clear search %q: %w", term, err)
		}
		for i, f := range feeds {
			_, err := tx.Exec(`
				INSERT OR REPLACE INTO searches (term, feed_url, rank, ts)
				VALUES (?, ?, ?, ?)`, term, f.URL, i, ts)
			if err != nil {
				return fmt.Errorf("failed to save search %q: %w", term, err)
			}
		}
		return nil
	})
}

// FeedsForTerm returns the feeds of the last search for term in their
// original order, with Cached set to the time of that search.
func (s *Store) FeedsForTerm(term string, limit int) ([]model.Feed, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query("SELECT "+feedColumns+", s.ts FROM searches s"+
		" JOIN feeds f ON f.url = s.feed_url"+
		" LEFT JOIN itunes i ON i.url = f.url"+
		" WHERE s.term = ? ORDER BY s.rank LIMIT ?",
		model.NormalizeTerm(term), limitOrAll(limit))
	if err != nil {
		return nil, model.Persistence(fmt.Errorf("failed to query search %q: %w", term, err))
	}
	defer rows.Close()

	var feeds []model.Feed
	for rows.Next() {
		var ts int64
		f, err := scanFeed(rows, &ts)
		if err != nil {
			return nil, model.Persistence(err)
		}
		f.Cached = unixToTime(ts)
		feeds = append(feeds, f)
	}
	if err := rows.Err(); err != nil {
		return nil, model.Persistence(err)
	}
	return feeds, nil
}

// FeedsMatching returns cached feeds whose title, author, or summary
// contain every word of term, best matches first.
func (s *Store) FeedsMatching(term string, limit int) ([]model.Feed, error) {
	where, args := matchClause(term, "f.title", "f.author", "f.summary")
	if where == "" {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	feeds, err := s.queryFeeds("SELECT "+feedColumns+" FROM "+feedJoin+" WHERE "+where, args...)
	if err != nil {
		return nil, model.Persistence(err)
	}

	titles := make([]string, len(feeds))
	for i, f := range feeds {
		titles[i] = f.Title
	}
	out := make([]model.Feed, 0, len(feeds))
	for _, i := range rank(term, titles) {
		out = append(out, feeds[i])
	}
	return truncate(out, limit), nil
}

// EntriesMatching returns cached entries whose title or summary contain
// every word of term, best matches first.
func (s *Store) EntriesMatching(term string, limit int) ([]model.Entry, error) {
	where, args := matchClause(term, "e.title", "e.summary")
	if where == "" {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.queryEntries("SELECT "+entryColumns+" FROM "+entryJoin+
		" WHERE "+where+" ORDER BY e.updated DESC", args...)
	if err != nil {
		return nil, model.Persistence(err)
	}

	titles := make([]string, len(entries))
	for i, e := range entries {
		titles[i] = e.Title
	}
	out := make([]model.Entry, 0, len(entries))
	for _, i := range rank(term, titles) {
		out = append(out, entries[i])
	}
	return truncate(out, limit), nil
}

// matchClause builds a condition requiring every word of term in at least
// one of columns.
func matchClause(term string, columns ...string) (string, []interface{}) {
	words := strings.Fields(model.NormalizeTerm(term))
	if len(words) == 0 {
		return "", nil
	}
	var (
		clauses []string
		args    []interface{}
	)
	for _, w := range words {
		var ors []string
		for _, c := range columns {
			ors = append(ors, c+" LIKE ? ESCAPE '\\'")
			args = append(args, "%"+escapeLike(w)+"%")
		}
		clauses = append(clauses, "("+strings.Join(ors, " OR ")+")")
	}
	return strings.Join(clauses, " AND "), args
}

// rank orders targets by fuzzy distance to term. Targets that do not match
// fuzzily keep their order behind those that do.
func rank(term string, targets []string) []int {
	matches := fuzzy.RankFindNormalizedFold(model.NormalizeTerm(term), targets)
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Distance != matches[j].Distance {
			return matches[i].Distance < matches[j].Distance
		}
		return matches[i].OriginalIndex < matches[j].OriginalIndex
	})

	ranked := make(map[int]bool, len(matches))
	order := make([]int, 0, len(targets))
	for _, m := range matches {
		if ranked[m.OriginalIndex] {
			continue
		}
		ranked[m.OriginalIndex] = true
		order = append(order, m.OriginalIndex)
	}
	for i := range targets {
		if !ranked[i] {
			order = append(order, i)
		}
	}
	return order
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// limitOrAll maps non-positive limits to SQLite's no limit.
func limitOrAll(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}

func truncate[T any](items []T, limit int) []T {
	if limit > 0 && len(items) > limit {
		return items[:limit]
	}
	return items
}
