package model

// FindKind tags the result kinds of search and suggest operations.
type FindKind int

const (
	RecentSearch FindKind = iota
	SuggestedTerm
	SuggestedEntry
	SuggestedFeed
	FoundFeed
)

func (k FindKind) String() string {
	switch k {
	case RecentSearch:
		return "recent"
	case SuggestedTerm:
		return "term"
	case SuggestedEntry:
		return "entry"
	case SuggestedFeed:
		return "feed"
	default:
		return "found"
	}
}

// Find wraps exactly one feed, entry, or suggestion.
type Find struct {
	Kind       FindKind    `json:"kind"`
	Feed       *Feed       `json:"feed,omitempty"`
	Entry      *Entry      `json:"entry,omitempty"`
	Suggestion *Suggestion `json:"suggestion,omitempty"`
}

// Key identifies the wrapped value. Two finds of different kinds wrapping
// the same feed have the same key.
func (f Find) Key() string {
	switch {
	case f.Feed != nil:
		return "feed:" + f.Feed.URL
	case f.Entry != nil:
		return "entry:" + f.Entry.GUID
	case f.Suggestion != nil:
		return "term:" + f.Suggestion.Term
	}
	return ""
}

// Term returns a suggested term find.
func Term(s Suggestion) Find {
	return Find{Kind: SuggestedTerm, Suggestion: &s}
}

// FeedFind wraps a feed.
func FeedFind(kind FindKind, f Feed) Find {
	return Find{Kind: kind, Feed: &f}
}

// EntryFind wraps an entry.
func EntryFind(e Entry) Find {
	return Find{Kind: SuggestedEntry, Entry: &e}
}

// Dispatched tracks the finds delivered during one operation.
type Dispatched map[string]bool

// Filter returns the finds that have not been delivered yet and records
// them as delivered.
func (d Dispatched) Filter(finds []Find) []Find {
	var out []Find
	for _, f := range finds {
		k := f.Key()
		if k == "" || d[k] {
			continue
		}
		d[k] = true
		out = append(out, f)
	}
	return out
}
