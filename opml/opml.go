// Package opml imports and exports subscriptions as OPML.
package opml

import (
	"encoding/xml"
	"fmt"
	"io"
	"time"

	"github.com/robertmeta/feedkit/model"
)

// OPML represents the root OPML structure.
type OPML struct {
	XMLName xml.Name `xml:"opml"`
	Version string   `xml:"version,attr"`
	Head    Head     `xml:"head"`
	Body    Body     `xml:"body"`
}

// Head contains metadata about the OPML document.
type Head struct {
	Title       string `xml:"title,omitempty"`
	DateCreated string `xml:"dateCreated,omitempty"`
}

// Body contains the outline elements.
type Body struct {
	Outlines []Outline `xml:"outline"`
}

// Outline represents a feed or a folder of feeds.
type Outline struct {
	Text     string    `xml:"text,attr,omitempty"`
	Title    string    `xml:"title,attr,omitempty"`
	Type     string    `xml:"type,attr,omitempty"`
	XMLUrl   string    `xml:"xmlUrl,attr,omitempty"`
	Outlines []Outline `xml:"outline,omitempty"`
}

// Parse reads an OPML document and returns a subscription per feed, in
// document order. Folders are flattened; feeds listed twice and outlines
// without a usable feed URL are skipped.
func Parse(r io.Reader) ([]model.Subscription, error) {
	var doc OPML
	if err := xml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to parse OPML: %w", err)
	}

	seen := make(map[string]bool)
	return extract(doc.Body.Outlines, seen), nil
}

func extract(outlines []Outline, seen map[string]bool) []model.Subscription {
	var subs []model.Subscription
	for _, o := range outlines {
		if o.XMLUrl != "" {
			if u, err := model.ParseFeedURL(o.XMLUrl); err == nil && !seen[u.String()] {
				seen[u.String()] = true
				title := o.Title
				if title == "" {
					title = o.Text
				}
				subs = append(subs, model.Subscription{URL: u.String(), Title: title})
			}
		}
		subs = append(subs, extract(o.Outlines, seen)...)
	}
	return subs
}

// Generate writes subscriptions as an OPML document created at now.
func Generate(w io.Writer, subs []model.Subscription, now time.Time) error {
	doc := OPML{
		Version: "2.0",
		Head: Head{
			Title:       "feedkit subscriptions",
			DateCreated: now.Format(time.RFC1123),
		},
		Body: Body{Outlines: []Outline{}},
	}
	for _, s := range subs {
		title := s.Title
		if title == "" {
			title = s.URL
		}
		doc.Body.Outlines = append(doc.Body.Outlines, Outline{
			Type:   "rss",
			Text:   title,
			Title:  title,
			XMLUrl: s.URL,
		})
	}

	if _, err := io.WriteString(w, xml.Header); err != nil {
		return fmt.Errorf("failed to write XML header: %w", err)
	}
	encoder := xml.NewEncoder(w)
	encoder.Indent("", "  ")
	if err := encoder.Encode(doc); err != nil {
		return fmt.Errorf("failed to encode OPML: %w", err)
	}
	if _, err := io.WriteString(w, "\n"); err != nil {
		return fmt.Errorf("failed to write final newline: %w", err)
	}
	return nil
}
