package search

import (
	"strings"
	"time"
)

// Engines delimit highlighted matches in snippets with these runes. They
// never occur in stored text and survive escaping untouched.
const (
	MarkOpen  = "\x02"
	MarkClose = "\x03"
)

// Result is a single search hit over published confessions.
type Result struct {
	ID          int64     `json:"id"`
	Snippet     string    `json:"snippet"`
	PublishedAt time.Time `json:"publishedAt"`
}

// Query describes a search request.
type Query struct {
	Text   string
	Limit  int
	Offset int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// ConfessionRecord is the data indexed for an approved confession. Author
// identity is never indexed.
type ConfessionRecord struct {
	ID          int64  `json:"id"`
	Text        string `json:"text"`
	PublishedAt int64  `json:"publishedAt"`
}

func (r ConfessionRecord) publishedAt() time.Time {
	return time.Unix(r.PublishedAt, 0).UTC()
}

func normalize(q Query) Query {
	if q.Limit <= 0 || q.Limit > 50 {
		q.Limit = 10
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	return q
}

// Render escapes a marked snippet and turns its highlight markers into
// open/close tags. A highlight left open by truncation is closed at the end.
func Render(snippet string, escape func(string) string, open, close string) string {
	var b strings.Builder
	highlighted := false
	for snippet != "" {
		i := strings.IndexAny(snippet, MarkOpen+MarkClose)
		if i < 0 {
			b.WriteString(escape(snippet))
			break
		}
		b.WriteString(escape(snippet[:i]))
		switch snippet[i : i+1] {
		case MarkOpen:
			if !highlighted {
				b.WriteString(open)
				highlighted = true
			}
		case MarkClose:
			if highlighted {
				b.WriteString(close)
				highlighted = false
			}
		}
		snippet = snippet[i+1:]
	}
	if highlighted {
		b.WriteString(close)
	}
	return b.String()
}
