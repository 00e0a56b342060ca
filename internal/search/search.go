package search

import "context"

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultManuscript ResultType = "manuscript"
	ResultComment    ResultType = "comment"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type         ResultType `json:"type"`
	ID           string     `json:"id"`
	Title        string     `json:"title"`
	Snippet      string     `json:"snippet"`
	ManuscriptID string     `json:"manuscriptId"`
	VenueID      string     `json:"venueId,omitempty"`
}

// Query describes a search request. Only published manuscripts and their
// public discussion are ever searchable.
type Query struct {
	Text          string
	FilterType    ResultType // empty = all types
	FilterVenueID string
	Limit         int
	Offset        int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// Indexer can push entities into a search index.
type Indexer interface {
	IndexManuscript(doc ManuscriptRecord) error
	IndexComment(c CommentRecord) error
	DeleteManuscript(id string) error
	DeleteComment(id string) error
	IndexManuscripts(docs []ManuscriptRecord) error
	IndexComments(comments []CommentRecord) error
}

// ManuscriptRecord is the data we index for a published manuscript.
type ManuscriptRecord struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	AuthorLine string `json:"authorLine"`
	Abstract   string `json:"abstract"`
	Subject    string `json:"subject"`
	VenueID    string `json:"venueId"`
	Status     string `json:"status"`
}

// CommentRecord is the data we index for a public discussion entry.
type CommentRecord struct {
	ID           string `json:"id"`
	ManuscriptID string `json:"manuscriptId"`
	VenueID      string `json:"venueId"`
	Body         string `json:"body"`
	ActorName    string `json:"actorName"`
}
