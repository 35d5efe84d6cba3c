package search

// Result is a single search hit returned to the caller.
type Result struct {
	ID      string `json:"id"`
	TeamID  string `json:"teamId"`
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet,omitempty"`
}

// Query describes a team-scoped search request.
type Query struct {
	TeamID string
	Text   string
	Limit  int
	Offset int
}

// Source names the backend that answered a search.
type Source string

const (
	SourceRanked   Source = "meilisearch"
	SourceDatabase Source = "database"
)

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
	Source  Source   `json:"source"`
}

// DocumentRecord is the data we index for a document. Body is the plain text
// of every section.
type DocumentRecord struct {
	ID        string `json:"id"`
	TeamID    string `json:"teamId"`
	Title     string `json:"title"`
	URL       string `json:"url"`
	Body      string `json:"body"`
	UpdatedAt int64  `json:"updatedAt"`
}
