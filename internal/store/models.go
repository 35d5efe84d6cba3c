package store

import "time"

const (
	NodeTypeRoot    = "root"
	NodeTypeSection = "section"
)

// Document is one ingested page. OriginalContent, CurrentContent and Meta hold
// JSON object text.
type Document struct {
	ID              string
	TeamID          string
	URL             string
	Title           string
	OriginalContent string
	CurrentContent  string
	Meta            string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// DocumentSummary is the list/search projection of a document.
type DocumentSummary struct {
	ID        string
	TeamID    string
	URL       string
	Title     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Node struct {
	ID         string
	DocumentID string
	ParentID   *string
	Title      string
	Type       string
	Level      int
	SortOrder  int
}

// Edit is an append-only ledger record.
type Edit struct {
	ID              string
	DocumentID      string
	NodeID          string
	UserID          string
	PreviousContent string
	NewContent      string
	CreatedAt       time.Time
}

func (e Edit) HasChanges() bool {
	return e.PreviousContent != e.NewContent
}

type TeamMember struct {
	TeamID string
	UserID string
	Role   string
}
