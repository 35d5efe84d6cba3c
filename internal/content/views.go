package content

import (
	"time"

	"docsync/api/internal/store"
)

// TreeNode is the recursive read shape of a document's node tree.
type TreeNode struct {
	ID       string      `json:"id"`
	Title    string      `json:"title"`
	Type     string      `json:"type"`
	Level    int         `json:"level"`
	Children []*TreeNode `json:"children"`
	Content  *string     `json:"content,omitempty"`
}

type DocumentView struct {
	ID        string         `json:"id"`
	Title     string         `json:"title"`
	URL       string         `json:"url"`
	TeamID    string         `json:"teamId"`
	Meta      map[string]any `json:"meta"`
	Tree      *TreeNode      `json:"tree"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

type DocumentSummary struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	URL       string    `json:"url"`
	TeamID    string    `json:"teamId"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// SectionView is one node's section. History is nil unless it was requested;
// a requested history with no edits encodes as [].
type SectionView struct {
	ID         string      `json:"id"`
	DocumentID string      `json:"documentId"`
	Title      string      `json:"title"`
	Content    string      `json:"content"`
	Type       string      `json:"type"`
	Level      int         `json:"level"`
	History    *[]EditView `json:"history,omitempty"`
}

type EditView struct {
	ID              string    `json:"id"`
	NodeID          string    `json:"nodeId"`
	UserID          string    `json:"userId"`
	CreatedAt       time.Time `json:"createdAt"`
	HasChanges      bool      `json:"hasChanges"`
	PreviousContent string    `json:"previousContent"`
	NewContent      string    `json:"newContent"`
}

func toSummary(doc store.DocumentSummary) DocumentSummary {
	return DocumentSummary{
		ID:        doc.ID,
		Title:     doc.Title,
		URL:       doc.URL,
		TeamID:    doc.TeamID,
		CreatedAt: doc.CreatedAt,
		UpdatedAt: doc.UpdatedAt,
	}
}

func toSummaries(items []store.DocumentSummary) []DocumentSummary {
	out := make([]DocumentSummary, 0, len(items))
	for _, item := range items {
		out = append(out, toSummary(item))
	}
	return out
}
