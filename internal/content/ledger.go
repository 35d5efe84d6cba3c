package content

import (
	"context"
	"fmt"

	"docsync/api/internal/rbac"
	"docsync/api/internal/store"
)

// HistoryFor returns every edit of a node, newest first. The ledger has no
// update or delete path; edits disappear only with their document.
func (s *Service) HistoryFor(ctx context.Context, userID, nodeID string) ([]EditView, error) {
	node, doc, err := s.loadNode(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, userID, doc.TeamID, rbac.ActionRead); err != nil {
		return nil, err
	}
	return s.history(ctx, node.ID)
}

func (s *Service) history(ctx context.Context, nodeID string) ([]EditView, error) {
	edits, err := s.store.ListEdits(ctx, nodeID)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	out := make([]EditView, 0, len(edits))
	for _, edit := range edits {
		out = append(out, toEditView(edit))
	}
	return out, nil
}

func toEditView(edit store.Edit) EditView {
	return EditView{
		ID:              edit.ID,
		NodeID:          edit.NodeID,
		UserID:          edit.UserID,
		CreatedAt:       edit.CreatedAt,
		HasChanges:      edit.HasChanges(),
		PreviousContent: edit.PreviousContent,
		NewContent:      edit.NewContent,
	}
}
