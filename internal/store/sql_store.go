package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ContentPatch receives the locked current_content snapshot and returns the
// section's previous text and the next snapshot.
type ContentPatch func(current string) (previous string, next string, err error)

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

func (s *SQLStore) DB() *sql.DB {
	return s.db
}

func (s *SQLStore) Dialect() Dialect {
	return s.dialect
}

func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLStore) inTx(ctx context.Context, fn func(q queryer) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// CreateDocumentTree writes a document and its complete node tree in one
// transaction. Nodes must be ordered parents first.
func (s *SQLStore) CreateDocumentTree(ctx context.Context, doc Document, nodes []Node) error {
	return s.inTx(ctx, func(q queryer) error {
		_, err := q.ExecContext(ctx, s.dialect.rebind(`
			INSERT INTO documents (id, team_id, url, title, original_content, current_content, meta, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`), doc.ID, doc.TeamID, doc.URL, doc.Title, doc.OriginalContent, doc.CurrentContent, doc.Meta,
			s.dialect.timeArg(doc.CreatedAt), s.dialect.timeArg(doc.UpdatedAt))
		if err != nil {
			return fmt.Errorf("insert document: %w", err)
		}

		insertNode := s.dialect.rebind(`
			INSERT INTO nodes (id, document_id, parent_id, title, node_type, level, sort_order)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`)
		for _, node := range nodes {
			if _, err := q.ExecContext(ctx, insertNode, node.ID, node.DocumentID, nullableString(node.ParentID), node.Title, node.Type, node.Level, node.SortOrder); err != nil {
				return fmt.Errorf("insert node %s: %w", node.ID, err)
			}
		}
		return nil
	})
}

func (s *SQLStore) GetDocument(ctx context.Context, documentID string) (Document, error) {
	return s.getDocument(ctx, s.db, documentID, false)
}

func (s *SQLStore) getDocument(ctx context.Context, q queryer, documentID string, lock bool) (Document, error) {
	query := `
		SELECT id, team_id, url, title, original_content, current_content, meta, created_at, updated_at
		FROM documents
		WHERE id=$1`
	if lock {
		query += s.dialect.forUpdate()
	}
	var item Document
	err := q.QueryRowContext(ctx, s.dialect.rebind(query), documentID).Scan(
		&item.ID, &item.TeamID, &item.URL, &item.Title, &item.OriginalContent, &item.CurrentContent, &item.Meta,
		scanTime{&item.CreatedAt}, scanTime{&item.UpdatedAt},
	)
	if err != nil {
		return Document{}, fmt.Errorf("get document: %w", err)
	}
	return item, nil
}

// ListAllDocuments returns every document with its current snapshot, oldest
// first. It backs search reindexing.
func (s *SQLStore) ListAllDocuments(ctx context.Context) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, team_id, url, title, original_content, current_content, meta, created_at, updated_at
		FROM documents
		ORDER BY created_at, id
	`)
	if err != nil {
		return nil, fmt.Errorf("list all documents: %w", err)
	}
	defer rows.Close()

	items := make([]Document, 0)
	for rows.Next() {
		var item Document
		if err := rows.Scan(
			&item.ID, &item.TeamID, &item.URL, &item.Title, &item.OriginalContent, &item.CurrentContent, &item.Meta,
			scanTime{&item.CreatedAt}, scanTime{&item.UpdatedAt},
		); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return items, nil
}

func (s *SQLStore) ListDocumentsByTeam(ctx context.Context, teamID string) ([]DocumentSummary, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(`
		SELECT id, team_id, url, title, created_at, updated_at
		FROM documents
		WHERE team_id=$1
		ORDER BY updated_at DESC, id
	`), teamID)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	return scanSummaries(rows)
}

// SearchDocumentsByTeam matches the query case-insensitively against the title
// or the serialized current content. It is a full scan of the team's rows.
// SQLite's LOWER folds ASCII only, so that dialect matches in Go.
func (s *SQLStore) SearchDocumentsByTeam(ctx context.Context, teamID, query string) ([]DocumentSummary, error) {
	if s.dialect == SQLite {
		return s.searchDocumentsFolded(ctx, teamID, query)
	}
	pattern := "%" + escapeLike(strings.ToLower(query)) + "%"
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(`
		SELECT id, team_id, url, title, created_at, updated_at
		FROM documents
		WHERE team_id=$1
		  AND (LOWER(title) LIKE $2 ESCAPE '\' OR LOWER(current_content) LIKE $2 ESCAPE '\')
		ORDER BY updated_at DESC, id
	`), teamID, pattern)
	if err != nil {
		return nil, fmt.Errorf("search documents: %w", err)
	}
	return scanSummaries(rows)
}

func (s *SQLStore) searchDocumentsFolded(ctx context.Context, teamID, query string) ([]DocumentSummary, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(`
		SELECT id, team_id, url, title, current_content, created_at, updated_at
		FROM documents
		WHERE team_id=$1
		ORDER BY updated_at DESC, id
	`), teamID)
	if err != nil {
		return nil, fmt.Errorf("search documents: %w", err)
	}
	defer rows.Close()

	needle := strings.ToLower(query)
	items := make([]DocumentSummary, 0)
	for rows.Next() {
		var (
			item    DocumentSummary
			content string
		)
		if err := rows.Scan(&item.ID, &item.TeamID, &item.URL, &item.Title, &content, scanTime{&item.CreatedAt}, scanTime{&item.UpdatedAt}); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		if strings.Contains(strings.ToLower(item.Title), needle) || strings.Contains(strings.ToLower(content), needle) {
			items = append(items, item)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return items, nil
}

func scanSummaries(rows *sql.Rows) ([]DocumentSummary, error) {
	defer rows.Close()
	items := make([]DocumentSummary, 0)
	for rows.Next() {
		var item DocumentSummary
		if err := rows.Scan(&item.ID, &item.TeamID, &item.URL, &item.Title, scanTime{&item.CreatedAt}, scanTime{&item.UpdatedAt}); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return items, nil
}

func escapeLike(input string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return replacer.Replace(input)
}

func (s *SQLStore) GetNode(ctx context.Context, nodeID string) (Node, error) {
	var item Node
	err := s.db.QueryRowContext(ctx, s.dialect.rebind(`
		SELECT id, document_id, parent_id, title, node_type, level, sort_order
		FROM nodes
		WHERE id=$1
	`), nodeID).Scan(&item.ID, &item.DocumentID, &item.ParentID, &item.Title, &item.Type, &item.Level, &item.SortOrder)
	if err != nil {
		return Node{}, fmt.Errorf("get node: %w", err)
	}
	return item, nil
}

func (s *SQLStore) ListNodes(ctx context.Context, documentID string) ([]Node, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(`
		SELECT id, document_id, parent_id, title, node_type, level, sort_order
		FROM nodes
		WHERE document_id=$1
		ORDER BY sort_order, id
	`), documentID)
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	defer rows.Close()

	items := make([]Node, 0)
	for rows.Next() {
		var item Node
		if err := rows.Scan(&item.ID, &item.DocumentID, &item.ParentID, &item.Title, &item.Type, &item.Level, &item.SortOrder); err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate nodes: %w", err)
	}
	return items, nil
}

// UpdateSectionContent appends the edit and rewrites current_content as one
// unit. The document row stays locked between the read and the write, so the
// ledger and the snapshot never diverge.
func (s *SQLStore) UpdateSectionContent(ctx context.Context, edit Edit, patch ContentPatch) (Edit, error) {
	err := s.inTx(ctx, func(q queryer) error {
		doc, err := s.getDocument(ctx, q, edit.DocumentID, true)
		if err != nil {
			return err
		}

		previous, next, err := patch(doc.CurrentContent)
		if err != nil {
			return fmt.Errorf("patch content: %w", err)
		}
		edit.PreviousContent = previous
		if edit.CreatedAt.IsZero() {
			edit.CreatedAt = time.Now().UTC()
		}
		edit.CreatedAt = edit.CreatedAt.Truncate(time.Microsecond)
		// Edits of one document are stamped in commit order.
		if !edit.CreatedAt.After(doc.UpdatedAt) {
			edit.CreatedAt = doc.UpdatedAt.Add(time.Microsecond)
		}

		if _, err := q.ExecContext(ctx, s.dialect.rebind(`
			INSERT INTO edits (id, document_id, node_id, user_id, previous_content, new_content, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`), edit.ID, edit.DocumentID, edit.NodeID, edit.UserID, edit.PreviousContent, edit.NewContent, s.dialect.timeArg(edit.CreatedAt)); err != nil {
			return fmt.Errorf("insert edit: %w", err)
		}

		if _, err := q.ExecContext(ctx, s.dialect.rebind(`
			UPDATE documents
			SET current_content=$2, updated_at=$3
			WHERE id=$1
		`), edit.DocumentID, next, s.dialect.timeArg(edit.CreatedAt)); err != nil {
			return fmt.Errorf("update current content: %w", err)
		}
		return nil
	})
	if err != nil {
		return Edit{}, err
	}
	return edit, nil
}

// ListEdits returns a node's history newest first.
func (s *SQLStore) ListEdits(ctx context.Context, nodeID string) ([]Edit, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(`
		SELECT id, document_id, node_id, user_id, previous_content, new_content, created_at
		FROM edits
		WHERE node_id=$1
		ORDER BY created_at DESC, id DESC
	`), nodeID)
	if err != nil {
		return nil, fmt.Errorf("list edits: %w", err)
	}
	defer rows.Close()

	items := make([]Edit, 0)
	for rows.Next() {
		var item Edit
		if err := rows.Scan(&item.ID, &item.DocumentID, &item.NodeID, &item.UserID, &item.PreviousContent, &item.NewContent, scanTime{&item.CreatedAt}); err != nil {
			return nil, fmt.Errorf("scan edit: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate edits: %w", err)
	}
	return items, nil
}

// DeleteDocument removes a document with its nodes and edits. It returns
// sql.ErrNoRows when the document does not exist.
func (s *SQLStore) DeleteDocument(ctx context.Context, documentID string) error {
	return s.inTx(ctx, func(q queryer) error {
		if _, err := q.ExecContext(ctx, s.dialect.rebind(`DELETE FROM edits WHERE document_id=$1`), documentID); err != nil {
			return fmt.Errorf("delete edits: %w", err)
		}
		if _, err := q.ExecContext(ctx, s.dialect.rebind(`DELETE FROM nodes WHERE document_id=$1`), documentID); err != nil {
			return fmt.Errorf("delete nodes: %w", err)
		}
		result, err := q.ExecContext(ctx, s.dialect.rebind(`DELETE FROM documents WHERE id=$1`), documentID)
		if err != nil {
			return fmt.Errorf("delete document: %w", err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("delete document: %w", err)
		}
		if affected == 0 {
			return fmt.Errorf("delete document: %w", sql.ErrNoRows)
		}
		return nil
	})
}

// TeamRole returns the member's role, or sql.ErrNoRows for non-members.
func (s *SQLStore) TeamRole(ctx context.Context, teamID, userID string) (string, error) {
	var role string
	err := s.db.QueryRowContext(ctx, s.dialect.rebind(`
		SELECT role FROM team_members WHERE team_id=$1 AND user_id=$2
	`), teamID, userID).Scan(&role)
	if err != nil {
		return "", fmt.Errorf("get team role: %w", err)
	}
	return role, nil
}

func (s *SQLStore) UpsertTeamMember(ctx context.Context, member TeamMember) error {
	_, err := s.db.ExecContext(ctx, s.dialect.rebind(`
		INSERT INTO team_members (team_id, user_id, role)
		VALUES ($1, $2, $3)
		ON CONFLICT (team_id, user_id) DO UPDATE SET role=excluded.role
	`), member.TeamID, member.UserID, member.Role)
	if err != nil {
		return fmt.Errorf("upsert team member: %w", err)
	}
	return nil
}

func nullableString(value *string) any {
	if value == nil {
		return nil
	}
	return *value
}

// IsNotFound reports whether err is a missing-row error from this package.
func IsNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
