// Package storetest opens migrated throwaway databases for tests.
package storetest

import (
	"context"
	"path/filepath"
	"testing"

	"docsync/api/internal/store"
)

// NewSQLite returns a migrated store backed by a file in t.TempDir.
func NewSQLite(t testing.TB) *store.SQLStore {
	t.Helper()
	ctx := context.Background()

	db, err := store.Open(ctx, store.SQLite, filepath.Join(t.TempDir(), "docsync.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err := store.ApplyMigrations(ctx, db, store.SQLite); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return store.NewSQLStore(db, store.SQLite)
}
