// Package mirror keeps a git repository per document with one commit per
// ingest or section edit.
package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"go.uber.org/zap"

	"docsync/api/internal/content"
	"docsync/api/internal/extract"
	"docsync/api/internal/store"
)

const (
	snapshotFile = "sections.json"
	mainBranch   = "main"
)

var (
	ErrNoRepository = errors.New("no revision history")
	ErrInvalidID    = errors.New("invalid document id")
	ErrNoRevision   = errors.New("revision not found")
)

// Snapshot is the committed state of a document.
type Snapshot struct {
	Title    string           `json:"title"`
	URL      string           `json:"url"`
	Sections extract.Sections `json:"sections"`
}

type Revision struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
}

type Service struct {
	baseDir string
	logger  *zap.Logger
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

var _ content.Listener = (*Service)(nil)

func New(baseDir string, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		baseDir: baseDir,
		logger:  logger.Named("mirror"),
		locks:   make(map[string]*sync.Mutex),
	}
}

// Commit writes the snapshot as a new commit on main, creating the
// repository on first use.
func (s *Service) Commit(documentID string, snap Snapshot, author, message string) (Revision, error) {
	path, err := s.repoPath(documentID)
	if err != nil {
		return Revision{}, err
	}
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := openOrInit(path)
	if err != nil {
		return Revision{}, err
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return Revision{}, fmt.Errorf("open worktree: %w", err)
	}

	if snap.Sections == nil {
		snap.Sections = extract.Sections{}
	}
	payload, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return Revision{}, fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := os.WriteFile(filepath.Join(path, snapshotFile), append(payload, '\n'), 0o644); err != nil {
		return Revision{}, fmt.Errorf("write %s: %w", snapshotFile, err)
	}
	if _, err := worktree.Add(snapshotFile); err != nil {
		return Revision{}, fmt.Errorf("git add snapshot: %w", err)
	}

	hash, err := worktree.Commit(message, &git.CommitOptions{
		AllowEmptyCommits: true,
		Author: &object.Signature{
			Name:  author,
			Email: fmt.Sprintf("%s@users.docsync.local", sanitizeEmail(author)),
			When:  time.Now(),
		},
	})
	if err != nil {
		return Revision{}, fmt.Errorf("commit snapshot: %w", err)
	}
	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return Revision{}, fmt.Errorf("read commit object: %w", err)
	}
	return toRevision(commitObj), nil
}

// History lists revisions newest first. A limit of zero means all.
func (s *Service) History(documentID string, limit int) ([]Revision, error) {
	repo, unlock, err := s.open(documentID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	ref, err := repo.Head()
	if err != nil {
		return nil, fmt.Errorf("resolve head: %w", err)
	}
	iter, err := repo.Log(&git.LogOptions{From: ref.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]Revision, 0)
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toRevision(commitObj))
		if limit > 0 && len(items) >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

// SnapshotAt reads the snapshot committed at hash. Abbreviated hashes resolve.
func (s *Service) SnapshotAt(documentID, hash string) (Snapshot, error) {
	repo, unlock, err := s.open(documentID)
	if err != nil {
		return Snapshot{}, err
	}
	defer unlock()

	resolved, err := repo.ResolveRevision(plumbing.Revision(hash))
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: %s: %v", ErrNoRevision, hash, err)
	}
	commitObj, err := repo.CommitObject(*resolved)
	if errors.Is(err, plumbing.ErrObjectNotFound) {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrNoRevision, hash)
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("read commit %s: %w", hash, err)
	}
	return readSnapshot(commitObj)
}

// Remove deletes the document's repository.
func (s *Service) Remove(documentID string) error {
	path, err := s.repoPath(documentID)
	if err != nil {
		return err
	}
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("remove repo: %w", err)
	}
	return nil
}

func (s *Service) DocumentCreated(_ context.Context, change content.Change) error {
	snap, err := snapshotOf(change.Document)
	if err != nil {
		return err
	}
	_, err = s.Commit(change.Document.ID, snap, authorOf(change.Actor), "Ingest "+change.Document.URL)
	return err
}

func (s *Service) SectionUpdated(_ context.Context, change content.Change) error {
	snap, err := snapshotOf(change.Document)
	if err != nil {
		return err
	}
	message := "Update section"
	if change.Edit != nil {
		message = fmt.Sprintf("Update section %s\n\nedit: %s", change.Edit.NodeID, change.Edit.ID)
	}
	rev, err := s.Commit(change.Document.ID, snap, authorOf(change.Actor), message)
	if err != nil {
		return err
	}
	s.logger.Debug("mirrored edit", zap.String("document_id", change.Document.ID), zap.String("hash", rev.Hash))
	return nil
}

func (s *Service) DocumentDeleted(_ context.Context, documentID string) error {
	return s.Remove(documentID)
}

func (s *Service) open(documentID string) (*git.Repository, func(), error) {
	path, err := s.repoPath(documentID)
	if err != nil {
		return nil, nil, err
	}
	lock := s.documentLock(documentID)
	lock.Lock()
	repo, err := git.PlainOpen(path)
	if err != nil {
		lock.Unlock()
		if errors.Is(err, git.ErrRepositoryNotExists) {
			return nil, nil, ErrNoRepository
		}
		return nil, nil, fmt.Errorf("open repo: %w", err)
	}
	return repo, lock.Unlock, nil
}

func openOrInit(path string) (*git.Repository, error) {
	repo, err := git.PlainOpen(path)
	if err == nil {
		return repo, nil
	}
	if !errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create repo dir: %w", err)
	}
	repo, err = git.PlainInit(path, false)
	if err != nil {
		return nil, fmt.Errorf("init repo: %w", err)
	}
	// Point HEAD at main before the first commit so the branch is born there.
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName(mainBranch))); err != nil {
		return nil, fmt.Errorf("set HEAD to main: %w", err)
	}
	return repo, nil
}

func (s *Service) repoPath(documentID string) (string, error) {
	if documentID == "" || documentID != filepath.Base(documentID) || strings.HasPrefix(documentID, ".") {
		return "", ErrInvalidID
	}
	return filepath.Join(s.baseDir, documentID), nil
}

func (s *Service) documentLock(documentID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[documentID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[documentID] = lock
	return lock
}

func snapshotOf(doc store.Document) (Snapshot, error) {
	snap := Snapshot{Title: doc.Title, URL: doc.URL, Sections: extract.Sections{}}
	if strings.TrimSpace(doc.CurrentContent) == "" {
		return snap, nil
	}
	if err := json.Unmarshal([]byte(doc.CurrentContent), &snap.Sections); err != nil {
		return Snapshot{}, fmt.Errorf("decode sections: %w", err)
	}
	return snap, nil
}

func readSnapshot(commitObj *object.Commit) (Snapshot, error) {
	file, err := commitObj.File(snapshotFile)
	if err != nil {
		return Snapshot{}, fmt.Errorf("load %s from commit: %w", snapshotFile, err)
	}
	reader, err := file.Reader()
	if err != nil {
		return Snapshot{}, fmt.Errorf("open snapshot reader: %w", err)
	}
	defer reader.Close()

	raw, err := io.ReadAll(reader)
	if err != nil {
		return Snapshot{}, fmt.Errorf("read snapshot bytes: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, nil
}

func toRevision(commitObj *object.Commit) Revision {
	return Revision{
		Hash:      commitObj.Hash.String(),
		Message:   strings.TrimSpace(commitObj.Message),
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When.UTC(),
	}
}

func authorOf(actor string) string {
	if strings.TrimSpace(actor) == "" {
		return "docsync"
	}
	return actor
}

func sanitizeEmail(input string) string {
	out := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			out = append(out, r)
			continue
		}
		if r == ' ' || r == '-' || r == '_' {
			out = append(out, '.')
		}
	}
	if len(out) == 0 {
		return "user"
	}
	return string(out)
}
