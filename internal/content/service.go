// Package content owns document ingestion, section edits and their ledger.
package content

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"go.uber.org/zap"

	"docsync/api/internal/extract"
	"docsync/api/internal/rbac"
	"docsync/api/internal/store"
	"docsync/api/internal/util"
)

// Store is the persistence the service needs.
type Store interface {
	CreateDocumentTree(ctx context.Context, doc store.Document, nodes []store.Node) error
	GetDocument(ctx context.Context, documentID string) (store.Document, error)
	GetNode(ctx context.Context, nodeID string) (store.Node, error)
	ListNodes(ctx context.Context, documentID string) ([]store.Node, error)
	UpdateSectionContent(ctx context.Context, edit store.Edit, patch store.ContentPatch) (store.Edit, error)
	ListEdits(ctx context.Context, nodeID string) ([]store.Edit, error)
	ListDocumentsByTeam(ctx context.Context, teamID string) ([]store.DocumentSummary, error)
	SearchDocumentsByTeam(ctx context.Context, teamID, query string) ([]store.DocumentSummary, error)
	DeleteDocument(ctx context.Context, documentID string) error
}

type Authorizer interface {
	CanAct(ctx context.Context, userID, teamID string, action rbac.Action) (bool, error)
}

type Fetcher interface {
	Fetch(ctx context.Context, url string) (extract.Page, error)
}

type Extractor interface {
	Extract(raw []byte) (*extract.Result, error)
}

// Notifier fans committed section updates out to live editors.
type Notifier interface {
	ContentUpdated(ctx context.Context, documentID, nodeID, content, userID string)
}

// Sanitizer cleans edit markup before it is stored.
type Sanitizer interface {
	Sanitize(input string) string
}

type Deps struct {
	Store      Store
	Authorizer Authorizer
	Fetcher    Fetcher
	Extractor  Extractor
	Notifier   Notifier
	Sanitizer  Sanitizer
	Listeners  []Listener
	Logger     *zap.Logger
	Now        func() time.Time
	NewID      func() string
}

type Service struct {
	store      Store
	authorizer Authorizer
	fetcher    Fetcher
	extractor  Extractor
	notifier   Notifier
	sanitizer  Sanitizer
	dispatch   *dispatcher
	logger     *zap.Logger
	now        func() time.Time
	newID      func() string
}

func New(deps Deps) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("content")
	s := &Service{
		store:      deps.Store,
		authorizer: deps.Authorizer,
		fetcher:    deps.Fetcher,
		extractor:  deps.Extractor,
		notifier:   deps.Notifier,
		sanitizer:  deps.Sanitizer,
		dispatch:   newDispatcher(deps.Listeners, logger),
		logger:     logger,
		now:        deps.Now,
		newID:      deps.NewID,
	}
	if s.extractor == nil {
		s.extractor = extract.New()
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.newID == nil {
		s.newID = util.NewID
	}
	return s
}

// Close waits for queued listener work.
func (s *Service) Close() {
	s.dispatch.close()
}

// CreateDocument fetches and extracts the page, then writes the document, its
// root node and the full node tree in one transaction.
func (s *Service) CreateDocument(ctx context.Context, userID, teamID, rawURL string) (DocumentSummary, error) {
	if err := validateIngest(teamID, rawURL); err != nil {
		return DocumentSummary{}, err
	}
	if err := s.authorize(ctx, userID, teamID, rbac.ActionWrite); err != nil {
		return DocumentSummary{}, err
	}

	page, err := s.fetcher.Fetch(ctx, rawURL)
	if err != nil {
		return DocumentSummary{}, fmt.Errorf("%w: %w", ErrIngestionFailed, err)
	}
	result, err := s.extractor.Extract(page.Body)
	if err != nil {
		return DocumentSummary{}, fmt.Errorf("%w: %w", ErrIngestionFailed, err)
	}

	sectionsJSON, err := encodeJSON(result.Sections)
	if err != nil {
		return DocumentSummary{}, fmt.Errorf("%w: encode sections: %v", ErrIngestionFailed, err)
	}
	metaJSON, err := encodeJSON(result.Meta)
	if err != nil {
		return DocumentSummary{}, fmt.Errorf("%w: encode meta: %v", ErrIngestionFailed, err)
	}

	now := s.now().UTC()
	doc := store.Document{
		ID:              s.newID(),
		TeamID:          teamID,
		URL:             rawURL,
		Title:           result.Title,
		OriginalContent: sectionsJSON,
		CurrentContent:  sectionsJSON,
		Meta:            metaJSON,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	root := store.Node{
		ID:         s.newID(),
		DocumentID: doc.ID,
		Title:      doc.Title,
		Type:       store.NodeTypeRoot,
	}
	nodes := append([]store.Node{root}, Materialize(doc.ID, root.ID, result.Structure, s.newID)...)

	if err := s.store.CreateDocumentTree(ctx, doc, nodes); err != nil {
		return DocumentSummary{}, fmt.Errorf("%w: %w", ErrIngestionFailed, err)
	}
	s.logger.Info("document ingested",
		zap.String("document_id", doc.ID),
		zap.String("team_id", teamID),
		zap.Int("nodes", len(nodes)),
		zap.Int("sections", len(result.Sections)),
	)

	s.dispatch.submit("document_created", func(ctx context.Context, l Listener) error {
		return l.DocumentCreated(ctx, Change{Document: doc, Page: &page, Actor: userID})
	})

	return DocumentSummary{
		ID:        doc.ID,
		Title:     doc.Title,
		URL:       doc.URL,
		TeamID:    doc.TeamID,
		CreatedAt: doc.CreatedAt,
		UpdatedAt: doc.UpdatedAt,
	}, nil
}

// UpdateSection records the edit and overwrites the section as one unit, then
// notifies the document's room. An empty documentID is taken from the node.
func (s *Service) UpdateSection(ctx context.Context, userID, documentID, nodeID, text string) (EditView, error) {
	if err := validation.Validate(text, validation.Required); err != nil {
		return EditView{}, &ValidationError{Err: validation.Errors{"content": err}}
	}
	node, doc, err := s.loadNode(ctx, nodeID)
	if err != nil {
		return EditView{}, err
	}
	if documentID != "" && node.DocumentID != documentID {
		return EditView{}, ErrNodeNotFound
	}
	if err := s.authorize(ctx, userID, doc.TeamID, rbac.ActionWrite); err != nil {
		return EditView{}, err
	}
	if s.sanitizer != nil {
		text = s.sanitizer.Sanitize(text)
	}

	var committed string
	patch := sectionPatch(node.Title, text)
	edit, err := s.store.UpdateSectionContent(ctx, store.Edit{
		ID:         s.newID(),
		DocumentID: doc.ID,
		NodeID:     node.ID,
		UserID:     userID,
		NewContent: text,
		CreatedAt:  s.now().UTC(),
	}, func(current string) (string, string, error) {
		previous, next, err := patch(current)
		committed = next
		return previous, next, err
	})
	if err != nil {
		if store.IsNotFound(err) {
			return EditView{}, ErrDocumentNotFound
		}
		return EditView{}, fmt.Errorf("%w: %w", ErrUpdateFailed, err)
	}

	if s.notifier != nil {
		s.notifier.ContentUpdated(ctx, doc.ID, node.ID, text, userID)
	}

	doc.CurrentContent = committed
	doc.UpdatedAt = edit.CreatedAt
	s.dispatch.submit("section_updated", func(ctx context.Context, l Listener) error {
		return l.SectionUpdated(ctx, Change{Document: doc, Edit: &edit, Actor: userID})
	})

	return toEditView(edit), nil
}

// ReadSection returns a node's current section content. It has no side effects.
func (s *Service) ReadSection(ctx context.Context, userID, nodeID string, includeHistory bool) (SectionView, error) {
	node, doc, err := s.loadNode(ctx, nodeID)
	if err != nil {
		return SectionView{}, err
	}
	if err := s.authorize(ctx, userID, doc.TeamID, rbac.ActionRead); err != nil {
		return SectionView{}, err
	}
	sections, err := decodeSections(doc.CurrentContent)
	if err != nil {
		return SectionView{}, err
	}

	view := SectionView{
		ID:         node.ID,
		DocumentID: node.DocumentID,
		Title:      node.Title,
		Content:    sections[node.Title].Content,
		Type:       node.Type,
		Level:      node.Level,
	}
	if includeHistory {
		history, err := s.history(ctx, node.ID)
		if err != nil {
			return SectionView{}, err
		}
		view.History = &history
	}
	return view, nil
}

func (s *Service) GetDocument(ctx context.Context, userID, documentID string, includeContent bool) (DocumentView, error) {
	doc, err := s.AuthorizeDocument(ctx, userID, documentID, rbac.ActionRead)
	if err != nil {
		return DocumentView{}, err
	}
	nodes, err := s.store.ListNodes(ctx, doc.ID)
	if err != nil {
		return DocumentView{}, fmt.Errorf("load nodes: %w", err)
	}
	sections, err := decodeSections(doc.CurrentContent)
	if err != nil {
		return DocumentView{}, err
	}
	tree, err := buildTree(nodes, sections, includeContent)
	if err != nil {
		return DocumentView{}, err
	}

	meta := map[string]any{}
	if strings.TrimSpace(doc.Meta) != "" {
		if err := json.Unmarshal([]byte(doc.Meta), &meta); err != nil {
			return DocumentView{}, fmt.Errorf("decode meta: %w", err)
		}
	}
	return DocumentView{
		ID:        doc.ID,
		Title:     doc.Title,
		URL:       doc.URL,
		TeamID:    doc.TeamID,
		Meta:      meta,
		Tree:      tree,
		CreatedAt: doc.CreatedAt,
		UpdatedAt: doc.UpdatedAt,
	}, nil
}

// Sections returns the current section map of a readable document.
func (s *Service) Sections(ctx context.Context, userID, documentID string) (extract.Sections, error) {
	doc, err := s.AuthorizeDocument(ctx, userID, documentID, rbac.ActionRead)
	if err != nil {
		return nil, err
	}
	return decodeSections(doc.CurrentContent)
}

func (s *Service) ListByTeam(ctx context.Context, userID, teamID string) ([]DocumentSummary, error) {
	if err := s.authorize(ctx, userID, teamID, rbac.ActionRead); err != nil {
		return nil, err
	}
	items, err := s.store.ListDocumentsByTeam(ctx, teamID)
	if err != nil {
		return nil, fmt.Errorf("list team documents: %w", err)
	}
	return toSummaries(items), nil
}

// SearchByTeam is a case-insensitive substring match on title or serialized
// current content. Cost is linear in the team's documents.
func (s *Service) SearchByTeam(ctx context.Context, userID, teamID, query string) ([]DocumentSummary, error) {
	query = strings.TrimSpace(query)
	if err := validation.Validate(query, validation.Required); err != nil {
		return nil, &ValidationError{Err: validation.Errors{"q": err}}
	}
	if err := s.authorize(ctx, userID, teamID, rbac.ActionRead); err != nil {
		return nil, err
	}
	items, err := s.store.SearchDocumentsByTeam(ctx, teamID, query)
	if err != nil {
		return nil, fmt.Errorf("search team documents: %w", err)
	}
	return toSummaries(items), nil
}

// DeleteDocument removes the document with its nodes and edits.
func (s *Service) DeleteDocument(ctx context.Context, userID, documentID string) error {
	doc, err := s.AuthorizeDocument(ctx, userID, documentID, rbac.ActionManage)
	if err != nil {
		return err
	}
	if err := s.store.DeleteDocument(ctx, doc.ID); err != nil {
		if store.IsNotFound(err) {
			return ErrDocumentNotFound
		}
		return fmt.Errorf("delete document: %w", err)
	}
	s.logger.Info("document deleted", zap.String("document_id", doc.ID), zap.String("user_id", userID))
	s.dispatch.submit("document_deleted", func(ctx context.Context, l Listener) error {
		return l.DocumentDeleted(ctx, doc.ID)
	})
	return nil
}

// AuthorizeDocument loads a document and checks the caller may perform action
// on its team.
func (s *Service) AuthorizeDocument(ctx context.Context, userID, documentID string, action rbac.Action) (store.Document, error) {
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		if store.IsNotFound(err) {
			return store.Document{}, ErrDocumentNotFound
		}
		return store.Document{}, fmt.Errorf("load document: %w", err)
	}
	if err := s.authorize(ctx, userID, doc.TeamID, action); err != nil {
		return store.Document{}, err
	}
	return doc, nil
}

// AuthorizeTeam checks the caller may perform action on the team.
func (s *Service) AuthorizeTeam(ctx context.Context, userID, teamID string, action rbac.Action) error {
	return s.authorize(ctx, userID, teamID, action)
}

func (s *Service) loadNode(ctx context.Context, nodeID string) (store.Node, store.Document, error) {
	if strings.TrimSpace(nodeID) == "" {
		return store.Node{}, store.Document{}, ErrNodeNotFound
	}
	node, err := s.store.GetNode(ctx, nodeID)
	if err != nil {
		if store.IsNotFound(err) {
			return store.Node{}, store.Document{}, ErrNodeNotFound
		}
		return store.Node{}, store.Document{}, fmt.Errorf("load node: %w", err)
	}
	doc, err := s.store.GetDocument(ctx, node.DocumentID)
	if err != nil {
		if store.IsNotFound(err) {
			return store.Node{}, store.Document{}, ErrDocumentNotFound
		}
		return store.Node{}, store.Document{}, fmt.Errorf("load document: %w", err)
	}
	return node, doc, nil
}

func (s *Service) authorize(ctx context.Context, userID, teamID string, action rbac.Action) error {
	if s.authorizer == nil {
		return ErrUnauthorized
	}
	allowed, err := s.authorizer.CanAct(ctx, userID, teamID, action)
	if err != nil {
		return fmt.Errorf("authorize: %w", err)
	}
	if !allowed {
		return ErrUnauthorized
	}
	return nil
}

func validateIngest(teamID, rawURL string) error {
	err := validation.Errors{
		"teamId": validation.Validate(teamID, validation.Required),
		"url":    validation.Validate(rawURL, validation.Required, is.RequestURL, validation.By(httpScheme)),
	}.Filter()
	if err != nil {
		return &ValidationError{Err: err}
	}
	return nil
}

func httpScheme(value any) error {
	raw, _ := value.(string)
	parsed, err := url.Parse(raw)
	if err != nil {
		return validation.NewError("validation_url_scheme", "must be an http or https URL")
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return validation.NewError("validation_url_scheme", "must be an http or https URL")
	}
	return nil
}
