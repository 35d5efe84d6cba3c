package search

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"go.uber.org/zap"

	"docsync/api/internal/content"
	"docsync/api/internal/extract"
	"docsync/api/internal/store"
)

// Indexer keeps the Meilisearch index in step with committed changes.
type Indexer struct {
	meili  *Meili
	strip  *bluemonday.Policy
	logger *zap.Logger
}

var _ content.Listener = (*Indexer)(nil)

func NewIndexer(meili *Meili, logger *zap.Logger) *Indexer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Indexer{meili: meili, strip: bluemonday.StrictPolicy(), logger: logger.Named("indexer")}
}

func (i *Indexer) DocumentCreated(_ context.Context, change content.Change) error {
	return i.index(change.Document)
}

func (i *Indexer) SectionUpdated(_ context.Context, change content.Change) error {
	return i.index(change.Document)
}

func (i *Indexer) DocumentDeleted(_ context.Context, documentID string) error {
	if !i.ready() {
		return nil
	}
	if err := i.meili.DeleteDocument(documentID); err != nil {
		return fmt.Errorf("unindex document %s: %w", documentID, err)
	}
	return nil
}

// Reindex pushes every stored document into the index.
func (i *Indexer) Reindex(ctx context.Context, docs interface {
	ListAllDocuments(ctx context.Context) ([]store.Document, error)
}) error {
	if !i.ready() {
		return nil
	}
	all, err := docs.ListAllDocuments(ctx)
	if err != nil {
		return err
	}
	records := make([]DocumentRecord, 0, len(all))
	for _, doc := range all {
		record, err := i.Record(doc)
		if err != nil {
			i.logger.Warn("skip document in reindex", zap.String("document_id", doc.ID), zap.Error(err))
			continue
		}
		records = append(records, record)
	}
	if err := i.meili.IndexDocuments(records); err != nil {
		return fmt.Errorf("reindex documents: %w", err)
	}
	i.logger.Info("search index rebuilt", zap.Int("documents", len(records)))
	return nil
}

// Record flattens a document into its index entry, sections in title order
// with markup stripped.
func (i *Indexer) Record(doc store.Document) (DocumentRecord, error) {
	sections := extract.Sections{}
	if strings.TrimSpace(doc.CurrentContent) != "" {
		if err := json.Unmarshal([]byte(doc.CurrentContent), &sections); err != nil {
			return DocumentRecord{}, fmt.Errorf("decode sections: %w", err)
		}
	}
	titles := make([]string, 0, len(sections))
	for title := range sections {
		titles = append(titles, title)
	}
	sort.Strings(titles)

	var body strings.Builder
	for _, title := range titles {
		text := strings.Join(strings.Fields(i.strip.Sanitize(sections[title].Content)), " ")
		if body.Len() > 0 {
			body.WriteString("\n")
		}
		body.WriteString(title)
		if text != "" {
			body.WriteString(": ")
			body.WriteString(text)
		}
	}
	return DocumentRecord{
		ID:        doc.ID,
		TeamID:    doc.TeamID,
		Title:     doc.Title,
		URL:       doc.URL,
		Body:      body.String(),
		UpdatedAt: doc.UpdatedAt.Unix(),
	}, nil
}

func (i *Indexer) index(doc store.Document) error {
	if !i.ready() {
		return nil
	}
	record, err := i.Record(doc)
	if err != nil {
		return err
	}
	if err := i.meili.IndexDocument(record); err != nil {
		return fmt.Errorf("index document %s: %w", doc.ID, err)
	}
	return nil
}

func (i *Indexer) ready() bool {
	return i.meili != nil && i.meili.Healthy()
}
