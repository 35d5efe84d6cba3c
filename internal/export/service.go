package export

import (
	"context"
	"fmt"
	"html/template"
	"time"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/microcosm-cc/bluemonday"

	"docsync/api/internal/content"
)

// Source loads the readable document tree with section content.
type Source interface {
	GetDocument(ctx context.Context, userID, documentID string, includeContent bool) (content.DocumentView, error)
}

// Service provides document export functionality.
type Service struct {
	source    Source
	policy    *bluemonday.Policy
	converter *md.Converter
	now       func() time.Time
}

func NewService(source Source) *Service {
	return &Service{
		source:    source,
		policy:    bluemonday.UGCPolicy(),
		converter: md.NewConverter("", true, nil),
		now:       time.Now,
	}
}

// Export generates an export in the requested format. Authorization is the
// source's read check.
func (s *Service) Export(ctx context.Context, req Request) (*Result, error) {
	switch req.Format {
	case FormatHTML, FormatMarkdown, FormatPDF, FormatDOCX:
	default:
		return nil, &content.ValidationError{Err: fmt.Errorf("%w: %q", ErrUnsupportedFormat, req.Format)}
	}

	doc, err := s.source.GetDocument(ctx, req.UserID, req.DocumentID, true)
	if err != nil {
		return nil, err
	}
	body := renderBody(doc.Tree, s.policy)

	if req.Format == FormatMarkdown {
		markdown, err := s.converter.ConvertString("<h1>" + template.HTMLEscapeString(doc.Title) + "</h1>\n" + string(body))
		if err != nil {
			return nil, fmt.Errorf("convert markdown: %w", err)
		}
		return &Result{
			Data:     []byte(markdown + "\n"),
			Filename: sanitizeFilename(doc.Title) + ".md",
			MimeType: "text/markdown; charset=utf-8",
		}, nil
	}

	html, err := RenderDocumentHTML(TemplateData{
		Title:      doc.Title,
		URL:        doc.URL,
		ExportedAt: s.now().UTC(),
		Body:       body,
	})
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}

	switch req.Format {
	case FormatPDF:
		return exportPDF(ctx, html, doc.Title)
	case FormatDOCX:
		return exportDOCX(ctx, html, doc.Title)
	default:
		return &Result{
			Data:     []byte(html),
			Filename: sanitizeFilename(doc.Title) + ".html",
			MimeType: "text/html; charset=utf-8",
		}, nil
	}
}
