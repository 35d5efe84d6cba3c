// Package export renders a document's current sections as HTML, Markdown,
// PDF or DOCX.
package export

import "errors"

type Format string

const (
	FormatHTML     Format = "html"
	FormatMarkdown Format = "markdown"
	FormatPDF      Format = "pdf"
	FormatDOCX     Format = "docx"
)

// ParseFormat maps a query value to a format. Empty means HTML.
func ParseFormat(raw string) (Format, error) {
	switch Format(raw) {
	case "":
		return FormatHTML, nil
	case FormatHTML, FormatMarkdown, FormatPDF, FormatDOCX:
		return Format(raw), nil
	case "md":
		return FormatMarkdown, nil
	default:
		return "", ErrUnsupportedFormat
	}
}

type Request struct {
	DocumentID string
	UserID     string
	Format     Format
}

// Result contains the export output.
type Result struct {
	Data     []byte
	Filename string
	MimeType string
}

var (
	ErrUnsupportedFormat = errors.New("unsupported export format")
	// ErrPDFDependencyMissing indicates PDF export runtime dependencies are unavailable.
	ErrPDFDependencyMissing = errors.New("export pdf dependency missing")
	// ErrDOCXDependencyMissing indicates DOCX export runtime dependencies are unavailable.
	ErrDOCXDependencyMissing = errors.New("export docx dependency missing")
)
