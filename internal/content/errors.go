package content

import (
	"errors"
	"fmt"

	"docsync/api/internal/extract"
)

var (
	ErrUnauthorized     = errors.New("unauthorized")
	ErrNotFound         = errors.New("not found")
	ErrDocumentNotFound = fmt.Errorf("document %w", ErrNotFound)
	ErrNodeNotFound     = fmt.Errorf("node %w", ErrNotFound)
	ErrIngestionFailed  = errors.New("ingestion failed")
	ErrUpdateFailed     = errors.New("update failed")
	ErrValidation       = errors.New("validation failed")
)

// Kind is the stable machine-readable failure class surfaced to callers.
type Kind string

const (
	KindFetchFailed      Kind = "FETCH_FAILED"
	KindExtractionFailed Kind = "EXTRACTION_FAILED"
	KindUnauthorized     Kind = "UNAUTHORIZED"
	KindNotFound         Kind = "NOT_FOUND"
	KindIngestionFailed  Kind = "INGESTION_FAILED"
	KindUpdateFailed     Kind = "UPDATE_FAILED"
	KindValidation       Kind = "VALIDATION_ERROR"
	KindInternal         Kind = "INTERNAL"
)

// KindOf classifies err, most specific cause first. An ingestion that failed
// while fetching reports FETCH_FAILED even though it also wraps
// ErrIngestionFailed.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, extract.ErrFetchFailed):
		return KindFetchFailed
	case errors.Is(err, extract.ErrExtractionFailed):
		return KindExtractionFailed
	case errors.Is(err, ErrUnauthorized):
		return KindUnauthorized
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrIngestionFailed):
		return KindIngestionFailed
	case errors.Is(err, ErrUpdateFailed):
		return KindUpdateFailed
	default:
		return KindInternal
	}
}

// ValidationError carries per-field problems. It matches ErrValidation.
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string {
	return "validation failed: " + e.Err.Error()
}

func (e *ValidationError) Unwrap() error { return e.Err }

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }
