package app

import (
	"errors"
	"fmt"
	"net/http"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"docsync/api/internal/archive"
	"docsync/api/internal/auth"
	"docsync/api/internal/content"
	"docsync/api/internal/export"
	"docsync/api/internal/mirror"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

// mapError turns a service error into the response status and envelope.
// Internal causes are never echoed to the client.
func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHENTICATED", "Unauthenticated", nil
	}
	if errors.Is(err, export.ErrPDFDependencyMissing) || errors.Is(err, export.ErrDOCXDependencyMissing) {
		return http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", "Export format is not available on this server", nil
	}
	if errors.Is(err, archive.ErrNotArchived) {
		return http.StatusNotFound, string(content.KindNotFound), "Source page not archived", nil
	}
	if errors.Is(err, mirror.ErrInvalidID) {
		return http.StatusNotFound, string(content.KindNotFound), "Not found", nil
	}

	kind := content.KindOf(err)
	switch kind {
	case content.KindFetchFailed:
		return http.StatusBadGateway, string(kind), "Failed to fetch the page", nil
	case content.KindExtractionFailed:
		return http.StatusUnprocessableEntity, string(kind), "Failed to extract document structure", nil
	case content.KindUnauthorized:
		return http.StatusForbidden, string(kind), "Unauthorized", nil
	case content.KindNotFound:
		return http.StatusNotFound, string(kind), notFoundMessage(err), nil
	case content.KindValidation:
		return http.StatusBadRequest, string(kind), "Invalid request", validationDetails(err)
	case content.KindIngestionFailed:
		return http.StatusInternalServerError, string(kind), "Failed to store document", nil
	case content.KindUpdateFailed:
		return http.StatusInternalServerError, string(kind), "Failed to update section", nil
	default:
		return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
	}
}

func notFoundMessage(err error) string {
	switch {
	case errors.Is(err, content.ErrNodeNotFound):
		return "Node not found"
	case errors.Is(err, content.ErrDocumentNotFound):
		return "Document not found"
	default:
		return "Not found"
	}
}

// validationDetails exposes per-field messages when the cause carries them.
func validationDetails(err error) any {
	var fields validation.Errors
	if errors.As(err, &fields) {
		out := make(map[string]string, len(fields))
		for field, fieldErr := range fields {
			out[field] = fieldErr.Error()
		}
		return out
	}
	var verr *content.ValidationError
	if errors.As(err, &verr) {
		return verr.Err.Error()
	}
	return nil
}
