package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"docsync/api/internal/archive"
	"docsync/api/internal/auth"
	"docsync/api/internal/content"
	"docsync/api/internal/export"
	"docsync/api/internal/mirror"
	"docsync/api/internal/rbac"
	"docsync/api/internal/search"
	"docsync/api/internal/store"
)

type ContentService interface {
	CreateDocument(ctx context.Context, userID, teamID, rawURL string) (content.DocumentSummary, error)
	GetDocument(ctx context.Context, userID, documentID string, includeContent bool) (content.DocumentView, error)
	DeleteDocument(ctx context.Context, userID, documentID string) error
	ReadSection(ctx context.Context, userID, nodeID string, includeHistory bool) (content.SectionView, error)
	UpdateSection(ctx context.Context, userID, documentID, nodeID, text string) (content.EditView, error)
	HistoryFor(ctx context.Context, userID, nodeID string) ([]content.EditView, error)
	ListByTeam(ctx context.Context, userID, teamID string) ([]content.DocumentSummary, error)
	SearchByTeam(ctx context.Context, userID, teamID, query string) ([]content.DocumentSummary, error)
	AuthorizeDocument(ctx context.Context, userID, documentID string, action rbac.Action) (store.Document, error)
}

type Searcher interface {
	Search(ctx context.Context, userID string, q search.Query) (search.Response, error)
}

type Exporter interface {
	Export(ctx context.Context, req export.Request) (*export.Result, error)
}

// RevisionSource reads the per-document git mirror.
type RevisionSource interface {
	History(documentID string, limit int) ([]mirror.Revision, error)
	SnapshotAt(documentID, hash string) (mirror.Snapshot, error)
}

type PageArchive interface {
	Get(ctx context.Context, documentID string) (archive.Page, error)
}

// RealtimeServer runs an upgraded connection for an authenticated user.
type RealtimeServer interface {
	Serve(w http.ResponseWriter, r *http.Request, userID string)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps wires the HTTP surface. Search, Export, Revisions, Archive and
// Realtime are optional; their routes answer 503 or 404 when absent.
type Deps struct {
	Content     ContentService
	Search      Searcher
	Export      Exporter
	Revisions   RevisionSource
	Archive     PageArchive
	Realtime    RealtimeServer
	DB          Pinger
	JWTSecret   []byte
	CORSOrigins []string
	Logger      *zap.Logger
}

type HTTPServer struct {
	content     ContentService
	search      Searcher
	export      Exporter
	revisions   RevisionSource
	archive     PageArchive
	realtime    RealtimeServer
	db          Pinger
	jwtSecret   []byte
	corsOrigins []string
	logger      *zap.Logger
}

// Session is the authenticated caller.
type Session struct {
	UserID   string
	UserName string
}

const defaultRevisionLimit = 50

func NewHTTPServer(deps Deps) *HTTPServer {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPServer{
		content:     deps.Content,
		search:      deps.Search,
		export:      deps.Export,
		revisions:   deps.Revisions,
		archive:     deps.Archive,
		realtime:    deps.Realtime,
		db:          deps.DB,
		jwtSecret:   deps.JWTSecret,
		corsOrigins: deps.CORSOrigins,
		logger:      logger.Named("http"),
	}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		s.handleReady(w, r)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/realtime" {
		s.handleRealtime(w, r)
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) < 3 || parts[0] != "api" || parts[1] != "content" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	session, ok := s.requireSession(w, r)
	if !ok {
		return
	}

	switch {
	case len(parts) == 3 && parts[2] == "scrape" && r.Method == http.MethodPost:
		s.handleScrape(w, r, session)
		return
	case len(parts) == 4 && parts[2] == "node":
		s.handleNode(w, r, session, parts[3])
		return
	case len(parts) == 4 && parts[2] == "history" && r.Method == http.MethodGet:
		history, err := s.content.HistoryFor(r.Context(), session.UserID, parts[3])
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"history": history})
		return
	case len(parts) == 4 && parts[2] == "team" && r.Method == http.MethodGet:
		items, err := s.content.ListByTeam(r.Context(), session.UserID, parts[3])
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"content": items})
		return
	case len(parts) == 4 && parts[2] == "search" && r.Method == http.MethodGet:
		s.handleSearch(w, r, session, parts[3])
		return
	case len(parts) >= 3:
		s.handleDocument(w, r, session, parts[2], parts[3:])
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
	}

	var err error
	if s.db == nil {
		err = errors.New("database not configured")
	} else {
		err = s.db.Ping(ctx)
	}
	if err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{
			"status": "error",
			"error":  err.Error(),
		}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleRealtime(w http.ResponseWriter, r *http.Request) {
	if s.realtime == nil {
		writeError(w, http.StatusServiceUnavailable, "REALTIME_UNAVAILABLE", "Realtime is not enabled", nil)
		return
	}
	// Browsers cannot set headers on a WebSocket handshake.
	token := bearerToken(r)
	if token == "" {
		token = strings.TrimSpace(r.URL.Query().Get("token"))
	}
	session, err := s.sessionFromToken(token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "Unauthenticated", nil)
		return
	}
	s.realtime.Serve(w, r, session.UserID)
}

func (s *HTTPServer) handleScrape(w http.ResponseWriter, r *http.Request, session Session) {
	var body scrapeRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if err := body.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, string(content.KindValidation), "Invalid request", validationDetails(err))
		return
	}

	doc, err := s.content.CreateDocument(r.Context(), session.UserID, strings.TrimSpace(body.TeamID), strings.TrimSpace(body.URL))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"message":   "Content scraped successfully",
		"contentId": doc.ID,
		"title":     doc.Title,
		"url":       doc.URL,
	})
}

func (s *HTTPServer) handleNode(w http.ResponseWriter, r *http.Request, session Session, nodeID string) {
	switch r.Method {
	case http.MethodGet:
		node, err := s.content.ReadSection(r.Context(), session.UserID, nodeID, queryBool(r, "history"))
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"node": node})
	case http.MethodPut:
		var body updateNodeRequest
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := body.Validate(); err != nil {
			writeError(w, http.StatusBadRequest, string(content.KindValidation), "Invalid request", validationDetails(err))
			return
		}
		edit, err := s.content.UpdateSection(r.Context(), session.UserID, strings.TrimSpace(body.DocumentID), nodeID, *body.Content)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"message": "Node updated successfully",
			"nodeId":  nodeID,
			"edit":    edit,
		})
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request, session Session, teamID string) {
	q := r.URL.Query()
	if q.Get("mode") == "ranked" && s.search != nil {
		resp, err := s.search.Search(r.Context(), session.UserID, search.Query{
			TeamID: teamID,
			Text:   q.Get("q"),
			Limit:  queryInt(r, "limit", 20),
			Offset: queryInt(r, "offset", 0),
		})
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}

	items, err := s.content.SearchByTeam(r.Context(), session.UserID, teamID, q.Get("q"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": items})
}

func (s *HTTPServer) handleDocument(w http.ResponseWriter, r *http.Request, session Session, documentID string, rest []string) {
	switch {
	case len(rest) == 0 && r.Method == http.MethodGet:
		doc, err := s.content.GetDocument(r.Context(), session.UserID, documentID, queryBool(r, "content"))
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"content": doc})
	case len(rest) == 0 && r.Method == http.MethodDelete:
		if err := s.content.DeleteDocument(r.Context(), session.UserID, documentID); err != nil {
			s.fail(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case len(rest) == 1 && rest[0] == "export" && r.Method == http.MethodGet:
		s.handleExport(w, r, session, documentID)
	case len(rest) == 1 && rest[0] == "source" && r.Method == http.MethodGet:
		s.handleSource(w, r, session, documentID)
	case len(rest) == 1 && rest[0] == "revisions" && r.Method == http.MethodGet:
		s.handleRevisions(w, r, session, documentID)
	case len(rest) == 2 && rest[0] == "revisions" && r.Method == http.MethodGet:
		s.handleRevision(w, r, session, documentID, rest[1])
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleExport(w http.ResponseWriter, r *http.Request, session Session, documentID string) {
	if s.export == nil {
		writeError(w, http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", "Export is not enabled", nil)
		return
	}
	format, err := export.ParseFormat(strings.ToLower(r.URL.Query().Get("format")))
	if err != nil {
		writeError(w, http.StatusBadRequest, string(content.KindValidation), "format must be one of html, markdown, pdf, docx", nil)
		return
	}

	result, err := s.export.Export(r.Context(), export.Request{
		DocumentID: documentID,
		UserID:     session.UserID,
		Format:     format,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}

	w.Header().Set("Content-Disposition", "attachment; filename=\""+result.Filename+"\"")
	w.Header().Set("Content-Type", result.MimeType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(result.Data)
}

func (s *HTTPServer) handleSource(w http.ResponseWriter, r *http.Request, session Session, documentID string) {
	if _, err := s.content.AuthorizeDocument(r.Context(), session.UserID, documentID, rbac.ActionRead); err != nil {
		s.fail(w, r, err)
		return
	}
	if s.archive == nil {
		s.fail(w, r, archive.ErrNotArchived)
		return
	}
	page, err := s.archive.Get(r.Context(), documentID)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	contentType := page.ContentType
	if contentType == "" {
		contentType = "text/html"
	}
	w.Header().Set("Content-Type", contentType)
	// Archived pages are third-party markup; never let them run as our origin.
	w.Header().Set("Content-Security-Policy", "sandbox")
	if page.SourceURL != "" {
		w.Header().Set("X-Source-URL", page.SourceURL)
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(page.Body)
}

func (s *HTTPServer) handleRevisions(w http.ResponseWriter, r *http.Request, session Session, documentID string) {
	if _, err := s.content.AuthorizeDocument(r.Context(), session.UserID, documentID, rbac.ActionRead); err != nil {
		s.fail(w, r, err)
		return
	}
	revisions := []mirror.Revision{}
	if s.revisions != nil {
		history, err := s.revisions.History(documentID, queryInt(r, "limit", defaultRevisionLimit))
		switch {
		case errors.Is(err, mirror.ErrNoRepository):
		case err != nil:
			s.fail(w, r, err)
			return
		default:
			revisions = history
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"revisions": revisions})
}

func (s *HTTPServer) handleRevision(w http.ResponseWriter, r *http.Request, session Session, documentID, hash string) {
	if _, err := s.content.AuthorizeDocument(r.Context(), session.UserID, documentID, rbac.ActionRead); err != nil {
		s.fail(w, r, err)
		return
	}
	if s.revisions == nil {
		writeError(w, http.StatusNotFound, string(content.KindNotFound), "Revision not found", nil)
		return
	}
	snap, err := s.revisions.SnapshotAt(documentID, hash)
	if err != nil {
		if errors.Is(err, mirror.ErrNoRepository) || errors.Is(err, mirror.ErrNoRevision) || errors.Is(err, mirror.ErrInvalidID) {
			writeError(w, http.StatusNotFound, string(content.KindNotFound), "Revision not found", nil)
			return
		}
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"revision": map[string]any{"hash": hash, "snapshot": snap}})
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "Unauthenticated", nil)
		return Session{}, false
	}
	session, err := s.sessionFromToken(token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "Unauthenticated", nil)
		return Session{}, false
	}
	return session, true
}

func (s *HTTPServer) sessionFromToken(token string) (Session, error) {
	if token == "" {
		return Session{}, auth.ErrInvalidToken
	}
	claims, err := auth.ParseToken(s.jwtSecret, token)
	if err != nil {
		return Session{}, err
	}
	return Session{UserID: claims.Subject, UserName: claims.Name}, nil
}

// fail writes the mapped error. Server-side failures are logged with their
// cause; the client only sees the stable code.
func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("request_id", requestIDFrom(r.Context())),
			zap.String("path", r.URL.Path),
			zap.String("code", code),
			zap.Error(err),
		)
	}
	writeError(w, status, code, message, details)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}
