package app

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"folio/api/internal/auth"
	"folio/api/internal/collab"
	"folio/api/internal/schema"
	"go.uber.org/zap"
)

// Sockets admits and serves collaboration websocket connections.
type Sockets interface {
	Admit(ctx context.Context, userID, documentID string) (collab.Admission, error)
	Serve(w http.ResponseWriter, r *http.Request, admission collab.Admission)
}

type HTTPServer struct {
	service    *Service
	resolver   *auth.Resolver
	sockets    Sockets
	corsOrigin string
	log        *zap.Logger
}

func NewHTTPServer(service *Service, resolver *auth.Resolver, sockets Sockets, corsOrigin string, log *zap.Logger) *HTTPServer {
	if log == nil {
		log = zap.NewNop()
	}
	return &HTTPServer{
		service:    service,
		resolver:   resolver,
		sockets:    sockets,
		corsOrigin: corsOrigin,
		log:        log,
	}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"database": map[string]any{"status": "ok"},
		}

		if err := s.service.Ping(ctx); err != nil {
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
		return
	}

	parts := splitPath(r.URL.Path)

	// Websocket clients cannot send headers, so the token may arrive as a query parameter.
	if documentID, ok := socketDocument(parts); ok {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		s.handleSocket(w, r, documentID)
		return
	}

	session, ok := s.requireSession(w, r)
	if !ok {
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/revoke" {
		revoked, err := s.service.Revoke(r.Context(), session)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "revoked": revoked})
		return
	}

	if len(parts) < 3 || parts[0] != "api" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
		return
	}

	switch parts[1] {
	case "versions":
		s.handleVersions(w, r, session, parts[2], parts)
	case "documents":
		s.handleDocuments(w, r, session, parts[2], parts)
	case "annotations":
		s.handleAnnotation(w, r, session, parts[2], parts)
	case "comments":
		s.handleComment(w, r, session, parts[2], parts)
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
	}
}

func socketDocument(parts []string) (string, bool) {
	if len(parts) == 3 && parts[0] == "ws" && parts[1] == "documents" {
		return parts[2], true
	}
	if len(parts) == 4 && parts[0] == "api" && parts[1] == "ws" && parts[2] == "documents" {
		return parts[3], true
	}
	return "", false
}

func (s *HTTPServer) handleSocket(w http.ResponseWriter, r *http.Request, documentID string) {
	principal, err := s.resolver.Resolve(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return
	}
	admission, err := s.sockets.Admit(r.Context(), principal.UserID, documentID)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.sockets.Serve(w, r, admission)
}

func (s *HTTPServer) handleVersions(w http.ResponseWriter, r *http.Request, session Session, versionID string, parts []string) {
	if len(parts) == 4 && parts[3] == "annotations" && r.Method == http.MethodGet {
		page, err := pageParam(r)
		if err != nil {
			s.fail(w, err)
			return
		}
		items, err := s.service.ListVersionAnnotations(r.Context(), session, versionID, page)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, items)
		return
	}

	if len(parts) == 4 && parts[3] == "annotations" && r.Method == http.MethodPost {
		var body schema.AnnotationInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		created, err := s.service.CreateAnnotation(r.Context(), r, session, versionID, body)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, created)
		return
	}

	if len(parts) == 5 && parts[3] == "annotations" && parts[4] == "bulk" && r.Method == http.MethodPost {
		var body struct {
			Items []schema.AnnotationInput `json:"items"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		created, err := s.service.BulkCreateAnnotations(r.Context(), r, session, versionID, body.Items)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"items": created})
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
}

func (s *HTTPServer) handleDocuments(w http.ResponseWriter, r *http.Request, session Session, documentID string, parts []string) {
	if len(parts) == 4 && parts[3] == "annotations" && r.Method == http.MethodGet {
		items, err := s.service.ListDocumentAnnotations(r.Context(), session, documentID)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, items)
		return
	}

	if len(parts) == 4 && parts[3] == "comments" && r.Method == http.MethodGet {
		items, err := s.service.ListComments(r.Context(), session, documentID)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, items)
		return
	}

	if len(parts) == 4 && parts[3] == "comments" && r.Method == http.MethodPost {
		var body schema.CommentInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		created, err := s.service.CreateComment(r.Context(), r, session, documentID, body)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, created)
		return
	}

	if len(parts) == 5 && parts[3] == "comments" && parts[4] == "bulk" && r.Method == http.MethodPost {
		var body struct {
			Items []schema.CommentInput `json:"items"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		created, err := s.service.BulkCreateComments(r.Context(), r, session, documentID, body.Items)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"items": created})
		return
	}

	if len(parts) == 4 && parts[3] == "events" && r.Method == http.MethodGet {
		payload, err := s.service.ListEvents(r.Context(), session, documentID, sinceParam(r))
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if len(parts) == 5 && parts[3] == "events" && parts[4] == "export" && r.Method == http.MethodGet {
		export, err := s.service.ExportEvents(r.Context(), session, documentID, sinceParam(r))
		if err != nil {
			s.fail(w, err)
			return
		}
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=\"document-%s-collaboration-events.json\"", export.DocumentID))
		if export.ArchiveKey != "" {
			w.Header().Set("X-Archive-Key", export.ArchiveKey)
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(export.Body)
		return
	}

	if len(parts) == 4 && parts[3] == "presence" && r.Method == http.MethodGet {
		users, err := s.service.ListPresence(r.Context(), session, documentID)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"users": users})
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
}

func (s *HTTPServer) handleAnnotation(w http.ResponseWriter, r *http.Request, session Session, annotationID string, parts []string) {
	if len(parts) == 4 && parts[3] == "revisions" && r.Method == http.MethodGet {
		revisions, err := s.service.AnnotationRevisions(r.Context(), session, annotationID)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, revisions)
		return
	}
	if len(parts) != 3 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
		return
	}

	switch r.Method {
	case http.MethodGet:
		annotation, err := s.service.GetAnnotation(r.Context(), session, annotationID)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, annotation)
	case http.MethodPatch, http.MethodPut:
		var body schema.AnnotationPatchInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		updated, err := s.service.UpdateAnnotation(r.Context(), r, session, annotationID, body)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, updated)
	case http.MethodDelete:
		if err := s.service.DeleteAnnotation(r.Context(), r, session, annotationID); err != nil {
			s.fail(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	}
}

func (s *HTTPServer) handleComment(w http.ResponseWriter, r *http.Request, session Session, commentID string, parts []string) {
	if len(parts) == 4 && parts[3] == "revisions" && r.Method == http.MethodGet {
		revisions, err := s.service.CommentRevisions(r.Context(), session, commentID)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, revisions)
		return
	}
	if len(parts) != 3 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
		return
	}

	switch r.Method {
	case http.MethodGet:
		comment, err := s.service.GetComment(r.Context(), session, commentID)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, comment)
	case http.MethodPatch, http.MethodPut:
		var body schema.CommentPatchInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		updated, err := s.service.UpdateComment(r.Context(), r, session, commentID, body)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, updated)
	case http.MethodDelete:
		if err := s.service.DeleteComment(r.Context(), r, session, commentID); err != nil {
			s.fail(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	}
}

func (s *HTTPServer) fail(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed", zap.Int("status", status), zap.Error(err))
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Session{}, false
	}
	principal, err := s.resolver.ResolveToken(r.Context(), token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrRevokedToken) {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return Session{}, false
		}
		s.log.Error("session lookup failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Session lookup failed", nil)
		return Session{}, false
	}
	return Session{
		UserID:    principal.UserID,
		UserName:  principal.Name,
		TokenID:   principal.TokenID,
		ExpiresAt: principal.ExpiresAt,
	}, true
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		s.log.Info("request",
			zap.String("request_id", requestID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", writer.status),
			zap.Int64("duration_ms", time.Since(started).Milliseconds()),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack lets the websocket upgrader take over the connection through the recorder.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hijacker.Hijack()
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PATCH,PUT,DELETE,OPTIONS")
	header.Set("Access-Control-Expose-Headers", "Content-Disposition, X-Archive-Key, X-Request-ID")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
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
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, http.ErrBodyReadAfterClose) {
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

// sinceLayouts are tried in order. Timestamps without an offset are UTC.
var sinceLayouts = []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999999", "2006-01-02 15:04:05.999999999"}

// sinceParam ignores values that match none of sinceLayouts.
func sinceParam(r *http.Request) *time.Time {
	raw := strings.TrimSpace(r.URL.Query().Get("since"))
	if raw == "" {
		return nil
	}
	for _, layout := range sinceLayouts {
		if parsed, err := time.Parse(layout, raw); err == nil {
			return &parsed
		}
	}
	return nil
}

func pageParam(r *http.Request) (*int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("page"))
	if raw == "" {
		return nil, nil
	}
	page, err := strconv.Atoi(raw)
	if err != nil || page < 1 {
		return nil, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "page must be a positive integer", map[string]any{"field": "page"})
	}
	return &page, nil
}
