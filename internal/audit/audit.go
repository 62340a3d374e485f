// Package audit records one entry per successful REST mutation.
package audit

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"

	"folio/api/internal/store"
	"go.uber.org/zap"
)

const (
	ActionAnnotationCreate = "annotation.create"
	ActionAnnotationUpdate = "annotation.update"
	ActionAnnotationDelete = "annotation.delete"
	ActionAnnotationBulk   = "annotation.bulk"
	ActionCommentCreate    = "comment.create"
	ActionCommentUpdate    = "comment.update"
	ActionCommentDelete    = "comment.delete"
	ActionCommentBulk      = "comment.bulk"
)

const (
	EntityAnnotation      = "Annotation"
	EntityComment         = "Comment"
	EntityDocumentVersion = "DocumentVersion"
	EntityDocument        = "Document"
)

type Backend interface {
	InsertAudit(ctx context.Context, entry store.AuditEntry) error
}

// Entry is what a caller knows about a mutation. Request is optional and
// supplies the client address and user agent.
type Entry struct {
	WorkspaceID string
	UserID      string
	Action      string
	EntityType  string
	EntityID    string
	Metadata    map[string]any
	Request     *http.Request
}

type Logger struct {
	backend Backend
	log     *zap.Logger
}

func NewLogger(backend Backend, log *zap.Logger) *Logger {
	if log == nil {
		log = zap.NewNop()
	}
	return &Logger{backend: backend, log: log}
}

// Record writes entry. Failures are logged, never returned.
func (l *Logger) Record(ctx context.Context, entry Entry) {
	row := store.AuditEntry{
		WorkspaceID: entry.WorkspaceID,
		Action:      entry.Action,
		EntityType:  entry.EntityType,
		EntityID:    entry.EntityID,
	}
	if entry.UserID != "" {
		row.UserID = &entry.UserID
	}
	if entry.Metadata != nil {
		if raw, err := json.Marshal(entry.Metadata); err == nil {
			row.Metadata = raw
		}
	}
	if entry.Request != nil {
		row.IP = clientIP(entry.Request)
		row.UserAgent = entry.Request.UserAgent()
	}
	if err := l.backend.InsertAudit(ctx, row); err != nil {
		l.log.Warn("audit write failed",
			zap.String("action", entry.Action),
			zap.String("entity_id", entry.EntityID),
			zap.Error(err))
	}
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
