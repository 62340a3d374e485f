package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"folio/api/internal/audit"
	"folio/api/internal/collab"
	"folio/api/internal/entity"
	"folio/api/internal/errs"
	"folio/api/internal/eventlog"
	"folio/api/internal/presence"
	"folio/api/internal/rbac"
	"folio/api/internal/schema"
	"folio/api/internal/store"
	"go.uber.org/zap"
)

// Session is the authenticated caller of one request.
type Session struct {
	UserID    string
	UserName  string
	TokenID   string
	ExpiresAt time.Time
}

type dataStore interface {
	entity.Backend
	rbac.MembershipReader
	Ping(ctx context.Context) error
}

// Announcer broadcasts a persisted mutation to connected collaborators.
type Announcer interface {
	Announce(ctx context.Context, documentID, userID string, kind collab.Kind, event any) error
}

type Archiver interface {
	Archive(ctx context.Context, documentID string, data []byte) (string, error)
}

type Revoker interface {
	RevokeAccessToken(ctx context.Context, tokenID, userID string, expiresAt time.Time) error
}

type Deps struct {
	Store     dataStore
	Entities  *entity.Service
	Authority *rbac.Authority
	Audit     *audit.Logger
	Events    *eventlog.Sink
	Presence  *presence.Registry
	Announcer Announcer
	Archiver  Archiver
	Revoker   Revoker
	Logger    *zap.Logger
}

type Service struct {
	store     dataStore
	entities  *entity.Service
	authority *rbac.Authority
	audit     *audit.Logger
	events    *eventlog.Sink
	presence  *presence.Registry
	announcer Announcer
	archiver  Archiver
	revoker   Revoker
	log       *zap.Logger
}

func New(deps Deps) *Service {
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		store:     deps.Store,
		entities:  deps.Entities,
		authority: deps.Authority,
		audit:     deps.Audit,
		events:    deps.Events,
		presence:  deps.Presence,
		announcer: deps.Announcer,
		archiver:  deps.Archiver,
		revoker:   deps.Revoker,
		log:       log,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// documentAccess loads the document and requires the caller to hold one of allowed on its workspace.
func (s *Service) documentAccess(ctx context.Context, session Session, documentID string, allowed []rbac.Role) (store.Document, rbac.Role, error) {
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return store.Document{}, "", err
	}
	role, err := s.authority.RequireRole(ctx, session.UserID, doc.WorkspaceID, allowed)
	if err != nil {
		return store.Document{}, "", err
	}
	return doc, role, nil
}

func (s *Service) versionAccess(ctx context.Context, session Session, versionID string, allowed []rbac.Role) (store.Document, error) {
	version, err := s.store.GetVersion(ctx, versionID)
	if err != nil {
		return store.Document{}, err
	}
	doc, _, err := s.documentAccess(ctx, session, version.DocumentID, allowed)
	return doc, err
}

// announce and record run after the mutation has committed. Neither can undo it.
func (s *Service) announce(ctx context.Context, documentID string, session Session, kind collab.Kind, event any) {
	if s.announcer == nil {
		return
	}
	if err := s.announcer.Announce(ctx, documentID, session.UserID, kind, event); err != nil {
		s.log.Warn("announce failed",
			zap.String("document_id", documentID),
			zap.String("event_type", kind.String()),
			zap.Error(err))
	}
}

func (s *Service) record(ctx context.Context, r *http.Request, doc store.Document, session Session, action, entityType, entityID string, metadata map[string]any) {
	s.audit.Record(ctx, audit.Entry{
		WorkspaceID: doc.WorkspaceID,
		UserID:      session.UserID,
		Action:      action,
		EntityType:  entityType,
		EntityID:    entityID,
		Metadata:    metadata,
		Request:     r,
	})
}

func (s *Service) ListVersionAnnotations(ctx context.Context, session Session, versionID string, page *int) ([]store.Annotation, error) {
	if _, err := s.versionAccess(ctx, session, versionID, rbac.Readers); err != nil {
		return nil, err
	}
	return s.entities.ListVersionAnnotations(ctx, versionID, page)
}

func (s *Service) CreateAnnotation(ctx context.Context, r *http.Request, session Session, versionID string, input schema.AnnotationInput) (store.Annotation, error) {
	doc, err := s.versionAccess(ctx, session, versionID, rbac.Editors)
	if err != nil {
		return store.Annotation{}, err
	}
	created, err := s.entities.CreateAnnotation(ctx, versionID, input, session.UserID)
	if err != nil {
		return store.Annotation{}, err
	}
	s.record(ctx, r, doc, session, audit.ActionAnnotationCreate, audit.EntityAnnotation, created.ID, nil)
	s.announce(ctx, doc.ID, session, collab.KindAnnotationCreated, created)
	return created, nil
}

func (s *Service) BulkCreateAnnotations(ctx context.Context, r *http.Request, session Session, versionID string, inputs []schema.AnnotationInput) ([]store.Annotation, error) {
	doc, err := s.versionAccess(ctx, session, versionID, rbac.Editors)
	if err != nil {
		return nil, err
	}
	created, err := s.entities.BulkCreateAnnotations(ctx, versionID, inputs, session.UserID)
	if err != nil {
		return nil, err
	}
	s.record(ctx, r, doc, session, audit.ActionAnnotationBulk, audit.EntityDocumentVersion, versionID, map[string]any{"count": len(created)})
	if len(created) > 0 {
		s.announce(ctx, doc.ID, session, collab.KindAnnotationsBulkCreated, map[string]any{"items": created})
	}
	return created, nil
}

func (s *Service) ListDocumentAnnotations(ctx context.Context, session Session, documentID string) ([]store.Annotation, error) {
	if _, _, err := s.documentAccess(ctx, session, documentID, rbac.Readers); err != nil {
		return nil, err
	}
	return s.entities.ListDocumentAnnotations(ctx, documentID)
}

// annotationAccess hides annotations of workspaces the caller cannot read behind NotFound.
func (s *Service) annotationAccess(ctx context.Context, session Session, annotationID string, allowed []rbac.Role) (store.Annotation, store.Document, error) {
	annotation, err := s.entities.LiveAnnotation(ctx, annotationID)
	if err != nil {
		return store.Annotation{}, store.Document{}, err
	}
	doc, _, err := s.documentAccess(ctx, session, annotation.DocumentID, rbac.Readers)
	if err != nil {
		return store.Annotation{}, store.Document{}, errs.ErrNotFound
	}
	if _, err := s.authority.RequireRole(ctx, session.UserID, doc.WorkspaceID, allowed); err != nil {
		return store.Annotation{}, store.Document{}, err
	}
	return annotation, doc, nil
}

func (s *Service) GetAnnotation(ctx context.Context, session Session, annotationID string) (store.Annotation, error) {
	annotation, _, err := s.annotationAccess(ctx, session, annotationID, rbac.Readers)
	return annotation, err
}

func (s *Service) UpdateAnnotation(ctx context.Context, r *http.Request, session Session, annotationID string, input schema.AnnotationPatchInput) (store.Annotation, error) {
	current, doc, err := s.annotationAccess(ctx, session, annotationID, rbac.Editors)
	if err != nil {
		return store.Annotation{}, err
	}
	if input.RevisionNumber == nil {
		return store.Annotation{}, revisionRequired(current.Revision)
	}
	updated, err := s.entities.UpdateAnnotation(ctx, annotationID, input, session.UserID)
	if err != nil {
		return store.Annotation{}, err
	}
	s.record(ctx, r, doc, session, audit.ActionAnnotationUpdate, audit.EntityAnnotation, updated.ID, nil)
	s.announce(ctx, doc.ID, session, collab.KindAnnotationUpdated, updated)
	return updated, nil
}

func (s *Service) DeleteAnnotation(ctx context.Context, r *http.Request, session Session, annotationID string) error {
	_, doc, err := s.annotationAccess(ctx, session, annotationID, rbac.Editors)
	if err != nil {
		return err
	}
	deleted, err := s.entities.DeleteAnnotation(ctx, annotationID, session.UserID)
	if err != nil {
		return err
	}
	s.record(ctx, r, doc, session, audit.ActionAnnotationDelete, audit.EntityAnnotation, deleted.ID, nil)
	s.announce(ctx, doc.ID, session, collab.KindAnnotationDeleted, deleted)
	return nil
}

func (s *Service) AnnotationRevisions(ctx context.Context, session Session, annotationID string) ([]store.AnnotationRevision, error) {
	if _, _, err := s.annotationAccess(ctx, session, annotationID, rbac.Readers); err != nil {
		return nil, err
	}
	return s.entities.AnnotationHistory(ctx, annotationID)
}

func (s *Service) ListComments(ctx context.Context, session Session, documentID string) ([]store.Comment, error) {
	if _, _, err := s.documentAccess(ctx, session, documentID, rbac.Readers); err != nil {
		return nil, err
	}
	return s.entities.ListComments(ctx, documentID)
}

func (s *Service) CreateComment(ctx context.Context, r *http.Request, session Session, documentID string, input schema.CommentInput) (store.Comment, error) {
	doc, _, err := s.documentAccess(ctx, session, documentID, rbac.Commenters)
	if err != nil {
		return store.Comment{}, err
	}
	created, err := s.entities.CreateComment(ctx, documentID, input, session.UserID)
	if err != nil {
		return store.Comment{}, err
	}
	kind := collab.KindCommentCreated
	if created.ParentID != nil {
		kind = collab.KindCommentReplied
	}
	s.record(ctx, r, doc, session, audit.ActionCommentCreate, audit.EntityComment, created.ID, nil)
	s.announce(ctx, doc.ID, session, kind, created)
	return created, nil
}

func (s *Service) BulkCreateComments(ctx context.Context, r *http.Request, session Session, documentID string, inputs []schema.CommentInput) ([]store.Comment, error) {
	doc, _, err := s.documentAccess(ctx, session, documentID, rbac.Commenters)
	if err != nil {
		return nil, err
	}
	created, err := s.entities.BulkCreateComments(ctx, documentID, inputs, session.UserID)
	if err != nil {
		return nil, err
	}
	s.record(ctx, r, doc, session, audit.ActionCommentBulk, audit.EntityDocument, documentID, map[string]any{"count": len(created)})
	if len(created) > 0 {
		s.announce(ctx, doc.ID, session, collab.KindCommentsBulkCreated, map[string]any{"items": created})
	}
	return created, nil
}

func (s *Service) commentAccess(ctx context.Context, session Session, commentID string, allowed []rbac.Role) (store.Comment, store.Document, error) {
	comment, err := s.entities.LiveComment(ctx, commentID)
	if err != nil {
		return store.Comment{}, store.Document{}, err
	}
	doc, _, err := s.documentAccess(ctx, session, comment.DocumentID, rbac.Readers)
	if err != nil {
		return store.Comment{}, store.Document{}, errs.ErrNotFound
	}
	if _, err := s.authority.RequireRole(ctx, session.UserID, doc.WorkspaceID, allowed); err != nil {
		return store.Comment{}, store.Document{}, err
	}
	return comment, doc, nil
}

func (s *Service) GetComment(ctx context.Context, session Session, commentID string) (store.Comment, error) {
	comment, _, err := s.commentAccess(ctx, session, commentID, rbac.Readers)
	return comment, err
}

func (s *Service) UpdateComment(ctx context.Context, r *http.Request, session Session, commentID string, input schema.CommentPatchInput) (store.Comment, error) {
	current, doc, err := s.commentAccess(ctx, session, commentID, rbac.Commenters)
	if err != nil {
		return store.Comment{}, err
	}
	if input.RevisionNumber == nil {
		return store.Comment{}, revisionRequired(current.Revision)
	}
	updated, err := s.entities.UpdateComment(ctx, commentID, input, session.UserID)
	if err != nil {
		return store.Comment{}, err
	}
	s.record(ctx, r, doc, session, audit.ActionCommentUpdate, audit.EntityComment, updated.ID, nil)
	s.announce(ctx, doc.ID, session, collab.KindCommentUpdated, updated)
	return updated, nil
}

func (s *Service) DeleteComment(ctx context.Context, r *http.Request, session Session, commentID string) error {
	_, doc, err := s.commentAccess(ctx, session, commentID, rbac.Commenters)
	if err != nil {
		return err
	}
	deleted, err := s.entities.DeleteComment(ctx, commentID, session.UserID)
	if err != nil {
		return err
	}
	s.record(ctx, r, doc, session, audit.ActionCommentDelete, audit.EntityComment, deleted.ID, nil)
	s.announce(ctx, doc.ID, session, collab.KindCommentDeleted, deleted)
	return nil
}

func (s *Service) CommentRevisions(ctx context.Context, session Session, commentID string) ([]store.CommentRevision, error) {
	if _, _, err := s.commentAccess(ctx, session, commentID, rbac.Readers); err != nil {
		return nil, err
	}
	return s.entities.CommentHistory(ctx, commentID)
}

// EventList is the response of the event log read endpoint.
type EventList struct {
	Events []store.CollabEvent `json:"events"`
	Role   rbac.Role           `json:"role"`
}

func (s *Service) ListEvents(ctx context.Context, session Session, documentID string, since *time.Time) (EventList, error) {
	_, role, err := s.documentAccess(ctx, session, documentID, rbac.Readers)
	if err != nil {
		return EventList{}, err
	}
	events, err := s.events.List(ctx, documentID, since)
	if err != nil {
		return EventList{}, err
	}
	return EventList{Events: events, Role: role}, nil
}

// EventExport is the serialized export plus the archive key when one was written.
type EventExport struct {
	DocumentID string
	Body       []byte
	ArchiveKey string
}

// ExportEvents renders the export document and, when object storage is
// configured, archives the same bytes. Archive failures are logged only.
func (s *Service) ExportEvents(ctx context.Context, session Session, documentID string, since *time.Time) (EventExport, error) {
	doc, _, err := s.documentAccess(ctx, session, documentID, rbac.Managers)
	if err != nil {
		return EventExport{}, err
	}
	events, err := s.events.Export(ctx, documentID, since)
	if err != nil {
		return EventExport{}, err
	}
	body, err := json.Marshal(map[string]any{
		"document_id": doc.ID,
		"count":       len(events),
		"events":      events,
	})
	if err != nil {
		return EventExport{}, fmt.Errorf("encode export: %w", err)
	}
	export := EventExport{DocumentID: doc.ID, Body: body}
	if s.archiver != nil {
		key, err := s.archiver.Archive(ctx, doc.ID, body)
		if err != nil {
			s.log.Warn("event archive failed", zap.String("document_id", doc.ID), zap.Error(err))
		} else {
			export.ArchiveKey = key
		}
	}
	return export, nil
}

func (s *Service) ListPresence(ctx context.Context, session Session, documentID string) ([]store.PresenceUser, error) {
	if _, _, err := s.documentAccess(ctx, session, documentID, rbac.Readers); err != nil {
		return nil, err
	}
	return s.presence.ListUsers(ctx, documentID)
}

// Revoke invalidates the caller's current access token. It is a no-op
// without a revocation store.
func (s *Service) Revoke(ctx context.Context, session Session) (bool, error) {
	if s.revoker == nil || session.TokenID == "" {
		return false, nil
	}
	if err := s.revoker.RevokeAccessToken(ctx, session.TokenID, session.UserID, session.ExpiresAt); err != nil {
		return false, fmt.Errorf("%w: %v", errs.ErrTransport, err)
	}
	return true, nil
}
