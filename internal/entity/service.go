// Package entity is the revisioned mutation contract for annotations and
// comments. It validates input, checks cross-entity references and delegates
// the atomic read-check-write to a Backend.
package entity

import (
	"context"
	"errors"
	"fmt"

	"folio/api/internal/errs"
	"folio/api/internal/schema"
	"folio/api/internal/store"
)

// Backend is implemented by store.PostgresStore and memstore.Store.
// UpdateX must compare expected against the revision count and append the
// next revision in one atomic step; InsertX must be all-or-nothing.
type Backend interface {
	GetDocument(ctx context.Context, documentID string) (store.Document, error)
	GetVersion(ctx context.Context, versionID string) (store.DocumentVersion, error)

	InsertAnnotations(ctx context.Context, items []store.Annotation) ([]store.Annotation, error)
	UpdateAnnotation(ctx context.Context, annotationID string, expected int, patch store.AnnotationPatch, actor string) (store.Annotation, error)
	DeleteAnnotation(ctx context.Context, annotationID, actor string) (store.Annotation, error)
	GetAnnotation(ctx context.Context, annotationID string) (store.Annotation, error)
	ListAnnotations(ctx context.Context, filter store.AnnotationFilter) ([]store.Annotation, error)
	ListAnnotationRevisions(ctx context.Context, annotationID string) ([]store.AnnotationRevision, error)

	InsertComments(ctx context.Context, items []store.Comment) ([]store.Comment, error)
	UpdateComment(ctx context.Context, commentID string, expected int, patch store.CommentPatch, actor string) (store.Comment, error)
	DeleteComment(ctx context.Context, commentID, actor string) (store.Comment, error)
	GetComment(ctx context.Context, commentID string) (store.Comment, error)
	ListComments(ctx context.Context, documentID string) ([]store.Comment, error)
	ListCommentRevisions(ctx context.Context, commentID string) ([]store.CommentRevision, error)
}

type Service struct {
	backend Backend
}

func NewService(backend Backend) *Service {
	return &Service{backend: backend}
}

// CreateAnnotation stores a new annotation on versionID with revision 1.
func (s *Service) CreateAnnotation(ctx context.Context, versionID string, input schema.AnnotationInput, actor string) (store.Annotation, error) {
	created, err := s.BulkCreateAnnotations(ctx, versionID, []schema.AnnotationInput{input}, actor)
	if err != nil {
		return store.Annotation{}, err
	}
	return created[0], nil
}

// BulkCreateAnnotations validates every item before writing any of them.
func (s *Service) BulkCreateAnnotations(ctx context.Context, versionID string, inputs []schema.AnnotationInput, actor string) ([]store.Annotation, error) {
	version, err := s.backend.GetVersion(ctx, versionID)
	if err != nil {
		return nil, err
	}
	if len(inputs) == 0 {
		return []store.Annotation{}, nil
	}

	items := make([]store.Annotation, 0, len(inputs))
	for i, input := range inputs {
		if err := schema.ValidateAnnotation(input); err != nil {
			return nil, itemError(len(inputs), i, err)
		}
		items = append(items, store.Annotation{
			DocumentID: version.DocumentID,
			VersionID:  version.ID,
			PageNumber: *input.PageNumber,
			Type:       input.Type,
			Payload:    input.Payload,
			CreatedBy:  actor,
		})
	}
	return s.backend.InsertAnnotations(ctx, items)
}

// UpdateAnnotation requires the caller's expected revision to equal the
// current revision count. A nil expected revision is a validation error.
func (s *Service) UpdateAnnotation(ctx context.Context, annotationID string, input schema.AnnotationPatchInput, actor string) (store.Annotation, error) {
	if input.RevisionNumber == nil {
		if _, err := s.LiveAnnotation(ctx, annotationID); err != nil {
			return store.Annotation{}, err
		}
		return store.Annotation{}, errs.Invalid("revision_number", "revision_number is required")
	}
	if err := schema.ValidateAnnotationPatch(input); err != nil {
		return store.Annotation{}, err
	}
	patch := store.AnnotationPatch{PageNumber: input.PageNumber, Type: input.Type, Payload: input.Payload}
	return s.backend.UpdateAnnotation(ctx, annotationID, *input.RevisionNumber, patch, actor)
}

// DeleteAnnotation is terminal. It does not append a revision.
func (s *Service) DeleteAnnotation(ctx context.Context, annotationID, actor string) (store.Annotation, error) {
	return s.backend.DeleteAnnotation(ctx, annotationID, actor)
}

// LiveAnnotation returns the annotation or errs.ErrNotFound when it is missing or soft-deleted.
func (s *Service) LiveAnnotation(ctx context.Context, annotationID string) (store.Annotation, error) {
	annotation, err := s.backend.GetAnnotation(ctx, annotationID)
	if err != nil {
		return store.Annotation{}, err
	}
	if annotation.IsDeleted {
		return store.Annotation{}, errs.ErrNotFound
	}
	return annotation, nil
}

func (s *Service) ListDocumentAnnotations(ctx context.Context, documentID string) ([]store.Annotation, error) {
	return s.backend.ListAnnotations(ctx, store.AnnotationFilter{DocumentID: documentID})
}

func (s *Service) ListVersionAnnotations(ctx context.Context, versionID string, page *int) ([]store.Annotation, error) {
	return s.backend.ListAnnotations(ctx, store.AnnotationFilter{VersionID: versionID, PageNumber: page})
}

func (s *Service) AnnotationHistory(ctx context.Context, annotationID string) ([]store.AnnotationRevision, error) {
	return s.backend.ListAnnotationRevisions(ctx, annotationID)
}

func (s *Service) CreateComment(ctx context.Context, documentID string, input schema.CommentInput, actor string) (store.Comment, error) {
	created, err := s.BulkCreateComments(ctx, documentID, []schema.CommentInput{input}, actor)
	if err != nil {
		return store.Comment{}, err
	}
	return created[0], nil
}

// BulkCreateComments validates bodies and references for every item first.
func (s *Service) BulkCreateComments(ctx context.Context, documentID string, inputs []schema.CommentInput, actor string) ([]store.Comment, error) {
	if len(inputs) == 0 {
		return []store.Comment{}, nil
	}
	items := make([]store.Comment, 0, len(inputs))
	for i, input := range inputs {
		if err := s.checkComment(ctx, documentID, input); err != nil {
			return nil, itemError(len(inputs), i, err)
		}
		items = append(items, store.Comment{
			DocumentID:   documentID,
			AnnotationID: nonEmpty(input.AnnotationID),
			ParentID:     nonEmpty(input.ParentID),
			Body:         input.Body,
			CreatedBy:    actor,
		})
	}
	return s.backend.InsertComments(ctx, items)
}

func (s *Service) UpdateComment(ctx context.Context, commentID string, input schema.CommentPatchInput, actor string) (store.Comment, error) {
	if input.RevisionNumber == nil {
		if _, err := s.LiveComment(ctx, commentID); err != nil {
			return store.Comment{}, err
		}
		return store.Comment{}, errs.Invalid("revision_number", "revision_number is required")
	}
	if err := schema.ValidateCommentPatch(input); err != nil {
		return store.Comment{}, err
	}
	return s.backend.UpdateComment(ctx, commentID, *input.RevisionNumber, store.CommentPatch{Body: input.Body}, actor)
}

func (s *Service) DeleteComment(ctx context.Context, commentID, actor string) (store.Comment, error) {
	return s.backend.DeleteComment(ctx, commentID, actor)
}

func (s *Service) LiveComment(ctx context.Context, commentID string) (store.Comment, error) {
	comment, err := s.backend.GetComment(ctx, commentID)
	if err != nil {
		return store.Comment{}, err
	}
	if comment.IsDeleted {
		return store.Comment{}, errs.ErrNotFound
	}
	return comment, nil
}

func (s *Service) ListComments(ctx context.Context, documentID string) ([]store.Comment, error) {
	return s.backend.ListComments(ctx, documentID)
}

func (s *Service) CommentHistory(ctx context.Context, commentID string) ([]store.CommentRevision, error) {
	return s.backend.ListCommentRevisions(ctx, commentID)
}

// checkComment enforces the body rule, same-document anchors and one level of threading.
func (s *Service) checkComment(ctx context.Context, documentID string, input schema.CommentInput) error {
	if err := schema.ValidateComment(input); err != nil {
		return err
	}
	if id := nonEmpty(input.AnnotationID); id != nil {
		annotation, err := s.LiveAnnotation(ctx, *id)
		if err != nil {
			return referenceError("annotation", err)
		}
		if annotation.DocumentID != documentID {
			return errs.Invalid("annotation", "annotation belongs to another document")
		}
	}
	if id := nonEmpty(input.ParentID); id != nil {
		parent, err := s.LiveComment(ctx, *id)
		if err != nil {
			return referenceError("parent", err)
		}
		if parent.DocumentID != documentID {
			return errs.Invalid("parent", "parent comment belongs to another document")
		}
		if parent.ParentID != nil {
			return errs.Invalid("parent", "replies cannot be nested")
		}
	}
	return nil
}

func referenceError(field string, err error) error {
	if errors.Is(err, errs.ErrNotFound) {
		return errs.Invalid(field, fmt.Sprintf("%s does not exist", field))
	}
	return err
}

func itemError(total, index int, err error) error {
	if total == 1 {
		return err
	}
	var verr *errs.ValidationError
	if errors.As(err, &verr) {
		field := fmt.Sprintf("items[%d]", index)
		if verr.Field != "" {
			field += "." + verr.Field
		}
		return &errs.ValidationError{Field: field, Detail: verr.Detail}
	}
	return fmt.Errorf("items[%d]: %w", index, err)
}

func nonEmpty(value *string) *string {
	if value == nil || *value == "" {
		return nil
	}
	return value
}
