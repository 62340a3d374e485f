package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"folio/api/internal/errs"
	"github.com/jackc/pgx/v5"
)

const annotationColumns = `a.id, a.document_id, a.version_id, a.page_number, a.type, a.payload, COALESCE(a.created_by, ''), a.created_at, a.updated_at, a.is_deleted`

const revisionCountAnnotation = `(SELECT COUNT(*) FROM annotation_revisions r WHERE r.annotation_id = a.id)`

func scanAnnotation(row pgx.Row, withRevision bool) (Annotation, error) {
	var a Annotation
	dest := []any{&a.ID, &a.DocumentID, &a.VersionID, &a.PageNumber, &a.Type, &a.Payload, &a.CreatedBy, &a.CreatedAt, &a.UpdatedAt, &a.IsDeleted}
	if withRevision {
		dest = append(dest, &a.Revision)
	}
	if err := row.Scan(dest...); err != nil {
		return Annotation{}, err
	}
	return a, nil
}

// InsertAnnotations creates every item together with its revision 1 row in a
// single transaction. Nothing is written if any insert fails.
func (s *PostgresStore) InsertAnnotations(ctx context.Context, items []Annotation) ([]Annotation, error) {
	created := make([]Annotation, 0, len(items))
	err := s.db.inTx(ctx, func(tx pgx.Tx) error {
		for i, item := range items {
			now := s.now()
			item.ID = s.newID("ann")
			item.CreatedAt = now
			item.UpdatedAt = now
			item.IsDeleted = false
			if _, err := tx.Exec(ctx, `
				INSERT INTO annotations (id, document_id, version_id, page_number, type, payload, created_by, created_at, updated_at, is_deleted)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, FALSE)
			`, item.ID, item.DocumentID, item.VersionID, item.PageNumber, item.Type, item.Payload, nullable(item.CreatedBy), now, now); err != nil {
				return fmt.Errorf("insert annotation[%d]: %w", i, err)
			}
			if err := insertAnnotationRevision(ctx, tx, s.newID("anr"), item, 1, item.CreatedBy, now); err != nil {
				return fmt.Errorf("insert annotation[%d]: %w", i, err)
			}
			item.Revision = 1
			created = append(created, item)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// UpdateAnnotation applies patch only if expected equals the annotation's
// revision count. The entity row is locked for the whole read-check-write.
func (s *PostgresStore) UpdateAnnotation(ctx context.Context, annotationID string, expected int, patch AnnotationPatch, actor string) (Annotation, error) {
	var updated Annotation
	err := s.db.inTx(ctx, func(tx pgx.Tx) error {
		current, err := lockAnnotation(ctx, tx, annotationID)
		if err != nil {
			return err
		}
		if current.Revision != expected {
			return &errs.ConflictError{CurrentRevision: current.Revision, Current: current}
		}

		next := current
		patch.Apply(&next)
		next.UpdatedAt = s.now()
		if _, err := tx.Exec(ctx, `UPDATE annotations SET page_number=$2, type=$3, payload=$4, updated_at=$5 WHERE id=$1`,
			next.ID, next.PageNumber, next.Type, next.Payload, next.UpdatedAt); err != nil {
			return fmt.Errorf("update annotation: %w", err)
		}
		if err := insertAnnotationRevision(ctx, tx, s.newID("anr"), next, current.Revision+1, actor, next.UpdatedAt); err != nil {
			if isUniqueViolation(err) {
				return &errs.ConflictError{CurrentRevision: current.Revision + 1, Current: current}
			}
			return err
		}
		next.Revision = current.Revision + 1
		updated = next
		return nil
	})
	if err != nil {
		return Annotation{}, err
	}
	return updated, nil
}

// DeleteAnnotation soft-deletes without writing a revision. It takes the same
// row lock as UpdateAnnotation so the two serialize.
func (s *PostgresStore) DeleteAnnotation(ctx context.Context, annotationID, actor string) (Annotation, error) {
	var deleted Annotation
	err := s.db.inTx(ctx, func(tx pgx.Tx) error {
		current, err := lockAnnotation(ctx, tx, annotationID)
		if err != nil {
			return err
		}
		current.IsDeleted = true
		current.UpdatedAt = s.now()
		if _, err := tx.Exec(ctx, `UPDATE annotations SET is_deleted=TRUE, updated_at=$2 WHERE id=$1`, current.ID, current.UpdatedAt); err != nil {
			return fmt.Errorf("delete annotation: %w", err)
		}
		deleted = current
		return nil
	})
	if err != nil {
		return Annotation{}, err
	}
	return deleted, nil
}

// GetAnnotation returns soft-deleted rows too; callers decide visibility.
func (s *PostgresStore) GetAnnotation(ctx context.Context, annotationID string) (Annotation, error) {
	row := s.db.Pool.QueryRow(ctx, `SELECT `+annotationColumns+`, `+revisionCountAnnotation+` FROM annotations a WHERE a.id=$1`, annotationID)
	annotation, err := scanAnnotation(row, true)
	if err != nil {
		return Annotation{}, notFound(err, "read annotation")
	}
	return annotation, nil
}

func (s *PostgresStore) ListAnnotations(ctx context.Context, filter AnnotationFilter) ([]Annotation, error) {
	where := []string{"NOT a.is_deleted"}
	var args []any
	if filter.DocumentID != "" {
		args = append(args, filter.DocumentID)
		where = append(where, fmt.Sprintf("a.document_id=$%d", len(args)))
	}
	if filter.VersionID != "" {
		args = append(args, filter.VersionID)
		where = append(where, fmt.Sprintf("a.version_id=$%d", len(args)))
	}
	if filter.PageNumber != nil {
		args = append(args, *filter.PageNumber)
		where = append(where, fmt.Sprintf("a.page_number=$%d", len(args)))
	}

	query := `SELECT ` + annotationColumns + `, ` + revisionCountAnnotation + ` FROM annotations a WHERE ` +
		strings.Join(where, " AND ") + ` ORDER BY a.page_number, a.created_at`
	rows, err := s.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list annotations: %w", err)
	}
	defer rows.Close()

	items := []Annotation{}
	for rows.Next() {
		annotation, err := scanAnnotation(rows, true)
		if err != nil {
			return nil, fmt.Errorf("scan annotation: %w", err)
		}
		items = append(items, annotation)
	}
	return items, rows.Err()
}

func (s *PostgresStore) ListAnnotationRevisions(ctx context.Context, annotationID string) ([]AnnotationRevision, error) {
	rows, err := s.db.Pool.Query(ctx, `
		SELECT id, annotation_id, revision_number, payload, COALESCE(changed_by, ''), changed_at
		FROM annotation_revisions WHERE annotation_id=$1 ORDER BY revision_number
	`, annotationID)
	if err != nil {
		return nil, fmt.Errorf("list annotation revisions: %w", err)
	}
	defer rows.Close()

	revisions := []AnnotationRevision{}
	for rows.Next() {
		var rev AnnotationRevision
		if err := rows.Scan(&rev.ID, &rev.AnnotationID, &rev.RevisionNumber, &rev.Payload, &rev.ChangedBy, &rev.ChangedAt); err != nil {
			return nil, fmt.Errorf("scan annotation revision: %w", err)
		}
		revisions = append(revisions, rev)
	}
	return revisions, rows.Err()
}

// lockAnnotation loads a live annotation under FOR UPDATE and counts its revisions.
func lockAnnotation(ctx context.Context, tx pgx.Tx, annotationID string) (Annotation, error) {
	row := tx.QueryRow(ctx, `SELECT `+annotationColumns+` FROM annotations a WHERE a.id=$1 FOR UPDATE`, annotationID)
	current, err := scanAnnotation(row, false)
	if err != nil {
		return Annotation{}, notFound(err, "lock annotation")
	}
	if current.IsDeleted {
		return Annotation{}, errs.ErrNotFound
	}
	if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM annotation_revisions WHERE annotation_id=$1`, annotationID).Scan(&current.Revision); err != nil {
		return Annotation{}, fmt.Errorf("count annotation revisions: %w", err)
	}
	return current, nil
}

func insertAnnotationRevision(ctx context.Context, tx pgx.Tx, id string, a Annotation, number int, actor string, at time.Time) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO annotation_revisions (id, annotation_id, revision_number, payload, changed_by, changed_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, id, a.ID, number, a.Payload, nullable(actor), at)
	if err != nil {
		return fmt.Errorf("insert annotation revision: %w", err)
	}
	return nil
}
