package store

import (
	"context"
	"fmt"
	"time"

	"folio/api/internal/errs"
	"github.com/jackc/pgx/v5"
)

const commentColumns = `c.id, c.document_id, c.annotation_id, c.parent_id, c.body, COALESCE(c.created_by, ''), c.created_at, c.updated_at, c.is_deleted`

const revisionCountComment = `(SELECT COUNT(*) FROM comment_revisions r WHERE r.comment_id = c.id)`

func scanComment(row pgx.Row, withRevision bool) (Comment, error) {
	var c Comment
	dest := []any{&c.ID, &c.DocumentID, &c.AnnotationID, &c.ParentID, &c.Body, &c.CreatedBy, &c.CreatedAt, &c.UpdatedAt, &c.IsDeleted}
	if withRevision {
		dest = append(dest, &c.Revision)
	}
	if err := row.Scan(dest...); err != nil {
		return Comment{}, err
	}
	return c, nil
}

// InsertComments creates every item and its revision 1 row atomically.
func (s *PostgresStore) InsertComments(ctx context.Context, items []Comment) ([]Comment, error) {
	created := make([]Comment, 0, len(items))
	err := s.db.inTx(ctx, func(tx pgx.Tx) error {
		for i, item := range items {
			now := s.now()
			item.ID = s.newID("cmt")
			item.CreatedAt = now
			item.UpdatedAt = now
			item.IsDeleted = false
			if _, err := tx.Exec(ctx, `
				INSERT INTO comments (id, document_id, annotation_id, parent_id, body, created_by, created_at, updated_at, is_deleted)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, FALSE)
			`, item.ID, item.DocumentID, item.AnnotationID, item.ParentID, item.Body, nullable(item.CreatedBy), now, now); err != nil {
				return fmt.Errorf("insert comment[%d]: %w", i, err)
			}
			if err := insertCommentRevision(ctx, tx, s.newID("cmr"), item, 1, item.CreatedBy, now); err != nil {
				return fmt.Errorf("insert comment[%d]: %w", i, err)
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

func (s *PostgresStore) UpdateComment(ctx context.Context, commentID string, expected int, patch CommentPatch, actor string) (Comment, error) {
	var updated Comment
	err := s.db.inTx(ctx, func(tx pgx.Tx) error {
		current, err := lockComment(ctx, tx, commentID)
		if err != nil {
			return err
		}
		if current.Revision != expected {
			return &errs.ConflictError{CurrentRevision: current.Revision, Current: current}
		}

		next := current
		patch.Apply(&next)
		next.UpdatedAt = s.now()
		if _, err := tx.Exec(ctx, `UPDATE comments SET body=$2, updated_at=$3 WHERE id=$1`, next.ID, next.Body, next.UpdatedAt); err != nil {
			return fmt.Errorf("update comment: %w", err)
		}
		if err := insertCommentRevision(ctx, tx, s.newID("cmr"), next, current.Revision+1, actor, next.UpdatedAt); err != nil {
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
		return Comment{}, err
	}
	return updated, nil
}

func (s *PostgresStore) DeleteComment(ctx context.Context, commentID, actor string) (Comment, error) {
	var deleted Comment
	err := s.db.inTx(ctx, func(tx pgx.Tx) error {
		current, err := lockComment(ctx, tx, commentID)
		if err != nil {
			return err
		}
		current.IsDeleted = true
		current.UpdatedAt = s.now()
		if _, err := tx.Exec(ctx, `UPDATE comments SET is_deleted=TRUE, updated_at=$2 WHERE id=$1`, current.ID, current.UpdatedAt); err != nil {
			return fmt.Errorf("delete comment: %w", err)
		}
		deleted = current
		return nil
	})
	if err != nil {
		return Comment{}, err
	}
	return deleted, nil
}

func (s *PostgresStore) GetComment(ctx context.Context, commentID string) (Comment, error) {
	row := s.db.Pool.QueryRow(ctx, `SELECT `+commentColumns+`, `+revisionCountComment+` FROM comments c WHERE c.id=$1`, commentID)
	comment, err := scanComment(row, true)
	if err != nil {
		return Comment{}, notFound(err, "read comment")
	}
	return comment, nil
}

func (s *PostgresStore) ListComments(ctx context.Context, documentID string) ([]Comment, error) {
	rows, err := s.db.Pool.Query(ctx, `SELECT `+commentColumns+`, `+revisionCountComment+`
		FROM comments c WHERE c.document_id=$1 AND NOT c.is_deleted ORDER BY c.created_at`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	defer rows.Close()

	items := []Comment{}
	for rows.Next() {
		comment, err := scanComment(rows, true)
		if err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		items = append(items, comment)
	}
	return items, rows.Err()
}

func (s *PostgresStore) ListCommentRevisions(ctx context.Context, commentID string) ([]CommentRevision, error) {
	rows, err := s.db.Pool.Query(ctx, `
		SELECT id, comment_id, revision_number, body, COALESCE(changed_by, ''), changed_at
		FROM comment_revisions WHERE comment_id=$1 ORDER BY revision_number
	`, commentID)
	if err != nil {
		return nil, fmt.Errorf("list comment revisions: %w", err)
	}
	defer rows.Close()

	revisions := []CommentRevision{}
	for rows.Next() {
		var rev CommentRevision
		if err := rows.Scan(&rev.ID, &rev.CommentID, &rev.RevisionNumber, &rev.Body, &rev.ChangedBy, &rev.ChangedAt); err != nil {
			return nil, fmt.Errorf("scan comment revision: %w", err)
		}
		revisions = append(revisions, rev)
	}
	return revisions, rows.Err()
}

func lockComment(ctx context.Context, tx pgx.Tx, commentID string) (Comment, error) {
	row := tx.QueryRow(ctx, `SELECT `+commentColumns+` FROM comments c WHERE c.id=$1 FOR UPDATE`, commentID)
	current, err := scanComment(row, false)
	if err != nil {
		return Comment{}, notFound(err, "lock comment")
	}
	if current.IsDeleted {
		return Comment{}, errs.ErrNotFound
	}
	if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM comment_revisions WHERE comment_id=$1`, commentID).Scan(&current.Revision); err != nil {
		return Comment{}, fmt.Errorf("count comment revisions: %w", err)
	}
	return current, nil
}

func insertCommentRevision(ctx context.Context, tx pgx.Tx, id string, c Comment, number int, actor string, at time.Time) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO comment_revisions (id, comment_id, revision_number, body, changed_by, changed_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, id, c.ID, number, c.Body, nullable(actor), at)
	if err != nil {
		return fmt.Errorf("insert comment revision: %w", err)
	}
	return nil
}
