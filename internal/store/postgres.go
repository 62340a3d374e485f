package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"folio/api/internal/errs"
	"folio/api/internal/util"
	"github.com/jackc/pgx/v5"
)

// PostgresStore owns the annotation and comment rows and their revision
// histories, plus the collaboration side tables.
type PostgresStore struct {
	db  *DB
	now func() time.Time
	// newID is swapped in tests to get deterministic ids.
	newID func(prefix string) string
}

func NewPostgresStore(db *DB) *PostgresStore {
	return &PostgresStore{
		db:    db,
		now:   func() time.Time { return time.Now().UTC() },
		newID: util.NewID,
	}
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.Pool.Ping(ctx)
}

func (s *PostgresStore) GetUser(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.Pool.QueryRow(ctx, `SELECT id, username, display_name, email FROM users WHERE id=$1`, userID).
		Scan(&user.ID, &user.Username, &user.DisplayName, &user.Email)
	if err != nil {
		return User{}, notFound(err, "read user")
	}
	return user, nil
}

func (s *PostgresStore) GetWorkspace(ctx context.Context, workspaceID string) (Workspace, error) {
	var workspace Workspace
	err := s.db.Pool.QueryRow(ctx, `SELECT id, name, owner_id, created_at FROM workspaces WHERE id=$1`, workspaceID).
		Scan(&workspace.ID, &workspace.Name, &workspace.OwnerID, &workspace.CreatedAt)
	if err != nil {
		return Workspace{}, notFound(err, "read workspace")
	}
	return workspace, nil
}

// GetMembershipRole returns errs.ErrNotFound when the user has no membership row.
func (s *PostgresStore) GetMembershipRole(ctx context.Context, workspaceID, userID string) (string, error) {
	var role string
	err := s.db.Pool.QueryRow(ctx, `SELECT role FROM workspace_members WHERE workspace_id=$1 AND user_id=$2`, workspaceID, userID).
		Scan(&role)
	if err != nil {
		return "", notFound(err, "read membership")
	}
	return role, nil
}

func (s *PostgresStore) GetDocument(ctx context.Context, documentID string) (Document, error) {
	var doc Document
	err := s.db.Pool.QueryRow(ctx, `
		SELECT id, workspace_id, title, status, current_version_id, updated_at
		FROM documents WHERE id=$1
	`, documentID).Scan(&doc.ID, &doc.WorkspaceID, &doc.Title, &doc.Status, &doc.CurrentVersionID, &doc.UpdatedAt)
	if err != nil {
		return Document{}, notFound(err, "read document")
	}
	return doc, nil
}

func (s *PostgresStore) GetVersion(ctx context.Context, versionID string) (DocumentVersion, error) {
	var version DocumentVersion
	err := s.db.Pool.QueryRow(ctx, `
		SELECT id, document_id, version_number, text_content, layout_json, created_at
		FROM document_versions WHERE id=$1
	`, versionID).Scan(&version.ID, &version.DocumentID, &version.VersionNumber, &version.TextContent, &version.LayoutJSON, &version.CreatedAt)
	if err != nil {
		return DocumentVersion{}, notFound(err, "read document version")
	}
	return version, nil
}

func notFound(err error, op string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return errs.ErrNotFound
	}
	return fmt.Errorf("%s: %w", op, err)
}
