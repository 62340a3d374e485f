package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"testing"
	"time"

	"folio/api/internal/errs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newDB(t *testing.T) (*DB, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	return &DB{Pool: mock}, mock
}

func newTestStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	db, mock := newDB(t)
	s := NewPostgresStore(db)
	s.now = func() time.Time { return fixedNow }
	counter := 0
	s.newID = func(prefix string) string {
		counter++
		return fmt.Sprintf("%s_%d", prefix, counter)
	}
	return s, mock
}

func q(fragment string) string { return regexp.QuoteMeta(fragment) }

var annotationCols = []string{"id", "document_id", "version_id", "page_number", "type", "payload", "created_by", "created_at", "updated_at", "is_deleted"}

func lockedAnnotationRow(deleted bool) *pgxmock.Rows {
	return pgxmock.NewRows(annotationCols).AddRow(
		"ann_a", "doc_1", "ver_1", 1, "note", json.RawMessage(`{"points":[{"x":1,"y":1}]}`), "usr_a", fixedNow, fixedNow, deleted,
	)
}

func TestUpdateAnnotation_MatchingRevision(t *testing.T) {
	s, mock := newTestStore(t)
	defer mock.Close()

	page := 2
	mock.ExpectBegin()
	mock.ExpectQuery(q("FROM annotations a WHERE a.id=$1 FOR UPDATE")).
		WithArgs("ann_a").
		WillReturnRows(lockedAnnotationRow(false))
	mock.ExpectQuery(q("SELECT COUNT(*) FROM annotation_revisions WHERE annotation_id=$1")).
		WithArgs("ann_a").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectExec(q("UPDATE annotations SET page_number=$2, type=$3, payload=$4, updated_at=$5 WHERE id=$1")).
		WithArgs("ann_a", 2, "note", pgxmock.AnyArg(), fixedNow).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(q("INSERT INTO annotation_revisions")).
		WithArgs("anr_1", "ann_a", 2, pgxmock.AnyArg(), pgxmock.AnyArg(), fixedNow).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	updated, err := s.UpdateAnnotation(context.Background(), "ann_a", 1, AnnotationPatch{PageNumber: &page}, "usr_a")
	require.NoError(t, err)
	require.Equal(t, 2, updated.Revision)
	require.Equal(t, 2, updated.PageNumber)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateAnnotation_StaleRevisionConflicts(t *testing.T) {
	s, mock := newTestStore(t)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(q("FOR UPDATE")).WithArgs("ann_a").WillReturnRows(lockedAnnotationRow(false))
	mock.ExpectQuery(q("SELECT COUNT(*) FROM annotation_revisions")).
		WithArgs("ann_a").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(2))
	mock.ExpectRollback()

	_, err := s.UpdateAnnotation(context.Background(), "ann_a", 1, AnnotationPatch{}, "usr_a")
	var conflict *errs.ConflictError
	require.True(t, errors.As(err, &conflict))
	require.Equal(t, 2, conflict.CurrentRevision)
	current, ok := conflict.Current.(Annotation)
	require.True(t, ok)
	require.Equal(t, 2, current.Revision)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateAnnotation_UniqueViolationIsConflict(t *testing.T) {
	s, mock := newTestStore(t)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(q("FOR UPDATE")).WithArgs("ann_a").WillReturnRows(lockedAnnotationRow(false))
	mock.ExpectQuery(q("SELECT COUNT(*) FROM annotation_revisions")).
		WithArgs("ann_a").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectExec(q("UPDATE annotations SET")).
		WithArgs("ann_a", 1, "note", pgxmock.AnyArg(), fixedNow).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(q("INSERT INTO annotation_revisions")).
		WithArgs("anr_1", "ann_a", 2, pgxmock.AnyArg(), pgxmock.AnyArg(), fixedNow).
		WillReturnError(&pgconn.PgError{Code: "23505"})
	mock.ExpectRollback()

	_, err := s.UpdateAnnotation(context.Background(), "ann_a", 1, AnnotationPatch{}, "usr_a")
	require.ErrorIs(t, err, errs.ErrConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateAnnotation_DeletedIsNotFound(t *testing.T) {
	s, mock := newTestStore(t)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(q("FOR UPDATE")).WithArgs("ann_a").WillReturnRows(lockedAnnotationRow(true))
	mock.ExpectRollback()

	_, err := s.UpdateAnnotation(context.Background(), "ann_a", 1, AnnotationPatch{}, "usr_a")
	require.ErrorIs(t, err, errs.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteAnnotation_MissingIsNotFound(t *testing.T) {
	s, mock := newTestStore(t)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(q("FOR UPDATE")).WithArgs("ann_missing").WillReturnError(pgx.ErrNoRows)
	mock.ExpectRollback()

	_, err := s.DeleteAnnotation(context.Background(), "ann_missing", "usr_a")
	require.ErrorIs(t, err, errs.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteAnnotation_DoesNotWriteRevision(t *testing.T) {
	s, mock := newTestStore(t)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(q("FOR UPDATE")).WithArgs("ann_a").WillReturnRows(lockedAnnotationRow(false))
	mock.ExpectQuery(q("SELECT COUNT(*) FROM annotation_revisions")).
		WithArgs("ann_a").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(3))
	mock.ExpectExec(q("UPDATE annotations SET is_deleted=TRUE, updated_at=$2 WHERE id=$1")).
		WithArgs("ann_a", fixedNow).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	deleted, err := s.DeleteAnnotation(context.Background(), "ann_a", "usr_a")
	require.NoError(t, err)
	require.True(t, deleted.IsDeleted)
	require.Equal(t, 3, deleted.Revision)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertAnnotations_RollsBackWholeBatch(t *testing.T) {
	s, mock := newTestStore(t)
	defer mock.Close()

	items := []Annotation{
		{DocumentID: "doc_1", VersionID: "ver_1", PageNumber: 1, Type: "note", Payload: json.RawMessage(`{"points":[{"x":1,"y":1}]}`), CreatedBy: "usr_a"},
		{DocumentID: "doc_1", VersionID: "ver_1", PageNumber: 2, Type: "note", Payload: json.RawMessage(`{"points":[{"x":2,"y":2}]}`), CreatedBy: "usr_a"},
	}

	mock.ExpectBegin()
	mock.ExpectExec(q("INSERT INTO annotations")).
		WithArgs("ann_1", "doc_1", "ver_1", 1, "note", pgxmock.AnyArg(), pgxmock.AnyArg(), fixedNow, fixedNow).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(q("INSERT INTO annotation_revisions")).
		WithArgs("anr_2", "ann_1", 1, pgxmock.AnyArg(), pgxmock.AnyArg(), fixedNow).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(q("INSERT INTO annotations")).
		WithArgs("ann_3", "doc_1", "ver_1", 2, "note", pgxmock.AnyArg(), pgxmock.AnyArg(), fixedNow, fixedNow).
		WillReturnError(errors.New("check constraint"))
	mock.ExpectRollback()

	created, err := s.InsertAnnotations(context.Background(), items)
	require.Error(t, err)
	require.Nil(t, created)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertComments_CreatesRevisionOne(t *testing.T) {
	s, mock := newTestStore(t)
	defer mock.Close()

	parent := "cmt_parent"
	mock.ExpectBegin()
	mock.ExpectExec(q("INSERT INTO comments")).
		WithArgs("cmt_1", "doc_1", pgxmock.AnyArg(), pgxmock.AnyArg(), "Looks good", pgxmock.AnyArg(), fixedNow, fixedNow).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(q("INSERT INTO comment_revisions")).
		WithArgs("cmr_2", "cmt_1", 1, "Looks good", pgxmock.AnyArg(), fixedNow).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	created, err := s.InsertComments(context.Background(), []Comment{{DocumentID: "doc_1", ParentID: &parent, Body: "Looks good", CreatedBy: "usr_a"}})
	require.NoError(t, err)
	require.Len(t, created, 1)
	require.Equal(t, 1, created[0].Revision)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListEvents_SinceAndLimit(t *testing.T) {
	s, mock := newTestStore(t)
	defer mock.Close()

	since := fixedNow.Add(-time.Hour)
	user := "usr_a"
	mock.ExpectQuery(q("FROM collab_events WHERE document_id=$1 AND created_at > $2 ORDER BY created_at ASC LIMIT $3")).
		WithArgs("doc_1", since, 5000).
		WillReturnRows(pgxmock.NewRows([]string{"id", "document_id", "user_id", "event_type", "event", "created_at"}).
			AddRow("evt_1", "doc_1", &user, "presence.join", json.RawMessage(`{"user_id":"usr_a"}`), fixedNow))

	events, err := s.ListEvents(context.Background(), EventFilter{DocumentID: "doc_1", Since: &since, Limit: 5000, Ascending: true})
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, "presence.join", events[0].EventType)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteStalePresence(t *testing.T) {
	s, mock := newTestStore(t)
	defer mock.Close()

	cutoff := fixedNow.Add(-2 * time.Minute)
	mock.ExpectExec(q("DELETE FROM presence_sessions WHERE last_seen_at < $1")).
		WithArgs(cutoff).
		WillReturnResult(pgxmock.NewResult("DELETE", 3))

	n, err := s.DeleteStalePresence(context.Background(), cutoff)
	require.NoError(t, err)
	require.EqualValues(t, 3, n)
}

func TestGetMembershipRole_NoRowIsNotFound(t *testing.T) {
	s, mock := newTestStore(t)
	defer mock.Close()

	mock.ExpectQuery(q("SELECT role FROM workspace_members")).
		WithArgs("ws_1", "usr_x").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetMembershipRole(context.Background(), "ws_1", "usr_x")
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestEmbeddedMigrationHasUpAndDown(t *testing.T) {
	contents, err := migrationsFS.ReadFile("migrations/00001_collaboration.sql")
	require.NoError(t, err)
	sql := string(contents)
	require.Contains(t, sql, "-- +goose Up")
	require.Contains(t, sql, "-- +goose Down")
	require.Contains(t, sql, "UNIQUE (annotation_id, revision_number)")
	require.Contains(t, sql, "UNIQUE (comment_id, revision_number)")
	require.Contains(t, sql, "UNIQUE (document_id, connection_id)")
}
