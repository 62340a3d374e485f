package app

import (
	"net/http"
	"testing"

	"folio/api/internal/audit"
	"folio/api/internal/store"
	"folio/api/internal/store/memstore"
)

func createNote(t *testing.T, ts *testServer, userID string) store.Annotation {
	t.Helper()
	rr := ts.do(t, http.MethodPost, "/api/versions/"+memstore.DemoVersionID+"/annotations", userID, noteBody(1))
	if rr.Code != http.StatusCreated {
		t.Fatalf("create annotation: expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	return decodeJSON[store.Annotation](t, rr)
}

func TestAnnotationLifecycle(t *testing.T) {
	ts := newTestServer(t)
	created := createNote(t, ts, "usr_editor")
	if created.Revision != 1 || created.DocumentID != memstore.DemoDocumentID {
		t.Fatalf("unexpected created annotation: %+v", created)
	}

	path := "/api/annotations/" + created.ID
	rr := ts.do(t, http.MethodPatch, path, "usr_editor", map[string]any{"revision_number": 1, "page_number": 3})
	if rr.Code != http.StatusOK {
		t.Fatalf("update: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	updated := decodeJSON[store.Annotation](t, rr)
	if updated.Revision != 2 || updated.PageNumber != 3 {
		t.Fatalf("unexpected updated annotation: %+v", updated)
	}

	rr = ts.do(t, http.MethodGet, path+"/revisions", "usr_viewer", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("revisions: expected 200, got %d", rr.Code)
	}
	if revisions := decodeJSON[[]store.AnnotationRevision](t, rr); len(revisions) != 2 {
		t.Fatalf("expected 2 revisions, got %d", len(revisions))
	}

	rr = ts.do(t, http.MethodDelete, path, "usr_editor", nil)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("delete: expected 204, got %d", rr.Code)
	}
	rr = ts.do(t, http.MethodGet, path, "usr_viewer", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("get after delete: expected 404, got %d", rr.Code)
	}

	actions := []string{}
	for _, entry := range ts.backend.AuditEntries() {
		actions = append(actions, entry.Action)
	}
	want := []string{audit.ActionAnnotationCreate, audit.ActionAnnotationUpdate, audit.ActionAnnotationDelete}
	if len(actions) != len(want) {
		t.Fatalf("expected audit actions %v, got %v", want, actions)
	}
	for i := range want {
		if actions[i] != want[i] {
			t.Fatalf("expected audit actions %v, got %v", want, actions)
		}
	}
}

func TestStaleRevisionReturnsConflict(t *testing.T) {
	ts := newTestServer(t)
	created := createNote(t, ts, "usr_editor")
	path := "/api/annotations/" + created.ID

	rr := ts.do(t, http.MethodPatch, path, "usr_editor", map[string]any{"revision_number": 1, "page_number": 2})
	if rr.Code != http.StatusOK {
		t.Fatalf("first update: expected 200, got %d", rr.Code)
	}

	rr = ts.do(t, http.MethodPatch, path, "usr_admin", map[string]any{"revision_number": 1, "page_number": 5})
	if rr.Code != http.StatusConflict {
		t.Fatalf("stale update: expected 409, got %d: %s", rr.Code, rr.Body.String())
	}
	payload := decodeJSON[map[string]any](t, rr)
	if payload["code"] != "CONFLICT" || payload["error"] != "Stale revision." {
		t.Fatalf("unexpected conflict payload: %v", payload)
	}
	details := payload["details"].(map[string]any)
	if details["current_revision"] != float64(2) {
		t.Fatalf("expected current_revision 2, got %v", details["current_revision"])
	}
	current := details["annotation"].(map[string]any)
	if current["page_number"] != float64(2) {
		t.Fatalf("expected the current annotation state, got %v", current)
	}
	if got := len(ts.backend.AuditEntries()); got != 2 {
		t.Fatalf("expected a conflict to add no audit entry, got %d entries", got)
	}
}

func TestMissingRevisionNumberReportsCurrentRevision(t *testing.T) {
	ts := newTestServer(t)
	created := createNote(t, ts, "usr_editor")

	rr := ts.do(t, http.MethodPatch, "/api/annotations/"+created.ID, "usr_editor", map[string]any{"page_number": 2})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	payload := decodeJSON[map[string]any](t, rr)
	details := payload["details"].(map[string]any)
	if payload["code"] != "VALIDATION_ERROR" || details["current_revision"] != float64(1) {
		t.Fatalf("unexpected payload: %v", payload)
	}

	rr = ts.do(t, http.MethodPatch, "/api/annotations/"+created.ID, "usr_editor", nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("empty body: expected 400, got %d", rr.Code)
	}
	payload = decodeJSON[map[string]any](t, rr)
	details, _ = payload["details"].(map[string]any)
	if payload["error"] != "revision_number is required." || details["current_revision"] != float64(1) {
		t.Fatalf("expected the missing revision reply for an empty body, got %v", payload)
	}
}

func TestBulkCreateRejectsWholeBatch(t *testing.T) {
	ts := newTestServer(t)
	path := "/api/versions/" + memstore.DemoVersionID + "/annotations/bulk"

	invalid := map[string]any{"page_number": 1, "type": "note", "payload": map[string]any{"points": []map[string]any{{"x": 1}}}}
	rr := ts.do(t, http.MethodPost, path, "usr_editor", map[string]any{"items": []any{noteBody(1), invalid}})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rr.Code, rr.Body.String())
	}
	payload := decodeJSON[map[string]any](t, rr)
	if field := payload["details"].(map[string]any)["field"]; field != "items[1].points[0].y" {
		t.Fatalf("unexpected field %v", field)
	}

	rr = ts.do(t, http.MethodGet, "/api/documents/"+memstore.DemoDocumentID+"/annotations", "usr_viewer", nil)
	if listed := decodeJSON[[]store.Annotation](t, rr); len(listed) != 0 {
		t.Fatalf("expected no annotations after a rejected batch, got %d", len(listed))
	}

	rr = ts.do(t, http.MethodPost, path, "usr_editor", map[string]any{"items": []any{noteBody(1), noteBody(2)}})
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	created := decodeJSON[struct {
		Items []store.Annotation `json:"items"`
	}](t, rr)
	if len(created.Items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(created.Items))
	}

	entries := ts.backend.AuditEntries()
	if len(entries) != 1 || entries[0].Action != audit.ActionAnnotationBulk || entries[0].EntityType != audit.EntityDocumentVersion {
		t.Fatalf("expected one bulk audit entry, got %+v", entries)
	}

	rr = ts.do(t, http.MethodGet, "/api/versions/"+memstore.DemoVersionID+"/annotations?page=2", "usr_viewer", nil)
	if listed := decodeJSON[[]store.Annotation](t, rr); len(listed) != 1 || listed[0].PageNumber != 2 {
		t.Fatalf("expected one annotation on page 2, got %+v", listed)
	}
	rr = ts.do(t, http.MethodGet, "/api/versions/"+memstore.DemoVersionID+"/annotations?page=x", "usr_viewer", nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a bad page, got %d", rr.Code)
	}
}

func TestEmptyBulkCreateReturnsNoItems(t *testing.T) {
	ts := newTestServer(t)

	rr := ts.do(t, http.MethodPost, "/api/versions/"+memstore.DemoVersionID+"/annotations/bulk", "usr_editor", map[string]any{"items": []any{}})
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	created := decodeJSON[map[string][]store.Annotation](t, rr)
	if items, ok := created["items"]; !ok || len(items) != 0 {
		t.Fatalf("expected an empty items list, got %s", rr.Body.String())
	}

	entries := ts.backend.AuditEntries()
	if len(entries) != 1 || string(entries[0].Metadata) != `{"count":0}` {
		t.Fatalf("expected one bulk audit entry with count 0, got %+v", entries)
	}
}

func TestCommentRoutes(t *testing.T) {
	ts := newTestServer(t)
	base := "/api/documents/" + memstore.DemoDocumentID + "/comments"

	rr := ts.do(t, http.MethodPost, base, "usr_commenter", map[string]any{"body": "Top level"})
	if rr.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	root := decodeJSON[store.Comment](t, rr)

	rr = ts.do(t, http.MethodPost, base, "usr_commenter", map[string]any{"body": "Reply", "parent": root.ID})
	if rr.Code != http.StatusCreated {
		t.Fatalf("reply: expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	reply := decodeJSON[store.Comment](t, rr)

	rr = ts.do(t, http.MethodPost, base, "usr_commenter", map[string]any{"body": "Nested", "parent": reply.ID})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("nested reply: expected 400, got %d", rr.Code)
	}

	rr = ts.do(t, http.MethodPatch, "/api/comments/"+root.ID, "usr_commenter", map[string]any{"revision_number": 1, "body": "Edited"})
	if rr.Code != http.StatusOK {
		t.Fatalf("update: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	rr = ts.do(t, http.MethodPatch, "/api/comments/"+root.ID, "usr_commenter", map[string]any{"revision_number": 1, "body": "Again"})
	if rr.Code != http.StatusConflict {
		t.Fatalf("stale update: expected 409, got %d", rr.Code)
	}
	details := decodeJSON[map[string]any](t, rr)["details"].(map[string]any)
	if _, ok := details["comment"]; !ok {
		t.Fatalf("expected the current comment in conflict details, got %v", details)
	}

	rr = ts.do(t, http.MethodPost, base+"/bulk", "usr_commenter", map[string]any{"items": []any{map[string]any{"body": "a"}, map[string]any{"body": "b"}}})
	if rr.Code != http.StatusCreated {
		t.Fatalf("bulk: expected 201, got %d: %s", rr.Code, rr.Body.String())
	}

	rr = ts.do(t, http.MethodDelete, "/api/comments/"+reply.ID, "usr_viewer", nil)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("viewer delete: expected 403, got %d", rr.Code)
	}
	rr = ts.do(t, http.MethodDelete, "/api/comments/"+reply.ID, "usr_commenter", nil)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("delete: expected 204, got %d", rr.Code)
	}

	rr = ts.do(t, http.MethodGet, "/api/comments/"+root.ID+"/revisions", "usr_viewer", nil)
	if revisions := decodeJSON[[]store.CommentRevision](t, rr); len(revisions) != 2 {
		t.Fatalf("expected 2 revisions, got %d", len(revisions))
	}

	var bulk *store.AuditEntry
	entries := ts.backend.AuditEntries()
	for i := range entries {
		if entries[i].Action == audit.ActionCommentBulk {
			bulk = &entries[i]
		}
	}
	if bulk == nil || bulk.EntityType != audit.EntityDocument || bulk.EntityID != memstore.DemoDocumentID {
		t.Fatalf("expected a document-scoped bulk audit entry, got %+v", bulk)
	}
	if len(entries) != 5 {
		t.Fatalf("expected 5 audit entries, got %d", len(entries))
	}
}
