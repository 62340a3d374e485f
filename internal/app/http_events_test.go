package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"folio/api/internal/auth"
	"folio/api/internal/collab"
	"folio/api/internal/session"
	"folio/api/internal/store"
	"folio/api/internal/store/memstore"
	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
)

func TestEventListReportsRoleAndMutations(t *testing.T) {
	ts := newTestServer(t)
	createNote(t, ts, "usr_editor")
	rr := ts.do(t, http.MethodPost, "/api/documents/"+memstore.DemoDocumentID+"/comments", "usr_commenter", map[string]any{"body": "First"})
	if rr.Code != http.StatusCreated {
		t.Fatalf("create comment: expected 201, got %d", rr.Code)
	}

	rr = ts.do(t, http.MethodGet, "/api/documents/"+memstore.DemoDocumentID+"/events?since=not-a-time", "usr_viewer", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	payload := decodeJSON[struct {
		Events []store.CollabEvent `json:"events"`
		Role   string              `json:"role"`
	}](t, rr)
	if payload.Role != "viewer" {
		t.Fatalf("expected viewer role, got %q", payload.Role)
	}
	if len(payload.Events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(payload.Events))
	}
	if payload.Events[0].EventType != collab.KindCommentCreated.String() {
		t.Fatalf("expected newest event first, got %q", payload.Events[0].EventType)
	}

	future := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	rr = ts.do(t, http.MethodGet, "/api/documents/"+memstore.DemoDocumentID+"/events?since="+future, "usr_viewer", nil)
	if got := decodeJSON[map[string]any](t, rr)["events"].([]any); len(got) != 0 {
		t.Fatalf("expected no events after a future since, got %d", len(got))
	}

	const naive = "2006-01-02T15:04:05"
	for _, tc := range []struct {
		since string
		want  int
	}{
		{since: time.Now().Add(time.Hour).UTC().Format(naive), want: 0},
		{since: time.Now().Add(-time.Hour).UTC().Format(naive), want: 2},
	} {
		rr = ts.do(t, http.MethodGet, "/api/documents/"+memstore.DemoDocumentID+"/events?since="+tc.since, "usr_viewer", nil)
		if got := decodeJSON[map[string]any](t, rr)["events"].([]any); len(got) != tc.want {
			t.Fatalf("since %s without offset: expected %d events, got %d", tc.since, tc.want, len(got))
		}
	}
}

func TestExportEventsIsAnAttachment(t *testing.T) {
	archiver := &stubArchiver{}
	ts := newTestServerWith(t, testOptions{archiver: archiver})
	createNote(t, ts, "usr_editor")
	createNote(t, ts, "usr_editor")

	rr := ts.do(t, http.MethodGet, "/api/documents/"+memstore.DemoDocumentID+"/events/export", "usr_admin", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	want := `attachment; filename="document-` + memstore.DemoDocumentID + `-collaboration-events.json"`
	if got := rr.Header().Get("Content-Disposition"); got != want {
		t.Fatalf("unexpected Content-Disposition %q", got)
	}
	if !strings.HasPrefix(rr.Header().Get("X-Archive-Key"), "documents/"+memstore.DemoDocumentID+"/") {
		t.Fatalf("expected an archive key, got %q", rr.Header().Get("X-Archive-Key"))
	}

	payload := decodeJSON[struct {
		DocumentID string              `json:"document_id"`
		Count      int                 `json:"count"`
		Events     []store.CollabEvent `json:"events"`
	}](t, rr)
	if payload.DocumentID != memstore.DemoDocumentID || payload.Count != 2 || len(payload.Events) != 2 {
		t.Fatalf("unexpected export: %+v", payload)
	}
	if payload.Events[0].CreatedAt.After(payload.Events[1].CreatedAt) {
		t.Fatalf("expected export in ascending order")
	}
	if archiver.calls != 1 || string(archiver.data) != rr.Body.String() {
		t.Fatalf("expected the exported bytes to be archived once")
	}
}

func TestWebsocketRouteThroughGateway(t *testing.T) {
	ts := newTestServer(t)
	server := httptest.NewServer(ts.server.Handler())
	t.Cleanup(server.Close)
	base := "ws" + strings.TrimPrefix(server.URL, "http")

	_, resp, err := websocket.DefaultDialer.Dial(base+"/ws/documents/"+memstore.DemoDocumentID+"/", nil)
	if err == nil || resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a token, got %v", resp)
	}
	_, resp, err = websocket.DefaultDialer.Dial(base+"/ws/documents/"+memstore.DemoDocumentID+"/?token="+tokenFor(t, "usr_stranger"), nil)
	if err == nil || resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for a non-member, got %v", resp)
	}

	ws, _, err := websocket.DefaultDialer.Dial(base+"/api/ws/documents/"+memstore.DemoDocumentID+"/?access_token="+tokenFor(t, "usr_viewer"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()

	readUntil := func(kind collab.Kind) json.RawMessage {
		t.Helper()
		_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
		for {
			var msg struct {
				EventType string          `json:"event_type"`
				Event     json.RawMessage `json:"event"`
			}
			if err := ws.ReadJSON(&msg); err != nil {
				t.Fatalf("waiting for %s: %v", kind, err)
			}
			if msg.EventType == kind.String() {
				return msg.Event
			}
		}
	}
	readUntil(collab.KindSnapshot)

	createNote(t, ts, "usr_editor")
	var announced store.Annotation
	if err := json.Unmarshal(readUntil(collab.KindAnnotationCreated), &announced); err != nil {
		t.Fatalf("decode announced annotation: %v", err)
	}
	if announced.Revision != 1 {
		t.Fatalf("unexpected announced annotation: %+v", announced)
	}

	rr := ts.do(t, http.MethodGet, "/api/documents/"+memstore.DemoDocumentID+"/presence", "usr_editor", nil)
	users := decodeJSON[map[string][]store.PresenceUser](t, rr)["users"]
	if len(users) != 1 || users[0].UserID != "usr_viewer" {
		t.Fatalf("expected the viewer to be present, got %+v", users)
	}
}

func TestRevokedTokenIsRejected(t *testing.T) {
	mr := miniredis.RunT(t)
	revocations := session.NewRedisStoreWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	ts := newTestServerWith(t, testOptions{revoker: revocations, revoked: revocations})

	token := tokenFor(t, "usr_viewer")
	send := func(method, target string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, target, nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rr := httptest.NewRecorder()
		ts.server.Handler().ServeHTTP(rr, req)
		return rr
	}

	if rr := send(http.MethodGet, "/api/documents/"+memstore.DemoDocumentID+"/comments"); rr.Code != http.StatusOK {
		t.Fatalf("expected 200 before revocation, got %d", rr.Code)
	}
	rr := send(http.MethodPost, "/api/auth/revoke")
	if rr.Code != http.StatusOK || decodeJSON[map[string]any](t, rr)["revoked"] != true {
		t.Fatalf("expected revocation to succeed, got %d %s", rr.Code, rr.Body.String())
	}
	if rr := send(http.MethodGet, "/api/documents/"+memstore.DemoDocumentID+"/comments"); rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 after revocation, got %d", rr.Code)
	}

	revoked, err := revocations.IsAccessTokenRevoked(context.Background(), mustTokenID(t, token))
	if err != nil || !revoked {
		t.Fatalf("expected the token id to be stored as revoked, got %v %v", revoked, err)
	}
}

func mustTokenID(t *testing.T, token string) string {
	t.Helper()
	claims, err := auth.ParseToken(testSecret, token)
	if err != nil {
		t.Fatalf("parse token: %v", err)
	}
	return claims.ID
}
