// Package collab runs the per-document realtime collaboration channel.
package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"folio/api/internal/broadcast"
	"folio/api/internal/entity"
	"folio/api/internal/errs"
	"folio/api/internal/eventlog"
	"folio/api/internal/presence"
	"folio/api/internal/rbac"
	"folio/api/internal/store"
	"folio/api/internal/util"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type Documents interface {
	GetDocument(ctx context.Context, documentID string) (store.Document, error)
	GetVersion(ctx context.Context, versionID string) (store.DocumentVersion, error)
}

type RoleResolver interface {
	ResolveRole(ctx context.Context, userID, workspaceID string) (rbac.Role, bool, error)
}

type Options struct {
	PingInterval    time.Duration
	PongWait        time.Duration
	WriteWait       time.Duration
	MaxMessageBytes int64
	SendBuffer      int
}

func (o Options) withDefaults() Options {
	if o.PingInterval <= 0 {
		o.PingInterval = 25 * time.Second
	}
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 10 * time.Second
	}
	if o.MaxMessageBytes <= 0 {
		o.MaxMessageBytes = 1 << 20
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 64
	}
	return o
}

type Deps struct {
	Documents Documents
	Roles     RoleResolver
	Entities  *entity.Service
	Presence  *presence.Registry
	Events    *eventlog.Sink
	Transport broadcast.Transport
	Logger    *zap.Logger
}

type Hub struct {
	docs      Documents
	roles     RoleResolver
	entities  *entity.Service
	presence  *presence.Registry
	events    *eventlog.Sink
	transport broadcast.Transport
	log       *zap.Logger
	opts      Options
	upgrader  websocket.Upgrader

	mu     sync.Mutex
	conns  map[string]*Conn
	closed bool
	active sync.WaitGroup
}

func NewHub(deps Deps, opts Options) *Hub {
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		docs:      deps.Documents,
		roles:     deps.Roles,
		entities:  deps.Entities,
		presence:  deps.Presence,
		events:    deps.Events,
		transport: deps.Transport,
		log:       log,
		opts:      opts.withDefaults(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Origin is not a credential here; every connection presents a token.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		conns: map[string]*Conn{},
	}
}

// Admission is the outcome of authorizing a connection attempt.
type Admission struct {
	UserID   string
	Document store.Document
	Role     rbac.Role
}

// Admit checks that userID may join documentID. It returns
// errs.ErrUnauthenticated, errs.ErrNotFound or errs.ErrForbidden so the
// caller can answer with a plain HTTP status before upgrading.
func (h *Hub) Admit(ctx context.Context, userID, documentID string) (Admission, error) {
	if userID == "" {
		return Admission{}, errs.ErrUnauthenticated
	}
	doc, err := h.docs.GetDocument(ctx, documentID)
	if err != nil {
		return Admission{}, err
	}
	role, ok, err := h.roles.ResolveRole(ctx, userID, doc.WorkspaceID)
	if err != nil {
		return Admission{}, fmt.Errorf("%w: resolve role: %v", errs.ErrForbidden, err)
	}
	if !ok || !rbac.Satisfies(role, rbac.Readers) {
		return Admission{}, errs.ErrForbidden
	}
	return Admission{UserID: userID, Document: doc, Role: role}, nil
}

// Serve upgrades the request and runs the connection until it leaves.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, admission Admission) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	h.active.Add(1)
	h.mu.Unlock()
	defer h.active.Done()

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	c := newConn(util.NewID("conn"), ws, admission, h.opts.SendBuffer)
	ctx := r.Context()
	c.setState(StateAuthorizing)
	if !h.track(c) {
		c.close()
		c.setState(StateClosed)
		return
	}

	go c.writePump(h.opts)
	h.join(ctx, c, admission)
	c.readPump(ctx, h.opts, h.handle)
	h.leave(ctx, c)
}

// track registers c unless Shutdown has already started.
func (h *Hub) track(c *Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.conns[c.id] = c
	return true
}

func (h *Hub) join(ctx context.Context, c *Conn, admission Admission) {
	h.transport.Subscribe(c.documentID, c)
	if err := h.presence.Join(ctx, c.documentID, c.id, c.userID); err != nil {
		h.log.Warn("presence join failed", zap.String("connection_id", c.id), zap.Error(err))
	}
	h.events.Append(ctx, c.documentID, c.userID, KindPresenceJoin.String(), map[string]any{"connection_id": c.id})
	c.setState(StateJoined)

	snapshot, err := h.snapshot(ctx, admission)
	if err != nil {
		h.log.Error("snapshot failed", zap.String("document_id", c.documentID), zap.Error(err))
		h.reply(c, errorPayload(err, h.log))
	} else {
		h.reply(c, Envelope{EventType: KindSnapshot.String(), Event: snapshot})
	}
	h.broadcastPresence(ctx, c)

	h.log.Info("collaboration joined",
		zap.String("connection_id", c.id),
		zap.String("document_id", c.documentID),
		zap.String("user_id", c.userID),
		zap.String("role", string(admission.Role)))
}

func (h *Hub) snapshot(ctx context.Context, admission Admission) (map[string]any, error) {
	annotations, err := h.entities.ListDocumentAnnotations(ctx, admission.Document.ID)
	if err != nil {
		return nil, err
	}
	comments, err := h.entities.ListComments(ctx, admission.Document.ID)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"document_id": admission.Document.ID,
		"version_id":  admission.Document.CurrentVersionID,
		"role":        admission.Role,
		"annotations": annotations,
		"comments":    comments,
	}, nil
}

// leave runs once per connection regardless of which side closed it.
func (h *Hub) leave(ctx context.Context, c *Conn) {
	c.leaveOnce.Do(func() {
		c.setState(StateLeaving)
		c.close()

		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()

		h.events.Append(ctx, c.documentID, c.userID, KindPresenceLeave.String(), map[string]any{"connection_id": c.id})
		if err := h.presence.Leave(ctx, c.id); err != nil {
			h.log.Warn("presence leave failed", zap.String("connection_id", c.id), zap.Error(err))
		}
		h.broadcastPresence(ctx, c)
		h.transport.Unsubscribe(c.documentID, c)

		h.mu.Lock()
		delete(h.conns, c.id)
		h.mu.Unlock()
		c.setState(StateClosed)
		h.log.Info("collaboration left", zap.String("connection_id", c.id), zap.String("document_id", c.documentID))
	})
}

func (h *Hub) handle(ctx context.Context, c *Conn, data []byte) {
	var in struct {
		EventType string          `json:"event_type"`
		Event     json.RawMessage `json:"event"`
	}
	if err := json.Unmarshal(data, &in); err != nil {
		h.reply(c, errorPayload(errs.Invalid("", "message must be a JSON object with event_type and event"), h.log))
		return
	}
	kind, ok := ParseKind(in.EventType)
	if !ok {
		return
	}

	if kind == KindPresenceHeartbeat {
		if err := h.presence.Touch(ctx, c.id); err != nil {
			h.log.Warn("presence touch failed", zap.String("connection_id", c.id), zap.Error(err))
		}
		h.broadcastPresence(ctx, c)
		return
	}

	out, err := h.dispatch(ctx, c, kind, in.Event)
	if err != nil {
		h.reply(c, errorPayload(err, h.log))
		return
	}
	h.events.Append(ctx, c.documentID, c.userID, kind.String(), out)
	if err := h.publish(ctx, c.documentID, c.userID, kind, out); err != nil {
		h.reply(c, errorPayload(err, h.log))
	}
}

// dispatch authorizes, validates and persists one event, returning the
// payload to broadcast.
func (h *Hub) dispatch(ctx context.Context, c *Conn, kind Kind, raw json.RawMessage) (any, error) {
	if err := h.authorize(ctx, c, kind); err != nil {
		return nil, err
	}
	ev, err := decodeEvent(kind, raw)
	if err != nil {
		return nil, err
	}

	switch ev := ev.(type) {
	case DocumentOpened:
		return ev.raw, nil
	case PageChanged:
		return ev.raw, nil
	case CursorUpdated:
		return ev.raw, nil
	case PresenceUpdated:
		return ev.raw, nil
	case AnnotationCreated:
		return h.createAnnotation(ctx, c, ev)
	case AnnotationUpdated:
		current, err := h.documentAnnotation(ctx, c, ev.ID)
		if err != nil {
			return nil, err
		}
		if current.Revision != *ev.RevisionNumber {
			return nil, &errs.ConflictError{CurrentRevision: current.Revision, Current: current}
		}
		return h.entities.UpdateAnnotation(ctx, ev.ID, ev.AnnotationPatchInput, c.userID)
	case AnnotationDeleted:
		if _, err := h.documentAnnotation(ctx, c, ev.ID); err != nil {
			return nil, err
		}
		return h.entities.DeleteAnnotation(ctx, ev.ID, c.userID)
	case CommentCreated:
		return h.entities.CreateComment(ctx, c.documentID, ev.CommentInput, c.userID)
	case CommentReplied:
		return h.entities.CreateComment(ctx, c.documentID, ev.CommentInput, c.userID)
	default:
		return nil, errs.Invalid("event_type", fmt.Sprintf("%s cannot be handled", kind))
	}
}

// authorize re-resolves the role on every event so a demotion takes effect
// without reconnecting.
func (h *Hub) authorize(ctx context.Context, c *Conn, kind Kind) error {
	role, ok, err := h.roles.ResolveRole(ctx, c.userID, c.workspaceID)
	if err != nil {
		return fmt.Errorf("%w: resolve role: %v", errs.ErrForbidden, err)
	}
	if !ok || !rbac.Satisfies(role, kind.Allowed()) {
		return errs.ErrForbidden
	}
	return nil
}

func (h *Hub) createAnnotation(ctx context.Context, c *Conn, ev AnnotationCreated) (store.Annotation, error) {
	var versionID string
	if ev.VersionID != nil && *ev.VersionID != "" {
		versionID = *ev.VersionID
	} else {
		doc, err := h.docs.GetDocument(ctx, c.documentID)
		if err != nil {
			return store.Annotation{}, err
		}
		if doc.CurrentVersionID == nil {
			return store.Annotation{}, errs.Invalid("version", "document has no current version")
		}
		versionID = *doc.CurrentVersionID
	}
	version, err := h.docs.GetVersion(ctx, versionID)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return store.Annotation{}, errs.Invalid("version", "version does not exist")
		}
		return store.Annotation{}, err
	}
	if version.DocumentID != c.documentID {
		return store.Annotation{}, errs.Invalid("version", "version belongs to another document")
	}
	return h.entities.CreateAnnotation(ctx, versionID, ev.AnnotationInput, c.userID)
}

// documentAnnotation returns a live annotation of the connection's document.
func (h *Hub) documentAnnotation(ctx context.Context, c *Conn, annotationID string) (store.Annotation, error) {
	annotation, err := h.entities.LiveAnnotation(ctx, annotationID)
	if err != nil {
		return store.Annotation{}, err
	}
	if annotation.DocumentID != c.documentID {
		return store.Annotation{}, errs.ErrNotFound
	}
	return annotation, nil
}

// Announce logs and broadcasts a mutation made outside the websocket, such as
// a REST call. The caller has already persisted it.
func (h *Hub) Announce(ctx context.Context, documentID, userID string, kind Kind, event any) error {
	h.events.Append(ctx, documentID, userID, kind.String(), event)
	return h.publish(ctx, documentID, userID, kind, event)
}

func (h *Hub) broadcastPresence(ctx context.Context, c *Conn) {
	users, err := h.presence.ListUsers(ctx, c.documentID)
	if err != nil {
		h.log.Warn("presence listing failed", zap.String("document_id", c.documentID), zap.Error(err))
		return
	}
	_ = h.publish(ctx, c.documentID, c.userID, KindPresenceUpdated, map[string]any{"users": users})
}

func (h *Hub) publish(ctx context.Context, documentID, userID string, kind Kind, event any) error {
	msg, err := json.Marshal(Envelope{EventType: kind.String(), Event: event, UserID: nullableUser(userID)})
	if err != nil {
		return fmt.Errorf("encode %s: %w", kind, err)
	}
	if err := h.transport.Publish(ctx, documentID, msg); err != nil {
		h.log.Warn("broadcast failed",
			zap.String("document_id", documentID),
			zap.String("event_type", kind.String()),
			zap.Error(err))
		if !errors.Is(err, errs.ErrTransport) {
			err = fmt.Errorf("%w: %v", errs.ErrTransport, err)
		}
		return err
	}
	return nil
}

func (h *Hub) reply(c *Conn, env Envelope) {
	msg, err := json.Marshal(env)
	if err != nil {
		h.log.Error("encode reply", zap.Error(err))
		return
	}
	c.Deliver(msg)
}

// Connections returns the number of live connections on this instance.
func (h *Hub) Connections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Shutdown closes every connection and waits for their leave sequences.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closed = true
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
	done := make(chan struct{})
	go func() {
		h.active.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
