// Package presence tracks which users hold live collaboration connections on
// a document.
package presence

import (
	"context"
	"fmt"
	"time"

	"folio/api/internal/store"
	"go.uber.org/zap"
)

// Backend persists presence sessions. Implemented by store.PostgresStore and memstore.Store.
type Backend interface {
	UpsertPresence(ctx context.Context, session store.PresenceSession) error
	DeletePresence(ctx context.Context, connectionID string) error
	TouchPresence(ctx context.Context, connectionID string, at time.Time) error
	ListPresenceUsers(ctx context.Context, documentID string) ([]store.PresenceUser, error)
	DeleteStalePresence(ctx context.Context, before time.Time) (int64, error)
}

type Registry struct {
	backend Backend
	log     *zap.Logger
	now     func() time.Time
}

func NewRegistry(backend Backend, log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{backend: backend, log: log, now: time.Now}
}

// Join registers connectionID on documentID. Joining twice with the same
// connection refreshes last_seen_at and keeps joined_at.
func (r *Registry) Join(ctx context.Context, documentID, connectionID, userID string) error {
	at := r.now().UTC()
	session := store.PresenceSession{
		DocumentID:   documentID,
		ConnectionID: connectionID,
		JoinedAt:     at,
		LastSeenAt:   at,
	}
	if userID != "" {
		session.UserID = &userID
	}
	if err := r.backend.UpsertPresence(ctx, session); err != nil {
		return fmt.Errorf("presence join: %w", err)
	}
	return nil
}

func (r *Registry) Leave(ctx context.Context, connectionID string) error {
	if err := r.backend.DeletePresence(ctx, connectionID); err != nil {
		return fmt.Errorf("presence leave: %w", err)
	}
	return nil
}

// Touch refreshes last_seen_at. Unknown connections are ignored.
func (r *Registry) Touch(ctx context.Context, connectionID string) error {
	if err := r.backend.TouchPresence(ctx, connectionID, r.now().UTC()); err != nil {
		return fmt.Errorf("presence touch: %w", err)
	}
	return nil
}

// ListUsers returns one entry per user connected to documentID, ordered by user id.
func (r *Registry) ListUsers(ctx context.Context, documentID string) ([]store.PresenceUser, error) {
	users, err := r.backend.ListPresenceUsers(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("presence list: %w", err)
	}
	if users == nil {
		users = []store.PresenceUser{}
	}
	return users, nil
}
