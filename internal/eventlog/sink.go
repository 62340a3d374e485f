// Package eventlog records collaboration events for replay and export.
package eventlog

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"folio/api/internal/store"
	"go.uber.org/zap"
)

const (
	ListLimit   = 500
	ExportLimit = 5000
)

type Backend interface {
	InsertEvent(ctx context.Context, event store.CollabEvent) error
	ListEvents(ctx context.Context, filter store.EventFilter) ([]store.CollabEvent, error)
}

type Sink struct {
	backend Backend
	log     *zap.Logger
}

func NewSink(backend Backend, log *zap.Logger) *Sink {
	if log == nil {
		log = zap.NewNop()
	}
	return &Sink{backend: backend, log: log}
}

// Append stores one event. It never fails the caller: marshal and insert
// errors are logged and dropped.
func (s *Sink) Append(ctx context.Context, documentID, userID, eventType string, payload any) {
	raw, err := encode(payload)
	if err != nil {
		s.log.Warn("collab event not encodable",
			zap.String("document_id", documentID),
			zap.String("event_type", eventType),
			zap.Error(err))
		return
	}
	event := store.CollabEvent{DocumentID: documentID, EventType: eventType, Event: raw}
	if userID != "" {
		event.UserID = &userID
	}
	if err := s.backend.InsertEvent(ctx, event); err != nil {
		s.log.Warn("collab event append failed",
			zap.String("document_id", documentID),
			zap.String("event_type", eventType),
			zap.Error(err))
	}
}

// List returns up to ListLimit events newer than since, newest first.
func (s *Sink) List(ctx context.Context, documentID string, since *time.Time) ([]store.CollabEvent, error) {
	events, err := s.backend.ListEvents(ctx, store.EventFilter{DocumentID: documentID, Since: since, Limit: ListLimit})
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	if events == nil {
		events = []store.CollabEvent{}
	}
	return events, nil
}

// Export returns up to ExportLimit events newer than since, oldest first.
func (s *Sink) Export(ctx context.Context, documentID string, since *time.Time) ([]store.CollabEvent, error) {
	events, err := s.backend.ListEvents(ctx, store.EventFilter{DocumentID: documentID, Since: since, Limit: ExportLimit, Ascending: true})
	if err != nil {
		return nil, fmt.Errorf("export events: %w", err)
	}
	if events == nil {
		events = []store.CollabEvent{}
	}
	return events, nil
}

func encode(payload any) (json.RawMessage, error) {
	switch v := payload.(type) {
	case nil:
		return json.RawMessage(`{}`), nil
	case json.RawMessage:
		if len(v) == 0 {
			return json.RawMessage(`{}`), nil
		}
		if !json.Valid(v) {
			return nil, fmt.Errorf("invalid JSON payload")
		}
		return v, nil
	default:
		return json.Marshal(v)
	}
}
