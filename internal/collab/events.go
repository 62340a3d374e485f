package collab

import (
	"bytes"
	"encoding/json"

	"folio/api/internal/errs"
	"folio/api/internal/schema"
)

// Event is the typed payload of one inbound message.
type Event interface {
	Kind() Kind
}

type DocumentOpened struct {
	VersionID string `json:"version_id,omitempty"`
	raw       json.RawMessage
}

type PageChanged struct {
	PageNumber *int `json:"page_number"`
	raw        json.RawMessage
}

type CursorUpdated struct {
	PageNumber *int     `json:"page_number,omitempty"`
	X          *float64 `json:"x,omitempty"`
	Y          *float64 `json:"y,omitempty"`
	raw        json.RawMessage
}

type PresenceUpdated struct {
	Status string `json:"status,omitempty"`
	raw    json.RawMessage
}

type PresenceHeartbeat struct{}

// AnnotationCreated targets the document's current version unless Version is set.
type AnnotationCreated struct {
	schema.AnnotationInput
	VersionID *string `json:"version"`
}

type AnnotationUpdated struct {
	ID string `json:"id"`
	schema.AnnotationPatchInput
}

type AnnotationDeleted struct {
	ID string `json:"id"`
}

type CommentCreated struct {
	schema.CommentInput
}

type CommentReplied struct {
	schema.CommentInput
}

func (DocumentOpened) Kind() Kind    { return KindDocumentOpened }
func (PageChanged) Kind() Kind       { return KindPageChanged }
func (CursorUpdated) Kind() Kind     { return KindCursorUpdated }
func (PresenceUpdated) Kind() Kind   { return KindPresenceUpdated }
func (PresenceHeartbeat) Kind() Kind { return KindPresenceHeartbeat }
func (AnnotationCreated) Kind() Kind { return KindAnnotationCreated }
func (AnnotationUpdated) Kind() Kind { return KindAnnotationUpdated }
func (AnnotationDeleted) Kind() Kind { return KindAnnotationDeleted }
func (CommentCreated) Kind() Kind    { return KindCommentCreated }
func (CommentReplied) Kind() Kind    { return KindCommentReplied }

// decodeEvent parses raw into the payload type for kind and runs the checks
// that need no storage access.
func decodeEvent(kind Kind, raw json.RawMessage) (Event, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		raw = json.RawMessage(`{}`)
	}
	if raw[0] != '{' {
		return nil, errs.Invalid("event", "event must be an object")
	}

	switch kind {
	case KindDocumentOpened:
		var ev DocumentOpened
		if err := unmarshal(raw, &ev); err != nil {
			return nil, err
		}
		ev.raw = raw
		return ev, nil
	case KindPageChanged:
		var ev PageChanged
		if err := unmarshal(raw, &ev); err != nil {
			return nil, err
		}
		if ev.PageNumber == nil {
			return nil, errs.Invalid("page_number", "page_number is required")
		}
		if *ev.PageNumber < 1 {
			return nil, errs.Invalid("page_number", "page_number must be at least 1")
		}
		ev.raw = raw
		return ev, nil
	case KindCursorUpdated:
		var ev CursorUpdated
		if err := unmarshal(raw, &ev); err != nil {
			return nil, err
		}
		ev.raw = raw
		return ev, nil
	case KindPresenceUpdated:
		var ev PresenceUpdated
		if err := unmarshal(raw, &ev); err != nil {
			return nil, err
		}
		ev.raw = raw
		return ev, nil
	case KindPresenceHeartbeat:
		return PresenceHeartbeat{}, nil
	case KindAnnotationCreated:
		var ev AnnotationCreated
		if err := unmarshal(raw, &ev); err != nil {
			return nil, err
		}
		if err := schema.ValidateAnnotation(ev.AnnotationInput); err != nil {
			return nil, err
		}
		return ev, nil
	case KindAnnotationUpdated:
		var ev AnnotationUpdated
		if err := unmarshal(raw, &ev); err != nil {
			return nil, err
		}
		if ev.ID == "" {
			return nil, errs.Invalid("id", "id is required")
		}
		if ev.RevisionNumber == nil {
			return nil, errs.Invalid("revision_number", "revision_number is required")
		}
		if err := schema.ValidateAnnotationPatch(ev.AnnotationPatchInput); err != nil {
			return nil, err
		}
		return ev, nil
	case KindAnnotationDeleted:
		var ev AnnotationDeleted
		if err := unmarshal(raw, &ev); err != nil {
			return nil, err
		}
		if ev.ID == "" {
			return nil, errs.Invalid("id", "id is required")
		}
		return ev, nil
	case KindCommentCreated:
		var ev CommentCreated
		if err := unmarshal(raw, &ev); err != nil {
			return nil, err
		}
		if err := schema.ValidateComment(ev.CommentInput); err != nil {
			return nil, err
		}
		return ev, nil
	case KindCommentReplied:
		var ev CommentReplied
		if err := unmarshal(raw, &ev); err != nil {
			return nil, err
		}
		if ev.ParentID == nil || *ev.ParentID == "" {
			return nil, errs.Invalid("parent", "parent is required")
		}
		if err := schema.ValidateComment(ev.CommentInput); err != nil {
			return nil, err
		}
		return ev, nil
	default:
		return nil, errs.Invalid("event_type", "event type cannot be sent by clients")
	}
}

func unmarshal(raw json.RawMessage, target any) error {
	if err := json.Unmarshal(raw, target); err != nil {
		return errs.Invalid("event", "event payload is malformed")
	}
	return nil
}
