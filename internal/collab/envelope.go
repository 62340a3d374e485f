package collab

import (
	"errors"

	"folio/api/internal/errs"
	"folio/api/internal/store"
	"go.uber.org/zap"
)

// Envelope is the wire shape of every outbound message.
type Envelope struct {
	EventType string  `json:"event_type"`
	Event     any     `json:"event"`
	UserID    *string `json:"user_id,omitempty"`
}

func nullableUser(userID string) *string {
	if userID == "" {
		return nil
	}
	return &userID
}

// errorPayload turns err into a private collaboration.error message.
func errorPayload(err error, log *zap.Logger) Envelope {
	body := map[string]any{}
	var (
		verr     *errs.ValidationError
		conflict *errs.ConflictError
	)
	switch {
	case errors.As(err, &verr):
		body["code"] = "validation_error"
		body["detail"] = verr.Error()
		if verr.Field != "" {
			body["field"] = verr.Field
		}
	case errors.As(err, &conflict):
		body["code"] = "conflict"
		body["detail"] = "Stale revision."
		body["current_revision"] = conflict.CurrentRevision
		switch current := conflict.Current.(type) {
		case store.Annotation:
			body["annotation"] = current
		case store.Comment:
			body["comment"] = current
		}
	case errors.Is(err, errs.ErrNotFound):
		body["code"] = "not_found"
		body["detail"] = "Not found."
	case errors.Is(err, errs.ErrForbidden):
		body["code"] = "forbidden"
		body["detail"] = "You do not have permission to perform this action."
	case errors.Is(err, errs.ErrTransport):
		body["code"] = "transport_error"
		body["detail"] = "Broadcast is temporarily unavailable."
	default:
		log.Error("collaboration event failed", zap.Error(err))
		body["code"] = "server_error"
		body["detail"] = "Server error."
	}
	return Envelope{EventType: KindError.String(), Event: body}
}
