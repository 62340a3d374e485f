package collab

import "folio/api/internal/rbac"

// Kind is the closed set of collaboration event types.
type Kind int

const (
	KindUnknown Kind = iota
	KindDocumentOpened
	KindPageChanged
	KindAnnotationCreated
	KindAnnotationUpdated
	KindAnnotationDeleted
	KindCommentCreated
	KindCommentReplied
	KindPresenceUpdated
	KindPresenceHeartbeat
	KindCursorUpdated

	// Server-originated kinds. Clients cannot send these.
	KindAnnotationsBulkCreated
	KindCommentUpdated
	KindCommentDeleted
	KindCommentsBulkCreated
	KindPresenceJoin
	KindPresenceLeave
	KindSnapshot
	KindError
)

var kindNames = map[Kind]string{
	KindDocumentOpened:         "document.opened",
	KindPageChanged:            "document.page.changed",
	KindAnnotationCreated:      "annotation.created",
	KindAnnotationUpdated:      "annotation.updated",
	KindAnnotationDeleted:      "annotation.deleted",
	KindCommentCreated:         "comment.created",
	KindCommentReplied:         "comment.replied",
	KindPresenceUpdated:        "presence.updated",
	KindPresenceHeartbeat:      "presence.heartbeat",
	KindCursorUpdated:          "cursor.updated",
	KindAnnotationsBulkCreated: "annotation.bulk_created",
	KindCommentUpdated:         "comment.updated",
	KindCommentDeleted:         "comment.deleted",
	KindCommentsBulkCreated:    "comment.bulk_created",
	KindPresenceJoin:           "presence.join",
	KindPresenceLeave:          "presence.leave",
	KindSnapshot:               "collaboration.snapshot",
	KindError:                  "collaboration.error",
}

var inboundKinds = map[string]Kind{}

func init() {
	for kind := KindDocumentOpened; kind <= KindCursorUpdated; kind++ {
		inboundKinds[kindNames[kind]] = kind
	}
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// ParseKind accepts only the event types a client may send.
func ParseKind(eventType string) (Kind, bool) {
	kind, ok := inboundKinds[eventType]
	return kind, ok
}

// Allowed returns the roles that may send k.
func (k Kind) Allowed() []rbac.Role {
	switch k {
	case KindAnnotationCreated, KindAnnotationUpdated, KindAnnotationDeleted, KindAnnotationsBulkCreated:
		return rbac.Editors
	case KindCommentCreated, KindCommentReplied, KindCommentUpdated, KindCommentDeleted, KindCommentsBulkCreated:
		return rbac.Commenters
	default:
		return rbac.Readers
	}
}
