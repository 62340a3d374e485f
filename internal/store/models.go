package store

import (
	"encoding/json"
	"time"
)

type User struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
	Email       string `json:"email"`
}

type Workspace struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	OwnerID   string    `json:"owner"`
	CreatedAt time.Time `json:"created_at"`
}

type Membership struct {
	WorkspaceID string `json:"workspace"`
	UserID      string `json:"user"`
	Role        string `json:"role"`
}

type Document struct {
	ID               string    `json:"id"`
	WorkspaceID      string    `json:"workspace"`
	Title            string    `json:"title"`
	Status           string    `json:"status"`
	CurrentVersionID *string   `json:"current_version"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// DocumentVersion is written by upload/conversion jobs outside this service.
// TextContent and LayoutJSON are enrichment fields populated asynchronously.
type DocumentVersion struct {
	ID            string          `json:"id"`
	DocumentID    string          `json:"document"`
	VersionNumber int             `json:"version_number"`
	TextContent   string          `json:"text_content,omitempty"`
	LayoutJSON    json.RawMessage `json:"layout_json,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Annotation carries its current revision number, which is always the count
// of its revision rows.
type Annotation struct {
	ID         string          `json:"id"`
	DocumentID string          `json:"document"`
	VersionID  string          `json:"version"`
	PageNumber int             `json:"page_number"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	CreatedBy  string          `json:"created_by"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
	IsDeleted  bool            `json:"is_deleted"`
	Revision   int             `json:"revision_number"`
}

type AnnotationRevision struct {
	ID             string          `json:"id"`
	AnnotationID   string          `json:"annotation"`
	RevisionNumber int             `json:"revision_number"`
	Payload        json.RawMessage `json:"payload"`
	ChangedBy      string          `json:"changed_by"`
	ChangedAt      time.Time       `json:"changed_at"`
}

// AnnotationPatch holds the mutable annotation fields; nil means unchanged.
type AnnotationPatch struct {
	PageNumber *int
	Type       *string
	Payload    json.RawMessage
}

func (p AnnotationPatch) Apply(a *Annotation) {
	if p.PageNumber != nil {
		a.PageNumber = *p.PageNumber
	}
	if p.Type != nil {
		a.Type = *p.Type
	}
	if len(p.Payload) > 0 {
		a.Payload = p.Payload
	}
}

type Comment struct {
	ID           string    `json:"id"`
	DocumentID   string    `json:"document"`
	AnnotationID *string   `json:"annotation"`
	ParentID     *string   `json:"parent"`
	Body         string    `json:"body"`
	CreatedBy    string    `json:"created_by"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	IsDeleted    bool      `json:"is_deleted"`
	Revision     int       `json:"revision_number"`
}

type CommentRevision struct {
	ID             string    `json:"id"`
	CommentID      string    `json:"comment"`
	RevisionNumber int       `json:"revision_number"`
	Body           string    `json:"body"`
	ChangedBy      string    `json:"changed_by"`
	ChangedAt      time.Time `json:"changed_at"`
}

type CommentPatch struct {
	Body *string
}

func (p CommentPatch) Apply(c *Comment) {
	if p.Body != nil {
		c.Body = *p.Body
	}
}

type AnnotationFilter struct {
	DocumentID string
	VersionID  string
	PageNumber *int
}

// CollabEvent is append-only.
type CollabEvent struct {
	ID         string          `json:"id"`
	DocumentID string          `json:"document"`
	UserID     *string         `json:"user"`
	EventType  string          `json:"event_type"`
	Event      json.RawMessage `json:"event"`
	CreatedAt  time.Time       `json:"created_at"`
}

type EventFilter struct {
	DocumentID string
	Since      *time.Time
	Limit      int
	// Ascending orders oldest first; the default is newest first.
	Ascending bool
}

type PresenceSession struct {
	ID           string
	DocumentID   string
	UserID       *string
	ConnectionID string
	JoinedAt     time.Time
	LastSeenAt   time.Time
}

// PresenceUser is one row of a deduplicated presence listing.
type PresenceUser struct {
	UserID      string    `json:"user_id"`
	Username    string    `json:"username"`
	DisplayName string    `json:"display_name"`
	LastSeenAt  time.Time `json:"last_seen_at"`
}

type AuditEntry struct {
	ID          string
	WorkspaceID string
	UserID      *string
	Action      string
	EntityType  string
	EntityID    string
	Metadata    json.RawMessage
	IP          string
	UserAgent   string
	CreatedAt   time.Time
}
