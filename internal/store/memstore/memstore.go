// Package memstore is an in-process implementation of the store contracts,
// used by tests and by the server's memory storage mode.
package memstore

import (
	"context"
	"encoding/json"
	"slices"
	"sort"
	"sync"
	"time"

	"folio/api/internal/errs"
	"folio/api/internal/store"
	"folio/api/internal/util"
)

// Store serializes every mutation behind one mutex, which gives the same
// read-check-write atomicity the Postgres backend gets from row locks.
type Store struct {
	mu  sync.Mutex
	now func() time.Time

	users      map[string]store.User
	workspaces map[string]store.Workspace
	members    map[string]string // workspaceID + "/" + userID -> role
	documents  map[string]store.Document
	versions   map[string]store.DocumentVersion

	annotations         map[string]store.Annotation
	annotationOrder     []string
	annotationRevisions map[string][]store.AnnotationRevision
	comments            map[string]store.Comment
	commentOrder        []string
	commentRevisions    map[string][]store.CommentRevision

	events   []store.CollabEvent
	presence map[string]store.PresenceSession // connectionID
	audit    []store.AuditEntry
}

func New() *Store {
	return &Store{
		now:                 func() time.Time { return time.Now().UTC() },
		users:               map[string]store.User{},
		workspaces:          map[string]store.Workspace{},
		members:             map[string]string{},
		documents:           map[string]store.Document{},
		versions:            map[string]store.DocumentVersion{},
		annotations:         map[string]store.Annotation{},
		annotationRevisions: map[string][]store.AnnotationRevision{},
		comments:            map[string]store.Comment{},
		commentRevisions:    map[string][]store.CommentRevision{},
		presence:            map[string]store.PresenceSession{},
	}
}

// SetClock replaces the time source.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) AddUser(user store.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[user.ID] = user
}

func (s *Store) AddWorkspace(workspace store.Workspace) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if workspace.CreatedAt.IsZero() {
		workspace.CreatedAt = s.now()
	}
	s.workspaces[workspace.ID] = workspace
}

func (s *Store) AddMember(workspaceID, userID, role string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.members[workspaceID+"/"+userID] = role
}

func (s *Store) AddDocument(doc store.Document) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if doc.UpdatedAt.IsZero() {
		doc.UpdatedAt = s.now()
	}
	s.documents[doc.ID] = doc
}

func (s *Store) AddVersion(version store.DocumentVersion) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if version.CreatedAt.IsZero() {
		version.CreatedAt = s.now()
	}
	s.versions[version.ID] = version
}

func (s *Store) GetUser(_ context.Context, userID string) (store.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[userID]
	if !ok {
		return store.User{}, errs.ErrNotFound
	}
	return user, nil
}

func (s *Store) GetWorkspace(_ context.Context, workspaceID string) (store.Workspace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	workspace, ok := s.workspaces[workspaceID]
	if !ok {
		return store.Workspace{}, errs.ErrNotFound
	}
	return workspace, nil
}

func (s *Store) GetMembershipRole(_ context.Context, workspaceID, userID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	role, ok := s.members[workspaceID+"/"+userID]
	if !ok {
		return "", errs.ErrNotFound
	}
	return role, nil
}

func (s *Store) GetDocument(_ context.Context, documentID string) (store.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.documents[documentID]
	if !ok {
		return store.Document{}, errs.ErrNotFound
	}
	return doc, nil
}

func (s *Store) GetVersion(_ context.Context, versionID string) (store.DocumentVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	version, ok := s.versions[versionID]
	if !ok {
		return store.DocumentVersion{}, errs.ErrNotFound
	}
	return version, nil
}

func (s *Store) InsertAnnotations(_ context.Context, items []store.Annotation) ([]store.Annotation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, item := range items {
		if _, ok := s.versions[item.VersionID]; !ok {
			return nil, errs.Invalid("version", "unknown document version")
		}
	}

	created := make([]store.Annotation, 0, len(items))
	for _, item := range items {
		now := s.now()
		item.ID = util.NewID("ann")
		item.CreatedAt = now
		item.UpdatedAt = now
		item.IsDeleted = false
		item.Payload = cloneJSON(item.Payload)
		s.annotations[item.ID] = item
		s.annotationOrder = append(s.annotationOrder, item.ID)
		s.annotationRevisions[item.ID] = []store.AnnotationRevision{{
			ID:             util.NewID("anr"),
			AnnotationID:   item.ID,
			RevisionNumber: 1,
			Payload:        cloneJSON(item.Payload),
			ChangedBy:      item.CreatedBy,
			ChangedAt:      now,
		}}
		item.Revision = 1
		created = append(created, item)
	}
	return created, nil
}

func (s *Store) UpdateAnnotation(_ context.Context, annotationID string, expected int, patch store.AnnotationPatch, actor string) (store.Annotation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.annotations[annotationID]
	if !ok || current.IsDeleted {
		return store.Annotation{}, errs.ErrNotFound
	}
	current.Revision = len(s.annotationRevisions[annotationID])
	if current.Revision != expected {
		return store.Annotation{}, &errs.ConflictError{CurrentRevision: current.Revision, Current: current}
	}

	next := current
	patch.Apply(&next)
	next.Payload = cloneJSON(next.Payload)
	next.UpdatedAt = s.now()
	next.Revision = current.Revision + 1
	s.annotationRevisions[annotationID] = append(s.annotationRevisions[annotationID], store.AnnotationRevision{
		ID:             util.NewID("anr"),
		AnnotationID:   annotationID,
		RevisionNumber: next.Revision,
		Payload:        cloneJSON(next.Payload),
		ChangedBy:      actor,
		ChangedAt:      next.UpdatedAt,
	})
	s.annotations[annotationID] = next
	return next, nil
}

func (s *Store) DeleteAnnotation(_ context.Context, annotationID, _ string) (store.Annotation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.annotations[annotationID]
	if !ok || current.IsDeleted {
		return store.Annotation{}, errs.ErrNotFound
	}
	current.IsDeleted = true
	current.UpdatedAt = s.now()
	s.annotations[annotationID] = current
	current.Revision = len(s.annotationRevisions[annotationID])
	return current, nil
}

func (s *Store) GetAnnotation(_ context.Context, annotationID string) (store.Annotation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	annotation, ok := s.annotations[annotationID]
	if !ok {
		return store.Annotation{}, errs.ErrNotFound
	}
	annotation.Revision = len(s.annotationRevisions[annotationID])
	return annotation, nil
}

func (s *Store) ListAnnotations(_ context.Context, filter store.AnnotationFilter) ([]store.Annotation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	items := []store.Annotation{}
	for _, id := range s.annotationOrder {
		a := s.annotations[id]
		if a.IsDeleted {
			continue
		}
		if filter.DocumentID != "" && a.DocumentID != filter.DocumentID {
			continue
		}
		if filter.VersionID != "" && a.VersionID != filter.VersionID {
			continue
		}
		if filter.PageNumber != nil && a.PageNumber != *filter.PageNumber {
			continue
		}
		a.Revision = len(s.annotationRevisions[id])
		items = append(items, a)
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].PageNumber < items[j].PageNumber })
	return items, nil
}

func (s *Store) ListAnnotationRevisions(_ context.Context, annotationID string) ([]store.AnnotationRevision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]store.AnnotationRevision{}, s.annotationRevisions[annotationID]...), nil
}

func (s *Store) InsertComments(_ context.Context, items []store.Comment) ([]store.Comment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	created := make([]store.Comment, 0, len(items))
	for _, item := range items {
		now := s.now()
		item.ID = util.NewID("cmt")
		item.CreatedAt = now
		item.UpdatedAt = now
		item.IsDeleted = false
		s.comments[item.ID] = item
		s.commentOrder = append(s.commentOrder, item.ID)
		s.commentRevisions[item.ID] = []store.CommentRevision{{
			ID:             util.NewID("cmr"),
			CommentID:      item.ID,
			RevisionNumber: 1,
			Body:           item.Body,
			ChangedBy:      item.CreatedBy,
			ChangedAt:      now,
		}}
		item.Revision = 1
		created = append(created, item)
	}
	return created, nil
}

func (s *Store) UpdateComment(_ context.Context, commentID string, expected int, patch store.CommentPatch, actor string) (store.Comment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.comments[commentID]
	if !ok || current.IsDeleted {
		return store.Comment{}, errs.ErrNotFound
	}
	current.Revision = len(s.commentRevisions[commentID])
	if current.Revision != expected {
		return store.Comment{}, &errs.ConflictError{CurrentRevision: current.Revision, Current: current}
	}

	next := current
	patch.Apply(&next)
	next.UpdatedAt = s.now()
	next.Revision = current.Revision + 1
	s.commentRevisions[commentID] = append(s.commentRevisions[commentID], store.CommentRevision{
		ID:             util.NewID("cmr"),
		CommentID:      commentID,
		RevisionNumber: next.Revision,
		Body:           next.Body,
		ChangedBy:      actor,
		ChangedAt:      next.UpdatedAt,
	})
	s.comments[commentID] = next
	return next, nil
}

func (s *Store) DeleteComment(_ context.Context, commentID, _ string) (store.Comment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.comments[commentID]
	if !ok || current.IsDeleted {
		return store.Comment{}, errs.ErrNotFound
	}
	current.IsDeleted = true
	current.UpdatedAt = s.now()
	s.comments[commentID] = current
	current.Revision = len(s.commentRevisions[commentID])
	return current, nil
}

func (s *Store) GetComment(_ context.Context, commentID string) (store.Comment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	comment, ok := s.comments[commentID]
	if !ok {
		return store.Comment{}, errs.ErrNotFound
	}
	comment.Revision = len(s.commentRevisions[commentID])
	return comment, nil
}

func (s *Store) ListComments(_ context.Context, documentID string) ([]store.Comment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	items := []store.Comment{}
	for _, id := range s.commentOrder {
		c := s.comments[id]
		if c.IsDeleted || c.DocumentID != documentID {
			continue
		}
		c.Revision = len(s.commentRevisions[id])
		items = append(items, c)
	}
	return items, nil
}

func (s *Store) ListCommentRevisions(_ context.Context, commentID string) ([]store.CommentRevision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]store.CommentRevision{}, s.commentRevisions[commentID]...), nil
}

func (s *Store) InsertEvent(_ context.Context, event store.CollabEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if event.ID == "" {
		event.ID = util.NewID("evt")
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = s.now()
	}
	event.Event = cloneJSON(event.Event)
	s.events = append(s.events, event)
	return nil
}

func (s *Store) ListEvents(_ context.Context, filter store.EventFilter) ([]store.CollabEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	events := []store.CollabEvent{}
	for _, event := range s.events {
		if event.DocumentID != filter.DocumentID {
			continue
		}
		if filter.Since != nil && !event.CreatedAt.After(*filter.Since) {
			continue
		}
		events = append(events, event)
	}
	if !filter.Ascending {
		// Ties keep insertion order in the requested direction.
		slices.Reverse(events)
	}
	sort.SliceStable(events, func(i, j int) bool {
		if filter.Ascending {
			return events[i].CreatedAt.Before(events[j].CreatedAt)
		}
		return events[i].CreatedAt.After(events[j].CreatedAt)
	})
	if filter.Limit > 0 && len(events) > filter.Limit {
		events = events[:filter.Limit]
	}
	return events, nil
}

func (s *Store) UpsertPresence(_ context.Context, session store.PresenceSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.presence[session.ConnectionID]; ok && existing.DocumentID == session.DocumentID {
		session.ID = existing.ID
		session.JoinedAt = existing.JoinedAt
	}
	if session.ID == "" {
		session.ID = util.NewID("prs")
	}
	s.presence[session.ConnectionID] = session
	return nil
}

func (s *Store) DeletePresence(_ context.Context, connectionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.presence, connectionID)
	return nil
}

func (s *Store) TouchPresence(_ context.Context, connectionID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if session, ok := s.presence[connectionID]; ok {
		session.LastSeenAt = at
		s.presence[connectionID] = session
	}
	return nil
}

func (s *Store) ListPresenceUsers(_ context.Context, documentID string) ([]store.PresenceUser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	latest := map[string]store.PresenceUser{}
	for _, session := range s.presence {
		if session.DocumentID != documentID || session.UserID == nil {
			continue
		}
		userID := *session.UserID
		entry, seen := latest[userID]
		if seen && !session.LastSeenAt.After(entry.LastSeenAt) {
			continue
		}
		user := s.users[userID]
		latest[userID] = store.PresenceUser{
			UserID:      userID,
			Username:    user.Username,
			DisplayName: user.DisplayName,
			LastSeenAt:  session.LastSeenAt,
		}
	}

	users := make([]store.PresenceUser, 0, len(latest))
	for _, user := range latest {
		users = append(users, user)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].UserID < users[j].UserID })
	return users, nil
}

func (s *Store) DeleteStalePresence(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int64
	for connectionID, session := range s.presence {
		if session.LastSeenAt.Before(before) {
			delete(s.presence, connectionID)
			removed++
		}
	}
	return removed, nil
}

func (s *Store) InsertAudit(_ context.Context, entry store.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry.ID == "" {
		entry.ID = util.NewID("aud")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now()
	}
	s.audit = append(s.audit, entry)
	return nil
}

// AuditEntries returns a copy of every recorded audit entry.
func (s *Store) AuditEntries() []store.AuditEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]store.AuditEntry{}, s.audit...)
}

func cloneJSON(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	return append(json.RawMessage{}, raw...)
}
