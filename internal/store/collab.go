package store

import (
	"context"
	"fmt"
	"strings"
	"time"
)

func (s *PostgresStore) InsertEvent(ctx context.Context, event CollabEvent) error {
	if event.ID == "" {
		event.ID = s.newID("evt")
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = s.now()
	}
	_, err := s.db.Pool.Exec(ctx, `
		INSERT INTO collab_events (id, document_id, user_id, event_type, event, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, event.ID, event.DocumentID, event.UserID, event.EventType, event.Event, event.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert collab event: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListEvents(ctx context.Context, filter EventFilter) ([]CollabEvent, error) {
	where := []string{"document_id=$1"}
	args := []any{filter.DocumentID}
	if filter.Since != nil {
		args = append(args, *filter.Since)
		where = append(where, fmt.Sprintf("created_at > $%d", len(args)))
	}
	order := "DESC"
	if filter.Ascending {
		order = "ASC"
	}
	args = append(args, filter.Limit)
	query := fmt.Sprintf(`SELECT id, document_id, user_id, event_type, event, created_at FROM collab_events WHERE %s ORDER BY created_at %s LIMIT $%d`,
		strings.Join(where, " AND "), order, len(args))

	rows, err := s.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list collab events: %w", err)
	}
	defer rows.Close()

	events := []CollabEvent{}
	for rows.Next() {
		var event CollabEvent
		if err := rows.Scan(&event.ID, &event.DocumentID, &event.UserID, &event.EventType, &event.Event, &event.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan collab event: %w", err)
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// UpsertPresence registers a connection, keyed by (document, connection).
func (s *PostgresStore) UpsertPresence(ctx context.Context, session PresenceSession) error {
	if session.ID == "" {
		session.ID = s.newID("prs")
	}
	_, err := s.db.Pool.Exec(ctx, `
		INSERT INTO presence_sessions (id, document_id, user_id, connection_id, joined_at, last_seen_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (document_id, connection_id) DO UPDATE SET user_id=EXCLUDED.user_id, last_seen_at=EXCLUDED.last_seen_at
	`, session.ID, session.DocumentID, session.UserID, session.ConnectionID, session.JoinedAt, session.LastSeenAt)
	if err != nil {
		return fmt.Errorf("upsert presence: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeletePresence(ctx context.Context, connectionID string) error {
	if _, err := s.db.Pool.Exec(ctx, `DELETE FROM presence_sessions WHERE connection_id=$1`, connectionID); err != nil {
		return fmt.Errorf("delete presence: %w", err)
	}
	return nil
}

func (s *PostgresStore) TouchPresence(ctx context.Context, connectionID string, at time.Time) error {
	if _, err := s.db.Pool.Exec(ctx, `UPDATE presence_sessions SET last_seen_at=$2 WHERE connection_id=$1`, connectionID, at); err != nil {
		return fmt.Errorf("touch presence: %w", err)
	}
	return nil
}

// ListPresenceUsers returns one row per user with their most recent last_seen_at.
func (s *PostgresStore) ListPresenceUsers(ctx context.Context, documentID string) ([]PresenceUser, error) {
	rows, err := s.db.Pool.Query(ctx, `
		SELECT p.user_id, u.username, u.display_name, MAX(p.last_seen_at)
		FROM presence_sessions p
		JOIN users u ON u.id = p.user_id
		WHERE p.document_id=$1 AND p.user_id IS NOT NULL
		GROUP BY p.user_id, u.username, u.display_name
		ORDER BY p.user_id
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list presence: %w", err)
	}
	defer rows.Close()

	users := []PresenceUser{}
	for rows.Next() {
		var user PresenceUser
		if err := rows.Scan(&user.UserID, &user.Username, &user.DisplayName, &user.LastSeenAt); err != nil {
			return nil, fmt.Errorf("scan presence: %w", err)
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

func (s *PostgresStore) DeleteStalePresence(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.db.Pool.Exec(ctx, `DELETE FROM presence_sessions WHERE last_seen_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("reap presence: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) InsertAudit(ctx context.Context, entry AuditEntry) error {
	if entry.ID == "" {
		entry.ID = s.newID("aud")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now()
	}
	metadata := entry.Metadata
	if len(metadata) == 0 {
		metadata = []byte(`{}`)
	}
	_, err := s.db.Pool.Exec(ctx, `
		INSERT INTO audit_logs (id, workspace_id, user_id, action, entity_type, entity_id, metadata, ip, user_agent, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, entry.ID, entry.WorkspaceID, entry.UserID, entry.Action, entry.EntityType, entry.EntityID, metadata, entry.IP, entry.UserAgent, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert audit log: %w", err)
	}
	return nil
}
