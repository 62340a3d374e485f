package rbac

import (
	"context"
	"errors"
	"fmt"

	"folio/api/internal/errs"
	"folio/api/internal/store"
)

type Role string

const (
	RoleViewer    Role = "viewer"
	RoleCommenter Role = "commenter"
	RoleEditor    Role = "editor"
	RoleAdmin     Role = "admin"
	RoleOwner     Role = "owner"
)

// Allowed role sets used by the gateway and the hub.
var (
	Readers    = []Role{RoleViewer, RoleCommenter, RoleEditor, RoleAdmin, RoleOwner}
	Commenters = []Role{RoleCommenter, RoleEditor, RoleAdmin, RoleOwner}
	Editors    = []Role{RoleEditor, RoleAdmin, RoleOwner}
	Managers   = []Role{RoleAdmin, RoleOwner}
)

var hierarchy = map[Role]int{
	RoleViewer:    1,
	RoleCommenter: 2,
	RoleEditor:    3,
	RoleAdmin:     4,
	RoleOwner:     5,
}

// Rank is 0 for unknown roles.
func (r Role) Rank() int {
	return hierarchy[r]
}

func (r Role) Valid() bool {
	return r.Rank() > 0
}

// Normalize maps a stored role string to a Role, or "" when unknown.
func Normalize(role string) Role {
	switch Role(role) {
	case RoleViewer, RoleCommenter, RoleEditor, RoleAdmin, RoleOwner:
		return Role(role)
	default:
		return ""
	}
}

// Satisfies reports whether role ranks at least as high as the lowest role in allowed.
func Satisfies(role Role, allowed []Role) bool {
	if !role.Valid() || len(allowed) == 0 {
		return false
	}
	minimum := 0
	for _, candidate := range allowed {
		rank := candidate.Rank()
		if rank == 0 {
			continue
		}
		if minimum == 0 || rank < minimum {
			minimum = rank
		}
	}
	return minimum > 0 && role.Rank() >= minimum
}

type MembershipReader interface {
	GetWorkspace(ctx context.Context, workspaceID string) (store.Workspace, error)
	GetMembershipRole(ctx context.Context, workspaceID, userID string) (string, error)
}

// Authority resolves effective workspace roles. It holds no state of its own.
type Authority struct {
	members MembershipReader
}

func NewAuthority(members MembershipReader) *Authority {
	return &Authority{members: members}
}

// ResolveRole returns Owner for the workspace owner, else the membership role.
// ok is false when the user has no access.
func (a *Authority) ResolveRole(ctx context.Context, userID, workspaceID string) (role Role, ok bool, err error) {
	if userID == "" {
		return "", false, nil
	}
	workspace, err := a.members.GetWorkspace(ctx, workspaceID)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("resolve role: %w", err)
	}
	if workspace.OwnerID == userID {
		return RoleOwner, true, nil
	}
	stored, err := a.members.GetMembershipRole(ctx, workspaceID, userID)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("resolve role: %w", err)
	}
	role = Normalize(stored)
	if role == "" {
		return "", false, nil
	}
	return role, true, nil
}

func (a *Authority) HasRole(ctx context.Context, userID, workspaceID string, allowed []Role) (bool, error) {
	role, ok, err := a.ResolveRole(ctx, userID, workspaceID)
	if err != nil || !ok {
		return false, err
	}
	return Satisfies(role, allowed), nil
}

// RequireRole fails closed: lookup errors are reported as errs.ErrForbidden too.
func (a *Authority) RequireRole(ctx context.Context, userID, workspaceID string, allowed []Role) (Role, error) {
	role, ok, err := a.ResolveRole(ctx, userID, workspaceID)
	if err != nil {
		return "", fmt.Errorf("%w: %v", errs.ErrForbidden, err)
	}
	if !ok || !Satisfies(role, allowed) {
		return "", errs.ErrForbidden
	}
	return role, nil
}
