package rbac

import (
	"context"
	"errors"
	"fmt"
)

type Role string
type Action string

const (
	RoleViewer Role = "viewer"
	RoleEditor Role = "editor"
	RoleAdmin  Role = "admin"
	RoleOwner  Role = "owner"
)

const (
	ActionRead   Action = "read"
	ActionWrite  Action = "write"
	ActionManage Action = "manage"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleOwner, RoleAdmin:
		return true
	case RoleEditor:
		return action == ActionRead || action == ActionWrite
	case RoleViewer:
		return action == ActionRead
	default:
		return false
	}
}

// Normalize maps stored role names onto known roles. Team members invited
// with a plain "member" role may edit; anything unrecognized is read-only.
func Normalize(role string) Role {
	switch Role(role) {
	case RoleViewer, RoleEditor, RoleAdmin, RoleOwner:
		return Role(role)
	case "member":
		return RoleEditor
	default:
		return RoleViewer
	}
}

// ErrNotMember is returned by a MembershipSource for callers outside the team.
var ErrNotMember = errors.New("not a team member")

// MembershipSource resolves a caller's stored role in a team.
type MembershipSource interface {
	TeamRole(ctx context.Context, teamID, userID string) (string, error)
}

// Authorizer answers whether a caller may act on a team's content.
type Authorizer struct {
	members     MembershipSource
	isNotMember func(error) bool
}

// NewAuthorizer wraps a membership source. isNotMember classifies lookup
// errors that mean "no membership row"; nil treats only ErrNotMember that way.
func NewAuthorizer(members MembershipSource, isNotMember func(error) bool) *Authorizer {
	return &Authorizer{members: members, isNotMember: isNotMember}
}

func (a *Authorizer) CanAct(ctx context.Context, userID, teamID string, action Action) (bool, error) {
	if userID == "" || teamID == "" {
		return false, nil
	}
	role, err := a.members.TeamRole(ctx, teamID, userID)
	if err != nil {
		if errors.Is(err, ErrNotMember) || (a.isNotMember != nil && a.isNotMember(err)) {
			return false, nil
		}
		return false, fmt.Errorf("resolve team role: %w", err)
	}
	return Can(Normalize(role), action), nil
}
