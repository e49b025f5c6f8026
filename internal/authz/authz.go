// Package authz answers access-control queries against a static
// role→permission table. Decisions are recomputed per check; nothing is
// cached, so a role change after re-authentication takes effect immediately.
package authz

import (
	"fmt"

	"studygate/internal/session"
)

// Permission is an opaque identifier scoped by domain, e.g. "study:create_plan".
// Permissions are declared in a static table and never derived at runtime.
type Permission string

// Study-domain permissions understood by the gateway.
const (
	PermStudyCreatePlan Permission = "study:create_plan"
	PermStudyViewPlan   Permission = "study:view_plan"
	PermStudyEditPlan   Permission = "study:edit_plan"
	PermStudyDeletePlan Permission = "study:delete_plan"

	PermContentModerate Permission = "content:moderate"
	PermContentPublish  Permission = "content:publish"

	PermSupportViewTickets  Permission = "support:view_tickets"
	PermSupportReplyTickets Permission = "support:reply_tickets"

	PermAdminDeleteUser  Permission = "admin:delete_user"
	PermAdminManageRoles Permission = "admin:manage_roles"
)

// RolePermissionMap is a total mapping from every role to its permission set.
// Entries are declared as slices for readability; duplicates collapse.
type RolePermissionMap map[session.Role][]Permission

// DefaultPermissions is the static table shipped with the client. The admin
// entry is an explicit enumeration, not a computed flattening of the other
// groups; NewEvaluator rejects the table if it ever stops covering them.
func DefaultPermissions() RolePermissionMap {
	return RolePermissionMap{
		session.RoleStudent: {
			PermStudyCreatePlan,
			PermStudyViewPlan,
			PermStudyEditPlan,
			PermStudyDeletePlan,
		},
		session.RoleSupport: {
			PermStudyViewPlan,
			PermSupportViewTickets,
			PermSupportReplyTickets,
		},
		session.RoleModerator: {
			PermStudyViewPlan,
			PermContentModerate,
			PermContentPublish,
		},
		session.RoleAdmin: {
			PermStudyCreatePlan,
			PermStudyViewPlan,
			PermStudyEditPlan,
			PermStudyDeletePlan,
			PermContentModerate,
			PermContentPublish,
			PermSupportViewTickets,
			PermSupportReplyTickets,
			PermAdminDeleteUser,
			PermAdminManageRoles,
		},
	}
}

// Decision is the outcome of a route guard check.
type Decision int

const (
	Allow Decision = iota
	DenyUnauthenticated
	DenyInsufficientRole
)

func (d Decision) String() string {
	switch d {
	case Allow:
		return "allow"
	case DenyUnauthenticated:
		return "deny:unauthenticated"
	case DenyInsufficientRole:
		return "deny:insufficient_role"
	}
	return fmt.Sprintf("decision(%d)", int(d))
}

// Allowed reports whether the decision grants access.
func (d Decision) Allowed() bool {
	return d == Allow
}

// Evaluator answers permission queries against a validated table. It holds
// read-only state and is safe for concurrent use.
type Evaluator struct {
	perms map[session.Role]map[Permission]struct{}
}

// NewEvaluator validates the table and builds an evaluator. Validation
// enforces two invariants at startup rather than at query time: every known
// role has an entry, and the admin set is a superset of every other role's.
func NewEvaluator(table RolePermissionMap) (*Evaluator, error) {
	if table == nil {
		return nil, fmt.Errorf("permission table is required")
	}

	perms := make(map[session.Role]map[Permission]struct{}, len(table))
	for role, list := range table {
		if !role.Valid() {
			return nil, fmt.Errorf("permission table declares unknown role %q", role)
		}
		set := make(map[Permission]struct{}, len(list))
		for _, p := range list {
			set[p] = struct{}{}
		}
		perms[role] = set
	}

	for _, role := range session.Roles() {
		if _, ok := perms[role]; !ok {
			return nil, fmt.Errorf("permission table is missing role %q", role)
		}
	}

	admin := perms[session.RoleAdmin]
	for role, set := range perms {
		if role == session.RoleAdmin {
			continue
		}
		for p := range set {
			if _, ok := admin[p]; !ok {
				return nil, fmt.Errorf("admin set is missing %q granted to %q", p, role)
			}
		}
	}

	return &Evaluator{perms: perms}, nil
}

// HasPermission reports whether the role's set contains the permission.
func (e *Evaluator) HasPermission(role session.Role, p Permission) bool {
	set, ok := e.perms[role]
	if !ok {
		return false
	}
	_, ok = set[p]
	return ok
}

// CanAccess reports whether the role holds every required permission.
// The check is conjunctive; there is no "any of" mode. An empty requirement
// is always satisfied.
func (e *Evaluator) CanAccess(role session.Role, required ...Permission) bool {
	for _, p := range required {
		if !e.HasPermission(role, p) {
			return false
		}
	}
	return true
}

// GuardRoute gates a route or action for the current session. A nil session
// denies as unauthenticated; a live session lacking any required permission
// denies as insufficient role.
func (e *Evaluator) GuardRoute(sess *session.Session, required ...Permission) Decision {
	if sess == nil {
		return DenyUnauthenticated
	}
	if !e.CanAccess(sess.Role, required...) {
		return DenyInsufficientRole
	}
	return Allow
}
