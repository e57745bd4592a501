// Package rbac provides the operator allow-list and permission checks.
package rbac

import "sort"

// Permission represents a specific action that can be checked against
// a user.
type Permission int

const (
	PermAddRestriction Permission = iota
	PermRemoveRestriction
	PermInspectRestriction
)

// Role is what the allow-list grants a user.
type Role int

const (
	RoleUser     Role = iota // Default: may inspect restrictions
	RoleOperator             // May add and remove restrictions
)

func (r Role) String() string {
	switch r {
	case RoleUser:
		return "user"
	case RoleOperator:
		return "operator"
	default:
		return "unknown"
	}
}

// permissionMatrix maps roles to their allowed permissions.
var permissionMatrix = map[Role]map[Permission]bool{
	RoleOperator: {
		PermAddRestriction:     true,
		PermRemoveRestriction:  true,
		PermInspectRestriction: true,
	},
	RoleUser: {
		PermInspectRestriction: true,
	},
}

// Operators is the fixed set of user IDs allowed to manage restrictions.
// It is built once at startup and never mutated.
type Operators struct {
	ids map[int64]struct{}
}

// NewOperators builds an allow-list from user IDs.
func NewOperators(ids ...int64) Operators {
	set := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return Operators{ids: set}
}

// IsOperator reports whether userID is on the allow-list.
func (o Operators) IsOperator(userID int64) bool {
	_, ok := o.ids[userID]
	return ok
}

// RoleOf returns the role the allow-list grants userID.
func (o Operators) RoleOf(userID int64) Role {
	if o.IsOperator(userID) {
		return RoleOperator
	}
	return RoleUser
}

// IDs returns the operator IDs in ascending order.
func (o Operators) IDs() []int64 {
	ids := make([]int64, 0, len(o.ids))
	for id := range o.ids {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// HasPermission checks if a role has a specific permission.
func HasPermission(role Role, perm Permission) bool {
	perms, ok := permissionMatrix[role]
	if !ok {
		return false
	}
	return perms[perm]
}

// Allowed checks userID's permission through the allow-list.
func (o Operators) Allowed(userID int64, perm Permission) bool {
	return HasPermission(o.RoleOf(userID), perm)
}

// RequirePermission returns an error message if the role lacks the permission, or empty string if allowed.
func RequirePermission(role Role, perm Permission) string {
	if HasPermission(role, perm) {
		return ""
	}
	return "permission denied: " + permName(perm) + " requires operator"
}

func permName(p Permission) string {
	switch p {
	case PermAddRestriction:
		return "add_restriction"
	case PermRemoveRestriction:
		return "remove_restriction"
	case PermInspectRestriction:
		return "inspect_restriction"
	default:
		return "unknown"
	}
}
