package models

import "strings"

// Role is a collaboration role. A user carries one as their account-level
// default and holds one per project through ProjectMember.
type Role string

const (
	RoleDeveloper    Role = "DEVELOPER"
	RoleDesigner     Role = "DESIGNER"
	RoleProductOwner Role = "PRODUCT_OWNER"
	RoleStakeholder  Role = "STAKEHOLDER"
)

// Actions understood by the permission check.
const (
	ActionView = "view"
	ActionEdit = "edit"
)

type roleInfo struct {
	displayName string
	description string
}

var roleInfos = map[Role]roleInfo{
	RoleDeveloper:    {"Developer", "Focus on code while staying aligned with design intent"},
	RoleDesigner:     {"Designer", "See implementations in real-time, provide contextual feedback"},
	RoleProductOwner: {"Product Owner", "Track progress visually, understand technical constraints"},
	RoleStakeholder:  {"Stakeholder", "Stay informed without technical complexity"},
}

// AllRoles returns the roles in declaration order.
func AllRoles() []Role {
	return []Role{RoleDeveloper, RoleDesigner, RoleProductOwner, RoleStakeholder}
}

// ParseRole looks a role up by name, ignoring case.
func ParseRole(name string) (Role, error) {
	r := Role(strings.ToUpper(strings.TrimSpace(name)))
	if !r.IsValid() {
		return "", NewValidationError("role", "oneof", "role must be one of DEVELOPER, DESIGNER, PRODUCT_OWNER, STAKEHOLDER")
	}
	return r, nil
}

func (r Role) IsValid() bool {
	_, ok := roleInfos[r]
	return ok
}

func (r Role) String() string { return string(r) }

func (r Role) DisplayName() string { return roleInfos[r].displayName }

func (r Role) Description() string { return roleInfos[r].description }

// CanView reports whether the role may view resources of the given type.
// Every role may view every resource type at this stage.
func (r Role) CanView(resourceType string) bool {
	return true
}

// Allowed is the single capability lookup for (role, action, resourceType).
// Per-action policy lands here; for now every action falls back to CanView.
func Allowed(role Role, action, resourceType string) bool {
	return role.CanView(resourceType)
}
