package models

import (
	"strings"
	"time"
)

type MemberStatus string

const (
	MemberActive    MemberStatus = "ACTIVE"
	MemberLeft      MemberStatus = "LEFT"
	MemberSuspended MemberStatus = "SUSPENDED"
)

// ParseMemberStatus looks a status up by name, ignoring case.
func ParseMemberStatus(name string) (MemberStatus, error) {
	st := MemberStatus(strings.ToUpper(strings.TrimSpace(name)))
	switch st {
	case MemberActive, MemberLeft, MemberSuspended:
		return st, nil
	}
	return "", NewValidationError("status", "oneof", "status must be one of ACTIVE, LEFT, SUSPENDED")
}

type JoinMethod string

const (
	JoinDirect    JoinMethod = "DIRECT"
	JoinInvited   JoinMethod = "INVITED"
	JoinOAuthSync JoinMethod = "OAUTH_SYNC"
)

// ProjectMember binds one user to one project. At most one row exists per
// (project, user) pair; rejoining reactivates that row.
type ProjectMember struct {
	ID          uint         `gorm:"primaryKey" json:"id"`
	ProjectID   uint         `gorm:"uniqueIndex:idx_project_user;not null" json:"project_id"`
	Project     *Project     `gorm:"foreignKey:ProjectID" json:"project,omitempty"`
	UserID      uint         `gorm:"uniqueIndex:idx_project_user;not null;index" json:"user_id"`
	User        *User        `gorm:"foreignKey:UserID;constraint:OnDelete:CASCADE" json:"user,omitempty"`
	ProjectRole Role         `gorm:"column:project_role;size:30;not null" json:"project_role"`
	Status      MemberStatus `gorm:"size:20;not null;default:ACTIVE;index" json:"status"`
	JoinMethod  JoinMethod   `gorm:"size:20;not null" json:"join_method"`
	InvitedBy   *uint        `gorm:"column:invited_by;index" json:"invited_by,omitempty"`
	Inviter     *User        `gorm:"foreignKey:InvitedBy" json:"inviter,omitempty"`
	JoinedAt    time.Time    `gorm:"autoCreateTime;not null" json:"joined_at"`
	LeftAt      *time.Time   `json:"left_at,omitempty"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

func (ProjectMember) TableName() string { return "project_members" }

// NewDirectMember creates an ACTIVE membership the user joined on their own.
func NewDirectMember(project *Project, user *User, role Role) (*ProjectMember, error) {
	return newMember(project, user, role, JoinDirect)
}

// NewInvitedMember creates an ACTIVE membership granted by invitedBy.
func NewInvitedMember(project *Project, user *User, role Role, invitedBy *User) (*ProjectMember, error) {
	if invitedBy == nil {
		return nil, NewValidationError("invited_by", "required", "inviter is required")
	}
	m, err := newMember(project, user, role, JoinInvited)
	if err != nil {
		return nil, err
	}
	id := invitedBy.ID
	m.InvitedBy = &id
	m.Inviter = invitedBy
	return m, nil
}

// NewOAuthSyncMember creates a membership mirrored from an external tool's
// collaborator list. The user must be OAuth-linked.
func NewOAuthSyncMember(project *Project, user *User, role Role) (*ProjectMember, error) {
	if user != nil && !user.IsOAuthLinked() {
		return nil, NewValidationError("user", "oauth_linked", "user is not linked to an oauth provider")
	}
	return newMember(project, user, role, JoinOAuthSync)
}

func newMember(project *Project, user *User, role Role, method JoinMethod) (*ProjectMember, error) {
	if project == nil {
		return nil, NewValidationError("project", "required", "project is required")
	}
	if user == nil {
		return nil, NewValidationError("user", "required", "user is required")
	}
	if !role.IsValid() {
		return nil, NewValidationError("project_role", "oneof", "project role must be one of DEVELOPER, DESIGNER, PRODUCT_OWNER, STAKEHOLDER")
	}
	return &ProjectMember{
		ProjectID:   project.ID,
		UserID:      user.ID,
		User:        user,
		ProjectRole: role,
		Status:      MemberActive,
		JoinMethod:  method,
		JoinedAt:    time.Now(),
	}, nil
}

func (m *ProjectMember) IsActive() bool {
	return m.Status == MemberActive
}

// Leave moves an ACTIVE member to LEFT and stamps LeftAt.
func (m *ProjectMember) Leave() error {
	return m.deactivate(MemberLeft)
}

// Suspend moves an ACTIVE member to SUSPENDED and stamps LeftAt.
func (m *ProjectMember) Suspend() error {
	return m.deactivate(MemberSuspended)
}

func (m *ProjectMember) deactivate(to MemberStatus) error {
	if m.Status != MemberActive {
		return m.transitionError(to)
	}
	now := time.Now()
	m.Status = to
	m.LeftAt = &now
	return nil
}

// Reactivate returns a LEFT or SUSPENDED member to ACTIVE and clears LeftAt.
func (m *ProjectMember) Reactivate() error {
	if m.Status != MemberLeft && m.Status != MemberSuspended {
		return m.transitionError(MemberActive)
	}
	m.Status = MemberActive
	m.LeftAt = nil
	return nil
}

// ChangeRole sets the role held in this project. The user's global role is
// not affected.
func (m *ProjectMember) ChangeRole(role Role) error {
	if !role.IsValid() {
		return NewValidationError("project_role", "oneof", "project role must be one of DEVELOPER, DESIGNER, PRODUCT_OWNER, STAKEHOLDER")
	}
	m.ProjectRole = role
	return nil
}

// HasPermission answers whether this membership allows action on
// resourceType. Inactive memberships allow nothing; active members may view
// everything; any other action is decided by the project role's capability.
func (m *ProjectMember) HasPermission(action, resourceType string) bool {
	if !m.IsActive() {
		return false
	}
	if action == ActionView {
		return true
	}
	return Allowed(m.ProjectRole, action, resourceType)
}

func (m *ProjectMember) transitionError(to MemberStatus) error {
	return &TransitionError{Entity: "membership", From: string(m.Status), To: string(to)}
}
