package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/huangang/echoboard/internal/metrics"
	"github.com/huangang/echoboard/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type AddMemberRequest struct {
	UserID uint   `json:"user_id" binding:"required"`
	Role   string `json:"role" binding:"required"`
}

type ChangeRoleRequest struct {
	Role string `json:"role" binding:"required"`
}

type MemberListRequest struct {
	Status string `form:"status"`
	Role   string `form:"role"`
}

// PermissionDecision is the answer to a permission query.
type PermissionDecision struct {
	ProjectID    uint        `json:"project_id"`
	UserID       uint        `json:"user_id"`
	Action       string      `json:"action"`
	ResourceType string      `json:"resource_type"`
	Role         models.Role `json:"role,omitempty"`
	Allowed      bool        `json:"allowed"`
}

// memberFactory builds the new row once the project and user are loaded.
type memberFactory func(tx *gorm.DB, project *models.Project, user *models.User) (*models.ProjectMember, error)

// AddMember creates a DIRECT membership.
func (s *DirectoryService) AddMember(ctx context.Context, projectID, userID uint, role models.Role, actorID uint) (*models.ProjectMember, error) {
	m, err := s.createMembership(ctx, projectID, userID, func(_ *gorm.DB, p *models.Project, u *models.User) (*models.ProjectMember, error) {
		return models.NewDirectMember(p, u, role)
	})
	metrics.ObserveOperation("add_member", err)
	if err != nil {
		return nil, err
	}
	s.committed(ctx, newMembershipEvent(EventMemberJoined, m, actorID))
	return m, nil
}

// InviteMember creates an INVITED membership. The inviter must be an
// ACTIVE member of the same project.
func (s *DirectoryService) InviteMember(ctx context.Context, projectID, userID uint, role models.Role, inviterID uint) (*models.ProjectMember, error) {
	m, err := s.createMembership(ctx, projectID, userID, func(tx *gorm.DB, p *models.Project, u *models.User) (*models.ProjectMember, error) {
		inviter, err := loadUser(tx, inviterID)
		if err != nil {
			return nil, err
		}
		membership, err := loadMembership(tx, projectID, inviterID)
		if err != nil && !errors.Is(err, models.ErrNotFound) {
			return nil, err
		}
		if membership == nil || !membership.IsActive() {
			return nil, models.NewValidationError("invited_by", "active_member", "inviter is not an active member of the project")
		}
		return models.NewInvitedMember(p, u, role, inviter)
	})
	metrics.ObserveOperation("invite_member", err)
	if err != nil {
		return nil, err
	}
	s.committed(ctx, newMembershipEvent(EventMemberInvited, m, inviterID))
	return m, nil
}

// SyncOAuthMember mirrors a collaborator from a linked external tool.
func (s *DirectoryService) SyncOAuthMember(ctx context.Context, projectID, userID uint, role models.Role) (*models.ProjectMember, error) {
	m, err := s.createMembership(ctx, projectID, userID, func(_ *gorm.DB, p *models.Project, u *models.User) (*models.ProjectMember, error) {
		return models.NewOAuthSyncMember(p, u, role)
	})
	metrics.ObserveOperation("sync_oauth_member", err)
	if err != nil {
		return nil, err
	}
	s.committed(ctx, newMembershipEvent(EventMemberSynced, m, 0))
	return m, nil
}

// createMembership checks, in order: project exists and is ACTIVE, user
// exists and is active, no row exists for the pair, capacity remains.
func (s *DirectoryService) createMembership(ctx context.Context, projectID, userID uint, build memberFactory) (*models.ProjectMember, error) {
	var member *models.ProjectMember
	err := s.inProjectTx(ctx, projectID, func(tx *gorm.DB) error {
		project, err := s.lockProject(tx, projectID)
		if err != nil {
			return err
		}
		if !project.IsActive() {
			return &models.MembershipError{
				Kind:      models.ErrInvalidStateTransition,
				ProjectID: projectID,
				UserID:    userID,
				Detail:    fmt.Sprintf("project is %s", project.Status),
			}
		}
		user, err := loadUser(tx, userID)
		if err != nil {
			return err
		}
		if !user.IsActive {
			return models.NewValidationError("user", "active", "user is inactive")
		}

		existing, err := loadMembership(tx, projectID, userID)
		if err == nil {
			return &models.MembershipError{
				Kind:      models.ErrDuplicateMembership,
				ProjectID: projectID,
				UserID:    userID,
				Detail:    fmt.Sprintf("existing membership is %s", existing.Status),
			}
		}
		if !errors.Is(err, models.ErrNotFound) {
			return err
		}

		if err := checkCapacity(tx, project, userID); err != nil {
			return err
		}

		m, err := build(tx, project, user)
		if err != nil {
			return err
		}
		if err := tx.Omit(clause.Associations).Create(m).Error; err != nil {
			if isDuplicateKey(err) {
				return &models.MembershipError{Kind: models.ErrDuplicateMembership, ProjectID: projectID, UserID: userID}
			}
			return err
		}
		member = m
		return nil
	})
	if err != nil {
		return nil, err
	}
	return member, nil
}

func checkCapacity(tx *gorm.DB, project *models.Project, userID uint) error {
	active, err := countActive(tx, project.ID)
	if err != nil {
		return err
	}
	if active >= int64(project.MaxMembers) {
		return &models.MembershipError{
			Kind:      models.ErrCapacityExceeded,
			ProjectID: project.ID,
			UserID:    userID,
			Detail:    fmt.Sprintf("%d of %d seats taken", active, project.MaxMembers),
		}
	}
	return nil
}

// RejoinMember reactivates an existing LEFT or SUSPENDED row. It is subject
// to the same project, user and capacity checks as a new membership.
func (s *DirectoryService) RejoinMember(ctx context.Context, projectID, userID, actorID uint) (*models.ProjectMember, error) {
	var member *models.ProjectMember
	err := s.inProjectTx(ctx, projectID, func(tx *gorm.DB) error {
		project, err := s.lockProject(tx, projectID)
		if err != nil {
			return err
		}
		if !project.IsActive() {
			return &models.MembershipError{
				Kind:      models.ErrInvalidStateTransition,
				ProjectID: projectID,
				UserID:    userID,
				Detail:    fmt.Sprintf("project is %s", project.Status),
			}
		}
		user, err := loadUser(tx, userID)
		if err != nil {
			return err
		}
		if !user.IsActive {
			return models.NewValidationError("user", "active", "user is inactive")
		}
		m, err := loadMembership(tx, projectID, userID)
		if err != nil {
			return err
		}
		if m.IsActive() {
			return m.Reactivate()
		}
		if err := checkCapacity(tx, project, userID); err != nil {
			return err
		}
		if err := m.Reactivate(); err != nil {
			return err
		}
		if err := saveMemberState(tx, m); err != nil {
			return err
		}
		member = m
		return nil
	})
	metrics.ObserveOperation("rejoin", err)
	if err != nil {
		return nil, err
	}
	s.committed(ctx, newMembershipEvent(EventMemberReactivated, member, actorID))
	return member, nil
}

// LeaveProject moves an ACTIVE member to LEFT.
func (s *DirectoryService) LeaveProject(ctx context.Context, projectID, userID, actorID uint) (*models.ProjectMember, error) {
	m, err := s.transitionMember(ctx, projectID, userID, (*models.ProjectMember).Leave)
	metrics.ObserveOperation("leave", err)
	if err != nil {
		return nil, err
	}
	s.committed(ctx, newMembershipEvent(EventMemberLeft, m, actorID))
	return m, nil
}

// SuspendMember moves an ACTIVE member to SUSPENDED.
func (s *DirectoryService) SuspendMember(ctx context.Context, projectID, userID, actorID uint) (*models.ProjectMember, error) {
	m, err := s.transitionMember(ctx, projectID, userID, (*models.ProjectMember).Suspend)
	metrics.ObserveOperation("suspend", err)
	if err != nil {
		return nil, err
	}
	s.committed(ctx, newMembershipEvent(EventMemberSuspended, m, actorID))
	return m, nil
}

// ChangeMemberRole sets the role the user holds in this project only.
func (s *DirectoryService) ChangeMemberRole(ctx context.Context, projectID, userID uint, role models.Role, actorID uint) (*models.ProjectMember, error) {
	m, err := s.transitionMember(ctx, projectID, userID, func(m *models.ProjectMember) error {
		return m.ChangeRole(role)
	})
	metrics.ObserveOperation("change_role", err)
	if err != nil {
		return nil, err
	}
	s.committed(ctx, newMembershipEvent(EventMemberRoleChanged, m, actorID))
	return m, nil
}

func (s *DirectoryService) transitionMember(ctx context.Context, projectID, userID uint, apply func(*models.ProjectMember) error) (*models.ProjectMember, error) {
	var member *models.ProjectMember
	err := s.inProjectTx(ctx, projectID, func(tx *gorm.DB) error {
		if _, err := s.lockProject(tx, projectID); err != nil {
			return err
		}
		m, err := loadMembership(tx, projectID, userID)
		if err != nil {
			return err
		}
		if err := apply(m); err != nil {
			return err
		}
		if err := saveMemberState(tx, m); err != nil {
			return err
		}
		member = m
		return nil
	})
	if err != nil {
		return nil, err
	}
	return member, nil
}

// saveMemberState writes the mutable columns, including NULL left_at.
func saveMemberState(tx *gorm.DB, m *models.ProjectMember) error {
	return tx.Model(m).Select("status", "left_at", "project_role").Updates(m).Error
}

// GetMembership returns the row for the pair regardless of status.
func (s *DirectoryService) GetMembership(ctx context.Context, projectID, userID uint) (*models.ProjectMember, error) {
	var member models.ProjectMember
	err := s.db.WithContext(ctx).
		Preload("User").
		Preload("Inviter").
		Where("project_id = ? AND user_id = ?", projectID, userID).
		First(&member).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &models.NotFoundError{Entity: "membership", Key: fmt.Sprintf("project=%d user=%d", projectID, userID)}
		}
		return nil, err
	}
	return &member, nil
}

// ListMembers returns the project's memberships, oldest first.
func (s *DirectoryService) ListMembers(ctx context.Context, projectID uint, req *MemberListRequest) ([]models.ProjectMember, error) {
	db := s.db.WithContext(ctx)
	var count int64
	if err := db.Model(&models.Project{}).Where("id = ?", projectID).Count(&count).Error; err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, &models.NotFoundError{Entity: "project", ID: projectID}
	}

	query := db.Preload("User").Where("project_id = ?", projectID)
	if req != nil && req.Status != "" {
		status, err := models.ParseMemberStatus(req.Status)
		if err != nil {
			return nil, err
		}
		query = query.Where("status = ?", status)
	}
	if req != nil && req.Role != "" {
		role, err := models.ParseRole(req.Role)
		if err != nil {
			return nil, err
		}
		query = query.Where("project_role = ?", role)
	}

	members := []models.ProjectMember{}
	if err := query.Order("joined_at ASC, id ASC").Find(&members).Error; err != nil {
		return nil, err
	}
	return members, nil
}

// ListUserMemberships returns every membership row the user has.
func (s *DirectoryService) ListUserMemberships(ctx context.Context, userID uint) ([]models.ProjectMember, error) {
	db := s.db.WithContext(ctx)
	if _, err := loadUser(db, userID); err != nil {
		return nil, err
	}
	members := []models.ProjectMember{}
	err := db.Preload("Project").Where("user_id = ?", userID).Order("joined_at ASC, id ASC").Find(&members).Error
	return members, err
}

// ActiveProjectsForUser returns non-deleted projects where the user holds
// an ACTIVE membership.
func (s *DirectoryService) ActiveProjectsForUser(ctx context.Context, userID uint) ([]models.Project, error) {
	db := s.db.WithContext(ctx)
	if _, err := loadUser(db, userID); err != nil {
		return nil, err
	}
	projects := []models.Project{}
	err := db.Model(&models.Project{}).
		Joins("JOIN project_members ON project_members.project_id = projects.id").
		Where("project_members.user_id = ? AND project_members.status = ? AND projects.status <> ?",
			userID, models.MemberActive, models.ProjectDeleted).
		Order("projects.id ASC").
		Find(&projects).Error
	return projects, err
}

func (s *DirectoryService) CountActiveMembers(ctx context.Context, projectID uint) (int64, error) {
	return countActive(s.db.WithContext(ctx), projectID)
}

// IsActiveMember consults the permission cache before the database.
func (s *DirectoryService) IsActiveMember(ctx context.Context, projectID, userID uint) (bool, error) {
	role, err := s.activeRole(ctx, projectID, userID)
	if err != nil {
		return false, err
	}
	return role != "", nil
}

// CheckPermission answers whether the user may perform action on
// resourceType in the project. Non-members and inactive memberships are
// denied. The user's account status is not consulted.
func (s *DirectoryService) CheckPermission(ctx context.Context, projectID, userID uint, action, resourceType string) (*PermissionDecision, error) {
	role, err := s.activeRole(ctx, projectID, userID)
	if err != nil {
		return nil, err
	}
	decision := &PermissionDecision{
		ProjectID:    projectID,
		UserID:       userID,
		Action:       action,
		ResourceType: resourceType,
		Role:         role,
	}
	if role != "" {
		m := models.ProjectMember{ProjectRole: role, Status: models.MemberActive}
		decision.Allowed = m.HasPermission(action, resourceType)
	}
	metrics.ObservePermission(action, decision.Allowed)
	return decision, nil
}

// activeRole returns the project role of the pair's ACTIVE membership, or
// "" when there is none. Writers invalidate after releasing the project
// lock, so any entry filled here is either dropped or already current.
func (s *DirectoryService) activeRole(ctx context.Context, projectID, userID uint) (models.Role, error) {
	if role, ok := s.cache.Get(ctx, projectID, userID); ok {
		metrics.PermissionCacheTotal.WithLabelValues("hit").Inc()
		return role, nil
	}
	metrics.PermissionCacheTotal.WithLabelValues("miss").Inc()

	// Read and fill under the project lock so a membership change cannot
	// commit between the read and the Set and leave a stale role behind.
	unlock := s.locks.Lock(projectID)
	defer unlock()

	var member models.ProjectMember
	err := s.db.WithContext(ctx).
		Where("project_id = ? AND user_id = ?", projectID, userID).
		First(&member).Error
	var role models.Role
	switch {
	case err == nil:
		if member.IsActive() {
			role = member.ProjectRole
		}
	case errors.Is(err, gorm.ErrRecordNotFound):
	default:
		return "", err
	}
	s.cache.Set(ctx, projectID, userID, role)
	return role, nil
}
