package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/huangang/echoboard/internal/metrics"
	"github.com/huangang/echoboard/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrProjectNameTaken is returned when the name is in use by another
// non-deleted project, compared case-insensitively.
var ErrProjectNameTaken = models.NewValidationError("name", "unique", "project name is already taken")

type CreateProjectRequest struct {
	Name            string `json:"name" binding:"required"`
	Description     string `json:"description"`
	IsPublic        bool   `json:"is_public"`
	MaxMembers      int    `json:"max_members" binding:"omitempty,min=1"`
	GithubRepoURL   string `json:"github_repo_url"`
	GithubRepoOwner string `json:"github_repo_owner"`
	GithubRepoName  string `json:"github_repo_name"`
	FigmaFileURL    string `json:"figma_file_url"`
	FigmaFileKey    string `json:"figma_file_key"`
}

// UpdateProjectRequest changes only the fields that are set.
type UpdateProjectRequest struct {
	Description     *string `json:"description"`
	IsPublic        *bool   `json:"is_public"`
	MaxMembers      *int    `json:"max_members" binding:"omitempty,min=1"`
	GithubRepoURL   *string `json:"github_repo_url"`
	GithubRepoOwner *string `json:"github_repo_owner"`
	GithubRepoName  *string `json:"github_repo_name"`
	FigmaFileURL    *string `json:"figma_file_url"`
	FigmaFileKey    *string `json:"figma_file_key"`
}

type ProjectListRequest struct {
	Page      int    `form:"page"`
	PageSize  int    `form:"page_size" binding:"omitempty,max=100"`
	Name      string `form:"name"`
	Status    string `form:"status"`
	CreatedBy uint   `form:"created_by"`
	IsPublic  *bool  `form:"is_public"`
}

type ProjectListResponse struct {
	Total    int64            `json:"total"`
	Page     int              `json:"page"`
	PageSize int              `json:"page_size"`
	Items    []models.Project `json:"items"`
}

// CreateProject creates the project and makes the creator its first
// member, a DIRECT PRODUCT_OWNER, in the same transaction.
func (s *DirectoryService) CreateProject(ctx context.Context, creatorID uint, req *CreateProjectRequest) (*models.Project, error) {
	project, owner, err := s.createProject(ctx, creatorID, req)
	metrics.ObserveOperation("create_project", err)
	if err != nil {
		return nil, err
	}
	s.committed(ctx, newMembershipEvent(EventMemberJoined, owner, creatorID))
	return project, nil
}

func (s *DirectoryService) createProject(ctx context.Context, creatorID uint, req *CreateProjectRequest) (*models.Project, *models.ProjectMember, error) {
	maxMembers := req.MaxMembers
	if maxMembers <= 0 {
		maxMembers = s.maxMembersForNewProject()
	}

	var project *models.Project
	var owner *models.ProjectMember
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		creator, err := loadUser(tx, creatorID)
		if err != nil {
			return err
		}
		if !creator.IsActive {
			return models.NewValidationError("created_by", "active", "project creator is inactive")
		}

		p, err := models.NewProject(req.Name, req.Description, creator)
		if err != nil {
			return err
		}
		p.IsPublic = req.IsPublic
		p.MaxMembers = maxMembers
		p.LinkGithub(req.GithubRepoURL, req.GithubRepoOwner, req.GithubRepoName)
		p.LinkFigma(req.FigmaFileURL, req.FigmaFileKey)

		if err := ensureProjectNameFree(tx, p.Name, 0); err != nil {
			return err
		}
		if err := tx.Omit(clause.Associations).Create(p).Error; err != nil {
			if isDuplicateKey(err) {
				return ErrProjectNameTaken
			}
			return err
		}

		m, err := models.NewDirectMember(p, creator, models.RoleProductOwner)
		if err != nil {
			return err
		}
		if err := tx.Omit(clause.Associations).Create(m).Error; err != nil {
			return err
		}

		p.Members = []models.ProjectMember{*m}
		project, owner = p, m
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return project, owner, nil
}

// ensureProjectNameFree gives a clean error for the common case. The unique
// name_key index decides concurrent creates.
func ensureProjectNameFree(tx *gorm.DB, name string, exceptID uint) error {
	q := tx.Model(&models.Project{}).
		Where("name_key = ?", *models.ProjectNameKey(name, models.ProjectActive))
	if exceptID != 0 {
		q = q.Where("id <> ?", exceptID)
	}
	var count int64
	if err := q.Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return ErrProjectNameTaken
	}
	return nil
}

// GetProject loads the project with its memberships and their users.
func (s *DirectoryService) GetProject(ctx context.Context, id uint) (*models.Project, error) {
	var project models.Project
	err := s.db.WithContext(ctx).
		Preload("Creator").
		Preload("Members", func(db *gorm.DB) *gorm.DB { return db.Order("joined_at ASC, id ASC") }).
		Preload("Members.User").
		First(&project, id).Error
	if err != nil {
		return nil, notFound(err, "project", id)
	}
	return &project, nil
}

// FindProjectByName matches non-deleted projects case-insensitively.
func (s *DirectoryService) FindProjectByName(ctx context.Context, name string) (*models.Project, error) {
	var project models.Project
	err := s.db.WithContext(ctx).
		Where("name_key = ?", *models.ProjectNameKey(name, models.ProjectActive)).
		First(&project).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &models.NotFoundError{Entity: "project", Key: name}
		}
		return nil, err
	}
	return &project, nil
}

func (s *DirectoryService) ListProjects(ctx context.Context, req *ProjectListRequest) (*ProjectListResponse, error) {
	if req.Page <= 0 {
		req.Page = 1
	}
	if req.PageSize <= 0 {
		req.PageSize = 20
	}

	query := s.db.WithContext(ctx).Model(&models.Project{})
	if req.Status != "" {
		query = query.Where("status = ?", strings.ToUpper(req.Status))
	} else {
		query = query.Where("status <> ?", models.ProjectDeleted)
	}
	if req.Name != "" {
		query = query.Where("LOWER(name) LIKE ?", "%"+strings.ToLower(req.Name)+"%")
	}
	if req.CreatedBy != 0 {
		query = query.Where("created_by = ?", req.CreatedBy)
	}
	if req.IsPublic != nil {
		query = query.Where("is_public = ?", *req.IsPublic)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, err
	}

	var projects []models.Project
	offset := (req.Page - 1) * req.PageSize
	if err := query.Offset(offset).Limit(req.PageSize).Order("created_at DESC, id DESC").Find(&projects).Error; err != nil {
		return nil, err
	}

	return &ProjectListResponse{
		Total:    total,
		Page:     req.Page,
		PageSize: req.PageSize,
		Items:    projects,
	}, nil
}

// UpdateProjectSettings applies visibility, capacity and integration
// changes. Capacity may not drop below the current active member count.
func (s *DirectoryService) UpdateProjectSettings(ctx context.Context, id uint, req *UpdateProjectRequest) (*models.Project, error) {
	var project *models.Project
	err := s.inProjectTx(ctx, id, func(tx *gorm.DB) error {
		p, err := s.lockProject(tx, id)
		if err != nil {
			return err
		}
		if p.Status == models.ProjectDeleted {
			return &models.TransitionError{Entity: "project", From: string(p.Status), To: string(p.Status)}
		}

		if req.Description != nil {
			if len(*req.Description) > 500 {
				return models.NewValidationError("description", "max", "description must be at most 500 characters")
			}
			p.Description = *req.Description
		}
		if req.IsPublic != nil {
			p.IsPublic = *req.IsPublic
		}
		if req.MaxMembers != nil {
			if *req.MaxMembers < 1 {
				return models.NewValidationError("max_members", "min", "max_members must be at least 1")
			}
			active, err := countActive(tx, id)
			if err != nil {
				return err
			}
			if int64(*req.MaxMembers) < active {
				return models.NewValidationError("max_members", "gte_active",
					fmt.Sprintf("max_members cannot be lower than the %d active members", active))
			}
			p.MaxMembers = *req.MaxMembers
		}
		if req.GithubRepoURL != nil || req.GithubRepoOwner != nil || req.GithubRepoName != nil {
			p.LinkGithub(orCurrent(req.GithubRepoURL, p.GithubRepoURL),
				orCurrent(req.GithubRepoOwner, p.GithubRepoOwner),
				orCurrent(req.GithubRepoName, p.GithubRepoName))
		}
		if req.FigmaFileURL != nil || req.FigmaFileKey != nil {
			p.LinkFigma(orCurrent(req.FigmaFileURL, p.FigmaFileURL), orCurrent(req.FigmaFileKey, p.FigmaFileKey))
		}

		if err := tx.Omit(clause.Associations).Save(p).Error; err != nil {
			return err
		}
		project = p
		return nil
	})
	metrics.ObserveOperation("update_project", err)
	if err != nil {
		return nil, err
	}
	return project, nil
}

func orCurrent(next, current *string) string {
	if next != nil {
		return *next
	}
	if current != nil {
		return *current
	}
	return ""
}

// ArchiveProject freezes the project. Memberships are kept; new members
// are rejected until it is restored.
func (s *DirectoryService) ArchiveProject(ctx context.Context, id uint) (*models.Project, error) {
	project, err := s.transitionProject(ctx, id, (*models.Project).Archive)
	metrics.ObserveOperation("archive_project", err)
	return project, err
}

func (s *DirectoryService) RestoreProject(ctx context.Context, id uint) (*models.Project, error) {
	project, err := s.transitionProject(ctx, id, (*models.Project).Restore)
	metrics.ObserveOperation("restore_project", err)
	return project, err
}

func (s *DirectoryService) transitionProject(ctx context.Context, id uint, transition func(*models.Project) error) (*models.Project, error) {
	var project *models.Project
	err := s.inProjectTx(ctx, id, func(tx *gorm.DB) error {
		p, err := s.lockProject(tx, id)
		if err != nil {
			return err
		}
		if err := transition(p); err != nil {
			return err
		}
		if err := tx.Model(p).Update("status", p.Status).Error; err != nil {
			return err
		}
		project = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return project, nil
}

// DeleteProject marks the project DELETED and moves every ACTIVE member to
// LEFT in one transaction. Rows are kept.
func (s *DirectoryService) DeleteProject(ctx context.Context, id, actorID uint) error {
	var departed []models.ProjectMember
	err := s.inProjectTx(ctx, id, func(tx *gorm.DB) error {
		p, err := s.lockProject(tx, id)
		if err != nil {
			return err
		}
		if err := p.MarkDeleted(); err != nil {
			return err
		}
		// Releases the name for reuse.
		if err := tx.Model(p).Updates(map[string]interface{}{"status": p.Status, "name_key": nil}).Error; err != nil {
			return err
		}

		if err := tx.Where("project_id = ? AND status = ?", id, models.MemberActive).Find(&departed).Error; err != nil {
			return err
		}
		if len(departed) == 0 {
			return nil
		}
		now := time.Now()
		for i := range departed {
			departed[i].Status = models.MemberLeft
			departed[i].LeftAt = &now
		}
		return tx.Model(&models.ProjectMember{}).
			Where("project_id = ? AND status = ?", id, models.MemberActive).
			Updates(map[string]interface{}{"status": models.MemberLeft, "left_at": now}).Error
	})
	metrics.ObserveOperation("delete_project", err)
	if err != nil {
		return err
	}

	for i := range departed {
		s.committed(ctx, newMembershipEvent(EventMemberLeft, &departed[i], actorID))
	}
	s.committed(ctx, &MembershipEvent{
		ID:         newEventID(),
		Type:       EventProjectDeleted,
		ProjectID:  id,
		ActorID:    actorID,
		OccurredAt: time.Now(),
	})
	return nil
}
