package models

import (
	"strings"
	"time"

	"gorm.io/gorm"
)

type ProjectStatus string

const (
	ProjectActive   ProjectStatus = "ACTIVE"
	ProjectArchived ProjectStatus = "ARCHIVED"
	ProjectDeleted  ProjectStatus = "DELETED"
)

// DefaultMaxMembers is the capacity given to new projects.
const DefaultMaxMembers = 10

// Project is a collaborative workspace owned by its creator.
type Project struct {
	ID          uint          `gorm:"primaryKey" json:"id"`
	Name        string        `gorm:"size:100;not null;index" json:"name"`
	NameKey     *string       `gorm:"column:name_key;size:100;uniqueIndex" json:"-"` // NULL once deleted
	Description string        `gorm:"type:text" json:"description"`
	Status      ProjectStatus `gorm:"size:20;not null;default:ACTIVE;index" json:"status"`
	CreatedBy   uint          `gorm:"not null;index" json:"created_by"`
	Creator     *User         `gorm:"foreignKey:CreatedBy" json:"creator,omitempty"`

	// External tool references, stored as given.
	GithubRepoURL   *string `gorm:"column:github_repo_url;size:500" json:"github_repo_url,omitempty"`
	GithubRepoOwner *string `gorm:"column:github_repo_owner;size:200" json:"github_repo_owner,omitempty"`
	GithubRepoName  *string `gorm:"column:github_repo_name;size:200" json:"github_repo_name,omitempty"`
	FigmaFileURL    *string `gorm:"column:figma_file_url;size:500" json:"figma_file_url,omitempty"`
	FigmaFileKey    *string `gorm:"column:figma_file_key;size:200" json:"figma_file_key,omitempty"`

	IsPublic   bool `gorm:"not null;default:false" json:"is_public"`
	MaxMembers int  `gorm:"not null;default:10" json:"max_members"`

	Members   []ProjectMember `gorm:"foreignKey:ProjectID;constraint:OnDelete:CASCADE" json:"members,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

func (Project) TableName() string { return "projects" }

// BeforeSave reserves the lowercased name for projects that are not
// deleted. Deleted projects release it.
func (p *Project) BeforeSave(tx *gorm.DB) error {
	p.NameKey = ProjectNameKey(p.Name, p.Status)
	return nil
}

// ProjectNameKey returns the uniqueness key for a project name, or nil for
// a deleted project.
func ProjectNameKey(name string, status ProjectStatus) *string {
	if status == ProjectDeleted {
		return nil
	}
	key := strings.ToLower(strings.TrimSpace(name))
	return &key
}

type projectInput struct {
	Name        string `validate:"required,min=2,max=100"`
	Description string `validate:"max=500"`
}

// NewProject builds an ACTIVE, private project with default capacity.
// Name uniqueness is checked by the directory.
func NewProject(name, description string, createdBy *User) (*Project, error) {
	in := projectInput{Name: strings.TrimSpace(name), Description: description}
	if err := validateStruct(in); err != nil {
		return nil, err
	}
	if createdBy == nil || createdBy.ID == 0 {
		return nil, NewValidationError("created_by", "required", "project creator is required")
	}
	return &Project{
		Name:        in.Name,
		Description: in.Description,
		Status:      ProjectActive,
		CreatedBy:   createdBy.ID,
		Creator:     createdBy,
		IsPublic:    false,
		MaxMembers:  DefaultMaxMembers,
	}, nil
}

func (p *Project) HasGithubIntegration() bool {
	return nonEmpty(p.GithubRepoURL) && nonEmpty(p.GithubRepoOwner) && nonEmpty(p.GithubRepoName)
}

func (p *Project) HasFigmaIntegration() bool {
	return nonEmpty(p.FigmaFileURL) && nonEmpty(p.FigmaFileKey)
}

// LinkGithub records the repository triple. Empty values clear the link.
func (p *Project) LinkGithub(url, owner, name string) {
	p.GithubRepoURL = optional(url)
	p.GithubRepoOwner = optional(owner)
	p.GithubRepoName = optional(name)
}

// LinkFigma records the design file pair. Empty values clear the link.
func (p *Project) LinkFigma(url, key string) {
	p.FigmaFileURL = optional(url)
	p.FigmaFileKey = optional(key)
}

// MemberCount counts the ACTIVE memberships among the loaded Members.
// Capacity is measured against this number only.
func (p *Project) MemberCount() int {
	n := 0
	for i := range p.Members {
		if p.Members[i].IsActive() {
			n++
		}
	}
	return n
}

// TotalMemberCount counts every loaded membership row regardless of status.
func (p *Project) TotalMemberCount() int {
	return len(p.Members)
}

func (p *Project) CanAddMoreMembers() bool {
	return p.MemberCount() < p.MaxMembers
}

func (p *Project) IsActive() bool {
	return p.Status == ProjectActive
}

// Archive moves an ACTIVE project to ARCHIVED. Memberships are preserved.
func (p *Project) Archive() error {
	if p.Status != ProjectActive {
		return p.transitionError(ProjectArchived)
	}
	p.Status = ProjectArchived
	return nil
}

// Restore moves an ARCHIVED project back to ACTIVE.
func (p *Project) Restore() error {
	if p.Status != ProjectArchived {
		return p.transitionError(ProjectActive)
	}
	p.Status = ProjectActive
	return nil
}

// MarkDeleted is terminal. Cascading to memberships is the directory's job.
func (p *Project) MarkDeleted() error {
	if p.Status == ProjectDeleted {
		return p.transitionError(ProjectDeleted)
	}
	p.Status = ProjectDeleted
	return nil
}

func (p *Project) transitionError(to ProjectStatus) error {
	return &TransitionError{Entity: "project", From: string(p.Status), To: string(to)}
}

func nonEmpty(s *string) bool {
	return s != nil && *s != ""
}

func optional(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}
