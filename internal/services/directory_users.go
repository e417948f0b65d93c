package services

import (
	"context"
	"errors"
	"strings"

	"github.com/huangang/echoboard/internal/metrics"
	"github.com/huangang/echoboard/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrEmailTaken is returned when another account already uses the email,
// compared case-insensitively.
var ErrEmailTaken = models.NewValidationError("email", "unique", "email is already registered")

// ErrOAuthIdentityTaken is returned when the provider identity belongs to
// another account.
var ErrOAuthIdentityTaken = models.NewValidationError("oauth_id", "unique", "oauth identity is linked to another account")

// ErrRoleNotSelfAssignable is returned when a self-registration asks for a
// role only an administrator may grant.
var ErrRoleNotSelfAssignable = models.NewValidationError("role", "self_assignable", "role PRODUCT_OWNER is granted by an administrator")

type RegisterUserRequest struct {
	Email     string `json:"email" binding:"required,email"`
	Name      string `json:"name" binding:"required"`
	Role      string `json:"role" binding:"required"`
	AvatarURL string `json:"avatar_url"`
}

type ProvisionOAuthUserRequest struct {
	Email     string `json:"email" binding:"required,email"`
	Name      string `json:"name" binding:"required"`
	Role      string `json:"role" binding:"required"`
	Provider  string `json:"provider" binding:"required"`
	OAuthID   string `json:"oauth_id" binding:"required"`
	Username  string `json:"username"`
	AvatarURL string `json:"avatar_url"`
}

type UserListRequest struct {
	Page     int    `form:"page"`
	PageSize int    `form:"page_size" binding:"omitempty,max=100"`
	Role     string `form:"role"`
	Active   *bool  `form:"active"`
	Search   string `form:"search"`
}

type UserListResponse struct {
	Total    int64         `json:"total"`
	Page     int           `json:"page"`
	PageSize int           `json:"page_size"`
	Items    []models.User `json:"items"`
}

// RegisterUser creates a locally registered account. PRODUCT_OWNER carries
// administrative rights and cannot be chosen here; see ChangeUserRole.
func (s *DirectoryService) RegisterUser(ctx context.Context, req *RegisterUserRequest) (*models.User, error) {
	user, err := s.registerUser(ctx, req)
	metrics.ObserveOperation("register_user", err)
	return user, err
}

func (s *DirectoryService) registerUser(ctx context.Context, req *RegisterUserRequest) (*models.User, error) {
	role, err := models.ParseRole(req.Role)
	if err != nil {
		return nil, err
	}
	if role == models.RoleProductOwner {
		return nil, ErrRoleNotSelfAssignable
	}
	user, err := models.NewUser(req.Email, req.Name, role)
	if err != nil {
		return nil, err
	}
	user.AvatarURL = strings.TrimSpace(req.AvatarURL)

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return createUser(tx, user)
	})
	if err != nil {
		return nil, err
	}
	return user, nil
}

// ProvisionOAuthUser returns the account linked to (provider, oauth id),
// creating it when missing. created is false when the identity was already
// known. An email that belongs to another account is never linked here:
// that account must attach the identity itself with LinkOAuthIdentity.
func (s *DirectoryService) ProvisionOAuthUser(ctx context.Context, req *ProvisionOAuthUserRequest) (user *models.User, created bool, err error) {
	user, created, err = s.provisionOAuthUser(ctx, req)
	metrics.ObserveOperation("provision_oauth_user", err)
	return user, created, err
}

func (s *DirectoryService) provisionOAuthUser(ctx context.Context, req *ProvisionOAuthUserRequest) (*models.User, bool, error) {
	role, err := models.ParseRole(req.Role)
	if err != nil {
		return nil, false, err
	}
	if role == models.RoleProductOwner {
		return nil, false, ErrRoleNotSelfAssignable
	}
	candidate, err := models.NewOAuthUser(req.Email, req.Name, role, req.Provider, req.OAuthID)
	if err != nil {
		return nil, false, err
	}
	if req.Username != "" {
		username := req.Username
		candidate.OAuthUsername = &username
	}
	candidate.AvatarURL = strings.TrimSpace(req.AvatarURL)

	var result *models.User
	created := false
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		linked, err := findByOAuth(tx, *candidate.OAuthProvider, *candidate.OAuthID)
		if err != nil {
			return err
		}
		if linked != nil {
			result = linked
			return nil
		}

		if err := createUser(tx, candidate); err != nil {
			return err
		}
		result, created = candidate, true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return result, created, nil
}

// LinkOAuthIdentity attaches a provider identity to the user's own account.
// Linking the identity the account already holds is a no-op.
func (s *DirectoryService) LinkOAuthIdentity(ctx context.Context, userID uint, provider, oauthID, username string) (*models.User, error) {
	var user *models.User
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		u, err := loadUser(tx, userID)
		if err != nil {
			return err
		}
		provider, oauthID = strings.TrimSpace(provider), strings.TrimSpace(oauthID)

		owner, err := findByOAuth(tx, provider, oauthID)
		if err != nil {
			return err
		}
		if owner != nil {
			if owner.ID != u.ID {
				return ErrOAuthIdentityTaken
			}
			user = owner
			return nil
		}
		if u.IsOAuthLinked() {
			return models.NewValidationError("oauth_id", "immutable", "account is already linked to another identity")
		}

		if err := u.LinkOAuth(provider, oauthID, username); err != nil {
			return err
		}
		err = tx.Model(u).Select("oauth_provider", "oauth_id", "oauth_username").Updates(u).Error
		if err != nil {
			if isDuplicateKey(err) {
				return ErrOAuthIdentityTaken
			}
			return err
		}
		user = u
		return nil
	})
	metrics.ObserveOperation("link_oauth_identity", err)
	if err != nil {
		return nil, err
	}
	return user, nil
}

// findByOAuth returns nil without error when no account holds the identity.
func findByOAuth(tx *gorm.DB, provider, oauthID string) (*models.User, error) {
	var user models.User
	err := tx.Where("oauth_provider = ? AND oauth_id = ?", provider, oauthID).First(&user).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &user, nil
}

func createUser(tx *gorm.DB, user *models.User) error {
	var count int64
	if err := tx.Model(&models.User{}).Where("email_key = ?", models.EmailKey(user.Email)).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return ErrEmailTaken
	}
	if err := tx.Omit(clause.Associations).Create(user).Error; err != nil {
		if isDuplicateKey(err) {
			return ErrEmailTaken
		}
		return err
	}
	return nil
}

func (s *DirectoryService) GetUser(ctx context.Context, id uint) (*models.User, error) {
	return loadUser(s.db.WithContext(ctx), id)
}

// FindUserByEmail matches the email case-insensitively.
func (s *DirectoryService) FindUserByEmail(ctx context.Context, email string) (*models.User, error) {
	var user models.User
	err := s.db.WithContext(ctx).Where("email_key = ?", models.EmailKey(email)).First(&user).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &models.NotFoundError{Entity: "user", Key: email}
		}
		return nil, err
	}
	return &user, nil
}

func (s *DirectoryService) ListUsers(ctx context.Context, req *UserListRequest) (*UserListResponse, error) {
	if req.Page <= 0 {
		req.Page = 1
	}
	if req.PageSize <= 0 {
		req.PageSize = 20
	}

	query := s.db.WithContext(ctx).Model(&models.User{})
	if req.Role != "" {
		role, err := models.ParseRole(req.Role)
		if err != nil {
			return nil, err
		}
		query = query.Where("role = ?", role)
	}
	if req.Active != nil {
		query = query.Where("is_active = ?", *req.Active)
	}
	if req.Search != "" {
		like := "%" + strings.ToLower(req.Search) + "%"
		query = query.Where("LOWER(name) LIKE ? OR LOWER(email) LIKE ?", like, like)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, err
	}

	var users []models.User
	offset := (req.Page - 1) * req.PageSize
	if err := query.Offset(offset).Limit(req.PageSize).Order("id ASC").Find(&users).Error; err != nil {
		return nil, err
	}

	return &UserListResponse{
		Total:    total,
		Page:     req.Page,
		PageSize: req.PageSize,
		Items:    users,
	}, nil
}

// DeactivateUser disables the account. Memberships are not touched, so the
// user keeps their project permissions until removed from each project.
func (s *DirectoryService) DeactivateUser(ctx context.Context, id uint) (*models.User, error) {
	user, err := s.setUserActive(ctx, id, false)
	metrics.ObserveOperation("deactivate_user", err)
	return user, err
}

func (s *DirectoryService) ReactivateUser(ctx context.Context, id uint) (*models.User, error) {
	user, err := s.setUserActive(ctx, id, true)
	metrics.ObserveOperation("reactivate_user", err)
	return user, err
}

// ChangeUserRole sets the account-level role. Project roles are separate
// and unaffected.
func (s *DirectoryService) ChangeUserRole(ctx context.Context, id uint, role models.Role) (*models.User, error) {
	var user *models.User
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		u, err := loadUser(tx, id)
		if err != nil {
			return err
		}
		if !role.IsValid() {
			return models.NewValidationError("role", "oneof", "role must be one of DEVELOPER, DESIGNER, PRODUCT_OWNER, STAKEHOLDER")
		}
		u.Role = role
		if err := tx.Model(u).Update("role", u.Role).Error; err != nil {
			return err
		}
		user = u
		return nil
	})
	metrics.ObserveOperation("change_user_role", err)
	if err != nil {
		return nil, err
	}
	return user, nil
}

func (s *DirectoryService) setUserActive(ctx context.Context, id uint, active bool) (*models.User, error) {
	var user *models.User
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		u, err := loadUser(tx, id)
		if err != nil {
			return err
		}
		if active {
			u.Reactivate()
		} else {
			u.Deactivate()
		}
		if err := tx.Model(u).Update("is_active", u.IsActive).Error; err != nil {
			return err
		}
		user = u
		return nil
	})
	if err != nil {
		return nil, err
	}
	return user, nil
}
