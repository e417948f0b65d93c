package models

import (
	"strings"
	"time"

	"gorm.io/gorm"
)

// User represents a directory account, registered directly or provisioned
// from an OAuth provider.
type User struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	Email         string    `gorm:"size:255;not null;index" json:"email"`
	EmailKey      string    `gorm:"column:email_key;size:255;not null;uniqueIndex" json:"-"`
	Name          string    `gorm:"size:50;not null" json:"name"`
	AvatarURL     string    `gorm:"column:avatar_url;size:500" json:"avatar_url,omitempty"`
	Role          Role      `gorm:"size:30;not null" json:"role"`
	OAuthProvider *string   `gorm:"column:oauth_provider;size:50;uniqueIndex:idx_user_oauth" json:"oauth_provider,omitempty"` // github, google, figma
	OAuthID       *string   `gorm:"column:oauth_id;size:255;uniqueIndex:idx_user_oauth" json:"oauth_id,omitempty"`
	OAuthUsername *string   `gorm:"column:oauth_username;size:255" json:"oauth_username,omitempty"`
	IsActive      bool      `gorm:"not null;default:true" json:"is_active"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func (User) TableName() string { return "users" }

// BeforeSave keeps the case-insensitive uniqueness key in step with Email.
func (u *User) BeforeSave(tx *gorm.DB) error {
	u.EmailKey = EmailKey(u.Email)
	return nil
}

// EmailKey is the form emails are compared in.
func EmailKey(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

type userInput struct {
	Email string `validate:"required,email,max=255"`
	Name  string `validate:"required,min=2,max=50"`
}

// NewUser builds a locally registered user. Email uniqueness is not checked
// here; that needs the directory.
func NewUser(email, name string, role Role) (*User, error) {
	in := userInput{Email: strings.TrimSpace(email), Name: strings.TrimSpace(name)}
	if err := validateStruct(in); err != nil {
		return nil, err
	}
	if role == "" {
		return nil, NewValidationError("role", "required", "role is required")
	}
	if !role.IsValid() {
		return nil, NewValidationError("role", "oneof", "role must be one of DEVELOPER, DESIGNER, PRODUCT_OWNER, STAKEHOLDER")
	}
	return &User{
		Email:    in.Email,
		Name:     in.Name,
		Role:     role,
		IsActive: true,
	}, nil
}

// NewOAuthUser builds a user linked to an external identity provider.
func NewOAuthUser(email, name string, role Role, provider, externalID string) (*User, error) {
	provider = strings.TrimSpace(provider)
	externalID = strings.TrimSpace(externalID)
	if provider == "" {
		return nil, NewValidationError("oauth_provider", "required", "oauth provider is required")
	}
	if externalID == "" {
		return nil, NewValidationError("oauth_id", "required", "oauth id is required")
	}

	u, err := NewUser(email, name, role)
	if err != nil {
		return nil, err
	}
	u.OAuthProvider = &provider
	u.OAuthID = &externalID
	return u, nil
}

// IsOAuthLinked reports whether both provider and external id are present.
func (u *User) IsOAuthLinked() bool {
	return u.OAuthProvider != nil && u.OAuthID != nil
}

// LinkOAuth attaches an external identity to an existing account.
func (u *User) LinkOAuth(provider, externalID, username string) error {
	provider = strings.TrimSpace(provider)
	externalID = strings.TrimSpace(externalID)
	if provider == "" || externalID == "" {
		return NewValidationError("oauth", "required", "oauth provider and id are required")
	}
	u.OAuthProvider = &provider
	u.OAuthID = &externalID
	if username != "" {
		u.OAuthUsername = &username
	}
	return nil
}

// Deactivate disables the account. Existing memberships are left untouched.
func (u *User) Deactivate() {
	u.IsActive = false
}

func (u *User) Reactivate() {
	u.IsActive = true
}

// DisplayName returns the name, falling back to the email.
func (u *User) DisplayName() string {
	if u.Name != "" {
		return u.Name
	}
	return u.Email
}
