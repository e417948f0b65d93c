package services

import (
	"errors"
	"strconv"

	"github.com/huangang/echoboard/internal/models"
	"gorm.io/gorm"
)

type SystemConfigService struct {
	db *gorm.DB
}

func NewSystemConfigService(db *gorm.DB) *SystemConfigService {
	return &SystemConfigService{db: db}
}

func (s *SystemConfigService) Get(key string) (string, error) {
	var cfg models.SystemConfig
	if err := s.db.Where("config_key = ?", key).First(&cfg).Error; err != nil {
		return "", err
	}
	return cfg.Value, nil
}

func (s *SystemConfigService) GetWithDefault(key, defaultValue string) string {
	value, err := s.Get(key)
	if err != nil {
		return defaultValue
	}
	return value
}

func (s *SystemConfigService) GetInt(key string, defaultValue int) int {
	n, err := strconv.Atoi(s.GetWithDefault(key, ""))
	if err != nil {
		return defaultValue
	}
	return n
}

func (s *SystemConfigService) Set(key, value string) error {
	var cfg models.SystemConfig
	err := s.db.Where("config_key = ?", key).First(&cfg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		cfg = models.SystemConfig{
			Key:   key,
			Value: value,
		}
		return s.db.Create(&cfg).Error
	}
	if err != nil {
		return err
	}
	return s.db.Model(&cfg).Update("value", value).Error
}

func (s *SystemConfigService) GetByGroup(group string) ([]models.SystemConfig, error) {
	var configs []models.SystemConfig
	if err := s.db.Where("config_group = ?", group).Find(&configs).Error; err != nil {
		return nil, err
	}
	return configs, nil
}

// DirectorySettings are the tunables exposed through /api/settings.
type DirectorySettings struct {
	DefaultMaxMembers int `json:"default_max_members"`
	LogRetentionDays  int `json:"log_retention_days"`
}

type UpdateDirectorySettingsRequest struct {
	DefaultMaxMembers *int `json:"default_max_members" binding:"omitempty,min=1,max=1000"`
	LogRetentionDays  *int `json:"log_retention_days" binding:"omitempty,min=0,max=3650"`
}

// GetDirectorySettings returns the stored settings, falling back to
// fallbackMaxMembers when no row exists.
func (s *SystemConfigService) GetDirectorySettings(fallbackMaxMembers int) *DirectorySettings {
	if fallbackMaxMembers <= 0 {
		fallbackMaxMembers = models.DefaultMaxMembers
	}
	return &DirectorySettings{
		DefaultMaxMembers: s.GetInt(models.ConfigDefaultMaxMembers, fallbackMaxMembers),
		LogRetentionDays:  s.GetInt(models.ConfigLogRetentionDays, 30),
	}
}

func (s *SystemConfigService) UpdateDirectorySettings(req *UpdateDirectorySettingsRequest) error {
	if req.DefaultMaxMembers != nil {
		if *req.DefaultMaxMembers < 1 {
			return models.NewValidationError("default_max_members", "min", "default_max_members must be at least 1")
		}
		if err := s.Set(models.ConfigDefaultMaxMembers, strconv.Itoa(*req.DefaultMaxMembers)); err != nil {
			return err
		}
	}
	if req.LogRetentionDays != nil {
		if err := s.Set(models.ConfigLogRetentionDays, strconv.Itoa(*req.LogRetentionDays)); err != nil {
			return err
		}
	}
	return nil
}
