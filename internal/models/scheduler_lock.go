package models

import (
	"errors"
	"time"

	"gorm.io/gorm"
)

// SchedulerLock lets several server instances share one database without
// running the same scheduled job twice.
type SchedulerLock struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	LockName  string    `gorm:"uniqueIndex:idx_lock_name_key;size:100;not null" json:"lock_name"`
	LockKey   string    `gorm:"uniqueIndex:idx_lock_name_key;size:100;not null" json:"lock_key"`
	LockedBy  string    `gorm:"size:100" json:"locked_by"`
	LockedAt  time.Time `json:"locked_at"`
	ExpiresAt time.Time `gorm:"index" json:"expires_at"`
}

func (SchedulerLock) TableName() string { return "scheduler_locks" }

// TryAcquireSchedulerLock claims (name, key) for owner until ttl elapses.
// It reports false when another owner holds an unexpired claim.
func TryAcquireSchedulerLock(db *gorm.DB, name, key, owner string, ttl time.Duration) (bool, error) {
	now := time.Now()
	lock := SchedulerLock{LockName: name, LockKey: key, LockedBy: owner, LockedAt: now, ExpiresAt: now.Add(ttl)}

	err := db.Create(&lock).Error
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, gorm.ErrDuplicatedKey) {
		return false, err
	}

	// Take over an expired claim; the WHERE clause makes this a compare-and-swap.
	result := db.Model(&SchedulerLock{}).
		Where("lock_name = ? AND lock_key = ? AND (expires_at < ? OR locked_by = ?)", name, key, now, owner).
		Updates(map[string]interface{}{"locked_by": owner, "locked_at": now, "expires_at": now.Add(ttl)})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}
