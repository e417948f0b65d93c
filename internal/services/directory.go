package services

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/huangang/echoboard/internal/metrics"
	"github.com/huangang/echoboard/internal/models"
	"github.com/huangang/echoboard/pkg/logger"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DirectoryService owns users, projects and memberships. Every
// check-then-act sequence runs in one transaction serialized per project.
type DirectoryService struct {
	db                *gorm.DB
	events            EventQueue
	cache             PermissionCache
	settings          *SystemConfigService
	locks             *keyedMutex
	rowLocks          bool
	defaultMaxMembers int
}

type DirectoryOption func(*DirectoryService)

func WithEventQueue(q EventQueue) DirectoryOption {
	return func(s *DirectoryService) {
		if q != nil {
			s.events = q
		}
	}
}

func WithPermissionCache(c PermissionCache) DirectoryOption {
	return func(s *DirectoryService) {
		if c != nil {
			s.cache = c
		}
	}
}

// WithDefaultMaxMembers sets the capacity used when no settings row exists.
func WithDefaultMaxMembers(n int) DirectoryOption {
	return func(s *DirectoryService) {
		if n > 0 {
			s.defaultMaxMembers = n
		}
	}
}

func NewDirectoryService(db *gorm.DB, opts ...DirectoryOption) *DirectoryService {
	s := &DirectoryService{
		db:                db,
		events:            NewSyncQueue(),
		cache:             NoopCache{},
		settings:          NewSystemConfigService(db),
		locks:             newKeyedMutex(),
		rowLocks:          db.Dialector.Name() != "sqlite",
		defaultMaxMembers: models.DefaultMaxMembers,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// inProjectTx runs fn in a transaction while holding the project's
// in-process lock. On databases with row locks the project row is also
// locked FOR UPDATE by lockProject.
func (s *DirectoryService) inProjectTx(ctx context.Context, projectID uint, fn func(tx *gorm.DB) error) error {
	unlock := s.locks.Lock(projectID)
	defer unlock()
	return s.db.WithContext(ctx).Transaction(fn)
}

// lockProject loads the project inside tx, locking its row where supported.
func (s *DirectoryService) lockProject(tx *gorm.DB, projectID uint) (*models.Project, error) {
	q := tx
	if s.rowLocks {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var project models.Project
	if err := q.First(&project, projectID).Error; err != nil {
		return nil, notFound(err, "project", projectID)
	}
	return &project, nil
}

func loadUser(tx *gorm.DB, userID uint) (*models.User, error) {
	var user models.User
	if err := tx.First(&user, userID).Error; err != nil {
		return nil, notFound(err, "user", userID)
	}
	return &user, nil
}

func loadMembership(tx *gorm.DB, projectID, userID uint) (*models.ProjectMember, error) {
	var member models.ProjectMember
	err := tx.Where("project_id = ? AND user_id = ?", projectID, userID).First(&member).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &models.NotFoundError{Entity: "membership", Key: fmt.Sprintf("project=%d user=%d", projectID, userID)}
		}
		return nil, err
	}
	return &member, nil
}

func countActive(tx *gorm.DB, projectID uint) (int64, error) {
	var n int64
	err := tx.Model(&models.ProjectMember{}).
		Where("project_id = ? AND status = ?", projectID, models.MemberActive).
		Count(&n).Error
	return n, err
}

// notFound maps gorm.ErrRecordNotFound to a *models.NotFoundError.
func notFound(err error, entity string, id uint) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &models.NotFoundError{Entity: entity, ID: id}
	}
	return err
}

// isDuplicateKey reports unique index violations translated by gorm.
func isDuplicateKey(err error) bool {
	return errors.Is(err, gorm.ErrDuplicatedKey)
}

// committed publishes the event and drops the cached permission for the
// affected pair. Publishing failures do not undo the committed change.
func (s *DirectoryService) committed(ctx context.Context, event *MembershipEvent) {
	if event.UserID != 0 {
		s.cache.Invalidate(ctx, event.ProjectID, event.UserID)
	}
	if err := s.events.Publish(event); err != nil {
		logger.Warn().Err(err).Str("type", string(event.Type)).Msg("[Directory] Failed to publish membership event")
	}
}

func (s *DirectoryService) maxMembersForNewProject() int {
	return s.settings.GetInt(models.ConfigDefaultMaxMembers, s.defaultMaxMembers)
}

// ProcessMembershipEvent is the default EventProcessor: it writes an audit
// row, counts the event and forwards it to live subscribers.
func ProcessMembershipEvent(ctx context.Context, event *MembershipEvent) error {
	metrics.MembershipEventsTotal.WithLabelValues(string(event.Type)).Inc()

	var actor *uint
	if event.ActorID != 0 {
		id := event.ActorID
		actor = &id
	}
	msg := fmt.Sprintf("%s project=%d user=%d", event.Type, event.ProjectID, event.UserID)
	LogInfo("membership", string(event.Type), msg, actor, "", "", event)
	GetMembershipHub().Publish(*event)
	return nil
}

// keyedMutex hands out one mutex per project id, freeing it when unused.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[uint]*keyedLock
}

type keyedLock struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[uint]*keyedLock)}
}

func (k *keyedMutex) Lock(key uint) (unlock func()) {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
