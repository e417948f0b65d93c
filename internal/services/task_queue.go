package services

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/huangang/echoboard/internal/config"
	"github.com/huangang/echoboard/internal/models"
	"github.com/huangang/echoboard/pkg/logger"
)

const (
	TaskTypeMembershipEvent = "membership:event"
)

type EventType string

const (
	EventMemberJoined      EventType = "member.joined"
	EventMemberInvited     EventType = "member.invited"
	EventMemberSynced      EventType = "member.synced"
	EventMemberLeft        EventType = "member.left"
	EventMemberSuspended   EventType = "member.suspended"
	EventMemberReactivated EventType = "member.reactivated"
	EventMemberRoleChanged EventType = "member.role_changed"
	EventProjectDeleted    EventType = "project.deleted"
)

// MembershipEvent records a committed change to a membership.
type MembershipEvent struct {
	ID         string              `json:"id"`
	Type       EventType           `json:"type"`
	ProjectID  uint                `json:"project_id"`
	UserID     uint                `json:"user_id,omitempty"`
	ActorID    uint                `json:"actor_id,omitempty"`
	Role       models.Role         `json:"role,omitempty"`
	Status     models.MemberStatus `json:"status,omitempty"`
	OccurredAt time.Time           `json:"occurred_at"`
}

func newEventID() string {
	return uuid.NewString()
}

func newMembershipEvent(t EventType, m *models.ProjectMember, actorID uint) *MembershipEvent {
	return &MembershipEvent{
		ID:         newEventID(),
		Type:       t,
		ProjectID:  m.ProjectID,
		UserID:     m.UserID,
		ActorID:    actorID,
		Role:       m.ProjectRole,
		Status:     m.Status,
		OccurredAt: time.Now(),
	}
}

// EventProcessor handles one membership event.
type EventProcessor func(context.Context, *MembershipEvent) error

// EventQueue defines the interface for membership event delivery
type EventQueue interface {
	// Publish hands an event to the queue
	Publish(event *MembershipEvent) error
	// IsAsync returns true if events are processed out of process
	IsAsync() bool
	// Close gracefully shuts down the queue
	Close() error
}

// Global event queue instance
var (
	globalEventQueue EventQueue
	eventQueueOnce   sync.Once
)

// InitEventQueue initializes the global event queue based on config
func InitEventQueue(cfg *config.Config) EventQueue {
	eventQueueOnce.Do(func() {
		if cfg.Redis.Enabled {
			queue, err := NewAsyncQueue(&cfg.Redis)
			if err != nil {
				logger.Warnf("[EventQueue] Redis unavailable, falling back to sync mode: %v", err)
				globalEventQueue = NewSyncQueue()
			} else {
				logger.Infof("[EventQueue] Async queue initialized with Redis at %s", cfg.Redis.Addr)
				globalEventQueue = queue
			}
		} else {
			logger.Infof("[EventQueue] Sync queue initialized (Redis disabled)")
			globalEventQueue = NewSyncQueue()
		}
	})
	return globalEventQueue
}

// GetEventQueue returns the global event queue instance
func GetEventQueue() EventQueue {
	return globalEventQueue
}

// AsyncQueue implements EventQueue using asynq (Redis-based)
type AsyncQueue struct {
	client *asynq.Client
}

// NewAsyncQueue creates a new Redis-based async queue
func NewAsyncQueue(cfg *config.RedisConfig) (*AsyncQueue, error) {
	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}

	client := asynq.NewClient(redisOpt)

	inspector := asynq.NewInspector(redisOpt)
	defer inspector.Close()

	// Verify the connection before committing to async mode
	if _, err := inspector.Queues(); err != nil {
		client.Close()
		return nil, err
	}

	return &AsyncQueue{client: client}, nil
}

// Publish enqueues the event for the worker
func (q *AsyncQueue) Publish(event *MembershipEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}

	t := asynq.NewTask(TaskTypeMembershipEvent, payload)
	info, err := q.client.Enqueue(t,
		asynq.Queue("default"),
		asynq.MaxRetry(3),
		asynq.TaskID(event.ID),
	)
	if err != nil {
		return err
	}

	logger.Debug().Str("task_id", info.ID).Str("type", string(event.Type)).Msg("[AsyncQueue] Event enqueued")
	return nil
}

func (q *AsyncQueue) IsAsync() bool {
	return true
}

func (q *AsyncQueue) Close() error {
	return q.client.Close()
}

// SyncQueue implements EventQueue by calling the processor in-process
type SyncQueue struct {
	processor EventProcessor
}

func NewSyncQueue() *SyncQueue {
	return &SyncQueue{}
}

// SetProcessor sets the function to process events synchronously
func (q *SyncQueue) SetProcessor(processor EventProcessor) {
	q.processor = processor
}

// Publish processes the event in the caller's goroutine. The membership
// change is already committed, so processor failures are logged only.
func (q *SyncQueue) Publish(event *MembershipEvent) error {
	if q.processor == nil {
		return nil
	}
	if err := q.processor(context.Background(), event); err != nil {
		logger.Warn().Err(err).Str("type", string(event.Type)).Msg("[SyncQueue] Event processing failed")
	}
	return nil
}

func (q *SyncQueue) IsAsync() bool {
	return false
}

func (q *SyncQueue) Close() error {
	return nil
}
