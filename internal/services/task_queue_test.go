package services

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/huangang/echoboard/internal/models"
)

func TestTaskTypeMembershipEvent_Constant(t *testing.T) {
	if TaskTypeMembershipEvent != "membership:event" {
		t.Errorf("TaskTypeMembershipEvent = %q, expected %q", TaskTypeMembershipEvent, "membership:event")
	}
}

func TestNewMembershipEvent(t *testing.T) {
	m := &models.ProjectMember{
		ProjectID:   10,
		UserID:      20,
		ProjectRole: models.RoleDesigner,
		Status:      models.MemberActive,
	}

	event := newMembershipEvent(EventMemberInvited, m, 7)

	if event.ID == "" {
		t.Error("event ID should be set")
	}
	if event.Type != EventMemberInvited {
		t.Errorf("Type = %q, expected %q", event.Type, EventMemberInvited)
	}
	if event.ProjectID != 10 {
		t.Errorf("ProjectID = %d, expected 10", event.ProjectID)
	}
	if event.UserID != 20 {
		t.Errorf("UserID = %d, expected 20", event.UserID)
	}
	if event.ActorID != 7 {
		t.Errorf("ActorID = %d, expected 7", event.ActorID)
	}
	if event.Role != models.RoleDesigner {
		t.Errorf("Role = %q, expected %q", event.Role, models.RoleDesigner)
	}
	if event.OccurredAt.IsZero() {
		t.Error("OccurredAt should be set")
	}

	other := newMembershipEvent(EventMemberInvited, m, 7)
	if other.ID == event.ID {
		t.Error("event IDs should be unique")
	}
}

func TestMembershipEvent_JSON(t *testing.T) {
	event := &MembershipEvent{ID: "abc", Type: EventMemberLeft, ProjectID: 1, UserID: 2, Status: models.MemberLeft}

	data, err := json.Marshal(event)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	var fields map[string]interface{}
	if err := json.Unmarshal(data, &fields); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if fields["type"] != "member.left" {
		t.Errorf("type = %v, expected member.left", fields["type"])
	}
	if _, ok := fields["actor_id"]; ok {
		t.Error("zero actor_id should be omitted")
	}
}

func TestSyncQueue_New(t *testing.T) {
	queue := NewSyncQueue()
	if queue == nil {
		t.Error("NewSyncQueue should not return nil")
	}
}

func TestSyncQueue_IsAsync(t *testing.T) {
	queue := NewSyncQueue()
	if queue.IsAsync() {
		t.Error("SyncQueue.IsAsync() should return false")
	}
}

func TestSyncQueue_Close(t *testing.T) {
	queue := NewSyncQueue()
	err := queue.Close()
	if err != nil {
		t.Errorf("SyncQueue.Close() should return nil, got %v", err)
	}
}

func TestSyncQueue_PublishWithoutProcessor(t *testing.T) {
	queue := NewSyncQueue()
	err := queue.Publish(&MembershipEvent{Type: EventMemberJoined, ProjectID: 1, UserID: 1})
	if err != nil {
		t.Errorf("Publish without processor should not error, got %v", err)
	}
}

func TestSyncQueue_PublishCallsProcessor(t *testing.T) {
	queue := NewSyncQueue()

	var got *MembershipEvent
	queue.SetProcessor(func(ctx context.Context, e *MembershipEvent) error {
		got = e
		return nil
	})

	event := &MembershipEvent{Type: EventMemberJoined, ProjectID: 3, UserID: 4}
	if err := queue.Publish(event); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if got != event {
		t.Error("processor should receive the published event")
	}
}

func TestSyncQueue_ProcessorErrorIsNotReturned(t *testing.T) {
	queue := NewSyncQueue()
	queue.SetProcessor(func(ctx context.Context, e *MembershipEvent) error {
		return errors.New("audit store down")
	})

	if err := queue.Publish(&MembershipEvent{Type: EventMemberLeft}); err != nil {
		t.Errorf("Publish() should swallow processor errors, got %v", err)
	}
}

func TestAsyncQueue_IsAsync(t *testing.T) {
	queue := &AsyncQueue{}
	if !queue.IsAsync() {
		t.Error("AsyncQueue.IsAsync() should return true")
	}
}
