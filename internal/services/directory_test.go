package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/huangang/echoboard/internal/config"
	"github.com/huangang/echoboard/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

type recordedEvents struct {
	mu     sync.Mutex
	events []MembershipEvent
}

func (r *recordedEvents) process(_ context.Context, e *MembershipEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, *e)
	return nil
}

func (r *recordedEvents) types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventType, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

var testDBSeq atomic.Int64

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:directory_test_%d?mode=memory&cache=shared", testDBSeq.Add(1))
	db, err := models.OpenDB(&config.DatabaseConfig{Driver: "sqlite", DSN: dsn}, gormlogger.Silent)
	require.NoError(t, err)
	require.NoError(t, models.Migrate(db))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return db
}

func newTestDirectory(t *testing.T, opts ...DirectoryOption) (*DirectoryService, *recordedEvents) {
	t.Helper()
	db := openTestDB(t)
	rec := &recordedEvents{}
	queue := NewSyncQueue()
	queue.SetProcessor(rec.process)
	opts = append([]DirectoryOption{WithEventQueue(queue)}, opts...)
	return NewDirectoryService(db, opts...), rec
}

// mustRegister creates a user with the given account role. PRODUCT_OWNER is
// not self-assignable, so it is granted after registration.
func mustRegister(t *testing.T, s *DirectoryService, email, name string, role models.Role) *models.User {
	t.Helper()
	ctx := context.Background()
	registerAs := role
	if role == models.RoleProductOwner {
		registerAs = models.RoleDeveloper
	}
	u, err := s.RegisterUser(ctx, &RegisterUserRequest{Email: email, Name: name, Role: string(registerAs)})
	require.NoError(t, err)
	if registerAs != role {
		u, err = s.ChangeUserRole(ctx, u.ID, role)
		require.NoError(t, err)
	}
	return u
}

func mustCreateProject(t *testing.T, s *DirectoryService, owner *models.User, name string, maxMembers int) *models.Project {
	t.Helper()
	p, err := s.CreateProject(context.Background(), owner.ID, &CreateProjectRequest{Name: name, MaxMembers: maxMembers})
	require.NoError(t, err)
	return p
}

func TestDirectory_RegisterUser(t *testing.T) {
	s, _ := newTestDirectory(t)
	ctx := context.Background()

	u := mustRegister(t, s, "Alice@Example.com", "Alice", models.RoleDeveloper)
	assert.NotZero(t, u.ID)
	assert.True(t, u.IsActive)
	assert.False(t, u.IsOAuthLinked())

	_, err := s.RegisterUser(ctx, &RegisterUserRequest{Email: "alice@example.com", Name: "Alice Two", Role: "DESIGNER"})
	assert.ErrorIs(t, err, ErrEmailTaken)

	_, err = s.RegisterUser(ctx, &RegisterUserRequest{Email: "bob@example.com", Name: "Bob", Role: "ADMIN"})
	assert.True(t, models.IsValidationError(err), "unknown role should be a validation error")

	_, err = s.RegisterUser(ctx, &RegisterUserRequest{Email: "not-an-email", Name: "Bob", Role: "DEVELOPER"})
	assert.True(t, models.IsValidationError(err), "bad email should be a validation error")

	found, err := s.FindUserByEmail(ctx, "ALICE@example.COM")
	require.NoError(t, err)
	assert.Equal(t, u.ID, found.ID)

	_, err = s.FindUserByEmail(ctx, "nobody@example.com")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestDirectory_RegisterUserRejectsAdminRole(t *testing.T) {
	s, _ := newTestDirectory(t)
	ctx := context.Background()

	_, err := s.RegisterUser(ctx, &RegisterUserRequest{Email: "eve@example.com", Name: "Eve", Role: "product_owner"})
	assert.ErrorIs(t, err, ErrRoleNotSelfAssignable)

	_, err = s.FindUserByEmail(ctx, "eve@example.com")
	assert.ErrorIs(t, err, models.ErrNotFound, "rejected registration leaves no account")

	_, _, err = s.ProvisionOAuthUser(ctx, &ProvisionOAuthUserRequest{
		Email: "eve@example.com", Name: "Eve", Role: "PRODUCT_OWNER", Provider: "github", OAuthID: "7",
	})
	assert.ErrorIs(t, err, ErrRoleNotSelfAssignable)

	u := mustRegister(t, s, "eve@example.com", "Eve", models.RoleDeveloper)
	promoted, err := s.ChangeUserRole(ctx, u.ID, models.RoleProductOwner)
	require.NoError(t, err)
	assert.Equal(t, models.RoleProductOwner, promoted.Role)

	reloaded, err := s.GetUser(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RoleProductOwner, reloaded.Role)

	_, err = s.ChangeUserRole(ctx, u.ID, models.Role("ADMIN"))
	assert.True(t, models.IsValidationError(err))
	_, err = s.ChangeUserRole(ctx, 999, models.RoleDeveloper)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestDirectory_ProvisionOAuthUser(t *testing.T) {
	s, _ := newTestDirectory(t)
	ctx := context.Background()

	req := &ProvisionOAuthUserRequest{
		Email:    "carol@example.com",
		Name:     "Carol",
		Role:     "DESIGNER",
		Provider: "github",
		OAuthID:  "12345",
		Username: "carol-gh",
	}
	first, created, err := s.ProvisionOAuthUser(ctx, req)
	require.NoError(t, err)
	assert.True(t, created)
	assert.True(t, first.IsOAuthLinked())

	second, created, err := s.ProvisionOAuthUser(ctx, req)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID, "provisioning the same identity twice returns the same user")

	_, _, err = s.ProvisionOAuthUser(ctx, &ProvisionOAuthUserRequest{
		Email: "carol@example.com", Name: "Carol", Role: "DESIGNER", Provider: "google", OAuthID: "g-1",
	})
	assert.ErrorIs(t, err, ErrEmailTaken)
}

func TestDirectory_ProvisionOAuthUserNeverLinksByEmail(t *testing.T) {
	s, _ := newTestDirectory(t)
	ctx := context.Background()

	local := mustRegister(t, s, "dave@example.com", "Dave", models.RoleDeveloper)
	_, _, err := s.ProvisionOAuthUser(ctx, &ProvisionOAuthUserRequest{
		Email: "DAVE@example.com", Name: "Mallory", Role: "DEVELOPER", Provider: "evil", OAuthID: "1",
	})
	assert.ErrorIs(t, err, ErrEmailTaken)

	reloaded, err := s.GetUser(ctx, local.ID)
	require.NoError(t, err)
	assert.False(t, reloaded.IsOAuthLinked(), "an existing account is not linked by email")

	linked, err := s.LinkOAuthIdentity(ctx, local.ID, "figma", "f-9", "dave-f")
	require.NoError(t, err)
	assert.True(t, linked.IsOAuthLinked())

	again, err := s.LinkOAuthIdentity(ctx, local.ID, "figma", "f-9", "")
	require.NoError(t, err)
	assert.Equal(t, local.ID, again.ID, "relinking the same identity is a no-op")

	_, err = s.LinkOAuthIdentity(ctx, local.ID, "github", "gh-2", "")
	assert.True(t, models.IsValidationError(err), "an account holds one identity")

	viaOAuth, created, err := s.ProvisionOAuthUser(ctx, &ProvisionOAuthUserRequest{
		Email: "other@example.com", Name: "Dave", Role: "DEVELOPER", Provider: "figma", OAuthID: "f-9",
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, local.ID, viaOAuth.ID, "a linked identity resolves to its account")

	erin := mustRegister(t, s, "erin@example.com", "Erin", models.RoleDeveloper)
	_, err = s.LinkOAuthIdentity(ctx, erin.ID, "figma", "f-9", "")
	assert.ErrorIs(t, err, ErrOAuthIdentityTaken)
}

func TestDirectory_ListAndDeactivateUsers(t *testing.T) {
	s, _ := newTestDirectory(t)
	ctx := context.Background()

	alice := mustRegister(t, s, "alice@example.com", "Alice", models.RoleDeveloper)
	mustRegister(t, s, "bob@example.com", "Bob", models.RoleDesigner)

	_, err := s.DeactivateUser(ctx, alice.ID)
	require.NoError(t, err)

	active := true
	resp, err := s.ListUsers(ctx, &UserListRequest{Active: &active})
	require.NoError(t, err)
	assert.Equal(t, int64(1), resp.Total)
	assert.Equal(t, "bob@example.com", resp.Items[0].Email)

	resp, err = s.ListUsers(ctx, &UserListRequest{Role: "developer"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), resp.Total)

	u, err := s.ReactivateUser(ctx, alice.ID)
	require.NoError(t, err)
	assert.True(t, u.IsActive)

	_, err = s.DeactivateUser(ctx, 999)
	var nf *models.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "user", nf.Entity)
	assert.Equal(t, uint(999), nf.ID)
}

func TestDirectory_CreateProjectBootstrapsOwner(t *testing.T) {
	s, rec := newTestDirectory(t)
	ctx := context.Background()

	owner := mustRegister(t, s, "owner@example.com", "Owner", models.RoleProductOwner)
	p := mustCreateProject(t, s, owner, "Echo", 0)

	assert.Equal(t, models.ProjectActive, p.Status)
	assert.Equal(t, models.DefaultMaxMembers, p.MaxMembers)
	assert.False(t, p.IsPublic)

	m, err := s.GetMembership(ctx, p.ID, owner.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RoleProductOwner, m.ProjectRole)
	assert.Equal(t, models.JoinDirect, m.JoinMethod)
	assert.Equal(t, []EventType{EventMemberJoined}, rec.types())

	_, err = s.CreateProject(ctx, owner.ID, &CreateProjectRequest{Name: "ECHO"})
	assert.ErrorIs(t, err, ErrProjectNameTaken)

	_, err = s.CreateProject(ctx, 404, &CreateProjectRequest{Name: "Ghost"})
	assert.ErrorIs(t, err, models.ErrNotFound)

	_, err = s.DeactivateUser(ctx, owner.ID)
	require.NoError(t, err)
	_, err = s.CreateProject(ctx, owner.ID, &CreateProjectRequest{Name: "Another"})
	assert.True(t, models.IsValidationError(err))
}

func TestDirectory_CreateProjectUsesSettingsDefault(t *testing.T) {
	s, _ := newTestDirectory(t)
	require.NoError(t, s.settings.Set(models.ConfigDefaultMaxMembers, "3"))

	owner := mustRegister(t, s, "owner@example.com", "Owner", models.RoleProductOwner)
	p := mustCreateProject(t, s, owner, "Small", 0)
	assert.Equal(t, 3, p.MaxMembers)
}

func TestDirectory_DirectJoinScenario(t *testing.T) {
	s, rec := newTestDirectory(t)
	ctx := context.Background()

	owner := mustRegister(t, s, "owner@example.com", "Owner", models.RoleProductOwner)
	alice := mustRegister(t, s, "alice@example.com", "Alice", models.RoleDeveloper)
	p := mustCreateProject(t, s, owner, "Echo", 10)

	m, err := s.AddMember(ctx, p.ID, alice.ID, models.RoleDeveloper, owner.ID)
	require.NoError(t, err)
	assert.Equal(t, models.MemberActive, m.Status)
	assert.Equal(t, models.JoinDirect, m.JoinMethod)
	assert.Nil(t, m.InvitedBy)
	assert.Nil(t, m.LeftAt)
	assert.False(t, m.JoinedAt.IsZero())

	decision, err := s.CheckPermission(ctx, p.ID, alice.ID, models.ActionView, "design")
	require.NoError(t, err)
	assert.True(t, decision.Allowed)

	n, err := s.CountActiveMembers(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	_, err = s.AddMember(ctx, p.ID, alice.ID, models.RoleDeveloper, owner.ID)
	assert.ErrorIs(t, err, models.ErrDuplicateMembership)
	var me *models.MembershipError
	require.ErrorAs(t, err, &me)
	assert.Equal(t, p.ID, me.ProjectID)
	assert.Equal(t, alice.ID, me.UserID)

	assert.Equal(t, []EventType{EventMemberJoined, EventMemberJoined}, rec.types())
}

func TestDirectory_InviteMember(t *testing.T) {
	s, rec := newTestDirectory(t)
	ctx := context.Background()

	owner := mustRegister(t, s, "owner@example.com", "Owner", models.RoleProductOwner)
	bob := mustRegister(t, s, "bob@example.com", "Bob", models.RoleDesigner)
	outsider := mustRegister(t, s, "eve@example.com", "Eve", models.RoleDeveloper)
	carl := mustRegister(t, s, "carl@example.com", "Carl", models.RoleStakeholder)
	p := mustCreateProject(t, s, owner, "Echo", 10)

	m, err := s.InviteMember(ctx, p.ID, bob.ID, models.RoleDesigner, owner.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JoinInvited, m.JoinMethod)
	require.NotNil(t, m.InvitedBy)
	assert.Equal(t, owner.ID, *m.InvitedBy)

	_, err = s.InviteMember(ctx, p.ID, carl.ID, models.RoleStakeholder, outsider.ID)
	assert.True(t, models.IsValidationError(err), "non-member inviter should be rejected")

	ok, err := s.IsActiveMember(ctx, p.ID, carl.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Equal(t, []EventType{EventMemberJoined, EventMemberInvited}, rec.types())
}

func TestDirectory_SyncOAuthMember(t *testing.T) {
	s, _ := newTestDirectory(t)
	ctx := context.Background()

	owner := mustRegister(t, s, "owner@example.com", "Owner", models.RoleProductOwner)
	local := mustRegister(t, s, "local@example.com", "Local", models.RoleDeveloper)
	gh, _, err := s.ProvisionOAuthUser(ctx, &ProvisionOAuthUserRequest{
		Email: "gh@example.com", Name: "Octo", Role: "DEVELOPER", Provider: "github", OAuthID: "1",
	})
	require.NoError(t, err)
	p := mustCreateProject(t, s, owner, "Echo", 10)

	m, err := s.SyncOAuthMember(ctx, p.ID, gh.ID, models.RoleDeveloper)
	require.NoError(t, err)
	assert.Equal(t, models.JoinOAuthSync, m.JoinMethod)

	_, err = s.SyncOAuthMember(ctx, p.ID, local.ID, models.RoleDeveloper)
	assert.True(t, models.IsValidationError(err), "unlinked user cannot be synced")
}

func TestDirectory_CapacityScenario(t *testing.T) {
	s, _ := newTestDirectory(t)
	ctx := context.Background()

	owner := mustRegister(t, s, "owner@example.com", "Owner", models.RoleProductOwner)
	alice := mustRegister(t, s, "alice@example.com", "Alice", models.RoleDeveloper)
	bob := mustRegister(t, s, "bob@example.com", "Bob", models.RoleDesigner)
	p := mustCreateProject(t, s, owner, "Tiny", 2)

	_, err := s.AddMember(ctx, p.ID, alice.ID, models.RoleDeveloper, owner.ID)
	require.NoError(t, err)

	_, err = s.AddMember(ctx, p.ID, bob.ID, models.RoleDesigner, owner.ID)
	assert.ErrorIs(t, err, models.ErrCapacityExceeded)

	_, err = s.GetMembership(ctx, p.ID, bob.ID)
	assert.ErrorIs(t, err, models.ErrNotFound, "rejected add leaves no row behind")

	_, err = s.LeaveProject(ctx, p.ID, alice.ID, alice.ID)
	require.NoError(t, err)

	_, err = s.AddMember(ctx, p.ID, bob.ID, models.RoleDesigner, owner.ID)
	require.NoError(t, err, "leaving frees a seat")
}

func TestDirectory_LeaveAndRejoinScenario(t *testing.T) {
	s, rec := newTestDirectory(t)
	ctx := context.Background()

	owner := mustRegister(t, s, "owner@example.com", "Owner", models.RoleProductOwner)
	alice := mustRegister(t, s, "alice@example.com", "Alice", models.RoleDeveloper)
	p := mustCreateProject(t, s, owner, "Echo", 10)

	_, err := s.AddMember(ctx, p.ID, alice.ID, models.RoleDeveloper, owner.ID)
	require.NoError(t, err)

	left, err := s.LeaveProject(ctx, p.ID, alice.ID, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, models.MemberLeft, left.Status)
	require.NotNil(t, left.LeftAt)

	decision, err := s.CheckPermission(ctx, p.ID, alice.ID, models.ActionView, "design")
	require.NoError(t, err)
	assert.False(t, decision.Allowed)

	_, err = s.LeaveProject(ctx, p.ID, alice.ID, alice.ID)
	assert.ErrorIs(t, err, models.ErrInvalidStateTransition)

	_, err = s.AddMember(ctx, p.ID, alice.ID, models.RoleDeveloper, owner.ID)
	assert.ErrorIs(t, err, models.ErrDuplicateMembership, "a LEFT row still blocks a new row")

	back, err := s.RejoinMember(ctx, p.ID, alice.ID, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, models.MemberActive, back.Status)
	assert.Nil(t, back.LeftAt)

	stored, err := s.GetMembership(ctx, p.ID, alice.ID)
	require.NoError(t, err)
	assert.Nil(t, stored.LeftAt)
	assert.Equal(t, back.ID, stored.ID)

	_, err = s.RejoinMember(ctx, p.ID, alice.ID, alice.ID)
	assert.ErrorIs(t, err, models.ErrInvalidStateTransition)

	assert.Equal(t, []EventType{EventMemberJoined, EventMemberJoined, EventMemberLeft, EventMemberReactivated}, rec.types())
}

func TestDirectory_SuspendMember(t *testing.T) {
	s, _ := newTestDirectory(t)
	ctx := context.Background()

	owner := mustRegister(t, s, "owner@example.com", "Owner", models.RoleProductOwner)
	alice := mustRegister(t, s, "alice@example.com", "Alice", models.RoleDeveloper)
	p := mustCreateProject(t, s, owner, "Echo", 10)
	_, err := s.AddMember(ctx, p.ID, alice.ID, models.RoleDeveloper, owner.ID)
	require.NoError(t, err)

	m, err := s.SuspendMember(ctx, p.ID, alice.ID, owner.ID)
	require.NoError(t, err)
	assert.Equal(t, models.MemberSuspended, m.Status)

	ok, err := s.IsActiveMember(ctx, p.ID, alice.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.SuspendMember(ctx, p.ID, alice.ID, owner.ID)
	assert.ErrorIs(t, err, models.ErrInvalidStateTransition)

	_, err = s.RejoinMember(ctx, p.ID, alice.ID, owner.ID)
	require.NoError(t, err)
}

func TestDirectory_ChangeMemberRole(t *testing.T) {
	s, _ := newTestDirectory(t)
	ctx := context.Background()

	owner := mustRegister(t, s, "owner@example.com", "Owner", models.RoleProductOwner)
	alice := mustRegister(t, s, "alice@example.com", "Alice", models.RoleDeveloper)
	p := mustCreateProject(t, s, owner, "Echo", 10)
	_, err := s.AddMember(ctx, p.ID, alice.ID, models.RoleDeveloper, owner.ID)
	require.NoError(t, err)

	m, err := s.ChangeMemberRole(ctx, p.ID, alice.ID, models.RoleStakeholder, owner.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RoleStakeholder, m.ProjectRole)

	u, err := s.GetUser(ctx, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RoleDeveloper, u.Role, "global role is independent of project role")

	_, err = s.ChangeMemberRole(ctx, p.ID, alice.ID, models.Role("ADMIN"), owner.ID)
	assert.True(t, models.IsValidationError(err))

	_, err = s.ChangeMemberRole(ctx, p.ID, 777, models.RoleDesigner, owner.ID)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestDirectory_ArchivedProjectRejectsMembers(t *testing.T) {
	s, _ := newTestDirectory(t)
	ctx := context.Background()

	owner := mustRegister(t, s, "owner@example.com", "Owner", models.RoleProductOwner)
	alice := mustRegister(t, s, "alice@example.com", "Alice", models.RoleDeveloper)
	p := mustCreateProject(t, s, owner, "Echo", 10)

	archived, err := s.ArchiveProject(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ProjectArchived, archived.Status)

	_, err = s.AddMember(ctx, p.ID, alice.ID, models.RoleDeveloper, owner.ID)
	assert.ErrorIs(t, err, models.ErrInvalidStateTransition)

	_, err = s.ArchiveProject(ctx, p.ID)
	assert.ErrorIs(t, err, models.ErrInvalidStateTransition)

	ok, err := s.IsActiveMember(ctx, p.ID, owner.ID)
	require.NoError(t, err)
	assert.True(t, ok, "archiving keeps memberships")

	_, err = s.RestoreProject(ctx, p.ID)
	require.NoError(t, err)
	_, err = s.AddMember(ctx, p.ID, alice.ID, models.RoleDeveloper, owner.ID)
	require.NoError(t, err)
}

func TestDirectory_InactiveUserCannotJoin(t *testing.T) {
	s, _ := newTestDirectory(t)
	ctx := context.Background()

	owner := mustRegister(t, s, "owner@example.com", "Owner", models.RoleProductOwner)
	alice := mustRegister(t, s, "alice@example.com", "Alice", models.RoleDeveloper)
	p := mustCreateProject(t, s, owner, "Echo", 10)

	_, err := s.DeactivateUser(ctx, alice.ID)
	require.NoError(t, err)

	_, err = s.AddMember(ctx, p.ID, alice.ID, models.RoleDeveloper, owner.ID)
	assert.True(t, models.IsValidationError(err))

	_, err = s.AddMember(ctx, 999, alice.ID, models.RoleDeveloper, owner.ID)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestDirectory_DeleteProjectCascade(t *testing.T) {
	s, rec := newTestDirectory(t)
	ctx := context.Background()

	owner := mustRegister(t, s, "owner@example.com", "Owner", models.RoleProductOwner)
	alice := mustRegister(t, s, "alice@example.com", "Alice", models.RoleDeveloper)
	bob := mustRegister(t, s, "bob@example.com", "Bob", models.RoleDesigner)
	p := mustCreateProject(t, s, owner, "Echo", 10)
	_, err := s.AddMember(ctx, p.ID, alice.ID, models.RoleDeveloper, owner.ID)
	require.NoError(t, err)
	_, err = s.AddMember(ctx, p.ID, bob.ID, models.RoleDesigner, owner.ID)
	require.NoError(t, err)
	_, err = s.SuspendMember(ctx, p.ID, bob.ID, owner.ID)
	require.NoError(t, err)

	require.NoError(t, s.DeleteProject(ctx, p.ID, owner.ID))

	loaded, err := s.GetProject(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ProjectDeleted, loaded.Status)
	assert.Equal(t, 0, loaded.MemberCount())
	assert.Equal(t, 3, loaded.TotalMemberCount())

	for _, m := range loaded.Members {
		assert.NotNil(t, m.LeftAt, "member %d should have left_at", m.UserID)
		if m.UserID == bob.ID {
			assert.Equal(t, models.MemberSuspended, m.Status, "suspended rows keep their status")
		} else {
			assert.Equal(t, models.MemberLeft, m.Status)
		}
	}

	assert.ErrorIs(t, s.DeleteProject(ctx, p.ID, owner.ID), models.ErrInvalidStateTransition)

	projects, err := s.ActiveProjectsForUser(ctx, alice.ID)
	require.NoError(t, err)
	assert.Empty(t, projects)

	_, err = s.FindProjectByName(ctx, "echo")
	assert.ErrorIs(t, err, models.ErrNotFound)
	mustCreateProject(t, s, owner, "Echo", 10)

	types := rec.types()
	assert.Contains(t, types, EventProjectDeleted)
}

func TestDirectory_UpdateProjectSettings(t *testing.T) {
	s, _ := newTestDirectory(t)
	ctx := context.Background()

	owner := mustRegister(t, s, "owner@example.com", "Owner", models.RoleProductOwner)
	alice := mustRegister(t, s, "alice@example.com", "Alice", models.RoleDeveloper)
	p := mustCreateProject(t, s, owner, "Echo", 10)
	_, err := s.AddMember(ctx, p.ID, alice.ID, models.RoleDeveloper, owner.ID)
	require.NoError(t, err)

	public := true
	url, repoOwner, repoName := "https://github.com/acme/echo", "acme", "echo"
	updated, err := s.UpdateProjectSettings(ctx, p.ID, &UpdateProjectRequest{
		IsPublic:        &public,
		GithubRepoURL:   &url,
		GithubRepoOwner: &repoOwner,
		GithubRepoName:  &repoName,
	})
	require.NoError(t, err)
	assert.True(t, updated.IsPublic)
	assert.True(t, updated.HasGithubIntegration())
	assert.False(t, updated.HasFigmaIntegration())

	one := 1
	_, err = s.UpdateProjectSettings(ctx, p.ID, &UpdateProjectRequest{MaxMembers: &one})
	assert.True(t, models.IsValidationError(err), "capacity below active count is rejected")

	two := 2
	updated, err = s.UpdateProjectSettings(ctx, p.ID, &UpdateProjectRequest{MaxMembers: &two})
	require.NoError(t, err)
	assert.Equal(t, 2, updated.MaxMembers)
	assert.True(t, updated.HasGithubIntegration(), "untouched fields are kept")
}

func TestDirectory_ListMembersAndProjects(t *testing.T) {
	s, _ := newTestDirectory(t)
	ctx := context.Background()

	owner := mustRegister(t, s, "owner@example.com", "Owner", models.RoleProductOwner)
	alice := mustRegister(t, s, "alice@example.com", "Alice", models.RoleDeveloper)
	p1 := mustCreateProject(t, s, owner, "Echo", 10)
	p2 := mustCreateProject(t, s, owner, "Board", 10)
	_, err := s.AddMember(ctx, p1.ID, alice.ID, models.RoleDeveloper, owner.ID)
	require.NoError(t, err)
	_, err = s.AddMember(ctx, p2.ID, alice.ID, models.RoleDesigner, owner.ID)
	require.NoError(t, err)
	_, err = s.LeaveProject(ctx, p2.ID, alice.ID, alice.ID)
	require.NoError(t, err)

	members, err := s.ListMembers(ctx, p1.ID, nil)
	require.NoError(t, err)
	assert.Len(t, members, 2)

	members, err = s.ListMembers(ctx, p1.ID, &MemberListRequest{Role: "developer"})
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, alice.ID, members[0].UserID)
	require.NotNil(t, members[0].User)
	assert.Equal(t, "Alice", members[0].User.Name)

	members, err = s.ListMembers(ctx, p2.ID, &MemberListRequest{Status: "left"})
	require.NoError(t, err)
	assert.Len(t, members, 1)

	_, err = s.ListMembers(ctx, p2.ID, &MemberListRequest{Status: "foo"})
	var ve *models.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "status", ve.Field)

	_, err = s.ListMembers(ctx, 999, nil)
	assert.ErrorIs(t, err, models.ErrNotFound)

	memberships, err := s.ListUserMemberships(ctx, alice.ID)
	require.NoError(t, err)
	assert.Len(t, memberships, 2)

	projects, err := s.ActiveProjectsForUser(ctx, alice.ID)
	require.NoError(t, err)
	require.Len(t, projects, 1)
	assert.Equal(t, p1.ID, projects[0].ID)

	list, err := s.ListProjects(ctx, &ProjectListRequest{CreatedBy: owner.ID})
	require.NoError(t, err)
	assert.Equal(t, int64(2), list.Total)

	found, err := s.FindProjectByName(ctx, "BOARD")
	require.NoError(t, err)
	assert.Equal(t, p2.ID, found.ID)
}

func TestDirectory_PermissionMatrix(t *testing.T) {
	s, _ := newTestDirectory(t)
	ctx := context.Background()

	owner := mustRegister(t, s, "owner@example.com", "Owner", models.RoleProductOwner)
	p := mustCreateProject(t, s, owner, "Echo", 10)

	for i, role := range models.AllRoles() {
		u := mustRegister(t, s, fmt.Sprintf("user%d@example.com", i), fmt.Sprintf("User %d", i), role)
		_, err := s.AddMember(ctx, p.ID, u.ID, role, owner.ID)
		require.NoError(t, err)

		for _, resource := range []string{"code", "design", "comment", "project"} {
			d, err := s.CheckPermission(ctx, p.ID, u.ID, models.ActionView, resource)
			require.NoError(t, err)
			assert.True(t, d.Allowed, "%s should view %s", role, resource)
			assert.Equal(t, role, d.Role)
		}
	}

	d, err := s.CheckPermission(ctx, p.ID, 12345, models.ActionView, "code")
	require.NoError(t, err)
	assert.False(t, d.Allowed, "non-members are denied")
}

type mapCache struct {
	mu      sync.Mutex
	entries map[string]models.Role
	gets    int
}

func (c *mapCache) Get(_ context.Context, p, u uint) (models.Role, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gets++
	r, ok := c.entries[permissionKey(p, u)]
	return r, ok
}

func (c *mapCache) Set(_ context.Context, p, u uint, r models.Role) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[permissionKey(p, u)] = r
}

func (c *mapCache) Invalidate(_ context.Context, p, u uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, permissionKey(p, u))
}

func TestDirectory_PermissionCacheInvalidatedOnChange(t *testing.T) {
	cache := &mapCache{entries: map[string]models.Role{}}
	s, _ := newTestDirectory(t, WithPermissionCache(cache))
	ctx := context.Background()

	owner := mustRegister(t, s, "owner@example.com", "Owner", models.RoleProductOwner)
	alice := mustRegister(t, s, "alice@example.com", "Alice", models.RoleDeveloper)
	p := mustCreateProject(t, s, owner, "Echo", 10)
	_, err := s.AddMember(ctx, p.ID, alice.ID, models.RoleDeveloper, owner.ID)
	require.NoError(t, err)

	ok, err := s.IsActiveMember(ctx, p.ID, alice.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, models.RoleDeveloper, cache.entries[permissionKey(p.ID, alice.ID)])

	_, err = s.LeaveProject(ctx, p.ID, alice.ID, alice.ID)
	require.NoError(t, err)
	_, cached := cache.entries[permissionKey(p.ID, alice.ID)]
	assert.False(t, cached, "leave drops the cached entry")

	ok, err = s.IsActiveMember(ctx, p.ID, alice.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDirectory_ConcurrentAddsRespectCapacity(t *testing.T) {
	s, _ := newTestDirectory(t)
	ctx := context.Background()

	owner := mustRegister(t, s, "owner@example.com", "Owner", models.RoleProductOwner)
	p := mustCreateProject(t, s, owner, "Race", 3)

	users := make([]*models.User, 8)
	for i := range users {
		users[i] = mustRegister(t, s, fmt.Sprintf("racer%d@example.com", i), fmt.Sprintf("Racer %d", i), models.RoleDeveloper)
	}

	var wg sync.WaitGroup
	var added, rejected atomic.Int32
	for _, u := range users {
		wg.Add(1)
		go func(u *models.User) {
			defer wg.Done()
			_, err := s.AddMember(ctx, p.ID, u.ID, models.RoleDeveloper, owner.ID)
			switch {
			case err == nil:
				added.Add(1)
			case errors.Is(err, models.ErrCapacityExceeded):
				rejected.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(u)
	}
	wg.Wait()

	assert.Equal(t, int32(2), added.Load())
	assert.Equal(t, int32(6), rejected.Load())

	n, err := s.CountActiveMembers(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestDirectory_ConcurrentDuplicateAdds(t *testing.T) {
	s, _ := newTestDirectory(t)
	ctx := context.Background()

	owner := mustRegister(t, s, "owner@example.com", "Owner", models.RoleProductOwner)
	alice := mustRegister(t, s, "alice@example.com", "Alice", models.RoleDeveloper)
	p := mustCreateProject(t, s, owner, "Race", 10)

	var wg sync.WaitGroup
	var added, dup atomic.Int32
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.AddMember(ctx, p.ID, alice.ID, models.RoleDeveloper, owner.ID)
			switch {
			case err == nil:
				added.Add(1)
			case errors.Is(err, models.ErrDuplicateMembership):
				dup.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), added.Load())
	assert.Equal(t, int32(4), dup.Load())
}

func TestKeyedMutex_ReleasesEntries(t *testing.T) {
	k := newKeyedMutex()
	unlock := k.Lock(1)
	unlock2 := k.Lock(2)
	assert.Len(t, k.locks, 2)
	unlock()
	unlock2()
	assert.Empty(t, k.locks)
}

// racingCache starts a membership change while the first fill is in flight
// and gives it a moment to finish before storing the role it was handed.
type racingCache struct {
	*mapCache
	once   sync.Once
	change func()
	done   chan struct{}
}

func (c *racingCache) Set(ctx context.Context, p, u uint, r models.Role) {
	c.once.Do(func() {
		go func() {
			defer close(c.done)
			c.change()
		}()
		select {
		case <-c.done:
		case <-time.After(100 * time.Millisecond):
		}
	})
	c.mapCache.Set(ctx, p, u, r)
}

func TestDirectory_PermissionCacheFillRacingLeave(t *testing.T) {
	cache := &racingCache{mapCache: &mapCache{entries: map[string]models.Role{}}, done: make(chan struct{})}
	s, _ := newTestDirectory(t, WithPermissionCache(cache))
	ctx := context.Background()

	owner := mustRegister(t, s, "owner@example.com", "Owner", models.RoleProductOwner)
	alice := mustRegister(t, s, "alice@example.com", "Alice", models.RoleDeveloper)
	p := mustCreateProject(t, s, owner, "Echo", 10)
	_, err := s.AddMember(ctx, p.ID, alice.ID, models.RoleDeveloper, owner.ID)
	require.NoError(t, err)

	cache.change = func() {
		_, err := s.LeaveProject(ctx, p.ID, alice.ID, alice.ID)
		assert.NoError(t, err)
	}

	_, err = s.CheckPermission(ctx, p.ID, alice.ID, models.ActionView, "project")
	require.NoError(t, err)
	<-cache.done

	m, err := s.GetMembership(ctx, p.ID, alice.ID)
	require.NoError(t, err)
	require.Equal(t, models.MemberLeft, m.Status)

	d, err := s.CheckPermission(ctx, p.ID, alice.ID, models.ActionView, "project")
	require.NoError(t, err)
	assert.False(t, d.Allowed, "a member who left is not granted from a stale cache entry")
}

func TestDirectory_ConcurrentCreatesShareName(t *testing.T) {
	s, _ := newTestDirectory(t)
	ctx := context.Background()

	owner := mustRegister(t, s, "owner@example.com", "Owner", models.RoleDeveloper)

	var wg sync.WaitGroup
	var created, taken atomic.Int32
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := "Echo"
			if i%2 == 1 {
				name = "ECHO"
			}
			_, err := s.CreateProject(ctx, owner.ID, &CreateProjectRequest{Name: name})
			switch {
			case err == nil:
				created.Add(1)
			case errors.Is(err, ErrProjectNameTaken):
				taken.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), created.Load())
	assert.Equal(t, int32(4), taken.Load())
}

func TestDirectory_EmailKeyBacksUniqueness(t *testing.T) {
	s, _ := newTestDirectory(t)

	mustRegister(t, s, "Alice@Example.com", "Alice", models.RoleDeveloper)

	dup := &models.User{Email: "alice@EXAMPLE.com", Name: "Alice Two", Role: models.RoleDeveloper, IsActive: true}
	err := s.db.Create(dup).Error
	assert.ErrorIs(t, err, gorm.ErrDuplicatedKey, "the email_key index rejects case variants")
}
