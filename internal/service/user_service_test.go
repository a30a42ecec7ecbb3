package service

import (
	"context"
	"database/sql"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noah-isme/sma-class-chat/internal/models"
	appErrors "github.com/noah-isme/sma-class-chat/pkg/errors"
)

type mockUserRepo struct {
	users      map[string]*models.User
	lastFilter models.UserFilter
	listErr    error
	auditLogs  []*models.AuditLog
}

func (m *mockUserRepo) List(ctx context.Context, filter models.UserFilter) ([]models.User, int, error) {
	m.lastFilter = filter
	if m.listErr != nil {
		return nil, 0, m.listErr
	}
	var users []models.User
	for _, u := range m.users {
		if filter.Approved != nil && u.Approved != *filter.Approved {
			continue
		}
		users = append(users, *u)
	}
	return users, len(users), nil
}

func (m *mockUserRepo) FindByID(ctx context.Context, id string) (*models.User, error) {
	if user, ok := m.users[id]; ok {
		copy := *user
		return &copy, nil
	}
	return nil, sql.ErrNoRows
}

func (m *mockUserRepo) UpdateStatus(ctx context.Context, id string, approved, blocked bool) error {
	user, ok := m.users[id]
	if !ok {
		return sql.ErrNoRows
	}
	user.Approved = approved
	user.Blocked = blocked
	return nil
}

func (m *mockUserRepo) UpdateRole(ctx context.Context, id string, role models.UserRole, classID *string) error {
	user, ok := m.users[id]
	if !ok {
		return sql.ErrNoRows
	}
	user.Role = role
	user.ClassID = classID
	return nil
}

func (m *mockUserRepo) CreateAuditLog(ctx context.Context, log *models.AuditLog) error {
	m.auditLogs = append(m.auditLogs, log)
	return nil
}

type stubClassLookup map[string]bool

func (s stubClassLookup) Exists(ctx context.Context, id string) (bool, error) {
	return s[id], nil
}

func newUserFixture() (*mockUserRepo, *UserService) {
	repo := &mockUserRepo{users: map[string]*models.User{
		rootID:    {ID: rootID, Role: models.RoleSuperAdmin, Approved: true},
		adminID:   {ID: adminID, Role: models.RoleAdmin, Approved: true},
		teacherID: {ID: teacherID, Role: models.RoleTeacher, Approved: true},
		pendingID: {ID: pendingID, Role: models.RoleStudent},
	}}
	svc := NewUserService(repo, stubClassLookup{classOneID: true}, NewPermissionResolver(PermissionPolicy{}), validator.New(), zap.NewNop())
	return repo, svc
}

func TestUserServiceListRequiresAdmin(t *testing.T) {
	repo, svc := newUserFixture()

	_, _, err := svc.List(context.Background(), repo.users[teacherID], models.UserFilter{})
	assert.Equal(t, appErrors.ErrForbidden.Code, appErrors.FromError(err).Code)

	users, pagination, err := svc.List(context.Background(), repo.users[adminID], models.UserFilter{Page: 1, PageSize: 10})
	require.NoError(t, err)
	assert.Len(t, users, 4)
	assert.Equal(t, 10, pagination.PageSize)
}

func TestUserServiceListPending(t *testing.T) {
	repo, svc := newUserFixture()

	users, _, err := svc.ListPending(context.Background(), repo.users[adminID], models.UserFilter{})
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, pendingID, users[0].ID)
	require.NotNil(t, repo.lastFilter.Blocked)
	assert.False(t, *repo.lastFilter.Blocked)
	assert.Equal(t, "created_at", repo.lastFilter.SortBy)
}

func TestUserServiceApprove(t *testing.T) {
	repo, svc := newUserFixture()

	user, err := svc.Approve(context.Background(), repo.users[adminID], pendingID, models.RequestMeta{IP: "10.0.0.1"})
	require.NoError(t, err)
	assert.True(t, user.Approved)
	assert.True(t, repo.users[pendingID].Approved)
	require.Len(t, repo.auditLogs, 1)
	assert.Equal(t, models.AuditActionUserApprove, repo.auditLogs[0].Action)
	assert.Equal(t, "10.0.0.1", repo.auditLogs[0].IPAddress)

	_, err = svc.Approve(context.Background(), repo.users[adminID], ghostID, models.RequestMeta{})
	assert.Equal(t, appErrors.ErrNotFound.Code, appErrors.FromError(err).Code)

	_, err = svc.Approve(context.Background(), repo.users[adminID], "ghost", models.RequestMeta{})
	assert.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)
}

func TestUserServiceToggleBlock(t *testing.T) {
	repo, svc := newUserFixture()
	admin := repo.users[adminID]

	user, err := svc.ToggleBlock(context.Background(), admin, teacherID, models.RequestMeta{})
	require.NoError(t, err)
	assert.True(t, user.Blocked)

	user, err = svc.ToggleBlock(context.Background(), admin, teacherID, models.RequestMeta{})
	require.NoError(t, err)
	assert.False(t, user.Blocked)

	require.Len(t, repo.auditLogs, 2)
	assert.Equal(t, models.AuditActionUserBlock, repo.auditLogs[0].Action)
	assert.Equal(t, models.AuditActionUserUnblock, repo.auditLogs[1].Action)

	_, err = svc.ToggleBlock(context.Background(), admin, adminID, models.RequestMeta{})
	assert.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)
}

func TestUserServiceProtectsSuperAdmin(t *testing.T) {
	repo, svc := newUserFixture()
	admin := repo.users[adminID]

	_, err := svc.ToggleBlock(context.Background(), admin, rootID, models.RequestMeta{})
	assert.Equal(t, appErrors.ErrForbidden.Code, appErrors.FromError(err).Code)

	_, err = svc.ChangeRole(context.Background(), admin, teacherID, ChangeRoleRequest{Role: models.RoleSuperAdmin}, models.RequestMeta{})
	assert.Equal(t, appErrors.ErrForbidden.Code, appErrors.FromError(err).Code)

	user, err := svc.ChangeRole(context.Background(), repo.users[rootID], teacherID, ChangeRoleRequest{Role: models.RoleSuperAdmin}, models.RequestMeta{})
	require.NoError(t, err)
	assert.Equal(t, models.RoleSuperAdmin, user.Role)
}

func TestUserServiceChangeRole(t *testing.T) {
	repo, svc := newUserFixture()
	admin := repo.users[adminID]

	user, err := svc.ChangeRole(context.Background(), admin, pendingID, ChangeRoleRequest{Role: models.RoleTreasurer, ClassID: strPtr(" "+classOneID+" ")}, models.RequestMeta{})
	require.NoError(t, err)
	assert.Equal(t, models.RoleTreasurer, user.Role)
	require.NotNil(t, repo.users[pendingID].ClassID)
	assert.Equal(t, classOneID, *repo.users[pendingID].ClassID)
	require.Len(t, repo.auditLogs, 1)
	assert.Equal(t, models.AuditActionUserRoleChange, repo.auditLogs[0].Action)

	_, err = svc.ChangeRole(context.Background(), admin, pendingID, ChangeRoleRequest{Role: models.RoleTreasurer, ClassID: strPtr(unknownClassID)}, models.RequestMeta{})
	assert.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)

	_, err = svc.ChangeRole(context.Background(), admin, pendingID, ChangeRoleRequest{Role: models.RoleTreasurer, ClassID: strPtr("C9")}, models.RequestMeta{})
	assert.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)

	_, err = svc.ChangeRole(context.Background(), admin, pendingID, ChangeRoleRequest{Role: models.UserRole("janitor")}, models.RequestMeta{})
	assert.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)
	assert.Contains(t, err.Error(), "super_admin, admin, teacher")

	_, err = svc.ChangeRole(context.Background(), repo.users[teacherID], pendingID, ChangeRoleRequest{Role: models.RoleStudent}, models.RequestMeta{})
	assert.Equal(t, appErrors.ErrForbidden.Code, appErrors.FromError(err).Code)
}
