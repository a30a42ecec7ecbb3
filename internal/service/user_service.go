package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/sma-class-chat/internal/models"
	appErrors "github.com/noah-isme/sma-class-chat/pkg/errors"
)

type userRepository interface {
	List(ctx context.Context, filter models.UserFilter) ([]models.User, int, error)
	FindByID(ctx context.Context, id string) (*models.User, error)
	UpdateStatus(ctx context.Context, id string, approved, blocked bool) error
	UpdateRole(ctx context.Context, id string, role models.UserRole, classID *string) error
	CreateAuditLog(ctx context.Context, log *models.AuditLog) error
}

type classLookup interface {
	Exists(ctx context.Context, id string) (bool, error)
}

// ChangeRoleRequest represents payload for changing a user's role and class.
type ChangeRoleRequest struct {
	Role    models.UserRole `json:"role" validate:"required"`
	ClassID *string         `json:"class_id"`
}

// UserService handles account approval and role administration.
type UserService struct {
	repo      userRepository
	classes   classLookup
	resolver  *PermissionResolver
	validator *validator.Validate
	logger    *zap.Logger
}

// NewUserService creates an instance of UserService.
func NewUserService(repo userRepository, classes classLookup, resolver *PermissionResolver, validate *validator.Validate, logger *zap.Logger) *UserService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if validate == nil {
		validate = validator.New()
	}
	if resolver == nil {
		resolver = NewPermissionResolver(PermissionPolicy{})
	}
	return &UserService{repo: repo, classes: classes, resolver: resolver, validator: validate, logger: logger}
}

// List returns paginated users and pagination metadata.
func (s *UserService) List(ctx context.Context, actor *models.User, filter models.UserFilter) ([]models.User, *models.Pagination, error) {
	if err := s.requireAdmin(actor); err != nil {
		return nil, nil, err
	}
	users, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Storage(err, "failed to list users")
	}

	page := filter.Page
	if page < 1 {
		page = 1
	}
	pageSize := filter.PageSize
	if pageSize <= 0 {
		pageSize = 20
	}

	return users, &models.Pagination{Page: page, PageSize: pageSize, TotalCount: total}, nil
}

// ListPending returns accounts awaiting approval, oldest first.
func (s *UserService) ListPending(ctx context.Context, actor *models.User, filter models.UserFilter) ([]models.User, *models.Pagination, error) {
	approved := false
	blocked := false
	filter.Approved = &approved
	filter.Blocked = &blocked
	if filter.SortBy == "" {
		filter.SortBy = "created_at"
		filter.SortOrder = "asc"
	}
	return s.List(ctx, actor, filter)
}

// Get returns a user by ID.
func (s *UserService) Get(ctx context.Context, id string) (*models.User, error) {
	id, err := parseID(id, "user id")
	if err != nil {
		return nil, err
	}
	user, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "user not found")
		}
		return nil, appErrors.Storage(err, "failed to load user")
	}
	return user, nil
}

// Approve marks a pending account as approved.
func (s *UserService) Approve(ctx context.Context, actor *models.User, id string, meta models.RequestMeta) (*models.User, error) {
	target, err := s.loadTarget(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	if target.Approved {
		return target, nil
	}

	if err := s.repo.UpdateStatus(ctx, target.ID, true, target.Blocked); err != nil {
		return nil, s.mapWriteError(err, "failed to approve user")
	}
	target.Approved = true

	s.audit(ctx, actor, target.ID, models.AuditActionUserApprove, map[string]interface{}{"approved": false}, map[string]interface{}{"approved": true}, meta)
	return target, nil
}

// ToggleBlock flips the blocked flag of an account.
func (s *UserService) ToggleBlock(ctx context.Context, actor *models.User, id string, meta models.RequestMeta) (*models.User, error) {
	target, err := s.loadTarget(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	if target.ID == actor.ID {
		return nil, appErrors.Clone(appErrors.ErrValidation, "cannot block your own account")
	}

	blocked := !target.Blocked
	if err := s.repo.UpdateStatus(ctx, target.ID, target.Approved, blocked); err != nil {
		return nil, s.mapWriteError(err, "failed to update block status")
	}

	action := models.AuditActionUserUnblock
	if blocked {
		action = models.AuditActionUserBlock
	}
	s.audit(ctx, actor, target.ID, action, map[string]interface{}{"blocked": target.Blocked}, map[string]interface{}{"blocked": blocked}, meta)

	target.Blocked = blocked
	return target, nil
}

// ChangeRole assigns a new role and class affiliation.
func (s *UserService) ChangeRole(ctx context.Context, actor *models.User, id string, req ChangeRoleRequest, meta models.RequestMeta) (*models.User, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid role payload")
	}
	if !req.Role.Valid() {
		return nil, appErrors.Clone(appErrors.ErrValidation, "role must be one of "+roleList())
	}
	if req.Role == models.RoleSuperAdmin && actor != nil && actor.Role != models.RoleSuperAdmin {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "only a super admin can grant super admin")
	}

	target, err := s.loadTarget(ctx, actor, id)
	if err != nil {
		return nil, err
	}

	var classID *string
	if raw := normalizeClassID(req.ClassID); raw != nil {
		id, err := parseID(*raw, "class id")
		if err != nil {
			return nil, err
		}
		classID = &id
	}
	if classID != nil && s.classes != nil {
		exists, err := s.classes.Exists(ctx, *classID)
		if err != nil {
			return nil, appErrors.Storage(err, "failed to verify class")
		}
		if !exists {
			return nil, appErrors.Clone(appErrors.ErrValidation, "class does not exist")
		}
	}

	if err := s.repo.UpdateRole(ctx, target.ID, req.Role, classID); err != nil {
		return nil, s.mapWriteError(err, "failed to change role")
	}

	s.audit(ctx, actor, target.ID, models.AuditActionUserRoleChange,
		map[string]interface{}{"role": target.Role, "class_id": target.ClassID},
		map[string]interface{}{"role": req.Role, "class_id": classID},
		meta)

	target.Role = req.Role
	target.ClassID = classID
	return target, nil
}

// loadTarget enforces admin rank and the super admin protection rule.
func (s *UserService) loadTarget(ctx context.Context, actor *models.User, id string) (*models.User, error) {
	if err := s.requireAdmin(actor); err != nil {
		return nil, err
	}
	target, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if target.Role == models.RoleSuperAdmin && actor.Role != models.RoleSuperAdmin {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "cannot modify a super admin")
	}
	return target, nil
}

func (s *UserService) requireAdmin(actor *models.User) error {
	if actor == nil {
		return appErrors.ErrUnauthorized
	}
	if !s.resolver.HasRank(actor, models.RoleAdmin) {
		return appErrors.Clone(appErrors.ErrForbidden, "admin access required")
	}
	return nil
}

func (s *UserService) mapWriteError(err error, message string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return appErrors.Clone(appErrors.ErrNotFound, "user not found")
	}
	return appErrors.Storage(err, message)
}

func (s *UserService) audit(ctx context.Context, actor *models.User, targetID, action string, oldValues, newValues map[string]interface{}, meta models.RequestMeta) {
	oldPayload, _ := json.Marshal(oldValues)
	newPayload, _ := json.Marshal(newValues)
	if err := s.repo.CreateAuditLog(ctx, &models.AuditLog{
		UserID:     &actor.ID,
		Action:     action,
		Resource:   "users",
		ResourceID: &targetID,
		OldValues:  oldPayload,
		NewValues:  newPayload,
		IPAddress:  meta.IP,
		UserAgent:  meta.UserAgent,
	}); err != nil {
		s.logger.Warn("failed to record user audit log", zap.String("action", action), zap.Error(err))
	}
}

func normalizeClassID(classID *string) *string {
	if classID == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*classID)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

func roleList() string {
	roles := models.Roles()
	names := make([]string, 0, len(roles))
	for _, r := range roles {
		names = append(names, string(r))
	}
	return strings.Join(names, ", ")
}
