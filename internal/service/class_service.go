package service

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/sma-class-chat/internal/models"
	appErrors "github.com/noah-isme/sma-class-chat/pkg/errors"
)

const activeClassesKey = "classes:active"

type classRepository interface {
	ListActive(ctx context.Context) ([]models.Class, error)
	FindByID(ctx context.Context, id string) (*models.Class, error)
}

// ClassAccess is a class together with what the actor may do in it.
type ClassAccess struct {
	Class        models.Class        `json:"class"`
	Member       bool                `json:"member"`
	Capabilities map[Capability]bool `json:"capabilities"`
}

// ClassService serves the class directory used when assigning roles and binding groups.
type ClassService struct {
	repo     classRepository
	resolver *PermissionResolver
	cache    *CacheService
	ttl      time.Duration
	logger   *zap.Logger
}

// NewClassService constructs ClassService.
func NewClassService(repo classRepository, resolver *PermissionResolver, cache *CacheService, ttl time.Duration, logger *zap.Logger) *ClassService {
	if resolver == nil {
		resolver = NewPermissionResolver(PermissionPolicy{})
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &ClassService{repo: repo, resolver: resolver, cache: cache, ttl: ttl, logger: logger}
}

// List returns active classes.
func (s *ClassService) List(ctx context.Context) ([]models.Class, error) {
	var cached []models.Class
	if hit, _ := s.cache.Get(ctx, activeClassesKey, &cached); hit {
		return cached, nil
	}
	classes, err := s.repo.ListActive(ctx)
	if err != nil {
		return nil, appErrors.Storage(err, "failed to list classes")
	}
	if classes == nil {
		classes = []models.Class{}
	}
	if err := s.cache.Set(ctx, activeClassesKey, classes, s.ttl); err != nil {
		s.logger.Debug("failed to cache class list", zap.Error(err))
	}
	return classes, nil
}

// Get returns a class and the actor's capabilities on it. Classes the actor
// cannot view are reported as missing.
func (s *ClassService) Get(ctx context.Context, actor *models.User, id string) (*ClassAccess, error) {
	id, err := parseID(id, "class id")
	if err != nil {
		return nil, err
	}
	class, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "class not found")
		}
		return nil, appErrors.Storage(err, "failed to load class")
	}

	caps := map[Capability]bool{
		CapabilityView:              s.resolver.CanAccess(actor, class.ID, CapabilityView, models.VisibilityClassOnly),
		CapabilityManageClass:       s.resolver.CanAccess(actor, class.ID, CapabilityManageClass, models.VisibilityClassOnly),
		CapabilityManageFinance:     s.resolver.CanAccess(actor, class.ID, CapabilityManageFinance, class.FinanceVisibility),
		CapabilityManageTasks:       s.resolver.CanAccess(actor, class.ID, CapabilityManageTasks, models.VisibilityClassOnly),
		CapabilityManageGallery:     s.resolver.CanAccess(actor, class.ID, CapabilityManageGallery, class.GalleryVisibility),
		CapabilityManageClassGroups: s.resolver.CanAccess(actor, class.ID, CapabilityManageClassGroups, models.VisibilityClassOnly),
	}
	if !caps[CapabilityView] {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "class not found")
	}
	return &ClassAccess{Class: *class, Member: actor.InClass(class.ID), Capabilities: caps}, nil
}
