package service

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sma-class-chat/internal/models"
	appErrors "github.com/noah-isme/sma-class-chat/pkg/errors"
)

type stubClassRepo struct {
	classes map[string]models.Class
	listErr error
	lists   int
}

func (s *stubClassRepo) ListActive(ctx context.Context) ([]models.Class, error) {
	s.lists++
	if s.listErr != nil {
		return nil, s.listErr
	}
	out := make([]models.Class, 0, len(s.classes))
	for _, c := range s.classes {
		out = append(out, c)
	}
	return out, nil
}

func (s *stubClassRepo) FindByID(ctx context.Context, id string) (*models.Class, error) {
	c, ok := s.classes[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return &c, nil
}

func TestClassServiceGetReportsCapabilities(t *testing.T) {
	repo := &stubClassRepo{classes: map[string]models.Class{
		classOneID: {ID: classOneID, Name: "X IPA 1", FinanceVisibility: models.VisibilityClassOnly, GalleryVisibility: models.VisibilitySchool, Active: true},
	}}
	svc := NewClassService(repo, nil, nil, 0, nil)
	c1, c2 := classOneID, classTwoID

	president := &models.User{ID: "p", Role: models.RoleClassPresident, ClassID: &c1}
	access, err := svc.Get(context.Background(), president, classOneID)
	require.NoError(t, err)
	assert.True(t, access.Member)
	assert.True(t, access.Capabilities[CapabilityManageClassGroups])
	assert.True(t, access.Capabilities[CapabilityManageGallery])
	assert.False(t, access.Capabilities[CapabilityManageFinance])

	outsider := &models.User{ID: "o", Role: models.RoleStudent, ClassID: &c2}
	_, err = svc.Get(context.Background(), outsider, classOneID)
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrNotFound.Code, appErrors.FromError(err).Code)

	admin := &models.User{ID: "a", Role: models.RoleAdmin}
	access, err = svc.Get(context.Background(), admin, classOneID)
	require.NoError(t, err)
	assert.False(t, access.Member)
	for capability, allowed := range access.Capabilities {
		assert.True(t, allowed, capability)
	}

	_, err = svc.Get(context.Background(), admin, missingID)
	assert.Equal(t, appErrors.ErrNotFound.Code, appErrors.FromError(err).Code)

	_, err = svc.Get(context.Background(), admin, "missing")
	assert.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)
}

func TestClassServiceListWrapsStorageErrors(t *testing.T) {
	svc := NewClassService(&stubClassRepo{listErr: errors.New("connection reset")}, nil, nil, 0, nil)
	_, err := svc.List(context.Background())
	require.Error(t, err)
	assert.Equal(t, "STORAGE_ERROR", appErrors.FromError(err).Code)

	svc = NewClassService(&stubClassRepo{}, nil, nil, 0, nil)
	classes, err := svc.List(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, classes)
	assert.Empty(t, classes)
}
