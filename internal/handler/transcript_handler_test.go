package handler

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sma-class-chat/internal/models"
	"github.com/noah-isme/sma-class-chat/internal/service"
	appErrors "github.com/noah-isme/sma-class-chat/pkg/errors"
)

type fakeTranscripts struct {
	lastFormat service.TranscriptFormat
	lastGroup  string
	exportErr  error
	path       string
}

func (f *fakeTranscripts) Export(ctx context.Context, actor *models.User, conversationID string, req service.TranscriptRequest) (*service.TranscriptResult, error) {
	f.lastGroup = conversationID
	f.lastFormat = req.Format
	if f.exportErr != nil {
		return nil, f.exportErr
	}
	return &service.TranscriptResult{ConversationID: conversationID, Format: req.Format, URL: "/api/v1/transcripts/download?token=t"}, nil
}

func (f *fakeTranscripts) Open(token string) (*os.File, string, error) {
	if token != "good" {
		return nil, "", appErrors.Clone(appErrors.ErrUnauthorized, "invalid download link")
	}
	file, err := os.Open(f.path)
	if err != nil {
		return nil, "", err
	}
	return file, filepath.Base(f.path), nil
}

func TestTranscriptExportUsesQueryFormat(t *testing.T) {
	gin.SetMode(gin.TestMode)
	svc := &fakeTranscripts{}
	h := NewTranscriptHandler(svc)

	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	c.Request = httptest.NewRequest(http.MethodPost, "/chats/groups/g1/transcript?format=pdf", nil)
	c.Params = gin.Params{{Key: "id", Value: "g1"}}
	c.Set("currentUser", &models.User{ID: "u1", Role: models.RoleStudent})

	h.Export(c)

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "g1", svc.lastGroup)
	assert.Equal(t, service.TranscriptPDF, svc.lastFormat)
}

func TestTranscriptExportPropagatesForbidden(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := NewTranscriptHandler(&fakeTranscripts{exportErr: appErrors.Clone(appErrors.ErrForbidden, "only group admins can export transcripts")})

	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	c.Request = httptest.NewRequest(http.MethodPost, "/chats/groups/g1/transcript", bytes.NewBufferString(`{"format":"csv"}`))
	c.Request.Header.Set("Content-Type", "application/json")
	c.Params = gin.Params{{Key: "id", Value: "g1"}}
	c.Set("currentUser", &models.User{ID: "u2", Role: models.RoleStudent})

	h.Export(c)

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestTranscriptDownloadStreamsFile(t *testing.T) {
	gin.SetMode(gin.TestMode)
	dir := t.TempDir()
	path := filepath.Join(dir, "study_club.csv")
	require.NoError(t, os.WriteFile(path, []byte("Sent At,Sender\n"), 0o600))
	h := NewTranscriptHandler(&fakeTranscripts{path: path})

	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	c.Request = httptest.NewRequest(http.MethodGet, "/transcripts/download?token=good", nil)
	h.Download(c)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Disposition"), `filename="study_club.csv"`)
	assert.Equal(t, "Sent At,Sender\n", rec.Body.String())

	for _, target := range []string{"/transcripts/download", "/transcripts/download?token=bad"} {
		rec = httptest.NewRecorder()
		c, _ = gin.CreateTestContext(rec)
		c.Request = httptest.NewRequest(http.MethodGet, target, nil)
		h.Download(c)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, target)
	}
}
