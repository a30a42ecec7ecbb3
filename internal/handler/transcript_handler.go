package handler

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/sma-class-chat/internal/models"
	"github.com/noah-isme/sma-class-chat/internal/service"
	appErrors "github.com/noah-isme/sma-class-chat/pkg/errors"
	"github.com/noah-isme/sma-class-chat/pkg/response"
)

type transcriptService interface {
	Export(ctx context.Context, actor *models.User, conversationID string, req service.TranscriptRequest) (*service.TranscriptResult, error)
	Open(token string) (*os.File, string, error)
}

// TranscriptHandler exposes transcript export and signed downloads.
type TranscriptHandler struct {
	service transcriptService
}

// NewTranscriptHandler constructs a transcript handler.
func NewTranscriptHandler(svc transcriptService) *TranscriptHandler {
	return &TranscriptHandler{service: svc}
}

// Export godoc
// @Summary Export group transcript
// @Description Renders the group's messages to CSV or PDF and returns a signed download link
// @Tags Groups
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path string true "Group ID"
// @Param payload body service.TranscriptRequest false "Format"
// @Success 201 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /chats/groups/{id}/transcript [post]
func (h *TranscriptHandler) Export(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		return
	}
	var req service.TranscriptRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.Error(c, bindError(err, "invalid transcript payload"))
			return
		}
	}
	if format := c.Query("format"); format != "" {
		req.Format = service.TranscriptFormat(format)
	}

	result, err := h.service.Export(c.Request.Context(), actor, c.Param("id"), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, result)
}

// Download godoc
// @Summary Download transcript
// @Tags Groups
// @Produce octet-stream
// @Param token query string true "Signed token"
// @Success 200 {file} binary
// @Failure 401 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /transcripts/download [get]
func (h *TranscriptHandler) Download(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		response.Error(c, appErrors.Clone(appErrors.ErrUnauthorized, "download token is required"))
		return
	}
	file, name, err := h.service.Open(token)
	if err != nil {
		response.Error(c, err)
		return
	}
	defer file.Close()

	contentType := mime.TypeByExtension(filepath.Ext(name))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	c.Header("Content-Type", contentType)
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	c.Header("Cache-Control", "no-store")
	if info, statErr := file.Stat(); statErr == nil {
		c.Header("Content-Length", fmt.Sprintf("%d", info.Size()))
	}
	c.Status(http.StatusOK)
	_, _ = io.Copy(c.Writer, file)
}
