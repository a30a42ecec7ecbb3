package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/sma-class-chat/internal/models"
	"github.com/noah-isme/sma-class-chat/internal/service"
	appErrors "github.com/noah-isme/sma-class-chat/pkg/errors"
	"github.com/noah-isme/sma-class-chat/pkg/response"
)

type chatService interface {
	StartDirect(ctx context.Context, actor *models.User, counterpartID string) (*models.DirectConversation, error)
	ListDirect(ctx context.Context, actor *models.User) ([]*models.DirectConversation, error)
	ListGroups(ctx context.Context, actor *models.User) ([]*models.GroupConversation, error)
	GetConversation(ctx context.Context, actor *models.User, id string, q models.MessageQuery) (*service.ConversationPage, error)
	SendMessage(ctx context.Context, actor *models.User, req service.SendMessageRequest) (*models.Message, error)
	MarkRead(ctx context.Context, actor *models.User, req service.MarkReadRequest) (models.MarkReadResult, error)
	CreateGroup(ctx context.Context, actor *models.User, req service.CreateGroupRequest) (*models.GroupConversation, error)
	UpdateGroup(ctx context.Context, actor *models.User, groupID string, req service.UpdateGroupRequest) (*models.GroupConversation, error)
	AddParticipants(ctx context.Context, actor *models.User, groupID string, userIDs []string) ([]models.ParticipantRecord, error)
	RemoveParticipant(ctx context.Context, actor *models.User, groupID, userID string) (models.ParticipantRemoval, error)
	PromoteAdmin(ctx context.Context, actor *models.User, groupID, userID string) error
	DemoteAdmin(ctx context.Context, actor *models.User, groupID, userID string) error
	Leave(ctx context.Context, actor *models.User, groupID string) (models.ParticipantRemoval, error)
}

// StartDirectRequest names the counterpart of a direct conversation.
// recipientId is accepted for older clients.
type StartDirectRequest struct {
	RecipientID       string `json:"recipient_id"`
	LegacyRecipientID string `json:"recipientId"`
}

// MarkReadPayload optionally targets a single message.
type MarkReadPayload struct {
	MessageID       *string `json:"message_id"`
	LegacyMessageID *string `json:"messageId"`
}

// AddParticipantsRequest lists users to add to a group.
type AddParticipantsRequest struct {
	ParticipantIDs []string `json:"participant_ids"`
}

// ChatHandler exposes conversation endpoints.
type ChatHandler struct {
	service chatService
}

// NewChatHandler constructs a chat handler.
func NewChatHandler(svc chatService) *ChatHandler {
	return &ChatHandler{service: svc}
}

// StartDirect godoc
// @Summary Get or create a direct conversation
// @Tags Chats
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param payload body StartDirectRequest true "Counterpart"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /chats/direct [post]
func (h *ChatHandler) StartDirect(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		return
	}
	var req StartDirectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, bindError(err, "invalid direct chat payload"))
		return
	}
	recipient := req.RecipientID
	if recipient == "" {
		recipient = req.LegacyRecipientID
	}

	conv, err := h.service.StartDirect(c.Request.Context(), actor, recipient)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, conv, nil)
}

// ListDirect godoc
// @Summary List direct conversations
// @Tags Chats
// @Produce json
// @Security BearerAuth
// @Success 200 {object} response.Envelope
// @Router /chats/direct [get]
func (h *ChatHandler) ListDirect(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		return
	}
	convs, err := h.service.ListDirect(c.Request.Context(), actor)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, convs, nil)
}

// ListGroups godoc
// @Summary List group conversations
// @Tags Chats
// @Produce json
// @Security BearerAuth
// @Success 200 {object} response.Envelope
// @Router /chats/groups [get]
func (h *ChatHandler) ListGroups(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		return
	}
	groups, err := h.service.ListGroups(c.Request.Context(), actor)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, groups, nil)
}

// Get godoc
// @Summary Get conversation with messages
// @Tags Chats
// @Produce json
// @Security BearerAuth
// @Param id path string true "Conversation ID"
// @Param before query int false "Return messages with a lower sequence number"
// @Param limit query int false "Page size"
// @Success 200 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /chats/{id} [get]
func (h *ChatHandler) Get(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		return
	}
	q := models.MessageQuery{Limit: queryInt(c, "limit", 0)}
	if raw := c.Query("before"); raw != "" {
		before, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || before < 0 {
			response.Error(c, appErrors.Clone(appErrors.ErrValidation, "before must be a positive sequence number"))
			return
		}
		q.BeforeSeq = before
	}

	page, err := h.service.GetConversation(c.Request.Context(), actor, c.Param("id"), q)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, page, nil)
}

// SendMessage godoc
// @Summary Send message
// @Tags Chats
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path string true "Conversation ID"
// @Param payload body service.SendMessageRequest true "Message"
// @Success 201 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /chats/{id}/messages [post]
func (h *ChatHandler) SendMessage(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		return
	}
	var req service.SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, bindError(err, "invalid message payload"))
		return
	}
	req.ConversationID = c.Param("id")

	msg, err := h.service.SendMessage(c.Request.Context(), actor, req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, msg)
}

// MarkRead godoc
// @Summary Mark messages read
// @Description Marks one message, or every message when no id is given
// @Tags Chats
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path string true "Conversation ID"
// @Param payload body MarkReadPayload false "Target message"
// @Success 200 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /chats/{id}/read [post]
func (h *ChatHandler) MarkRead(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		return
	}
	var payload MarkReadPayload
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&payload); err != nil {
			response.Error(c, bindError(err, "invalid read payload"))
			return
		}
	}
	messageID := payload.MessageID
	if messageID == nil {
		messageID = payload.LegacyMessageID
	}

	result, err := h.service.MarkRead(c.Request.Context(), actor, service.MarkReadRequest{
		ConversationID: c.Param("id"),
		MessageID:      messageID,
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, result, nil)
}

// CreateGroup godoc
// @Summary Create group conversation
// @Tags Groups
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param payload body service.CreateGroupRequest true "Group"
// @Success 201 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Router /chats/groups [post]
func (h *ChatHandler) CreateGroup(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		return
	}
	var req service.CreateGroupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, bindError(err, "invalid group payload"))
		return
	}

	group, err := h.service.CreateGroup(c.Request.Context(), actor, req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, group)
}

// UpdateGroup godoc
// @Summary Update group metadata
// @Tags Groups
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path string true "Group ID"
// @Param payload body service.UpdateGroupRequest true "Changes"
// @Success 200 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Router /chats/groups/{id} [patch]
func (h *ChatHandler) UpdateGroup(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		return
	}
	var req service.UpdateGroupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, bindError(err, "invalid group payload"))
		return
	}

	group, err := h.service.UpdateGroup(c.Request.Context(), actor, c.Param("id"), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, group, nil)
}

// AddParticipants godoc
// @Summary Add group participants
// @Tags Groups
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path string true "Group ID"
// @Param payload body AddParticipantsRequest true "Users"
// @Success 200 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Router /chats/groups/{id}/participants [post]
func (h *ChatHandler) AddParticipants(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		return
	}
	var req AddParticipantsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, bindError(err, "invalid participants payload"))
		return
	}

	added, err := h.service.AddParticipants(c.Request.Context(), actor, c.Param("id"), req.ParticipantIDs)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, added, nil)
}

// RemoveParticipant godoc
// @Summary Remove group participant
// @Tags Groups
// @Produce json
// @Security BearerAuth
// @Param id path string true "Group ID"
// @Param userId path string true "User ID"
// @Success 200 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /chats/groups/{id}/participants/{userId} [delete]
func (h *ChatHandler) RemoveParticipant(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		return
	}
	removal, err := h.service.RemoveParticipant(c.Request.Context(), actor, c.Param("id"), c.Param("userId"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, removal, nil)
}

// PromoteAdmin godoc
// @Summary Promote participant to group admin
// @Tags Groups
// @Security BearerAuth
// @Param id path string true "Group ID"
// @Param userId path string true "User ID"
// @Success 204
// @Failure 403 {object} response.Envelope
// @Router /chats/groups/{id}/admins/{userId} [post]
func (h *ChatHandler) PromoteAdmin(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		return
	}
	if err := h.service.PromoteAdmin(c.Request.Context(), actor, c.Param("id"), c.Param("userId")); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}

// DemoteAdmin godoc
// @Summary Demote group admin
// @Tags Groups
// @Security BearerAuth
// @Param id path string true "Group ID"
// @Param userId path string true "User ID"
// @Success 204
// @Failure 403 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /chats/groups/{id}/admins/{userId} [delete]
func (h *ChatHandler) DemoteAdmin(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		return
	}
	if err := h.service.DemoteAdmin(c.Request.Context(), actor, c.Param("id"), c.Param("userId")); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}

// Leave godoc
// @Summary Leave group
// @Tags Groups
// @Produce json
// @Security BearerAuth
// @Param id path string true "Group ID"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /chats/groups/{id}/leave [post]
func (h *ChatHandler) Leave(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		return
	}
	removal, err := h.service.Leave(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, removal, nil)
}
