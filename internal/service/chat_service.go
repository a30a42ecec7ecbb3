package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/sma-class-chat/internal/models"
	appErrors "github.com/noah-isme/sma-class-chat/pkg/errors"
)

type chatStore interface {
	GetOrCreateDirect(ctx context.Context, a, b string) (*models.DirectConversation, error)
	CreateGroup(ctx context.Context, creatorID string, memberIDs []string, meta models.GroupMetadata) (*models.GroupConversation, error)
	FindConversation(ctx context.Context, id string) (models.Conversation, error)
	ListMessages(ctx context.Context, conversationID string, q models.MessageQuery) ([]models.Message, error)
	ListDirectForUser(ctx context.Context, userID string) ([]*models.DirectConversation, error)
	ListGroupsForUser(ctx context.Context, userID string) ([]*models.GroupConversation, error)
	AppendMessage(ctx context.Context, conversationID, senderID, content string, attachments []string) (*models.Message, error)
	MarkRead(ctx context.Context, conversationID, readerID string, messageID *string) (models.MarkReadResult, error)
	AddParticipants(ctx context.Context, conversationID, addedBy string, userIDs []string) ([]models.ParticipantRecord, error)
	RemoveParticipant(ctx context.Context, conversationID, userID string) (models.ParticipantRemoval, error)
	SetParticipantRole(ctx context.Context, conversationID, userID string, role models.ParticipantRole) error
	UpdateGroupMetadata(ctx context.Context, conversationID string, update models.GroupUpdate) (*models.GroupConversation, error)
}

type userDirectory interface {
	FindSummaries(ctx context.Context, ids []string) (map[string]models.UserSummary, error)
	CreateAuditLog(ctx context.Context, log *models.AuditLog) error
}

// ChatNotifier receives conversation events after they are committed.
type ChatNotifier interface {
	MessageAppended(conv models.Conversation, msg models.Message)
	MessagesRead(conv models.Conversation, readerID string, result models.MarkReadResult)
	GroupChanged(group *models.GroupConversation, removed []string)
}

type noopNotifier struct{}

func (noopNotifier) MessageAppended(models.Conversation, models.Message)            {}
func (noopNotifier) MessagesRead(models.Conversation, string, models.MarkReadResult) {}
func (noopNotifier) GroupChanged(*models.GroupConversation, []string)                {}

// ChatConfig tunes message validation and list caching.
type ChatConfig struct {
	MaxMessageLength  int
	MaxAttachments    int
	PageSize          int
	ListCacheTTL      time.Duration
	DefaultGroupImage string
}

// SendMessageRequest is the payload for posting a message.
type SendMessageRequest struct {
	ConversationID string                  `json:"-"`
	Kind           models.ConversationKind `json:"-"`
	Content        string                  `json:"content"`
	Attachments    []string                `json:"attachments"`
}

// MarkReadRequest marks one message, or every message when MessageID is nil.
type MarkReadRequest struct {
	ConversationID string                  `json:"-"`
	Kind           models.ConversationKind `json:"-"`
	MessageID      *string                 `json:"message_id"`
}

// CreateGroupRequest is the payload for creating a group conversation.
type CreateGroupRequest struct {
	Name           string   `json:"name" validate:"required,max=100"`
	Description    string   `json:"description" validate:"max=500"`
	ImageURL       string   `json:"image_url" validate:"omitempty,url"`
	ClassID        *string  `json:"class_id"`
	ParticipantIDs []string `json:"participant_ids" validate:"required,min=1,dive,required"`
}

// UpdateGroupRequest carries optional metadata changes.
type UpdateGroupRequest struct {
	Name        *string `json:"name" validate:"omitempty,max=100"`
	Description *string `json:"description" validate:"omitempty,max=500"`
	ImageURL    *string `json:"image_url" validate:"omitempty,url"`
}

// ConversationPage bundles a conversation with one page of its messages.
type ConversationPage struct {
	Kind         models.ConversationKind `json:"kind"`
	Conversation models.Conversation     `json:"conversation"`
	Messages     []models.Message        `json:"messages"`
	HasMore      bool                    `json:"has_more"`
}

// ChatService exposes conversation operations for the HTTP and realtime surfaces.
type ChatService struct {
	store     chatStore
	users     userDirectory
	classes   classLookup
	resolver  *PermissionResolver
	cache     *CacheService
	metrics   *MetricsService
	notifier  ChatNotifier
	validator *validator.Validate
	logger    *zap.Logger
	config    ChatConfig
	locks     *conversationLocks
}

// NewChatService constructs a ChatService.
func NewChatService(store chatStore, users userDirectory, classes classLookup, resolver *PermissionResolver, cache *CacheService, metrics *MetricsService, validate *validator.Validate, logger *zap.Logger, cfg ChatConfig) *ChatService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if validate == nil {
		validate = validator.New()
	}
	if resolver == nil {
		resolver = NewPermissionResolver(PermissionPolicy{})
	}
	if cfg.MaxMessageLength <= 0 {
		cfg.MaxMessageLength = 4000
	}
	if cfg.MaxAttachments <= 0 {
		cfg.MaxAttachments = 10
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 50
	}
	return &ChatService{
		store:     store,
		users:     users,
		classes:   classes,
		resolver:  resolver,
		cache:     cache,
		metrics:   metrics,
		notifier:  noopNotifier{},
		validator: validate,
		logger:    logger,
		config:    cfg,
		locks:     newConversationLocks(),
	}
}

// SetNotifier attaches the realtime fan-out. Passing nil detaches it.
func (s *ChatService) SetNotifier(n ChatNotifier) {
	if n == nil {
		n = noopNotifier{}
	}
	s.notifier = n
}

// StartDirect returns the direct conversation between the actor and counterpartID, creating it on first contact.
func (s *ChatService) StartDirect(ctx context.Context, actor *models.User, counterpartID string) (*models.DirectConversation, error) {
	counterpartID, err := parseID(counterpartID, "recipient id")
	if err != nil {
		return nil, err
	}
	if counterpartID == actor.ID {
		return nil, appErrors.Clone(appErrors.ErrValidation, "cannot start a conversation with yourself")
	}
	summaries, err := s.users.FindSummaries(ctx, []string{counterpartID})
	if err != nil {
		return nil, appErrors.Storage(err, "failed to load recipient")
	}
	if _, ok := summaries[counterpartID]; !ok {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "recipient not found")
	}

	conv, err := s.store.GetOrCreateDirect(ctx, actor.ID, counterpartID)
	if err != nil {
		return nil, mapChatError(err, "failed to open direct conversation")
	}
	s.invalidateLists(ctx, models.ConversationDirect, conv.ParticipantIDs()...)
	if err := s.decorate(ctx, conv); err != nil {
		return nil, err
	}
	return conv, nil
}

// ListDirect returns the actor's direct conversations by last activity.
func (s *ChatService) ListDirect(ctx context.Context, actor *models.User) ([]*models.DirectConversation, error) {
	key := chatListKey(models.ConversationDirect, actor.ID)
	var cached []*models.DirectConversation
	if hit, _ := s.cache.Get(ctx, key, &cached); hit {
		return cached, nil
	}

	convs, err := s.store.ListDirectForUser(ctx, actor.ID)
	if err != nil {
		return nil, mapChatError(err, "failed to list direct conversations")
	}
	items := make([]models.Conversation, 0, len(convs))
	for _, c := range convs {
		items = append(items, c)
	}
	if err := s.decorate(ctx, items...); err != nil {
		return nil, err
	}
	_ = s.cache.Set(ctx, key, convs, s.config.ListCacheTTL)
	return convs, nil
}

// ListGroups returns the actor's group conversations by last activity.
func (s *ChatService) ListGroups(ctx context.Context, actor *models.User) ([]*models.GroupConversation, error) {
	key := chatListKey(models.ConversationGroup, actor.ID)
	var cached []*models.GroupConversation
	if hit, _ := s.cache.Get(ctx, key, &cached); hit {
		return cached, nil
	}

	groups, err := s.store.ListGroupsForUser(ctx, actor.ID)
	if err != nil {
		return nil, mapChatError(err, "failed to list group conversations")
	}
	items := make([]models.Conversation, 0, len(groups))
	for _, g := range groups {
		items = append(items, g)
	}
	if err := s.decorate(ctx, items...); err != nil {
		return nil, err
	}
	_ = s.cache.Set(ctx, key, groups, s.config.ListCacheTTL)
	return groups, nil
}

// GetConversation returns a conversation and one page of messages, oldest first.
func (s *ChatService) GetConversation(ctx context.Context, actor *models.User, id string, q models.MessageQuery) (*ConversationPage, error) {
	id, err := parseID(id, "conversation id")
	if err != nil {
		return nil, err
	}
	conv, err := s.loadForParticipant(ctx, actor, id, "")
	if err != nil {
		return nil, err
	}
	if q.Limit <= 0 || q.Limit > s.config.PageSize {
		q.Limit = s.config.PageSize
	}
	fetch := q
	fetch.Limit = q.Limit + 1
	messages, err := s.store.ListMessages(ctx, conv.ConversationID(), fetch)
	if err != nil {
		return nil, mapChatError(err, "failed to load messages")
	}
	hasMore := len(messages) > q.Limit
	if hasMore {
		messages = messages[len(messages)-q.Limit:]
	}
	if err := s.decorate(ctx, conv); err != nil {
		return nil, err
	}
	if err := s.attachSenders(ctx, messages); err != nil {
		return nil, err
	}
	return &ConversationPage{Kind: conv.Kind(), Conversation: conv, Messages: messages, HasMore: hasMore}, nil
}

// Membership reports whether the actor may join the conversation's room.
func (s *ChatService) Membership(ctx context.Context, actor *models.User, id string, kind models.ConversationKind) (models.Conversation, error) {
	id, err := parseID(id, "conversation id")
	if err != nil {
		return nil, err
	}
	return s.loadForParticipant(ctx, actor, id, kind)
}

// SendMessage appends a message and fans it out while holding the conversation lock,
// so every listener observes append order.
func (s *ChatService) SendMessage(ctx context.Context, actor *models.User, req SendMessageRequest) (*models.Message, error) {
	conversationID, err := parseID(req.ConversationID, "conversation id")
	if err != nil {
		return nil, err
	}
	content := strings.TrimSpace(req.Content)
	if content == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "message content is required")
	}
	if utf8.RuneCountInString(content) > s.config.MaxMessageLength {
		return nil, appErrors.Clone(appErrors.ErrValidation, "message content is too long")
	}
	attachments, err := s.cleanAttachments(req.Attachments)
	if err != nil {
		return nil, err
	}

	unlock := s.locks.lock(conversationID)
	defer unlock()

	conv, err := s.loadForParticipant(ctx, actor, conversationID, req.Kind)
	if err != nil {
		return nil, err
	}
	msg, err := s.store.AppendMessage(ctx, conv.ConversationID(), actor.ID, content, attachments)
	if err != nil {
		return nil, mapChatError(err, "failed to send message")
	}
	sender := actor.Summary()
	msg.Sender = &sender

	s.metrics.MessageSent(string(conv.Kind()))
	s.notifier.MessageAppended(conv, *msg)
	s.invalidateLists(ctx, conv.Kind(), conv.ParticipantIDs()...)
	return msg, nil
}

// MarkRead records read receipts for the actor and announces the changed messages.
func (s *ChatService) MarkRead(ctx context.Context, actor *models.User, req MarkReadRequest) (models.MarkReadResult, error) {
	conversationID, err := parseID(req.ConversationID, "conversation id")
	if err != nil {
		return models.MarkReadResult{}, err
	}
	if req.MessageID != nil {
		if strings.TrimSpace(*req.MessageID) == "" {
			req.MessageID = nil
		} else {
			messageID, err := parseID(*req.MessageID, "message id")
			if err != nil {
				return models.MarkReadResult{}, err
			}
			req.MessageID = &messageID
		}
	}

	unlock := s.locks.lock(conversationID)
	defer unlock()

	conv, err := s.loadForParticipant(ctx, actor, conversationID, req.Kind)
	if err != nil {
		return models.MarkReadResult{}, err
	}
	result, err := s.store.MarkRead(ctx, conv.ConversationID(), actor.ID, req.MessageID)
	if err != nil {
		return models.MarkReadResult{}, mapChatError(err, "failed to mark messages read")
	}
	if result.Changed() {
		s.notifier.MessagesRead(conv, actor.ID, result)
		s.invalidateLists(ctx, conv.Kind(), actor.ID)
	}
	return result, nil
}

// CreateGroup creates a group with the actor as its sole initial admin.
func (s *ChatService) CreateGroup(ctx context.Context, actor *models.User, req CreateGroupRequest) (*models.GroupConversation, error) {
	req.Name = strings.TrimSpace(req.Name)
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid group payload")
	}

	var classID *string
	if raw := normalizeClassID(req.ClassID); raw != nil {
		id, err := parseID(*raw, "class id")
		if err != nil {
			return nil, err
		}
		classID = &id
		if err := s.requireClass(ctx, *classID); err != nil {
			return nil, err
		}
		if !s.resolver.CanAccess(actor, *classID, CapabilityManageClassGroups, models.VisibilityClassOnly) {
			return nil, appErrors.Clone(appErrors.ErrForbidden, "not allowed to create groups for this class")
		}
	}

	participantIDs, err := parseIDs(req.ParticipantIDs, "participant id")
	if err != nil {
		return nil, err
	}
	members := dedupeIDs(participantIDs, actor.ID)
	if len(members) == 0 {
		return nil, appErrors.Clone(appErrors.ErrValidation, "group requires at least one other participant")
	}
	if err := s.requireUsers(ctx, members); err != nil {
		return nil, err
	}

	image := strings.TrimSpace(req.ImageURL)
	if image == "" {
		image = s.config.DefaultGroupImage
	}
	group, err := s.store.CreateGroup(ctx, actor.ID, members, models.GroupMetadata{
		Name:        req.Name,
		Description: strings.TrimSpace(req.Description),
		ImageURL:    image,
		ClassID:     classID,
	})
	if err != nil {
		return nil, mapChatError(err, "failed to create group")
	}

	s.audit(ctx, actor, group.ID, models.AuditActionGroupCreate, map[string]interface{}{"name": group.Name, "participants": group.ParticipantIDs()})
	s.invalidateLists(ctx, models.ConversationGroup, group.ParticipantIDs()...)
	if err := s.decorate(ctx, group); err != nil {
		return nil, err
	}
	s.notifier.GroupChanged(group, nil)
	return group, nil
}

// AddParticipants adds members to a group the actor is allowed to grow.
func (s *ChatService) AddParticipants(ctx context.Context, actor *models.User, groupID string, userIDs []string) ([]models.ParticipantRecord, error) {
	groupID, err := parseID(groupID, "group id")
	if err != nil {
		return nil, err
	}
	parsed, err := parseIDs(userIDs, "participant id")
	if err != nil {
		return nil, err
	}

	unlock := s.locks.lock(groupID)
	defer unlock()

	group, err := s.loadGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if !s.resolver.CanAddGroupMembers(actor, group.ClassID, s.resolver.IsGroupAdmin(actor, group)) {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "not allowed to add participants")
	}

	ids := dedupeIDs(parsed, "")
	if len(ids) == 0 {
		return nil, appErrors.Clone(appErrors.ErrValidation, "participant ids are required")
	}
	if err := s.requireUsers(ctx, ids); err != nil {
		return nil, err
	}

	added, err := s.store.AddParticipants(ctx, groupID, actor.ID, ids)
	if err != nil {
		return nil, mapChatError(err, "failed to add participants")
	}
	if len(added) == 0 {
		return added, nil
	}

	addedIDs := make([]string, 0, len(added))
	for _, rec := range added {
		addedIDs = append(addedIDs, rec.UserID)
	}
	s.audit(ctx, actor, groupID, models.AuditActionGroupMembers, map[string]interface{}{"added": addedIDs})
	s.groupChanged(ctx, groupID, nil)
	return added, nil
}

// RemoveParticipant removes a member from a group the actor moderates.
func (s *ChatService) RemoveParticipant(ctx context.Context, actor *models.User, groupID, userID string) (models.ParticipantRemoval, error) {
	groupID, err := parseID(groupID, "group id")
	if err != nil {
		return models.ParticipantRemoval{}, err
	}
	userID, err = parseID(userID, "participant id")
	if err != nil {
		return models.ParticipantRemoval{}, err
	}

	unlock := s.locks.lock(groupID)
	defer unlock()

	group, err := s.loadGroup(ctx, groupID)
	if err != nil {
		return models.ParticipantRemoval{}, err
	}
	if !s.resolver.CanModerateGroup(actor, group) {
		return models.ParticipantRemoval{}, appErrors.Clone(appErrors.ErrForbidden, "only group admins can remove participants")
	}
	removal, err := s.removeLocked(ctx, group, userID)
	if err != nil {
		return removal, err
	}
	s.audit(ctx, actor, groupID, models.AuditActionGroupMembers, map[string]interface{}{"removed": userID})
	return removal, nil
}

// Leave removes the actor from a group.
func (s *ChatService) Leave(ctx context.Context, actor *models.User, groupID string) (models.ParticipantRemoval, error) {
	groupID, err := parseID(groupID, "group id")
	if err != nil {
		return models.ParticipantRemoval{}, err
	}

	unlock := s.locks.lock(groupID)
	defer unlock()

	group, err := s.loadGroup(ctx, groupID)
	if err != nil {
		return models.ParticipantRemoval{}, err
	}
	return s.removeLocked(ctx, group, actor.ID)
}

// PromoteAdmin grants the admin role to a member.
func (s *ChatService) PromoteAdmin(ctx context.Context, actor *models.User, groupID, userID string) error {
	return s.setRole(ctx, actor, groupID, userID, models.ParticipantAdmin)
}

// DemoteAdmin returns an admin to the member role. The last admin cannot be demoted.
func (s *ChatService) DemoteAdmin(ctx context.Context, actor *models.User, groupID, userID string) error {
	return s.setRole(ctx, actor, groupID, userID, models.ParticipantMember)
}

// UpdateGroup changes a group's name, description or image.
func (s *ChatService) UpdateGroup(ctx context.Context, actor *models.User, groupID string, req UpdateGroupRequest) (*models.GroupConversation, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid group payload")
	}
	if req.Name != nil && strings.TrimSpace(*req.Name) == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "group name cannot be empty")
	}
	groupID, err := parseID(groupID, "group id")
	if err != nil {
		return nil, err
	}

	unlock := s.locks.lock(groupID)
	defer unlock()

	group, err := s.loadGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if !s.resolver.CanModerateGroup(actor, group) {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "only group admins can update the group")
	}

	updated, err := s.store.UpdateGroupMetadata(ctx, groupID, models.GroupUpdate{Name: req.Name, Description: req.Description, ImageURL: req.ImageURL})
	if err != nil {
		return nil, mapChatError(err, "failed to update group")
	}
	s.audit(ctx, actor, groupID, models.AuditActionGroupUpdate, map[string]interface{}{"name": updated.Name, "description": updated.Description, "image_url": updated.ImageURL})
	s.invalidateLists(ctx, models.ConversationGroup, updated.ParticipantIDs()...)
	if err := s.decorate(ctx, updated); err != nil {
		return nil, err
	}
	s.notifier.GroupChanged(updated, nil)
	return updated, nil
}

func (s *ChatService) setRole(ctx context.Context, actor *models.User, groupID, userID string, role models.ParticipantRole) error {
	groupID, err := parseID(groupID, "group id")
	if err != nil {
		return err
	}
	userID, err = parseID(userID, "participant id")
	if err != nil {
		return err
	}

	unlock := s.locks.lock(groupID)
	defer unlock()

	group, err := s.loadGroup(ctx, groupID)
	if err != nil {
		return err
	}
	if !s.resolver.CanModerateGroup(actor, group) {
		return appErrors.Clone(appErrors.ErrForbidden, "only group admins can change roles")
	}
	if err := s.store.SetParticipantRole(ctx, groupID, userID, role); err != nil {
		return mapChatError(err, "failed to change participant role")
	}
	s.audit(ctx, actor, groupID, models.AuditActionGroupMembers, map[string]interface{}{"user_id": userID, "role": role})
	s.groupChanged(ctx, groupID, nil)
	return nil
}

func (s *ChatService) removeLocked(ctx context.Context, group *models.GroupConversation, userID string) (models.ParticipantRemoval, error) {
	removal, err := s.store.RemoveParticipant(ctx, group.ID, userID)
	if err != nil {
		return removal, mapChatError(err, "failed to remove participant")
	}
	s.invalidateLists(ctx, models.ConversationGroup, group.ParticipantIDs()...)
	if removal.Deleted {
		s.logger.Info("group deleted after last participant left", zap.String("conversation_id", group.ID))
		return removal, nil
	}
	s.groupChanged(ctx, group.ID, []string{userID})
	return removal, nil
}

// groupChanged reloads the group and announces its new membership.
func (s *ChatService) groupChanged(ctx context.Context, groupID string, removed []string) {
	conv, err := s.store.FindConversation(ctx, groupID)
	if err != nil {
		s.logger.Warn("failed to reload group", zap.String("conversation_id", groupID), zap.Error(err))
		return
	}
	group, ok := conv.(*models.GroupConversation)
	if !ok {
		return
	}
	s.invalidateLists(ctx, models.ConversationGroup, group.ParticipantIDs()...)
	if err := s.decorate(ctx, group); err != nil {
		s.logger.Warn("failed to resolve group participants", zap.String("conversation_id", groupID), zap.Error(err))
	}
	s.notifier.GroupChanged(group, removed)
}

// loadForParticipant expects an id already checked by parseID.
func (s *ChatService) loadForParticipant(ctx context.Context, actor *models.User, id string, kind models.ConversationKind) (models.Conversation, error) {
	conv, err := s.store.FindConversation(ctx, id)
	if err != nil {
		return nil, mapChatError(err, "failed to load conversation")
	}
	if kind != "" && conv.Kind() != kind {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "conversation not found")
	}
	if !conv.IsParticipant(actor.ID) {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "you are not a participant of this conversation")
	}
	return conv, nil
}

func (s *ChatService) loadGroup(ctx context.Context, id string) (*models.GroupConversation, error) {
	conv, err := s.store.FindConversation(ctx, id)
	if err != nil {
		return nil, mapChatError(err, "failed to load group")
	}
	group, ok := conv.(*models.GroupConversation)
	if !ok {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "group not found")
	}
	return group, nil
}

func (s *ChatService) requireClass(ctx context.Context, classID string) error {
	if s.classes == nil {
		return nil
	}
	exists, err := s.classes.Exists(ctx, classID)
	if err != nil {
		return appErrors.Storage(err, "failed to verify class")
	}
	if !exists {
		return appErrors.Clone(appErrors.ErrValidation, "class does not exist")
	}
	return nil
}

func (s *ChatService) requireUsers(ctx context.Context, ids []string) error {
	summaries, err := s.users.FindSummaries(ctx, ids)
	if err != nil {
		return appErrors.Storage(err, "failed to load participants")
	}
	for _, id := range ids {
		if _, ok := summaries[id]; !ok {
			return appErrors.Clone(appErrors.ErrValidation, "unknown participant "+id)
		}
	}
	return nil
}

func (s *ChatService) cleanAttachments(raw []string) ([]string, error) {
	out := make([]string, 0, len(raw))
	for _, a := range raw {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if err := s.validator.Var(a, "max=2048"); err != nil {
			return nil, appErrors.Clone(appErrors.ErrValidation, "attachment reference is too long")
		}
		out = append(out, a)
	}
	if len(out) > s.config.MaxAttachments {
		return nil, appErrors.Clone(appErrors.ErrValidation, "too many attachments")
	}
	return out, nil
}

// decorate resolves display fields for participants and last messages.
func (s *ChatService) decorate(ctx context.Context, convs ...models.Conversation) error {
	ids := map[string]struct{}{}
	for _, c := range convs {
		for _, id := range c.ParticipantIDs() {
			ids[id] = struct{}{}
		}
		if last := lastMessageOf(c); last != nil {
			ids[last.SenderID] = struct{}{}
		}
	}
	if len(ids) == 0 {
		return nil
	}
	list := make([]string, 0, len(ids))
	for id := range ids {
		list = append(list, id)
	}
	summaries, err := s.users.FindSummaries(ctx, list)
	if err != nil {
		return appErrors.Storage(err, "failed to resolve participants")
	}

	for _, c := range convs {
		switch conv := c.(type) {
		case *models.DirectConversation:
			conv.Participants = conv.Participants[:0]
			for _, id := range conv.ParticipantIDs() {
				if summary, ok := summaries[id]; ok {
					conv.Participants = append(conv.Participants, summary)
				}
			}
		case *models.GroupConversation:
			for i := range conv.Participants {
				if summary, ok := summaries[conv.Participants[i].UserID]; ok {
					conv.Participants[i].User = &summary
				}
			}
		}
		if last := lastMessageOf(c); last != nil {
			if summary, ok := summaries[last.SenderID]; ok {
				last.Sender = &summary
			}
		}
	}
	return nil
}

func (s *ChatService) attachSenders(ctx context.Context, messages []models.Message) error {
	if len(messages) == 0 {
		return nil
	}
	ids := make([]string, 0, len(messages))
	seen := map[string]bool{}
	for _, m := range messages {
		if !seen[m.SenderID] {
			seen[m.SenderID] = true
			ids = append(ids, m.SenderID)
		}
	}
	summaries, err := s.users.FindSummaries(ctx, ids)
	if err != nil {
		return appErrors.Storage(err, "failed to resolve senders")
	}
	for i := range messages {
		if summary, ok := summaries[messages[i].SenderID]; ok {
			messages[i].Sender = &summary
		}
	}
	return nil
}

func (s *ChatService) invalidateLists(ctx context.Context, kind models.ConversationKind, userIDs ...string) {
	if !s.cache.Enabled() || len(userIDs) == 0 {
		return
	}
	keys := make([]string, 0, len(userIDs))
	for _, id := range userIDs {
		keys = append(keys, chatListKey(kind, id))
	}
	_ = s.cache.Delete(ctx, keys...)
}

func (s *ChatService) audit(ctx context.Context, actor *models.User, conversationID, action string, values map[string]interface{}) {
	payload, _ := json.Marshal(values)
	if err := s.users.CreateAuditLog(ctx, &models.AuditLog{
		UserID:     &actor.ID,
		Action:     action,
		Resource:   "conversations",
		ResourceID: &conversationID,
		NewValues:  payload,
	}); err != nil {
		s.logger.Warn("failed to record chat audit log", zap.String("action", action), zap.Error(err))
	}
}

func lastMessageOf(c models.Conversation) *models.Message {
	switch conv := c.(type) {
	case *models.DirectConversation:
		return conv.LastMessage
	case *models.GroupConversation:
		return conv.LastMessage
	}
	return nil
}

func chatListKey(kind models.ConversationKind, userID string) string {
	return "chat:" + string(kind) + ":" + userID
}

func dedupeIDs(ids []string, exclude string) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == exclude || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func mapChatError(err error, message string) error {
	switch {
	case errors.Is(err, models.ErrConversationNotFound):
		return appErrors.Clone(appErrors.ErrNotFound, "conversation not found")
	case errors.Is(err, models.ErrMessageNotFound):
		return appErrors.Clone(appErrors.ErrNotFound, "message not found")
	case errors.Is(err, models.ErrParticipantNotFound):
		return appErrors.Clone(appErrors.ErrNotFound, "participant not found")
	case errors.Is(err, models.ErrNotGroupConversation):
		return appErrors.Clone(appErrors.ErrNotFound, "group not found")
	case errors.Is(err, models.ErrNotParticipant):
		return appErrors.Clone(appErrors.ErrForbidden, "you are not a participant of this conversation")
	case errors.Is(err, models.ErrSelfConversation):
		return appErrors.Clone(appErrors.ErrValidation, "cannot start a conversation with yourself")
	case errors.Is(err, models.ErrNoGroupMembers):
		return appErrors.Clone(appErrors.ErrValidation, "group requires at least one other participant")
	case errors.Is(err, models.ErrInvalidParticipant):
		return appErrors.Clone(appErrors.ErrValidation, "invalid participant role")
	case errors.Is(err, models.ErrLastAdmin):
		return appErrors.Clone(appErrors.ErrConflict, "group must keep at least one admin")
	}
	return appErrors.Storage(err, message)
}

// conversationLocks serialises mutations per conversation id.
type conversationLocks struct {
	mu    sync.Mutex
	locks map[string]*conversationLock
}

type conversationLock struct {
	mu   sync.Mutex
	refs int
}

func newConversationLocks() *conversationLocks {
	return &conversationLocks{locks: make(map[string]*conversationLock)}
}

func (c *conversationLocks) lock(id string) func() {
	c.mu.Lock()
	l, ok := c.locks[id]
	if !ok {
		l = &conversationLock{}
		c.locks[id] = l
	}
	l.refs++
	c.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		c.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(c.locks, id)
		}
		c.mu.Unlock()
	}
}
