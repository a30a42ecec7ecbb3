package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/noah-isme/sma-class-chat/internal/models"
)

type memoryConversation struct {
	direct   *models.DirectConversation
	group    *models.GroupConversation
	messages []models.Message
}

func (c *memoryConversation) conversation() models.Conversation {
	if c.direct != nil {
		return c.direct
	}
	return c.group
}

func (c *memoryConversation) lastActivity() time.Time {
	if c.direct != nil {
		return c.direct.LastMessageAt
	}
	return c.group.LastMessageAt
}

// MemoryChatRepository keeps conversations in process memory. It satisfies the
// same contract as ChatRepository and is used for single-process deployments.
type MemoryChatRepository struct {
	mu            sync.RWMutex
	conversations map[string]*memoryConversation
	pairs         map[string]string
	now           func() time.Time
}

// NewMemoryChatRepository constructs an empty in-memory chat store.
func NewMemoryChatRepository() *MemoryChatRepository {
	return &MemoryChatRepository{
		conversations: make(map[string]*memoryConversation),
		pairs:         make(map[string]string),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// GetOrCreateDirect returns the direct conversation for the unordered pair, creating it on first contact.
func (r *MemoryChatRepository) GetOrCreateDirect(_ context.Context, a, b string) (*models.DirectConversation, error) {
	candidate, err := models.NewDirectConversation(uuid.NewString(), a, b, r.now())
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if id, ok := r.pairs[candidate.PairKey()]; ok {
		return copyDirect(r.conversations[id].direct), nil
	}
	r.conversations[candidate.ID] = &memoryConversation{direct: candidate}
	r.pairs[candidate.PairKey()] = candidate.ID
	return copyDirect(candidate), nil
}

// CreateGroup stores a new group with the creator as its only admin.
func (r *MemoryChatRepository) CreateGroup(_ context.Context, creatorID string, memberIDs []string, meta models.GroupMetadata) (*models.GroupConversation, error) {
	group, err := models.NewGroupConversation(uuid.NewString(), creatorID, memberIDs, meta, r.now())
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.conversations[group.ID] = &memoryConversation{group: group}
	return copyGroup(group), nil
}

// FindConversation returns a copy of the conversation without messages.
func (r *MemoryChatRepository) FindConversation(_ context.Context, id string) (models.Conversation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.conversations[id]
	if !ok {
		return nil, models.ErrConversationNotFound
	}
	if entry.direct != nil {
		return copyDirect(entry.direct), nil
	}
	return copyGroup(entry.group), nil
}

// ListMessages returns a page of messages in append order.
func (r *MemoryChatRepository) ListMessages(_ context.Context, conversationID string, q models.MessageQuery) ([]models.Message, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = defaultMessageLimit
	}
	if limit > maxMessageLimit {
		limit = maxMessageLimit
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.conversations[conversationID]
	if !ok {
		return []models.Message{}, nil
	}
	end := len(entry.messages)
	if q.BeforeSeq > 0 {
		end = sort.Search(len(entry.messages), func(i int) bool {
			return entry.messages[i].Seq >= q.BeforeSeq
		})
	}
	start := end - limit
	if start < 0 {
		start = 0
	}
	out := make([]models.Message, 0, end-start)
	for _, m := range entry.messages[start:end] {
		out = append(out, m.Clone())
	}
	return out, nil
}

// ListDirectForUser returns the caller's direct conversations by last activity.
func (r *MemoryChatRepository) ListDirectForUser(_ context.Context, userID string) ([]*models.DirectConversation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := []*models.DirectConversation{}
	for _, entry := range r.sortedFor(userID, models.ConversationDirect) {
		conv := copyDirect(entry.direct)
		conv.LastMessage, conv.UnreadCount = summarize(entry.messages, userID)
		out = append(out, conv)
	}
	return out, nil
}

// ListGroupsForUser returns the caller's group conversations by last activity.
func (r *MemoryChatRepository) ListGroupsForUser(_ context.Context, userID string) ([]*models.GroupConversation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := []*models.GroupConversation{}
	for _, entry := range r.sortedFor(userID, models.ConversationGroup) {
		conv := copyGroup(entry.group)
		conv.LastMessage, conv.UnreadCount = summarize(entry.messages, userID)
		out = append(out, conv)
	}
	return out, nil
}

// AppendMessage adds a message at the tail of the conversation log.
func (r *MemoryChatRepository) AppendMessage(_ context.Context, conversationID, senderID, content string, attachments []string) (*models.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.conversations[conversationID]
	if !ok {
		return nil, models.ErrConversationNotFound
	}
	if !entry.conversation().IsParticipant(senderID) {
		return nil, models.ErrNotParticipant
	}

	at := models.NextMessageTime(entry.lastActivity(), r.now())
	msg := models.NewMessage(uuid.NewString(), conversationID, senderID, content, append([]string{}, attachments...), at)
	msg.Seq = int64(len(entry.messages)) + 1
	entry.messages = append(entry.messages, msg)

	if entry.direct != nil {
		entry.direct.LastMessageAt = at
	} else {
		entry.group.LastMessageAt = at
		entry.group.UpdatedAt = at
	}
	out := msg.Clone()
	return &out, nil
}

// MarkRead records receipts for one message, or for every message when messageID is nil.
func (r *MemoryChatRepository) MarkRead(_ context.Context, conversationID, readerID string, messageID *string) (models.MarkReadResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	result := models.MarkReadResult{MessageIDs: []string{}, ReadAt: r.now()}
	entry, ok := r.conversations[conversationID]
	if !ok {
		return result, models.ErrConversationNotFound
	}
	if !entry.conversation().IsParticipant(readerID) {
		return result, models.ErrNotParticipant
	}

	if messageID != nil {
		for i := range entry.messages {
			if entry.messages[i].ID != *messageID {
				continue
			}
			if entry.messages[i].MarkRead(readerID, result.ReadAt) {
				result.MessageIDs = append(result.MessageIDs, *messageID)
			}
			return result, nil
		}
		return result, models.ErrMessageNotFound
	}

	for i := range entry.messages {
		if entry.messages[i].MarkRead(readerID, result.ReadAt) {
			result.MessageIDs = append(result.MessageIDs, entry.messages[i].ID)
		}
	}
	return result, nil
}

// AddParticipants adds members to a group and returns the records that were new.
func (r *MemoryChatRepository) AddParticipants(_ context.Context, conversationID, addedBy string, userIDs []string) ([]models.ParticipantRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	group, err := r.groupLocked(conversationID)
	if err != nil {
		return nil, err
	}
	now := r.now()
	added := group.AddParticipants(userIDs, addedBy, now)
	if len(added) > 0 {
		group.UpdatedAt = now
	}
	return added, nil
}

// RemoveParticipant drops a member, deleting the group when it empties and
// promoting the earliest-added member when no admin is left.
func (r *MemoryChatRepository) RemoveParticipant(_ context.Context, conversationID, userID string) (models.ParticipantRemoval, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	group, err := r.groupLocked(conversationID)
	if err != nil {
		return models.ParticipantRemoval{}, err
	}
	removal, err := group.RemoveParticipant(userID)
	if err != nil {
		return removal, err
	}
	if removal.Deleted {
		delete(r.conversations, conversationID)
	}
	return removal, nil
}

// SetParticipantRole changes a member's role, keeping at least one admin.
func (r *MemoryChatRepository) SetParticipantRole(_ context.Context, conversationID, userID string, role models.ParticipantRole) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	group, err := r.groupLocked(conversationID)
	if err != nil {
		return err
	}
	return group.SetRole(userID, role)
}

// UpdateGroupMetadata applies optional metadata changes to a group.
func (r *MemoryChatRepository) UpdateGroupMetadata(_ context.Context, conversationID string, update models.GroupUpdate) (*models.GroupConversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	group, err := r.groupLocked(conversationID)
	if err != nil {
		return nil, err
	}
	group.Apply(update, r.now())
	return copyGroup(group), nil
}

func (r *MemoryChatRepository) groupLocked(id string) (*models.GroupConversation, error) {
	entry, ok := r.conversations[id]
	if !ok {
		return nil, models.ErrConversationNotFound
	}
	if entry.group == nil {
		return nil, models.ErrNotGroupConversation
	}
	return entry.group, nil
}

func (r *MemoryChatRepository) sortedFor(userID string, kind models.ConversationKind) []*memoryConversation {
	var entries []*memoryConversation
	for _, entry := range r.conversations {
		conv := entry.conversation()
		if conv.Kind() == kind && conv.IsParticipant(userID) {
			entries = append(entries, entry)
		}
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].lastActivity().After(entries[j].lastActivity())
	})
	return entries
}

func summarize(messages []models.Message, userID string) (*models.Message, int) {
	if len(messages) == 0 {
		return nil, 0
	}
	unread := 0
	for i := range messages {
		if !messages[i].IsReadBy(userID) {
			unread++
		}
	}
	last := messages[len(messages)-1].Clone()
	return &last, unread
}

func copyDirect(d *models.DirectConversation) *models.DirectConversation {
	out := *d
	out.Participants = nil
	out.Messages = nil
	return &out
}

func copyGroup(g *models.GroupConversation) *models.GroupConversation {
	out := *g
	out.Participants = append([]models.ParticipantRecord{}, g.Participants...)
	out.Messages = nil
	if g.ClassID != nil {
		classID := *g.ClassID
		out.ClassID = &classID
	}
	return &out
}
