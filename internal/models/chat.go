package models

import (
	"errors"
	"strings"
	"time"
)

// ConversationKind tags the two conversation shapes.
type ConversationKind string

const (
	ConversationDirect ConversationKind = "direct"
	ConversationGroup  ConversationKind = "group"
)

// ParticipantRole is a member's role inside a group conversation.
type ParticipantRole string

const (
	ParticipantAdmin  ParticipantRole = "admin"
	ParticipantMember ParticipantRole = "member"
)

// Valid reports whether the participant role is known.
func (r ParticipantRole) Valid() bool {
	return r == ParticipantAdmin || r == ParticipantMember
}

// Domain errors shared by every chat store implementation.
var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrMessageNotFound      = errors.New("message not found")
	ErrParticipantNotFound  = errors.New("participant not found")
	ErrNotParticipant       = errors.New("actor is not a participant")
	ErrNotGroupConversation = errors.New("operation requires a group conversation")
	ErrSelfConversation     = errors.New("cannot start a conversation with yourself")
	ErrNoGroupMembers       = errors.New("group requires at least one member besides the creator")
	ErrLastAdmin            = errors.New("group must keep at least one admin")
	ErrInvalidParticipant   = errors.New("invalid participant role")
)

// Conversation is the behaviour shared by direct and group conversations.
type Conversation interface {
	ConversationID() string
	Kind() ConversationKind
	ParticipantIDs() []string
	IsParticipant(userID string) bool
	IsAdmin(userID string) bool
	OwningClassID() *string
}

// ReadReceipt records when a reader saw a message.
type ReadReceipt struct {
	UserID string    `db:"user_id" json:"user_id"`
	ReadAt time.Time `db:"read_at" json:"read_at"`
}

// Message is a single entry of a conversation's append-only log.
type Message struct {
	ID             string        `db:"id" json:"id"`
	ConversationID string        `db:"conversation_id" json:"conversation_id"`
	Seq            int64         `db:"seq" json:"seq"`
	SenderID       string        `db:"sender_id" json:"sender_id"`
	Sender         *UserSummary  `db:"-" json:"sender,omitempty"`
	Content        string        `db:"content" json:"content"`
	Attachments    []string      `db:"-" json:"attachments"`
	ReadBy         []ReadReceipt `db:"-" json:"read_by"`
	CreatedAt      time.Time     `db:"created_at" json:"created_at"`
}

// NewMessage builds a message carrying the sender's own read receipt.
func NewMessage(id, conversationID, senderID, content string, attachments []string, at time.Time) Message {
	if attachments == nil {
		attachments = []string{}
	}
	return Message{
		ID:             id,
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
		Attachments:    attachments,
		ReadBy:         []ReadReceipt{{UserID: senderID, ReadAt: at}},
		CreatedAt:      at,
	}
}

// IsReadBy reports whether userID holds a receipt on the message.
func (m *Message) IsReadBy(userID string) bool {
	if m.SenderID == userID {
		return true
	}
	for _, r := range m.ReadBy {
		if r.UserID == userID {
			return true
		}
	}
	return false
}

// MarkRead adds a receipt for userID. It returns false when nothing changed.
func (m *Message) MarkRead(userID string, at time.Time) bool {
	if m.IsReadBy(userID) {
		return false
	}
	m.ReadBy = append(m.ReadBy, ReadReceipt{UserID: userID, ReadAt: at})
	return true
}

// Clone returns a deep copy of the message.
func (m Message) Clone() Message {
	out := m
	out.Attachments = append([]string{}, m.Attachments...)
	out.ReadBy = append([]ReadReceipt{}, m.ReadBy...)
	if m.Sender != nil {
		sender := *m.Sender
		out.Sender = &sender
	}
	return out
}

// NextMessageTime keeps creation timestamps non-decreasing within a conversation.
func NextMessageTime(last, now time.Time) time.Time {
	if now.Before(last) {
		return last
	}
	return now
}

// DirectPairKey returns the order-independent identity of a participant pair.
func DirectPairKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + ":" + b
}

// DirectConversation is a two-party conversation.
type DirectConversation struct {
	ID            string        `json:"id"`
	UserA         string        `json:"-"`
	UserB         string        `json:"-"`
	Participants  []UserSummary `json:"participants"`
	Messages      []Message     `json:"messages,omitempty"`
	LastMessage   *Message      `json:"last_message,omitempty"`
	UnreadCount   int           `json:"unread_count"`
	LastMessageAt time.Time     `json:"last_message_at"`
	CreatedAt     time.Time     `json:"created_at"`
}

// NewDirectConversation validates the pair and orders it canonically.
func NewDirectConversation(id, a, b string, now time.Time) (*DirectConversation, error) {
	if a == "" || b == "" {
		return nil, ErrParticipantNotFound
	}
	if a == b {
		return nil, ErrSelfConversation
	}
	if b < a {
		a, b = b, a
	}
	return &DirectConversation{ID: id, UserA: a, UserB: b, LastMessageAt: now, CreatedAt: now}, nil
}

func (d *DirectConversation) ConversationID() string { return d.ID }

func (d *DirectConversation) Kind() ConversationKind { return ConversationDirect }

func (d *DirectConversation) ParticipantIDs() []string { return []string{d.UserA, d.UserB} }

func (d *DirectConversation) IsParticipant(userID string) bool {
	return userID != "" && (d.UserA == userID || d.UserB == userID)
}

// IsAdmin is always false; direct conversations have no admins.
func (d *DirectConversation) IsAdmin(string) bool { return false }

func (d *DirectConversation) OwningClassID() *string { return nil }

// PairKey returns the unique key of the conversation's pair.
func (d *DirectConversation) PairKey() string { return DirectPairKey(d.UserA, d.UserB) }

// Counterpart returns the other participant's id.
func (d *DirectConversation) Counterpart(userID string) string {
	if d.UserA == userID {
		return d.UserB
	}
	return d.UserA
}

// ParticipantRecord is a member entry of a group conversation.
type ParticipantRecord struct {
	UserID  string          `db:"user_id" json:"user_id"`
	Role    ParticipantRole `db:"role" json:"role"`
	AddedBy string          `db:"added_by" json:"added_by"`
	AddedAt time.Time       `db:"added_at" json:"added_at"`
	User    *UserSummary    `db:"-" json:"user,omitempty"`
}

// GroupMetadata carries the descriptive fields of a group.
type GroupMetadata struct {
	Name        string
	Description string
	ImageURL    string
	ClassID     *string
}

// GroupUpdate holds optional metadata changes.
type GroupUpdate struct {
	Name        *string
	Description *string
	ImageURL    *string
}

// GroupConversation is an n-party conversation with admins and members.
type GroupConversation struct {
	ID            string              `json:"id"`
	Name          string              `json:"name"`
	Description   string              `json:"description,omitempty"`
	ImageURL      string              `json:"image_url"`
	ClassID       *string             `json:"class_id,omitempty"`
	CreatedBy     string              `json:"created_by"`
	Participants  []ParticipantRecord `json:"participants"`
	Messages      []Message           `json:"messages,omitempty"`
	LastMessage   *Message            `json:"last_message,omitempty"`
	UnreadCount   int                 `json:"unread_count"`
	LastMessageAt time.Time           `json:"last_message_at"`
	CreatedAt     time.Time           `json:"created_at"`
	UpdatedAt     time.Time           `json:"updated_at"`
}

// NewGroupConversation creates a group with the creator as its sole initial admin.
// Duplicate member ids and the creator's own id are ignored.
func NewGroupConversation(id, creatorID string, memberIDs []string, meta GroupMetadata, now time.Time) (*GroupConversation, error) {
	if creatorID == "" {
		return nil, ErrParticipantNotFound
	}
	g := &GroupConversation{
		ID:            id,
		Name:          meta.Name,
		Description:   meta.Description,
		ImageURL:      meta.ImageURL,
		ClassID:       meta.ClassID,
		CreatedBy:     creatorID,
		LastMessageAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
		Participants: []ParticipantRecord{{
			UserID:  creatorID,
			Role:    ParticipantAdmin,
			AddedBy: creatorID,
			AddedAt: now,
		}},
	}
	if added := g.AddParticipants(memberIDs, creatorID, now); len(added) == 0 {
		return nil, ErrNoGroupMembers
	}
	return g, nil
}

func (g *GroupConversation) ConversationID() string { return g.ID }

func (g *GroupConversation) Kind() ConversationKind { return ConversationGroup }

func (g *GroupConversation) ParticipantIDs() []string {
	ids := make([]string, 0, len(g.Participants))
	for _, p := range g.Participants {
		ids = append(ids, p.UserID)
	}
	return ids
}

func (g *GroupConversation) IsParticipant(userID string) bool {
	_, ok := g.Participant(userID)
	return ok
}

func (g *GroupConversation) IsAdmin(userID string) bool {
	p, ok := g.Participant(userID)
	return ok && p.Role == ParticipantAdmin
}

func (g *GroupConversation) OwningClassID() *string { return g.ClassID }

// Participant returns the record for userID.
func (g *GroupConversation) Participant(userID string) (ParticipantRecord, bool) {
	for _, p := range g.Participants {
		if p.UserID == userID {
			return p, true
		}
	}
	return ParticipantRecord{}, false
}

// AdminCount returns the number of admins in the group.
func (g *GroupConversation) AdminCount() int {
	n := 0
	for _, p := range g.Participants {
		if p.Role == ParticipantAdmin {
			n++
		}
	}
	return n
}

// AddParticipants appends new members and returns the records that were added.
func (g *GroupConversation) AddParticipants(userIDs []string, addedBy string, now time.Time) []ParticipantRecord {
	added := make([]ParticipantRecord, 0, len(userIDs))
	for _, id := range userIDs {
		id = strings.TrimSpace(id)
		if id == "" || g.IsParticipant(id) {
			continue
		}
		rec := ParticipantRecord{UserID: id, Role: ParticipantMember, AddedBy: addedBy, AddedAt: now}
		g.Participants = append(g.Participants, rec)
		added = append(added, rec)
	}
	return added
}

// ParticipantRemoval describes the outcome of removing a member.
type ParticipantRemoval struct {
	Removed  ParticipantRecord  `json:"removed"`
	Deleted  bool               `json:"deleted"`
	Promoted *ParticipantRecord `json:"promoted,omitempty"`
}

// RemoveParticipant drops userID from the group. When nobody is left the group
// should be deleted; when no admin is left the earliest-added member is promoted.
func (g *GroupConversation) RemoveParticipant(userID string) (ParticipantRemoval, error) {
	idx := -1
	for i, p := range g.Participants {
		if p.UserID == userID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return ParticipantRemoval{}, ErrParticipantNotFound
	}

	result := ParticipantRemoval{Removed: g.Participants[idx]}
	g.Participants = append(g.Participants[:idx:idx], g.Participants[idx+1:]...)
	if len(g.Participants) == 0 {
		result.Deleted = true
		return result, nil
	}
	if g.AdminCount() > 0 {
		return result, nil
	}

	earliest := 0
	for i, p := range g.Participants {
		if p.AddedAt.Before(g.Participants[earliest].AddedAt) {
			earliest = i
		}
	}
	g.Participants[earliest].Role = ParticipantAdmin
	promoted := g.Participants[earliest]
	result.Promoted = &promoted
	return result, nil
}

// SetRole changes a member's role, refusing to demote the last admin.
func (g *GroupConversation) SetRole(userID string, role ParticipantRole) error {
	if !role.Valid() {
		return ErrInvalidParticipant
	}
	for i, p := range g.Participants {
		if p.UserID != userID {
			continue
		}
		if p.Role == ParticipantAdmin && role != ParticipantAdmin && g.AdminCount() == 1 {
			return ErrLastAdmin
		}
		g.Participants[i].Role = role
		return nil
	}
	return ErrParticipantNotFound
}

// Apply writes non-nil fields of the update onto the group.
func (g *GroupConversation) Apply(update GroupUpdate, now time.Time) {
	if update.Name != nil && strings.TrimSpace(*update.Name) != "" {
		g.Name = strings.TrimSpace(*update.Name)
	}
	if update.Description != nil {
		g.Description = strings.TrimSpace(*update.Description)
	}
	if update.ImageURL != nil && strings.TrimSpace(*update.ImageURL) != "" {
		g.ImageURL = strings.TrimSpace(*update.ImageURL)
	}
	g.UpdatedAt = now
}

// MessageQuery pages backwards through a conversation's log.
type MessageQuery struct {
	BeforeSeq int64
	Limit     int
}

// MarkReadResult lists the messages that received a new receipt.
type MarkReadResult struct {
	MessageIDs []string  `json:"message_ids"`
	ReadAt     time.Time `json:"read_at"`
}

// Changed reports whether any receipt was written.
func (r MarkReadResult) Changed() bool {
	return len(r.MessageIDs) > 0
}
