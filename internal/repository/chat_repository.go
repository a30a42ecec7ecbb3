package repository

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/noah-isme/sma-class-chat/internal/models"
)

const (
	defaultMessageLimit = 50
	maxMessageLimit     = 200

	conversationColumns = `id, kind, pair_key, name, description, image_url, class_id, created_by, last_seq, last_message_at, created_at, updated_at`
	messageColumns      = `id, conversation_id, seq, sender_id, content, attachments, created_at`
)

type conversationRow struct {
	ID            string                  `db:"id"`
	Kind          models.ConversationKind `db:"kind"`
	PairKey       *string                 `db:"pair_key"`
	Name          string                  `db:"name"`
	Description   string                  `db:"description"`
	ImageURL      string                  `db:"image_url"`
	ClassID       *string                 `db:"class_id"`
	CreatedBy     string                  `db:"created_by"`
	LastSeq       int64                   `db:"last_seq"`
	LastMessageAt time.Time               `db:"last_message_at"`
	CreatedAt     time.Time               `db:"created_at"`
	UpdatedAt     time.Time               `db:"updated_at"`
}

type participantRow struct {
	ConversationID string                 `db:"conversation_id"`
	UserID         string                 `db:"user_id"`
	Role           models.ParticipantRole `db:"role"`
	AddedBy        string                 `db:"added_by"`
	AddedAt        time.Time              `db:"added_at"`
}

type messageRow struct {
	ID             string         `db:"id"`
	ConversationID string         `db:"conversation_id"`
	Seq            int64          `db:"seq"`
	SenderID       string         `db:"sender_id"`
	Content        string         `db:"content"`
	Attachments    pq.StringArray `db:"attachments"`
	CreatedAt      time.Time      `db:"created_at"`
}

type readRow struct {
	MessageID string    `db:"message_id"`
	UserID    string    `db:"user_id"`
	ReadAt    time.Time `db:"read_at"`
}

type unreadRow struct {
	ConversationID string `db:"conversation_id"`
	Count          int    `db:"count"`
}

// ChatStore is the contract shared by the Postgres and in-memory chat stores.
type ChatStore interface {
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

var (
	_ ChatStore = (*ChatRepository)(nil)
	_ ChatStore = (*MemoryChatRepository)(nil)
)

// ChatRepository persists conversations and their message logs in Postgres.
// Every mutation locks the conversation row so appends stay ordered.
type ChatRepository struct {
	db  *sqlx.DB
	now func() time.Time
}

// NewChatRepository constructs a chat repository.
func NewChatRepository(db *sqlx.DB) *ChatRepository {
	return &ChatRepository{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// GetOrCreateDirect returns the direct conversation for the unordered pair, creating it on first contact.
func (r *ChatRepository) GetOrCreateDirect(ctx context.Context, a, b string) (conv *models.DirectConversation, err error) {
	candidate, err := models.NewDirectConversation(uuid.NewString(), a, b, r.now())
	if err != nil {
		return nil, err
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin direct conversation transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	const insertQuery = `INSERT INTO conversations (id, kind, pair_key, created_by, last_seq, last_message_at, created_at, updated_at)
VALUES ($1, 'direct', $2, $3, 0, $4, $4, $4) ON CONFLICT (pair_key) DO NOTHING RETURNING id`
	var id string
	err = tx.GetContext(ctx, &id, insertQuery, candidate.ID, candidate.PairKey(), a, candidate.CreatedAt)
	switch {
	case err == sql.ErrNoRows:
		const selectQuery = `SELECT id FROM conversations WHERE pair_key = $1`
		if err = tx.GetContext(ctx, &id, selectQuery, candidate.PairKey()); err != nil {
			return nil, fmt.Errorf("find direct conversation: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("insert direct conversation: %w", err)
	default:
		const participantsQuery = `INSERT INTO conversation_participants (conversation_id, user_id, role, added_by, added_at)
VALUES ($1, $2, 'member', $4, $5), ($1, $3, 'member', $4, $5)`
		if _, err = tx.ExecContext(ctx, participantsQuery, id, candidate.UserA, candidate.UserB, a, candidate.CreatedAt); err != nil {
			return nil, fmt.Errorf("insert direct participants: %w", err)
		}
	}

	loaded, err := r.loadConversation(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit direct conversation: %w", err)
	}
	return loaded.(*models.DirectConversation), nil
}

// CreateGroup stores a new group with the creator as its only admin.
func (r *ChatRepository) CreateGroup(ctx context.Context, creatorID string, memberIDs []string, meta models.GroupMetadata) (group *models.GroupConversation, err error) {
	group, err = models.NewGroupConversation(uuid.NewString(), creatorID, memberIDs, meta, r.now())
	if err != nil {
		return nil, err
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin group transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	const insertQuery = `INSERT INTO conversations (id, kind, name, description, image_url, class_id, created_by, last_seq, last_message_at, created_at, updated_at)
VALUES ($1, 'group', $2, $3, $4, $5, $6, 0, $7, $7, $7)`
	if _, err = tx.ExecContext(ctx, insertQuery, group.ID, group.Name, group.Description, group.ImageURL, group.ClassID, group.CreatedBy, group.CreatedAt); err != nil {
		return nil, fmt.Errorf("insert group conversation: %w", err)
	}
	for _, p := range group.Participants {
		if err = insertParticipant(ctx, tx, group.ID, p); err != nil {
			return nil, err
		}
	}

	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit group conversation: %w", err)
	}
	return group, nil
}

// FindConversation returns a conversation with its participants but without messages.
func (r *ChatRepository) FindConversation(ctx context.Context, id string) (models.Conversation, error) {
	return r.loadConversation(ctx, r.db, id)
}

// ListMessages returns a page of messages in append order, newest page first.
func (r *ChatRepository) ListMessages(ctx context.Context, conversationID string, q models.MessageQuery) ([]models.Message, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = defaultMessageLimit
	}
	if limit > maxMessageLimit {
		limit = maxMessageLimit
	}

	query := `SELECT ` + messageColumns + ` FROM messages WHERE conversation_id = $1 AND ($2 = 0 OR seq < $2) ORDER BY seq DESC LIMIT $3`
	var rows []messageRow
	if err := r.db.SelectContext(ctx, &rows, query, conversationID, q.BeforeSeq, limit); err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
		rows[i], rows[j] = rows[j], rows[i]
	}
	return r.attachReceipts(ctx, r.db, rows)
}

// ListDirectForUser returns the caller's direct conversations by last activity.
func (r *ChatRepository) ListDirectForUser(ctx context.Context, userID string) ([]*models.DirectConversation, error) {
	convs, err := r.listForUser(ctx, userID, models.ConversationDirect)
	if err != nil {
		return nil, err
	}
	out := make([]*models.DirectConversation, 0, len(convs))
	for _, c := range convs {
		out = append(out, c.(*models.DirectConversation))
	}
	return out, nil
}

// ListGroupsForUser returns the caller's group conversations by last activity.
func (r *ChatRepository) ListGroupsForUser(ctx context.Context, userID string) ([]*models.GroupConversation, error) {
	convs, err := r.listForUser(ctx, userID, models.ConversationGroup)
	if err != nil {
		return nil, err
	}
	out := make([]*models.GroupConversation, 0, len(convs))
	for _, c := range convs {
		out = append(out, c.(*models.GroupConversation))
	}
	return out, nil
}

// AppendMessage adds a message at the tail of the conversation log.
func (r *ChatRepository) AppendMessage(ctx context.Context, conversationID, senderID, content string, attachments []string) (msg *models.Message, err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin append transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	row, err := lockConversation(ctx, tx, conversationID)
	if err != nil {
		return nil, err
	}
	if err = requireParticipant(ctx, tx, conversationID, senderID); err != nil {
		return nil, err
	}

	created := models.NewMessage(uuid.NewString(), conversationID, senderID, content, attachments, models.NextMessageTime(row.LastMessageAt, r.now()))
	created.Seq = row.LastSeq + 1

	const insertMessage = `INSERT INTO messages (id, conversation_id, seq, sender_id, content, attachments, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7)`
	if _, err = tx.ExecContext(ctx, insertMessage, created.ID, conversationID, created.Seq, senderID, created.Content, pq.StringArray(created.Attachments), created.CreatedAt); err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	const insertRead = `INSERT INTO message_reads (message_id, user_id, read_at) VALUES ($1, $2, $3)`
	if _, err = tx.ExecContext(ctx, insertRead, created.ID, senderID, created.CreatedAt); err != nil {
		return nil, fmt.Errorf("insert sender receipt: %w", err)
	}
	const touchConversation = `UPDATE conversations SET last_seq = $2, last_message_at = $3, updated_at = $3 WHERE id = $1`
	if _, err = tx.ExecContext(ctx, touchConversation, conversationID, created.Seq, created.CreatedAt); err != nil {
		return nil, fmt.Errorf("update conversation activity: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit message: %w", err)
	}
	return &created, nil
}

// MarkRead records receipts for one message, or for every message when messageID is nil.
func (r *ChatRepository) MarkRead(ctx context.Context, conversationID, readerID string, messageID *string) (result models.MarkReadResult, err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return result, fmt.Errorf("begin mark read transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = lockConversation(ctx, tx, conversationID); err != nil {
		return result, err
	}
	if err = requireParticipant(ctx, tx, conversationID, readerID); err != nil {
		return result, err
	}

	result.ReadAt = r.now()
	args := []interface{}{conversationID, readerID, result.ReadAt}
	query := `INSERT INTO message_reads (message_id, user_id, read_at)
SELECT m.id, $2, $3 FROM messages m WHERE m.conversation_id = $1 AND m.sender_id <> $2`
	if messageID != nil {
		var exists bool
		const existsQuery = `SELECT EXISTS(SELECT 1 FROM messages WHERE id = $1 AND conversation_id = $2)`
		if err = tx.GetContext(ctx, &exists, existsQuery, *messageID, conversationID); err != nil {
			return result, fmt.Errorf("check message exists: %w", err)
		}
		if !exists {
			err = models.ErrMessageNotFound
			return result, err
		}
		query += ` AND m.id = $4`
		args = append(args, *messageID)
	}
	query += ` ON CONFLICT (message_id, user_id) DO NOTHING RETURNING message_id`

	var ids []string
	if err = tx.SelectContext(ctx, &ids, query, args...); err != nil {
		return result, fmt.Errorf("insert read receipts: %w", err)
	}
	result.MessageIDs = ids

	if err = tx.Commit(); err != nil {
		return result, fmt.Errorf("commit read receipts: %w", err)
	}
	return result, nil
}

// AddParticipants adds members to a group and returns the records that were new.
func (r *ChatRepository) AddParticipants(ctx context.Context, conversationID, addedBy string, userIDs []string) ([]models.ParticipantRecord, error) {
	var added []models.ParticipantRecord
	err := r.mutateGroup(ctx, conversationID, func(tx *sqlx.Tx, group *models.GroupConversation) error {
		added = group.AddParticipants(userIDs, addedBy, r.now())
		for _, p := range added {
			if err := insertParticipant(ctx, tx, conversationID, p); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return added, nil
}

// RemoveParticipant drops a member, deleting the group when it empties and
// promoting the earliest-added member when no admin is left.
func (r *ChatRepository) RemoveParticipant(ctx context.Context, conversationID, userID string) (models.ParticipantRemoval, error) {
	var removal models.ParticipantRemoval
	err := r.mutateGroup(ctx, conversationID, func(tx *sqlx.Tx, group *models.GroupConversation) error {
		var err error
		if removal, err = group.RemoveParticipant(userID); err != nil {
			return err
		}
		if removal.Deleted {
			if _, err = tx.ExecContext(ctx, `DELETE FROM conversations WHERE id = $1`, conversationID); err != nil {
				return fmt.Errorf("delete conversation: %w", err)
			}
			return nil
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM conversation_participants WHERE conversation_id = $1 AND user_id = $2`, conversationID, userID); err != nil {
			return fmt.Errorf("delete participant: %w", err)
		}
		if removal.Promoted != nil {
			return updateParticipantRole(ctx, tx, conversationID, removal.Promoted.UserID, models.ParticipantAdmin)
		}
		return nil
	})
	return removal, err
}

// SetParticipantRole changes a member's role, keeping at least one admin.
func (r *ChatRepository) SetParticipantRole(ctx context.Context, conversationID, userID string, role models.ParticipantRole) error {
	return r.mutateGroup(ctx, conversationID, func(tx *sqlx.Tx, group *models.GroupConversation) error {
		if err := group.SetRole(userID, role); err != nil {
			return err
		}
		return updateParticipantRole(ctx, tx, conversationID, userID, role)
	})
}

// UpdateGroupMetadata applies optional metadata changes to a group.
func (r *ChatRepository) UpdateGroupMetadata(ctx context.Context, conversationID string, update models.GroupUpdate) (*models.GroupConversation, error) {
	var updated *models.GroupConversation
	err := r.mutateGroup(ctx, conversationID, func(tx *sqlx.Tx, group *models.GroupConversation) error {
		group.Apply(update, r.now())
		const query = `UPDATE conversations SET name = $2, description = $3, image_url = $4, updated_at = $5 WHERE id = $1`
		if _, err := tx.ExecContext(ctx, query, conversationID, group.Name, group.Description, group.ImageURL, group.UpdatedAt); err != nil {
			return fmt.Errorf("update group metadata: %w", err)
		}
		updated = group
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (r *ChatRepository) mutateGroup(ctx context.Context, conversationID string, fn func(tx *sqlx.Tx, group *models.GroupConversation) error) (err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin group transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	row, err := lockConversation(ctx, tx, conversationID)
	if err != nil {
		return err
	}
	if row.Kind != models.ConversationGroup {
		err = models.ErrNotGroupConversation
		return err
	}
	participants, err := loadParticipants(ctx, tx, []string{conversationID})
	if err != nil {
		return err
	}
	group := buildConversation(*row, participants[conversationID]).(*models.GroupConversation)

	if err = fn(tx, group); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit group change: %w", err)
	}
	return nil
}

func (r *ChatRepository) loadConversation(ctx context.Context, q sqlx.QueryerContext, id string) (models.Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations WHERE id = $1`
	var row conversationRow
	if err := sqlx.GetContext(ctx, q, &row, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, models.ErrConversationNotFound
		}
		return nil, fmt.Errorf("find conversation: %w", err)
	}
	participants, err := loadParticipants(ctx, q, []string{id})
	if err != nil {
		return nil, err
	}
	return buildConversation(row, participants[id]), nil
}

func (r *ChatRepository) listForUser(ctx context.Context, userID string, kind models.ConversationKind) ([]models.Conversation, error) {
	const query = `SELECT c.id, c.kind, c.pair_key, c.name, c.description, c.image_url, c.class_id, c.created_by, c.last_seq, c.last_message_at, c.created_at, c.updated_at
FROM conversations c JOIN conversation_participants p ON p.conversation_id = c.id
WHERE p.user_id = $1 AND c.kind = $2 ORDER BY c.last_message_at DESC`
	var rows []conversationRow
	if err := r.db.SelectContext(ctx, &rows, query, userID, kind); err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	if len(rows) == 0 {
		return []models.Conversation{}, nil
	}

	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.ID)
	}
	participants, err := loadParticipants(ctx, r.db, ids)
	if err != nil {
		return nil, err
	}

	lastQuery := `SELECT DISTINCT ON (conversation_id) ` + messageColumns + ` FROM messages WHERE conversation_id = ANY($1) ORDER BY conversation_id, seq DESC`
	var lastRows []messageRow
	if err := r.db.SelectContext(ctx, &lastRows, lastQuery, pq.Array(ids)); err != nil {
		return nil, fmt.Errorf("list last messages: %w", err)
	}
	lastMessages, err := r.attachReceipts(ctx, r.db, lastRows)
	if err != nil {
		return nil, err
	}
	lastByConversation := make(map[string]models.Message, len(lastMessages))
	for _, m := range lastMessages {
		lastByConversation[m.ConversationID] = m
	}

	const unreadQuery = `SELECT m.conversation_id, COUNT(*) AS count FROM messages m
WHERE m.conversation_id = ANY($1) AND m.sender_id <> $2
AND NOT EXISTS (SELECT 1 FROM message_reads r WHERE r.message_id = m.id AND r.user_id = $2)
GROUP BY m.conversation_id`
	var unread []unreadRow
	if err := r.db.SelectContext(ctx, &unread, unreadQuery, pq.Array(ids), userID); err != nil {
		return nil, fmt.Errorf("count unread messages: %w", err)
	}
	unreadByConversation := make(map[string]int, len(unread))
	for _, u := range unread {
		unreadByConversation[u.ConversationID] = u.Count
	}

	out := make([]models.Conversation, 0, len(rows))
	for _, row := range rows {
		conv := buildConversation(row, participants[row.ID])
		var last *models.Message
		if m, ok := lastByConversation[row.ID]; ok {
			last = &m
		}
		switch c := conv.(type) {
		case *models.DirectConversation:
			c.LastMessage = last
			c.UnreadCount = unreadByConversation[row.ID]
		case *models.GroupConversation:
			c.LastMessage = last
			c.UnreadCount = unreadByConversation[row.ID]
		}
		out = append(out, conv)
	}
	return out, nil
}

func (r *ChatRepository) attachReceipts(ctx context.Context, q sqlx.QueryerContext, rows []messageRow) ([]models.Message, error) {
	messages := make([]models.Message, 0, len(rows))
	if len(rows) == 0 {
		return messages, nil
	}
	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.ID)
	}

	const readsQuery = `SELECT message_id, user_id, read_at FROM message_reads WHERE message_id = ANY($1) ORDER BY read_at`
	var reads []readRow
	if err := sqlx.SelectContext(ctx, q, &reads, readsQuery, pq.Array(ids)); err != nil {
		return nil, fmt.Errorf("list read receipts: %w", err)
	}
	receipts := make(map[string][]models.ReadReceipt, len(rows))
	for _, rr := range reads {
		receipts[rr.MessageID] = append(receipts[rr.MessageID], models.ReadReceipt{UserID: rr.UserID, ReadAt: rr.ReadAt})
	}

	for _, row := range rows {
		attachments := []string(row.Attachments)
		if attachments == nil {
			attachments = []string{}
		}
		readBy := receipts[row.ID]
		if readBy == nil {
			readBy = []models.ReadReceipt{}
		}
		messages = append(messages, models.Message{
			ID:             row.ID,
			ConversationID: row.ConversationID,
			Seq:            row.Seq,
			SenderID:       row.SenderID,
			Content:        row.Content,
			Attachments:    attachments,
			ReadBy:         readBy,
			CreatedAt:      row.CreatedAt,
		})
	}
	return messages, nil
}

func lockConversation(ctx context.Context, tx *sqlx.Tx, id string) (*conversationRow, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations WHERE id = $1 FOR UPDATE`
	var row conversationRow
	if err := tx.GetContext(ctx, &row, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, models.ErrConversationNotFound
		}
		return nil, fmt.Errorf("lock conversation: %w", err)
	}
	return &row, nil
}

func requireParticipant(ctx context.Context, tx *sqlx.Tx, conversationID, userID string) error {
	const query = `SELECT EXISTS(SELECT 1 FROM conversation_participants WHERE conversation_id = $1 AND user_id = $2)`
	var ok bool
	if err := tx.GetContext(ctx, &ok, query, conversationID, userID); err != nil {
		return fmt.Errorf("check participant: %w", err)
	}
	if !ok {
		return models.ErrNotParticipant
	}
	return nil
}

func loadParticipants(ctx context.Context, q sqlx.QueryerContext, conversationIDs []string) (map[string][]models.ParticipantRecord, error) {
	const query = `SELECT conversation_id, user_id, role, added_by, added_at FROM conversation_participants WHERE conversation_id = ANY($1) ORDER BY added_at, position`
	var rows []participantRow
	if err := sqlx.SelectContext(ctx, q, &rows, query, pq.Array(conversationIDs)); err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	out := make(map[string][]models.ParticipantRecord, len(conversationIDs))
	for _, row := range rows {
		out[row.ConversationID] = append(out[row.ConversationID], models.ParticipantRecord{
			UserID:  row.UserID,
			Role:    row.Role,
			AddedBy: row.AddedBy,
			AddedAt: row.AddedAt,
		})
	}
	return out, nil
}

func insertParticipant(ctx context.Context, tx *sqlx.Tx, conversationID string, p models.ParticipantRecord) error {
	const query = `INSERT INTO conversation_participants (conversation_id, user_id, role, added_by, added_at) VALUES ($1, $2, $3, $4, $5) ON CONFLICT (conversation_id, user_id) DO NOTHING`
	if _, err := tx.ExecContext(ctx, query, conversationID, p.UserID, p.Role, p.AddedBy, p.AddedAt); err != nil {
		return fmt.Errorf("insert participant: %w", err)
	}
	return nil
}

func updateParticipantRole(ctx context.Context, tx *sqlx.Tx, conversationID, userID string, role models.ParticipantRole) error {
	const query = `UPDATE conversation_participants SET role = $3 WHERE conversation_id = $1 AND user_id = $2`
	if _, err := tx.ExecContext(ctx, query, conversationID, userID, role); err != nil {
		return fmt.Errorf("update participant role: %w", err)
	}
	return nil
}

func buildConversation(row conversationRow, participants []models.ParticipantRecord) models.Conversation {
	if row.Kind == models.ConversationDirect {
		ids := make([]string, 0, 2)
		for _, p := range participants {
			ids = append(ids, p.UserID)
		}
		sort.Strings(ids)
		conv := &models.DirectConversation{ID: row.ID, LastMessageAt: row.LastMessageAt, CreatedAt: row.CreatedAt}
		if len(ids) == 2 {
			conv.UserA, conv.UserB = ids[0], ids[1]
		}
		return conv
	}
	if participants == nil {
		participants = []models.ParticipantRecord{}
	}
	return &models.GroupConversation{
		ID:            row.ID,
		Name:          row.Name,
		Description:   row.Description,
		ImageURL:      row.ImageURL,
		ClassID:       row.ClassID,
		CreatedBy:     row.CreatedBy,
		Participants:  participants,
		LastMessageAt: row.LastMessageAt,
		CreatedAt:     row.CreatedAt,
		UpdatedAt:     row.UpdatedAt,
	}
}
