package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/sma-class-chat/internal/models"
	appErrors "github.com/noah-isme/sma-class-chat/pkg/errors"
	"github.com/noah-isme/sma-class-chat/pkg/export"
	"github.com/noah-isme/sma-class-chat/pkg/storage"
)

// TranscriptFormat names a rendered transcript type.
type TranscriptFormat string

const (
	TranscriptCSV TranscriptFormat = "csv"
	TranscriptPDF TranscriptFormat = "pdf"
)

const transcriptPageSize = 200

type transcriptSource interface {
	FindConversation(ctx context.Context, id string) (models.Conversation, error)
	ListMessages(ctx context.Context, conversationID string, q models.MessageQuery) ([]models.Message, error)
}

type fileStorage interface {
	Save(name string, data []byte) (string, error)
	Open(name string) (*os.File, error)
	Delete(name string) error
	CleanupOlderThan(ttl time.Duration) ([]string, error)
}

type csvRenderer interface {
	Render(t export.Table) ([]byte, error)
}

type pdfRenderer interface {
	Render(t export.Table) ([]byte, error)
}

// TranscriptConfig tunes transcript generation.
type TranscriptConfig struct {
	Enabled     bool
	APIPrefix   string
	Retention   time.Duration
	MaxMessages int
}

// TranscriptRequest selects the output format.
type TranscriptRequest struct {
	Format TranscriptFormat `json:"format"`
}

// TranscriptResult describes a stored transcript and its signed download link.
type TranscriptResult struct {
	ConversationID string           `json:"conversation_id"`
	Format         TranscriptFormat `json:"format"`
	FileName       string           `json:"file_name"`
	MessageCount   int              `json:"message_count"`
	URL            string           `json:"url"`
	ExpiresAt      time.Time        `json:"expires_at"`
}

// TranscriptService renders group conversations to CSV or PDF files.
type TranscriptService struct {
	source   transcriptSource
	users    userDirectory
	resolver *PermissionResolver
	storage  fileStorage
	signer   *storage.SignedURLSigner
	csv      csvRenderer
	pdf      pdfRenderer
	logger   *zap.Logger
	cfg      TranscriptConfig
	now      func() time.Time
}

// NewTranscriptService constructs a TranscriptService.
func NewTranscriptService(source transcriptSource, users userDirectory, resolver *PermissionResolver, files fileStorage, signer *storage.SignedURLSigner, cfg TranscriptConfig, logger *zap.Logger) *TranscriptService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if resolver == nil {
		resolver = NewPermissionResolver(PermissionPolicy{})
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 24 * time.Hour
	}
	if cfg.MaxMessages <= 0 {
		cfg.MaxMessages = 10000
	}
	return &TranscriptService{
		source:   source,
		users:    users,
		resolver: resolver,
		storage:  files,
		signer:   signer,
		csv:      export.NewCSVExporter(),
		pdf:      export.NewPDFExporter(),
		logger:   logger,
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Export renders the group's transcript, stores it and returns a signed download URL.
func (s *TranscriptService) Export(ctx context.Context, actor *models.User, conversationID string, req TranscriptRequest) (*TranscriptResult, error) {
	if !s.cfg.Enabled {
		return nil, appErrors.Clone(appErrors.ErrFeatureDisabled, "transcript export is disabled")
	}
	format := TranscriptFormat(strings.ToLower(strings.TrimSpace(string(req.Format))))
	if format == "" {
		format = TranscriptCSV
	}
	if format != TranscriptCSV && format != TranscriptPDF {
		return nil, appErrors.Clone(appErrors.ErrValidation, "format must be csv or pdf")
	}
	conversationID, err := parseID(conversationID, "conversation id")
	if err != nil {
		return nil, err
	}

	conv, err := s.source.FindConversation(ctx, conversationID)
	if err != nil {
		return nil, mapChatError(err, "failed to load conversation")
	}
	group, ok := conv.(*models.GroupConversation)
	if !ok {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "group not found")
	}
	if !s.resolver.CanModerateGroup(actor, group) {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "only group admins can export transcripts")
	}

	messages, err := s.collect(ctx, group.ID)
	if err != nil {
		return nil, err
	}
	table, err := s.buildTable(ctx, group, messages)
	if err != nil {
		return nil, err
	}

	var payload []byte
	if format == TranscriptPDF {
		payload, err = s.pdf.Render(table)
	} else {
		payload, err = s.csv.Render(table)
	}
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render transcript")
	}

	fileName := fmt.Sprintf("%s_%s.%s", sanitizeFilename(group.Name), s.now().Format("20060102_150405"), format)
	stored, err := s.storage.Save(path.Join(group.ID, fileName), payload)
	if err != nil {
		return nil, appErrors.Storage(err, "failed to store transcript")
	}
	token, expiresAt, err := s.signer.Sign(group.ID, stored)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to sign transcript url")
	}

	values, _ := json.Marshal(map[string]interface{}{"format": format, "messages": len(messages), "file": stored})
	if err := s.users.CreateAuditLog(ctx, &models.AuditLog{
		UserID:     &actor.ID,
		Action:     models.AuditActionTranscript,
		Resource:   "conversations",
		ResourceID: &group.ID,
		NewValues:  values,
	}); err != nil {
		s.logger.Warn("failed to record transcript audit log", zap.Error(err))
	}

	return &TranscriptResult{
		ConversationID: group.ID,
		Format:         format,
		FileName:       fileName,
		MessageCount:   len(messages),
		URL:            s.downloadURL(token),
		ExpiresAt:      expiresAt,
	}, nil
}

// Open validates a download token and returns the stored file.
func (s *TranscriptService) Open(token string) (*os.File, string, error) {
	if !s.cfg.Enabled {
		return nil, "", appErrors.Clone(appErrors.ErrFeatureDisabled, "transcript export is disabled")
	}
	obj, err := s.signer.Verify(token)
	if err != nil {
		if errors.Is(err, storage.ErrTokenExpired) {
			return nil, "", appErrors.Clone(appErrors.ErrUnauthorized, "download link has expired")
		}
		return nil, "", appErrors.Clone(appErrors.ErrUnauthorized, "invalid download link")
	}
	file, err := s.storage.Open(obj.Path)
	if err != nil {
		return nil, "", appErrors.Clone(appErrors.ErrNotFound, "transcript not found")
	}
	return file, path.Base(obj.Path), nil
}

// Cleanup removes transcripts older than the retention window.
func (s *TranscriptService) Cleanup() ([]string, error) {
	removed, err := s.storage.CleanupOlderThan(s.cfg.Retention)
	if err != nil {
		return nil, err
	}
	if len(removed) > 0 {
		s.logger.Info("removed expired transcripts", zap.Int("count", len(removed)))
	}
	return removed, nil
}

// collect pages through the whole log, oldest first.
func (s *TranscriptService) collect(ctx context.Context, conversationID string) ([]models.Message, error) {
	var pages [][]models.Message
	total := 0
	before := int64(0)
	for total < s.cfg.MaxMessages {
		page, err := s.source.ListMessages(ctx, conversationID, models.MessageQuery{BeforeSeq: before, Limit: transcriptPageSize})
		if err != nil {
			return nil, mapChatError(err, "failed to load messages")
		}
		if len(page) == 0 {
			break
		}
		pages = append(pages, page)
		total += len(page)
		if len(page) < transcriptPageSize || page[0].Seq <= 1 {
			break
		}
		before = page[0].Seq
	}

	out := make([]models.Message, 0, total)
	for i := len(pages) - 1; i >= 0; i-- {
		out = append(out, pages[i]...)
	}
	if len(out) > s.cfg.MaxMessages {
		out = out[len(out)-s.cfg.MaxMessages:]
	}
	return out, nil
}

func (s *TranscriptService) buildTable(ctx context.Context, group *models.GroupConversation, messages []models.Message) (export.Table, error) {
	ids := dedupeIDs(group.ParticipantIDs(), "")
	for _, m := range messages {
		ids = append(ids, m.SenderID)
	}
	summaries, err := s.users.FindSummaries(ctx, dedupeIDs(ids, ""))
	if err != nil {
		return export.Table{}, appErrors.Storage(err, "failed to resolve senders")
	}

	rows := make([][]string, 0, len(messages))
	for _, m := range messages {
		sender := m.SenderID
		if summary, ok := summaries[m.SenderID]; ok {
			sender = summary.FullName
		}
		rows = append(rows, []string{
			m.CreatedAt.UTC().Format(time.RFC3339),
			sender,
			m.Content,
			strings.Join(m.Attachments, " "),
			fmt.Sprintf("%d", len(m.ReadBy)),
		})
	}

	return export.Table{
		Title:    group.Name,
		Subtitle: fmt.Sprintf("%d participants, exported %s", len(group.Participants), s.now().Format(time.RFC1123)),
		Columns: []export.Column{
			{Header: "Sent At", Width: 1.3},
			{Header: "Sender", Width: 1.2},
			{Header: "Message", Width: 3.5},
			{Header: "Attachments", Width: 1.5},
			{Header: "Read By", Width: 0.5},
		},
		Rows: rows,
	}, nil
}

func (s *TranscriptService) downloadURL(token string) string {
	prefix := strings.TrimRight(s.cfg.APIPrefix, "/")
	if prefix == "" {
		prefix = "/api/v1"
	}
	return prefix + "/transcripts/download?token=" + url.QueryEscape(token)
}

func sanitizeFilename(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "transcript"
	}
	var b strings.Builder
	for _, r := range strings.ToLower(raw) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
		case r == ' ' || r == '_':
			b.WriteRune('_')
		}
	}
	name := b.String()
	if name == "" {
		return "transcript"
	}
	if len(name) > 60 {
		name = name[:60]
	}
	return name
}
