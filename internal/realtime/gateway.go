package realtime

import (
	"context"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/noah-isme/sma-class-chat/internal/models"
	"github.com/noah-isme/sma-class-chat/internal/service"
	appErrors "github.com/noah-isme/sma-class-chat/pkg/errors"
)

const maxStatusLength = 32

type chatOperations interface {
	Membership(ctx context.Context, actor *models.User, id string, kind models.ConversationKind) (models.Conversation, error)
	SendMessage(ctx context.Context, actor *models.User, req service.SendMessageRequest) (*models.Message, error)
	MarkRead(ctx context.Context, actor *models.User, req service.MarkReadRequest) (models.MarkReadResult, error)
}

// GatewayConfig tunes connection limits and keepalives.
type GatewayConfig struct {
	SendBuffer       int
	WriteWait        time.Duration
	PongWait         time.Duration
	PingPeriod       time.Duration
	MaxMessageSize   int64
	OperationTimeout time.Duration
	AllowedOrigins   []string
}

func (c GatewayConfig) withDefaults() GatewayConfig {
	if c.SendBuffer <= 0 {
		c.SendBuffer = 64
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	if c.PingPeriod <= 0 || c.PingPeriod >= c.PongWait {
		c.PingPeriod = c.PongWait * 9 / 10
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 16 * 1024
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = 10 * time.Second
	}
	return c
}

// Gateway binds websocket connections to the chat service. It implements
// service.ChatNotifier so messages sent over REST reach live connections too.
type Gateway struct {
	registry *Registry
	chat     chatOperations
	metrics  *service.MetricsService
	logger   *zap.Logger
	config   GatewayConfig
	upgrader websocket.Upgrader
}

// NewGateway constructs a Gateway around an injected registry.
func NewGateway(registry *Registry, chat chatOperations, metrics *service.MetricsService, logger *zap.Logger, cfg GatewayConfig) *Gateway {
	if registry == nil {
		registry = NewRegistry()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &Gateway{
		registry: registry,
		chat:     chat,
		metrics:  metrics,
		logger:   logger,
		config:   cfg.withDefaults(),
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     g.checkOrigin,
	}
	return g
}

// Registry exposes the connection registry.
func (g *Gateway) Registry() *Registry { return g.registry }

// Serve upgrades an authenticated request and blocks until the connection closes.
func (g *Gateway) Serve(w http.ResponseWriter, r *http.Request, actor *models.User) error {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	client := newClient(uuid.NewString(), actor, conn, g)
	g.Attach(client, actor)
	client.logger.Info("websocket connected")

	go client.writePump()
	client.readPump(r.Context())
	client.logger.Info("websocket disconnected")
	return nil
}

// Attach registers a connection and joins its personal and class rooms.
func (g *Gateway) Attach(p Peer, actor *models.User) {
	g.registry.Register(p)
	_ = g.registry.Join(p, UserRoom(actor.ID))
	if actor.ClassID != nil && *actor.ClassID != "" {
		_ = g.registry.Join(p, ClassRoom(*actor.ClassID))
	}
	g.metrics.ConnectionOpened()
}

// Detach drops a connection from every room. When it was the actor's last
// connection an offline status is broadcast.
func (g *Gateway) Detach(p Peer) {
	if g.registry.Unregister(p) {
		g.broadcast(Event{Name: EventUserStatus, Data: StatusPayload{UserID: p.ActorID(), Status: StatusOffline}}, "")
	}
	g.metrics.ConnectionClosed()
}

// Dispatch handles one inbound event. Failures are reported to the sender as error events.
func (g *Gateway) Dispatch(ctx context.Context, p Peer, actor *models.User, frame Frame) {
	ctx, cancel := context.WithTimeout(ctx, g.config.OperationTimeout)
	defer cancel()

	var err error
	switch frame.Name {
	case EventJoinDirect:
		err = g.join(ctx, p, actor, frame, models.ConversationDirect)
	case EventJoinGroup:
		err = g.join(ctx, p, actor, frame, models.ConversationGroup)
	case EventLeaveChat:
		err = g.leave(p, frame)
	case EventSendDirectMessage:
		err = g.sendMessage(ctx, actor, frame, models.ConversationDirect)
	case EventSendGroupMessage:
		err = g.sendMessage(ctx, actor, frame, models.ConversationGroup)
	case EventTyping:
		err = g.typing(p, actor, frame)
	case EventMarkRead:
		err = g.markRead(ctx, actor, frame)
	case EventSetStatus:
		err = g.setStatus(actor, frame)
	default:
		err = appErrors.Clone(appErrors.ErrValidation, "unknown event "+frame.Name)
	}
	if err != nil {
		g.reject(p, frame.Name, err)
	}
}

// MessageAppended fans a committed message out to the conversation room and
// every participant's personal room.
func (g *Gateway) MessageAppended(conv models.Conversation, msg models.Message) {
	event := Event{Name: messageEventName(conv.Kind()), Data: MessagePayload{ChatID: conv.ConversationID(), Message: msg}}
	g.deliver(event, "", conversationRooms(conv)...)
}

// MessagesRead tells the other participants which messages the reader has seen.
func (g *Gateway) MessagesRead(conv models.Conversation, readerID string, result models.MarkReadResult) {
	payload := ReadPayload{
		ChatID:     conv.ConversationID(),
		MessageIDs: result.MessageIDs,
		UserID:     readerID,
		ReadAt:     result.ReadAt,
	}
	if len(result.MessageIDs) == 1 {
		id := result.MessageIDs[0]
		payload.MessageID = &id
	}
	g.deliver(Event{Name: EventMessageRead, Data: payload}, readerID, conversationRooms(conv)...)
}

// GroupChanged announces new membership and evicts removed users from the room.
func (g *Gateway) GroupChanged(group *models.GroupConversation, removed []string) {
	rooms := conversationRooms(group)
	for _, id := range removed {
		rooms = append(rooms, UserRoom(id))
	}
	g.deliver(Event{Name: EventGroupUpdated, Data: GroupPayload{ChatID: group.ID, Group: group, Removed: removed}}, "", rooms...)
	for _, id := range removed {
		g.registry.EvictActor(id, ConversationRoom(group.ID))
	}
}

func (g *Gateway) join(ctx context.Context, p Peer, actor *models.User, frame Frame, kind models.ConversationKind) error {
	chatID, err := decodeChatID(frame.Data)
	if err != nil || chatID == "" {
		return appErrors.Clone(appErrors.ErrValidation, "chat id is required")
	}
	if _, err := g.chat.Membership(ctx, actor, chatID, kind); err != nil {
		return err
	}
	if err := g.registry.Join(p, ConversationRoom(chatID)); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to join chat")
	}
	p.Send(Event{Name: EventChatJoined, Data: JoinedPayload{ChatID: chatID}})
	return nil
}

func (g *Gateway) leave(p Peer, frame Frame) error {
	chatID, err := decodeChatID(frame.Data)
	if err != nil || chatID == "" {
		return appErrors.Clone(appErrors.ErrValidation, "chat id is required")
	}
	g.registry.Leave(p, ConversationRoom(chatID))
	return nil
}

func (g *Gateway) sendMessage(ctx context.Context, actor *models.User, frame Frame, kind models.ConversationKind) error {
	var payload sendPayload
	if err := decodeInto(frame.Data, &payload); err != nil {
		return appErrors.Clone(appErrors.ErrValidation, err.Error())
	}
	_, err := g.chat.SendMessage(ctx, actor, service.SendMessageRequest{
		ConversationID: payload.ChatID,
		Kind:           kind,
		Content:        payload.Content,
		Attachments:    payload.Attachments,
	})
	return err
}

// typing relays the indicator to every other connection in a joined room,
// including the typist's other devices. Nothing is stored.
func (g *Gateway) typing(p Peer, actor *models.User, frame Frame) error {
	var payload typingPayload
	if err := decodeInto(frame.Data, &payload); err != nil {
		return appErrors.Clone(appErrors.ErrValidation, err.Error())
	}
	room := ConversationRoom(canonicalChatID(payload.ChatID))
	if !g.registry.InRoom(p, room) {
		return appErrors.Clone(appErrors.ErrForbidden, "join the chat before sending typing signals")
	}
	event := Event{Name: EventUserTyping, Data: TypingPayload{
		ChatID:   payload.ChatID,
		UserID:   actor.ID,
		UserName: actor.FullName,
		IsTyping: payload.IsTyping,
	}}
	delivered, dropped := g.registry.DeliverExcept(event, "", p.ID(), room)
	g.record(event.Name, delivered, dropped)
	return nil
}

func (g *Gateway) markRead(ctx context.Context, actor *models.User, frame Frame) error {
	var payload markReadPayload
	if err := decodeInto(frame.Data, &payload); err != nil {
		return appErrors.Clone(appErrors.ErrValidation, err.Error())
	}
	kind := models.ConversationDirect
	if payload.IsGroupChat {
		kind = models.ConversationGroup
	}
	_, err := g.chat.MarkRead(ctx, actor, service.MarkReadRequest{
		ConversationID: payload.ChatID,
		Kind:           kind,
		MessageID:      payload.MessageID,
	})
	return err
}

func (g *Gateway) setStatus(actor *models.User, frame Frame) error {
	status, err := decodeStatus(frame.Data)
	if err != nil || status == "" {
		return appErrors.Clone(appErrors.ErrValidation, "status is required")
	}
	if utf8.RuneCountInString(status) > maxStatusLength {
		return appErrors.Clone(appErrors.ErrValidation, "status is too long")
	}
	g.broadcast(Event{Name: EventUserStatus, Data: StatusPayload{UserID: actor.ID, Status: status}}, "")
	return nil
}

func (g *Gateway) reject(p Peer, eventName string, err error) {
	appErr := appErrors.FromError(err)
	if appErr.Status >= http.StatusInternalServerError {
		g.logger.Error("realtime event failed", zap.String("event", eventName), zap.String("user_id", p.ActorID()), zap.Error(err))
	}
	if !p.Send(Event{Name: EventError, Data: ErrorPayload{Event: eventName, Message: appErr.Message, Code: appErr.Code}}) {
		g.metrics.EventDropped()
	}
}

func (g *Gateway) deliver(event Event, excludeActor string, rooms ...string) {
	delivered, dropped := g.registry.Deliver(event, excludeActor, rooms...)
	g.record(event.Name, delivered, dropped)
}

func (g *Gateway) broadcast(event Event, excludeActor string) {
	delivered, dropped := g.registry.Broadcast(event, excludeActor)
	g.record(event.Name, delivered, dropped)
}

func (g *Gateway) record(name string, delivered, dropped int) {
	g.metrics.EventsDelivered(delivered)
	for i := 0; i < dropped; i++ {
		g.metrics.EventDropped()
	}
	if dropped > 0 {
		g.logger.Warn("closed slow connections that could not take an event", zap.String("event", name), zap.Int("dropped", dropped))
	}
}

func (g *Gateway) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(g.config.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range g.config.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

func conversationRooms(conv models.Conversation) []string {
	ids := conv.ParticipantIDs()
	rooms := make([]string, 0, len(ids)+1)
	rooms = append(rooms, ConversationRoom(conv.ConversationID()))
	for _, id := range ids {
		rooms = append(rooms, UserRoom(id))
	}
	return rooms
}
