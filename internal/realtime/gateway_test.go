package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noah-isme/sma-class-chat/internal/models"
	"github.com/noah-isme/sma-class-chat/internal/repository"
	"github.com/noah-isme/sma-class-chat/internal/service"
)

type directory struct {
	users map[string]*models.User
}

func (d directory) FindSummaries(ctx context.Context, ids []string) (map[string]models.UserSummary, error) {
	out := make(map[string]models.UserSummary, len(ids))
	for _, id := range ids {
		if u, ok := d.users[id]; ok {
			out[id] = u.Summary()
		}
	}
	return out, nil
}

func (d directory) CreateAuditLog(ctx context.Context, log *models.AuditLog) error { return nil }

type classes map[string]bool

func (c classes) Exists(ctx context.Context, id string) (bool, error) { return c[id], nil }

const (
	aliceID   = "11111111-1111-4111-8111-111111111111"
	bobID     = "22222222-2222-4222-8222-222222222222"
	carolID   = "33333333-3333-4333-8333-333333333333"
	classID   = "c1000000-0000-4000-8000-000000000001"
	missingID = "bbbbbbbb-bbbb-4bbb-8bbb-bbbbbbbbbbbb"
)

type gatewayFixture struct {
	gateway *Gateway
	chat    *service.ChatService
	metrics *service.MetricsService
	users   map[string]*models.User
}

func newGatewayFixture(t *testing.T) *gatewayFixture {
	t.Helper()
	class := classID
	users := map[string]*models.User{}
	for id, name := range map[string]string{aliceID: "Alice", bobID: "Bob", carolID: "Carol"} {
		users[id] = &models.User{ID: id, FullName: name, Role: models.RoleStudent, ClassID: &class, Approved: true}
	}
	metrics := service.NewMetricsService()
	chat := service.NewChatService(repository.NewMemoryChatRepository(), directory{users: users}, classes{classID: true},
		service.NewPermissionResolver(service.PermissionPolicy{}), nil, metrics, nil, zap.NewNop(), service.ChatConfig{})
	gateway := NewGateway(NewRegistry(), chat, metrics, zap.NewNop(), GatewayConfig{})
	chat.SetNotifier(gateway)
	return &gatewayFixture{gateway: gateway, chat: chat, metrics: metrics, users: users}
}

func (f *gatewayFixture) connect(id, actor string) *fakePeer {
	p := newFakePeer(id, actor)
	f.gateway.Attach(p, f.users[actor])
	return p
}

func (f *gatewayFixture) dispatch(p *fakePeer, name string, data interface{}) {
	raw, _ := json.Marshal(data)
	f.gateway.Dispatch(context.Background(), p, f.users[p.actor], Frame{Name: name, Data: raw})
}

func lastError(t *testing.T, p *fakePeer) ErrorPayload {
	t.Helper()
	events := p.received()
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	require.Equal(t, EventError, last.Name)
	return last.Data.(ErrorPayload)
}

func TestGatewayAttachJoinsPersonalAndClassRooms(t *testing.T) {
	f := newGatewayFixture(t)
	p := f.connect("c1", aliceID)

	assert.Equal(t, []string{ClassRoom(classID), UserRoom(aliceID)}, f.gateway.Registry().Rooms(p))
	assert.EqualValues(t, 1, f.metrics.Snapshot().LiveConnections)
}

func TestGatewayJoinChecksMembership(t *testing.T) {
	f := newGatewayFixture(t)
	ctx := context.Background()
	direct, err := f.chat.StartDirect(ctx, f.users[aliceID], bobID)
	require.NoError(t, err)

	outsider := f.connect("c3", carolID)
	f.dispatch(outsider, EventJoinDirect, direct.ID)
	assert.Equal(t, "FORBIDDEN", lastError(t, outsider).Code)
	assert.False(t, f.gateway.Registry().InRoom(outsider, ConversationRoom(direct.ID)))

	member := f.connect("c1", aliceID)
	f.dispatch(member, EventJoinGroup, direct.ID)
	assert.Equal(t, "NOT_FOUND", lastError(t, member).Code)

	f.dispatch(member, EventJoinDirect, map[string]string{"chatId": direct.ID})
	assert.Equal(t, []string{EventChatJoined}, member.names()[1:])
	assert.True(t, f.gateway.Registry().InRoom(member, ConversationRoom(direct.ID)))

	f.dispatch(member, EventLeaveChat, direct.ID)
	assert.False(t, f.gateway.Registry().InRoom(member, ConversationRoom(direct.ID)))
}

func TestGatewaySendDirectMessageReachesEveryDevice(t *testing.T) {
	f := newGatewayFixture(t)
	direct, err := f.chat.StartDirect(context.Background(), f.users[aliceID], bobID)
	require.NoError(t, err)

	sender := f.connect("c1", aliceID)
	phone := f.connect("c2", bobID)
	laptop := f.connect("c3", bobID)
	outsider := f.connect("c4", carolID)
	f.dispatch(sender, EventJoinDirect, direct.ID)
	sender.reset()

	f.dispatch(sender, EventSendDirectMessage, map[string]interface{}{"chatId": direct.ID, "content": " hello "})

	for _, p := range []*fakePeer{sender, phone, laptop} {
		events := p.received()
		require.Len(t, events, 1, p.id)
		assert.Equal(t, EventDirectMessage, events[0].Name)
		payload := events[0].Data.(MessagePayload)
		assert.Equal(t, direct.ID, payload.ChatID)
		assert.Equal(t, "hello", payload.Message.Content)
		require.NotNil(t, payload.Message.Sender)
		assert.Equal(t, "Alice", payload.Message.Sender.FullName)
	}
	assert.Empty(t, outsider.received())
	assert.EqualValues(t, 3, f.metrics.Snapshot().MessagesDelivered)
}

func TestGatewaySendRejectsInvalidMessages(t *testing.T) {
	f := newGatewayFixture(t)
	ctx := context.Background()
	direct, err := f.chat.StartDirect(ctx, f.users[aliceID], bobID)
	require.NoError(t, err)

	sender := f.connect("c1", aliceID)
	f.dispatch(sender, EventSendDirectMessage, map[string]interface{}{"chatId": direct.ID, "content": "   "})
	assert.Equal(t, "VALIDATION_ERROR", lastError(t, sender).Code)

	outsider := f.connect("c3", carolID)
	f.dispatch(outsider, EventSendDirectMessage, map[string]interface{}{"chatId": direct.ID, "content": "hi"})
	assert.Equal(t, "FORBIDDEN", lastError(t, outsider).Code)

	f.dispatch(sender, EventSendDirectMessage, map[string]interface{}{"chatId": missingID, "content": "hi"})
	assert.Equal(t, "NOT_FOUND", lastError(t, sender).Code)

	f.dispatch(sender, EventSendDirectMessage, map[string]interface{}{"chatId": "missing", "content": "hi"})
	assert.Equal(t, "VALIDATION_ERROR", lastError(t, sender).Code)

	f.dispatch(sender, "shout", nil)
	assert.Equal(t, "VALIDATION_ERROR", lastError(t, sender).Code)

	page, err := f.chat.GetConversation(ctx, f.users[aliceID], direct.ID, models.MessageQuery{})
	require.NoError(t, err)
	assert.Empty(t, page.Messages)
}

func TestGatewayGroupMessagesUseGroupEvent(t *testing.T) {
	f := newGatewayFixture(t)
	group, err := f.chat.CreateGroup(context.Background(), f.users[aliceID], service.CreateGroupRequest{Name: "Study", ParticipantIDs: []string{bobID}})
	require.NoError(t, err)

	sender := f.connect("c1", aliceID)
	member := f.connect("c2", bobID)
	f.dispatch(sender, EventSendGroupMessage, map[string]interface{}{"chatId": group.ID, "content": "hi all"})

	assert.Equal(t, []string{EventGroupMessage}, member.names())

	f.dispatch(sender, EventSendDirectMessage, map[string]interface{}{"chatId": group.ID, "content": "wrong kind"})
	assert.Equal(t, "NOT_FOUND", lastError(t, sender).Code)
}

func TestGatewayTypingIsRelayedToOthersInRoom(t *testing.T) {
	f := newGatewayFixture(t)
	direct, err := f.chat.StartDirect(context.Background(), f.users[aliceID], bobID)
	require.NoError(t, err)

	typist := f.connect("c1", aliceID)
	otherDevice := f.connect("c3", aliceID)
	listener := f.connect("c2", bobID)

	f.dispatch(typist, EventTyping, map[string]interface{}{"chatId": direct.ID, "isTyping": true})
	assert.Equal(t, "FORBIDDEN", lastError(t, typist).Code)

	for _, p := range []*fakePeer{typist, otherDevice, listener} {
		f.dispatch(p, EventJoinDirect, direct.ID)
		p.reset()
	}

	f.dispatch(typist, EventTyping, map[string]interface{}{"chatId": direct.ID, "isTyping": true})
	assert.Empty(t, typist.received())
	want := TypingPayload{ChatID: direct.ID, UserID: aliceID, UserName: "Alice", IsTyping: true}
	for _, p := range []*fakePeer{listener, otherDevice} {
		events := p.received()
		require.Len(t, events, 1, p.ID())
		assert.Equal(t, EventUserTyping, events[0].Name)
		assert.Equal(t, want, events[0].Data)
	}
}

func TestGatewayClosesConnectionThatCannotTakeAMessage(t *testing.T) {
	f := newGatewayFixture(t)
	ctx := context.Background()
	direct, err := f.chat.StartDirect(ctx, f.users[aliceID], bobID)
	require.NoError(t, err)

	sender := f.connect("c1", aliceID)
	slow := f.connect("c2", bobID)
	slow.mu.Lock()
	slow.full = true
	slow.mu.Unlock()

	f.dispatch(sender, EventSendDirectMessage, map[string]interface{}{"chatId": direct.ID, "content": "hello"})
	assert.True(t, slow.isClosed())
	assert.False(t, sender.isClosed())
	assert.Equal(t, []string{EventDirectMessage}, sender.names())
	assert.EqualValues(t, 1, f.metrics.Snapshot().DeliveriesDropped)

	slow.mu.Lock()
	slow.full = false
	slow.mu.Unlock()
	_, err = f.chat.SendMessage(ctx, f.users[aliceID], service.SendMessageRequest{ConversationID: direct.ID, Content: "again"})
	require.NoError(t, err)
	assert.Empty(t, slow.received())
}

func TestGatewayMarkReadNotifiesOtherParticipants(t *testing.T) {
	f := newGatewayFixture(t)
	ctx := context.Background()
	direct, err := f.chat.StartDirect(ctx, f.users[aliceID], bobID)
	require.NoError(t, err)
	msg, err := f.chat.SendMessage(ctx, f.users[aliceID], service.SendMessageRequest{ConversationID: direct.ID, Content: "hello"})
	require.NoError(t, err)

	author := f.connect("c1", aliceID)
	reader := f.connect("c2", bobID)

	f.dispatch(author, EventMarkRead, map[string]interface{}{"chatId": direct.ID, "messageId": msg.ID})
	assert.Empty(t, author.received(), "sender already holds a receipt")
	assert.Empty(t, reader.received())

	f.dispatch(reader, EventMarkRead, map[string]interface{}{"chatId": direct.ID})
	assert.Empty(t, reader.received())
	events := author.received()
	require.Len(t, events, 1)
	assert.Equal(t, EventMessageRead, events[0].Name)
	payload := events[0].Data.(ReadPayload)
	assert.Equal(t, bobID, payload.UserID)
	assert.Equal(t, []string{msg.ID}, payload.MessageIDs)
	require.NotNil(t, payload.MessageID)
	assert.Equal(t, msg.ID, *payload.MessageID)

	f.dispatch(reader, EventMarkRead, map[string]interface{}{"chatId": direct.ID})
	assert.Len(t, author.received(), 1, "repeat marks are no-ops")
}

func TestGatewayPresence(t *testing.T) {
	f := newGatewayFixture(t)
	phone := f.connect("c1", aliceID)
	laptop := f.connect("c2", aliceID)
	watcher := f.connect("c3", bobID)

	f.dispatch(phone, EventSetStatus, "away")
	for _, p := range []*fakePeer{phone, laptop, watcher} {
		require.Len(t, p.received(), 1)
		assert.Equal(t, StatusPayload{UserID: aliceID, Status: "away"}, p.received()[0].Data)
	}

	f.dispatch(phone, EventSetStatus, map[string]string{"status": ""})
	assert.Equal(t, "VALIDATION_ERROR", lastError(t, phone).Code)

	watcher.reset()
	f.gateway.Detach(phone)
	assert.Empty(t, watcher.received(), "laptop is still connected")

	f.gateway.Detach(laptop)
	events := watcher.received()
	require.Len(t, events, 1)
	assert.Equal(t, StatusPayload{UserID: aliceID, Status: StatusOffline}, events[0].Data)
	assert.EqualValues(t, 1, f.metrics.Snapshot().LiveConnections)
}

func TestGatewayRemovedParticipantLeavesRoom(t *testing.T) {
	f := newGatewayFixture(t)
	ctx := context.Background()
	group, err := f.chat.CreateGroup(ctx, f.users[aliceID], service.CreateGroupRequest{Name: "Study", ParticipantIDs: []string{bobID, carolID}})
	require.NoError(t, err)

	removed := f.connect("c3", carolID)
	f.dispatch(removed, EventJoinGroup, group.ID)
	require.True(t, f.gateway.Registry().InRoom(removed, ConversationRoom(group.ID)))
	removed.reset()

	_, err = f.chat.RemoveParticipant(ctx, f.users[aliceID], group.ID, carolID)
	require.NoError(t, err)

	assert.Equal(t, []string{EventGroupUpdated}, removed.names())
	payload := removed.received()[0].Data.(GroupPayload)
	assert.Equal(t, []string{carolID}, payload.Removed)
	assert.False(t, f.gateway.Registry().InRoom(removed, ConversationRoom(group.ID)))

	_, err = f.chat.SendMessage(ctx, f.users[aliceID], service.SendMessageRequest{ConversationID: group.ID, Content: "after"})
	require.NoError(t, err)
	assert.Len(t, removed.received(), 1)
}

func TestGatewayPreservesAppendOrderUnderConcurrency(t *testing.T) {
	f := newGatewayFixture(t)
	ctx := context.Background()
	group, err := f.chat.CreateGroup(ctx, f.users[aliceID], service.CreateGroupRequest{Name: "Study", ParticipantIDs: []string{bobID, carolID}})
	require.NoError(t, err)

	listeners := []*fakePeer{f.connect("l1", aliceID), f.connect("l2", bobID), f.connect("l3", carolID)}
	for _, p := range listeners {
		f.dispatch(p, EventJoinGroup, group.ID)
		p.reset()
	}

	var wg sync.WaitGroup
	for _, sender := range []string{aliceID, bobID, carolID} {
		wg.Add(1)
		go func(sender string) {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				_, err := f.chat.SendMessage(ctx, f.users[sender], service.SendMessageRequest{ConversationID: group.ID, Content: fmt.Sprintf("%s-%d", sender, i)})
				assert.NoError(t, err)
			}
		}(sender)
	}
	wg.Wait()

	for _, p := range listeners {
		events := p.received()
		require.Len(t, events, 60)
		for i, e := range events {
			assert.Equal(t, int64(i+1), e.Data.(MessagePayload).Message.Seq)
		}
	}
}

func TestGatewayServeOverWebsocket(t *testing.T) {
	f := newGatewayFixture(t)
	direct, err := f.chat.StartDirect(context.Background(), f.users[aliceID], bobID)
	require.NoError(t, err)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, ok := f.users[r.URL.Query().Get("user")]
		if !ok {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		_ = f.gateway.Serve(w, r, actor)
	}))
	defer server.Close()
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")

	dial := func(user string) *websocket.Conn {
		conn, _, err := websocket.DefaultDialer.Dial(wsURL+"?user="+user, nil)
		require.NoError(t, err)
		return conn
	}
	read := func(conn *websocket.Conn) map[string]interface{} {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		var frame map[string]interface{}
		require.NoError(t, conn.ReadJSON(&frame))
		return frame
	}

	_, resp, err := websocket.DefaultDialer.Dial(wsURL+"?user=ghost", nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	alice := dial(aliceID)
	defer alice.Close()
	bob := dial(bobID)
	defer bob.Close()

	for _, conn := range []*websocket.Conn{alice, bob} {
		require.NoError(t, conn.WriteJSON(map[string]interface{}{"event": EventJoinDirect, "data": direct.ID}))
		assert.Equal(t, EventChatJoined, read(conn)["event"])
	}

	require.NoError(t, alice.WriteJSON(map[string]interface{}{
		"event": EventSendDirectMessage,
		"data":  map[string]interface{}{"chatId": direct.ID, "content": "hello bob"},
	}))

	for _, conn := range []*websocket.Conn{alice, bob} {
		frame := read(conn)
		assert.Equal(t, EventDirectMessage, frame["event"])
		data := frame["data"].(map[string]interface{})
		assert.Equal(t, direct.ID, data["chatId"])
		assert.Equal(t, "hello bob", data["message"].(map[string]interface{})["content"])
	}

	require.NoError(t, bob.WriteMessage(websocket.TextMessage, []byte("not json")))
	assert.Equal(t, EventError, read(bob)["event"])

	require.NoError(t, bob.Close())
	frame := read(alice)
	assert.Equal(t, EventUserStatus, frame["event"])
	assert.Equal(t, map[string]interface{}{"userId": bobID, "status": StatusOffline}, frame["data"])
}

func TestGatewayJoinNormalizesChatIDSpelling(t *testing.T) {
	f := newGatewayFixture(t)
	ctx := context.Background()
	group, err := f.chat.CreateGroup(ctx, f.users[aliceID], service.CreateGroupRequest{Name: "Study", ParticipantIDs: []string{bobID}})
	require.NoError(t, err)

	p := f.connect("c1", bobID)
	f.dispatch(p, EventJoinGroup, " "+strings.ToUpper(group.ID)+" ")
	assert.True(t, f.gateway.Registry().InRoom(p, ConversationRoom(group.ID)))

	p.reset()
	f.dispatch(p, EventTyping, map[string]interface{}{"chatId": strings.ToUpper(group.ID), "isTyping": false})
	assert.Empty(t, p.received())
}
