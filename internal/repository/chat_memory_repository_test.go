package repository

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sma-class-chat/internal/models"
)

type steppingClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *steppingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func newMemoryRepo() *MemoryChatRepository {
	repo := NewMemoryChatRepository()
	clock := &steppingClock{now: time.Date(2024, 7, 1, 8, 0, 0, 0, time.UTC)}
	repo.now = clock.Now
	return repo
}

func TestMemoryGetOrCreateDirectIsOrderIndependent(t *testing.T) {
	repo := newMemoryRepo()
	ctx := context.Background()

	first, err := repo.GetOrCreateDirect(ctx, "u-a", "u-b")
	require.NoError(t, err)
	second, err := repo.GetOrCreateDirect(ctx, "u-a", "u-b")
	require.NoError(t, err)
	reversed, err := repo.GetOrCreateDirect(ctx, "u-b", "u-a")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.ID, reversed.ID)
	assert.ElementsMatch(t, []string{"u-a", "u-b"}, first.ParticipantIDs())
}

func TestMemoryGetOrCreateDirectRejectsSelf(t *testing.T) {
	repo := newMemoryRepo()

	_, err := repo.GetOrCreateDirect(context.Background(), "u-a", "u-a")
	assert.ErrorIs(t, err, models.ErrSelfConversation)
}

func TestMemoryGetOrCreateDirectConcurrentCallsShareConversation(t *testing.T) {
	repo := newMemoryRepo()
	ctx := context.Background()

	var wg sync.WaitGroup
	ids := make([]string, 20)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, b := "u-a", "u-b"
			if i%2 == 1 {
				a, b = b, a
			}
			conv, err := repo.GetOrCreateDirect(ctx, a, b)
			if err == nil {
				ids[i] = conv.ID
			}
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	list, err := repo.ListDirectForUser(ctx, "u-a")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestMemorySenderMarkReadIsNoop(t *testing.T) {
	repo := newMemoryRepo()
	ctx := context.Background()

	conv, err := repo.GetOrCreateDirect(ctx, "u-1", "u-2")
	require.NoError(t, err)
	msg, err := repo.AppendMessage(ctx, conv.ID, "u-1", "hello", nil)
	require.NoError(t, err)
	require.Len(t, msg.ReadBy, 1)

	result, err := repo.MarkRead(ctx, conv.ID, "u-1", &msg.ID)
	require.NoError(t, err)
	assert.False(t, result.Changed())

	result, err = repo.MarkRead(ctx, conv.ID, "u-1", nil)
	require.NoError(t, err)
	assert.False(t, result.Changed())

	messages, err := repo.ListMessages(ctx, conv.ID, models.MessageQuery{})
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Len(t, messages[0].ReadBy, 1)
}

func TestMemoryDirectMessageReadByBothParticipants(t *testing.T) {
	repo := newMemoryRepo()
	ctx := context.Background()

	conv, err := repo.GetOrCreateDirect(ctx, "u-1", "u-2")
	require.NoError(t, err)
	msg, err := repo.AppendMessage(ctx, conv.ID, "u-1", "hello", nil)
	require.NoError(t, err)

	result, err := repo.MarkRead(ctx, conv.ID, "u-2", &msg.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{msg.ID}, result.MessageIDs)

	again, err := repo.MarkRead(ctx, conv.ID, "u-2", &msg.ID)
	require.NoError(t, err)
	assert.False(t, again.Changed())

	messages, err := repo.ListMessages(ctx, conv.ID, models.MessageQuery{})
	require.NoError(t, err)
	require.Len(t, messages, 1)
	readers := []string{}
	for _, r := range messages[0].ReadBy {
		readers = append(readers, r.UserID)
	}
	assert.ElementsMatch(t, []string{"u-1", "u-2"}, readers)
}

func TestMemoryNonParticipantCannotAppendOrMarkRead(t *testing.T) {
	repo := newMemoryRepo()
	ctx := context.Background()

	group, err := repo.CreateGroup(ctx, "u-1", []string{"u-2"}, models.GroupMetadata{Name: "Study"})
	require.NoError(t, err)
	msg, err := repo.AppendMessage(ctx, group.ID, "u-2", "hi", nil)
	require.NoError(t, err)

	_, err = repo.AppendMessage(ctx, group.ID, "u-9", "intruder", nil)
	assert.ErrorIs(t, err, models.ErrNotParticipant)
	_, err = repo.MarkRead(ctx, group.ID, "u-9", &msg.ID)
	assert.ErrorIs(t, err, models.ErrNotParticipant)

	messages, err := repo.ListMessages(ctx, group.ID, models.MessageQuery{})
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Len(t, messages[0].ReadBy, 1)
}

func TestMemoryCreateGroupAssignsCreatorAsAdmin(t *testing.T) {
	repo := newMemoryRepo()

	group, err := repo.CreateGroup(context.Background(), "u-1", []string{"u-2", "u-3", "u-2", "u-1"}, models.GroupMetadata{Name: "Class 10A"})
	require.NoError(t, err)

	require.Len(t, group.Participants, 3)
	roles := map[string]models.ParticipantRole{}
	for _, p := range group.Participants {
		roles[p.UserID] = p.Role
	}
	assert.Equal(t, models.ParticipantAdmin, roles["u-1"])
	assert.Equal(t, models.ParticipantMember, roles["u-2"])
	assert.Equal(t, models.ParticipantMember, roles["u-3"])
}

func TestMemoryCreateGroupRequiresAnotherMember(t *testing.T) {
	repo := newMemoryRepo()

	_, err := repo.CreateGroup(context.Background(), "u-1", []string{"u-1"}, models.GroupMetadata{Name: "Solo"})
	assert.ErrorIs(t, err, models.ErrNoGroupMembers)
}

func TestMemoryRemovingLastAdminPromotesEarliestMember(t *testing.T) {
	repo := newMemoryRepo()
	ctx := context.Background()

	group, err := repo.CreateGroup(ctx, "u-1", []string{"u-2"}, models.GroupMetadata{Name: "Club"})
	require.NoError(t, err)
	_, err = repo.AddParticipants(ctx, group.ID, "u-1", []string{"u-3"})
	require.NoError(t, err)
	_, err = repo.AddParticipants(ctx, group.ID, "u-1", []string{"u-4"})
	require.NoError(t, err)

	removal, err := repo.RemoveParticipant(ctx, group.ID, "u-1")
	require.NoError(t, err)
	require.NotNil(t, removal.Promoted)
	assert.Equal(t, "u-2", removal.Promoted.UserID)
	assert.False(t, removal.Deleted)

	conv, err := repo.FindConversation(ctx, group.ID)
	require.NoError(t, err)
	loaded := conv.(*models.GroupConversation)
	assert.Equal(t, 1, loaded.AdminCount())
	assert.True(t, loaded.IsAdmin("u-2"))
	assert.False(t, loaded.IsParticipant("u-1"))
}

func TestMemoryRemovingLastParticipantDeletesGroup(t *testing.T) {
	repo := newMemoryRepo()
	ctx := context.Background()

	group, err := repo.CreateGroup(ctx, "u-1", []string{"u-2"}, models.GroupMetadata{Name: "Pair"})
	require.NoError(t, err)

	_, err = repo.RemoveParticipant(ctx, group.ID, "u-2")
	require.NoError(t, err)
	removal, err := repo.RemoveParticipant(ctx, group.ID, "u-1")
	require.NoError(t, err)
	assert.True(t, removal.Deleted)

	_, err = repo.FindConversation(ctx, group.ID)
	assert.ErrorIs(t, err, models.ErrConversationNotFound)
}

func TestMemoryRemoveUnknownParticipant(t *testing.T) {
	repo := newMemoryRepo()
	ctx := context.Background()

	group, err := repo.CreateGroup(ctx, "u-1", []string{"u-2"}, models.GroupMetadata{Name: "Pair"})
	require.NoError(t, err)

	_, err = repo.RemoveParticipant(ctx, group.ID, "u-9")
	assert.ErrorIs(t, err, models.ErrParticipantNotFound)
}

func TestMemorySetParticipantRoleKeepsOneAdmin(t *testing.T) {
	repo := newMemoryRepo()
	ctx := context.Background()

	group, err := repo.CreateGroup(ctx, "u-1", []string{"u-2"}, models.GroupMetadata{Name: "Club"})
	require.NoError(t, err)

	err = repo.SetParticipantRole(ctx, group.ID, "u-1", models.ParticipantMember)
	assert.ErrorIs(t, err, models.ErrLastAdmin)

	require.NoError(t, repo.SetParticipantRole(ctx, group.ID, "u-2", models.ParticipantAdmin))
	require.NoError(t, repo.SetParticipantRole(ctx, group.ID, "u-1", models.ParticipantMember))

	conv, err := repo.FindConversation(ctx, group.ID)
	require.NoError(t, err)
	assert.True(t, conv.IsAdmin("u-2"))
	assert.False(t, conv.IsAdmin("u-1"))
}

func TestMemoryGroupOperationsRejectDirectConversation(t *testing.T) {
	repo := newMemoryRepo()
	ctx := context.Background()

	conv, err := repo.GetOrCreateDirect(ctx, "u-1", "u-2")
	require.NoError(t, err)

	_, err = repo.AddParticipants(ctx, conv.ID, "u-1", []string{"u-3"})
	assert.ErrorIs(t, err, models.ErrNotGroupConversation)
}

func TestMemoryConcurrentAppendsKeepEveryMessage(t *testing.T) {
	repo := newMemoryRepo()
	ctx := context.Background()

	group, err := repo.CreateGroup(ctx, "u-1", []string{"u-2"}, models.GroupMetadata{Name: "Busy"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sender := "u-1"
			if i%2 == 0 {
				sender = "u-2"
			}
			_, _ = repo.AppendMessage(ctx, group.ID, sender, fmt.Sprintf("msg-%d", i), nil)
		}(i)
	}
	wg.Wait()

	messages, err := repo.ListMessages(ctx, group.ID, models.MessageQuery{Limit: 100})
	require.NoError(t, err)
	require.Len(t, messages, 50)
	for i, m := range messages {
		assert.Equal(t, int64(i+1), m.Seq)
		if i > 0 {
			assert.False(t, m.CreatedAt.Before(messages[i-1].CreatedAt))
		}
	}
}

func TestMemoryListMessagesPagesBackwards(t *testing.T) {
	repo := newMemoryRepo()
	ctx := context.Background()

	conv, err := repo.GetOrCreateDirect(ctx, "u-1", "u-2")
	require.NoError(t, err)
	for i := 1; i <= 5; i++ {
		_, err := repo.AppendMessage(ctx, conv.ID, "u-1", fmt.Sprintf("m%d", i), nil)
		require.NoError(t, err)
	}

	page, err := repo.ListMessages(ctx, conv.ID, models.MessageQuery{Limit: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "m4", page[0].Content)
	assert.Equal(t, "m5", page[1].Content)

	older, err := repo.ListMessages(ctx, conv.ID, models.MessageQuery{BeforeSeq: page[0].Seq, Limit: 10})
	require.NoError(t, err)
	require.Len(t, older, 3)
	assert.Equal(t, "m1", older[0].Content)
}

func TestMemoryListGroupsReportsUnreadAndOrder(t *testing.T) {
	repo := newMemoryRepo()
	ctx := context.Background()

	quiet, err := repo.CreateGroup(ctx, "u-1", []string{"u-2"}, models.GroupMetadata{Name: "Quiet"})
	require.NoError(t, err)
	busy, err := repo.CreateGroup(ctx, "u-1", []string{"u-2"}, models.GroupMetadata{Name: "Busy"})
	require.NoError(t, err)
	_, err = repo.AppendMessage(ctx, busy.ID, "u-1", "one", nil)
	require.NoError(t, err)
	_, err = repo.AppendMessage(ctx, busy.ID, "u-1", "two", nil)
	require.NoError(t, err)

	groups, err := repo.ListGroupsForUser(ctx, "u-2")
	require.NoError(t, err)
	require.Len(t, groups, 2)
	assert.Equal(t, busy.ID, groups[0].ID)
	assert.Equal(t, 2, groups[0].UnreadCount)
	require.NotNil(t, groups[0].LastMessage)
	assert.Equal(t, "two", groups[0].LastMessage.Content)
	assert.Equal(t, quiet.ID, groups[1].ID)
	assert.Nil(t, groups[1].LastMessage)
}

func TestMemoryReadsAreCopies(t *testing.T) {
	repo := newMemoryRepo()
	ctx := context.Background()

	group, err := repo.CreateGroup(ctx, "u-1", []string{"u-2"}, models.GroupMetadata{Name: "Copy"})
	require.NoError(t, err)
	group.Participants[0].Role = models.ParticipantMember

	conv, err := repo.FindConversation(ctx, group.ID)
	require.NoError(t, err)
	assert.True(t, conv.IsAdmin("u-1"))
}
