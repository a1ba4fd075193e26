package inbox

import (
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketsync/internal/models"
	"marketsync/internal/realtime"
)

const viewer = "buyer-1"

var t0 = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func msg(id, conversationID, sender string, at time.Time) models.Message {
	return models.Message{
		ID:             id,
		ConversationID: conversationID,
		SenderID:       sender,
		Type:           models.MessageTypeText,
		Content:        gofakeit.Sentence(5),
		Status:         models.MessageStatusSent,
		CreatedAt:      at,
		UpdatedAt:      at,
	}
}

func conv(id string, updated time.Time, participants ...string) models.Conversation {
	return models.Conversation{
		ID:             id,
		Type:           models.ConversationDirect,
		Status:         models.ConversationActive,
		ParticipantIDs: participants,
		CreatedAt:      updated.Add(-time.Hour),
		UpdatedAt:      updated,
	}
}

func TestApply_NewMessageCountsOnce(t *testing.T) {
	s := New(viewer, 0)
	s.Seed([]models.Conversation{conv("c1", t0, viewer, "seller-1")})

	m := msg("m1", "c1", "seller-1", t0.Add(time.Minute))
	assert.True(t, s.Apply(realtime.NewMessageEvent{Message: m, At: m.CreatedAt}))
	assert.False(t, s.Apply(realtime.NewMessageEvent{Message: m, At: m.CreatedAt}), "same message from the other transport")

	assert.Equal(t, 1, s.Unread("c1"))
	c, ok := s.Conversation("c1")
	require.True(t, ok)
	assert.Equal(t, 1, c.MessageCount)
	assert.Equal(t, "m1", c.LastMessageID)
	assert.Len(t, s.Messages("c1"), 1)
}

func TestApply_OwnMessagesAreNotUnread(t *testing.T) {
	s := New(viewer, 0)
	s.Seed([]models.Conversation{conv("c1", t0, viewer, "seller-1")})

	s.Apply(realtime.NewMessageEvent{Message: msg("m1", "c1", viewer, t0.Add(time.Second))})
	assert.Equal(t, 0, s.Unread("c1"))
}

func TestApply_MessageForUnknownConversation(t *testing.T) {
	s := New(viewer, 0)
	s.Apply(realtime.NewMessageEvent{Message: msg("m1", "c9", "seller-2", t0)})

	c, ok := s.Conversation("c9")
	require.True(t, ok)
	assert.ElementsMatch(t, []string{"seller-2", viewer}, c.ParticipantIDs)
	assert.Equal(t, 1, s.Unread("c9"))
}

func TestApply_MessagesOrderedAndTrimmed(t *testing.T) {
	s := New(viewer, 3)
	for i, offset := range []int{5, 1, 3, 4, 2} {
		m := msg(gofakeit.UUID(), "c1", "seller-1", t0.Add(time.Duration(offset)*time.Second))
		m.Content = string(rune('a' + i))
		s.Apply(realtime.NewMessageEvent{Message: m})
	}

	got := s.Messages("c1")
	require.Len(t, got, 3)
	for i := 1; i < len(got); i++ {
		assert.True(t, got[i-1].CreatedAt.Before(got[i].CreatedAt))
	}
	assert.Equal(t, t0.Add(3*time.Second), got[0].CreatedAt, "oldest messages are dropped first")
}

func TestApply_ConversationUpdateIgnoresStale(t *testing.T) {
	s := New(viewer, 0)
	fresh := conv("c1", t0.Add(time.Hour), viewer, "seller-1")
	fresh.Subject = "Vintage lamp"
	require.True(t, s.Apply(realtime.ConversationUpdateEvent{Conversation: fresh}))

	stale := conv("c1", t0, viewer, "seller-1")
	stale.Subject = "old"
	assert.False(t, s.Apply(realtime.ConversationUpdateEvent{Conversation: stale}))

	c, _ := s.Conversation("c1")
	assert.Equal(t, "Vintage lamp", c.Subject)
}

func TestApply_Presence(t *testing.T) {
	s := New(viewer, 0)
	assert.True(t, s.Apply(realtime.UserStatusEvent{UserID: "seller-1", Online: true, At: t0}))
	assert.False(t, s.Apply(realtime.UserStatusEvent{UserID: "seller-1", Online: true, At: t0}))
	assert.True(t, s.IsOnline("seller-1"))

	assert.True(t, s.Apply(realtime.UserStatusEvent{UserID: "seller-1", At: t0.Add(time.Minute)}))
	assert.False(t, s.IsOnline("seller-1"))
	seen, ok := s.LastSeen("seller-1")
	require.True(t, ok)
	assert.Equal(t, t0.Add(time.Minute), seen)
}

func TestApply_TypingExpiresAndClearsOnMessage(t *testing.T) {
	s := New(viewer, 0)
	now := t0
	s.now = func() time.Time { return now }

	assert.True(t, s.Apply(realtime.TypingEvent{ConversationID: "c1", UserID: "seller-1", Typing: true, At: t0}))
	s.Apply(realtime.TypingEvent{ConversationID: "c1", UserID: viewer, Typing: true, At: t0})
	assert.Equal(t, []string{"seller-1"}, s.Typing("c1"))

	s.Apply(realtime.NewMessageEvent{Message: msg("m1", "c1", "seller-1", t0)})
	assert.Empty(t, s.Typing("c1"))

	s.Apply(realtime.TypingEvent{ConversationID: "c1", UserID: "seller-2", Typing: true, At: t0})
	now = t0.Add(typingTTL + time.Second)
	assert.Empty(t, s.Typing("c1"))

	assert.False(t, s.Apply(realtime.TypingEvent{ConversationID: "c1", UserID: "nobody"}))
}

func TestApply_MessageRead(t *testing.T) {
	s := New(viewer, 0)
	s.Seed([]models.Conversation{conv("c1", t0, viewer, "seller-1")})
	mine := msg("m1", "c1", viewer, t0.Add(time.Second))
	theirs := msg("m2", "c1", "seller-1", t0.Add(2*time.Second))
	s.Apply(realtime.NewMessageEvent{Message: mine})
	s.Apply(realtime.NewMessageEvent{Message: theirs})
	require.Equal(t, 1, s.Unread("c1"))

	readAt := t0.Add(time.Minute)
	assert.True(t, s.Apply(realtime.MessageReadEvent{MessageID: "m1", ConversationID: "c1", UserID: "seller-1", ReadAt: readAt}))
	got := s.Messages("c1")
	assert.Equal(t, models.MessageStatusRead, got[0].Status)
	require.NotNil(t, got[0].ReadAt)
	assert.Equal(t, readAt, *got[0].ReadAt)
	assert.Equal(t, 1, s.Unread("c1"), "the other side reading does not touch our counter")

	assert.True(t, s.Apply(realtime.MessageReadEvent{MessageID: "m2", ConversationID: "c1", UserID: viewer, At: readAt}))
	assert.Equal(t, 0, s.Unread("c1"))

	assert.False(t, s.Apply(realtime.MessageReadEvent{MessageID: "m2", ConversationID: "c1", UserID: viewer, At: readAt}))
}

func TestMarkConversationRead(t *testing.T) {
	s := New(viewer, 0)
	s.Seed([]models.Conversation{conv("c1", t0, viewer, "seller-1")})
	s.Apply(realtime.NewMessageEvent{Message: msg("m1", "c1", "seller-1", t0.Add(time.Second))})
	s.Apply(realtime.NewMessageEvent{Message: msg("m2", "c1", viewer, t0.Add(2*time.Second))})
	s.Apply(realtime.NewMessageEvent{Message: msg("m3", "c1", "seller-1", t0.Add(3*time.Second))})

	assert.Equal(t, []string{"m1", "m3"}, s.MarkConversationRead("c1"))
	assert.Equal(t, 0, s.Unread("c1"))
	assert.Empty(t, s.MarkConversationRead("c1"))
}

func TestConversationsOrderAndTotals(t *testing.T) {
	s := New(viewer, 0)
	muted := conv("c3", t0, viewer, "seller-3")
	muted.MutedBy = []string{viewer}
	s.Seed([]models.Conversation{
		conv("c1", t0, viewer, "seller-1"),
		conv("c2", t0.Add(time.Hour), viewer, "seller-2"),
		muted,
	})
	s.Apply(realtime.NewMessageEvent{Message: msg("m1", "c1", "seller-1", t0.Add(2*time.Hour))})
	s.Apply(realtime.NewMessageEvent{Message: msg("m2", "c3", "seller-3", t0.Add(time.Minute))})

	list := s.Conversations()
	require.Len(t, list, 3)
	assert.Equal(t, "c1", list[0].ID)
	assert.Equal(t, "c2", list[1].ID)
	assert.Equal(t, 1, s.TotalUnread(), "muted conversations are not counted")

	// copies do not leak
	list[0].UnreadCount[viewer] = 99
	assert.Equal(t, 1, s.Unread("c1"))
}

func TestSeedHistoryAndAttach(t *testing.T) {
	s := New(viewer, 0)
	c := conv("c1", t0, viewer, "seller-1")
	s.SeedHistory(&models.ConversationHistory{
		Conversation: &c,
		Messages:     []models.Message{msg("m1", "c1", "seller-1", t0)},
	})
	s.SeedHistory(nil)
	assert.Len(t, s.Messages("c1"), 1)

	d := realtime.NewDispatcher(nil)
	detach := s.Attach(d)
	d.Emit(realtime.SourceWebSocket, realtime.NewMessageEvent{Message: msg("m1", "c1", "seller-1", t0)})
	d.Emit(realtime.SourcePolling, realtime.NewMessageEvent{Message: msg("m2", "c1", "seller-1", t0.Add(time.Second))})
	detach()
	d.Emit(realtime.SourcePolling, realtime.NewMessageEvent{Message: msg("m3", "c1", "seller-1", t0.Add(2*time.Second))})

	assert.Len(t, s.Messages("c1"), 2)
}
