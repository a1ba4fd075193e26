// Package inbox keeps a viewer's local picture of conversations and recent
// messages up to date from sync events.
package inbox

import (
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"marketsync/internal/models"
	"marketsync/internal/realtime"
)

const (
	defaultMaxMessages = 200

	// typingTTL expires typing indicators whose stop event never arrived.
	typingTTL = 6 * time.Second
)

type presence struct {
	online   bool
	lastSeen *time.Time
}

// Store is safe for concurrent use. Events from both transports may be
// applied; a message delivered twice is only counted once.
type Store struct {
	viewerID    string
	maxMessages int
	now         func() time.Time

	mu            sync.RWMutex
	conversations map[string]*models.Conversation
	messages      map[string][]models.Message
	seen          map[string]struct{}
	presence      map[string]presence
	typing        map[string]map[string]time.Time
}

// New creates a store for viewerID keeping up to maxMessages recent messages
// per conversation.
func New(viewerID string, maxMessages int) *Store {
	if maxMessages <= 0 {
		maxMessages = defaultMaxMessages
	}
	return &Store{
		viewerID:      viewerID,
		maxMessages:   maxMessages,
		now:           time.Now,
		conversations: make(map[string]*models.Conversation),
		messages:      make(map[string][]models.Message),
		seen:          make(map[string]struct{}),
		presence:      make(map[string]presence),
		typing:        make(map[string]map[string]time.Time),
	}
}

// Seed loads conversations fetched over REST. Existing entries are replaced
// unless they are newer.
func (s *Store) Seed(conversations []models.Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range conversations {
		s.putConversationLocked(c)
	}
}

// SeedHistory loads a page of conversation history.
func (s *Store) SeedHistory(h *models.ConversationHistory) {
	if h == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if h.Conversation != nil {
		s.putConversationLocked(*h.Conversation)
	}
	for _, m := range h.Messages {
		if _, dup := s.seen[m.ID]; dup {
			continue
		}
		s.insertMessageLocked(m)
	}
}

// Attach applies every event the dispatcher emits until the returned function
// is called.
func (s *Store) Attach(d *realtime.Dispatcher) func() {
	return d.OnEvent(func(ev realtime.Event) { s.Apply(ev) })
}

// Apply folds ev into the store and reports whether anything changed.
func (s *Store) Apply(ev realtime.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch e := ev.(type) {
	case realtime.NewMessageEvent:
		return s.applyMessageLocked(e.Message)
	case realtime.ConversationUpdateEvent:
		return s.putConversationLocked(e.Conversation)
	case realtime.UserStatusEvent:
		prev, known := s.presence[e.UserID]
		next := presence{online: e.Online, lastSeen: e.LastSeen}
		if !e.Online && next.lastSeen == nil {
			at := e.OccurredAt()
			next.lastSeen = &at
		}
		s.presence[e.UserID] = next
		return !known || prev.online != next.online
	case realtime.TypingEvent:
		return s.applyTypingLocked(e)
	case realtime.MessageReadEvent:
		return s.applyReadLocked(e)
	default:
		panic("inbox: unhandled event type")
	}
}

func (s *Store) applyMessageLocked(m models.Message) bool {
	if _, dup := s.seen[m.ID]; dup {
		return false
	}
	s.insertMessageLocked(m)

	conv, ok := s.conversations[m.ConversationID]
	if !ok {
		conv = &models.Conversation{
			ID:        m.ConversationID,
			Type:      models.ConversationDirect,
			Status:    models.ConversationActive,
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.CreatedAt,
		}
		conv.ParticipantIDs = append(conv.ParticipantIDs, m.SenderID)
		if s.viewerID != "" && s.viewerID != m.SenderID {
			conv.ParticipantIDs = append(conv.ParticipantIDs, s.viewerID)
		}
		s.conversations[m.ConversationID] = conv
	}
	conv.ApplyMessage(m)

	if users := s.typing[m.ConversationID]; users != nil {
		delete(users, m.SenderID)
	}
	return true
}

func (s *Store) insertMessageLocked(m models.Message) {
	s.seen[m.ID] = struct{}{}
	list := s.messages[m.ConversationID]
	i := sort.Search(len(list), func(i int) bool { return list[i].CreatedAt.After(m.CreatedAt) })
	list = slices.Insert(list, i, m)
	if over := len(list) - s.maxMessages; over > 0 {
		list = slices.Delete(list, 0, over)
	}
	s.messages[m.ConversationID] = list
}

func (s *Store) putConversationLocked(c models.Conversation) bool {
	if cur, ok := s.conversations[c.ID]; ok && c.UpdatedAt.Before(cur.UpdatedAt) {
		return false
	}
	cp := cloneConversation(c)
	s.conversations[c.ID] = &cp
	return true
}

func (s *Store) applyTypingLocked(e realtime.TypingEvent) bool {
	users := s.typing[e.ConversationID]
	_, was := users[e.UserID]
	if !e.Typing {
		if !was {
			return false
		}
		delete(users, e.UserID)
		return true
	}
	if users == nil {
		users = make(map[string]time.Time)
		s.typing[e.ConversationID] = users
	}
	at := e.OccurredAt()
	if at.IsZero() {
		at = s.now()
	}
	users[e.UserID] = at
	return !was
}

func (s *Store) applyReadLocked(e realtime.MessageReadEvent) bool {
	readAt := e.ReadAt
	if readAt.IsZero() {
		readAt = e.OccurredAt()
	}

	changed := false
	list := s.messages[e.ConversationID]
	for i := range list {
		m := &list[i]
		if m.ID != e.MessageID {
			continue
		}
		if m.SenderID != e.UserID && m.Status != models.MessageStatusRead {
			changed = m.MarkRead(readAt)
		}
		break
	}

	if e.UserID == s.viewerID {
		if conv, ok := s.conversations[e.ConversationID]; ok && conv.UnreadFor(s.viewerID) > 0 {
			conv.ClearUnread(s.viewerID)
			changed = true
		}
	}
	return changed
}

// MarkConversationRead clears the viewer's unread counter and marks messages
// from other participants read. It returns the ids of the messages it changed
// so the caller can acknowledge them to the API.
func (s *Store) MarkConversationRead(conversationID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var ids []string
	list := s.messages[conversationID]
	for i := range list {
		m := &list[i]
		if m.SenderID == s.viewerID || m.Status == models.MessageStatusRead {
			continue
		}
		if m.MarkRead(now) {
			ids = append(ids, m.ID)
		}
	}
	if conv, ok := s.conversations[conversationID]; ok {
		conv.ClearUnread(s.viewerID)
	}
	return ids
}

// Conversations returns copies ordered by most recent activity.
func (s *Store) Conversations() []models.Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Conversation, 0, len(s.conversations))
	for _, c := range s.conversations {
		out = append(out, cloneConversation(*c))
	}
	sort.SliceStable(out, func(i, j int) bool {
		ai, aj := lastActivity(out[i]), lastActivity(out[j])
		if ai.Equal(aj) {
			return out[i].ID < out[j].ID
		}
		return ai.After(aj)
	})
	return out
}

// Conversation returns a copy of one conversation.
func (s *Store) Conversation(id string) (models.Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversations[id]
	if !ok {
		return models.Conversation{}, false
	}
	return cloneConversation(*c), true
}

// Messages returns the retained messages of a conversation, oldest first.
func (s *Store) Messages(conversationID string) []models.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.messages[conversationID])
}

// Unread returns the viewer's unread count for a conversation.
func (s *Store) Unread(conversationID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if c, ok := s.conversations[conversationID]; ok {
		return c.UnreadFor(s.viewerID)
	}
	return 0
}

// TotalUnread sums the viewer's unread counts, skipping muted conversations.
func (s *Store) TotalUnread() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	total := 0
	for _, c := range s.conversations {
		if c.IsMutedBy(s.viewerID) {
			continue
		}
		total += c.UnreadFor(s.viewerID)
	}
	return total
}

// IsOnline reports the last known presence of userID.
func (s *Store) IsOnline(userID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.presence[userID].online
}

// LastSeen returns when userID was last seen, if known.
func (s *Store) LastSeen(userID string) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.presence[userID]
	if !ok || p.lastSeen == nil {
		return time.Time{}, false
	}
	return *p.lastSeen, true
}

// Typing returns the other users currently typing in a conversation.
func (s *Store) Typing(conversationID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cutoff := s.now().Add(-typingTTL)
	var out []string
	for user, since := range s.typing[conversationID] {
		if user == s.viewerID || since.Before(cutoff) {
			continue
		}
		out = append(out, user)
	}
	sort.Strings(out)
	return out
}

func lastActivity(c models.Conversation) time.Time {
	if c.LastMessageAt != nil && c.LastMessageAt.After(c.UpdatedAt) {
		return *c.LastMessageAt
	}
	return c.UpdatedAt
}

func cloneConversation(c models.Conversation) models.Conversation {
	c.ParticipantIDs = slices.Clone(c.ParticipantIDs)
	c.MutedBy = slices.Clone(c.MutedBy)
	c.BlockedBy = slices.Clone(c.BlockedBy)
	c.UnreadCount = maps.Clone(c.UnreadCount)
	if c.LastMessage != nil {
		m := *c.LastMessage
		c.LastMessage = &m
	}
	return c
}
