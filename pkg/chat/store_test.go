package chat

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"hirechat/pkg/events"
)

func inboxFixture() []Conversation {
	return []Conversation{
		{ID: "c1", Type: ConversationDirect, UnreadCount: 0},
		{ID: "c2", Type: ConversationDirect, UnreadCount: 2},
		{ID: "c3", Type: ConversationGroup, UnreadCount: 1},
	}
}

// newLoadedStore returns a store with the fixture inbox, unread total 3 and active conversation.
func newLoadedStore(t *testing.T, active string) (*Store, *mockBackend, *fakeClock) {
	t.Helper()
	backend := &mockBackend{}
	backend.On("Inbox", mock.Anything).Return(inboxFixture(), nil)
	backend.On("History", mock.Anything, mock.Anything, "", DefaultHistoryLimit).Return([]Message{}, nil)

	clock := newFakeClock()
	s := NewStore(StoreOptions{Backend: backend, Tokens: selfTokens(t), Clock: clock, Spawn: inline})
	s.Apply(eventOf(events.TypeChatConnected, map[string]any{"unread": 3}))
	s.SetActive(active)
	return s, backend, clock
}

func TestStore_ConnectedSetsUnreadAndRefreshesInbox(t *testing.T) {
	s, backend, _ := newLoadedStore(t, "")

	require.Equal(t, 3, s.UnreadTotal())
	require.Len(t, s.Inbox(), 3)
	backend.AssertCalled(t, "Inbox", mock.Anything)

	s.Apply(eventOf(events.TypeConnected, map[string]any{"unread": 9}))
	require.Equal(t, 9, s.UnreadTotal())
	backend.AssertNumberOfCalls(t, "Inbox", 2)
}

func TestStore_NewMessageInActiveConversation(t *testing.T) {
	s, _, _ := newLoadedStore(t, "c1")

	s.Apply(eventOf(events.TypeNewMessage, map[string]any{"id": "m1", "conversation_id": "c1", "content": "hi"}))

	require.Equal(t, []string{"m1"}, transcriptIDs(s))
	c1, ok := s.Conversation("c1")
	require.True(t, ok)
	require.NotNil(t, c1.LastMessage)
	require.Equal(t, "m1", c1.LastMessage.ID)
	require.Equal(t, "hi", c1.LastMessage.Text())
	require.Zero(t, c1.UnreadCount)
	require.Equal(t, 3, s.UnreadTotal())
}

func TestStore_NewMessageInOtherConversation(t *testing.T) {
	s, _, _ := newLoadedStore(t, "c2")
	before := s.Transcript()

	s.Apply(eventOf(events.TypeNewMessage, map[string]any{"id": "m1", "conversation_id": "c1", "content": "hi"}))

	require.Equal(t, before, s.Transcript())
	c1, _ := s.Conversation("c1")
	require.Equal(t, 1, c1.UnreadCount)
	require.Equal(t, 4, s.UnreadTotal())
	require.Equal(t, "m1", c1.LastMessage.ID)

	// Most recent conversation moves to the top.
	require.Equal(t, "c1", s.Inbox()[0].ID)
}

func TestStore_OwnMessageFromAnotherDeviceDoesNotCountUnread(t *testing.T) {
	s, _, _ := newLoadedStore(t, "c2")

	s.Apply(eventOf(events.TypeNewMessage, msg("m1", "c1", "me", "from phone")))

	c1, _ := s.Conversation("c1")
	require.Zero(t, c1.UnreadCount)
	require.Equal(t, 3, s.UnreadTotal())
	require.Equal(t, "m1", c1.LastMessage.ID)
}

func TestStore_NewMessageForUnknownConversationRefreshesInbox(t *testing.T) {
	s, backend, _ := newLoadedStore(t, "c1")

	s.Apply(eventOf(events.TypeNewMessage, msg("m9", "c-new", "u5", "hello")))

	require.Equal(t, 4, s.UnreadTotal())
	backend.AssertNumberOfCalls(t, "Inbox", 2)
}

func TestStore_TranscriptHasNoDuplicateIDs(t *testing.T) {
	s, _, _ := newLoadedStore(t, "c1")

	ids := []string{"a", "b", "a", "c", "b", "b", "d", "a"}
	for i, id := range ids {
		s.Apply(eventOf(events.TypeNewMessage, msg(id, "c1", "u2", fmt.Sprintf("v%d", i))))
	}

	got := transcriptIDs(s)
	require.Equal(t, []string{"a", "b", "c", "d"}, got)

	// A repeated id replaces the stored copy.
	m, ok := s.Message("a")
	require.True(t, ok)
	require.Equal(t, "v7", m.Text())
}

func TestStore_MessageEdited(t *testing.T) {
	s, _, _ := newLoadedStore(t, "c1")
	s.Apply(eventOf(events.TypeNewMessage, msg("m1", "c1", "u2", "draft")))

	editedAt := time.Date(2026, 3, 1, 9, 5, 0, 0, time.UTC)
	edited := msg("m1", "c1", "u2", "final")
	edited.IsEdited = true
	edited.EditedAt = &editedAt
	s.Apply(eventOf(events.TypeMessageEdited, edited))

	m, _ := s.Message("m1")
	require.Equal(t, "final", m.Text())
	require.True(t, m.IsEdited)
	require.Equal(t, editedAt, *m.EditedAt)

	c1, _ := s.Conversation("c1")
	require.Equal(t, "final", c1.LastMessage.Text())

	// Unknown id: nothing happens.
	s.Apply(eventOf(events.TypeMessageEdited, msg("nope", "c1", "u2", "x")))
	require.Equal(t, []string{"m1"}, transcriptIDs(s))
}

func TestStore_MessageDeleted(t *testing.T) {
	s, _, _ := newLoadedStore(t, "c1")
	original := msg("m1", "c1", "u2", "secret")
	original.Reactions = []Reaction{{Emoji: "👍", Count: 1}}
	s.Apply(eventOf(events.TypeNewMessage, original))

	s.Apply(eventOf(events.TypeMessageDeleted, map[string]any{"message_id": "m1"}))

	m, _ := s.Message("m1")
	require.True(t, m.IsDeleted)
	require.Nil(t, m.Content)
	require.Equal(t, original.SenderID, m.SenderID)
	require.Equal(t, original.Reactions, m.Reactions)
	require.Equal(t, original.CreatedAt, m.CreatedAt)
}

func TestStore_MessageDeletedUnknownIDIsNoop(t *testing.T) {
	s, _, _ := newLoadedStore(t, "c1")
	s.Apply(eventOf(events.TypeNewMessage, msg("m1", "c1", "u2", "keep")))

	changes := 0
	s.OnChange(func() { changes++ })

	require.NotPanics(t, func() {
		s.Apply(eventOf(events.TypeMessageDeleted, map[string]any{"message_id": "ghost"}))
		s.Apply(eventOf(events.TypeMessageDeleted, map[string]any{}))
	})
	require.Equal(t, []string{"m1"}, transcriptIDs(s))
	m, _ := s.Message("m1")
	require.False(t, m.IsDeleted)
	require.Zero(t, changes)
}

func TestStore_ReactionsReplacedVerbatim(t *testing.T) {
	s, _, _ := newLoadedStore(t, "c1")
	start := msg("m1", "c1", "u2", "hi")
	start.Reactions = []Reaction{{Emoji: "🎉", Count: 5, Reacted: true}}
	s.Apply(eventOf(events.TypeNewMessage, start))

	incoming := []Reaction{{Emoji: "👍", Count: 2, Reacted: false}}
	s.Apply(eventOf(events.TypeReactionUpdated, map[string]any{"message_id": "m1", "reactions": incoming, "added": true}))

	m, _ := s.Message("m1")
	require.Equal(t, incoming, m.Reactions)

	s.Apply(eventOf(events.TypeReactionUpdated, map[string]any{"message_id": "m1", "reactions": []Reaction{}}))
	m, _ = s.Message("m1")
	require.Empty(t, m.Reactions)
}

func TestStore_TypingExpiresThreeSecondsAfterLastRefresh(t *testing.T) {
	s, _, clock := newLoadedStore(t, "c1")
	typing := func(name string) {
		s.Apply(eventOf(events.TypeTyping, map[string]any{"conversation_id": "c1", "user_id": "u-" + name, "user_name": name}))
	}

	typing("Ann")
	clock.Advance(2 * time.Second)
	typing("Ann")
	typing("Bob")
	require.Equal(t, []string{"Ann", "Bob"}, s.Typing())

	// 3s after the first event, but only 1s after the refresh.
	clock.Advance(time.Second)
	require.Equal(t, []string{"Ann", "Bob"}, s.Typing())

	clock.Advance(2*time.Second - time.Millisecond)
	require.Equal(t, []string{"Ann", "Bob"}, s.Typing())

	clock.Advance(time.Millisecond)
	require.Empty(t, s.Typing())
}

func TestStore_TypingExpiryIsPerName(t *testing.T) {
	s, _, clock := newLoadedStore(t, "c1")

	s.Apply(eventOf(events.TypeTyping, map[string]any{"conversation_id": "c1", "user_name": "Ann"}))
	clock.Advance(time.Second)
	s.Apply(eventOf(events.TypeTyping, map[string]any{"conversation_id": "c1", "user_name": "Bob"}))

	clock.Advance(2 * time.Second)
	require.Equal(t, []string{"Bob"}, s.Typing())
	clock.Advance(time.Second)
	require.Empty(t, s.Typing())
}

func TestStore_TypingIgnoredOutsideActiveConversation(t *testing.T) {
	s, _, _ := newLoadedStore(t, "c1")

	s.Apply(eventOf(events.TypeTyping, map[string]any{"conversation_id": "c2", "user_name": "Ann"}))
	s.Apply(eventOf(events.TypeTyping, map[string]any{"conversation_id": "c1", "user_name": ""}))
	s.Apply(eventOf(events.TypeTyping, map[string]any{"conversation_id": "c1", "user_id": "me", "user_name": "Dana Recruiter"}))
	require.Empty(t, s.Typing())
}

func TestStore_SetActiveClearsTranscriptAndTyping(t *testing.T) {
	s, _, clock := newLoadedStore(t, "c1")
	s.Apply(eventOf(events.TypeNewMessage, msg("m1", "c1", "u2", "hi")))
	s.Apply(eventOf(events.TypeTyping, map[string]any{"conversation_id": "c1", "user_name": "Ann"}))

	s.SetActive("c2")
	require.Empty(t, s.Transcript())
	require.Empty(t, s.Typing())
	require.Equal(t, "c2", s.Active())

	// The old timer firing later must not disturb the new conversation.
	s.Apply(eventOf(events.TypeTyping, map[string]any{"conversation_id": "c2", "user_name": "Ann"}))
	clock.Advance(2 * time.Second)
	require.Equal(t, []string{"Ann"}, s.Typing())
}

func TestStore_StaleHistoryIsDiscarded(t *testing.T) {
	backend := &mockBackend{}
	backend.On("History", mock.Anything, "c1", "", DefaultHistoryLimit).Return([]Message{msg("old1", "c1", "u2", "x")}, nil)
	backend.On("History", mock.Anything, "c2", "", DefaultHistoryLimit).Return([]Message{msg("h2", "c2", "u3", "y")}, nil)

	spawner := &deferredSpawn{}
	s := NewStore(StoreOptions{Backend: backend, Clock: newFakeClock(), Spawn: spawner.spawn})

	s.SetActive("c1")
	s.SetActive("c2")
	spawner.runAll()

	require.Equal(t, []string{"h2"}, transcriptIDs(s))
}

func TestStore_HistoryMergesWithLiveMessages(t *testing.T) {
	backend := &mockBackend{}
	backend.On("History", mock.Anything, "c1", "", DefaultHistoryLimit).
		Return([]Message{msg("h1", "c1", "u2", "a"), msg("h2", "c1", "u2", "b"), msg("live", "c1", "u2", "c")}, nil)

	spawner := &deferredSpawn{}
	s := NewStore(StoreOptions{Backend: backend, Clock: newFakeClock(), Spawn: spawner.spawn})

	s.SetActive("c1")
	s.Apply(eventOf(events.TypeNewMessage, msg("live", "c1", "u2", "c")))
	spawner.runAll()

	require.Equal(t, []string{"h1", "h2", "live"}, transcriptIDs(s))
}

func TestStore_ResultsAfterCloseAreDiscarded(t *testing.T) {
	backend := &mockBackend{}
	backend.On("History", mock.Anything, "c1", "", DefaultHistoryLimit).Return([]Message{msg("h1", "c1", "u2", "a")}, nil)
	backend.On("Inbox", mock.Anything).Return(inboxFixture(), nil)

	spawner := &deferredSpawn{}
	d := events.NewDispatcher(events.DefaultCapacity, nil)
	s := NewStore(StoreOptions{Backend: backend, Clock: newFakeClock(), Spawn: spawner.spawn})
	s.Attach(d)
	require.Equal(t, 1, d.Subscribers(events.TypeNewMessage))

	s.SetActive("c1")
	d.Dispatch(*eventOf(events.TypeChatConnected, map[string]any{"unread": 1}))
	s.Close()
	spawner.runAll()

	require.Empty(t, s.Transcript())
	require.Empty(t, s.Inbox())
	require.Zero(t, d.Subscribers(events.TypeNewMessage))
	require.ErrorIs(t, s.LoadOlder(context.Background()), ErrClosed)
}

func TestStore_LoadOlderUsesOldestConfirmedCursor(t *testing.T) {
	backend := &mockBackend{}
	limit := 2
	backend.On("History", mock.Anything, "c1", "", limit).Return([]Message{msg("m3", "c1", "u2", "3"), msg("m4", "c1", "u2", "4")}, nil)
	backend.On("History", mock.Anything, "c1", "m3", limit).Return([]Message{msg("m2", "c1", "u2", "2")}, nil).Once()

	s := NewStore(StoreOptions{Backend: backend, Clock: newFakeClock(), Spawn: inline, HistoryLimit: limit})
	s.SetActive("c1")
	require.Equal(t, []string{"m3", "m4"}, transcriptIDs(s))

	require.NoError(t, s.LoadOlder(context.Background()))
	require.Equal(t, []string{"m2", "m3", "m4"}, transcriptIDs(s))

	// Short page: history exhausted, no further calls.
	require.NoError(t, s.LoadOlder(context.Background()))
	backend.AssertNumberOfCalls(t, "History", 2)
}

func TestStore_LoadOlderReturnsBackendError(t *testing.T) {
	backend := &mockBackend{}
	backend.On("History", mock.Anything, "c1", "", 1).Return([]Message{msg("m2", "c1", "u2", "2")}, nil)
	backend.On("History", mock.Anything, "c1", "m2", 1).Return(nil, errors.New("boom"))

	s := NewStore(StoreOptions{Backend: backend, Clock: newFakeClock(), Spawn: inline, HistoryLimit: 1})
	s.SetActive("c1")

	require.EqualError(t, s.LoadOlder(context.Background()), "boom")
	require.Equal(t, []string{"m2"}, transcriptIDs(s))
}

func TestStore_ZeroUnreadNeverGoesNegative(t *testing.T) {
	s, _, _ := newLoadedStore(t, "")
	s.SetUnreadTotal(1)

	s.ZeroUnread("c2")
	c2, _ := s.Conversation("c2")
	require.Zero(t, c2.UnreadCount)
	require.Zero(t, s.UnreadTotal())

	s.ZeroUnread("missing")
	require.Zero(t, s.UnreadTotal())
}

func TestStore_AccessorsReturnCopies(t *testing.T) {
	s, _, _ := newLoadedStore(t, "c1")
	s.Apply(eventOf(events.TypeNewMessage, msg("m1", "c1", "u2", "hi")))

	tr := s.Transcript()
	tr[0].Message.Reactions = append(tr[0].Message.Reactions, Reaction{Emoji: "x"})
	inbox := s.Inbox()
	inbox[0].LastMessage.ID = "tampered"

	m, _ := s.Message("m1")
	require.Empty(t, m.Reactions)
	c1, _ := s.Conversation("c1")
	require.Equal(t, "m1", c1.LastMessage.ID)
}

func TestStore_EditAfterDeleteKeepsContentNull(t *testing.T) {
	s, _, _ := newLoadedStore(t, "c1")
	s.Apply(eventOf(events.TypeNewMessage, msg("m1", "c1", "u2", "secret")))
	s.Apply(eventOf(events.TypeMessageDeleted, map[string]any{"message_id": "m1"}))

	late := msg("m1", "c1", "u2", "late edit")
	late.IsEdited = true
	s.Apply(eventOf(events.TypeMessageEdited, late))

	m, _ := s.Message("m1")
	require.True(t, m.IsDeleted)
	require.Nil(t, m.Content)

	c1, _ := s.Conversation("c1")
	require.True(t, c1.LastMessage.IsDeleted)
	require.Nil(t, c1.LastMessage.Content)
}

func TestStore_RedeliveryAfterDeleteStaysDeleted(t *testing.T) {
	s, _, _ := newLoadedStore(t, "c1")
	original := msg("m1", "c1", "u2", "secret")
	s.Apply(eventOf(events.TypeNewMessage, original))
	s.Apply(eventOf(events.TypeMessageDeleted, map[string]any{"message_id": "m1"}))

	s.Apply(eventOf(events.TypeNewMessage, original))

	require.Equal(t, []string{"m1"}, transcriptIDs(s))
	m, _ := s.Message("m1")
	require.True(t, m.IsDeleted)
	require.Nil(t, m.Content)

	c1, _ := s.Conversation("c1")
	require.True(t, c1.LastMessage.IsDeleted)
	require.Nil(t, c1.LastMessage.Content)
}

func TestStore_RedeliveryKeepsEditAndReactions(t *testing.T) {
	s, _, _ := newLoadedStore(t, "c1")
	original := msg("m1", "c1", "u2", "draft")
	s.Apply(eventOf(events.TypeNewMessage, original))

	edited := msg("m1", "c1", "u2", "final")
	edited.IsEdited = true
	s.Apply(eventOf(events.TypeMessageEdited, edited))
	reactions := []Reaction{{Emoji: "👍", Count: 1, Reacted: true}}
	s.Apply(eventOf(events.TypeReactionUpdated, map[string]any{"message_id": "m1", "reactions": reactions}))

	s.Apply(eventOf(events.TypeNewMessage, original))

	m, _ := s.Message("m1")
	require.Equal(t, "final", m.Text())
	require.True(t, m.IsEdited)
	require.Equal(t, reactions, m.Reactions)
}

func TestStore_RedeliveryInOtherConversationCountsOnce(t *testing.T) {
	s, _, _ := newLoadedStore(t, "c2")
	incoming := msg("m1", "c1", "u2", "hi")

	s.Apply(eventOf(events.TypeNewMessage, incoming))
	s.Apply(eventOf(events.TypeMessageDeleted, map[string]any{"message_id": "m1"}))
	s.Apply(eventOf(events.TypeNewMessage, incoming))

	c1, _ := s.Conversation("c1")
	require.Equal(t, 1, c1.UnreadCount)
	require.Equal(t, 4, s.UnreadTotal())
	require.True(t, c1.LastMessage.IsDeleted)
	require.Nil(t, c1.LastMessage.Content)
}
