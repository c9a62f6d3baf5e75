package chat

import (
	"context"
	"io"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"hirechat/pkg/auth"
	"hirechat/pkg/events"
)

type mockBackend struct {
	mock.Mock
}

func (m *mockBackend) Inbox(ctx context.Context) ([]Conversation, error) {
	args := m.Called(ctx)
	out, _ := args.Get(0).([]Conversation)
	return out, args.Error(1)
}

func (m *mockBackend) History(ctx context.Context, conversationID, beforeID string, limit int) ([]Message, error) {
	args := m.Called(ctx, conversationID, beforeID, limit)
	out, _ := args.Get(0).([]Message)
	return out, args.Error(1)
}

func (m *mockBackend) MarkRead(ctx context.Context, conversationID string) error {
	args := m.Called(ctx, conversationID)
	return args.Error(0)
}

func (m *mockBackend) SendMessage(ctx context.Context, req SendRequest) (Message, error) {
	args := m.Called(ctx, req)
	out, _ := args.Get(0).(Message)
	return out, args.Error(1)
}

func (m *mockBackend) EditMessage(ctx context.Context, messageID, content string) (Message, error) {
	args := m.Called(ctx, messageID, content)
	out, _ := args.Get(0).(Message)
	return out, args.Error(1)
}

func (m *mockBackend) DeleteMessage(ctx context.Context, messageID string) error {
	args := m.Called(ctx, messageID)
	return args.Error(0)
}

func (m *mockBackend) ToggleReaction(ctx context.Context, messageID, emoji string) ([]Reaction, error) {
	args := m.Called(ctx, messageID, emoji)
	out, _ := args.Get(0).([]Reaction)
	return out, args.Error(1)
}

func (m *mockBackend) UnreadCount(ctx context.Context) (int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Error(1)
}

func (m *mockBackend) SearchUsers(ctx context.Context, query string) ([]UserHit, error) {
	args := m.Called(ctx, query)
	out, _ := args.Get(0).([]UserHit)
	return out, args.Error(1)
}

func (m *mockBackend) Upload(ctx context.Context, fileName string, content io.Reader) (UploadResult, error) {
	args := m.Called(ctx, fileName, content)
	out, _ := args.Get(0).(UploadResult)
	return out, args.Error(1)
}

// fakeClock fires timers only from Advance.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.at.After(c.now) {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()

	sort.SliceStable(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
	for _, t := range due {
		t.f()
	}
}

// deferredSpawn queues background work so tests decide when it runs.
type deferredSpawn struct {
	mu    sync.Mutex
	queue []func()
}

func (d *deferredSpawn) spawn(f func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.queue = append(d.queue, f)
}

func (d *deferredSpawn) runAll() {
	d.mu.Lock()
	q := d.queue
	d.queue = nil
	d.mu.Unlock()
	for _, f := range q {
		f()
	}
}

func inline(f func()) { f() }

func signedToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return tok
}

func selfTokens(t *testing.T) auth.TokenStore {
	return auth.NewStaticTokenStore(signedToken(t, jwt.MapClaims{
		"sub":  "me",
		"role": "hr",
		"name": "Dana Recruiter",
		"type": "access",
	}))
}

func strPtr(s string) *string { return &s }

func msg(id, conversationID, senderID, content string) Message {
	return Message{
		ID:             id,
		ConversationID: conversationID,
		SenderID:       senderID,
		SenderName:     "Sender " + senderID,
		Content:        strPtr(content),
		MessageType:    MessageText,
		Reactions:      []Reaction{},
		CreatedAt:      time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
}

func eventOf(eventType string, v any) *events.RealtimeEvent {
	evt := events.New(eventType, payloadOf(v), "2026-03-01T09:00:00Z")
	return &evt
}

func transcriptIDs(s *Store) []string {
	var ids []string
	for _, e := range s.Transcript() {
		ids = append(ids, e.Message.ID)
	}
	return ids
}
