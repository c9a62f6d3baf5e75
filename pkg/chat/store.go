package chat

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"hirechat/pkg/auth"
	"hirechat/pkg/events"
	"hirechat/pkg/logging"
)

var ErrClosed = errors.New("conversation store is closed")

const (
	DefaultTypingExpiry = 3 * time.Second
	DefaultHistoryLimit = 50
)

// Backend is the REST side of chat. Implemented by api.Client.
type Backend interface {
	Inbox(ctx context.Context) ([]Conversation, error)
	History(ctx context.Context, conversationID, beforeID string, limit int) ([]Message, error)
	MarkRead(ctx context.Context, conversationID string) error
	SendMessage(ctx context.Context, req SendRequest) (Message, error)
	EditMessage(ctx context.Context, messageID, content string) (Message, error)
	DeleteMessage(ctx context.Context, messageID string) error
	ToggleReaction(ctx context.Context, messageID, emoji string) ([]Reaction, error)
	UnreadCount(ctx context.Context) (int, error)
	SearchUsers(ctx context.Context, query string) ([]UserHit, error)
	Upload(ctx context.Context, fileName string, content io.Reader) (UploadResult, error)
}

type StoreOptions struct {
	Backend      Backend
	Tokens       auth.TokenStore
	Clock        Clock
	TypingExpiry time.Duration
	HistoryLimit int
	Logger       *slog.Logger

	// Spawn runs background fetches. Defaults to a new goroutine per call.
	Spawn func(func())
}

type typingEntry struct {
	timer Timer
	seq   uint64
}

// Store holds the inbox, the active transcript, typing indicators and unread counters.
// All mutation goes through one mutex; backend calls and observers run outside it.
type Store struct {
	backend      Backend
	tokens       auth.TokenStore
	clock        Clock
	spawn        func(func())
	typingExpiry time.Duration
	historyLimit int
	logger       *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	closed      bool
	inbox       []Conversation
	unreadTotal int
	active      string
	generation  uint64
	transcript  []Entry
	exhausted   bool
	typing      map[string]*typingEntry
	typingSeq   uint64
	pendingSeq  uint64
	observers   []func()

	dispatcher *events.Dispatcher
	subs       map[string]events.SubscriptionID
}

func NewStore(opts StoreOptions) *Store {
	if opts.Clock == nil {
		opts.Clock = SystemClock
	}
	if opts.Spawn == nil {
		opts.Spawn = func(f func()) { go f() }
	}
	if opts.TypingExpiry <= 0 {
		opts.TypingExpiry = DefaultTypingExpiry
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = DefaultHistoryLimit
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Store{
		backend:      opts.Backend,
		tokens:       opts.Tokens,
		clock:        opts.Clock,
		spawn:        opts.Spawn,
		typingExpiry: opts.TypingExpiry,
		historyLimit: opts.HistoryLimit,
		logger:       logger.With("component", "store"),
		ctx:          ctx,
		cancel:       cancel,
		typing:       make(map[string]*typingEntry),
		subs:         make(map[string]events.SubscriptionID),
	}
}

// Attach subscribes the reducer to the chat event types of d.
func (s *Store) Attach(d *events.Dispatcher) {
	types := []string{
		events.TypeConnected, events.TypeChatConnected,
		events.TypeNewMessage, events.TypeMessageEdited, events.TypeMessageDeleted,
		events.TypeReactionUpdated, events.TypeTyping,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.dispatcher != nil {
		return
	}
	s.dispatcher = d
	for _, t := range types {
		s.subs[t] = d.Subscribe(t, s.Apply)
	}
}

func (s *Store) detach() {
	s.mu.Lock()
	d, subs := s.dispatcher, s.subs
	s.dispatcher = nil
	s.subs = make(map[string]events.SubscriptionID)
	s.mu.Unlock()

	if d == nil {
		return
	}
	for t, id := range subs {
		d.Unsubscribe(t, id)
	}
}

// Close unsubscribes, cancels in-flight fetches and stops typing timers.
// Results arriving afterwards are discarded.
func (s *Store) Close() {
	s.detach()
	s.cancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for name, e := range s.typing {
		e.timer.Stop()
		delete(s.typing, name)
	}
}

// OnChange registers fn to run after every state change.
func (s *Store) OnChange(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, fn)
}

func (s *Store) notify() {
	s.mu.Lock()
	observers := append([]func(){}, s.observers...)
	s.mu.Unlock()
	for _, fn := range observers {
		fn()
	}
}

// Apply reduces one event into the state. Unknown types are ignored.
func (s *Store) Apply(evt *events.RealtimeEvent) {
	var changed bool
	switch evt.EventType {
	case events.TypeConnected, events.TypeChatConnected:
		changed = s.onConnected(evt)
	case events.TypeNewMessage:
		changed = s.onNewMessage(evt)
	case events.TypeMessageEdited:
		changed = s.onEdited(evt)
	case events.TypeMessageDeleted:
		changed = s.onDeleted(evt)
	case events.TypeReactionUpdated:
		changed = s.onReactions(evt)
	case events.TypeTyping:
		changed = s.onTyping(evt)
	}
	if changed {
		s.notify()
	}
}

func (s *Store) selfID() string {
	if s.tokens == nil {
		return ""
	}
	return auth.Inspect(s.tokens.Token()).UserID
}

func (s *Store) onConnected(evt *events.RealtimeEvent) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	if n, ok := evt.Int("unread"); ok {
		s.unreadTotal = max(n, 0)
	}
	s.mu.Unlock()

	s.spawn(s.refreshInbox)
	return true
}

// refreshInbox replaces the inbox with the server's list.
func (s *Store) refreshInbox() {
	if s.backend == nil {
		return
	}
	inbox, err := s.backend.Inbox(s.ctx)
	if err != nil {
		if s.ctx.Err() == nil {
			s.logger.Warn("inbox refresh failed", "error", err)
		}
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.inbox = make([]Conversation, len(inbox))
	for i, c := range inbox {
		s.inbox[i] = cloneConversation(c)
	}
	s.mu.Unlock()
	s.notify()
}

func (s *Store) onNewMessage(evt *events.RealtimeEvent) bool {
	var msg Message
	if err := evt.Bind(&msg); err != nil || msg.ID == "" || msg.ConversationID == "" {
		s.logger.Debug("ignoring new_message without ids", "error", err)
		return false
	}
	self := s.selfID()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}

	repeat := false
	if msg.ConversationID == s.active {
		if i := s.indexOf(msg.ID); i >= 0 {
			if s.transcript[i].State == Confirmed {
				msg = redelivered(s.transcript[i].Message, msg)
			}
			s.transcript[i] = Entry{State: Confirmed, Message: msg}
			repeat = true
		} else if i := s.oldestPending(); i >= 0 && self != "" && msg.SenderID == self {
			s.transcript[i] = Entry{State: Confirmed, Message: msg}
		} else {
			s.transcript = append(s.transcript, Entry{State: Confirmed, Message: msg})
		}
	}

	if i := s.conversationIndex(msg.ConversationID); i >= 0 {
		if lm := s.inbox[i].LastMessage; lm != nil && lm.ID == msg.ID {
			repeat = true
		}
	}

	countUnread := !repeat && msg.ConversationID != s.active && (self == "" || msg.SenderID != self)
	known := s.touchConversation(msg, countUnread)
	if countUnread {
		s.unreadTotal++
	}
	s.mu.Unlock()

	if !known {
		s.spawn(s.refreshInbox)
	}
	return true
}

// touchConversation sets the last message, bumps unread if asked and moves the conversation
// to the top of the inbox. It reports whether the conversation was in the inbox.
func (s *Store) touchConversation(msg Message, countUnread bool) bool {
	i := s.conversationIndex(msg.ConversationID)
	if i < 0 {
		return false
	}
	c := s.inbox[i]
	last := msg.clone()
	if c.LastMessage != nil && c.LastMessage.ID == msg.ID {
		last = redelivered(*c.LastMessage, msg)
	}
	c.LastMessage = &last
	if !msg.CreatedAt.IsZero() {
		c.UpdatedAt = msg.CreatedAt
	}
	if countUnread {
		c.UnreadCount++
	}
	copy(s.inbox[1:i+1], s.inbox[:i])
	s.inbox[0] = c
	return true
}

// redelivered merges a repeated delivery of a message with the copy already held.
// A deletion, a later edit and the current reaction list outlive the repeat.
func redelivered(held, next Message) Message {
	out := next.clone()
	if held.IsEdited && !next.IsEdited {
		out.Content = held.Content
		out.IsEdited = true
		out.EditedAt = held.EditedAt
	}
	if held.Reactions != nil {
		out.Reactions = append([]Reaction(nil), held.Reactions...)
	}
	if held.IsDeleted {
		out.IsDeleted = true
		out.Content = nil
	}
	return out
}

type editedPayload struct {
	ID       string     `json:"id"`
	Content  *string    `json:"content"`
	IsEdited *bool      `json:"is_edited"`
	EditedAt *time.Time `json:"edited_at"`
}

func (s *Store) onEdited(evt *events.RealtimeEvent) bool {
	var p editedPayload
	if err := evt.Bind(&p); err != nil || p.ID == "" {
		return false
	}
	edit := func(m *Message) {
		// a deleted message keeps null content whatever arrives after it
		if m.IsDeleted {
			return
		}
		m.Content = p.Content
		m.IsEdited = p.IsEdited == nil || *p.IsEdited
		m.EditedAt = p.EditedAt
	}
	return s.patchMessage(p.ID, edit)
}

func (s *Store) onDeleted(evt *events.RealtimeEvent) bool {
	id := evt.String("message_id")
	if id == "" {
		return false
	}
	return s.patchMessage(id, func(m *Message) {
		m.IsDeleted = true
		m.Content = nil
	})
}

type reactionsPayload struct {
	MessageID string     `json:"message_id"`
	Reactions []Reaction `json:"reactions"`
}

func (s *Store) onReactions(evt *events.RealtimeEvent) bool {
	var p reactionsPayload
	if err := evt.Bind(&p); err != nil || p.MessageID == "" {
		return false
	}
	reactions := append([]Reaction{}, p.Reactions...)
	return s.patchMessage(p.MessageID, func(m *Message) {
		m.Reactions = append([]Reaction(nil), reactions...)
	})
}

// patchMessage applies fn to the transcript entry and any inbox last_message with the given id.
// Unknown ids are a no-op.
func (s *Store) patchMessage(id string, fn func(m *Message)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}

	changed := false
	if i := s.indexOf(id); i >= 0 {
		fn(&s.transcript[i].Message)
		changed = true
	}
	for i := range s.inbox {
		if lm := s.inbox[i].LastMessage; lm != nil && lm.ID == id {
			patched := lm.clone()
			fn(&patched)
			s.inbox[i].LastMessage = &patched
			changed = true
		}
	}
	return changed
}

func (s *Store) onTyping(evt *events.RealtimeEvent) bool {
	conversationID := evt.String("conversation_id")
	name := evt.String("user_name")
	if uid := evt.String("user_id"); uid != "" && uid == s.selfID() {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || conversationID == "" || conversationID != s.active || name == "" {
		return false
	}

	if prev, ok := s.typing[name]; ok {
		prev.timer.Stop()
	}
	s.typingSeq++
	seq := s.typingSeq
	s.typing[name] = &typingEntry{
		seq:   seq,
		timer: s.clock.AfterFunc(s.typingExpiry, func() { s.expireTyping(name, seq) }),
	}
	return true
}

func (s *Store) expireTyping(name string, seq uint64) {
	s.mu.Lock()
	e, ok := s.typing[name]
	if !ok || e.seq != seq {
		s.mu.Unlock()
		return
	}
	delete(s.typing, name)
	s.mu.Unlock()
	s.notify()
}

// SetActive switches the open conversation. Transcript and typing are cleared at once and
// history is fetched in the background; results for a superseded switch are dropped.
func (s *Store) SetActive(conversationID string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	for name, e := range s.typing {
		e.timer.Stop()
		delete(s.typing, name)
	}
	s.transcript = nil
	s.exhausted = false
	s.active = conversationID
	s.generation++
	gen := s.generation
	s.mu.Unlock()

	s.notify()
	if conversationID == "" || s.backend == nil {
		return
	}
	s.spawn(func() { s.loadHistory(gen, conversationID) })
}

func (s *Store) loadHistory(gen uint64, conversationID string) {
	msgs, err := s.backend.History(s.ctx, conversationID, "", s.historyLimit)
	if err != nil {
		if s.ctx.Err() == nil {
			s.logger.Warn("history fetch failed", "conversation_id", conversationID, "error", err)
		}
		return
	}

	s.mu.Lock()
	if s.closed || gen != s.generation {
		s.mu.Unlock()
		return
	}
	s.transcript = s.mergeOlder(msgs)
	s.exhausted = len(msgs) < s.historyLimit
	s.mu.Unlock()
	s.notify()
}

// LoadOlder fetches the page before the oldest confirmed message of the active conversation.
func (s *Store) LoadOlder(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	gen, conversationID := s.generation, s.active
	cursor := ""
	for _, e := range s.transcript {
		if e.State == Confirmed {
			cursor = e.Message.ID
			break
		}
	}
	done := s.exhausted || conversationID == "" || cursor == ""
	s.mu.Unlock()
	if done || s.backend == nil {
		return nil
	}

	msgs, err := s.backend.History(ctx, conversationID, cursor, s.historyLimit)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if gen != s.generation {
		s.mu.Unlock()
		return nil
	}
	s.transcript = s.mergeOlder(msgs)
	s.exhausted = len(msgs) < s.historyLimit
	s.mu.Unlock()
	s.notify()
	return nil
}

// mergeOlder puts msgs (oldest first) in front of the current transcript, skipping ids already present.
func (s *Store) mergeOlder(msgs []Message) []Entry {
	out := make([]Entry, 0, len(msgs)+len(s.transcript))
	seen := make(map[string]bool, len(s.transcript))
	for _, e := range s.transcript {
		seen[e.Message.ID] = true
	}
	for _, m := range msgs {
		if seen[m.ID] {
			continue
		}
		seen[m.ID] = true
		out = append(out, Entry{State: Confirmed, Message: m})
	}
	return append(out, s.transcript...)
}

// AddPending appends a local echo if its conversation is active. It reports whether it was added.
func (s *Store) AddPending(msg Message) bool {
	s.mu.Lock()
	if s.closed || msg.ConversationID == "" || msg.ConversationID != s.active {
		s.mu.Unlock()
		return false
	}
	s.pendingSeq++
	s.transcript = append(s.transcript, Entry{State: Pending, Message: msg, seq: s.pendingSeq})
	s.mu.Unlock()
	s.notify()
	return true
}

// ConfirmPending swaps the pending entry tempID for the server's message in place.
// If the server message is already in the transcript the pending entry is dropped instead.
func (s *Store) ConfirmPending(tempID string, msg Message) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	ti := s.pendingIndex(tempID)
	ri := s.indexOf(msg.ID)
	switch {
	case ti >= 0 && ri >= 0:
		s.transcript = append(s.transcript[:ti], s.transcript[ti+1:]...)
	case ti >= 0:
		s.transcript[ti] = Entry{State: Confirmed, Message: msg}
	case ri < 0 && msg.ConversationID == s.active && msg.ID != "":
		s.transcript = append(s.transcript, Entry{State: Confirmed, Message: msg})
	}
	s.touchConversation(msg, false)
	s.mu.Unlock()
	s.notify()
}

// RemovePending rolls back a local echo.
func (s *Store) RemovePending(tempID string) {
	s.mu.Lock()
	i := s.pendingIndex(tempID)
	if i < 0 {
		s.mu.Unlock()
		return
	}
	s.transcript = append(s.transcript[:i], s.transcript[i+1:]...)
	s.mu.Unlock()
	s.notify()
}

// ZeroUnread clears a conversation's unread count and takes it off the global total.
func (s *Store) ZeroUnread(conversationID string) {
	s.mu.Lock()
	i := s.conversationIndex(conversationID)
	if i < 0 || s.inbox[i].UnreadCount == 0 {
		s.mu.Unlock()
		return
	}
	s.unreadTotal = max(s.unreadTotal-s.inbox[i].UnreadCount, 0)
	s.inbox[i].UnreadCount = 0
	s.mu.Unlock()
	s.notify()
}

// SetUnreadTotal overrides the global counter with an authoritative value.
func (s *Store) SetUnreadTotal(n int) {
	s.mu.Lock()
	s.unreadTotal = max(n, 0)
	s.mu.Unlock()
	s.notify()
}

func (s *Store) indexOf(id string) int {
	for i, e := range s.transcript {
		if e.Message.ID == id {
			return i
		}
	}
	return -1
}

func (s *Store) pendingIndex(tempID string) int {
	for i, e := range s.transcript {
		if e.State == Pending && e.Message.ID == tempID {
			return i
		}
	}
	return -1
}

// oldestPending returns the pending entry created first.
func (s *Store) oldestPending() int {
	best := -1
	for i, e := range s.transcript {
		if e.State != Pending {
			continue
		}
		if best < 0 || e.seq < s.transcript[best].seq {
			best = i
		}
	}
	return best
}

func (s *Store) conversationIndex(id string) int {
	for i, c := range s.inbox {
		if c.ID == id {
			return i
		}
	}
	return -1
}

func (s *Store) Active() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *Store) UnreadTotal() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unreadTotal
}

func (s *Store) Inbox() []Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Conversation, len(s.inbox))
	for i, c := range s.inbox {
		out[i] = cloneConversation(c)
	}
	return out
}

// Conversation returns one inbox row.
func (s *Store) Conversation(id string) (Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.conversationIndex(id); i >= 0 {
		return cloneConversation(s.inbox[i]), true
	}
	return Conversation{}, false
}

func (s *Store) Transcript() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, len(s.transcript))
	for i, e := range s.transcript {
		out[i] = Entry{State: e.State, Message: e.Message.clone(), seq: e.seq}
	}
	return out
}

// Message looks up a transcript message by id.
func (s *Store) Message(id string) (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.indexOf(id); i >= 0 {
		return s.transcript[i].Message.clone(), true
	}
	return Message{}, false
}

// Typing returns the names currently typing in the active conversation, sorted.
func (s *Store) Typing() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.typing))
	for name := range s.typing {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func cloneConversation(c Conversation) Conversation {
	out := c
	if c.LastMessage != nil {
		lm := c.LastMessage.clone()
		out.LastMessage = &lm
	}
	return out
}

// payloadOf renders v as an event payload map.
func payloadOf(v any) map[string]any {
	data, err := json.Marshal(v)
	if err != nil {
		return map[string]any{}
	}
	out := map[string]any{}
	_ = json.Unmarshal(data, &out)
	return out
}
