package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"hirechat/pkg/auth"
	"hirechat/pkg/events"
	"hirechat/pkg/logging"
)

const DefaultTypingWindow = 2 * time.Second

var ErrEmptyMessage = errors.New("message content is empty")

// Transport is the outbound half of the chat stream. Implemented by realtime.Manager.
type Transport interface {
	Send(frame any) error
}

type ActionsOptions struct {
	Store        *Store
	Backend      Backend
	Transport    Transport
	Tokens       auth.TokenStore
	Clock        Clock
	TypingWindow time.Duration
	Logger       *slog.Logger
}

// Actions turns user intents into optimistic store updates, REST calls and transport frames.
type Actions struct {
	store        *Store
	backend      Backend
	transport    Transport
	tokens       auth.TokenStore
	clock        Clock
	typingWindow time.Duration
	logger       *slog.Logger

	mu         sync.Mutex
	lastTyping time.Time
}

func NewActions(opts ActionsOptions) *Actions {
	if opts.Clock == nil {
		opts.Clock = SystemClock
	}
	if opts.TypingWindow <= 0 {
		opts.TypingWindow = DefaultTypingWindow
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Actions{
		store:        opts.Store,
		backend:      opts.Backend,
		transport:    opts.Transport,
		tokens:       opts.Tokens,
		clock:        opts.Clock,
		typingWindow: opts.TypingWindow,
		logger:       logger.With("component", "actions"),
	}
}

func (a *Actions) identity() auth.Identity {
	if a.tokens == nil {
		return auth.Inspect("")
	}
	return auth.Inspect(a.tokens.Token())
}

func newTempID() string {
	return "temp-" + uuid.NewString()
}

// SendMessage echoes the message into the active transcript, submits it and reconciles.
// On failure the echo is removed and the error returned; the caller keeps the draft.
func (a *Actions) SendMessage(ctx context.Context, conversationID, content, replyToID string) (Message, error) {
	if strings.TrimSpace(content) == "" {
		return Message{}, ErrEmptyMessage
	}
	req := SendRequest{
		ConversationID: conversationID,
		Content:        &content,
		MessageType:    MessageText,
	}
	if replyToID != "" {
		req.ReplyToID = &replyToID
	}
	return a.submit(ctx, req)
}

// SendFile uploads an attachment and posts it as a file or image message.
func (a *Actions) SendFile(ctx context.Context, conversationID, fileName string, content io.Reader) (Message, error) {
	up, err := a.backend.Upload(ctx, fileName, content)
	if err != nil {
		return Message{}, fmt.Errorf("upload %s: %w", fileName, err)
	}
	msgType := up.MessageType
	if msgType == "" {
		msgType = MessageFile
	}
	req := SendRequest{
		ConversationID: conversationID,
		MessageType:    msgType,
		FileURL:        &up.FileURL,
		FileName:       &up.FileName,
		FileSize:       &up.FileSize,
	}
	return a.submit(ctx, req)
}

func (a *Actions) submit(ctx context.Context, req SendRequest) (Message, error) {
	who := a.identity()
	tempID := newTempID()

	pending := Message{
		ID:             tempID,
		ConversationID: req.ConversationID,
		SenderID:       who.UserID,
		SenderName:     who.Name,
		SenderRole:     who.Role,
		Content:        req.Content,
		MessageType:    req.MessageType,
		FileURL:        req.FileURL,
		FileName:       req.FileName,
		FileSize:       req.FileSize,
		Reactions:      []Reaction{},
		CreatedAt:      a.clock.Now().UTC(),
	}
	if req.ReplyToID != nil {
		if quoted, ok := a.store.Message(*req.ReplyToID); ok {
			pending.ReplyTo = &ReplyPreview{
				ID:          quoted.ID,
				SenderName:  quoted.SenderName,
				Content:     quoted.Content,
				MessageType: quoted.MessageType,
			}
		}
	}
	a.store.AddPending(pending)

	msg, err := a.backend.SendMessage(ctx, req)
	if err != nil {
		a.store.RemovePending(tempID)
		a.logger.Info("send failed, rolled back", "conversation_id", req.ConversationID, "error", err)
		return Message{}, fmt.Errorf("send message: %w", err)
	}
	a.store.ConfirmPending(tempID, msg)
	return msg, nil
}

// SendTyping emits a typing frame at most once per window across all conversations.
// It reports whether a frame was attempted; calls inside the window are dropped.
func (a *Actions) SendTyping(conversationID string) bool {
	now := a.clock.Now()

	a.mu.Lock()
	if !a.lastTyping.IsZero() && now.Sub(a.lastTyping) < a.typingWindow {
		a.mu.Unlock()
		return false
	}
	a.lastTyping = now
	a.mu.Unlock()

	if a.transport == nil {
		return true
	}
	if err := a.transport.Send(typingFrame{Type: "typing", ConversationID: conversationID}); err != nil {
		a.logger.Debug("typing frame not sent", "error", err)
	}
	return true
}

// MarkRead zeroes the local unread count at once, then acknowledges over REST and,
// when the transport is open, with a read frame. The frame does not depend on the REST
// result; the local change is kept on failure and the REST error is returned.
func (a *Actions) MarkRead(ctx context.Context, conversationID string) error {
	a.store.ZeroUnread(conversationID)

	restErr := a.backend.MarkRead(ctx, conversationID)

	if a.transport != nil {
		if err := a.transport.Send(readFrame{Type: "read", ConversationID: conversationID}); err != nil {
			a.logger.Debug("read frame not sent", "error", err)
		}
	}

	if restErr != nil {
		return fmt.Errorf("mark read: %w", restErr)
	}
	return nil
}

// OpenConversation makes conversationID active and acknowledges it as read.
func (a *Actions) OpenConversation(ctx context.Context, conversationID string) error {
	a.store.SetActive(conversationID)
	if conversationID == "" {
		return nil
	}
	return a.MarkRead(ctx, conversationID)
}

func (a *Actions) EditMessage(ctx context.Context, messageID, content string) (Message, error) {
	if strings.TrimSpace(content) == "" {
		return Message{}, ErrEmptyMessage
	}
	msg, err := a.backend.EditMessage(ctx, messageID, content)
	if err != nil {
		return Message{}, fmt.Errorf("edit message: %w", err)
	}
	evt := events.New(events.TypeMessageEdited, payloadOf(msg), "")
	a.store.Apply(&evt)
	return msg, nil
}

func (a *Actions) DeleteMessage(ctx context.Context, messageID string) error {
	if err := a.backend.DeleteMessage(ctx, messageID); err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	evt := events.New(events.TypeMessageDeleted, map[string]any{"message_id": messageID}, "")
	a.store.Apply(&evt)
	return nil
}

func (a *Actions) ToggleReaction(ctx context.Context, messageID, emoji string) ([]Reaction, error) {
	reactions, err := a.backend.ToggleReaction(ctx, messageID, emoji)
	if err != nil {
		return nil, fmt.Errorf("toggle reaction: %w", err)
	}
	evt := events.New(events.TypeReactionUpdated, payloadOf(reactionsPayload{MessageID: messageID, Reactions: reactions}), "")
	a.store.Apply(&evt)
	return reactions, nil
}

// SearchUsers finds people the caller may start a direct chat with.
func (a *Actions) SearchUsers(ctx context.Context, query string) ([]UserHit, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	hits, err := a.backend.SearchUsers(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("search users: %w", err)
	}
	return hits, nil
}

// RefreshUnread replaces the global unread counter with the server's value.
func (a *Actions) RefreshUnread(ctx context.Context) (int, error) {
	n, err := a.backend.UnreadCount(ctx)
	if err != nil {
		return 0, fmt.Errorf("unread count: %w", err)
	}
	a.store.SetUnreadTotal(n)
	return n, nil
}
