// Package status serves a local HTTP view of the realtime session plus a few chat commands.
package status

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"hirechat/pkg/api"
	"hirechat/pkg/chat"
	"hirechat/pkg/events"
	"hirechat/pkg/feed"
	"hirechat/pkg/realtime"
	"hirechat/pkg/response"
)

// StreamView is one persistent connection as seen by the status surface.
// *realtime.Manager satisfies it.
type StreamView interface {
	Status() realtime.Status
	LastCloseCode() int
}

// Commands is the subset of *chat.Actions exposed for local control.
type Commands interface {
	OpenConversation(ctx context.Context, conversationID string) error
	SendMessage(ctx context.Context, conversationID, content, replyToID string) (chat.Message, error)
	MarkRead(ctx context.Context, conversationID string) error
}

type StatusHandler struct {
	streams    map[string]StreamView
	dispatcher *events.Dispatcher
	store      *chat.Store
	commands   Commands
}

// NewStatusHandler builds the handler. commands may be nil, which leaves the POST routes unregistered.
func NewStatusHandler(streams map[string]StreamView, dispatcher *events.Dispatcher, store *chat.Store, commands Commands) *StatusHandler {
	return &StatusHandler{streams: streams, dispatcher: dispatcher, store: store, commands: commands}
}

func (h *StatusHandler) RegisterRoutes(router *gin.Engine) {
	router.GET("/healthz", h.healthz)
	router.GET("/status", h.getStatus)
	router.GET("/feed", h.getFeed)
	router.GET("/inbox", h.getInbox)
	router.GET("/transcript", h.getTranscript)

	if h.commands == nil {
		return
	}
	conversations := router.Group("/conversations/:id")
	{
		conversations.POST("/open", h.openConversation)
		conversations.POST("/read", h.markRead)
		conversations.POST("/messages", h.sendMessage)
	}
}

type streamState struct {
	Status        realtime.Status `json:"status"`
	LastCloseCode int             `json:"last_close_code,omitempty"`
}

type statusView struct {
	Streams        map[string]streamState `json:"streams"`
	UnreadTotal    int                    `json:"unread_total"`
	Active         string                 `json:"active_conversation,omitempty"`
	DroppedFrames  uint64                 `json:"dropped_frames"`
	LastEventType  string                 `json:"last_event_type,omitempty"`
	LastEventStamp string                 `json:"last_event_timestamp,omitempty"`
}

func (h *StatusHandler) healthz(c *gin.Context) {
	response.OK(c, http.StatusOK, "ok", nil)
}

func (h *StatusHandler) getStatus(c *gin.Context) {
	view := statusView{Streams: make(map[string]streamState, len(h.streams))}
	for name, s := range h.streams {
		view.Streams[name] = streamState{Status: s.Status(), LastCloseCode: s.LastCloseCode()}
	}
	if h.store != nil {
		view.UnreadTotal = h.store.UnreadTotal()
		view.Active = h.store.Active()
	}
	if h.dispatcher != nil {
		view.DroppedFrames = h.dispatcher.Dropped()
		if last, ok := h.dispatcher.Last(); ok {
			view.LastEventType = last.EventType
			view.LastEventStamp = last.Timestamp
		}
	}
	response.OK(c, http.StatusOK, "status fetched", view)
}

func (h *StatusHandler) getFeed(c *gin.Context) {
	if h.dispatcher == nil {
		response.OK(c, http.StatusOK, "feed fetched", []feed.Entry{})
		return
	}

	entries := feed.ProjectAll(h.dispatcher.Recent())
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			response.Fail(c, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		if limit < len(entries) {
			entries = entries[:limit]
		}
	}
	response.OK(c, http.StatusOK, "feed fetched", entries)
}

func (h *StatusHandler) getInbox(c *gin.Context) {
	if h.store == nil {
		response.Fail(c, http.StatusServiceUnavailable, "chat is not running")
		return
	}
	response.OK(c, http.StatusOK, "inbox fetched", h.store.Inbox())
}

type transcriptRow struct {
	State   string       `json:"state"`
	Message chat.Message `json:"message"`
}

type transcriptView struct {
	ConversationID string          `json:"conversation_id"`
	Typing         []string        `json:"typing"`
	Entries        []transcriptRow `json:"entries"`
}

func (h *StatusHandler) getTranscript(c *gin.Context) {
	if h.store == nil {
		response.Fail(c, http.StatusServiceUnavailable, "chat is not running")
		return
	}
	active := h.store.Active()
	if active == "" {
		response.Fail(c, http.StatusNotFound, "no active conversation")
		return
	}

	entries := h.store.Transcript()
	rows := make([]transcriptRow, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, transcriptRow{State: e.State.String(), Message: e.Message})
	}
	response.OK(c, http.StatusOK, "transcript fetched", transcriptView{
		ConversationID: active,
		Typing:         h.store.Typing(),
		Entries:        rows,
	})
}

func (h *StatusHandler) openConversation(c *gin.Context) {
	id := c.Param("id")
	if err := h.commands.OpenConversation(c.Request.Context(), id); err != nil {
		// the conversation is active even when the read acknowledgement fails
		response.OK(c, http.StatusAccepted, "conversation opened, read not acknowledged", gin.H{"conversation_id": id})
		return
	}
	response.OK(c, http.StatusOK, "conversation opened", gin.H{"conversation_id": id})
}

func (h *StatusHandler) markRead(c *gin.Context) {
	if err := h.commands.MarkRead(c.Request.Context(), c.Param("id")); err != nil {
		h.fail(c, err)
		return
	}
	response.OK(c, http.StatusOK, "marked as read", nil)
}

type sendMessageRequest struct {
	Content   string `json:"content" binding:"required"`
	ReplyToID string `json:"reply_to_id"`
}

func (h *StatusHandler) sendMessage(c *gin.Context) {
	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Fail(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	msg, err := h.commands.SendMessage(c.Request.Context(), c.Param("id"), req.Content, req.ReplyToID)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.OK(c, http.StatusCreated, "message sent", msg)
}

func (h *StatusHandler) fail(c *gin.Context, err error) {
	var statusErr *api.StatusError
	switch {
	case errors.Is(err, chat.ErrEmptyMessage):
		response.Fail(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, api.ErrNoCredential):
		response.Fail(c, http.StatusUnauthorized, err.Error())
	case errors.As(err, &statusErr):
		response.Fail(c, http.StatusBadGateway, err.Error())
	default:
		response.Fail(c, http.StatusInternalServerError, err.Error())
	}
}
