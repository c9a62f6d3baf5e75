package chat

import (
	"time"
)

// Conversation types.
const (
	ConversationDirect    = "direct"
	ConversationGroup     = "group"
	ConversationBroadcast = "broadcast"
)

// Message types.
const (
	MessageText   = "text"
	MessageFile   = "file"
	MessageImage  = "image"
	MessageSystem = "system"
)

// Conversation is one inbox row as returned by the server.
type Conversation struct {
	ID               string         `json:"id"`
	Type             string         `json:"type"`
	Title            *string        `json:"title"`
	IsArchived       bool           `json:"is_archived"`
	ParticipantCount int            `json:"participant_count"`
	UnreadCount      int            `json:"unread_count"`
	LastMessage      *Message       `json:"last_message"`
	OtherParticipant map[string]any `json:"other_participant"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// Reaction is one emoji aggregate on a message.
type Reaction struct {
	Emoji   string `json:"emoji"`
	Count   int    `json:"count"`
	Reacted bool   `json:"reacted"`
}

// ReplyPreview is the quoted message shown above a reply.
type ReplyPreview struct {
	ID          string  `json:"id"`
	SenderName  string  `json:"sender_name"`
	Content     *string `json:"content"`
	MessageType string  `json:"message_type"`
}

// Message mirrors the server message shape. ID is a server id for confirmed messages
// and a temp id for pending ones.
type Message struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversation_id"`
	SenderID       string        `json:"sender_id"`
	SenderName     string        `json:"sender_name"`
	SenderRole     string        `json:"sender_role"`
	Content        *string       `json:"content"`
	MessageType    string        `json:"message_type"`
	FileURL        *string       `json:"file_url"`
	FileName       *string       `json:"file_name"`
	FileSize       *int64        `json:"file_size"`
	ReplyTo        *ReplyPreview `json:"reply_to"`
	IsEdited       bool          `json:"is_edited"`
	EditedAt       *time.Time    `json:"edited_at"`
	IsDeleted      bool          `json:"is_deleted"`
	Reactions      []Reaction    `json:"reactions"`
	ReadByCount    int           `json:"read_by_count"`
	IsRead         bool          `json:"is_read"`
	CreatedAt      time.Time     `json:"created_at"`
}

// Text returns the content or "" when absent.
func (m Message) Text() string {
	if m.Content == nil {
		return ""
	}
	return *m.Content
}

func (m Message) clone() Message {
	out := m
	if m.Reactions != nil {
		out.Reactions = append([]Reaction(nil), m.Reactions...)
	}
	if m.ReplyTo != nil {
		r := *m.ReplyTo
		out.ReplyTo = &r
	}
	return out
}

// EntryState tells a confirmed transcript entry from a local echo awaiting the server.
type EntryState int

const (
	Confirmed EntryState = iota
	Pending
)

func (s EntryState) String() string {
	if s == Pending {
		return "pending"
	}
	return "confirmed"
}

// Entry is one transcript row. Pending entries carry a temp id and their creation order.
type Entry struct {
	State   EntryState `json:"-"`
	Message Message    `json:"message"`

	seq uint64
}

func (e Entry) IsPending() bool { return e.State == Pending }

// SendRequest is the body of a message submission.
type SendRequest struct {
	ConversationID string  `json:"conversation_id"`
	Content        *string `json:"content,omitempty"`
	MessageType    string  `json:"message_type"`
	FileURL        *string `json:"file_url,omitempty"`
	FileName       *string `json:"file_name,omitempty"`
	FileSize       *int64  `json:"file_size,omitempty"`
	ReplyToID      *string `json:"reply_to_id,omitempty"`
}

// UploadResult describes a stored attachment.
type UploadResult struct {
	FileURL     string `json:"file_url"`
	FileName    string `json:"file_name"`
	FileSize    int64  `json:"file_size"`
	MessageType string `json:"message_type"`
}

// UserHit is one result of the chat user search.
type UserHit struct {
	ID       string `json:"id"`
	FullName string `json:"full_name"`
	Role     string `json:"role"`
}

// Outbound transport frames.
type typingFrame struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
}

type readFrame struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
}
