package model

import (
	"sync/atomic"
	"time"
)

// Message types
const (
	MessageTypeText     = "text"
	MessageTypeImage    = "image"
	MessageTypeDocument = "document"
	MessageTypeSystem   = "system"
)

// Chat modes
const (
	ChatModeHuman = "human"
	ChatModeAI    = "ai"
)

// provisionalIDFloor separates locally-synthesized ids from server-assigned
// ones. Server ids are small sequential integers; provisional ids are derived
// from the current unix time in milliseconds and always land above the floor.
const provisionalIDFloor int64 = 1_000_000_000_000

var provisionalSeq atomic.Int64

// Message represents one chat message, provisional or confirmed.
type Message struct {
	ID             int64      `json:"id"`
	ConversationID int64      `json:"conversationId"`
	SenderID       int64      `json:"senderId"`
	SenderIsAgent  bool       `json:"senderIsAgent"`
	Content        string     `json:"content"`
	CreatedAt      time.Time  `json:"createdAt"`
	MessageType    string     `json:"messageType"`
	ChatMode       string     `json:"chatMode"`
	IsRead         bool       `json:"isRead"`
	ReadAt         *time.Time `json:"readAt"`
	File           *FileMeta  `json:"file,omitempty"`
}

// FileMeta describes the attachment on image/document messages.
type FileMeta struct {
	URL      string `json:"url"`
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	MimeType string `json:"mimeType"`
}

// NewProvisionalID returns an id for a locally-created message, drawn from a
// range disjoint from server ids so reconciliation can tell the two apart.
func NewProvisionalID() int64 {
	return time.Now().UnixMilli()*1000 + provisionalSeq.Add(1)%1000
}

// IsProvisionalID reports whether id was locally synthesized.
func IsProvisionalID(id int64) bool {
	return id >= provisionalIDFloor
}

// Provisional reports whether the message has not yet been server-confirmed.
func (m *Message) Provisional() bool {
	return IsProvisionalID(m.ID)
}

// Before orders messages by (CreatedAt, ID) within a conversation.
func (m *Message) Before(other *Message) bool {
	if !m.CreatedAt.Equal(other.CreatedAt) {
		return m.CreatedAt.Before(other.CreatedAt)
	}
	return m.ID < other.ID
}

// CountsTowardUnread reports whether the message participates in unread
// accounting. System messages are displayed and ordered but never counted.
func (m *Message) CountsTowardUnread() bool {
	return m.MessageType != MessageTypeSystem
}
