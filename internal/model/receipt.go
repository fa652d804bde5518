package model

import "time"

// ReadReceiptEvent asserts that one party has viewed a set of messages as of a
// timestamp. Consumed once, never stored.
type ReadReceiptEvent struct {
	ConversationID int64     `json:"conversationId"`
	MessageIDs     []int64   `json:"messageIds"`
	ReadAt         time.Time `json:"readAt"`
	ReaderIsAgent  bool      `json:"readerIsAgent"`
	UnreadCount    *int      `json:"unreadCount,omitempty"`
}

// VisitorStatus is the payload of a presence push event.
type VisitorStatus struct {
	ConversationID int64 `json:"conversationId"`
	IsOnline       bool  `json:"isOnline"`
	VisitorCount   int   `json:"visitorCount,omitempty"`
}
