package model

import "time"

// Conversation status
const (
	StatusOpen   = "open"
	StatusClosed = "closed"
)

// OnlineWindow is how long a visitor counts as online after their last
// presence update. The UI treats anything older as offline.
const OnlineWindow = 10 * time.Second

// ConversationSummary is the list-view record of one conversation. It is owned
// by the conversation index; the reconciler and read tracker mutate it only
// through the index entry points.
type ConversationSummary struct {
	ID              int64        `json:"id"`
	VisitorID       int64        `json:"visitorId"`
	AgentID         int64        `json:"agentId"`
	Status          string       `json:"status"`
	UpdatedAt       time.Time    `json:"updatedAt"`
	UnreadCount     int          `json:"unreadCount"`
	LastMessage     *LastMessage `json:"lastMessage"`
	LastSeenAt      time.Time    `json:"lastSeenAt"`
	HasParticipated bool         `json:"hasParticipated"`
	IsTestMode      bool         `json:"isTestMode"`
}

// LastMessage stores the most recent message preview, denormalized onto the
// summary so the list renders without loading message sequences.
type LastMessage struct {
	MessageID     int64     `json:"messageId"`
	Content       string    `json:"content"`
	SenderIsAgent bool      `json:"senderIsAgent"`
	IsRead        bool      `json:"isRead"`
	SentAt        time.Time `json:"sentAt"`
}

// VisitorOnline applies the presence staleness rule against now.
func (c *ConversationSummary) VisitorOnline(now time.Time) bool {
	return !c.LastSeenAt.IsZero() && now.Sub(c.LastSeenAt) < OnlineWindow
}

// ConversationDetail extends the summary with contact and technical metadata.
// Fetched on demand and refreshed opportunistically on presence events; not
// part of the hot synchronization path.
type ConversationDetail struct {
	ConversationSummary

	Email   string `json:"email"`
	Phone   string `json:"phone"`
	Note    string `json:"note"`
	Browser string `json:"browser"`
	OS      string `json:"os"`
	IP      string `json:"ip"`
	PageURL string `json:"pageUrl"`
}
