package event

import (
	"Deskwire/internal/model"
	"encoding/json"
	"fmt"
)

// Push event types delivered by the platform. The envelope is a tagged union
// keyed by Type; Data carries the type-specific payload.
const (
	EventNewMessage    = "new_message"
	EventMessagesRead  = "messages_read"
	EventVisitorStatus = "visitor_status_update"
)

// PushEvent is the wire envelope of the push channel.
type PushEvent struct {
	Type           string          `json:"type"`
	ConversationID int64           `json:"conversationId"`
	Data           json.RawMessage `json:"data"`
}

// ErrUnexpectedType is returned when a decoder is called on the wrong variant.
type ErrUnexpectedType struct {
	Got, Want string
}

func (e *ErrUnexpectedType) Error() string {
	return fmt.Sprintf("unexpected push event type %q, want %q", e.Got, e.Want)
}

// DecodeMessage decodes a new_message payload into a full message record.
func (e *PushEvent) DecodeMessage() (model.Message, error) {
	var msg model.Message
	if e.Type != EventNewMessage {
		return msg, &ErrUnexpectedType{Got: e.Type, Want: EventNewMessage}
	}
	if err := json.Unmarshal(e.Data, &msg); err != nil {
		return msg, fmt.Errorf("decode new_message payload: %w", err)
	}
	if msg.ConversationID == 0 {
		msg.ConversationID = e.ConversationID
	}
	return msg, nil
}

// DecodeReadReceipt decodes a messages_read payload. The conversation id may
// be absent on the payload and is backfilled from the envelope.
func (e *PushEvent) DecodeReadReceipt() (model.ReadReceiptEvent, error) {
	var rr model.ReadReceiptEvent
	if e.Type != EventMessagesRead {
		return rr, &ErrUnexpectedType{Got: e.Type, Want: EventMessagesRead}
	}
	if err := json.Unmarshal(e.Data, &rr); err != nil {
		return rr, fmt.Errorf("decode messages_read payload: %w", err)
	}
	if rr.ConversationID == 0 {
		rr.ConversationID = e.ConversationID
	}
	return rr, nil
}

// DecodeVisitorStatus decodes a visitor_status_update payload.
func (e *PushEvent) DecodeVisitorStatus() (model.VisitorStatus, error) {
	var vs model.VisitorStatus
	if e.Type != EventVisitorStatus {
		return vs, &ErrUnexpectedType{Got: e.Type, Want: EventVisitorStatus}
	}
	if err := json.Unmarshal(e.Data, &vs); err != nil {
		return vs, fmt.Errorf("decode visitor_status_update payload: %w", err)
	}
	if vs.ConversationID == 0 {
		vs.ConversationID = e.ConversationID
	}
	return vs, nil
}
