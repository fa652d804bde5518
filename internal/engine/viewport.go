package engine

import (
	"Deskwire/internal/model"
	"sync"
	"time"
)

// ScrollDecision is the anchor's verdict for one message-sequence change.
type ScrollDecision int

const (
	// ScrollHold preserves the current offset so a viewer reading older
	// history is not interrupted.
	ScrollHold ScrollDecision = iota
	// ScrollStickBottom auto-advances to the newest message.
	ScrollStickBottom
	// ScrollCenterHighlight centers the highlighted search target.
	ScrollCenterHighlight
)

var (
	// tuning parameters
	bottomSlackPx       = 100.0           // "near bottom" distance for stick-to-bottom
	highlightClearDelay = 3 * time.Second // how long a search target stays highlighted
)

// Anchor decides, per change to the active conversation's message sequence,
// whether the visible list auto-advances to the newest message or holds
// position. A highlighted search target takes precedence over both.
type Anchor struct {
	mu sync.Mutex

	viewerID      int64
	viewerIsAgent bool

	rendered  map[int64]bool // conversations that have had their first render
	highlight struct {
		conversationID int64
		messageID      int64
		timer          *time.Timer
	}
}

// NewAnchor builds an anchor for the local viewer identity.
func NewAnchor(viewerID int64, viewerIsAgent bool) *Anchor {
	return &Anchor{
		viewerID:      viewerID,
		viewerIsAgent: viewerIsAgent,
		rendered:      make(map[int64]bool),
	}
}

// Decide returns the scroll decision for the conversation given its newest
// message and the viewport's distance from the bottom before the update.
func (a *Anchor) Decide(conversationID int64, newest *model.Message, distanceFromBottom float64) ScrollDecision {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.highlight.conversationID == conversationID && a.highlight.messageID != 0 {
		return ScrollCenterHighlight
	}

	if !a.rendered[conversationID] {
		a.rendered[conversationID] = true
		return ScrollStickBottom
	}
	if newest != nil && newest.SenderID == a.viewerID && newest.SenderIsAgent == a.viewerIsAgent {
		return ScrollStickBottom
	}
	if distanceFromBottom <= bottomSlackPx {
		return ScrollStickBottom
	}
	return ScrollHold
}

// NearBottom applies the proximity rule used for read marking.
func (a *Anchor) NearBottom(distanceFromBottom float64) bool {
	return distanceFromBottom <= bottomSlackPx
}

// SetHighlight marks a search target message. The highlight clears itself
// after a fixed delay.
func (a *Anchor) SetHighlight(conversationID, messageID int64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.highlight.timer != nil {
		a.highlight.timer.Stop()
	}
	a.highlight.conversationID = conversationID
	a.highlight.messageID = messageID
	a.highlight.timer = time.AfterFunc(highlightClearDelay, func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		if a.highlight.conversationID == conversationID && a.highlight.messageID == messageID {
			a.highlight.conversationID = 0
			a.highlight.messageID = 0
			a.highlight.timer = nil
		}
	})
}

// Highlight returns the current highlight target, if any.
func (a *Anchor) Highlight() (conversationID, messageID int64, ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.highlight.messageID == 0 {
		return 0, 0, false
	}
	return a.highlight.conversationID, a.highlight.messageID, true
}

// ResetConversation forgets first-render state and any highlight scoped to
// the conversation. Called on conversation switch.
func (a *Anchor) ResetConversation(conversationID int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.rendered, conversationID)
	if a.highlight.conversationID == conversationID {
		if a.highlight.timer != nil {
			a.highlight.timer.Stop()
		}
		a.highlight.conversationID = 0
		a.highlight.messageID = 0
		a.highlight.timer = nil
	}
}
