package engine

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Mark states of one conversation, in order of progress.
type markState int

const (
	markIdle markState = iota
	markPending
	markMarked
)

var (
	// tuning parameters
	markDebounce = 500 * time.Millisecond // settle time before a mark is issued
	markMinGap   = 2 * time.Second        // floor between actual markRead calls per conversation
)

// Tracker decides when the local viewer has seen a conversation and issues
// coalesced read-mark requests. Per conversation it runs the state machine
// Idle -> PendingMark (debounced) -> Marked. Triggers come from viewport
// proximity sampling and from incoming messages; the actual call is rate
// limited to absorb bursts from both.
type Tracker struct {
	mu     sync.Mutex
	logger *zap.Logger

	// condition re-checks, at timer expiry, whether an unread other-party
	// message still exists while the viewport is near the bottom.
	condition func(conversationID int64) bool
	// issue performs the markRead call. Fired outside the tracker lock.
	issue func(conversationID int64)

	states map[int64]*convMark
}

type convMark struct {
	state      markState
	nearBottom bool
	timer      *time.Timer
	lastIssued time.Time
	epoch      uint64 // bumped on cancel so in-flight timers discard themselves
}

// NewTracker builds a tracker. condition and issue must be non-nil.
func NewTracker(condition func(conversationID int64) bool, issue func(conversationID int64), logger *zap.Logger) *Tracker {
	return &Tracker{
		logger:    logger,
		condition: condition,
		issue:     issue,
		states:    make(map[int64]*convMark),
	}
}

func (t *Tracker) conv(conversationID int64) *convMark {
	cm, ok := t.states[conversationID]
	if !ok {
		cm = &convMark{}
		t.states[conversationID] = cm
	}
	return cm
}

// NoteViewportNearBottom records a scroll-proximity sample. Moving near the
// bottom while an unread other-party message exists arms the debounce timer;
// moving away disarms it.
func (t *Tracker) NoteViewportNearBottom(conversationID int64, isNear bool) {
	t.mu.Lock()
	cm := t.conv(conversationID)
	cm.nearBottom = isNear

	if !isNear {
		t.disarmLocked(cm)
		t.mu.Unlock()
		return
	}
	t.maybeArmLocked(conversationID, cm)
	t.mu.Unlock()
}

// NoteIncomingMessage records a new message arrival for the conversation. A
// fresh unread other-party message re-opens a Marked conversation.
func (t *Tracker) NoteIncomingMessage(conversationID int64) {
	t.mu.Lock()
	cm := t.conv(conversationID)
	if cm.state == markMarked {
		cm.state = markIdle
	}
	if cm.nearBottom {
		t.maybeArmLocked(conversationID, cm)
	}
	t.mu.Unlock()
}

// Reopen returns a Marked conversation to Idle and re-arms it when the viewer
// is still near the bottom. Called when the mark call fails so the read is not
// silently lost; the rate limit still applies to the retry.
func (t *Tracker) Reopen(conversationID int64) {
	t.mu.Lock()
	cm, ok := t.states[conversationID]
	if !ok {
		t.mu.Unlock()
		return
	}
	if cm.state == markMarked {
		cm.state = markIdle
	}
	if cm.nearBottom {
		t.maybeArmLocked(conversationID, cm)
	}
	t.mu.Unlock()
}

// Cancel drops all pending timers and state for a conversation. Called on
// conversation switch.
func (t *Tracker) Cancel(conversationID int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cm, ok := t.states[conversationID]
	if !ok {
		return
	}
	cm.epoch++
	if cm.timer != nil {
		cm.timer.Stop()
		cm.timer = nil
	}
	delete(t.states, conversationID)
}

// CancelAll drops every pending timer and all per-conversation state.
func (t *Tracker) CancelAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, cm := range t.states {
		cm.epoch++
		if cm.timer != nil {
			cm.timer.Stop()
			cm.timer = nil
		}
		delete(t.states, id)
	}
}

// State returns the current mark state for a conversation. Exposed for the
// monitor endpoint.
func (t *Tracker) State(conversationID int64) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	cm, ok := t.states[conversationID]
	if !ok {
		return "idle"
	}
	switch cm.state {
	case markPending:
		return "pending"
	case markMarked:
		return "marked"
	default:
		return "idle"
	}
}

func (t *Tracker) maybeArmLocked(conversationID int64, cm *convMark) {
	if cm.state != markIdle {
		return
	}
	if !t.condition(conversationID) {
		return
	}
	cm.state = markPending
	t.armLocked(conversationID, cm, markDebounce)
}

func (t *Tracker) armLocked(conversationID int64, cm *convMark, delay time.Duration) {
	if cm.timer != nil {
		cm.timer.Stop()
	}
	epoch := cm.epoch
	cm.timer = time.AfterFunc(delay, func() {
		t.fire(conversationID, epoch)
	})
}

func (t *Tracker) disarmLocked(cm *convMark) {
	if cm.timer != nil {
		cm.timer.Stop()
		cm.timer = nil
	}
	if cm.state == markPending {
		cm.state = markIdle
	}
}

func (t *Tracker) fire(conversationID int64, epoch uint64) {
	t.mu.Lock()
	cm, ok := t.states[conversationID]
	if !ok || cm.epoch != epoch || cm.state != markPending {
		t.mu.Unlock()
		return
	}
	cm.timer = nil

	// condition must still hold at expiry
	if !cm.nearBottom || !t.condition(conversationID) {
		cm.state = markIdle
		t.mu.Unlock()
		return
	}

	// rate limit: at most one actual call per markMinGap per conversation;
	// inside the gap, re-arm for the remainder instead of calling
	if gap := time.Since(cm.lastIssued); gap < markMinGap {
		t.armLocked(conversationID, cm, markMinGap-gap)
		t.mu.Unlock()
		return
	}

	cm.lastIssued = time.Now()
	cm.state = markMarked
	t.mu.Unlock()

	t.logger.Debug("issuing read mark", zap.Int64("conversation_id", conversationID))
	t.issue(conversationID)
}
