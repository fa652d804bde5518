package engine

import (
	"Deskwire/internal/api"
	"Deskwire/internal/event"
	"Deskwire/internal/model"
	"Deskwire/internal/push"
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// tuning parameters
	searchDebounce = 300 * time.Millisecond // settle time before a search call fires
	loadTimeout    = 15 * time.Second       // budget for one background load
)

// ConversationsView is the list-screen projection handed to the UI.
type ConversationsView struct {
	Conversations []model.ConversationSummary `json:"conversations"`
	TotalUnread   int                         `json:"totalUnread"`
	View          model.ViewState             `json:"view"`
	Connected     bool                        `json:"connected"`
}

// MessagesView is the active-conversation projection handed to the UI.
type MessagesView struct {
	ConversationID int64           `json:"conversationId"`
	Messages       []model.Message `json:"messages"`
	Scroll         string          `json:"scroll"` // "stick-bottom" | "hold" | "center-highlight"
	HighlightID    int64           `json:"highlightId,omitempty"`
	Draft          string          `json:"draft"`
}

// Stats is the monitor projection of engine health.
type Stats struct {
	SessionID     string `json:"sessionId"`
	Connected     bool   `json:"connected"`
	ReconnectTry  int    `json:"reconnectAttempts"`
	Disconnected  bool   `json:"disconnected"`
	Conversations int    `json:"conversations"`
	TotalUnread   int    `json:"totalUnread"`
	ActiveID      int64  `json:"activeConversationId"`
	MarkState     string `json:"markState"`
}

// Engine keeps the local view of conversations and messages consistent,
// ordered and duplicate-free against the remote platform. All reconciliation
// is synchronous and in-memory under one lock; request-API calls run on their
// own goroutines and re-enter with stale-epoch guards. The tracker and anchor
// keep their own locks and are never called while the engine lock is held.
type Engine struct {
	logger    *zap.Logger
	apiClient api.Client
	pushMgr   *push.Manager
	role      push.Role
	sessionID string

	tracker *Tracker
	anchor  *Anchor

	mu                 sync.Mutex
	rec                *Reconciler
	index              *Index
	active             int64
	loadEpoch          uint64
	drafts             map[int64]string
	details            map[int64]*model.ConversationDetail
	lastScroll         map[int64]float64 // distance from bottom per conversation
	lastScrollDecision map[int64]ScrollDecision

	searchTimer    *time.Timer
	searchInFlight bool
	searchDirty    bool

	disconnected bool
}

// New builds the engine and wires the push manager's callbacks. The caller
// still owns the manager's lifecycle through the engine's Close.
func New(apiClient api.Client, pushMgr *push.Manager, role push.Role, logger *zap.Logger) *Engine {
	e := &Engine{
		logger:             logger,
		apiClient:          apiClient,
		pushMgr:            pushMgr,
		role:               role,
		sessionID:          uuid.New().String(),
		rec:                NewReconciler(role.AgentID, role.IsAgent),
		index:              NewIndex(role.AgentID),
		anchor:             NewAnchor(role.AgentID, role.IsAgent),
		drafts:             make(map[int64]string),
		details:            make(map[int64]*model.ConversationDetail),
		lastScroll:         make(map[int64]float64),
		lastScrollDecision: make(map[int64]ScrollDecision),
	}
	e.tracker = NewTracker(e.unreadFromOtherExists, e.issueMark, logger)

	pushMgr.OnEvent = e.HandlePushEvent
	pushMgr.OnOpen = e.handlePushOpen
	pushMgr.OnDown = e.handlePushDown
	return e
}

// Start performs the initial conversation-list load.
func (e *Engine) Start() {
	e.RefreshConversations()
}

// Close shuts the engine down: push connection, timers, tracker state.
func (e *Engine) Close() {
	e.pushMgr.Close()
	e.tracker.CancelAll()
	e.mu.Lock()
	if e.searchTimer != nil {
		e.searchTimer.Stop()
		e.searchTimer = nil
	}
	e.mu.Unlock()
}

// -----------------------------------------------------------------------------
// Selection and loading
// -----------------------------------------------------------------------------

// SelectConversation makes one conversation active: cancels the previous
// conversation's timers, re-opens the push connection scoped to it, and
// reloads its authoritative state. A late response for a previously selected
// conversation is discarded, never applied.
func (e *Engine) SelectConversation(conversationID int64) {
	e.mu.Lock()
	prev := e.active
	e.active = conversationID
	e.loadEpoch++
	epoch := e.loadEpoch
	e.index.SetSelected(conversationID)
	delete(e.lastScrollDecision, conversationID)
	e.mu.Unlock()

	if prev != 0 && prev != conversationID {
		e.tracker.Cancel(prev)
		e.anchor.ResetConversation(prev)
	}

	e.pushMgr.Open(conversationID, e.role)
	go e.loadConversation(conversationID, epoch)
}

// RefreshConversations re-fetches the full summary set.
func (e *Engine) RefreshConversations() {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), loadTimeout)
		defer cancel()

		list, err := e.apiClient.ListConversations(ctx, "")
		if err != nil {
			e.logger.Warn("conversation refresh failed", zap.Error(err))
			return
		}

		e.mu.Lock()
		e.index.IngestSnapshot(list)
		if e.searchInFlight {
			e.searchDirty = true
		}
		e.mu.Unlock()
	}()
}

func (e *Engine) loadConversation(conversationID int64, epoch uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), loadTimeout)
	defer cancel()

	e.mu.Lock()
	includeSecondary := false
	if c := e.index.Get(conversationID); c != nil {
		includeSecondary = c.IsTestMode
	}
	e.mu.Unlock()

	msgs, err := e.apiClient.ListMessages(ctx, conversationID, includeSecondary)
	if err != nil {
		e.logger.Warn("message load failed",
			zap.Int64("conversation_id", conversationID),
			zap.Error(err),
		)
		return
	}

	e.mu.Lock()
	if epoch != e.loadEpoch || e.active != conversationID {
		// the conversation changed while this load was in flight
		e.mu.Unlock()
		e.logger.Debug("discarding stale message load",
			zap.Int64("conversation_id", conversationID),
		)
		return
	}
	e.rec.SetSequence(conversationID, msgs)

	// the first render after selection lands at the newest message
	seq := e.rec.Messages(conversationID)
	var newest *model.Message
	if len(seq) > 0 {
		newest = &seq[len(seq)-1]
	}
	decision := e.anchor.Decide(conversationID, newest, e.lastScroll[conversationID])
	e.lastScrollDecision[conversationID] = decision
	if decision == ScrollStickBottom {
		e.lastScroll[conversationID] = 0
	}
	e.mu.Unlock()

	go e.loadDetail(conversationID, epoch)
}

func (e *Engine) loadDetail(conversationID int64, epoch uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), loadTimeout)
	defer cancel()

	detail, err := e.apiClient.GetConversationDetail(ctx, conversationID)
	if err != nil {
		e.logger.Debug("detail load failed",
			zap.Int64("conversation_id", conversationID),
			zap.Error(err),
		)
		return
	}

	e.mu.Lock()
	if epoch == e.loadEpoch && e.active == conversationID {
		e.details[conversationID] = detail
	}
	e.mu.Unlock()
}

// -----------------------------------------------------------------------------
// Sending
// -----------------------------------------------------------------------------

// Send appends a provisional message immediately and fires the send call. The
// authoritative message arrives on the push channel; the call result only
// matters on failure, which removes the provisional entry and restores the
// draft so nothing dangles.
func (e *Engine) Send(conversationID int64, content, messageType string, file *model.FileMeta) {
	now := time.Now()
	msg := model.Message{
		ID:             model.NewProvisionalID(),
		ConversationID: conversationID,
		SenderID:       e.role.AgentID,
		SenderIsAgent:  e.role.IsAgent,
		Content:        content,
		CreatedAt:      now,
		MessageType:    messageType,
		ChatMode:       model.ChatModeHuman,
		File:           file,
	}

	e.mu.Lock()
	e.rec.AppendProvisional(msg)
	delete(e.drafts, conversationID)
	e.index.Update(conversationID, func(c *model.ConversationSummary) {
		c.UpdatedAt = now
		c.LastMessage = previewOf(&msg)
		if e.role.IsAgent && c.AgentID == e.role.AgentID {
			c.HasParticipated = true
		}
	}, true)
	e.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), loadTimeout)
		defer cancel()

		err := e.apiClient.SendMessage(ctx, api.SendPayload{
			ConversationID: conversationID,
			SenderID:       msg.SenderID,
			SenderIsAgent:  msg.SenderIsAgent,
			Content:        content,
			MessageType:    messageType,
			ChatMode:       msg.ChatMode,
			File:           file,
		})
		if err == nil {
			return
		}

		e.logger.Warn("send failed, rolling back provisional",
			zap.Int64("conversation_id", conversationID),
			zap.Error(err),
		)
		e.mu.Lock()
		e.rec.DropProvisionals(conversationID)
		e.drafts[conversationID] = content
		e.refreshPreviewLocked(conversationID)
		e.mu.Unlock()
	}()
}

// Draft returns the restored draft input for a conversation, if any.
func (e *Engine) Draft(conversationID int64) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.drafts[conversationID]
}

// refreshPreviewLocked recomputes the denormalized preview from the tail of
// the sequence after provisional entries were removed.
func (e *Engine) refreshPreviewLocked(conversationID int64) {
	seq := e.rec.Messages(conversationID)
	e.index.Update(conversationID, func(c *model.ConversationSummary) {
		if len(seq) == 0 {
			c.LastMessage = nil
			return
		}
		c.LastMessage = previewOf(&seq[len(seq)-1])
	}, false)
}

// -----------------------------------------------------------------------------
// Push event handling
// -----------------------------------------------------------------------------

// HandlePushEvent applies one inbound push event. Events arrive in receipt
// order on the manager's callback goroutine; reconciliation completes before
// the next event is processed.
func (e *Engine) HandlePushEvent(ev event.PushEvent) {
	switch ev.Type {
	case event.EventNewMessage:
		msg, err := ev.DecodeMessage()
		if err != nil {
			e.logger.Warn("bad new_message event", zap.Error(err))
			return
		}
		e.applyInboundMessage(msg)
	case event.EventMessagesRead:
		rr, err := ev.DecodeReadReceipt()
		if err != nil {
			e.logger.Warn("bad messages_read event", zap.Error(err))
			return
		}
		e.applyReadReceipt(rr)
	case event.EventVisitorStatus:
		vs, err := ev.DecodeVisitorStatus()
		if err != nil {
			e.logger.Warn("bad visitor_status_update event", zap.Error(err))
			return
		}
		e.applyVisitorStatus(vs)
	default:
		e.logger.Warn("unknown push event type", zap.String("type", ev.Type))
	}
}

func (e *Engine) applyInboundMessage(msg model.Message) {
	e.mu.Lock()

	isActive := msg.ConversationID == e.active
	fromOther := msg.SenderID != e.role.AgentID || msg.SenderIsAgent != e.role.IsAgent

	changed := true
	if isActive {
		res := e.rec.ApplyInbound(msg)
		changed = res.Changed
	} else if c := e.index.Get(msg.ConversationID); c != nil &&
		c.LastMessage != nil && c.LastMessage.MessageID == msg.ID {
		// duplicate delivery of a message the summary already reflects
		changed = false
	}

	if changed {
		known := e.index.Update(msg.ConversationID, func(c *model.ConversationSummary) {
			e.bumpSummaryLocked(c, &msg, fromOther)
		}, true)
		if !known {
			// unknown conversation: apply at summary level only, then refresh
			// to pick up the authoritative record
			e.index.Upsert(model.ConversationSummary{
				ID:     msg.ConversationID,
				Status: model.StatusOpen,
			}, func(c *model.ConversationSummary) {
				e.bumpSummaryLocked(c, &msg, fromOther)
			})
			defer e.RefreshConversations()
		}
		if e.searchInFlight {
			e.searchDirty = true
		}
	}

	var nearBottom bool
	if isActive && changed {
		dist := e.lastScroll[msg.ConversationID]
		decision := e.anchor.Decide(msg.ConversationID, &msg, dist)
		e.lastScrollDecision[msg.ConversationID] = decision
		if decision == ScrollStickBottom {
			e.lastScroll[msg.ConversationID] = 0
			nearBottom = true
		} else {
			nearBottom = e.anchor.NearBottom(dist)
		}
	}
	e.mu.Unlock()

	if isActive && changed {
		e.tracker.NoteViewportNearBottom(msg.ConversationID, nearBottom)
		if fromOther {
			e.tracker.NoteIncomingMessage(msg.ConversationID)
		}
	}
}

func (e *Engine) bumpSummaryLocked(c *model.ConversationSummary, msg *model.Message, fromOther bool) {
	if msg.CreatedAt.After(c.UpdatedAt) {
		c.UpdatedAt = msg.CreatedAt
	}
	if c.LastMessage == nil || msg.CreatedAt.After(c.LastMessage.SentAt) ||
		(msg.CreatedAt.Equal(c.LastMessage.SentAt) && msg.ID > c.LastMessage.MessageID) {
		c.LastMessage = previewOf(msg)
	}
	if fromOther && msg.CountsTowardUnread() && !msg.IsRead {
		c.UnreadCount++
	}
}

func (e *Engine) applyReadReceipt(rr model.ReadReceiptEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if rr.ReaderIsAgent == e.role.IsAgent {
		// a same-side viewer read the other party's messages; the event's
		// unread count is authoritative for the badge, and our own outgoing
		// read flags are untouched
		if rr.UnreadCount != nil {
			e.index.Update(rr.ConversationID, func(c *model.ConversationSummary) {
				c.UnreadCount = *rr.UnreadCount
			}, false)
		}
		return
	}

	// the other party read: flip read flags only on messages the local viewer
	// authored
	flipped := e.rec.FlipReadOnOwn(rr.ConversationID, rr.MessageIDs, rr.ReadAt)
	if len(flipped) == 0 {
		return
	}
	e.index.Update(rr.ConversationID, func(c *model.ConversationSummary) {
		if c.LastMessage == nil {
			return
		}
		for _, id := range flipped {
			if c.LastMessage.MessageID == id {
				c.LastMessage.IsRead = true
				return
			}
		}
	}, false)
}

func (e *Engine) applyVisitorStatus(vs model.VisitorStatus) {
	now := time.Now()
	e.mu.Lock()
	e.index.Update(vs.ConversationID, func(c *model.ConversationSummary) {
		if vs.IsOnline {
			c.LastSeenAt = now
		}
	}, false)
	isActive := vs.ConversationID == e.active
	epoch := e.loadEpoch
	e.mu.Unlock()

	// presence events are a cheap cue that detail metadata may have moved
	if isActive {
		go e.loadDetail(vs.ConversationID, epoch)
	}
}

func (e *Engine) handlePushOpen(conversationID int64) {
	e.mu.Lock()
	epoch := e.loadEpoch
	stale := conversationID != e.active
	e.mu.Unlock()
	if stale {
		return
	}

	// no events are replayed across a reconnect gap; re-fetch authoritative
	// state to close it
	go e.loadConversation(conversationID, epoch)
	e.RefreshConversations()
}

func (e *Engine) handlePushDown(err error) {
	e.logger.Error("push channel is down", zap.Error(err))
	e.mu.Lock()
	e.disconnected = true
	e.mu.Unlock()
}

// -----------------------------------------------------------------------------
// Read marking
// -----------------------------------------------------------------------------

// NoteViewport records a scroll-proximity sample for the active conversation
// and feeds the read tracker.
func (e *Engine) NoteViewport(conversationID int64, distanceFromBottom float64) {
	e.mu.Lock()
	e.lastScroll[conversationID] = distanceFromBottom
	e.mu.Unlock()

	e.tracker.NoteViewportNearBottom(conversationID, e.anchor.NearBottom(distanceFromBottom))
}

// unreadFromOtherExists is the tracker's arming condition.
func (e *Engine) unreadFromOtherExists(conversationID int64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	testMode := false
	if c := e.index.Get(conversationID); c != nil {
		testMode = c.IsTestMode
	}
	return e.rec.HasUnreadFromOther(conversationID, testMode)
}

// issueMark performs the markRead call and applies the response, which is the
// source of truth for the local viewer's read action.
func (e *Engine) issueMark(conversationID int64) {
	ctx, cancel := context.WithTimeout(context.Background(), loadTimeout)
	defer cancel()

	res, err := e.apiClient.MarkRead(ctx, conversationID, e.role.IsAgent)
	if err != nil {
		e.logger.Warn("mark read failed",
			zap.Int64("conversation_id", conversationID),
			zap.Error(err),
		)
		// the mark never reached the platform; let the tracker try again
		e.tracker.Reopen(conversationID)
		return
	}

	e.mu.Lock()
	flipped := e.rec.FlipReadOnOther(conversationID, res.MessageIDs, res.ReadAt)
	e.index.Update(conversationID, func(c *model.ConversationSummary) {
		c.UnreadCount = res.UnreadCount
		if c.LastMessage == nil {
			return
		}
		for _, id := range flipped {
			if c.LastMessage.MessageID == id {
				c.LastMessage.IsRead = true
				return
			}
		}
	}, false)
	e.mu.Unlock()
}

// -----------------------------------------------------------------------------
// View state
// -----------------------------------------------------------------------------

// SetFilter switches the derived list view. No data is refetched.
func (e *Engine) SetFilter(filter string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.index.SetFilter(filter)
}

// SetSearchQuery updates the live search. Non-empty queries are debounced
// before the search call fires; clearing the query reapplies local filtering
// immediately.
func (e *Engine) SetSearchQuery(query string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.index.SetSearchQuery(query)
	if e.searchTimer != nil {
		e.searchTimer.Stop()
		e.searchTimer = nil
	}
	q := e.index.ViewState().SearchQuery
	if q == "" {
		e.searchDirty = false
		return
	}
	e.searchTimer = time.AfterFunc(searchDebounce, func() {
		e.runSearch(q)
	})
}

func (e *Engine) runSearch(query string) {
	e.mu.Lock()
	if e.index.ViewState().SearchQuery != query {
		e.mu.Unlock()
		return
	}
	e.searchInFlight = true
	e.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), loadTimeout)
	defer cancel()
	results, err := e.apiClient.SearchConversations(ctx, query)

	e.mu.Lock()
	e.searchInFlight = false
	if err != nil {
		e.logger.Warn("conversation search failed", zap.String("query", query), zap.Error(err))
	} else {
		e.index.SetSearchResults(query, results)
	}
	// a push-driven update landed during the in-flight search: run it again
	// so the result is not silently stale
	rerun := e.searchDirty && e.index.ViewState().SearchQuery == query
	e.searchDirty = false
	e.mu.Unlock()

	if rerun {
		e.runSearch(query)
	}
}

// HighlightMessage marks a search target in the active conversation; the
// viewport centers it and the highlight clears itself after a fixed delay.
func (e *Engine) HighlightMessage(conversationID, messageID int64) {
	e.anchor.SetHighlight(conversationID, messageID)
	e.mu.Lock()
	e.lastScrollDecision[conversationID] = ScrollCenterHighlight
	e.mu.Unlock()
}

// -----------------------------------------------------------------------------
// Projections
// -----------------------------------------------------------------------------

// Conversations returns the list-screen view.
func (e *Engine) Conversations() ConversationsView {
	e.mu.Lock()
	view := ConversationsView{
		Conversations: e.index.Visible(),
		TotalUnread:   e.index.TotalUnread(),
		View:          e.index.ViewState(),
		Connected:     !e.disconnected && e.pushMgr.Connected(),
	}
	e.mu.Unlock()
	return view
}

// Messages returns the active-conversation view for a conversation.
func (e *Engine) Messages(conversationID int64) MessagesView {
	e.mu.Lock()
	mv := MessagesView{
		ConversationID: conversationID,
		Messages:       e.rec.Messages(conversationID),
		Scroll:         scrollName(e.lastScrollDecision[conversationID]),
		Draft:          e.drafts[conversationID],
	}
	e.mu.Unlock()

	if hc, hm, ok := e.anchor.Highlight(); ok && hc == conversationID {
		mv.HighlightID = hm
		mv.Scroll = scrollName(ScrollCenterHighlight)
	}
	return mv
}

// Detail returns the cached detail record for a conversation, or nil.
func (e *Engine) Detail(conversationID int64) *model.ConversationDetail {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.details[conversationID]
}

// EngineStats returns the monitor projection.
func (e *Engine) EngineStats() Stats {
	e.mu.Lock()
	active := e.active
	s := Stats{
		SessionID:     e.sessionID,
		Connected:     e.pushMgr.Connected(),
		ReconnectTry:  e.pushMgr.Attempts(),
		Disconnected:  e.disconnected,
		Conversations: e.index.Len(),
		TotalUnread:   e.index.TotalUnread(),
		ActiveID:      active,
	}
	e.mu.Unlock()

	s.MarkState = e.tracker.State(active)
	return s
}

func scrollName(d ScrollDecision) string {
	switch d {
	case ScrollStickBottom:
		return "stick-bottom"
	case ScrollCenterHighlight:
		return "center-highlight"
	default:
		return "hold"
	}
}

func previewOf(m *model.Message) *model.LastMessage {
	return &model.LastMessage{
		MessageID:     m.ID,
		Content:       m.Content,
		SenderIsAgent: m.SenderIsAgent,
		IsRead:        m.IsRead,
		SentAt:        m.CreatedAt,
	}
}
