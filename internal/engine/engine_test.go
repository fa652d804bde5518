package engine

import (
	"Deskwire/internal/api"
	"Deskwire/internal/event"
	"Deskwire/internal/model"
	"Deskwire/internal/push"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeAPI is an in-memory platform stand-in.
type fakeAPI struct {
	mu            sync.Mutex
	conversations []model.ConversationSummary
	messages      map[int64][]model.Message
	gates         map[int64]chan struct{}
	listMsgCalls  map[int64]int
	sendErr       error
	sent          []api.SendPayload
	markCalls     []int64
	markErr       error
	markResult    api.MarkReadResult
	search        map[string][]model.ConversationSummary
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		messages:     make(map[int64][]model.Message),
		gates:        make(map[int64]chan struct{}),
		listMsgCalls: make(map[int64]int),
		search:       make(map[string][]model.ConversationSummary),
	}
}

func (f *fakeAPI) ListConversations(ctx context.Context, filter string) ([]model.ConversationSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.ConversationSummary, len(f.conversations))
	copy(out, f.conversations)
	return out, nil
}

func (f *fakeAPI) SearchConversations(ctx context.Context, query string) ([]model.ConversationSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.search[query], nil
}

func (f *fakeAPI) GetConversationDetail(ctx context.Context, conversationID int64) (*model.ConversationDetail, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.conversations {
		if c.ID == conversationID {
			return &model.ConversationDetail{ConversationSummary: c}, nil
		}
	}
	return nil, errors.New("not found")
}

func (f *fakeAPI) ListMessages(ctx context.Context, conversationID int64, includeSecondaryChannel bool) ([]model.Message, error) {
	f.mu.Lock()
	gate := f.gates[conversationID]
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.listMsgCalls[conversationID]++
	out := make([]model.Message, len(f.messages[conversationID]))
	copy(out, f.messages[conversationID])
	return out, nil
}

func (f *fakeAPI) SendMessage(ctx context.Context, payload api.SendPayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, payload)
	return nil
}

func (f *fakeAPI) MarkRead(ctx context.Context, conversationID int64, readerIsAgent bool) (*api.MarkReadResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markCalls = append(f.markCalls, conversationID)
	if f.markErr != nil {
		return nil, f.markErr
	}
	res := f.markResult
	if res.ReadAt.IsZero() {
		res.ReadAt = time.Now()
	}
	return &res, nil
}

func (f *fakeAPI) setMarkErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markErr = err
}

func (f *fakeAPI) markCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.markCalls)
}

func (f *fakeAPI) loaded(conversationID int64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listMsgCalls[conversationID] > 0
}

// fakePushConn blocks reads until closed; the manager treats the eventual
// close as a clean shutdown because its context is cancelled first.
type fakePushConn struct {
	done chan struct{}
	once sync.Once
}

func newFakePushConn() *fakePushConn { return &fakePushConn{done: make(chan struct{})} }

func (c *fakePushConn) ReadMessage() (int, []byte, error) {
	<-c.done
	return 0, nil, errors.New("connection closed")
}
func (c *fakePushConn) WriteControl(int, []byte, time.Time) error { return nil }
func (c *fakePushConn) SetReadDeadline(time.Time) error           { return nil }
func (c *fakePushConn) SetReadLimit(int64)                        {}
func (c *fakePushConn) SetPongHandler(func(string) error)         {}
func (c *fakePushConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

func fakePushDialer() push.Dialer {
	return func(ctx context.Context, pushURL string, conversationID int64, role push.Role) (push.Conn, error) {
		return newFakePushConn(), nil
	}
}

func newTestEngine(t *testing.T, f *fakeAPI, role push.Role) *Engine {
	t.Helper()
	mgr := push.NewManager("ws://upstream/push", fakePushDialer(), zap.NewNop())
	e := New(f, mgr, role, zap.NewNop())
	t.Cleanup(e.Close)
	return e
}

func pushMessage(t *testing.T, msg model.Message) event.PushEvent {
	t.Helper()
	raw, err := json.Marshal(msg)
	require.NoError(t, err)
	return event.PushEvent{Type: event.EventNewMessage, ConversationID: msg.ConversationID, Data: raw}
}

func pushReceipt(t *testing.T, rr model.ReadReceiptEvent) event.PushEvent {
	t.Helper()
	raw, err := json.Marshal(rr)
	require.NoError(t, err)
	return event.PushEvent{Type: event.EventMessagesRead, ConversationID: rr.ConversationID, Data: raw}
}

func selectAndLoad(t *testing.T, e *Engine, f *fakeAPI, conversationID int64) {
	t.Helper()
	e.SelectConversation(conversationID)
	require.Eventually(t, func() bool { return f.loaded(conversationID) }, time.Second, 5*time.Millisecond)
	// wait for both the message sequence and the summary snapshot to land
	require.Eventually(t, func() bool {
		f.mu.Lock()
		wantMsgs := len(f.messages[conversationID])
		wantConvs := len(f.conversations)
		f.mu.Unlock()
		return len(e.Messages(conversationID).Messages) >= wantMsgs &&
			len(e.Conversations().Conversations) >= wantConvs
	}, time.Second, 5*time.Millisecond)
}

func findConversation(t *testing.T, e *Engine, conversationID int64) model.ConversationSummary {
	t.Helper()
	for _, c := range e.Conversations().Conversations {
		if c.ID == conversationID {
			return c
		}
	}
	t.Fatalf("conversation %d not in list view", conversationID)
	return model.ConversationSummary{}
}

func TestEngine_SendThenEchoLeavesSingleConfirmedMessage(t *testing.T) {
	f := newFakeAPI()
	f.conversations = []model.ConversationSummary{{ID: 10, Status: model.StatusOpen}}

	e := newTestEngine(t, f, push.Role{IsAgent: false, AgentID: 7})
	selectAndLoad(t, e, f, 10)

	e.Send(10, "hi", model.MessageTypeText, nil)
	msgs := e.Messages(10).Messages
	require.Len(t, msgs, 1)
	require.True(t, msgs[0].Provisional())

	echo := model.Message{
		ID:             501,
		ConversationID: 10,
		SenderID:       7,
		SenderIsAgent:  false,
		Content:        "hi",
		CreatedAt:      time.Now(),
		MessageType:    model.MessageTypeText,
	}
	e.HandlePushEvent(pushMessage(t, echo))

	final := e.Messages(10).Messages
	require.Len(t, final, 1)
	require.Equal(t, int64(501), final[0].ID)
	require.Equal(t, "hi", final[0].Content)
	require.False(t, final[0].Provisional())
}

func TestEngine_SendFailureRollsBackAndRestoresDraft(t *testing.T) {
	f := newFakeAPI()
	f.conversations = []model.ConversationSummary{{ID: 10, Status: model.StatusOpen}}
	f.sendErr = errors.New("upstream rejected")

	e := newTestEngine(t, f, push.Role{IsAgent: true, AgentID: 1})
	selectAndLoad(t, e, f, 10)

	e.Send(10, "are you there?", model.MessageTypeText, nil)
	require.Eventually(t, func() bool {
		return len(e.Messages(10).Messages) == 0
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, "are you there?", e.Draft(10))
}

func TestEngine_MessageAtBottomMarksReadOnce(t *testing.T) {
	shrinkMarkTimers(t)
	f := newFakeAPI()
	f.conversations = []model.ConversationSummary{{ID: 10, Status: model.StatusOpen}}
	f.markResult = api.MarkReadResult{MessageIDs: []int64{5}, UnreadCount: 0}

	e := newTestEngine(t, f, push.Role{IsAgent: true, AgentID: 1})
	selectAndLoad(t, e, f, 10)
	e.NoteViewport(10, 0)

	incoming := model.Message{
		ID:             5,
		ConversationID: 10,
		SenderID:       99,
		SenderIsAgent:  false,
		Content:        "need help",
		CreatedAt:      time.Now(),
		MessageType:    model.MessageTypeText,
	}
	e.HandlePushEvent(pushMessage(t, incoming))

	require.Equal(t, "stick-bottom", e.Messages(10).Scroll)
	require.Eventually(t, func() bool { return f.markCount() == 1 }, time.Second, 5*time.Millisecond)

	// no extra call sneaks in after the debounce window
	time.Sleep(3 * markDebounce)
	require.Equal(t, 1, f.markCount())

	// the markRead response is the source of truth applied locally
	require.Eventually(t, func() bool {
		msgs := e.Messages(10).Messages
		return len(msgs) == 1 && msgs[0].IsRead
	}, time.Second, 5*time.Millisecond)
}

func TestEngine_ScrolledUpHoldsAndDoesNotMark(t *testing.T) {
	shrinkMarkTimers(t)
	f := newFakeAPI()
	f.conversations = []model.ConversationSummary{{ID: 10, Status: model.StatusOpen}}

	e := newTestEngine(t, f, push.Role{IsAgent: true, AgentID: 1})
	selectAndLoad(t, e, f, 10)

	// seed some already-read history, then scroll up 500px
	seed := model.Message{
		ID: 1, ConversationID: 10, SenderID: 99, SenderIsAgent: false,
		Content: "hello", CreatedAt: time.Now().Add(-time.Minute),
		MessageType: model.MessageTypeText, IsRead: true,
	}
	e.HandlePushEvent(pushMessage(t, seed))
	e.NoteViewport(10, 500)

	incoming := model.Message{
		ID: 2, ConversationID: 10, SenderID: 99, SenderIsAgent: false,
		Content: "still there?", CreatedAt: time.Now(), MessageType: model.MessageTypeText,
	}
	e.HandlePushEvent(pushMessage(t, incoming))

	require.Equal(t, "hold", e.Messages(10).Scroll)
	time.Sleep(4 * markDebounce)
	require.Zero(t, f.markCount())

	// scrolling back within reach triggers the mark
	e.NoteViewport(10, 50)
	require.Eventually(t, func() bool { return f.markCount() == 1 }, time.Second, 5*time.Millisecond)
}

func TestEngine_ReadReceiptAsymmetry(t *testing.T) {
	f := newFakeAPI()
	f.conversations = []model.ConversationSummary{{
		ID: 10, Status: model.StatusOpen, UnreadCount: 2,
		LastMessage: &model.LastMessage{MessageID: 1, Content: "how can I help?", SenderIsAgent: true},
	}}
	f.messages[10] = []model.Message{
		{ID: 1, ConversationID: 10, SenderID: 1, SenderIsAgent: true, Content: "how can I help?", CreatedAt: testBase, MessageType: model.MessageTypeText},
		{ID: 2, ConversationID: 10, SenderID: 99, SenderIsAgent: false, Content: "billing question", CreatedAt: testBase.Add(time.Second), MessageType: model.MessageTypeText},
	}

	e := newTestEngine(t, f, push.Role{IsAgent: true, AgentID: 1})
	selectAndLoad(t, e, f, 10)

	// the visitor read: flips only the agent-authored message
	e.HandlePushEvent(pushReceipt(t, model.ReadReceiptEvent{
		ConversationID: 10,
		MessageIDs:     []int64{1, 2},
		ReadAt:         time.Now(),
		ReaderIsAgent:  false,
	}))

	msgs := e.Messages(10).Messages
	require.True(t, msgs[0].IsRead)
	require.False(t, msgs[1].IsRead)

	// the flip propagates into the denormalized preview
	require.True(t, findConversation(t, e, 10).LastMessage.IsRead)

	// another agent-side viewer's read: unread count comes from the event,
	// message flags stay untouched
	n := 0
	e.HandlePushEvent(pushReceipt(t, model.ReadReceiptEvent{
		ConversationID: 10,
		ReadAt:         time.Now(),
		ReaderIsAgent:  true,
		UnreadCount:    &n,
	}))

	msgs = e.Messages(10).Messages
	require.False(t, msgs[1].IsRead)
	require.Zero(t, findConversation(t, e, 10).UnreadCount)
}

func TestEngine_UnknownConversationUpdatesSummaryOnly(t *testing.T) {
	f := newFakeAPI()
	f.conversations = []model.ConversationSummary{{ID: 10, Status: model.StatusOpen}}

	e := newTestEngine(t, f, push.Role{IsAgent: true, AgentID: 1})
	selectAndLoad(t, e, f, 10)

	stray := model.Message{
		ID: 70, ConversationID: 99, SenderID: 55, SenderIsAgent: false,
		Content: "new visitor", CreatedAt: time.Now(), MessageType: model.MessageTypeText,
	}
	// the follow-up refresh will find the conversation on the platform
	f.mu.Lock()
	f.conversations = append(f.conversations, model.ConversationSummary{
		ID: 99, Status: model.StatusOpen, UnreadCount: 1,
		LastMessage: &model.LastMessage{MessageID: 70, Content: "new visitor", SentAt: stray.CreatedAt},
	})
	f.mu.Unlock()

	e.HandlePushEvent(pushMessage(t, stray))

	// never added to a displayed sequence
	require.Empty(t, e.Messages(99).Messages)

	found := findConversation(t, e, 99)
	require.Equal(t, 1, found.UnreadCount)
	require.Equal(t, "new visitor", found.LastMessage.Content)
}

func TestEngine_SystemMessagesDoNotCountUnread(t *testing.T) {
	f := newFakeAPI()
	f.conversations = []model.ConversationSummary{{ID: 10, Status: model.StatusOpen}}

	e := newTestEngine(t, f, push.Role{IsAgent: true, AgentID: 1})
	selectAndLoad(t, e, f, 10)

	sys := model.Message{
		ID: 3, ConversationID: 10, SenderID: 0, SenderIsAgent: false,
		Content: "visitor left the page", CreatedAt: time.Now(), MessageType: model.MessageTypeSystem,
	}
	e.HandlePushEvent(pushMessage(t, sys))

	// ordered and displayed, but unread stays put
	require.Len(t, e.Messages(10).Messages, 1)
	found := findConversation(t, e, 10)
	require.Zero(t, found.UnreadCount)
	require.Equal(t, "visitor left the page", found.LastMessage.Content)
}

func TestEngine_StaleMessageLoadDiscarded(t *testing.T) {
	f := newFakeAPI()
	f.conversations = []model.ConversationSummary{
		{ID: 10, Status: model.StatusOpen},
		{ID: 20, Status: model.StatusOpen},
	}
	f.messages[10] = []model.Message{
		{ID: 1, ConversationID: 10, SenderID: 99, Content: "old", CreatedAt: testBase, MessageType: model.MessageTypeText},
	}
	f.messages[20] = []model.Message{
		{ID: 2, ConversationID: 20, SenderID: 98, Content: "current", CreatedAt: testBase, MessageType: model.MessageTypeText},
	}
	gate := make(chan struct{})
	f.gates[10] = gate

	e := newTestEngine(t, f, push.Role{IsAgent: true, AgentID: 1})
	e.SelectConversation(10) // load blocked on the gate
	selectAndLoad(t, e, f, 20)

	close(gate) // the stale response for 10 arrives now
	time.Sleep(50 * time.Millisecond)

	require.Empty(t, e.Messages(10).Messages)
	require.Equal(t, "current", e.Messages(20).Messages[0].Content)
}

func TestEngine_SelectionRendersAtBottom(t *testing.T) {
	f := newFakeAPI()
	f.conversations = []model.ConversationSummary{
		{ID: 10, Status: model.StatusOpen},
		{ID: 20, Status: model.StatusOpen},
	}
	f.messages[10] = []model.Message{
		{ID: 1, ConversationID: 10, SenderID: 99, Content: "hello", CreatedAt: testBase, MessageType: model.MessageTypeText, IsRead: true},
		{ID: 2, ConversationID: 10, SenderID: 99, Content: "anyone?", CreatedAt: testBase.Add(time.Second), MessageType: model.MessageTypeText, IsRead: true},
	}

	e := newTestEngine(t, f, push.Role{IsAgent: true, AgentID: 1})
	selectAndLoad(t, e, f, 10)

	// a freshly selected conversation with history lands at the newest message
	require.Equal(t, "stick-bottom", e.Messages(10).Scroll)

	// scroll away and let an incoming message hold position
	e.NoteViewport(10, 500)
	incoming := model.Message{
		ID: 3, ConversationID: 10, SenderID: 99, SenderIsAgent: false,
		Content: "still there?", CreatedAt: time.Now(), MessageType: model.MessageTypeText, IsRead: true,
	}
	e.HandlePushEvent(pushMessage(t, incoming))
	require.Equal(t, "hold", e.Messages(10).Scroll)

	// re-selecting renders fresh again, at the bottom
	selectAndLoad(t, e, f, 20)
	selectAndLoad(t, e, f, 10)
	require.Eventually(t, func() bool {
		return e.Messages(10).Scroll == "stick-bottom"
	}, time.Second, 5*time.Millisecond)
}

func TestEngine_DuplicateInactiveMessageCountsOnce(t *testing.T) {
	f := newFakeAPI()
	f.conversations = []model.ConversationSummary{
		{ID: 10, Status: model.StatusOpen},
		{ID: 20, Status: model.StatusOpen},
	}

	e := newTestEngine(t, f, push.Role{IsAgent: true, AgentID: 1})
	selectAndLoad(t, e, f, 10)

	msg := model.Message{
		ID: 5, ConversationID: 20, SenderID: 99, SenderIsAgent: false,
		Content: "hello?", CreatedAt: time.Now(), MessageType: model.MessageTypeText,
	}
	e.HandlePushEvent(pushMessage(t, msg))
	e.HandlePushEvent(pushMessage(t, msg))

	found := findConversation(t, e, 20)
	require.Equal(t, 1, found.UnreadCount)
	require.Equal(t, int64(5), found.LastMessage.MessageID)
}

func TestEngine_VisitorRoleReceiptHandling(t *testing.T) {
	f := newFakeAPI()
	f.conversations = []model.ConversationSummary{{ID: 10, Status: model.StatusOpen, UnreadCount: 1}}
	f.messages[10] = []model.Message{
		{ID: 1, ConversationID: 10, SenderID: 7, SenderIsAgent: false, Content: "my question", CreatedAt: testBase, MessageType: model.MessageTypeText},
		{ID: 2, ConversationID: 10, SenderID: 1, SenderIsAgent: true, Content: "the answer", CreatedAt: testBase.Add(time.Second), MessageType: model.MessageTypeText},
	}

	e := newTestEngine(t, f, push.Role{IsAgent: false, AgentID: 7})
	selectAndLoad(t, e, f, 10)

	// the agent read: flips only the visitor-authored message
	e.HandlePushEvent(pushReceipt(t, model.ReadReceiptEvent{
		ConversationID: 10,
		MessageIDs:     []int64{1, 2},
		ReadAt:         time.Now(),
		ReaderIsAgent:  true,
	}))

	msgs := e.Messages(10).Messages
	require.True(t, msgs[0].IsRead)
	require.False(t, msgs[1].IsRead)

	// a same-side read only adjusts the badge
	n := 0
	e.HandlePushEvent(pushReceipt(t, model.ReadReceiptEvent{
		ConversationID: 10,
		ReadAt:         time.Now(),
		ReaderIsAgent:  false,
		UnreadCount:    &n,
	}))
	require.Zero(t, findConversation(t, e, 10).UnreadCount)
	require.False(t, e.Messages(10).Messages[1].IsRead)
}

func TestEngine_MarkReadFailureRetries(t *testing.T) {
	shrinkMarkTimers(t)
	f := newFakeAPI()
	f.conversations = []model.ConversationSummary{{ID: 10, Status: model.StatusOpen}}
	f.markErr = errors.New("upstream unavailable")
	f.markResult = api.MarkReadResult{MessageIDs: []int64{5}, UnreadCount: 0}

	e := newTestEngine(t, f, push.Role{IsAgent: true, AgentID: 1})
	selectAndLoad(t, e, f, 10)
	e.NoteViewport(10, 0)

	incoming := model.Message{
		ID: 5, ConversationID: 10, SenderID: 99, SenderIsAgent: false,
		Content: "need help", CreatedAt: time.Now(), MessageType: model.MessageTypeText,
	}
	e.HandlePushEvent(pushMessage(t, incoming))

	// the first call fails; the mark must not be lost
	require.Eventually(t, func() bool { return f.markCount() >= 1 }, time.Second, 5*time.Millisecond)
	f.setMarkErr(nil)

	require.Eventually(t, func() bool { return f.markCount() >= 2 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		msgs := e.Messages(10).Messages
		return len(msgs) == 1 && msgs[0].IsRead
	}, time.Second, 5*time.Millisecond)
}

func TestEngine_SearchSupersedesAndClears(t *testing.T) {
	oldDebounce := searchDebounce
	searchDebounce = 20 * time.Millisecond
	defer func() { searchDebounce = oldDebounce }()

	f := newFakeAPI()
	f.conversations = []model.ConversationSummary{
		{ID: 10, Status: model.StatusOpen, UpdatedAt: testBase.Add(time.Hour)},
		{ID: 20, Status: model.StatusOpen, UpdatedAt: testBase},
	}
	f.search["billing"] = []model.ConversationSummary{{ID: 20, Status: model.StatusOpen}}

	e := newTestEngine(t, f, push.Role{IsAgent: true, AgentID: 1})
	e.Start()
	require.Eventually(t, func() bool {
		return len(e.Conversations().Conversations) == 2
	}, time.Second, 5*time.Millisecond)

	e.SetSearchQuery("billing")
	require.Eventually(t, func() bool {
		cs := e.Conversations().Conversations
		return len(cs) == 1 && cs[0].ID == 20
	}, time.Second, 5*time.Millisecond)

	e.SetSearchQuery("")
	require.Len(t, e.Conversations().Conversations, 2)
}
