package push

import (
	"Deskwire/internal/event"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Role identifies the local viewer on the push channel.
type Role struct {
	IsAgent bool
	AgentID int64
}

var (
	// tuning parameters
	writeWait            = 10 * time.Second    // time allowed to write a control message to the peer
	pongWait             = 20 * time.Second    // time allowed to read the next pong message from the peer
	pingInterval         = (pongWait * 9) / 10 // send pings to peer with this period
	maxMessageSize       = int64(64 * 1024)    // max inbound event size (64KB)
	reconnectDelay       = 3 * time.Second     // fixed delay between reconnect attempts
	maxReconnectAttempts = 5                   // give up after this many consecutive failures
	dialTimeout          = 10 * time.Second    // timeout for a single dial
)

// ErrReconnectExhausted is surfaced through OnDown when the manager gives up.
var ErrReconnectExhausted = errors.New("push: reconnect attempts exhausted")

// Conn is the subset of a websocket connection the manager needs. Production
// code wraps *websocket.Conn; tests substitute a scripted fake.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(string) error)
	Close() error
}

// Dialer establishes one push connection for a conversation and role.
type Dialer func(ctx context.Context, pushURL string, conversationID int64, role Role) (Conn, error)

// WebsocketDialer is the production dialer backed by gorilla/websocket.
func WebsocketDialer() Dialer {
	return func(ctx context.Context, pushURL string, conversationID int64, role Role) (Conn, error) {
		q := url.Values{}
		q.Set("conversationId", fmt.Sprintf("%d", conversationID))
		if role.IsAgent {
			q.Set("role", "agent")
			q.Set("agentId", fmt.Sprintf("%d", role.AgentID))
		} else {
			q.Set("role", "visitor")
		}

		dialer := *websocket.DefaultDialer
		dialer.HandshakeTimeout = dialTimeout
		conn, _, err := dialer.DialContext(ctx, pushURL+"?"+q.Encode(), nil)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}

// Manager owns one logical push connection per active conversation context. It
// delivers inbound events through a single callback in receipt order, and
// reconnects with a fixed delay after unclean terminations, up to a bounded
// attempt count. It never buffers or replays events across a reconnect gap;
// the owner re-runs its initial load on every OnOpen.
type Manager struct {
	pushURL string
	dial    Dialer
	logger  *zap.Logger

	// OnEvent receives inbound events in receipt order.
	// OnOpen fires whenever a fresh connection is established.
	// OnDown fires once reconnect attempts are exhausted.
	OnEvent func(ev event.PushEvent)
	OnOpen  func(conversationID int64)
	OnDown  func(err error)

	mu             sync.Mutex
	generation     uint64 // bumped on every Open/Close; stale goroutines compare and bail
	conversationID int64
	role           Role
	sess           *session
	attempts       int
	retryTimer     *time.Timer
	terminal       bool
}

type session struct {
	id     string
	conn   Conn
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

func (s *session) close() {
	s.once.Do(func() {
		s.cancel()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		_ = s.conn.Close()
	})
}

// NewManager builds a manager for the given push endpoint.
func NewManager(pushURL string, dial Dialer, logger *zap.Logger) *Manager {
	return &Manager{
		pushURL: pushURL,
		dial:    dial,
		logger:  logger,
	}
}

// Open establishes one logical connection scoped to a conversation and role.
// Any previous connection is torn down first; at most one live connection
// exists at any time. The attempt counter starts fresh.
func (m *Manager) Open(conversationID int64, role Role) {
	m.mu.Lock()
	m.teardownLocked()
	m.generation++
	m.conversationID = conversationID
	m.role = role
	m.attempts = 0
	m.terminal = false
	gen := m.generation
	m.mu.Unlock()

	go m.connect(gen, conversationID, role)
}

// Close performs a clean shutdown. It suppresses any pending reconnect timer,
// resets the attempt counter, and never triggers reconnection.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.teardownLocked()
	m.generation++
	m.attempts = 0
	m.terminal = false
}

// Connected reports whether a live connection currently exists.
func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sess != nil
}

// Attempts returns the consecutive failed reconnect attempts so far.
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// Terminal reports whether the manager has given up reconnecting.
func (m *Manager) Terminal() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.terminal
}

// teardownLocked stops the retry timer and closes the current session.
func (m *Manager) teardownLocked() {
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
	if m.sess != nil {
		m.sess.close()
		m.sess = nil
	}
}

func (m *Manager) connect(gen uint64, conversationID int64, role Role) {
	ctx, cancel := context.WithCancel(context.Background())

	dialCtx, dialCancel := context.WithTimeout(ctx, dialTimeout)
	conn, err := m.dial(dialCtx, m.pushURL, conversationID, role)
	dialCancel()
	if err != nil {
		cancel()
		m.logger.Warn("push dial failed", zap.Error(err))
		m.scheduleReconnect(gen, conversationID, role, err)
		return
	}

	s := &session{
		id:     uuid.New().String(),
		conn:   conn,
		ctx:    ctx,
		cancel: cancel,
	}

	m.mu.Lock()
	if gen != m.generation {
		// Open/Close raced us; this connection is already stale.
		m.mu.Unlock()
		s.close()
		return
	}
	m.sess = s
	m.attempts = 0
	m.mu.Unlock()

	m.logger.Info("push connection established",
		zap.String("session_id", s.id),
		zap.Int64("conversation_id", conversationID),
	)

	if m.OnOpen != nil {
		m.OnOpen(conversationID)
	}

	go m.pingLoop(s)
	go m.readLoop(gen, conversationID, role, s)
}

func (m *Manager) readLoop(gen uint64, conversationID int64, role Role, s *session) {
	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.ctx.Done():
				// clean shutdown, no reconnect
				return
			default:
			}

			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				m.logger.Info("push connection closed by peer", zap.String("session_id", s.id))
			} else if ne, ok := err.(net.Error); ok && ne.Timeout() {
				m.logger.Warn("push connection timed out", zap.String("session_id", s.id))
			} else {
				m.logger.Warn("push read error", zap.String("session_id", s.id), zap.Error(err))
			}

			s.close()
			m.mu.Lock()
			if m.sess == s {
				m.sess = nil
			}
			m.mu.Unlock()
			m.scheduleReconnect(gen, conversationID, role, err)
			return
		}

		var ev event.PushEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			m.logger.Warn("dropping undecodable push event", zap.Error(err))
			continue
		}
		if m.OnEvent != nil {
			m.OnEvent(ev)
		}
	}
}

func (m *Manager) pingLoop(s *session) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				m.logger.Debug("ping write failed", zap.String("session_id", s.id), zap.Error(err))
				return
			}
		}
	}
}

func (m *Manager) scheduleReconnect(gen uint64, conversationID int64, role Role, cause error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if gen != m.generation {
		// a newer Open or a manual Close superseded this connection
		return
	}

	m.attempts++
	if m.attempts >= maxReconnectAttempts {
		m.terminal = true
		m.logger.Error("push reconnect attempts exhausted",
			zap.Int("attempts", m.attempts),
			zap.Error(cause),
		)
		if m.OnDown != nil {
			err := fmt.Errorf("%w: %v", ErrReconnectExhausted, cause)
			go m.OnDown(err)
		}
		return
	}

	m.logger.Info("scheduling push reconnect",
		zap.Int("attempt", m.attempts),
		zap.Duration("delay", reconnectDelay),
	)
	m.retryTimer = time.AfterFunc(reconnectDelay, func() {
		m.mu.Lock()
		stale := gen != m.generation
		m.retryTimer = nil
		m.mu.Unlock()
		if stale {
			return
		}
		m.connect(gen, conversationID, role)
	})
}
