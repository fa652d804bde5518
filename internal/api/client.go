package api

import (
	"Deskwire/internal/model"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrInvalidConversationID = errors.New("invalid conversation id: must be positive")
	ErrEmptyContent          = errors.New("invalid message: content cannot be empty")
	ErrUpstreamStatus        = errors.New("upstream returned non-2xx status")
)

const (
	// Timeouts
	defaultReadTimeout  = 10 * time.Second
	defaultWriteTimeout = 5 * time.Second

	// Retry configuration for idempotent reads
	maxRetries     = 3
	baseRetryDelay = 100 * time.Millisecond
	maxRetryDelay  = 2 * time.Second
)

// SendPayload is the outbound body of a send call. The call is fire and
// forget: the authoritative message arrives later on the push channel.
type SendPayload struct {
	ConversationID int64           `json:"conversationId"`
	SenderID       int64           `json:"senderId"`
	SenderIsAgent  bool            `json:"senderIsAgent"`
	Content        string          `json:"content"`
	MessageType    string          `json:"messageType"`
	ChatMode       string          `json:"chatMode"`
	File           *model.FileMeta `json:"file,omitempty"`
}

// MarkReadResult is the markRead response. The response, not the request, is
// the source of truth applied to local state.
type MarkReadResult struct {
	MessageIDs  []int64   `json:"messageIds"`
	UnreadCount int       `json:"unreadCount"`
	ReadAt      time.Time `json:"readAt"`
}

// Client is the request/response face of the remote support platform.
type Client interface {
	ListConversations(ctx context.Context, filter string) ([]model.ConversationSummary, error)
	SearchConversations(ctx context.Context, query string) ([]model.ConversationSummary, error)
	GetConversationDetail(ctx context.Context, conversationID int64) (*model.ConversationDetail, error)
	ListMessages(ctx context.Context, conversationID int64, includeSecondaryChannel bool) ([]model.Message, error)
	SendMessage(ctx context.Context, payload SendPayload) error
	MarkRead(ctx context.Context, conversationID int64, readerIsAgent bool) (*MarkReadResult, error)
}

type httpClient struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *zap.Logger
}

// NewClient builds an HTTP client for the platform request API.
func NewClient(baseURL, token string, logger *zap.Logger) Client {
	return &httpClient{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: defaultReadTimeout},
		logger:  logger,
	}
}

func (c *httpClient) ListConversations(ctx context.Context, filter string) ([]model.ConversationSummary, error) {
	q := url.Values{}
	if filter != "" {
		q.Set("filter", filter)
	}
	var out []model.ConversationSummary
	if err := c.getWithRetry(ctx, "/api/conversations", q, &out); err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	return out, nil
}

func (c *httpClient) SearchConversations(ctx context.Context, query string) ([]model.ConversationSummary, error) {
	q := url.Values{}
	q.Set("q", query)
	var out []model.ConversationSummary
	if err := c.getWithRetry(ctx, "/api/conversations/search", q, &out); err != nil {
		return nil, fmt.Errorf("search conversations: %w", err)
	}
	return out, nil
}

func (c *httpClient) GetConversationDetail(ctx context.Context, conversationID int64) (*model.ConversationDetail, error) {
	if conversationID <= 0 {
		return nil, ErrInvalidConversationID
	}
	var out model.ConversationDetail
	path := "/api/conversations/" + strconv.FormatInt(conversationID, 10)
	if err := c.getWithRetry(ctx, path, nil, &out); err != nil {
		return nil, fmt.Errorf("get conversation detail: %w", err)
	}
	return &out, nil
}

func (c *httpClient) ListMessages(ctx context.Context, conversationID int64, includeSecondaryChannel bool) ([]model.Message, error) {
	if conversationID <= 0 {
		return nil, ErrInvalidConversationID
	}
	q := url.Values{}
	if includeSecondaryChannel {
		q.Set("includeSecondaryChannel", "true")
	}
	var out []model.Message
	path := "/api/conversations/" + strconv.FormatInt(conversationID, 10) + "/messages"
	if err := c.getWithRetry(ctx, path, q, &out); err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return out, nil
}

func (c *httpClient) SendMessage(ctx context.Context, payload SendPayload) error {
	if payload.ConversationID <= 0 {
		return ErrInvalidConversationID
	}
	if payload.Content == "" && payload.File == nil {
		return ErrEmptyContent
	}
	ctx, cancel := c.ensureTimeout(ctx, defaultWriteTimeout)
	defer cancel()

	path := "/api/conversations/" + strconv.FormatInt(payload.ConversationID, 10) + "/messages"
	if err := c.do(ctx, http.MethodPost, path, nil, payload, nil); err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

func (c *httpClient) MarkRead(ctx context.Context, conversationID int64, readerIsAgent bool) (*MarkReadResult, error) {
	if conversationID <= 0 {
		return nil, ErrInvalidConversationID
	}
	ctx, cancel := c.ensureTimeout(ctx, defaultWriteTimeout)
	defer cancel()

	body := map[string]any{"readerIsAgent": readerIsAgent}
	var out MarkReadResult
	path := "/api/conversations/" + strconv.FormatInt(conversationID, 10) + "/read"
	if err := c.do(ctx, http.MethodPost, path, nil, body, &out); err != nil {
		return nil, fmt.Errorf("mark read: %w", err)
	}
	return &out, nil
}

// -----------------------------------------------------------------------------
// Private helpers
// -----------------------------------------------------------------------------

func (c *httpClient) getWithRetry(ctx context.Context, path string, q url.Values, out any) error {
	ctx, cancel := c.ensureTimeout(ctx, defaultReadTimeout)
	defer cancel()

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			if err := c.waitForRetry(ctx, attempt); err != nil {
				return err
			}
			c.logger.Warn("retrying request",
				zap.String("path", path),
				zap.Int("attempt", attempt+1),
			)
		}

		err := c.do(ctx, http.MethodGet, path, q, nil, out)
		if err == nil {
			return nil
		}
		lastErr = err

		if !c.isRetryableError(err) {
			break
		}
	}
	return lastErr
}

func (c *httpClient) do(ctx context.Context, method, path string, q url.Values, in, out any) error {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if method != http.MethodGet {
		req.Header.Set("X-Request-Id", uuid.New().String())
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Error("upstream request failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", resp.StatusCode),
		)
		return fmt.Errorf("%w: %s %s -> %d", ErrUpstreamStatus, method, path, resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response body: %w", err)
	}
	return nil
}

func (c *httpClient) ensureTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if _, hadDeadline := ctx.Deadline(); hadDeadline {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

func (c *httpClient) waitForRetry(ctx context.Context, attempt int) error {
	delay := time.Duration(1<<uint(attempt)) * baseRetryDelay
	if delay > maxRetryDelay {
		delay = maxRetryDelay
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return fmt.Errorf("retry wait cancelled: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

func (c *httpClient) isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, ErrUpstreamStatus) {
		return false
	}

	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	// transport-level errors (connection refused, reset) are worth retrying
	var ue *url.Error
	return errors.As(err, &ue)
}
