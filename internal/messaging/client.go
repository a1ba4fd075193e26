// Package messaging is the REST client for the marketplace messaging API.
package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/attribute"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"

	"marketsync/internal/auth"
	"marketsync/internal/models"
	"marketsync/internal/observability"
)

// Doer sends an HTTP request. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client calls the messaging endpoints. It is safe for concurrent use.
type Client struct {
	baseURL string
	tokens  auth.TokenSource
	doer    Doer
	timeout time.Duration
	breaker *gobreaker.CircuitBreaker
	log     *observability.SyncLogger
}

// Option configures a Client.
type Option func(*Client)

// WithDoer replaces the HTTP transport.
func WithDoer(d Doer) Option {
	return func(c *Client) { c.doer = d }
}

// WithTimeout bounds each request. Zero disables the bound.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithLogger sets the logger.
func WithLogger(l *observability.SyncLogger) Option {
	return func(c *Client) { c.log = l }
}

// WithBreaker replaces the circuit breaker settings. IsSuccessful is always
// overridden so that client errors never trip the breaker.
func WithBreaker(st gobreaker.Settings) Option {
	return func(c *Client) { c.breaker = newBreaker(st, c.log) }
}

// New returns a client for the API rooted at baseURL, e.g.
// https://api.example.com/api/v1.
func New(baseURL string, tokens auth.TokenSource, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid api base url %q", baseURL)
	}

	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		tokens:  tokens,
		doer:    &http.Client{},
		timeout: 15 * time.Second,
		log:     observability.NewSyncLogger("messaging"),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.breaker == nil {
		c.breaker = newBreaker(gobreaker.Settings{}, c.log)
	}
	return c, nil
}

func newBreaker(st gobreaker.Settings, log *observability.SyncLogger) *gobreaker.CircuitBreaker {
	if st.Name == "" {
		st.Name = "messaging-api"
	}
	if st.MaxRequests == 0 {
		st.MaxRequests = 1
	}
	if st.Timeout == 0 {
		st.Timeout = 30 * time.Second
	}
	if st.ReadyToTrip == nil {
		st.ReadyToTrip = func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		}
	}
	if st.OnStateChange == nil {
		st.OnStateChange = func(name string, from, to gobreaker.State) {
			log.Warn(context.Background(), "circuit breaker state",
				"name", name, "from", from.String(), "to", to.String())
		}
	}
	st.IsSuccessful = func(err error) bool {
		if err == nil {
			return true
		}
		appErr, ok := models.AsAppError(err)
		return ok && !appErr.Temporary()
	}
	return gobreaker.NewCircuitBreaker(st)
}

// envelope is the {success, data, error} wrapper every endpoint returns.
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   json.RawMessage `json:"error"`
	Code    string          `json:"code"`
	Message string          `json:"message"`
}

// GetUserConversations lists the caller's conversations, most recent first.
func (c *Client) GetUserConversations(ctx context.Context, page, pageSize int) (*models.ConversationPage, error) {
	var out models.ConversationPage
	err := c.call(ctx, "get_user_conversations", http.MethodGet, "/users/conversations", pageQuery(page, pageSize), nil, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// GetConversationHistory returns one page of a conversation's messages.
func (c *Client) GetConversationHistory(ctx context.Context, conversationID string, page, pageSize int) (*models.ConversationHistory, error) {
	if conversationID == "" {
		return nil, models.NewValidationError("conversation id is required")
	}
	var out models.ConversationHistory
	path := "/conversations/" + url.PathEscape(conversationID) + "/messages"
	if err := c.call(ctx, "get_conversation_history", http.MethodGet, path, pageQuery(page, pageSize), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SendMessage posts a message to a conversation. A client message id is
// generated when the request has none so retries can be de-duplicated.
func (c *Client) SendMessage(ctx context.Context, conversationID string, req models.SendMessageRequest) (*models.Message, error) {
	if conversationID == "" {
		return nil, models.NewValidationError("conversation id is required")
	}
	if strings.TrimSpace(req.Content) == "" && len(req.Attachments) == 0 {
		return nil, models.NewValidationError("message content or attachment is required")
	}
	if req.Type == "" {
		req.Type = models.MessageTypeText
	}
	if req.ClientMessageID == "" {
		req.ClientMessageID = uuid.NewString()
	}

	var out models.Message
	path := "/conversations/" + url.PathEscape(conversationID) + "/messages"
	if err := c.call(ctx, "send_message", http.MethodPost, path, nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateConversation opens a new conversation.
func (c *Client) CreateConversation(ctx context.Context, req models.CreateConversationRequest) (*models.Conversation, error) {
	if len(req.ParticipantIDs) == 0 {
		return nil, models.NewValidationError("at least one participant is required")
	}
	if req.Type == "" {
		req.Type = models.ConversationDirect
	}

	var out models.Conversation
	if err := c.call(ctx, "create_conversation", http.MethodPost, "/conversations", nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// MarkMessageAsRead records that the caller read a message.
func (c *Client) MarkMessageAsRead(ctx context.Context, messageID string) error {
	if messageID == "" {
		return models.NewValidationError("message id is required")
	}
	path := "/messages/" + url.PathEscape(messageID) + "/read"
	return c.call(ctx, "mark_message_read", http.MethodPost, path, nil, nil, nil)
}

func pageQuery(page, pageSize int) url.Values {
	q := url.Values{}
	if page > 0 {
		q.Set("page", strconv.Itoa(page))
	}
	if pageSize > 0 {
		q.Set("page_size", strconv.Itoa(pageSize))
	}
	return q
}

func (c *Client) call(ctx context.Context, operation, method, path string, query url.Values, body, out any) (err error) {
	ctx, span := observability.StartClientSpan(ctx, "messaging."+operation,
		attribute.String("http.request.method", method),
		semconv.URLPath(path),
	)
	defer span.End()

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	start := time.Now()
	status := 0
	defer func() {
		observability.APIRequestLatency.WithLabelValues(operation, statusClass(status)).Observe(time.Since(start).Seconds())
		if err != nil {
			span.SetError(err)
			c.log.Debug(ctx, "messaging api call failed", "operation", operation, "status", status, "error", err.Error())
		}
	}()

	req, err := c.newRequest(ctx, method, path, query, body)
	if err != nil {
		return err
	}

	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.do(req)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return &models.AppError{Code: "CIRCUIT_OPEN", Message: "Messaging API temporarily unavailable", Err: err}
		}
		if appErr, ok := models.AsAppError(err); ok {
			status = appErr.Status
		}
		return err
	}

	data := result.(json.RawMessage)
	status = http.StatusOK
	span.AddAttributes(semconv.HTTPResponseStatusCode(status))
	if out == nil || len(data) == 0 || string(data) == "null" {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return models.NewInternalError(fmt.Errorf("decode %s response: %w", operation, err))
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, query url.Values, body any) (*http.Request, error) {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var rdr io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, models.NewInternalError(err)
		}
		rdr = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, rdr)
	if err != nil {
		return nil, models.NewInternalError(err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if id := observability.ExtractCorrelationID(ctx); id != "" {
		req.Header.Set("X-Correlation-ID", id)
	}

	if c.tokens != nil {
		token, err := c.tokens.Token(ctx)
		if err != nil && !errors.Is(err, auth.ErrNoToken) {
			return nil, &models.AppError{Status: http.StatusUnauthorized, Code: "UNAUTHORIZED", Message: "Could not obtain auth token", Err: err}
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}
	return req, nil
}

// do sends req and unwraps the envelope. The returned error is always an
// *models.AppError.
func (c *Client) do(req *http.Request) (json.RawMessage, error) {
	resp, err := c.doer.Do(req)
	if err != nil {
		return nil, models.NewTransportError(err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, models.NewTransportError(err)
	}

	var env envelope
	decodeErr := json.Unmarshal(raw, &env)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if decodeErr != nil {
			return nil, models.NewAPIError(resp.StatusCode, "", "")
		}
		code, msg := errorDetail(env)
		return nil, models.NewAPIError(resp.StatusCode, code, msg)
	}
	if decodeErr != nil {
		return nil, models.NewInternalError(fmt.Errorf("malformed response envelope: %w", decodeErr))
	}
	if !env.Success {
		code, msg := errorDetail(env)
		if msg == "" {
			msg = "Request was not successful"
		}
		return nil, models.NewAPIError(resp.StatusCode, code, msg)
	}
	return env.Data, nil
}

// errorDetail extracts a human-readable message from the envelope's error
// field, which is either a string or an object.
func errorDetail(env envelope) (code, message string) {
	code, message = env.Code, env.Message
	if len(env.Error) == 0 || string(env.Error) == "null" {
		return code, message
	}

	var s string
	if err := json.Unmarshal(env.Error, &s); err == nil {
		return code, s
	}

	var obj struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Error   string `json:"error"`
		Details string `json:"details"`
	}
	if err := json.Unmarshal(env.Error, &obj); err == nil {
		if obj.Code != "" {
			code = obj.Code
		}
		switch {
		case obj.Message != "":
			message = obj.Message
		case obj.Error != "":
			message = obj.Error
		case obj.Details != "":
			message = obj.Details
		}
	}
	return code, message
}

func statusClass(status int) string {
	if status == 0 {
		return "error"
	}
	return strconv.Itoa(status/100) + "xx"
}
