// Package apiclient calls the request/response half of the message API: submit
// a message and check a message's status.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/tidwall/gjson"

	"github.com/floegence/redeven-stream/internal/message"
)

const maxResponseBytes = 8 << 20

// APIError is a non-2xx response.
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	if e == nil {
		return "api error"
	}
	body := strings.TrimSpace(e.Body)
	if len(body) > 200 {
		body = body[:200] + "..."
	}
	if body == "" {
		return fmt.Sprintf("%s %s: status %d", e.Method, e.Path, e.StatusCode)
	}
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.StatusCode, body)
}

// Part is one ordered piece of user content.
type Part struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	URL      string `json:"url,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Name     string `json:"name,omitempty"`
}

func TextPart(text string) Part { return Part{Type: string(message.ContentText), Text: text} }

type SubmitRequest struct {
	SessionID string `json:"-"`
	Content   []Part `json:"content"`
	// Attachments are references to already uploaded files.
	Attachments     []string `json:"attachments,omitempty"`
	IncludeHistory  bool     `json:"include_history"`
	ClientMessageID string   `json:"client_message_id,omitempty"`
}

type SubmitResponse struct {
	MessageID string `json:"message_id"`
	// AssistantMessageID is empty when no reply will be produced.
	AssistantMessageID string `json:"assistant_message_id,omitempty"`
	SessionID          string `json:"session_id"`
}

// MessageStatus is the get-message-status body: the message snapshot plus a
// status field.
type MessageStatus struct {
	Status  string
	Message message.Aggregate
}

func (s MessageStatus) Terminal() bool { return message.IsTerminalStatus(s.Status) }

type Options struct {
	BaseURL string
	Token   string
	Logger  *slog.Logger
	// RequestTimeout bounds each HTTP attempt. Defaults to 30s.
	RequestTimeout time.Duration
	// StatusRetries is the number of retries for the status check. Submit is
	// never retried.
	StatusRetries int
	// RetryWaitMin and RetryWaitMax bound the wait between status retries.
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
	HTTPClient   *http.Client
}

type Client struct {
	base   string
	token  string
	log    *slog.Logger
	submit *retryablehttp.Client
	status *retryablehttp.Client
}

func New(opts Options) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		return nil, errors.New("missing base url")
	}
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid base url scheme %q", u.Scheme)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = cleanhttp.DefaultPooledClient()
		hc.Timeout = opts.RequestTimeout
		if hc.Timeout <= 0 {
			hc.Timeout = 30 * time.Second
		}
	}
	retries := opts.StatusRetries
	if retries < 0 {
		retries = 0
	}

	newRetrying := func(max int) *retryablehttp.Client {
		rc := retryablehttp.NewClient()
		rc.HTTPClient = hc
		rc.Logger = logger
		rc.RetryMax = max
		if opts.RetryWaitMin > 0 {
			rc.RetryWaitMin = opts.RetryWaitMin
		}
		if opts.RetryWaitMax > 0 {
			rc.RetryWaitMax = opts.RetryWaitMax
		}
		if rc.RetryWaitMax < rc.RetryWaitMin {
			rc.RetryWaitMax = rc.RetryWaitMin
		}
		rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
		return rc
	}

	return &Client{
		base:   base,
		token:  strings.TrimSpace(opts.Token),
		log:    logger,
		submit: newRetrying(0),
		status: newRetrying(retries),
	}, nil
}

func (c *Client) BaseURL() string { return c.base }

func MessagesPath(sessionID string) string {
	return "/api/sessions/" + url.PathEscape(sessionID) + "/messages"
}

func StatusPath(sessionID string, messageID string) string {
	return MessagesPath(sessionID) + "/" + url.PathEscape(messageID) + "/status"
}

// SubmitMessage posts a new user message. It is not retried: a repeated submit
// could create a duplicate message.
func (c *Client) SubmitMessage(ctx context.Context, req SubmitRequest) (SubmitResponse, error) {
	sessionID := strings.TrimSpace(req.SessionID)
	if sessionID == "" {
		return SubmitResponse{}, errors.New("missing session id")
	}
	if len(req.Content) == 0 && len(req.Attachments) == 0 {
		return SubmitResponse{}, errors.New("empty message")
	}
	body, err := json.Marshal(req)
	if err != nil {
		return SubmitResponse{}, err
	}

	raw, err := c.do(ctx, c.submit, http.MethodPost, MessagesPath(sessionID), body)
	if err != nil {
		return SubmitResponse{}, err
	}
	var out SubmitResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return SubmitResponse{}, fmt.Errorf("decode submit response: %w", err)
	}
	out.MessageID = strings.TrimSpace(out.MessageID)
	out.AssistantMessageID = strings.TrimSpace(out.AssistantMessageID)
	out.SessionID = strings.TrimSpace(out.SessionID)
	if out.SessionID == "" {
		out.SessionID = sessionID
	}
	return out, nil
}

// GetMessageStatus fetches the current snapshot of a message.
func (c *Client) GetMessageStatus(ctx context.Context, sessionID string, messageID string) (MessageStatus, error) {
	sessionID = strings.TrimSpace(sessionID)
	messageID = strings.TrimSpace(messageID)
	if sessionID == "" || messageID == "" {
		return MessageStatus{}, errors.New("invalid request")
	}
	raw, err := c.do(ctx, c.status, http.MethodGet, StatusPath(sessionID, messageID), nil)
	if err != nil {
		return MessageStatus{}, err
	}
	if !gjson.ValidBytes(raw) {
		return MessageStatus{}, errors.New("decode status response: invalid json")
	}
	out := MessageStatus{Status: strings.ToLower(strings.TrimSpace(gjson.GetBytes(raw, "status").String()))}
	if err := json.Unmarshal(raw, &out.Message); err != nil {
		return MessageStatus{}, fmt.Errorf("decode status response: %w", err)
	}
	if out.Message.MessageID == "" {
		out.Message.MessageID = messageID
	}
	if out.Message.SessionID == "" {
		out.Message.SessionID = sessionID
	}
	if out.Message.PendingTasks == nil {
		out.Message.PendingTasks = map[string]message.Task{}
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, rc *retryablehttp.Client, method string, path string, body []byte) ([]byte, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	var reqBody any
	if body != nil {
		reqBody = body
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.base+path, reqBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := rc.Do(req)
	if err != nil {
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &APIError{Method: method, Path: path, StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(raw))}
	}
	return raw, nil
}
