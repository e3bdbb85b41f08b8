// Package client is the daemon's HTTP client plus the reconciliation logic
// that keeps a local view consistent with it: adaptive status polling with
// edge-triggered completion, optimistic list merging, page dedup and a
// per-conversation message cache.
package client

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
)

var (
	ErrNotFound    = errors.New("client: not found")
	ErrConflict    = errors.New("client: conflict")
	ErrBadRequest  = errors.New("client: bad request")
	ErrUnavailable = errors.New("client: unavailable")
)

// APIError is a non-2xx response from the daemon.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("daemon: %d %s", e.Status, http.StatusText(e.Status))
	}
	return fmt.Sprintf("daemon: %d: %s", e.Status, e.Message)
}

// Unwrap maps the status to a sentinel so callers can use errors.Is.
func (e *APIError) Unwrap() error {
	switch e.Status {
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusConflict:
		return ErrConflict
	case http.StatusBadRequest:
		return ErrBadRequest
	case http.StatusServiceUnavailable:
		return ErrUnavailable
	}
	return nil
}

// Client talks to the daemon's HTTP API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a client for the daemon at baseURL (host:port or URL).
func New(baseURL string, httpClient *http.Client) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "127.0.0.1:7878"
	}
	if !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{baseURL: baseURL, httpClient: httpClient}
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&e)
		return &APIError{Status: resp.StatusCode, Message: e.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s %s: decode: %w", method, path, err)
	}
	return nil
}

// Status returns the sync status snapshot.
func (c *Client) Status(ctx context.Context) (*Status, error) {
	var st Status
	if err := c.do(ctx, http.MethodGet, "/sync/status", nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// StartGlobalSync starts a catch-up of every conversation. ErrConflict
// means one is already running.
func (c *Client) StartGlobalSync(ctx context.Context) (*Run, error) {
	var out struct {
		Run Run `json:"run"`
	}
	if err := c.do(ctx, http.MethodPost, "/sync/global", nil, &out); err != nil {
		return nil, err
	}
	return &out.Run, nil
}

// CancelGlobalSync asks the running global sync to stop. ErrNotFound means
// nothing is running.
func (c *Client) CancelGlobalSync(ctx context.Context) error {
	return c.do(ctx, http.MethodDelete, "/sync/global", nil, nil)
}

// StartConversationSync starts a catch-up of one conversation.
func (c *Client) StartConversationSync(ctx context.Context, id int64) (*Run, error) {
	var out struct {
		Run Run `json:"run"`
	}
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/sync/conversation/%d", id), nil, &out); err != nil {
		return nil, err
	}
	return &out.Run, nil
}

// Conversations lists conversations by recent activity.
func (c *Client) Conversations(ctx context.Context, limit, offset int) ([]Conversation, bool, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	q.Set("offset", strconv.Itoa(offset))
	var out struct {
		Conversations []Conversation `json:"conversations"`
		HasMore       bool           `json:"hasMore"`
	}
	if err := c.do(ctx, http.MethodGet, "/conversations?"+q.Encode(), nil, &out); err != nil {
		return nil, false, err
	}
	return out.Conversations, out.HasMore, nil
}

// Conversation returns one conversation.
func (c *Client) Conversation(ctx context.Context, id int64) (*Conversation, error) {
	var out struct {
		Conversation Conversation `json:"conversation"`
	}
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/conversations/%d", id), nil, &out); err != nil {
		return nil, err
	}
	return &out.Conversation, nil
}

// UpdateConversation applies a patch and returns the updated conversation.
func (c *Client) UpdateConversation(ctx context.Context, id int64, p ConversationPatch) (*Conversation, error) {
	var out struct {
		Conversation Conversation `json:"conversation"`
	}
	if err := c.do(ctx, http.MethodPatch, fmt.Sprintf("/conversations/%d", id), p, &out); err != nil {
		return nil, err
	}
	return &out.Conversation, nil
}

// Classify runs the classifier on a conversation. ErrUnavailable means no
// classifier answered.
func (c *Client) Classify(ctx context.Context, id int64) (*Classification, error) {
	var out struct {
		Classification Classification `json:"classification"`
	}
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/conversations/%d/classify", id), nil, &out); err != nil {
		return nil, err
	}
	return &out.Classification, nil
}

// Messages returns a page newest first. before is the id of the oldest
// message already held, or 0 for the newest page.
func (c *Client) Messages(ctx context.Context, conversationID, before int64, limit int) (*Page, error) {
	q := url.Values{}
	if before > 0 {
		q.Set("before", strconv.FormatInt(before, 10))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := fmt.Sprintf("/conversations/%d/messages", conversationID)
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var p Page
	if err := c.do(ctx, http.MethodGet, path, nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// Send enqueues a message.
func (c *Client) Send(ctx context.Context, conversationID int64, req SendRequest) (*Accepted, error) {
	var out struct {
		Message Accepted `json:"message"`
	}
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/conversations/%d/send", conversationID), req, &out); err != nil {
		return nil, err
	}
	return &out.Message, nil
}

// React enqueues a reaction on a stored message.
func (c *Client) React(ctx context.Context, conversationID, messageID int64, emoji string, remove bool) (*Accepted, error) {
	body := struct {
		MessageID int64  `json:"messageId"`
		Emoji     string `json:"emoji"`
		Remove    bool   `json:"remove,omitempty"`
	}{messageID, emoji, remove}
	var out struct {
		Reaction Accepted `json:"reaction"`
	}
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/conversations/%d/reactions", conversationID), body, &out); err != nil {
		return nil, err
	}
	return &out.Reaction, nil
}

// OutboxEntry returns an outbox entry by id.
func (c *Client) OutboxEntry(ctx context.Context, entryID string) (*Entry, error) {
	var out struct {
		Entry Entry `json:"entry"`
	}
	if err := c.do(ctx, http.MethodGet, "/outbox/"+url.PathEscape(entryID), nil, &out); err != nil {
		return nil, err
	}
	return &out.Entry, nil
}

// Retry re-queues a failed outbox entry.
func (c *Client) Retry(ctx context.Context, entryID string) (*Entry, error) {
	var out struct {
		Entry Entry `json:"entry"`
	}
	if err := c.do(ctx, http.MethodPost, "/outbox/"+url.PathEscape(entryID)+"/retry", nil, &out); err != nil {
		return nil, err
	}
	return &out.Entry, nil
}

// Search finds messages. conversationID 0 searches everything. It also
// returns the backend that answered.
func (c *Client) Search(ctx context.Context, query string, conversationID int64, limit int) ([]SearchResult, string, error) {
	q := url.Values{}
	q.Set("q", query)
	if conversationID > 0 {
		q.Set("conversationId", strconv.FormatInt(conversationID, 10))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out struct {
		Results []SearchResult `json:"results"`
		Backend string         `json:"backend"`
	}
	if err := c.do(ctx, http.MethodGet, "/search?"+q.Encode(), nil, &out); err != nil {
		return nil, "", err
	}
	return out.Results, out.Backend, nil
}

// Health returns the daemon health report.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var h Health
	if err := c.do(ctx, http.MethodGet, "/health", nil, &h); err != nil {
		return nil, err
	}
	return &h, nil
}
