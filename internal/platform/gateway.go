package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// Gateway talks to a Telegram bridge over HTTP, with a websocket for the
// live event stream.
type Gateway struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *zap.Logger
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

// NewGateway creates a gateway client. Reads are retried on 429 and 5xx;
// writes are not, the outbox owns their retries.
func NewGateway(baseURL, token string, httpClient *http.Client, logger *zap.Logger) *Gateway {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8081"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
		logger:     logger,
		maxRetries: 3,
		baseDelay:  200 * time.Millisecond,
		maxDelay:   5 * time.Second,
	}
}

func (g *Gateway) Dialogs(ctx context.Context) ([]Dialog, error) {
	var out struct {
		Dialogs []Dialog `json:"dialogs"`
	}
	if err := g.doJSON(ctx, "dialogs", http.MethodGet, "/v1/dialogs", nil, &out, true); err != nil {
		return nil, err
	}
	return out.Dialogs, nil
}

func (g *Gateway) History(ctx context.Context, chatID string, afterID int64, limit int) ([]Message, error) {
	q := url.Values{}
	q.Set("after_id", strconv.FormatInt(afterID, 10))
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out struct {
		Messages []Message `json:"messages"`
	}
	path := fmt.Sprintf("/v1/chats/%s/messages?%s", url.PathEscape(chatID), q.Encode())
	if err := g.doJSON(ctx, "history", http.MethodGet, path, nil, &out, true); err != nil {
		return nil, err
	}
	for i := range out.Messages {
		if out.Messages[i].ChatID == "" {
			out.Messages[i].ChatID = chatID
		}
	}
	return out.Messages, nil
}

type sendRequest struct {
	Text      string `json:"text"`
	ReplyToID int64  `json:"replyToId,omitempty"`
}

func (g *Gateway) SendMessage(ctx context.Context, chatID string, msg OutgoingMessage) (Message, error) {
	path := fmt.Sprintf("/v1/chats/%s/messages", url.PathEscape(chatID))
	var out struct {
		Message Message `json:"message"`
	}
	var err error
	if msg.Upload != nil {
		err = g.sendMultipart(ctx, path, msg, &out)
	} else {
		err = g.doJSON(ctx, "send message", http.MethodPost, path, sendRequest{Text: msg.Text, ReplyToID: msg.ReplyToID}, &out, false)
	}
	if err != nil {
		return Message{}, err
	}
	if out.Message.ID == 0 {
		return Message{}, &Error{Op: "send message", Status: http.StatusBadGateway, Message: "gateway returned no message id"}
	}
	out.Message.ChatID = chatID
	return out.Message, nil
}

func (g *Gateway) SendReaction(ctx context.Context, chatID string, messageID int64, emoji string, remove bool) error {
	path := fmt.Sprintf("/v1/chats/%s/messages/%d/reactions", url.PathEscape(chatID), messageID)
	body := struct {
		Emoji  string `json:"emoji"`
		Remove bool   `json:"remove,omitempty"`
	}{emoji, remove}
	return g.doJSON(ctx, "send reaction", http.MethodPost, path, body, nil, false)
}

// Subscribe dials the event websocket and feeds each event to fn.
func (g *Gateway) Subscribe(ctx context.Context, fn func(context.Context, Event) error) error {
	wsURL := "ws" + strings.TrimPrefix(g.baseURL, "http") + "/v1/events"
	header := http.Header{}
	if g.token != "" {
		header.Set("Authorization", "Bearer "+g.token)
	}
	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPHeader: header, HTTPClient: g.wsHTTPClient()})
	if err != nil {
		if resp != nil {
			return &Error{Op: "subscribe", Status: resp.StatusCode, Message: err.Error()}
		}
		return fmt.Errorf("subscribe: %w", err)
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()
	conn.SetReadLimit(4 << 20)
	g.logger.Info("event stream connected", zap.String("url", wsURL))

	for {
		var evt Event
		if err := wsjson.Read(ctx, conn, &evt); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return fmt.Errorf("subscribe: %w: stream closed by gateway", ErrUnavailable)
			}
			return fmt.Errorf("subscribe: read: %w", err)
		}
		if err := fn(ctx, evt); err != nil {
			_ = conn.Close(websocket.StatusInternalError, "handler failed")
			return err
		}
	}
}

// wsHTTPClient drops the overall timeout, which would cut a long-lived
// stream.
func (g *Gateway) wsHTTPClient() *http.Client {
	c := *g.httpClient
	c.Timeout = 0
	return &c
}

func (g *Gateway) sendMultipart(ctx context.Context, path string, msg OutgoingMessage, out any) error {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	payload, err := json.Marshal(sendRequest{Text: msg.Text, ReplyToID: msg.ReplyToID})
	if err != nil {
		return err
	}
	if err := mw.WriteField("payload", string(payload)); err != nil {
		return err
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, msg.Upload.Name))
	ct := msg.Upload.MimeType
	if ct == "" {
		ct = "application/octet-stream"
	}
	h.Set("Content-Type", ct)
	part, err := mw.CreatePart(h)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, msg.Upload.Body); err != nil {
		return fmt.Errorf("read upload: %w", err)
	}
	if err := mw.Close(); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+path, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return g.do(req, "send message", out)
}

func (g *Gateway) doJSON(ctx context.Context, op, method, path string, body, out any, retry bool) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, bodyReader)
		if err != nil {
			return err
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		err = g.do(req, op, out)
		if err == nil || !retry || attempt >= g.maxRetries || IsPermanent(err) {
			return err
		}
		if ctx.Err() != nil {
			return err
		}
		delay := g.retryDelay(attempt+1, RetryAfter(err))
		g.logger.Debug("gateway retry", zap.String("op", op), zap.Int("attempt", attempt+1), zap.Duration("delay", delay), zap.Error(err))
		if waitErr := waitWithContext(ctx, delay); waitErr != nil {
			return waitErr
		}
	}
}

func (g *Gateway) do(req *http.Request, op string, out any) error {
	if g.token != "" {
		req.Header.Set("Authorization", "Bearer "+g.token)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	payload, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return fmt.Errorf("%s: read body: %w", op, readErr)
	}

	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		if out == nil || len(payload) == 0 {
			return nil
		}
		if err := json.Unmarshal(payload, out); err != nil {
			return fmt.Errorf("%s: decode: %w", op, err)
		}
		return nil
	}

	var errPayload struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	_ = json.Unmarshal(payload, &errPayload)
	return &Error{
		Op:         op,
		Status:     resp.StatusCode,
		Code:       errPayload.Code,
		Message:    errPayload.Message,
		RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
	}
}

func (g *Gateway) retryDelay(attempt int, retryAfter time.Duration) time.Duration {
	if retryAfter > 0 {
		return min(retryAfter, g.maxDelay)
	}
	delay := g.baseDelay << (attempt - 1)
	return min(delay, g.maxDelay)
}

func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

var _ Client = (*Gateway)(nil)
