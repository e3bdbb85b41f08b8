package platform

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

func newTestGateway(t *testing.T, h http.Handler) *Gateway {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	g := NewGateway(srv.URL, "secret", srv.Client(), nil)
	g.baseDelay = time.Millisecond
	return g
}

func TestGatewayHistory(t *testing.T) {
	g := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Equal(t, "/v1/chats/-100/messages", r.URL.Path)
		assert.Equal(t, "100", r.URL.Query().Get("after_id"))
		assert.Equal(t, "50", r.URL.Query().Get("limit"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"messages": []Message{{ID: 101, Text: "a"}, {ID: 102, Text: "b"}},
		})
	}))

	msgs, err := g.History(context.Background(), "-100", 100, 50)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, int64(101), msgs[0].ID)
	assert.Equal(t, "-100", msgs[0].ChatID)
}

func TestGatewayRetriesReadsOnRateLimit(t *testing.T) {
	var calls atomic.Int32
	g := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"code":"FLOOD_WAIT","message":"slow down"}`))
			return
		}
		_, _ = w.Write([]byte(`{"dialogs":[{"chatId":"1","title":"Alice","type":"private"}]}`))
	}))

	dialogs, err := g.Dialogs(context.Background())
	require.NoError(t, err)
	assert.Len(t, dialogs, 1)
	assert.Equal(t, int32(3), calls.Load())
}

func TestGatewaySendIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	g := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Retry-After", "3")
		w.WriteHeader(http.StatusTooManyRequests)
	}))

	_, err := g.SendMessage(context.Background(), "1", OutgoingMessage{Text: "hi"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.False(t, IsPermanent(err))
	assert.Equal(t, 3*time.Second, RetryAfter(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestGatewaySendMessage(t *testing.T) {
	g := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body sendRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "hello", body.Text)
		assert.Equal(t, int64(7), body.ReplyToID)
		_, _ = w.Write([]byte(`{"message":{"id":555,"date":1700000000,"out":true,"text":"hello"}}`))
	}))

	m, err := g.SendMessage(context.Background(), "1", OutgoingMessage{Text: "hello", ReplyToID: 7})
	require.NoError(t, err)
	assert.Equal(t, int64(555), m.ID)
	assert.Equal(t, "1", m.ChatID)
}

func TestGatewaySendMultipart(t *testing.T) {
	g := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Contains(t, r.FormValue("payload"), `"text":"look"`)
		f, hdr, err := r.FormFile("file")
		require.NoError(t, err)
		defer f.Close()
		data, _ := io.ReadAll(f)
		assert.Equal(t, "cat.png", hdr.Filename)
		assert.Equal(t, "PNGDATA", string(data))
		_, _ = w.Write([]byte(`{"message":{"id":9}}`))
	}))

	m, err := g.SendMessage(context.Background(), "1", OutgoingMessage{
		Text:   "look",
		Upload: &Upload{Name: "cat.png", MimeType: "image/png", Body: strings.NewReader("PNGDATA")},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(9), m.ID)
}

func TestGatewayPermanentErrors(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusNotFound, ErrNotFound},
		{http.StatusForbidden, ErrForbidden},
		{http.StatusBadRequest, ErrInvalid},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			g := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			err := g.SendReaction(context.Background(), "1", 5, "👍", false)
			assert.ErrorIs(t, err, tt.want)
			assert.True(t, IsPermanent(err))
		})
	}
}

func TestGatewaySubscribe(t *testing.T) {
	g := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/events", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close(websocket.StatusNormalClosure, "")
		ctx := r.Context()
		for _, id := range []int64{1, 2} {
			evt := Event{Kind: EventNewMessage, ChatID: "1", Message: &Message{ID: id, Text: "x"}}
			if err := wsjson.Write(ctx, c, evt); err != nil {
				return
			}
		}
		// Hold the connection until the client goes away.
		_, _, _ = c.Read(ctx)
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var got []int64
	stop := errors.New("enough")
	err := g.Subscribe(ctx, func(_ context.Context, evt Event) error {
		got = append(got, evt.Message.ID)
		if len(got) == 2 {
			return stop
		}
		return nil
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, []int64{1, 2}, got)
}

func TestEventKey(t *testing.T) {
	a := Event{Kind: EventNewMessage, ChatID: "1", Message: &Message{ID: 5}}
	b := Event{Kind: EventNewMessage, ChatID: "1", Message: &Message{ID: 5}}
	c := Event{Kind: EventEditMessage, ChatID: "1", Message: &Message{ID: 5, EditDate: 9}}
	assert.Equal(t, a.Key(), b.Key())
	assert.NotEqual(t, a.Key(), c.Key())
	assert.Equal(t, "gw-1", Event{ID: "gw-1"}.Key())
}
