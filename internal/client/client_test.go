package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(srv.URL, srv.Client())
}

func TestClientStatus(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/sync/status", r.URL.Path)
		_, _ = w.Write([]byte(`{"globalSync":{"isRunning":true,"progress":{"processed":2,"total":5}},"canStartGlobalSync":false,"canStartSingleSync":true}`))
	})
	st, err := c.Status(context.Background())
	require.NoError(t, err)
	assert.True(t, st.GlobalSync.IsRunning)
	assert.Equal(t, 2, st.GlobalSync.Progress.Processed)
	assert.True(t, st.CanStartSingleSync)
}

func TestClientErrors(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusNotFound, ErrNotFound},
		{http.StatusConflict, ErrConflict},
		{http.StatusBadRequest, ErrBadRequest},
		{http.StatusServiceUnavailable, ErrUnavailable},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"error":"nope"}`))
			})
			_, err := c.StartGlobalSync(context.Background())
			assert.ErrorIs(t, err, tt.want)
			var apiErr *APIError
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, "nope", apiErr.Message)
		})
	}
}

func TestClientMessagesQuery(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/conversations/4/messages", r.URL.Path)
		assert.Equal(t, "17", r.URL.Query().Get("before"))
		assert.Equal(t, "25", r.URL.Query().Get("limit"))
		_, _ = w.Write([]byte(`{"messages":[{"id":16,"conversationId":4,"body":"x"}],"hasMore":true}`))
	})
	p, err := c.Messages(context.Background(), 4, 17, 25)
	require.NoError(t, err)
	require.Len(t, p.Messages, 1)
	assert.True(t, p.HasMore)
	assert.Equal(t, "x", p.Messages[0].Body)
}

func TestClientSendAttachment(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/conversations/2/send", r.URL.Path)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		att := body["attachment"].(map[string]any)
		assert.Equal(t, "aGk=", att["data"])
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"message":{"id":"e1","status":"pending"}}`))
	})
	acc, err := c.Send(context.Background(), 2, SendRequest{Attachment: &Attachment{Name: "a.txt", Data: []byte("hi")}})
	require.NoError(t, err)
	assert.Equal(t, Accepted{ID: "e1", Status: "pending"}, *acc)
}

func TestClientConversationNotes(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPatch, r.Method)
		_, _ = w.Write([]byte(`{"conversation":{"id":1,"metadata":{"notes":"vip","ai":{"status":"lead","priority":"high"}}}}`))
	})
	notes := "vip"
	conv, err := c.UpdateConversation(context.Background(), 1, ConversationPatch{Notes: &notes})
	require.NoError(t, err)
	assert.Equal(t, "vip", conv.Notes())
	require.NotNil(t, conv.Classification())
	assert.Equal(t, "high", conv.Classification().Priority)
}

func TestNewDefaultsScheme(t *testing.T) {
	assert.Equal(t, "http://127.0.0.1:7878", New("", nil).baseURL)
	assert.Equal(t, "http://h:1", New("h:1/", nil).baseURL)
	assert.Equal(t, "https://h", New("https://h", nil).baseURL)
}
