package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/matheus3301/tgcrm/internal/blob"
	"github.com/matheus3301/tgcrm/internal/bus"
	"github.com/matheus3301/tgcrm/internal/classify"
	"github.com/matheus3301/tgcrm/internal/lock"
	"github.com/matheus3301/tgcrm/internal/outbox"
	"github.com/matheus3301/tgcrm/internal/platform"
	"github.com/matheus3301/tgcrm/internal/platform/platformtest"
	"github.com/matheus3301/tgcrm/internal/search"
	"github.com/matheus3301/tgcrm/internal/status"
	"github.com/matheus3301/tgcrm/internal/store"
	intsync "github.com/matheus3301/tgcrm/internal/sync"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

type stubClassifier struct{}

func (stubClassifier) Classify(context.Context, classify.Input) (*classify.Result, error) {
	return &classify.Result{Status: classify.StatusActive, Summary: "talking", Priority: "high", Confidence: 0.8}, nil
}

type env struct {
	db         *store.DB
	fake       *platformtest.Fake
	blobs      *blob.Dir
	locks      *lock.Manager
	controller *intsync.Controller
	srv        *httptest.Server
}

func newEnv(t *testing.T, c classify.Classifier) *env {
	t.Helper()
	db := testDB(t)
	fake := platformtest.New()
	b := bus.New()
	blobs, err := blob.NewDir(filepath.Join(t.TempDir(), "blobs"))
	require.NoError(t, err)

	locks := lock.NewManager(db, lock.Options{}, nil)
	engine := intsync.NewEngine(db, fake, nil, b, nil, intsync.Options{})
	controller := intsync.NewController(engine, db, locks, "worker-api", nil)
	t.Cleanup(controller.Close)
	reporter := status.NewReporter(db, locks, status.NewMachine(b))
	searcher := search.NewService(nil, search.NewDB(db), nil)

	h := NewHandler(nil,
		NewSyncService(controller, reporter, nil),
		NewChatService(db, engine, classify.NewService(db, c, b, nil), nil),
		NewMessageService(db, outbox.NewQueue(db, b), blobs, searcher, nil),
		NewHealthService(db, searcher, t.TempDir(), nil),
	)
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return &env{db: db, fake: fake, blobs: blobs, locks: locks, controller: controller, srv: srv}
}

func (e *env) do(t *testing.T, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var rd *bytes.Reader
	switch v := body.(type) {
	case nil:
		rd = bytes.NewReader(nil)
	case string:
		rd = bytes.NewReader([]byte(v))
	default:
		b, err := json.Marshal(v)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rd)
	require.NoError(t, err)
	resp, err := e.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func (e *env) conversation(t *testing.T, ext string, bodies ...string) (int64, []int64) {
	t.Helper()
	ctx := context.Background()
	id, _, err := e.db.EnsureConversation(ctx, &store.Conversation{ExternalID: ext, Title: "chat " + ext, Type: "private"})
	require.NoError(t, err)
	var ids []int64
	for i, body := range bodies {
		m := &store.Message{
			ConversationID: id,
			ExternalID:     int64(i + 1),
			Direction:      store.DirectionInbound,
			Body:           body,
			Status:         store.StatusReceived,
			SentAt:         int64(1000 * (i + 1)),
		}
		_, err := e.db.InsertMessage(ctx, m)
		require.NoError(t, err)
		ids = append(ids, m.ID)
	}
	return id, ids
}

func platformMessages(ids ...int64) []platform.Message {
	out := make([]platform.Message, len(ids))
	for i, id := range ids {
		out[i] = platform.Message{ID: id, Text: "m", Date: 1700000000 + id}
	}
	return out
}

func TestSyncStatusIdle(t *testing.T) {
	e := newEnv(t, nil)
	code, body := e.do(t, http.MethodGet, "/sync/status", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["canStartGlobalSync"])
	global := body["globalSync"].(map[string]any)
	assert.Equal(t, false, global["isRunning"])
}

func TestStartGlobalSync(t *testing.T) {
	e := newEnv(t, nil)
	id, _ := e.conversation(t, "1")
	e.fake.AddHistory("1", platformMessages(1, 2)...)

	code, body := e.do(t, http.MethodPost, "/sync/global", nil)
	require.Equal(t, http.StatusAccepted, code)
	run := body["run"].(map[string]any)
	assert.Equal(t, "global", run["kind"])
	assert.Equal(t, "running", run["status"])
	e.controller.Wait()

	n, err := e.db.CountMessages(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// Cancelling with nothing running is a 404.
	code, body = e.do(t, http.MethodDelete, "/sync/global", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.NotEmpty(t, body["error"])
}

func TestStartGlobalSyncConflict(t *testing.T) {
	e := newEnv(t, nil)
	ok, err := e.locks.Acquire(context.Background(), lock.TypeGlobalSync, "someone-else")
	require.NoError(t, err)
	require.True(t, ok)

	code, body := e.do(t, http.MethodPost, "/sync/global", nil)
	assert.Equal(t, http.StatusConflict, code)
	assert.Contains(t, body["error"], "already running")

	code, body = e.do(t, http.MethodGet, "/sync/status", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, body["canStartGlobalSync"])
	assert.Equal(t, true, body["globalSync"].(map[string]any)["isRunning"])
}

func TestStartConversationSync(t *testing.T) {
	e := newEnv(t, nil)
	id, _ := e.conversation(t, "7")

	code, body := e.do(t, http.MethodPost, fmt.Sprintf("/sync/conversation/%d", id), nil)
	require.Equal(t, http.StatusAccepted, code)
	assert.Equal(t, float64(id), body["run"].(map[string]any)["conversationId"])
	e.controller.Wait()

	code, _ = e.do(t, http.MethodPost, "/sync/conversation/999", nil)
	assert.Equal(t, http.StatusNotFound, code)
	code, _ = e.do(t, http.MethodPost, "/sync/conversation/abc", nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestConversationRoutes(t *testing.T) {
	e := newEnv(t, nil)
	a, _ := e.conversation(t, "1")
	e.conversation(t, "2")

	code, body := e.do(t, http.MethodGet, "/conversations?limit=10", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["conversations"], 2)
	assert.Equal(t, false, body["hasMore"])

	code, body = e.do(t, http.MethodGet, fmt.Sprintf("/conversations/%d", a), nil)
	require.Equal(t, http.StatusOK, code)
	conv := body["conversation"].(map[string]any)
	assert.Equal(t, "1", conv["externalId"])
	assert.Equal(t, map[string]any{}, conv["metadata"])

	code, body = e.do(t, http.MethodPatch, fmt.Sprintf("/conversations/%d", a), map[string]any{"notes": "vip", "syncDisabled": true})
	require.Equal(t, http.StatusOK, code)
	conv = body["conversation"].(map[string]any)
	assert.Equal(t, true, conv["syncDisabled"])
	assert.Equal(t, "vip", conv["metadata"].(map[string]any)["notes"])

	code, body = e.do(t, http.MethodPatch, fmt.Sprintf("/conversations/%d", a), map[string]any{"notes": ""})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, map[string]any{}, body["conversation"].(map[string]any)["metadata"])

	code, _ = e.do(t, http.MethodPatch, fmt.Sprintf("/conversations/%d", a), `{"colour":"red"}`)
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = e.do(t, http.MethodGet, "/conversations/404", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestMessagesPage(t *testing.T) {
	e := newEnv(t, nil)
	id, ids := e.conversation(t, "1", "m1", "m2", "m3", "m4", "m5")

	code, body := e.do(t, http.MethodGet, fmt.Sprintf("/conversations/%d/messages?limit=2", id), nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["hasMore"])
	page := body["messages"].([]any)
	require.Len(t, page, 2)
	assert.Equal(t, "m5", page[0].(map[string]any)["body"])
	assert.Equal(t, "m4", page[1].(map[string]any)["body"])

	code, body = e.do(t, http.MethodGet, fmt.Sprintf("/conversations/%d/messages?limit=10&before=%d", id, ids[3]), nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, body["hasMore"])
	page = body["messages"].([]any)
	require.Len(t, page, 3)
	assert.Equal(t, "m3", page[0].(map[string]any)["body"])
	assert.Equal(t, "m1", page[2].(map[string]any)["body"])

	other, _ := e.conversation(t, "2")
	code, _ = e.do(t, http.MethodGet, fmt.Sprintf("/conversations/%d/messages?before=%d", other, ids[0]), nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestSendMessage(t *testing.T) {
	e := newEnv(t, nil)
	id, _ := e.conversation(t, "42")

	code, body := e.do(t, http.MethodPost, fmt.Sprintf("/conversations/%d/send", id), map[string]any{"text": "hello"})
	require.Equal(t, http.StatusAccepted, code)
	msg := body["message"].(map[string]any)
	assert.Equal(t, "pending", msg["status"])
	entryID := msg["id"].(string)

	code, body = e.do(t, http.MethodGet, "/outbox/"+entryID, nil)
	require.Equal(t, http.StatusOK, code)
	entry := body["entry"].(map[string]any)
	assert.Equal(t, "message", entry["kind"])
	assert.Equal(t, float64(0), entry["attempts"])

	code, _ = e.do(t, http.MethodPost, fmt.Sprintf("/conversations/%d/send", id), map[string]any{"text": "  "})
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = e.do(t, http.MethodPost, "/conversations/999/send", map[string]any{"text": "hi"})
	assert.Equal(t, http.StatusNotFound, code)

	// Only failed entries can be retried.
	code, _ = e.do(t, http.MethodPost, "/outbox/"+entryID+"/retry", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestSendAttachment(t *testing.T) {
	e := newEnv(t, nil)
	id, _ := e.conversation(t, "42")

	code, body := e.do(t, http.MethodPost, fmt.Sprintf("/conversations/%d/send", id), map[string]any{
		"text": "see file",
		"attachment": map[string]any{
			"name":     "report.pdf",
			"mimeType": "application/pdf",
			"data":     base64.StdEncoding.EncodeToString([]byte("PDFDATA")),
		},
	})
	require.Equal(t, http.StatusAccepted, code)
	assert.NotEmpty(t, body["message"].(map[string]any)["id"])

	w := outbox.NewWorker(e.db, e.fake, e.blobs, nil, "w1", nil, outbox.Options{})
	n, err := w.ProcessOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	sent := e.fake.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "report.pdf", sent[0].UploadName)
	assert.Equal(t, "PDFDATA", string(sent[0].UploadBody))

	code, _ = e.do(t, http.MethodPost, fmt.Sprintf("/conversations/%d/send", id), map[string]any{
		"attachment": map[string]any{"name": "x.bin", "data": "%%%"},
	})
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestReactions(t *testing.T) {
	e := newEnv(t, nil)
	a, ids := e.conversation(t, "1", "hello")
	b, _ := e.conversation(t, "2")

	code, body := e.do(t, http.MethodPost, fmt.Sprintf("/conversations/%d/reactions", a), map[string]any{"messageId": ids[0], "emoji": "👍"})
	require.Equal(t, http.StatusAccepted, code)
	assert.Equal(t, "pending", body["reaction"].(map[string]any)["status"])

	// The message belongs to another conversation.
	code, _ = e.do(t, http.MethodPost, fmt.Sprintf("/conversations/%d/reactions", b), map[string]any{"messageId": ids[0], "emoji": "👍"})
	assert.Equal(t, http.StatusNotFound, code)
	code, _ = e.do(t, http.MethodPost, fmt.Sprintf("/conversations/%d/reactions", a), map[string]any{"messageId": ids[0], "emoji": " "})
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestSearch(t *testing.T) {
	e := newEnv(t, nil)
	e.conversation(t, "1", "say hello world", "nothing here")

	code, body := e.do(t, http.MethodGet, "/search?q=hello", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "database", body["backend"])
	results := body["results"].([]any)
	require.Len(t, results, 1)
	assert.Contains(t, results[0].(map[string]any)["snippet"], "<<hello>>")

	code, body = e.do(t, http.MethodGet, "/search?q=", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Empty(t, body["results"])
}

func TestClassify(t *testing.T) {
	e := newEnv(t, stubClassifier{})
	id, _ := e.conversation(t, "1", "hi there")

	code, body := e.do(t, http.MethodPost, fmt.Sprintf("/conversations/%d/classify", id), nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "active", body["classification"].(map[string]any)["status"])

	_, body = e.do(t, http.MethodGet, fmt.Sprintf("/conversations/%d", id), nil)
	meta := body["conversation"].(map[string]any)["metadata"].(map[string]any)
	assert.Equal(t, "high", meta["ai"].(map[string]any)["priority"])
}

func TestClassifyUnavailable(t *testing.T) {
	e := newEnv(t, nil)
	id, _ := e.conversation(t, "1")
	code, body := e.do(t, http.MethodPost, fmt.Sprintf("/conversations/%d/classify", id), nil)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.NotEmpty(t, body["error"])
}

func TestHealth(t *testing.T) {
	e := newEnv(t, nil)
	code, body := e.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "sqlite3", body["dialect"])
	assert.Equal(t, "database", body["searchBackend"])
}

func TestUnknownRoute(t *testing.T) {
	e := newEnv(t, nil)
	resp, err := e.srv.Client().Get(e.srv.URL + "/nope")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
