package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/matheus3301/tgcrm/internal/account"
	"github.com/matheus3301/tgcrm/internal/control"
	"github.com/matheus3301/tgcrm/internal/platform"
	"github.com/matheus3301/tgcrm/internal/platform/platformtest"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"
)

// testHome points the account tree at a short temp dir; Unix socket paths
// are limited to 104 chars on macOS.
func testHome(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("/tmp", "tgcrm-d-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	t.Setenv("TGCRM_HOME", dir)
	return dir
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatal(err)
	}
	return resp.StatusCode
}

func TestDaemonLifecycle(t *testing.T) {
	testHome(t)
	fake := platformtest.New()
	fake.AddDialog(platform.Dialog{ChatID: "100", Title: "Alice", Type: "private"})
	fake.AddHistory("100",
		platform.Message{ID: 1, Text: "hi", Date: 1700000001, SenderID: "alice"},
		platform.Message{ID: 2, Text: "are you there?", Date: 1700000002, SenderID: "alice"},
	)

	var srv *HTTPServer
	app := fxtest.New(t,
		Module(Params{Account: "test", HTTPAddr: "127.0.0.1:0", Platform: fake}),
		fx.Populate(&srv),
	)
	app.RequireStart()
	base := "http://" + srv.Addr()

	// Discovery creates the conversation.
	var convID int64
	waitFor(t, "discovery", func() bool {
		var body struct {
			Conversations []struct {
				ID int64 `json:"id"`
			} `json:"conversations"`
		}
		getJSON(t, base+"/conversations", &body)
		if len(body.Conversations) != 1 {
			return false
		}
		convID = body.Conversations[0].ID
		return true
	})

	resp, err := http.Post(fmt.Sprintf("%s/sync/conversation/%d", base, convID), "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("sync status = %d", resp.StatusCode)
	}
	waitFor(t, "catch-up", func() bool {
		var body struct {
			Conversation struct {
				LastSyncedMessageID int64 `json:"lastSyncedMessageId"`
			} `json:"conversation"`
		}
		getJSON(t, fmt.Sprintf("%s/conversations/%d", base, convID), &body)
		return body.Conversation.LastSyncedMessageID == 2
	})

	fake.WaitSubscribed(5 * time.Second)
	fake.Emit(platform.Event{
		Kind:    platform.EventNewMessage,
		ChatID:  "100",
		Message: &platform.Message{ID: 3, Text: "live one", Date: 1700000003, SenderID: "alice"},
	})
	waitFor(t, "live message", func() bool {
		var body struct {
			Messages []struct {
				Body string `json:"body"`
			} `json:"messages"`
		}
		getJSON(t, fmt.Sprintf("%s/conversations/%d/messages", base, convID), &body)
		return len(body.Messages) == 3 && body.Messages[0].Body == "live one"
	})

	// Outbound goes through the outbox worker.
	resp, err = http.Post(fmt.Sprintf("%s/conversations/%d/send", base, convID), "application/json",
		bytes.NewBufferString(`{"text":"hello alice"}`))
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("send status = %d", resp.StatusCode)
	}
	waitFor(t, "delivery", func() bool { return len(fake.Sent()) == 1 })
	if got := fake.Sent()[0].Message.Text; got != "hello alice" {
		t.Errorf("sent text = %q", got)
	}

	// The control socket reports the live listener.
	c, err := control.Dial(account.SocketPath("test"))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = c.Close() }()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	waitFor(t, "live listener", func() bool {
		st, err := c.GetStatus(ctx)
		if err != nil {
			t.Fatalf("GetStatus: %v", err)
		}
		listener := st.AsMap()["listener"].(map[string]any)
		return listener["isRunning"] == true && listener["state"] == "LIVE"
	})

	app.RequireStop()
	if _, err := os.Stat(account.SocketPath("test")); !os.IsNotExist(err) {
		t.Errorf("socket not removed: %v", err)
	}
}

func TestSecondDaemonRefused(t *testing.T) {
	home := testHome(t)
	first := fxtest.New(t, Module(Params{
		Account:    "test",
		HTTPAddr:   "127.0.0.1:0",
		SocketPath: filepath.Join(home, "a.sock"),
		Platform:   platformtest.New(),
	}))
	first.RequireStart()
	defer first.RequireStop()

	second := fx.New(fx.NopLogger, Module(Params{
		Account:    "test",
		HTTPAddr:   "127.0.0.1:0",
		SocketPath: filepath.Join(home, "b.sock"),
		Platform:   platformtest.New(),
	}))
	if second.Err() == nil {
		t.Fatal("second daemon on the same account started")
	}
}
