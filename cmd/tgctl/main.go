package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/matheus3301/tgcrm/internal/account"
	"github.com/matheus3301/tgcrm/internal/client"
	"github.com/matheus3301/tgcrm/internal/config"
	"github.com/matheus3301/tgcrm/internal/control"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

func main() {
	accountFlag := flag.String("account", "", "account name (overrides config default)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Parse()

	name, err := account.ResolveValid(*accountFlag)
	if err != nil {
		fatalf("%v", err)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch args[0] {
	case "status":
		c := dial(name)
		defer func() { _ = c.Close() }()
		cmdStatus(ctx, c, *jsonFlag)
	case "sync":
		if len(args) < 2 {
			fatalf("usage: tgctl sync <start|stop|conversation <id>>")
		}
		c := dial(name)
		defer func() { _ = c.Close() }()
		cmdSync(ctx, c, args[1:], *jsonFlag)
	case "health":
		cmdHealth(ctx, httpClient(name), *jsonFlag)
	case "search":
		if len(args) < 2 {
			fatalf("usage: tgctl search <query>")
		}
		cmdSearch(ctx, httpClient(name), args[1], *jsonFlag)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: tgctl [--account <name>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status                  Show sync, listener and outbox status")
	fmt.Fprintln(os.Stderr, "  sync start              Sync every conversation")
	fmt.Fprintln(os.Stderr, "  sync stop               Cancel the running global sync")
	fmt.Fprintln(os.Stderr, "  sync conversation <id>  Sync one conversation")
	fmt.Fprintln(os.Stderr, "  health                  Show daemon health")
	fmt.Fprintln(os.Stderr, "  search <query>          Search messages")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}

func dial(name string) *control.Client {
	c, err := control.Dial(account.SocketPath(name))
	if err != nil {
		fatalf("cannot connect to daemon for account %q: %v", name, err)
	}
	return c
}

func httpClient(name string) *client.Client {
	s, err := config.LoadSettings(account.SettingsPath(name))
	if err != nil {
		fatalf("load settings: %v", err)
	}
	return client.New(s.HTTP.Addr, nil)
}

// decode converts a control reply into one of the HTTP client's types.
func decode(s *structpb.Struct, out any) error {
	b, err := protojson.Marshal(s)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}

func rpcFailed(err error) {
	switch status.Code(err) {
	case codes.AlreadyExists:
		fatalf("a sync is already running")
	case codes.FailedPrecondition:
		fatalf("no global sync is running")
	case codes.NotFound:
		fatalf("conversation not found")
	case codes.Unavailable:
		fatalf("daemon is not running")
	}
	fatalf("%v", err)
}

func cmdStatus(ctx context.Context, c *control.Client, jsonOut bool) {
	resp, err := c.GetStatus(ctx)
	if err != nil {
		rpcFailed(err)
	}
	if jsonOut {
		outputJSON(resp.AsMap())
		return
	}
	var st client.Status
	if err := decode(resp, &st); err != nil {
		fatalf("decode status: %v", err)
	}
	printSync("Global sync", st.GlobalSync)
	printSync("Single sync", st.SingleSync)
	fmt.Printf("Listener:    %s", orDash(st.Listener.State))
	if st.Listener.WorkerID != "" {
		fmt.Printf(" (worker %s)", st.Listener.WorkerID)
	}
	fmt.Println()
	fmt.Printf("Outbox:      %d pending, %d in flight, %d sent, %d failed\n",
		st.Outbox.Pending, st.Outbox.Claimed, st.Outbox.Sent, st.Outbox.Failed)
}

func printSync(label string, s client.SyncStatus) {
	if s.IsRunning {
		fmt.Printf("%-12s running, %d/%d conversations, %d skipped, %d messages\n",
			label+":", s.Progress.Processed, s.Progress.Total, s.Progress.Skipped, s.Progress.MessagesSynced)
		return
	}
	if s.LastCompletedAt == nil {
		fmt.Printf("%-12s never run\n", label+":")
		return
	}
	fmt.Printf("%-12s idle, last %s at %s in %s\n", label+":", s.LastStatus,
		s.LastCompletedAt.Local().Format(time.DateTime), time.Duration(s.LastDuration)*time.Millisecond)
	for _, e := range s.Errors {
		fmt.Printf("             conversation %d: %s\n", e.ConversationID, e.Error)
	}
}

func cmdSync(ctx context.Context, c *control.Client, args []string, jsonOut bool) {
	var (
		resp *structpb.Struct
		err  error
	)
	switch args[0] {
	case "start":
		resp, err = c.StartGlobalSync(ctx)
	case "stop":
		resp, err = c.CancelGlobalSync(ctx)
	case "conversation":
		if len(args) < 2 {
			fatalf("usage: tgctl sync conversation <id>")
		}
		id, perr := strconv.ParseInt(args[1], 10, 64)
		if perr != nil || id <= 0 {
			fatalf("invalid conversation id %q", args[1])
		}
		resp, err = c.StartConversationSync(ctx, id)
	default:
		fatalf("unknown sync subcommand: %s", args[0])
	}
	if err != nil {
		rpcFailed(err)
	}
	if jsonOut {
		outputJSON(resp.AsMap())
		return
	}
	if args[0] == "stop" {
		fmt.Println("Cancel requested.")
		return
	}
	var out struct {
		Run client.Run `json:"run"`
	}
	if err := decode(resp, &out); err != nil {
		fatalf("decode run: %v", err)
	}
	fmt.Printf("Started %s sync, run %d (worker %s).\n", out.Run.Kind, out.Run.ID, out.Run.WorkerID)
}

func cmdHealth(ctx context.Context, c *client.Client, jsonOut bool) {
	h, err := c.Health(ctx)
	if err != nil {
		fatalf("%v", err)
	}
	if jsonOut {
		outputJSON(h)
		return
	}
	fmt.Printf("Status:   %s\n", h.Status)
	fmt.Printf("Database: %s (%s)\n", h.Database, h.Dialect)
	fmt.Printf("Search:   %s\n", h.SearchBackend)
	fmt.Printf("Uptime:   %s\n", time.Duration(h.UptimeSeconds)*time.Second)
	fmt.Printf("Memory:   %.1f%%\n", h.RAMPercent)
	fmt.Printf("Disk:     %.1f%% (%s)\n", h.DiskPercent, h.DiskWarning)
}

func cmdSearch(ctx context.Context, c *client.Client, query string, jsonOut bool) {
	results, backend, err := c.Search(ctx, query, 0, 20)
	if err != nil {
		fatalf("%v", err)
	}
	if jsonOut {
		outputJSON(map[string]any{"results": results, "backend": backend})
		return
	}
	if len(results) == 0 {
		fmt.Println("No matches.")
		return
	}
	for _, r := range results {
		snippet := r.Snippet
		if snippet == "" {
			snippet = r.Body
		}
		fmt.Printf("%-6d %s  %s\n", r.ConversationID, time.UnixMilli(r.SentAt).Local().Format(time.DateTime), snippet)
	}
	fmt.Printf("(%d results from %s)\n", len(results), backend)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}
