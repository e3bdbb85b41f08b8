package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/matheus3301/tgcrm/internal/account"
	"github.com/matheus3301/tgcrm/internal/client"
	"github.com/matheus3301/tgcrm/internal/config"
	"github.com/matheus3301/tgcrm/internal/tui"
)

func main() {
	accountFlag := flag.String("account", "", "account name (overrides config default)")
	addrFlag := flag.String("addr", "", "daemon HTTP address (overrides settings)")
	flag.Parse()

	name, err := account.ResolveValid(*accountFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	addr := *addrFlag
	if addr == "" {
		s, err := config.LoadSettings(account.SettingsPath(name))
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: load settings: %v\n", err)
			os.Exit(1)
		}
		addr = s.HTTP.Addr
	}
	c := client.New(addr, &http.Client{Timeout: 15 * time.Second})

	// Probe the daemon; start it if needed.
	if !probeDaemon(c) {
		fmt.Fprintf(os.Stderr, "daemon not running for account %q, starting...\n", name)
		if err := startDaemon(name, *addrFlag); err != nil {
			fmt.Fprintf(os.Stderr, "failed to start daemon: %v\n", err)
			os.Exit(1)
		}
		if !waitForDaemon(c, 10*time.Second) {
			fmt.Fprintf(os.Stderr, "daemon did not become ready\n")
			os.Exit(1)
		}
	}

	app := tui.NewApp(c, name)
	if err := app.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func probeDaemon(c *client.Client) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := c.Status(ctx)
	return err == nil
}

func startDaemon(name, addr string) error {
	executable, err := os.Executable()
	if err != nil {
		return err
	}
	daemonBin := filepath.Join(filepath.Dir(executable), "tgcrmd")
	if _, err := os.Stat(daemonBin); err != nil {
		daemonBin = "tgcrmd"
	}

	args := []string{"--account", name}
	if addr != "" {
		args = append(args, "--http", addr)
	}
	cmd := exec.Command(daemonBin, args...)
	// Daemon startup errors go to our stderr.
	cmd.Stderr = os.Stderr
	return cmd.Start()
}

func waitForDaemon(c *client.Client, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if probeDaemon(c) {
			return true
		}
		time.Sleep(300 * time.Millisecond)
	}
	return false
}
