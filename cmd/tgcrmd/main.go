package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/matheus3301/tgcrm/internal/account"
	"github.com/matheus3301/tgcrm/internal/daemon"
	"go.uber.org/fx"
)

func main() {
	accountFlag := flag.String("account", "", "account name (overrides config default)")
	httpFlag := flag.String("http", "", "HTTP listen address (overrides settings)")
	flag.Parse()

	name, err := account.ResolveValid(*accountFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	app := fx.New(
		daemon.Module(daemon.Params{Account: name, HTTPAddr: *httpFlag}),
	)
	app.Run()
}
