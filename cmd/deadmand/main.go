// Command deadmand runs the dead man's switch daemon: the REST API, the
// timeout scheduler, and the disbursement engine against the configured
// external ledger.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/edwardtay/deadman-switch/internal/app/runtime"
	"github.com/edwardtay/deadman-switch/internal/config"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "deadmand: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := runtime.New(ctx, cfg)
	if err != nil {
		return err
	}
	return app.Run(ctx)
}
