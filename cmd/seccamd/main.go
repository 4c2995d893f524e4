// Command seccamd runs the security-camera daemon: it loads configuration,
// wires every worker through internal/orchestrator, and runs until an
// interrupt or terminate signal triggers an orderly shutdown.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/kklasmeier/security-camera-go/internal/config"
	"github.com/kklasmeier/security-camera-go/internal/orchestrator"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "seccamd:", err)
		os.Exit(1)
	}
}

func run() error {
	// Best-effort: a missing .env is normal in production, where config
	// comes entirely from the real environment.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	o, err := orchestrator.New(cfg)
	if err != nil {
		return fmt.Errorf("start orchestrator: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	return o.Run(ctx)
}
