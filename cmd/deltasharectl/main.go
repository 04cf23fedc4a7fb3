package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/duckmesh/deltashare/internal/cli/deltasharectl"
	"github.com/duckmesh/deltashare/internal/config"
	"github.com/duckmesh/deltashare/internal/observability"
)

func main() {
	cfg, err := config.LoadFromEnv("deltasharectl")
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := deltasharectl.Run(ctx, os.Args[1:], deltasharectl.Options{
		Config: cfg,
		Logger: observability.NewLogger(cfg, os.Stderr),
		Stdout: os.Stdout,
		Stderr: os.Stderr,
	})
	stop()
	os.Exit(code)
}
