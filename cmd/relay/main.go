package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
)

// Version is overridden at build time via -ldflags.
var Version = "dev"

func main() {
	if len(os.Args) > 1 {
		if runCLI(os.Args[1:], defaultDBPath()) {
			return
		}
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})))

	cfg, err := parseFlags()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runServe(ctx, cancel, cfg)
}
