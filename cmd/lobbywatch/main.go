package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/g960059/lobbywatch/internal/cli"
	"github.com/g960059/lobbywatch/internal/config"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	path := os.Getenv("LOBBYWATCH_CONFIG")
	if path == "" {
		path = config.DefaultConfigPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		cfg = config.DefaultConfig()
	}
	r := cli.NewRunner(cfg.SocketPath, os.Stdout, os.Stderr)
	code := r.Run(ctx, os.Args[1:])
	cancel()
	os.Exit(code)
}
