package doctor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/g960059/lobbywatch/internal/config"
	"github.com/g960059/lobbywatch/internal/db"
	"github.com/g960059/lobbywatch/internal/ingest"
	"github.com/g960059/lobbywatch/internal/tail"
	"github.com/g960059/lobbywatch/internal/watchlist"
)

const (
	StatusPass = "pass"
	StatusWarn = "warn"
	StatusFail = "fail"
)

type Options struct {
	ConfigPath string
	// Probe checks that the daemon answers; nil skips the check.
	Probe  func(ctx context.Context) error
	Getenv func(string) string
}

type Check struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // pass | warn | fail
	Message string `json:"message"`
	Path    string `json:"path,omitempty"`
}

type Result struct {
	OK       bool     `json:"ok"`
	Checks   []Check  `json:"checks"`
	Warnings []string `json:"warnings,omitempty"`
}

// Run inspects the local setup the daemon depends on. Problems are reported
// as checks; an error is returned only when ctx is done.
func Run(ctx context.Context, opts Options) (Result, error) {
	if opts.Getenv == nil {
		opts.Getenv = os.Getenv
	}
	out := Result{OK: true}
	add := func(c Check) {
		out.Checks = append(out.Checks, c)
		if c.Status == StatusWarn {
			out.Warnings = append(out.Warnings, fmt.Sprintf("%s: %s", c.Name, c.Message))
		}
		if c.Status == StatusFail {
			out.OK = false
		}
	}

	cfg, check := checkConfig(opts.ConfigPath)
	add(check)
	if check.Status == StatusFail {
		return out, nil
	}

	for _, c := range checkLogSources(cfg.LogSources) {
		add(c)
	}
	add(checkHandlers(cfg.Handlers))
	add(checkWatchlist(cfg.WatchlistPath))
	add(checkDatabase(ctx, cfg.DBPath))
	add(checkClassifier(cfg, opts.Getenv))
	if opts.Probe != nil {
		add(checkDaemon(ctx, opts.Probe, cfg.SocketPath))
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	return out, nil
}

func checkConfig(path string) (config.Config, Check) {
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, Check{Name: "config", Status: StatusFail, Message: err.Error(), Path: path}
	}
	if _, statErr := os.Stat(path); errors.Is(statErr, os.ErrNotExist) {
		return cfg, Check{Name: "config", Status: StatusPass, Message: "file not found, using defaults", Path: path}
	}
	return cfg, Check{Name: "config", Status: StatusPass, Message: "parsed", Path: path}
}

func checkLogSources(patterns []string) []Check {
	if len(patterns) == 0 {
		return []Check{{Name: "log_source", Status: StatusFail, Message: "no log sources configured"}}
	}
	out := make([]Check, 0, len(patterns))
	for _, pattern := range patterns {
		path, err := tail.Newest(pattern)
		switch {
		case err != nil:
			out = append(out, Check{Name: "log_source", Status: StatusFail, Message: err.Error(), Path: pattern})
		case path == "":
			out = append(out, Check{Name: "log_source", Status: StatusWarn, Message: "no file matches yet", Path: pattern})
		default:
			out = append(out, Check{Name: "log_source", Status: StatusPass, Message: "following " + path, Path: pattern})
		}
	}
	return out
}

func checkHandlers(descs []config.HandlerDescriptor) Check {
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	handlers, warnings := ingest.Build(descs, ingest.Deps{Logger: quiet})
	if len(handlers) == 0 {
		return Check{Name: "handlers", Status: StatusFail, Message: "no usable line handlers"}
	}
	if len(warnings) > 0 {
		msgs := make([]string, 0, len(warnings))
		for _, w := range warnings {
			msgs = append(msgs, w.Error())
		}
		return Check{Name: "handlers", Status: StatusWarn, Message: strings.Join(msgs, "; ")}
	}
	return Check{Name: "handlers", Status: StatusPass, Message: fmt.Sprintf("%d handlers", len(handlers))}
}

func checkWatchlist(path string) Check {
	if strings.TrimSpace(path) == "" {
		return Check{Name: "watchlist", Status: StatusPass, Message: "not configured"}
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return Check{Name: "watchlist", Status: StatusWarn, Message: "file not found", Path: path}
	}
	if _, err := watchlist.Load(path, slog.New(slog.NewTextHandler(io.Discard, nil))); err != nil {
		return Check{Name: "watchlist", Status: StatusFail, Message: err.Error(), Path: path}
	}
	return Check{Name: "watchlist", Status: StatusPass, Message: "parsed", Path: path}
}

func checkDatabase(ctx context.Context, path string) Check {
	store, err := db.Open(ctx, path)
	if err != nil {
		return Check{Name: "database", Status: StatusFail, Message: err.Error(), Path: path}
	}
	defer store.Close() //nolint:errcheck
	if err := db.ApplyMigrations(ctx, store.DB()); err != nil {
		return Check{Name: "database", Status: StatusFail, Message: err.Error(), Path: path}
	}
	return Check{Name: "database", Status: StatusPass, Message: "open and migrated", Path: path}
}

func checkClassifier(cfg config.Config, getenv func(string) string) Check {
	if strings.TrimSpace(cfg.Profile.BaseURL) == "" {
		return Check{Name: "classifier", Status: StatusPass, Message: "evaluation disabled (no profile base_url)"}
	}
	if getenv(cfg.Classifier.APIKeyEnv) == "" {
		return Check{Name: "classifier", Status: StatusWarn, Message: fmt.Sprintf("%s is not set", cfg.Classifier.APIKeyEnv)}
	}
	return Check{Name: "classifier", Status: StatusPass, Message: "api key present for " + cfg.Classifier.Model}
}

func checkDaemon(ctx context.Context, probe func(context.Context) error, socketPath string) Check {
	if err := probe(ctx); err != nil {
		return Check{Name: "daemon", Status: StatusWarn, Message: "not reachable: " + err.Error(), Path: socketPath}
	}
	return Check{Name: "daemon", Status: StatusPass, Message: "running", Path: socketPath}
}
