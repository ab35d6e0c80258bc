package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/g960059/lobbywatch/internal/action"
	"github.com/g960059/lobbywatch/internal/classify"
	"github.com/g960059/lobbywatch/internal/config"
	"github.com/g960059/lobbywatch/internal/daemon"
	"github.com/g960059/lobbywatch/internal/db"
	"github.com/g960059/lobbywatch/internal/evalqueue"
	"github.com/g960059/lobbywatch/internal/ingest"
	"github.com/g960059/lobbywatch/internal/metrics"
	"github.com/g960059/lobbywatch/internal/profile"
	"github.com/g960059/lobbywatch/internal/registry"
	"github.com/g960059/lobbywatch/internal/tail"
	"github.com/g960059/lobbywatch/internal/watchlist"
)

func main() {
	cfg, err := loadConfig(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		fatal(err)
	}
	logger, err := newLogger(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fatal(err)
	}
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		fatal(err)
	}
}

func loadConfig(args []string) (config.Config, error) {
	fs := pflag.NewFlagSet("lobbywatchd", pflag.ContinueOnError)
	configPath := fs.String("config", config.DefaultConfigPath(), "YAML config file")
	socket := fs.String("socket", "", "UDS path for the API")
	dbPath := fs.String("db", "", "SQLite path")
	sources := fs.StringSlice("log-source", nil, "glob of the client output log (repeatable)")
	fromStart := fs.Bool("from-start", false, "read existing log content instead of starting at the end")
	logLevel := fs.String("log-level", "", "debug, info, warn or error")
	logFormat := fs.String("log-format", "", "text or json")
	watchlistPath := fs.String("watchlist", "", "watch list YAML file")
	noConsole := fs.Bool("no-console", false, "disable console echo of matched lines")
	if err := fs.Parse(args); err != nil {
		return config.Config{}, err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return cfg, err
	}
	if fs.Changed("socket") {
		cfg.SocketPath = *socket
	}
	if fs.Changed("db") {
		cfg.DBPath = *dbPath
	}
	if fs.Changed("log-source") {
		cfg.LogSources = *sources
	}
	if fs.Changed("from-start") {
		cfg.StartAtEnd = !*fromStart
	}
	if fs.Changed("log-level") {
		cfg.LogLevel = *logLevel
	}
	if fs.Changed("log-format") {
		cfg.LogFormat = *logFormat
	}
	if fs.Changed("watchlist") {
		cfg.WatchlistPath = *watchlistPath
	}
	if *noConsole {
		cfg.ConsoleEcho = false
	}
	if len(cfg.LogSources) == 0 {
		return cfg, fmt.Errorf("no log source configured (use --log-source or log_sources)")
	}
	return cfg, nil
}

func newLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		return nil, fmt.Errorf("log level %q: %w", level, err)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	store, err := db.Open(ctx, cfg.DBPath)
	if err != nil {
		return err
	}
	defer store.Close() //nolint:errcheck
	if err := db.ApplyMigrations(ctx, store.DB()); err != nil {
		return err
	}

	watch, err := watchlist.Load(cfg.WatchlistPath, logger)
	if err != nil {
		return err
	}
	m := metrics.New()
	reg := registry.New(registry.Options{
		Logger:           logger.With("component", "registry"),
		Metrics:          m,
		Watch:            watch,
		Durations:        store,
		Warmer:           store,
		AvatarIndexSize:  cfg.AvatarIndexSize,
		SubscriberBuffer: cfg.SubscriberBuffer,
	})

	worker, err := newWorker(cfg, reg, store, watch, m, logger)
	if err != nil {
		return err
	}
	deps := ingest.Deps{
		Registry: reg,
		Actions:  action.NewInterpreter(logger),
		Logger:   logger.With("component", "ingest"),
		Metrics:  m,
	}
	if worker != nil {
		reg.SetEvaluator(worker)
		deps.Assets = worker
	}
	if cfg.ConsoleEcho {
		deps.Console = ingest.NewConsole(os.Stdout)
	}

	descs := cfg.Handlers
	if len(descs) == 0 {
		descs = ingest.DefaultDescriptors()
	}
	// Build logs each configuration warning itself.
	handlers, warnings := ingest.Build(descs, deps)
	if len(handlers) == 0 {
		return fmt.Errorf("no usable line handlers configured (%d warnings)", len(warnings))
	}
	pipeline := ingest.NewPipelineFromHandlers(handlers, deps.Logger, m)

	var queue daemon.QueueLen
	if worker != nil {
		queue = worker.Queue()
	}
	followers := make([]*tail.Follower, 0, len(cfg.LogSources))
	sources := make([]daemon.Source, 0, len(cfg.LogSources))
	for _, pattern := range cfg.LogSources {
		follower := tail.New(pattern, tail.Options{
			StartAtEnd:   cfg.StartAtEnd,
			PollInterval: cfg.PollInterval,
			Logger:       logger.With("component", "tail"),
		})
		followers = append(followers, follower)
		sources = append(sources, follower)
	}
	srv := daemon.NewServer(cfg, daemon.Deps{
		Players:  reg,
		Queue:    queue,
		Metrics:  m,
		Logger:   logger,
		Sources:  sources,
		Handlers: pipeline.Handlers(),
	})

	g, gctx := errgroup.WithContext(ctx)
	for _, follower := range followers {
		follower := follower
		g.Go(func() error {
			return pipeline.Run(gctx, follower)
		})
	}
	if worker != nil {
		g.Go(func() error {
			return worker.Run(gctx)
		})
	}
	g.Go(func() error {
		return watch.Watch(gctx)
	})
	g.Go(func() error {
		return srv.Start(gctx)
	})

	logger.Info("lobbywatchd started",
		"sources", cfg.LogSources,
		"handlers", pipeline.Handlers(),
		"evaluation", worker != nil,
	)
	err = g.Wait()
	// Sessions still open at shutdown get their playtime recorded.
	if n := reg.ClearAll(); n > 0 {
		logger.Info("flushed active players", "players", n)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// newWorker returns nil when no profile service is configured; joins are
// then tracked without evaluation.
func newWorker(cfg config.Config, reg *registry.Registry, store *db.Store, watch *watchlist.List, m *metrics.Metrics, logger *slog.Logger) (*evalqueue.Worker, error) {
	if strings.TrimSpace(cfg.Profile.BaseURL) == "" {
		logger.Info("profile service not configured, evaluation disabled")
		return nil, nil
	}
	classifier, err := classify.New(classify.Config{
		BaseURL: cfg.Classifier.BaseURL,
		Model:   cfg.Classifier.Model,
		APIKey:  os.Getenv(cfg.Classifier.APIKeyEnv),
		Timeout: cfg.Evaluation.CallTimeout,
		Logger:  logger,
	})
	if err != nil {
		return nil, fmt.Errorf("classifier: %w", err)
	}
	source := profile.New(cfg.Profile.BaseURL, profile.Options{
		Timeout: cfg.Profile.Timeout,
		Logger:  logger,
	})
	ev := cfg.Evaluation
	return evalqueue.NewWorker(reg, source, classifier, evalqueue.NewStoreCache(store), evalqueue.Options{
		Logger:         logger,
		Metrics:        m,
		Groups:         watch,
		IdleInterval:   ev.IdleInterval,
		CallTimeout:    ev.CallTimeout,
		RatePerSecond:  ev.RatePerSecond,
		Burst:          ev.Burst,
		ProfilePrompt:  ev.ProfilePrompt,
		AssetPrompt:    ev.AssetPrompt,
		JoinPriority:   ev.JoinPriority,
		AssetPriority:  ev.AssetPriority,
		EvaluateAssets: ev.EvaluateAssets,
	}), nil
}

func fatal(err error) {
	_, _ = fmt.Fprintf(os.Stderr, "lobbywatchd: %v\n", err)
	os.Exit(1)
}
