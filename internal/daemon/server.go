package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sys/unix"

	"github.com/g960059/lobbywatch/internal/api"
	"github.com/g960059/lobbywatch/internal/config"
	"github.com/g960059/lobbywatch/internal/metrics"
	"github.com/g960059/lobbywatch/internal/model"
	"github.com/g960059/lobbywatch/internal/registry"
	"github.com/g960059/lobbywatch/internal/tail"
)

// Players is the read side of the registry the API serves.
type Players interface {
	All() []model.Player
	Lookup(ref string) (model.Player, bool)
	Count() int
	World() model.World
	SeenAvatars() []string
	Subscribe() (<-chan registry.Change, func())
}

type QueueLen interface {
	Len() int
}

// Source is a log source whose read health is reported by /v1/health.
type Source interface {
	Pattern() string
	Health() tail.HealthState
}

type Deps struct {
	Players  Players
	Queue    QueueLen
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
	Sources  []Source
	Handlers []string
}

type Server struct {
	cfg         config.Config
	deps        Deps
	logger      *slog.Logger
	httpSrv     *http.Server
	mux         *http.ServeMux
	listener    net.Listener
	lockFile    *os.File
	upgrader    websocket.Upgrader
	streamID    string
	sequence    atomic.Int64
	mu          sync.Mutex
	done        chan struct{}
	shutdown    sync.Once
	shutdownErr error
}

func NewServer(cfg config.Config, deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	mux := http.NewServeMux()
	s := &Server{
		cfg:      cfg,
		deps:     deps,
		logger:   deps.Logger.With("component", "daemon"),
		mux:      mux,
		streamID: uuid.NewString(),
		done:     make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// The socket is owner-only; there is no browser origin to check.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		httpSrv: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}

	mux.HandleFunc("/v1/health", s.healthHandler)
	mux.HandleFunc("/v1/players", s.playersHandler)
	mux.HandleFunc("/v1/players/", s.playerByRefHandler)
	mux.HandleFunc("/v1/world", s.worldHandler)
	mux.HandleFunc("/v1/watch", s.watchHandler)
	mux.HandleFunc("/v1/stream", s.streamHandler)
	mux.Handle("/metrics", deps.Metrics.Handler())
	return s
}

func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) StreamID() string {
	return s.streamID
}

func (s *Server) Start(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(s.cfg.SocketPath), 0o755); err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}
	if err := s.acquireLock(); err != nil {
		return err
	}
	if st, err := os.Lstat(s.cfg.SocketPath); err == nil {
		if st.Mode()&os.ModeSocket == 0 {
			s.releaseLock() //nolint:errcheck
			return fmt.Errorf("socket path exists and is not unix socket: %s", s.cfg.SocketPath)
		}
		if err := os.Remove(s.cfg.SocketPath); err != nil {
			s.releaseLock() //nolint:errcheck
			return fmt.Errorf("remove stale socket: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		s.releaseLock() //nolint:errcheck
		return fmt.Errorf("stat socket path: %w", err)
	}
	ln, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		s.releaseLock() //nolint:errcheck
		return fmt.Errorf("listen uds: %w", err)
	}
	if err := os.Chmod(s.cfg.SocketPath, 0o600); err != nil {
		ln.Close() //nolint:errcheck
		s.releaseLock() //nolint:errcheck
		return fmt.Errorf("chmod socket: %w", err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.logger.Info("listening", "socket", s.cfg.SocketPath)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		timeout := s.cfg.ShutdownTimeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		_ = s.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if err != nil {
			_ = s.Shutdown(context.Background())
			return fmt.Errorf("serve uds: %w", err)
		}
		return nil
	}
}

// Shutdown ends open watch streams, stops the HTTP server and removes the
// socket and lock file.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdown.Do(func() {
		close(s.done)
		var errs []error
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		s.mu.Lock()
		listener := s.listener
		s.listener = nil
		s.mu.Unlock()
		if listener != nil {
			if err := listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				errs = append(errs, err)
			}
		}
		if s.cfg.SocketPath != "" {
			if err := os.Remove(s.cfg.SocketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
				errs = append(errs, err)
			}
		}
		if err := s.releaseLock(); err != nil {
			errs = append(errs, err)
		}
		if len(errs) > 0 {
			s.shutdownErr = fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
		}
	})
	return s.shutdownErr
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	resp := api.HealthResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Status:        "ok",
		Handlers:      s.deps.Handlers,
	}
	for _, src := range s.deps.Sources {
		h := src.Health()
		resp.Sources = append(resp.Sources, api.SourceHealth{
			Pattern:             src.Pattern(),
			Path:                h.Path,
			Status:              string(h.Current),
			ConsecutiveFailures: h.ConsecutiveFailures,
			LastError:           h.LastError,
			LastTransitionAt:    h.LastTransitionAt,
		})
		if h.Current != tail.HealthOK {
			resp.Status = "degraded"
		}
	}
	if s.deps.Players != nil {
		resp.Players = s.deps.Players.Count()
	}
	if s.deps.Queue != nil {
		resp.QueueDepth = s.deps.Queue.Len()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) playersHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	if s.deps.Players == nil {
		s.writeError(w, http.StatusServiceUnavailable, model.ErrPreconditionFailed, "registry not available")
		return
	}
	q := r.URL.Query()
	filter := playerFilter{
		watchedOnly: parseBool(q.Get("watched")),
		name:        strings.ToLower(strings.TrimSpace(q.Get("q"))),
	}
	filters := map[string]any{}
	if filter.watchedOnly {
		filters["watched"] = true
	}
	if filter.name != "" {
		filters["q"] = filter.name
	}

	players := s.deps.Players.All()
	items := make([]api.PlayerItem, 0, len(players))
	for _, p := range players {
		if !filter.match(p) {
			continue
		}
		items = append(items, toPlayerItem(p))
	}
	s.writeJSON(w, http.StatusOK, api.ListEnvelope{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Filters:       filters,
		Summary:       summarize(items),
		Items:         items,
	})
}

func (s *Server) playerByRefHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	ref := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/players/"), "/")
	if ref == "" || strings.Contains(ref, "/") {
		s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, "player ref is required")
		return
	}
	if s.deps.Players == nil {
		s.writeError(w, http.StatusServiceUnavailable, model.ErrPreconditionFailed, "registry not available")
		return
	}
	p, ok := s.deps.Players.Lookup(ref)
	if !ok {
		s.writeError(w, http.StatusNotFound, model.ErrRefNotFound, "player not found")
		return
	}
	s.writeJSON(w, http.StatusOK, api.PlayerEnvelope{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Player:        toPlayerDetail(p),
	})
}

func (s *Server) worldHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	if s.deps.Players == nil {
		s.writeError(w, http.StatusServiceUnavailable, model.ErrPreconditionFailed, "registry not available")
		return
	}
	world := s.deps.Players.World()
	resp := api.WorldResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		WorldID:       world.WorldID,
		InstanceID:    world.InstanceID,
		Players:       s.deps.Players.Count(),
		SeenAvatars:   s.deps.Players.SeenAvatars(),
	}
	if world.Known() {
		at := world.StartedAt
		resp.StartedAt = &at
	}
	if resp.SeenAvatars == nil {
		resp.SeenAvatars = []string{}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) nextSequence() int64 {
	return s.sequence.Add(1)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, msg string) {
	resp := api.ErrorResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Error: api.APIError{
			Code:    code,
			Message: msg,
		},
	}
	s.writeJSON(w, status, resp)
}

func (s *Server) methodNotAllowed(w http.ResponseWriter, allow ...string) {
	if len(allow) > 0 {
		w.Header().Set("Allow", strings.Join(allow, ", "))
	}
	s.writeError(w, http.StatusMethodNotAllowed, model.ErrRefInvalid, "method not allowed")
}

func parseBool(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes":
		return true
	}
	return false
}

func (s *Server) acquireLock() error {
	lockPath := s.cfg.SocketPath + ".lock"
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return fmt.Errorf("create lock dir: %w", err)
	}
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close() //nolint:errcheck
		return fmt.Errorf("daemon already running")
	}
	s.mu.Lock()
	s.lockFile = f
	s.mu.Unlock()
	return nil
}

func (s *Server) releaseLock() error {
	s.mu.Lock()
	f := s.lockFile
	s.lockFile = nil
	s.mu.Unlock()
	if f == nil {
		return nil
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_UN); err != nil {
		f.Close() //nolint:errcheck
		return err
	}
	return f.Close()
}
