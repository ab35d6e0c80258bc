package daemon

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/g960059/lobbywatch/internal/api"
	"github.com/g960059/lobbywatch/internal/model"
	"github.com/g960059/lobbywatch/internal/registry"
)

const (
	streamWriteWait    = 10 * time.Second
	streamPongWait     = 60 * time.Second
	streamPingInterval = 45 * time.Second
	streamReadLimit    = 512
)

func (s *Server) snapshotLine() api.WatchLine {
	players := s.deps.Players.All()
	items := make([]api.PlayerItem, 0, len(players))
	for _, p := range players {
		items = append(items, toPlayerItem(p))
	}
	return api.WatchLine{
		SchemaVersion: api.SchemaVersion,
		EmittedAt:     time.Now().UTC(),
		StreamID:      s.streamID,
		Sequence:      s.nextSequence(),
		Type:          api.WatchTypeSnapshot,
		Items:         items,
	}
}

func (s *Server) changeLine(c registry.Change) api.WatchLine {
	line := api.WatchLine{
		SchemaVersion: api.SchemaVersion,
		EmittedAt:     c.At,
		StreamID:      s.streamID,
		Sequence:      s.nextSequence(),
		Type:          api.WatchTypeChange,
		Change:        string(c.Kind),
	}
	if c.Kind != registry.ChangeCleared {
		item := toPlayerItem(c.Player)
		line.Player = &item
	}
	return line
}

// watchHandler streams NDJSON: one snapshot line, then one line per registry
// change until the client goes away. once=true stops after the snapshot.
func (s *Server) watchHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	if s.deps.Players == nil {
		s.writeError(w, http.StatusServiceUnavailable, model.ErrPreconditionFailed, "registry not available")
		return
	}
	once := parseBool(r.URL.Query().Get("once"))

	// Subscribe before the snapshot so no change falls between the two.
	changes, unsubscribe := s.deps.Players.Subscribe()
	defer unsubscribe()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)
	flush := func() {
		if flusher != nil {
			flusher.Flush()
		}
	}

	if err := enc.Encode(s.snapshotLine()); err != nil {
		return
	}
	flush()
	if once {
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case <-s.done:
			return
		case c, ok := <-changes:
			if !ok {
				return
			}
			if err := enc.Encode(s.changeLine(c)); err != nil {
				s.logger.Debug("watch client gone", "error", err)
				return
			}
			flush()
		}
	}
}

// streamHandler serves the same lines as /v1/watch over a websocket, one
// text message per line.
func (s *Server) streamHandler(w http.ResponseWriter, r *http.Request) {
	if s.deps.Players == nil {
		s.writeError(w, http.StatusServiceUnavailable, model.ErrPreconditionFailed, "registry not available")
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close() //nolint:errcheck

	changes, unsubscribe := s.deps.Players.Subscribe()
	defer unsubscribe()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(streamReadLimit)
		_ = conn.SetReadDeadline(time.Now().Add(streamPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(streamPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	write := func(line api.WatchLine) error {
		_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
		return conn.WriteJSON(line)
	}
	if err := write(s.snapshotLine()); err != nil {
		return
	}

	ping := time.NewTicker(streamPingInterval)
	defer ping.Stop()
	for {
		select {
		case <-closed:
			return
		case <-s.done:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "daemon shutting down"),
				time.Now().Add(streamWriteWait))
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteWait)); err != nil {
				return
			}
		case c, ok := <-changes:
			if !ok {
				return
			}
			if err := write(s.changeLine(c)); err != nil {
				s.logger.Debug("stream client gone", "error", err)
				return
			}
		}
	}
}
