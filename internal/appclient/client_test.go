package appclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/g960059/lobbywatch/internal/api"
)

const snapshotLine = `{"schema_version":"v1","stream_id":"s1","sequence":1,"type":"snapshot","items":[{"user_id":"usr_1","display_name":"Alice","watch":{"avatar":false,"group":false,"profile":false},"is_watched":false,"joined_at":"2026-02-13T00:00:00Z"}]}`

func changeLine(seq int, kind string) string {
	return fmt.Sprintf(`{"schema_version":"v1","stream_id":"s1","sequence":%d,"type":"change","change":%q,"player":{"user_id":"usr_1","display_name":"Alice","watch":{"avatar":false,"group":false,"profile":false},"is_watched":false,"joined_at":"2026-02-13T00:00:00Z"}}`, seq, kind)
}

func TestWatchOnceParsesJSONL(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/watch", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "true", r.URL.Query().Get("once"))
		_, _ = io.WriteString(w, snapshotLine+"\n")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := NewWithClient(srv.URL, srv.Client())
	lines, err := client.WatchOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.Equal(t, api.WatchTypeSnapshot, lines[0].Type)
	assert.Len(t, lines[0].Items, 1)
}

func TestWatchStreamsUntilEOF(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/watch", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, snapshotLine+"\n\n"+changeLine(2, "added")+"\n")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := NewWithClient(srv.URL, srv.Client())
	var got []api.WatchLine
	err := client.Watch(context.Background(), func(line api.WatchLine) error {
		got = append(got, line)
		return nil
	})
	require.ErrorIs(t, err, io.EOF)
	require.Len(t, got, 2)
	assert.Equal(t, "added", got[1].Change)
	assert.NotNil(t, got[1].Player)
}

func TestWatchLoopRetriesAndReconnects(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/watch", func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		if n == 1 {
			w.WriteHeader(http.StatusBadGateway)
			_, _ = io.WriteString(w, `{"schema_version":"v1","generated_at":"2026-02-13T00:00:00Z","error":{"code":"E_UPSTREAM","message":"boom"}}`)
			return
		}
		_, _ = io.WriteString(w, snapshotLine+"\n")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := NewWithClient(srv.URL, srv.Client())
	snapshots := 0
	stop := errors.New("stop")
	err := client.WatchLoop(context.Background(), WatchLoopOptions{
		RetryMinBackoff: 5 * time.Millisecond,
		RetryMaxBackoff: 10 * time.Millisecond,
	}, func(line api.WatchLine) error {
		snapshots++
		if snapshots == 2 {
			return stop
		}
		return nil
	})
	require.ErrorIs(t, err, stop)
	assert.Equal(t, int32(3), calls.Load(), "failure, stream, reconnect")
}

func TestWatchLoopStopsOnNonRetryableError(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/watch", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"schema_version":"v1","generated_at":"2026-02-13T00:00:00Z","error":{"code":"E_REF_INVALID","message":"bad"}}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := NewWithClient(srv.URL, srv.Client())
	err := client.WatchLoop(context.Background(), WatchLoopOptions{RetryMinBackoff: time.Millisecond}, nil)
	var reqErr *RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.Equal(t, "E_REF_INVALID", reqErr.Code)
	assert.Equal(t, int32(1), calls.Load(), "no retry")
}

func TestWatchLoopOnceReturnsFirstErrorWithoutRetry(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/watch", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := NewWithClient(srv.URL, srv.Client())
	err := client.WatchLoop(context.Background(), WatchLoopOptions{Once: true}, nil)
	var reqErr *RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.Equal(t, http.StatusServiceUnavailable, reqErr.StatusCode)
	assert.Equal(t, int32(1), calls.Load())
}

func TestWatchLoopStopsOnInvalidPayload(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/watch", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "not-json\n")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := NewWithClient(srv.URL, srv.Client())
	err := client.WatchLoop(context.Background(), WatchLoopOptions{RetryMinBackoff: time.Millisecond}, nil)
	assert.ErrorIs(t, err, ErrWatchPayloadInvalid)
}

func TestReadEndpoints(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/health", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"schema_version":"v1","generated_at":"2026-02-13T00:00:00Z","status":"ok","players":2,"queue_depth":1}`)
	})
	mux.HandleFunc("/v1/players", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "true", r.URL.Query().Get("watched"))
		assert.Equal(t, "ali", r.URL.Query().Get("q"))
		_, _ = io.WriteString(w, `{"schema_version":"v1","generated_at":"2026-02-13T00:00:00Z","filters":{"watched":true},"summary":{"total":1,"watched":1},"items":[{"user_id":"usr_1","display_name":"Alice","watch":{"avatar":true,"group":false,"profile":false},"watch_code":"A","is_watched":true,"joined_at":"2026-02-13T00:00:00Z"}]}`)
	})
	mux.HandleFunc("/v1/players/", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/players/Alice%20B", r.URL.EscapedPath())
		_, _ = io.WriteString(w, `{"schema_version":"v1","generated_at":"2026-02-13T00:00:00Z","player":{"user_id":"usr_1","display_name":"Alice B","watch":{"avatar":false,"group":false,"profile":false},"is_watched":false,"joined_at":"2026-02-13T00:00:00Z","events":[{"id":"e1","at":"2026-02-13T00:00:00Z","category":"join","text":"joined"}],"drops":[],"inventory":[]}}`)
	})
	mux.HandleFunc("/v1/world", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"schema_version":"v1","generated_at":"2026-02-13T00:00:00Z","world_id":"wrld_1","players":1,"seen_avatars":["Robot"]}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := NewWithClient(srv.URL, srv.Client())
	ctx := context.Background()

	health, err := client.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, health.Players)
	assert.Equal(t, 1, health.QueueDepth)

	list, err := client.ListPlayers(ctx, ListOptions{WatchedOnly: true, Query: " ali "})
	require.NoError(t, err)
	require.Len(t, list.Items, 1)
	assert.Equal(t, "A", list.Items[0].WatchCode)

	player, err := client.GetPlayer(ctx, "Alice B")
	require.NoError(t, err)
	assert.Len(t, player.Player.Events, 1)

	world, err := client.World(ctx)
	require.NoError(t, err)
	assert.Equal(t, "wrld_1", world.WorldID)
	assert.Len(t, world.SeenAvatars, 1)
}

func TestGetPlayerRejectsBlankRef(t *testing.T) {
	client := NewWithClient("http://example.invalid", &http.Client{})
	_, err := client.GetPlayer(context.Background(), "  ")
	assert.Error(t, err)
}

func TestGetPlayerReturnsRequestErrorOnNotFound(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/players/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"schema_version":"v1","generated_at":"2026-02-13T00:00:00Z","error":{"code":"E_REF_NOT_FOUND","message":"player not found"}}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := NewWithClient(srv.URL, srv.Client())
	_, err := client.GetPlayer(context.Background(), "nobody")
	var reqErr *RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.Equal(t, http.StatusNotFound, reqErr.StatusCode)
	assert.Equal(t, "E_REF_NOT_FOUND", reqErr.Code)
	assert.False(t, reqErr.Retryable())
}

func TestHealthDecodeErrorOnInvalidJSON(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/health", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "{")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := NewWithClient(srv.URL, srv.Client())
	_, err := client.Health(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode health response")
}

func TestStreamReadsWebsocketLines(t *testing.T) {
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/stream", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if !assert.NoError(t, err) {
			return
		}
		defer conn.Close() //nolint:errcheck
		_ = conn.WriteMessage(websocket.TextMessage, []byte(snapshotLine))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(changeLine(2, "updated")))
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "bye"),
			time.Now().Add(time.Second))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := NewWithClient(srv.URL, srv.Client())
	var got []api.WatchLine
	err := client.Stream(context.Background(), func(line api.WatchLine) error {
		got = append(got, line)
		return nil
	})
	require.ErrorIs(t, err, io.EOF)
	require.Len(t, got, 2)
	assert.Equal(t, api.WatchTypeSnapshot, got[0].Type)
	assert.Equal(t, "updated", got[1].Change)
}

func TestDecodeWatchLinesLargeLine(t *testing.T) {
	large := strings.Repeat("a", 70*1024)
	line := fmt.Sprintf(`{"schema_version":"v1","type":"snapshot","sequence":1,"stream_id":"%s"}`+"\n", large)
	lines, err := decodeWatchLines([]byte(line))
	require.NoError(t, err)
	assert.Len(t, lines, 1)
}

func TestUnaryRequestUsesTimeout(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/players", func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(150 * time.Millisecond)
		_, _ = io.WriteString(w, `{"schema_version":"v1","items":[]}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := NewWithClient(srv.URL, srv.Client()).WithUnaryTimeout(20 * time.Millisecond)
	start := time.Now()
	_, err := client.ListPlayers(context.Background(), ListOptions{})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 120*time.Millisecond)
}

func TestWatchOnceNotAffectedByUnaryTimeout(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/watch", func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(80 * time.Millisecond)
		_, _ = io.WriteString(w, snapshotLine+"\n")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := NewWithClient(srv.URL, srv.Client()).WithUnaryTimeout(20 * time.Millisecond)
	lines, err := client.WatchOnce(context.Background())
	require.NoError(t, err, "watch once should not use unary timeout")
	assert.Len(t, lines, 1)
}

func TestRequestErrorStringIncludesCodeWithoutMessage(t *testing.T) {
	err := (&RequestError{StatusCode: http.StatusBadRequest, Code: "E_REF_INVALID"}).Error()
	assert.Contains(t, err, "E_REF_INVALID")
	assert.Contains(t, err, "400")
}

func TestRequestErrorStringIncludesCodeWithoutStatus(t *testing.T) {
	err := (&RequestError{Code: "E_REF_INVALID"}).Error()
	assert.Equal(t, "E_REF_INVALID", err)
}

func TestWithUnaryTimeoutReturnsClonedClient(t *testing.T) {
	base := NewWithClient("http://example.invalid", &http.Client{})
	updated := base.WithUnaryTimeout(25 * time.Millisecond)
	assert.NotSame(t, base, updated)
	assert.Equal(t, defaultUnaryTimeout, base.unaryTimeout)
	assert.Equal(t, 25*time.Millisecond, updated.unaryTimeout)
}
