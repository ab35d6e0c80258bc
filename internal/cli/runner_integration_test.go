package cli

import (
	"bytes"
	"context"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/g960059/lobbywatch/internal/config"
	"github.com/g960059/lobbywatch/internal/daemon"
	"github.com/g960059/lobbywatch/internal/metrics"
	"github.com/g960059/lobbywatch/internal/registry"
)

func TestRunnerAgainstDaemonHandler(t *testing.T) {
	m := metrics.New()
	reg := registry.New(registry.Options{Metrics: m})
	reg.ChangeWorld("wrld_1", "99~public")
	reg.Join("usr_1", "Alice")
	reg.AssignNetworkID("Alice", 12)
	reg.SetAvatar("Alice", "Robot")

	cfg := config.DefaultConfig()
	cfg.SocketPath = filepath.Join(t.TempDir(), "lobbywatchd.sock")
	srv := daemon.NewServer(cfg, daemon.Deps{Players: reg, Metrics: m})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	out := &bytes.Buffer{}
	errOut := &bytes.Buffer{}
	r := NewRunnerWithClient(ts.URL, ts.Client(), out, errOut)

	require.Equal(t, 0, r.Run(context.Background(), []string{"show", "12"}), "show by network id: stderr=%s", errOut.String())
	assert.Contains(t, out.String(), "Alice")
	assert.Contains(t, out.String(), "Robot")

	out.Reset()
	require.Equal(t, 0, r.Run(context.Background(), []string{"world"}), "world: stderr=%s", errOut.String())
	assert.Contains(t, out.String(), "wrld_1")
	assert.Contains(t, out.String(), "avatars seen: Robot")

	out.Reset()
	require.Equal(t, 0, r.Run(context.Background(), []string{"health"}), "health: stderr=%s", errOut.String())
	assert.Contains(t, out.String(), "players=1")
}
