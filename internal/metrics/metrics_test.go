package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.LineDispatched("join")
	m.HandlerError("join", "malformed")
	m.RegistryChange("added", 1)
	m.ChangeDropped()
	m.SetQueueDepth(3)
	m.Evaluated("profile", "flagged")
	m.ObserveClassify(0.5)
	assert.Nil(t, m.Registry())
}

func TestCountersAndHandler(t *testing.T) {
	m := New()
	m.LineDispatched("join")
	m.LineDispatched("join")
	m.LineDispatched("")
	m.RegistryChange("added", 4)
	m.SetQueueDepth(2)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.LinesTotal.WithLabelValues("join")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LinesTotal.WithLabelValues("none")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.ActivePlayers))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.QueueDepth))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "lobbywatch_lines_total"))
}
