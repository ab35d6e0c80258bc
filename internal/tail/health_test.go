package tail

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthTransitionPolicy(t *testing.T) {
	policy := DefaultHealthPolicy()
	now := time.Now().UTC()
	state := HealthState{Current: HealthOK, LastTransitionAt: now}

	state = NextHealth(policy, state, false, now.Add(1*time.Second))
	require.Equal(t, HealthDegraded, state.Current)
	state = NextHealth(policy, state, false, now.Add(2*time.Second))
	state = NextHealth(policy, state, false, now.Add(3*time.Second))
	require.Equal(t, HealthDown, state.Current)

	state = NextHealth(policy, state, true, now.Add(4*time.Second))
	require.Equal(t, HealthDown, state.Current, "still down until enough successes")
	state = NextHealth(policy, state, true, now.Add(5*time.Second))
	require.Equal(t, HealthOK, state.Current)
}

func TestDownTransitionRequiresFailureWindow(t *testing.T) {
	policy := DefaultHealthPolicy()
	policy.DownWindow = 2 * time.Second
	now := time.Now().UTC()

	state := HealthState{Current: HealthOK, LastTransitionAt: now}
	state = NextHealth(policy, state, false, now.Add(1*time.Second))  // degraded
	state = NextHealth(policy, state, false, now.Add(10*time.Second)) // outside window, resets
	state = NextHealth(policy, state, false, now.Add(11*time.Second))

	assert.Equal(t, HealthDegraded, state.Current)
}

func TestFollowerReportsMissingFileAsUnhealthy(t *testing.T) {
	dir := t.TempDir()
	f := New(filepath.Join(dir, "output_log_*.txt"), Options{
		PollInterval: 10 * time.Millisecond,
		Health:       HealthPolicy{DownFailures: 2, DownWindow: time.Minute, RecoverSuccesses: 1},
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx, func(string) {}) }()

	require.Eventually(t, func() bool {
		return f.Health().Current == HealthDown
	}, 2*time.Second, 10*time.Millisecond)
	assert.Contains(t, f.Health().LastError, "no file matches")

	appendTo(t, filepath.Join(dir, "output_log_1.txt"), "hello\n")
	require.Eventually(t, func() bool {
		h := f.Health()
		return h.Current == HealthOK && h.Path != ""
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}
