package tail

import (
	"time"
)

type HealthStatus string

const (
	HealthOK       HealthStatus = "ok"
	HealthDegraded HealthStatus = "degraded"
	HealthDown     HealthStatus = "down"
)

// HealthPolicy controls when a source is reported down and when it recovers.
type HealthPolicy struct {
	DownFailures     int
	DownWindow       time.Duration
	RecoverSuccesses int
}

func DefaultHealthPolicy() HealthPolicy {
	return HealthPolicy{
		DownFailures:     3,
		DownWindow:       30 * time.Second,
		RecoverSuccesses: 2,
	}
}

type HealthState struct {
	Current              HealthStatus
	Path                 string
	LastError            string
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	LastTransitionAt     time.Time
}

func NextHealth(policy HealthPolicy, state HealthState, success bool, now time.Time) HealthState {
	if state.Current == "" {
		state.Current = HealthOK
	}
	if state.LastTransitionAt.IsZero() {
		state.LastTransitionAt = now
	}

	if success {
		state.ConsecutiveSuccesses++
		state.ConsecutiveFailures = 0
		if state.Current != HealthOK && state.ConsecutiveSuccesses >= policy.RecoverSuccesses {
			state.Current = HealthOK
			state.LastError = ""
			state.LastTransitionAt = now
		}
		return state
	}

	state.ConsecutiveFailures++
	state.ConsecutiveSuccesses = 0
	switch state.Current {
	case HealthOK:
		state.Current = HealthDegraded
		state.LastTransitionAt = now
	case HealthDegraded:
		if now.Sub(state.LastTransitionAt) > policy.DownWindow {
			// Failure window expired; start a new degraded window from this failure.
			state.ConsecutiveFailures = 1
			state.LastTransitionAt = now
			return state
		}
		if state.ConsecutiveFailures >= policy.DownFailures {
			state.Current = HealthDown
			state.LastTransitionAt = now
		}
	case HealthDown:
		// stays down until enough reads succeed
	}
	return state
}
