package api

import "time"

const SchemaVersion = "v1"

type HealthResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Status        string    `json:"status"`
	Players       int       `json:"players"`
	QueueDepth    int       `json:"queue_depth"`
	Sources       []SourceHealth `json:"sources,omitempty"`
	Handlers      []string       `json:"handlers,omitempty"`
}

type SourceHealth struct {
	Pattern             string    `json:"pattern"`
	Path                string    `json:"path,omitempty"`
	Status              string    `json:"status"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastError           string    `json:"last_error,omitempty"`
	LastTransitionAt    time.Time `json:"last_transition_at,omitempty"`
}
