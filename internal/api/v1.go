package api

import "time"

type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ErrorResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Error         APIError  `json:"error"`
}

type WatchFlags struct {
	Avatar  bool `json:"avatar"`
	Group   bool `json:"group"`
	Profile bool `json:"profile"`
}

type PlayerItem struct {
	UserID       string     `json:"user_id"`
	DisplayName  string     `json:"display_name"`
	NetworkID    int        `json:"network_id,omitempty"`
	AvatarName   string     `json:"avatar_name,omitempty"`
	LastActivity string     `json:"last_activity,omitempty"`
	Evaluation   string     `json:"evaluation,omitempty"`
	Watch        WatchFlags `json:"watch"`
	WatchCode    string     `json:"watch_code,omitempty"`
	IsWatched    bool       `json:"is_watched"`
	JoinedAt     time.Time  `json:"joined_at"`
	LeftAt       *time.Time `json:"left_at,omitempty"`
}

type PlayerEvent struct {
	ID       string    `json:"id"`
	At       time.Time `json:"at"`
	Category string    `json:"category"`
	Text     string    `json:"text"`
}

type DropItem struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	SpawnedAt time.Time `json:"spawned_at"`
}

type PlayerDetail struct {
	PlayerItem
	Bio       string        `json:"bio,omitempty"`
	Events    []PlayerEvent `json:"events"`
	Drops     []DropItem    `json:"drops"`
	Inventory []DropItem    `json:"inventory"`
}

type ListSummary struct {
	Total   int            `json:"total"`
	Watched int            `json:"watched"`
	ByWatch map[string]int `json:"by_watch,omitempty"`
}

type ListEnvelope struct {
	SchemaVersion string         `json:"schema_version"`
	GeneratedAt   time.Time      `json:"generated_at"`
	Filters       map[string]any `json:"filters"`
	Summary       ListSummary    `json:"summary"`
	Items         []PlayerItem   `json:"items"`
}

type PlayerEnvelope struct {
	SchemaVersion string       `json:"schema_version"`
	GeneratedAt   time.Time    `json:"generated_at"`
	Player        PlayerDetail `json:"player"`
}

type WorldResponse struct {
	SchemaVersion string     `json:"schema_version"`
	GeneratedAt   time.Time  `json:"generated_at"`
	WorldID       string     `json:"world_id,omitempty"`
	InstanceID    string     `json:"instance_id,omitempty"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	Players       int        `json:"players"`
	SeenAvatars   []string   `json:"seen_avatars"`
}

// WatchLine is one NDJSON line of /v1/watch and one websocket message of
// /v1/stream. The first line is a snapshot, the rest are changes.
type WatchLine struct {
	SchemaVersion string       `json:"schema_version"`
	EmittedAt     time.Time    `json:"emitted_at"`
	StreamID      string       `json:"stream_id"`
	Sequence      int64        `json:"sequence"`
	Type          string       `json:"type"`
	Change        string       `json:"change,omitempty"`
	Player        *PlayerItem  `json:"player,omitempty"`
	Items         []PlayerItem `json:"items,omitempty"`
}

const (
	WatchTypeSnapshot = "snapshot"
	WatchTypeChange   = "change"
)
