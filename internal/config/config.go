package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	SocketPath   string        `yaml:"socket_path"`
	DBPath       string        `yaml:"db_path"`
	LogSources   []string      `yaml:"log_sources"`
	StartAtEnd   bool          `yaml:"start_at_end"`
	PollInterval time.Duration `yaml:"poll_interval"`
	LogLevel     string        `yaml:"log_level"`
	LogFormat    string        `yaml:"log_format"`
	ConsoleEcho  bool          `yaml:"console_echo"`

	WatchlistPath    string `yaml:"watchlist_path"`
	AvatarIndexSize  int    `yaml:"avatar_index_size"`
	SubscriberBuffer int    `yaml:"subscriber_buffer"`

	Evaluation EvaluationConfig `yaml:"evaluation"`
	Classifier ClassifierConfig `yaml:"classifier"`
	Profile    ProfileConfig    `yaml:"profile"`

	ShutdownTimeout time.Duration       `yaml:"shutdown_timeout"`
	Handlers        []HandlerDescriptor `yaml:"handlers"`
}

type EvaluationConfig struct {
	IdleInterval   time.Duration `yaml:"idle_interval"`
	RatePerSecond  float64       `yaml:"rate_per_second"`
	Burst          int           `yaml:"burst"`
	CallTimeout    time.Duration `yaml:"call_timeout"`
	ProfilePrompt  string        `yaml:"profile_prompt"`
	AssetPrompt    string        `yaml:"asset_prompt"`
	JoinPriority   int           `yaml:"join_priority"`
	AssetPriority  int           `yaml:"asset_priority"`
	EvaluateAssets bool          `yaml:"evaluate_assets"`
}

type ClassifierConfig struct {
	BaseURL   string `yaml:"base_url"`
	Model     string `yaml:"model"`
	APIKeyEnv string `yaml:"api_key_env"`
}

type ProfileConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

// HandlerDescriptor configures one line handler. Order in Config.Handlers
// is dispatch order.
type HandlerDescriptor struct {
	Type      string             `yaml:"type"`
	Enabled   *bool              `yaml:"enabled"`
	Pattern   string             `yaml:"pattern"`
	LogOutput bool               `yaml:"log_output"`
	Style     string             `yaml:"style"`
	Actions   []ActionDescriptor `yaml:"actions"`
}

func (d HandlerDescriptor) IsEnabled() bool {
	return d.Enabled == nil || *d.Enabled
}

type ActionDescriptor struct {
	Type    string        `yaml:"type"`
	Message string        `yaml:"message"`
	Delay   time.Duration `yaml:"delay"`
	Command []string      `yaml:"command"`
	Timeout time.Duration `yaml:"timeout"`
}

const defaultProfilePrompt = `You review public profile text from players in a shared virtual space.
Reply with "SAFE" when nothing is concerning. Otherwise reply "FLAGGED: " followed by a short reason.`

const defaultAssetPrompt = `You review the description of an item a player spawned in a shared virtual space.
Reply with "SAFE" when nothing is concerning. Otherwise reply "FLAGGED: " followed by a short reason.`

func DefaultConfig() Config {
	return Config{
		SocketPath:       defaultSocketPath(),
		DBPath:           defaultDBPath(),
		StartAtEnd:       true,
		PollInterval:     1 * time.Second,
		LogLevel:         "info",
		LogFormat:        "text",
		ConsoleEcho:      true,
		AvatarIndexSize:  4096,
		SubscriberBuffer: 256,
		Evaluation: EvaluationConfig{
			IdleInterval:   5 * time.Second,
			RatePerSecond:  0.5,
			Burst:          1,
			CallTimeout:    30 * time.Second,
			ProfilePrompt:  defaultProfilePrompt,
			AssetPrompt:    defaultAssetPrompt,
			JoinPriority:   10,
			AssetPriority:  1,
			EvaluateAssets: true,
		},
		Classifier: ClassifierConfig{
			BaseURL:   "https://api.openai.com/v1",
			Model:     "gpt-4o-mini",
			APIKeyEnv: "LOBBYWATCH_OPENAI_API_KEY",
		},
		Profile: ProfileConfig{
			Timeout: 10 * time.Second,
		},
		ShutdownTimeout: 5 * time.Second,
	}
}

// Load overlays the YAML file at path onto DefaultConfig. A missing file
// yields the defaults.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

func DefaultConfigPath() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "lobbywatch", "config.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "lobbywatch.yaml"
	}
	return filepath.Join(home, ".config", "lobbywatch", "config.yaml")
}

func defaultSocketPath() string {
	runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
	if runtimeDir != "" {
		return filepath.Join(runtimeDir, "lobbywatch", "lobbywatchd.sock")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".lobbywatchd.sock"
	}
	return filepath.Join(home, ".local", "state", "lobbywatch", "lobbywatchd.sock")
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "lobbywatch.db"
	}
	return filepath.Join(home, ".local", "state", "lobbywatch", "state.db")
}
