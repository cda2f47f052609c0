package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Build-time variables injected via -ldflags.
var (
	Version   = "dev"
	BuildTime = "unknown"
)

// Config holds all agent configuration loaded from environment variables.
// It is immutable after Load returns.
type Config struct {
	// BotID is the agent's own identifier. When empty, a persisted
	// identity from the data directory is used instead.
	BotID string

	// BaseURL is the base URL of the coordination service.
	BaseURL string

	// PingURL is the twin-discovery endpoint. When empty it is derived
	// from BaseURL and the bot identifier.
	PingURL string

	// InternalCode is the shared pairing code distinguishing this
	// deployment family from unrelated agents on the same service.
	InternalCode int

	// MaxRetries is the number of failed probe attempts before the agent
	// gives up searching and switches to listening.
	MaxRetries int

	// RetryInterval is the delay between probe attempts and between
	// deploy-signal polls.
	RetryInterval time.Duration

	// ConnectTimeout bounds each individual probe request.
	ConnectTimeout time.Duration

	// ArtifactURLs are the files fetched during deployment, in order.
	ArtifactURLs []string

	// LaunchCommand is run via `sh -c` inside DeployDir after all
	// artifacts are written.
	LaunchCommand string

	// DeployDir is where artifacts are written and the command is launched.
	DeployDir string

	// DataDir is the root directory for persistent agent data.
	DataDir string

	// LogDir is the directory for log files.
	LogDir string

	// Debug enables verbose logging.
	Debug bool

	// ControlPort is the local control API port.
	ControlPort int

	// ControlToken, when set, is required as a bearer token on the
	// control API.
	ControlToken string
}

// DefaultConfig returns a Config populated with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		InternalCode:   720,
		MaxRetries:     10,
		RetryInterval:  5 * time.Second,
		ConnectTimeout: 3 * time.Second,
		DeployDir:      "/var/lib/gemelo/deploy",
		DataDir:        "/var/lib/gemelo",
		LogDir:         "/var/log/gemelo",
		ControlPort:    8420,
	}
}

// Load reads configuration from environment variables, applying defaults
// for anything not explicitly set. Returns an error if required values
// are missing or malformed.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(os.Getenv("GEMELO_BASE_URL")), "/")
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("GEMELO_BASE_URL is required")
	}

	cfg.BotID = strings.TrimSpace(os.Getenv("GEMELO_BOT_ID"))

	if v := os.Getenv("GEMELO_PING_URL"); v != "" {
		cfg.PingURL = v
	}

	if v := os.Getenv("GEMELO_INTERNAL_CODE"); v != "" {
		code, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("GEMELO_INTERNAL_CODE must be an integer: %w", err)
		}
		cfg.InternalCode = code
	}

	if v := os.Getenv("GEMELO_MAX_RETRIES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("GEMELO_MAX_RETRIES must be a positive integer")
		}
		cfg.MaxRetries = n
	}

	if v := os.Getenv("GEMELO_RETRY_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("GEMELO_RETRY_INTERVAL: %w", err)
		}
		cfg.RetryInterval = d
	}

	if v := os.Getenv("GEMELO_CONNECT_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("GEMELO_CONNECT_TIMEOUT: %w", err)
		}
		cfg.ConnectTimeout = d
	}

	if v := os.Getenv("GEMELO_ARTIFACT_URLS"); v != "" {
		for _, u := range strings.Split(v, ",") {
			if u = strings.TrimSpace(u); u != "" {
				cfg.ArtifactURLs = append(cfg.ArtifactURLs, u)
			}
		}
	}

	if v := os.Getenv("GEMELO_LAUNCH_COMMAND"); v != "" {
		cfg.LaunchCommand = v
	}

	if v := os.Getenv("GEMELO_DEPLOY_DIR"); v != "" {
		cfg.DeployDir = v
	}

	if v := os.Getenv("GEMELO_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}

	if v := os.Getenv("GEMELO_LOG_DIR"); v != "" {
		cfg.LogDir = v
	}

	cfg.Debug = os.Getenv("GEMELO_DEBUG") == "true"

	if v := os.Getenv("GEMELO_CONTROL_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("GEMELO_CONTROL_PORT must be an integer: %w", err)
		}
		cfg.ControlPort = port
	}

	cfg.ControlToken = os.Getenv("GEMELO_CONTROL_TOKEN")

	return cfg, nil
}

// NewLogger creates a structured logger that writes JSON to a log file.
func NewLogger(cfg *Config, name string) (*slog.Logger, error) {
	if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}

	logPath := cfg.LogDir + "/" + name + ".log"
	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file %s: %w", logPath, err)
	}

	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}

	handler := slog.NewJSONHandler(file, &slog.HandlerOptions{Level: level})
	return slog.New(handler), nil
}
