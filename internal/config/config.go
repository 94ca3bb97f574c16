// Package config loads the agent configuration from an optional .env file, a
// YAML file and PSO_* environment variables, in that order of precedence
// (later wins).
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration
type Config struct {
	Operator  OperatorConfig  `yaml:"operator"`
	Backend   BackendConfig   `yaml:"backend"`
	Signaling SignalingConfig `yaml:"signaling"`
	Devices   DevicesConfig   `yaml:"devices"`
	Video     VideoConfig     `yaml:"video"`
	Transport TransportConfig `yaml:"transport"`
	Retry     RetryConfig     `yaml:"retry"`
	Health    HealthConfig    `yaml:"health"`
	Presence  PresenceConfig  `yaml:"presence"`
	Commands  CommandsConfig  `yaml:"commands"`
	API       APIConfig       `yaml:"api"`
	Log       LogConfig       `yaml:"log"`
}

// OperatorConfig identifies the PSO this agent streams for.
type OperatorConfig struct {
	Email string `yaml:"email"`
	Name  string `yaml:"name"`
}

// BackendConfig points at the dashboard REST API.
type BackendConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`

	// Static bearer token; ignored when client credentials are configured.
	Token string `yaml:"token"`

	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	TokenURL     string   `yaml:"token_url"`
	Scopes       []string `yaml:"scopes"`
}

type SignalingConfig struct {
	URL            string        `yaml:"url"`
	PresenceGroup  string        `yaml:"presence_group"`
	CommandPrefix  string        `yaml:"command_prefix"`
	HandshakeWait  time.Duration `yaml:"handshake_timeout"`
	MaxRedialDelay time.Duration `yaml:"max_redial_delay"`
}

// DevicesConfig drives camera selection.
type DevicesConfig struct {
	PreferredModel string `yaml:"preferred_model"`
	ExcludedModel  string `yaml:"excluded_model"`
	CaptureAudio   bool   `yaml:"capture_audio"`
}

type VideoConfig struct {
	Width            int `yaml:"width"`
	Height           int `yaml:"height"`
	FrameRate        int `yaml:"frame_rate"`
	BitRate          int `yaml:"bit_rate"`
	KeyFrameInterval int `yaml:"key_frame_interval"`
	AudioBitRate     int `yaml:"audio_bit_rate"`
}

type TransportConfig struct {
	ICEServers []string `yaml:"ice_servers"`
}

// RetryConfig mirrors reconnect.Policy.
type RetryConfig struct {
	MaxAttempts        int           `yaml:"max_attempts"`
	BaseDelay          time.Duration `yaml:"base_delay"`
	MaxDelay           time.Duration `yaml:"max_delay"`
	Multiplier         float64       `yaml:"multiplier"`
	ConnectTimeout     time.Duration `yaml:"connect_timeout"`
	ConnectTimeoutStep time.Duration `yaml:"connect_timeout_step"`
	MaxConnectTimeout  time.Duration `yaml:"max_connect_timeout"`
	DegradeFrom        int           `yaml:"degrade_from"`
	RecreateAt         int           `yaml:"recreate_at"`
	PersistentDelay    time.Duration `yaml:"persistent_delay"`
}

type HealthConfig struct {
	Interval time.Duration `yaml:"interval"`
}

type PresenceConfig struct {
	IdleKeepAwake  bool          `yaml:"idle_keep_awake"`
	SleepTick      time.Duration `yaml:"sleep_tick"`
	SleepThreshold time.Duration `yaml:"sleep_threshold"`
	NetPoll        time.Duration `yaml:"net_poll"`
}

type CommandsConfig struct {
	ResumeWindow time.Duration `yaml:"resume_window"`
	DedupeSize   int           `yaml:"dedupe_size"`
}

type APIConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Addr      string `yaml:"addr"`
	RateLimit int    `yaml:"rate_limit_per_minute"`
}

type LogConfig struct {
	Level       string `yaml:"level"`
	Format      string `yaml:"format"`
	Development bool   `yaml:"development"`
}

// Default returns a Config with default values
func Default() *Config {
	return &Config{
		Backend: BackendConfig{
			BaseURL: "http://localhost:7071",
			Timeout: 10 * time.Second,
		},
		Signaling: SignalingConfig{
			URL:            "ws://localhost:7000/signal",
			PresenceGroup:  "presence",
			CommandPrefix:  "commands:",
			HandshakeWait:  10 * time.Second,
			MaxRedialDelay: 30 * time.Second,
		},
		Devices: DevicesConfig{
			PreferredModel: "C270",
			ExcludedModel:  "C930e",
		},
		Video: VideoConfig{
			Width:            640,
			Height:           480,
			FrameRate:        25,
			BitRate:          500_000,
			KeyFrameInterval: 30,
			AudioBitRate:     32_000,
		},
		Transport: TransportConfig{
			ICEServers: []string{"stun:stun.l.google.com:19302"},
		},
		Retry: RetryConfig{
			MaxAttempts:        10,
			BaseDelay:          500 * time.Millisecond,
			MaxDelay:           5 * time.Second,
			Multiplier:         2,
			ConnectTimeout:     10 * time.Second,
			ConnectTimeoutStep: 5 * time.Second,
			MaxConnectTimeout:  30 * time.Second,
			DegradeFrom:        5,
			RecreateAt:         4,
			PersistentDelay:    30 * time.Second,
		},
		Health: HealthConfig{
			Interval: 5 * time.Second,
		},
		Presence: PresenceConfig{
			SleepTick:      5 * time.Second,
			SleepThreshold: 30 * time.Second,
			NetPoll:        5 * time.Second,
		},
		Commands: CommandsConfig{
			ResumeWindow: 5 * time.Minute,
			DedupeSize:   256,
		},
		API: APIConfig{
			Enabled:   true,
			Addr:      "127.0.0.1:8089",
			RateLimit: 120,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load builds a Config from defaults, the optional env file, the optional
// YAML file and the process environment. Missing files are not errors.
func Load(path, envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load env file %s: %w", envFile, err)
		}
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
			}
		}
	}

	if err := cfg.applyEnv(os.Getenv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	boolean := func(key string, dst *bool) error {
		if v := getenv(key); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", key, err)
			}
			*dst = b
		}
		return nil
	}
	duration := func(key string, dst *time.Duration) error {
		if v := getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", key, err)
			}
			*dst = d
		}
		return nil
	}

	str("PSO_OPERATOR_EMAIL", &c.Operator.Email)
	str("PSO_OPERATOR_NAME", &c.Operator.Name)
	str("PSO_BACKEND_URL", &c.Backend.BaseURL)
	str("PSO_BACKEND_TOKEN", &c.Backend.Token)
	str("PSO_BACKEND_CLIENT_ID", &c.Backend.ClientID)
	str("PSO_BACKEND_CLIENT_SECRET", &c.Backend.ClientSecret)
	str("PSO_BACKEND_TOKEN_URL", &c.Backend.TokenURL)
	if v := getenv("PSO_BACKEND_SCOPES"); v != "" {
		c.Backend.Scopes = strings.Fields(strings.ReplaceAll(v, ",", " "))
	}
	str("PSO_SIGNALING_URL", &c.Signaling.URL)
	str("PSO_PREFERRED_CAMERA", &c.Devices.PreferredModel)
	str("PSO_EXCLUDED_CAMERA", &c.Devices.ExcludedModel)
	str("PSO_API_ADDR", &c.API.Addr)
	str("PSO_LOG_LEVEL", &c.Log.Level)
	str("PSO_LOG_FORMAT", &c.Log.Format)

	if err := boolean("PSO_CAPTURE_AUDIO", &c.Devices.CaptureAudio); err != nil {
		return err
	}
	if err := boolean("PSO_IDLE_KEEP_AWAKE", &c.Presence.IdleKeepAwake); err != nil {
		return err
	}
	if err := boolean("PSO_API_ENABLED", &c.API.Enabled); err != nil {
		return err
	}
	if err := duration("PSO_HEALTH_INTERVAL", &c.Health.Interval); err != nil {
		return err
	}
	if err := duration("PSO_RESUME_WINDOW", &c.Commands.ResumeWindow); err != nil {
		return err
	}
	return nil
}

// Validate performs sanity checks and reports the first problem found.
func (c *Config) Validate() error {
	if c.Operator.Email == "" {
		return fmt.Errorf("operator.email is required")
	}
	if !strings.Contains(c.Operator.Email, "@") {
		return fmt.Errorf("operator.email %q is not an email address", c.Operator.Email)
	}
	if c.Backend.BaseURL == "" {
		return fmt.Errorf("backend.base_url is required")
	}
	if c.Backend.ClientID != "" && c.Backend.TokenURL == "" {
		return fmt.Errorf("backend.token_url is required with backend.client_id")
	}
	if c.Signaling.URL == "" {
		return fmt.Errorf("signaling.url is required")
	}
	if c.Video.Width <= 0 || c.Video.Height <= 0 {
		return fmt.Errorf("invalid video dimensions: %dx%d", c.Video.Width, c.Video.Height)
	}
	if c.Video.FrameRate <= 0 {
		return fmt.Errorf("invalid frame rate: %d", c.Video.FrameRate)
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry.max_attempts must be positive")
	}
	if c.Retry.BaseDelay <= 0 || c.Retry.MaxDelay < c.Retry.BaseDelay {
		return fmt.Errorf("retry delays must satisfy 0 < base_delay <= max_delay")
	}
	if c.Retry.Multiplier < 1 {
		return fmt.Errorf("retry.multiplier must be >= 1")
	}
	if c.Retry.ConnectTimeout <= 0 || c.Retry.MaxConnectTimeout < c.Retry.ConnectTimeout {
		return fmt.Errorf("retry connect timeouts must satisfy 0 < connect_timeout <= max_connect_timeout")
	}
	if c.Retry.PersistentDelay <= 0 {
		return fmt.Errorf("retry.persistent_delay must be positive")
	}
	if c.Health.Interval <= 0 {
		return fmt.Errorf("health.interval must be positive")
	}
	if c.Presence.SleepTick <= 0 || c.Presence.SleepThreshold <= c.Presence.SleepTick {
		return fmt.Errorf("presence.sleep_threshold must exceed presence.sleep_tick")
	}
	if c.Presence.NetPoll <= 0 {
		return fmt.Errorf("presence.net_poll must be positive")
	}
	if c.Commands.DedupeSize <= 0 {
		return fmt.Errorf("commands.dedupe_size must be positive")
	}
	return nil
}

// CommandGroup is the per-operator directive channel name.
func (c *Config) CommandGroup() string {
	return c.Signaling.CommandPrefix + strings.ToLower(c.Operator.Email)
}
