// Package config loads the taskstream server configuration from an optional
// YAML file and environment variables. Environment variables win over the
// file; unset values fall back to defaults.
//
// Environment variables:
//
//	TASKSTREAM_HTTP_ADDR                   - listen address (default ":8080")
//	TASKSTREAM_MODEL_PROVIDER              - "openai" or "anthropic" (default "openai")
//	TASKSTREAM_MODEL                       - model identifier
//	TASKSTREAM_DEFAULT_MAX_ACTIVE_REQUESTS - per-app concurrency ceiling (default 10)
//	TASKSTREAM_DAILY_LIMIT                 - per-tenant daily requests (default 5000)
//	TASKSTREAM_STOP_POLICY                 - persist_partial, mark_error or discard
//	TASKSTREAM_LOG_FORMAT                  - "json" or "terminal" (default "json")
//	TASKSTREAM_DEBUG                       - enable debug logs
//	APP_MAX_EXECUTION_TIME                 - task deadline in seconds (default 1200)
//	REDIS_URL, REDIS_PASSWORD              - shared store
//	MONGO_URI, MONGO_DATABASE              - message store (optional)
//	OPENAI_API_KEY, ANTHROPIC_API_KEY      - provider credentials
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"goa.design/taskstream/runtime/pipeline"
)

const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

type (
	// Config is the server configuration.
	Config struct {
		HTTP       HTTP           `yaml:"http"`
		Redis      Redis          `yaml:"redis"`
		Mongo      Mongo          `yaml:"mongo"`
		Pulse      Pulse          `yaml:"pulse"`
		Limits     Limits         `yaml:"limits"`
		Queue      Queue          `yaml:"queue"`
		Model      Model          `yaml:"model"`
		Moderation Moderation     `yaml:"moderation"`
		StopPolicy string         `yaml:"stop_policy"`
		Apps       map[string]App `yaml:"apps"`
		Log        Log            `yaml:"log"`
	}

	HTTP struct {
		Addr string `yaml:"addr"`
	}

	Redis struct {
		// URL is either host:port or a redis:// URL.
		URL      string `yaml:"url"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	}

	// Mongo configures the message store. An empty URI disables it.
	Mongo struct {
		URI      string `yaml:"uri"`
		Database string `yaml:"database"`
	}

	// Pulse configures event mirroring and the distributed reaper.
	Pulse struct {
		Enabled      bool   `yaml:"enabled"`
		NodeName     string `yaml:"node_name"`
		StreamMaxLen int    `yaml:"stream_max_len"`
		// StreamRetention is how long a mirrored task stream outlives its
		// last event.
		StreamRetention time.Duration `yaml:"stream_retention"`
	}

	Limits struct {
		MaxExecutionTime         time.Duration `yaml:"max_execution_time"`
		DefaultMaxActiveRequests int           `yaml:"default_max_active_requests"`
		DailyLimit               int           `yaml:"daily_limit"`
		ReaperInterval           time.Duration `yaml:"reaper_interval"`
	}

	Queue struct {
		PollInterval      time.Duration `yaml:"poll_interval"`
		HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	}

	Model struct {
		Provider     string  `yaml:"provider"`
		Name         string  `yaml:"name"`
		NamingModel  string  `yaml:"naming_model"`
		SystemPrompt string  `yaml:"system_prompt"`
		MaxTokens    int     `yaml:"max_tokens"`
		Temperature  float64 `yaml:"temperature"`
		// Keys are only read from the environment.
		OpenAIKey    string `yaml:"-"`
		AnthropicKey string `yaml:"-"`
	}

	Moderation struct {
		Keywords       []string `yaml:"keywords"`
		PresetResponse string   `yaml:"preset_response"`
	}

	// App overrides the admission settings of one app.
	App struct {
		MaxActiveRequests *int   `yaml:"max_active_requests"`
		TenantID          string `yaml:"tenant_id"`
		Mode              string `yaml:"mode"`
	}

	Log struct {
		Format string `yaml:"format"`
		Debug  bool   `yaml:"debug"`
	}
)

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		HTTP:  HTTP{Addr: ":8080"},
		Redis: Redis{URL: "localhost:6379"},
		Mongo: Mongo{Database: "taskstream"},
		Pulse: Pulse{NodeName: "taskstream", StreamMaxLen: 1000, StreamRetention: 30 * time.Minute},
		Limits: Limits{
			MaxExecutionTime:         1200 * time.Second,
			DefaultMaxActiveRequests: 10,
			DailyLimit:               5000,
			ReaperInterval:           time.Minute,
		},
		Queue: Queue{
			PollInterval:      time.Second,
			HeartbeatInterval: 10 * time.Second,
		},
		Model: Model{
			Provider:  ProviderOpenAI,
			Name:      "gpt-4o-mini",
			MaxTokens: 1024,
		},
		StopPolicy: "persist_partial",
		Log:        Log{Format: "json"},
	}
}

// Load reads the configuration with Read and validates it.
func Load(path string) (*Config, error) {
	cfg, err := Read(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Read loads path (when not empty) over the defaults and applies environment
// overrides without validating.
func Read(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.HTTP.Addr == "" {
		return errors.New("http.addr is required")
	}
	if c.Redis.URL == "" {
		return errors.New("redis.url is required")
	}
	if c.Limits.MaxExecutionTime <= 0 {
		return errors.New("limits.max_execution_time must be positive")
	}
	if c.Limits.DailyLimit < 0 {
		return errors.New("limits.daily_limit must not be negative")
	}
	if c.Queue.PollInterval <= 0 || c.Queue.HeartbeatInterval <= 0 {
		return errors.New("queue intervals must be positive")
	}
	switch c.Model.Provider {
	case ProviderOpenAI:
		if c.Model.OpenAIKey == "" {
			return errors.New("OPENAI_API_KEY is required for the openai provider")
		}
	case ProviderAnthropic:
		if c.Model.AnthropicKey == "" {
			return errors.New("ANTHROPIC_API_KEY is required for the anthropic provider")
		}
	default:
		return fmt.Errorf("unknown model provider %q", c.Model.Provider)
	}
	if c.Model.Name == "" {
		return errors.New("model.name is required")
	}
	if _, err := c.Policy(); err != nil {
		return err
	}
	if c.Log.Format != "json" && c.Log.Format != "terminal" {
		return fmt.Errorf("unknown log format %q", c.Log.Format)
	}
	if c.Pulse.Enabled && c.Pulse.NodeName == "" {
		return errors.New("pulse.node_name is required when pulse is enabled")
	}
	if c.Pulse.StreamRetention < 0 {
		return errors.New("pulse.stream_retention must not be negative")
	}
	return nil
}

// Policy returns the configured stop policy.
func (c *Config) Policy() (pipeline.StopPolicy, error) {
	switch c.StopPolicy {
	case "", "persist_partial":
		return pipeline.StopPolicyPersistPartial, nil
	case "mark_error":
		return pipeline.StopPolicyMarkError, nil
	case "discard":
		return pipeline.StopPolicyDiscard, nil
	}
	return 0, fmt.Errorf("unknown stop policy %q", c.StopPolicy)
}

// MaxActiveRequests returns the concurrency ceiling of appID.
func (c *Config) MaxActiveRequests(appID string) int {
	if app, ok := c.Apps[appID]; ok && app.MaxActiveRequests != nil {
		return *app.MaxActiveRequests
	}
	return c.Limits.DefaultMaxActiveRequests
}

func (c *Config) applyEnv() error {
	setString(&c.HTTP.Addr, "TASKSTREAM_HTTP_ADDR")
	setString(&c.Model.Provider, "TASKSTREAM_MODEL_PROVIDER")
	setString(&c.Model.Name, "TASKSTREAM_MODEL")
	setString(&c.StopPolicy, "TASKSTREAM_STOP_POLICY")
	setString(&c.Log.Format, "TASKSTREAM_LOG_FORMAT")
	setString(&c.Redis.URL, "REDIS_URL")
	setString(&c.Redis.Password, "REDIS_PASSWORD")
	setString(&c.Mongo.URI, "MONGO_URI")
	setString(&c.Mongo.Database, "MONGO_DATABASE")
	setString(&c.Model.OpenAIKey, "OPENAI_API_KEY")
	setString(&c.Model.AnthropicKey, "ANTHROPIC_API_KEY")
	if err := setInt(&c.Limits.DefaultMaxActiveRequests, "TASKSTREAM_DEFAULT_MAX_ACTIVE_REQUESTS"); err != nil {
		return err
	}
	if err := setInt(&c.Limits.DailyLimit, "TASKSTREAM_DAILY_LIMIT"); err != nil {
		return err
	}
	var secs int
	if err := setInt(&secs, "APP_MAX_EXECUTION_TIME"); err != nil {
		return err
	}
	if secs != 0 {
		c.Limits.MaxExecutionTime = time.Duration(secs) * time.Second
	}
	if v, ok := os.LookupEnv("TASKSTREAM_DEBUG"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("TASKSTREAM_DEBUG: %w", err)
		}
		c.Log.Debug = b
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = i
	return nil
}
