package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// PlaceholderAPIKey is the sample key from .env.example; it counts as unset.
const PlaceholderAPIKey = "your_deepgram_api_key_here"

// Transcriber providers
const (
	ProviderDeepgram = "deepgram"
	ProviderGoogle   = "google"
	ProviderMock     = "mock"
)

// Store drivers
const (
	DriverSQLite = "sqlite"
	DriverMongo  = "mongo"
	DriverMemory = "memory"
)

// Config represents the complete service configuration
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Transcriber TranscriberConfig `yaml:"transcriber"`
	Store       StoreConfig       `yaml:"store"`
	Summary     SummaryConfig     `yaml:"summary"`
	Session     SessionConfig     `yaml:"session"`
	Retention   RetentionConfig   `yaml:"retention"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// ServerConfig contains HTTP and websocket server configuration
type ServerConfig struct {
	Port           int      `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	JWTSecret      string   `yaml:"jwt_secret"`
}

// TranscriberConfig selects and configures the speech provider
type TranscriberConfig struct {
	Provider string         `yaml:"provider"`
	Deepgram DeepgramConfig `yaml:"deepgram"`
	Google   GoogleConfig   `yaml:"google"`
}

// DeepgramConfig configures the Deepgram live API
type DeepgramConfig struct {
	APIKey           string `yaml:"api_key"`
	URL              string `yaml:"url"`
	Model            string `yaml:"model"`
	Language         string `yaml:"language"`
	KeepAliveSeconds int    `yaml:"keepalive_seconds"`
	CloseGraceMillis int    `yaml:"close_grace_ms"`
}

// GoogleConfig configures Google Cloud Speech streaming recognition
type GoogleConfig struct {
	APIKey     string `yaml:"api_key"`
	Language   string `yaml:"language"`
	Encoding   string `yaml:"encoding"`
	SampleRate int    `yaml:"sample_rate"`
}

// StoreConfig selects the transcript store
type StoreConfig struct {
	Driver        string `yaml:"driver"`
	SQLitePath    string `yaml:"sqlite_path"`
	MongoURI      string `yaml:"mongodb_uri"`
	MongoDatabase string `yaml:"mongodb_database"`
}

// SummaryConfig configures the optional Gemini summarizer
type SummaryConfig struct {
	GeminiAPIKey string `yaml:"gemini_api_key"`
	GeminiModel  string `yaml:"gemini_model"`
}

// SessionConfig contains per-connection limits
type SessionConfig struct {
	MaxPendingFrames      int `yaml:"max_pending_frames"`
	PersistTimeoutSeconds int `yaml:"persist_timeout_seconds"`
}

// RetentionConfig controls the transcript retention sweep
type RetentionConfig struct {
	Days            int `yaml:"days"`
	IntervalMinutes int `yaml:"interval_minutes"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// Default returns the configuration used when nothing is set
func Default() *Config {
	return &Config{
		Server: ServerConfig{Port: 3000},
		Transcriber: TranscriberConfig{
			Provider: ProviderDeepgram,
			Deepgram: DeepgramConfig{
				URL:              "wss://api.deepgram.com/v1/listen",
				Model:            "nova-2",
				Language:         "en",
				KeepAliveSeconds: 10,
				CloseGraceMillis: 500,
			},
			Google: GoogleConfig{
				Language:   "en-US",
				Encoding:   "WEBM_OPUS",
				SampleRate: 48000,
			},
		},
		Store: StoreConfig{
			Driver:        DriverSQLite,
			SQLitePath:    "data/transcripts.db",
			MongoURI:      "mongodb://localhost:27017",
			MongoDatabase: "meetscribe",
		},
		Summary: SummaryConfig{GeminiModel: "gemini-2.0-flash"},
		Session: SessionConfig{PersistTimeoutSeconds: 5},
		Retention: RetentionConfig{
			IntervalMinutes: 60,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load builds the configuration from defaults, the optional YAML file at
// path and then the environment.
func Load(path string) (*Config, error) {
	config := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := config.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

type lookupFunc func(string) (string, bool)

func (c *Config) applyEnv(lookup lookupFunc) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	num := func(key string, dst *int) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s must be an integer, got %q", key, v))
				return
			}
			*dst = n
		}
	}
	flag := func(key string, dst *bool) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s must be a boolean, got %q", key, v))
				return
			}
			*dst = b
		}
	}

	num("PORT", &c.Server.Port)
	if v, ok := lookup("ALLOWED_ORIGINS"); ok {
		c.Server.AllowedOrigins = splitList(v)
	}
	str("JWT_SECRET", &c.Server.JWTSecret)

	str("TRANSCRIBER_PROVIDER", &c.Transcriber.Provider)
	str("DEEPGRAM_API_KEY", &c.Transcriber.Deepgram.APIKey)
	str("DEEPGRAM_URL", &c.Transcriber.Deepgram.URL)
	str("DEEPGRAM_MODEL", &c.Transcriber.Deepgram.Model)
	str("DEEPGRAM_LANGUAGE", &c.Transcriber.Deepgram.Language)
	num("DEEPGRAM_KEEPALIVE_SECONDS", &c.Transcriber.Deepgram.KeepAliveSeconds)
	num("DEEPGRAM_CLOSE_GRACE_MS", &c.Transcriber.Deepgram.CloseGraceMillis)
	str("GOOGLE_SPEECH_API_KEY", &c.Transcriber.Google.APIKey)
	str("GOOGLE_SPEECH_LANGUAGE", &c.Transcriber.Google.Language)
	str("GOOGLE_SPEECH_ENCODING", &c.Transcriber.Google.Encoding)
	num("GOOGLE_SPEECH_SAMPLE_RATE", &c.Transcriber.Google.SampleRate)

	str("STORE_DRIVER", &c.Store.Driver)
	str("SQLITE_PATH", &c.Store.SQLitePath)
	str("MONGODB_URI", &c.Store.MongoURI)
	str("MONGODB_DATABASE", &c.Store.MongoDatabase)

	str("GEMINI_API_KEY", &c.Summary.GeminiAPIKey)
	str("GEMINI_MODEL", &c.Summary.GeminiModel)

	num("SESSION_MAX_PENDING_FRAMES", &c.Session.MaxPendingFrames)
	num("SESSION_PERSIST_TIMEOUT_SECONDS", &c.Session.PersistTimeoutSeconds)

	num("RETENTION_DAYS", &c.Retention.Days)
	num("RETENTION_INTERVAL_MINUTES", &c.Retention.IntervalMinutes)

	str("LOG_LEVEL", &c.Logging.Level)
	flag("LOG_DEVELOPMENT", &c.Logging.Development)

	return errors.Join(errs...)
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate performs validation of the configuration
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}
	if err := c.Transcriber.Validate(); err != nil {
		return fmt.Errorf("transcriber config: %w", err)
	}
	if err := c.Store.Validate(); err != nil {
		return fmt.Errorf("store config: %w", err)
	}
	if err := c.Session.Validate(); err != nil {
		return fmt.Errorf("session config: %w", err)
	}
	if err := c.Retention.Validate(); err != nil {
		return fmt.Errorf("retention config: %w", err)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}
	return nil
}

// Validate validates server configuration
func (s *ServerConfig) Validate() error {
	if s.Port < 1 || s.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", s.Port)
	}
	return nil
}

// Validate validates transcriber configuration
func (t *TranscriberConfig) Validate() error {
	switch t.Provider {
	case ProviderDeepgram:
		if t.Deepgram.URL == "" {
			return fmt.Errorf("deepgram url cannot be empty")
		}
		if t.Deepgram.KeepAliveSeconds < 0 {
			return fmt.Errorf("keepalive_seconds cannot be negative, got %d", t.Deepgram.KeepAliveSeconds)
		}
		if t.Deepgram.CloseGraceMillis < 0 {
			return fmt.Errorf("close_grace_ms cannot be negative, got %d", t.Deepgram.CloseGraceMillis)
		}
	case ProviderGoogle:
		if t.Google.SampleRate < 0 {
			return fmt.Errorf("sample_rate cannot be negative, got %d", t.Google.SampleRate)
		}
	case ProviderMock:
	default:
		return fmt.Errorf("provider must be one of [deepgram, google, mock], got '%s'", t.Provider)
	}
	return nil
}

// Credentials returns the configured key of the selected provider, or ""
// when it is missing or still the placeholder.
func (t *TranscriberConfig) Credentials() string {
	var key string
	switch t.Provider {
	case ProviderDeepgram:
		key = t.Deepgram.APIKey
	case ProviderGoogle:
		key = t.Google.APIKey
	case ProviderMock:
		return ProviderMock
	}
	if key == PlaceholderAPIKey {
		return ""
	}
	return key
}

// Validate validates store configuration
func (s *StoreConfig) Validate() error {
	switch s.Driver {
	case DriverSQLite:
		if s.SQLitePath == "" {
			return fmt.Errorf("sqlite_path cannot be empty")
		}
	case DriverMongo:
		if s.MongoURI == "" {
			return fmt.Errorf("mongodb_uri cannot be empty")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("driver must be one of [sqlite, mongo, memory], got '%s'", s.Driver)
	}
	return nil
}

// Validate validates session configuration
func (s *SessionConfig) Validate() error {
	if s.MaxPendingFrames < 0 {
		return fmt.Errorf("max_pending_frames cannot be negative, got %d", s.MaxPendingFrames)
	}
	if s.PersistTimeoutSeconds < 0 {
		return fmt.Errorf("persist_timeout_seconds cannot be negative, got %d", s.PersistTimeoutSeconds)
	}
	return nil
}

// Validate validates retention configuration
func (r *RetentionConfig) Validate() error {
	if r.Days < 0 {
		return fmt.Errorf("days cannot be negative, got %d", r.Days)
	}
	if r.IntervalMinutes < 0 {
		return fmt.Errorf("interval_minutes cannot be negative, got %d", r.IntervalMinutes)
	}
	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[strings.ToLower(l.Level)] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}
	return nil
}

// GetKeepAliveInterval returns the keep-alive period as a time.Duration
func (d *DeepgramConfig) GetKeepAliveInterval() time.Duration {
	return time.Duration(d.KeepAliveSeconds) * time.Second
}

// GetCloseGrace returns the close grace period as a time.Duration
func (d *DeepgramConfig) GetCloseGrace() time.Duration {
	return time.Duration(d.CloseGraceMillis) * time.Millisecond
}

// GetPersistTimeout returns the persistence timeout as a time.Duration
func (s *SessionConfig) GetPersistTimeout() time.Duration {
	return time.Duration(s.PersistTimeoutSeconds) * time.Second
}

// GetMaxAge returns the retention window, or zero when retention is off
func (r *RetentionConfig) GetMaxAge() time.Duration {
	return time.Duration(r.Days) * 24 * time.Hour
}

// GetInterval returns the sweep interval as a time.Duration
func (r *RetentionConfig) GetInterval() time.Duration {
	return time.Duration(r.IntervalMinutes) * time.Minute
}
