package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/ZanzyTHEbar/streamchat/chat"
)

// Config stores all configuration of the application.
// The values are read by viper from a config file or environment variables.
type Config struct {
	Client    ClientConfig    `mapstructure:"client"`
	Chat      ChatConfig      `mapstructure:"chat"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	Relay     RelayConfig     `mapstructure:"relay"`
	Retrieval RetrievalConfig `mapstructure:"retrieval"`
	Log       LogConfig       `mapstructure:"log"`

	v *viper.Viper
}

// ClientConfig describes the completion endpoint and how its stream is decoded.
type ClientConfig struct {
	BaseURL       string            `mapstructure:"base_url"`
	Path          string            `mapstructure:"path"`
	Timeout       time.Duration     `mapstructure:"timeout"`        // wait for response headers
	DecoderMode   string            `mapstructure:"decoder_mode"`   // "delimited" | "ndjson"
	Marker        string            `mapstructure:"marker"`         // delimited frame prefix
	PreserveSpace bool              `mapstructure:"preserve_space"` // strip one space after the marker only
	MaxUnitBytes  int               `mapstructure:"max_unit_bytes"`
	ChunkSize     int               `mapstructure:"chunk_size"`
	Headers       map[string]string `mapstructure:"headers"`
}

// ChatConfig stores orchestrator settings.
type ChatConfig struct {
	BusyPolicy   string        `mapstructure:"busy_policy"`  // "reject" | "supersede" | "serialize"
	TurnTimeout  time.Duration `mapstructure:"turn_timeout"` // 0 disables
	SystemPrompt string        `mapstructure:"system_prompt"`

	// Rate limiting
	RateLimitEnabled    bool          `mapstructure:"rate_limit_enabled"`
	RateLimitCapacity   int           `mapstructure:"rate_limit_capacity"`
	RateLimitRefillRate time.Duration `mapstructure:"rate_limit_refill_rate"`

	EnableTracing bool `mapstructure:"enable_tracing"`
}

// ArchiveConfig controls the libsql turn journal.
type ArchiveConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// RelayConfig stores settings for the relay server in front of the model.
type RelayConfig struct {
	ListenAddr      string        `mapstructure:"listen_addr"`
	UpstreamURL     string        `mapstructure:"upstream_url"`
	Model           string        `mapstructure:"model"`
	ContentType     string        `mapstructure:"content_type"`
	Version         string        `mapstructure:"version"`
	UpstreamTimeout time.Duration `mapstructure:"upstream_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// RetrievalConfig controls context retrieval in the relay. Documents live in
// a libsql vector table; embeddings come from an Ollama-compatible endpoint.
type RetrievalConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Path       string        `mapstructure:"path"`
	EmbedURL   string        `mapstructure:"embed_url"` // defaults to relay.upstream_url
	EmbedModel string        `mapstructure:"embed_model"`
	TopK       int           `mapstructure:"top_k"`
	ChunkWords int           `mapstructure:"chunk_words"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// LogConfig stores logger settings.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

// LoadConfig reads configuration from file or environment variables. A
// missing config file is not an error; defaults apply.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath(filepath.Join("etc", chat.DefaultAppName))
		v.AddConfigPath(chat.DefaultConfigPath)
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	setDefaults(v)

	v.AutomaticEnv()
	// Replace dots with underscores in env var names e.g. client.base_url becomes STREAMCHAT_CLIENT_BASE_URL
	v.SetEnvPrefix(strings.ToUpper(chat.DefaultAppName))
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	return decode(v)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("client.base_url", chat.DefaultBaseURL)
	v.SetDefault("client.path", chat.DefaultCompletionPath)
	v.SetDefault("client.timeout", "30s")
	v.SetDefault("client.decoder_mode", "ndjson")
	v.SetDefault("client.marker", "data:")
	v.SetDefault("client.preserve_space", false)
	v.SetDefault("client.max_unit_bytes", 1<<20)
	v.SetDefault("client.chunk_size", 4<<10)
	v.SetDefault("client.headers", map[string]string{})

	v.SetDefault("chat.busy_policy", "reject")
	v.SetDefault("chat.turn_timeout", "0s")
	v.SetDefault("chat.system_prompt", "")
	v.SetDefault("chat.rate_limit_enabled", false)
	v.SetDefault("chat.rate_limit_capacity", 10)
	v.SetDefault("chat.rate_limit_refill_rate", "1s")
	v.SetDefault("chat.enable_tracing", true)

	v.SetDefault("archive.enabled", false)
	v.SetDefault("archive.path", chat.DefaultArchivePath)

	v.SetDefault("relay.listen_addr", chat.DefaultRelayAddr)
	v.SetDefault("relay.upstream_url", chat.DefaultUpstreamURL)
	v.SetDefault("relay.model", chat.DefaultModel)
	v.SetDefault("relay.content_type", "text/event-stream")
	v.SetDefault("relay.version", chat.DefaultVersion)
	v.SetDefault("relay.upstream_timeout", "30s")
	v.SetDefault("relay.shutdown_timeout", "5s")

	v.SetDefault("retrieval.enabled", false)
	v.SetDefault("retrieval.path", chat.DefaultKnowledgePath)
	v.SetDefault("retrieval.embed_url", "")
	v.SetDefault("retrieval.embed_model", chat.DefaultEmbedModel)
	v.SetDefault("retrieval.top_k", 3)
	v.SetDefault("retrieval.chunk_words", 400)
	v.SetDefault("retrieval.timeout", "30s")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", true)
}

func decode(v *viper.Viper) (*Config, error) {
	cfg := &Config{v: v}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}
	return cfg, nil
}

// FileUsed returns the config file path, or "" when running on defaults.
func (c *Config) FileUsed() string {
	if c.v == nil {
		return ""
	}
	return c.v.ConfigFileUsed()
}

// Watch calls onChange with a freshly decoded Config whenever the config file
// changes. Decoding failures are passed to onError when it is non-nil. Watch
// does nothing when no config file was read.
func (c *Config) Watch(onChange func(*Config), onError func(error)) {
	if c.v == nil || c.v.ConfigFileUsed() == "" {
		return
	}
	var mu sync.Mutex
	c.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		next, err := decode(c.v)
		if err != nil {
			if onError != nil {
				onError(err)
			}
			return
		}
		onChange(next)
	})
	c.v.WatchConfig()
}
