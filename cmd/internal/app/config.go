package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. DOCSYNC_TCP_ADDR.
const EnvPrefix = "DOCSYNC"

// Config contains all runtime configuration.
//
// Sources, highest precedence first:
//  1. Environment variables (DOCSYNC_*, "." replaced by "_")
//  2. Configuration file (YAML)
//  3. Defaults
type Config struct {
	Log     LogConfig     `mapstructure:"log"`
	TCP     TCPConfig     `mapstructure:"tcp"`
	HTTP    HTTPConfig    `mapstructure:"http"`
	WS      WSConfig      `mapstructure:"ws"`
	Session SessionConfig `mapstructure:"session"`
	Metrics MetricsConfig `mapstructure:"metrics"`

	// ShutdownTimeout bounds graceful shutdown of the HTTP server.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" validate:"required,oneof=debug info warn warning error DEBUG INFO WARN WARNING ERROR"`
	Format string `mapstructure:"format" validate:"required,oneof=json text"`
}

// TCPConfig configures the framed TCP listener (the primary transport).
type TCPConfig struct {
	Addr          string        `mapstructure:"addr" validate:"required"`
	MaxFrameBytes int           `mapstructure:"max_frame_bytes" validate:"gte=1024"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout" validate:"gt=0"`
}

type HTTPConfig struct {
	Addr              string        `mapstructure:"addr" validate:"required"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout" validate:"gt=0"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout" validate:"gte=0"`
	MaxHeaderBytes    int           `mapstructure:"max_header_bytes" validate:"gte=0"`
}

// WSConfig configures the browser WebSocket transport on /ws.
type WSConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	OriginRequired bool     `mapstructure:"origin_required"`
	// DevInsecure skips websocket.Accept's origin verification. Never enable in production.
	DevInsecure bool `mapstructure:"dev_insecure"`
}

// SessionConfig tunes every client session regardless of transport.
type SessionConfig struct {
	SendQueue int `mapstructure:"send_queue" validate:"gte=16"`
	// RateEvents of 0 disables inbound rate limiting.
	RateEvents int           `mapstructure:"rate_events" validate:"gte=0"`
	RateWindow time.Duration `mapstructure:"rate_window" validate:"gt=0"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

var validate = validator.New()

// setDefaults registers every key, which also lets AutomaticEnv resolve it during Unmarshal.
func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("tcp.addr", ":5000")
	v.SetDefault("tcp.max_frame_bytes", 1<<20)
	v.SetDefault("tcp.write_timeout", 10*time.Second)

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.read_header_timeout", 5*time.Second)
	v.SetDefault("http.idle_timeout", 60*time.Second)
	v.SetDefault("http.max_header_bytes", 1<<20)

	v.SetDefault("ws.enabled", true)
	v.SetDefault("ws.allowed_origins", []string{"http://localhost", "http://127.0.0.1"})
	v.SetDefault("ws.origin_required", false)
	v.SetDefault("ws.dev_insecure", false)

	v.SetDefault("session.send_queue", 256)
	v.SetDefault("session.rate_events", 0)
	v.SetDefault("session.rate_window", 10*time.Second)

	v.SetDefault("metrics.enabled", true)

	v.SetDefault("shutdown_timeout", 10*time.Second)
}

// LoadConfig loads configuration from defaults, an optional YAML file and the environment.
//
// An empty path looks for ./docsync.yaml and tolerates its absence; an explicit
// path must exist.
func LoadConfig(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("docsync")
		v.SetConfigType("yaml")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.WS.AllowedOrigins = splitCSV(cfg.WS.AllowedOrigins)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks struct tag constraints and reports the first violation.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			e := verrs[0]
			return fmt.Errorf("config: %s: validation failed on '%s' tag (value: %v)", e.Namespace(), e.Tag(), e.Value())
		}
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// splitCSV flattens entries that still hold comma-separated lists (env overrides).
func splitCSV(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		for _, p := range strings.Split(s, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}
