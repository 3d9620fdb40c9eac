package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

const EnvPrefix = "INTERVIEWD"

type Config struct {
	Mode       string `mapstructure:"mode"`
	Port       int    `mapstructure:"port"`
	LogLevel   string `mapstructure:"log_level"`
	Secret     string `mapstructure:"secret"`
	StaticPath string `mapstructure:"static_path"`

	Backend   Backend   `mapstructure:"backend"`
	Signaling Signaling `mapstructure:"signaling"`
	Media     Media     `mapstructure:"media"`
	Hosted    Hosted    `mapstructure:"hosted"`
	Turn      Turn      `mapstructure:"turn"`
}

type Backend struct {
	URL     string        `mapstructure:"url"`
	Token   string        `mapstructure:"token"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type Signaling struct {
	// Driver is ws or mqtt.
	Driver             string        `mapstructure:"driver"`
	URL                string        `mapstructure:"url"`
	Token              string        `mapstructure:"token"`
	PingPeriod         time.Duration `mapstructure:"ping_period"`
	ReconnectAttempts  int           `mapstructure:"reconnect_attempts"`
	ReconnectBaseDelay time.Duration `mapstructure:"reconnect_base_delay"`
	ReconnectMaxDelay  time.Duration `mapstructure:"reconnect_max_delay"`
	RateLimit          int           `mapstructure:"rate_limit"`
}

type Media struct {
	ICEServers         []string      `mapstructure:"ice_servers"`
	NegotiationTimeout time.Duration `mapstructure:"negotiation_timeout"`
	Audio              bool          `mapstructure:"audio"`
	Video              bool          `mapstructure:"video"`
	VideoFile          string        `mapstructure:"video_file"`
	AudioFile          string        `mapstructure:"audio_file"`
	ScreenFile         string        `mapstructure:"screen_file"`
	RecordDir          string        `mapstructure:"record_dir"`
}

type Hosted struct {
	URL            string        `mapstructure:"url"`
	APIKey         string        `mapstructure:"api_key"`
	APISecret      string        `mapstructure:"api_secret"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

type Turn struct {
	GraceDelay     time.Duration `mapstructure:"grace_delay"`
	WordsPerMinute int           `mapstructure:"words_per_minute"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("log_level", "info")
	v.SetDefault("secret", "")
	v.SetDefault("static_path", "./web")

	v.SetDefault("backend.url", "http://localhost:3000/api")
	v.SetDefault("backend.token", "")
	v.SetDefault("backend.timeout", "15s")

	v.SetDefault("signaling.driver", "ws")
	v.SetDefault("signaling.url", "ws://localhost:8080/ws/signal")
	v.SetDefault("signaling.token", "")
	v.SetDefault("signaling.ping_period", "20s")
	v.SetDefault("signaling.reconnect_attempts", 5)
	v.SetDefault("signaling.reconnect_base_delay", "500ms")
	v.SetDefault("signaling.reconnect_max_delay", "8s")
	v.SetDefault("signaling.rate_limit", 50)

	v.SetDefault("media.ice_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("media.negotiation_timeout", "15s")
	v.SetDefault("media.audio", true)
	v.SetDefault("media.video", true)
	v.SetDefault("media.video_file", "")
	v.SetDefault("media.audio_file", "")
	v.SetDefault("media.screen_file", "")
	v.SetDefault("media.record_dir", "")

	v.SetDefault("hosted.url", "")
	v.SetDefault("hosted.api_key", "")
	v.SetDefault("hosted.api_secret", "")
	v.SetDefault("hosted.connect_timeout", "20s")

	v.SetDefault("turn.grace_delay", "3s")
	v.SetDefault("turn.words_per_minute", 160)
}

// Load reads .env, then config/config.<CONFIG_ENV>.yaml, then INTERVIEWD_*
// environment overrides (INTERVIEWD_BACKEND_URL for backend.url).
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn().Str("module", "config").Err(err).Msg(".env not loaded")
	}

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	return LoadFile(fmt.Sprintf("config/config.%s.yaml", env))
}

func LoadFile(fileName string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(fileName)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	logger := log.With().Str("module", "config").Str("file", fileName).Logger()
	if err := v.ReadInConfig(); err != nil {
		logger.Warn().Err(err).Msg("config file not found, using defaults")
	} else {
		logger.Info().Msg("config loaded")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log.Info().Str("module", "config").
		Str("mode", cfg.Mode).
		Int("port", cfg.Port).
		Str("signaling", cfg.Signaling.Driver).
		Bool("hosted", cfg.Hosted.URL != "").
		Msg("effective config")
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.Signaling.Driver {
	case "ws", "mqtt":
	default:
		return fmt.Errorf("signaling.driver must be ws or mqtt, got %q", c.Signaling.Driver)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port out of range: %d", c.Port)
	}
	if c.Turn.WordsPerMinute <= 0 {
		return fmt.Errorf("turn.words_per_minute must be positive")
	}
	return nil
}
