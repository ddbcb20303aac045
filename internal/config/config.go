// Package config loads settings for the client tools and the development backend.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config maps directly to the structure of config.yml.
type Config struct {
	Notify struct {
		BaseURL           string        `mapstructure:"base_url"`
		Protocol          string        `mapstructure:"protocol"`
		SocketPath        string        `mapstructure:"socket_path"`
		ConnectTimeout    time.Duration `mapstructure:"connect_timeout"`
		MaxAttempts       int           `mapstructure:"max_attempts"`
		ReconnectDelay    time.Duration `mapstructure:"reconnect_delay"`
		ReconnectDelayMax time.Duration `mapstructure:"reconnect_delay_max"`
	} `mapstructure:"notify"`
	API struct {
		BaseURL        string        `mapstructure:"base_url"`
		RequestTimeout time.Duration `mapstructure:"request_timeout"`
	} `mapstructure:"api"`
	Poll struct {
		Interval time.Duration `mapstructure:"interval"`
	} `mapstructure:"poll"`
	Server struct {
		Addr         string        `mapstructure:"addr"`
		SocketPath   string        `mapstructure:"socket_path"`
		DownloadsDir string        `mapstructure:"downloads_dir"`
		StepInterval time.Duration `mapstructure:"step_interval"`
		JobTTL       time.Duration `mapstructure:"job_ttl"`
	} `mapstructure:"server"`
}

// Load reads path when given, otherwise config.yml from the current
// directory if present. YTJOBS_* environment variables override file values,
// e.g. YTJOBS_NOTIFY_BASE_URL for notify.base_url.
func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yml")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("YTJOBS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("notify.base_url", "https://freelikes.org")
	v.SetDefault("notify.protocol", "socketio")
	v.SetDefault("notify.socket_path", "/yt-api/socket.io/")
	v.SetDefault("notify.connect_timeout", 10*time.Second)
	v.SetDefault("notify.max_attempts", 3)
	v.SetDefault("notify.reconnect_delay", 1*time.Second)
	v.SetDefault("notify.reconnect_delay_max", 5*time.Second)
	v.SetDefault("api.base_url", "https://freetoolserver.org")
	v.SetDefault("api.request_timeout", 30*time.Second)
	v.SetDefault("poll.interval", 2*time.Second)
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.socket_path", "/yt-api/ws/")
	v.SetDefault("server.downloads_dir", "downloads")
	v.SetDefault("server.step_interval", 500*time.Millisecond)
	v.SetDefault("server.job_ttl", 15*time.Minute)
}

// Validate rejects settings the client cannot work with.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Notify.BaseURL) == "" {
		return errors.New("notify.base_url is required")
	}
	if strings.TrimSpace(c.API.BaseURL) == "" {
		return errors.New("api.base_url is required")
	}
	switch strings.ToLower(strings.TrimSpace(c.Notify.Protocol)) {
	case "socketio", "websocket":
	default:
		return fmt.Errorf("notify.protocol must be socketio or websocket, got %q", c.Notify.Protocol)
	}
	if c.Notify.MaxAttempts <= 0 {
		return fmt.Errorf("notify.max_attempts must be positive, got %d", c.Notify.MaxAttempts)
	}
	if c.Notify.ConnectTimeout <= 0 {
		return fmt.Errorf("notify.connect_timeout must be positive, got %s", c.Notify.ConnectTimeout)
	}
	if c.Poll.Interval <= 0 {
		return fmt.Errorf("poll.interval must be positive, got %s", c.Poll.Interval)
	}
	return nil
}
