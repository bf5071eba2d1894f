package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"db"`
	Log      LogConfig      `mapstructure:"log"`
	Push     PushConfig     `mapstructure:"push"`
}

// ServerConfig holds server-related configuration
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port string `mapstructure:"port"`
}

// DatabaseConfig holds database-related configuration
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"name"`
	SSLMode  string `mapstructure:"sslmode"`
	LogLevel string `mapstructure:"log_level"`
}

// LogConfig controls the process logger.
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// PushConfig holds the ping/sync scheduling knobs.
type PushConfig struct {
	// SyncErrorBackoff is the delay before pinging again after a failed sync.
	SyncErrorBackoff time.Duration `mapstructure:"sync_error_backoff"`
	// MaxRetryBackoff caps the growing delay for accounts that keep failing.
	MaxRetryBackoff time.Duration `mapstructure:"max_retry_backoff"`

	KickEnabled  bool          `mapstructure:"kick_enabled"`
	KickInterval time.Duration `mapstructure:"kick_interval"`

	HeartbeatDefault time.Duration `mapstructure:"heartbeat_default"`
	HeartbeatMin     time.Duration `mapstructure:"heartbeat_min"`
	HeartbeatMax     time.Duration `mapstructure:"heartbeat_max"`
	HeartbeatStep    time.Duration `mapstructure:"heartbeat_step"`

	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	IMAPDebug   bool          `mapstructure:"imap_debug"`

	// ExitWhenIdle stops the server once no account needs a ping.
	ExitWhenIdle bool `mapstructure:"exit_when_idle"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", "8080")

	v.SetDefault("db.driver", "sqlite")
	v.SetDefault("db.host", "localhost")
	v.SetDefault("db.port", "5432")
	v.SetDefault("db.user", "mailpush")
	v.SetDefault("db.password", "")
	v.SetDefault("db.name", "mailpush.db")
	v.SetDefault("db.sslmode", "disable")
	v.SetDefault("db.log_level", "warn")

	v.SetDefault("log.level", "INFO")

	v.SetDefault("push.sync_error_backoff", time.Minute)
	v.SetDefault("push.max_retry_backoff", 15*time.Minute)
	v.SetDefault("push.kick_enabled", true)
	v.SetDefault("push.kick_interval", time.Hour)
	v.SetDefault("push.heartbeat_default", 8*time.Minute)
	v.SetDefault("push.heartbeat_min", 8*time.Minute)
	v.SetDefault("push.heartbeat_max", 28*time.Minute)
	v.SetDefault("push.heartbeat_step", 5*time.Minute)
	v.SetDefault("push.dial_timeout", 30*time.Second)
	v.SetDefault("push.imap_debug", false)
	v.SetDefault("push.exit_when_idle", false)
}

// Load reads configuration from defaults, an optional config file and the
// environment. Environment names follow the key path, e.g. SERVER_PORT,
// DB_DRIVER, PUSH_KICK_INTERVAL.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
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

// Validate checks values that would make the scheduler misbehave.
func (c *Config) Validate() error {
	var errs []error
	switch c.Database.Driver {
	case "sqlite", "mysql", "postgres":
	default:
		errs = append(errs, fmt.Errorf("unsupported database driver: %s", c.Database.Driver))
	}

	p := c.Push
	if p.SyncErrorBackoff <= 0 {
		errs = append(errs, errors.New("push.sync_error_backoff must be positive"))
	}
	if p.MaxRetryBackoff < p.SyncErrorBackoff {
		errs = append(errs, errors.New("push.max_retry_backoff must not be below push.sync_error_backoff"))
	}
	if p.KickEnabled && p.KickInterval <= 0 {
		errs = append(errs, errors.New("push.kick_interval must be positive when kicking is enabled"))
	}
	if p.HeartbeatMin <= 0 || p.HeartbeatMin > p.HeartbeatMax {
		errs = append(errs, errors.New("push.heartbeat_min must be positive and not above push.heartbeat_max"))
	}
	if p.HeartbeatDefault < p.HeartbeatMin || p.HeartbeatDefault > p.HeartbeatMax {
		errs = append(errs, errors.New("push.heartbeat_default must lie within [heartbeat_min, heartbeat_max]"))
	}
	if p.HeartbeatStep <= 0 {
		errs = append(errs, errors.New("push.heartbeat_step must be positive"))
	}
	return errors.Join(errs...)
}

// ServerAddress returns the full server address
func (c *Config) ServerAddress() string {
	return fmt.Sprintf("%s:%s", c.Server.Host, c.Server.Port)
}
