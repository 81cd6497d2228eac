// Package config loads the bridge configuration from a YAML file and
// DICOM_BRIDGE_* environment variables, with a .env file honored for
// local development.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Listen configures the inbound association listener.
type Listen struct {
	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port"`
	AETitle         string `mapstructure:"ae_title"`
	EnforceCalledAE bool   `mapstructure:"enforce_called_ae"`
	MaxPDULength    uint32 `mapstructure:"max_pdu_length"`
	MaxAssociations int    `mapstructure:"max_associations"`
	MaxObjectBytes  int    `mapstructure:"max_object_bytes"`

	ReadTimeout time.Duration `mapstructure:"read_timeout"`
}

// Worklist configures the scheduling database.
type Worklist struct {
	DatabaseURL  string        `mapstructure:"database_url"`
	Table        string        `mapstructure:"table"`
	QueryTimeout time.Duration `mapstructure:"query_timeout"`
	OrderByStart bool          `mapstructure:"order_by_start"`
	Enabled      bool          `mapstructure:"enabled"`
}

// Forward configures delivery to the destination archive.
type Forward struct {
	DestinationAddr    string        `mapstructure:"destination_addr"`
	DestinationAETitle string        `mapstructure:"destination_ae_title"`
	Workers            int           `mapstructure:"workers"`
	MaxAttempts        int           `mapstructure:"max_attempts"`
	BackoffBase        time.Duration `mapstructure:"backoff_base"`
	BackoffMax         time.Duration `mapstructure:"backoff_max"`
	JitterFrac         float64       `mapstructure:"jitter_frac"`
	SendTimeout        time.Duration `mapstructure:"send_timeout"`
	JobDBPath          string        `mapstructure:"job_db_path"`
	DeadLetterDir      string        `mapstructure:"dead_letter_dir"`
}

// Metrics configures the Prometheus exposition endpoint.
type Metrics struct {
	Addr string `mapstructure:"addr"`
}

// Log configures structured logging.
type Log struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Config is the full bridge configuration.
type Config struct {
	Listen   Listen   `mapstructure:"listen"`
	Worklist Worklist `mapstructure:"worklist"`
	Forward  Forward  `mapstructure:"forward"`
	Metrics  Metrics  `mapstructure:"metrics"`
	Log      Log      `mapstructure:"log"`
}

// Load reads configuration from the optional file path, the environment,
// and built-in defaults, in increasing priority for the environment.
func Load(path string) (*Config, error) {
	// .env is a development convenience; absence is not an error
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("DICOM_BRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen.host", "0.0.0.0")
	v.SetDefault("listen.port", 11112)
	v.SetDefault("listen.ae_title", "DICOM_BRIDGE")
	v.SetDefault("listen.enforce_called_ae", false)
	v.SetDefault("listen.max_pdu_length", 16384)
	v.SetDefault("listen.max_associations", 32)
	v.SetDefault("listen.max_object_bytes", 512*1024*1024)
	v.SetDefault("listen.read_timeout", 2*time.Minute)

	v.SetDefault("worklist.enabled", true)
	v.SetDefault("worklist.table", "worklist_entries")
	v.SetDefault("worklist.query_timeout", 30*time.Second)
	v.SetDefault("worklist.order_by_start", true)

	v.SetDefault("forward.workers", 4)
	v.SetDefault("forward.max_attempts", 8)
	v.SetDefault("forward.backoff_base", 2*time.Second)
	v.SetDefault("forward.backoff_max", 5*time.Minute)
	v.SetDefault("forward.jitter_frac", 0.2)
	v.SetDefault("forward.send_timeout", 30*time.Second)
	v.SetDefault("forward.job_db_path", "forward_jobs.db")
	v.SetDefault("forward.dead_letter_dir", "dead_letters")

	v.SetDefault("metrics.addr", ":9090")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

func (c *Config) validate() error {
	if c.Listen.Port <= 0 || c.Listen.Port > 65535 {
		return fmt.Errorf("config: invalid listen port %d", c.Listen.Port)
	}
	if c.Listen.AETitle == "" || len(c.Listen.AETitle) > 16 {
		return fmt.Errorf("config: AE title must be 1-16 characters")
	}
	if c.Worklist.Enabled && c.Worklist.DatabaseURL == "" {
		return fmt.Errorf("config: worklist enabled but worklist.database_url is empty")
	}
	if c.Forward.DestinationAddr == "" {
		return fmt.Errorf("config: forward.destination_addr is required")
	}
	if c.Forward.DestinationAETitle == "" {
		return fmt.Errorf("config: forward.destination_ae_title is required")
	}
	if c.Forward.JitterFrac < 0 || c.Forward.JitterFrac > 1 {
		return fmt.Errorf("config: forward.jitter_frac must be within [0, 1]")
	}
	return nil
}
