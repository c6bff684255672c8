// Package config loads the exchange's configuration from a YAML file,
// with a small set of operational knobs (data directory, log level)
// overridable from the environment or an optional local .env file.
// Core protocol parameters (asset count, tax rate, smoothing bounds)
// come only from the config file, never from the environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config is the top-level configuration, mapping directly onto the YAML
// file structure.
type Config struct {
	ReplicaID   string            `mapstructure:"replica_id"`
	DataDir     string            `mapstructure:"data_dir"`
	NumAssets   uint32            `mapstructure:"num_assets"`
	Tatonnement TatonnementConfig `mapstructure:"tatonnement"`
	Clearing    ClearingConfig    `mapstructure:"clearing"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
}

// TatonnementConfig holds the grid-search price oracle's settings. Only
// QueryTimeout is read, by speedex.Engine as each block's tâtonnement
// deadline; MaxRounds and LPCheckRounds are loaded but nothing reads them,
// and the oracle keeps its own built-in round limits.
type TatonnementConfig struct {
	MaxRounds     int           `mapstructure:"max_rounds"`
	QueryTimeout  time.Duration `mapstructure:"query_timeout"`
	LPCheckRounds int           `mapstructure:"lp_check_rounds"`
}

// ClearingConfig tunes the per-block tax rate and price-smoothing band a
// freshly produced block starts from.
type ClearingConfig struct {
	TaxRate    uint8 `mapstructure:"tax_rate"`
	SmoothMult uint8 `mapstructure:"smooth_mult"`
}

// LoggingConfig selects the zap level and optional file tee path.
type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	LogFile string `mapstructure:"log_file"`
}

// MetricsConfig controls the Prometheus HTTP exposition endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// Default returns the single-node devnet configuration, the same role
// params.Default plays for the consensus layer this package replaces.
func Default() Config {
	return Config{
		ReplicaID: "replica-0",
		DataDir:   "data",
		NumAssets: 4,
		Tatonnement: TatonnementConfig{
			MaxRounds:     200_000,
			QueryTimeout:  5 * time.Second,
			LPCheckRounds: 1000,
		},
		Clearing: ClearingConfig{
			TaxRate:    10,
			SmoothMult: 4,
		},
		Logging: LoggingConfig{
			Level:   "info",
			LogFile: "data/speedex.log",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    ":9090",
		},
	}
}

// Load reads config from the YAML file at path, overlaying it onto
// Default() and applying any SPEEDEX_-prefixed environment override for
// the operational (non-protocol) fields. An optional ".env" file in the
// working directory is loaded first, mirroring the teacher's
// params.LoadFromEnv shape, but only as a source for those same
// operational env vars.
func Load(path string) (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	cfg := Default()
	v.SetDefault("replica_id", cfg.ReplicaID)
	v.SetDefault("data_dir", cfg.DataDir)
	v.SetDefault("num_assets", cfg.NumAssets)
	v.SetDefault("tatonnement.max_rounds", cfg.Tatonnement.MaxRounds)
	v.SetDefault("tatonnement.query_timeout", cfg.Tatonnement.QueryTimeout)
	v.SetDefault("tatonnement.lp_check_rounds", cfg.Tatonnement.LPCheckRounds)
	v.SetDefault("clearing.tax_rate", cfg.Clearing.TaxRate)
	v.SetDefault("clearing.smooth_mult", cfg.Clearing.SmoothMult)
	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.log_file", cfg.Logging.LogFile)
	v.SetDefault("metrics.enabled", cfg.Metrics.Enabled)
	v.SetDefault("metrics.addr", cfg.Metrics.Addr)

	v.SetEnvPrefix("SPEEDEX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	for _, key := range []string{"data_dir", "logging.level"} {
		if err := v.BindEnv(key); err != nil {
			return Config{}, fmt.Errorf("config: bind env %s: %w", key, err)
		}
	}

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the fields a cold-start or replay cannot safely proceed
// without.
func (c Config) Validate() error {
	if c.ReplicaID == "" {
		return fmt.Errorf("config: replica_id is required")
	}
	if c.DataDir == "" {
		return fmt.Errorf("config: data_dir is required")
	}
	if c.NumAssets == 0 {
		return fmt.Errorf("config: num_assets must be > 0")
	}
	if c.Clearing.TaxRate > 63 {
		return fmt.Errorf("config: clearing.tax_rate must be < 64, got %d", c.Clearing.TaxRate)
	}
	return nil
}
