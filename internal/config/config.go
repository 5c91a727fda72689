package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Config holds application configuration.
type Config struct {
	Database DatabaseConfig
	Matching MatchingConfig
	Import   ImportConfig
	Logging  LoggingConfig
}

// DatabaseConfig holds sqlite settings.
type DatabaseConfig struct {
	Path string
}

// MatchingConfig holds statement matching thresholds.
type MatchingConfig struct {
	MinScore           int     `mapstructure:"min_score"`
	StrongScore        int     `mapstructure:"strong_score"`
	AmountTolerancePct float64 `mapstructure:"amount_tolerance_pct"`
	TopCandidates      int     `mapstructure:"top_candidates"`
}

// ImportConfig holds reconciliation import settings.
type ImportConfig struct {
	WindowMonths     int  `mapstructure:"window_months"`
	CreateContinuity bool `mapstructure:"create_continuity"`
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	Level string
}

// Load reads configuration from file and env. Env var overrides use prefix POLICYLEDGER_.
func Load() (Config, error) {
	v := viper.New()

	// default values
	v.SetDefault("database.path", filepath.Join(os.Getenv("HOME"), ".local", "share", "policyledger", "policyledger.db"))
	v.SetDefault("matching.min_score", 70)
	v.SetDefault("matching.strong_score", 85)
	v.SetDefault("matching.amount_tolerance_pct", 5.0)
	v.SetDefault("matching.top_candidates", 5)
	v.SetDefault("import.window_months", 18)
	v.SetDefault("import.create_continuity", false)
	v.SetDefault("logging.level", "info")

	v.SetConfigType("toml")

	cfgPath := os.Getenv("POLICYLEDGER_CONFIG")
	if cfgPath != "" {
		v.SetConfigFile(cfgPath)
	} else {
		v.AddConfigPath(filepath.Join(os.Getenv("HOME"), ".config", "policyledger"))
		v.SetConfigName("config")
	}

	v.SetEnvPrefix("POLICYLEDGER")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// read config file if present
	_ = v.ReadInConfig()

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return c, nil
}
