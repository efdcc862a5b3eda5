package cli

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config is the CLI configuration, loaded from a YAML file with
// DRIFTSYNC_* environment overrides.
type Config struct {
	// Peer is this device's identifier. Generated once by `driftsync
	// init` and persisted; every key the engine writes is namespaced
	// by it.
	Peer string `mapstructure:"peer"`

	// DB is the path of the shared SQLite store file.
	DB string `mapstructure:"db"`

	Engine EngineConfig `mapstructure:"engine"`
}

// EngineConfig mirrors the engine tunables.
type EngineConfig struct {
	BaselineThreshold     int  `mapstructure:"baseline_threshold"`
	GCFrequency           int  `mapstructure:"gc_frequency"`
	RemoveInactiveDevices bool `mapstructure:"remove_inactive_devices"`
	InactiveTimeoutDays   int  `mapstructure:"inactive_timeout_days"`
	Debug                 bool `mapstructure:"debug"`
}

// DefaultConfigFile is used when --config is not given.
const DefaultConfigFile = "driftsync.yaml"

// LoadConfig reads the config file at path. A missing file is not an
// error; defaults and environment variables still apply.
func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("driftsync")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("db", "driftsync.db")
	v.SetDefault("engine.baseline_threshold", 15)
	v.SetDefault("engine.gc_frequency", 10)
	v.SetDefault("engine.remove_inactive_devices", false)
	v.SetDefault("engine.inactive_timeout_days", 60)
}

// Validate rejects configurations the engine cannot run with.
func (c Config) Validate() error {
	if c.DB == "" {
		return fmt.Errorf("db path is required")
	}
	if c.Engine.BaselineThreshold < 1 {
		return fmt.Errorf("engine.baseline_threshold must be positive")
	}
	if c.Engine.GCFrequency < 1 {
		return fmt.Errorf("engine.gc_frequency must be positive")
	}
	if c.Engine.RemoveInactiveDevices && c.Engine.InactiveTimeoutDays < 1 {
		return fmt.Errorf("engine.inactive_timeout_days must be positive when eviction is enabled")
	}
	return nil
}

// SaveConfig persists the configuration to path as YAML.
func SaveConfig(path string, cfg Config) error {
	v := viper.New()
	v.Set("peer", cfg.Peer)
	v.Set("db", cfg.DB)
	v.Set("engine.baseline_threshold", cfg.Engine.BaselineThreshold)
	v.Set("engine.gc_frequency", cfg.Engine.GCFrequency)
	v.Set("engine.remove_inactive_devices", cfg.Engine.RemoveInactiveDevices)
	v.Set("engine.inactive_timeout_days", cfg.Engine.InactiveTimeoutDays)
	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("write config %s: %w", path, err)
	}
	return nil
}
