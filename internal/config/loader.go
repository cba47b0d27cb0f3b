package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Loader handles configuration loading from multiple sources.
type Loader struct {
	v          *viper.Viper
	configFile string
	envPrefix  string
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{
		v:         viper.New(),
		envPrefix: "STEPWISE",
	}
}

// NewLoaderWithViper creates a loader using an existing viper instance.
// This allows integration with CLI flag bindings.
func NewLoaderWithViper(v *viper.Viper) *Loader {
	return &Loader{
		v:         v,
		envPrefix: "STEPWISE",
	}
}

// WithConfigFile sets an explicit config file path.
func (l *Loader) WithConfigFile(path string) *Loader {
	l.configFile = path
	return l
}

// Load loads configuration from all sources.
// Precedence (highest to lowest):
// 1. CLI flags (set via viper.BindPFlag)
// 2. Environment variables (STEPWISE_*)
// 3. Project config (.stepwise.yaml in current directory)
// 4. User config (~/.config/stepwise/config.yaml)
// 5. Defaults
func (l *Loader) Load() (*Config, error) {
	l.setDefaults()

	l.v.SetEnvPrefix(l.envPrefix)
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.v.AutomaticEnv()

	if l.configFile != "" {
		l.v.SetConfigFile(l.configFile)
	} else {
		l.v.SetConfigName(".stepwise")
		l.v.SetConfigType("yaml")

		// First found wins.
		l.v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			l.v.AddConfigPath(filepath.Join(home, ".config", "stepwise"))
		}
	}

	if err := l.v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	return l.unmarshal()
}

func (l *Loader) unmarshal() (*Config, error) {
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	return &cfg, nil
}

// Watch re-reads the config file whenever it changes and hands the result
// to onChange. It is a no-op when no file was loaded.
func (l *Loader) Watch(onChange func(cfg *Config, err error)) {
	if l.v.ConfigFileUsed() == "" {
		return
	}
	l.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := l.unmarshal()
		if err == nil {
			err = ValidateConfig(cfg)
		}
		onChange(cfg, err)
	})
	l.v.WatchConfig()
}

// setDefaults configures default values. They mirror DefaultConfigYAML.
func (l *Loader) setDefaults() {
	l.v.SetDefault("log.level", "info")
	l.v.SetDefault("log.format", "auto")

	l.v.SetDefault("store.driver", "sqlite")
	l.v.SetDefault("store.dsn", ".stepwise/stepwise.db")
	l.v.SetDefault("store.max_open_conns", 10)
	l.v.SetDefault("store.max_idle_conns", 5)
	l.v.SetDefault("store.conn_max_lifetime", "30m")
	l.v.SetDefault("store.busy_timeout", "5s")
	l.v.SetDefault("store.migrate", true)

	l.v.SetDefault("executor.default_timeout", "10m")
	l.v.SetDefault("executor.timeout_grace", "5s")
	l.v.SetDefault("executor.error_successor", "call_error")

	l.v.SetDefault("delivery.topic", "stepwise.tasks")
	l.v.SetDefault("delivery.concurrency", 4)
	l.v.SetDefault("delivery.buffer", 64)
	l.v.SetDefault("delivery.rate_limit", 0)
	l.v.SetDefault("delivery.rate_burst", 1)
	l.v.SetDefault("delivery.max_retries", 20)
	l.v.SetDefault("delivery.transient_backoff.strategy", "jitter")
	l.v.SetDefault("delivery.transient_backoff.initial", "1s")
	l.v.SetDefault("delivery.transient_backoff.max", "1m")
	l.v.SetDefault("delivery.busy_backoff.strategy", "linear")
	l.v.SetDefault("delivery.busy_backoff.initial", "100ms")
	l.v.SetDefault("delivery.busy_backoff.max", "5s")
	l.v.SetDefault("delivery.soft_backoff.strategy", "constant")
	l.v.SetDefault("delivery.soft_backoff.initial", "5s")
	l.v.SetDefault("delivery.soft_backoff.max", "")
	l.v.SetDefault("delivery.sweep_schedule", "@every 1m")
	l.v.SetDefault("delivery.stale_after", "5m")
	l.v.SetDefault("delivery.sweep_batch", 500)

	l.v.SetDefault("api.enabled", true)
	l.v.SetDefault("api.addr", "127.0.0.1:8080")
	l.v.SetDefault("api.cors_origins", []string{})
}

// ConfigFile returns the config file path if one was used.
func (l *Loader) ConfigFile() string {
	return l.v.ConfigFileUsed()
}
