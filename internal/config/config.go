// Package config loads the process-wide settings that back the Service
// Profile surface (§6): profile-file location, per-provider timeout and
// retry defaults, and the OAuth/UA behavior flags. Grounded on the
// layered viper setup in internal/infrastructure/config/config.go, scaled
// down to the environment-variable surface this proxy actually exposes.
package config

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/ngoclaw/protoclaw/pkg/safego"
)

// Config is the process-wide settings snapshot, rebuilt whenever the
// profile file changes on disk (the hot-reload path fsnotify watches).
type Config struct {
	ProfilesPath        string `mapstructure:"profiles_path"`
	ServiceProfilesPath string `mapstructure:"service_profiles_path"`

	ProviderTimeoutMS            int  `mapstructure:"provider_timeout_ms"`
	ProviderRetries              int  `mapstructure:"provider_retries"`
	ProviderStreamIdleTimeoutMS  int  `mapstructure:"provider_stream_idle_timeout_ms"`
	ProviderStreamHeadersTimeoutMS int `mapstructure:"provider_stream_headers_timeout_ms"`

	UAMode                         string `mapstructure:"ua_mode"`
	UseConfigCoreProviderDefaults  bool   `mapstructure:"use_config_core_provider_defaults"`
	OAuthBrowser                   string `mapstructure:"oauth_browser"`

	AllowImplicitDefaultProfile bool `mapstructure:"allow_implicit_default_profile"`

	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`

	Log LogConfig `mapstructure:"log"`

	CircuitBreakerEnabled bool `mapstructure:"circuit_breaker_enabled"`
}

// LogConfig mirrors internal/logging.Config's tagged fields.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// ProviderTimeout returns ProviderTimeoutMS as a time.Duration.
func (c *Config) ProviderTimeout() time.Duration {
	return time.Duration(c.ProviderTimeoutMS) * time.Millisecond
}

// StreamIdleTimeout returns ProviderStreamIdleTimeoutMS as a time.Duration.
func (c *Config) StreamIdleTimeout() time.Duration {
	return time.Duration(c.ProviderStreamIdleTimeoutMS) * time.Millisecond
}

// StreamHeadersTimeout returns ProviderStreamHeadersTimeoutMS as a time.Duration.
func (c *Config) StreamHeadersTimeout() time.Duration {
	return time.Duration(c.ProviderStreamHeadersTimeoutMS) * time.Millisecond
}

// IsCodexUA reports whether UA_MODE activates deterministic Codex
// session-id synthesis (§6).
func (c *Config) IsCodexUA() bool {
	return c.UAMode == "codex"
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("profiles_path", "./profiles.json")
	v.SetDefault("service_profiles_path", "./service_profiles.json")
	v.SetDefault("provider_timeout_ms", 30000)
	v.SetDefault("provider_retries", 1)
	v.SetDefault("provider_stream_idle_timeout_ms", 30000)
	v.SetDefault("provider_stream_headers_timeout_ms", 15000)
	v.SetDefault("ua_mode", "")
	v.SetDefault("use_config_core_provider_defaults", false)
	v.SetDefault("oauth_browser", "")
	v.SetDefault("allow_implicit_default_profile", false)
	v.SetDefault("host", "127.0.0.1")
	v.SetDefault("port", 8787)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output_path", "stdout")
	v.SetDefault("circuit_breaker_enabled", false)
}

// Load reads settings from (in ascending priority) defaults, an optional
// config.yaml in the working directory, and environment variables
// (unprefixed — PROFILES_PATH, PROVIDER_TIMEOUT_MS, etc, matching §6
// exactly rather than a PROTOCLAW_-prefixed scheme).
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config.yaml: %w", err)
		}
	}

	v.AutomaticEnv()
	bindEnv(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

func bindEnv(v *viper.Viper) {
	pairs := map[string]string{
		"profiles_path":                      "PROFILES_PATH",
		"service_profiles_path":              "SERVICE_PROFILES_PATH",
		"provider_timeout_ms":                "PROVIDER_TIMEOUT_MS",
		"provider_retries":                   "PROVIDER_RETRIES",
		"provider_stream_idle_timeout_ms":    "PROVIDER_STREAM_IDLE_TIMEOUT_MS",
		"provider_stream_headers_timeout_ms": "PROVIDER_STREAM_HEADERS_TIMEOUT_MS",
		"ua_mode":                            "UA_MODE",
		"use_config_core_provider_defaults":  "USE_CONFIG_CORE_PROVIDER_DEFAULTS",
		"oauth_browser":                      "OAUTH_BROWSER",
	}
	for key, env := range pairs {
		_ = v.BindEnv(key, env)
	}
}

// Watcher re-runs Load when the file named by ProfilesPath is written or
// created, and keeps the result for Current(). Load reads defaults,
// config.yaml and the environment; it does not parse the profile file
// itself, so the watcher does not reload the profile table.
type Watcher struct {
	mu      sync.RWMutex
	current *Config
	logger  *zap.Logger
	watcher *fsnotify.Watcher
}

// NewWatcher wraps an initial Config and starts watching its ProfilesPath
// for writes. Callers read the live value via Current().
func NewWatcher(initial *Config, logger *zap.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	w := &Watcher{current: initial, logger: logger, watcher: fw}

	if _, err := os.Stat(initial.ProfilesPath); err == nil {
		if err := fw.Add(initial.ProfilesPath); err != nil {
			logger.Warn("profile watch failed, hot reload disabled", zap.Error(err))
		}
	}

	safego.Go(logger, "config-watch-loop", w.loop)
	return w, nil
}

// Current returns the most recently observed Config.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

func (w *Watcher) loop() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			reloaded, err := Load()
			if err != nil {
				w.logger.Warn("config reload failed, keeping previous", zap.Error(err))
				continue
			}
			w.mu.Lock()
			w.current = reloaded
			w.mu.Unlock()
			w.logger.Info("config reloaded", zap.String("path", event.Name))
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", zap.Error(err))
		}
	}
}

// Close stops the underlying fsnotify watcher.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}
