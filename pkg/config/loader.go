// pkg/config/loader.go
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const (
	envPrefix    = "GRCACHE_"
	configEnvVar = "CONFIG_PATH"
)

// Loader assembles a Config from defaults, an optional TOML file, and
// environment variables, in that order of increasing priority.
type Loader struct {
	k           *koanf.Koanf
	configPaths []string
	envPrefix   string
}

// NewLoader creates a Loader with the default search paths.
func NewLoader(opts ...LoaderOption) *Loader {
	l := &Loader{
		k: koanf.New("."),
		configPaths: []string{
			"config.toml",
			"config/config.toml",
			"/etc/grcache/config.toml",
		},
		envPrefix: envPrefix,
	}

	for _, opt := range opts {
		opt(l)
	}

	return l
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithConfigPaths overrides the list of file paths searched for a config file.
func WithConfigPaths(paths ...string) LoaderOption {
	return func(l *Loader) {
		l.configPaths = paths
	}
}

// WithEnvPrefix overrides the environment-variable prefix.
func WithEnvPrefix(prefix string) LoaderOption {
	return func(l *Loader) {
		l.envPrefix = prefix
	}
}

// Load layers defaults, then the TOML config file (if any), then
// environment variables, and unmarshals the result into a Config.
func (l *Loader) Load() (*Config, error) {
	if err := l.loadDefaults(); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if err := l.loadConfigFile(); err != nil {
		fmt.Printf("Warning: %v\n", err)
	}

	if err := l.loadEnv(); err != nil {
		return nil, fmt.Errorf("failed to load env: %w", err)
	}

	var cfg Config
	if err := l.k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (l *Loader) loadDefaults() error {
	defaults := map[string]any{
		"app.name":        "grcache",
		"app.version":     "0.1.0",
		"app.environment": "development",

		"proxy.listenAddr":         "0.0.0.0:50052",
		"proxy.shutdownTimeout":    30 * time.Second,
		"proxy.maxBufferedBody":    int64(4 << 20), // 4 MiB
		"proxy.propagationHeaders": []string{},

		"discovery.minInterval":  5 * time.Second,
		"discovery.maxInterval":  5 * time.Minute,
		"discovery.errorBackoff": 1 * time.Second,
		"discovery.resolvConf":   "",

		"kubernetes.enable":     false,
		"kubernetes.kubeconfig": "",
		"kubernetes.namespace":  "",

		"log.level":      "info",
		"log.format":     "json",
		"log.output":     "stdout",
		"log.maxSize":    100,
		"log.maxBackups": 3,
		"log.maxAge":     7,
		"log.compress":   true,

		"metrics.enabled":       true,
		"metrics.addr":          ":9090",
		"metrics.path":          "/metrics",
		"metrics.readinessPath": "/readyz",
		"metrics.namespace":     "grcache",

		"tracing.enabled":     false,
		"tracing.endpoint":    "localhost:4317",
		"tracing.serviceName": "grcache",
		"tracing.sampleRate":  0.1,
	}

	return l.k.Load(confmap.Provider(defaults, "."), nil)
}

func (l *Loader) loadConfigFile() error {
	if configPath := os.Getenv(configEnvVar); configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			return l.k.Load(file.Provider(configPath), toml.Parser())
		}
	}

	for _, path := range l.configPaths {
		absPath, err := filepath.Abs(path)
		if err != nil {
			continue
		}

		if _, err := os.Stat(absPath); err == nil {
			return l.k.Load(file.Provider(absPath), toml.Parser())
		}
	}

	return fmt.Errorf("config file not found in paths: %v", l.configPaths)
}

func (l *Loader) loadEnv() error {
	return l.k.Load(env.Provider(l.envPrefix, ".", func(s string) string {
		// GRCACHE_PROXY_LISTENADDR -> proxy.listenaddr -> proxy.listenAddr:
		// a key already loaded from defaults or the file that differs only
		// in case is reused, so the env value replaces it.
		key := strings.ReplaceAll(
			strings.ToLower(
				strings.TrimPrefix(s, l.envPrefix),
			),
			"_", ".",
		)
		for _, known := range l.k.Keys() {
			if strings.EqualFold(known, key) {
				return known
			}
		}
		return key
	}), nil)
}

// MustLoad loads the configuration or panics.
func MustLoad(opts ...LoaderOption) *Config {
	cfg, err := NewLoader(opts...).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// Load loads the configuration with the default search paths.
func Load() (*Config, error) {
	return NewLoader().Load()
}
