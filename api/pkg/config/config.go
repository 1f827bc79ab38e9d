// Package config loads the snapshot server's process configuration
// from the environment, following the envconfig convention used
// throughout this codebase.
package config

import "github.com/kelseyhightower/envconfig"

// Config is the process-wide configuration for the webink snapshot
// server. Device definitions are not part of this struct: they are
// loaded separately by the registry package from the YAML file named
// by ConfigPath.
type Config struct {
	// ConfigPath points at the YAML device registry file.
	ConfigPath string `envconfig:"WEBINK_CONFIG_PATH" default:"./devices.yaml"`

	// LogLevel is a zerolog level name (debug, info, warn, error).
	LogLevel string `envconfig:"WEBINK_LOG_LEVEL" default:"info"`
	// LogPretty selects the zerolog console writer over JSON output.
	LogPretty bool `envconfig:"WEBINK_LOG_PRETTY" default:"true"`

	HTTP   HTTPConfig
	Socket SocketConfig
	Render RenderConfig
	Cache  CacheConfig
}

// HTTPConfig configures the HTTP front-end.
type HTTPConfig struct {
	Host string `envconfig:"WEBINK_HTTP_HOST" default:""`
	Port int    `envconfig:"WEBINK_HTTP_PORT" default:"8000"`
	// LogBufferLines bounds the per-device /post_log ring buffer.
	LogBufferLines int `envconfig:"WEBINK_LOG_BUFFER_LINES" default:"200"`
}

// SocketConfig configures the framed TCP front-end.
type SocketConfig struct {
	Host string `envconfig:"WEBINK_SOCKET_HOST" default:""`
	Port int    `envconfig:"WEBINK_SOCKET_PORT" default:"8091"`
	// MaxConnections bounds concurrently handled connections; accept
	// stalls rather than dropping once saturated.
	MaxConnections int `envconfig:"WEBINK_SOCKET_MAX_CONNECTIONS" default:"64"`
}

// RenderConfig configures the headless-browser render engine.
type RenderConfig struct {
	PoolSize           int    `envconfig:"WEBINK_RENDER_POOL_SIZE" default:"2"`
	PoolWaitTimeoutS   int    `envconfig:"WEBINK_RENDER_POOL_WAIT_TIMEOUT_S" default:"30"`
	NetworkQuietMS     int    `envconfig:"WEBINK_NETWORK_QUIET_MS" default:"500"`
	NavigationTimeoutS int    `envconfig:"WEBINK_NAVIGATION_TIMEOUT_S" default:"20"`
	NavigationRetries  int    `envconfig:"WEBINK_NAVIGATION_RETRIES" default:"2"`
	BreakerMaxFailures uint32 `envconfig:"WEBINK_BREAKER_MAX_FAILURES" default:"5"`
	BreakerCooldownS   int    `envconfig:"WEBINK_BREAKER_COOLDOWN_S" default:"30"`
	ChromeURL          string `envconfig:"WEBINK_CHROME_URL"`
}

// CacheConfig configures the snapshot cache's single-flight wait cap.
type CacheConfig struct {
	// WaitGraceS is added on top of the render timeout when a reader
	// waits on an in-flight capture (spec: render timeout + 5s).
	WaitGraceS int `envconfig:"WEBINK_CACHE_WAIT_GRACE_S" default:"5"`
}

// Load reads Config from the environment, applying defaults for any
// variable that isn't set.
func Load() (Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
