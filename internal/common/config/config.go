// Package config provides configuration management for AgentPod.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for AgentPod.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Data         DataConfig         `mapstructure:"data"`
	Database     DatabaseConfig     `mapstructure:"database"`
	NATS         NATSConfig         `mapstructure:"nats"`
	Docker       DockerConfig       `mapstructure:"docker"`
	Registry     RegistryConfig     `mapstructure:"registry"`
	Proxy        ProxyConfig        `mapstructure:"proxy"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Terminal     TerminalConfig     `mapstructure:"terminal"`
	Chat         ChatConfig         `mapstructure:"chat"`
	OAuth        OAuthConfig        `mapstructure:"oauth"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds

	// ManagementURL is the URL sandboxes use to call back into this server.
	// Must be reachable from inside the container network. Empty means
	// http://host.docker.internal:{port}.
	ManagementURL string `mapstructure:"managementUrl"`
}

// DataConfig holds the on-disk layout root.
type DataConfig struct {
	Dir string `mapstructure:"dir"`
}

// ReposDir returns the directory holding per-sandbox git repositories.
func (d *DataConfig) ReposDir() string { return filepath.Join(d.Dir, "repos") }

// VolumesDir returns the directory for container-persistent volumes.
func (d *DataConfig) VolumesDir() string { return filepath.Join(d.Dir, "volumes") }

// DBDir returns the directory for the orchestrator's own persistence.
func (d *DataConfig) DBDir() string { return filepath.Join(d.Dir, "db") }

// LockPath returns the path of the single-instance lock file.
func (d *DataConfig) LockPath() string { return filepath.Join(d.Dir, "agentpod.lock") }

// DatabaseConfig holds database connection configuration.
// An empty URL selects SQLite at {data.dir}/db/agentpod.db.
type DatabaseConfig struct {
	URL      string `mapstructure:"url"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL means the in-memory event bus is used.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// DockerConfig holds container daemon client configuration.
type DockerConfig struct {
	Socket     string `mapstructure:"socket"`
	APIVersion string `mapstructure:"apiVersion"`
}

// RegistryConfig identifies where flavor images are pulled from.
type RegistryConfig struct {
	URL     string `mapstructure:"url"`   // empty means unprefixed local images
	Owner   string `mapstructure:"owner"` // image namespace
	Version string `mapstructure:"version"`
}

// ProxyConfig holds edge-proxy (Traefik) routing configuration.
type ProxyConfig struct {
	BaseDomain   string `mapstructure:"baseDomain"`
	Network      string `mapstructure:"network"`
	TLS          bool   `mapstructure:"tls"`
	CertResolver string `mapstructure:"certResolver"`
}

// OrchestratorConfig holds lifecycle and reconciliation tuning.
type OrchestratorConfig struct {
	// StopGrace is the number of seconds between SIGTERM and SIGKILL.
	StopGrace int `mapstructure:"stopGrace"`

	// ReconcileSchedule is a cron spec for the periodic state sweep.
	ReconcileSchedule string `mapstructure:"reconcileSchedule"`

	// IdleTimeout in minutes after which an inactive sandbox is stopped.
	// Zero disables idle auto-stop.
	IdleTimeout int `mapstructure:"idleTimeout"`

	// IdleSchedule is a cron spec for the idle sweep.
	IdleSchedule string `mapstructure:"idleSchedule"`
}

// StopGraceDuration returns the stop grace as a time.Duration.
func (o *OrchestratorConfig) StopGraceDuration() time.Duration {
	return time.Duration(o.StopGrace) * time.Second
}

// IdleTimeoutDuration returns the idle timeout as a time.Duration.
func (o *OrchestratorConfig) IdleTimeoutDuration() time.Duration {
	return time.Duration(o.IdleTimeout) * time.Minute
}

// TerminalConfig holds terminal multiplexer limits.
type TerminalConfig struct {
	MaxPerSandbox   int `mapstructure:"maxPerSandbox"`
	ScrollbackLines int `mapstructure:"scrollbackLines"`
	DisposeGrace    int `mapstructure:"disposeGrace"` // seconds after last unsubscribe
}

// DisposeGraceDuration returns the dispose grace as a time.Duration.
func (t *TerminalConfig) DisposeGraceDuration() time.Duration {
	return time.Duration(t.DisposeGrace) * time.Second
}

// ChatConfig holds event fan-out and history limits.
type ChatConfig struct {
	SubscriberBuffer int `mapstructure:"subscriberBuffer"`
	MaxMessages      int `mapstructure:"maxMessages"`
	EvictBatch       int `mapstructure:"evictBatch"`
	MaxMessageBytes  int `mapstructure:"maxMessageBytes"`
}

// OAuthConfig holds the token vault settings.
type OAuthConfig struct {
	// EncryptionKey is the AES-256 key for the token vault, hex or base64
	// encoded. Empty means a key is generated at {data.dir}/master.key.
	EncryptionKey string `mapstructure:"encryptionKey"`

	// CallbackURL is the externally reachable redirect URI base.
	CallbackURL string `mapstructure:"callbackUrl"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// ResolvedManagementURL returns the callback URL sandboxes should use.
func (s *ServerConfig) ResolvedManagementURL() string {
	if s.ManagementURL != "" {
		return s.ManagementURL
	}
	return fmt.Sprintf("http://host.docker.internal:%d", s.Port)
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}

	if env := os.Getenv("AGENTPOD_ENV"); env == "production" || env == "prod" {
		return "json"
	}

	return "text"
}

// defaultDataDir resolves the default data root (~/.agentpod, falling back
// to ./data when the home directory is unknown).
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return "data"
	}
	return filepath.Join(home, ".agentpod")
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)
	v.SetDefault("server.managementUrl", "")

	// Data layout defaults
	v.SetDefault("data.dir", defaultDataDir())

	// Database defaults - empty URL means SQLite under the data dir
	v.SetDefault("database.url", "")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.maxReconnects", 10)

	// Docker defaults
	v.SetDefault("docker.socket", "unix:///var/run/docker.sock")
	v.SetDefault("docker.apiVersion", "")

	// Registry defaults - empty URL produces unprefixed image references
	v.SetDefault("registry.url", "")
	v.SetDefault("registry.owner", "agentpod")
	v.SetDefault("registry.version", "latest")

	// Proxy defaults
	v.SetDefault("proxy.baseDomain", "localhost")
	v.SetDefault("proxy.network", "traefik")
	v.SetDefault("proxy.tls", false)
	v.SetDefault("proxy.certResolver", "")

	// Orchestrator defaults
	v.SetDefault("orchestrator.stopGrace", 10)
	v.SetDefault("orchestrator.reconcileSchedule", "@every 30s")
	v.SetDefault("orchestrator.idleTimeout", 0)
	v.SetDefault("orchestrator.idleSchedule", "@every 5m")

	// Terminal defaults
	v.SetDefault("terminal.maxPerSandbox", 5)
	v.SetDefault("terminal.scrollbackLines", 10000)
	v.SetDefault("terminal.disposeGrace", 30)

	// Chat defaults
	v.SetDefault("chat.subscriberBuffer", 256)
	v.SetDefault("chat.maxMessages", 1000)
	v.SetDefault("chat.evictBatch", 100)
	v.SetDefault("chat.maxMessageBytes", 1<<20)

	// OAuth defaults
	v.SetDefault("oauth.encryptionKey", "")
	v.SetDefault("oauth.callbackUrl", "")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix AGENTPOD_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory,
// ~/.agentpod/, or /etc/agentpod/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("AGENTPOD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for the short deployment env vars. AutomaticEnv does
	// not handle camelCase to SNAKE_CASE conversion, so keys where env var
	// naming differs from config key naming are bound here.
	_ = v.BindEnv("server.port", "PORT", "AGENTPOD_SERVER_PORT")
	_ = v.BindEnv("server.managementUrl", "MANAGEMENT_API_URL", "AGENTPOD_SERVER_MANAGEMENT_URL")
	_ = v.BindEnv("data.dir", "DATA_DIR", "AGENTPOD_DATA_DIR")
	_ = v.BindEnv("database.url", "DATABASE_URL", "AGENTPOD_DATABASE_URL")
	_ = v.BindEnv("nats.url", "NATS_URL", "AGENTPOD_NATS_URL")
	_ = v.BindEnv("docker.socket", "DOCKER_SOCKET", "AGENTPOD_DOCKER_SOCKET")
	_ = v.BindEnv("docker.apiVersion", "AGENTPOD_DOCKER_API_VERSION")
	_ = v.BindEnv("registry.url", "REGISTRY_URL", "AGENTPOD_REGISTRY_URL")
	_ = v.BindEnv("registry.owner", "REGISTRY_OWNER", "AGENTPOD_REGISTRY_OWNER")
	_ = v.BindEnv("registry.version", "REGISTRY_VERSION", "AGENTPOD_REGISTRY_VERSION")
	_ = v.BindEnv("proxy.baseDomain", "BASE_DOMAIN", "AGENTPOD_PROXY_BASE_DOMAIN")
	_ = v.BindEnv("proxy.network", "TRAEFIK_NETWORK", "AGENTPOD_PROXY_NETWORK")
	_ = v.BindEnv("proxy.tls", "TLS_ENABLED", "AGENTPOD_PROXY_TLS")
	_ = v.BindEnv("proxy.certResolver", "CERT_RESOLVER", "AGENTPOD_PROXY_CERT_RESOLVER")
	_ = v.BindEnv("orchestrator.stopGrace", "AGENTPOD_ORCHESTRATOR_STOP_GRACE")
	_ = v.BindEnv("orchestrator.idleTimeout", "AGENTPOD_ORCHESTRATOR_IDLE_TIMEOUT")
	_ = v.BindEnv("oauth.encryptionKey", "ENCRYPTION_KEY", "AGENTPOD_OAUTH_ENCRYPTION_KEY")
	_ = v.BindEnv("oauth.callbackUrl", "OAUTH_CALLBACK_URL", "AGENTPOD_OAUTH_CALLBACK_URL")
	_ = v.BindEnv("logging.level", "LOG_LEVEL", "AGENTPOD_LOGGING_LEVEL")
	_ = v.BindEnv("logging.format", "LOG_FORMAT", "AGENTPOD_LOGGING_FORMAT")
	_ = v.BindEnv("logging.outputPath", "AGENTPOD_LOGGING_OUTPUT_PATH")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".agentpod"))
	}
	v.AddConfigPath("/etc/agentpod/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Data.Dir == "" {
		errs = append(errs, "data.dir is required")
	}

	if cfg.Proxy.BaseDomain == "" {
		errs = append(errs, "proxy.baseDomain is required")
	}

	if cfg.Orchestrator.StopGrace < 0 {
		errs = append(errs, "orchestrator.stopGrace must not be negative")
	}
	if cfg.Orchestrator.IdleTimeout < 0 {
		errs = append(errs, "orchestrator.idleTimeout must not be negative")
	}

	if cfg.Terminal.MaxPerSandbox <= 0 {
		errs = append(errs, "terminal.maxPerSandbox must be positive")
	}
	if cfg.Terminal.ScrollbackLines <= 0 {
		errs = append(errs, "terminal.scrollbackLines must be positive")
	}

	if cfg.Chat.MaxMessages <= 0 {
		errs = append(errs, "chat.maxMessages must be positive")
	}
	if cfg.Chat.EvictBatch <= 0 || cfg.Chat.EvictBatch > cfg.Chat.MaxMessages {
		errs = append(errs, "chat.evictBatch must be positive and not exceed chat.maxMessages")
	}
	if cfg.Chat.MaxMessageBytes <= 0 {
		errs = append(errs, "chat.maxMessageBytes must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true, "console": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
