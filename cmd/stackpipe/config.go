package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/artpar/stackpipe/internal/shell/artifacts"
	"github.com/artpar/stackpipe/internal/shell/lock"
	awsplatform "github.com/artpar/stackpipe/internal/shell/platform/aws"
	dockerplatform "github.com/artpar/stackpipe/internal/shell/platform/docker"
	"github.com/artpar/stackpipe/internal/shell/sequencer"
	"github.com/artpar/stackpipe/internal/shell/workers"
)

// =============================================================================
// Config Types
// =============================================================================

// Config holds all application configuration.
type Config struct {
	Log       LogConfig         `mapstructure:"log"`
	Database  DatabaseConfig    `mapstructure:"database"`
	Server    ServerConfig      `mapstructure:"server"`
	Stack     StackConfig       `mapstructure:"stack"`
	Platform  PlatformConfig    `mapstructure:"platform"`
	Secrets   SecretsConfig     `mapstructure:"secrets"`
	Artifacts ArtifactsConfig   `mapstructure:"artifacts"`
	Lock      LockConfig        `mapstructure:"lock"`
	Workspace sequencer.Options `mapstructure:"workspace"`
	Build     BuildConfig       `mapstructure:"build"`
	Pipeline  PipelineConfig    `mapstructure:"pipeline"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	DSN string `mapstructure:"dsn"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	APIToken        string        `mapstructure:"api_token"`
}

// Address returns the server address in host:port format.
func (c ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// StackConfig locates the stack file. Name scopes the recorded handles, so
// two stacks can share one database.
type StackConfig struct {
	File string `mapstructure:"file"`
	Name string `mapstructure:"name"`
}

// PlatformConfig selects where descriptors are materialized.
type PlatformConfig struct {
	// Provider is memory, docker or aws.
	Provider string               `mapstructure:"provider"`
	AWS      awsplatform.Options  `mapstructure:"aws"`
	Docker   DockerPlatformConfig `mapstructure:"docker"`
}

// DockerPlatformConfig adds the engine address to the platform options.
type DockerPlatformConfig struct {
	Host    string                 `mapstructure:"host"`
	Options dockerplatform.Options `mapstructure:",squash"`
}

// SecretsConfig configures secret resolution. Lookups go through the vault
// (when a master passphrase is set), the environment and .env file, the OS
// keyring and AWS Secrets Manager, in that order.
type SecretsConfig struct {
	MasterPassphrase string `mapstructure:"master_passphrase"`
	EnvPrefix        string `mapstructure:"env_prefix"`
	EnvFile          string `mapstructure:"env_file"`
	KeyringService   string `mapstructure:"keyring_service"`
	SecretsManager   bool   `mapstructure:"secrets_manager"`
}

// ArtifactsConfig selects the artifact backend.
type ArtifactsConfig struct {
	// Backend is file or s3.
	Backend string              `mapstructure:"backend"`
	Dir     string              `mapstructure:"dir"`
	S3      artifacts.S3Options `mapstructure:"s3"`
}

// LockConfig selects how runs of one pipeline are serialized.
type LockConfig struct {
	// Backend is local or dynamodb. DynamoDB serializes runs across several
	// stackpipe processes.
	Backend  string               `mapstructure:"backend"`
	DynamoDB lock.DynamoDBOptions `mapstructure:"dynamodb"`
}

// BuildConfig selects how build steps run.
type BuildConfig struct {
	// Runner is shell or docker.
	Runner     string `mapstructure:"runner"`
	Image      string `mapstructure:"image"`
	Privileged bool   `mapstructure:"privileged"`
}

// PipelineConfig holds run settings shared by every pipeline.
type PipelineConfig struct {
	RolloutTimeout time.Duration        `mapstructure:"rollout_timeout"`
	WebhookSecret  string               `mapstructure:"webhook_secret"`
	Poll           bool                 `mapstructure:"poll"`
	Poller         workers.PollerConfig `mapstructure:"poller"`
}

// =============================================================================
// Config Loading
// =============================================================================

// LoadConfig loads configuration from file and environment.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("database.dsn", "./data/stackpipe.db")
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.api_token", "")
	v.SetDefault("stack.file", "stack.yaml")
	v.SetDefault("stack.name", "")
	v.SetDefault("platform.provider", "memory")
	v.SetDefault("platform.aws.region", "")
	v.SetDefault("platform.docker.host", "")
	v.SetDefault("platform.docker.registry_host", "localhost:5000")
	v.SetDefault("secrets.master_passphrase", "")
	v.SetDefault("secrets.env_prefix", "STACKPIPE_SECRET")
	v.SetDefault("secrets.env_file", ".env")
	v.SetDefault("secrets.keyring_service", "")
	v.SetDefault("secrets.secrets_manager", false)
	v.SetDefault("artifacts.backend", "file")
	v.SetDefault("artifacts.dir", "./data/artifacts")
	v.SetDefault("artifacts.s3.bucket", "")
	v.SetDefault("lock.backend", "local")
	v.SetDefault("lock.dynamodb.table", "stackpipe-locks")
	v.SetDefault("lock.dynamodb.lease", "30s")
	v.SetDefault("workspace.workspace_dir", "./data/workspace")
	v.SetDefault("workspace.keep_workspace", false)
	v.SetDefault("build.runner", "shell")
	v.SetDefault("build.image", "docker:27-cli")
	v.SetDefault("build.privileged", true)
	v.SetDefault("pipeline.rollout_timeout", "15m")
	v.SetDefault("pipeline.webhook_secret", "")
	v.SetDefault("pipeline.poll", false)
	v.SetDefault("pipeline.poller.interval", "1m")
	v.SetDefault("pipeline.poller.timeout", "30s")
	v.SetDefault("pipeline.poller.max_concurrent", 4)

	// Load from file if provided
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			var parseErr viper.ConfigParseError
			if errors.As(err, &parseErr) {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
			// File not found is OK, we'll use defaults
		}
	}

	// Enable environment variable overrides
	v.SetEnvPrefix("STACKPIPE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks the enumerated settings.
func (c *Config) Validate() error {
	checks := []struct {
		field, value string
		allowed      []string
	}{
		{"platform.provider", c.Platform.Provider, []string{"memory", "docker", "aws"}},
		{"artifacts.backend", c.Artifacts.Backend, []string{"file", "s3"}},
		{"lock.backend", c.Lock.Backend, []string{"local", "dynamodb"}},
		{"build.runner", c.Build.Runner, []string{"shell", "docker"}},
	}
	for _, ch := range checks {
		ok := false
		for _, a := range ch.allowed {
			if ch.value == a {
				ok = true
				break
			}
		}
		if !ok {
			return fmt.Errorf("%s must be one of %s, got %q", ch.field, strings.Join(ch.allowed, ", "), ch.value)
		}
	}
	if c.Artifacts.Backend == "s3" && c.Artifacts.S3.Bucket == "" {
		return errors.New("artifacts.s3.bucket is required for the s3 backend")
	}
	return nil
}

// =============================================================================
// Logger Setup
// =============================================================================

// SetupLogger creates a logger with the configured level and format.
func SetupLogger(cfg *Config, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}

	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if strings.ToLower(cfg.Log.Format) == "text" {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}

	return slog.New(handler)
}
