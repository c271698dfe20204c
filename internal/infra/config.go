package infra

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Tag modes
const (
	TagModeNone   = "none"
	TagModeCommit = "commit"
)

// Commit conflict policies
const (
	CommitPolicyFail  = "fail"
	CommitPolicyFirst = "first"
	CommitPolicyLast  = "last"
)

// Config holds application configuration
type Config struct {
	// Server configuration
	Server ServerConfig

	// Database configuration
	Postgres PostgresConfig

	// Redis configuration
	Redis RedisConfig

	// Docker configuration
	Docker DockerConfig

	// Registry configuration
	Registry RegistryConfig

	// Build pipeline configuration
	Build BuildConfig

	// Object storage configuration
	ObjectStore ObjectStoreConfig

	// JWT configuration
	JWT JWTConfig

	// Logging configuration
	LogLevel string

	// Worker configuration
	WorkerConcurrency int
}

type ServerConfig struct {
	Addr           string
	Port           string
	AllowedOrigins []string // CORS origins allowed to call the API
}

type PostgresConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	// Computed connection string
	DSN string
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
	// Computed connection string
	Addr string
}

type DockerConfig struct {
	Host       string
	APIVersion string
	TLSEnabled bool
	CertPath   string
	KeyPath    string
	CAPath     string
}

type RegistryConfig struct {
	Address  string // Registry host used as the first component of every repo
	Username string
	Password string
}

type BuildConfig struct {
	DefaultBuildpack string
	TagMode          string
	CommitPolicy     string
	ArchiveDir       string
	LogDir           string
	WorkDir          string
	Timeout          time.Duration
	RetentionDays    int
	CleanupInterval  time.Duration // Time between janitor passes
	PruneImages      bool          // Janitor also removes dangling images
}

type ObjectStoreConfig struct {
	Enabled   bool
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool
}

type JWTConfig struct {
	Secret string
}

// LoadConfig loads configuration using viper with support for:
// - Environment variables
// - .env files
// - Default values
// Fails fast on invalid configs
func LoadConfig() (*Config, error) {
	v := viper.New()
	v.SetConfigName(".env")
	v.SetConfigType("env")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")

	// Enable environment variable support
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	// Try to read config file (optional - env vars take precedence)
	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	return configFromViper(v)
}

func configFromViper(v *viper.Viper) (*Config, error) {
	config := &Config{
		Server: ServerConfig{
			Addr:           v.GetString("server.addr"),
			Port:           v.GetString("server.port"),
			AllowedOrigins: v.GetStringSlice("server.allowed_origins"),
		},
		Postgres: PostgresConfig{
			Host:     v.GetString("postgres.host"),
			Port:     v.GetInt("postgres.port"),
			User:     v.GetString("postgres.user"),
			Password: v.GetString("postgres.password"),
			Database: v.GetString("postgres.database"),
			SSLMode:  v.GetString("postgres.sslmode"),
		},
		Redis: RedisConfig{
			Host:     v.GetString("redis.host"),
			Port:     v.GetInt("redis.port"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
			Addr:     v.GetString("redis.addr"),
		},
		Docker: DockerConfig{
			Host:       v.GetString("docker.host"),
			APIVersion: v.GetString("docker.api_version"),
			TLSEnabled: v.GetBool("docker.tls_enabled"),
			CertPath:   v.GetString("docker.cert_path"),
			KeyPath:    v.GetString("docker.key_path"),
			CAPath:     v.GetString("docker.ca_path"),
		},
		Registry: RegistryConfig{
			Address:  v.GetString("registry.address"),
			Username: v.GetString("registry.username"),
			Password: v.GetString("registry.password"),
		},
		Build: BuildConfig{
			DefaultBuildpack: v.GetString("build.default_buildpack"),
			TagMode:          strings.ToLower(v.GetString("build.tag_mode")),
			CommitPolicy:     strings.ToLower(v.GetString("build.commit_policy")),
			ArchiveDir:       v.GetString("build.archive_dir"),
			LogDir:           v.GetString("build.log_dir"),
			WorkDir:          v.GetString("build.work_dir"),
			Timeout:          v.GetDuration("build.timeout"),
			RetentionDays:    v.GetInt("build.retention_days"),
			CleanupInterval:  v.GetDuration("build.cleanup_interval"),
			PruneImages:      v.GetBool("build.prune_images"),
		},
		ObjectStore: ObjectStoreConfig{
			Enabled:   v.GetBool("object_store.enabled"),
			Endpoint:  v.GetString("object_store.endpoint"),
			AccessKey: v.GetString("object_store.access_key"),
			SecretKey: v.GetString("object_store.secret_key"),
			Bucket:    v.GetString("object_store.bucket"),
			Region:    v.GetString("object_store.region"),
			UseSSL:    v.GetBool("object_store.use_ssl"),
		},
		JWT: JWTConfig{
			Secret: v.GetString("jwt.secret"),
		},
		LogLevel:          v.GetString("log.level"),
		WorkerConcurrency: v.GetInt("worker.concurrency"),
	}

	// Build computed connection strings
	config.Postgres.DSN = buildPostgresDSN(config.Postgres)
	if config.Redis.Addr == "" {
		config.Redis.Addr = buildRedisAddr(config.Redis)
	}

	// Validate required configs (fail fast)
	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.addr", "0.0.0.0")
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.allowed_origins", []string{"http://localhost:3000", "http://localhost:5173"})

	// Postgres defaults
	v.SetDefault("postgres.host", "localhost")
	v.SetDefault("postgres.port", 5432)
	v.SetDefault("postgres.user", "postgres")
	v.SetDefault("postgres.password", "")
	v.SetDefault("postgres.database", "builder")
	v.SetDefault("postgres.sslmode", "disable")

	// Redis defaults
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.addr", "")

	// Docker defaults
	v.SetDefault("docker.host", "unix:///var/run/docker.sock")
	v.SetDefault("docker.api_version", "")
	v.SetDefault("docker.tls_enabled", false)
	v.SetDefault("docker.cert_path", "")
	v.SetDefault("docker.key_path", "")
	v.SetDefault("docker.ca_path", "")

	// Registry defaults
	v.SetDefault("registry.address", "localhost:5000")
	v.SetDefault("registry.username", "")
	v.SetDefault("registry.password", "")

	// Build defaults
	v.SetDefault("build.default_buildpack", "gliderlabs/herokuish:latest")
	v.SetDefault("build.tag_mode", TagModeNone)
	v.SetDefault("build.commit_policy", CommitPolicyFail)
	v.SetDefault("build.archive_dir", "")
	v.SetDefault("build.log_dir", "/var/lib/builder/logs")
	v.SetDefault("build.work_dir", "/var/lib/builder/src")
	v.SetDefault("build.timeout", 30*time.Minute)
	v.SetDefault("build.retention_days", 14)
	v.SetDefault("build.cleanup_interval", time.Hour)
	v.SetDefault("build.prune_images", true)

	// Object store defaults
	v.SetDefault("object_store.enabled", false)
	v.SetDefault("object_store.endpoint", "")
	v.SetDefault("object_store.access_key", "")
	v.SetDefault("object_store.secret_key", "")
	v.SetDefault("object_store.bucket", "build-contexts")
	v.SetDefault("object_store.region", "us-east-1")
	v.SetDefault("object_store.use_ssl", true)

	// JWT defaults
	v.SetDefault("jwt.secret", "")

	// Logging defaults
	v.SetDefault("log.level", "info")

	// Worker defaults
	v.SetDefault("worker.concurrency", 4)
}

func buildPostgresDSN(pg PostgresConfig) string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		pg.Host, pg.Port, pg.User, pg.Password, pg.Database, pg.SSLMode)
}

func buildRedisAddr(redis RedisConfig) string {
	return fmt.Sprintf("%s:%d", redis.Host, redis.Port)
}

func validateConfig(config *Config) error {
	var missing []string
	var invalid []string

	// Required: Docker host
	if config.Docker.Host == "" {
		missing = append(missing, "DOCKER_HOST")
	}

	// If TLS is enabled, require cert paths
	if config.Docker.TLSEnabled {
		if config.Docker.CertPath == "" {
			missing = append(missing, "DOCKER_CERT_PATH")
		}
		if config.Docker.KeyPath == "" {
			missing = append(missing, "DOCKER_KEY_PATH")
		}
		if config.Docker.CAPath == "" {
			missing = append(missing, "DOCKER_CA_PATH")
		}
	}

	if config.Build.DefaultBuildpack == "" {
		missing = append(missing, "BUILD_DEFAULT_BUILDPACK")
	}
	if config.Build.CleanupInterval <= 0 {
		invalid = append(invalid, fmt.Sprintf("BUILD_CLEANUP_INTERVAL=%s", config.Build.CleanupInterval))
	}

	switch config.Build.TagMode {
	case TagModeNone, TagModeCommit:
	default:
		invalid = append(invalid, fmt.Sprintf("BUILD_TAG_MODE=%q", config.Build.TagMode))
	}

	switch config.Build.CommitPolicy {
	case CommitPolicyFail, CommitPolicyFirst, CommitPolicyLast:
	default:
		invalid = append(invalid, fmt.Sprintf("BUILD_COMMIT_POLICY=%q", config.Build.CommitPolicy))
	}

	// If object storage is enabled, require a target
	if config.ObjectStore.Enabled {
		if config.ObjectStore.Endpoint == "" {
			missing = append(missing, "OBJECT_STORE_ENDPOINT")
		}
		if config.ObjectStore.Bucket == "" {
			missing = append(missing, "OBJECT_STORE_BUCKET")
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}
	if len(invalid) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(invalid, ", "))
	}

	return nil
}

// RequireRegistry fails when no registry address is configured. Only the
// processes that push images need one.
func (c *Config) RequireRegistry() error {
	if c.Registry.Address == "" {
		return errors.New("missing required configuration: REGISTRY_ADDRESS")
	}
	return nil
}
