package config

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/evtree-dev/evtree/pkg/store"
	"github.com/evtree-dev/evtree/pkg/store/firestore"
)

// Config represents the application configuration
type Config struct {
	// Storage selects and configures the event store backend
	Storage StorageConfig `yaml:"storage"`

	// Metrics configuration
	Metrics MetricsConfig `yaml:"metrics"`

	// Tracing configuration
	Tracing TracingConfig `yaml:"tracing"`
}

// StorageConfig holds backend selection and per-backend settings
type StorageConfig struct {
	// Backend is one of: memory, file, redis, firestore
	Backend string `yaml:"backend"`

	// File backend settings
	File FileStorageConfig `yaml:"file"`

	// Redis backend settings
	Redis RedisStorageConfig `yaml:"redis"`

	// Firestore backend settings
	Firestore FirestoreStorageConfig `yaml:"firestore"`
}

// FileStorageConfig holds settings for the file backend
type FileStorageConfig struct {
	// Dir is the base directory for session and event files.
	// Empty means the default (~/.evtree).
	Dir string `yaml:"dir"`
}

// RedisStorageConfig holds settings for the Redis backend
type RedisStorageConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
	PoolSize int    `yaml:"pool_size"`
}

// FirestoreStorageConfig holds settings for the Firestore backend
type FirestoreStorageConfig struct {
	ProjectID        string `yaml:"project_id"`
	CredentialsFile  string `yaml:"credentials_file"`
	CollectionPrefix string `yaml:"collection_prefix"`
}

// MetricsConfig holds metrics settings
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// TracingConfig holds tracing settings
type TracingConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"` // otlp, stdout, none
	Endpoint string `yaml:"endpoint"`
}

// Default returns a configuration with default values
func Default() *Config {
	return &Config{
		Storage: StorageConfig{
			Backend: "file",
			Redis: RedisStorageConfig{
				Addr: "localhost:6379",
			},
		},
		Metrics: MetricsConfig{
			Addr: ":9090",
		},
		Tracing: TracingConfig{
			Exporter: "none",
		},
	}
}

// Load loads configuration from a YAML file. A missing file is not an
// error; defaults with environment overrides are returned instead.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnv()
			return cfg, cfg.Validate()
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration to a YAML file
func Save(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// applyEnv fills in settings from environment variables when not set in
// the file. Environment variables never override explicit file values.
func (c *Config) applyEnv() {
	if v := os.Getenv("EVTREE_BACKEND"); v != "" && c.Storage.Backend == "file" {
		c.Storage.Backend = v
	}
	if c.Storage.File.Dir == "" {
		c.Storage.File.Dir = os.Getenv("EVTREE_DIR")
	}
	if v := os.Getenv("EVTREE_REDIS_ADDR"); v != "" && c.Storage.Redis.Addr == "localhost:6379" {
		c.Storage.Redis.Addr = v
	}
	if c.Storage.Redis.Password == "" {
		c.Storage.Redis.Password = os.Getenv("EVTREE_REDIS_PASSWORD")
	}
	if c.Storage.Redis.DB == 0 {
		if v := os.Getenv("EVTREE_REDIS_DB"); v != "" {
			if db, err := strconv.Atoi(v); err == nil {
				c.Storage.Redis.DB = db
			}
		}
	}
	if c.Storage.Firestore.ProjectID == "" {
		c.Storage.Firestore.ProjectID = os.Getenv("GCP_PROJECT")
	}
	if c.Storage.Firestore.CredentialsFile == "" {
		c.Storage.Firestore.CredentialsFile = os.Getenv("GOOGLE_APPLICATION_CREDENTIALS")
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case "memory", "file", "redis", "firestore":
	default:
		return fmt.Errorf("unknown storage backend: %q", c.Storage.Backend)
	}

	if c.Storage.Backend == "redis" && c.Storage.Redis.Addr == "" {
		return fmt.Errorf("redis backend requires storage.redis.addr")
	}
	if c.Storage.Backend == "firestore" && c.Storage.Firestore.ProjectID == "" {
		return fmt.Errorf("firestore backend requires storage.firestore.project_id")
	}

	switch c.Tracing.Exporter {
	case "", "otlp", "stdout", "none":
	default:
		return fmt.Errorf("unknown tracing exporter: %q", c.Tracing.Exporter)
	}

	return nil
}

// OpenBackend creates the storage backend selected by the configuration
func (c *Config) OpenBackend(ctx context.Context) (store.Backend, error) {
	switch c.Storage.Backend {
	case "memory":
		return store.NewMemoryBackend(), nil

	case "file":
		return store.NewFileBackend(c.Storage.File.Dir)

	case "redis":
		return store.NewRedisBackend(store.RedisConfig{
			Addr:     c.Storage.Redis.Addr,
			Password: c.Storage.Redis.Password,
			DB:       c.Storage.Redis.DB,
			Prefix:   c.Storage.Redis.Prefix,
			PoolSize: c.Storage.Redis.PoolSize,
		})

	case "firestore":
		opts := []firestore.Option{
			firestore.WithProjectID(c.Storage.Firestore.ProjectID),
		}
		if c.Storage.Firestore.CredentialsFile != "" {
			opts = append(opts, firestore.WithCredentialsFile(c.Storage.Firestore.CredentialsFile))
		}
		if c.Storage.Firestore.CollectionPrefix != "" {
			opts = append(opts, firestore.WithCollectionPrefix(c.Storage.Firestore.CollectionPrefix))
		}
		return firestore.New(ctx, opts...)

	default:
		return nil, fmt.Errorf("unknown storage backend: %q", c.Storage.Backend)
	}
}
