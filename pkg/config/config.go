// Package config loads and validates application configuration from YAML files
// with environment-variable overrides. It provides typed structs for the
// vocabulary tree builder, the visual database storage backends, the query
// cache, the frame stream and the ambient logging/metrics settings.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Tree     TreeConfig     `yaml:"tree"`
	Database DatabaseConfig `yaml:"database"`
	Postgres PostgresConfig `yaml:"postgres"`
	Redis    RedisConfig    `yaml:"redis"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Query    QueryConfig    `yaml:"query"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// TreeConfig controls vocabulary tree training. Branching is the k of the
// per-node k-means, MaxLevel the maximum depth, MinElem the smallest child
// population that still allows a split and Stop an optional cap on the
// number of corpus descriptors read (0 reads all).
type TreeConfig struct {
	DescriptorFile string `yaml:"descriptorFile"`
	TreeFile       string `yaml:"treeFile"`
	DescriptorDim  int    `yaml:"descriptorDim"`
	Branching      int    `yaml:"branching"`
	MaxLevel       int    `yaml:"maxLevel"`
	MinElem        int    `yaml:"minElem"`
	Stop           int    `yaml:"stop"`
	Iterations     int    `yaml:"iterations"`
	Parallelism    int    `yaml:"parallelism"`
}

// DatabaseConfig selects the relational backend holding tree, index and
// object tables. Driver is "sqlite" (Path is a file) or "postgres" (the
// Postgres section is used).
type DatabaseConfig struct {
	Driver        string `yaml:"driver"`
	Path          string `yaml:"path"`
	ImageCacheLen int    `yaml:"imageCacheLen"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Database        string        `yaml:"database"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	SSLMode         string        `yaml:"sslMode"`
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
}

// DSN returns a lib/pq-compatible data source name.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

// RedisConfig holds Redis connection and query-cache parameters.
type RedisConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	PoolSize int           `yaml:"poolSize"`
	CacheTTL time.Duration `yaml:"cacheTTL"`
}

// KafkaConfig holds Kafka broker and topic settings for the frame stream.
type KafkaConfig struct {
	Brokers       []string    `yaml:"brokers"`
	ConsumerGroup string      `yaml:"consumerGroup"`
	Topics        KafkaTopics `yaml:"topics"`
}

// KafkaTopics maps logical topic names to their Kafka topic strings.
type KafkaTopics struct {
	Frames         string `yaml:"frames"`
	ObjectsIndexed string `yaml:"objectsIndexed"`
}

// QueryConfig controls recognition query scoring.
type QueryConfig struct {
	Mode       string `yaml:"mode"`
	MaxResults int    `yaml:"maxResults"`
}

// LoggingConfig controls structured logging level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig controls the Prometheus metrics server.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Load reads a YAML config file (if provided) and applies environment-variable
// overrides. It returns a Config populated with defaults for any missing
// values.
func Load(path string) (*Config, error) {
	return LoadOver(path, Default())
}

// LoadOver is Load starting from base instead of the defaults, so a command
// can tell a value the file or environment set from one it left alone.
func LoadOver(path string, base *Config) (*Config, error) {
	cfg := base
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the builder or the database cannot work with.
func (c *Config) Validate() error {
	if c.Tree.Branching < 2 {
		return fmt.Errorf("tree.branching must be at least 2, got %d", c.Tree.Branching)
	}
	if c.Tree.Branching > 255 {
		return fmt.Errorf("tree.branching must fit in one byte, got %d", c.Tree.Branching)
	}
	if c.Tree.MaxLevel < 0 {
		return fmt.Errorf("tree.maxLevel must not be negative, got %d", c.Tree.MaxLevel)
	}
	if c.Tree.MinElem < 0 || c.Tree.Stop < 0 {
		return fmt.Errorf("tree.minElem and tree.stop must not be negative")
	}
	if c.Tree.DescriptorDim <= 0 {
		return fmt.Errorf("tree.descriptorDim must be positive, got %d", c.Tree.DescriptorDim)
	}
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("database.driver must be sqlite or postgres, got %q", c.Database.Driver)
	}
	return nil
}

// Default returns a fresh copy of the built-in defaults.
func Default() *Config {
	return defaultConfig()
}

// defaultConfig returns a Config matching the historical buildtree
// defaults (k=4, depth 8, 1000 descriptors per node, 32-d descriptors).
func defaultConfig() *Config {
	return &Config{
		Tree: TreeConfig{
			DescriptorFile: "descriptors.dat",
			DescriptorDim:  32,
			Branching:      4,
			MaxLevel:       8,
			MinElem:        1000,
			Iterations:     32,
		},
		Database: DatabaseConfig{
			Driver:        "sqlite",
			Path:          "visual.db",
			ImageCacheLen: 64,
		},
		Postgres: PostgresConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "visualsearch",
			User:            "visualsearch",
			Password:        "localdev",
			SSLMode:         "disable",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			PoolSize: 10,
			CacheTTL: 60 * time.Second,
		},
		Kafka: KafkaConfig{
			Brokers:       []string{"localhost:9092"},
			ConsumerGroup: "visualsearch-trainer",
			Topics: KafkaTopics{
				Frames:         "visual.frames",
				ObjectsIndexed: "visual.objects-indexed",
			},
		},
		Query: QueryConfig{
			Mode:       "idf-normalized",
			MaxResults: 10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
	}
}

// applyEnvOverrides reads VS_* environment variables and overrides the
// corresponding config fields.
func applyEnvOverrides(cfg *Config) {
	setInt := func(name string, dst *int) {
		if v := os.Getenv(name); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	setString := func(name string, dst *string) {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}

	setString("VS_TREE_DESCRIPTOR_FILE", &cfg.Tree.DescriptorFile)
	setString("VS_TREE_FILE", &cfg.Tree.TreeFile)
	setInt("VS_TREE_DESCRIPTOR_DIM", &cfg.Tree.DescriptorDim)
	setInt("VS_TREE_BRANCHING", &cfg.Tree.Branching)
	setInt("VS_TREE_MAX_LEVEL", &cfg.Tree.MaxLevel)
	setInt("VS_TREE_MIN_ELEM", &cfg.Tree.MinElem)
	setInt("VS_TREE_STOP", &cfg.Tree.Stop)
	setString("VS_DATABASE_DRIVER", &cfg.Database.Driver)
	setString("VS_DATABASE_PATH", &cfg.Database.Path)
	setString("VS_POSTGRES_HOST", &cfg.Postgres.Host)
	setInt("VS_POSTGRES_PORT", &cfg.Postgres.Port)
	setString("VS_POSTGRES_DATABASE", &cfg.Postgres.Database)
	setString("VS_POSTGRES_USER", &cfg.Postgres.User)
	setString("VS_POSTGRES_PASSWORD", &cfg.Postgres.Password)
	setString("VS_POSTGRES_SSLMODE", &cfg.Postgres.SSLMode)
	setString("VS_REDIS_ADDR", &cfg.Redis.Addr)
	setString("VS_REDIS_PASSWORD", &cfg.Redis.Password)
	if v := os.Getenv("VS_REDIS_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Redis.Enabled = b
		}
	}
	if v := os.Getenv("VS_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
	}
	setString("VS_QUERY_MODE", &cfg.Query.Mode)
	setString("VS_LOGGING_LEVEL", &cfg.Logging.Level)
	setString("VS_LOGGING_FORMAT", &cfg.Logging.Format)
	setInt("VS_METRICS_PORT", &cfg.Metrics.Port)
}
