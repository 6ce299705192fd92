// Package config loads the flowstream configuration from a YAML file, a .env
// file and FLOWSTREAM_* environment variables, in increasing precedence.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/cast"
	"gopkg.in/yaml.v3"
)

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreMongo    = "mongodb"
)

type AppInfo struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
}

type HTTPConfig struct {
	Port int `yaml:"port"`
}

type RedisConfig struct {
	Address  string `yaml:"address"` // empty keeps log channels in memory
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type PostgresConfig struct {
	DSN           string `yaml:"dsn"`
	MigrationsDir string `yaml:"migrationsDir"`
}

type MongoConfig struct {
	URI      string `yaml:"uri"`
	Database string `yaml:"database"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"` // empty disables lifecycle events
	Topic   string   `yaml:"topic"`
}

type WorkerConfig struct {
	Workers    int           `yaml:"workers"`
	Timeout    time.Duration `yaml:"timeout"`
	Retries    int           `yaml:"retries"`
	RetryDelay time.Duration `yaml:"retryDelay"`
}

type LogStreamConfig struct {
	Block      time.Duration `yaml:"block"`
	Batch      int64         `yaml:"batch"`
	DrainGrace time.Duration `yaml:"drainGrace"`
	Expiry     time.Duration `yaml:"expiry"`
}

type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type Config struct {
	App       AppInfo         `yaml:"app"`
	Logger    LoggerConfig    `yaml:"logger"`
	HTTP      HTTPConfig      `yaml:"http"`
	Store     string          `yaml:"store"`
	Redis     RedisConfig     `yaml:"redis"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	MongoDB   MongoConfig     `yaml:"mongodb"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Worker    WorkerConfig    `yaml:"worker"`
	LogStream LogStreamConfig `yaml:"logstream"`
}

// Load reads path (optional), then .env, then the environment.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "read config file '%s'", path)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrapf(err, "parse config file '%s'", path)
		}
	}

	// a missing .env file is fine
	_ = godotenv.Load()

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("FLOWSTREAM_STORE"); ok {
		c.Store = v
	}
	if v, ok := lookup("FLOWSTREAM_REDIS_ADDR"); ok {
		c.Redis.Address = v
	}
	if v, ok := lookup("FLOWSTREAM_REDIS_PASSWORD"); ok {
		c.Redis.Password = v
	}
	if v, ok := lookup("FLOWSTREAM_POSTGRES_DSN"); ok {
		c.Postgres.DSN = v
	}
	if v, ok := lookup("FLOWSTREAM_MONGO_URI"); ok {
		c.MongoDB.URI = v
	}
	if v, ok := lookup("FLOWSTREAM_KAFKA_BROKERS"); ok {
		c.Kafka.Brokers = splitList(v)
	}
	if v, ok := lookup("FLOWSTREAM_HTTP_PORT"); ok {
		port, err := cast.ToIntE(v)
		if err != nil {
			return errors.Wrap(err, "FLOWSTREAM_HTTP_PORT")
		}
		c.HTTP.Port = port
	}
	if v, ok := lookup("FLOWSTREAM_WORKERS"); ok {
		workers, err := cast.ToIntE(v)
		if err != nil {
			return errors.Wrap(err, "FLOWSTREAM_WORKERS")
		}
		c.Worker.Workers = workers
	}
	if v, ok := lookup("FLOWSTREAM_DRAIN_GRACE"); ok {
		grace, err := cast.ToDurationE(v)
		if err != nil {
			return errors.Wrap(err, "FLOWSTREAM_DRAIN_GRACE")
		}
		c.LogStream.DrainGrace = grace
	}
	if v, ok := lookup("LOG_LEVEL"); ok {
		c.Logger.Level = v
	}
	if v, ok := lookup("LOG_FORMAT"); ok {
		c.Logger.Format = v
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "flowstream"
	}
	if c.Store == "" {
		c.Store = StoreMemory
	}
	if c.HTTP.Port == 0 {
		c.HTTP.Port = 8080
	}
	if c.MongoDB.Database == "" {
		c.MongoDB.Database = "flowstream"
	}
	if c.Worker.Workers <= 0 {
		c.Worker.Workers = 4
	}
	if c.Worker.Timeout <= 0 {
		c.Worker.Timeout = 60 * time.Second
	}
	if c.Worker.RetryDelay <= 0 {
		c.Worker.RetryDelay = time.Second
	}
	if c.LogStream.Block <= 0 {
		c.LogStream.Block = time.Second
	}
	if c.LogStream.Batch <= 0 {
		c.LogStream.Batch = 100
	}
	if c.LogStream.Expiry <= 0 {
		c.LogStream.Expiry = 24 * time.Hour
	}
	// a negative grace deletes channels without waiting for tailers
	if c.LogStream.DrainGrace == 0 {
		c.LogStream.DrainGrace = 3 * time.Second
	}
	if c.LogStream.DrainGrace < 0 {
		c.LogStream.DrainGrace = 0
	}
}

// Validate checks that the selected store has what it needs to connect.
func (c *Config) Validate() error {
	switch c.Store {
	case StoreMemory:
	case StorePostgres:
		if c.Postgres.DSN == "" {
			return errors.New("postgres store selected but no DSN configured")
		}
	case StoreMongo:
		if c.MongoDB.URI == "" {
			return errors.New("mongodb store selected but no URI configured")
		}
	default:
		return errors.Errorf("unknown store '%s'", c.Store)
	}
	if c.Worker.Retries < 0 {
		return errors.New("worker retries must not be negative")
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
