package config

import (
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

type Config struct {
	Env        string           `yaml:"env" env-default:"prod"`
	Pipeline   PipelineRef      `yaml:"pipeline"`
	Repository RepositoryConfig `yaml:"repository"`
	Server     ServerConfig     `yaml:"server"`
	Buffer     BufferConfig     `yaml:"buffer"`
	Trends     TrendsConfig     `yaml:"trends"`
	Lock       LockConfig       `yaml:"lock"`
	Health     HealthConfig     `yaml:"health"`
	Log        LogConfig        `yaml:"log"`
}

type PipelineRef struct {
	Name       string `yaml:"name" env:"QCFLOW_PIPELINE_NAME" env-default:"qc"`
	ConfigPath string `yaml:"config_path" env:"QCFLOW_PIPELINE_PATH" env-required:"true"`
}

type RepositoryConfig struct {
	// Backend is one of memory, sqlite, postgres or remote.
	Backend   string        `yaml:"backend" env:"QCFLOW_REPOSITORY_BACKEND" env-default:"sqlite"`
	Path      string        `yaml:"path" env-default:"/var/lib/qcflow/repository.db"`
	DSN       string        `yaml:"dsn" env:"QCFLOW_REPOSITORY_DSN"`
	URL       string        `yaml:"url" env:"QCFLOW_REPOSITORY_URL"`
	Token     string        `yaml:"token" env:"QCFLOW_REPOSITORY_TOKEN"`
	Timeout   time.Duration `yaml:"timeout" env-default:"10s"`
	RateLimit float64       `yaml:"rate_limit" env-default:"0"`
	Burst     int           `yaml:"burst" env-default:"10"`
	Retry     RetryConfig   `yaml:"retry"`
}

type RetryConfig struct {
	MaxAttempts  int           `yaml:"max_attempts" env-default:"3"`
	InitialDelay time.Duration `yaml:"initial_delay" env-default:"200ms"`
	MaxDelay     time.Duration `yaml:"max_delay" env-default:"5s"`
}

// ServerConfig configures `qcflow repo serve`.
type ServerConfig struct {
	Address string `yaml:"address" env-default:":8090"`
}

type BufferConfig struct {
	Enabled        bool          `yaml:"enabled" env-default:"true"`
	Path           string        `yaml:"path" env-default:"/var/lib/qcflow/spool.db"`
	MaxAge         time.Duration `yaml:"max_age" env-default:"24h"`
	ReplayInterval time.Duration `yaml:"replay_interval" env-default:"30s"`
	BatchSize      int           `yaml:"batch_size" env-default:"50"`
}

type TrendsConfig struct {
	StorePath string       `yaml:"store_path" env-default:"/var/lib/qcflow/trends"`
	InMemory  bool         `yaml:"in_memory" env-default:"false"`
	Influx    InfluxConfig `yaml:"influx"`
}

type InfluxConfig struct {
	Enabled bool   `yaml:"enabled" env-default:"false"`
	URL     string `yaml:"url"`
	Token   string `yaml:"token" env:"QCFLOW_INFLUX_TOKEN"`
	Org     string `yaml:"org"`
	Bucket  string `yaml:"bucket" env-default:"qc_trends"`
}

type LockConfig struct {
	// Backend is local or redis.
	Backend       string        `yaml:"backend" env-default:"local"`
	RedisAddr     string        `yaml:"redis_addr" env:"QCFLOW_REDIS_ADDR" env-default:"localhost:6379"`
	RedisPassword string        `yaml:"redis_password" env:"QCFLOW_REDIS_PASSWORD"`
	RedisDB       int           `yaml:"redis_db" env-default:"0"`
	TTL           time.Duration `yaml:"ttl" env-default:"5m"`
}

type HealthConfig struct {
	Address string `yaml:"address" env-default:":8080"`
}

type LogConfig struct {
	Level  string `yaml:"level" env-default:"info"`
	Format string `yaml:"format" env-default:"json"`
}

func MustLoad(configPath string) *Config {
	if configPath == "" {
		configPath = os.Getenv("CONFIG_PATH")
	}

	if configPath == "" {
		configPath = "config/config.yaml"
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		panic("config file not found: " + configPath)
	}

	var cfg Config
	if err := cleanenv.ReadConfig(configPath, &cfg); err != nil {
		panic("failed to read config: " + err.Error())
	}

	return &cfg
}

// Defaults returns a configuration populated only from env-default tags and
// the environment. Used by CLI commands that run without a config file.
func Defaults() (*Config, error) {
	var cfg Config
	if err := cleanenv.ReadEnv(&cfg.Repository); err != nil {
		return nil, err
	}
	if err := cleanenv.ReadEnv(&cfg.Server); err != nil {
		return nil, err
	}
	if err := cleanenv.ReadEnv(&cfg.Log); err != nil {
		return nil, err
	}
	return &cfg, nil
}
