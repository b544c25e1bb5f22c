package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Db        DbConfig        `yaml:"db"`
	Redis     RedisConfig     `yaml:"redis"`
	Sandbox   SandboxConfig   `yaml:"sandbox"`
	Limits    LimitsConfig    `yaml:"limits"`
	Worker    WorkerConfig    `yaml:"worker"`
	Webhook   WebhookConfig   `yaml:"webhook"`
	Languages LanguagesConfig `yaml:"languages"`
	Log       LogConfig       `yaml:"log"`
}

type ServerConfig struct {
	Port         string `yaml:"port"`
	ReadTimeout  int    `yaml:"readTimeout"`
	WriteTimeout int    `yaml:"writeTimeout"`
	IdleTimeout  int    `yaml:"idleTimeout"`
	// Requests per second, globally and per client IP.
	GlobalRPS     float64 `yaml:"globalRPS"`
	PerIPRPS      float64 `yaml:"perIPRPS"`
	PerIPBurst    int     `yaml:"perIPBurst"`
	MaxConcurrent int     `yaml:"maxConcurrent"`
}

type DbConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
	SSLMode  string `yaml:"sslMode"`
}

// RedisConfig configures the step checkpoint log. An empty Addr keeps
// checkpoints in process memory.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	StepTTL  time.Duration `yaml:"stepTTL"`
}

type SandboxConfig struct {
	WorkDir          string        `yaml:"workDir"`
	TimeoutBuffer    time.Duration `yaml:"timeoutBuffer"`
	OutputLimitBytes int64         `yaml:"outputLimitBytes"`
	PullImages       bool          `yaml:"pullImages"`
}

// LimitsConfig holds the defaults applied when a submission carries no
// override. Times are seconds, sizes are kilobytes.
type LimitsConfig struct {
	CPUTime       float64 `yaml:"cpuTime"`
	WallTime      float64 `yaml:"wallTime"`
	MemoryKb      int64   `yaml:"memoryKb"`
	StackKb       int64   `yaml:"stackKb"`
	MaxProcesses  int64   `yaml:"maxProcesses"`
	MaxFileSizeKb int64   `yaml:"maxFileSizeKb"`
}

type WorkerConfig struct {
	Count         int           `yaml:"count"`
	QueueCapacity int           `yaml:"queueCapacity"`
	MaxAttempts   int           `yaml:"maxAttempts"`
	BaseBackoff   time.Duration `yaml:"baseBackoff"`
	MaxBackoff    time.Duration `yaml:"maxBackoff"`
}

type WebhookConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

// LanguagesConfig points at the language catalog file. An empty path uses
// the catalog compiled into the binary.
type LanguagesConfig struct {
	CatalogPath string `yaml:"catalogPath"`
	Seed        bool   `yaml:"seed"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:          "8080",
			ReadTimeout:   10,
			WriteTimeout:  30,
			IdleTimeout:   60,
			GlobalRPS:     100,
			PerIPRPS:      10,
			PerIPBurst:    20,
			MaxConcurrent: 50,
		},
		Db: DbConfig{
			Host:    "localhost",
			Port:    5432,
			User:    "postgres",
			Name:    "judgeji",
			SSLMode: "disable",
		},
		Redis: RedisConfig{
			StepTTL: 24 * time.Hour,
		},
		Sandbox: SandboxConfig{
			WorkDir:          "/sandbox",
			TimeoutBuffer:    5 * time.Second,
			OutputLimitBytes: 1 << 20,
			PullImages:       true,
		},
		Limits: LimitsConfig{
			CPUTime:       2,
			WallTime:      5,
			MemoryKb:      128000,
			StackKb:       64000,
			MaxProcesses:  60,
			MaxFileSizeKb: 1024,
		},
		Worker: WorkerConfig{
			Count:         5,
			QueueCapacity: 100,
			MaxAttempts:   5,
			BaseBackoff:   time.Second,
			MaxBackoff:    30 * time.Second,
		},
		Webhook: WebhookConfig{
			Timeout: 10 * time.Second,
		},
		Languages: LanguagesConfig{
			Seed: true,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// LoadConfig reads .env (if present), then the YAML file named by
// JUDGE_CONFIG (if set), then environment overrides.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	conf := Default()
	if path := os.Getenv("JUDGE_CONFIG"); path != "" {
		if err := loadYAML(path, conf); err != nil {
			return nil, err
		}
	}

	if err := applyEnv(conf); err != nil {
		return nil, err
	}

	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

func loadYAML(path string, out *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file failed: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse config file failed: %w", err)
	}
	return nil
}

func applyEnv(c *Config) error {
	var errs []error
	setString(&c.Server.Port, "PORT")
	setString(&c.Db.Host, "DB_HOST")
	errs = append(errs, setInt(&c.Db.Port, "DB_PORT"))
	setString(&c.Db.User, "DB_USER")
	setString(&c.Db.Password, "DB_PASSWORD")
	setString(&c.Db.Name, "DB_NAME")
	setString(&c.Db.SSLMode, "DB_SSLMODE")
	setString(&c.Redis.Addr, "REDIS_ADDR")
	setString(&c.Redis.Password, "REDIS_PASSWORD")
	errs = append(errs, setInt(&c.Redis.DB, "REDIS_DB"))
	errs = append(errs, setDuration(&c.Redis.StepTTL, "REDIS_STEP_TTL"))
	errs = append(errs, setBool(&c.Sandbox.PullImages, "SANDBOX_PULL_IMAGES"))
	errs = append(errs, setDuration(&c.Sandbox.TimeoutBuffer, "SANDBOX_TIMEOUT_BUFFER"))
	errs = append(errs, setInt(&c.Worker.Count, "WORKER_COUNT"))
	errs = append(errs, setInt(&c.Worker.MaxAttempts, "WORKER_MAX_ATTEMPTS"))
	errs = append(errs, setDuration(&c.Webhook.Timeout, "WEBHOOK_TIMEOUT"))
	setString(&c.Languages.CatalogPath, "LANGUAGE_CATALOG")
	setString(&c.Log.Level, "LOG_LEVEL")
	setString(&c.Log.Format, "LOG_FORMAT")
	return errors.Join(errs...)
}

func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return errors.New("server port is required")
	}
	if c.Db.Host == "" || c.Db.Name == "" {
		return errors.New("database host and name are required")
	}
	if c.Worker.Count <= 0 {
		return fmt.Errorf("worker count must be positive, got %d", c.Worker.Count)
	}
	if c.Worker.MaxAttempts <= 0 {
		c.Worker.MaxAttempts = 1
	}
	if c.Worker.QueueCapacity <= 0 {
		c.Worker.QueueCapacity = 1
	}
	if c.Limits.WallTime <= 0 || c.Limits.MemoryKb <= 0 {
		return errors.New("default wall time and memory limits must be positive")
	}
	if c.Sandbox.WorkDir == "" || !strings.HasPrefix(c.Sandbox.WorkDir, "/") {
		return fmt.Errorf("sandbox work dir must be absolute, got %q", c.Sandbox.WorkDir)
	}
	return nil
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = n
	return nil
}

func setBool(dst *bool, key string) error {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = b
	return nil
}

func setDuration(dst *time.Duration, key string) error {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = d
	return nil
}
