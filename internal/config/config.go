package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"provider/internal/workspace"
)

type Config struct {
	Agent     AgentConfig     `yaml:"agent"`
	Session   SessionConfig   `yaml:"session"`
	Sandbox   SandboxConfig   `yaml:"sandbox"`
	Workspace WorkspaceConfig `yaml:"workspace"`
	Reporter  ReporterConfig  `yaml:"reporter"`
	Queue     QueueConfig     `yaml:"queue"`
	Hardware  HardwareConfig  `yaml:"hardware"`
	Redis     RedisConfig     `yaml:"redis"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	API       APIConfig       `yaml:"api"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	GRPC      GRPCConfig      `yaml:"grpc"`
}

type AgentConfig struct {
	Token     string `yaml:"token"`
	APIURL    string `yaml:"api_url"`
	WSURL     string `yaml:"ws_url"`
	MachineID string `yaml:"machine_id"`
}

type SessionConfig struct {
	HeartbeatInterval    time.Duration `yaml:"heartbeat_interval"`
	HandshakeTimeout     time.Duration `yaml:"handshake_timeout"`
	WriteTimeout         time.Duration `yaml:"write_timeout"`
	ReconnectMode        string        `yaml:"reconnect_mode"` // fixed | linear
	ReconnectDelay       time.Duration `yaml:"reconnect_delay"`
	ReconnectMaxDelay    time.Duration `yaml:"reconnect_max_delay"`
	ReconnectMaxAttempts int           `yaml:"reconnect_max_attempts"` // 0 = 不限次数
}

type SandboxConfig struct {
	Image       string        `yaml:"image"`
	Command     string        `yaml:"command"`
	MountPath   string        `yaml:"mount_path"`
	User        string        `yaml:"user"`
	MemoryMB    int64         `yaml:"memory_mb"`
	CPU         float64       `yaml:"cpu"`
	PidsLimit   int64         `yaml:"pids_limit"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxLogBytes int           `yaml:"max_log_bytes"`
}

type WorkspaceConfig struct {
	Root            string        `yaml:"root"`
	Keep            bool          `yaml:"keep"`
	JanitorInterval time.Duration `yaml:"janitor_interval"`
	MaxAge          time.Duration `yaml:"max_age"`
}

type ReporterConfig struct {
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`
	RetryDelay time.Duration `yaml:"retry_delay"`
}

type QueueConfig struct {
	Backend string `yaml:"backend"` // memory | asynq
	Name    string `yaml:"name"`
}

type HardwareConfig struct {
	GPUName string  `yaml:"gpu_name"`
	VRAMGB  float64 `yaml:"vram_gb"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type PostgresConfig struct {
	Addr     string `yaml:"addr"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
}

type APIConfig struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	// AllowedOrigins 为空时不发送 CORS 头
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

type GRPCConfig struct {
	Addr string `yaml:"addr"`
}

const (
	QueueBackendMemory = "memory"
	QueueBackendAsynq  = "asynq"

	ReconnectFixed  = "fixed"
	ReconnectLinear = "linear"
)

// Default returns the built-in configuration, before any file or environment overrides.
func Default() *Config {
	return &Config{
		Agent: AgentConfig{
			APIURL: "http://localhost:8000/api/v1",
			WSURL:  "ws://localhost:8000/api/v1",
		},
		Session: SessionConfig{
			HeartbeatInterval:    30 * time.Second,
			HandshakeTimeout:     10 * time.Second,
			WriteTimeout:         10 * time.Second,
			ReconnectMode:        ReconnectFixed,
			ReconnectDelay:       5 * time.Second,
			ReconnectMaxDelay:    time.Minute,
			ReconnectMaxAttempts: 0,
		},
		Sandbox: SandboxConfig{
			Image:       "python:3.9-slim",
			Command:     "python -u main.py",
			MountPath:   "/app",
			User:        "65534:65534",
			MemoryMB:    512,
			CPU:         1,
			PidsLimit:   256,
			Timeout:     10 * time.Minute,
			MaxLogBytes: 1 << 20,
		},
		Workspace: WorkspaceConfig{
			Root:            workspace.DefaultRoot(),
			JanitorInterval: 10 * time.Minute,
			MaxAge:          24 * time.Hour,
		},
		Reporter: ReporterConfig{
			Timeout:    30 * time.Second,
			MaxRetries: 3,
			RetryDelay: time.Second,
		},
		Queue: QueueConfig{
			Backend: QueueBackendMemory,
			Name:    "provider-jobs",
		},
		Postgres: PostgresConfig{
			User:     "postgres",
			Password: "postgres",
			Database: "gpuflow_provider",
		},
		API: APIConfig{
			Addr:         "127.0.0.1:7070",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 120 * time.Second,
		},
		Metrics: MetricsConfig{
			Addr: "127.0.0.1:9090",
		},
		GRPC: GRPCConfig{
			Addr: "127.0.0.1:7071",
		},
	}
}

// LoadEnvFile loads PROVIDER_ENV_FILE (default .env) into the process
// environment without overriding variables that are already set.
func LoadEnvFile() error {
	envFile := getEnv("PROVIDER_ENV_FILE", ".env")
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load env file %s: %w", envFile, err)
	}
	return nil
}

// LoadFile applies the YAML file at path (if non-empty) and then environment overrides.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.Agent.Token = getEnv("PROVIDER_TOKEN", cfg.Agent.Token)
	cfg.Agent.APIURL = getEnv("API_URL", cfg.Agent.APIURL)
	cfg.Agent.WSURL = getEnv("WS_URL", cfg.Agent.WSURL)
	cfg.Agent.MachineID = getEnv("MACHINE_ID", cfg.Agent.MachineID)

	cfg.Session.HeartbeatInterval = getDurationEnv("SESSION_HEARTBEAT_INTERVAL", cfg.Session.HeartbeatInterval)
	cfg.Session.HandshakeTimeout = getDurationEnv("SESSION_HANDSHAKE_TIMEOUT", cfg.Session.HandshakeTimeout)
	cfg.Session.WriteTimeout = getDurationEnv("SESSION_WRITE_TIMEOUT", cfg.Session.WriteTimeout)
	cfg.Session.ReconnectMode = getEnv("SESSION_RECONNECT_MODE", cfg.Session.ReconnectMode)
	cfg.Session.ReconnectDelay = getDurationEnv("SESSION_RECONNECT_DELAY", cfg.Session.ReconnectDelay)
	cfg.Session.ReconnectMaxDelay = getDurationEnv("SESSION_RECONNECT_MAX_DELAY", cfg.Session.ReconnectMaxDelay)
	cfg.Session.ReconnectMaxAttempts = getIntEnv("SESSION_RECONNECT_MAX_ATTEMPTS", cfg.Session.ReconnectMaxAttempts)

	cfg.Sandbox.Image = getEnv("SANDBOX_IMAGE", cfg.Sandbox.Image)
	cfg.Sandbox.Command = getEnv("SANDBOX_COMMAND", cfg.Sandbox.Command)
	cfg.Sandbox.MountPath = getEnv("SANDBOX_MOUNT_PATH", cfg.Sandbox.MountPath)
	cfg.Sandbox.User = getEnv("SANDBOX_USER", cfg.Sandbox.User)
	cfg.Sandbox.MemoryMB = int64(getIntEnv("SANDBOX_MEMORY_MB", int(cfg.Sandbox.MemoryMB)))
	cfg.Sandbox.CPU = getFloatEnv("SANDBOX_CPU", cfg.Sandbox.CPU)
	cfg.Sandbox.PidsLimit = int64(getIntEnv("SANDBOX_PIDS_LIMIT", int(cfg.Sandbox.PidsLimit)))
	cfg.Sandbox.Timeout = getDurationEnv("SANDBOX_TIMEOUT", cfg.Sandbox.Timeout)
	cfg.Sandbox.MaxLogBytes = getIntEnv("SANDBOX_MAX_LOG_BYTES", cfg.Sandbox.MaxLogBytes)

	cfg.Workspace.Root = getEnv("WORKSPACE_ROOT", cfg.Workspace.Root)
	cfg.Workspace.Keep = getBoolEnv("WORKSPACE_KEEP", cfg.Workspace.Keep)
	cfg.Workspace.JanitorInterval = getDurationEnv("WORKSPACE_JANITOR_INTERVAL", cfg.Workspace.JanitorInterval)
	cfg.Workspace.MaxAge = getDurationEnv("WORKSPACE_MAX_AGE", cfg.Workspace.MaxAge)

	cfg.Reporter.Timeout = getDurationEnv("REPORTER_TIMEOUT", cfg.Reporter.Timeout)
	cfg.Reporter.MaxRetries = getIntEnv("REPORTER_MAX_RETRIES", cfg.Reporter.MaxRetries)
	cfg.Reporter.RetryDelay = getDurationEnv("REPORTER_RETRY_DELAY", cfg.Reporter.RetryDelay)

	cfg.Queue.Backend = getEnv("QUEUE_BACKEND", cfg.Queue.Backend)
	cfg.Queue.Name = getEnv("QUEUE_NAME", cfg.Queue.Name)

	cfg.Hardware.GPUName = getEnv("GPU_NAME", cfg.Hardware.GPUName)
	cfg.Hardware.VRAMGB = getFloatEnv("GPU_VRAM_GB", cfg.Hardware.VRAMGB)

	cfg.Redis.Addr = getEnv("REDIS_ADDR", cfg.Redis.Addr)
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Redis.DB = getIntEnv("REDIS_DB", cfg.Redis.DB)

	cfg.Postgres.Addr = getEnv("POSTGRES_ADDR", cfg.Postgres.Addr)
	cfg.Postgres.User = getEnv("POSTGRES_USER", cfg.Postgres.User)
	cfg.Postgres.Password = getEnv("POSTGRES_PASSWORD", cfg.Postgres.Password)
	cfg.Postgres.Database = getEnv("POSTGRES_DB", cfg.Postgres.Database)

	cfg.API.Addr = getEnv("API_ADDR", cfg.API.Addr)
	cfg.API.ReadTimeout = getDurationEnv("API_READ_TIMEOUT", cfg.API.ReadTimeout)
	cfg.API.WriteTimeout = getDurationEnv("API_WRITE_TIMEOUT", cfg.API.WriteTimeout)
	cfg.API.AllowedOrigins = getListEnv("API_ALLOWED_ORIGINS", cfg.API.AllowedOrigins)
	cfg.Metrics.Addr = getEnv("METRICS_ADDR", cfg.Metrics.Addr)
	cfg.GRPC.Addr = getEnv("GRPC_ADDR", cfg.GRPC.Addr)
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error

	if err := checkURL(c.Agent.APIURL, "http", "https"); err != nil {
		errs = append(errs, fmt.Errorf("api_url: %w", err))
	}
	if err := checkURL(c.Agent.WSURL, "ws", "wss"); err != nil {
		errs = append(errs, fmt.Errorf("ws_url: %w", err))
	}
	if c.Session.HeartbeatInterval <= 0 {
		errs = append(errs, errors.New("session heartbeat_interval must be positive"))
	}
	switch c.Session.ReconnectMode {
	case ReconnectFixed, ReconnectLinear:
	default:
		errs = append(errs, fmt.Errorf("session reconnect_mode %q must be %q or %q", c.Session.ReconnectMode, ReconnectFixed, ReconnectLinear))
	}
	if c.Session.ReconnectDelay <= 0 {
		errs = append(errs, errors.New("session reconnect_delay must be positive"))
	}
	if c.Session.ReconnectMaxAttempts < 0 {
		errs = append(errs, errors.New("session reconnect_max_attempts must not be negative"))
	}
	if c.Sandbox.Image == "" {
		errs = append(errs, errors.New("sandbox image is required"))
	}
	if len(strings.Fields(c.Sandbox.Command)) == 0 {
		errs = append(errs, errors.New("sandbox command is required"))
	}
	if c.Sandbox.Timeout <= 0 {
		errs = append(errs, errors.New("sandbox timeout must be positive"))
	}
	if c.Sandbox.MemoryMB <= 0 {
		errs = append(errs, errors.New("sandbox memory_mb must be positive"))
	}
	if c.Workspace.Root == "" {
		errs = append(errs, errors.New("workspace root is required"))
	}
	// 运行中的作业目录不能被 janitor 当成遗留目录清理掉
	if c.Workspace.JanitorInterval > 0 && c.Workspace.MaxAge <= c.Sandbox.Timeout {
		errs = append(errs, fmt.Errorf("workspace max_age (%s) must exceed sandbox timeout (%s)", c.Workspace.MaxAge, c.Sandbox.Timeout))
	}
	switch c.Queue.Backend {
	case QueueBackendMemory:
	case QueueBackendAsynq:
		if c.Redis.Addr == "" {
			errs = append(errs, errors.New("queue backend asynq requires redis addr"))
		}
	default:
		errs = append(errs, fmt.Errorf("queue backend %q must be %q or %q", c.Queue.Backend, QueueBackendMemory, QueueBackendAsynq))
	}

	return errors.Join(errs...)
}

func checkURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	for _, s := range schemes {
		if u.Scheme == s {
			if u.Host == "" {
				return fmt.Errorf("missing host in %q", raw)
			}
			return nil
		}
	}
	return fmt.Errorf("scheme of %q must be one of %v", raw, schemes)
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getListEnv(key string, defaultVal []string) []string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	var out []string
	for _, item := range strings.Split(val, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func getIntEnv(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getFloatEnv(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getBoolEnv(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getDurationEnv(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}
