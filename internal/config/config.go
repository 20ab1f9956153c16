package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Well-known agent names. The router and the sweeper are workers like any
// other, they only carry extra behavior.
const (
	RouterAgentName   = "meta_agent"
	RecoveryAgentName = "recovery_agent"
)

type Config struct {
	Store    StoreConfig       `yaml:"store"`
	NATS     NATSConfig        `yaml:"nats"`
	Log      LogConfig         `yaml:"log"`
	Telegram TelegramConfig    `yaml:"telegram"`
	Worker   WorkerConfig      `yaml:"worker"`
	Router   RouterConfig      `yaml:"router"`
	Recovery RecoveryConfig    `yaml:"recovery"`
	Backup   BackupConfig      `yaml:"backup"`
	Agents   []AgentDefinition `yaml:"agents"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

type NATSConfig struct {
	Embed bool   `yaml:"embed"`
	Host  string `yaml:"host"`
	Port  int    `yaml:"port"`
	URL   string `yaml:"url"`
}

type LogConfig struct {
	Dir   string `yaml:"dir"`
	Level string `yaml:"level"`
}

type TelegramConfig struct {
	Token       string `yaml:"token"`
	AdminChatID int64  `yaml:"admin_chat_id"`
}

type WorkerConfig struct {
	QueueWait         time.Duration `yaml:"queue_wait"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	ScheduleInterval  time.Duration `yaml:"schedule_interval"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	// ErrorThreshold is the number of consecutive handler failures that
	// put the agent in the error state. Zero disables the transition.
	ErrorThreshold    int           `yaml:"error_threshold"`
}

type RouterConfig struct {
	DiscoveryInterval time.Duration `yaml:"discovery_interval"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	MaxAttempts       int           `yaml:"max_attempts"`
	RetryBackoff      time.Duration `yaml:"retry_backoff"`
	BreakerFailures   int           `yaml:"breaker_failures"`
	BreakerCooldown   time.Duration `yaml:"breaker_cooldown"`
	DockerRestart     bool          `yaml:"docker_restart"`
	Events            bool          `yaml:"events"`
}

type RecoveryConfig struct {
	Interval        time.Duration `yaml:"interval"`
	ErrorBackoff    time.Duration `yaml:"error_backoff"`
	StaleAfter      time.Duration `yaml:"stale_after"`
	HeartbeatStale  time.Duration `yaml:"heartbeat_stale"`
	MaxErrorCount   int           `yaml:"max_error_count"`
	MaxTaskAttempts int           `yaml:"max_task_attempts"`
	RestartPriority int           `yaml:"restart_priority"`
	LogWindow       time.Duration `yaml:"log_window"`
	LogRetention    time.Duration `yaml:"log_retention"`
	TaskRetention   time.Duration `yaml:"task_retention"`
}

type BackupConfig struct {
	Dir        string `yaml:"dir"`
	Passphrase string `yaml:"passphrase"`
}

// AgentDefinition describes one worker identity: where it listens, which
// task types it advertises to the router and which handlers it hosts.
type AgentDefinition struct {
	Name      string                   `yaml:"name"`
	Host      string                   `yaml:"host"`
	Port      int                      `yaml:"port"`
	Keywords  []string                 `yaml:"keywords"`
	Handlers  map[string]HandlerConfig `yaml:"handlers"`
	Schedules []ScheduleConfig         `yaml:"schedules"`
	Container string                   `yaml:"container"`
}

type HandlerConfig struct {
	Command string            `yaml:"command"`
	Dir     string            `yaml:"dir"`
	Env     map[string]string `yaml:"env"`
}

type ScheduleConfig struct {
	Name     string         `yaml:"name"`
	Schedule string         `yaml:"schedule"`
	TaskType string         `yaml:"task_type"`
	Data     map[string]any `yaml:"data"`
}

func defaults() Config {
	return Config{
		Store: StoreConfig{
			Path: "data/agora.db",
		},
		NATS: NATSConfig{
			Host: "127.0.0.1",
			Port: 4222,
			URL:  "nats://127.0.0.1:4222",
		},
		Log: LogConfig{
			Dir:   "data/logs",
			Level: "info",
		},
		Worker: WorkerConfig{
			QueueWait:         1 * time.Second,
			HeartbeatInterval: 30 * time.Second,
			PollInterval:      10 * time.Second,
			ScheduleInterval:  30 * time.Second,
			ShutdownTimeout:   10 * time.Second,
			ErrorThreshold:    3,
		},
		Router: RouterConfig{
			DiscoveryInterval: 1 * time.Minute,
			RequestTimeout:    30 * time.Second,
			MaxAttempts:       3,
			RetryBackoff:      500 * time.Millisecond,
			BreakerFailures:   5,
			BreakerCooldown:   30 * time.Second,
			Events:            true,
		},
		Recovery: RecoveryConfig{
			Interval:        300 * time.Second,
			ErrorBackoff:    60 * time.Second,
			StaleAfter:      5 * time.Minute,
			HeartbeatStale:  5 * time.Minute,
			MaxErrorCount:   10,
			MaxTaskAttempts: 5,
			RestartPriority: 3,
			LogWindow:       1 * time.Hour,
			LogRetention:    7 * 24 * time.Hour,
			TaskRetention:   24 * time.Hour,
		},
		Backup: BackupConfig{
			Dir: "data/backups",
		},
	}
}

// Path returns the config file location.
func Path() string {
	if p := os.Getenv("AGORA_CONFIG"); p != "" {
		return p
	}
	return "config/agora.yaml"
}

func Load() (*Config, error) {
	return LoadFile(Path())
}

func LoadFile(path string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// Config file not found, use defaults + env
	} else {
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// envOverrides is filled from AGORA_* variables. Zero values mean "not set".
type envOverrides struct {
	StorePath         string        `envconfig:"STORE_PATH"`
	NATSURL           string        `envconfig:"NATS_URL"`
	NATSPort          int           `envconfig:"NATS_PORT"`
	LogDir            string        `envconfig:"LOG_DIR"`
	LogLevel          string        `envconfig:"LOG_LEVEL"`
	TelegramToken     string        `envconfig:"TELEGRAM_TOKEN"`
	TelegramAdminChat int64         `envconfig:"TELEGRAM_ADMIN_CHAT_ID"`
	QueueWait         time.Duration `envconfig:"QUEUE_WAIT"`
	HeartbeatInterval time.Duration `envconfig:"HEARTBEAT_INTERVAL"`
	PollInterval      time.Duration `envconfig:"POLL_INTERVAL"`
	ErrorThreshold    int           `envconfig:"ERROR_THRESHOLD"`
	SweepInterval     time.Duration `envconfig:"SWEEP_INTERVAL"`
	StaleAfter        time.Duration `envconfig:"STALE_AFTER"`
	LogRetention      time.Duration `envconfig:"LOG_RETENTION"`
	TaskRetention     time.Duration `envconfig:"TASK_RETENTION"`
	BackupDir         string        `envconfig:"BACKUP_DIR"`
	BackupPassphrase  string        `envconfig:"BACKUP_PASSPHRASE"`
}

func applyEnv(cfg *Config) error {
	var env envOverrides
	if err := envconfig.Process("AGORA", &env); err != nil {
		return fmt.Errorf("read env: %w", err)
	}

	if env.StorePath != "" {
		cfg.Store.Path = env.StorePath
	}
	if env.NATSURL != "" {
		cfg.NATS.URL = env.NATSURL
	}
	if env.NATSPort != 0 {
		cfg.NATS.Port = env.NATSPort
	}
	if env.LogDir != "" {
		cfg.Log.Dir = env.LogDir
	}
	if env.LogLevel != "" {
		cfg.Log.Level = env.LogLevel
	}
	if env.TelegramToken != "" {
		cfg.Telegram.Token = env.TelegramToken
	}
	if env.TelegramAdminChat != 0 {
		cfg.Telegram.AdminChatID = env.TelegramAdminChat
	}
	if env.QueueWait > 0 {
		cfg.Worker.QueueWait = env.QueueWait
	}
	if env.HeartbeatInterval > 0 {
		cfg.Worker.HeartbeatInterval = env.HeartbeatInterval
	}
	if env.PollInterval > 0 {
		cfg.Worker.PollInterval = env.PollInterval
	}
	if env.ErrorThreshold > 0 {
		cfg.Worker.ErrorThreshold = env.ErrorThreshold
	}
	if env.SweepInterval > 0 {
		cfg.Recovery.Interval = env.SweepInterval
	}
	if env.StaleAfter > 0 {
		cfg.Recovery.StaleAfter = env.StaleAfter
	}
	if env.LogRetention > 0 {
		cfg.Recovery.LogRetention = env.LogRetention
	}
	if env.TaskRetention > 0 {
		cfg.Recovery.TaskRetention = env.TaskRetention
	}
	if env.BackupDir != "" {
		cfg.Backup.Dir = env.BackupDir
	}
	if env.BackupPassphrase != "" {
		cfg.Backup.Passphrase = env.BackupPassphrase
	}
	return nil
}

// Validate checks the agent table: names must be unique and every agent
// needs a port so peers can address it.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Agents))
	for i, a := range c.Agents {
		if a.Name == "" {
			return fmt.Errorf("agents[%d]: name is required", i)
		}
		if seen[a.Name] {
			return fmt.Errorf("agents[%d]: duplicate agent %q", i, a.Name)
		}
		seen[a.Name] = true
		if a.Port <= 0 || a.Port > 65535 {
			return fmt.Errorf("agent %s: invalid port %d", a.Name, a.Port)
		}
	}
	return nil
}

// Agent returns the definition for the named agent.
func (c *Config) Agent(name string) (AgentDefinition, bool) {
	for _, a := range c.Agents {
		if a.Name == name {
			return a, true
		}
	}
	return AgentDefinition{}, false
}

// Ports returns the static agent name → TCP port table.
func (c *Config) Ports() map[string]int {
	ports := make(map[string]int, len(c.Agents))
	for _, a := range c.Agents {
		ports[a.Name] = a.Port
	}
	return ports
}

// Addr returns host:port for the agent's HTTP endpoint.
func (a AgentDefinition) Addr() string {
	host := a.Host
	if host == "" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, strconv.Itoa(a.Port))
}
