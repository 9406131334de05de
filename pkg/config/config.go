package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// 协调模式
const (
	ModeAuto       = "AUTO"
	ModeStandalone = "STANDALONE"
	ModeSlave      = "SLAVE"
)

// Config 全局配置
type Config struct {
	App         AppConfig         `mapstructure:"app"`
	MySQL       MySQLConfig       `mapstructure:"mysql"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Lmstfy      LmstfyConfig      `mapstructure:"lmstfy"`
	Server      ServerConfig      `mapstructure:"server"`
	Tracing     TracingConfig     `mapstructure:"tracing"`
	Scheduler   SchedulerConfig   `mapstructure:"scheduler"`
	Coordinator CoordinatorConfig `mapstructure:"coordinator"`
	Locks       LocksConfig       `mapstructure:"locks"`
	Allocation  AllocationConfig  `mapstructure:"allocation"`
}

// AppConfig 应用配置
type AppConfig struct {
	Name     string `mapstructure:"name"`
	Env      string `mapstructure:"env"`
	LogLevel string `mapstructure:"log_level"`
	Version  string `mapstructure:"version"`
}

// MySQLConfig MySQL 配置
type MySQLConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// RedisConfig Redis 配置（addr 为空则不发布事件）
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Channel  string `mapstructure:"channel"`
}

// LmstfyConfig Lmstfy 配置（host 为空则禁用）
type LmstfyConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Namespace       string        `mapstructure:"namespace"`
	Token           string        `mapstructure:"token"`
	TriggerQueue    string        `mapstructure:"trigger_queue"`     // 列表下发触发队列
	DeadLetterQueue string        `mapstructure:"dead_letter_queue"` // 最终失败的列表
	ConsumeTimeout  time.Duration `mapstructure:"consume_timeout"`
	TTR             time.Duration `mapstructure:"ttr"`
	Rate            time.Duration `mapstructure:"rate"`
	ErrorBackoff    time.Duration `mapstructure:"error_backoff"`
}

// ServerConfig 运维 HTTP 配置（port 为空则不启动）
type ServerConfig struct {
	Port string `mapstructure:"port"`
}

// TracingConfig 链路追踪配置
type TracingConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	OutputFile string `mapstructure:"output_file"`
}

// SchedulerConfig 调度器配置
type SchedulerConfig struct {
	InstanceID string           `mapstructure:"instance_id"`
	AutoStart  *bool            `mapstructure:"auto_start"`
	Fetcher    FetcherConfig    `mapstructure:"fetcher"`
	Processor  ProcessorConfig  `mapstructure:"processor"`
	Priorities PrioritiesConfig `mapstructure:"priorities"`
}

// FetcherConfig Fetcher 配置
type FetcherConfig struct {
	Interval  time.Duration `mapstructure:"interval"`
	BatchSize int           `mapstructure:"batch_size"`
}

// ProcessorConfig Processor 配置
type ProcessorConfig struct {
	Workers    int           `mapstructure:"workers"`
	IdleSleep  time.Duration `mapstructure:"idle_sleep"`
	MaxRetries int           `mapstructure:"max_retries"`
	RetryDelay time.Duration `mapstructure:"retry_delay"`
}

// PrioritiesConfig 列表类型优先级
type PrioritiesConfig struct {
	Picking   int `mapstructure:"picking"`
	Refilling int `mapstructure:"refilling"`
	Default   int `mapstructure:"default"`
}

// CoordinatorConfig 协调器配置
type CoordinatorConfig struct {
	Mode              string        `mapstructure:"mode"`
	InstanceType      string        `mapstructure:"instance_type"`
	PeerType          string        `mapstructure:"peer_type"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `mapstructure:"heartbeat_timeout"`
	CleanupAge        time.Duration `mapstructure:"cleanup_age"`
}

// LocksConfig 分布式锁配置
type LocksConfig struct {
	Prefix          string        `mapstructure:"prefix"`
	Timeout         time.Duration `mapstructure:"timeout"`
	StaleAfter      time.Duration `mapstructure:"stale_after"`
	JanitorInterval time.Duration `mapstructure:"janitor_interval"`
}

// AllocationConfig 预定策略配置
type AllocationConfig struct {
	Types []int `mapstructure:"types"`
}

// Load 加载配置文件
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("SCHEDULER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config failed: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config failed: %w", err)
	}

	cfg.ApplyDefaults()
	return &cfg, nil
}

// ApplyDefaults 填充默认值
func (c *Config) ApplyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "scheduler"
	}
	if c.App.LogLevel == "" {
		c.App.LogLevel = "info"
	}

	if c.MySQL.MaxOpenConns <= 0 {
		c.MySQL.MaxOpenConns = 20
	}
	if c.MySQL.MaxIdleConns <= 0 {
		c.MySQL.MaxIdleConns = 5
	}

	if c.Redis.Channel == "" {
		c.Redis.Channel = "scheduler_events"
	}

	if c.Lmstfy.ConsumeTimeout <= 0 {
		c.Lmstfy.ConsumeTimeout = 3 * time.Second
	}
	if c.Lmstfy.TTR <= 0 {
		c.Lmstfy.TTR = 30 * time.Second
	}
	if c.Lmstfy.Rate <= 0 {
		c.Lmstfy.Rate = 100 * time.Millisecond
	}
	if c.Lmstfy.ErrorBackoff <= 0 {
		c.Lmstfy.ErrorBackoff = time.Second
	}

	s := &c.Scheduler
	if s.AutoStart == nil {
		autoStart := true
		s.AutoStart = &autoStart
	}
	if s.Fetcher.Interval <= 0 {
		s.Fetcher.Interval = 5 * time.Second
	}
	if s.Fetcher.BatchSize <= 0 {
		s.Fetcher.BatchSize = 50
	}
	if s.Processor.Workers <= 0 {
		s.Processor.Workers = 3
	}
	if s.Processor.IdleSleep <= 0 {
		s.Processor.IdleSleep = time.Second
	}
	if s.Processor.MaxRetries < 0 {
		s.Processor.MaxRetries = 0
	}
	if s.Processor.RetryDelay <= 0 {
		s.Processor.RetryDelay = 2 * time.Second
	}
	if s.Priorities.Picking == 0 {
		s.Priorities.Picking = 100
	}
	if s.Priorities.Refilling == 0 {
		s.Priorities.Refilling = 50
	}
	if s.Priorities.Default == 0 {
		s.Priorities.Default = 10
	}

	co := &c.Coordinator
	co.Mode = strings.ToUpper(co.Mode)
	if co.Mode == "" {
		co.Mode = ModeAuto
	}
	if co.InstanceType == "" {
		co.InstanceType = "GO"
	}
	if co.PeerType == "" {
		co.PeerType = "JAVA"
	}
	if co.HeartbeatInterval <= 0 {
		co.HeartbeatInterval = 5 * time.Second
	}
	if co.HeartbeatTimeout <= 0 {
		co.HeartbeatTimeout = 3 * co.HeartbeatInterval
	}
	if co.CleanupAge <= 0 {
		co.CleanupAge = 24 * time.Hour
	}

	if c.Locks.Prefix == "" {
		c.Locks.Prefix = "Order_"
	}
	if c.Locks.Timeout <= 0 {
		c.Locks.Timeout = 5 * time.Second
	}
	if c.Locks.StaleAfter <= 0 {
		c.Locks.StaleAfter = 10 * time.Minute
	}
	if c.Locks.JanitorInterval <= 0 {
		c.Locks.JanitorInterval = time.Minute
	}

	if len(c.Allocation.Types) == 0 {
		c.Allocation.Types = []int{1, 2, 3}
	}
}

// Validate 验证配置
func (c *Config) Validate() error {
	if c.MySQL.DSN == "" {
		return fmt.Errorf("mysql.dsn is required")
	}
	switch c.Coordinator.Mode {
	case ModeAuto, ModeStandalone, ModeSlave:
	default:
		return fmt.Errorf("coordinator.mode must be one of AUTO, STANDALONE, SLAVE: got %q", c.Coordinator.Mode)
	}
	if c.Coordinator.HeartbeatTimeout <= c.Coordinator.HeartbeatInterval {
		return fmt.Errorf("coordinator.heartbeat_timeout must exceed heartbeat_interval")
	}
	if c.Coordinator.InstanceType == c.Coordinator.PeerType {
		return fmt.Errorf("coordinator.instance_type and peer_type must differ")
	}
	if c.Lmstfy.Host != "" && c.Lmstfy.Namespace == "" {
		return fmt.Errorf("lmstfy.namespace is required when lmstfy.host is set")
	}
	if c.Scheduler.Processor.Workers >= c.MySQL.MaxOpenConns {
		// 每个 worker 持锁期间独占一个连接，预定查询还需要空闲连接
		return fmt.Errorf("scheduler.processor.workers (%d) must be below mysql.max_open_conns (%d)",
			c.Scheduler.Processor.Workers, c.MySQL.MaxOpenConns)
	}
	return nil
}

// AutoStartEnabled 成为 leader 后是否自动启动 Fetcher/Processor
func (c *Config) AutoStartEnabled() bool {
	return c.Scheduler.AutoStart == nil || *c.Scheduler.AutoStart
}
