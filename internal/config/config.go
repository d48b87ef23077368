package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// Config 描述经济体进程在启动阶段需要加载的核心配置。
type Config struct {
	Server   ServerConfig   `json:"server"`
	Ledger   LedgerConfig   `json:"ledger"`
	Queue    QueueConfig    `json:"queue"`
	Chain    ChainConfig    `json:"chain"`
	Executor ExecutorConfig `json:"executor"`
	Storage  StorageConfig  `json:"storage"`
	Broker   BrokerConfig   `json:"broker"`
	Registry RegistryConfig `json:"registry"`
	Alerting AlertingConfig `json:"alerting"`
	Runtime  RuntimeConfig  `json:"runtime"`
	Logging  LoggingConfig  `json:"logging"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address        string `json:"address"`
	MetricsAddress string `json:"metrics_address"`
}

// LedgerConfig 选择主题日志的后端。
type LedgerConfig struct {
	Driver    string `json:"driver"` // memory | redis
	Address   string `json:"address"`
	Password  string `json:"password"`
	DB        int    `json:"db"`
	KeyPrefix string `json:"key_prefix"`
}

// QueueConfig 选择异步任务入口的队列后端。
type QueueConfig struct {
	Driver    string `json:"driver"` // memory | redis | rabbitmq
	Address   string `json:"address"`
	Password  string `json:"password"`
	DB        int    `json:"db"`
	URL       string `json:"url"`
	Queue     string `json:"queue"`
	Consumers int    `json:"consumers"`
}

// ChainConfig 选择结算链路。
type ChainConfig struct {
	Mode       string `json:"mode"` // mock | ethereum
	RPCURL     string `json:"rpc_url"`
	PrivateKey string `json:"private_key"`
	Operator   string `json:"operator"`
	Treasury   string `json:"treasury"`
}

// ExecutorConfig 选择 worker 的执行后端。
type ExecutorConfig struct {
	Provider       string `json:"provider"` // canned | openai
	APIKey         string `json:"api_key"`
	BaseURL        string `json:"base_url"`
	Model          string `json:"model"`
	TimeoutSeconds int    `json:"timeout_seconds"`
	Profiles       string `json:"profiles"`
}

// Timeout 返回推理调用的超时时间。
func (c ExecutorConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// StorageConfig 描述结算归档的持久化后端。
type StorageConfig struct {
	SettlementArchive ArchiveConfig `json:"settlement_archive"`
}

// ArchiveConfig 目前提供文件实现，可以切换到真正的 MySQL。
type ArchiveConfig struct {
	Driver string `json:"driver"` // none | memory | mysql
	DSN    string `json:"dsn"`
}

// BrokerConfig 控制任务指派行为。
type BrokerConfig struct {
	AssignTimeoutSeconds int `json:"assign_timeout_seconds"`
}

// AssignTimeout 返回等待任务结果的超时时间。
func (c BrokerConfig) AssignTimeout() time.Duration {
	return time.Duration(c.AssignTimeoutSeconds) * time.Second
}

// RegistryConfig 控制心跳与目录过期窗口。
type RegistryConfig struct {
	HeartbeatIntervalSeconds int `json:"heartbeat_interval_seconds"`
	StalenessSeconds         int `json:"staleness_seconds"`
}

// HeartbeatInterval 返回心跳周期。
func (c RegistryConfig) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalSeconds) * time.Second
}

// Staleness 返回目录判定离线的窗口。
func (c RegistryConfig) Staleness() time.Duration {
	return time.Duration(c.StalenessSeconds) * time.Second
}

// AlertingConfig 控制结算失败等事件的告警出口。日志渠道始终开启，
// 配置了 webhook_url 后同时推送到外部系统。
type AlertingConfig struct {
	WebhookURL string `json:"webhook_url"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir"`
}

// LoggingConfig 控制日志输出。
type LoggingConfig struct {
	Level       string   `json:"level"`
	Format      string   `json:"format"`
	OutputPaths []string `json:"output_paths"`
}

// Load 负责解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))
	return &cfg, nil
}

// Default 返回不依赖配置文件的内置配置，全部后端使用单机实现。
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults(".")
	return cfg
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Ledger.Driver == "" {
		c.Ledger.Driver = "memory"
	}
	if c.Ledger.KeyPrefix == "" {
		c.Ledger.KeyPrefix = "economy"
	}

	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}
	if c.Queue.Consumers <= 0 {
		c.Queue.Consumers = 2
	}

	if c.Chain.Mode == "" {
		c.Chain.Mode = "mock"
	}

	if c.Executor.Provider == "" {
		c.Executor.Provider = "canned"
	}
	if c.Executor.Profiles != "" && !filepath.IsAbs(c.Executor.Profiles) {
		c.Executor.Profiles = filepath.Join(baseDir, c.Executor.Profiles)
	}

	if c.Storage.SettlementArchive.Driver == "" {
		c.Storage.SettlementArchive.Driver = "memory"
	}

	if c.Broker.AssignTimeoutSeconds <= 0 {
		c.Broker.AssignTimeoutSeconds = 30
	}

	if c.Registry.HeartbeatIntervalSeconds <= 0 {
		c.Registry.HeartbeatIntervalSeconds = 30
	}
	if c.Registry.StalenessSeconds <= 0 {
		c.Registry.StalenessSeconds = 3 * c.Registry.HeartbeatIntervalSeconds
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if len(c.Logging.OutputPaths) == 0 {
		c.Logging.OutputPaths = []string{"stdout"}
	}
}
