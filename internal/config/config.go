package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"ChainAI-Agent/pkg/logger"
)

const (
	// EnvConfigPath 指定配置文件路径的环境变量。
	EnvConfigPath = "CHAINAI_CONFIG"
	// DefaultPath 是未设置环境变量时的配置文件路径。
	DefaultPath = "configs/chainai.json"
)

// Config 描述了 ChainAI 在启动阶段需要加载的核心配置。
type Config struct {
	Server        ServerConfig        `json:"server"`
	Logging       LoggingConfig       `json:"logging"`
	Storage       StorageConfig       `json:"storage"`
	TaskQueue     TaskQueueConfig     `json:"task_queue"`
	LLM           LLMConfig           `json:"llm"`
	Agent         AgentConfig         `json:"agent"`
	Web3          Web3Config          `json:"web3"`
	Observability ObservabilityConfig `json:"observability"`
	Runtime       RuntimeConfig       `json:"runtime"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address               string `json:"address"`
	RequestTimeoutSeconds int    `json:"request_timeout_seconds"`
}

// RequestTimeout 返回单个请求的处理时限。
func (s ServerConfig) RequestTimeout() time.Duration {
	return time.Duration(s.RequestTimeoutSeconds) * time.Second
}

// LoggingConfig 描述日志输出与审计日志。
type LoggingConfig struct {
	Level      string         `json:"level"`
	Format     string         `json:"format"`
	Outputs    []string       `json:"outputs"`
	MaxSizeMB  int            `json:"max_size_mb"`
	MaxBackups int            `json:"max_backups"`
	MaxAgeDays int            `json:"max_age_days"`
	Compress   bool           `json:"compress"`
	Audit      AuditLogConfig `json:"audit"`
}

// AuditLogConfig 控制查询审计日志。
type AuditLogConfig struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
}

// LoggerConfig 转换为 logger 包的配置。
func (l LoggingConfig) LoggerConfig() logger.Config {
	return logger.Config{
		Level:       l.Level,
		Format:      l.Format,
		OutputPaths: append([]string(nil), l.Outputs...),
		Rotation: logger.RotationConfig{
			MaxSizeMB:  l.MaxSizeMB,
			MaxBackups: l.MaxBackups,
			MaxAgeDays: l.MaxAgeDays,
			Compress:   l.Compress,
		},
		Audit: logger.AuditConfig{
			Enabled:    l.Audit.Enabled,
			Path:       l.Audit.Path,
			MaxSizeMB:  l.Audit.MaxSizeMB,
			MaxBackups: l.Audit.MaxBackups,
			MaxAgeDays: l.Audit.MaxAgeDays,
		},
	}
}

// StorageConfig 统一描述任务状态与查询历史的存储。
type StorageConfig struct {
	TaskStore DatabaseConfig `json:"task_store"`
	History   DatabaseConfig `json:"history"`
}

// DatabaseConfig 描述一个存储后端，Driver 为 memory 或 mysql。
type DatabaseConfig struct {
	Driver                 string `json:"driver"`
	DSN                    string `json:"dsn"`
	MaxOpenConns           int    `json:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds"`
	ConnMaxIdleTimeSeconds int    `json:"conn_max_idle_time_seconds"`
	Retries                int    `json:"retries"`
	PingAttempts           int    `json:"ping_attempts"`
}

// ConnMaxLifetime 返回连接最长存活时间。
func (d DatabaseConfig) ConnMaxLifetime() time.Duration {
	return time.Duration(d.ConnMaxLifetimeSeconds) * time.Second
}

// ConnMaxIdleTime 返回连接最长空闲时间。
func (d DatabaseConfig) ConnMaxIdleTime() time.Duration {
	return time.Duration(d.ConnMaxIdleTimeSeconds) * time.Second
}

// TaskQueueConfig 描述异步任务队列。
type TaskQueueConfig struct {
	Driver   string         `json:"driver"`
	Worker   int            `json:"worker"`
	Buffer   int            `json:"buffer"`
	Redis    RedisConfig    `json:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
}

// RedisConfig 描述 Redis 队列。
type RedisConfig struct {
	Address          string `json:"address"`
	Password         string `json:"password"`
	DB               int    `json:"db"`
	Queue            string `json:"queue"`
	BlockWaitSeconds int    `json:"block_wait_seconds"`
}

// RabbitMQConfig 描述 RabbitMQ 队列。
type RabbitMQConfig struct {
	URL        string `json:"url"`
	Queue      string `json:"queue"`
	Prefetch   int    `json:"prefetch"`
	Durable    bool   `json:"durable"`
	AutoDelete bool   `json:"auto_delete"`
}

// LLMConfig 描述各语言模型后端的服务端默认值。
type LLMConfig struct {
	DefaultProvider string             `json:"default_provider"`
	OpenAI          ProviderConfig     `json:"openai"`
	Gemini          ProviderConfig     `json:"gemini"`
	Anthropic       ProviderConfig     `json:"anthropic"`
	Python          PythonBridgeConfig `json:"python_bridge"`
}

// ProviderConfig 是单个后端的默认模型与凭据来源。
type ProviderConfig struct {
	APIKeyEnv string `json:"api_key_env"`
	Model     string `json:"model"`
	BaseURL   string `json:"base_url"`
}

// APIKey 从环境变量读取服务端默认凭据。
func (p ProviderConfig) APIKey() string {
	if strings.TrimSpace(p.APIKeyEnv) == "" {
		return ""
	}
	return strings.TrimSpace(os.Getenv(p.APIKeyEnv))
}

// Provider 根据名称返回后端配置。
func (l LLMConfig) Provider(name string) (ProviderConfig, bool) {
	switch name {
	case "openai":
		return l.OpenAI, true
	case "gemini":
		return l.Gemini, true
	case "anthropic":
		return l.Anthropic, true
	case "python_bridge":
		return ProviderConfig{APIKeyEnv: l.Python.APIKeyEnv, Model: l.Python.Model}, true
	default:
		return ProviderConfig{}, false
	}
}

// PythonBridgeConfig 描述通过 Python 脚本完成推理时所需的信息。
type PythonBridgeConfig struct {
	Enabled          bool   `json:"enabled"`
	PythonExecutable string `json:"python_executable"`
	ScriptPath       string `json:"script_path"`
	WorkingDir       string `json:"working_dir"`
	APIKeyEnv        string `json:"api_key_env"`
	Model            string `json:"model"`
}

// AgentConfig 控制单次编排的时限与并发。
type AgentConfig struct {
	LLMTimeoutSeconds      int `json:"llm_timeout_seconds"`
	FunctionTimeoutSeconds int `json:"function_timeout_seconds"`
	MaxParallelCalls       int `json:"max_parallel_calls"`
}

// LLMTimeout 返回单次模型调用的时限。
func (a AgentConfig) LLMTimeout() time.Duration {
	return time.Duration(a.LLMTimeoutSeconds) * time.Second
}

// FunctionTimeout 返回单次函数调用的时限。
func (a AgentConfig) FunctionTimeout() time.Duration {
	return time.Duration(a.FunctionTimeoutSeconds) * time.Second
}

// Web3Config 描述链定义与签名配置。
type Web3Config struct {
	ChainConfig       string        `json:"chain_config"`
	DefaultChainID    int64         `json:"default_chain_id"`
	SignerKeyEnv      string        `json:"signer_key_env"`
	ExplorerAPIKeyEnv string        `json:"explorer_api_key_env"`
	Confirm           ConfirmConfig `json:"confirm"`
}

// ExplorerAPIKey 从环境变量读取服务端默认的浏览器 API Key。
func (w Web3Config) ExplorerAPIKey() string {
	if strings.TrimSpace(w.ExplorerAPIKeyEnv) == "" {
		return ""
	}
	return strings.TrimSpace(os.Getenv(w.ExplorerAPIKeyEnv))
}

// ConfirmConfig 控制等待交易回执的轮询。
type ConfirmConfig struct {
	MaxAttempts       int `json:"max_attempts"`
	IntervalMillis    int `json:"interval_millis"`
	MaxIntervalMillis int `json:"max_interval_millis"`
}

// Interval 返回首次轮询间隔。
func (c ConfirmConfig) Interval() time.Duration {
	return time.Duration(c.IntervalMillis) * time.Millisecond
}

// MaxInterval 返回轮询间隔上限。
func (c ConfirmConfig) MaxInterval() time.Duration {
	return time.Duration(c.MaxIntervalMillis) * time.Millisecond
}

// ObservabilityConfig 描述指标与告警。
type ObservabilityConfig struct {
	MetricsAddress string         `json:"metrics_address"`
	Alerting       AlertingConfig `json:"alerting"`
}

// AlertingConfig 描述告警渠道。
type AlertingConfig struct {
	Log        bool   `json:"log"`
	WebhookURL string `json:"webhook_url"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir"`
}

// PathFromEnv 返回配置文件路径，优先使用环境变量。
func PathFromEnv() string {
	if path := strings.TrimSpace(os.Getenv(EnvConfigPath)); path != "" {
		return path
	}
	return DefaultPath
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

	return Parse(content, filepath.Dir(path))
}

// Parse 解析配置内容，相对路径基于 baseDir 展开。
func Parse(content []byte, baseDir string) (*Config, error) {
	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	cfg.applyDefaults(baseDir)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.RequestTimeoutSeconds <= 0 {
		c.Server.RequestTimeoutSeconds = 120
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.Storage.TaskStore.Driver == "" {
		c.Storage.TaskStore.Driver = "memory"
	}
	if c.Storage.TaskStore.Retries <= 0 {
		c.Storage.TaskStore.Retries = 3
	}
	if c.Storage.History.Driver == "" {
		c.Storage.History.Driver = "memory"
	}

	if c.TaskQueue.Driver == "" {
		c.TaskQueue.Driver = "memory"
	}
	if c.TaskQueue.Worker <= 0 {
		c.TaskQueue.Worker = 4
	}
	if c.TaskQueue.Buffer <= 0 {
		c.TaskQueue.Buffer = 1024
	}

	if c.LLM.DefaultProvider == "" {
		c.LLM.DefaultProvider = "openai"
	}
	if c.LLM.OpenAI.APIKeyEnv == "" {
		c.LLM.OpenAI.APIKeyEnv = "OPENAI_API_KEY"
	}
	if c.LLM.Gemini.APIKeyEnv == "" {
		c.LLM.Gemini.APIKeyEnv = "GEMINI_API_KEY"
	}
	if c.LLM.Anthropic.APIKeyEnv == "" {
		c.LLM.Anthropic.APIKeyEnv = "ANTHROPIC_API_KEY"
	}
	if c.LLM.Python.PythonExecutable == "" {
		c.LLM.Python.PythonExecutable = "python3"
	}
	if c.LLM.Python.WorkingDir == "" {
		c.LLM.Python.WorkingDir = baseDir
	} else if !filepath.IsAbs(c.LLM.Python.WorkingDir) {
		c.LLM.Python.WorkingDir = filepath.Join(baseDir, c.LLM.Python.WorkingDir)
	}
	if c.LLM.Python.ScriptPath != "" && !filepath.IsAbs(c.LLM.Python.ScriptPath) {
		c.LLM.Python.ScriptPath = filepath.Join(c.LLM.Python.WorkingDir, c.LLM.Python.ScriptPath)
	}

	if c.Agent.LLMTimeoutSeconds <= 0 {
		c.Agent.LLMTimeoutSeconds = 45
	}
	if c.Agent.FunctionTimeoutSeconds <= 0 {
		c.Agent.FunctionTimeoutSeconds = 30
	}
	if c.Agent.MaxParallelCalls <= 0 {
		c.Agent.MaxParallelCalls = 8
	}

	if c.Web3.ChainConfig == "" {
		c.Web3.ChainConfig = filepath.Join(baseDir, "chains.yaml")
	} else if !filepath.IsAbs(c.Web3.ChainConfig) {
		c.Web3.ChainConfig = filepath.Join(baseDir, c.Web3.ChainConfig)
	}
	if c.Web3.SignerKeyEnv == "" {
		c.Web3.SignerKeyEnv = "CHAINAI_SIGNER_KEY"
	}
	if c.Web3.ExplorerAPIKeyEnv == "" {
		c.Web3.ExplorerAPIKeyEnv = "CHAINAI_EXPLORER_API_KEY"
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}
	if c.Logging.Audit.Enabled && c.Logging.Audit.Path == "" {
		c.Logging.Audit.Path = filepath.Join(c.Runtime.DataDir, "audit.log")
	}
}

func (c *Config) validate() error {
	for name, driver := range map[string]string{
		"storage.task_store.driver": c.Storage.TaskStore.Driver,
		"storage.history.driver":    c.Storage.History.Driver,
	} {
		switch driver {
		case "memory", "mysql":
		default:
			return fmt.Errorf("%s 不支持 %q", name, driver)
		}
	}
	switch c.TaskQueue.Driver {
	case "memory", "redis", "rabbitmq":
	default:
		return fmt.Errorf("task_queue.driver 不支持 %q", c.TaskQueue.Driver)
	}
	if _, ok := c.LLM.Provider(c.LLM.DefaultProvider); !ok {
		return fmt.Errorf("llm.default_provider 不支持 %q", c.LLM.DefaultProvider)
	}
	return nil
}
