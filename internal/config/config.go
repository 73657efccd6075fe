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
)

// Config 描述了 BountyMesh 守护进程在启动阶段需要加载的核心配置。
type Config struct {
	Server     ServerConfig     `json:"server"`
	Logging    LoggingConfig    `json:"logging"`
	Storage    StorageConfig    `json:"storage"`
	Events     EventsConfig     `json:"events"`
	Web3       Web3Config       `json:"web3"`
	LLM        LLMConfig        `json:"llm"`
	Oracle     OracleConfig     `json:"oracle"`
	Reconciler ReconcilerConfig `json:"reconciler"`
	Market     MarketConfig     `json:"market"`
	Alerting   AlertingConfig   `json:"alerting"`
	Runtime    RuntimeConfig    `json:"runtime"`
}

// ServerConfig 控制指标与健康检查监听地址。
type ServerConfig struct {
	MetricsAddress string `json:"metrics_address"`
}

// LoggingConfig 对应 pkg/logger 的初始化参数。
type LoggingConfig struct {
	Level       string      `json:"level"`
	Format      string      `json:"format"`
	OutputPaths []string    `json:"output_paths"`
	Audit       AuditConfig `json:"audit"`
}

// AuditConfig 控制资金审计日志的落盘与轮转。
type AuditConfig struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
	Compress   bool   `json:"compress"`
}

// StorageConfig 描述记录存储与 Redis 的连接信息。
type StorageConfig struct {
	Driver                 string      `json:"driver"`
	DSN                    string      `json:"dsn"`
	MaxOpenConns           int         `json:"max_open_conns"`
	MaxIdleConns           int         `json:"max_idle_conns"`
	ConnMaxLifetimeSeconds int         `json:"conn_max_lifetime_seconds"`
	ConnMaxIdleTimeSeconds int         `json:"conn_max_idle_time_seconds"`
	Redis                  RedisConfig `json:"redis"`
}

// RedisConfig 用于分布式周期锁与解锁信号。Address 为空表示不启用。
type RedisConfig struct {
	Address   string `json:"address"`
	Password  string `json:"password"`
	DB        int    `json:"db"`
	KeyPrefix string `json:"key_prefix"`
}

// EventsConfig 描述领域事件的投递方式。
type EventsConfig struct {
	Driver   string         `json:"driver"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
}

// RabbitMQConfig 描述 RabbitMQ 交换机参数。
type RabbitMQConfig struct {
	URL      string `json:"url"`
	Exchange string `json:"exchange"`
	Durable  bool   `json:"durable"`
}

// Web3Config 包含访问外部账本所需的信息。
type Web3Config struct {
	ChainConfig      string `json:"chain_config"`
	DefaultChain     string `json:"default_chain"`
	RegistryContract string `json:"registry_contract"`
	AdminKeyEnv      string `json:"admin_key_env"`
	TxScanDepth      int    `json:"tx_scan_depth"`
}

// LLMConfig 用于配置内容分析器。
type LLMConfig struct {
	Provider     string             `json:"provider"`
	OpenAI       OpenAIConfig       `json:"openai"`
	ScriptBridge ScriptBridgeConfig `json:"script_bridge"`
}

// OpenAIConfig 描述 OpenAI 兼容接口的访问参数。
type OpenAIConfig struct {
	APIKeyEnv      string  `json:"api_key_env"`
	BaseURL        string  `json:"base_url"`
	Model          string  `json:"model"`
	Temperature    float64 `json:"temperature"`
	TimeoutSeconds int     `json:"timeout_seconds"`
}

// ScriptBridgeConfig 描述通过外部脚本完成分析时所需的信息。
type ScriptBridgeConfig struct {
	Executable string   `json:"executable"`
	Args       []string `json:"args"`
	ScriptPath string   `json:"script_path"`
	WorkingDir string   `json:"working_dir"`
}

// OracleConfig 控制信誉预言机的周期与资源上限。
type OracleConfig struct {
	Enabled             bool            `json:"enabled"`
	IntervalSeconds     int             `json:"interval_seconds"`
	Concurrency         int             `json:"concurrency"`
	AgentTimeoutSeconds int             `json:"agent_timeout_seconds"`
	MaxItems            int             `json:"max_items"`
	MaxItemBytes        int             `json:"max_item_bytes"`
	MaxTotalBytes       int             `json:"max_total_bytes"`
	Threshold           int             `json:"threshold"`
	SelfCheck           SelfCheckConfig `json:"self_check"`
	GitHub              GitHubConfig    `json:"github"`
}

// SelfCheckConfig 描述每轮优先执行的自检目标。
type SelfCheckConfig struct {
	ContentRef string `json:"content_ref"`
	Threshold  int    `json:"threshold"`
	Identity   string `json:"identity"`
}

// GitHubConfig 描述外部内容抓取器。
type GitHubConfig struct {
	BaseURL           string  `json:"base_url"`
	TokenEnv          string  `json:"token_env"`
	RequestsPerSecond float64 `json:"requests_per_second"`
	Burst             int     `json:"burst"`
}

// ReconcilerConfig 控制资金对账循环。
type ReconcilerConfig struct {
	Enabled         bool              `json:"enabled"`
	IntervalSeconds int               `json:"interval_seconds"`
	TreasuryAddress string            `json:"treasury_address"`
	Agents          map[string]string `json:"agents"`
	LedgerPath      string            `json:"ledger_path"`
	UnlockIdentity  string            `json:"unlock_identity"`
	// CallTimeoutSeconds 限制单次链上读取，超时的账户本轮跳过。
	CallTimeoutSeconds int `json:"call_timeout_seconds"`
}

// MarketConfig 描述托管账本的业务参数。
type MarketConfig struct {
	MaxBounty       int64 `json:"max_bounty"`
	ReputationDelta int   `json:"reputation_delta"`
	// RevenueShare 开启后，社区成员领取的赏金按其信誉分成，其余归金库。默认关闭，受托人获得全额赏金。
	RevenueShare bool `json:"revenue_share"`
}

// AlertingConfig 描述告警渠道。日志渠道始终启用。
type AlertingConfig struct {
	WebhookURL            string `json:"webhook_url"`
	WebhookTimeoutSeconds int    `json:"webhook_timeout_seconds"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir              string `json:"data_dir"`
	CycleTimeoutSeconds  int    `json:"cycle_timeout_seconds"`
	LockTTLSeconds       int    `json:"lock_ttl_seconds"`
	ShutdownGraceSeconds int    `json:"shutdown_grace_seconds"`
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
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.MetricsAddress == "" {
		c.Server.MetricsAddress = ":9090"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else {
		c.Runtime.DataDir = resolve(baseDir, c.Runtime.DataDir)
	}
	if c.Runtime.CycleTimeoutSeconds <= 0 {
		c.Runtime.CycleTimeoutSeconds = 300
	}
	if c.Runtime.LockTTLSeconds <= 0 {
		c.Runtime.LockTTLSeconds = c.Runtime.CycleTimeoutSeconds + 30
	}
	if c.Runtime.ShutdownGraceSeconds <= 0 {
		c.Runtime.ShutdownGraceSeconds = 30
	}

	if c.Logging.Audit.Enabled {
		if c.Logging.Audit.Path == "" {
			c.Logging.Audit.Path = filepath.Join(c.Runtime.DataDir, "audit.log")
		} else {
			c.Logging.Audit.Path = resolve(baseDir, c.Logging.Audit.Path)
		}
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	if c.Storage.Redis.KeyPrefix == "" {
		c.Storage.Redis.KeyPrefix = "bountymesh"
	}

	if c.Events.Driver == "" {
		c.Events.Driver = "none"
	}

	if c.Web3.ChainConfig != "" {
		c.Web3.ChainConfig = resolve(baseDir, c.Web3.ChainConfig)
	}
	if c.Web3.AdminKeyEnv == "" {
		c.Web3.AdminKeyEnv = "BOUNTYMESH_ADMIN_KEY"
	}
	if c.Web3.TxScanDepth <= 0 {
		c.Web3.TxScanDepth = 64
	}

	if c.LLM.Provider == "" {
		c.LLM.Provider = "openai"
	}
	if c.LLM.OpenAI.APIKeyEnv == "" {
		c.LLM.OpenAI.APIKeyEnv = "OPENAI_API_KEY"
	}
	if c.LLM.OpenAI.TimeoutSeconds <= 0 {
		c.LLM.OpenAI.TimeoutSeconds = 30
	}
	if c.LLM.ScriptBridge.Executable == "" {
		c.LLM.ScriptBridge.Executable = "python3"
	}
	if c.LLM.ScriptBridge.ScriptPath != "" {
		c.LLM.ScriptBridge.ScriptPath = resolve(baseDir, c.LLM.ScriptBridge.ScriptPath)
	}
	if c.LLM.ScriptBridge.WorkingDir == "" {
		c.LLM.ScriptBridge.WorkingDir = baseDir
	} else {
		c.LLM.ScriptBridge.WorkingDir = resolve(baseDir, c.LLM.ScriptBridge.WorkingDir)
	}

	o := &c.Oracle
	if o.IntervalSeconds <= 0 {
		o.IntervalSeconds = 3600
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 4
	}
	if o.AgentTimeoutSeconds <= 0 {
		o.AgentTimeoutSeconds = 60
	}
	if o.MaxItems <= 0 {
		o.MaxItems = 12
	}
	if o.MaxItemBytes <= 0 {
		o.MaxItemBytes = 8 << 10
	}
	if o.MaxTotalBytes <= 0 {
		o.MaxTotalBytes = 48 << 10
	}
	if o.SelfCheck.Identity == "" {
		o.SelfCheck.Identity = "oracle-self-check"
	}
	if o.GitHub.BaseURL == "" {
		o.GitHub.BaseURL = "https://api.github.com"
	}
	if o.GitHub.TokenEnv == "" {
		o.GitHub.TokenEnv = "GITHUB_TOKEN"
	}
	if o.GitHub.RequestsPerSecond <= 0 {
		o.GitHub.RequestsPerSecond = 1
	}
	if o.GitHub.Burst <= 0 {
		o.GitHub.Burst = 5
	}

	r := &c.Reconciler
	if r.IntervalSeconds <= 0 {
		r.IntervalSeconds = 300
	}
	if r.LedgerPath == "" {
		r.LedgerPath = filepath.Join(c.Runtime.DataDir, "fund-ledger.json")
	} else {
		r.LedgerPath = resolve(baseDir, r.LedgerPath)
	}
	if r.UnlockIdentity == "" {
		r.UnlockIdentity = "fund-reconciler"
	}
	if r.CallTimeoutSeconds <= 0 {
		r.CallTimeoutSeconds = 30
	}

	if c.Market.MaxBounty <= 0 {
		c.Market.MaxBounty = 1_000_000_000_000
	}
	if c.Market.ReputationDelta <= 0 {
		c.Market.ReputationDelta = 5
	}

	if c.Alerting.WebhookTimeoutSeconds <= 0 {
		c.Alerting.WebhookTimeoutSeconds = 10
	}
}

// Validate 检查相互依赖的配置项。
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "memory":
	case "mysql":
		if strings.TrimSpace(c.Storage.DSN) == "" {
			return errors.New("storage.driver 为 mysql 时必须配置 dsn")
		}
	default:
		return fmt.Errorf("未知的存储驱动: %s", c.Storage.Driver)
	}

	switch c.Events.Driver {
	case "none", "memory":
	case "rabbitmq":
		if c.Events.RabbitMQ.URL == "" {
			return errors.New("events.driver 为 rabbitmq 时必须配置 url")
		}
	default:
		return fmt.Errorf("未知的事件驱动: %s", c.Events.Driver)
	}

	switch c.LLM.Provider {
	case "openai":
	case "script_bridge":
		if c.LLM.ScriptBridge.ScriptPath == "" {
			return errors.New("llm.script_bridge.script_path 不能为空")
		}
	default:
		return fmt.Errorf("未知的分析器: %s", c.LLM.Provider)
	}

	if c.Oracle.Threshold < 0 || c.Oracle.Threshold > 100 {
		return fmt.Errorf("oracle.threshold 超出范围: %d", c.Oracle.Threshold)
	}
	if c.Oracle.MaxItemBytes > c.Oracle.MaxTotalBytes {
		return errors.New("oracle.max_item_bytes 不能大于 max_total_bytes")
	}
	if c.Reconciler.Enabled && c.Reconciler.TreasuryAddress == "" {
		return errors.New("启用对账时必须配置 treasury_address")
	}
	if (c.Oracle.Enabled || c.Reconciler.Enabled) && c.Web3.ChainConfig == "" {
		return errors.New("启用预言机或对账时必须配置 web3.chain_config")
	}
	return nil
}

// Seconds 将整数秒转换为 time.Duration。
func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

func resolve(baseDir, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(baseDir, path)
}
