package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Bybit 私有 WebSocket v5 端点
// 优先级: Demo > Testnet > Mainnet
const (
	wsURLMainnet = "wss://stream.bybit.com/v5/private"
	wsURLTestnet = "wss://stream-testnet.bybit.com/v5/private"
	wsURLDemo    = "wss://stream-demo.bybit.com/v5/private"

	restURLMainnet = "https://api.bybit.com"
	restURLTestnet = "https://api-testnet.bybit.com"
	restURLDemo    = "https://api-demo.bybit.com"
)

// VenueConfig 交易所接入配置
type VenueConfig struct {
	APIKey    string `yaml:"apiKey"`
	APISecret string `yaml:"apiSecret"`
	Testnet   bool   `yaml:"testnet"`
	Demo      bool   `yaml:"demo"`
	ProxyURL  string `yaml:"proxyUrl"` // 可选 HTTP 代理
	WSURL     string `yaml:"wsUrl"`    // 显式覆盖（留空则按 Demo/Testnet 推导）
	RESTURL   string `yaml:"restUrl"`  // 显式覆盖
}

// StreamsConfig 订阅的私有频道开关
type StreamsConfig struct {
	Execution bool `yaml:"execution"` // 成交流（核心）
	Order     bool `yaml:"order"`     // 订单生命周期流
	Position  bool `yaml:"position"`  // 仓位快照流（对账触发）
}

// StoresConfig 存储路径配置
type StoresConfig struct {
	LedgerPath string `yaml:"ledgerPath"` // SQLite 账本文件
	CachePath  string `yaml:"cachePath"`  // Badger 仓位缓存目录
}

// PipelineConfig 流水线/背压配置
type PipelineConfig struct {
	QueueDepth          int `yaml:"queueDepth"`          // 每个 (agent,symbol) 键的缓冲深度，超出则该键致命失败
	ReorderWindowMs     int `yaml:"reorderWindowMs"`     // 乱序容忍窗口（毫秒）
	RetryBackoffMinMs   int `yaml:"retryBackoffMinMs"`   // 存储重试起始退避（毫秒）
	RetryBackoffMaxMs   int `yaml:"retryBackoffMaxMs"`   // 存储重试最大退避（毫秒）
	StoreAttemptTimeout int `yaml:"storeAttemptTimeout"` // 单次存储调用超时（秒），与整体重试预算分离
}

// ReconcileConfig 对账配置
type ReconcileConfig struct {
	IntervalSec    int      `yaml:"intervalSec"`    // 定时对账间隔（秒）
	Epsilon        string   `yaml:"epsilon"`        // 漂移容忍（decimal 字符串）
	AlertThreshold string   `yaml:"alertThreshold"` // 高严重度告警阈值（仓位差绝对值）
	Agents         []string `yaml:"agents"`         // 已知代理列表（缓存中出现过的键会自动并入）
	Category       string   `yaml:"category"`       // 交易所产品线（如 linear）
	SettleCoin     string   `yaml:"settleCoin"`     // 结算币种（如 USDT）
}

// LogConfig 日志配置
type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"maxSizeMb"`
	MaxBackups int    `yaml:"maxBackups"`
	MaxAgeDays int    `yaml:"maxAgeDays"`
	Compress   bool   `yaml:"compress"`
}

// Config 应用配置
type Config struct {
	Venue     VenueConfig     `yaml:"venue"`
	Streams   StreamsConfig   `yaml:"streams"`
	Stores    StoresConfig    `yaml:"stores"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
	Log       LogConfig       `yaml:"log"`

	MetricsListenAddr string `yaml:"metricsListenAddr"` // expvar/pprof 调试端口（建议仅内网）
	HeartbeatSec      int    `yaml:"heartbeatSec"`      // 无消息超过该秒数则强制重连
	PingIntervalSec   int    `yaml:"pingIntervalSec"`   // 心跳 ping 间隔（秒）
}

var globalConfig *Config
var configFilePath string

// SetConfigPath 设置配置文件路径
func SetConfigPath(path string) {
	configFilePath = path
}

// GetConfigPath 获取配置文件路径
func GetConfigPath() string {
	return configFilePath
}

// Get 获取全局配置（未加载时返回默认值）
func Get() *Config {
	if globalConfig == nil {
		cfg := defaultConfig()
		applyEnv(cfg)
		globalConfig = cfg
	}
	return globalConfig
}

// defaultConfig 返回带默认值的配置
func defaultConfig() *Config {
	return &Config{
		Venue: VenueConfig{
			Demo: true, // 默认 Demo 模式，避免误连主网
		},
		Streams: StreamsConfig{
			Execution: true,
			Order:     true,
			Position:  true,
		},
		Stores: StoresConfig{
			LedgerPath: "data/ledger.db",
			CachePath:  "data/poscache",
		},
		Pipeline: PipelineConfig{
			QueueDepth:          256,
			ReorderWindowMs:     5000,
			RetryBackoffMinMs:   200,
			RetryBackoffMaxMs:   5000,
			StoreAttemptTimeout: 5,
		},
		Reconcile: ReconcileConfig{
			IntervalSec:    60,
			Epsilon:        "0.00000001",
			AlertThreshold: "0.01",
			Category:       "linear",
			SettleCoin:     "USDT",
		},
		Log: LogConfig{
			Level:      "info",
			File:       "logs/fillsync.log",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 7,
			Compress:   true,
		},
		HeartbeatSec:    60,
		PingIntervalSec: 20,
	}
}

// LoadFromFile 从 YAML 文件加载配置，环境变量覆盖文件值
func LoadFromFile(path string) (*Config, error) {
	cfg := defaultConfig()

	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("解析配置文件失败: %w", err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	globalConfig = cfg
	return cfg, nil
}

// applyEnv 用环境变量覆盖配置（变量名沿用部署约定）
func applyEnv(cfg *Config) {
	if v := os.Getenv("BYBIT_API_KEY"); v != "" {
		cfg.Venue.APIKey = v
	}
	if v := os.Getenv("BYBIT_API_SECRET"); v != "" {
		cfg.Venue.APISecret = v
	}
	if v, ok := envBool("BYBIT_TESTNET"); ok {
		cfg.Venue.Testnet = v
	}
	if v, ok := envBool("BYBIT_DEMO"); ok {
		cfg.Venue.Demo = v
	}
	if v, ok := envBool("ENABLE_EXECUTION_STREAM"); ok {
		cfg.Streams.Execution = v
	}
	if v, ok := envBool("ENABLE_ORDER_STREAM"); ok {
		cfg.Streams.Order = v
	}
	if v, ok := envBool("ENABLE_POSITION_STREAM"); ok {
		cfg.Streams.Position = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = strings.ToLower(v)
	}
	if v := os.Getenv("LEDGER_PATH"); v != "" {
		cfg.Stores.LedgerPath = v
	}
	if v := os.Getenv("POSCACHE_PATH"); v != "" {
		cfg.Stores.CachePath = v
	}
}

func envBool(name string) (bool, bool) {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return false, false
	}
	b, err := strconv.ParseBool(strings.ToLower(v))
	if err != nil {
		return false, false
	}
	return b, true
}

// Validate 校验必填项
// 认证凭证缺失是致命错误：必须在连接之前失败，而不是连上之后
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Venue.APIKey) == "" || strings.TrimSpace(c.Venue.APISecret) == "" {
		return fmt.Errorf("BYBIT_API_KEY 和 BYBIT_API_SECRET 必须设置")
	}
	if c.Pipeline.QueueDepth <= 0 {
		return fmt.Errorf("pipeline.queueDepth 必须为正数")
	}
	if !c.Streams.Execution && !c.Streams.Order && !c.Streams.Position {
		return fmt.Errorf("至少需要启用一个私有频道")
	}
	return nil
}

// WSURL 返回 WebSocket 端点（显式配置优先）
func (c *Config) WSURL() string {
	if c.Venue.WSURL != "" {
		return c.Venue.WSURL
	}
	if c.Venue.Demo {
		return wsURLDemo
	}
	if c.Venue.Testnet {
		return wsURLTestnet
	}
	return wsURLMainnet
}

// RESTURL 返回 REST 端点（显式配置优先）
func (c *Config) RESTURL() string {
	if c.Venue.RESTURL != "" {
		return c.Venue.RESTURL
	}
	if c.Venue.Demo {
		return restURLDemo
	}
	if c.Venue.Testnet {
		return restURLTestnet
	}
	return restURLMainnet
}

// ReorderWindow 返回乱序容忍窗口
func (c *Config) ReorderWindow() time.Duration {
	return time.Duration(c.Pipeline.ReorderWindowMs) * time.Millisecond
}

// HeartbeatTimeout 返回心跳超时
func (c *Config) HeartbeatTimeout() time.Duration {
	return time.Duration(c.HeartbeatSec) * time.Second
}

// PingInterval 返回 ping 间隔
func (c *Config) PingInterval() time.Duration {
	return time.Duration(c.PingIntervalSec) * time.Second
}

// ReconcileInterval 返回定时对账间隔
func (c *Config) ReconcileInterval() time.Duration {
	return time.Duration(c.Reconcile.IntervalSec) * time.Second
}
