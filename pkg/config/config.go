// Package config 提供 TOML 配置加载、环境变量覆盖与 schema 校验
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config 执行服务配置结构
type Config struct {
	// 服务名称
	ServiceName string `mapstructure:"service_name"`
	// 服务版本
	Version string `mapstructure:"version"`
	// 环境：dev, staging, prod
	Environment string `mapstructure:"environment"`
	// 账户 ID（成交回报写入组合账本时使用）
	AccountID string `mapstructure:"account_id"`
	// HTTP 服务配置
	HTTP HTTPConfig `mapstructure:"http"`
	// gRPC 服务配置
	GRPC GRPCConfig `mapstructure:"grpc"`
	// 数据库配置
	Database DatabaseConfig `mapstructure:"database"`
	// Redis 配置
	Redis RedisConfig `mapstructure:"redis"`
	// Kafka 配置
	Kafka KafkaConfig `mapstructure:"kafka"`
	// 信号消费配置
	Signals SignalsConfig `mapstructure:"signals"`
	// 成交处理配置
	Fills FillsConfig `mapstructure:"fills"`
	// 券商配置
	Broker BrokerConfig `mapstructure:"broker"`
	// 组合服务配置
	Portfolio PortfolioConfig `mapstructure:"portfolio"`
	// 日志配置
	Logger LoggerConfig `mapstructure:"logger"`
	// 指标配置
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// HTTPConfig HTTP 服务配置
type HTTPConfig struct {
	// 监听地址
	Host string `mapstructure:"host" default:"0.0.0.0"`
	// 监听端口
	Port int `mapstructure:"port" default:"8080"`
	// 读超时（秒）
	ReadTimeout int `mapstructure:"read_timeout" default:"30"`
	// 写超时（秒）
	WriteTimeout int `mapstructure:"write_timeout" default:"30"`
}

// GRPCConfig gRPC 服务配置
type GRPCConfig struct {
	// 监听地址
	Host string `mapstructure:"host" default:"0.0.0.0"`
	// 监听端口
	Port int `mapstructure:"port" default:"50051"`
	// 最大并发流数
	MaxConcurrentStreams int `mapstructure:"max_concurrent_streams" default:"1000"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	// 驱动：mysql
	Driver string `mapstructure:"driver" default:"mysql"`
	// 数据源名称
	DSN string `mapstructure:"dsn"`
	// 最大连接数
	MaxOpenConns int `mapstructure:"max_open_conns" default:"25"`
	// 最大空闲连接数
	MaxIdleConns int `mapstructure:"max_idle_conns" default:"5"`
	// 连接最大生命周期（秒）
	ConnMaxLifetime int `mapstructure:"conn_max_lifetime" default:"300"`
	// 是否启用日志
	LogEnabled bool `mapstructure:"log_enabled" default:"false"`
	// 慢查询阈值（毫秒）
	SlowQueryThreshold int `mapstructure:"slow_query_threshold" default:"1000"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	// 是否启用（成交幂等窗口的二级存储）
	Enabled bool `mapstructure:"enabled" default:"false"`
	// 主机地址
	Host string `mapstructure:"host" default:"localhost"`
	// 端口
	Port int `mapstructure:"port" default:"6379"`
	// 密码
	Password string `mapstructure:"password"`
	// 数据库编号
	DB int `mapstructure:"db" default:"0"`
	// 最大连接数
	MaxPoolSize int `mapstructure:"max_pool_size" default:"10"`
	// 读超时（秒）
	ReadTimeout int `mapstructure:"read_timeout" default:"3"`
	// 写超时（秒）
	WriteTimeout int `mapstructure:"write_timeout" default:"3"`
}

// KafkaConfig Kafka 配置
type KafkaConfig struct {
	// Broker 地址列表
	Brokers []string `mapstructure:"brokers"`
	// Consumer Group ID
	GroupID string `mapstructure:"group_id"`
	// 消费者超时（秒）
	SessionTimeout int `mapstructure:"session_timeout" default:"10"`
	// 发送最大重试次数
	MaxRetries int `mapstructure:"max_retries" default:"3"`
	// 重试退避（毫秒）
	RetryBackoff int `mapstructure:"retry_backoff" default:"100"`
}

// SignalsConfig 信号消费配置
type SignalsConfig struct {
	// 信号 topic
	Topic string `mapstructure:"topic" default:"trading.signals"`
	// 单次阻塞读取超时（毫秒），保证 stop 请求能被及时观察到
	PollTimeout int `mapstructure:"poll_timeout" default:"1000"`
}

// FillsConfig 成交处理配置
type FillsConfig struct {
	// 成交事件发布 topic
	Topic string `mapstructure:"topic" default:"execution.fills"`
	// 成交回报入队缓冲大小
	QueueSize int `mapstructure:"queue_size" default:"1024"`
	// 内存幂等集合容量（按插入顺序淘汰）
	DedupCapacity int `mapstructure:"dedup_capacity" default:"65536"`
	// Redis 幂等窗口 TTL（秒）
	DedupTTL int `mapstructure:"dedup_ttl" default:"86400"`
}

// BrokerConfig 券商配置
type BrokerConfig struct {
	// 模式：paper 或 live
	Mode string `mapstructure:"mode" default:"paper"`
	// 模拟成交最小延迟（毫秒）
	PaperMinDelay int `mapstructure:"paper_min_delay" default:"50"`
	// 模拟成交最大延迟（毫秒）
	PaperMaxDelay int `mapstructure:"paper_max_delay" default:"500"`
	// 滑点比例（如 0.0005 表示 5bp）
	PaperSlippage float64 `mapstructure:"paper_slippage" default:"0.0005"`
	// 部分成交概率
	PaperPartialFillProb float64 `mapstructure:"paper_partial_fill_prob" default:"0.3"`
	// 拒单概率
	PaperRejectProb float64 `mapstructure:"paper_reject_prob" default:"0.0"`
	// live 模式 REST 地址
	LiveEndpoint string `mapstructure:"live_endpoint"`
	// live 模式成交推送 WebSocket 地址
	LiveStreamURL string `mapstructure:"live_stream_url"`
	// live 模式 API Key
	LiveAPIKey string `mapstructure:"live_api_key"`
	// live 模式请求超时（秒）
	LiveTimeout int `mapstructure:"live_timeout" default:"10"`
}

// PortfolioConfig 组合服务配置
type PortfolioConfig struct {
	// 组合服务 HTTP 地址
	Endpoint string `mapstructure:"endpoint" default:"http://localhost:8081"`
	// 请求超时（秒）
	Timeout int `mapstructure:"timeout" default:"5"`
}

// LoggerConfig 日志配置
type LoggerConfig struct {
	// 日志级别
	Level string `mapstructure:"level" default:"info"`
	// 输出格式
	Format string `mapstructure:"format" default:"json"`
	// 输出目标
	Output string `mapstructure:"output" default:"stdout"`
	// 文件路径
	FilePath string `mapstructure:"file_path" default:"logs/app.log"`
	// 最大文件大小（MB）
	MaxSize int `mapstructure:"max_size" default:"100"`
	// 最大备份文件数
	MaxBackups int `mapstructure:"max_backups" default:"10"`
	// 最大保留天数
	MaxAge int `mapstructure:"max_age" default:"30"`
	// 是否压缩
	Compress bool `mapstructure:"compress" default:"true"`
	// 是否输出调用者信息
	WithCaller bool `mapstructure:"with_caller" default:"true"`
}

// MetricsConfig 指标配置
type MetricsConfig struct {
	// 是否启用
	Enabled bool `mapstructure:"enabled" default:"true"`
	// Prometheus 监听端口
	Port int `mapstructure:"port" default:"9090"`
	// 指标路径
	Path string `mapstructure:"path" default:"/metrics"`
}

// Load 从 TOML 文件加载配置，支持环境变量覆盖
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// 设置默认值
	setDefaults(v)

	// 设置配置文件
	v.SetConfigFile(configPath)
	v.SetConfigType("toml")

	// 读取配置文件
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// 设置环境变量前缀
	v.SetEnvPrefix("APP")
	// 自动绑定环境变量（使用 _ 替代 .）
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// 解析配置
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// 验证配置
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate 验证配置的有效性
func (c *Config) Validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("service_name is required")
	}
	if c.Environment == "" {
		c.Environment = "dev"
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.HTTP.Port)
	}
	if c.GRPC.Port <= 0 || c.GRPC.Port > 65535 {
		return fmt.Errorf("invalid gRPC port: %d", c.GRPC.Port)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database DSN is required for %s driver", c.Database.Driver)
	}
	switch c.Broker.Mode {
	case "paper":
	case "live":
		if c.Broker.LiveEndpoint == "" || c.Broker.LiveStreamURL == "" {
			return fmt.Errorf("live broker requires live_endpoint and live_stream_url")
		}
	default:
		return fmt.Errorf("invalid broker mode: %s", c.Broker.Mode)
	}
	if c.Broker.PaperMinDelay > c.Broker.PaperMaxDelay {
		return fmt.Errorf("paper_min_delay must not exceed paper_max_delay")
	}
	return nil
}

// setDefaults 设置默认值
func setDefaults(v *viper.Viper) {
	v.SetDefault("http.host", "0.0.0.0")
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.read_timeout", 30)
	v.SetDefault("http.write_timeout", 30)

	v.SetDefault("grpc.host", "0.0.0.0")
	v.SetDefault("grpc.port", 50051)
	v.SetDefault("grpc.max_concurrent_streams", 1000)

	v.SetDefault("database.driver", "mysql")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 300)
	v.SetDefault("database.log_enabled", false)
	v.SetDefault("database.slow_query_threshold", 1000)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.max_pool_size", 10)
	v.SetDefault("redis.read_timeout", 3)
	v.SetDefault("redis.write_timeout", 3)

	v.SetDefault("kafka.session_timeout", 10)
	v.SetDefault("kafka.max_retries", 3)
	v.SetDefault("kafka.retry_backoff", 100)

	v.SetDefault("signals.topic", "trading.signals")
	v.SetDefault("signals.poll_timeout", 1000)

	v.SetDefault("fills.topic", "execution.fills")
	v.SetDefault("fills.queue_size", 1024)
	v.SetDefault("fills.dedup_capacity", 65536)
	v.SetDefault("fills.dedup_ttl", 86400)

	v.SetDefault("broker.mode", "paper")
	v.SetDefault("broker.paper_min_delay", 50)
	v.SetDefault("broker.paper_max_delay", 500)
	v.SetDefault("broker.paper_slippage", 0.0005)
	v.SetDefault("broker.paper_partial_fill_prob", 0.3)
	v.SetDefault("broker.paper_reject_prob", 0.0)
	v.SetDefault("broker.live_timeout", 10)

	v.SetDefault("portfolio.endpoint", "http://localhost:8081")
	v.SetDefault("portfolio.timeout", 5)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
	v.SetDefault("logger.output", "stdout")
	v.SetDefault("logger.file_path", "logs/app.log")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 10)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.with_caller", true)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9090)
	v.SetDefault("metrics.path", "/metrics")
}

// GetEnv 获取环境变量，支持默认值
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
