package types

import "time"

// ReconnectStrategy 重连延迟策略
type ReconnectStrategy string

const (
	ReconnectFixed       ReconnectStrategy = "fixed"
	ReconnectLinear      ReconnectStrategy = "linear"
	ReconnectExponential ReconnectStrategy = "exponential"
)

// AuthType 认证方式
type AuthType string

const (
	AuthNone   AuthType = "none"
	AuthToken  AuthType = "token"
	AuthBasic  AuthType = "basic"
	AuthCustom AuthType = "custom"
)

// ReuseStrategy 连接池复用策略
type ReuseStrategy string

const (
	ReuseNone     ReuseStrategy = "none"
	ReuseByURL    ReuseStrategy = "by-url"
	ReuseByConfig ReuseStrategy = "by-config"
	ReuseSmart    ReuseStrategy = "smart"
)

// LoadBalanceStrategy 连接池负载均衡策略
type LoadBalanceStrategy string

const (
	BalanceRoundRobin         LoadBalanceStrategy = "round-robin"
	BalanceLeastConnections   LoadBalanceStrategy = "least-connections"
	BalanceRandom             LoadBalanceStrategy = "random"
	BalanceWeightedRoundRobin LoadBalanceStrategy = "weighted-round-robin"
)

// ReconnectConfig 重连配置
type ReconnectConfig struct {
	Enabled           bool              `yaml:"enabled"`
	Strategy          ReconnectStrategy `yaml:"strategy"`
	MaxAttempts       int               `yaml:"max_attempts"`
	InitialDelay      time.Duration     `yaml:"initial_delay"`
	MaxDelay          time.Duration     `yaml:"max_delay"`
	BackoffMultiplier float64           `yaml:"backoff_multiplier"`
	Jitter            time.Duration     `yaml:"jitter"` // 在 [0, Jitter) 内随机追加
}

// HeartbeatConfig 心跳配置
type HeartbeatConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Interval    time.Duration `yaml:"interval"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxFailures int           `yaml:"max_failures"`
}

// AuthConfig 认证配置
type AuthConfig struct {
	Type        AuthType    `yaml:"type"`
	Token       string      `yaml:"token"`
	TokenExpiry time.Time   `yaml:"token_expiry"` // 令牌绝对过期时间，零值表示不过期
	Username    string      `yaml:"username"`
	Password    string      `yaml:"password"`
	HeaderName  string      `yaml:"header_name"`
	AutoRefresh bool        `yaml:"auto_refresh"`
	Refresh     RefreshFunc `yaml:"-"`
	Custom      HeadersFunc `yaml:"-"`
}

// StorageConfig 队列持久化配置
type StorageConfig struct {
	Backend       string `yaml:"backend"` // memory | file | redis
	Key           string `yaml:"key"`
	Dir           string `yaml:"dir"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
}

// QueueConfig 离线消息队列配置
type QueueConfig struct {
	Enabled       bool          `yaml:"enabled"`
	MaxSize       int           `yaml:"max_size"`
	MessageExpiry time.Duration `yaml:"message_expiry"`
	Deduplicate   bool          `yaml:"deduplicate"`
	Persist       bool          `yaml:"persist"`
	Storage       StorageConfig `yaml:"storage"`
}

// ClientConfig 客户端配置
type ClientConfig struct {
	URL               string          `yaml:"url"`
	Protocols         []string        `yaml:"protocols"`
	ConnectionTimeout time.Duration   `yaml:"connection_timeout"`
	WriteTimeout      time.Duration   `yaml:"write_timeout"`
	Reconnect         ReconnectConfig `yaml:"reconnect"`
	Heartbeat         HeartbeatConfig `yaml:"heartbeat"`
	Auth              AuthConfig      `yaml:"auth"`
	Queue             QueueConfig     `yaml:"queue"`
	MaxMessageSize    int64           `yaml:"max_message_size"`
	Compression       string          `yaml:"compression"` // none | gzip | snappy
	LogLevel          string          `yaml:"log_level"`
}

// WarmupConfig 连接池预热配置
type WarmupConfig struct {
	Enabled bool         `yaml:"enabled"`
	Count   int          `yaml:"count"`
	Weight  int          `yaml:"weight"` // 预热连接的负载均衡权重，0 表示使用 Weights
	Client  ClientConfig `yaml:"client"`
}

// PoolConfig 连接池配置
type PoolConfig struct {
	MaxConnections      int                 `yaml:"max_connections"`
	IdleTimeout         time.Duration       `yaml:"idle_timeout"`
	HealthCheckInterval time.Duration       `yaml:"health_check_interval"`
	ValidationInterval  time.Duration       `yaml:"validation_interval"`
	ReuseStrategy       ReuseStrategy       `yaml:"reuse_strategy"`
	LoadBalance         LoadBalanceStrategy `yaml:"load_balance"`
	Weights             map[string]int      `yaml:"weights"` // URL -> 权重，缺省为 1
	Warmup              WarmupConfig        `yaml:"warmup"`
	LogLevel            string              `yaml:"log_level"`
}
