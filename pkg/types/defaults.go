package types

import "time"

// 默认值
const (
	DefaultConnectionTimeout = 10 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultMaxMessageSize    = 1 << 20
	DefaultQueueKey          = "ws-resilience:queue"
)

// DefaultClientConfig 返回默认客户端配置
func DefaultClientConfig(url string) ClientConfig {
	return ClientConfig{
		URL:               url,
		ConnectionTimeout: DefaultConnectionTimeout,
		WriteTimeout:      DefaultWriteTimeout,
		Reconnect: ReconnectConfig{
			Enabled:           true,
			Strategy:          ReconnectExponential,
			MaxAttempts:       10,
			InitialDelay:      time.Second,
			MaxDelay:          30 * time.Second,
			BackoffMultiplier: 1.5,
			Jitter:            time.Second,
		},
		Heartbeat: HeartbeatConfig{
			Enabled:     true,
			Interval:    30 * time.Second,
			Timeout:     10 * time.Second,
			MaxFailures: 3,
		},
		Auth: AuthConfig{
			Type:       AuthNone,
			HeaderName: "Authorization",
		},
		Queue: QueueConfig{
			Enabled:       true,
			MaxSize:       1000,
			MessageExpiry: 5 * time.Minute,
			Storage: StorageConfig{
				Backend: "memory",
				Key:     DefaultQueueKey,
			},
		},
		MaxMessageSize: DefaultMaxMessageSize,
		Compression:    "none",
		LogLevel:       "info",
	}
}

// DefaultPoolConfig 返回默认连接池配置
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxConnections:      10,
		IdleTimeout:         5 * time.Minute,
		HealthCheckInterval: 30 * time.Second,
		ValidationInterval:  time.Minute,
		ReuseStrategy:       ReuseSmart,
		LoadBalance:         BalanceRoundRobin,
		LogLevel:            "info",
	}
}
