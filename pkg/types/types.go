package types

import (
	"context"
	"time"
)

// ConnectionState 连接状态
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateReconnecting ConnectionState = "reconnecting"
	StateClosed       ConnectionState = "closed"
	StateError        ConnectionState = "error"
)

func (s ConnectionState) String() string { return string(s) }

// MessageType 消息类型
type MessageType string

const (
	MessageText      MessageType = "text"
	MessageJSON      MessageType = "json"
	MessageBinary    MessageType = "binary"
	MessageHeartbeat MessageType = "heartbeat"
	MessageAuth      MessageType = "auth"
)

// Priority 消息优先级，数值越大越先发送
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityUrgent
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	default:
		return "unknown"
	}
}

// ParsePriority 解析优先级名称，未知名称返回 normal
func ParsePriority(s string) Priority {
	switch s {
	case "low":
		return PriorityLow
	case "high":
		return PriorityHigh
	case "urgent":
		return PriorityUrgent
	default:
		return PriorityNormal
	}
}

// Message 消息结构体
type Message struct {
	ID         string      `json:"id"`                 // 唯一ID，用于确认和去重
	Type       MessageType `json:"type"`               // 消息类型
	Payload    any         `json:"payload,omitempty"`  // 消息内容
	Timestamp  time.Time   `json:"timestamp"`          // 创建时间
	Priority   Priority    `json:"priority"`           // 优先级
	NeedsAck   bool        `json:"needsAck,omitempty"` // 是否需要确认
	RetryCount int         `json:"retryCount"`         // 已重试次数
	MaxRetries int         `json:"maxRetries"`         // 最大重试次数
}

// Age 返回消息存在的时长
func (m Message) Age(now time.Time) time.Duration {
	return now.Sub(m.Timestamp)
}

// ConnectionStats 连接统计信息
type ConnectionStats struct {
	ConnectedAt       time.Time     // 本次连接建立时间
	ConnectedDuration time.Duration // 累计连接时长
	ReconnectCount    int           // 重连次数
	MessagesSent      int64         // 发送成功数
	MessagesReceived  int64         // 接收数
	MessagesFailed    int64         // 发送失败数
	AverageLatency    time.Duration // 最近心跳往返平均延迟
	LastHeartbeat     time.Time     // 最近一次心跳响应时间
	HeartbeatFailures int           // 连续心跳失败次数
}

// PoolStats 连接池统计信息
type PoolStats struct {
	TotalConnections      int     // 连接总数
	ActiveConnections     int     // 使用中连接数
	IdleConnections       int     // 空闲连接数
	ConnectingConnections int     // 正在建立的连接数
	FailedConnections     int     // 处于错误或关闭状态的连接数
	HitRate               float64 // 成功获取数 / 请求总数
	TotalRequests         int64   // 请求总数
	SuccessfulRequests    int64   // 成功获取数
	ReusedRequests        int64   // 复用命中数
}

// AuthState 认证状态
type AuthState string

const (
	AuthUnauthenticated AuthState = "unauthenticated"
	AuthAuthenticating  AuthState = "authenticating"
	AuthAuthenticated   AuthState = "authenticated"
	AuthFailed          AuthState = "failed"
	AuthExpired         AuthState = "expired"
	AuthRefreshing      AuthState = "refreshing"
)

// TokenRefresh 刷新回调的返回值
type TokenRefresh struct {
	Token     string
	ExpiresAt time.Time // 零值表示不过期
}

// RefreshFunc 令牌刷新回调
type RefreshFunc func(ctx context.Context) (TokenRefresh, error)

// HeadersFunc 自定义认证回调，返回认证头
type HeadersFunc func(ctx context.Context) (map[string]string, error)
