package types

import "time"

// 客户端事件
const (
	EventOpen              = "open"
	EventClose             = "close"
	EventError             = "error"
	EventMessage           = "message"
	EventStateChange       = "stateChange"
	EventReconnectStart    = "reconnectStart"
	EventReconnectSuccess  = "reconnectSuccess"
	EventReconnectFailed   = "reconnectFailed"
	EventHeartbeatSent     = "heartbeatSent"
	EventHeartbeatReceived = "heartbeatReceived"
	EventHeartbeatTimeout  = "heartbeatTimeout"
	EventMessageSent       = "messageSent"
	EventMessageReceived   = "messageReceived"
	EventMessageFailed     = "messageFailed"
)

// 连接池事件
const (
	EventConnectionCreated   = "connectionCreated"
	EventConnectionDestroyed = "connectionDestroyed"
	EventConnectionReused    = "connectionReused"
	EventPoolFull            = "poolFull"
	EventHealthCheck         = "healthCheck"
	EventConnectionTimeout   = "connectionTimeout"
)

// 认证事件
const (
	EventAuthStateChange    = "stateChange"
	EventAuthenticated      = "authenticated"
	EventAuthFailed         = "authFailed"
	EventTokenRefreshed     = "tokenRefreshed"
	EventTokenRefreshFailed = "tokenRefreshFailed"
	EventTokenExpiring      = "tokenExpiring"
)

// StateChangeEvent 状态变化事件
type StateChangeEvent struct {
	From ConnectionState
	To   ConnectionState
}

// CloseEvent 连接关闭事件
type CloseEvent struct {
	Code     int
	Reason   string
	WasClean bool
}

// ReconnectEvent 重连事件
type ReconnectEvent struct {
	Attempt     int
	MaxAttempts int
	Delay       time.Duration
	Err         error
}

// HeartbeatEvent 心跳事件
type HeartbeatEvent struct {
	ID       string
	Latency  time.Duration
	Failures int
}

// MessageEvent 消息发送/失败事件
type MessageEvent struct {
	Message Message
	Err     error
}

// PoolEvent 连接池连接事件
type PoolEvent struct {
	ConnectionID string
	URL          string
	Reason       string
}

// HealthCheckEvent 连接池巡检事件
type HealthCheckEvent struct {
	Checked int
	Removed int
	Kind    string // health | validation
}

// AuthStateEvent 认证状态变化事件
type AuthStateEvent struct {
	From AuthState
	To   AuthState
}

// AuthEvent 认证结果事件
type AuthEvent struct {
	ExpiresAt time.Time
	Err       error
}
