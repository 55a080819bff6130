package errors

import (
	"errors"
	"fmt"
)

// 连接错误
var (
	ErrNotConnected   = errors.New("not connected")
	ErrConnectTimeout = errors.New("connection timeout")
	ErrMaxReconnect   = errors.New("max reconnect attempts reached")
	ErrDestroyed      = errors.New("client destroyed")
)

// 发送错误
var (
	ErrQueueDisabled   = errors.New("not connected and message queue disabled")
	ErrMessageTooLarge = errors.New("message too large")
	ErrSerialization   = errors.New("message serialization failed")
	ErrAckTimeout      = errors.New("acknowledgement timeout")
	ErrAckRejected     = errors.New("acknowledgement rejected")
	ErrDuplicate       = errors.New("duplicate message id")
	ErrQueueOverflow   = errors.New("evicted from full message queue")
	ErrMessageExpired  = errors.New("queued message expired")
	ErrDecompression   = errors.New("frame decompression failed")
)

// 连接池错误
var (
	ErrPoolFull      = errors.New("connection pool is full")
	ErrPoolDestroyed = errors.New("connection pool destroyed")
	ErrNotPooled     = errors.New("connection not managed by pool")
)

// 认证错误
var (
	ErrAuthFailed         = errors.New("authentication failed")
	ErrMissingCredentials = errors.New("missing credentials")
	ErrNoRefresh          = errors.New("no refresh callback configured")
)

// 事件错误
var (
	ErrWaitTimeout = errors.New("wait for event timeout")
)

// ConfigError 配置校验错误
type ConfigError struct {
	Field  string // 字段路径，例如 reconnect.maxAttempts
	Reason string // 失败原因
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid config %s: %s", e.Field, e.Reason)
}

// NewConfigError 创建配置错误
func NewConfigError(field, reason string) *ConfigError {
	return &ConfigError{Field: field, Reason: reason}
}

// IsConfigError 判断是否为配置错误
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// AckError 带有对端拒绝原因的确认错误
type AckError struct {
	MessageID string
	Reason    string
}

func (e *AckError) Error() string {
	return fmt.Sprintf("message %s rejected: %s", e.MessageID, e.Reason)
}

func (e *AckError) Unwrap() error {
	return ErrAckRejected
}

// CloseError 连接被关闭的详细信息
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("connection closed: code=%d reason=%q", e.Code, e.Reason)
}
