package client

import wserrors "github.com/BetaCatPro/ws-resilience/internal/errors"

// 错误值，调用方使用 errors.Is 判断
var (
	ErrNotConnected    = wserrors.ErrNotConnected
	ErrConnectTimeout  = wserrors.ErrConnectTimeout
	ErrMaxReconnect    = wserrors.ErrMaxReconnect
	ErrDestroyed       = wserrors.ErrDestroyed
	ErrQueueDisabled   = wserrors.ErrQueueDisabled
	ErrQueueOverflow   = wserrors.ErrQueueOverflow
	ErrDuplicate       = wserrors.ErrDuplicate
	ErrDecompression   = wserrors.ErrDecompression
	ErrMessageExpired  = wserrors.ErrMessageExpired
	ErrMessageTooLarge = wserrors.ErrMessageTooLarge
	ErrSerialization   = wserrors.ErrSerialization
	ErrAckTimeout      = wserrors.ErrAckTimeout
	ErrAckRejected     = wserrors.ErrAckRejected
	ErrAuthFailed      = wserrors.ErrAuthFailed
)

// 错误类型
type (
	ConfigError = wserrors.ConfigError
	AckError    = wserrors.AckError
	CloseError  = wserrors.CloseError
)

// IsConfigError 判断是否为配置错误
func IsConfigError(err error) bool {
	return wserrors.IsConfigError(err)
}
