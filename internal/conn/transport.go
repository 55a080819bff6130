// Package conn 提供底层消息传输：建立连接、发送帧、关闭连接，以及关闭/错误/消息回调
package conn

import (
	"context"
	"net/http"

	"github.com/BetaCatPro/ws-resilience/internal/protocol"
)

// 关闭码
const (
	CloseNormal           = 1000
	CloseGoingAway        = 1001
	CloseAbnormal         = 1006
	CloseHeartbeatTimeout = 4000
)

// Handler 传输层事件回调，由传输实现在自己的协程中调用
type Handler struct {
	OnMessage func(f protocol.Frame)
	OnClose   func(code int, reason string) // 对端关闭或连接异常断开，本端 Close 不会触发
	OnError   func(err error)
}

func (h Handler) message(f protocol.Frame) {
	if h.OnMessage != nil {
		h.OnMessage(f)
	}
}

func (h Handler) close(code int, reason string) {
	if h.OnClose != nil {
		h.OnClose(code, reason)
	}
}

func (h Handler) error(err error) {
	if h.OnError != nil {
		h.OnError(err)
	}
}

// Handle 一条已打开的连接
type Handle interface {
	Send(f protocol.Frame) error
	Close(code int, reason string) error
}

// Transport 打开连接，返回即表示连接已建立
type Transport interface {
	Open(ctx context.Context, url string, protocols []string, header http.Header, h Handler) (Handle, error)
}
