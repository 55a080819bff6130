package conn

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"go.uber.org/atomic"

	wserrors "github.com/BetaCatPro/ws-resilience/internal/errors"
	"github.com/BetaCatPro/ws-resilience/internal/protocol"
	"github.com/BetaCatPro/ws-resilience/internal/utils"
)

const (
	controlWriteTimeout = 5 * time.Second
	closeGracePeriod    = time.Second
)

// WebSocketTransport 基于 gorilla/websocket 的传输实现
type WebSocketTransport struct {
	dialer         websocket.Dialer
	writeTimeout   time.Duration
	maxMessageSize int64
	logger         zerolog.Logger
}

// NewWebSocketTransport 创建 WebSocket 传输
func NewWebSocketTransport(writeTimeout time.Duration, maxMessageSize int64, logger zerolog.Logger) *WebSocketTransport {
	return &WebSocketTransport{
		dialer:         *websocket.DefaultDialer,
		writeTimeout:   writeTimeout,
		maxMessageSize: maxMessageSize,
		logger:         logger,
	}
}

// Open 拨号并启动读协程，握手超时由 ctx 控制
func (t *WebSocketTransport) Open(ctx context.Context, url string, protocols []string, header http.Header, h Handler) (Handle, error) {
	dialer := t.dialer
	dialer.Subprotocols = protocols

	ws, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	if t.maxMessageSize > 0 {
		ws.SetReadLimit(t.maxMessageSize)
	}

	c := &Connection{
		id:           utils.GenerateConnectionID(),
		ws:           ws,
		writeTimeout: t.writeTimeout,
		handler:      h,
		done:         make(chan struct{}),
	}
	c.logger = t.logger.With().Str("conn_id", c.id).Logger()
	go c.readMessages()
	return c, nil
}

// Connection 一条 WebSocket 连接
type Connection struct {
	id           string
	ws           *websocket.Conn
	writeTimeout time.Duration
	handler      Handler
	logger       zerolog.Logger

	sendMutex sync.Mutex  // 发送锁
	closed    atomic.Bool // 本端已关闭或已断开
	done      chan struct{}
}

// ID 返回连接ID
func (c *Connection) ID() string {
	return c.id
}

// Subprotocol 返回握手协商的子协议
func (c *Connection) Subprotocol() string {
	return c.ws.Subprotocol()
}

// Send 写入一帧
func (c *Connection) Send(f protocol.Frame) error {
	if c.closed.Load() {
		return wserrors.ErrNotConnected
	}

	c.sendMutex.Lock()
	defer c.sendMutex.Unlock()

	msgType := websocket.TextMessage
	if f.Binary {
		msgType = websocket.BinaryMessage
	}
	if c.writeTimeout > 0 {
		_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	if err := c.ws.WriteMessage(msgType, f.Data); err != nil {
		return fmt.Errorf("write message failed: %w", err)
	}
	return nil
}

// Close 发送关闭帧，等待对端回应后释放底层连接
func (c *Connection) Close(code int, reason string) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	c.sendMutex.Lock()
	err := c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(controlWriteTimeout))
	c.sendMutex.Unlock()

	go func() {
		select {
		case <-c.done:
		case <-time.After(closeGracePeriod):
		}
		_ = c.ws.Close()
	}()

	if err != nil && err != websocket.ErrCloseSent {
		return fmt.Errorf("write close frame: %w", err)
	}
	return nil
}

// readMessages 读取消息直到连接关闭
func (c *Connection) readMessages() {
	defer close(c.done)

	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			c.handleReadError(err)
			return
		}

		switch msgType {
		case websocket.TextMessage:
			c.handler.message(protocol.Frame{Data: data})
		case websocket.BinaryMessage:
			c.handler.message(protocol.Frame{Binary: true, Data: data})
		}
	}
}

// handleReadError 本端主动关闭时静默退出，否则上报关闭码
func (c *Connection) handleReadError(err error) {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	_ = c.ws.Close()

	if ce, ok := err.(*websocket.CloseError); ok {
		c.logger.Debug().Int("code", ce.Code).Str("reason", ce.Text).Msg("connection closed by peer")
		code := ce.Code
		if code == websocket.CloseNoStatusReceived {
			code = CloseNormal
		}
		c.handler.close(code, ce.Text)
		return
	}

	c.logger.Warn().Err(err).Msg("read message error")
	c.handler.error(err)
	c.handler.close(CloseAbnormal, err.Error())
}
