// Package client 实现带自动重连、心跳检测、离线队列和消息确认的 WebSocket 客户端
package client

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/atomic"

	"github.com/BetaCatPro/ws-resilience/internal/conn"
	"github.com/BetaCatPro/ws-resilience/internal/logging"
	"github.com/BetaCatPro/ws-resilience/internal/protocol"
	"github.com/BetaCatPro/ws-resilience/internal/queue"
	"github.com/BetaCatPro/ws-resilience/internal/utils"
	"github.com/BetaCatPro/ws-resilience/pkg/auth"
	"github.com/BetaCatPro/ws-resilience/pkg/emitter"
	"github.com/BetaCatPro/ws-resilience/pkg/types"
)

// 关闭码
const (
	CloseNormal           = conn.CloseNormal
	CloseHeartbeatTimeout = conn.CloseHeartbeatTimeout
)

const maxLatencySamples = 100

// AuthProvider 提供握手时携带的认证头
type AuthProvider interface {
	Authenticate(ctx context.Context) error
	GetAuthHeaders() map[string]string
}

// 持久化存储类型
type (
	QueueStore  = queue.Store
	QueueRecord = queue.Record
)

// handleRef 标识一次连接尝试，回调据此忽略过期连接的事件
type handleRef struct {
	closed bool // 连接建立完成前已被对端关闭
}

// Client WebSocket客户端
type Client struct {
	*emitter.Emitter

	id        string
	cfg       types.ClientConfig
	transport conn.Transport
	codec     *protocol.Codec
	backoff   *conn.Backoff
	queue     *queue.Queue
	auth      AuthProvider
	ownedAuth *auth.Manager // 由配置创建的认证管理器，销毁时一并销毁
	header    http.Header
	logger    zerolog.Logger

	ctx    context.Context // 生命周期，Destroy 时取消
	cancel context.CancelFunc

	mu                sync.Mutex
	state             types.ConnectionState
	current           *handleRef
	handle            conn.Handle
	destroyed         bool
	reconnectAttempts int
	reconnectTimer    *time.Timer
	pending           map[string]*pendingAck

	// 心跳
	hbStop      chan struct{}
	hbPendingID string
	hbSentAt    time.Time
	hbTimer     *time.Timer
	hbFailures  int
	latencies   []time.Duration
	lastBeat    time.Time

	// 统计
	connectedAt       time.Time
	connectedDuration time.Duration
	reconnectCount    int
	sent              atomic.Int64
	received          atomic.Int64
	failed            atomic.Int64
}

type options struct {
	transport conn.Transport
	logger    *zerolog.Logger
	auth      AuthProvider
	store     queue.Store
	header    http.Header
}

// Option 客户端选项
type Option func(*options)

// WithTransport 替换底层传输
func WithTransport(t conn.Transport) Option {
	return func(o *options) { o.transport = t }
}

// WithLogger 设置日志器
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.logger = &l }
}

// WithAuth 设置认证提供者，握手前调用 Authenticate 并携带其认证头
func WithAuth(a AuthProvider) Option {
	return func(o *options) { o.auth = a }
}

// WithQueueStore 设置离线队列的持久化存储
func WithQueueStore(s QueueStore) Option {
	return func(o *options) { o.store = s }
}

// WithHeader 设置握手请求头
func WithHeader(h http.Header) Option {
	return func(o *options) { o.header = h.Clone() }
}

// New 创建客户端，配置非法时返回 *ConfigError
func New(cfg types.ClientConfig, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	id := utils.GenerateConnectionID()
	logger := logging.New(cfg.LogLevel)
	if o.logger != nil {
		logger = *o.logger
	}
	logger = logging.Component(logger, "client").With().Str("client_id", id).Str("url", cfg.URL).Logger()

	codec, err := protocol.NewCodec(cfg.Compression)
	if err != nil {
		return nil, err
	}

	transport := o.transport
	if transport == nil {
		transport = conn.NewWebSocketTransport(cfg.WriteTimeout, cfg.MaxMessageSize, logger)
	}

	store := o.store
	if store == nil && cfg.Queue.Persist {
		if store, err = queue.NewStore(cfg.Queue.Storage); err != nil {
			return nil, err
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		Emitter:   emitter.New(emitter.WithLogger(logger)),
		id:        id,
		cfg:       cfg,
		transport: transport,
		codec:     codec,
		backoff:   conn.NewBackoff(cfg.Reconnect),
		queue:     queue.New(cfg.Queue, store, logger),
		auth:      o.auth,
		header:    o.header,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		state:     types.StateDisconnected,
		pending:   make(map[string]*pendingAck),
	}
	if c.header == nil {
		c.header = http.Header{}
	}

	if c.auth == nil && cfg.Auth.Type != "" && cfg.Auth.Type != types.AuthNone {
		c.ownedAuth = auth.New(cfg.Auth, auth.WithLogger(logger))
		c.auth = c.ownedAuth
	}

	if restored, dropped, err := c.queue.Restore(ctx); err != nil {
		logger.Warn().Err(err).Msg("failed to restore persisted queue")
	} else if restored > 0 || dropped > 0 {
		logger.Info().Int("restored", restored).Int("dropped", dropped).Msg("persisted queue restored")
	}
	return c, nil
}

// ID 返回客户端ID
func (c *Client) ID() string {
	return c.id
}

// URL 返回连接地址
func (c *Client) URL() string {
	return c.cfg.URL
}

// GetConfig 返回配置副本
func (c *Client) GetConfig() types.ClientConfig {
	cfg := c.cfg
	cfg.Protocols = append([]string(nil), c.cfg.Protocols...)
	return cfg
}

// GetState 返回当前状态
func (c *Client) GetState() types.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsConnected 是否已连接
func (c *Client) IsConnected() bool {
	return c.GetState() == types.StateConnected
}

// IsConnecting 是否正在连接
func (c *Client) IsConnecting() bool {
	return c.GetState() == types.StateConnecting
}

// IsReconnecting 是否在等待重连
func (c *Client) IsReconnecting() bool {
	return c.GetState() == types.StateReconnecting
}

// IsDestroyed 是否已销毁
func (c *Client) IsDestroyed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.destroyed
}

// GetStats 返回统计信息
func (c *Client) GetStats() types.ConnectionStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	duration := c.connectedDuration
	if c.state == types.StateConnected && !c.connectedAt.IsZero() {
		duration += time.Since(c.connectedAt)
	}
	return types.ConnectionStats{
		ConnectedAt:       c.connectedAt,
		ConnectedDuration: duration,
		ReconnectCount:    c.reconnectCount,
		MessagesSent:      c.sent.Load(),
		MessagesReceived:  c.received.Load(),
		MessagesFailed:    c.failed.Load(),
		AverageLatency:    averageLatency(c.latencies),
		LastHeartbeat:     c.lastBeat,
		HeartbeatFailures: c.hbFailures,
	}
}

// GetQueueLength 返回离线队列长度
func (c *Client) GetQueueLength() int {
	return c.queue.Len()
}

// ClearQueue 清空离线队列
func (c *Client) ClearQueue() {
	c.queue.Clear(c.ctx)
}

// Destroy 释放全部资源：取消定时器，拒绝等待中的确认，清空队列，移除监听器。可重复调用
func (c *Client) Destroy() {
	var events []emitter.Event

	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	c.destroyed = true
	c.stopReconnectLocked()
	c.stopHeartbeatLocked()
	h := c.handle
	c.handle, c.current = nil, nil
	pending := c.pending
	c.pending = make(map[string]*pendingAck)
	events = c.setStateLocked(events, types.StateClosed)

	c.connectedAt, c.connectedDuration = time.Time{}, 0
	c.reconnectAttempts, c.reconnectCount = 0, 0
	c.latencies, c.lastBeat, c.hbFailures = nil, time.Time{}, 0
	c.sent.Store(0)
	c.received.Store(0)
	c.failed.Store(0)
	c.mu.Unlock()

	c.EmitBatch(events)
	for _, p := range pending {
		p.resolve(ErrDestroyed)
	}
	if h != nil {
		if err := h.Close(CloseNormal, "client destroyed"); err != nil {
			c.logger.Debug().Err(err).Msg("close on destroy")
		}
	}
	c.queue.Clear(c.ctx)
	c.cancel()
	if c.ownedAuth != nil {
		c.ownedAuth.Destroy()
	}
	c.RemoveAllListeners()
	c.logger.Debug().Msg("client destroyed")
}

func (c *Client) setStateLocked(events []emitter.Event, to types.ConnectionState) []emitter.Event {
	from := c.state
	if from == to {
		return events
	}
	c.state = to
	c.logger.Debug().Str("from", string(from)).Str("to", string(to)).Msg("state change")
	return append(events, emitter.Event{Name: types.EventStateChange, Data: types.StateChangeEvent{From: from, To: to}})
}

func averageLatency(samples []time.Duration) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	var sum time.Duration
	for _, s := range samples {
		sum += s
	}
	return sum / time.Duration(len(samples))
}
