// Package server 提供回应心跳和消息确认的 WebSocket 对端服务
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"go.uber.org/atomic"

	wserrors "github.com/BetaCatPro/ws-resilience/internal/errors"
	"github.com/BetaCatPro/ws-resilience/internal/logging"
	"github.com/BetaCatPro/ws-resilience/internal/protocol"
	"github.com/BetaCatPro/ws-resilience/internal/utils"
	"github.com/BetaCatPro/ws-resilience/pkg/types"
)

const writeTimeout = 5 * time.Second

// MessageHandler 处理客户端消息；需要确认的消息返回错误时回复拒绝
type MessageHandler func(connID string, msg types.Message) error

// Stats 服务器统计信息
type Stats struct {
	Clients          int
	MessagesReceived int64
	AcksSent         int64
	HeartbeatsSeen   int64
}

// Server WebSocket服务器
type Server struct {
	addr     string
	path     string
	upgrader websocket.Upgrader
	codec    *protocol.Codec
	server   *http.Server
	logger   zerolog.Logger
	mutex    sync.RWMutex
	peers    map[string]*peer

	// 回调函数
	connectHandler    func(string)
	disconnectHandler func(string, error)
	messageHandler    MessageHandler

	received   atomic.Int64
	acks       atomic.Int64
	heartbeats atomic.Int64
}

// peer 一个已连接的客户端
type peer struct {
	id      string
	ws      *websocket.Conn
	writeMu sync.Mutex
}

func (p *peer) write(messageType int, data []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_ = p.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return p.ws.WriteMessage(messageType, data)
}

func (p *peer) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return p.write(websocket.TextMessage, data)
}

func (p *peer) close(code int, reason string) {
	p.writeMu.Lock()
	_ = p.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(writeTimeout))
	p.writeMu.Unlock()
	_ = p.ws.Close()
}

// Option 服务器选项
type Option func(*Server)

// WithLogger 设置日志器
func WithLogger(l zerolog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithPath 设置 WebSocket 路径，默认 /ws
func WithPath(path string) Option {
	return func(s *Server) { s.path = path }
}

// WithSubprotocols 设置支持的子协议
func WithSubprotocols(protocols ...string) Option {
	return func(s *Server) { s.upgrader.Subprotocols = protocols }
}

// NewServer 创建新的WebSocket服务器
func NewServer(addr string, opts ...Option) *Server {
	codec, _ := protocol.NewCodec("none")
	s := &Server{
		addr:  addr,
		path:  "/ws",
		codec: codec,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logging.New("info"),
		peers:  make(map[string]*peer),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.Component(s.logger, "server")
	return s
}

// Handler 返回 HTTP 处理器，便于挂载到已有服务或 httptest
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.path, s.handleWebSocket)
	return mux
}

// Start 启动WebSocket服务器，阻塞直到关闭
func (s *Server) Start() error {
	s.mutex.Lock()
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv := s.server
	s.mutex.Unlock()

	s.logger.Info().Str("addr", s.addr).Str("path", s.path).Msg("starting websocket server")
	return srv.ListenAndServe()
}

// handleWebSocket 处理WebSocket连接
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("upgrade failed")
		return
	}

	p := &peer{id: utils.GenerateConnectionID(), ws: ws}
	s.mutex.Lock()
	s.peers[p.id] = p
	onConnect := s.connectHandler
	s.mutex.Unlock()

	s.logger.Info().Str("conn_id", p.id).Str("remote", r.RemoteAddr).Msg("client connected")
	if onConnect != nil {
		onConnect(p.id)
	}

	err = s.readLoop(p)

	s.mutex.Lock()
	delete(s.peers, p.id)
	onDisconnect := s.disconnectHandler
	s.mutex.Unlock()
	_ = ws.Close()

	s.logger.Info().Str("conn_id", p.id).Err(err).Msg("client disconnected")
	if onDisconnect != nil {
		onDisconnect(p.id, err)
	}
}

func (s *Server) readLoop(p *peer) error {
	for {
		mt, data, err := p.ws.ReadMessage()
		if err != nil {
			return err
		}
		s.handleFrame(p, mt == websocket.BinaryMessage, data)
	}
}

// handleFrame 回应心跳和确认请求，其余消息交给回调
func (s *Server) handleFrame(p *peer, binary bool, data []byte) {
	if !binary {
		var env protocol.Envelope
		if json.Unmarshal(data, &env) == nil && env.Type != "" {
			s.handleEnvelope(p, env)
			return
		}
	}

	in := s.codec.Decode(protocol.Frame{Binary: binary, Data: data}, time.Now())
	s.received.Inc()
	_ = s.dispatch(p.id, in.Message)
}

func (s *Server) handleEnvelope(p *peer, env protocol.Envelope) {
	if env.Type == types.MessageHeartbeat {
		s.heartbeats.Inc()
		if err := p.writeJSON(map[string]string{"type": "pong", "id": env.ID}); err != nil {
			s.logger.Debug().Err(err).Str("conn_id", p.id).Msg("pong failed")
		}
		return
	}

	s.received.Inc()
	msg := types.Message{
		ID:        env.ID,
		Type:      env.Type,
		Payload:   envelopePayload(env),
		Timestamp: time.UnixMilli(env.Timestamp),
		NeedsAck:  env.NeedsAck,
	}
	err := s.dispatch(p.id, msg)
	if !env.NeedsAck || env.ID == "" {
		return
	}

	ack := protocol.Ack{AckID: env.ID}
	if err != nil {
		ack.Error = err.Error()
	}
	if err := p.writeJSON(ack); err != nil {
		s.logger.Debug().Err(err).Str("conn_id", p.id).Msg("ack failed")
		return
	}
	s.acks.Inc()
}

func (s *Server) dispatch(connID string, msg types.Message) error {
	s.mutex.RLock()
	handler := s.messageHandler
	s.mutex.RUnlock()
	if handler == nil {
		return nil
	}
	return handler(connID, msg)
}

// envelopePayload 文本负载还原为字符串，其余保留原始 JSON
func envelopePayload(env protocol.Envelope) any {
	if len(env.Payload) == 0 {
		return nil
	}
	if env.Type == types.MessageText {
		var s string
		if json.Unmarshal(env.Payload, &s) == nil {
			return s
		}
	}
	return env.Payload
}

// SendToClient 发送消息到指定客户端
func (s *Server) SendToClient(connID string, msg types.Message) error {
	s.mutex.RLock()
	p, ok := s.peers[connID]
	s.mutex.RUnlock()
	if !ok {
		return wserrors.ErrNotConnected
	}
	return s.send(p, msg)
}

func (s *Server) send(p *peer, msg types.Message) error {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	frame, err := s.codec.Encode(msg)
	if err != nil {
		return err
	}
	mt := websocket.TextMessage
	if frame.Binary {
		mt = websocket.BinaryMessage
	}
	return p.write(mt, frame.Data)
}

// Broadcast 广播消息到所有客户端，返回发送成功的数量
func (s *Server) Broadcast(msg types.Message) int {
	s.mutex.RLock()
	peers := make([]*peer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	s.mutex.RUnlock()

	sent := 0
	for _, p := range peers {
		if err := s.send(p, msg); err != nil {
			s.logger.Debug().Err(err).Str("conn_id", p.id).Msg("broadcast failed")
			continue
		}
		sent++
	}
	return sent
}

// DisconnectClient 以指定关闭码断开客户端
func (s *Server) DisconnectClient(connID string, code int, reason string) error {
	s.mutex.RLock()
	p, ok := s.peers[connID]
	s.mutex.RUnlock()
	if !ok {
		return wserrors.ErrNotConnected
	}
	p.close(code, reason)
	return nil
}

// ClientIDs 返回已连接客户端的ID
func (s *Server) ClientIDs() []string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	ids := make([]string, 0, len(s.peers))
	for id := range s.peers {
		ids = append(ids, id)
	}
	return ids
}

// SetConnectHandler 设置连接成功回调
func (s *Server) SetConnectHandler(handler func(string)) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.connectHandler = handler
}

// SetDisconnectHandler 设置断开连接回调
func (s *Server) SetDisconnectHandler(handler func(string, error)) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.disconnectHandler = handler
}

// SetMessageHandler 设置消息处理回调
func (s *Server) SetMessageHandler(handler MessageHandler) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.messageHandler = handler
}

// GetStats 获取服务器统计信息
func (s *Server) GetStats() Stats {
	return Stats{
		Clients:          s.ClientCount(),
		MessagesReceived: s.received.Load(),
		AcksSent:         s.acks.Load(),
		HeartbeatsSeen:   s.heartbeats.Load(),
	}
}

// ClientCount 获取客户端数量
func (s *Server) ClientCount() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return len(s.peers)
}

// Stop 断开全部客户端并停止服务器
func (s *Server) Stop(ctx context.Context) error {
	s.mutex.Lock()
	peers := s.peers
	s.peers = make(map[string]*peer)
	srv := s.server
	s.mutex.Unlock()

	for _, p := range peers {
		p.close(websocket.CloseGoingAway, "server shutdown")
	}
	if srv == nil {
		return nil
	}
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
