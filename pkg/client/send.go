package client

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/BetaCatPro/ws-resilience/internal/conn"
	wserrors "github.com/BetaCatPro/ws-resilience/internal/errors"
	"github.com/BetaCatPro/ws-resilience/internal/protocol"
	"github.com/BetaCatPro/ws-resilience/internal/utils"
	"github.com/BetaCatPro/ws-resilience/pkg/emitter"
	"github.com/BetaCatPro/ws-resilience/pkg/types"
)

// 发送默认值
const (
	DefaultAckTimeout = 10 * time.Second
	DefaultMaxRetries = 3
)

type sendOptions struct {
	msgType    types.MessageType
	priority   types.Priority
	needsAck   bool
	ackTimeout time.Duration
	id         string
	maxRetries int
}

// SendOption 发送选项
type SendOption func(*sendOptions)

// WithType 指定消息类型，默认根据数据推断
func WithType(t types.MessageType) SendOption {
	return func(o *sendOptions) { o.msgType = t }
}

// WithPriority 设置离线排队时的优先级
func WithPriority(p types.Priority) SendOption {
	return func(o *sendOptions) { o.priority = p }
}

// WithAck 要求对端确认，timeout 为 0 时使用 DefaultAckTimeout
func WithAck(timeout time.Duration) SendOption {
	return func(o *sendOptions) {
		o.needsAck = true
		o.ackTimeout = timeout
	}
}

// WithMessageID 指定消息ID，用于去重
func WithMessageID(id string) SendOption {
	return func(o *sendOptions) { o.id = id }
}

// WithMaxRetries 设置离线消息补发失败后的最大重试次数
func WithMaxRetries(n int) SendOption {
	return func(o *sendOptions) { o.maxRetries = n }
}

// pendingAck 等待确认的消息，结果只交付一次
type pendingAck struct {
	once   sync.Once
	result chan error
	timer  *time.Timer
}

func (p *pendingAck) resolve(err error) {
	p.once.Do(func() {
		if p.timer != nil {
			p.timer.Stop()
		}
		p.result <- err
	})
}

// Send 发送消息。未连接时写入离线队列并立即返回；
// 要求确认的消息会阻塞到收到确认、超时或 ctx 取消
func (c *Client) Send(ctx context.Context, data any, opts ...SendOption) error {
	o := sendOptions{
		priority:   types.PriorityNormal,
		ackTimeout: DefaultAckTimeout,
		maxRetries: DefaultMaxRetries,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.msgType == "" {
		o.msgType = protocol.InferType(data)
	}
	if o.id == "" {
		o.id = utils.GenerateMessageID()
	}
	if o.ackTimeout <= 0 {
		o.ackTimeout = DefaultAckTimeout
	}

	msg := types.Message{
		ID:         o.id,
		Type:       o.msgType,
		Payload:    data,
		Timestamp:  time.Now(),
		Priority:   o.priority,
		NeedsAck:   o.needsAck,
		MaxRetries: o.maxRetries,
	}
	return c.sendMessage(ctx, msg, o.ackTimeout)
}

func (c *Client) sendMessage(ctx context.Context, msg types.Message, ackTimeout time.Duration) error {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return ErrDestroyed
	}
	if c.state != types.StateConnected || c.handle == nil {
		c.mu.Unlock()
		return c.enqueue(ctx, msg)
	}
	h := c.handle
	var ack *pendingAck
	if msg.NeedsAck {
		ack = c.registerAckLocked(msg.ID, ackTimeout)
	}
	c.mu.Unlock()

	if err := c.transmit(h, msg); err != nil {
		if ack != nil {
			c.settleAck(msg.ID, err)
		}
		return err
	}
	if ack == nil {
		return nil
	}

	select {
	case err := <-ack.result:
		return err
	case <-ctx.Done():
		c.settleAck(msg.ID, ctx.Err())
		return ctx.Err()
	}
}

// enqueue 未连接时写入离线队列，队列中已有相同ID时返回 ErrDuplicate
func (c *Client) enqueue(ctx context.Context, msg types.Message) error {
	if !c.cfg.Queue.Enabled {
		c.failed.Inc()
		c.Emit(types.EventMessageFailed, types.MessageEvent{Message: msg, Err: ErrQueueDisabled})
		return ErrQueueDisabled
	}

	res := c.queue.Enqueue(ctx, msg)
	if res.Duplicate {
		c.logger.Debug().Str("message_id", msg.ID).Msg("duplicate message ignored")
		return fmt.Errorf("%w: %s", ErrDuplicate, msg.ID)
	}
	if res.Evicted != nil {
		c.failed.Inc()
		c.logger.Warn().Str("message_id", res.Evicted.ID).Msg("queue full, oldest message evicted")
		c.Emit(types.EventMessageFailed, types.MessageEvent{Message: *res.Evicted, Err: ErrQueueOverflow})
	}
	return nil
}

// transmit 编码、检查大小并写入一帧
func (c *Client) transmit(h conn.Handle, msg types.Message) error {
	frame, err := c.codec.Encode(msg)
	if err == nil && int64(len(frame.Data)) > c.cfg.MaxMessageSize {
		err = fmt.Errorf("%w: %d bytes exceeds %d", ErrMessageTooLarge, len(frame.Data), c.cfg.MaxMessageSize)
	}
	if err == nil {
		if sendErr := h.Send(frame); sendErr != nil {
			err = fmt.Errorf("send message %s: %w", msg.ID, sendErr)
		}
	}
	if err != nil {
		c.failed.Inc()
		c.Emit(types.EventMessageFailed, types.MessageEvent{Message: msg, Err: err})
		return err
	}
	c.sent.Inc()
	c.Emit(types.EventMessageSent, types.MessageEvent{Message: msg})
	return nil
}

func (c *Client) registerAckLocked(id string, timeout time.Duration) *pendingAck {
	p := &pendingAck{result: make(chan error, 1)}
	p.timer = time.AfterFunc(timeout, func() {
		c.settleAck(id, fmt.Errorf("%w: message %s after %s", ErrAckTimeout, id, timeout))
	})
	c.pending[id] = p
	return p
}

// settleAck 移除并完成等待中的确认，返回是否存在
func (c *Client) settleAck(id string, err error) bool {
	c.mu.Lock()
	p, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if ok {
		p.resolve(err)
	}
	return ok
}

// onFrame 处理入站帧：确认、心跳响应或普通消息
func (c *Client) onFrame(ref *handleRef, f protocol.Frame) {
	c.mu.Lock()
	stale := c.current != ref
	c.mu.Unlock()
	if stale {
		return
	}

	in := c.codec.Decode(f, time.Now())
	switch in.Kind {
	case protocol.InboundAck:
		var err error
		if in.Error != "" {
			err = &wserrors.AckError{MessageID: in.ID, Reason: in.Error}
		}
		if !c.settleAck(in.ID, err) {
			c.logger.Debug().Str("ack_id", in.ID).Msg("ack for unknown message")
		}
	case protocol.InboundHeartbeat:
		c.onHeartbeatResponse(ref, in.ID)
	default:
		if in.Err != nil {
			c.logger.Warn().Err(in.Err).Str("message_id", in.Message.ID).Msg("delivering undecoded binary frame")
		}
		c.received.Inc()
		c.EmitBatch([]emitter.Event{
			{Name: types.EventMessage, Data: in.Message},
			{Name: types.EventMessageReceived, Data: types.MessageEvent{Message: in.Message, Err: in.Err}},
		})
	}
}

// flushQueue 连接建立后按顺序补发离线消息，跳过过期消息；
// 发送失败的消息在重试次数内重新入队
func (c *Client) flushQueue(ref *handleRef) {
	ready, expired := c.queue.Drain(c.ctx)
	for _, msg := range expired {
		c.failed.Inc()
		c.Emit(types.EventMessageFailed, types.MessageEvent{Message: msg, Err: ErrMessageExpired})
	}
	if len(ready) == 0 {
		return
	}
	c.logger.Info().Int("count", len(ready)).Int("expired", len(expired)).Msg("flushing queued messages")

	for i, msg := range ready {
		c.mu.Lock()
		h := c.handle
		if c.current != ref {
			h = nil
		}
		c.mu.Unlock()

		if h == nil {
			for _, rest := range ready[i:] {
				c.queue.Enqueue(c.ctx, rest)
			}
			return
		}
		if err := c.transmit(h, msg); err != nil && msg.RetryCount < msg.MaxRetries {
			msg.RetryCount++
			c.queue.Enqueue(c.ctx, msg)
		}
	}
}
