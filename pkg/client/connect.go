package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/BetaCatPro/ws-resilience/internal/conn"
	wserrors "github.com/BetaCatPro/ws-resilience/internal/errors"
	"github.com/BetaCatPro/ws-resilience/internal/protocol"
	"github.com/BetaCatPro/ws-resilience/pkg/emitter"
	"github.com/BetaCatPro/ws-resilience/pkg/types"
)

// Connect 建立连接；已连接或正在连接时直接返回。
// 失败时进入 error 状态，开启重连时安排下一次重连
func (c *Client) Connect(ctx context.Context) error {
	var events []emitter.Event

	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return ErrDestroyed
	}
	if c.state == types.StateConnected || c.state == types.StateConnecting {
		c.mu.Unlock()
		return nil
	}
	if c.cfg.URL == "" {
		c.mu.Unlock()
		return wserrors.NewConfigError("url", "required to connect")
	}
	if c.state != types.StateReconnecting {
		c.reconnectAttempts = 0
	}
	c.stopReconnectLocked()
	ref := &handleRef{}
	c.current = ref
	events = c.setStateLocked(events, types.StateConnecting)
	c.mu.Unlock()
	c.EmitBatch(events)

	return c.dial(ctx, ref)
}

// dial 执行一次连接尝试
func (c *Client) dial(ctx context.Context, ref *handleRef) error {
	header := c.header.Clone()
	if c.auth != nil {
		if err := c.auth.Authenticate(ctx); err != nil {
			return c.connectFailed(ref, err)
		}
		for k, v := range c.auth.GetAuthHeaders() {
			header.Set(k, v)
		}
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectionTimeout)
	defer cancel()

	handler := conn.Handler{
		OnMessage: func(f protocol.Frame) { c.onFrame(ref, f) },
		OnClose:   func(code int, reason string) { c.onClose(ref, code, reason) },
		OnError:   func(err error) { c.onTransportError(ref, err) },
	}
	h, err := c.transport.Open(dialCtx, c.cfg.URL, c.cfg.Protocols, header, handler)
	if err != nil {
		if errors.Is(dialCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("%w after %s: %w", ErrConnectTimeout, c.cfg.ConnectionTimeout, err)
		}
		return c.connectFailed(ref, err)
	}

	var events []emitter.Event
	c.mu.Lock()
	if c.current != ref {
		destroyed := c.destroyed
		c.mu.Unlock()
		_ = h.Close(CloseNormal, "connection superseded")
		if destroyed {
			return ErrDestroyed
		}
		return ErrNotConnected
	}
	if ref.closed {
		c.mu.Unlock()
		return c.connectFailed(ref, ErrNotConnected)
	}

	c.handle = h
	c.connectedAt = time.Now()
	attempts := c.reconnectAttempts
	c.reconnectAttempts = 0
	events = c.setStateLocked(events, types.StateConnected)
	events = append(events, emitter.Event{Name: types.EventOpen, Data: nil})
	if attempts > 0 {
		events = append(events, emitter.Event{Name: types.EventReconnectSuccess, Data: types.ReconnectEvent{
			Attempt:     attempts,
			MaxAttempts: c.cfg.Reconnect.MaxAttempts,
		}})
	}
	c.startHeartbeatLocked(ref)
	c.mu.Unlock()

	c.EmitBatch(events)
	c.logger.Info().Int("attempts", attempts).Msg("connected")
	c.flushQueue(ref)
	return nil
}

// connectFailed 连接尝试失败：进入 error 状态并按配置安排重连
func (c *Client) connectFailed(ref *handleRef, err error) error {
	var events []emitter.Event

	c.mu.Lock()
	if c.current != ref {
		c.mu.Unlock()
		return err
	}
	c.current = nil
	events = c.setStateLocked(events, types.StateError)
	events = append(events, emitter.Event{Name: types.EventError, Data: err})
	if c.cfg.Reconnect.Enabled {
		events = c.scheduleReconnectLocked(events, err)
	}
	c.mu.Unlock()

	c.EmitBatch(events)
	c.logger.Warn().Err(err).Msg("connect failed")
	return err
}

// Disconnect 主动关闭连接，不触发重连
func (c *Client) Disconnect(code int, reason string) error {
	var events []emitter.Event

	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return nil
	}
	c.stopReconnectLocked()
	c.stopHeartbeatLocked()
	c.reconnectAttempts = 0
	h := c.handle
	c.endConnectionLocked()
	events = c.setStateLocked(events, types.StateDisconnected)
	if h != nil {
		events = append(events, emitter.Event{Name: types.EventClose, Data: types.CloseEvent{
			Code:     code,
			Reason:   reason,
			WasClean: code == CloseNormal,
		}})
	}
	c.mu.Unlock()

	c.EmitBatch(events)
	if h == nil {
		return nil
	}
	c.logger.Info().Int("code", code).Str("reason", reason).Msg("disconnected")
	return h.Close(code, reason)
}

// onClose 底层连接被对端关闭或异常断开
func (c *Client) onClose(ref *handleRef, code int, reason string) {
	var events []emitter.Event

	c.mu.Lock()
	if c.current != ref {
		c.mu.Unlock()
		return
	}
	if c.handle == nil {
		ref.closed = true
		c.mu.Unlock()
		return
	}
	events = c.handleCloseLocked(events, code, reason)
	c.mu.Unlock()

	c.EmitBatch(events)
}

// handleCloseLocked 正常关闭回到 disconnected，异常关闭按配置重连
func (c *Client) handleCloseLocked(events []emitter.Event, code int, reason string) []emitter.Event {
	c.stopHeartbeatLocked()
	c.endConnectionLocked()

	clean := code == CloseNormal
	events = append(events, emitter.Event{Name: types.EventClose, Data: types.CloseEvent{
		Code:     code,
		Reason:   reason,
		WasClean: clean,
	}})
	c.logger.Info().Int("code", code).Str("reason", reason).Bool("clean", clean).Msg("connection closed")

	if !clean && c.cfg.Reconnect.Enabled {
		return c.scheduleReconnectLocked(events, &wserrors.CloseError{Code: code, Reason: reason})
	}
	return c.setStateLocked(events, types.StateDisconnected)
}

// endConnectionLocked 丢弃当前连接并累计连接时长
func (c *Client) endConnectionLocked() {
	if c.handle != nil && !c.connectedAt.IsZero() {
		c.connectedDuration += time.Since(c.connectedAt)
	}
	c.handle = nil
	c.current = nil
}

func (c *Client) onTransportError(ref *handleRef, err error) {
	c.mu.Lock()
	stale := c.current != ref
	c.mu.Unlock()
	if stale {
		return
	}
	c.logger.Warn().Err(err).Msg("transport error")
	c.Emit(types.EventError, err)
}

// scheduleReconnectLocked 安排下一次重连；达到最大次数时进入 closed
func (c *Client) scheduleReconnectLocked(events []emitter.Event, cause error) []emitter.Event {
	if c.destroyed {
		return events
	}
	maxAttempts := c.cfg.Reconnect.MaxAttempts
	if c.reconnectAttempts >= maxAttempts {
		events = c.setStateLocked(events, types.StateClosed)
		c.logger.Error().Int("attempts", c.reconnectAttempts).Msg("max reconnect attempts reached")
		return append(events, emitter.Event{Name: types.EventReconnectFailed, Data: types.ReconnectEvent{
			Attempt:     c.reconnectAttempts,
			MaxAttempts: maxAttempts,
			Err:         fmt.Errorf("%w: %w", ErrMaxReconnect, cause),
		}})
	}

	c.reconnectAttempts++
	c.reconnectCount++
	attempt := c.reconnectAttempts
	delay := c.backoff.Delay(attempt)

	c.stopReconnectLocked()
	c.reconnectTimer = time.AfterFunc(delay, func() { c.reconnect(attempt) })

	events = c.setStateLocked(events, types.StateReconnecting)
	c.logger.Info().Int("attempt", attempt).Int("max", maxAttempts).Dur("delay", delay).Msg("reconnect scheduled")
	return append(events, emitter.Event{Name: types.EventReconnectStart, Data: types.ReconnectEvent{
		Attempt:     attempt,
		MaxAttempts: maxAttempts,
		Delay:       delay,
		Err:         cause,
	}})
}

// reconnect 重连定时器到期
func (c *Client) reconnect(attempt int) {
	var events []emitter.Event

	c.mu.Lock()
	if c.destroyed || c.state != types.StateReconnecting || c.reconnectAttempts != attempt {
		c.mu.Unlock()
		return
	}
	c.reconnectTimer = nil
	ref := &handleRef{}
	c.current = ref
	events = c.setStateLocked(events, types.StateConnecting)
	c.mu.Unlock()
	c.EmitBatch(events)

	_ = c.dial(c.ctx, ref)
}

func (c *Client) stopReconnectLocked() {
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
}
