package client

import (
	"time"

	"github.com/google/uuid"

	"github.com/BetaCatPro/ws-resilience/pkg/emitter"
	"github.com/BetaCatPro/ws-resilience/pkg/types"
)

// startHeartbeatLocked 连接建立后启动心跳协程
func (c *Client) startHeartbeatLocked(ref *handleRef) {
	c.stopHeartbeatLocked()
	if !c.cfg.Heartbeat.Enabled {
		return
	}
	c.hbFailures = 0
	stop := make(chan struct{})
	c.hbStop = stop
	go c.heartbeatLoop(ref, stop)
}

// stopHeartbeatLocked 停止心跳协程和超时定时器
func (c *Client) stopHeartbeatLocked() {
	if c.hbStop != nil {
		close(c.hbStop)
		c.hbStop = nil
	}
	if c.hbTimer != nil {
		c.hbTimer.Stop()
		c.hbTimer = nil
	}
	c.hbPendingID = ""
}

func (c *Client) heartbeatLoop(ref *handleRef, stop <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.Heartbeat.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sendHeartbeat(ref)
		case <-stop:
			return
		}
	}
}

// sendHeartbeat 发送心跳并启动超时计时，上一次心跳未响应时跳过
func (c *Client) sendHeartbeat(ref *handleRef) {
	c.mu.Lock()
	if c.current != ref || c.handle == nil || c.hbPendingID != "" {
		c.mu.Unlock()
		return
	}
	now := time.Now()
	id := "hb-" + uuid.NewString()
	c.hbPendingID = id
	c.hbSentAt = now
	c.hbTimer = time.AfterFunc(c.cfg.Heartbeat.Timeout, func() { c.onHeartbeatTimeout(ref, id) })
	h := c.handle
	c.mu.Unlock()

	frame, err := c.codec.Encode(types.Message{
		ID:        id,
		Type:      types.MessageHeartbeat,
		Payload:   map[string]int64{"ts": now.UnixMilli()},
		Timestamp: now,
	})
	if err == nil {
		err = h.Send(frame)
	}
	if err != nil {
		c.logger.Warn().Err(err).Msg("heartbeat send failed")
		return
	}
	c.Emit(types.EventHeartbeatSent, types.HeartbeatEvent{ID: id})
}

// onHeartbeatResponse 收到心跳响应，记录延迟并清零失败计数
func (c *Client) onHeartbeatResponse(ref *handleRef, id string) {
	c.mu.Lock()
	if c.current != ref || c.hbPendingID == "" || (id != "" && id != c.hbPendingID) {
		c.mu.Unlock()
		return
	}
	now := time.Now()
	latency := now.Sub(c.hbSentAt)
	respondedID := c.hbPendingID
	c.hbPendingID = ""
	if c.hbTimer != nil {
		c.hbTimer.Stop()
		c.hbTimer = nil
	}
	c.hbFailures = 0
	c.lastBeat = now
	c.latencies = append(c.latencies, latency)
	if len(c.latencies) > maxLatencySamples {
		c.latencies = c.latencies[len(c.latencies)-maxLatencySamples:]
	}
	c.mu.Unlock()

	c.Emit(types.EventHeartbeatReceived, types.HeartbeatEvent{ID: respondedID, Latency: latency})
}

// onHeartbeatTimeout 心跳超时；连续失败达到上限时强制关闭连接并走异常关闭流程
func (c *Client) onHeartbeatTimeout(ref *handleRef, id string) {
	var events []emitter.Event

	c.mu.Lock()
	if c.current != ref || c.hbPendingID != id {
		c.mu.Unlock()
		return
	}
	c.hbPendingID = ""
	c.hbTimer = nil
	c.hbFailures++
	failures := c.hbFailures
	events = append(events, emitter.Event{Name: types.EventHeartbeatTimeout, Data: types.HeartbeatEvent{ID: id, Failures: failures}})
	c.logger.Warn().Int("failures", failures).Msg("heartbeat timeout")

	h := c.handle
	if failures < c.cfg.Heartbeat.MaxFailures {
		c.mu.Unlock()
		c.EmitBatch(events)
		return
	}
	events = c.handleCloseLocked(events, CloseHeartbeatTimeout, "heartbeat timeout")
	c.mu.Unlock()

	c.EmitBatch(events)
	if h != nil {
		_ = h.Close(CloseHeartbeatTimeout, "heartbeat timeout")
	}
}
