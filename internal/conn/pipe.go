package conn

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	wserrors "github.com/BetaCatPro/ws-resilience/internal/errors"
	"github.com/BetaCatPro/ws-resilience/internal/protocol"
	"github.com/BetaCatPro/ws-resilience/pkg/types"
)

// Responder 模拟对端处理本端发出的帧
type Responder func(p *PipeHandle, f protocol.Frame)

// PipeTransport 进程内传输，对端行为由 Responder 模拟
type PipeTransport struct {
	mu        sync.Mutex
	dialErr   error
	dialDelay time.Duration
	responder Responder
	handles   []*PipeHandle
	dials     int
	lastURL   string
	lastHdr   http.Header
}

// NewPipeTransport 创建进程内传输
func NewPipeTransport(r Responder) *PipeTransport {
	return &PipeTransport{responder: r}
}

// SetDialError 设置后续拨号返回的错误，nil 表示恢复正常
func (t *PipeTransport) SetDialError(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dialErr = err
}

// SetDialDelay 设置拨号耗时
func (t *PipeTransport) SetDialDelay(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dialDelay = d
}

// SetResponder 替换对端行为
func (t *PipeTransport) SetResponder(r Responder) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.responder = r
}

// Open 打开一条进程内连接
func (t *PipeTransport) Open(ctx context.Context, url string, protocols []string, header http.Header, h Handler) (Handle, error) {
	t.mu.Lock()
	t.dials++
	delay, dialErr := t.dialDelay, t.dialErr
	t.lastURL, t.lastHdr = url, header.Clone()
	t.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if dialErr != nil {
		return nil, dialErr
	}

	p := &PipeHandle{transport: t, handler: h}
	t.mu.Lock()
	t.handles = append(t.handles, p)
	t.mu.Unlock()
	return p, nil
}

// Dials 返回拨号次数，包括失败的拨号
func (t *PipeTransport) Dials() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dials
}

// Opens 返回成功打开的连接数
func (t *PipeTransport) Opens() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.handles)
}

// Last 返回最近打开的连接
func (t *PipeTransport) Last() *PipeHandle {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.handles) == 0 {
		return nil
	}
	return t.handles[len(t.handles)-1]
}

// LastURL 返回最近一次拨号的地址
func (t *PipeTransport) LastURL() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastURL
}

// LastHeader 返回最近一次拨号的请求头
func (t *PipeTransport) LastHeader() http.Header {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastHdr
}

func (t *PipeTransport) currentResponder() Responder {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.responder
}

// PipeHandle 进程内连接
type PipeHandle struct {
	transport *PipeTransport
	handler   Handler

	mu          sync.Mutex
	sent        []protocol.Frame
	closed      bool
	closeCode   int
	closeReason string
}

// Send 记录帧并交给对端处理
func (p *PipeHandle) Send(f protocol.Frame) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return wserrors.ErrNotConnected
	}
	p.sent = append(p.sent, f)
	p.mu.Unlock()

	if r := p.transport.currentResponder(); r != nil {
		go r(p, f)
	}
	return nil
}

// Close 本端关闭
func (p *PipeHandle) Close(code int, reason string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		p.closeCode, p.closeReason = code, reason
	}
	return nil
}

// Deliver 模拟对端发来一帧
func (p *PipeHandle) Deliver(f protocol.Frame) {
	if p.IsClosed() {
		return
	}
	p.handler.message(f)
}

// DeliverText 模拟对端发来一帧文本
func (p *PipeHandle) DeliverText(s string) {
	p.Deliver(protocol.Frame{Data: []byte(s)})
}

// Drop 模拟对端关闭或网络断开
func (p *PipeHandle) Drop(code int, reason string) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.closeCode, p.closeReason = code, reason
	p.mu.Unlock()

	if code != CloseNormal {
		p.handler.error(&wserrors.CloseError{Code: code, Reason: reason})
	}
	p.handler.close(code, reason)
}

// Sent 返回已发送的帧
func (p *PipeHandle) Sent() []protocol.Frame {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]protocol.Frame(nil), p.sent...)
}

// IsClosed 是否已关闭
func (p *PipeHandle) IsClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// CloseInfo 返回关闭码和原因
func (p *PipeHandle) CloseInfo() (int, string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closeCode, p.closeReason
}

// AutoReply 回应心跳和确认请求的对端行为
func AutoReply(p *PipeHandle, f protocol.Frame) {
	if f.Binary {
		return
	}
	var env protocol.Envelope
	if err := json.Unmarshal(f.Data, &env); err != nil || env.ID == "" {
		return
	}
	switch {
	case env.Type == types.MessageHeartbeat:
		p.DeliverText(`{"type":"pong","id":"` + env.ID + `"}`)
	case env.NeedsAck:
		p.DeliverText(`{"ackId":"` + env.ID + `"}`)
	}
}
