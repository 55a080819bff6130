// Package emitter 提供带优先级、过滤器、转换器和中间件的事件发布订阅
package emitter

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/atomic"

	"github.com/BetaCatPro/ws-resilience/internal/errors"
	"github.com/BetaCatPro/ws-resilience/internal/utils"
)

// DefaultMaxListeners 单个事件监听器数量告警阈值
const DefaultMaxListeners = 100

// Listener 事件监听器
type Listener func(data any)

// Filter 返回 false 时本次事件被丢弃
type Filter func(event string, data any) bool

// Transformer 替换事件数据，必须同步返回
type Transformer func(event string, data any) any

// Middleware 中间件，调用 next 继续执行后续中间件
type Middleware func(event string, data any, next func())

// ListenerID 监听器句柄，用于 Off
type ListenerID string

// Event 批量发送时的事件
type Event struct {
	Name string
	Data any
}

// EventStats 单个事件的统计
type EventStats struct {
	EmitCount   int64
	LastEmitted time.Time
	Listeners   int
}

type listener struct {
	id       ListenerID
	fn       Listener
	priority int
	once     bool
	fired    atomic.Bool
}

type eventStats struct {
	count atomic.Int64
	last  atomic.Time
}

// Emitter 事件发布器，并发安全
type Emitter struct {
	mu           sync.RWMutex
	listeners    map[string][]*listener
	filters      map[string][]Filter
	transformers map[string][]Transformer
	middleware   []Middleware
	stats        map[string]*eventStats
	warned       map[string]bool
	maxListeners int
	logger       zerolog.Logger
}

// Option 构造选项
type Option func(*Emitter)

// WithLogger 设置日志器
func WithLogger(l zerolog.Logger) Option {
	return func(e *Emitter) { e.logger = l }
}

// WithMaxListeners 设置告警阈值，0 表示不限制
func WithMaxListeners(n int) Option {
	return func(e *Emitter) { e.maxListeners = n }
}

// New 创建事件发布器
func New(opts ...Option) *Emitter {
	e := &Emitter{
		listeners:    make(map[string][]*listener),
		filters:      make(map[string][]Filter),
		transformers: make(map[string][]Transformer),
		stats:        make(map[string]*eventStats),
		warned:       make(map[string]bool),
		maxListeners: DefaultMaxListeners,
		logger:       zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ListenerOption 监听选项
type ListenerOption func(*listener)

// WithPriority 设置优先级，数值大的先执行
func WithPriority(p int) ListenerOption {
	return func(l *listener) { l.priority = p }
}

// WithOnce 只触发一次
func WithOnce() ListenerOption {
	return func(l *listener) { l.once = true }
}

// On 注册监听器
func (e *Emitter) On(event string, fn Listener, opts ...ListenerOption) ListenerID {
	l := &listener{id: ListenerID(utils.GenerateListenerID()), fn: fn}
	for _, opt := range opts {
		opt(l)
	}

	e.mu.Lock()
	list := e.listeners[event]
	// 插入到所有优先级 >= 自身的监听器之后，保持同优先级注册顺序
	idx := sort.Search(len(list), func(i int) bool { return list[i].priority < l.priority })
	list = append(list, nil)
	copy(list[idx+1:], list[idx:])
	list[idx] = l
	e.listeners[event] = list
	count := len(list)
	warn := e.maxListeners > 0 && count > e.maxListeners && !e.warned[event]
	if warn {
		e.warned[event] = true
	}
	e.mu.Unlock()

	if warn {
		e.logger.Warn().
			Str("event", event).
			Int("listeners", count).
			Int("max", e.maxListeners).
			Msg("possible listener leak")
	}
	return l.id
}

// Once 注册只触发一次的监听器
func (e *Emitter) Once(event string, fn Listener, opts ...ListenerOption) ListenerID {
	return e.On(event, fn, append(opts, WithOnce())...)
}

// Off 移除指定监听器
func (e *Emitter) Off(event string, id ListenerID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.removeLocked(event, id)
}

// OffAll 移除某个事件的全部监听器
func (e *Emitter) OffAll(event string) {
	e.mu.Lock()
	delete(e.listeners, event)
	delete(e.warned, event)
	e.mu.Unlock()
}

// RemoveAllListeners 移除所有事件的监听器、过滤器、转换器和中间件
func (e *Emitter) RemoveAllListeners() {
	e.mu.Lock()
	e.listeners = make(map[string][]*listener)
	e.filters = make(map[string][]Filter)
	e.transformers = make(map[string][]Transformer)
	e.middleware = nil
	e.warned = make(map[string]bool)
	e.mu.Unlock()
}

func (e *Emitter) removeLocked(event string, id ListenerID) bool {
	list := e.listeners[event]
	for i, l := range list {
		if l.id == id {
			next := make([]*listener, 0, len(list)-1)
			next = append(next, list[:i]...)
			next = append(next, list[i+1:]...)
			if len(next) == 0 {
				delete(e.listeners, event)
			} else {
				e.listeners[event] = next
			}
			return true
		}
	}
	return false
}

// AddFilter 为事件注册过滤器
func (e *Emitter) AddFilter(event string, f Filter) {
	e.mu.Lock()
	e.filters[event] = append(e.filters[event], f)
	e.mu.Unlock()
}

// AddTransformer 为事件注册转换器，按注册顺序串联
func (e *Emitter) AddTransformer(event string, t Transformer) {
	e.mu.Lock()
	e.transformers[event] = append(e.transformers[event], t)
	e.mu.Unlock()
}

// Use 注册中间件
func (e *Emitter) Use(mw Middleware) {
	e.mu.Lock()
	e.middleware = append(e.middleware, mw)
	e.mu.Unlock()
}

// Emit 发布事件，被过滤器拦截时返回 false
func (e *Emitter) Emit(event string, data any) bool {
	e.recordStats(event)

	e.mu.RLock()
	filters := e.filters[event]
	transformers := e.transformers[event]
	middleware := e.middleware
	listeners := e.listeners[event]
	e.mu.RUnlock()

	for _, f := range filters {
		if !e.runFilter(event, f, data) {
			return false
		}
	}

	for _, t := range transformers {
		data = e.runTransformer(event, t, data)
	}

	e.runMiddleware(event, data, middleware)

	var fired []ListenerID
	for _, l := range listeners {
		if l.once {
			if !l.fired.CompareAndSwap(false, true) {
				continue
			}
			fired = append(fired, l.id)
		}
		e.runListener(event, l, data)
	}

	if len(fired) > 0 {
		e.mu.Lock()
		for _, id := range fired {
			e.removeLocked(event, id)
		}
		e.mu.Unlock()
	}
	return true
}

// EmitBatch 依次发布多个事件
func (e *Emitter) EmitBatch(events []Event) []bool {
	results := make([]bool, len(events))
	for i, ev := range events {
		results[i] = e.Emit(ev.Name, ev.Data)
	}
	return results
}

// EmitAfter 延迟发布事件，返回取消函数
func (e *Emitter) EmitAfter(delay time.Duration, event string, data any) (cancel func() bool) {
	t := time.AfterFunc(delay, func() { e.Emit(event, data) })
	return t.Stop
}

// WaitFor 等待事件下一次发生，timeout 为 0 表示只受 ctx 约束
func (e *Emitter) WaitFor(ctx context.Context, event string, timeout time.Duration) (any, error) {
	ch := make(chan any, 1)
	id := e.Once(event, func(data any) {
		ch <- data
	})

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case data := <-ch:
		return data, nil
	case <-timer:
		e.Off(event, id)
		return nil, fmt.Errorf("%w: %s after %s", errors.ErrWaitTimeout, event, timeout)
	case <-ctx.Done():
		e.Off(event, id)
		return nil, ctx.Err()
	}
}

// ListenerCount 返回事件监听器数量
func (e *Emitter) ListenerCount(event string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.listeners[event])
}

// EventNames 返回已注册监听器的事件名
func (e *Emitter) EventNames() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.listeners))
	for name := range e.listeners {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Stats 返回事件统计
func (e *Emitter) Stats(event string) EventStats {
	e.mu.RLock()
	s := e.stats[event]
	n := len(e.listeners[event])
	e.mu.RUnlock()
	if s == nil {
		return EventStats{Listeners: n}
	}
	return EventStats{
		EmitCount:   s.count.Load(),
		LastEmitted: s.last.Load(),
		Listeners:   n,
	}
}

func (e *Emitter) recordStats(event string) {
	e.mu.RLock()
	s := e.stats[event]
	e.mu.RUnlock()
	if s == nil {
		e.mu.Lock()
		if s = e.stats[event]; s == nil {
			s = &eventStats{}
			e.stats[event] = s
		}
		e.mu.Unlock()
	}
	s.count.Inc()
	s.last.Store(time.Now())
}

func (e *Emitter) runFilter(event string, f Filter, data any) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error().Str("event", event).Interface("panic", r).Msg("filter panicked")
			ok = false
		}
	}()
	return f(event, data)
}

func (e *Emitter) runTransformer(event string, t Transformer, data any) (out any) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error().Str("event", event).Interface("panic", r).Msg("transformer panicked")
			out = data
		}
	}()
	return t(event, data)
}

// runMiddleware 中间件出错只记录日志，不阻断监听器执行
func (e *Emitter) runMiddleware(event string, data any, chain []Middleware) {
	if len(chain) == 0 {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error().Str("event", event).Interface("panic", r).Msg("middleware panicked")
		}
	}()
	var next func(i int)
	next = func(i int) {
		if i >= len(chain) {
			return
		}
		chain[i](event, data, func() { next(i + 1) })
	}
	next(0)
}

func (e *Emitter) runListener(event string, l *listener, data any) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error().
				Str("event", event).
				Str("listener", string(l.id)).
				Interface("panic", r).
				Msg("listener panicked")
		}
	}()
	l.fn(data)
}
