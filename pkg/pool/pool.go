// Package pool 管理一组可复用的客户端连接
package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	wserrors "github.com/BetaCatPro/ws-resilience/internal/errors"
	"github.com/BetaCatPro/ws-resilience/internal/logging"
	"github.com/BetaCatPro/ws-resilience/pkg/client"
	"github.com/BetaCatPro/ws-resilience/pkg/emitter"
	"github.com/BetaCatPro/ws-resilience/pkg/types"
)

// 错误值
var (
	ErrPoolFull      = wserrors.ErrPoolFull
	ErrPoolDestroyed = wserrors.ErrPoolDestroyed
	ErrNotPooled     = wserrors.ErrNotPooled
)

// 巡检类型
const (
	CheckHealth     = "health"
	CheckValidation = "validation"
)

// Pool 连接池
type Pool struct {
	*emitter.Emitter

	cfg        types.PoolConfig
	reuse      reusePolicy
	balancer   balancer
	clientOpts []client.Option
	logger     zerolog.Logger
	now        func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	reg       *registry
	creating  int
	destroyed bool

	totalRequests atomic.Int64
	successful    atomic.Int64
	reused        atomic.Int64
}

type options struct {
	logger     *zerolog.Logger
	clientOpts []client.Option
}

// Option 连接池选项
type Option func(*options)

// WithLogger 设置日志器
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.logger = &l }
}

// WithClientOptions 设置创建客户端时附加的选项
func WithClientOptions(opts ...client.Option) Option {
	return func(o *options) { o.clientOpts = append(o.clientOpts, opts...) }
}

// New 创建连接池并启动巡检；开启预热时在后台建立连接
func New(cfg types.PoolConfig, opts ...Option) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}
	logger := logging.New(cfg.LogLevel)
	if o.logger != nil {
		logger = *o.logger
	}
	logger = logging.Component(logger, "pool")

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		Emitter:    emitter.New(emitter.WithLogger(logger)),
		cfg:        cfg,
		reuse:      newReusePolicy(cfg.ReuseStrategy),
		balancer:   newBalancer(cfg.LoadBalance),
		clientOpts: append([]client.Option{client.WithLogger(logger)}, o.clientOpts...),
		logger:     logger,
		now:        time.Now,
		ctx:        ctx,
		cancel:     cancel,
		reg:        newRegistry(),
	}

	p.wg.Add(1)
	go p.sweepLoop()

	if cfg.Warmup.Enabled {
		go func() {
			if err := p.Warmup(ctx); err != nil {
				p.logger.Warn().Err(err).Msg("warmup incomplete")
			}
		}()
	}
	return p, nil
}

// AcquireOption 获取连接选项
type AcquireOption func(*acquireOptions)

type acquireOptions struct {
	weight int
}

// WithWeight 设置新建连接的负载均衡权重，复用已有连接时不生效
func WithWeight(weight int) AcquireOption {
	return func(o *acquireOptions) { o.weight = weight }
}

// weightFor 未指定权重时使用配置中该 URL 的权重，缺省为 1
func (p *Pool) weightFor(url string, weight int) int {
	if weight > 0 {
		return weight
	}
	if w, ok := p.cfg.Weights[url]; ok && w > 0 {
		return w
	}
	return 1
}

// Acquire 获取一个可用连接：优先复用空闲连接，否则新建
func (p *Pool) Acquire(ctx context.Context, cfg types.ClientConfig, opts ...AcquireOption) (*client.Client, error) {
	var o acquireOptions
	for _, opt := range opts {
		opt(&o)
	}

	p.totalRequests.Inc()

	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return nil, ErrPoolDestroyed
	}
	if candidates := p.reuse.candidates(p.reg.forURL(cfg.URL), cfg); len(candidates) > 0 {
		e := p.balancer.pick(candidates)
		e.inUse = true
		e.useCount++
		e.lastUsed = p.now()
		p.mu.Unlock()

		p.successful.Inc()
		p.reused.Inc()
		p.Emit(types.EventConnectionReused, types.PoolEvent{ConnectionID: e.id(), URL: e.url()})
		return e.client, nil
	}
	p.mu.Unlock()

	e, err := p.create(ctx, cfg, p.weightFor(cfg.URL, o.weight), true)
	if err != nil {
		return nil, err
	}
	p.successful.Inc()
	return e.client, nil
}

// create 预留容量后建立新连接并登记
func (p *Pool) create(ctx context.Context, cfg types.ClientConfig, weight int, lease bool) (*entry, error) {
	var events []emitter.Event

	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return nil, ErrPoolDestroyed
	}
	var evicted []*entry
	if p.reg.size()+p.creating >= p.cfg.MaxConnections {
		evicted, events = p.cleanupIdleLocked(events)
	}
	if p.reg.size()+p.creating >= p.cfg.MaxConnections {
		p.mu.Unlock()
		p.finishEviction(evicted, events)
		p.Emit(types.EventPoolFull, types.PoolEvent{URL: cfg.URL})
		return nil, fmt.Errorf("%w: %d connections", ErrPoolFull, p.cfg.MaxConnections)
	}
	p.creating++
	p.mu.Unlock()
	p.finishEviction(evicted, events)

	c, err := p.dial(ctx, cfg)

	p.mu.Lock()
	p.creating--
	if err == nil && p.destroyed {
		err = ErrPoolDestroyed
	}
	if err != nil {
		p.mu.Unlock()
		if c != nil {
			c.Destroy()
		}
		return nil, err
	}
	now := p.now()
	e := &entry{client: c, cfg: c.GetConfig(), inUse: lease, weight: weight, createdAt: now, lastUsed: now}
	if lease {
		e.useCount = 1
	}
	p.reg.add(e)
	p.mu.Unlock()

	p.watch(e)
	p.logger.Info().Str("connection_id", e.id()).Str("url", e.url()).Msg("connection created")
	p.Emit(types.EventConnectionCreated, types.PoolEvent{ConnectionID: e.id(), URL: e.url()})
	return e, nil
}

// dial 创建客户端并连接，连接池销毁时取消
func (p *Pool) dial(ctx context.Context, cfg types.ClientConfig) (*client.Client, error) {
	c, err := client.New(cfg, p.clientOpts...)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(p.ctx, cancel)
	defer stop()

	if err := c.Connect(ctx); err != nil {
		return c, err
	}
	return c, nil
}

// watch 连接自身关闭或出错时移出连接池
func (p *Pool) watch(e *entry) {
	id := e.id()
	e.client.Once(types.EventClose, func(data any) {
		reason := "closed"
		if ev, ok := data.(types.CloseEvent); ok && ev.Reason != "" {
			reason = ev.Reason
		}
		p.evict(id, reason)
	})
	e.client.Once(types.EventError, func(any) {
		p.evict(id, "error")
	})
}

// evict 移除并销毁连接
func (p *Pool) evict(id, reason string) bool {
	p.mu.Lock()
	e, ok := p.reg.remove(id)
	p.mu.Unlock()
	if !ok {
		return false
	}
	e.client.Destroy()
	p.logger.Info().Str("connection_id", id).Str("reason", reason).Msg("connection removed")
	p.Emit(types.EventConnectionDestroyed, types.PoolEvent{ConnectionID: id, URL: e.url(), Reason: reason})
	return true
}

// Release 归还连接，连接保持打开并可被复用
func (p *Pool) Release(c *client.Client) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.reg.get(c.ID())
	if !ok {
		return ErrNotPooled
	}
	e.inUse = false
	e.lastUsed = p.now()
	return nil
}

// Destroy 移除并销毁连接
func (p *Pool) Destroy(c *client.Client) error {
	if !p.evict(c.ID(), "destroyed") {
		return ErrNotPooled
	}
	return nil
}

// Size 返回连接数
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reg.size()
}

// Stats 返回统计信息
func (p *Pool) Stats() types.PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := types.PoolStats{
		TotalConnections:   p.reg.size(),
		TotalRequests:      p.totalRequests.Load(),
		SuccessfulRequests: p.successful.Load(),
		ReusedRequests:     p.reused.Load(),
	}
	for _, e := range p.reg.all() {
		switch e.client.GetState() {
		case types.StateError, types.StateClosed:
			stats.FailedConnections++
		case types.StateConnecting, types.StateReconnecting:
			stats.ConnectingConnections++
		default:
			if e.inUse {
				stats.ActiveConnections++
			} else {
				stats.IdleConnections++
			}
		}
	}
	if stats.TotalRequests > 0 {
		stats.HitRate = float64(stats.SuccessfulRequests) / float64(stats.TotalRequests)
	}
	return stats
}

// Clear 销毁全部连接
func (p *Pool) Clear() {
	p.mu.Lock()
	all := p.reg.clear()
	p.mu.Unlock()

	for _, e := range all {
		e.client.Destroy()
		p.Emit(types.EventConnectionDestroyed, types.PoolEvent{ConnectionID: e.id(), URL: e.url(), Reason: "cleared"})
	}
}

// DestroyPool 停止巡检，取消进行中的获取并销毁全部连接。可重复调用
func (p *Pool) DestroyPool() {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return
	}
	p.destroyed = true
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()
	p.Clear()
	p.RemoveAllListeners()
	p.logger.Info().Msg("pool destroyed")
}

// Warmup 并发建立预热连接，连接保持空闲
func (p *Pool) Warmup(ctx context.Context) error {
	w := p.cfg.Warmup
	if !w.Enabled || w.Count <= 0 {
		return nil
	}
	p.logger.Info().Int("count", w.Count).Str("url", w.Client.URL).Msg("warming up")

	weight := p.weightFor(w.Client.URL, w.Weight)
	g, ctx := errgroup.WithContext(ctx)
	for range w.Count {
		g.Go(func() error {
			_, err := p.create(ctx, w.Client, weight, false)
			return err
		})
	}
	return g.Wait()
}

func (p *Pool) sweepLoop() {
	defer p.wg.Done()

	health := time.NewTicker(p.cfg.HealthCheckInterval)
	defer health.Stop()
	validation := time.NewTicker(p.cfg.ValidationInterval)
	defer validation.Stop()

	for {
		select {
		case <-health.C:
			p.sweep(CheckHealth)
		case <-validation.C:
			p.sweep(CheckValidation)
		case <-p.ctx.Done():
			return
		}
	}
}

// sweep 移除不再连接的连接；健康检查同时清理超时的空闲连接
func (p *Pool) sweep(kind string) {
	var events []emitter.Event

	p.mu.Lock()
	all := p.reg.all()
	var dead []*entry
	for _, e := range all {
		if !e.client.IsConnected() {
			p.reg.remove(e.id())
			dead = append(dead, e)
		}
	}
	var idle []*entry
	if kind == CheckHealth {
		idle, events = p.cleanupIdleLocked(events)
	}
	p.mu.Unlock()

	for _, e := range dead {
		events = append(events, emitter.Event{Name: types.EventConnectionDestroyed, Data: types.PoolEvent{
			ConnectionID: e.id(), URL: e.url(), Reason: "not connected",
		}})
	}
	events = append(events, emitter.Event{Name: types.EventHealthCheck, Data: types.HealthCheckEvent{
		Checked: len(all), Removed: len(dead) + len(idle), Kind: kind,
	}})
	p.finishEviction(append(dead, idle...), events)

	if len(dead)+len(idle) > 0 {
		p.logger.Info().Str("kind", kind).Int("removed", len(dead)+len(idle)).Msg("sweep removed connections")
	}
}

// cleanupIdleLocked 移除超过空闲时长的连接
func (p *Pool) cleanupIdleLocked(events []emitter.Event) ([]*entry, []emitter.Event) {
	now := p.now()
	var evicted []*entry
	for _, e := range p.reg.all() {
		if e.inUse || now.Sub(e.lastUsed) <= p.cfg.IdleTimeout {
			continue
		}
		p.reg.remove(e.id())
		evicted = append(evicted, e)
		ev := types.PoolEvent{ConnectionID: e.id(), URL: e.url(), Reason: "idle timeout"}
		events = append(events,
			emitter.Event{Name: types.EventConnectionTimeout, Data: ev},
			emitter.Event{Name: types.EventConnectionDestroyed, Data: ev},
		)
	}
	return evicted, events
}

// finishEviction 在锁外销毁已移除的连接并发出事件
func (p *Pool) finishEviction(evicted []*entry, events []emitter.Event) {
	for _, e := range evicted {
		e.client.Destroy()
	}
	p.EmitBatch(events)
}
