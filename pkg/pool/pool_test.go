package pool

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BetaCatPro/ws-resilience/internal/conn"
	"github.com/BetaCatPro/ws-resilience/pkg/client"
	"github.com/BetaCatPro/ws-resilience/pkg/types"
)

func clientConfig(url string) types.ClientConfig {
	cfg := types.DefaultClientConfig(url)
	cfg.Reconnect.Enabled = false
	cfg.Heartbeat.Enabled = false
	cfg.LogLevel = "disabled"
	return cfg
}

func poolConfig() types.PoolConfig {
	cfg := types.DefaultPoolConfig()
	cfg.ReuseStrategy = types.ReuseByURL
	cfg.LogLevel = "disabled"
	return cfg
}

func newTestPool(t *testing.T, cfg types.PoolConfig) (*Pool, *conn.PipeTransport) {
	t.Helper()
	tr := conn.NewPipeTransport(conn.AutoReply)
	p, err := New(cfg,
		WithLogger(zerolog.Nop()),
		WithClientOptions(client.WithTransport(tr)),
	)
	require.NoError(t, err)
	t.Cleanup(p.DestroyPool)
	return p, tr
}

type counter struct {
	mu     sync.Mutex
	counts map[string]int
}

func countEvents(p *Pool, names ...string) *counter {
	c := &counter{counts: make(map[string]int)}
	for _, name := range names {
		name := name
		p.On(name, func(any) {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.counts[name]++
		})
	}
	return c
}

func (c *counter) get(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[name]
}

func TestPool_ReuseByURL(t *testing.T) {
	p, tr := newTestPool(t, poolConfig())
	events := countEvents(p, types.EventConnectionCreated, types.EventConnectionReused)
	ctx := context.Background()
	cfg := clientConfig("ws://a.test/ws")

	first, err := p.Acquire(ctx, cfg)
	require.NoError(t, err)
	assert.True(t, first.IsConnected())
	require.NoError(t, p.Release(first))

	second, err := p.Acquire(ctx, cfg)
	require.NoError(t, err)
	assert.Same(t, first, second)

	stats := p.Stats()
	assert.Equal(t, 1.0, stats.HitRate)
	assert.Equal(t, 1, stats.TotalConnections)
	assert.Equal(t, 1, stats.ActiveConnections)
	assert.Equal(t, int64(1), stats.ReusedRequests)
	assert.Equal(t, 1, tr.Opens())
	assert.Equal(t, 1, events.get(types.EventConnectionCreated))
	assert.Equal(t, 1, events.get(types.EventConnectionReused))
}

func TestPool_InUseConnectionNotReused(t *testing.T) {
	p, _ := newTestPool(t, poolConfig())
	ctx := context.Background()
	cfg := clientConfig("ws://a.test/ws")

	first, err := p.Acquire(ctx, cfg)
	require.NoError(t, err)
	second, err := p.Acquire(ctx, cfg)
	require.NoError(t, err)

	assert.NotSame(t, first, second)
	assert.Equal(t, 2, p.Size())
}

func TestPool_ReuseNone(t *testing.T) {
	cfg := poolConfig()
	cfg.ReuseStrategy = types.ReuseNone
	p, _ := newTestPool(t, cfg)
	ctx := context.Background()

	first, err := p.Acquire(ctx, clientConfig("ws://a.test/ws"))
	require.NoError(t, err)
	require.NoError(t, p.Release(first))
	_, err = p.Acquire(ctx, clientConfig("ws://a.test/ws"))
	require.NoError(t, err)

	assert.Equal(t, 2, p.Size())
	assert.Equal(t, 1, p.Stats().IdleConnections)
}

func TestPool_Capacity(t *testing.T) {
	cfg := poolConfig()
	cfg.MaxConnections = 2
	p, _ := newTestPool(t, cfg)
	events := countEvents(p, types.EventPoolFull)
	ctx := context.Background()

	_, err := p.Acquire(ctx, clientConfig("ws://a.test/ws"))
	require.NoError(t, err)
	_, err = p.Acquire(ctx, clientConfig("ws://b.test/ws"))
	require.NoError(t, err)

	_, err = p.Acquire(ctx, clientConfig("ws://c.test/ws"))
	assert.ErrorIs(t, err, ErrPoolFull)
	assert.Equal(t, 1, events.get(types.EventPoolFull))
	assert.Equal(t, 2, p.Size())

	stats := p.Stats()
	assert.Equal(t, int64(3), stats.TotalRequests)
	assert.Equal(t, int64(2), stats.SuccessfulRequests)
}

func TestPool_CapacityEvictsIdle(t *testing.T) {
	cfg := poolConfig()
	cfg.MaxConnections = 1
	cfg.IdleTimeout = 10 * time.Millisecond
	p, _ := newTestPool(t, cfg)
	events := countEvents(p, types.EventConnectionTimeout, types.EventConnectionDestroyed)
	ctx := context.Background()

	old, err := p.Acquire(ctx, clientConfig("ws://a.test/ws"))
	require.NoError(t, err)
	require.NoError(t, p.Release(old))
	time.Sleep(20 * time.Millisecond)

	_, err = p.Acquire(ctx, clientConfig("ws://b.test/ws"))
	require.NoError(t, err)
	assert.Equal(t, 1, p.Size())
	assert.True(t, old.IsDestroyed())
	assert.Equal(t, 1, events.get(types.EventConnectionTimeout))
	assert.Equal(t, 1, events.get(types.EventConnectionDestroyed))
}

func TestPool_EvictsOnClientClose(t *testing.T) {
	p, tr := newTestPool(t, poolConfig())
	events := countEvents(p, types.EventConnectionDestroyed)

	c, err := p.Acquire(context.Background(), clientConfig("ws://a.test/ws"))
	require.NoError(t, err)
	tr.Last().Drop(conn.CloseAbnormal, "network down")

	assert.Zero(t, p.Size())
	assert.True(t, c.IsDestroyed())
	assert.Equal(t, 1, events.get(types.EventConnectionDestroyed))
}

func TestPool_ConnectFailure(t *testing.T) {
	p, tr := newTestPool(t, poolConfig())
	tr.SetDialError(assert.AnError)

	_, err := p.Acquire(context.Background(), clientConfig("ws://a.test/ws"))
	assert.Error(t, err)
	assert.Zero(t, p.Size())

	stats := p.Stats()
	assert.Equal(t, int64(1), stats.TotalRequests)
	assert.Zero(t, stats.HitRate)
}

func TestPool_ReleaseAndDestroyUnknown(t *testing.T) {
	p, _ := newTestPool(t, poolConfig())
	other, err := client.New(clientConfig("ws://a.test/ws"), client.WithLogger(zerolog.Nop()))
	require.NoError(t, err)
	defer other.Destroy()

	assert.ErrorIs(t, p.Release(other), ErrNotPooled)
	assert.ErrorIs(t, p.Destroy(other), ErrNotPooled)
}

func TestPool_Destroy(t *testing.T) {
	p, tr := newTestPool(t, poolConfig())

	c, err := p.Acquire(context.Background(), clientConfig("ws://a.test/ws"))
	require.NoError(t, err)
	require.NoError(t, p.Destroy(c))

	assert.Zero(t, p.Size())
	assert.True(t, c.IsDestroyed())
	assert.True(t, tr.Last().IsClosed())
}

func TestPool_HealthCheck(t *testing.T) {
	cfg := poolConfig()
	cfg.HealthCheckInterval = 10 * time.Millisecond
	cfg.ValidationInterval = 15 * time.Millisecond
	p, _ := newTestPool(t, cfg)

	var mu sync.Mutex
	kinds := map[string]int{}
	p.On(types.EventHealthCheck, func(data any) {
		mu.Lock()
		defer mu.Unlock()
		kinds[data.(types.HealthCheckEvent).Kind]++
	})

	_, err := p.Acquire(context.Background(), clientConfig("ws://a.test/ws"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return kinds[CheckHealth] > 0 && kinds[CheckValidation] > 0
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, p.Size())
}

func TestPool_SweepRemovesDisconnected(t *testing.T) {
	p, _ := newTestPool(t, poolConfig())

	var checks []types.HealthCheckEvent
	p.On(types.EventHealthCheck, func(data any) {
		checks = append(checks, data.(types.HealthCheckEvent))
	})

	c, err := p.Acquire(context.Background(), clientConfig("ws://a.test/ws"))
	require.NoError(t, err)

	// 模拟已断开但尚未通知连接池的连接
	c.OffAll(types.EventClose)
	require.NoError(t, c.Disconnect(client.CloseNormal, "bye"))

	p.sweep(CheckValidation)
	assert.Zero(t, p.Size())
	require.Len(t, checks, 1)
	assert.Equal(t, types.HealthCheckEvent{Checked: 1, Removed: 1, Kind: CheckValidation}, checks[0])
}

func TestPool_Warmup(t *testing.T) {
	cfg := poolConfig()
	cfg.Warmup = types.WarmupConfig{Enabled: true, Count: 3, Client: clientConfig("ws://warm.test/ws")}
	p, tr := newTestPool(t, cfg)

	require.Eventually(t, func() bool { return p.Size() == 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 3, p.Stats().IdleConnections)

	_, err := p.Acquire(context.Background(), clientConfig("ws://warm.test/ws"))
	require.NoError(t, err)
	assert.Equal(t, 3, tr.Opens())
	assert.Equal(t, int64(1), p.Stats().ReusedRequests)
}

func TestPool_DestroyPool(t *testing.T) {
	p, _ := newTestPool(t, poolConfig())

	c, err := p.Acquire(context.Background(), clientConfig("ws://a.test/ws"))
	require.NoError(t, err)

	p.DestroyPool()
	assert.NotPanics(t, p.DestroyPool)
	assert.True(t, c.IsDestroyed())
	assert.Zero(t, p.Size())

	_, err = p.Acquire(context.Background(), clientConfig("ws://a.test/ws"))
	assert.ErrorIs(t, err, ErrPoolDestroyed)
}

func TestPool_DestroyPoolCancelsPendingAcquire(t *testing.T) {
	p, tr := newTestPool(t, poolConfig())
	tr.SetDialDelay(time.Second)

	result := make(chan error, 1)
	go func() {
		_, err := p.Acquire(context.Background(), clientConfig("ws://a.test/ws"))
		result <- err
	}()
	require.Eventually(t, func() bool { return tr.Dials() == 1 }, time.Second, time.Millisecond)

	p.DestroyPool()
	select {
	case err := <-result:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("acquire not cancelled")
	}
	assert.Zero(t, p.Size())
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := poolConfig()
	cfg.MaxConnections = 0
	_, err := New(cfg)
	assert.True(t, client.IsConfigError(err))
}
