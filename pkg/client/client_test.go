package client

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BetaCatPro/ws-resilience/internal/conn"
	"github.com/BetaCatPro/ws-resilience/internal/protocol"
	"github.com/BetaCatPro/ws-resilience/pkg/types"
)

func testConfig() types.ClientConfig {
	cfg := types.DefaultClientConfig("ws://pipe.test/ws")
	cfg.Reconnect.InitialDelay = 10 * time.Millisecond
	cfg.Reconnect.MaxDelay = 50 * time.Millisecond
	cfg.Reconnect.Jitter = time.Millisecond
	cfg.Reconnect.MaxAttempts = 3
	cfg.Heartbeat.Enabled = false
	cfg.LogLevel = "disabled"
	return cfg
}

func newTestClient(t *testing.T, cfg types.ClientConfig, tr conn.Transport, opts ...Option) *Client {
	t.Helper()
	opts = append([]Option{WithTransport(tr), WithLogger(zerolog.Nop())}, opts...)
	c, err := New(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(c.Destroy)
	return c
}

type eventLog struct {
	mu     sync.Mutex
	events map[string][]any
}

func recordEvents(c *Client, names ...string) *eventLog {
	l := &eventLog{events: make(map[string][]any)}
	for _, name := range names {
		name := name
		c.On(name, func(data any) {
			l.mu.Lock()
			defer l.mu.Unlock()
			l.events[name] = append(l.events[name], data)
		})
	}
	return l
}

func (l *eventLog) count(name string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events[name])
}

func (l *eventLog) get(name string) []any {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]any(nil), l.events[name]...)
}

func TestNew_RejectsNonPositiveFields(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*types.ClientConfig)
	}{
		{"connectionTimeout", func(c *types.ClientConfig) { c.ConnectionTimeout = 0 }},
		{"reconnect.maxAttempts", func(c *types.ClientConfig) { c.Reconnect.MaxAttempts = 0 }},
		{"reconnect.initialDelay", func(c *types.ClientConfig) { c.Reconnect.InitialDelay = -1 }},
		{"reconnect.maxDelay", func(c *types.ClientConfig) { c.Reconnect.MaxDelay = 0 }},
		{"reconnect.backoffMultiplier", func(c *types.ClientConfig) { c.Reconnect.BackoffMultiplier = 0 }},
		{"heartbeat.interval", func(c *types.ClientConfig) { c.Heartbeat.Interval = 0 }},
		{"heartbeat.timeout", func(c *types.ClientConfig) { c.Heartbeat.Timeout = 0 }},
		{"heartbeat.maxFailures", func(c *types.ClientConfig) { c.Heartbeat.MaxFailures = 0 }},
		{"messageQueue.maxSize", func(c *types.ClientConfig) { c.Queue.MaxSize = 0 }},
		{"url", func(c *types.ClientConfig) { c.URL = "http://example.com" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(&cfg)
			_, err := New(cfg)
			require.Error(t, err)
			assert.True(t, IsConfigError(err))
			var ce *ConfigError
			require.True(t, errors.As(err, &ce))
			assert.Equal(t, tt.name, ce.Field)
		})
	}
}

func TestClient_Connect(t *testing.T) {
	tr := conn.NewPipeTransport(conn.AutoReply)
	c := newTestClient(t, testConfig(), tr)
	log := recordEvents(c, types.EventOpen, types.EventStateChange)

	require.NoError(t, c.Connect(context.Background()))
	assert.True(t, c.IsConnected())
	assert.Equal(t, 1, log.count(types.EventOpen))

	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, 1, tr.Opens())

	changes := log.get(types.EventStateChange)
	require.Len(t, changes, 2)
	assert.Equal(t, types.StateChangeEvent{From: types.StateDisconnected, To: types.StateConnecting}, changes[0])
	assert.Equal(t, types.StateChangeEvent{From: types.StateConnecting, To: types.StateConnected}, changes[1])
	assert.False(t, c.GetStats().ConnectedAt.IsZero())
}

func TestClient_ConnectFailureWithoutReconnect(t *testing.T) {
	tr := conn.NewPipeTransport(nil)
	tr.SetDialError(errors.New("refused"))
	cfg := testConfig()
	cfg.Reconnect.Enabled = false
	c := newTestClient(t, cfg, tr)
	log := recordEvents(c, types.EventError)

	err := c.Connect(context.Background())
	assert.Error(t, err)
	assert.Equal(t, types.StateError, c.GetState())
	assert.Equal(t, 1, log.count(types.EventError))
}

func TestClient_ConnectTimeout(t *testing.T) {
	tr := conn.NewPipeTransport(nil)
	tr.SetDialDelay(time.Second)
	cfg := testConfig()
	cfg.Reconnect.Enabled = false
	cfg.ConnectionTimeout = 20 * time.Millisecond
	c := newTestClient(t, cfg, tr)

	err := c.Connect(context.Background())
	assert.ErrorIs(t, err, ErrConnectTimeout)
}

func TestClient_ReconnectExhausted(t *testing.T) {
	tr := conn.NewPipeTransport(nil)
	tr.SetDialError(errors.New("refused"))
	c := newTestClient(t, testConfig(), tr)
	log := recordEvents(c, types.EventReconnectStart, types.EventReconnectFailed)

	assert.Error(t, c.Connect(context.Background()))
	require.Eventually(t, func() bool { return c.GetState() == types.StateClosed }, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, 3, log.count(types.EventReconnectStart))
	require.Equal(t, 1, log.count(types.EventReconnectFailed))
	failed := log.get(types.EventReconnectFailed)[0].(types.ReconnectEvent)
	assert.ErrorIs(t, failed.Err, ErrMaxReconnect)

	dials := tr.Dials()
	assert.Equal(t, 4, dials)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, dials, tr.Dials())
	assert.Equal(t, types.StateClosed, c.GetState())
}

func TestClient_ReconnectAfterAbnormalClose(t *testing.T) {
	tr := conn.NewPipeTransport(conn.AutoReply)
	c := newTestClient(t, testConfig(), tr)
	log := recordEvents(c, types.EventClose, types.EventReconnectSuccess)

	require.NoError(t, c.Connect(context.Background()))
	tr.Last().Drop(conn.CloseAbnormal, "network down")

	require.Eventually(t, func() bool { return log.count(types.EventReconnectSuccess) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, c.IsConnected())
	assert.Equal(t, 2, tr.Opens())
	assert.Equal(t, 1, c.GetStats().ReconnectCount)

	closeEv := log.get(types.EventClose)[0].(types.CloseEvent)
	assert.Equal(t, conn.CloseAbnormal, closeEv.Code)
	assert.False(t, closeEv.WasClean)
}

func TestClient_CleanPeerCloseDoesNotReconnect(t *testing.T) {
	tr := conn.NewPipeTransport(nil)
	c := newTestClient(t, testConfig(), tr)

	require.NoError(t, c.Connect(context.Background()))
	tr.Last().Drop(CloseNormal, "bye")

	assert.Equal(t, types.StateDisconnected, c.GetState())
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, tr.Dials())
}

func TestClient_Disconnect(t *testing.T) {
	tr := conn.NewPipeTransport(nil)
	c := newTestClient(t, testConfig(), tr)
	log := recordEvents(c, types.EventClose)

	require.NoError(t, c.Connect(context.Background()))
	h := tr.Last()
	require.NoError(t, c.Disconnect(CloseNormal, "done"))

	assert.Equal(t, types.StateDisconnected, c.GetState())
	code, reason := h.CloseInfo()
	assert.Equal(t, CloseNormal, code)
	assert.Equal(t, "done", reason)
	assert.Equal(t, types.CloseEvent{Code: CloseNormal, Reason: "done", WasClean: true}, log.get(types.EventClose)[0])

	// 本端关闭后对端的回调被忽略
	h.Drop(conn.CloseAbnormal, "late")
	assert.Equal(t, types.StateDisconnected, c.GetState())
}

func TestClient_QueueFlushInPriorityOrder(t *testing.T) {
	tr := conn.NewPipeTransport(nil)
	c := newTestClient(t, testConfig(), tr)
	ctx := context.Background()

	require.NoError(t, c.Send(ctx, "low", WithPriority(types.PriorityLow)))
	require.NoError(t, c.Send(ctx, "urgent", WithPriority(types.PriorityUrgent)))
	require.NoError(t, c.Send(ctx, "normal"))
	assert.Equal(t, 3, c.GetQueueLength())

	require.NoError(t, c.Connect(ctx))
	assert.Zero(t, c.GetQueueLength())

	var got []string
	for _, f := range tr.Last().Sent() {
		got = append(got, string(f.Data))
	}
	assert.Equal(t, []string{"urgent", "normal", "low"}, got)
	assert.Equal(t, int64(3), c.GetStats().MessagesSent)
}

func TestClient_QueueOverflowAndClear(t *testing.T) {
	cfg := testConfig()
	cfg.Queue.MaxSize = 2
	c := newTestClient(t, cfg, conn.NewPipeTransport(nil))
	log := recordEvents(c, types.EventMessageFailed)
	ctx := context.Background()

	for _, s := range []string{"a", "b", "c"} {
		require.NoError(t, c.Send(ctx, s))
	}
	assert.Equal(t, 2, c.GetQueueLength())
	require.Equal(t, 1, log.count(types.EventMessageFailed))
	ev := log.get(types.EventMessageFailed)[0].(types.MessageEvent)
	assert.Equal(t, "a", ev.Message.Payload)
	assert.ErrorIs(t, ev.Err, ErrQueueOverflow)

	c.ClearQueue()
	assert.Zero(t, c.GetQueueLength())
}

func TestClient_QueueDeduplicate(t *testing.T) {
	cfg := testConfig()
	cfg.Queue.Deduplicate = true
	c := newTestClient(t, cfg, conn.NewPipeTransport(nil))
	log := recordEvents(c, types.EventMessageFailed)
	ctx := context.Background()

	require.NoError(t, c.Send(ctx, "first", WithMessageID("m-1")))
	err := c.Send(ctx, "again", WithMessageID("m-1"))
	assert.ErrorIs(t, err, ErrDuplicate)
	assert.Contains(t, err.Error(), "m-1")

	require.NoError(t, c.Send(ctx, "other", WithMessageID("m-2")))
	assert.Equal(t, 2, c.GetQueueLength())
	assert.Zero(t, log.count(types.EventMessageFailed))
}

func TestClient_QueueDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.Queue.Enabled = false
	c := newTestClient(t, cfg, conn.NewPipeTransport(nil))

	assert.ErrorIs(t, c.Send(context.Background(), "x"), ErrQueueDisabled)
	assert.Equal(t, int64(1), c.GetStats().MessagesFailed)
}

func TestClient_AckRoundTrip(t *testing.T) {
	tr := conn.NewPipeTransport(conn.AutoReply)
	c := newTestClient(t, testConfig(), tr)
	require.NoError(t, c.Connect(context.Background()))

	err := c.Send(context.Background(), map[string]string{"op": "save"}, WithAck(time.Second))
	assert.NoError(t, err)
}

func TestClient_AckTimeout(t *testing.T) {
	tr := conn.NewPipeTransport(nil)
	c := newTestClient(t, testConfig(), tr)
	require.NoError(t, c.Connect(context.Background()))

	start := time.Now()
	err := c.Send(context.Background(), "x", WithAck(50*time.Millisecond))
	assert.ErrorIs(t, err, ErrAckTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	// 超时后到达的确认不影响结果
	tr.Last().DeliverText(`{"ackId":"late"}`)
}

func TestClient_AckRejected(t *testing.T) {
	tr := conn.NewPipeTransport(func(p *conn.PipeHandle, f protocol.Frame) {
		id := between(string(f.Data), `"id":"`, `"`)
		p.DeliverText(`{"ackId":"` + id + `","error":"forbidden"}`)
	})
	c := newTestClient(t, testConfig(), tr)
	require.NoError(t, c.Connect(context.Background()))

	err := c.Send(context.Background(), "x", WithAck(time.Second), WithMessageID("m-1"))
	assert.ErrorIs(t, err, ErrAckRejected)
	var ackErr *AckError
	require.True(t, errors.As(err, &ackErr))
	assert.Equal(t, "m-1", ackErr.MessageID)
	assert.Equal(t, "forbidden", ackErr.Reason)
}

func TestClient_AckContextCancel(t *testing.T) {
	tr := conn.NewPipeTransport(nil)
	c := newTestClient(t, testConfig(), tr)
	require.NoError(t, c.Connect(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := c.Send(ctx, "x", WithAck(time.Second))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClient_MessageTooLarge(t *testing.T) {
	cfg := testConfig()
	cfg.MaxMessageSize = 10
	tr := conn.NewPipeTransport(nil)
	c := newTestClient(t, cfg, tr)
	require.NoError(t, c.Connect(context.Background()))

	err := c.Send(context.Background(), strings.Repeat("x", 100))
	assert.ErrorIs(t, err, ErrMessageTooLarge)
	assert.Empty(t, tr.Last().Sent())
	assert.Equal(t, int64(1), c.GetStats().MessagesFailed)
}

func TestClient_IncomingMessages(t *testing.T) {
	tr := conn.NewPipeTransport(nil)
	c := newTestClient(t, testConfig(), tr)
	log := recordEvents(c, types.EventMessage, types.EventMessageReceived)
	require.NoError(t, c.Connect(context.Background()))

	h := tr.Last()
	h.DeliverText(`{"id":"s1","value":1}`)
	h.DeliverText("plain")
	h.Deliver(protocol.Frame{Binary: true, Data: []byte{7}})
	h.DeliverText(`{"type":"pong"}`)

	msgs := log.get(types.EventMessage)
	require.Len(t, msgs, 3)
	assert.Equal(t, types.MessageJSON, msgs[0].(types.Message).Type)
	assert.Equal(t, "s1", msgs[0].(types.Message).ID)
	assert.Equal(t, "plain", msgs[1].(types.Message).Payload)
	assert.Equal(t, types.MessageBinary, msgs[2].(types.Message).Type)
	assert.Equal(t, 3, log.count(types.EventMessageReceived))
	assert.Equal(t, int64(3), c.GetStats().MessagesReceived)
}

func TestClient_CorruptCompressedFrame(t *testing.T) {
	cfg := testConfig()
	cfg.Compression = "gzip"
	tr := conn.NewPipeTransport(nil)
	var buf syncBuffer
	c := newTestClient(t, cfg, tr, WithLogger(zerolog.New(&buf)))
	log := recordEvents(c, types.EventMessageReceived)
	require.NoError(t, c.Connect(context.Background()))

	tr.Last().Deliver(protocol.Frame{Binary: true, Data: []byte("garbage")})

	require.Equal(t, 1, log.count(types.EventMessageReceived))
	ev := log.get(types.EventMessageReceived)[0].(types.MessageEvent)
	assert.ErrorIs(t, ev.Err, ErrDecompression)
	assert.Equal(t, []byte("garbage"), ev.Message.Payload)
	assert.Contains(t, buf.String(), "delivering undecoded binary frame")
}

type syncBuffer struct {
	mu  sync.Mutex
	buf strings.Builder
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestClient_Heartbeat(t *testing.T) {
	cfg := testConfig()
	cfg.Heartbeat = types.HeartbeatConfig{
		Enabled:     true,
		Interval:    20 * time.Millisecond,
		Timeout:     15 * time.Millisecond,
		MaxFailures: 3,
	}
	tr := conn.NewPipeTransport(conn.AutoReply)
	c := newTestClient(t, cfg, tr)
	log := recordEvents(c, types.EventHeartbeatSent, types.EventHeartbeatReceived)
	require.NoError(t, c.Connect(context.Background()))

	require.Eventually(t, func() bool { return log.count(types.EventHeartbeatReceived) >= 3 }, 2*time.Second, 5*time.Millisecond)
	stats := c.GetStats()
	assert.False(t, stats.LastHeartbeat.IsZero())
	assert.Zero(t, stats.HeartbeatFailures)
	assert.GreaterOrEqual(t, log.count(types.EventHeartbeatSent), 3)
}

func TestClient_HeartbeatTimeoutForcesClose(t *testing.T) {
	cfg := testConfig()
	cfg.Reconnect.Enabled = false
	cfg.Heartbeat = types.HeartbeatConfig{
		Enabled:     true,
		Interval:    20 * time.Millisecond,
		Timeout:     10 * time.Millisecond,
		MaxFailures: 2,
	}
	tr := conn.NewPipeTransport(nil)
	c := newTestClient(t, cfg, tr)
	log := recordEvents(c, types.EventHeartbeatTimeout, types.EventClose)
	require.NoError(t, c.Connect(context.Background()))
	h := tr.Last()

	require.Eventually(t, func() bool { return log.count(types.EventClose) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, log.count(types.EventHeartbeatTimeout))
	closeEv := log.get(types.EventClose)[0].(types.CloseEvent)
	assert.Equal(t, CloseHeartbeatTimeout, closeEv.Code)
	assert.Equal(t, "heartbeat timeout", closeEv.Reason)
	assert.Equal(t, types.StateDisconnected, c.GetState())

	require.Eventually(t, h.IsClosed, time.Second, time.Millisecond)
	code, _ := h.CloseInfo()
	assert.Equal(t, CloseHeartbeatTimeout, code)
}

func TestClient_HeartbeatTimeoutReconnects(t *testing.T) {
	cfg := testConfig()
	cfg.Heartbeat = types.HeartbeatConfig{
		Enabled:     true,
		Interval:    20 * time.Millisecond,
		Timeout:     10 * time.Millisecond,
		MaxFailures: 1,
	}
	tr := conn.NewPipeTransport(nil)
	c := newTestClient(t, cfg, tr)
	log := recordEvents(c, types.EventReconnectStart)
	require.NoError(t, c.Connect(context.Background()))

	require.Eventually(t, func() bool { return tr.Opens() >= 2 }, 2*time.Second, 5*time.Millisecond)
	start := log.get(types.EventReconnectStart)[0].(types.ReconnectEvent)
	var closeErr *CloseError
	require.True(t, errors.As(start.Err, &closeErr))
	assert.Equal(t, CloseHeartbeatTimeout, closeErr.Code)
}

func TestClient_Destroy(t *testing.T) {
	tr := conn.NewPipeTransport(nil)
	c := newTestClient(t, testConfig(), tr)
	require.NoError(t, c.Connect(context.Background()))

	result := make(chan error, 1)
	go func() {
		result <- c.Send(context.Background(), "x", WithAck(time.Minute))
	}()
	require.Eventually(t, func() bool { return len(tr.Last().Sent()) == 1 }, time.Second, time.Millisecond)

	c.Destroy()
	select {
	case err := <-result:
		assert.ErrorIs(t, err, ErrDestroyed)
	case <-time.After(time.Second):
		t.Fatal("pending ack not rejected")
	}

	assert.NotPanics(t, c.Destroy)
	assert.Equal(t, types.StateClosed, c.GetState())
	assert.True(t, c.IsDestroyed())
	assert.True(t, tr.Last().IsClosed())
	assert.ErrorIs(t, c.Send(context.Background(), "y"), ErrDestroyed)
	assert.ErrorIs(t, c.Connect(context.Background()), ErrDestroyed)
	assert.Zero(t, c.ListenerCount(types.EventOpen))
}

type staticAuth struct {
	headers map[string]string
	err     error
}

func (a staticAuth) Authenticate(context.Context) error { return a.err }
func (a staticAuth) GetAuthHeaders() map[string]string  { return a.headers }

func TestClient_AuthHeaders(t *testing.T) {
	t.Run("from config", func(t *testing.T) {
		cfg := testConfig()
		cfg.Auth = types.AuthConfig{Type: types.AuthToken, Token: "secret", HeaderName: "Authorization"}
		tr := conn.NewPipeTransport(nil)
		c := newTestClient(t, cfg, tr)

		require.NoError(t, c.Connect(context.Background()))
		assert.Equal(t, "Bearer secret", tr.LastHeader().Get("Authorization"))
	})

	t.Run("provider", func(t *testing.T) {
		tr := conn.NewPipeTransport(nil)
		c := newTestClient(t, testConfig(), tr, WithAuth(staticAuth{headers: map[string]string{"X-Key": "k"}}))

		require.NoError(t, c.Connect(context.Background()))
		assert.Equal(t, "k", tr.LastHeader().Get("X-Key"))
	})

	t.Run("failure", func(t *testing.T) {
		cfg := testConfig()
		cfg.Reconnect.Enabled = false
		tr := conn.NewPipeTransport(nil)
		c := newTestClient(t, cfg, tr, WithAuth(staticAuth{err: errors.New("denied")}))

		assert.Error(t, c.Connect(context.Background()))
		assert.Zero(t, tr.Dials())
		assert.Equal(t, types.StateError, c.GetState())
	})
}

func between(s, start, end string) string {
	i := strings.Index(s, start)
	if i < 0 {
		return ""
	}
	s = s[i+len(start):]
	j := strings.Index(s, end)
	if j < 0 {
		return ""
	}
	return s[:j]
}
