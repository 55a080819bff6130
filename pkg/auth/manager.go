// Package auth 管理单个身份的认证头和令牌刷新
package auth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/atomic"

	wserrors "github.com/BetaCatPro/ws-resilience/internal/errors"
	"github.com/BetaCatPro/ws-resilience/pkg/emitter"
	"github.com/BetaCatPro/ws-resilience/pkg/types"
)

const (
	refreshLeadTime = 5 * time.Minute  // 过期前多久刷新
	minRefreshDelay = time.Second      // 刷新延迟下限
	expiringNotice  = 60 * time.Second // 刷新前多久发出即将过期通知
)

// Manager 认证管理器
type Manager struct {
	*emitter.Emitter

	mu            sync.Mutex
	cfg           types.AuthConfig
	strategy      Strategy // 首次认证时构造，UpdateConfig 后重新构造
	state         types.AuthState
	expiresAt     time.Time
	refreshTimer  *time.Timer
	expiringTimer *time.Timer
	destroyed     bool

	refreshing atomic.Bool
	logger     zerolog.Logger
	now        func() time.Time
}

// Option 构造选项
type Option func(*Manager)

// WithLogger 设置日志器
func WithLogger(l zerolog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// New 创建认证管理器
func New(cfg types.AuthConfig, opts ...Option) *Manager {
	m := &Manager{
		cfg:    cfg,
		state:  types.AuthUnauthenticated,
		logger: zerolog.Nop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With().Str("component", "auth").Str("auth_type", string(cfg.Type)).Logger()
	m.Emitter = emitter.New(emitter.WithLogger(m.logger))
	return m
}

// State 返回当前认证状态
func (m *Manager) State() types.AuthState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// ExpiresAt 返回当前凭据的过期时间
func (m *Manager) ExpiresAt() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.expiresAt
}

// Authenticate 执行认证
func (m *Manager) Authenticate(ctx context.Context) error {
	var events []emitter.Event

	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return wserrors.ErrDestroyed
	}
	events = m.setStateLocked(events, types.AuthAuthenticating)
	if m.strategy == nil {
		s, err := NewStrategy(m.cfg)
		if err != nil {
			events = m.failLocked(events, err)
			m.mu.Unlock()
			m.EmitBatch(events)
			return fmt.Errorf("%w: %w", wserrors.ErrAuthFailed, err)
		}
		m.strategy = s
	}
	strategy := m.strategy
	m.mu.Unlock()
	m.EmitBatch(events)
	events = events[:0]

	res, err := strategy.Authenticate(ctx)

	m.mu.Lock()
	if err != nil {
		events = m.failLocked(events, err)
		m.mu.Unlock()
		m.EmitBatch(events)
		return fmt.Errorf("%w: %w", wserrors.ErrAuthFailed, err)
	}
	m.expiresAt = res.ExpiresAt
	events = m.setStateLocked(events, types.AuthAuthenticated)
	events = append(events, emitter.Event{Name: types.EventAuthenticated, Data: types.AuthEvent{ExpiresAt: res.ExpiresAt}})
	if !res.ExpiresAt.IsZero() && m.cfg.AutoRefresh && m.cfg.Refresh != nil {
		m.scheduleRefreshLocked(res.ExpiresAt)
	}
	m.mu.Unlock()

	m.EmitBatch(events)
	m.logger.Debug().Time("expires_at", res.ExpiresAt).Msg("authenticated")
	return nil
}

// IsAuthenticated 已认证且凭据未过期
func (m *Manager) IsAuthenticated() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isAuthenticatedLocked()
}

func (m *Manager) isAuthenticatedLocked() bool {
	if m.state != types.AuthAuthenticated {
		return false
	}
	return m.expiresAt.IsZero() || m.now().Before(m.expiresAt)
}

// GetAuthHeaders 返回认证头，未认证时返回空 map
func (m *Manager) GetAuthHeaders() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.strategy == nil || !m.isAuthenticatedLocked() {
		return map[string]string{}
	}
	return m.strategy.Headers()
}

// RefreshToken 调用刷新回调更新令牌；已有刷新在进行时直接返回 false
func (m *Manager) RefreshToken(ctx context.Context) (bool, error) {
	m.mu.Lock()
	refresh := m.cfg.Refresh
	destroyed := m.destroyed
	m.mu.Unlock()

	if destroyed {
		return false, wserrors.ErrDestroyed
	}
	if refresh == nil {
		return false, wserrors.ErrNoRefresh
	}
	if !m.refreshing.CompareAndSwap(false, true) {
		return false, nil
	}
	defer m.refreshing.Store(false)

	var events []emitter.Event
	m.mu.Lock()
	events = m.setStateLocked(events, types.AuthRefreshing)
	m.mu.Unlock()
	m.EmitBatch(events)
	events = events[:0]

	tr, err := refresh(ctx)

	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return false, wserrors.ErrDestroyed
	}
	if err != nil {
		events = m.setStateLocked(events, types.AuthExpired)
		events = append(events, emitter.Event{Name: types.EventTokenRefreshFailed, Data: types.AuthEvent{Err: err}})
		m.mu.Unlock()
		m.EmitBatch(events)
		m.logger.Warn().Err(err).Msg("token refresh failed")
		return false, err
	}

	m.cfg.Token = tr.Token
	m.cfg.TokenExpiry = tr.ExpiresAt
	if m.strategy == nil {
		s, err := NewStrategy(m.cfg)
		if err != nil {
			events = m.failLocked(events, err)
			m.mu.Unlock()
			m.EmitBatch(events)
			return false, fmt.Errorf("%w: %w", wserrors.ErrAuthFailed, err)
		}
		m.strategy = s
	} else if ts, ok := m.strategy.(*tokenStrategy); ok {
		ts.update(tr.Token, tr.ExpiresAt)
	}
	m.expiresAt = tr.ExpiresAt
	events = m.setStateLocked(events, types.AuthAuthenticated)
	events = append(events, emitter.Event{Name: types.EventTokenRefreshed, Data: types.AuthEvent{ExpiresAt: tr.ExpiresAt}})
	if !tr.ExpiresAt.IsZero() && m.cfg.AutoRefresh {
		m.scheduleRefreshLocked(tr.ExpiresAt)
	}
	m.mu.Unlock()

	m.EmitBatch(events)
	m.logger.Info().Time("expires_at", tr.ExpiresAt).Msg("token refreshed")
	return true, nil
}

// UpdateConfig 替换配置，丢弃已构造的策略并回到未认证状态
func (m *Manager) UpdateConfig(cfg types.AuthConfig) {
	var events []emitter.Event
	m.mu.Lock()
	m.cfg = cfg
	m.strategy = nil
	m.expiresAt = time.Time{}
	m.stopTimersLocked()
	events = m.setStateLocked(events, types.AuthUnauthenticated)
	m.mu.Unlock()
	m.EmitBatch(events)
}

// Destroy 停止定时器并移除全部监听器，可重复调用
func (m *Manager) Destroy() {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return
	}
	m.destroyed = true
	m.stopTimersLocked()
	m.strategy = nil
	m.state = types.AuthUnauthenticated
	m.mu.Unlock()
	m.RemoveAllListeners()
}

// refreshSchedule 计算刷新延迟以及即将过期通知的延迟，notice 为 0 表示不通知
func refreshSchedule(expiresAt, now time.Time) (refresh, notice time.Duration) {
	refresh = expiresAt.Sub(now) - refreshLeadTime
	if refresh < minRefreshDelay {
		refresh = minRefreshDelay
	}
	if refresh > expiringNotice {
		notice = refresh - expiringNotice
	}
	return refresh, notice
}

func (m *Manager) scheduleRefreshLocked(expiresAt time.Time) {
	m.stopTimersLocked()

	refresh, notice := refreshSchedule(expiresAt, m.now())
	if notice > 0 {
		m.expiringTimer = time.AfterFunc(notice, func() {
			m.Emit(types.EventTokenExpiring, types.AuthEvent{ExpiresAt: expiresAt})
		})
	}
	m.refreshTimer = time.AfterFunc(refresh, func() {
		if _, err := m.RefreshToken(context.Background()); err != nil {
			m.logger.Debug().Err(err).Msg("scheduled refresh did not complete")
		}
	})
	m.logger.Debug().Dur("refresh_in", refresh).Msg("token refresh scheduled")
}

func (m *Manager) stopTimersLocked() {
	if m.refreshTimer != nil {
		m.refreshTimer.Stop()
		m.refreshTimer = nil
	}
	if m.expiringTimer != nil {
		m.expiringTimer.Stop()
		m.expiringTimer = nil
	}
}

func (m *Manager) setStateLocked(events []emitter.Event, to types.AuthState) []emitter.Event {
	from := m.state
	if from == to {
		return events
	}
	m.state = to
	return append(events, emitter.Event{Name: types.EventAuthStateChange, Data: types.AuthStateEvent{From: from, To: to}})
}

func (m *Manager) failLocked(events []emitter.Event, err error) []emitter.Event {
	events = m.setStateLocked(events, types.AuthFailed)
	m.logger.Warn().Err(err).Msg("authentication failed")
	return append(events, emitter.Event{Name: types.EventAuthFailed, Data: types.AuthEvent{Err: err}})
}
