package conn

import (
	"math/rand/v2"
	"time"

	"github.com/jpillora/backoff"

	"github.com/BetaCatPro/ws-resilience/pkg/types"
)

// DelayStrategy 计算第 attempt 次重连（从1开始）的基础延迟
type DelayStrategy interface {
	Delay(attempt int) time.Duration
}

type fixedDelay struct {
	initial time.Duration
}

func (d fixedDelay) Delay(int) time.Duration {
	return d.initial
}

type linearDelay struct {
	initial time.Duration
}

func (d linearDelay) Delay(attempt int) time.Duration {
	return d.initial * time.Duration(attempt)
}

// exponentialDelay initialDelay * multiplier^(attempt-1)
type exponentialDelay struct {
	b *backoff.Backoff
}

func (d exponentialDelay) Delay(attempt int) time.Duration {
	return d.b.ForAttempt(float64(attempt - 1))
}

// NewDelayStrategy 根据配置选择延迟策略
func NewDelayStrategy(cfg types.ReconnectConfig) DelayStrategy {
	switch cfg.Strategy {
	case types.ReconnectFixed:
		return fixedDelay{initial: cfg.InitialDelay}
	case types.ReconnectLinear:
		return linearDelay{initial: cfg.InitialDelay}
	default:
		return exponentialDelay{b: &backoff.Backoff{
			Min:    cfg.InitialDelay,
			Max:    cfg.MaxDelay,
			Factor: cfg.BackoffMultiplier,
			Jitter: false,
		}}
	}
}

// Backoff 重连延迟计算器：策略延迟，限制到 maxDelay，再追加 [0, jitter) 的随机抖动
type Backoff struct {
	strategy DelayStrategy
	maxDelay time.Duration
	jitter   time.Duration
}

// NewBackoff 创建重连延迟计算器
func NewBackoff(cfg types.ReconnectConfig) *Backoff {
	return &Backoff{
		strategy: NewDelayStrategy(cfg),
		maxDelay: cfg.MaxDelay,
		jitter:   cfg.Jitter,
	}
}

// Base 返回未加抖动的延迟
func (b *Backoff) Base(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := b.strategy.Delay(attempt)
	if d > b.maxDelay || d < 0 {
		d = b.maxDelay
	}
	return d
}

// Delay 返回第 attempt 次重连前的等待时间
func (b *Backoff) Delay(attempt int) time.Duration {
	d := b.Base(attempt)
	if b.jitter > 0 {
		d += time.Duration(rand.Int64N(int64(b.jitter)))
	}
	return d
}
