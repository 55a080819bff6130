package conn

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/BetaCatPro/ws-resilience/pkg/types"
)

func reconnectConfig(strategy types.ReconnectStrategy) types.ReconnectConfig {
	return types.ReconnectConfig{
		Enabled:           true,
		Strategy:          strategy,
		MaxAttempts:       10,
		InitialDelay:      100 * time.Millisecond,
		MaxDelay:          time.Second,
		BackoffMultiplier: 2,
	}
}

func TestBackoff_Strategies(t *testing.T) {
	tests := []struct {
		strategy types.ReconnectStrategy
		want     []time.Duration
	}{
		{types.ReconnectFixed, []time.Duration{100, 100, 100, 100}},
		{types.ReconnectLinear, []time.Duration{100, 200, 300, 400}},
		{types.ReconnectExponential, []time.Duration{100, 200, 400, 800}},
	}

	for _, tt := range tests {
		t.Run(string(tt.strategy), func(t *testing.T) {
			b := NewBackoff(reconnectConfig(tt.strategy))
			for i, want := range tt.want {
				assert.Equal(t, want*time.Millisecond, b.Base(i+1), "attempt %d", i+1)
			}
		})
	}
}

func TestBackoff_ClampedAndMonotonic(t *testing.T) {
	for _, s := range []types.ReconnectStrategy{types.ReconnectLinear, types.ReconnectExponential} {
		b := NewBackoff(reconnectConfig(s))
		prev := time.Duration(0)
		for n := 1; n <= 100; n++ {
			d := b.Base(n)
			assert.GreaterOrEqual(t, d, prev, "%s attempt %d", s, n)
			assert.LessOrEqual(t, d, time.Second, "%s attempt %d", s, n)
			prev = d
		}
		assert.Equal(t, time.Second, b.Base(100))
	}
}

func TestBackoff_Jitter(t *testing.T) {
	cfg := reconnectConfig(types.ReconnectFixed)
	cfg.Jitter = 50 * time.Millisecond
	b := NewBackoff(cfg)

	for i := 0; i < 200; i++ {
		d := b.Delay(1)
		assert.GreaterOrEqual(t, d, 100*time.Millisecond)
		assert.Less(t, d, 150*time.Millisecond)
	}
}

func TestBackoff_NoJitter(t *testing.T) {
	b := NewBackoff(reconnectConfig(types.ReconnectExponential))
	assert.Equal(t, 200*time.Millisecond, b.Delay(2))
}
