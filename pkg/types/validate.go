package types

import (
	"fmt"

	"github.com/BetaCatPro/ws-resilience/internal/errors"
	"github.com/BetaCatPro/ws-resilience/internal/utils"
)

// Validate 校验客户端配置，所有数值字段必须为正
func (c *ClientConfig) Validate() error {
	if c.URL != "" && !utils.IsValidURL(c.URL) {
		return errors.NewConfigError("url", fmt.Sprintf("%q is not a ws:// or wss:// url", c.URL))
	}
	if c.ConnectionTimeout <= 0 {
		return positive("connectionTimeout")
	}
	if c.WriteTimeout <= 0 {
		return positive("writeTimeout")
	}
	if c.MaxMessageSize <= 0 {
		return positive("maxMessageSize")
	}
	if err := c.Reconnect.validate("reconnect"); err != nil {
		return err
	}
	if err := c.Heartbeat.validate("heartbeat"); err != nil {
		return err
	}
	if err := c.Queue.validate("messageQueue"); err != nil {
		return err
	}
	if err := c.Auth.validate("auth"); err != nil {
		return err
	}
	switch c.Compression {
	case "", "none", "gzip", "snappy":
	default:
		return errors.NewConfigError("compression", fmt.Sprintf("unknown codec %q", c.Compression))
	}
	return nil
}

func (r *ReconnectConfig) validate(prefix string) error {
	switch r.Strategy {
	case ReconnectFixed, ReconnectLinear, ReconnectExponential:
	default:
		return errors.NewConfigError(prefix+".strategy", fmt.Sprintf("unknown strategy %q", r.Strategy))
	}
	if r.MaxAttempts <= 0 {
		return positive(prefix + ".maxAttempts")
	}
	if r.InitialDelay <= 0 {
		return positive(prefix + ".initialDelay")
	}
	if r.MaxDelay <= 0 {
		return positive(prefix + ".maxDelay")
	}
	if r.BackoffMultiplier <= 0 {
		return positive(prefix + ".backoffMultiplier")
	}
	if r.Jitter <= 0 {
		return positive(prefix + ".jitter")
	}
	return nil
}

func (h *HeartbeatConfig) validate(prefix string) error {
	if h.Interval <= 0 {
		return positive(prefix + ".interval")
	}
	if h.Timeout <= 0 {
		return positive(prefix + ".timeout")
	}
	if h.Timeout >= h.Interval {
		return errors.NewConfigError(prefix+".timeout", "must be shorter than interval")
	}
	if h.MaxFailures <= 0 {
		return positive(prefix + ".maxFailures")
	}
	return nil
}

func (q *QueueConfig) validate(prefix string) error {
	if q.MaxSize <= 0 {
		return positive(prefix + ".maxSize")
	}
	if q.MessageExpiry <= 0 {
		return positive(prefix + ".messageExpiry")
	}
	if !q.Persist {
		return nil
	}
	switch q.Storage.Backend {
	case "", "memory", "file":
	case "redis":
		if q.Storage.RedisAddr == "" {
			return errors.NewConfigError(prefix+".storage.redisAddr", "required for redis backend")
		}
	default:
		return errors.NewConfigError(prefix+".storage.backend", fmt.Sprintf("unknown backend %q", q.Storage.Backend))
	}
	if q.Storage.Key == "" {
		return errors.NewConfigError(prefix+".storage.key", "required when persistence is enabled")
	}
	return nil
}

func (a *AuthConfig) validate(prefix string) error {
	switch a.Type {
	case "", AuthNone, AuthToken, AuthBasic, AuthCustom:
		return nil
	default:
		return errors.NewConfigError(prefix+".type", fmt.Sprintf("unknown auth type %q", a.Type))
	}
}

// Validate 校验连接池配置
func (p *PoolConfig) Validate() error {
	if p.MaxConnections <= 0 {
		return positive("maxConnections")
	}
	if p.IdleTimeout <= 0 {
		return positive("idleTimeout")
	}
	if p.HealthCheckInterval <= 0 {
		return positive("healthCheckInterval")
	}
	if p.ValidationInterval <= 0 {
		return positive("validationInterval")
	}
	switch p.ReuseStrategy {
	case ReuseNone, ReuseByURL, ReuseByConfig, ReuseSmart:
	default:
		return errors.NewConfigError("reuseStrategy", fmt.Sprintf("unknown strategy %q", p.ReuseStrategy))
	}
	switch p.LoadBalance {
	case BalanceRoundRobin, BalanceLeastConnections, BalanceRandom, BalanceWeightedRoundRobin:
	default:
		return errors.NewConfigError("loadBalance", fmt.Sprintf("unknown strategy %q", p.LoadBalance))
	}
	for url, w := range p.Weights {
		if w <= 0 {
			return positive(fmt.Sprintf("weights[%s]", url))
		}
	}
	if p.Warmup.Enabled {
		if p.Warmup.Count <= 0 {
			return positive("warmup.count")
		}
		if p.Warmup.Count > p.MaxConnections {
			return errors.NewConfigError("warmup.count", "exceeds maxConnections")
		}
		if p.Warmup.Weight < 0 {
			return errors.NewConfigError("warmup.weight", "must not be negative")
		}
		if p.Warmup.Client.URL == "" {
			return errors.NewConfigError("warmup.client.url", "required when warmup is enabled")
		}
		if err := p.Warmup.Client.Validate(); err != nil {
			return fmt.Errorf("warmup.client: %w", err)
		}
	}
	return nil
}

func positive(field string) error {
	return errors.NewConfigError(field, "must be greater than 0")
}
