package pool

import (
	"slices"

	"github.com/BetaCatPro/ws-resilience/pkg/types"
)

// matchFunc 判断池中连接能否满足请求的配置
type matchFunc func(e *entry, cfg types.ClientConfig) bool

// reusePolicy 依次尝试的匹配规则，第一条有候选的规则生效
type reusePolicy []matchFunc

func matchURL(e *entry, cfg types.ClientConfig) bool {
	return e.cfg.URL == cfg.URL
}

func matchConfig(e *entry, cfg types.ClientConfig) bool {
	return e.cfg.URL == cfg.URL &&
		slices.Equal(e.cfg.Protocols, cfg.Protocols) &&
		e.cfg.ConnectionTimeout == cfg.ConnectionTimeout
}

// newReusePolicy 根据复用策略创建匹配规则，none 返回空规则
func newReusePolicy(s types.ReuseStrategy) reusePolicy {
	switch s {
	case types.ReuseByURL:
		return reusePolicy{matchURL}
	case types.ReuseByConfig:
		return reusePolicy{matchConfig}
	case types.ReuseSmart:
		return reusePolicy{matchURL, matchConfig}
	default:
		return nil
	}
}

// candidates 返回空闲、已连接且满足匹配规则的连接
func (p reusePolicy) candidates(entries []*entry, cfg types.ClientConfig) []*entry {
	for _, match := range p {
		var out []*entry
		for _, e := range entries {
			if !e.inUse && e.client.IsConnected() && match(e, cfg) {
				out = append(out, e)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return nil
}
