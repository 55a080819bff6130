package pool

import (
	"math/rand/v2"

	"go.uber.org/atomic"

	"github.com/BetaCatPro/ws-resilience/pkg/types"
)

// balancer 在多个候选连接中选择一个
type balancer interface {
	pick(candidates []*entry) *entry
}

// newBalancer 根据负载均衡策略创建选择器
func newBalancer(s types.LoadBalanceStrategy) balancer {
	switch s {
	case types.BalanceLeastConnections:
		return leastConnections{}
	case types.BalanceRandom:
		return randomPick{}
	case types.BalanceWeightedRoundRobin:
		return weighted{}
	default:
		return &roundRobin{}
	}
}

type roundRobin struct {
	next atomic.Uint64
}

func (r *roundRobin) pick(candidates []*entry) *entry {
	n := r.next.Inc() - 1
	return candidates[n%uint64(len(candidates))]
}

type leastConnections struct{}

func (leastConnections) pick(candidates []*entry) *entry {
	best := candidates[0]
	for _, e := range candidates[1:] {
		if e.useCount < best.useCount {
			best = e
		}
	}
	return best
}

type randomPick struct{}

func (randomPick) pick(candidates []*entry) *entry {
	return candidates[rand.IntN(len(candidates))]
}

// weighted 按连接权重随机选择，权重不大于 0 时按 1 计
type weighted struct{}

func weightOf(e *entry) int {
	if e.weight > 0 {
		return e.weight
	}
	return 1
}

func (weighted) pick(candidates []*entry) *entry {
	total := 0
	for _, e := range candidates {
		total += weightOf(e)
	}
	n := rand.IntN(total)
	for _, e := range candidates {
		n -= weightOf(e)
		if n < 0 {
			return e
		}
	}
	return candidates[len(candidates)-1]
}
