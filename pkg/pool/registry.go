package pool

import (
	"sort"
	"time"

	"github.com/BetaCatPro/ws-resilience/pkg/client"
	"github.com/BetaCatPro/ws-resilience/pkg/types"
)

// entry 池中的一个连接
type entry struct {
	client    *client.Client
	cfg       types.ClientConfig
	inUse     bool
	useCount  int
	weight    int // 负载均衡权重，创建时确定
	createdAt time.Time
	lastUsed  time.Time
}

func (e *entry) id() string  { return e.client.ID() }
func (e *entry) url() string { return e.cfg.URL }

// registry 连接表和 URL 索引，由 Pool 的锁保护
type registry struct {
	entries map[string]*entry
	byURL   map[string]map[string]*entry
}

func newRegistry() *registry {
	return &registry{
		entries: make(map[string]*entry),
		byURL:   make(map[string]map[string]*entry),
	}
}

// add 添加连接
func (r *registry) add(e *entry) {
	r.entries[e.id()] = e
	idx, ok := r.byURL[e.url()]
	if !ok {
		idx = make(map[string]*entry)
		r.byURL[e.url()] = idx
	}
	idx[e.id()] = e
}

// remove 移除连接，返回是否存在
func (r *registry) remove(id string) (*entry, bool) {
	e, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	delete(r.entries, id)
	if idx := r.byURL[e.url()]; idx != nil {
		delete(idx, id)
		if len(idx) == 0 {
			delete(r.byURL, e.url())
		}
	}
	return e, true
}

// get 获取连接
func (r *registry) get(id string) (*entry, bool) {
	e, ok := r.entries[id]
	return e, ok
}

// forURL 按创建时间返回指定地址的连接
func (r *registry) forURL(url string) []*entry {
	return sorted(r.byURL[url])
}

// all 按创建时间返回全部连接
func (r *registry) all() []*entry {
	return sorted(r.entries)
}

func (r *registry) size() int {
	return len(r.entries)
}

// clear 清空并返回全部连接
func (r *registry) clear() []*entry {
	all := r.all()
	r.entries = make(map[string]*entry)
	r.byURL = make(map[string]map[string]*entry)
	return all
}

func sorted(m map[string]*entry) []*entry {
	out := make([]*entry, 0, len(m))
	for _, e := range m {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].createdAt.Equal(out[j].createdAt) {
			return out[i].createdAt.Before(out[j].createdAt)
		}
		return out[i].id() < out[j].id()
	})
	return out
}
