// Package queue 实现断线期间的出站消息缓冲：按优先级排序、容量受限、可持久化
package queue

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/BetaCatPro/ws-resilience/pkg/types"
)

type entry struct {
	msg types.Message
	seq uint64 // 插入序号，用于同优先级排序和淘汰最旧消息
}

// EnqueueResult 入队结果
type EnqueueResult struct {
	Evicted   *types.Message // 因容量不足被淘汰的消息
	Duplicate bool           // 已存在相同ID，未入队
}

// Queue 出站消息缓冲队列，并发安全
type Queue struct {
	mu      sync.Mutex
	entries []entry
	seq     uint64
	cfg     types.QueueConfig
	store   Store
	logger  zerolog.Logger
	now     func() time.Time
}

// New 创建队列，store 为 nil 或未开启持久化时只在内存中保存
func New(cfg types.QueueConfig, store Store, logger zerolog.Logger) *Queue {
	return &Queue{
		cfg:    cfg,
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

// Enqueue 按优先级插入消息（urgent 在前），同优先级保持插入顺序；
// 队列已满时淘汰最早入队的消息
func (q *Queue) Enqueue(ctx context.Context, msg types.Message) EnqueueResult {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.cfg.Deduplicate && msg.ID != "" {
		for _, e := range q.entries {
			if e.msg.ID == msg.ID {
				return EnqueueResult{Duplicate: true}
			}
		}
	}

	var res EnqueueResult
	if len(q.entries) >= q.cfg.MaxSize {
		oldest := 0
		for i, e := range q.entries {
			if e.seq < q.entries[oldest].seq {
				oldest = i
			}
		}
		evicted := q.entries[oldest].msg
		res.Evicted = &evicted
		q.entries = append(q.entries[:oldest], q.entries[oldest+1:]...)
	}

	q.insertLocked(msg)
	q.persistLocked(ctx)
	return res
}

func (q *Queue) insertLocked(msg types.Message) {
	q.seq++
	e := entry{msg: msg, seq: q.seq}
	idx := len(q.entries)
	for i, cur := range q.entries {
		if cur.msg.Priority < msg.Priority {
			idx = i
			break
		}
	}
	q.entries = append(q.entries, entry{})
	copy(q.entries[idx+1:], q.entries[idx:])
	q.entries[idx] = e
}

// Drain 取出全部消息，返回未过期与已过期两部分，均保持队列顺序
func (q *Queue) Drain(ctx context.Context) (ready, expired []types.Message) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	for _, e := range q.entries {
		if e.msg.Age(now) > q.cfg.MessageExpiry {
			expired = append(expired, e.msg)
			continue
		}
		ready = append(ready, e.msg)
	}
	q.entries = nil
	q.persistLocked(ctx)
	return ready, expired
}

// Len 返回队列长度
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Messages 返回队列快照
func (q *Queue) Messages() []types.Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]types.Message, len(q.entries))
	for i, e := range q.entries {
		out[i] = e.msg
	}
	return out
}

// Clear 清空队列
func (q *Queue) Clear(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = nil
	q.persistLocked(ctx)
}

// Restore 从存储中恢复队列，丢弃超过过期时间的消息；
// 记录按原入队顺序重新插入，恢复后仍淘汰最早入队的消息
func (q *Queue) Restore(ctx context.Context) (restored, dropped int, err error) {
	if !q.cfg.Persist || q.store == nil {
		return 0, 0, nil
	}
	records, err := q.store.Load(ctx, q.cfg.Storage.Key)
	if err != nil {
		return 0, 0, err
	}
	slices.SortStableFunc(records, func(a, b Record) int {
		if c := cmp.Compare(a.Seq, b.Seq); c != 0 {
			return c
		}
		return a.Timestamp.Compare(b.Timestamp)
	})

	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	for _, r := range records {
		msg := r.Message()
		if msg.Age(now) > q.cfg.MessageExpiry {
			dropped++
			continue
		}
		if len(q.entries) >= q.cfg.MaxSize {
			dropped++
			continue
		}
		q.insertLocked(msg)
		restored++
	}
	if dropped > 0 {
		q.persistLocked(ctx)
	}
	return restored, dropped, nil
}

func (q *Queue) persistLocked(ctx context.Context) {
	if !q.cfg.Persist || q.store == nil {
		return
	}
	key := q.cfg.Storage.Key
	if len(q.entries) == 0 {
		if err := q.store.Delete(ctx, key); err != nil {
			q.logger.Warn().Err(err).Str("key", key).Msg("failed to delete persisted queue")
		}
		return
	}
	records := make([]Record, 0, len(q.entries))
	for _, e := range q.entries {
		r, err := ToRecord(e.msg)
		if err != nil {
			q.logger.Warn().Err(err).Str("message_id", e.msg.ID).Msg("skip unpersistable message")
			continue
		}
		r.Seq = e.seq
		records = append(records, r)
	}
	if err := q.store.Save(ctx, key, records); err != nil {
		q.logger.Warn().Err(err).Str("key", key).Msg("failed to persist queue")
	}
}
