package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/BetaCatPro/ws-resilience/internal/protocol"
	"github.com/BetaCatPro/ws-resilience/pkg/types"
)

// Record 持久化的消息记录，内容以原始字节保存
type Record struct {
	ID         string            `json:"id"`
	Type       types.MessageType `json:"type"`
	Data       []byte            `json:"data,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
	Priority   types.Priority    `json:"priority"`
	NeedsAck   bool              `json:"needsAck,omitempty"`
	RetryCount int               `json:"retryCount"`
	MaxRetries int               `json:"maxRetries"`
	Seq        uint64            `json:"seq,omitempty"` // 入队序号，恢复时用于还原淘汰顺序
}

// ToRecord 将消息转换为持久化记录
func ToRecord(m types.Message) (Record, error) {
	data, err := protocol.EncodePayload(m.Type, m.Payload)
	if err != nil {
		return Record{}, err
	}
	return Record{
		ID:         m.ID,
		Type:       m.Type,
		Data:       data,
		Timestamp:  m.Timestamp,
		Priority:   m.Priority,
		NeedsAck:   m.NeedsAck,
		RetryCount: m.RetryCount,
		MaxRetries: m.MaxRetries,
	}, nil
}

// Message 将记录恢复为消息
func (r Record) Message() types.Message {
	return types.Message{
		ID:         r.ID,
		Type:       r.Type,
		Payload:    protocol.RestorePayload(r.Type, r.Data),
		Timestamp:  r.Timestamp,
		Priority:   r.Priority,
		NeedsAck:   r.NeedsAck,
		RetryCount: r.RetryCount,
		MaxRetries: r.MaxRetries,
	}
}

// Store 队列持久化存储
type Store interface {
	Load(ctx context.Context, key string) ([]Record, error)
	Save(ctx context.Context, key string, records []Record) error
	Delete(ctx context.Context, key string) error
}

// NewStore 根据配置创建存储
func NewStore(cfg types.StorageConfig) (Store, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemoryStore(), nil
	case "file":
		dir := cfg.Dir
		if dir == "" {
			dir = filepath.Join(os.TempDir(), "ws-resilience")
		}
		return NewFileStore(dir), nil
	case "redis":
		return NewRedisStore(redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}), 0), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

// MemoryStore 进程内存储
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string][]Record
}

// NewMemoryStore 创建内存存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]Record)}
}

func (s *MemoryStore) Load(_ context.Context, key string) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Record(nil), s.data[key]...), nil
}

func (s *MemoryStore) Save(_ context.Context, key string, records []Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = append([]Record(nil), records...)
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

var unsafeKeyChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// FileStore 每个 key 对应目录下的一个 JSON 文件
type FileStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileStore 创建文件存储
func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

func (s *FileStore) path(key string) string {
	return filepath.Join(s.dir, unsafeKeyChars.ReplaceAllString(key, "_")+".json")
}

func (s *FileStore) Load(_ context.Context, key string) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path(key))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read queue file: %w", err)
	}
	var records []Record
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("parse queue file: %w", err)
	}
	return records, nil
}

func (s *FileStore) Save(_ context.Context, key string, records []Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create queue dir: %w", err)
	}
	data, err := json.Marshal(records)
	if err != nil {
		return err
	}
	tmp := s.path(key) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write queue file: %w", err)
	}
	return os.Rename(tmp, s.path(key))
}

func (s *FileStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(s.path(key))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// RedisStore 以 JSON 数组形式保存在单个 redis key 中
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore 创建 redis 存储，ttl 为 0 表示不过期
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

func (s *RedisStore) Load(ctx context.Context, key string) ([]Record, error) {
	data, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}
	var records []Record
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("parse redis queue %s: %w", key, err)
	}
	return records, nil
}

func (s *RedisStore) Save(ctx context.Context, key string, records []Record) error {
	data, err := json.Marshal(records)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, key, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, key).Err()
}

// Close 关闭 redis 连接
func (s *RedisStore) Close() error {
	return s.client.Close()
}
