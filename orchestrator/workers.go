package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/quantflow/types"
)

// WorkerRegistry 管理 Worker 运行时的短暂注册记录。
//
// 记录仅在注册进程存活期间有意义：进程内实现随进程消亡，Redis 实现
// 依赖 TTL 心跳续期，停跳后记录自动过期。
type WorkerRegistry interface {
	// Register 写入或覆盖一条 Worker 记录。
	Register(ctx context.Context, info types.WorkerInfo) error

	// Heartbeat 刷新 LastSeen 并续期记录。
	Heartbeat(ctx context.Context, workerID string) error

	// Deregister 删除记录；记录不存在时不报错。
	Deregister(ctx context.Context, workerID string) error

	// Get 返回单条记录，不存在时返回 NOT_FOUND。
	Get(ctx context.Context, workerID string) (types.WorkerInfo, error)

	// List 返回全部存活记录。
	List(ctx context.Context) ([]types.WorkerInfo, error)
}

// ============================================================
// 🧠 进程内实现
// ============================================================

// MemoryWorkerRegistry 是纯进程内的 Worker 注册表，用于单进程部署与测试。
type MemoryWorkerRegistry struct {
	mu      sync.RWMutex
	workers map[string]types.WorkerInfo
}

// NewMemoryWorkerRegistry 创建空的进程内注册表。
func NewMemoryWorkerRegistry() *MemoryWorkerRegistry {
	return &MemoryWorkerRegistry{workers: make(map[string]types.WorkerInfo)}
}

// Register 写入或覆盖记录。
func (r *MemoryWorkerRegistry) Register(_ context.Context, info types.WorkerInfo) error {
	if info.ID == "" {
		return types.NewError(types.ErrInvalidRequest, "worker_id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	info.LastSeen = time.Now()
	r.workers[info.ID] = info
	return nil
}

// Heartbeat 刷新 LastSeen。
func (r *MemoryWorkerRegistry) Heartbeat(_ context.Context, workerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok := r.workers[workerID]
	if !ok {
		return types.NewErrorf(types.ErrNotFound, "worker not registered: %s", workerID)
	}
	info.LastSeen = time.Now()
	r.workers[workerID] = info
	return nil
}

// Deregister 删除记录。
func (r *MemoryWorkerRegistry) Deregister(_ context.Context, workerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.workers, workerID)
	return nil
}

// Get 返回单条记录。
func (r *MemoryWorkerRegistry) Get(_ context.Context, workerID string) (types.WorkerInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.workers[workerID]
	if !ok {
		return types.WorkerInfo{}, types.NewErrorf(types.ErrNotFound, "worker not registered: %s", workerID)
	}
	return info, nil
}

// List 返回全部记录。
func (r *MemoryWorkerRegistry) List(_ context.Context) ([]types.WorkerInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.WorkerInfo, 0, len(r.workers))
	for _, info := range r.workers {
		out = append(out, info)
	}
	return out, nil
}

// ============================================================
// 🔗 Redis 实现
// ============================================================

// RedisWorkerRegistry 将 Worker 记录存入 Redis，由 TTL 实现失联自动清理：
// 心跳续期 TTL，Worker 崩溃或网络分区后记录在 registrationTTL 内过期。
type RedisWorkerRegistry struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
	logger    *zap.Logger
}

// NewRedisWorkerRegistry 创建基于现有 Redis 客户端的注册表。
// ttl 为零时使用 60s 默认值。
func NewRedisWorkerRegistry(client *redis.Client, ttl time.Duration, logger *zap.Logger) *RedisWorkerRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	return &RedisWorkerRegistry{
		client:    client,
		keyPrefix: "quantflow:worker:",
		ttl:       ttl,
		logger:    logger.With(zap.String("component", "redis_worker_registry")),
	}
}

// workerKey 生成单个 Worker 的键。
func (r *RedisWorkerRegistry) workerKey(workerID string) string {
	return r.keyPrefix + workerID
}

// allWorkersKey 生成 Worker 索引集合的键。
func (r *RedisWorkerRegistry) allWorkersKey() string {
	return r.keyPrefix + "all"
}

// Register 写入记录并加入索引集合。
func (r *RedisWorkerRegistry) Register(ctx context.Context, info types.WorkerInfo) error {
	if info.ID == "" {
		return types.NewError(types.ErrInvalidRequest, "worker_id is required")
	}
	info.LastSeen = time.Now()
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("marshal worker info: %w", err)
	}
	pipe := r.client.Pipeline()
	pipe.Set(ctx, r.workerKey(info.ID), data, r.ttl)
	pipe.SAdd(ctx, r.allWorkersKey(), info.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("register worker: %w", err)
	}
	r.logger.Debug("worker registered",
		zap.String("worker_id", info.ID),
		zap.String("operation_type", string(info.Type)))
	return nil
}

// Heartbeat 重写记录并续期 TTL。记录已过期时返回 NOT_FOUND，
// Worker 应据此重新注册。
func (r *RedisWorkerRegistry) Heartbeat(ctx context.Context, workerID string) error {
	key := r.workerKey(workerID)
	data, err := r.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return types.NewErrorf(types.ErrNotFound, "worker not registered: %s", workerID)
	}
	if err != nil {
		return fmt.Errorf("heartbeat read: %w", err)
	}
	var info types.WorkerInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return fmt.Errorf("unmarshal worker info: %w", err)
	}
	info.LastSeen = time.Now()
	updated, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("marshal worker info: %w", err)
	}
	if err := r.client.Set(ctx, key, updated, r.ttl).Err(); err != nil {
		return fmt.Errorf("heartbeat write: %w", err)
	}
	return nil
}

// Deregister 删除记录并移出索引集合。
func (r *RedisWorkerRegistry) Deregister(ctx context.Context, workerID string) error {
	pipe := r.client.Pipeline()
	pipe.Del(ctx, r.workerKey(workerID))
	pipe.SRem(ctx, r.allWorkersKey(), workerID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("deregister worker: %w", err)
	}
	return nil
}

// Get 返回单条记录。
func (r *RedisWorkerRegistry) Get(ctx context.Context, workerID string) (types.WorkerInfo, error) {
	data, err := r.client.Get(ctx, r.workerKey(workerID)).Bytes()
	if err == redis.Nil {
		return types.WorkerInfo{}, types.NewErrorf(types.ErrNotFound, "worker not registered: %s", workerID)
	}
	if err != nil {
		return types.WorkerInfo{}, fmt.Errorf("get worker: %w", err)
	}
	var info types.WorkerInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return types.WorkerInfo{}, fmt.Errorf("unmarshal worker info: %w", err)
	}
	return info, nil
}

// List 返回全部存活记录，顺带清理索引集合中已过期的成员。
func (r *RedisWorkerRegistry) List(ctx context.Context) ([]types.WorkerInfo, error) {
	ids, err := r.client.SMembers(ctx, r.allWorkersKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	out := make([]types.WorkerInfo, 0, len(ids))
	for _, id := range ids {
		info, err := r.Get(ctx, id)
		if types.IsNotFound(err) {
			// 记录已过期，顺手移出索引
			r.client.SRem(ctx, r.allWorkersKey(), id)
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	return out, nil
}
