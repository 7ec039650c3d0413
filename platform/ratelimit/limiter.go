// Package ratelimit provides keyed request limiters behind one interface so
// HTTP middleware does not care whether limits are process-local or shared.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// Limiter decides whether one more request for key is allowed.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// PerMinute describes a budget of Requests per minute with the given Burst.
type PerMinute struct {
	Requests int
	Burst    int
}

type memoryEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Memory is a token-bucket limiter per key held in process memory.
type Memory struct {
	limit rate.Limit
	burst int
	idle  time.Duration

	mu          sync.Mutex
	entries     map[string]*memoryEntry
	lastCleanup time.Time
	now         func() time.Time
}

// NewMemory creates a process-local limiter. Keys idle for longer than
// ten minutes are dropped on a later call.
func NewMemory(budget PerMinute) *Memory {
	burst := budget.Burst
	if burst < 1 {
		burst = max(budget.Requests, 1)
	}
	return &Memory{
		limit:       rate.Limit(float64(budget.Requests) / 60.0),
		burst:       burst,
		idle:        10 * time.Minute,
		entries:     make(map[string]*memoryEntry),
		lastCleanup: time.Now(),
		now:         time.Now,
	}
}

// Allow consumes one token for key.
func (m *Memory) Allow(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	entry, ok := m.entries[key]
	if !ok {
		entry = &memoryEntry{limiter: rate.NewLimiter(m.limit, m.burst)}
		m.entries[key] = entry
	}
	entry.lastSeen = now

	if now.Sub(m.lastCleanup) > m.idle {
		for k, e := range m.entries {
			if now.Sub(e.lastSeen) > m.idle {
				delete(m.entries, k)
			}
		}
		m.lastCleanup = now
	}

	return entry.limiter.AllowN(now, 1), nil
}

// Redis is a fixed-window limiter shared by every process using the same
// Redis. Each key gets one counter per wall-clock minute.
type Redis struct {
	client *redis.Client
	prefix string
	limit  int
	now    func() time.Time
}

// NewRedis creates a shared limiter allowing budget.Requests per minute.
func NewRedis(client *redis.Client, prefix string, budget PerMinute) *Redis {
	return &Redis{
		client: client,
		prefix: prefix,
		limit:  max(budget.Requests, 1),
		now:    time.Now,
	}
}

// Allow increments the current window's counter for key.
func (r *Redis) Allow(ctx context.Context, key string) (bool, error) {
	window := r.now().UTC().Truncate(time.Minute).Unix()
	redisKey := fmt.Sprintf("%s:%s:%d", r.prefix, key, window)

	pipe := r.client.TxPipeline()
	incr := pipe.Incr(ctx, redisKey)
	pipe.Expire(ctx, redisKey, 2*time.Minute)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("ratelimit: redis incr: %w", err)
	}
	return incr.Val() <= int64(r.limit), nil
}

var (
	_ Limiter = (*Memory)(nil)
	_ Limiter = (*Redis)(nil)
)
