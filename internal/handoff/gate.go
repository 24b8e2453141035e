package handoff

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Gate lets exactly one caller act on a given version of a step.
type Gate interface {
	// Acquire reports whether the caller is the first to see version of
	// stepID. A true result must be paired with Release.
	Acquire(ctx context.Context, stepID string, version int64) (bool, error)
	Release(ctx context.Context, stepID string)
}

// MemoryGate is a process-local Gate: the last version seen per step plus
// the set of steps being handled right now.
type MemoryGate struct {
	mu       sync.Mutex
	lastSeen map[string]int64
	inFlight map[string]struct{}
}

var _ Gate = (*MemoryGate)(nil)

func NewMemoryGate() *MemoryGate {
	return &MemoryGate{
		lastSeen: make(map[string]int64),
		inFlight: make(map[string]struct{}),
	}
}

func (g *MemoryGate) Acquire(ctx context.Context, stepID string, version int64) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, busy := g.inFlight[stepID]; busy {
		return false, nil
	}
	if v, ok := g.lastSeen[stepID]; ok && v == version {
		return false, nil
	}
	g.lastSeen[stepID] = version
	g.inFlight[stepID] = struct{}{}
	return true, nil
}

func (g *MemoryGate) Release(ctx context.Context, stepID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.inFlight, stepID)
}

// Forget drops all state for a step.
func (g *MemoryGate) Forget(stepID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.lastSeen, stepID)
	delete(g.inFlight, stepID)
}

// RedisGate records each (step, version) pair with SET NX so the dedupe
// holds across restarts and across engine processes sharing one Redis.
//
// Keys:
//
//	<prefix>handoff:<stepID>:<version> => "1" with TTL
type RedisGate struct {
	client redis.Cmdable
	prefix string
	ttl    time.Duration
}

var _ Gate = (*RedisGate)(nil)

// DefaultVersionTTL bounds how long a handled version is remembered.
const DefaultVersionTTL = time.Hour

// NewRedisGate creates a RedisGate. prefix defaults to "antfarm:" and ttl to
// DefaultVersionTTL.
func NewRedisGate(client redis.Cmdable, prefix string, ttl time.Duration) *RedisGate {
	if prefix == "" {
		prefix = "antfarm:"
	}
	if ttl <= 0 {
		ttl = DefaultVersionTTL
	}
	return &RedisGate{client: client, prefix: prefix, ttl: ttl}
}

func (g *RedisGate) key(stepID string, version int64) string {
	return g.prefix + "handoff:" + stepID + ":" + strconv.FormatInt(version, 10)
}

func (g *RedisGate) Acquire(ctx context.Context, stepID string, version int64) (bool, error) {
	return g.client.SetNX(ctx, g.key(stepID, version), "1", g.ttl).Result()
}

// Release is a no-op: a version stays claimed until its key expires.
func (g *RedisGate) Release(ctx context.Context, stepID string) {}
