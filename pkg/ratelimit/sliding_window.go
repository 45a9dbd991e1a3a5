package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// SlidingWindowLimiter bounds per-identity event rates. It tracks event
// timestamps in a Redis sorted set so the window is shared across
// instances, and falls back to an in-memory bucket when Redis is
// unavailable. Exceeding the limit rejects the single event, never the
// connection.
type SlidingWindowLimiter struct {
	rdb           *redis.Client
	capacity      int
	window        time.Duration
	localFallback *LocalLimiter
}

// NewSlidingWindowLimiter creates a limiter allowing capacity events per
// window per key.
func NewSlidingWindowLimiter(rdb *redis.Client, capacity int, window time.Duration) *SlidingWindowLimiter {
	return &SlidingWindowLimiter{
		rdb:           rdb,
		capacity:      capacity,
		window:        window,
		localFallback: NewLocalLimiter(capacity, window),
	}
}

// Lua script keeps the remove-count-add sequence atomic across instances.
const slidingWindowScript = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window_start = tonumber(ARGV[2])
local capacity = tonumber(ARGV[3])
local window_ms = tonumber(ARGV[4])

redis.call('ZREMRANGEBYSCORE', key, '-inf', window_start)
local count = redis.call('ZCARD', key)

if count < capacity then
	redis.call('ZADD', key, now, now .. ':' .. redis.call('INCR', key .. ':seq'))
	redis.call('PEXPIRE', key, window_ms + 1000)
	return {1, capacity - count - 1}
else
	return {0, 0}
end
`

// Allow reports whether one more event fits into the key's window.
// Returns (allowed, remaining).
func (s *SlidingWindowLimiter) Allow(ctx context.Context, key string) (bool, int) {
	if s.rdb == nil {
		return s.localFallback.Allow(key)
	}

	now := time.Now()
	windowStart := now.Add(-s.window)

	result, err := s.rdb.Eval(ctx, slidingWindowScript, []string{s.redisKey(key)},
		float64(now.UnixMicro())/1e6,
		float64(windowStart.UnixMicro())/1e6,
		s.capacity,
		s.window.Milliseconds(),
	).Result()
	if err != nil {
		// Redis down: degrade to per-instance limiting
		return s.localFallback.Allow(key)
	}

	res := result.([]interface{})
	allowed := res[0].(int64) == 1
	remaining := int(res[1].(int64))
	return allowed, remaining
}

// Reset clears the window for a key.
func (s *SlidingWindowLimiter) Reset(ctx context.Context, key string) error {
	s.localFallback.Reset(key)
	if s.rdb == nil {
		return nil
	}
	return s.rdb.Del(ctx, s.redisKey(key), s.redisKey(key)+":seq").Err()
}

func (s *SlidingWindowLimiter) redisKey(key string) string {
	return fmt.Sprintf("ratelimit:events:%s", key)
}

// LocalLimiter is the in-memory fallback using a fixed-window bucket.
type LocalLimiter struct {
	capacity int
	window   time.Duration
	mu       sync.Mutex
	buckets  map[string]*bucket
	stop     chan struct{}
}

type bucket struct {
	tokens    int
	lastReset time.Time
}

// NewLocalLimiter creates an in-memory limiter with background cleanup.
func NewLocalLimiter(capacity int, window time.Duration) *LocalLimiter {
	l := &LocalLimiter{
		capacity: capacity,
		window:   window,
		buckets:  make(map[string]*bucket),
		stop:     make(chan struct{}),
	}
	go l.cleanup()
	return l
}

// Allow consumes one token for the key. Returns (allowed, remaining).
func (l *LocalLimiter) Allow(key string) (bool, int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	b, exists := l.buckets[key]

	if !exists || now.Sub(b.lastReset) >= l.window {
		l.buckets[key] = &bucket{
			tokens:    l.capacity - 1,
			lastReset: now,
		}
		return true, l.capacity - 1
	}

	if b.tokens > 0 {
		b.tokens--
		return true, b.tokens
	}
	return false, 0
}

// Reset clears the bucket for a key.
func (l *LocalLimiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, key)
}

// Close stops the cleanup goroutine.
func (l *LocalLimiter) Close() {
	close(l.stop)
}

func (l *LocalLimiter) cleanup() {
	ticker := time.NewTicker(l.window)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.mu.Lock()
			now := time.Now()
			for k, b := range l.buckets {
				if now.Sub(b.lastReset) >= l.window*2 {
					delete(l.buckets, k)
				}
			}
			l.mu.Unlock()
		case <-l.stop:
			return
		}
	}
}
