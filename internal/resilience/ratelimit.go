package resilience

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Decision is the outcome of an admission check. A rejected request
// carries the wait until the earliest window frees up.
type Decision struct {
	Allowed    bool
	Reason     string
	RetryAfter time.Duration
}

// RateLimiter enforces per-user sliding windows across two granularities
// plus a rolling credit-cost ceiling. Checks happen before any external
// call is attempted.
type RateLimiter interface {
	// Allow records the request attempt and admits or rejects it.
	Allow(ctx context.Context, userID int64) (Decision, error)
	// RecordCost adds spent credits to the rolling cost window.
	RecordCost(ctx context.Context, userID int64, cost int) error
}

// Limits holds the per-user admission thresholds.
type Limits struct {
	PerMinute       int
	PerHour         int
	CostCeilingHour int
}

type memoryWindow struct {
	requests []time.Time
	costs    []costEntry
}

type costEntry struct {
	at   time.Time
	cost int
}

// MemoryRateLimiter keeps sliding-window counters in-process with
// per-key locking.
type MemoryRateLimiter struct {
	mu      sync.Mutex
	limits  Limits
	windows map[int64]*memoryWindow
	now     func() time.Time
}

func NewMemoryRateLimiter(limits Limits) *MemoryRateLimiter {
	return &MemoryRateLimiter{
		limits:  limits,
		windows: make(map[int64]*memoryWindow),
		now:     time.Now,
	}
}

func (l *MemoryRateLimiter) Allow(ctx context.Context, userID int64) (Decision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w, ok := l.windows[userID]
	if !ok {
		w = &memoryWindow{}
		l.windows[userID] = w
	}
	w.prune(now)

	if d := w.check(now, l.limits); !d.Allowed {
		return d, nil
	}
	w.requests = append(w.requests, now)
	return Decision{Allowed: true}, nil
}

func (l *MemoryRateLimiter) RecordCost(ctx context.Context, userID int64, cost int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	w, ok := l.windows[userID]
	if !ok {
		w = &memoryWindow{}
		l.windows[userID] = w
	}
	w.costs = append(w.costs, costEntry{at: l.now(), cost: cost})
	return nil
}

func (w *memoryWindow) prune(now time.Time) {
	cutoff := now.Add(-time.Hour)
	kept := w.requests[:0]
	for _, t := range w.requests {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	w.requests = kept

	keptCosts := w.costs[:0]
	for _, c := range w.costs {
		if c.at.After(cutoff) {
			keptCosts = append(keptCosts, c)
		}
	}
	w.costs = keptCosts
}

func (w *memoryWindow) check(now time.Time, limits Limits) Decision {
	minuteCutoff := now.Add(-time.Minute)
	minuteCount := 0
	var oldestInMinute time.Time
	for _, t := range w.requests {
		if t.After(minuteCutoff) {
			if minuteCount == 0 {
				oldestInMinute = t
			}
			minuteCount++
		}
	}
	if limits.PerMinute > 0 && minuteCount >= limits.PerMinute {
		return Decision{
			Reason:     fmt.Sprintf("per-minute limit of %d reached", limits.PerMinute),
			RetryAfter: oldestInMinute.Add(time.Minute).Sub(now),
		}
	}

	if limits.PerHour > 0 && len(w.requests) >= limits.PerHour {
		return Decision{
			Reason:     fmt.Sprintf("per-hour limit of %d reached", limits.PerHour),
			RetryAfter: w.requests[0].Add(time.Hour).Sub(now),
		}
	}

	if limits.CostCeilingHour > 0 {
		total := 0
		for _, c := range w.costs {
			total += c.cost
		}
		if total >= limits.CostCeilingHour {
			retry := time.Hour
			if len(w.costs) > 0 {
				retry = w.costs[0].at.Add(time.Hour).Sub(now)
			}
			return Decision{
				Reason:     fmt.Sprintf("hourly cost ceiling of %d credits reached", limits.CostCeilingHour),
				RetryAfter: retry,
			}
		}
	}

	return Decision{Allowed: true}
}

// RedisRateLimiter implements the same sliding windows on sorted sets so
// counters are shared across nodes. Timestamps are scores; members are
// unique per attempt.
type RedisRateLimiter struct {
	client *redis.Client
	limits Limits
	now    func() time.Time
}

func NewRedisRateLimiter(client *redis.Client, limits Limits) *RedisRateLimiter {
	return &RedisRateLimiter{client: client, limits: limits, now: time.Now}
}

func (l *RedisRateLimiter) Allow(ctx context.Context, userID int64) (Decision, error) {
	now := l.now()
	key := fmt.Sprintf("ratelimit:req:%d", userID)
	cutoff := strconv.FormatInt(now.Add(-time.Hour).UnixNano(), 10)

	if err := l.client.ZRemRangeByScore(ctx, key, "0", cutoff).Err(); err != nil {
		return Decision{}, fmt.Errorf("prune rate window: %w", err)
	}

	entries, err := l.client.ZRangeWithScores(ctx, key, 0, -1).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("read rate window: %w", err)
	}

	minuteCutoff := now.Add(-time.Minute).UnixNano()
	minuteCount := 0
	var oldestInMinute int64
	for _, e := range entries {
		ts := int64(e.Score)
		if ts > minuteCutoff {
			if minuteCount == 0 {
				oldestInMinute = ts
			}
			minuteCount++
		}
	}
	if l.limits.PerMinute > 0 && minuteCount >= l.limits.PerMinute {
		return Decision{
			Reason:     fmt.Sprintf("per-minute limit of %d reached", l.limits.PerMinute),
			RetryAfter: time.Unix(0, oldestInMinute).Add(time.Minute).Sub(now),
		}, nil
	}
	if l.limits.PerHour > 0 && len(entries) >= l.limits.PerHour {
		oldest := int64(entries[0].Score)
		return Decision{
			Reason:     fmt.Sprintf("per-hour limit of %d reached", l.limits.PerHour),
			RetryAfter: time.Unix(0, oldest).Add(time.Hour).Sub(now),
		}, nil
	}

	if l.limits.CostCeilingHour > 0 {
		total, retry, err := l.costWindow(ctx, userID, now)
		if err != nil {
			return Decision{}, err
		}
		if total >= l.limits.CostCeilingHour {
			return Decision{
				Reason:     fmt.Sprintf("hourly cost ceiling of %d credits reached", l.limits.CostCeilingHour),
				RetryAfter: retry,
			}, nil
		}
	}

	member := fmt.Sprintf("%d-%d", now.UnixNano(), len(entries))
	pipe := l.client.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixNano()), Member: member})
	pipe.Expire(ctx, key, 2*time.Hour)
	if _, err := pipe.Exec(ctx); err != nil {
		return Decision{}, fmt.Errorf("record rate window: %w", err)
	}
	return Decision{Allowed: true}, nil
}

func (l *RedisRateLimiter) RecordCost(ctx context.Context, userID int64, cost int) error {
	now := l.now()
	key := fmt.Sprintf("ratelimit:cost:%d", userID)
	member := fmt.Sprintf("%d:%d", now.UnixNano(), cost)
	pipe := l.client.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixNano()), Member: member})
	pipe.Expire(ctx, key, 2*time.Hour)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record cost: %w", err)
	}
	return nil
}

func (l *RedisRateLimiter) costWindow(ctx context.Context, userID int64, now time.Time) (int, time.Duration, error) {
	key := fmt.Sprintf("ratelimit:cost:%d", userID)
	cutoff := strconv.FormatInt(now.Add(-time.Hour).UnixNano(), 10)
	if err := l.client.ZRemRangeByScore(ctx, key, "0", cutoff).Err(); err != nil {
		return 0, 0, fmt.Errorf("prune cost window: %w", err)
	}
	entries, err := l.client.ZRangeWithScores(ctx, key, 0, -1).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("read cost window: %w", err)
	}
	total := 0
	for _, e := range entries {
		var ts int64
		var cost int
		if _, err := fmt.Sscanf(e.Member.(string), "%d:%d", &ts, &cost); err == nil {
			total += cost
		}
	}
	retry := time.Hour
	if len(entries) > 0 {
		retry = time.Unix(0, int64(entries[0].Score)).Add(time.Hour).Sub(now)
	}
	return total, retry, nil
}
