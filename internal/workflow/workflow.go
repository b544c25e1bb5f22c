// Package workflow records the result of each completed step of a
// submission's pipeline so that a retried run resumes instead of repeating
// work.
package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/itstheanurag/judgeji/internal/metrics"
)

// Log is a per-submission step checkpoint store.
type Log interface {
	// Load returns the recorded output of a step, if any.
	Load(ctx context.Context, submissionID int64, step string) ([]byte, bool, error)
	Save(ctx context.Context, submissionID int64, step string, data []byte) error
	// Claim marks a step as started and reports whether this caller was
	// first. Later callers get false forever (until the record expires).
	Claim(ctx context.Context, submissionID int64, step string) (bool, error)
	// Release drops the recorded outputs of steps. Claims are kept.
	Release(ctx context.Context, submissionID int64, steps ...string) error
}

// Step runs fn once per submission and step name. A recorded output is
// decoded and returned without calling fn. Checkpoint store failures are
// logged and never fail the step itself.
func Step[T any](ctx context.Context, log Log, submissionID int64, name string, fn func(context.Context) (T, error)) (T, error) {
	logger := zerolog.Ctx(ctx).With().Str("step", name).Logger()

	data, ok, err := log.Load(ctx, submissionID, name)
	switch {
	case err != nil:
		logger.Warn().Err(err).Msg("checkpoint lookup failed, running step")
	case ok:
		var v T
		if err := json.Unmarshal(data, &v); err == nil {
			metrics.StepReplays.WithLabelValues(name).Inc()
			logger.Debug().Msg("step replayed from checkpoint")
			return v, nil
		}
		logger.Warn().Msg("discarding unreadable checkpoint")
	}

	v, err := fn(ctx)
	if err != nil {
		return v, err
	}

	data, err = json.Marshal(v)
	if err != nil {
		return v, fmt.Errorf("encode %s checkpoint: %w", name, err)
	}
	if err := log.Save(ctx, submissionID, name, data); err != nil {
		logger.Warn().Err(err).Msg("could not record checkpoint")
	}
	return v, nil
}

type RedisLog struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisLog(client *redis.Client, ttl time.Duration) *RedisLog {
	return &RedisLog{client: client, ttl: ttl}
}

func stepKey(submissionID int64, step string) string {
	return fmt.Sprintf("judge:step:%d:%s", submissionID, step)
}

func claimKey(submissionID int64, step string) string {
	return fmt.Sprintf("judge:claim:%d:%s", submissionID, step)
}

func (l *RedisLog) Load(ctx context.Context, submissionID int64, step string) ([]byte, bool, error) {
	data, err := l.client.Get(ctx, stepKey(submissionID, step)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (l *RedisLog) Save(ctx context.Context, submissionID int64, step string, data []byte) error {
	return l.client.Set(ctx, stepKey(submissionID, step), data, l.ttl).Err()
}

func (l *RedisLog) Claim(ctx context.Context, submissionID int64, step string) (bool, error) {
	return l.client.SetNX(ctx, claimKey(submissionID, step), time.Now().Unix(), l.ttl).Result()
}

func (l *RedisLog) Release(ctx context.Context, submissionID int64, steps ...string) error {
	if len(steps) == 0 {
		return nil
	}
	keys := make([]string, 0, len(steps))
	for _, step := range steps {
		keys = append(keys, stepKey(submissionID, step))
	}
	return l.client.Del(ctx, keys...).Err()
}

// MemoryLog keeps checkpoints in process memory. They do not survive a
// restart, so it only protects against in-process retries. Entries expire
// after ttl like their Redis counterparts; a zero ttl keeps them until
// released.
type MemoryLog struct {
	mu        sync.Mutex
	ttl       time.Duration
	now       func() time.Time
	nextSweep time.Time
	steps     map[string]memoryEntry
	claims    map[string]time.Time // claim key -> expiry
}

type memoryEntry struct {
	data    []byte
	expires time.Time
}

const maxSweepInterval = time.Minute

func NewMemoryLog(ttl time.Duration) *MemoryLog {
	return &MemoryLog{
		ttl:    ttl,
		now:    time.Now,
		steps:  map[string]memoryEntry{},
		claims: map[string]time.Time{},
	}
}

func (l *MemoryLog) expiry(now time.Time) time.Time {
	if l.ttl <= 0 {
		return time.Time{}
	}
	return now.Add(l.ttl)
}

func expired(expires, now time.Time) bool {
	return !expires.IsZero() && !now.Before(expires)
}

// sweep drops expired entries, at most once per sweep interval. Callers
// hold mu.
func (l *MemoryLog) sweep(now time.Time) {
	if l.ttl <= 0 || now.Before(l.nextSweep) {
		return
	}
	for k, e := range l.steps {
		if expired(e.expires, now) {
			delete(l.steps, k)
		}
	}
	for k, exp := range l.claims {
		if expired(exp, now) {
			delete(l.claims, k)
		}
	}
	l.nextSweep = now.Add(min(l.ttl, maxSweepInterval))
}

func (l *MemoryLog) Load(_ context.Context, submissionID int64, step string) ([]byte, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.steps[stepKey(submissionID, step)]
	if !ok || expired(e.expires, l.now()) {
		return nil, false, nil
	}
	return e.data, true, nil
}

func (l *MemoryLog) Save(_ context.Context, submissionID int64, step string, data []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	l.sweep(now)
	l.steps[stepKey(submissionID, step)] = memoryEntry{
		data:    append([]byte(nil), data...),
		expires: l.expiry(now),
	}
	return nil
}

func (l *MemoryLog) Claim(_ context.Context, submissionID int64, step string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	l.sweep(now)
	key := claimKey(submissionID, step)
	if exp, ok := l.claims[key]; ok && !expired(exp, now) {
		return false, nil
	}
	l.claims[key] = l.expiry(now)
	return true, nil
}

func (l *MemoryLog) Release(_ context.Context, submissionID int64, steps ...string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, step := range steps {
		delete(l.steps, stepKey(submissionID, step))
	}
	return nil
}

// Len reports how many step outputs and claims are held.
func (l *MemoryLog) Len() (steps, claims int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.steps), len(l.claims)
}
