package queue

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/manager/internal/observability"
)

// RedisQueueConfig configures the optional Redis-backed dispatch/notify
// queue (SPEC_FULL.md §4.3 expansion), for multi-instance Manager
// deployments where an in-process channel can't be shared.
type RedisQueueConfig struct {
	Addr          string
	Password      string
	DB            int
	Key           string
	DeadLetterMax int
}

// RedisQueue implements Queue against Redis lists/hashes/sorted-sets:
// pending is a list, in-flight claims live in a hash plus a visibility
// sorted-set keyed by expiry, and exhausted nacks land in a dead-letter
// list.
type RedisQueue struct {
	cfg    RedisQueueConfig
	client *redis.Client
}

func NewRedisQueue(cfg RedisQueueConfig) *RedisQueue {
	if cfg.Key == "" {
		cfg.Key = "manager:queue"
	}
	if cfg.DeadLetterMax <= 0 {
		cfg.DeadLetterMax = 5
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &RedisQueue{cfg: cfg, client: client}
}

func (q *RedisQueue) pendingKey() string    { return q.cfg.Key + ":pending" }
func (q *RedisQueue) claimsKey() string     { return q.cfg.Key + ":claims" }
func (q *RedisQueue) visibilityKey() string { return q.cfg.Key + ":visibility" }
func (q *RedisQueue) nackKey() string       { return q.cfg.Key + ":nack" }
func (q *RedisQueue) deadKey() string       { return q.cfg.Key + ":dead" }

func (q *RedisQueue) labels(extra map[string]string) map[string]string {
	l := map[string]string{"queue_backend": "redis"}
	for k, v := range extra {
		l[k] = v
	}
	return l
}

func (q *RedisQueue) Enqueue(ctx context.Context, ref TaskRef) error {
	return q.EnqueueMany(ctx, []TaskRef{ref})
}

func (q *RedisQueue) EnqueueMany(ctx context.Context, refs []TaskRef) error {
	if len(refs) == 0 {
		return nil
	}
	encoded := make([]any, 0, len(refs))
	for _, ref := range refs {
		encoded = append(encoded, encodeTaskRef(ref))
	}
	return q.client.LPush(ctx, q.pendingKey(), encoded...).Err()
}

func (q *RedisQueue) Claim(ctx context.Context, max int, consumer string, visibilityTimeout time.Duration) ([]Claim, error) {
	if max <= 0 {
		max = 1
	}
	if visibilityTimeout <= 0 {
		visibilityTimeout = 15 * time.Second
	}

	now := time.Now().UTC()
	out := make([]Claim, 0, max)
	for i := 0; i < max; i++ {
		raw, err := q.client.RPop(ctx, q.pendingKey()).Result()
		if err == redis.Nil {
			break
		}
		if err != nil {
			return nil, err
		}
		ref, ok := decodeTaskRef(raw)
		if !ok {
			q.client.LPush(ctx, q.deadKey(), raw)
			continue
		}

		receipt := consumer + ":" + time.Now().UTC().Format("20060102T150405.000000000") + ":" + strconv.Itoa(i)
		visibleAt := now.Add(visibilityTimeout)
		if err := q.client.HSet(ctx, q.claimsKey(), receipt, raw).Err(); err != nil {
			return nil, err
		}
		if err := q.client.ZAdd(ctx, q.visibilityKey(), redis.Z{Score: float64(visibleAt.UnixMilli()), Member: receipt}).Err(); err != nil {
			return nil, err
		}
		out = append(out, Claim{Ref: ref, Receipt: receipt, ClaimedBy: consumer, ClaimedAt: now, VisibleAt: visibleAt})
	}
	observability.Default.IncCounter("queue_claimed_total", q.labels(map[string]string{"worker_id": consumer}), float64(len(out)))
	return out, nil
}

func (q *RedisQueue) Ack(ctx context.Context, claims []Claim) error {
	if len(claims) == 0 {
		return nil
	}
	for _, c := range claims {
		payload, err := q.client.HGet(ctx, q.claimsKey(), c.Receipt).Result()
		if err != nil && err != redis.Nil {
			return err
		}
		pipe := q.client.TxPipeline()
		pipe.HDel(ctx, q.claimsKey(), c.Receipt)
		pipe.ZRem(ctx, q.visibilityKey(), c.Receipt)
		if payload != "" {
			pipe.HDel(ctx, q.nackKey(), payload)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
	}
	for _, c := range claims {
		observability.Default.IncCounter("queue_acked_total", q.labels(map[string]string{"worker_id": c.ClaimedBy}), 1)
	}
	return nil
}

func (q *RedisQueue) Nack(ctx context.Context, claims []Claim, reason string) error {
	if len(claims) == 0 {
		return nil
	}
	for _, c := range claims {
		payload, err := q.client.HGet(ctx, q.claimsKey(), c.Receipt).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return err
		}

		toDead := false
		if reason == "error" {
			count, err := q.client.HIncrBy(ctx, q.nackKey(), payload, 1).Result()
			if err != nil {
				return err
			}
			toDead = int(count) >= q.cfg.DeadLetterMax
		}

		pipe := q.client.TxPipeline()
		if toDead {
			pipe.LPush(ctx, q.deadKey(), payload)
			pipe.HDel(ctx, q.nackKey(), payload)
		} else {
			pipe.LPush(ctx, q.pendingKey(), payload)
		}
		pipe.HDel(ctx, q.claimsKey(), c.Receipt)
		pipe.ZRem(ctx, q.visibilityKey(), c.Receipt)
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
	}
	for _, c := range claims {
		observability.Default.IncCounter("queue_nacked_total", q.labels(map[string]string{"worker_id": c.ClaimedBy, "reason": reason}), 1)
	}
	return q.refreshDeadGauge(ctx)
}

func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, max int) (int, error) {
	if max <= 0 {
		max = 100
	}
	receipts, err := q.client.ZRangeByScore(ctx, q.visibilityKey(), &redis.ZRangeBy{
		Min: "-inf", Max: strconv.FormatInt(now.UnixMilli(), 10), Offset: 0, Count: int64(max),
	}).Result()
	if err != nil {
		return 0, err
	}
	for _, receipt := range receipts {
		payload, err := q.client.HGet(ctx, q.claimsKey(), receipt).Result()
		if err != nil && err != redis.Nil {
			return 0, err
		}
		pipe := q.client.TxPipeline()
		if payload != "" {
			pipe.LPush(ctx, q.pendingKey(), payload)
		}
		pipe.HDel(ctx, q.claimsKey(), receipt)
		pipe.ZRem(ctx, q.visibilityKey(), receipt)
		if _, err := pipe.Exec(ctx); err != nil {
			return 0, err
		}
	}
	if len(receipts) > 0 {
		observability.Default.IncCounter("queue_expired_requeued_total", q.labels(nil), float64(len(receipts)))
	}
	return len(receipts), nil
}

func (q *RedisQueue) ListDeadLetters(ctx context.Context, limit int) ([]TaskRef, error) {
	if limit <= 0 {
		limit = 50
	}
	items, err := q.client.LRange(ctx, q.deadKey(), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]TaskRef, 0, len(items))
	for _, raw := range items {
		if ref, ok := decodeTaskRef(raw); ok {
			out = append(out, ref)
		}
	}
	return out, nil
}

func (q *RedisQueue) RequeueDeadLetters(ctx context.Context, refs []TaskRef) (int, error) {
	if len(refs) == 0 {
		return 0, nil
	}
	requeued := 0
	for _, ref := range refs {
		raw := encodeTaskRef(ref)
		removed, err := q.client.LRem(ctx, q.deadKey(), 1, raw).Result()
		if err != nil {
			return requeued, err
		}
		if removed == 0 {
			continue
		}
		pipe := q.client.TxPipeline()
		pipe.LPush(ctx, q.pendingKey(), raw)
		pipe.HDel(ctx, q.nackKey(), raw)
		if _, err := pipe.Exec(ctx); err != nil {
			return requeued, err
		}
		requeued++
	}
	if requeued > 0 {
		observability.Default.IncCounter("dead_letter_requeued_total", q.labels(nil), float64(requeued))
	}
	return requeued, q.refreshDeadGauge(ctx)
}

func (q *RedisQueue) refreshDeadGauge(ctx context.Context) error {
	n, err := q.client.LLen(ctx, q.deadKey()).Result()
	if err != nil {
		return err
	}
	observability.Default.SetGauge("dead_letter_count", q.labels(nil), float64(n))
	return nil
}
