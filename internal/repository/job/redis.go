package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/promptman/promptman/internal/apperror"
	domain "github.com/promptman/promptman/internal/job"
)

const (
	keyPrefix  = "job:"
	pendingKey = "jobs:pending"
	updatedKey = "jobs:updated"

	maxTxRetries = 10
)

// RedisRepository stores each job as a JSON document under job:<id> with a
// native TTL. A list keeps pending ids in submission order and a sorted set
// indexes ids by updated_at.
type RedisRepository struct {
	client *redis.Client
	ttl    time.Duration
	now    func() time.Time
}

func NewRedisRepository(client *redis.Client, ttl time.Duration) *RedisRepository {
	return &RedisRepository{client: client, ttl: ttl, now: time.Now}
}

func jobKey(id string) string { return keyPrefix + id }

func (r *RedisRepository) Create(ctx context.Context, j *domain.Job) error {
	now := r.now().UTC()
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	if j.UpdatedAt.IsZero() {
		j.UpdatedAt = j.CreatedAt
	}
	if j.Status == "" {
		j.Status = domain.StatusPending
	}
	data, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("create job: encode: %w", err)
	}

	key := jobKey(j.ID)
	err = r.client.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return domain.ErrExists
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, r.ttl)
			pipe.ZAdd(ctx, updatedKey, redis.Z{Score: score(j.UpdatedAt), Member: j.ID})
			if j.Status == domain.StatusPending {
				pipe.RPush(ctx, pendingKey, j.ID)
			}
			return nil
		})
		return err
	}, key)
	if errors.Is(err, domain.ErrExists) {
		return err
	}
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (r *RedisRepository) Get(ctx context.Context, id string) (*domain.Job, error) {
	j, err := r.load(ctx, r.client, id)
	if err != nil {
		return nil, err
	}
	return j, nil
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (r *RedisRepository) load(ctx context.Context, c getter, id string) (*domain.Job, error) {
	data, err := c.Get(ctx, jobKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	var j domain.Job
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("get job: decode: %w", err)
	}
	return &j, nil
}

// Update applies p inside a WATCH/MULTI transaction and retries when another
// writer got there first.
func (r *RedisRepository) Update(ctx context.Context, id string, p domain.Patch) (*domain.Job, error) {
	var out *domain.Job
	key := jobKey(id)
	for range maxTxRetries {
		err := r.client.Watch(ctx, func(tx *redis.Tx) error {
			j, err := r.load(ctx, tx, id)
			if err != nil {
				return err
			}
			wasTerminal := j.Status.Terminal()
			if err := j.Apply(p, r.now().UTC()); err != nil {
				return err
			}
			data, err := json.Marshal(j)
			if err != nil {
				return fmt.Errorf("encode: %w", err)
			}
			var ttl time.Duration = redis.KeepTTL
			if j.Status.Terminal() && !wasTerminal {
				ttl = r.ttl
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, data, ttl)
				pipe.ZAdd(ctx, updatedKey, redis.Z{Score: score(j.UpdatedAt), Member: id})
				return nil
			})
			if err == nil {
				out = j
			}
			return err
		}, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			if _, ok := apperror.As(err); ok {
				return nil, err
			}
			return nil, fmt.Errorf("update job: %w", err)
		}
		return out, nil
	}
	return nil, fmt.Errorf("update job %s: too much contention", id)
}

func (r *RedisRepository) Delete(ctx context.Context, id string) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, jobKey(id))
		pipe.ZRem(ctx, updatedKey, id)
		pipe.LRem(ctx, pendingKey, 0, id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	return nil
}

// claimOutcome is what one claim transaction did with the head of the
// pending list.
type claimOutcome int

const (
	claimEmpty claimOutcome = iota
	claimSkipped
	claimTaken
)

// ClaimPending moves the oldest pending job to its acquisition status. The
// id leaves the pending list in the same MULTI that rewrites the record, so
// a failed claim leaves the job queued for the next worker.
func (r *RedisRepository) ClaimPending(ctx context.Context) (*domain.Job, error) {
	for attempt := 0; attempt < maxTxRetries; {
		j, outcome, err := r.claimHead(ctx)
		switch {
		case errors.Is(err, redis.TxFailedErr):
			attempt++
		case err != nil:
			return nil, fmt.Errorf("claim pending: %w", err)
		case outcome == claimEmpty:
			return nil, nil
		case outcome == claimTaken:
			return j, nil
		}
	}
	return nil, errors.New("claim pending: too much contention")
}

func (r *RedisRepository) claimHead(ctx context.Context) (*domain.Job, claimOutcome, error) {
	var (
		out     *domain.Job
		outcome = claimEmpty
	)
	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		id, err := tx.LIndex(ctx, pendingKey, 0).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		key := jobKey(id)
		if err := tx.Watch(ctx, key).Err(); err != nil {
			return err
		}

		j, err := r.load(ctx, tx, id)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return err
		}
		if err != nil || j.Status != domain.StatusPending {
			// Expired, deleted or already moved on: drop the stale entry.
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.LRem(ctx, pendingKey, 1, id)
				return nil
			})
			if err == nil {
				outcome = claimSkipped
			}
			return err
		}

		if err := j.Apply(domain.Patch{Status: j.Type.AcquireStatus()}, r.now().UTC()); err != nil {
			return err
		}
		data, err := json.Marshal(j)
		if err != nil {
			return fmt.Errorf("encode: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.LRem(ctx, pendingKey, 1, id)
			pipe.Set(ctx, key, data, redis.KeepTTL)
			pipe.ZAdd(ctx, updatedKey, redis.Z{Score: score(j.UpdatedAt), Member: id})
			return nil
		})
		if err == nil {
			out, outcome = j, claimTaken
		}
		return err
	}, pendingKey)
	return out, outcome, err
}

func (r *RedisRepository) ListUpdatedBefore(ctx context.Context, t time.Time, limit int) ([]domain.Job, error) {
	return r.scan(ctx, "("+strconv.FormatInt(t.UnixMilli(), 10), limit, func(*domain.Job) bool { return true })
}

func (r *RedisRepository) ListTerminal(ctx context.Context, limit int) ([]domain.Job, error) {
	return r.scan(ctx, "+inf", limit, func(j *domain.Job) bool { return j.Status.Terminal() })
}

func (r *RedisRepository) RecoverStale(ctx context.Context, startedBefore time.Time) (int64, error) {
	stale, err := r.scan(ctx, "+inf", 0, func(j *domain.Job) bool {
		return j.Status.InFlight() && j.StartedAt.Before(startedBefore)
	})
	if err != nil {
		return 0, fmt.Errorf("recover stale jobs: %w", err)
	}
	var n int64
	for _, j := range stale {
		_, err := r.Update(ctx, j.ID, domain.Patch{
			Status:    domain.StatusFailed,
			Error:     "job was interrupted before finishing",
			ErrorKind: domain.KindTimeout,
		})
		if errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrInvalidTransition) {
			continue
		}
		if err != nil {
			return n, fmt.Errorf("recover stale jobs: %w", err)
		}
		n++
	}
	return n, nil
}

const scanBatch = 100

// scan walks the updated_at index oldest first up to upper, loading records
// and keeping those accepted by keep. Index entries whose record has expired
// are dropped on the way.
func (r *RedisRepository) scan(ctx context.Context, upper string, limit int, keep func(*domain.Job) bool) ([]domain.Job, error) {
	var out []domain.Job
	var offset int64
	for {
		ids, err := r.client.ZRangeByScore(ctx, updatedKey, &redis.ZRangeBy{
			Min: "-inf", Max: upper, Offset: offset, Count: scanBatch,
		}).Result()
		if err != nil {
			return nil, fmt.Errorf("list jobs: %w", err)
		}
		for _, id := range ids {
			j, err := r.Get(ctx, id)
			if errors.Is(err, domain.ErrNotFound) {
				r.client.ZRem(ctx, updatedKey, id)
				offset--
				continue
			}
			if err != nil {
				return nil, err
			}
			if keep(j) {
				out = append(out, *j)
				if limit > 0 && len(out) >= limit {
					return out, nil
				}
			}
		}
		if len(ids) < scanBatch {
			return out, nil
		}
		offset += int64(len(ids))
	}
}

func score(t time.Time) float64 { return float64(t.UnixMilli()) }
