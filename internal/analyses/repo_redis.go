package analyses

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisRepo implements Ledger on Redis. Each record is a JSON string under
// <prefix>analysis:<id>; sorted sets index records by owner (createdAt) and
// by status (updatedAt). Writes run in WATCH/MULTI transactions.
type RedisRepo struct {
	Client *redis.Client
	Prefix string
	Now    func() time.Time
}

// NewRedisRepo constructs a RedisRepo with the default key prefix.
func NewRedisRepo(client *redis.Client) *RedisRepo {
	return &RedisRepo{Client: client, Prefix: "bikefit:", Now: time.Now}
}

func (r *RedisRepo) recordKey(id string) string     { return r.Prefix + "analysis:" + id }
func (r *RedisRepo) ownerKey(owner string) string   { return r.Prefix + "owner:" + owner }
func (r *RedisRepo) statusKey(status Status) string { return r.Prefix + "status:" + string(status) }

// Create stores a new pending analysis, refusing an existing ID.
func (r *RedisRepo) Create(ctx context.Context, analysis Analysis) (Analysis, error) {
	created, err := prepareCreate(analysis, r.now())
	if err != nil {
		return Analysis{}, err
	}
	payload, err := json.Marshal(created)
	if err != nil {
		return Analysis{}, fmt.Errorf("marshal analysis id=%s: %w", created.ID, err)
	}
	key := r.recordKey(created.ID)

	err = r.Client.Watch(ctx, func(tx *redis.Tx) error {
		exists, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if exists > 0 {
			return ErrDuplicateID
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, 0)
			pipe.ZAdd(ctx, r.ownerKey(created.OwnerID), redis.Z{Score: score(created.CreatedAt), Member: created.ID})
			pipe.ZAdd(ctx, r.statusKey(created.Status), redis.Z{Score: score(created.UpdatedAt), Member: created.ID})
			return nil
		})
		return err
	}, key)
	switch {
	case err == nil:
		return created, nil
	case errors.Is(err, ErrDuplicateID), errors.Is(err, redis.TxFailedErr):
		// A racing writer touched the key, so the ID is taken either way.
		return Analysis{}, ErrDuplicateID
	default:
		return Analysis{}, fmt.Errorf("redis create id=%s: %w", created.ID, err)
	}
}

// Transition moves an analysis to next. A concurrent write to the record
// aborts the transaction, and the retry re-validates against the new status.
func (r *RedisRepo) Transition(ctx context.Context, analysisID string, next Status, outcome Outcome) (Analysis, error) {
	key := r.recordKey(analysisID)
	for attempt := 0; attempt < casAttempts; attempt++ {
		var updated Analysis
		err := r.Client.Watch(ctx, func(tx *redis.Tx) error {
			current, err := r.read(ctx, tx, analysisID)
			if err != nil {
				return err
			}
			updated, err = applyTransition(current, next, outcome, r.now())
			if err != nil {
				return err
			}
			payload, err := json.Marshal(updated)
			if err != nil {
				return fmt.Errorf("marshal analysis id=%s: %w", analysisID, err)
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, payload, 0)
				pipe.ZRem(ctx, r.statusKey(current.Status), analysisID)
				pipe.ZAdd(ctx, r.statusKey(updated.Status), redis.Z{Score: score(updated.UpdatedAt), Member: analysisID})
				return nil
			})
			return err
		}, key)
		if err == nil {
			return updated, nil
		}
		if !errors.Is(err, redis.TxFailedErr) {
			return Analysis{}, err
		}
	}
	latest, err := r.GetByID(ctx, analysisID)
	if err != nil {
		return Analysis{}, err
	}
	return Analysis{}, &InvalidTransitionError{ID: analysisID, From: latest.Status, To: next}
}

// GetByID returns an analysis by its ID.
func (r *RedisRepo) GetByID(ctx context.Context, analysisID string) (Analysis, error) {
	return r.read(ctx, r.Client, analysisID)
}

// ListByOwner returns analyses for an owner, newest first.
func (r *RedisRepo) ListByOwner(ctx context.Context, ownerID string, limit, offset int) ([]Analysis, error) {
	limit, offset = clampList(limit, offset)
	ids, err := r.Client.ZRevRange(ctx, r.ownerKey(ownerID), int64(offset), int64(offset+limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list owner=%s: %w", ownerID, err)
	}
	return r.loadAll(ctx, ids)
}

// ListStale returns analyses in status last updated before the cutoff, oldest first.
func (r *RedisRepo) ListStale(ctx context.Context, status Status, before time.Time, limit int) ([]Analysis, error) {
	limit = clampStale(limit)
	ids, err := r.Client.ZRangeByScore(ctx, r.statusKey(status), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   "(" + strconv.FormatInt(normalizeTime(before).UnixMicro(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list stale status=%s: %w", status, err)
	}
	return r.loadAll(ctx, ids)
}

func (r *RedisRepo) read(ctx context.Context, c redis.Cmdable, analysisID string) (Analysis, error) {
	raw, err := c.Get(ctx, r.recordKey(analysisID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Analysis{}, ErrNotFound
	}
	if err != nil {
		return Analysis{}, fmt.Errorf("redis get id=%s: %w", analysisID, err)
	}
	var a Analysis
	if err := json.Unmarshal(raw, &a); err != nil {
		return Analysis{}, fmt.Errorf("decode analysis id=%s: %w", analysisID, err)
	}
	return a, nil
}

func (r *RedisRepo) loadAll(ctx context.Context, ids []string) ([]Analysis, error) {
	out := make([]Analysis, 0, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.recordKey(id)
	}
	values, err := r.Client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis mget: %w", err)
	}
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var a Analysis
		if err := json.Unmarshal([]byte(s), &a); err != nil {
			return nil, fmt.Errorf("decode analysis id=%s: %w", ids[i], err)
		}
		out = append(out, a)
	}
	return out, nil
}

func (r *RedisRepo) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func score(t time.Time) float64 {
	return float64(t.UnixMicro())
}

var _ Ledger = (*RedisRepo)(nil)
