package history

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Mindburn-Labs/fundaudit/pkg/funding"
)

// RedisStore keeps each project's history as a sorted set of record ids
// scored by day number, plus a hash of record bodies.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore connects to addr. Keys are namespaced by prefix.
func NewRedisStore(addr, password string, db int, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "fundaudit"
	}
	return &RedisStore{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
		prefix: prefix,
	}
}

// Ping checks connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return nil
}

// Close releases the connection pool.
func (s *RedisStore) Close() error { return s.client.Close() }

func (s *RedisStore) indexKey(projectID string) string {
	return s.prefix + ":history:" + projectID
}

func (s *RedisStore) bodyKey(projectID string) string {
	return s.prefix + ":records:" + projectID
}

func dayNumber(t time.Time) float64 {
	return float64(funding.CivilDate(t).Unix() / 86400)
}

func (s *RedisStore) Append(ctx context.Context, rec funding.Record) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("history: encode %s: %w", rec.ID(), err)
	}
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZAddNX(ctx, s.indexKey(rec.ProjectID), redis.Z{Score: dayNumber(rec.Date), Member: rec.ID()})
		p.HSetNX(ctx, s.bodyKey(rec.ProjectID), rec.ID(), body)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return nil
}

func (s *RedisStore) Prior(ctx context.Context, projectID string, before time.Time) ([]funding.Record, error) {
	ids, err := s.client.ZRangeByScore(ctx, s.indexKey(projectID), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatFloat(dayNumber(before), 'f', 0, 64),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	bodies, err := s.client.HMGet(ctx, s.bodyKey(projectID), ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	out := make([]funding.Record, 0, len(bodies))
	for i, b := range bodies {
		str, ok := b.(string)
		if !ok {
			return nil, fmt.Errorf("history: record %s indexed but missing", ids[i])
		}
		var rec funding.Record
		if err := json.Unmarshal([]byte(str), &rec); err != nil {
			return nil, fmt.Errorf("history: decode %s: %w", ids[i], err)
		}
		out = append(out, rec)
	}
	return out, nil
}
