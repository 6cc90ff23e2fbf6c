package deadletter

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/mickamy/txbus"
)

/*
Redis schema, all keys under the store prefix:
  - msg:{id}       hash with the dead letter fields
  - index          sorted set of every id, score = created at (ms)
  - queue:{queue}  sorted set of the queue's ids, score = created at (ms)
*/

// RedisStore keeps dead letters in Redis.
type RedisStore struct {
	client redis.Cmdable
	prefix string
}

// NewRedisStore creates a RedisStore with the "txbus:dlq:" key prefix.
func NewRedisStore(client redis.Cmdable) *RedisStore {
	return &RedisStore{client: client, prefix: "txbus:dlq:"}
}

// WithKeyPrefix sets a custom key prefix.
func (s *RedisStore) WithKeyPrefix(prefix string) *RedisStore {
	s.prefix = prefix
	return s
}

var _ Store = (*RedisStore)(nil)

func (s *RedisStore) msgKey(id string) string      { return s.prefix + "msg:" + id }
func (s *RedisStore) indexKey() string             { return s.prefix + "index" }
func (s *RedisStore) queueKey(queue string) string { return s.prefix + "queue:" + queue }

func (s *RedisStore) Put(ctx context.Context, dl txbus.DeadLetter) error {
	if dl.ID == "" {
		dl.ID = uuid.NewString()
	}
	if dl.CreatedAt.IsZero() {
		dl.CreatedAt = time.Now().UTC()
	}
	score := float64(dl.CreatedAt.UnixMilli())
	fields := map[string]any{
		"id":             dl.ID,
		"queue":          dl.Queue,
		"session_id":     dl.SessionID,
		"message_id":     dl.MessageID,
		"type":           dl.TypeTag,
		"body":           dl.Body,
		"reason":         dl.Reason,
		"description":    dl.Description,
		"delivery_count": dl.DeliveryCount,
		"created_at":     dl.CreatedAt.UnixMilli(),
	}
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, s.msgKey(dl.ID), fields)
		p.ZAdd(ctx, s.indexKey(), redis.Z{Score: score, Member: dl.ID})
		p.ZAdd(ctx, s.queueKey(dl.Queue), redis.Z{Score: score, Member: dl.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("deadletter: put %s: %w", dl.ID, err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (txbus.DeadLetter, error) {
	fields, err := s.client.HGetAll(ctx, s.msgKey(id)).Result()
	if err != nil {
		return txbus.DeadLetter{}, fmt.Errorf("deadletter: get %s: %w", id, err)
	}
	if len(fields) == 0 {
		return txbus.DeadLetter{}, ErrNotFound
	}
	return parse(fields), nil
}

func parse(fields map[string]string) txbus.DeadLetter {
	dl := txbus.DeadLetter{
		ID:          fields["id"],
		Queue:       fields["queue"],
		SessionID:   fields["session_id"],
		MessageID:   fields["message_id"],
		TypeTag:     fields["type"],
		Body:        []byte(fields["body"]),
		Reason:      fields["reason"],
		Description: fields["description"],
	}
	dl.DeliveryCount, _ = strconv.Atoi(fields["delivery_count"])
	if ms, err := strconv.ParseInt(fields["created_at"], 10, 64); err == nil {
		dl.CreatedAt = time.UnixMilli(ms).UTC()
	}
	if ms, err := strconv.ParseInt(fields["replayed_at"], 10, 64); err == nil {
		t := time.UnixMilli(ms).UTC()
		dl.ReplayedAt = &t
	}
	return dl
}

func (s *RedisStore) List(ctx context.Context, filter Filter) ([]txbus.DeadLetter, error) {
	dls, err := s.matching(ctx, filter)
	if err != nil {
		return nil, err
	}
	return filter.page(dls), nil
}

func (s *RedisStore) Count(ctx context.Context, filter Filter) (int64, error) {
	if filter == (Filter{Queue: filter.Queue}) {
		key := s.indexKey()
		if filter.Queue != "" {
			key = s.queueKey(filter.Queue)
		}
		return s.client.ZCard(ctx, key).Result()
	}
	dls, err := s.matching(ctx, filter)
	if err != nil {
		return 0, err
	}
	return int64(len(dls)), nil
}

// matching reads the candidate ids from the time index and applies the rest
// of the filter client side.
func (s *RedisStore) matching(ctx context.Context, filter Filter) ([]txbus.DeadLetter, error) {
	key := s.indexKey()
	if filter.Queue != "" {
		key = s.queueKey(filter.Queue)
	}
	rng := &redis.ZRangeBy{Min: "-inf", Max: "+inf"}
	if !filter.Since.IsZero() {
		rng.Min = strconv.FormatInt(filter.Since.UnixMilli(), 10)
	}
	if !filter.Until.IsZero() {
		rng.Max = "(" + strconv.FormatInt(filter.Until.UnixMilli(), 10)
	}
	ids, err := s.client.ZRangeByScore(ctx, key, rng).Result()
	if err != nil {
		return nil, fmt.Errorf("deadletter: list: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = s.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = p.HGetAll(ctx, s.msgKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("deadletter: list: %w", err)
	}
	out := make([]txbus.DeadLetter, 0, len(ids))
	for _, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		if dl := parse(fields); filter.match(dl) {
			out = append(out, dl)
		}
	}
	return out, nil
}

func (s *RedisStore) MarkReplayed(ctx context.Context, id string, at time.Time) error {
	n, err := s.client.Exists(ctx, s.msgKey(id)).Result()
	if err != nil {
		return fmt.Errorf("deadletter: mark replayed %s: %w", id, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	if err := s.client.HSet(ctx, s.msgKey(id), "replayed_at", at.UnixMilli()).Err(); err != nil {
		return fmt.Errorf("deadletter: mark replayed %s: %w", id, err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	queue, err := s.client.HGet(ctx, s.msgKey(id), "queue").Result()
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("deadletter: delete %s: %w", id, err)
	}
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, s.msgKey(id))
		p.ZRem(ctx, s.indexKey(), id)
		p.ZRem(ctx, s.queueKey(queue), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("deadletter: delete %s: %w", id, err)
	}
	return nil
}

func (s *RedisStore) DeleteOlderThan(ctx context.Context, before time.Time) (int64, error) {
	ids, err := s.client.ZRangeByScore(ctx, s.indexKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(before.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("deadletter: delete older than: %w", err)
	}
	var n int64
	for _, id := range ids {
		err := s.Delete(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
