package broker

import (
	"context"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/taskbridge/taskbridge/core/infra/redisutil"
)

// RedisClient implements Client over a Redis (or Redis-compatible) server
// via redisutil's TLS/cluster-aware universal client.
type RedisClient struct {
	c redis.UniversalClient
}

// NewRedisClient dials url and verifies connectivity before returning.
func NewRedisClient(url string) (*RedisClient, error) {
	c, err := redisutil.NewClient(url)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Ping(ctx).Err(); err != nil {
		return nil, Transient(err)
	}
	return &RedisClient{c: c}, nil
}

func (r *RedisClient) RPush(ctx context.Context, key string, value []byte) error {
	if err := r.c.RPush(ctx, key, value).Err(); err != nil {
		return Transient(err)
	}
	return nil
}

func (r *RedisClient) BLPop(ctx context.Context, key string, timeout time.Duration) ([]byte, error) {
	res, err := r.c.BLPop(ctx, timeout, key).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, Transient(err)
	}
	if len(res) < 2 {
		return nil, nil
	}
	return []byte(res[1]), nil
}

func (r *RedisClient) HSetMany(ctx context.Context, key string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	values := make(map[string]any, len(fields))
	for k, v := range fields {
		values[k] = v
	}
	if err := r.c.HSet(ctx, key, values).Err(); err != nil {
		return Transient(err)
	}
	return nil
}

func (r *RedisClient) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	out, err := r.c.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, Transient(err)
	}
	return out, nil
}

func (r *RedisClient) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := r.c.Expire(ctx, key, ttl).Err(); err != nil {
		return Transient(err)
	}
	return nil
}

func (r *RedisClient) ZAdd(ctx context.Context, key string, score float64, member string) error {
	if err := r.c.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err(); err != nil {
		return Transient(err)
	}
	return nil
}

func (r *RedisClient) ZRem(ctx context.Context, key string, member string) error {
	if err := r.c.ZRem(ctx, key, member).Err(); err != nil {
		return Transient(err)
	}
	return nil
}

func (r *RedisClient) ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error) {
	out, err := r.c.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: formatScore(min),
		Max: formatScore(max),
	}).Result()
	if err != nil {
		return nil, Transient(err)
	}
	return out, nil
}

func (r *RedisClient) ZCard(ctx context.Context, key string) (int64, error) {
	n, err := r.c.ZCard(ctx, key).Result()
	if err != nil {
		return 0, Transient(err)
	}
	return n, nil
}

func (r *RedisClient) Publish(ctx context.Context, channel string, value []byte) error {
	if err := r.c.Publish(ctx, channel, value).Err(); err != nil {
		return Transient(err)
	}
	return nil
}

func (r *RedisClient) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	pubsub := r.c.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, Transient(err)
	}
	sub := &redisSubscription{
		pubsub: pubsub,
		ch:     make(chan []byte, 64),
	}
	go sub.pump()
	return sub, nil
}

func (r *RedisClient) Delete(ctx context.Context, key string) error {
	if err := r.c.Del(ctx, key).Err(); err != nil {
		return Transient(err)
	}
	return nil
}

func (r *RedisClient) Close() error {
	return r.c.Close()
}

type redisSubscription struct {
	pubsub *redis.PubSub
	ch     chan []byte
}

func (s *redisSubscription) pump() {
	defer close(s.ch)
	for msg := range s.pubsub.Channel() {
		s.ch <- []byte(msg.Payload)
	}
}

func (s *redisSubscription) Messages() <-chan []byte {
	return s.ch
}

func (s *redisSubscription) Close() error {
	return s.pubsub.Close()
}

func formatScore(f float64) string {
	if math.IsInf(f, -1) {
		return "-inf"
	}
	if math.IsInf(f, 1) {
		return "+inf"
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}
