// Package broker defines the minimal set of primitives the queue API needs
// from an underlying message broker, and provides Redis and NATS
// implementations. No business logic lives here — each method is a single
// broker round-trip.
package broker

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Client is the broker-agnostic primitive set the queue API is built on.
// Any broker offering a FIFO list, a TTL'd hash, a sorted set, and pub/sub
// can back it.
type Client interface {
	RPush(ctx context.Context, key string, value []byte) error
	BLPop(ctx context.Context, key string, timeout time.Duration) ([]byte, error)
	HSetMany(ctx context.Context, key string, fields map[string]string) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	ZAdd(ctx context.Context, key string, score float64, member string) error
	ZRem(ctx context.Context, key string, member string) error
	ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error)
	ZCard(ctx context.Context, key string) (int64, error)
	Publish(ctx context.Context, channel string, value []byte) error
	Subscribe(ctx context.Context, channel string) (Subscription, error)
	Delete(ctx context.Context, key string) error
	Close() error
}

// Subscription delivers messages published to a channel. Messages arrives
// closed when the underlying connection drops or the subscription is
// cancelled; callers must reopen to keep consuming.
type Subscription interface {
	Messages() <-chan []byte
	Close() error
}

// ErrTransient marks a broker I/O error as one callers may retry at their
// own layer.
var ErrTransient = errors.New("broker_transient")

// Transient wraps err so errors.Is(err, ErrTransient) succeeds.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrTransient, err)
}
