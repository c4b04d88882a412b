package broker

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/taskbridge/taskbridge/core/infra/logging"
)

const (
	natsQueueStream      = "TASKBRIDGE_QUEUES"
	natsQueueSubjectRoot = "tb.queue"
	natsHashBucket       = "TASKBRIDGE_HASHES"
	natsZSetBucket       = "TASKBRIDGE_ZSETS"
	natsPullFetchMaxWait = 500 * time.Millisecond
)

// NATSClient implements Client over NATS JetStream: a stream backs the FIFO
// list primitives (BLPop as a bounded pull-consumer fetch loop) and two
// key/value buckets back the hash and sorted-set primitives. Per-key TTL
// (Expire) is best-effort: JetStream KV enforces TTL at the bucket level,
// not per key, so Expire is a logged no-op here.
type NATSClient struct {
	nc *nats.Conn
	js nats.JetStreamContext

	hashes nats.KeyValue
	zsets  nats.KeyValue
}

// NewNATSClient dials url, ensures the queue stream and KV buckets exist,
// and returns a ready client.
func NewNATSClient(url string) (*NATSClient, error) {
	nc, err := nats.Connect(url,
		nats.Name("taskbridge"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logging.Warn("broker", "nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logging.Info("broker", "nats reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, Transient(err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, Transient(err)
	}

	if _, err := js.AddStream(&nats.StreamConfig{
		Name:      natsQueueStream,
		Subjects:  []string{natsQueueSubjectRoot + ".>"},
		Retention: nats.WorkQueuePolicy,
		Storage:   nats.FileStorage,
	}); err != nil {
		if _, infoErr := js.StreamInfo(natsQueueStream); infoErr != nil {
			nc.Close()
			return nil, Transient(fmt.Errorf("ensure queue stream: %w", err))
		}
	}

	hashes, err := ensureKVBucket(js, natsHashBucket)
	if err != nil {
		nc.Close()
		return nil, Transient(err)
	}
	zsets, err := ensureKVBucket(js, natsZSetBucket)
	if err != nil {
		nc.Close()
		return nil, Transient(err)
	}

	return &NATSClient{nc: nc, js: js, hashes: hashes, zsets: zsets}, nil
}

func ensureKVBucket(js nats.JetStreamContext, name string) (nats.KeyValue, error) {
	kv, err := js.KeyValue(name)
	if err == nil {
		return kv, nil
	}
	kv, err = js.CreateKeyValue(&nats.KeyValueConfig{Bucket: name})
	if err != nil {
		return nil, fmt.Errorf("create kv bucket %s: %w", name, err)
	}
	return kv, nil
}

func queueSubject(key string) string {
	return natsQueueSubjectRoot + "." + sanitizeToken(key)
}

func sanitizeToken(s string) string {
	return strings.NewReplacer(".", "_", " ", "_", ">", "_", "*", "_").Replace(s)
}

func (c *NATSClient) RPush(ctx context.Context, key string, value []byte) error {
	if _, err := c.js.Publish(queueSubject(key), value); err != nil {
		return Transient(err)
	}
	return nil
}

// BLPop pulls a single message from an ephemeral consumer bound to key's
// subject, waiting up to timeout.
func (c *NATSClient) BLPop(ctx context.Context, key string, timeout time.Duration) ([]byte, error) {
	subject := queueSubject(key)
	sub, err := c.js.PullSubscribe(subject, "", nats.BindStream(natsQueueStream))
	if err != nil {
		return nil, Transient(err)
	}
	defer sub.Unsubscribe()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		wait := natsPullFetchMaxWait
		if remaining := time.Until(deadline); remaining < wait {
			wait = remaining
		}
		msgs, err := sub.Fetch(1, nats.MaxWait(wait))
		if err != nil {
			if err == nats.ErrTimeout || err == context.DeadlineExceeded {
				continue
			}
			return nil, Transient(err)
		}
		if len(msgs) == 0 {
			continue
		}
		msg := msgs[0]
		_ = msg.Ack()
		return msg.Data, nil
	}
	return nil, nil
}

func hashFieldKey(key, field string) string {
	return sanitizeToken(key) + "/" + sanitizeToken(field)
}

func (c *NATSClient) HSetMany(ctx context.Context, key string, fields map[string]string) error {
	for field, value := range fields {
		if _, err := c.hashes.Put(hashFieldKey(key, field), []byte(value)); err != nil {
			return Transient(err)
		}
	}
	return nil
}

func (c *NATSClient) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	prefix := sanitizeToken(key) + "/"
	keys, err := c.hashes.Keys()
	if err != nil {
		if err == nats.ErrNoKeysFound {
			return map[string]string{}, nil
		}
		return nil, Transient(err)
	}
	out := make(map[string]string)
	for _, k := range keys {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		entry, err := c.hashes.Get(k)
		if err != nil {
			continue
		}
		out[strings.TrimPrefix(k, prefix)] = string(entry.Value())
	}
	return out, nil
}

// Expire is a best-effort no-op: JetStream KV does not support per-key TTL
// outside of bucket-wide expiry.
func (c *NATSClient) Expire(ctx context.Context, key string, ttl time.Duration) error {
	logging.Warn("broker", "nats backend ignores per-key expire", "key", key)
	return nil
}

func zsetMemberKey(key, member string) string {
	return sanitizeToken(key) + "/" + sanitizeToken(member)
}

func (c *NATSClient) ZAdd(ctx context.Context, key string, score float64, member string) error {
	value := strconv.FormatFloat(score, 'f', -1, 64) + "|" + member
	if _, err := c.zsets.Put(zsetMemberKey(key, member), []byte(value)); err != nil {
		return Transient(err)
	}
	return nil
}

func (c *NATSClient) ZRem(ctx context.Context, key string, member string) error {
	if err := c.zsets.Delete(zsetMemberKey(key, member)); err != nil && err != nats.ErrKeyNotFound {
		return Transient(err)
	}
	return nil
}

func (c *NATSClient) ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error) {
	prefix := sanitizeToken(key) + "/"
	keys, err := c.zsets.Keys()
	if err != nil {
		if err == nats.ErrNoKeysFound {
			return nil, nil
		}
		return nil, Transient(err)
	}
	type scored struct {
		member string
		score  float64
	}
	var members []scored
	for _, k := range keys {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		entry, err := c.zsets.Get(k)
		if err != nil {
			continue
		}
		parts := strings.SplitN(string(entry.Value()), "|", 2)
		if len(parts) != 2 {
			continue
		}
		score, err := strconv.ParseFloat(parts[0], 64)
		if err != nil {
			continue
		}
		if score < min || score > max {
			continue
		}
		members = append(members, scored{member: parts[1], score: score})
	}
	sort.Slice(members, func(i, j int) bool { return members[i].score < members[j].score })
	out := make([]string, len(members))
	for i, m := range members {
		out[i] = m.member
	}
	return out, nil
}

func (c *NATSClient) ZCard(ctx context.Context, key string) (int64, error) {
	prefix := sanitizeToken(key) + "/"
	keys, err := c.zsets.Keys()
	if err != nil {
		if err == nats.ErrNoKeysFound {
			return 0, nil
		}
		return 0, Transient(err)
	}
	var count int64
	for _, k := range keys {
		if strings.HasPrefix(k, prefix) {
			count++
		}
	}
	return count, nil
}

func (c *NATSClient) Publish(ctx context.Context, channel string, value []byte) error {
	if err := c.nc.Publish(channel, value); err != nil {
		return Transient(err)
	}
	return nil
}

func (c *NATSClient) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	ch := make(chan []byte, 64)
	sub, err := c.nc.Subscribe(channel, func(msg *nats.Msg) {
		select {
		case ch <- msg.Data:
		default:
		}
	})
	if err != nil {
		close(ch)
		return nil, Transient(err)
	}
	return &natsSubscription{sub: sub, ch: ch}, nil
}

// Delete removes any hash fields and sorted-set members stored under key.
// Messages in the queue stream are not touched.
func (c *NATSClient) Delete(ctx context.Context, key string) error {
	prefix := sanitizeToken(key) + "/"
	if keys, err := c.hashes.Keys(); err == nil {
		for _, k := range keys {
			if strings.HasPrefix(k, prefix) {
				_ = c.hashes.Delete(k)
			}
		}
	}
	if keys, err := c.zsets.Keys(); err == nil {
		for _, k := range keys {
			if strings.HasPrefix(k, prefix) {
				_ = c.zsets.Delete(k)
			}
		}
	}
	return nil
}

func (c *NATSClient) Close() error {
	c.nc.Close()
	return nil
}

type natsSubscription struct {
	sub *nats.Subscription
	ch  chan []byte
}

func (s *natsSubscription) Messages() <-chan []byte {
	return s.ch
}

func (s *natsSubscription) Close() error {
	err := s.sub.Unsubscribe()
	close(s.ch)
	return err
}
