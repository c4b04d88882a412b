package broker

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
)

func newTestRedisClient(t *testing.T) *RedisClient {
	t.Helper()
	srv, err := miniredis.Run()
	if err != nil {
		t.Skipf("miniredis unavailable: %v", err)
	}
	t.Cleanup(srv.Close)
	c, err := NewRedisClient("redis://" + srv.Addr())
	if err != nil {
		t.Fatalf("new redis client: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestRedisClientListPrimitives(t *testing.T) {
	c := newTestRedisClient(t)
	ctx := context.Background()

	if err := c.RPush(ctx, "jobs", []byte("job-1")); err != nil {
		t.Fatalf("rpush: %v", err)
	}
	got, err := c.BLPop(ctx, "jobs", 100*time.Millisecond)
	if err != nil {
		t.Fatalf("blpop: %v", err)
	}
	if string(got) != "job-1" {
		t.Fatalf("unexpected value: %s", got)
	}

	got, err = c.BLPop(ctx, "jobs", 50*time.Millisecond)
	if err != nil {
		t.Fatalf("blpop empty: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil for empty queue, got %v", got)
	}
}

func TestRedisClientHashPrimitives(t *testing.T) {
	c := newTestRedisClient(t)
	ctx := context.Background()

	if err := c.HSetMany(ctx, "status:job-1", map[string]string{"status": "queued", "model": "gpt-4"}); err != nil {
		t.Fatalf("hset: %v", err)
	}
	fields, err := c.HGetAll(ctx, "status:job-1")
	if err != nil {
		t.Fatalf("hgetall: %v", err)
	}
	if fields["status"] != "queued" || fields["model"] != "gpt-4" {
		t.Fatalf("unexpected fields: %#v", fields)
	}
	if err := c.Expire(ctx, "status:job-1", time.Hour); err != nil {
		t.Fatalf("expire: %v", err)
	}
}

func TestRedisClientSortedSetPrimitives(t *testing.T) {
	c := newTestRedisClient(t)
	ctx := context.Background()

	if err := c.ZAdd(ctx, "active_jobs", 100, "job-1"); err != nil {
		t.Fatalf("zadd: %v", err)
	}
	if err := c.ZAdd(ctx, "active_jobs", 200, "job-2"); err != nil {
		t.Fatalf("zadd: %v", err)
	}
	members, err := c.ZRangeByScore(ctx, "active_jobs", 0, 150)
	if err != nil {
		t.Fatalf("zrangebyscore: %v", err)
	}
	if len(members) != 1 || members[0] != "job-1" {
		t.Fatalf("unexpected members: %v", members)
	}
	if err := c.ZRem(ctx, "active_jobs", "job-2"); err != nil {
		t.Fatalf("zrem: %v", err)
	}
	members, err = c.ZRangeByScore(ctx, "active_jobs", 0, 1000)
	if err != nil {
		t.Fatalf("zrangebyscore: %v", err)
	}
	if len(members) != 1 || members[0] != "job-1" {
		t.Fatalf("unexpected members after zrem: %v", members)
	}
}

func TestRedisClientPubSub(t *testing.T) {
	c := newTestRedisClient(t)
	ctx := context.Background()

	sub, err := c.Subscribe(ctx, "events:job-1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	if err := c.Publish(ctx, "events:job-1", []byte(`{"type":"status"}`)); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case msg := <-sub.Messages():
		if string(msg) != `{"type":"status"}` {
			t.Fatalf("unexpected message: %s", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestRedisClientDelete(t *testing.T) {
	c := newTestRedisClient(t)
	ctx := context.Background()

	if err := c.HSetMany(ctx, "status:job-1", map[string]string{"status": "queued"}); err != nil {
		t.Fatalf("hset: %v", err)
	}
	if err := c.Delete(ctx, "status:job-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	fields, err := c.HGetAll(ctx, "status:job-1")
	if err != nil {
		t.Fatalf("hgetall: %v", err)
	}
	if len(fields) != 0 {
		t.Fatalf("expected empty fields after delete, got %#v", fields)
	}
}
