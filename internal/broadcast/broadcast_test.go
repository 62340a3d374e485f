package broadcast

import (
	"context"
	"errors"
	"testing"
	"time"

	"folio/api/internal/errs"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type chanSub struct {
	id  string
	out chan []byte
}

func newChanSub(id string, size int) *chanSub {
	return &chanSub{id: id, out: make(chan []byte, size)}
}

func (c *chanSub) ID() string { return c.id }

func (c *chanSub) Deliver(msg []byte) bool {
	select {
	case c.out <- msg:
		return true
	default:
		return false
	}
}

func receive(t *testing.T, sub *chanSub) string {
	t.Helper()
	select {
	case msg := <-sub.out:
		return string(msg)
	case <-time.After(2 * time.Second):
		t.Fatalf("subscriber %s received nothing", sub.id)
		return ""
	}
}

func TestLocalPublishReachesGroupOnly(t *testing.T) {
	local := NewLocal()
	a := newChanSub("a", 4)
	b := newChanSub("b", 4)
	other := newChanSub("other", 4)
	local.Subscribe("doc_1", a)
	local.Subscribe("doc_1", b)
	local.Subscribe("doc_2", other)

	if err := local.Publish(context.Background(), "doc_1", []byte("hello")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if got := receive(t, a); got != "hello" {
		t.Fatalf("a got %q", got)
	}
	if got := receive(t, b); got != "hello" {
		t.Fatalf("b got %q", got)
	}
	if len(other.out) != 0 {
		t.Fatal("other group must not receive doc_1 messages")
	}

	local.Unsubscribe("doc_1", a)
	if local.Count("doc_1") != 1 {
		t.Fatalf("expected one subscriber left, got %d", local.Count("doc_1"))
	}
}

func TestLocalDropsSlowSubscriber(t *testing.T) {
	local := NewLocal()
	slow := newChanSub("slow", 1)
	fast := newChanSub("fast", 8)
	local.Subscribe("doc_1", slow)
	local.Subscribe("doc_1", fast)

	for i := 0; i < 3; i++ {
		_ = local.Publish(context.Background(), "doc_1", []byte("tick"))
	}
	if local.Count("doc_1") != 1 {
		t.Fatalf("expected slow subscriber to be dropped, have %d", local.Count("doc_1"))
	}
	if len(fast.out) != 3 {
		t.Fatalf("fast subscriber should keep every message, got %d", len(fast.out))
	}
}

func startRelay(t *testing.T, addr string) *Redis {
	t.Helper()
	relay := NewRedis(redis.NewClient(&redis.Options{Addr: addr}), nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- relay.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
		_ = relay.Close()
	})
	select {
	case <-relay.Ready():
	case err := <-done:
		t.Fatalf("relay exited early: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("relay never became ready")
	}
	return relay
}

func TestRedisSharesGroupsAcrossInstances(t *testing.T) {
	s := miniredis.RunT(t)
	first := startRelay(t, s.Addr())
	second := startRelay(t, s.Addr())

	sender := newChanSub("sender", 4)
	peer := newChanSub("peer", 4)
	first.Subscribe("doc_1", sender)
	second.Subscribe("doc_1", peer)

	if err := first.Publish(context.Background(), "doc_1", []byte(`{"event_type":"annotation.created"}`)); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if got := receive(t, sender); got != `{"event_type":"annotation.created"}` {
		t.Fatalf("sender got %q", got)
	}
	if got := receive(t, peer); got != `{"event_type":"annotation.created"}` {
		t.Fatalf("peer got %q", got)
	}
}

func TestRedisPublishFailureIsTransportError(t *testing.T) {
	s := miniredis.RunT(t)
	relay := NewRedis(redis.NewClient(&redis.Options{Addr: s.Addr(), MaxRetries: -1}), nil)
	defer relay.Close()
	s.Close()

	err := relay.Publish(context.Background(), "doc_1", []byte("x"))
	if !errors.Is(err, errs.ErrTransport) {
		t.Fatalf("expected ErrTransport, got %v", err)
	}
}
