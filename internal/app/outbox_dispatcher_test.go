package app

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rewear/exchange-service/internal/store"
)

type recordingPublisher struct {
	mu        sync.Mutex
	failKey   string
	published []string
}

func (p *recordingPublisher) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	return p.PublishJSON(ctx, exchange, routingKey, nil)
}

func (p *recordingPublisher) PublishJSON(_ context.Context, _ string, routingKey string, _ []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if routingKey == p.failKey {
		return errors.New("broker down")
	}
	p.published = append(p.published, routingKey)
	return nil
}

func (p *recordingPublisher) Close() {}

func enqueueEvents(t *testing.T, s store.Store, keys ...string) {
	t.Helper()
	err := s.InTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		for _, k := range keys {
			if err := tx.EnqueueEvent(ctx, "rewear.events", k, map[string]string{"key": k}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
}

func TestOutboxDispatcherFlushOnce(t *testing.T) {
	s := store.NewMemoryStore()
	enqueueEvents(t, s, "item.approved", "swap.completed")

	pub := &recordingPublisher{failKey: "swap.completed"}
	d := NewOutboxDispatcher(s, pub, 10, nil, nil)

	published, failed, err := d.FlushOnce(context.Background())
	if err != nil {
		t.Fatalf("flush: %v", err)
	}
	if published != 1 || failed != 1 {
		t.Fatalf("expected 1 published and 1 failed, got %d and %d", published, failed)
	}
	if len(pub.published) != 1 || pub.published[0] != "item.approved" {
		t.Fatalf("unexpected publish log %v", pub.published)
	}

	// The failed event is backed off and the published one is gone.
	published, failed, err = d.FlushOnce(context.Background())
	if err != nil {
		t.Fatalf("second flush: %v", err)
	}
	if published != 0 || failed != 0 {
		t.Fatalf("expected an empty second batch, got %d/%d", published, failed)
	}
}

func TestOutboxDispatcherRejectsBadSchedule(t *testing.T) {
	d := NewOutboxDispatcher(store.NewMemoryStore(), &recordingPublisher{}, 0, nil, nil)
	if err := d.Start("not a schedule"); err == nil {
		t.Fatal("expected schedule parse error")
	}
	if d.batchSize != DefaultOutboxBatchSize {
		t.Fatalf("expected default batch size, got %d", d.batchSize)
	}
}

func TestRetryDelaySeconds(t *testing.T) {
	cases := []struct {
		attempt int
		want    int
	}{
		{0, 1},
		{1, 2},
		{3, 8},
		{8, 256},
		{9, 300},
		{20, 300},
	}
	for _, c := range cases {
		if got := retryDelaySeconds(c.attempt); got != c.want {
			t.Errorf("retryDelaySeconds(%d) = %d, want %d", c.attempt, got, c.want)
		}
	}
}
