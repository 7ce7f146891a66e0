package signals

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
)

func TestBrokerPublishSubscribe(t *testing.T) {
	b := NewBroker()
	ch := b.Subscribe()
	b.Publish(Event{Kind: BatchCompleted, BatchID: "b1", Data: map[string]any{"x": 1}})

	select {
	case got := <-ch:
		if got.Kind != BatchCompleted || got.BatchID != "b1" {
			t.Fatalf("got %+v", got)
		}
		if got.Data["x"].(int) != 1 {
			t.Fatalf("bad payload: %+v", got.Data)
		}
		if got.At.IsZero() {
			t.Fatalf("timestamp not set")
		}
	case <-time.After(200 * time.Millisecond):
		t.Fatal("timeout waiting for event")
	}

	b.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed after unsubscribe")
	}
	// second unsubscribe is a no-op
	b.Unsubscribe(ch)
}

func TestBrokerFiltersKinds(t *testing.T) {
	b := NewBroker()
	ch := b.Subscribe(BatchError)
	defer b.Unsubscribe(ch)
	b.Publish(Event{Kind: BatchCompleted})
	b.Publish(Event{Kind: BatchError, WillRetry: false})
	select {
	case got := <-ch:
		if got.Kind != BatchError {
			t.Fatalf("filter leaked %s", got.Kind)
		}
	case <-time.After(200 * time.Millisecond):
		t.Fatal("timeout")
	}
}

func TestRedisBroker(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	b := NewRedisBroker(rdb)
	ch := b.Subscribe(CycleError)

	b.Publish(Event{Kind: CycleCompleted})
	b.Publish(Event{Kind: CycleError, Error: "roster unavailable"})
	select {
	case got := <-ch:
		if got.Kind != CycleError || got.Error != "roster unavailable" {
			t.Fatalf("got %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for redis event")
	}
	b.Unsubscribe(ch)
	select {
	case _, ok := <-ch:
		if ok {
			// drain anything buffered, then expect close
			for range ch {
			}
		}
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed after unsubscribe")
	}
}
