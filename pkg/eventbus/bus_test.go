package eventbus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newTestBus() *Bus {
	cfg := DefaultConfig()
	cfg.BatchEnabled = false
	cfg.Persist = false
	return New(cfg, nil, nil, nil)
}

func TestBus_BasicPublishSubscribe(t *testing.T) {
	bus := newTestBus()
	defer bus.Stop()

	ctx := context.Background()
	received := make(chan Event, 1)

	id, err := bus.Subscribe("test.message", func(ctx context.Context, event Event) error {
		received <- event
		return nil
	}, SubscribeOptions{})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	evtID, err := bus.Publish(ctx, "test.message", "hello world", PublishOptions{Source: "test"})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if evtID == "" {
		t.Fatal("expected non-empty event id")
	}

	select {
	case evt := <-received:
		if evt.Type != "test.message" {
			t.Errorf("expected type test.message, got %s", evt.Type)
		}
		if evt.Data != "hello world" {
			t.Errorf("expected data 'hello world', got %v", evt.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("event not received within timeout")
	}

	subs := bus.ListSubscriptions()
	if len(subs) != 1 || subs[0].ID != id {
		t.Errorf("expected 1 subscription with id %s, got %+v", id, subs)
	}
}

func TestBus_PatternMatching(t *testing.T) {
	bus := newTestBus()
	defer bus.Stop()
	ctx := context.Background()

	tests := []struct {
		pattern     string
		eventType   string
		shouldMatch bool
	}{
		{"test.message", "test.message", true},
		{"test.message", "test.other", false},
		{"*", "anything", true},
	}

	for _, tt := range tests {
		received := make(chan bool, 1)
		id, err := bus.Subscribe(tt.pattern, func(ctx context.Context, event Event) error {
			received <- true
			return nil
		}, SubscribeOptions{})
		if err != nil {
			t.Fatalf("subscribe %s: %v", tt.pattern, err)
		}

		if _, err := bus.Publish(ctx, tt.eventType, "data", PublishOptions{Sequential: true}); err != nil {
			t.Fatalf("publish: %v", err)
		}

		select {
		case <-received:
			if !tt.shouldMatch {
				t.Errorf("pattern %s should not match %s", tt.pattern, tt.eventType)
			}
		case <-time.After(100 * time.Millisecond):
			if tt.shouldMatch {
				t.Errorf("pattern %s should match %s", tt.pattern, tt.eventType)
			}
		}

		bus.Unsubscribe(id)
	}
}

func TestBus_HandlerPriorityOrdering(t *testing.T) {
	bus := newTestBus()
	defer bus.Stop()
	ctx := context.Background()

	var mu sync.Mutex
	var order []int

	priorities := []int{1, 10, 5, 20, 3}
	for _, p := range priorities {
		p := p
		_, err := bus.Subscribe("test.priority", func(ctx context.Context, event Event) error {
			mu.Lock()
			order = append(order, p)
			mu.Unlock()
			return nil
		}, SubscribeOptions{Priority: p})
		if err != nil {
			t.Fatalf("subscribe: %v", err)
		}
	}

	if _, err := bus.Publish(ctx, "test.priority", nil, PublishOptions{Sequential: true}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	expected := []int{20, 10, 5, 3, 1}
	mu.Lock()
	defer mu.Unlock()
	if len(order) != len(expected) {
		t.Fatalf("expected %d handlers invoked, got %d", len(expected), len(order))
	}
	for i, want := range expected {
		if order[i] != want {
			t.Errorf("position %d: expected priority %d, got %d", i, want, order[i])
		}
	}
}

func TestBus_OnceSubscriptionDeactivatesAfterFirstSuccess(t *testing.T) {
	bus := newTestBus()
	defer bus.Stop()
	ctx := context.Background()

	var count int32
	_, err := bus.Once("test.once", func(ctx context.Context, event Event) error {
		atomic.AddInt32(&count, 1)
		return nil
	}, SubscribeOptions{})
	if err != nil {
		t.Fatalf("once: %v", err)
	}

	for i := 0; i < 3; i++ {
		if _, err := bus.Publish(ctx, "test.once", i, PublishOptions{Sequential: true}); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}

	if got := atomic.LoadInt32(&count); got != 1 {
		t.Errorf("expected once handler invoked exactly once, got %d", got)
	}
	if len(bus.ListSubscriptions()) != 0 {
		t.Error("expected once subscription swept after invocation")
	}
}

func TestBus_FilterFunction(t *testing.T) {
	bus := newTestBus()
	defer bus.Stop()
	ctx := context.Background()

	var mu sync.Mutex
	var received []Event

	_, err := bus.Subscribe("test.filtered", func(ctx context.Context, event Event) error {
		mu.Lock()
		received = append(received, event)
		mu.Unlock()
		return nil
	}, SubscribeOptions{Filter: func(e Event) bool {
		_, ok := e.Data.(string)
		return ok
	}})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	payloads := []interface{}{"alpha", 42, map[string]string{"k": "v"}, "beta"}
	for _, p := range payloads {
		if _, err := bus.Publish(ctx, "test.filtered", p, PublishOptions{Sequential: true}); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 2 {
		t.Errorf("expected 2 string-payload events, got %d", len(received))
	}
}

func TestBus_HandlerPanicIsContained(t *testing.T) {
	bus := newTestBus()
	defer bus.Stop()
	ctx := context.Background()

	_, err := bus.Subscribe("test.panic", func(ctx context.Context, event Event) error {
		panic("boom")
	}, SubscribeOptions{})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if _, err := bus.Publish(ctx, "test.panic", "x", PublishOptions{Sequential: true}); err != nil {
		t.Fatalf("publish should not surface handler panic: %v", err)
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := newTestBus()
	defer bus.Stop()
	ctx := context.Background()

	var received int32
	id, err := bus.Subscribe("test.sub", func(ctx context.Context, event Event) error {
		atomic.AddInt32(&received, 1)
		return nil
	}, SubscribeOptions{})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if _, err := bus.Publish(ctx, "test.sub", nil, PublishOptions{Sequential: true}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if !bus.Unsubscribe(id) {
		t.Fatal("expected unsubscribe to report success")
	}

	if _, err := bus.Publish(ctx, "test.sub", nil, PublishOptions{Sequential: true}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if got := atomic.LoadInt32(&received); got != 1 {
		t.Errorf("expected 1 delivery before unsubscribe, got %d", got)
	}
}

func TestBus_WaitForReturnsMatchingEvent(t *testing.T) {
	bus := newTestBus()
	defer bus.Stop()
	ctx := context.Background()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		time.Sleep(10 * time.Millisecond)
		bus.Publish(context.Background(), "test.wait", "payload", PublishOptions{})
	}()

	evt, err := bus.WaitFor(ctx, "test.wait", WaitForOptions{Timeout: time.Second})
	if err != nil {
		t.Fatalf("waitFor: %v", err)
	}
	if evt.Data != "payload" {
		t.Errorf("expected payload data, got %v", evt.Data)
	}
	wg.Wait()
}

func TestBus_WaitForTimesOut(t *testing.T) {
	bus := newTestBus()
	defer bus.Stop()
	ctx := context.Background()

	_, err := bus.WaitFor(ctx, "test.never", WaitForOptions{Timeout: 20 * time.Millisecond})
	if err == nil {
		t.Fatal("expected timeout error")
	}
}

func TestBus_QueueFullWhenSaturated(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConcurrentEvents = 1
	cfg.MaxQueueSize = 1
	cfg.Persist = false
	bus := New(cfg, nil, nil, nil)
	defer bus.Stop()
	ctx := context.Background()

	block := make(chan struct{})
	_, err := bus.Subscribe("test.block", func(ctx context.Context, event Event) error {
		<-block
		return nil
	}, SubscribeOptions{})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if _, err := bus.Publish(ctx, "test.block", 1, PublishOptions{}); err != nil {
		t.Fatalf("first publish should occupy the only slot: %v", err)
	}
	if _, err := bus.Publish(ctx, "test.block", 2, PublishOptions{}); err != nil {
		t.Fatalf("second publish should queue: %v", err)
	}
	if _, err := bus.Publish(ctx, "test.block", 3, PublishOptions{}); err == nil {
		t.Fatal("expected QueueFull once queue and slot are both saturated")
	}

	close(block)
}

func TestBus_MiddlewareCanDropOrAbort(t *testing.T) {
	bus := newTestBus()
	defer bus.Stop()
	ctx := context.Background()

	bus.Use(func(ctx context.Context, event Event) (*Event, error) {
		if event.Type == "test.drop" {
			return nil, nil
		}
		if event.Type == "test.abort" {
			return nil, errors.New("rejected")
		}
		return &event, nil
	})

	id, err := bus.Publish(ctx, "test.drop", nil, PublishOptions{})
	if err != nil {
		t.Fatalf("dropped publish should not error: %v", err)
	}
	if id != "" {
		t.Error("dropped publish should return empty id")
	}

	if _, err := bus.Publish(ctx, "test.abort", nil, PublishOptions{}); err == nil {
		t.Fatal("expected abort error from middleware")
	}
}

func TestBus_StopWaitsForInFlightHandlers(t *testing.T) {
	bus := newTestBus()
	ctx := context.Background()

	_, err := bus.Subscribe("test.stop", func(ctx context.Context, event Event) error {
		time.Sleep(80 * time.Millisecond)
		return nil
	}, SubscribeOptions{Async: true})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if _, err := bus.Publish(ctx, "test.stop", nil, PublishOptions{}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	start := time.Now()
	bus.Stop()
	if time.Since(start) < 50*time.Millisecond {
		t.Error("Stop should wait for in-flight async handlers")
	}

	if _, err := bus.Publish(ctx, "test.stop", nil, PublishOptions{}); err == nil {
		t.Error("expected publish to a stopped bus to fail")
	}
}
