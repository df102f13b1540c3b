package event

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
)

func TestBus_Publish(t *testing.T) {
	bus := NewBus(nil)

	var received Event
	id := bus.Subscribe(TypeJobProgress, func(e Event) { received = e })
	if id == "" {
		t.Fatal("Subscribe should return a non-empty ID")
	}

	bus.Publish(NewJobProgressEvent("job-1", "asset-1", "", "processing", 0.5))

	p, ok := received.(JobProgressEvent)
	if !ok {
		t.Fatalf("received %T, want JobProgressEvent", received)
	}
	if p.JobID != "job-1" || p.Progress != 0.5 {
		t.Errorf("unexpected event: %+v", p)
	}
	if p.Timestamp().IsZero() {
		t.Error("Timestamp should be set")
	}
}

func TestBus_PublishNoMatchingHandlers(t *testing.T) {
	bus := NewBus(nil)
	called := false
	bus.Subscribe(TypeSyncState, func(Event) { called = true })

	bus.Publish(NewRemoteErrorEvent("E", "boom", ""))
	if called {
		t.Error("handler for a different type should not be called")
	}
}

func TestBus_Ordering(t *testing.T) {
	bus := NewBus(nil)
	var order []string
	bus.SubscribeAll(func(Event) { order = append(order, "wild") })
	bus.Subscribe(TypeConnectionLost, func(Event) { order = append(order, "one") })
	bus.Subscribe(TypeConnectionLost, func(Event) { order = append(order, "two") })

	bus.Publish(NewConnectionLostEvent(errors.New("eof")))

	want := []string{"one", "two", "wild"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus(nil)
	count := 0
	id := bus.Subscribe(TypeSyncState, func(Event) { count++ })
	bus.Subscribe(TypeSyncState, func(Event) { count += 10 })

	if !bus.Unsubscribe(id) {
		t.Fatal("Unsubscribe should find the subscription")
	}
	if bus.Unsubscribe(id) {
		t.Error("second Unsubscribe should return false")
	}
	bus.Publish(NewSyncStateEvent(3))
	if count != 10 {
		t.Errorf("count = %d, want 10", count)
	}
	if bus.SubscriptionCount() != 1 {
		t.Errorf("SubscriptionCount() = %d, want 1", bus.SubscriptionCount())
	}
}

func TestBus_Clear(t *testing.T) {
	bus := NewBus(nil)
	bus.Subscribe(TypeJobStarted, func(Event) {})
	bus.SubscribeAll(func(Event) {})
	bus.Clear()
	if bus.SubscriptionCount() != 0 {
		t.Errorf("SubscriptionCount() = %d after Clear", bus.SubscriptionCount())
	}
}

func TestBus_HandlerPanicRecovery(t *testing.T) {
	bus := NewBus(nil)
	reached := false
	bus.Subscribe(TypeApprovalUpdated, func(Event) { panic("handler bug") })
	bus.Subscribe(TypeApprovalUpdated, func(Event) { reached = true })

	bus.Publish(NewApprovalUpdatedEvent("ap-1", "generate_asset", "executed", ""))
	if !reached {
		t.Error("second handler should run after the first panicked")
	}
}

func TestBus_UnsubscribeDuringPublish(t *testing.T) {
	bus := NewBus(nil)
	calls := 0
	var id string
	id = bus.Subscribe(TypeJobFinished, func(Event) {
		calls++
		bus.Unsubscribe(id)
	})
	bus.Subscribe(TypeJobFinished, func(Event) { calls++ })

	bus.Publish(NewJobFinishedEvent("j", "a", "v", true, "", true))
	bus.Publish(NewJobFinishedEvent("j", "a", "v", true, "", true))
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestBus_ConcurrentPublish(t *testing.T) {
	bus := NewBus(nil)
	var count atomic.Int64
	bus.SubscribeAll(func(Event) { count.Add(1) })

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bus.Publish(NewPlanStepChangedEvent("p", 0, "completed", ""))
		}()
	}
	wg.Wait()
	if count.Load() != 50 {
		t.Errorf("count = %d, want 50", count.Load())
	}
}

func TestBus_UniqueIDs(t *testing.T) {
	bus := NewBus(nil)
	seen := make(map[string]bool)
	for i := 0; i < 500; i++ {
		id := bus.Subscribe(TypePlanStatusChange, func(Event) {})
		if seen[id] {
			t.Fatalf("duplicate subscription ID %q", id)
		}
		seen[id] = true
	}
}
