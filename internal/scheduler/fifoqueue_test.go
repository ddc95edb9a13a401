package scheduler

import (
	"testing"
	"time"

	"github.com/orneryd/specmemd/internal/wire"
)

func testConfig() FIFOConfig {
	return FIFOConfig{
		MaxQueue:     1000,
		MaxRetries:   3,
		BaseRetry:    10 * time.Millisecond,
		MaxRetry:     100 * time.Millisecond,
		LeaseTimeout: 50 * time.Millisecond,
		AgePromotion: 20 * time.Millisecond,
		DLQCapacity:  10,
		DLQTTL:       time.Hour,
		RejectCPU:    90,
		QueueCPU:     70,
	}
}

func TestEnqueueDequeue_PriorityOrder(t *testing.T) {
	q := NewFIFOQueue(testConfig())
	q.Enqueue(wire.PriorityLow, "low", 0, nil)
	q.Enqueue(wire.PriorityCritical, "critical", 0, nil)
	q.Enqueue(wire.PriorityMedium, "medium", 0, nil)

	item, ok := q.Dequeue()
	if !ok || item.Payload != "critical" {
		t.Fatalf("expected critical item first, got %+v", item)
	}
	item, ok = q.Dequeue()
	if !ok || item.Payload != "medium" {
		t.Fatalf("expected medium item next, got %+v", item)
	}
}

func TestAck_RemovesFromProcessing(t *testing.T) {
	q := NewFIFOQueue(testConfig())
	q.Enqueue(wire.PriorityMedium, "x", 0, nil)
	item, _ := q.Dequeue()
	q.Ack(item.ID)

	q.mu.Lock()
	_, stillProcessing := q.processing[item.ID]
	q.mu.Unlock()
	if stillProcessing {
		t.Error("expected item to be removed from processing after ack")
	}
}

func TestNack_RetriesThenDLQs(t *testing.T) {
	q := NewFIFOQueue(testConfig())
	q.Enqueue(wire.PriorityMedium, "x", 0, nil)

	var id string
	for i := 0; i < 3; i++ {
		item, ok := q.Dequeue()
		if !ok {
			// wait for backoff window to pass
			time.Sleep(150 * time.Millisecond)
			item, ok = q.Dequeue()
			if !ok {
				t.Fatalf("expected a dequeueable item on retry %d", i)
			}
		}
		id = item.ID
		q.Nack(id, "boom")
	}

	dlq := q.DLQSnapshot()
	if len(dlq) != 1 {
		t.Fatalf("expected 1 DLQ item after max retries, got %d", len(dlq))
	}
	if dlq[0].RetryCount < 3 {
		t.Errorf("retry_count = %d, want >= 3", dlq[0].RetryCount)
	}
}

func TestDrain_ExpiresLeaseAndNacks(t *testing.T) {
	cfg := testConfig()
	cfg.LeaseTimeout = 1 * time.Millisecond
	q := NewFIFOQueue(cfg)
	q.Enqueue(wire.PriorityMedium, "x", 0, nil)
	q.Dequeue()

	time.Sleep(5 * time.Millisecond)
	q.Drain()

	if q.QueueDepth() != 1 {
		t.Errorf("expected the lease-timed-out item back in the queue, depth = %d", q.QueueDepth())
	}
}

func TestAgeItems_PromotesStalePending(t *testing.T) {
	cfg := testConfig()
	cfg.AgePromotion = 1 * time.Millisecond
	q := NewFIFOQueue(cfg)
	q.Enqueue(wire.PriorityLow, "x", 0, nil)

	time.Sleep(5 * time.Millisecond)
	q.ageItems()

	item, ok := q.Dequeue()
	if !ok {
		t.Fatal("expected item to still be dequeueable")
	}
	if item.PriorityCurrent != wire.PriorityMedium {
		t.Errorf("priority_current = %q, want medium after one promotion", item.PriorityCurrent)
	}
	if item.PriorityOriginal != wire.PriorityLow {
		t.Errorf("priority_original = %q, want low (must never change)", item.PriorityOriginal)
	}
}

func TestAgeItems_OneLevelPerInterval(t *testing.T) {
	cfg := testConfig()
	cfg.AgePromotion = time.Hour
	q := NewFIFOQueue(cfg)
	q.Enqueue(wire.PriorityTrivial, "x", 0, nil)

	// Backdate the enqueue so the first drain tick sees an expired wait.
	q.mu.Lock()
	item := q.deques[wire.PriorityTrivial].Front().Value.(*Item)
	item.EnqueuedAt = time.Now().Add(-2 * time.Hour)
	q.mu.Unlock()

	// Repeated ticks within one interval must not cascade the item to
	// critical: the wait clock restarts at the promotion.
	q.ageItems()
	q.ageItems()
	q.ageItems()

	got, ok := q.Dequeue()
	if !ok {
		t.Fatal("expected item to still be dequeueable")
	}
	if got.PriorityCurrent != wire.PriorityLow {
		t.Errorf("priority_current = %q, want low (one promotion per interval)", got.PriorityCurrent)
	}
}

func TestEnqueue_RejectsWhenOverloadedWithNoOverflow(t *testing.T) {
	q := NewFIFOQueue(testConfig())
	_, err := q.Enqueue(wire.PriorityMedium, "x", 95, nil)
	if err != ErrRejected {
		t.Fatalf("expected ErrRejected, got %v", err)
	}
}

type stubOverflow struct {
	calls int
}

func (s *stubOverflow) Enqueue(priority wire.Priority, payload interface{}) error {
	s.calls++
	return nil
}

func TestEnqueue_SpillsToOverflowUnderCPUPressure(t *testing.T) {
	q := NewFIFOQueue(testConfig())
	sink := &stubOverflow{}
	item, err := q.Enqueue(wire.PriorityMedium, "x", 95, sink)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if item != nil {
		t.Error("expected nil item when spilled to overflow")
	}
	if sink.calls != 1 {
		t.Errorf("overflow.Enqueue calls = %d, want 1", sink.calls)
	}
}
