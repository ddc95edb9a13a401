package scheduler

import (
	"container/list"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/orneryd/specmemd/internal/wire"
)

// priorityOrder is the dequeue precedence, highest first.
var priorityOrder = []wire.Priority{
	wire.PriorityCritical,
	wire.PriorityHigh,
	wire.PriorityMedium,
	wire.PriorityLow,
	wire.PriorityTrivial,
}

// ItemStatus is the lifecycle state of a queued item.
type ItemStatus string

const (
	StatusPending    ItemStatus = "pending"
	StatusProcessing ItemStatus = "processing"
	StatusCompleted  ItemStatus = "completed"
	StatusFailed     ItemStatus = "failed"
	StatusDLQ        ItemStatus = "dlq"
)

// Item is one unit of scheduled work.
type Item struct {
	ID               string
	PriorityCurrent  wire.Priority
	PriorityOriginal wire.Priority
	Payload          interface{}
	EnqueuedAt       time.Time
	PromotedAt       time.Time
	StartedAt        time.Time
	LeaseExpiresAt   time.Time
	RetryCount       int
	LastError        string
	NextRetryAt      time.Time
	Status           ItemStatus
}

// OverflowSink receives items the in-memory queue cannot admit; the
// durable overflow store implements this.
type OverflowSink interface {
	Enqueue(priority wire.Priority, payload interface{}) error
}

// ErrRejected is returned by Enqueue when admission control rejects a
// request outright (CPU overloaded, no overflow available).
var ErrRejected = errors.New("scheduler: rejected, system overloaded")

// FIFOConfig configures the FIFO+ACK queue discipline.
type FIFOConfig struct {
	MaxQueue     int
	MaxRetries   int
	BaseRetry    time.Duration
	MaxRetry     time.Duration
	LeaseTimeout time.Duration
	AgePromotion time.Duration
	DLQCapacity  int
	DLQTTL       time.Duration
	RejectCPU    float64
	QueueCPU     float64
}

// FIFOQueue is the strict per-priority FIFO discipline with explicit
// ACK/NACK, lease timeouts, priority aging, retry backoff, and a DLQ.
type FIFOQueue struct {
	cfg FIFOConfig

	mu         sync.Mutex
	deques     map[wire.Priority]*list.List
	processing map[string]*Item
	dlq        *list.List

	nextID int64

	totalRetries   uint64
	totalProcessed uint64

	onAck  func(*Item)
	onNack func(*Item, string)
}

// NewFIFOQueue creates an empty FIFO+ACK queue.
func NewFIFOQueue(cfg FIFOConfig) *FIFOQueue {
	q := &FIFOQueue{
		cfg:        cfg,
		deques:     make(map[wire.Priority]*list.List),
		processing: make(map[string]*Item),
		dlq:        list.New(),
	}
	for _, p := range priorityOrder {
		q.deques[p] = list.New()
	}
	return q
}

// SetCallbacks registers optional hooks invoked on Ack and Nack.
func (q *FIFOQueue) SetCallbacks(onAck func(*Item), onNack func(*Item, string)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onAck = onAck
	q.onNack = onNack
}

func (q *FIFOQueue) queueLen() int {
	total := 0
	for _, d := range q.deques {
		total += d.Len()
	}
	return total
}

// Enqueue admits an item per the admission-control rules: reject outright
// when CPU is over the reject threshold and no overflow exists; spill to
// overflow when CPU is over the queue threshold or the memory queue is
// full; otherwise admit to the priority deque.
func (q *FIFOQueue) Enqueue(priority wire.Priority, payload interface{}, cpuPct float64, overflow OverflowSink) (*Item, error) {
	q.mu.Lock()

	full := q.queueLen() >= q.cfg.MaxQueue
	overCPU := cpuPct > q.cfg.RejectCPU
	queueCPU := cpuPct > q.cfg.QueueCPU

	needsOverflow := full || overCPU || queueCPU
	q.mu.Unlock()

	if needsOverflow {
		if overflow == nil {
			if overCPU {
				return nil, ErrRejected
			}
			if full {
				return nil, ErrRejected
			}
		} else {
			if err := overflow.Enqueue(priority, payload); err != nil {
				return nil, fmt.Errorf("scheduler: overflow enqueue failed: %w", err)
			}
			return nil, nil
		}
	}

	if !priority.Valid() {
		priority = wire.PriorityMedium
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.nextID++
	item := &Item{
		ID:               fmt.Sprintf("item-%d", q.nextID),
		PriorityCurrent:  priority,
		PriorityOriginal: priority,
		Payload:          payload,
		EnqueuedAt:       time.Now(),
		Status:           StatusPending,
	}
	q.deques[priority].PushBack(item)
	return item, nil
}

// Dequeue returns the oldest eligible pending item from the
// highest-priority non-empty deque, marking it processing.
func (q *FIFOQueue) Dequeue() (*Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	for _, p := range priorityOrder {
		d := q.deques[p]
		for el := d.Front(); el != nil; el = el.Next() {
			item := el.Value.(*Item)
			if !item.NextRetryAt.IsZero() && item.NextRetryAt.After(now) {
				continue
			}
			d.Remove(el)
			item.Status = StatusProcessing
			item.StartedAt = now
			item.LeaseExpiresAt = now.Add(q.cfg.LeaseTimeout)
			q.processing[item.ID] = item
			return item, true
		}
	}
	return nil, false
}

// Ack marks an item completed and removes it from the processing set.
func (q *FIFOQueue) Ack(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	item, ok := q.processing[id]
	if !ok {
		return
	}
	item.Status = StatusCompleted
	delete(q.processing, id)
	q.totalProcessed++
	if q.onAck != nil {
		q.onAck(item)
	}
}

// Nack increments retry_count and either reschedules the item with
// exponential backoff or moves it to the DLQ once max_retries is reached.
// It reports whether the item reached the DLQ (a terminal outcome).
func (q *FIFOQueue) Nack(id string, reason string) bool {
	q.mu.Lock()
	item, ok := q.processing[id]
	if !ok {
		q.mu.Unlock()
		return false
	}
	delete(q.processing, id)
	item.LastError = reason
	item.RetryCount++
	q.totalRetries++

	if item.RetryCount >= q.cfg.MaxRetries {
		q.moveToDLQLocked(item)
		q.mu.Unlock()
		if q.onNack != nil {
			q.onNack(item, reason)
		}
		return true
	}

	backoff := q.cfg.BaseRetry * time.Duration(1<<uint(item.RetryCount-1))
	if backoff > q.cfg.MaxRetry {
		backoff = q.cfg.MaxRetry
	}
	item.NextRetryAt = time.Now().Add(backoff)
	item.Status = StatusPending
	q.deques[item.PriorityCurrent].PushBack(item)
	q.mu.Unlock()

	if q.onNack != nil {
		q.onNack(item, reason)
	}
	return false
}

func (q *FIFOQueue) moveToDLQLocked(item *Item) {
	item.Status = StatusDLQ
	q.dlq.PushBack(item)
	for q.dlq.Len() > q.cfg.DLQCapacity {
		oldest := q.dlq.Front()
		if oldest == nil {
			break
		}
		q.dlq.Remove(oldest)
	}
}

// Drain runs one pass of lease-timeout scanning, DLQ TTL eviction, and
// priority aging. Callers typically invoke this periodically from a
// background goroutine.
func (q *FIFOQueue) Drain() {
	q.scanLeases()
	q.evictExpiredDLQ()
	q.ageItems()
}

func (q *FIFOQueue) scanLeases() {
	q.mu.Lock()
	now := time.Now()
	var expired []string
	for id, item := range q.processing {
		if now.After(item.LeaseExpiresAt) {
			expired = append(expired, id)
		}
	}
	q.mu.Unlock()

	for _, id := range expired {
		q.Nack(id, "lease timeout")
	}
}

func (q *FIFOQueue) evictExpiredDLQ() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.cfg.DLQTTL <= 0 {
		return
	}
	now := time.Now()
	for el := q.dlq.Front(); el != nil; {
		next := el.Next()
		item := el.Value.(*Item)
		if now.Sub(item.EnqueuedAt) > q.cfg.DLQTTL {
			q.dlq.Remove(el)
		}
		el = next
	}
}

// ageItems promotes any pending item that has waited longer than
// age_promotion by one priority level, unless it is already critical.
// The wait clock restarts at each promotion (PromotedAt), so an item
// climbs one level per age_promotion interval rather than cascading to
// critical across consecutive drain ticks once the first threshold is
// crossed. priority_original is never mutated so the promotion remains
// observable.
func (q *FIFOQueue) ageItems() {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := time.Now()

	for i, p := range priorityOrder {
		if i == 0 {
			continue // critical has no higher level
		}
		d := q.deques[p]
		for el := d.Front(); el != nil; {
			next := el.Next()
			item := el.Value.(*Item)
			since := item.EnqueuedAt
			if !item.PromotedAt.IsZero() {
				since = item.PromotedAt
			}
			if now.Sub(since) > q.cfg.AgePromotion {
				d.Remove(el)
				promoted := priorityOrder[i-1]
				item.PriorityCurrent = promoted
				item.PromotedAt = now
				q.deques[promoted].PushBack(item)
			}
			el = next
		}
	}
}

// DLQSnapshot returns a new slice of the items currently in the DLQ, for
// inspection by operators. The slice is a copy; the *Item values are the
// queue's own.
func (q *FIFOQueue) DLQSnapshot() []*Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*Item, 0, q.dlq.Len())
	for el := q.dlq.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*Item))
	}
	return out
}

// QueueDepth returns the sum of lengths across all priority deques.
func (q *FIFOQueue) QueueDepth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.queueLen()
}

// TotalRetries counts every Nack, including the one that moved an item
// to the DLQ.
func (q *FIFOQueue) TotalRetries() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.totalRetries
}

// TotalProcessed counts items that were acked to completion.
func (q *FIFOQueue) TotalProcessed() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.totalProcessed
}
