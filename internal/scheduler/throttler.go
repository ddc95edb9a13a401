// Package scheduler implements the two admission-control strategies:
// a lightweight token-bucket throttler (the default) and an optional
// FIFO+ACK priority queue with leases, retries, and a dead-letter queue.
package scheduler

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/orneryd/specmemd/internal/cpumonitor"
	"github.com/orneryd/specmemd/internal/wire"
)

// priorityMultipliers scale base_delay by request priority.
var priorityMultipliers = map[wire.Priority]float64{
	wire.PriorityCritical: 0.1,
	wire.PriorityHigh:     0.5,
	wire.PriorityMedium:   1.0,
	wire.PriorityLow:      2.0,
	wire.PriorityTrivial:  4.0,
}

// CPU utilization thresholds (percent) that bucket the delay multiplier.
const (
	cpuLow      = 30.0
	cpuMedium   = 50.0
	cpuHigh     = 70.0
	cpuCritical = 85.0
)

func cpuMultiplier(pct float64) float64 {
	switch {
	case pct >= cpuCritical:
		return 10
	case pct >= cpuHigh:
		return 4
	case pct >= cpuMedium:
		return 2
	case pct >= cpuLow:
		return 1.5
	default:
		return 1
	}
}

// ThrottlerConfig configures the token-bucket rate limiter and thread
// scaling loop.
type ThrottlerConfig struct {
	BaseDelay     time.Duration
	MaxRPS        float64
	Burst         int
	BatchDelay    time.Duration
	BatchCooldown time.Duration
	ThreadMin     int
	ThreadMax     int
}

// Throttler implements the lightweight throttler mode: a token-bucket rate
// limiter with priority- and CPU-adaptive delay, plus dynamic encoder
// thread-count scaling.
type Throttler struct {
	cfg ThrottlerConfig
	cpu *cpumonitor.Monitor

	mu          sync.Mutex
	tokens      float64
	lastRefill  time.Time
	windowStart time.Time
	windowCount int

	threadMu       sync.Mutex
	currentThreads int
	onThreadChange func(int)

	throttleEvents atomic.Uint64

	sleepFn func(time.Duration)
	stopCh  chan struct{}
	stopped sync.Once
}

// NewThrottler creates a throttler sharing the given CPU monitor. onThreadChange,
// if non-nil, is invoked whenever the dynamic scaling loop changes the
// encoder's thread count.
func NewThrottler(cfg ThrottlerConfig, cpu *cpumonitor.Monitor, onThreadChange func(int)) *Throttler {
	now := time.Now()
	t := &Throttler{
		cfg:            cfg,
		cpu:            cpu,
		tokens:         float64(cfg.Burst),
		lastRefill:     now,
		windowStart:    now,
		currentThreads: cfg.ThreadMax,
		onThreadChange: onThreadChange,
		sleepFn:        time.Sleep,
		stopCh:         make(chan struct{}),
	}
	go t.scaleLoop()
	return t
}

// Stop halts the background thread-scaling loop.
func (t *Throttler) Stop() {
	t.stopped.Do(func() { close(t.stopCh) })
}

// Acquire blocks for the computed delay before returning, applying the
// priority- and CPU-adaptive token-bucket rules.
func (t *Throttler) Acquire(priority wire.Priority, isBatch bool, batchSize int) {
	delay := t.computeDelay(priority)
	if isBatch {
		if batchSize > 8 {
			delay += t.cfg.BatchCooldown
		} else {
			delay += t.cfg.BatchDelay
		}
	}
	if delay > 0 {
		t.sleepFn(delay)
	}
}

func (t *Throttler) computeDelay(priority wire.Priority) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(t.lastRefill).Seconds()
	t.lastRefill = now
	t.tokens += elapsed * t.cfg.MaxRPS
	if t.tokens > float64(t.cfg.Burst) {
		t.tokens = float64(t.cfg.Burst)
	}

	cpuPct := 0.0
	if t.cpu != nil {
		cpuPct = t.cpu.Instant()
	}
	mult := priorityMultipliers[priority]
	if mult == 0 {
		mult = 1.0
	}
	delay := time.Duration(float64(t.cfg.BaseDelay) * mult * cpuMultiplier(cpuPct))

	if t.tokens < 1 {
		if t.cfg.MaxRPS > 0 {
			extra := time.Duration((1 - t.tokens) / t.cfg.MaxRPS * float64(time.Second))
			delay += extra
		}
		t.tokens = 0
		t.throttleEvents.Add(1)
	} else {
		t.tokens--
	}

	if now.Sub(t.windowStart) > time.Second {
		t.windowStart = now
		t.windowCount = 0
	}
	t.windowCount++
	if t.windowCount > t.cfg.Burst {
		delay += t.cfg.BaseDelay
		t.throttleEvents.Add(1)
	}

	return delay
}

// ThrottleEvents counts how many times the bucket ran dry or the burst
// window overflowed.
func (t *Throttler) ThrottleEvents() uint64 {
	return t.throttleEvents.Load()
}

// scaleLoop recomputes the encoder thread count every 5 seconds based on
// trailing-mean CPU utilization.
func (t *Throttler) scaleLoop() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-t.stopCh:
			return
		case <-ticker.C:
			t.adjustThreads()
		}
	}
}

func (t *Throttler) adjustThreads() {
	if t.cpu == nil {
		return
	}
	cpuPct := t.cpu.TrailingMean()

	t.threadMu.Lock()
	current := t.currentThreads
	target := current
	switch {
	case cpuPct >= cpuCritical:
		target = t.cfg.ThreadMin
	case cpuPct >= cpuHigh:
		target = current - 1
		if target < t.cfg.ThreadMin {
			target = t.cfg.ThreadMin
		}
	case cpuPct <= cpuLow:
		target = current + 1
		if target > t.cfg.ThreadMax {
			target = t.cfg.ThreadMax
		}
	}
	changed := target != current
	t.currentThreads = target
	t.threadMu.Unlock()

	if changed && t.onThreadChange != nil {
		t.onThreadChange(target)
	}
}

// CurrentThreads returns the thread count last set by the scaling loop.
func (t *Throttler) CurrentThreads() int {
	t.threadMu.Lock()
	defer t.threadMu.Unlock()
	return t.currentThreads
}
