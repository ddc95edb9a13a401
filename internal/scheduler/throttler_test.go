package scheduler

import (
	"testing"
	"time"

	"github.com/orneryd/specmemd/internal/wire"
)

func TestCPUMultiplier_Buckets(t *testing.T) {
	cases := []struct {
		pct  float64
		want float64
	}{
		{10, 1}, {30, 1.5}, {50, 2}, {70, 4}, {85, 10}, {99, 10},
	}
	for _, tc := range cases {
		if got := cpuMultiplier(tc.pct); got != tc.want {
			t.Errorf("cpuMultiplier(%v) = %v, want %v", tc.pct, got, tc.want)
		}
	}
}

func TestThrottler_CriticalPriorityDelaysLessThanTrivial(t *testing.T) {
	cfg := ThrottlerConfig{
		BaseDelay: 10 * time.Millisecond,
		MaxRPS:    1000,
		Burst:     1000,
		ThreadMin: 1,
		ThreadMax: 4,
	}
	th := NewThrottler(cfg, nil, nil)
	defer th.Stop()

	critical := th.computeDelay(wire.PriorityCritical)
	trivial := th.computeDelay(wire.PriorityTrivial)
	if critical >= trivial {
		t.Errorf("critical delay (%v) should be less than trivial delay (%v)", critical, trivial)
	}
}

func TestThrottler_ThrottleEvents_CountBucketExhaustion(t *testing.T) {
	cfg := ThrottlerConfig{
		BaseDelay: 0,
		MaxRPS:    0.001, // effectively no refill within the test
		Burst:     1,
		ThreadMin: 1,
		ThreadMax: 1,
	}
	th := NewThrottler(cfg, nil, nil)
	defer th.Stop()

	th.computeDelay(wire.PriorityMedium) // consumes the only token
	before := th.ThrottleEvents()
	th.computeDelay(wire.PriorityMedium) // bucket dry
	if th.ThrottleEvents() <= before {
		t.Error("expected throttle_events to increase once the bucket runs dry")
	}
}

func TestThrottler_AdjustThreads_NilCPUIsNoop(t *testing.T) {
	cfg := ThrottlerConfig{ThreadMin: 1, ThreadMax: 4}
	th := NewThrottler(cfg, nil, nil)
	defer th.Stop()
	th.adjustThreads()
	if th.CurrentThreads() != cfg.ThreadMax {
		t.Errorf("CurrentThreads() = %d, want initial %d", th.CurrentThreads(), cfg.ThreadMax)
	}
}
