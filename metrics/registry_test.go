package metrics

import (
	"fmt"
	"sync"
	"testing"
)

func TestRegistry_Empty(t *testing.T) {
	r := NewRegistry()
	snap := r.Snapshot()
	if len(snap) != 0 {
		t.Fatalf("empty registry snapshot: want 0 entries, got %d", len(snap))
	}
}

func TestRegistry_CounterGaugeHistogram(t *testing.T) {
	r := NewRegistry()
	r.Counter("c1").Add(5)
	r.Gauge("g1").Set(42)
	h := r.Histogram("h1")
	h.Observe(5)
	h.Observe(15)

	snap := r.Snapshot()
	if snap["c1"].(int64) != 5 {
		t.Fatalf("c1: want 5, got %v", snap["c1"])
	}
	if snap["g1"].(int64) != 42 {
		t.Fatalf("g1: want 42, got %v", snap["g1"])
	}
	hm := snap["h1"].(map[string]interface{})
	if hm["count"].(int64) != 2 || hm["min"].(float64) != 5 || hm["max"].(float64) != 15 || hm["mean"].(float64) != 10 {
		t.Fatalf("h1 stats: got %+v", hm)
	}
}

func TestRegistry_DuplicateGetReturnsSame(t *testing.T) {
	r := NewRegistry()
	c1 := r.Counter("shared_name")
	c1.Inc()
	if c2 := r.Counter("shared_name"); c2.Value() != 1 {
		t.Fatalf("counter reuse: second reference should see value 1, got %d", c2.Value())
	}
}

// TestRegistry_ConcurrentGetOrCreate exercises the RLock fast path / Lock
// slow path race in Counter/Gauge/Histogram: every goroutine requesting the
// same name must observe the same instance.
func TestRegistry_ConcurrentGetOrCreate(t *testing.T) {
	r := NewRegistry()
	const goroutines = 100

	counters := make([]*Counter, goroutines)
	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func(idx int) {
			defer wg.Done()
			counters[idx] = r.Counter("shared.counter")
		}(i)
	}
	wg.Wait()

	for i := 1; i < goroutines; i++ {
		if counters[i] != counters[0] {
			t.Fatal("concurrent Counter: different instances returned")
		}
	}
}

func TestRegistry_SnapshotIsIsolated(t *testing.T) {
	r := NewRegistry()
	r.Counter("c").Add(5)
	snap := r.Snapshot()

	r.Counter("c").Add(10)

	if snap["c"].(int64) != 5 {
		t.Fatalf("snapshot should be isolated: want 5, got %v", snap["c"])
	}
	if snap2 := r.Snapshot(); snap2["c"].(int64) != 15 {
		t.Fatalf("new snapshot: want 15, got %v", snap2["c"])
	}
}

func TestRegistry_ManyMetrics(t *testing.T) {
	r := NewRegistry()
	const n = 100
	for i := 0; i < n; i++ {
		r.Counter(fmt.Sprintf("counter_%d", i)).Add(int64(i))
		r.Gauge(fmt.Sprintf("gauge_%d", i)).Set(int64(i * 10))
		r.Histogram(fmt.Sprintf("hist_%d", i)).Observe(float64(i))
	}
	if snap := r.Snapshot(); len(snap) != 3*n {
		t.Fatalf("snapshot entries: want %d, got %d", 3*n, len(snap))
	}
}

// --- DefaultRegistry / standard metric wiring ---

func TestDefaultRegistry_NotNil(t *testing.T) {
	if DefaultRegistry == nil {
		t.Fatal("DefaultRegistry should not be nil")
	}
}

func TestStandardMetrics_CounterNames(t *testing.T) {
	names := []string{
		"epoch.processed", "epoch.created",
		"slot.processed", "slot.missed",
		"upstream.requests.archive", "upstream.requests.full", "upstream.retries", "upstream.fallbacks",
		"storage.committees_cleaned",
	}
	snap := DefaultRegistry.Snapshot()
	for _, name := range names {
		if _, ok := snap[name]; !ok {
			t.Errorf("standard counter %q not found in DefaultRegistry snapshot", name)
		}
	}
}

func TestStandardMetrics_GaugeNames(t *testing.T) {
	if _, ok := DefaultRegistry.Snapshot()["epoch.min_unprocessed"]; !ok {
		t.Error("standard gauge \"epoch.min_unprocessed\" not found in DefaultRegistry snapshot")
	}
}

func TestStandardMetrics_HistogramNames(t *testing.T) {
	names := []string{"epoch.process_ms", "slot.process_ms", "upstream.latency_ms", "storage.tx_ms"}
	snap := DefaultRegistry.Snapshot()
	for _, name := range names {
		if _, ok := snap[name]; !ok {
			t.Errorf("standard histogram %q not found in DefaultRegistry snapshot", name)
		}
	}
}

func TestStandardMetrics_AllNonNil(t *testing.T) {
	all := []interface{}{
		EpochsProcessed, EpochMinUnprocessed, EpochProcessDuration, EpochsCreated,
		SlotsProcessed, SlotsMissed, SlotProcessDuration,
		UpstreamRequestsArchive, UpstreamRequestsFull, UpstreamRetries, UpstreamFallbacks, UpstreamLatency,
		StorageTxDuration, CommitteesCleaned,
	}
	for i, m := range all {
		if m == nil {
			t.Errorf("standard metric [%d] is nil", i)
		}
	}
}
