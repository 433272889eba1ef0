package metrics

// Pre-defined metrics for the beacon chain indexer. All metrics live in
// DefaultRegistry so they are globally accessible without passing a
// registry around.

var (
	// ---- Epoch orchestration metrics ----

	// EpochsProcessed counts epochs that reached markEpochAsProcessed.
	EpochsProcessed = DefaultRegistry.Counter("epoch.processed")
	// EpochMinUnprocessed tracks the smallest unprocessed epoch (the oldest
	// work item the epoch orchestrator is currently driving).
	EpochMinUnprocessed = DefaultRegistry.Gauge("epoch.min_unprocessed")
	// EpochProcessDuration records wall-clock time from the start of epoch
	// processing (admission-gate wait included) to markEpochAsProcessed, in
	// milliseconds.
	EpochProcessDuration = DefaultRegistry.Histogram("epoch.process_ms")
	// EpochsCreated counts epoch rows created by the creator task.
	EpochsCreated = DefaultRegistry.Counter("epoch.created")

	// ---- Slot orchestration metrics ----

	// SlotsProcessed counts slots that reached markingSlotCompleted.
	SlotsProcessed = DefaultRegistry.Counter("slot.processed")
	// SlotsMissed counts slots whose beacon block fetch returned SLOT_MISSED.
	SlotsMissed = DefaultRegistry.Counter("slot.missed")
	// SlotProcessDuration records wall-clock time from gettingSlot to
	// markingSlotCompleted, in milliseconds.
	SlotProcessDuration = DefaultRegistry.Histogram("slot.process_ms")

	// ---- Reliable request client metrics ----

	// UpstreamRequestsArchive counts calls issued against the archive pool.
	UpstreamRequestsArchive = DefaultRegistry.Counter("upstream.requests.archive")
	// UpstreamRequestsFull counts calls issued against the full pool.
	UpstreamRequestsFull = DefaultRegistry.Counter("upstream.requests.full")
	// UpstreamRetries counts retry attempts across both pools.
	UpstreamRetries = DefaultRegistry.Counter("upstream.retries")
	// UpstreamFallbacks counts full->archive fallbacks.
	UpstreamFallbacks = DefaultRegistry.Counter("upstream.fallbacks")
	// UpstreamLatency records per-call latency in milliseconds.
	UpstreamLatency = DefaultRegistry.Histogram("upstream.latency_ms")

	// ---- Storage metrics ----

	// StorageTxDuration records transaction duration per business step, in
	// milliseconds.
	StorageTxDuration = DefaultRegistry.Histogram("storage.tx_ms")
	// CommitteesCleaned counts committee rows removed by cleanup.
	CommitteesCleaned = DefaultRegistry.Counter("storage.committees_cleaned")
)
