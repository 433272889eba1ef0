// Package orchestrator implements the hierarchical cooperative state-machine
// tree that drives epoch and slot ingestion: an epoch creator, an epoch
// orchestrator, an epoch processor with its parallel regions, a slot
// orchestrator, and a slot processor with its own parallel regions. The
// epoch processor's regions signal each other with typed events over a
// process.EventBus scoped to that one epoch's processing run.
package orchestrator

import (
	"context"
	"time"

	"github.com/nodesentinel/beacon-indexer/beaconapi"
	"github.com/nodesentinel/beacon-indexer/beacontime"
	"github.com/nodesentinel/beacon-indexer/executionapi"
	"github.com/nodesentinel/beacon-indexer/log"
	"github.com/nodesentinel/beacon-indexer/storage"
)

// Config carries the tunables the state machines gate on. These map 1:1 to
// the recognized configuration options: the target unprocessed-epoch window,
// the cleanup threshold, and how far behind head a slot must fall before it
// is processable.
type Config struct {
	TargetUnprocessedEpochs uint64
	MaxAttestationDelay     uint32
	DelaySlotsToHead        uint64
	SlotStartIndexing       uint64
	StateID                 string
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		TargetUnprocessedEpochs: 5,
		MaxAttestationDelay:     64,
		DelaySlotsToHead:        1,
		StateID:                "head",
	}
}

// Orchestrator wires the five layers together and exposes the top-level
// Run loop: an epoch creator task running alongside a single epoch
// orchestrator loop.
type Orchestrator struct {
	store     storage.Store
	beacon    *beaconapi.Facade
	execution *executionapi.Client
	clock     *beacontime.Clock
	cfg       Config
	log       *log.Logger
}

// New builds an Orchestrator over the given collaborators.
func New(store storage.Store, beacon *beaconapi.Facade, execution *executionapi.Client, clock *beacontime.Clock, cfg Config) *Orchestrator {
	return &Orchestrator{
		store:     store,
		beacon:    beacon,
		execution: execution,
		clock:     clock,
		cfg:       cfg,
		log:       log.Default().Module("orchestrator"),
	}
}

// CurrentSlot returns the slot active right now, per the configured clock.
func (o *Orchestrator) CurrentSlot() uint64 {
	return o.clock.SlotFromTimestamp(time.Now().UnixMilli())
}

// Run starts the epoch creator, the committee cleanup task and the epoch
// orchestrator loop. It blocks
// until ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) error {
	go o.runEpochCreator(ctx)
	go o.runCommitteeCleanup(ctx)
	return o.runEpochOrchestrator(ctx)
}

// sleep is a context-aware delay used by every `after(duration)` transition
// in the spec: it returns early (with ctx.Err()) if the context is cancelled
// while waiting.
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
