package orchestrator

import (
	"context"
	"time"
)

// runEpochCreator is the periodic task described in §4.5.1: on each tick it
// tops the unprocessed-epoch window back up to TargetUnprocessedEpochs by
// creating a strictly consecutive run of new epoch rows.
func (o *Orchestrator) runEpochCreator(ctx context.Context) {
	tick := o.tickInterval()
	for {
		if err := o.createEpochsTick(ctx); err != nil {
			o.log.Warn("epoch creator tick failed, retrying", "err", err)
		}
		if sleep(ctx, tick) != nil {
			return
		}
	}
}

func (o *Orchestrator) tickInterval() time.Duration {
	return time.Duration(o.clock.Params().SlotDurationMs) * time.Millisecond
}

func (o *Orchestrator) createEpochsTick(ctx context.Context) error {
	unprocessed, err := o.store.UnprocessedCount(ctx)
	if err != nil {
		return err
	}
	needed := int(o.cfg.TargetUnprocessedEpochs) - unprocessed
	if needed <= 0 {
		return nil
	}

	maxEpoch, hasMax, err := o.store.MaxEpochInDB(ctx)
	if err != nil {
		return err
	}
	startEpoch := o.cfg.SlotStartIndexing / o.clock.Params().SlotsPerEpoch
	if hasMax {
		startEpoch = maxEpoch + 1
	}

	epochs := make([]uint64, 0, needed)
	for i := 0; i < needed; i++ {
		epochs = append(epochs, startEpoch+uint64(i))
	}
	return o.store.CreateEpochs(ctx, epochs, o.cfg.SlotStartIndexing, o.clock.Params().SlotsPerEpoch)
}
