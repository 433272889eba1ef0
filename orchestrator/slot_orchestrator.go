package orchestrator

import "context"

// runSlotOrchestrator is §4.5.4: drives a Slot Processor for every slot in
// the epoch strictly sequentially, from max(epochStart, lookbackSlot) to the
// epoch's last slot. Slots are never processed out of order or concurrently
// with one another.
func (o *Orchestrator) runSlotOrchestrator(ctx context.Context, epoch uint64) error {
	slots := o.clock.EpochSlots(epoch)
	start := slots.StartSlot
	if lookback := o.clock.LookbackSlot(); lookback > start {
		start = lookback
	}

	for s := start; s <= slots.EndSlot; s++ {
		if err := o.processSlot(ctx, epoch, s); err != nil {
			return err
		}
	}
	return nil
}
