package orchestrator

import "context"

// runEpochOrchestrator is the loop in §4.5.2: pick the smallest unprocessed
// epoch, run exactly one Epoch Processor to completion, then loop. Only one
// epoch processor runs at a time -- epochs are serialized in increasing
// order.
func (o *Orchestrator) runEpochOrchestrator(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		epoch, ok, err := o.store.MinEpochToProcess(ctx)
		if err != nil {
			o.log.Warn("reading min epoch to process failed", "err", err)
			if sleep(ctx, o.tickInterval()) != nil {
				return ctx.Err()
			}
			continue
		}
		if !ok {
			if sleep(ctx, o.tickInterval()) != nil {
				return ctx.Err()
			}
			continue
		}

		if err := o.processEpoch(ctx, epoch); err != nil {
			o.log.Warn("epoch processor returned an error, retrying from the same epoch", "epoch", epoch, "err", err)
		}
	}
}
