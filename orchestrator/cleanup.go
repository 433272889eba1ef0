package orchestrator

import "context"

// runCommitteeCleanup is the periodic maintenance task behind §4.4's
// Cleanup contract: committee rows older than 3 epochs whose attestation
// delay is set and at most the configured maximum are reclaimed on
// the same cadence as the epoch creator's tick.
func (o *Orchestrator) runCommitteeCleanup(ctx context.Context) {
	tick := o.tickInterval()
	for {
		if sleep(ctx, tick) != nil {
			return
		}
		n, err := o.store.CleanupOldCommittees(ctx, o.CurrentSlot(), o.clock.Params().SlotsPerEpoch, o.cfg.MaxAttestationDelay)
		if err != nil {
			o.log.Warn("committee cleanup tick failed, retrying", "err", err)
			continue
		}
		if n > 0 {
			o.log.Info("cleaned up old committee rows", "count", n)
		}
	}
}
