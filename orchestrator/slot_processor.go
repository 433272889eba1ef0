package orchestrator

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nodesentinel/beacon-indexer/httpclient"
	"github.com/nodesentinel/beacon-indexer/metrics"
	"github.com/nodesentinel/beacon-indexer/storage"
	"github.com/nodesentinel/beacon-indexer/types"
)

// processSlot runs the §4.5.5 pipeline for one slot: gettingSlot ->
// analyzing -> checkingIfSlotIsReady -> fetchingBeaconBlock ->
// processingSlot (parallel) -> markingSlotCompleted.
func (o *Orchestrator) processSlot(ctx context.Context, epoch, slot uint64) error {
	timer := metrics.NewTimer(metrics.SlotProcessDuration)
	defer timer.Stop()

	snapshot, err := o.store.GetOrCreateSlot(ctx, slot)
	if err != nil {
		return err
	}
	if snapshot.Processed {
		return nil
	}

	if err := o.waitUntilSlotReady(ctx, slot); err != nil {
		return err
	}

	block, err := o.fetchBeaconBlock(ctx, slot)
	if err != nil {
		return err
	}
	if block == nil {
		metrics.SlotsMissed.Inc()
		return o.store.MarkSlotCompleted(ctx, slot)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return o.regionAttestations(gctx, slot, block, snapshot) })
	g.Go(func() error { return o.regionBeaconBlockFields(gctx, slot, block, snapshot) })
	g.Go(func() error { return o.regionExecutionRewards(gctx, slot, block, snapshot) })
	g.Go(func() error { return o.regionBlockAndSyncRewards(gctx, epoch, slot, snapshot) })
	if err := g.Wait(); err != nil {
		return err
	}

	return o.store.MarkSlotCompleted(ctx, slot)
}

// waitUntilSlotReady blocks until slot <= currentSlot - delaySlotsToHead,
// the minimum lag required because attestations for slot n land in block
// n+1.
func (o *Orchestrator) waitUntilSlotReady(ctx context.Context, slot uint64) error {
	for {
		current := o.CurrentSlot()
		if current >= o.cfg.DelaySlotsToHead && slot <= current-o.cfg.DelaySlotsToHead {
			return nil
		}
		if err := sleep(ctx, o.tickInterval()/3); err != nil {
			return err
		}
	}
}

// fetchBeaconBlock retries on any error other than a missed slot; a missed
// slot returns (nil, nil) so the caller can short-circuit straight to
// markingSlotCompleted.
func (o *Orchestrator) fetchBeaconBlock(ctx context.Context, slot uint64) (*types.BeaconBlock, error) {
	for {
		block, err := o.beacon.GetBlock(ctx, slot)
		if err == nil {
			return block, nil
		}
		if httpclient.IsMissed(err) {
			return nil, nil
		}
		o.log.Warn("fetchingBeaconBlock failed, retrying", "slot", slot, "err", err)
		if err := sleep(ctx, o.tickInterval()); err != nil {
			return nil, err
		}
	}
}

// waitSyncCommitteeValidators polls storage every second until the sync
// committee covering epoch has been persisted.
func (o *Orchestrator) waitSyncCommitteeValidators(ctx context.Context, epoch uint64) ([]uint64, error) {
	for {
		sc, ok, err := o.store.GetSyncCommitteeForEpoch(ctx, epoch)
		if err != nil {
			return nil, err
		}
		if ok {
			return sc.Validators, nil
		}
		if err := sleep(ctx, time.Second); err != nil {
			return nil, err
		}
	}
}

// regionAttestations runs the delay-attribution algorithm (§4.4): gather
// the unique attested slots, fetch their committeesCountInSlot arrays, then
// decode each attestation's aggregation bits to validator indices and
// apply the inclusion distance (slot - attestation.DataSlot) as the
// observed delay.
func (o *Orchestrator) regionAttestations(ctx context.Context, slot uint64, block *types.BeaconBlock, snapshot types.Slot) error {
	if snapshot.AttestationsFetched {
		return nil
	}
	if slot == o.clock.LookbackSlot() {
		return o.store.ApplyAttestationDelays(ctx, slot, nil)
	}

	attestedSlots := make(map[uint64]struct{})
	lookback := o.clock.LookbackSlot()
	for _, a := range block.Attestations {
		if a.DataSlot >= lookback {
			attestedSlots[a.DataSlot] = struct{}{}
		}
	}
	slots := make([]uint64, 0, len(attestedSlots))
	for s := range attestedSlots {
		slots = append(slots, s)
	}

	var sizes map[uint64][]uint32
	for {
		var err error
		sizes, err = o.store.GetCommitteeSizesForSlots(ctx, slots)
		if err != nil {
			return err
		}
		if len(sizes) == len(slots) {
			break
		}
		if err := sleep(ctx, time.Second); err != nil {
			return err
		}
	}

	var updates []storage.AttestationDelayUpdate
	for _, a := range block.Attestations {
		counts, ok := sizes[a.DataSlot]
		if !ok {
			continue
		}
		for _, validatorIndex := range storage.DecodeAttestedValidators(counts, a.DataCommitteeIndex, a.AggregationBits) {
			updates = append(updates, bitIndexUpdate(a, validatorIndex, counts, slot))
		}
	}
	return o.store.ApplyAttestationDelays(ctx, slot, updates)
}

// bitIndexUpdate recovers the aggregationBitsIndex for validatorIndex within
// its committee (the inverse of DecodeAttestedValidators' start+b mapping)
// and pairs it with the inclusion distance slot-a.DataSlot.
func bitIndexUpdate(a types.Attestation, validatorIndex uint64, counts []uint32, includingSlot uint64) storage.AttestationDelayUpdate {
	var start uint64
	for i := uint32(0); i < a.DataCommitteeIndex; i++ {
		start += uint64(counts[i])
	}
	return storage.AttestationDelayUpdate{
		Slot:                 a.DataSlot,
		CommitteeIndex:       a.DataCommitteeIndex,
		AggregationBitsIndex: uint32(validatorIndex - start),
		Delay:                uint32(includingSlot - a.DataSlot),
	}
}

// regionBeaconBlockFields persists the six per-slot arrays extracted from
// the block body.
func (o *Orchestrator) regionBeaconBlockFields(ctx context.Context, slot uint64, block *types.BeaconBlock, snapshot types.Slot) error {
	if snapshot.BeaconBlockProcessed {
		return nil
	}
	return o.store.SetBeaconBlockFields(ctx, slot, storage.BeaconBlockFields{
		WithdrawalRewards: block.WithdrawalRewards,
		CLDeposits:        block.CLDeposits,
		CLVoluntaryExits:  block.CLVoluntaryExits,
		ELDeposits:        block.ELDeposits,
		ELWithdrawals:     block.ELWithdrawals,
		ELConsolidations:  block.ELConsolidations,
	})
}

// regionExecutionRewards calls the execution-layer node for the block's
// fee-recipient total and persists it, retrying indefinitely on error.
func (o *Orchestrator) regionExecutionRewards(ctx context.Context, slot uint64, block *types.BeaconBlock, snapshot types.Slot) error {
	if snapshot.ExecutionRewardsFetched {
		return nil
	}
	for {
		reward, err := o.execution.GetFeeRecipientReward(ctx, block.ExecutionBlockNumber)
		if err == nil {
			return o.store.PersistExecutionReward(ctx, slot, types.ExecutionReward{
				BlockNumber: reward.BlockNumber,
				Address:     reward.Address,
				Timestamp:   reward.Timestamp,
				Amount:      reward.Amount,
			})
		}
		o.log.Warn("executionRewards failed, retrying", "slot", slot, "err", err)
		if err := sleep(ctx, o.tickInterval()); err != nil {
			return err
		}
	}
}

// regionBlockAndSyncRewards runs the two independently-checkpointed
// sub-steps: block rewards (proposer) and sync-committee rewards. Both wait
// for the slot's sync committee to be persisted before starting.
func (o *Orchestrator) regionBlockAndSyncRewards(ctx context.Context, epoch, slot uint64, snapshot types.Slot) error {
	if snapshot.BlockRewardsFetched && snapshot.SyncRewardsFetched {
		return nil
	}

	syncCommitteeValidators, err := o.waitSyncCommitteeValidators(ctx, epoch)
	if err != nil {
		return err
	}

	hour := o.clock.UTCHour(o.clock.TimestampFromSlot(slot))

	if !snapshot.BlockRewardsFetched {
		for {
			rewards, err := o.beacon.GetBlockRewards(ctx, slot)
			if err == nil {
				if rewards != nil {
					err = o.store.ProcessBlockRewardsAndAggregate(ctx, slot, types.HourlyValidatorStats{Datetime: hour}, *rewards)
				}
				if err == nil {
					break
				}
			}
			if httpclient.IsMissed(err) {
				if err := o.store.MarkBlockRewardsFetched(ctx, slot); err != nil {
					return err
				}
				break
			}
			o.log.Warn("blockRewards failed, retrying", "slot", slot, "err", err)
			if err := sleep(ctx, o.tickInterval()); err != nil {
				return err
			}
		}
	}

	if !snapshot.SyncRewardsFetched && len(syncCommitteeValidators) > 0 {
		for {
			rewards, err := o.beacon.GetSyncCommitteeRewards(ctx, slot, syncCommitteeValidators)
			if err == nil {
				if len(rewards) > 0 {
					err = o.store.ProcessSyncCommitteeRewardsAndAggregate(ctx, slot, types.HourlyValidatorStats{Datetime: hour}, rewards)
				}
				if err == nil {
					break
				}
			}
			if httpclient.IsMissed(err) {
				if err := o.store.MarkSyncRewardsFetched(ctx, slot); err != nil {
					return err
				}
				break
			}
			o.log.Warn("syncCommitteeRewards failed, retrying", "slot", slot, "err", err)
			if err := sleep(ctx, o.tickInterval()); err != nil {
				return err
			}
		}
	}

	return nil
}
