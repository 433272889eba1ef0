package orchestrator

import (
	"context"
	"strconv"

	"golang.org/x/sync/errgroup"

	"github.com/nodesentinel/beacon-indexer/httpclient"
	"github.com/nodesentinel/beacon-indexer/metrics"
	"github.com/nodesentinel/beacon-indexer/process"
	"github.com/nodesentinel/beacon-indexer/types"
)

// epochProcessor holds the parent/child signaling between the seven
// parallel regions of §4.5.3: EPOCH_STARTED, COMMITTEES_FETCHED and
// VALIDATORS_BALANCES_FETCHED are published on a process.EventBus scoped to
// this one epoch processor instance. Every region that needs to wait on a
// signal subscribes up front, in newEpochProcessor, before any region
// goroutine starts -- Publish only reaches subscribers registered at the
// time it is called, so late subscription would race a signal raised by a
// region that starts first.
type epochProcessor struct {
	o     *Orchestrator
	epoch uint64
	bus   *process.EventBus

	epochStartedForSlots    *process.Subscription
	epochStartedForTracking *process.Subscription
	epochStartedForBalances *process.Subscription
	committeesFetchedSub    *process.Subscription
	balancesFetchedSub      *process.Subscription
}

func newEpochProcessor(o *Orchestrator, epoch uint64) *epochProcessor {
	bus := process.NewEventBus(1)
	return &epochProcessor{
		o:                       o,
		epoch:                   epoch,
		bus:                     bus,
		epochStartedForSlots:    bus.Subscribe(process.EventEpochStarted),
		epochStartedForTracking: bus.Subscribe(process.EventEpochStarted),
		epochStartedForBalances: bus.Subscribe(process.EventEpochStarted),
		committeesFetchedSub:    bus.Subscribe(process.EventCommitteesFetched),
		balancesFetchedSub:      bus.Subscribe(process.EventValidatorsBalancesFetched),
	}
}

func (p *epochProcessor) raiseStarted()   { p.bus.Publish(process.EventEpochStarted, p.epoch) }
func (p *epochProcessor) raiseCommittee() { p.bus.Publish(process.EventCommitteesFetched, p.epoch) }
func (p *epochProcessor) raiseBalances() {
	p.bus.Publish(process.EventValidatorsBalancesFetched, p.epoch)
}

// processEpoch admits epoch past its gate, then runs the seven parallel
// regions concurrently to completion, and finally marks the epoch processed.
func (o *Orchestrator) processEpoch(ctx context.Context, epoch uint64) error {
	timer := metrics.NewTimer(metrics.EpochProcessDuration)
	defer timer.Stop()

	// Gate: epoch may proceed only if epoch <= currentEpoch+1.
	for {
		currentEpoch := o.clock.EpochFromSlot(o.CurrentSlot())
		if epoch <= currentEpoch+1 {
			break
		}
		if sleep(ctx, o.tickInterval()/2) != nil {
			return ctx.Err()
		}
	}

	snapshot, err := o.store.GetEpoch(ctx, epoch)
	if err != nil {
		return err
	}

	p := newEpochProcessor(o, epoch)
	defer p.bus.Close()
	if snapshot.CommitteesFetched {
		p.raiseCommittee()
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return p.regionMonitoringEpochStart(gctx) })
	g.Go(func() error { return p.regionCommittees(gctx, snapshot.CommitteesFetched) })
	g.Go(func() error { return p.regionSyncCommittees(gctx, snapshot.SyncCommitteesFetched) })
	g.Go(func() error { return p.regionSlotsProcessing(gctx, snapshot.SlotsFetched) })
	g.Go(func() error { return p.regionTrackingValidatorsActivation(gctx, snapshot.ValidatorsActivationFetched) })
	g.Go(func() error { return p.regionValidatorsBalances(gctx, snapshot.ValidatorsBalancesFetched) })
	g.Go(func() error { return p.regionRewards(gctx, snapshot.RewardsFetched) })

	if err := g.Wait(); err != nil {
		return err
	}

	return o.store.MarkEpochAsProcessed(ctx, epoch)
}

// regionMonitoringEpochStart polls until currentSlot reaches the epoch's
// start slot, then raises epochStarted and terminates.
func (p *epochProcessor) regionMonitoringEpochStart(ctx context.Context) error {
	startSlot := p.o.clock.EpochSlots(p.epoch).StartSlot
	for {
		if p.o.CurrentSlot() >= startSlot {
			p.raiseStarted()
			return nil
		}
		if err := sleep(ctx, p.o.tickInterval()/2); err != nil {
			return err
		}
	}
}

// regionCommittees fetches and persists committee assignments for the
// epoch; on failure it retries indefinitely at the HTTP layer's cadence
// ("onError: self" in the spec's state-machine vocabulary).
func (p *epochProcessor) regionCommittees(ctx context.Context, alreadyFetched bool) error {
	if alreadyFetched {
		return nil
	}
	slots := p.o.clock.EpochSlots(p.epoch)
	for {
		committees, err := p.o.beacon.GetCommittees(ctx, p.o.cfg.StateID, p.epoch)
		if err == nil {
			countsBySlot := committeeCounts(committees)
			allSlots := make([]uint64, 0, p.o.clock.Params().SlotsPerEpoch)
			for s := slots.StartSlot; s <= slots.EndSlot; s++ {
				allSlots = append(allSlots, s)
			}
			if err := p.o.store.SaveCommitteesData(ctx, p.epoch, allSlots, committees, countsBySlot); err == nil {
				p.raiseCommittee()
				return nil
			}
		}
		p.o.log.Warn("fetchCommittees failed, retrying", "epoch", p.epoch, "err", err)
		if err := sleep(ctx, p.o.tickInterval()); err != nil {
			return err
		}
	}
}

// committeeCounts derives committeesCountInSlot[slot][committeeIndex] from
// the flat committee-membership list: the count for a committee is one more
// than the largest aggregationBitsIndex observed in it.
func committeeCounts(committees []types.Committee) map[uint64][]uint32 {
	out := make(map[uint64][]uint32)
	for _, c := range committees {
		sizes := out[c.Slot]
		for uint32(len(sizes)) <= c.CommitteeIndex {
			sizes = append(sizes, 0)
		}
		if c.AggregationBitsIndex+1 > sizes[c.CommitteeIndex] {
			sizes[c.CommitteeIndex] = c.AggregationBitsIndex + 1
		}
		out[c.Slot] = sizes
	}
	return out
}

// regionSyncCommittees upserts the sync committee for the period containing
// the epoch. The upsert is idempotent (keyed on fromEpoch/toEpoch), so no
// separate presence check is needed before writing.
func (p *epochProcessor) regionSyncCommittees(ctx context.Context, alreadyFetched bool) error {
	if alreadyFetched {
		return nil
	}
	firstSlot := p.o.clock.EpochSlots(p.epoch).StartSlot
	for {
		sc, err := p.o.beacon.GetSyncCommittees(ctx, formatSlot(firstSlot), p.epoch)
		if err == nil {
			period := p.o.clock.SyncPeriodRange(p.epoch)
			sc.FromEpoch, sc.ToEpoch = period.FromEpoch, period.ToEpoch
			if err := p.o.store.UpsertSyncCommittee(ctx, p.epoch, sc); err == nil {
				return nil
			}
		}
		p.o.log.Warn("fetchSyncCommittees failed, retrying", "epoch", p.epoch, "err", err)
		if err := sleep(ctx, p.o.tickInterval()); err != nil {
			return err
		}
	}
}

// regionSlotsProcessing waits for both committeesFetched and epochStarted,
// then drives the Slot Orchestrator across the epoch's slot range.
func (p *epochProcessor) regionSlotsProcessing(ctx context.Context, alreadyFetched bool) error {
	select {
	case <-p.committeesFetchedSub.Chan():
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-p.epochStartedForSlots.Chan():
	case <-ctx.Done():
		return ctx.Err()
	}
	if alreadyFetched {
		return nil
	}

	if err := p.o.runSlotOrchestrator(ctx, p.epoch); err != nil {
		return err
	}
	return p.o.store.MarkEpochSlotsFetched(ctx, p.epoch)
}

// regionTrackingValidatorsActivation refreshes the status of validators
// still pending activation once the epoch has started.
func (p *epochProcessor) regionTrackingValidatorsActivation(ctx context.Context, alreadyFetched bool) error {
	select {
	case <-p.epochStartedForTracking.Chan():
	case <-ctx.Done():
		return ctx.Err()
	}
	if alreadyFetched {
		return nil
	}

	startSlot := p.o.clock.EpochSlots(p.epoch).StartSlot
	for {
		ids, err := p.o.store.PendingQueuedValidatorIDs(ctx)
		if err == nil {
			if len(ids) > 0 {
				validators, err := p.o.beacon.GetValidators(ctx, formatSlot(startSlot), ids, nil, httpclient.PoolFull)
				if err == nil {
					err = p.o.store.UpsertValidators(ctx, validators)
				}
				if err != nil {
					p.o.log.Warn("trackingValidatorsActivation failed, retrying", "epoch", p.epoch, "err", err)
					if err := sleep(ctx, p.o.tickInterval()); err != nil {
						return err
					}
					continue
				}
			}
			return p.o.store.MarkValidatorsActivationFetched(ctx, p.epoch)
		}
		p.o.log.Warn("reading pending-queued validators failed, retrying", "epoch", p.epoch, "err", err)
		if err := sleep(ctx, p.o.tickInterval()); err != nil {
			return err
		}
	}
}

// regionValidatorsBalances fetches and persists balances for every active
// validator once the epoch has started, then raises validatorsBalancesFetched.
func (p *epochProcessor) regionValidatorsBalances(ctx context.Context, alreadyFetched bool) error {
	select {
	case <-p.epochStartedForBalances.Chan():
	case <-ctx.Done():
		return ctx.Err()
	}
	if alreadyFetched {
		p.raiseBalances()
		return nil
	}

	startSlot := p.o.clock.EpochSlots(p.epoch).StartSlot
	for {
		ids, err := p.o.store.ActiveValidatorIDs(ctx)
		if err == nil {
			balances, err := p.o.beacon.GetValidatorsBalances(ctx, formatSlot(startSlot), ids, httpclient.PoolFull)
			if err == nil {
				if err := p.o.store.UpsertValidatorsBalances(ctx, p.epoch, balances); err == nil {
					p.raiseBalances()
					return nil
				}
			}
		}
		p.o.log.Warn("validatorsBalances failed, retrying", "epoch", p.epoch, "err", err)
		if err := sleep(ctx, p.o.tickInterval()); err != nil {
			return err
		}
	}
}

// regionRewards waits for validatorsBalancesFetched, then for the epoch to
// fully close (currentSlot > endSlot), then fetches and persists attestation
// rewards, excluding validators in a final status.
func (p *epochProcessor) regionRewards(ctx context.Context, alreadyFetched bool) error {
	select {
	case <-p.balancesFetchedSub.Chan():
	case <-ctx.Done():
		return ctx.Err()
	}
	if alreadyFetched {
		return nil
	}

	slots := p.o.clock.EpochSlots(p.epoch)
	for p.o.CurrentSlot() <= slots.EndSlot {
		if err := sleep(ctx, p.o.tickInterval()/2); err != nil {
			return err
		}
	}

	for {
		effectiveBalances, err := p.o.store.ActiveValidatorEffectiveBalances(ctx)
		if err != nil {
			p.o.log.Warn("reading active validator balances for rewards failed, retrying", "epoch", p.epoch, "err", err)
			if err := sleep(ctx, p.o.tickInterval()); err != nil {
				return err
			}
			continue
		}
		ids := make([]uint64, 0, len(effectiveBalances))
		for id := range effectiveBalances {
			ids = append(ids, id)
		}

		rewards, err := p.o.beacon.GetAttestationRewards(ctx, p.epoch, ids)
		if err != nil {
			p.o.log.Warn("fetchAttestationRewards failed, retrying", "epoch", p.epoch, "err", err)
			if err := sleep(ctx, p.o.tickInterval()); err != nil {
				return err
			}
			continue
		}

		hour := types.HourlyValidatorStats{Datetime: p.o.clock.UTCHour(p.o.clock.TimestampFromSlot(slots.StartSlot))}
		if err := p.o.store.PersistAttestationRewards(ctx, p.epoch, hour, rewards, effectiveBalances); err != nil {
			p.o.log.Warn("persisting attestation rewards failed, retrying", "epoch", p.epoch, "err", err)
			if err := sleep(ctx, p.o.tickInterval()); err != nil {
				return err
			}
			continue
		}
		return nil
	}
}

func formatSlot(s uint64) string {
	return strconv.FormatUint(s, 10)
}
