// Package storage implements the idempotent, transactional persistence
// contracts the orchestration layer depends on: one operation per business
// step, each co-committing its data rows with the progress flag that lets a
// restart resume at the first unprocessed step.
package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/nodesentinel/beacon-indexer/types"
)

var (
	// ErrNonConsecutiveEpochs is returned by CreateEpochs when the input
	// list is not a strictly consecutive run of epoch numbers.
	ErrNonConsecutiveEpochs = errors.New("storage: epoch list is not consecutive")
	// ErrEpochStartMismatch is returned by CreateEpochs when the first
	// requested epoch does not immediately follow the current max.
	ErrEpochStartMismatch = errors.New("storage: start epoch does not follow max epoch in db")
	// ErrAlreadyFetched is returned when a fetch step is invoked on an
	// epoch/slot whose corresponding flag is already set; callers treat
	// this as "step already complete", not as a failure.
	ErrAlreadyFetched = errors.New("storage: step already fetched")
)

// Store is the full set of operations the orchestration layer needs.
// Implementations must make every method idempotent given identical inputs
// and must co-commit data rows with their progress flag in one transaction.
type Store interface {
	EpochStore
	SlotStore
	CommitteeStore
	ValidatorStore
	RewardStore
}

// EpochStore covers epoch bookkeeping: creation, flag queries and the
// terminal processed transition.
type EpochStore interface {
	// CreateEpochs inserts epochs[0]..epochs[len-1] with all flags false.
	// epochs must be strictly consecutive and must start at
	// (maxEpochInDB+1), or at floor(slotStartIndexing/slotsPerEpoch) if the
	// table is empty.
	CreateEpochs(ctx context.Context, epochs []uint64, slotStartIndexing, slotsPerEpoch uint64) error

	// MaxEpochInDB returns the largest epoch number stored, or (0, false)
	// if the table is empty.
	MaxEpochInDB(ctx context.Context) (uint64, bool, error)

	// UnprocessedCount returns the number of epochs with processed=false.
	UnprocessedCount(ctx context.Context) (int, error)

	// MinEpochToProcess returns the smallest unprocessed epoch, or
	// (0, false) if none exists.
	MinEpochToProcess(ctx context.Context) (uint64, bool, error)

	// GetEpoch returns the current flag snapshot for epoch e.
	GetEpoch(ctx context.Context, e uint64) (types.Epoch, error)

	// MarkEpochAsProcessed sets epoch.processed=true.
	MarkEpochAsProcessed(ctx context.Context, e uint64) error

	// MarkEpochSlotsFetched sets epoch.slotsFetched=true once the slot
	// orchestrator for this epoch has exhausted its slot range.
	MarkEpochSlotsFetched(ctx context.Context, e uint64) error

	// MarkValidatorsActivationFetched sets
	// epoch.validatorsActivationFetched=true once pending-queued validators'
	// current state has been refreshed for this epoch.
	MarkValidatorsActivationFetched(ctx context.Context, e uint64) error
}

// SlotStore covers slot bookkeeping and the raw-block-derived fields.
type SlotStore interface {
	// GetOrCreateSlot loads slot s, inserting a fresh all-flags-false row
	// if it does not yet exist.
	GetOrCreateSlot(ctx context.Context, s uint64) (types.Slot, error)

	// GetCommitteeSizesForSlots returns the committeesCountInSlot array for
	// each requested slot, keyed by slot. Slots with no committee data yet
	// are omitted from the result.
	GetCommitteeSizesForSlots(ctx context.Context, slots []uint64) (map[uint64][]uint32, error)

	// MarkSlotCompleted sets slot.processed=true.
	MarkSlotCompleted(ctx context.Context, s uint64) error

	// MarkBlockRewardsFetched sets slot.blockRewardsFetched=true with no
	// other side effects, for the missed-block-reward path where there is
	// no reward data to aggregate.
	MarkBlockRewardsFetched(ctx context.Context, s uint64) error

	// MarkSyncRewardsFetched sets slot.syncRewardsFetched=true with no
	// other side effects, for the missed-sync-committee-reward path where
	// there is no reward data to aggregate.
	MarkSyncRewardsFetched(ctx context.Context, s uint64) error

	// SetBeaconBlockFields persists the passthrough arrays extracted
	// directly from the beacon block body.
	SetBeaconBlockFields(ctx context.Context, s uint64, fields BeaconBlockFields) error
}

// BeaconBlockFields is the set of per-slot string-encoded arrays extracted
// from a beacon block body: withdrawal rewards as "validatorIndex:amount",
// the others as the block's raw JSON entries.
type BeaconBlockFields struct {
	WithdrawalRewards []string
	CLDeposits        []string
	CLVoluntaryExits  []string
	ELDeposits        []string
	ELWithdrawals     []string
	ELConsolidations  []string
}

// CommitteeStore covers committee rows and attestation-delay attribution.
type CommitteeStore interface {
	// SaveCommitteesData upserts one Slot row per slot in the epoch with
	// its committee-size array, bulk-inserts all Committee rows, and sets
	// epoch.committeesFetched=true, all in one transaction.
	SaveCommitteesData(ctx context.Context, epoch uint64, slots []uint64, committees []types.Committee, committeesCountInSlot map[uint64][]uint32) error

	// ApplyAttestationDelays batch-updates Committee.attestationDelay for
	// each (slot, committeeIndex, aggregationBitsIndex) key, only where the
	// existing value is null or greater than the new one, and sets
	// slot.attestationsFetched=true for includingSlot.
	ApplyAttestationDelays(ctx context.Context, includingSlot uint64, delays []AttestationDelayUpdate) error

	// CleanupOldCommittees deletes Committee rows older than
	// currentSlot-3*slotsPerEpoch whose attestationDelay is non-null and
	// <= maxAttestationDelay. Rows that were never attested (null delay)
	// are preserved regardless of age.
	CleanupOldCommittees(ctx context.Context, currentSlot, slotsPerEpoch uint64, maxAttestationDelay uint32) (int, error)
}

// AttestationDelayUpdate is one deduplicated (minimum) observed delay for a
// committee slot/key.
type AttestationDelayUpdate struct {
	Slot                 uint64
	CommitteeIndex       uint32
	AggregationBitsIndex uint32
	Delay                uint32
}

// ValidatorStore covers validator records and balance bookkeeping.
type ValidatorStore interface {
	// UpsertValidatorsBalances bulk-upserts balances keyed by validator id
	// via a staging temp table, and sets epoch.validatorsBalancesFetched=
	// true in the same transaction.
	UpsertValidatorsBalances(ctx context.Context, epoch uint64, balances map[uint64]uint64) error

	// UpsertValidators bulk-upserts full validator records (status,
	// effective balance, withdrawal address).
	UpsertValidators(ctx context.Context, validators []types.Validator) error

	// ActiveValidatorIDs returns the ids of validators not in a final
	// status -- the set eligible for attestation-reward requests.
	ActiveValidatorIDs(ctx context.Context) ([]uint64, error)

	// PendingQueuedValidatorIDs returns ids of validators currently in
	// pending_queued status, for activation tracking.
	PendingQueuedValidatorIDs(ctx context.Context) ([]uint64, error)

	// ActiveValidatorEffectiveBalances returns the current effective balance
	// of every non-final validator, for ideal-reward bucketing.
	ActiveValidatorEffectiveBalances(ctx context.Context) (map[uint64]uint64, error)
}

// RewardStore covers the reward-aggregation business steps, each
// additive and idempotent per the spec's accumulation contract.
type RewardStore interface {
	// UpsertSyncCommittee upserts keyed by (fromEpoch, toEpoch) and sets
	// epoch.syncCommitteesFetched=true for the epoch that triggered the
	// fetch.
	UpsertSyncCommittee(ctx context.Context, triggeringEpoch uint64, sc types.SyncCommittee) error

	// GetSyncCommitteeForEpoch returns the sync committee covering epoch, or
	// (_, false, nil) if it has not been persisted yet.
	GetSyncCommitteeForEpoch(ctx context.Context, epoch uint64) (types.SyncCommittee, bool, error)

	// PersistAttestationRewards computes missed rewards against the ideal
	// table and upserts each validator's row additively into
	// HourlyValidatorStats directly (no staging table), and sets
	// epoch.rewardsFetched=true.
	PersistAttestationRewards(ctx context.Context, epoch uint64, hour TimeHour, rewards types.AttestationRewardsResponse, balances map[uint64]uint64) error

	// ProcessSyncCommitteeRewardsAndAggregate upserts SyncCommitteeRewards
	// rows, additively increments HourlyValidatorStats.clRewards per
	// validator, and sets slot.syncRewardsFetched=true. It does not check
	// that flag itself: re-applying is a no-op only because callers skip the
	// call when slot.syncRewardsFetched is already set.
	ProcessSyncCommitteeRewardsAndAggregate(ctx context.Context, slot uint64, hour TimeHour, rewards map[uint64]uint64) error

	// ProcessBlockRewardsAndAggregate updates Slot.{proposerIndex,
	// consensusReward, blockRewardsFetched=true} and additively increments
	// HourlyValidatorStats.clRewards for the proposer.
	ProcessBlockRewardsAndAggregate(ctx context.Context, slot uint64, hour TimeHour, rewards types.BlockRewards) error

	// PersistExecutionReward writes an ExecutionRewards row and sets
	// slot.executionRewardsFetched=true.
	PersistExecutionReward(ctx context.Context, slot uint64, reward types.ExecutionReward) error
}

// TimeHour is the UTC-hour bucket HourlyValidatorStats rows are keyed by.
type TimeHour = types.HourlyValidatorStats

// ValidateConsecutive checks that epochs is sorted, has no gaps, and starts
// immediately after maxEpochInDB (or at defaultStart if the table is
// empty). It performs no I/O; Postgres-backed Store implementations call it
// before opening a transaction so violations fail synchronously.
func ValidateConsecutive(epochs []uint64, maxEpochInDB uint64, hasMax bool, defaultStart uint64) error {
	if len(epochs) == 0 {
		return nil
	}
	for i := 1; i < len(epochs); i++ {
		if epochs[i] != epochs[i-1]+1 {
			return fmt.Errorf("%w: %d does not follow %d", ErrNonConsecutiveEpochs, epochs[i], epochs[i-1])
		}
	}
	wantStart := defaultStart
	if hasMax {
		wantStart = maxEpochInDB + 1
	}
	if epochs[0] != wantStart {
		return fmt.Errorf("%w: got %d, want %d", ErrEpochStartMismatch, epochs[0], wantStart)
	}
	return nil
}

// DecodeAttestedValidators computes, for one attestation, the validator
// indices attested by its aggregation bits given the enclosing slot's
// committeesCountInSlot array. Bit b of committee cIdx maps to
// sum(count[:cIdx]) + b, provided b < count[cIdx]; bits beyond the
// committee's size are ignored (decoding artifacts of the byte-aligned
// bitlist).
func DecodeAttestedValidators(committeesCountInSlot []uint32, committeeIndex uint32, aggregationBits []byte) []uint64 {
	if int(committeeIndex) >= len(committeesCountInSlot) {
		return nil
	}
	var start uint64
	for i := uint32(0); i < committeeIndex; i++ {
		start += uint64(committeesCountInSlot[i])
	}
	count := committeesCountInSlot[committeeIndex]

	var voters []uint64
	for b := uint32(0); b < count; b++ {
		byteIdx := b / 8
		bitIdx := b % 8
		if int(byteIdx) >= len(aggregationBits) {
			break
		}
		if (aggregationBits[byteIdx]>>bitIdx)&1 == 1 {
			voters = append(voters, start+uint64(b))
		}
	}
	return voters
}

// DedupeMinDelay reduces a list of (slot, committeeIndex, bitIndex, delay)
// observations to one AttestationDelayUpdate per key, keeping the minimum
// delay -- the delay-attribution algorithm converges monotonically to the
// smallest observed inclusion distance regardless of processing order.
func DedupeMinDelay(updates []AttestationDelayUpdate) []AttestationDelayUpdate {
	type key struct {
		slot uint64
		cIdx uint32
		bIdx uint32
	}
	best := make(map[key]uint32, len(updates))
	for _, u := range updates {
		k := key{u.Slot, u.CommitteeIndex, u.AggregationBitsIndex}
		if cur, ok := best[k]; !ok || u.Delay < cur {
			best[k] = u.Delay
		}
	}
	out := make([]AttestationDelayUpdate, 0, len(best))
	for k, delay := range best {
		out = append(out, AttestationDelayUpdate{
			Slot:                 k.slot,
			CommitteeIndex:       k.cIdx,
			AggregationBitsIndex: k.bIdx,
			Delay:                delay,
		})
	}
	return out
}
