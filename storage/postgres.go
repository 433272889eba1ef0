package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/lib/pq"

	"github.com/nodesentinel/beacon-indexer/log"
	"github.com/nodesentinel/beacon-indexer/metrics"
	"github.com/nodesentinel/beacon-indexer/types"
)

// Transaction timeouts per business step, per the concurrency model: longer
// budgets for batch operations, short ones for single-row aggregation.
const (
	txTimeoutDefault       = 1 * time.Minute
	txTimeoutBalances      = 1 * time.Minute
	txTimeoutRewards       = 3 * time.Minute
	txTimeoutCommittees    = 5 * time.Minute
	txTimeoutSyncAggregate = 10 * time.Second
)

// PostgresStore is the relational implementation of Store, built on
// database/sql and lib/pq. Every write method opens its own transaction sized to
// the timeouts above and co-commits data with the progress flag it governs.
type PostgresStore struct {
	db  *sql.DB
	log *log.Logger
}

// NewPostgresStore opens a connection pool against databaseURL and verifies
// connectivity with Ping.
func NewPostgresStore(databaseURL string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("opening postgres connection: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	return &PostgresStore{db: db, log: log.Default().Module("storage")}, nil
}

// Close releases the underlying connection pool.
func (s *PostgresStore) Close() error { return s.db.Close() }

func (s *PostgresStore) withTx(ctx context.Context, timeout time.Duration, step string, fn func(tx *sql.Tx) error) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	timer := metrics.NewTimer(metrics.StorageTxDuration)
	defer timer.Stop()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%s: begin tx: %w", step, err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.log.Warn("rollback failed", "step", step, "err", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%s: commit tx: %w", step, err)
	}
	return nil
}

// CreateEpochs implements EpochStore.
func (s *PostgresStore) CreateEpochs(ctx context.Context, epochs []uint64, slotStartIndexing, slotsPerEpoch uint64) error {
	if len(epochs) == 0 {
		return nil
	}
	maxEpoch, hasMax, err := s.MaxEpochInDB(ctx)
	if err != nil {
		return err
	}
	defaultStart := slotStartIndexing / slotsPerEpoch
	if err := ValidateConsecutive(epochs, maxEpoch, hasMax, defaultStart); err != nil {
		return err
	}

	return s.withTx(ctx, txTimeoutDefault, "CreateEpochs", func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO epochs (epoch, processed, rewards_fetched, validators_balances_fetched,
				committees_fetched, slots_fetched, sync_committees_fetched, validators_activation_fetched)
			VALUES ($1, false, false, false, false, false, false, false)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, e := range epochs {
			if _, err := stmt.ExecContext(ctx, e); err != nil {
				return fmt.Errorf("inserting epoch %d: %w", e, err)
			}
		}
		metrics.EpochsCreated.Add(int64(len(epochs)))
		return nil
	})
}

// MaxEpochInDB implements EpochStore.
func (s *PostgresStore) MaxEpochInDB(ctx context.Context) (uint64, bool, error) {
	var max sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT MAX(epoch) FROM epochs`).Scan(&max)
	if err != nil {
		return 0, false, err
	}
	if !max.Valid {
		return 0, false, nil
	}
	return uint64(max.Int64), true, nil
}

// UnprocessedCount implements EpochStore.
func (s *PostgresStore) UnprocessedCount(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM epochs WHERE processed = false`).Scan(&count)
	return count, err
}

// MinEpochToProcess implements EpochStore.
func (s *PostgresStore) MinEpochToProcess(ctx context.Context) (uint64, bool, error) {
	var min sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT MIN(epoch) FROM epochs WHERE processed = false`).Scan(&min)
	if err != nil {
		return 0, false, err
	}
	if !min.Valid {
		return 0, false, nil
	}
	metrics.EpochMinUnprocessed.Set(min.Int64)
	return uint64(min.Int64), true, nil
}

// GetEpoch implements EpochStore.
func (s *PostgresStore) GetEpoch(ctx context.Context, e uint64) (types.Epoch, error) {
	var ep types.Epoch
	row := s.db.QueryRowContext(ctx, `
		SELECT epoch, processed, rewards_fetched, validators_balances_fetched,
			committees_fetched, slots_fetched, sync_committees_fetched, validators_activation_fetched
		FROM epochs WHERE epoch = $1`, e)
	err := row.Scan(&ep.Epoch, &ep.Processed, &ep.RewardsFetched, &ep.ValidatorsBalancesFetched,
		&ep.CommitteesFetched, &ep.SlotsFetched, &ep.SyncCommitteesFetched, &ep.ValidatorsActivationFetched)
	return ep, err
}

// MarkEpochAsProcessed implements EpochStore.
func (s *PostgresStore) MarkEpochAsProcessed(ctx context.Context, e uint64) error {
	return s.withTx(ctx, txTimeoutDefault, "MarkEpochAsProcessed", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE epochs SET processed = true WHERE epoch = $1`, e)
		if err == nil {
			metrics.EpochsProcessed.Inc()
		}
		return err
	})
}

// MarkEpochSlotsFetched implements EpochStore.
func (s *PostgresStore) MarkEpochSlotsFetched(ctx context.Context, e uint64) error {
	return s.withTx(ctx, txTimeoutDefault, "MarkEpochSlotsFetched", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE epochs SET slots_fetched = true WHERE epoch = $1`, e)
		return err
	})
}

// MarkValidatorsActivationFetched implements EpochStore.
func (s *PostgresStore) MarkValidatorsActivationFetched(ctx context.Context, e uint64) error {
	return s.withTx(ctx, txTimeoutDefault, "MarkValidatorsActivationFetched", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE epochs SET validators_activation_fetched = true WHERE epoch = $1`, e)
		return err
	})
}

// GetOrCreateSlot implements SlotStore.
func (s *PostgresStore) GetOrCreateSlot(ctx context.Context, slotNum uint64) (types.Slot, error) {
	var slot types.Slot
	err := s.withTx(ctx, txTimeoutDefault, "GetOrCreateSlot", func(tx *sql.Tx) error {
		var counts pq.Int64Array
		var proposer sql.NullInt64
		var reward sql.NullString
		row := tx.QueryRowContext(ctx, `
			SELECT slot, processed, attestations_fetched, sync_rewards_fetched,
				block_rewards_fetched, execution_rewards_fetched, beacon_block_processed,
				proposer_index, consensus_reward, committees_count_in_slot
			FROM slots WHERE slot = $1`, slotNum)
		err := row.Scan(&slot.Slot, &slot.Processed, &slot.AttestationsFetched, &slot.SyncRewardsFetched,
			&slot.BlockRewardsFetched, &slot.ExecutionRewardsFetched, &slot.BeaconBlockProcessed,
			&proposer, &reward, &counts)
		if err == sql.ErrNoRows {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO slots (slot, processed, attestations_fetched, sync_rewards_fetched,
					block_rewards_fetched, execution_rewards_fetched, beacon_block_processed)
				VALUES ($1, false, false, false, false, false, false)`, slotNum)
			if err != nil {
				return err
			}
			slot = types.Slot{Slot: slotNum}
			return nil
		}
		if err != nil {
			return err
		}
		if proposer.Valid {
			v := uint64(proposer.Int64)
			slot.ProposerIndex = &v
		}
		if reward.Valid {
			slot.ConsensusReward = bigFromString(reward.String)
		}
		slot.CommitteesCountInSlot = int64sToUint32s(counts)
		return nil
	})
	return slot, err
}

// GetCommitteeSizesForSlots implements SlotStore.
func (s *PostgresStore) GetCommitteeSizesForSlots(ctx context.Context, slots []uint64) (map[uint64][]uint32, error) {
	if len(slots) == 0 {
		return map[uint64][]uint32{}, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT slot, committees_count_in_slot FROM slots
		WHERE slot = ANY($1) AND committees_count_in_slot IS NOT NULL`, pq.Array(uint64sToInt64s(slots)))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[uint64][]uint32)
	for rows.Next() {
		var slot uint64
		var counts pq.Int64Array
		if err := rows.Scan(&slot, &counts); err != nil {
			return nil, err
		}
		out[slot] = int64sToUint32s(counts)
	}
	return out, rows.Err()
}

// MarkSlotCompleted implements SlotStore.
func (s *PostgresStore) MarkSlotCompleted(ctx context.Context, slotNum uint64) error {
	return s.withTx(ctx, txTimeoutDefault, "MarkSlotCompleted", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE slots SET processed = true WHERE slot = $1`, slotNum)
		if err == nil {
			metrics.SlotsProcessed.Inc()
		}
		return err
	})
}

// MarkBlockRewardsFetched implements SlotStore.
func (s *PostgresStore) MarkBlockRewardsFetched(ctx context.Context, slotNum uint64) error {
	return s.withTx(ctx, txTimeoutDefault, "MarkBlockRewardsFetched", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE slots SET block_rewards_fetched = true WHERE slot = $1`, slotNum)
		return err
	})
}

// MarkSyncRewardsFetched implements SlotStore.
func (s *PostgresStore) MarkSyncRewardsFetched(ctx context.Context, slotNum uint64) error {
	return s.withTx(ctx, txTimeoutDefault, "MarkSyncRewardsFetched", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE slots SET sync_rewards_fetched = true WHERE slot = $1`, slotNum)
		return err
	})
}

// SetBeaconBlockFields implements SlotStore.
func (s *PostgresStore) SetBeaconBlockFields(ctx context.Context, slotNum uint64, fields BeaconBlockFields) error {
	return s.withTx(ctx, txTimeoutDefault, "SetBeaconBlockFields", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE slots SET
				withdrawal_rewards = $2, cl_deposits = $3, cl_voluntary_exits = $4,
				el_deposits = $5, el_withdrawals = $6, el_consolidations = $7,
				beacon_block_processed = true
			WHERE slot = $1`,
			slotNum, pq.Array(fields.WithdrawalRewards), pq.Array(fields.CLDeposits),
			pq.Array(fields.CLVoluntaryExits), pq.Array(fields.ELDeposits),
			pq.Array(fields.ELWithdrawals), pq.Array(fields.ELConsolidations))
		return err
	})
}

// SaveCommitteesData implements CommitteeStore.
func (s *PostgresStore) SaveCommitteesData(ctx context.Context, epoch uint64, slots []uint64, committees []types.Committee, committeesCountInSlot map[uint64][]uint32) error {
	return s.withTx(ctx, txTimeoutCommittees, "SaveCommitteesData", func(tx *sql.Tx) error {
		slotStmt, err := tx.PrepareContext(ctx, `
			INSERT INTO slots (slot, processed, committees_count_in_slot)
			VALUES ($1, false, $2)
			ON CONFLICT (slot) DO UPDATE SET committees_count_in_slot = EXCLUDED.committees_count_in_slot`)
		if err != nil {
			return err
		}
		defer slotStmt.Close()
		for _, slotNum := range slots {
			counts := pq.Array(uint32sToInt64s(committeesCountInSlot[slotNum]))
			if _, err := slotStmt.ExecContext(ctx, slotNum, counts); err != nil {
				return fmt.Errorf("upserting slot %d committee sizes: %w", slotNum, err)
			}
		}

		committeeStmt, err := tx.PrepareContext(ctx, `
			INSERT INTO committees (slot, committee_index, aggregation_bits_index, validator_index, attestation_delay)
			VALUES ($1, $2, $3, $4, NULL)`)
		if err != nil {
			return err
		}
		defer committeeStmt.Close()
		for _, c := range committees {
			if _, err := committeeStmt.ExecContext(ctx, c.Slot, c.CommitteeIndex, c.AggregationBitsIndex, c.ValidatorIndex); err != nil {
				return fmt.Errorf("inserting committee row: %w", err)
			}
		}

		_, err = tx.ExecContext(ctx, `UPDATE epochs SET committees_fetched = true WHERE epoch = $1`, epoch)
		return err
	})
}

// ApplyAttestationDelays implements CommitteeStore.
func (s *PostgresStore) ApplyAttestationDelays(ctx context.Context, includingSlot uint64, delays []AttestationDelayUpdate) error {
	deduped := DedupeMinDelay(delays)
	return s.withTx(ctx, txTimeoutDefault, "ApplyAttestationDelays", func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			UPDATE committees SET attestation_delay = $4
			WHERE slot = $1 AND committee_index = $2 AND aggregation_bits_index = $3
			  AND (attestation_delay IS NULL OR attestation_delay > $4)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, d := range deduped {
			if _, err := stmt.ExecContext(ctx, d.Slot, d.CommitteeIndex, d.AggregationBitsIndex, d.Delay); err != nil {
				return fmt.Errorf("updating attestation delay: %w", err)
			}
		}
		_, err = tx.ExecContext(ctx, `UPDATE slots SET attestations_fetched = true WHERE slot = $1`, includingSlot)
		return err
	})
}

// CleanupOldCommittees implements CommitteeStore.
func (s *PostgresStore) CleanupOldCommittees(ctx context.Context, currentSlot, slotsPerEpoch uint64, maxAttestationDelay uint32) (int, error) {
	threshold := int64(currentSlot) - int64(3*slotsPerEpoch)
	var removed int
	err := s.withTx(ctx, txTimeoutDefault, "CleanupOldCommittees", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			DELETE FROM committees
			WHERE slot < $1 AND attestation_delay IS NOT NULL AND attestation_delay <= $2`,
			threshold, maxAttestationDelay)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		removed = int(n)
		if err == nil {
			metrics.CommitteesCleaned.Add(n)
		}
		return err
	})
	return removed, err
}

// UpsertValidatorsBalances implements ValidatorStore.
func (s *PostgresStore) UpsertValidatorsBalances(ctx context.Context, epoch uint64, balances map[uint64]uint64) error {
	return s.withTx(ctx, txTimeoutBalances, "UpsertValidatorsBalances", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `CREATE TEMP TABLE validator_balance_staging (
			validator_index BIGINT PRIMARY KEY, balance NUMERIC) ON COMMIT DROP`); err != nil {
			return err
		}
		stmt, err := tx.PrepareContext(ctx, `INSERT INTO validator_balance_staging VALUES ($1, $2)`)
		if err != nil {
			return err
		}
		for id, bal := range balances {
			if _, err := stmt.ExecContext(ctx, id, bal); err != nil {
				stmt.Close()
				return err
			}
		}
		stmt.Close()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO validators (validator_index, balance)
			SELECT validator_index, balance FROM validator_balance_staging
			ON CONFLICT (validator_index) DO UPDATE SET balance = EXCLUDED.balance`); err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `UPDATE epochs SET validators_balances_fetched = true WHERE epoch = $1`, epoch)
		return err
	})
}

// UpsertValidators implements ValidatorStore.
func (s *PostgresStore) UpsertValidators(ctx context.Context, validators []types.Validator) error {
	return s.withTx(ctx, txTimeoutDefault, "UpsertValidators", func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO validators (validator_index, status, balance, effective_balance, withdrawal_address)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (validator_index) DO UPDATE SET
				status = EXCLUDED.status, balance = EXCLUDED.balance,
				effective_balance = EXCLUDED.effective_balance, withdrawal_address = EXCLUDED.withdrawal_address`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, v := range validators {
			if _, err := stmt.ExecContext(ctx, v.Index, string(v.Status), bigString(v.Balance), bigString(v.EffectiveBalance), v.WithdrawalAddress); err != nil {
				return fmt.Errorf("upserting validator %d: %w", v.Index, err)
			}
		}
		return nil
	})
}

// ActiveValidatorIDs implements ValidatorStore.
func (s *PostgresStore) ActiveValidatorIDs(ctx context.Context) ([]uint64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT validator_index FROM validators
		WHERE status IS NULL OR status NOT IN ('exited_unslashed', 'exited_slashed', 'withdrawal_done', 'withdrawal_possible')`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []uint64
	for rows.Next() {
		var id uint64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// PendingQueuedValidatorIDs implements ValidatorStore.
func (s *PostgresStore) PendingQueuedValidatorIDs(ctx context.Context) ([]uint64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT validator_index FROM validators WHERE status = 'pending_queued'`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []uint64
	for rows.Next() {
		var id uint64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// ActiveValidatorEffectiveBalances implements ValidatorStore.
func (s *PostgresStore) ActiveValidatorEffectiveBalances(ctx context.Context) (map[uint64]uint64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT validator_index, effective_balance FROM validators
		WHERE status IS NULL OR status NOT IN ('exited_unslashed', 'exited_slashed', 'withdrawal_done', 'withdrawal_possible')`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[uint64]uint64)
	for rows.Next() {
		var id uint64
		var effective string
		if err := rows.Scan(&id, &effective); err != nil {
			return nil, err
		}
		out[id] = bigFromString(effective).Uint64()
	}
	return out, rows.Err()
}

// UpsertSyncCommittee implements RewardStore.
func (s *PostgresStore) UpsertSyncCommittee(ctx context.Context, triggeringEpoch uint64, sc types.SyncCommittee) error {
	aggregatesJSON, err := json.Marshal(sc.ValidatorAggregates)
	if err != nil {
		return fmt.Errorf("marshaling sync committee aggregates: %w", err)
	}
	return s.withTx(ctx, txTimeoutDefault, "UpsertSyncCommittee", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO sync_committees (from_epoch, to_epoch, validators, validator_aggregates)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (from_epoch, to_epoch) DO UPDATE SET
				validators = EXCLUDED.validators, validator_aggregates = EXCLUDED.validator_aggregates`,
			sc.FromEpoch, sc.ToEpoch, pq.Array(uint64sToInt64s(sc.Validators)), aggregatesJSON)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `UPDATE epochs SET sync_committees_fetched = true WHERE epoch = $1`, triggeringEpoch)
		return err
	})
}

// GetSyncCommitteeForEpoch implements RewardStore.
func (s *PostgresStore) GetSyncCommitteeForEpoch(ctx context.Context, epoch uint64) (types.SyncCommittee, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT from_epoch, to_epoch, validators, validator_aggregates FROM sync_committees
		WHERE from_epoch <= $1 AND to_epoch >= $1`, epoch)

	var sc types.SyncCommittee
	var validators pq.Int64Array
	var aggregatesJSON []byte
	if err := row.Scan(&sc.FromEpoch, &sc.ToEpoch, &validators, &aggregatesJSON); err != nil {
		if err == sql.ErrNoRows {
			return types.SyncCommittee{}, false, nil
		}
		return types.SyncCommittee{}, false, err
	}
	sc.Validators = int64sToUint64s(validators)
	if err := json.Unmarshal(aggregatesJSON, &sc.ValidatorAggregates); err != nil {
		return types.SyncCommittee{}, false, fmt.Errorf("unmarshaling sync committee aggregates: %w", err)
	}
	return sc, true, nil
}

// PersistAttestationRewards implements RewardStore.
func (s *PostgresStore) PersistAttestationRewards(ctx context.Context, epoch uint64, hour TimeHour, rewards types.AttestationRewardsResponse, balances map[uint64]uint64) error {
	return s.withTx(ctx, txTimeoutRewards, "PersistAttestationRewards", func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO hourly_validator_stats (
				datetime, validator_index, cl_rewards, cl_missed_rewards,
				head, target, source, inactivity,
				missed_head, missed_target, missed_source, missed_inactivity)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
			ON CONFLICT (datetime, validator_index) DO UPDATE SET
				cl_rewards = hourly_validator_stats.cl_rewards + EXCLUDED.cl_rewards,
				cl_missed_rewards = hourly_validator_stats.cl_missed_rewards + EXCLUDED.cl_missed_rewards,
				head = hourly_validator_stats.head + EXCLUDED.head,
				target = hourly_validator_stats.target + EXCLUDED.target,
				source = hourly_validator_stats.source + EXCLUDED.source,
				inactivity = hourly_validator_stats.inactivity + EXCLUDED.inactivity,
				missed_head = hourly_validator_stats.missed_head + EXCLUDED.missed_head,
				missed_target = hourly_validator_stats.missed_target + EXCLUDED.missed_target,
				missed_source = hourly_validator_stats.missed_source + EXCLUDED.missed_source,
				missed_inactivity = hourly_validator_stats.missed_inactivity + EXCLUDED.missed_inactivity`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for validatorIdx, actual := range rewards.PerValidator {
			bucket := uint64(0)
			if bal, ok := balances[validatorIdx]; ok {
				bucket = bucketBalance(bal)
			}
			ideal, ok := rewards.IdealRewards[bucket]
			if !ok {
				continue
			}
			missedHead := missedReward(ideal.Head, actual.Head)
			missedTarget := missedReward(ideal.Target, actual.Target)
			missedSource := missedReward(ideal.Source, actual.Source)
			missedInactivity := missedReward(ideal.Inactivity, actual.Inactivity)

			// clRewards accumulates the attestation-duty contributions
			// (head+target+source) the same way sync-committee and block
			// rewards accumulate into it; inactivity is tracked separately
			// and is not part of the consensus-layer reward total.
			clRewards := new(big.Int).Add(actual.Head, actual.Target)
			clRewards.Add(clRewards, actual.Source)
			clMissedRewards := new(big.Int).Add(missedHead, missedTarget)
			clMissedRewards.Add(clMissedRewards, missedSource)

			if _, err := stmt.ExecContext(ctx, hour.Datetime, validatorIdx,
				bigString(clRewards), bigString(clMissedRewards),
				bigString(actual.Head), bigString(actual.Target), bigString(actual.Source), bigString(actual.Inactivity),
				bigString(missedHead), bigString(missedTarget), bigString(missedSource), bigString(missedInactivity)); err != nil {
				return fmt.Errorf("upserting attestation rewards for validator %d: %w", validatorIdx, err)
			}
		}

		_, err = tx.ExecContext(ctx, `UPDATE epochs SET rewards_fetched = true WHERE epoch = $1`, epoch)
		return err
	})
}

// ProcessSyncCommitteeRewardsAndAggregate implements RewardStore.
func (s *PostgresStore) ProcessSyncCommitteeRewardsAndAggregate(ctx context.Context, slotNum uint64, hour TimeHour, rewards map[uint64]uint64) error {
	return s.withTx(ctx, txTimeoutSyncAggregate, "ProcessSyncCommitteeRewardsAndAggregate", func(tx *sql.Tx) error {
		rewardStmt, err := tx.PrepareContext(ctx, `
			INSERT INTO sync_committee_rewards (slot, validator_index, reward) VALUES ($1, $2, $3)
			ON CONFLICT (slot, validator_index) DO UPDATE SET reward = EXCLUDED.reward`)
		if err != nil {
			return err
		}
		defer rewardStmt.Close()

		aggStmt, err := tx.PrepareContext(ctx, `
			INSERT INTO hourly_validator_stats (datetime, validator_index, cl_rewards, sync_committee)
			VALUES ($1, $2, $3, true)
			ON CONFLICT (datetime, validator_index) DO UPDATE SET
				cl_rewards = hourly_validator_stats.cl_rewards + EXCLUDED.cl_rewards,
				sync_committee = true`)
		if err != nil {
			return err
		}
		defer aggStmt.Close()

		for validatorIdx, reward := range rewards {
			if _, err := rewardStmt.ExecContext(ctx, slotNum, validatorIdx, reward); err != nil {
				return err
			}
			if _, err := aggStmt.ExecContext(ctx, hour.Datetime, validatorIdx, reward); err != nil {
				return err
			}
		}
		_, err = tx.ExecContext(ctx, `UPDATE slots SET sync_rewards_fetched = true WHERE slot = $1`, slotNum)
		return err
	})
}

// ProcessBlockRewardsAndAggregate implements RewardStore.
func (s *PostgresStore) ProcessBlockRewardsAndAggregate(ctx context.Context, slotNum uint64, hour TimeHour, rewards types.BlockRewards) error {
	return s.withTx(ctx, txTimeoutDefault, "ProcessBlockRewardsAndAggregate", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE slots SET proposer_index = $2, consensus_reward = $3, block_rewards_fetched = true
			WHERE slot = $1`, slotNum, rewards.ProposerIndex, bigString(rewards.Total))
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO hourly_validator_stats (datetime, validator_index, cl_rewards, block_reward)
			VALUES ($1, $2, $3, $3)
			ON CONFLICT (datetime, validator_index) DO UPDATE SET
				cl_rewards = hourly_validator_stats.cl_rewards + EXCLUDED.cl_rewards,
				block_reward = hourly_validator_stats.block_reward + EXCLUDED.block_reward`,
			hour.Datetime, rewards.ProposerIndex, bigString(rewards.Total))
		return err
	})
}

// PersistExecutionReward implements RewardStore.
func (s *PostgresStore) PersistExecutionReward(ctx context.Context, slotNum uint64, reward types.ExecutionReward) error {
	return s.withTx(ctx, txTimeoutDefault, "PersistExecutionReward", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO execution_rewards (block_number, address, timestamp, amount)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (block_number) DO UPDATE SET address = EXCLUDED.address, amount = EXCLUDED.amount`,
			reward.BlockNumber, reward.Address, reward.Timestamp, bigString(reward.Amount))
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `UPDATE slots SET execution_rewards_fetched = true WHERE slot = $1`, slotNum)
		return err
	})
}

func bucketBalance(balanceGwei uint64) uint64 {
	const bucket = 1_000_000_000
	return (balanceGwei / bucket) * bucket
}

// missedReward computes ideal-actual. The result is naturally zero when
// actual equals ideal; it is not clamped otherwise, so a validator that
// earned more than the ideal reward (actual>ideal) is credited a negative
// missed reward rather than having the excess discarded.
func missedReward(ideal, actual *big.Int) *big.Int {
	return new(big.Int).Sub(ideal, actual)
}

func bigString(n *big.Int) string {
	if n == nil {
		return "0"
	}
	return n.String()
}

func bigFromString(s string) *big.Int {
	n := new(big.Int)
	n.SetString(s, 10)
	return n
}

func uint64sToInt64s(in []uint64) []int64 {
	out := make([]int64, len(in))
	for i, v := range in {
		out[i] = int64(v)
	}
	return out
}

func uint32sToInt64s(in []uint32) []int64 {
	out := make([]int64, len(in))
	for i, v := range in {
		out[i] = int64(v)
	}
	return out
}

func int64sToUint32s(in []int64) []uint32 {
	if in == nil {
		return nil
	}
	out := make([]uint32, len(in))
	for i, v := range in {
		out[i] = uint32(v)
	}
	return out
}

func int64sToUint64s(in []int64) []uint64 {
	if in == nil {
		return nil
	}
	out := make([]uint64, len(in))
	for i, v := range in {
		out[i] = uint64(v)
	}
	return out
}
