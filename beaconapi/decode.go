package beaconapi

import (
	"encoding/hex"
	"encoding/json"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/nodesentinel/beacon-indexer/types"
)

func secondsToTime(sec int64) time.Time { return time.Unix(sec, 0).UTC() }

// hexBitlist decodes an SSZ bitlist hex string (as returned by the beacon
// API's aggregation_bits field) into its raw bytes; bit b is bit b%8
// (LSB-first) of byte b/8. Empty or malformed input yields nil.
func hexBitlist(hexstr string) []byte {
	hs := strings.TrimPrefix(strings.ToLower(hexstr), "0x")
	b, err := hex.DecodeString(hs)
	if err != nil || len(b) == 0 {
		return nil
	}
	return b
}

type beaconBlockEnvelope struct {
	Data struct {
		Message struct {
			Slot          string `json:"slot"`
			ProposerIndex string `json:"proposer_index"`
			Body          struct {
				ExecutionPayload struct {
					BlockNumber string `json:"block_number"`
					Timestamp   string `json:"timestamp"`
					Withdrawals []struct {
						ValidatorIndex string `json:"validator_index"`
						Amount         string `json:"amount"`
					} `json:"withdrawals"`
				} `json:"execution_payload"`
				Attestations []struct {
					AggregationBits string `json:"aggregation_bits"`
					Data            struct {
						Slot  string `json:"slot"`
						Index string `json:"index"`
					} `json:"data"`
				} `json:"attestations"`
				VoluntaryExits         []json.RawMessage `json:"voluntary_exits"`
				Deposits               []json.RawMessage `json:"deposits"`
				ExecutionRequests      struct {
					Deposits       []json.RawMessage `json:"deposits"`
					Withdrawals    []json.RawMessage `json:"withdrawals"`
					Consolidations []json.RawMessage `json:"consolidations"`
				} `json:"execution_requests"`
			} `json:"body"`
		} `json:"message"`
	} `json:"data"`
}

// decodeBeaconBlock decodes the /eth/v2/beacon/blocks/{slot} response into
// the minimal types.BeaconBlock view the slot processor needs.
func decodeBeaconBlock(slot uint64, body []byte) (*types.BeaconBlock, error) {
	var env beaconBlockEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, err
	}

	proposer, _ := strconv.ParseUint(env.Data.Message.ProposerIndex, 10, 64)
	blockNumber, _ := strconv.ParseUint(env.Data.Message.Body.ExecutionPayload.BlockNumber, 10, 64)
	timestampSec, _ := strconv.ParseInt(env.Data.Message.Body.ExecutionPayload.Timestamp, 10, 64)

	block := &types.BeaconBlock{
		Slot:                 slot,
		ProposerIndex:        proposer,
		ExecutionBlockNumber: blockNumber,
		ExecutionTimestamp:   secondsToTime(timestampSec),
	}

	for _, a := range env.Data.Message.Body.Attestations {
		aSlot, _ := strconv.ParseUint(a.Data.Slot, 10, 64)
		cIdx, _ := strconv.ParseUint(a.Data.Index, 10, 32)
		block.Attestations = append(block.Attestations, types.Attestation{
			DataSlot:           aSlot,
			DataCommitteeIndex: uint32(cIdx),
			AggregationBits:    hexBitlist(a.AggregationBits),
		})
	}

	withdrawals := env.Data.Message.Body.ExecutionPayload.Withdrawals
	block.WithdrawalRewards = make([]string, len(withdrawals))
	for i, w := range withdrawals {
		block.WithdrawalRewards[i] = w.ValidatorIndex + ":" + w.Amount
	}
	block.CLVoluntaryExits = rawMessagesToStrings(env.Data.Message.Body.VoluntaryExits)
	block.CLDeposits = rawMessagesToStrings(env.Data.Message.Body.Deposits)
	block.ELDeposits = rawMessagesToStrings(env.Data.Message.Body.ExecutionRequests.Deposits)
	block.ELWithdrawals = rawMessagesToStrings(env.Data.Message.Body.ExecutionRequests.Withdrawals)
	block.ELConsolidations = rawMessagesToStrings(env.Data.Message.Body.ExecutionRequests.Consolidations)

	return block, nil
}

func rawMessagesToStrings(msgs []json.RawMessage) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = string(m)
	}
	return out
}

func decodeValidators(body []byte) ([]types.Validator, error) {
	var resp struct {
		Data []struct {
			Index     string `json:"index"`
			Status    string `json:"status"`
			Validator struct {
				EffectiveBalance string `json:"effective_balance"`
				WithdrawalCreds  string `json:"withdrawal_credentials"`
			} `json:"validator"`
			Balance string `json:"balance"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}

	out := make([]types.Validator, 0, len(resp.Data))
	for _, d := range resp.Data {
		idx, _ := strconv.ParseUint(d.Index, 10, 64)
		balance := new(big.Int)
		balance.SetString(d.Balance, 10)
		effBalance := new(big.Int)
		effBalance.SetString(d.Validator.EffectiveBalance, 10)
		out = append(out, types.Validator{
			Index:             idx,
			Status:            types.ValidatorStatus(d.Status),
			Balance:           balance,
			EffectiveBalance:  effBalance,
			WithdrawalAddress: d.Validator.WithdrawalCreds,
		})
	}
	return out, nil
}

func decodeAttestationRewards(body []byte) (types.AttestationRewardsResponse, error) {
	var resp struct {
		Data struct {
			TotalRewards []struct {
				ValidatorIndex string `json:"validator_index"`
				Head           string `json:"head"`
				Target         string `json:"target"`
				Source         string `json:"source"`
				Inactivity     string `json:"inactivity"`
			} `json:"total_rewards"`
			IdealRewards []struct {
				EffectiveBalance string `json:"effective_balance"`
				Head             string `json:"head"`
				Target           string `json:"target"`
				Source           string `json:"source"`
				Inactivity       string `json:"inactivity"`
			} `json:"ideal_rewards"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return types.AttestationRewardsResponse{}, err
	}

	out := types.AttestationRewardsResponse{
		PerValidator: make(map[uint64]types.AttestationRewardDetail, len(resp.Data.TotalRewards)),
		IdealRewards: make(map[uint64]types.AttestationRewardDetail, len(resp.Data.IdealRewards)),
	}
	for _, r := range resp.Data.TotalRewards {
		idx, _ := strconv.ParseUint(r.ValidatorIndex, 10, 64)
		out.PerValidator[idx] = types.AttestationRewardDetail{
			Head:       bigFromString(r.Head),
			Target:     bigFromString(r.Target),
			Source:     bigFromString(r.Source),
			Inactivity: bigFromString(r.Inactivity),
		}
	}
	for _, r := range resp.Data.IdealRewards {
		eb, _ := strconv.ParseUint(r.EffectiveBalance, 10, 64)
		bucket := EffectiveBalanceBucket(eb)
		out.IdealRewards[bucket] = types.AttestationRewardDetail{
			Head:       bigFromString(r.Head),
			Target:     bigFromString(r.Target),
			Source:     bigFromString(r.Source),
			Inactivity: bigFromString(r.Inactivity),
		}
	}
	return out, nil
}

// EffectiveBalanceBucket floors an effective balance to the nearest 10^9
// wei, matching the unit the ideal-reward table is keyed by.
func EffectiveBalanceBucket(balance uint64) uint64 {
	const bucket = 1_000_000_000
	return (balance / bucket) * bucket
}

func bigFromString(s string) *big.Int {
	n := new(big.Int)
	neg := strings.HasPrefix(s, "-")
	s = strings.TrimPrefix(s, "-")
	n.SetString(s, 10)
	if neg {
		n.Neg(n)
	}
	return n
}
