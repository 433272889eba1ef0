// Package beaconapi is the typed facade over the beacon consensus REST API.
// Each operation picks an upstream pool per the policy in httpclient and
// decodes the JSON response into the corresponding types.* value.
package beaconapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strconv"
	"strings"

	"github.com/nodesentinel/beacon-indexer/httpclient"
	"github.com/nodesentinel/beacon-indexer/types"
)

// Facade exposes the consumed beacon endpoints as typed Go calls.
type Facade struct {
	client           *httpclient.Client
	http             *http.Client
	blockRewardsMemo *httpclient.SlotMemo
	syncRewardsMemo  *httpclient.SlotMemo
	currentSlot      func() uint64
}

// NewFacade builds a Facade over an already-configured Reliable Request
// Client. currentSlot supplies the head slot used for pool-promotion
// decisions (httpclient.IsIndexerDelayed).
func NewFacade(client *httpclient.Client, currentSlot func() uint64) *Facade {
	return &Facade{
		client:           client,
		http:             &http.Client{},
		blockRewardsMemo: httpclient.NewSlotMemo(),
		syncRewardsMemo:  httpclient.NewSlotMemo(),
		currentSlot:      currentSlot,
	}
}

func (f *Facade) get(ctx context.Context, baseURL, path string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+path, nil)
	if err != nil {
		return nil, 0, err
	}
	resp, err := f.http.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	if resp.StatusCode >= 300 {
		return body, resp.StatusCode, fmt.Errorf("beacon API %s: status %d: %s", path, resp.StatusCode, string(body))
	}
	return body, resp.StatusCode, nil
}

func (f *Facade) post(ctx context.Context, baseURL, path string, payload any) ([]byte, int, error) {
	buf, err := json.Marshal(payload)
	if err != nil {
		return nil, 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+path, bytes.NewReader(buf))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := f.http.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	if resp.StatusCode >= 300 {
		return body, resp.StatusCode, fmt.Errorf("beacon API %s: status %d: %s", path, resp.StatusCode, string(body))
	}
	return body, resp.StatusCode, nil
}

// is404 reports whether err wraps an HTTP 404 as produced by get/post above.
func is404(err error) bool {
	return err != nil && strings.Contains(err.Error(), "status 404")
}

// missedSlotHandler translates a 404 into httpclient.Missed; any other
// error propagates.
func missedSlotHandler[T any](zero T) func(error) (T, error) {
	return func(err error) (T, error) {
		if is404(err) {
			return zero, httpclient.Missed
		}
		return zero, err
	}
}

type committeeEntry struct {
	Slot           string   `json:"slot"`
	CommitteeIndex string   `json:"index"`
	Validators     []string `json:"validators"`
}

// GetCommittees fetches the committee assignments for an epoch. Pool
// selection: archive, unless the epoch is indexer-delayed.
func (f *Facade) GetCommittees(ctx context.Context, stateID string, epoch uint64) ([]types.Committee, error) {
	pool := httpclient.PoolArchive
	if httpclient.IsIndexerDelayed(f.currentSlot(), epoch) {
		pool = httpclient.PoolFull
	}

	committees, err := httpclient.Do(ctx, f.client, func(ctx context.Context, baseURL string) ([]types.Committee, error) {
		path := fmt.Sprintf("/eth/v1/beacon/states/%s/committees?epoch=%d", stateID, epoch)
		body, _, err := f.get(ctx, baseURL, path)
		if err != nil {
			return nil, err
		}
		var resp struct {
			Data []committeeEntry `json:"data"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, err
		}
		out := make([]types.Committee, 0)
		for _, ce := range resp.Data {
			slot, _ := strconv.ParseUint(ce.Slot, 10, 64)
			idx, _ := strconv.ParseUint(ce.CommitteeIndex, 10, 32)
			for bit, v := range ce.Validators {
				vidx, _ := strconv.ParseUint(v, 10, 64)
				out = append(out, types.Committee{
					Slot:                 slot,
					CommitteeIndex:       uint32(idx),
					AggregationBitsIndex: uint32(bit),
					ValidatorIndex:       vidx,
				})
			}
		}
		return out, nil
	}, pool, nil)
	return committees, err
}

// GetSyncCommittees fetches the sync committee and its four subcommittee
// aggregates for the period containing epoch. Queried against the first
// slot of epoch; pool: archive.
func (f *Facade) GetSyncCommittees(ctx context.Context, firstSlotOfEpoch string, epoch uint64) (types.SyncCommittee, error) {
	return httpclient.Do(ctx, f.client, func(ctx context.Context, baseURL string) (types.SyncCommittee, error) {
		path := fmt.Sprintf("/eth/v1/beacon/states/%s/sync_committees?epoch=%d", firstSlotOfEpoch, epoch)
		body, _, err := f.get(ctx, baseURL, path)
		if err != nil {
			return types.SyncCommittee{}, err
		}
		var resp struct {
			Data struct {
				Validators          []string   `json:"validators"`
				ValidatorAggregates [][]string `json:"validator_aggregates"`
			} `json:"data"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return types.SyncCommittee{}, err
		}
		sc := types.SyncCommittee{
			Validators:          parseUint64Slice(resp.Data.Validators),
			ValidatorAggregates: make([][]uint64, len(resp.Data.ValidatorAggregates)),
		}
		for i, agg := range resp.Data.ValidatorAggregates {
			sc.ValidatorAggregates[i] = parseUint64Slice(agg)
		}
		return sc, nil
	}, httpclient.PoolArchive, nil)
}

func parseUint64Slice(ss []string) []uint64 {
	out := make([]uint64, len(ss))
	for i, s := range ss {
		v, _ := strconv.ParseUint(s, 10, 64)
		out[i] = v
	}
	return out
}

// GetBlock fetches the full beacon block at slot. Returns httpclient.Missed
// when the block was missed (upstream 404). Pool: archive.
func (f *Facade) GetBlock(ctx context.Context, slot uint64) (*types.BeaconBlock, error) {
	return httpclient.Do(ctx, f.client, func(ctx context.Context, baseURL string) (*types.BeaconBlock, error) {
		path := fmt.Sprintf("/eth/v2/beacon/blocks/%d", slot)
		body, _, err := f.get(ctx, baseURL, path)
		if err != nil {
			return nil, err
		}
		return decodeBeaconBlock(slot, body)
	}, httpclient.PoolArchive, missedSlotHandler[*types.BeaconBlock](nil))
}

// GetValidators fetches validator records for a state, optionally filtered
// by id and status. Pool is chosen by the caller.
func (f *Facade) GetValidators(ctx context.Context, stateID string, ids []uint64, statuses []types.ValidatorStatus, pool httpclient.PoolName) ([]types.Validator, error) {
	strIDs := make([]string, len(ids))
	for i, id := range ids {
		strIDs[i] = strconv.FormatUint(id, 10)
	}
	strStatuses := make([]string, len(statuses))
	for i, s := range statuses {
		strStatuses[i] = string(s)
	}

	return httpclient.Do(ctx, f.client, func(ctx context.Context, baseURL string) ([]types.Validator, error) {
		path := fmt.Sprintf("/eth/v1/beacon/states/%s/validators", stateID)
		body, _, err := f.post(ctx, baseURL, path, map[string]any{"ids": strIDs, "statuses": strStatuses})
		if err != nil {
			return nil, err
		}
		return decodeValidators(body)
	}, pool, nil)
}

// GetValidatorsBalances fetches balances only, for the given ids. Pool is
// chosen by the caller.
func (f *Facade) GetValidatorsBalances(ctx context.Context, stateID string, ids []uint64, pool httpclient.PoolName) (map[uint64]uint64, error) {
	strIDs := make([]string, len(ids))
	for i, id := range ids {
		strIDs[i] = strconv.FormatUint(id, 10)
	}

	return httpclient.Do(ctx, f.client, func(ctx context.Context, baseURL string) (map[uint64]uint64, error) {
		path := fmt.Sprintf("/eth/v1/beacon/states/%s/validator_balances", stateID)
		body, _, err := f.post(ctx, baseURL, path, strIDs)
		if err != nil {
			return nil, err
		}
		var resp struct {
			Data []struct {
				Index   string `json:"index"`
				Balance string `json:"balance"`
			} `json:"data"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, err
		}
		out := make(map[uint64]uint64, len(resp.Data))
		for _, d := range resp.Data {
			idx, _ := strconv.ParseUint(d.Index, 10, 64)
			bal, _ := strconv.ParseUint(d.Balance, 10, 64)
			out[idx] = bal
		}
		return out, nil
	}, pool, nil)
}

// GetAttestationRewards fetches per-validator attestation rewards plus the
// ideal-reward table for epoch. Pool: full.
func (f *Facade) GetAttestationRewards(ctx context.Context, epoch uint64, validatorIDs []uint64) (types.AttestationRewardsResponse, error) {
	strIDs := make([]string, len(validatorIDs))
	for i, id := range validatorIDs {
		strIDs[i] = strconv.FormatUint(id, 10)
	}

	return httpclient.Do(ctx, f.client, func(ctx context.Context, baseURL string) (types.AttestationRewardsResponse, error) {
		path := fmt.Sprintf("/eth/v1/beacon/rewards/attestations/%d", epoch)
		body, _, err := f.post(ctx, baseURL, path, strIDs)
		if err != nil {
			return types.AttestationRewardsResponse{}, err
		}
		return decodeAttestationRewards(body)
	}, httpclient.PoolFull, nil)
}

// GetBlockRewards fetches the block-reward summary for slot, memoized for
// httpclient.MemoTTL. Pool promotes to archive once the slot falls more
// than httpclient.DelayPromotionThreshold behind head.
func (f *Facade) GetBlockRewards(ctx context.Context, slot uint64) (*types.BlockRewards, error) {
	return httpclient.Once(f.blockRewardsMemo, slot, func() (*types.BlockRewards, error) {
		pool := httpclient.PoolFull
		if httpclient.IsIndexerDelayed(f.currentSlot(), slot) {
			pool = httpclient.PoolArchive
		}
		return httpclient.Do(ctx, f.client, func(ctx context.Context, baseURL string) (*types.BlockRewards, error) {
			path := fmt.Sprintf("/eth/v1/beacon/rewards/blocks/%d", slot)
			body, _, err := f.get(ctx, baseURL, path)
			if err != nil {
				return nil, err
			}
			var resp struct {
				Data struct {
					ProposerIndex string `json:"proposer_index"`
					Total         string `json:"total"`
				} `json:"data"`
			}
			if err := json.Unmarshal(body, &resp); err != nil {
				return nil, err
			}
			proposer, _ := strconv.ParseUint(resp.Data.ProposerIndex, 10, 64)
			total := new(big.Int)
			total.SetString(resp.Data.Total, 10)
			return &types.BlockRewards{ProposerIndex: proposer, Total: total}, nil
		}, pool, missedSlotHandler[*types.BlockRewards](nil))
	})
}

// GetSyncCommitteeRewards fetches per-validator sync-committee rewards for
// slot, memoized for httpclient.MemoTTL keyed only on slot -- correct
// because call sites always pass the full sync-committee set of the
// enclosing epoch.
func (f *Facade) GetSyncCommitteeRewards(ctx context.Context, slot uint64, validatorIDs []uint64) (map[uint64]uint64, error) {
	return httpclient.Once(f.syncRewardsMemo, slot, func() (map[uint64]uint64, error) {
		strIDs := make([]string, len(validatorIDs))
		for i, id := range validatorIDs {
			strIDs[i] = strconv.FormatUint(id, 10)
		}
		pool := httpclient.PoolFull
		if httpclient.IsIndexerDelayed(f.currentSlot(), slot) {
			pool = httpclient.PoolArchive
		}
		return httpclient.Do(ctx, f.client, func(ctx context.Context, baseURL string) (map[uint64]uint64, error) {
			path := fmt.Sprintf("/eth/v1/beacon/rewards/sync_committee/%d", slot)
			body, _, err := f.post(ctx, baseURL, path, strIDs)
			if err != nil {
				return nil, err
			}
			var resp struct {
				Data []struct {
					ValidatorIndex string `json:"validator_index"`
					Reward         string `json:"reward"`
				} `json:"data"`
			}
			if err := json.Unmarshal(body, &resp); err != nil {
				return nil, err
			}
			out := make(map[uint64]uint64, len(resp.Data))
			for _, d := range resp.Data {
				idx, _ := strconv.ParseUint(d.ValidatorIndex, 10, 64)
				reward, _ := strconv.ParseUint(d.Reward, 10, 64)
				out[idx] = reward
			}
			return out, nil
		}, pool, missedSlotHandler[map[uint64]uint64](nil))
	})
}
