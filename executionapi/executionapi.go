// Package executionapi fetches the execution-layer fee-recipient amount for
// a block, the real extraction Open Question 3 of the design flagged as a
// required pre-port deliverable: no more placeholder zero amounts.
package executionapi

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
	"sync/atomic"
	"time"

	"github.com/nodesentinel/beacon-indexer/log"
	"github.com/nodesentinel/beacon-indexer/metrics"
)

// Client talks JSON-RPC to a primary execution node, falling back to a
// backup URL when the primary is unreachable or errors -- the execution-side
// analogue of httpclient.Client's full->archive fallback.
type Client struct {
	primaryURL string
	backupURL  string
	rps        int
	http       *http.Client
	log        *log.Logger
	reqID      atomic.Uint64
}

// Config configures the execution-layer client.
type Config struct {
	URL               string
	BackupURL         string
	RequestsPerSecond int
}

// NewClient builds an execution-layer client.
func NewClient(cfg Config) *Client {
	return &Client{
		primaryURL: cfg.URL,
		backupURL:  cfg.BackupURL,
		rps:        cfg.RequestsPerSecond,
		http:       &http.Client{Timeout: 30 * time.Second},
		log:        log.Default().Module("executionapi"),
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) call(ctx context.Context, baseURL, method string, params []any, out any) error {
	req := rpcRequest{JSONRPC: "2.0", ID: c.reqID.Add(1), Method: method, Params: params}
	buf, err := json.Marshal(req)
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	var rpcResp rpcResponse
	if err := json.Unmarshal(body, &rpcResp); err != nil {
		return fmt.Errorf("decoding rpc response: %w", err)
	}
	if rpcResp.Error != nil {
		return fmt.Errorf("execution rpc %s: %s", method, rpcResp.Error.Message)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(rpcResp.Result, out)
}

// FeeRecipientReward is the execution-layer proposer reward for one block:
// base fee burns excluded, priority fees paid to the fee recipient.
type FeeRecipientReward struct {
	BlockNumber uint64
	Address     string
	Timestamp   time.Time
	Amount      *big.Int
}

type blockResult struct {
	Number       string `json:"number"`
	Timestamp    string `json:"timestamp"`
	Miner        string `json:"miner"`
	BaseFeePerGa string `json:"baseFeePerGas"`
	Transactions []struct {
		Hash string `json:"hash"`
	} `json:"transactions"`
}

type receiptResult struct {
	GasUsed           string `json:"gasUsed"`
	EffectiveGasPrice string `json:"effectiveGasPrice"`
}

// GetFeeRecipientReward computes the total fee-recipient reward for
// blockNumber: sum over every transaction of gasUsed * (effectiveGasPrice -
// baseFeePerGas), i.e. the priority fee actually paid to the proposer.
// Falls back to the backup URL if the primary call fails.
func (c *Client) GetFeeRecipientReward(ctx context.Context, blockNumber uint64) (FeeRecipientReward, error) {
	timer := metrics.NewTimer(metrics.UpstreamLatency)
	defer timer.Stop()

	reward, err := c.fetchFrom(ctx, c.primaryURL, blockNumber)
	if err == nil {
		return reward, nil
	}
	c.log.Warn("execution primary failed, falling back to backup", "block", blockNumber, "err", err)
	if c.backupURL == "" {
		return FeeRecipientReward{}, err
	}
	return c.fetchFrom(ctx, c.backupURL, blockNumber)
}

func (c *Client) fetchFrom(ctx context.Context, baseURL string, blockNumber uint64) (FeeRecipientReward, error) {
	hexBlock := "0x" + strconv.FormatUint(blockNumber, 16)

	var block blockResult
	if err := c.call(ctx, baseURL, "eth_getBlockByNumber", []any{hexBlock, true}, &block); err != nil {
		return FeeRecipientReward{}, fmt.Errorf("eth_getBlockByNumber(%d): %w", blockNumber, err)
	}

	baseFee := hexToBigInt(block.BaseFeePerGa)
	total := new(big.Int)

	for _, tx := range block.Transactions {
		var receipt receiptResult
		if err := c.call(ctx, baseURL, "eth_getTransactionReceipt", []any{tx.Hash}, &receipt); err != nil {
			return FeeRecipientReward{}, fmt.Errorf("eth_getTransactionReceipt(%s): %w", tx.Hash, err)
		}
		gasUsed := hexToBigInt(receipt.GasUsed)
		effectiveGasPrice := hexToBigInt(receipt.EffectiveGasPrice)
		priorityFee := new(big.Int).Sub(effectiveGasPrice, baseFee)
		if priorityFee.Sign() < 0 {
			priorityFee.SetInt64(0)
		}
		total.Add(total, new(big.Int).Mul(gasUsed, priorityFee))
	}

	ts, _ := strconv.ParseInt(strings.TrimPrefix(block.Timestamp, "0x"), 16, 64)
	return FeeRecipientReward{
		BlockNumber: blockNumber,
		Address:     block.Miner,
		Timestamp:   time.Unix(ts, 0).UTC(),
		Amount:      total,
	}, nil
}

func hexToBigInt(s string) *big.Int {
	s = strings.TrimPrefix(s, "0x")
	if s == "" {
		return big.NewInt(0)
	}
	n := new(big.Int)
	n.SetString(s, 16)
	return n
}
