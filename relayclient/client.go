// Package relayclient is one builder relay's eth_sendBundle transport: a
// single JSON-RPC call shape with exponential-backoff retries on
// transport failures, wrapped around a single relay endpoint.
package relayclient

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ybbus/jsonrpc/v3"

	atomictypes "github.com/flashbots/atomic-bundler/types"
)

// Outcome is the normalized result of one submission attempt.
type Outcome string

const (
	OutcomeAccepted Outcome = "accepted"
	OutcomeRejected Outcome = "rejected"
	OutcomeError    Outcome = "error"
)

// jsonrpc error codes the relay uses to signal a definitive, non-retryable
// rejection rather than a transient transport failure.
const (
	codeInvalidParams = -32602
	codeServerError   = -32000
)

type sendBundleParams struct {
	Txs               []string `json:"txs"`
	BlockNumber       string   `json:"blockNumber"`
	RevertingTxHashes []string `json:"revertingTxHashes"`
}

// Config is one builder's connection and retry parameters.
type Config struct {
	Name             string
	URL              string
	ConnectTimeout   time.Duration
	TotalTimeout     time.Duration
	MaxAttempts      uint64
	PaymentAddress   common.Address
	Disabled         bool
}

// Client submits bundles to a single builder relay over eth_sendBundle.
type Client struct {
	name   string
	client jsonrpc.RPCClient
	cfg    Config
}

func New(cfg Config) *Client {
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 2 * time.Second
	}
	if cfg.TotalTimeout == 0 {
		cfg.TotalTimeout = 5 * time.Second
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 3
	}
	return &Client{
		name:   cfg.Name,
		client: jsonrpc.NewClient(cfg.URL),
		cfg:    cfg,
	}
}

func (c *Client) Name() string { return c.name }

func (c *Client) PaymentAddress() common.Address { return c.cfg.PaymentAddress }

// SendBundle submits tx1+tx2, retrying only transport-level failures (not
// relay rejections) with exponential backoff — a relay saying no is
// final, a relay being unreachable is worth retrying.
func (c *Client) SendBundle(ctx context.Context, tx1Raw, tx2Raw []byte, blockNumber uint64) (Outcome, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.TotalTimeout)
	defer cancel()

	params := sendBundleParams{
		Txs:               []string{hexutil.Encode(tx1Raw), hexutil.Encode(tx2Raw)},
		BlockNumber:       hexutil.EncodeUint64(blockNumber),
		RevertingTxHashes: []string{},
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.RandomizationFactor = 0.5
	bo := backoff.WithMaxRetries(b, c.cfg.MaxAttempts-1)
	bo = backoff.WithContext(bo, ctx)

	var outcome Outcome
	var responseData []byte
	var finalErr error

	operation := func() error {
		res, err := c.client.Call(ctx, "eth_sendBundle", []sendBundleParams{params})
		if err != nil {
			finalErr = atomictypes.NewError(atomictypes.KindRelayTransport, "relay call failed", err)
			return finalErr
		}
		if res.Error != nil {
			outcome, responseData, finalErr = classifyRPCError(res.Error)
			if finalErr != nil {
				// transport-flavored RPC errors are retryable
				return finalErr
			}
			return nil
		}
		outcome = OutcomeAccepted
		if res.Result != nil {
			responseData, _ = res.Result.([]byte)
		}
		return nil
	}

	if err := backoff.Retry(operation, bo); err != nil {
		if errors.As(err, new(*atomictypes.Error)) {
			return OutcomeError, nil, err
		}
		return OutcomeError, nil, atomictypes.NewError(atomictypes.KindRelayTransport, "relay call failed after retries", err)
	}

	return outcome, responseData, nil
}

// SendBundleMultiBlock issues one eth_sendBundle call per configured target
// block, in order, stopping at the first accepted response. Nothing sends
// the bundle again after this returns: the Tracker re-checks receipts on
// later blocks but does not call eth_sendBundle.
func (c *Client) SendBundleMultiBlock(ctx context.Context, tx1Raw, tx2Raw []byte, targetBlocks []uint64) (Outcome, []byte, error) {
	var lastOutcome Outcome
	var lastResp []byte
	var lastErr error
	for _, block := range targetBlocks {
		lastOutcome, lastResp, lastErr = c.SendBundle(ctx, tx1Raw, tx2Raw, block)
		if lastOutcome == OutcomeAccepted {
			return lastOutcome, lastResp, nil
		}
	}
	return lastOutcome, lastResp, lastErr
}

func classifyRPCError(rpcErr *jsonrpc.RPCError) (Outcome, []byte, error) {
	switch rpcErr.Code {
	case codeInvalidParams, codeServerError:
		return OutcomeRejected, []byte(rpcErr.Message), nil
	default:
		return OutcomeError, nil, atomictypes.NewError(atomictypes.KindRelayTransport, rpcErr.Message, rpcErr)
	}
}
