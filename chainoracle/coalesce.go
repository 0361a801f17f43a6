package chainoracle

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/flashbots/atomic-bundler/spike"
)

// CoalescingOracle wraps an Oracle and coalesces concurrent receipt lookups
// for the same transaction hash into a single in-flight request via
// spike.Manager, and caches each successful result for cacheFor. tx1 and
// tx2 have different hashes, so their lookups are never merged.
type CoalescingOracle struct {
	Oracle
	receipts *spike.Manager[*types.Receipt]
}

func NewCoalescingOracle(o Oracle, cacheFor time.Duration) *CoalescingOracle {
	c := &CoalescingOracle{Oracle: o}
	c.receipts = spike.NewManager(func(ctx context.Context, k string) (*types.Receipt, error) {
		return o.TransactionReceipt(ctx, common.HexToHash(k))
	}, cacheFor)
	return c
}

func (c *CoalescingOracle) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	return c.receipts.GetResult(ctx, hash.Hex())
}
