// Package chainoracle supplies the chain-context capability the pipeline
// needs: latest block number, latest base fee, chain id, and transaction
// receipt lookup. Everything else about the node (mempool, full state) is
// out of scope per spec.
package chainoracle

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	atomictypes "github.com/flashbots/atomic-bundler/types"
)

// Oracle is the capability the rest of the pipeline depends on.
type Oracle interface {
	ChainID(ctx context.Context) (*big.Int, error)
	LatestBlockNumber(ctx context.Context) (uint64, error)
	LatestBaseFee(ctx context.Context) (*big.Int, error)
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
}

// EthClientOracle is the production Oracle, backed by go-ethereum's
// ethclient. Latest block/base fee are cached for a short window to keep
// the hot path from hammering the node on every bundle submission.
type EthClientOracle struct {
	client *ethclient.Client

	mu         sync.RWMutex
	blockNum   uint64
	baseFee    *big.Int
	lastUpdate time.Time
	cacheFor   time.Duration

	chainID *big.Int
}

func NewEthClientOracle(client *ethclient.Client, cacheFor time.Duration) *EthClientOracle {
	if cacheFor <= 0 {
		cacheFor = 2 * time.Second
	}
	return &EthClientOracle{
		client:     client,
		cacheFor:   cacheFor,
		lastUpdate: time.Now().Add(-cacheFor),
	}
}

func (o *EthClientOracle) ChainID(ctx context.Context) (*big.Int, error) {
	o.mu.RLock()
	if o.chainID != nil {
		defer o.mu.RUnlock()
		return o.chainID, nil
	}
	o.mu.RUnlock()

	id, err := o.client.ChainID(ctx)
	if err != nil {
		return nil, atomictypes.NewError(atomictypes.KindInternal, "failed to fetch chain id", err)
	}
	o.mu.Lock()
	o.chainID = id
	o.mu.Unlock()
	return id, nil
}

func (o *EthClientOracle) refresh(ctx context.Context) error {
	o.mu.RLock()
	fresh := time.Since(o.lastUpdate) < o.cacheFor
	o.mu.RUnlock()
	if fresh {
		return nil
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	// re-check after acquiring the write lock in case another goroutine won
	// the race while we waited.
	if time.Since(o.lastUpdate) < o.cacheFor {
		return nil
	}

	header, err := o.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return atomictypes.NewError(atomictypes.KindInternal, "failed to fetch latest header", err)
	}
	o.blockNum = header.Number.Uint64()
	if header.BaseFee != nil {
		o.baseFee = new(big.Int).Set(header.BaseFee)
	} else {
		o.baseFee = big.NewInt(0)
	}
	o.lastUpdate = time.Now()
	return nil
}

func (o *EthClientOracle) LatestBlockNumber(ctx context.Context) (uint64, error) {
	if err := o.refresh(ctx); err != nil {
		return 0, err
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.blockNum, nil
}

func (o *EthClientOracle) LatestBaseFee(ctx context.Context) (*big.Int, error) {
	if err := o.refresh(ctx); err != nil {
		return nil, err
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	return new(big.Int).Set(o.baseFee), nil
}

func (o *EthClientOracle) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	receipt, err := o.client.TransactionReceipt(ctx, hash)
	if err != nil {
		return nil, err
	}
	return receipt, nil
}
