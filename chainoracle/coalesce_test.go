package chainoracle

import (
	"context"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"
)

type fakeOracle struct {
	calls    int32
	receipts map[common.Hash]*types.Receipt
}

func (f *fakeOracle) ChainID(context.Context) (*big.Int, error) { return big.NewInt(1), nil }
func (f *fakeOracle) LatestBlockNumber(context.Context) (uint64, error) { return 0, nil }
func (f *fakeOracle) LatestBaseFee(context.Context) (*big.Int, error) { return big.NewInt(0), nil }

func (f *fakeOracle) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	atomic.AddInt32(&f.calls, 1)
	time.Sleep(20 * time.Millisecond)
	return f.receipts[hash], nil
}

func TestCoalescingOracle_CoalescesConcurrentLookupsForSameHash(t *testing.T) {
	hash := common.HexToHash("0x01")
	inner := &fakeOracle{receipts: map[common.Hash]*types.Receipt{
		hash: {BlockNumber: big.NewInt(100)},
	}}
	c := NewCoalescingOracle(inner, time.Second)

	var wg sync.WaitGroup
	results := make([]*types.Receipt, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := c.TransactionReceipt(context.Background(), hash)
			require.NoError(t, err)
			results[i] = r
		}(i)
	}
	wg.Wait()

	require.Equal(t, int32(1), atomic.LoadInt32(&inner.calls))
	for _, r := range results {
		require.Equal(t, big.NewInt(100), r.BlockNumber)
	}
}

func TestCoalescingOracle_DistinctHashesFetchIndependently(t *testing.T) {
	h1 := common.HexToHash("0x01")
	h2 := common.HexToHash("0x02")
	inner := &fakeOracle{receipts: map[common.Hash]*types.Receipt{
		h1: {BlockNumber: big.NewInt(1)},
		h2: {BlockNumber: big.NewInt(2)},
	}}
	c := NewCoalescingOracle(inner, time.Second)

	r1, err := c.TransactionReceipt(context.Background(), h1)
	require.NoError(t, err)
	r2, err := c.TransactionReceipt(context.Background(), h2)
	require.NoError(t, err)

	require.Equal(t, big.NewInt(1), r1.BlockNumber)
	require.Equal(t, big.NewInt(2), r2.BlockNumber)
	require.Equal(t, int32(2), atomic.LoadInt32(&inner.calls))
}

func TestCoalescingOracle_DelegatesLatestBlockNumberToInner(t *testing.T) {
	inner := &fakeOracle{receipts: map[common.Hash]*types.Receipt{}}
	c := NewCoalescingOracle(inner, time.Second)

	n, err := c.LatestBlockNumber(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(0), n)
}
