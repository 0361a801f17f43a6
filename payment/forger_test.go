package payment

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
)

func TestForger_ForgeRoundTrips(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	chainID := big.NewInt(1)
	f := NewForger(key, chainID)

	recipient := crypto.PubkeyToAddress(key.PublicKey)
	amount := big.NewInt(1_000_000_000_000_000)
	baseFee := big.NewInt(10_000_000_000)
	tip := big.NewInt(1_000_000_000)

	raw, hash, err := f.Forge(recipient, amount, baseFee, tip, 3)
	require.NoError(t, err)
	require.NotEmpty(t, raw)

	tx := new(types.Transaction)
	require.NoError(t, tx.UnmarshalBinary(raw))
	require.Equal(t, hash, tx.Hash())
	require.Equal(t, uint8(types.DynamicFeeTxType), tx.Type())
	require.Equal(t, uint64(3), tx.Nonce())
	require.Equal(t, amount, tx.Value())
	require.Equal(t, uint64(21_000), tx.Gas())
	require.Equal(t, recipient, *tx.To())
	require.Equal(t, tip, tx.GasTipCap())

	expectedFeeCap := new(big.Int).Add(new(big.Int).Mul(baseFee, big.NewInt(2)), tip)
	require.Equal(t, expectedFeeCap, tx.GasFeeCap())

	signer := types.LatestSignerForChainID(chainID)
	from, err := types.Sender(signer, tx)
	require.NoError(t, err)
	require.Equal(t, f.Address(), from)
}
