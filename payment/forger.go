package payment

import (
	"context"
	"crypto/ecdsa"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	atomictypes "github.com/flashbots/atomic-bundler/types"
)

const tx2GasLimit = 21_000

// Forger builds and signs the companion payment transaction (tx2). It is
// the sole holder of the operator's payment signing key; nothing else in
// the process ever touches that key material.
type Forger struct {
	key     *ecdsa.PrivateKey
	chainID *big.Int
	signer  types.Signer
}

func NewForger(key *ecdsa.PrivateKey, chainID *big.Int) *Forger {
	return &Forger{
		key:     key,
		chainID: chainID,
		signer:  types.LatestSignerForChainID(chainID),
	}
}

func (f *Forger) Address() common.Address {
	return crypto.PubkeyToAddress(f.key.PublicKey)
}

// PendingNonceAt satisfies payment.NonceSource by delegating to an
// ethclient-shaped dependency; wired at construction time in cmd/bundler.
type chainNonceSource struct {
	fn func(ctx context.Context, addr common.Address) (uint64, error)
	addr common.Address
}

func (s chainNonceSource) PendingNonceAt(ctx context.Context) (uint64, error) {
	return s.fn(ctx, s.addr)
}

// NewChainNonceSource adapts an ethclient.Client.PendingNonceAt-shaped
// function into a NonceSource bound to the forger's own address.
func NewChainNonceSource(fn func(ctx context.Context, addr common.Address) (uint64, error), addr common.Address) NonceSource {
	return chainNonceSource{fn: fn, addr: addr}
}

// Forge builds, signs, and RLP-encodes tx2 for one builder's payment
// address:
//   - value: the computed payment amount
//   - max_priority_fee_per_gas: tip
//   - max_fee_per_gas: base_fee*2 + tip
//   - gas_limit: 21000
//   - data: empty
func (f *Forger) Forge(recipient common.Address, amountWei, baseFeeWei, tipWei *big.Int, nonce uint64) (raw []byte, hash common.Hash, err error) {
	maxFeePerGas := new(big.Int).Add(new(big.Int).Mul(baseFeeWei, big.NewInt(2)), tipWei)

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   f.chainID,
		Nonce:     nonce,
		GasTipCap: new(big.Int).Set(tipWei),
		GasFeeCap: maxFeePerGas,
		Gas:       tx2GasLimit,
		To:        &recipient,
		Value:     new(big.Int).Set(amountWei),
		Data:      nil,
	})

	signed, err := types.SignTx(tx, f.signer, f.key)
	if err != nil {
		return nil, common.Hash{}, atomictypes.NewError(atomictypes.KindSignerFailure, "failed to sign tx2", err)
	}

	raw, err = signed.MarshalBinary()
	if err != nil {
		return nil, common.Hash{}, atomictypes.NewError(atomictypes.KindSignerFailure, "failed to encode signed tx2", err)
	}
	return raw, signed.Hash(), nil
}
