package types

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
)

// DecodeSignedTx parses raw bytes as a signed transaction. It does not
// validate the envelope type or fee fields; callers use ValidateTx1 for
// that, so the same helper can also decode tx2 for round-trip tests.
func DecodeSignedTx(raw []byte) (*gethtypes.Transaction, error) {
	tx := new(gethtypes.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return nil, NewError(KindInvalidTransaction, "failed to decode transaction", err)
	}
	return tx, nil
}

// Tx1Requirements bundles the configured validation constants for the
// user-supplied transaction.
type Tx1Requirements struct {
	ChainID    *big.Int
	MinGasLimit uint64
	MaxGasLimit uint64
}

// ValidateTx1 decodes and validates the user's zero-priority-fee
// transaction. It returns the decoded transaction and
// the recovered sender on success.
func ValidateTx1(raw []byte, req Tx1Requirements, signer gethtypes.Signer) (tx *gethtypes.Transaction, from common.Address, err error) {
	tx, err = DecodeSignedTx(raw)
	if err != nil {
		return nil, from, err
	}

	if tx.Type() != gethtypes.DynamicFeeTxType {
		return nil, from, NewError(KindInvalidTransaction, "tx1 must be an EIP-1559 (type 0x02) transaction", nil)
	}

	if tx.GasTipCap().Sign() != 0 {
		return nil, from, ErrPriorityFeeNonZero
	}

	if req.ChainID != nil && tx.ChainId().Cmp(req.ChainID) != 0 {
		return nil, from, NewError(KindChainIDMismatch, "tx1 chain id does not match configured network", nil)
	}

	if tx.Gas() < req.MinGasLimit || tx.Gas() > req.MaxGasLimit {
		return nil, from, NewError(KindInvalidTransaction, "tx1 gas limit out of configured bounds", nil)
	}

	from, err = gethtypes.Sender(signer, tx)
	if err != nil {
		return nil, from, NewError(KindInvalidTransaction, "tx1 signature does not recover to a valid address", err)
	}

	return tx, from, nil
}
