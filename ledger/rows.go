package ledger

import (
	"database/sql"
	"math/big"
	"time"

	"github.com/lib/pq"

	atomictypes "github.com/flashbots/atomic-bundler/types"
)

// dbBundle is the column-shaped row for the bundles table, kept separate
// from the domain-shaped Bundle since *big.Int has no
// database/sql.Scanner/Valuer — amounts round-trip as decimal strings
// instead.
type dbBundle struct {
	ID               string        `db:"id"`
	Tx1Raw           []byte        `db:"tx1_raw"`
	Tx1Hash          []byte        `db:"tx1_hash"`
	Tx2Raw           []byte        `db:"tx2_raw"`
	Tx2Hash          []byte        `db:"tx2_hash"`
	State            string        `db:"state"`
	PaymentAmountWei string        `db:"payment_amount_wei"`
	TargetBlocks     pq.Int64Array `db:"target_blocks"`
	CreatedAt        time.Time     `db:"created_at"`
	UpdatedAt        time.Time     `db:"updated_at"`
	ExpiresAt        time.Time     `db:"expires_at"`
	BlockHash        []byte        `db:"block_hash"`
	BlockNumber      sql.NullInt64 `db:"block_number"`
	GasUsed          sql.NullInt64 `db:"gas_used"`
}

type dbRelaySubmission struct {
	BundleID     string    `db:"bundle_id"`
	RelayName    string    `db:"relay_name"`
	SubmittedAt  time.Time `db:"submitted_at"`
	Status       string    `db:"status"`
	ResponseData []byte    `db:"response_data"`
}

func toDomain(r dbBundle) (atomictypes.Bundle, error) {
	id, err := atomictypes.ParseBundleID(r.ID)
	if err != nil {
		return atomictypes.Bundle{}, err
	}
	amount, ok := new(big.Int).SetString(r.PaymentAmountWei, 10)
	if !ok {
		return atomictypes.Bundle{}, atomictypes.NewError(atomictypes.KindStorageFailure, "corrupt payment_amount_wei in row", nil)
	}
	targets := make([]uint64, len(r.TargetBlocks))
	for i, b := range r.TargetBlocks {
		targets[i] = uint64(b)
	}
	b := atomictypes.Bundle{
		ID:               id,
		Tx1Raw:           r.Tx1Raw,
		Tx2Raw:           r.Tx2Raw,
		State:            atomictypes.BundleState(r.State),
		PaymentAmountWei: amount,
		TargetBlocks:     targets,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
		ExpiresAt:        r.ExpiresAt,
	}
	copy(b.Tx1Hash[:], r.Tx1Hash)
	copy(b.Tx2Hash[:], r.Tx2Hash)
	copy(b.BlockHash[:], r.BlockHash)
	if r.BlockNumber.Valid {
		b.BlockNumber = uint64(r.BlockNumber.Int64)
	}
	if r.GasUsed.Valid {
		b.GasUsed = uint64(r.GasUsed.Int64)
	}
	return b, nil
}

func toRow(b atomictypes.Bundle) dbBundle {
	targets := make(pq.Int64Array, len(b.TargetBlocks))
	for i, t := range b.TargetBlocks {
		targets[i] = int64(t)
	}
	row := dbBundle{
		ID:               b.ID.String(),
		Tx1Raw:           b.Tx1Raw,
		Tx1Hash:          b.Tx1Hash.Bytes(),
		Tx2Raw:           b.Tx2Raw,
		State:            string(b.State),
		PaymentAmountWei: b.PaymentAmountWei.String(),
		TargetBlocks:     targets,
		CreatedAt:        b.CreatedAt,
		UpdatedAt:        b.UpdatedAt,
		ExpiresAt:        b.ExpiresAt,
	}
	if b.HasTx2() {
		row.Tx2Hash = b.Tx2Hash.Bytes()
	}
	if b.BlockNumber != 0 {
		row.BlockNumber = sql.NullInt64{Int64: int64(b.BlockNumber), Valid: true}
		row.BlockHash = b.BlockHash.Bytes()
	}
	if b.GasUsed != 0 {
		row.GasUsed = sql.NullInt64{Int64: int64(b.GasUsed), Valid: true}
	}
	return row
}

func toDomainSubmission(r dbRelaySubmission) (atomictypes.RelaySubmission, error) {
	id, err := atomictypes.ParseBundleID(r.BundleID)
	if err != nil {
		return atomictypes.RelaySubmission{}, err
	}
	return atomictypes.RelaySubmission{
		BundleID:     id,
		RelayName:    r.RelayName,
		SubmittedAt:  r.SubmittedAt,
		Status:       atomictypes.SubmissionStatus(r.Status),
		ResponseData: r.ResponseData,
	}, nil
}
