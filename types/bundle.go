// Package types holds the shared data model for the bundle processing
// pipeline: the Bundle aggregate, its state machine, per-relay submission
// records, and the typed error taxonomy every other package returns.
package types

import (
	"crypto/rand"
	"database/sql/driver"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// BundleState is the bundle lifecycle state.
type BundleState string

const (
	StateQueued            BundleState = "queued"
	StateSent              BundleState = "sent"
	StateLanded            BundleState = "landed"
	StateExpired           BundleState = "expired"
	StateFailed            BundleState = "failed"
	StateFailedInconsistent BundleState = "failed_inconsistent" // never stored: the tracker logs this outcome and stores StateFailed
)

// IsTerminal reports whether no further transitions are allowed.
func (s BundleState) IsTerminal() bool {
	return s == StateLanded || s == StateExpired || s == StateFailed
}

// BundleID is an opaque 128-bit identifier in UUID-v4 form, generated with
// google/uuid over crypto/rand.
type BundleID uuid.UUID

func NewBundleID() BundleID {
	id, err := uuid.NewRandomFromReader(rand.Reader)
	if err != nil {
		// crypto/rand failures are unrecoverable; fall back to a zeroed id
		// is unsafe, so panic rather than silently minting a duplicate.
		panic(fmt.Sprintf("bundle id generation failed: %v", err))
	}
	return BundleID(id)
}

func ParseBundleID(s string) (BundleID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return BundleID{}, err
	}
	return BundleID(id), nil
}

func (b BundleID) String() string {
	return uuid.UUID(b).String()
}

func (b BundleID) Value() (driver.Value, error) {
	return b.String(), nil
}

func (b *BundleID) Scan(src interface{}) error {
	switch v := src.(type) {
	case string:
		id, err := uuid.Parse(v)
		if err != nil {
			return err
		}
		*b = BundleID(id)
		return nil
	case []byte:
		id, err := uuid.ParseBytes(v)
		if err != nil {
			return err
		}
		*b = BundleID(id)
		return nil
	default:
		return fmt.Errorf("cannot scan %T into BundleID", src)
	}
}

// Bundle is the unit of atomic submission: a user transaction (tx1) paired
// with a middleware-forged builder payment transaction (tx2).
//
// This is the domain representation; the ledger package keeps its own
// column-shaped row structs and converts to/from Bundle at its boundary,
// since *big.Int and common.Hash don't implement sql.Scanner/Valuer.
type Bundle struct {
	ID               BundleID
	Tx1Raw           []byte
	Tx1Hash          common.Hash
	Tx2Raw           []byte
	Tx2Hash          common.Hash
	State            BundleState
	PaymentAmountWei *big.Int
	TargetBlocks     []uint64
	CreatedAt        time.Time
	UpdatedAt        time.Time
	ExpiresAt        time.Time
	BlockHash        common.Hash
	BlockNumber      uint64
	GasUsed          uint64
}

// HasTx2 reports whether the companion payment transaction has been forged.
func (b *Bundle) HasTx2() bool {
	return len(b.Tx2Raw) > 0
}

// MinTargetBlock and MaxTargetBlock bound the ordered target_blocks set,
// used by the Tracker to schedule reconciliation. The relay client does
// not use them; it submits against TargetBlocks in slice order.
func (b *Bundle) MinTargetBlock() uint64 {
	min := b.TargetBlocks[0]
	for _, bl := range b.TargetBlocks[1:] {
		if bl < min {
			min = bl
		}
	}
	return min
}

func (b *Bundle) MaxTargetBlock() uint64 {
	max := b.TargetBlocks[0]
	for _, bl := range b.TargetBlocks[1:] {
		if bl > max {
			max = bl
		}
	}
	return max
}

// SubmissionStatus is the per-relay outcome of one eth_sendBundle attempt.
type SubmissionStatus string

const (
	SubmissionPending  SubmissionStatus = "pending"
	SubmissionAccepted SubmissionStatus = "accepted"
	SubmissionRejected SubmissionStatus = "rejected"
	SubmissionError    SubmissionStatus = "error"
)

// RelaySubmission is one row per (bundle, builder) attempt.
type RelaySubmission struct {
	BundleID     BundleID
	RelayName    string
	SubmittedAt  time.Time
	Status       SubmissionStatus
	ResponseData []byte
}

// DailySpend is the cumulative payment amount committed for a UTC date.
type DailySpend struct {
	SpendDate        time.Time
	PaymentAmountWei *big.Int
}

// BundleView is the point-in-time projection returned to the ingress
// boundary by the Pipeline Controller's status() operation.
type BundleView struct {
	Bundle      Bundle
	Submissions []RelaySubmission
}
