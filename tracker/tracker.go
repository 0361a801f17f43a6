// Package tracker reconciles sent bundles against the chain: for every
// bundle in the sent state it checks whether tx1 and tx2 have landed,
// transitions landed/expired bundles to their terminal state, and
// reschedules the rest. It drives this via the simqueue package rather
// than a bare ticker loop: pushing a bundle id back into the Redis
// sorted-set queue with ErrProcessScheduleNextBlock is a block-driven
// retry primitive, releasing items only once their target block range
// has actually arrived.
package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"github.com/flashbots/atomic-bundler/chainoracle"
	"github.com/flashbots/atomic-bundler/ledger"
	"github.com/flashbots/atomic-bundler/simqueue"
	atomictypes "github.com/flashbots/atomic-bundler/types"
)

// item is the payload pushed into the reconciliation queue; only the id is
// needed since the ledger is the source of truth for everything else.
type item struct {
	BundleID string `json:"bundle_id"`
}

// Tracker drives bundle state from sent to landed/expired/failed. The
// queue's own retry bound (targets.resubmit_max)
// is configured on the *simqueue.RedisQueue passed in here, via its
// MaxRetries field, rather than duplicated on Tracker.
type Tracker struct {
	log    *zap.Logger
	queue  simqueue.Queue
	store  *ledger.Store
	oracle chainoracle.Oracle
}

func New(log *zap.Logger, queue simqueue.Queue, store *ledger.Store, oracle chainoracle.Oracle) *Tracker {
	return &Tracker{log: log, queue: queue, store: store, oracle: oracle}
}

// Track pushes a newly sent bundle onto the reconciliation queue, scoped
// to its target block range.
func (t *Tracker) Track(ctx context.Context, b atomictypes.Bundle) error {
	payload, err := json.Marshal(item{BundleID: b.ID.String()})
	if err != nil {
		return atomictypes.NewError(atomictypes.KindInternal, "failed to marshal tracker item", err)
	}
	if err := t.queue.Push(ctx, payload, false, b.MinTargetBlock(), b.MaxTargetBlock()); err != nil {
		return atomictypes.NewError(atomictypes.KindInternal, "failed to push bundle onto tracker queue", err)
	}
	return nil
}

// SeedActive re-pushes every still-active bundle after a restart, since
// the queue itself is not the system of record.
func (t *Tracker) SeedActive(ctx context.Context) error {
	active, err := t.store.ListActive(ctx)
	if err != nil {
		return err
	}
	for _, b := range active {
		if b.State != atomictypes.StateSent {
			continue
		}
		if err := t.Track(ctx, b); err != nil {
			t.log.Warn("failed to reseed bundle onto tracker queue", zap.String("bundle", b.ID.String()), zap.Error(err))
		}
	}
	return nil
}

// Run starts the reconciliation worker loop. Callers Wait() on the
// returned group after cancelling ctx for a graceful shutdown.
func (t *Tracker) Run(ctx context.Context) *sync.WaitGroup {
	return t.queue.StartProcessLoop(ctx, []simqueue.ProcessFunc{t.process})
}

// UpdateBlock must be called whenever a new head is observed so the queue
// can release items whose target block has arrived.
func (t *Tracker) UpdateBlock(block uint64) error {
	return t.queue.UpdateBlock(block)
}

// process is the queue's ProcessFunc: check one bundle's inclusion status
// and either finalize it or ask to be retried on the next block, bounded
// by the queue's MaxRetries.
func (t *Tracker) process(ctx context.Context, data []byte) error {
	var it item
	if err := json.Unmarshal(data, &it); err != nil {
		return atomictypes.NewError(atomictypes.KindInternal, "corrupt tracker queue item", err)
	}
	id, err := atomictypes.ParseBundleID(it.BundleID)
	if err != nil {
		return atomictypes.NewError(atomictypes.KindInternal, "corrupt bundle id in tracker queue item", err)
	}

	b, err := t.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, atomictypes.ErrBundleNotFound) {
			return nil // bundle deleted/unknown, drop silently
		}
		return err
	}
	if b.State.IsTerminal() {
		return nil // already resolved by a previous worker
	}

	// spec step 2: a bundle past its own expires_at expires regardless of
	// where the block cursor is, even if that is earlier than its target
	// block window would otherwise allow.
	if time.Now().UTC().After(b.ExpiresAt) {
		return t.expire(ctx, b)
	}

	tx1, err := atomictypes.DecodeSignedTx(b.Tx1Raw)
	if err != nil {
		return err
	}

	tx1Receipt, tx1Err := t.oracle.TransactionReceipt(ctx, tx1.Hash())
	if tx1Err != nil {
		latest, blockErr := t.oracle.LatestBlockNumber(ctx)
		if blockErr == nil && latest > b.MaxTargetBlock() {
			return t.expire(ctx, b)
		}
		return simqueue.ErrProcessScheduleNextBlock
	}

	var tx2Receipt *gethtypes.Receipt
	if b.HasTx2() {
		tx2Receipt, _ = t.oracle.TransactionReceipt(ctx, b.Tx2Hash)
	}

	switch {
	case tx2Receipt != nil && tx2Receipt.BlockNumber.Uint64() == tx1Receipt.BlockNumber.Uint64():
		// both landed in the same block: the intended, consistent outcome.
		if err := t.store.TransitionLanded(ctx, b.ID, atomictypes.StateSent,
			tx1Receipt.BlockHash, tx1Receipt.BlockNumber.Uint64(), tx1Receipt.GasUsed+tx2Receipt.GasUsed); err != nil {
			if errors.Is(err, atomictypes.ErrStateConflict) {
				return nil
			}
			return err
		}
		t.log.Info("bundle landed", zap.String("bundle", b.ID.String()), zap.Uint64("block", tx1Receipt.BlockNumber.Uint64()))
		return nil

	case b.HasTx2():
		// tx1 landed but its companion payment did not land alongside it in
		// the same block: this is the failed_inconsistent outcome.
		return t.fail(ctx, b, true)

	default:
		// no tx2 was ever forged for this bundle (a dispatch-stage failure
		// path); tx1 landing alone is not a defined success state.
		return t.fail(ctx, b, false)
	}
}

func (t *Tracker) expire(ctx context.Context, b atomictypes.Bundle) error {
	if err := t.store.Transition(ctx, b.ID, atomictypes.StateSent, atomictypes.StateExpired); err != nil {
		if errors.Is(err, atomictypes.ErrStateConflict) {
			return nil
		}
		return err
	}
	t.log.Info("bundle expired without inclusion", zap.String("bundle", b.ID.String()))
	return nil
}

func (t *Tracker) fail(ctx context.Context, b atomictypes.Bundle, inconsistent bool) error {
	next := atomictypes.StateFailed
	if err := t.store.Transition(ctx, b.ID, atomictypes.StateSent, next); err != nil {
		if errors.Is(err, atomictypes.ErrStateConflict) {
			return nil
		}
		return err
	}
	if inconsistent {
		t.log.Error("bundle tx1 landed without tx2 in the same block: inconsistent outcome", zap.String("bundle", b.ID.String()))
	}
	return nil
}
