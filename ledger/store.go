// Package ledger is the system of record for bundles, their per-relay
// submission history, and the daily payment spend counter. It uses sqlx
// + lib/pq, prepared named statements, and a BeginTxx-then-FOR-UPDATE
// pattern to make each read-then-write sequence safe under concurrency.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	atomictypes "github.com/flashbots/atomic-bundler/types"
)

const (
	insertBundleQuery = `
INSERT INTO bundles (id, tx1_raw, tx1_hash, state, payment_amount_wei, target_blocks, created_at, updated_at, expires_at)
VALUES (:id, :tx1_raw, :tx1_hash, :state, :payment_amount_wei, :target_blocks, :created_at, :updated_at, :expires_at)`

	seedDailySpendQuery = `
INSERT INTO daily_spending (spend_date, payment_amount_wei) VALUES ($1, '0')
ON CONFLICT (spend_date) DO NOTHING`

	selectDailySpendForUpdateQuery = `
SELECT payment_amount_wei FROM daily_spending WHERE spend_date = $1 FOR UPDATE`

	upsertDailySpendQuery = `
INSERT INTO daily_spending (spend_date, payment_amount_wei) VALUES ($1, $2)
ON CONFLICT (spend_date) DO UPDATE SET payment_amount_wei = $2`

	refundDailySpendQuery = `
UPDATE daily_spending SET payment_amount_wei = payment_amount_wei - $2 WHERE spend_date = $1`

	selectMonthlySpendQuery = `
SELECT COALESCE(SUM(payment_amount_wei), 0) FROM daily_spending
WHERE spend_date >= $1 AND spend_date < $2`

	updateBundleQuery = `
UPDATE bundles SET tx2_raw = :tx2_raw, tx2_hash = :tx2_hash, state = :state, updated_at = :updated_at,
    block_hash = :block_hash, block_number = :block_number, gas_used = :gas_used
WHERE id = :id`

	selectBundleByIDQuery = `SELECT * FROM bundles WHERE id = $1`

	selectBundleStateForUpdateQuery = `SELECT state FROM bundles WHERE id = $1 FOR UPDATE`

	updateBundleStateQuery = `UPDATE bundles SET state = $2, updated_at = $3 WHERE id = $1`

	updateBundleLandedQuery = `
UPDATE bundles SET state = $2, updated_at = $3, block_hash = $4, block_number = $5, gas_used = $6 WHERE id = $1`

	selectActiveBundlesQuery = `SELECT * FROM bundles WHERE state IN ('queued', 'sent') ORDER BY created_at`

	upsertSubmissionQuery = `
INSERT INTO relay_submissions (bundle_id, relay_name, submitted_at, status, response_data)
VALUES (:bundle_id, :relay_name, :submitted_at, :status, :response_data)
ON CONFLICT (bundle_id, relay_name) DO UPDATE SET
    submitted_at = :submitted_at, status = :status, response_data = :response_data`

	selectSubmissionsQuery = `SELECT * FROM relay_submissions WHERE bundle_id = $1 ORDER BY submitted_at`
)

// Store is the ledger's Postgres-backed implementation.
type Store struct {
	db *sqlx.DB

	insertBundle    *sqlx.NamedStmt
	updateBundle    *sqlx.NamedStmt
	upsertSubmission *sqlx.NamedStmt
}

func NewStore(postgresDSN string) (*Store, error) {
	db, err := sqlx.Connect("postgres", postgresDSN)
	if err != nil {
		return nil, atomictypes.NewError(atomictypes.KindStorageFailure, "failed to connect to postgres", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)

	insertBundle, err := db.PrepareNamed(insertBundleQuery)
	if err != nil {
		return nil, atomictypes.NewError(atomictypes.KindStorageFailure, "failed to prepare insertBundle", err)
	}
	updateBundle, err := db.PrepareNamed(updateBundleQuery)
	if err != nil {
		return nil, atomictypes.NewError(atomictypes.KindStorageFailure, "failed to prepare updateBundle", err)
	}
	upsertSubmission, err := db.PrepareNamed(upsertSubmissionQuery)
	if err != nil {
		return nil, atomictypes.NewError(atomictypes.KindStorageFailure, "failed to prepare upsertSubmission", err)
	}

	return &Store{
		db:               db,
		insertBundle:     insertBundle,
		updateBundle:     updateBundle,
		upsertSubmission: upsertSubmission,
	}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping satisfies httpapi.Pinger for GET /healthz.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ReserveAndInsert atomically checks the daily spend counter against cap,
// increments it, and inserts the queued bundle row, all under one row lock
// on the day's daily_spending entry so concurrent submissions can't both
// observe headroom that only exists for one of them.
func (s *Store) ReserveAndInsert(ctx context.Context, b atomictypes.Bundle, dailyCapWei *big.Int) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return atomictypes.NewError(atomictypes.KindStorageFailure, "failed to begin reserve_and_insert tx", err)
	}
	defer tx.Rollback() //nolint:errcheck

	day := b.CreatedAt.UTC().Truncate(24 * time.Hour)

	// Postgres' FOR UPDATE only locks rows it actually returns, so the very
	// first reservation of a UTC day would otherwise lock nothing and let
	// concurrent first-of-day writers both observe zero headroom. Seed a
	// zero row up front, in the same transaction, so the locking select
	// below always has a row to serialize on.
	if _, err := tx.ExecContext(ctx, seedDailySpendQuery, day); err != nil {
		return atomictypes.NewError(atomictypes.KindStorageFailure, "failed to seed daily_spending row", err)
	}

	var currentStr string
	err = tx.GetContext(ctx, &currentStr, selectDailySpendForUpdateQuery, day)
	current := new(big.Int)
	if errors.Is(err, sql.ErrNoRows) {
		// no row yet for today, current stays zero
	} else if err != nil {
		return atomictypes.NewError(atomictypes.KindStorageFailure, "failed to lock daily_spending row", err)
	} else if _, ok := current.SetString(currentStr, 10); !ok {
		return atomictypes.NewError(atomictypes.KindStorageFailure, "corrupt daily_spending row", nil)
	}

	projected := new(big.Int).Add(current, b.PaymentAmountWei)
	if dailyCapWei != nil && projected.Cmp(dailyCapWei) > 0 {
		return atomictypes.ErrDailyCapExceeded
	}

	if _, err := tx.ExecContext(ctx, upsertDailySpendQuery, day, projected.String()); err != nil {
		return atomictypes.NewError(atomictypes.KindStorageFailure, "failed to upsert daily_spending", err)
	}

	row := toRow(b)
	if _, err := tx.NamedStmtContext(ctx, s.insertBundle).ExecContext(ctx, row); err != nil {
		return atomictypes.NewError(atomictypes.KindStorageFailure, "failed to insert bundle row", err)
	}

	return tx.Commit()
}

// Refund reverses a reservation's contribution to the daily spend counter,
// used when every relay rejects a bundle and the Pipeline Controller rolls
// the committed amount back on a full-rejection rollback.
func (s *Store) Refund(ctx context.Context, spendDate time.Time, amountWei *big.Int) error {
	day := spendDate.UTC().Truncate(24 * time.Hour)
	if _, err := s.db.ExecContext(ctx, refundDailySpendQuery, day, amountWei.String()); err != nil {
		return atomictypes.NewError(atomictypes.KindStorageFailure, "failed to refund daily_spending", err)
	}
	return nil
}

// MonthlySpend sums daily_spending across the calendar month containing
// month (UTC), for the operator's monthly_cap_wei visibility rollup. This
// is a read-only aggregate: v1 enforces no monthly cap, only reports it.
func (s *Store) MonthlySpend(ctx context.Context, month time.Time) (*big.Int, error) {
	month = month.UTC()
	start := time.Date(month.Year(), month.Month(), 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, 0)

	var sumStr string
	if err := s.db.GetContext(ctx, &sumStr, selectMonthlySpendQuery, start, end); err != nil {
		return nil, atomictypes.NewError(atomictypes.KindStorageFailure, "failed to aggregate monthly spend", err)
	}
	sum, ok := new(big.Int).SetString(sumStr, 10)
	if !ok {
		return nil, atomictypes.NewError(atomictypes.KindStorageFailure, "corrupt monthly spend aggregate", nil)
	}
	return sum, nil
}

// UpdateTx2 persists the forged, signed companion transaction once it is
// built (stage 6), moving the bundle from queued toward sent.
func (s *Store) UpdateTx2(ctx context.Context, b atomictypes.Bundle) error {
	row := toRow(b)
	if _, err := s.updateBundle.ExecContext(ctx, row); err != nil {
		return atomictypes.NewError(atomictypes.KindStorageFailure, "failed to update bundle with tx2", err)
	}
	return nil
}

// Transition moves a bundle from an expected current state to a new state,
// guarded by a row lock so two callers racing on the same bundle can't
// both believe they made the transition; the loser gets StateConflict.
func (s *Store) Transition(ctx context.Context, id atomictypes.BundleID, expected, next atomictypes.BundleState) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return atomictypes.NewError(atomictypes.KindStorageFailure, "failed to begin transition tx", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var current string
	if err := tx.GetContext(ctx, &current, selectBundleStateForUpdateQuery, id.String()); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return atomictypes.ErrBundleNotFound
		}
		return atomictypes.NewError(atomictypes.KindStorageFailure, "failed to lock bundle row", err)
	}
	if atomictypes.BundleState(current) != expected {
		return atomictypes.ErrStateConflict
	}

	if _, err := tx.ExecContext(ctx, updateBundleStateQuery, id.String(), string(next), time.Now().UTC()); err != nil {
		return atomictypes.NewError(atomictypes.KindStorageFailure, "failed to update bundle state", err)
	}
	return tx.Commit()
}

// TransitionLanded is Transition specialized for the landed terminal state,
// which also records the inclusion block.
func (s *Store) TransitionLanded(ctx context.Context, id atomictypes.BundleID, expected atomictypes.BundleState, blockHash common.Hash, blockNumber, gasUsed uint64) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return atomictypes.NewError(atomictypes.KindStorageFailure, "failed to begin transition tx", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var current string
	if err := tx.GetContext(ctx, &current, selectBundleStateForUpdateQuery, id.String()); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return atomictypes.ErrBundleNotFound
		}
		return atomictypes.NewError(atomictypes.KindStorageFailure, "failed to lock bundle row", err)
	}
	if atomictypes.BundleState(current) != expected {
		return atomictypes.ErrStateConflict
	}

	if _, err := tx.ExecContext(ctx, updateBundleLandedQuery, id.String(), string(atomictypes.StateLanded),
		time.Now().UTC(), blockHash[:], int64(blockNumber), int64(gasUsed)); err != nil {
		return atomictypes.NewError(atomictypes.KindStorageFailure, "failed to update bundle to landed", err)
	}
	return tx.Commit()
}

// Get returns one bundle by id.
func (s *Store) Get(ctx context.Context, id atomictypes.BundleID) (atomictypes.Bundle, error) {
	var row dbBundle
	if err := s.db.GetContext(ctx, &row, selectBundleByIDQuery, id.String()); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return atomictypes.Bundle{}, atomictypes.ErrBundleNotFound
		}
		return atomictypes.Bundle{}, atomictypes.NewError(atomictypes.KindStorageFailure, "failed to select bundle", err)
	}
	return toDomain(row)
}

// ListActive returns every bundle still in queued or sent state, used by
// the Tracker to seed and refresh its reconciliation queue.
func (s *Store) ListActive(ctx context.Context) ([]atomictypes.Bundle, error) {
	var rows []dbBundle
	if err := s.db.SelectContext(ctx, &rows, selectActiveBundlesQuery); err != nil {
		return nil, atomictypes.NewError(atomictypes.KindStorageFailure, "failed to select active bundles", err)
	}
	out := make([]atomictypes.Bundle, 0, len(rows))
	for _, r := range rows {
		b, err := toDomain(r)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

// RecordSubmission upserts one (bundle, builder) relay attempt outcome,
// idempotent on repeated retries for the same builder.
func (s *Store) RecordSubmission(ctx context.Context, sub atomictypes.RelaySubmission) error {
	row := dbRelaySubmission{
		BundleID:     sub.BundleID.String(),
		RelayName:    sub.RelayName,
		SubmittedAt:  sub.SubmittedAt,
		Status:       string(sub.Status),
		ResponseData: sub.ResponseData,
	}
	if _, err := s.upsertSubmission.ExecContext(ctx, row); err != nil {
		return atomictypes.NewError(atomictypes.KindStorageFailure, "failed to upsert relay submission", err)
	}
	return nil
}

// ListSubmissions returns every relay attempt recorded for a bundle, used
// to build the status() view the Pipeline Controller exposes.
func (s *Store) ListSubmissions(ctx context.Context, id atomictypes.BundleID) ([]atomictypes.RelaySubmission, error) {
	var rows []dbRelaySubmission
	if err := s.db.SelectContext(ctx, &rows, selectSubmissionsQuery, id.String()); err != nil {
		return nil, atomictypes.NewError(atomictypes.KindStorageFailure, "failed to select relay submissions", err)
	}
	out := make([]atomictypes.RelaySubmission, 0, len(rows))
	for _, r := range rows {
		sub, err := toDomainSubmission(r)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, nil
}
