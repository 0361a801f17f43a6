// Package pipeline wires every other package together into the 8-stage
// submission flow plus the status() projection. It holds no transport or
// storage logic of its own, only orchestration across its collaborators.
package pipeline

import (
	"context"
	"math/big"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/flashbots/atomic-bundler/adapters/redis"
	"github.com/flashbots/atomic-bundler/chainoracle"
	"github.com/flashbots/atomic-bundler/dispatcher"
	"github.com/flashbots/atomic-bundler/ledger"
	"github.com/flashbots/atomic-bundler/metrics"
	"github.com/flashbots/atomic-bundler/payment"
	"github.com/flashbots/atomic-bundler/relayclient"
	"github.com/flashbots/atomic-bundler/simulator"
	"github.com/flashbots/atomic-bundler/tracker"
	atomictypes "github.com/flashbots/atomic-bundler/types"

	gethtypes "github.com/ethereum/go-ethereum/core/types"
)

// Builder is one enabled builder relay's identity plus its relay client.
type Builder struct {
	Client *relayclient.Client
}

// Limits holds the operator-side caps from config.
type Limits struct {
	PerBundleCapWei *big.Int
	DailyCapWei     *big.Int
	OperatorMaxWei  *big.Int

	EmergencyStopEnabled      bool
	EmergencyStopThresholdWei *big.Int
}

// SubmitRequest is the decoded ingress request for POST /bundles.
type SubmitRequest struct {
	Tx1Raw       []byte
	Formula      payment.Formula
	MaxAmountWei *big.Int // caller-side cap, may be nil
	Expiry       time.Time
	TargetBlocks []uint64 // explicit targets; if empty, derived from blocks_ahead
}

// liveConfig is the slice of configuration that admin_reloadConfig can
// hot-swap between submissions: a bundle already past stage 5 keeps the
// snapshot it was admitted with (it reads its own local copy), but every
// *new* Submit call picks up whatever was stored most recently here.
type liveConfig struct {
	limits      Limits
	formulaK1   *big.Int
	formulaK2   *big.Int
	tip         *big.Int
	blocksAhead uint64
}

// Controller orchestrates the full submission pipeline.
type Controller struct {
	log *zap.Logger

	oracle     chainoracle.Oracle
	simulator  simulator.Simulator
	calculator *payment.Calculator
	forger     *payment.Forger
	noncePool  *payment.NoncePool
	store      *ledger.Store
	dispatcher *dispatcher.Dispatcher
	tracker    *tracker.Tracker
	killswitch *redis.KillswitchFlag

	builders []Builder
	live     atomic.Pointer[liveConfig]
	tx1Req   atomictypes.Tx1Requirements
	signer   gethtypes.Signer

	// queueSem bounds the number of submissions admitted concurrently
	// through stage 7 (dispatch); a full channel means queue depth has
	// exceeded MaxQueue and Submit fails Overloaded rather than blocking.
	// Nil when MaxQueue is unset, i.e. unbounded.
	queueSem chan struct{}
}

// Config carries everything the Controller needs at construction time,
// assembled via plain constructor injection in cmd/bundler/main.go.
type Config struct {
	Logger      *zap.Logger
	Oracle      chainoracle.Oracle
	Simulator   simulator.Simulator
	Calculator  *payment.Calculator
	Forger      *payment.Forger
	NoncePool   *payment.NoncePool
	Store       *ledger.Store
	Dispatcher  *dispatcher.Dispatcher
	Tracker     *tracker.Tracker
	Killswitch  *redis.KillswitchFlag
	Builders    []Builder
	Limits      Limits
	FormulaK1   *big.Int
	FormulaK2   *big.Int
	Tip         *big.Int
	Tx1Req      atomictypes.Tx1Requirements
	Signer      gethtypes.Signer
	BlocksAhead uint64
	// MaxQueue bounds the number of submissions admitted concurrently;
	// zero means unbounded. See spec's backpressure requirement.
	MaxQueue int
}

func New(cfg Config) *Controller {
	c := &Controller{
		log:        cfg.Logger,
		oracle:     cfg.Oracle,
		simulator:  cfg.Simulator,
		calculator: cfg.Calculator,
		forger:     cfg.Forger,
		noncePool:  cfg.NoncePool,
		store:      cfg.Store,
		dispatcher: cfg.Dispatcher,
		tracker:    cfg.Tracker,
		killswitch: cfg.Killswitch,
		builders:   cfg.Builders,
		tx1Req:     cfg.Tx1Req,
		signer:     cfg.Signer,
	}
	if cfg.MaxQueue > 0 {
		c.queueSem = make(chan struct{}, cfg.MaxQueue)
	}
	c.live.Store(&liveConfig{
		limits:      cfg.Limits,
		formulaK1:   cfg.FormulaK1,
		formulaK2:   cfg.FormulaK2,
		tip:         cfg.Tip,
		blocksAhead: cfg.BlocksAhead,
	})
	return c
}

// UpdateLiveConfig hot-swaps the limits/formula/window parameters every
// subsequent Submit call reads, without touching builders, the signer, or
// tx1 validation requirements. Used by admin_reloadConfig so a config
// reload actually changes behavior for future submissions; bundles already
// past stage 5 are unaffected since their own fields were already copied
// out of the snapshot in effect at admission time.
func (c *Controller) UpdateLiveConfig(limits Limits, formulaK1, formulaK2, tip *big.Int, blocksAhead uint64) {
	c.live.Store(&liveConfig{
		limits:      limits,
		formulaK1:   formulaK1,
		formulaK2:   formulaK2,
		tip:         tip,
		blocksAhead: blocksAhead,
	})
}

// Submit runs stages 1-8 of the submission flow synchronously through
// dispatch.
func (c *Controller) Submit(ctx context.Context, req SubmitRequest) (atomictypes.BundleID, error) {
	// Killswitch check precedes even tx1 decoding.
	disabled, err := c.killswitch.Get(ctx)
	if err != nil {
		return atomictypes.BundleID{}, atomictypes.NewError(atomictypes.KindInternal, "failed to read killswitch", err)
	}
	if disabled {
		return atomictypes.BundleID{}, atomictypes.ErrServiceDisabled
	}

	if c.queueSem != nil {
		select {
		case c.queueSem <- struct{}{}:
			defer func() { <-c.queueSem }()
		default:
			return atomictypes.BundleID{}, atomictypes.ErrOverloaded
		}
	}

	metrics.IncBundlesReceived()

	// Snapshot the live config once so this call sees a consistent set of
	// limits/formula parameters even if admin_reloadConfig swaps it mid-call.
	live := c.live.Load()

	// Stage 1: decode & validate tx1.
	stageStart := time.Now()
	tx1, _, err := atomictypes.ValidateTx1(req.Tx1Raw, c.tx1Req, c.signer)
	metrics.RecordStageDuration("validate", time.Since(stageStart))
	if err != nil {
		metrics.IncBundlesRejected()
		return atomictypes.BundleID{}, err
	}

	// Stage 2: acquire chain context.
	latestBlock, err := c.oracle.LatestBlockNumber(ctx)
	if err != nil {
		return atomictypes.BundleID{}, err
	}
	baseFee, err := c.oracle.LatestBaseFee(ctx)
	if err != nil {
		return atomictypes.BundleID{}, err
	}

	targetBlocks := req.TargetBlocks
	if len(targetBlocks) == 0 {
		ahead := live.blocksAhead
		if ahead == 0 {
			ahead = 1
		}
		targetBlocks = make([]uint64, ahead)
		for i := range targetBlocks {
			targetBlocks[i] = latestBlock + 1 + uint64(i)
		}
	}

	// Stage 3: simulate.
	simResult, err := c.simulator.Simulate(ctx, req.Tx1Raw, latestBlock)
	if err != nil {
		return atomictypes.BundleID{}, err
	}
	if !simResult.Success {
		return atomictypes.BundleID{}, atomictypes.NewError(atomictypes.KindSimulationReverted,
			"tx1 simulation reverted: "+simResult.RevertReason, nil)
	}

	// Stage 4: compute payment.
	stageStart = time.Now()
	amount, err := c.calculator.Calculate(payment.Params{
		Formula:         req.Formula,
		K1:              live.formulaK1,
		K2:              live.formulaK2,
		Tip:             live.tip,
		GasUsed:         simResult.GasUsed,
		BaseFeeWei:      baseFee,
		CallerMaxWei:    req.MaxAmountWei,
		OperatorMaxWei:  live.limits.OperatorMaxWei,
		PerBundleCapWei: live.limits.PerBundleCapWei,

		EmergencyStopEnabled:      live.limits.EmergencyStopEnabled,
		EmergencyStopThresholdWei: live.limits.EmergencyStopThresholdWei,
	})
	metrics.RecordStageDuration("payment", time.Since(stageStart))
	if err != nil {
		return atomictypes.BundleID{}, err
	}

	now := time.Now().UTC()

	// expires_at derives from the configured target window (blocks_ahead *
	// 12s block time) or the caller's explicit expiry, whichever is
	// earlier; an unset caller expiry imposes no cap of its own.
	ahead := live.blocksAhead
	if ahead == 0 {
		ahead = 1
	}
	windowExpiry := now.Add(time.Duration(ahead) * 12 * time.Second)
	expiresAt := windowExpiry
	if !req.Expiry.IsZero() && req.Expiry.Before(windowExpiry) {
		expiresAt = req.Expiry
	}

	bundle := atomictypes.Bundle{
		ID:               atomictypes.NewBundleID(),
		Tx1Raw:           req.Tx1Raw,
		Tx1Hash:          tx1.Hash(),
		State:            atomictypes.StateQueued,
		PaymentAmountWei: amount,
		TargetBlocks:     targetBlocks,
		CreatedAt:        now,
		UpdatedAt:        now,
		ExpiresAt:        expiresAt,
	}

	// Stage 5: reserve spend atomically.
	if err := c.store.ReserveAndInsert(ctx, bundle, live.limits.DailyCapWei); err != nil {
		metrics.IncDailyCapRejections()
		return atomictypes.BundleID{}, err
	}

	// Stage 6: forge tx2, one per builder since payment addresses differ.
	stageStart = time.Now()
	tx2ByBuilder := make(map[string][]byte, len(c.builders))
	nonceByBuilder := make(map[string]uint64, len(c.builders))
	var primaryTx2Raw []byte
	var primaryTx2Hash [32]byte
	for _, b := range c.builders {
		nonce := c.noncePool.Reserve()
		raw, hash, err := c.forger.Forge(b.Client.PaymentAddress(), amount, baseFee, live.tip, nonce)
		if err != nil {
			c.noncePool.Release(ctx, nonce)
			return atomictypes.BundleID{}, err
		}
		tx2ByBuilder[b.Client.Name()] = raw
		nonceByBuilder[b.Client.Name()] = nonce
		if primaryTx2Raw == nil {
			primaryTx2Raw = raw
			primaryTx2Hash = hash
		}
	}
	metrics.RecordStageDuration("forge", time.Since(stageStart))

	bundle.Tx2Raw = primaryTx2Raw
	bundle.Tx2Hash = primaryTx2Hash
	if err := c.store.UpdateTx2(ctx, bundle); err != nil {
		return atomictypes.BundleID{}, err
	}

	// Stage 7: dispatch.
	stageStart = time.Now()
	agg := c.dispatcher.Dispatch(ctx, req.Tx1Raw, tx2ByBuilder, targetBlocks)
	metrics.RecordStageDuration("dispatch", time.Since(stageStart))

	// agg.Results follows c.builders, the order nonces were reserved in;
	// walk it backwards so nonces are released newest-first.
	for i := len(agg.Results) - 1; i >= 0; i-- {
		r := agg.Results[i]
		nonce, ok := nonceByBuilder[r.Builder]
		status := atomictypes.SubmissionStatus(r.Outcome)
		if ok {
			if r.Outcome == relayclient.OutcomeAccepted {
				c.noncePool.Consume(nonce)
			} else {
				c.noncePool.Release(ctx, nonce)
			}
		}
		var respData []byte
		if r.Err != nil {
			respData = []byte(r.Err.Error())
		} else {
			respData = r.Response
		}
		_ = c.store.RecordSubmission(ctx, atomictypes.RelaySubmission{
			BundleID:     bundle.ID,
			RelayName:    r.Builder,
			SubmittedAt:  time.Now().UTC(),
			Status:       status,
			ResponseData: respData,
		})
		metrics.IncRelaySubmissionOutcome(r.Builder, string(r.Outcome))
	}

	if agg.Accepted {
		if err := c.store.Transition(ctx, bundle.ID, atomictypes.StateQueued, atomictypes.StateSent); err != nil {
			return bundle.ID, err
		}
		metrics.IncBundlesAccepted()
		bundle.State = atomictypes.StateSent
		if err := c.tracker.Track(ctx, bundle); err != nil {
			c.log.Warn("failed to enqueue bundle onto tracker", zap.String("bundle", bundle.ID.String()), zap.Error(err))
		}
		return bundle.ID, nil
	}

	if err := c.store.Transition(ctx, bundle.ID, atomictypes.StateQueued, atomictypes.StateFailed); err != nil {
		return bundle.ID, err
	}
	if err := c.store.Refund(ctx, bundle.CreatedAt, amount); err != nil {
		c.log.Error("failed to refund daily spend after all-relay rejection", zap.String("bundle", bundle.ID.String()), zap.Error(err))
	}
	metrics.IncBundlesFailed()
	return bundle.ID, nil
}

// Status returns the point-in-time projection for GET /bundles/{id}.
func (c *Controller) Status(ctx context.Context, id atomictypes.BundleID) (atomictypes.BundleView, error) {
	b, err := c.store.Get(ctx, id)
	if err != nil {
		return atomictypes.BundleView{}, err
	}
	subs, err := c.store.ListSubmissions(ctx, id)
	if err != nil {
		return atomictypes.BundleView{}, err
	}
	return atomictypes.BundleView{Bundle: b, Submissions: subs}, nil
}
