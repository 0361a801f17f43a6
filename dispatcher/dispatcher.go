// Package dispatcher fans a bundle out to every enabled builder relay
// concurrently and aggregates their outcomes into one pipeline-level
// result: a goroutine per builder, a sync.WaitGroup barrier, and success
// judged by "did at least one of them take it".
package dispatcher

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/flashbots/atomic-bundler/relayclient"
)

// Result is one builder's outcome from a single dispatch.
type Result struct {
	Builder   string
	Outcome   relayclient.Outcome
	Response  []byte
	Err       error
	Duration  time.Duration
}

// Aggregate is the pipeline-facing summary of a dispatch across all
// enabled builders: at least one acceptance makes the bundle sent,
// otherwise it failed and the reservation should be refunded.
type Aggregate struct {
	Accepted bool
	Results  []Result
}

// Dispatcher holds one rate limiter per builder: each relay gets at most
// max_inflight_per_builder dispatch starts per second, with a burst of the
// same size (no limit when it is zero or negative). The limiter does not
// cap how many calls to one relay are in flight at once.
type Dispatcher struct {
	logger   *zap.Logger
	builders []*relayclient.Client
	limiters map[string]*rate.Limiter
}

func New(logger *zap.Logger, builders []*relayclient.Client, maxInflightPerBuilder int) *Dispatcher {
	limiters := make(map[string]*rate.Limiter, len(builders))
	for _, b := range builders {
		limit := rate.Inf
		burst := maxInflightPerBuilder
		if maxInflightPerBuilder > 0 {
			limit = rate.Limit(maxInflightPerBuilder)
		} else {
			burst = 1
		}
		limiters[b.Name()] = rate.NewLimiter(limit, burst)
	}
	return &Dispatcher{logger: logger, builders: builders, limiters: limiters}
}

// Dispatch sends tx1 plus each builder's own forged tx2 to every enabled
// builder in parallel, and blocks until all of them have responded or
// been retried to exhaustion. tx2ByBuilder must have one entry per builder
// passed to New, since each builder's payment address makes its tx2
// distinct.
func (d *Dispatcher) Dispatch(ctx context.Context, tx1Raw []byte, tx2ByBuilder map[string][]byte, targetBlocks []uint64) Aggregate {
	results := make([]Result, len(d.builders))
	var wg sync.WaitGroup

	for i, builder := range d.builders {
		wg.Add(1)
		go func(i int, b *relayclient.Client) {
			defer wg.Done()

			if lim, ok := d.limiters[b.Name()]; ok {
				if err := lim.Wait(ctx); err != nil {
					results[i] = Result{Builder: b.Name(), Outcome: relayclient.OutcomeError, Err: ctx.Err()}
					return
				}
			}

			start := time.Now()
			outcome, resp, err := b.SendBundleMultiBlock(ctx, tx1Raw, tx2ByBuilder[b.Name()], targetBlocks)
			dur := time.Since(start)

			d.logger.Debug("dispatched bundle to builder",
				zap.String("builder", b.Name()),
				zap.String("outcome", string(outcome)),
				zap.Duration("duration", dur),
				zap.Error(err))

			results[i] = Result{Builder: b.Name(), Outcome: outcome, Response: resp, Err: err, Duration: dur}
		}(i, builder)
	}

	wg.Wait()

	agg := Aggregate{Results: results}
	for _, r := range results {
		if r.Outcome == relayclient.OutcomeAccepted {
			agg.Accepted = true
			break
		}
	}
	if !agg.Accepted {
		d.logger.Warn("bundle rejected or errored by every enabled builder")
	}
	return agg
}
