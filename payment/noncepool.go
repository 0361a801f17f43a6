package payment

import (
	"context"
	"sync"

	atomictypes "github.com/flashbots/atomic-bundler/types"
)

// NonceSource supplies the signer's on-chain nonce, used to reset the
// reservation pointer on startup (restart
// reset, not live reconciliation).
type NonceSource interface {
	PendingNonceAt(ctx context.Context) (uint64, error)
}

// NoncePool is the signer's single monotonic nonce reservation queue.
// Reserve takes the next nonce; Release gives back a reserved-but-unused
// nonce in reverse reservation order once its relay outcome is known to be
// rejected/error; Consume permanently retires a nonce once at least one
// relay accepted the bundle built with it.
//
// A single mutex guards every reservation, so two concurrent Reserve calls
// never return the same nonce. Signing with the reserved nonce happens
// outside the pool and is not covered by this mutex.
type NoncePool struct {
	mu        sync.Mutex
	next      uint64
	reserved  []uint64 // outstanding reservations, oldest first
	gapFiller GapFiller
}

// GapFiller is invoked when a released nonce leaves a permanent gap
// because later nonces have already been broadcast — the intended "best
// effort filler self-transfer at the next dispatch". It is optional; when
// nil the gap is simply left for the node to observe and the pool relies on
// the startup reset to recover.
type GapFiller func(ctx context.Context, nonce uint64) error

func NewNoncePool() *NoncePool {
	return &NoncePool{}
}

// Reset re-synchronizes the pool with the chain, used on startup per Open
// Question (b) instead of live reconciliation against external nonce use.
func (p *NoncePool) Reset(ctx context.Context, src NonceSource) error {
	n, err := src.PendingNonceAt(ctx)
	if err != nil {
		return atomictypes.NewError(atomictypes.KindSignerFailure, "failed to read signer nonce from chain", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.next = n
	p.reserved = p.reserved[:0]
	return nil
}

// Reserve takes the next nonce in the monotonic sequence.
func (p *NoncePool) Reserve() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := p.next
	p.next++
	p.reserved = append(p.reserved, n)
	return n
}

// Release gives a reserved nonce back to the pool once its (bundle,
// builder) outcome is known to be rejected/error. Released
// nonces are only reused if they are the most recently reserved ones still
// outstanding; otherwise (a later nonce is still reserved or was consumed)
// the pool does not rewind and hands the nonce to the GapFiller, if set.
func (p *NoncePool) Release(ctx context.Context, nonce uint64) {
	p.mu.Lock()
	idx := -1
	for i, n := range p.reserved {
		if n == nonce {
			idx = i
			break
		}
	}
	if idx == -1 {
		p.mu.Unlock()
		return
	}
	isNewest := idx == len(p.reserved)-1
	p.reserved = append(p.reserved[:idx], p.reserved[idx+1:]...)
	if isNewest && p.next > 0 && nonce == p.next-1 {
		p.next--
		p.mu.Unlock()
		return
	}
	filler := p.gapFiller
	p.mu.Unlock()

	if filler != nil {
		_ = filler(ctx, nonce)
	}
}

// Consume permanently retires a nonce: at least one relay accepted the
// (bundle, builder) pair built with it, so it can never be reused.
func (p *NoncePool) Consume(nonce uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, n := range p.reserved {
		if n == nonce {
			p.reserved = append(p.reserved[:i], p.reserved[i+1:]...)
			return
		}
	}
}

// SetGapFiller installs the best-effort filler-transaction hook.
func (p *NoncePool) SetGapFiller(f GapFiller) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.gapFiller = f
}
