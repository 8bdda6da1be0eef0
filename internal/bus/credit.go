package bus

import (
	"context"

	"reasoningbank/pkg/bankerr"
)

// creditGate is a counting semaphore sized from the Hello's
// credit_per_stream. sendOnStream acquires one unit before each frame
// write and releases it as soon as that write returns; nothing from the
// receiver replenishes it, so it bounds concurrent writes on one stream
// and does not track how far the receiver has read. A sender whose
// acquire is cancelled (stream/session closing, or the caller's own
// deadline) gets BackpressureAbort.
type creditGate struct {
	tokens chan struct{}
}

func newCreditGate(n uint32) *creditGate {
	if n == 0 {
		n = 1
	}
	g := &creditGate{tokens: make(chan struct{}, n)}
	for i := uint32(0); i < n; i++ {
		g.tokens <- struct{}{}
	}
	return g
}

func (g *creditGate) acquire(ctx context.Context) error {
	select {
	case <-g.tokens:
		return nil
	case <-ctx.Done():
		return bankerr.New(bankerr.KindBackpressureAbort, "credit exhausted, receiver not keeping up")
	}
}

func (g *creditGate) release() {
	select {
	case g.tokens <- struct{}{}:
	default:
		// release without a matching acquire should not happen; drop
		// rather than block or panic.
	}
}
