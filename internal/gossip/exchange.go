package gossip

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"reasoningbank/internal/bus/frame"
	"reasoningbank/pkg/bankerr"
	"reasoningbank/pkg/types"
)

var patternSyncReplyKinds = map[types.FrameKind]bool{
	types.KindPatternRequested: true,
}

var snapshotReplyKinds = map[types.FrameKind]bool{
	types.KindSnapshotChunk: true,
}

// exchangeWithPeer dials p, sends Hello, then runs either the
// anti-entropy snapshot bootstrap (first contact) or an incremental
// offer round, updating p's watermark on success.
func (g *Gossiper) exchangeWithPeer(ctx context.Context, p *Peer) error {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.ExchangeTimeout)
	defer cancel()

	conn, err := g.dialer.Dial(ctx, p.Address)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := g.sendHello(conn); err != nil {
		return err
	}

	since := p.since()
	if since.IsZero() {
		return g.bootstrapFromSnapshot(ctx, conn, p)
	}
	return g.offerIncremental(ctx, conn, p, since)
}

func (g *Gossiper) sendHello(conn wireConn) error {
	hello := frame.Hello{
		ProtocolVersion: g.cfg.ProtocolVersion,
		IssuerKey:       g.cfg.IssuerKey,
		CapabilityToken: g.cfg.CapabilityToken,
		CreditPerStream: g.cfg.CreditPerStream,
		EmbeddingDim:    g.cfg.EmbeddingDim,
	}
	return sendFrame(conn, frame.Frame{Kind: types.KindHello, Payload: frame.EncodeHello(hello)})
}

// PullSnapshot forces a one-time anti-entropy bootstrap against
// address, bypassing any watermark already recorded for it. Operator
// tooling (internal/toolsurface's request_snapshot, cmd/bankctl's
// `snapshot pull`) uses this to backfill a store on demand rather than
// waiting for the next scheduled Cycle.
func (g *Gossiper) PullSnapshot(ctx context.Context, address string) error {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.ExchangeTimeout)
	defer cancel()

	conn, err := g.dialer.Dial(ctx, address)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := g.sendHello(conn); err != nil {
		return err
	}

	p := &Peer{Address: address}
	if err := g.bootstrapFromSnapshot(ctx, conn, p); err != nil {
		return err
	}

	g.mu.Lock()
	if existing, ok := g.peers[address]; ok {
		existing.recordExchange(p.since())
	}
	g.mu.Unlock()
	return nil
}

// offerIncremental pushes PatternOffered summaries for everything
// committed at or after since, then drains trailing PatternRequested
// replies for cfg.DrainWindow before closing out (spec §4.7: the peer
// only replies for ids it doesn't already hold; duplicate offers are
// idempotent, and gossip never consumes spend_cap).
func (g *Gossiper) offerIncremental(ctx context.Context, conn wireConn, p *Peer, since time.Time) error {
	cursor := since
	offered := false
	for pat := range g.store.IterSince(ctx, since) {
		offer := frame.PatternOffered{
			ID:        pat.ID,
			Context:   pat.Context,
			Strategy:  pat.Strategy,
			CreatedAt: pat.CreatedAt.UnixNano(),
		}
		if err := sendFrame(conn, frame.Frame{Kind: types.KindPatternOffered, Payload: frame.EncodePatternOffered(offer)}); err != nil {
			return err
		}
		offered = true
		if pat.CreatedAt.After(cursor) {
			cursor = pat.CreatedAt
		}
	}

	if err := g.serveRequests(ctx, conn); err != nil {
		return err
	}
	if offered {
		p.recordExchange(cursor)
	}
	return nil
}

// serveRequests answers PatternRequested replies with PatternFull
// until cfg.DrainWindow of silence, which is how this side learns the
// peer is done requesting (the protocol has no explicit "done" frame
// for this exchange direction).
func (g *Gossiper) serveRequests(ctx context.Context, conn wireConn) error {
	drainCtx, cancel := context.WithTimeout(ctx, g.cfg.DrainWindow)
	defer cancel()

	for {
		f, err := recvFrameCtx(drainCtx, conn, patternSyncReplyKinds)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}
		req, err := frame.DecodePatternRequested(f.Payload)
		if err != nil {
			return err
		}
		pat, err := g.store.Get(ctx, req.ID)
		if err != nil {
			continue // no longer held locally; nothing to send
		}
		if err := sendFrame(conn, frame.Frame{Kind: types.KindPatternFull, Payload: frame.EncodePatternFull(frame.PatternFull{Pattern: pat})}); err != nil {
			return err
		}
	}
}

// bootstrapFromSnapshot requests a full since_timestamp=0 snapshot on
// first contact with a peer (spec §4.7's anti-entropy bootstrap),
// inserting every received pattern (idempotent on id) before gossip
// switches to incremental offers on later cycles.
func (g *Gossiper) bootstrapFromSnapshot(ctx context.Context, conn wireConn, p *Peer) error {
	if err := sendFrame(conn, frame.Frame{Kind: types.KindSnapshotRequest, Payload: frame.EncodeSnapshotRequest(frame.SnapshotRequest{SinceTimestamp: 0})}); err != nil {
		return err
	}

	var latest time.Time
	for {
		f, err := recvFrameCtx(ctx, conn, snapshotReplyKinds)
		if err != nil {
			return err
		}
		if f.Kind != types.KindSnapshotChunk {
			return bankerr.New(bankerr.KindProtocolError, "expected snapshot chunk during bootstrap")
		}
		chunk, err := frame.DecodeSnapshotChunk(f.Payload)
		if err != nil {
			return err
		}
		for _, pat := range chunk.Patterns {
			if _, ierr := g.store.Insert(ctx, pat); ierr != nil {
				if kind, ok := bankerr.KindOf(ierr); !ok || kind != bankerr.KindDuplicate {
					g.log.Warn("snapshot bootstrap insert failed", zap.Error(ierr))
				}
			}
			if pat.CreatedAt.After(latest) {
				latest = pat.CreatedAt
			}
		}
		if f.Flags&types.FlagEndOfStream != 0 {
			break
		}
	}

	// An empty snapshot still completes an exchange; record its time so
	// the next cycle does not bootstrap this peer again.
	if latest.IsZero() {
		latest = time.Now().UTC()
	}
	p.recordExchange(latest)
	return nil
}
