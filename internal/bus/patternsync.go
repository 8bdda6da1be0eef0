package bus

import (
	"context"

	"go.uber.org/zap"

	"reasoningbank/internal/bus/frame"
	"reasoningbank/pkg/bankerr"
	"reasoningbank/pkg/types"
)

var patternSyncKinds = map[types.FrameKind]bool{
	types.KindPatternOffered:   true,
	types.KindPatternRequested: true,
	types.KindPatternFull:      true,
}

// servePatternSync handles a classified pattern-sync stream. The same
// connection carries both directions of spec §4.6's logical
// offer/request/full exchange: whichever side is waiting simply reads
// the next frame kind it understands.
func (b *Bus) servePatternSync(ctx context.Context, s *Session, h *streamHandle, first frame.Frame, log *zap.Logger) error {
	if err := b.handlePatternSyncFrame(ctx, s, h, first, log); err != nil {
		return err
	}

	incoming := readFramesAsync(h.conn, patternSyncKinds)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case item, ok := <-incoming:
			if !ok {
				return nil
			}
			if item.err != nil {
				// A failed transport read means the connection is gone:
				// the peer closed its end, or abortStream closed ours.
				if kind, _ := bankerr.KindOf(item.err); kind == bankerr.KindStorageUnavailable {
					return nil
				}
				return item.err
			}
			if err := b.handlePatternSyncFrame(ctx, s, h, item.frame, log); err != nil {
				return err
			}
		}
	}
}

func (b *Bus) handlePatternSyncFrame(ctx context.Context, s *Session, h *streamHandle, f frame.Frame, log *zap.Logger) error {
	switch f.Kind {
	case types.KindPatternOffered:
		offer, err := frame.DecodePatternOffered(f.Payload)
		if err != nil {
			return err
		}
		if _, err := b.store.Get(ctx, offer.ID); err != nil {
			return sendOnStream(ctx, h, frame.Frame{Kind: types.KindPatternRequested, Payload: frame.EncodePatternRequested(frame.PatternRequested{ID: offer.ID})})
		}
		return nil // already held: duplicate offers are idempotent, spec §4.7

	case types.KindPatternRequested:
		req, err := frame.DecodePatternRequested(f.Payload)
		if err != nil {
			return err
		}
		p, err := b.store.Get(ctx, req.ID)
		if err != nil {
			log.Warn("peer requested unknown pattern", zap.String("id", string(req.ID)))
			return nil
		}
		return sendOnStream(ctx, h, frame.Frame{Kind: types.KindPatternFull, Payload: frame.EncodePatternFull(frame.PatternFull{Pattern: p})})

	case types.KindPatternFull:
		pf, err := frame.DecodePatternFull(f.Payload)
		if err != nil {
			return err
		}
		grant := s.currentGrant()
		if !grant.HasScope(types.ScopeWritePatterns) {
			return abortStream(h.conn, log, bankerr.KindScopeDenied)
		}
		if result := b.verifier.CheckSpend(grant, types.ScopeWritePatterns); result != types.Valid {
			return abortStream(h.conn, log, verifyResultKind(result))
		}
		if _, err := b.store.Insert(ctx, pf.Pattern); err != nil {
			return err
		}
		return nil

	default:
		return bankerr.New(bankerr.KindUnknownFrameKind, "unexpected pattern-sync frame kind")
	}
}
