package bus

import (
	"context"
	"time"

	"go.uber.org/zap"

	"reasoningbank/internal/bus/frame"
	"reasoningbank/pkg/bankerr"
	"reasoningbank/pkg/types"
)

// serveSnapshot answers a SnapshotRequest with a sequence of
// SnapshotChunk frames bounded by SnapshotChunkSize, the last one
// flagged FlagEndOfStream (spec §4.6, §4.7's anti-entropy bootstrap
// when since_timestamp is zero).
func (b *Bus) serveSnapshot(ctx context.Context, s *Session, h *streamHandle, first frame.Frame, log *zap.Logger) error {
	req, err := frame.DecodeSnapshotRequest(first.Payload)
	if err != nil {
		return err
	}

	grant := s.currentGrant()
	if !grant.HasScope(types.ScopeRequestSnapshot) {
		return abortStream(h.conn, log, bankerr.KindScopeDenied)
	}
	if result := b.verifier.CheckSpend(grant, types.ScopeRequestSnapshot); result != types.Valid {
		return abortStream(h.conn, log, verifyResultKind(result))
	}

	since := time.Unix(0, req.SinceTimestamp).UTC()
	stats, err := b.store.AllStrategyStats(ctx)
	if err != nil {
		return err
	}

	chunkSize := b.cfg.SnapshotChunkSize
	if chunkSize <= 0 {
		chunkSize = 256
	}

	var batch []types.Pattern
	statsSent := false
	flush := func(last bool) error {
		chunk := frame.SnapshotChunk{Patterns: batch}
		if !statsSent {
			chunk.Stats = stats
			statsSent = true
		}
		f := frame.Frame{Kind: types.KindSnapshotChunk, Payload: frame.EncodeSnapshotChunk(chunk)}
		if last {
			f.Flags |= types.FlagEndOfStream
		}
		if err := sendOnStream(ctx, h, f); err != nil {
			return err
		}
		batch = nil
		return nil
	}

	for p := range b.store.IterSince(ctx, since) {
		batch = append(batch, p)
		if len(batch) >= chunkSize {
			if err := flush(false); err != nil {
				return err
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
	return flush(true)
}
