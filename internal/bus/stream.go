package bus

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"reasoningbank/internal/bus/frame"
	"reasoningbank/pkg/bankerr"
	"reasoningbank/pkg/types"
)

var classifyingKinds = map[types.FrameKind]bool{
	types.KindPatternOffered:   true,
	types.KindPatternRequested: true,
	types.KindPatternFull:      true,
	types.KindReasoningOpen:    true,
	types.KindSnapshotRequest:  true,
}

// ServeStream handles one secondary stream (pattern-sync, reasoning,
// or snapshot): it reads the classifying first frame, checks the
// stream-count limit and the session's current capability, then
// dispatches to the kind-specific loop. It blocks for the stream's
// lifetime and is meant to run in its own goroutine per accepted
// connection, same as Serve.
func (b *Bus) ServeStream(ctx context.Context, sessionID string, conn wireConn) error {
	s, ok := b.session(sessionID)
	if !ok {
		_ = conn.Close()
		return bankerr.New(bankerr.KindNotFound, "unknown session").WithDetail("session_id", sessionID)
	}
	if s.State() != types.StateReady {
		_ = conn.Close()
		return bankerr.New(bankerr.KindProtocolError, "session not accepting new streams")
	}

	first, err := recvFrame(conn, classifyingKinds)
	if err != nil {
		_ = conn.Close()
		return err
	}

	kind, ok := classifyStream(first.Kind)
	if !ok {
		_ = conn.Close()
		return bankerr.New(bankerr.KindUnknownFrameKind, "first frame does not classify a known stream kind")
	}

	grant := s.currentGrant()
	if !streamScopePermits(kind, grant) {
		_ = conn.Close()
		return bankerr.New(bankerr.KindScopeDenied, "session capability lacks required scope for stream kind").
			WithDetail("stream_kind", string(kind))
	}

	streamID := uuid.NewString()
	sctx, cancel := context.WithCancel(ctx)
	handle := &streamHandle{kind: kind, conn: conn, credit: newCreditGate(creditOrDefault(s)), cancel: cancel}
	added, count := s.addStream(streamID, handle)
	if !added {
		cancel()
		_ = conn.Close()
		return bankerr.New(bankerr.KindProtocolError, "session not ready")
	}
	if count > b.cfg.MaxStreamsPerSession {
		s.removeStream(streamID)
		_ = conn.Close()
		return bankerr.New(bankerr.KindTooManyStreams, "per-session stream limit exceeded")
	}
	defer s.removeStream(streamID)

	log := b.log.With(zap.String("session_id", sessionID), zap.String("stream_id", streamID), zap.String("stream_kind", string(kind)))

	switch kind {
	case types.StreamPatternSync:
		return b.servePatternSync(sctx, s, handle, first, log)
	case types.StreamReasoning:
		return b.serveReasoning(sctx, s, handle, first, log)
	case types.StreamSnapshot:
		return b.serveSnapshot(sctx, s, handle, first, log)
	default:
		return bankerr.New(bankerr.KindProtocolError, "unreachable stream kind")
	}
}

// sendOnStream writes f to h's connection, holding one unit of h's
// credit gate for the duration of the write.
func sendOnStream(ctx context.Context, h *streamHandle, f frame.Frame) error {
	if err := h.credit.acquire(ctx); err != nil {
		return err
	}
	defer h.credit.release()
	return sendFrame(h.conn, f)
}

func classifyStream(kind types.FrameKind) (types.StreamKind, bool) {
	switch kind {
	case types.KindPatternOffered, types.KindPatternRequested, types.KindPatternFull:
		return types.StreamPatternSync, true
	case types.KindReasoningOpen:
		return types.StreamReasoning, true
	case types.KindSnapshotRequest:
		return types.StreamSnapshot, true
	default:
		return "", false
	}
}

func streamScopePermits(kind types.StreamKind, grant *types.IntentCapability) bool {
	if grant == nil {
		return false
	}
	switch kind {
	case types.StreamPatternSync:
		return grant.HasScope(types.ScopeWritePatterns) || grant.HasScope(types.ScopeGossip) || grant.HasScope(types.ScopeReadPatterns)
	case types.StreamReasoning:
		return grant.HasScope(types.ScopeStreamReasoning)
	case types.StreamSnapshot:
		return grant.HasScope(types.ScopeRequestSnapshot)
	default:
		return false
	}
}

func creditOrDefault(s *Session) uint32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.creditPerStream == 0 {
		return 64
	}
	return s.creditPerStream
}

// abortStream sends a StreamAbort-equivalent close: the protocol has
// no dedicated abort frame kind beyond Goodbye/reason codes, so a
// stream is aborted by closing its connection after logging the
// reason (spec §4.6's "closes the stream with <reason>" is realized
// as closing the underlying connection).
func abortStream(conn wireConn, log *zap.Logger, reason bankerr.Kind) error {
	log.Warn("aborting stream", zap.String("reason", string(reason)))
	return conn.Close()
}
