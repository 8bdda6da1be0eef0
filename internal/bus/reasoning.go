package bus

import (
	"context"

	"go.uber.org/zap"

	"reasoningbank/internal/bus/frame"
	"reasoningbank/pkg/bankerr"
	"reasoningbank/pkg/types"
)

// ReasoningSink receives relayed reasoning-stream bytes. The bus never
// interprets the payload (spec §4.6); it only frames, enforces
// capability, and hands bytes to whatever local consumer registered
// itself (e.g. the tool shell surface).
type ReasoningSink func(sessionID string, subKind types.ReasoningSubKind, data []byte, end bool)

// SetReasoningSink installs the relay target. Passing nil disables
// relaying; chunks are still read (so the stream drains) but dropped.
func (b *Bus) SetReasoningSink(sink ReasoningSink) {
	b.mu.Lock()
	b.reasoningSink = sink
	b.mu.Unlock()
}

func (b *Bus) currentReasoningSink() ReasoningSink {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.reasoningSink
}

var reasoningKinds = map[types.FrameKind]bool{
	types.KindReasoningChunk: true,
	types.KindReasoningEnd:   true,
}

func (b *Bus) serveReasoning(ctx context.Context, s *Session, h *streamHandle, first frame.Frame, log *zap.Logger) error {
	open, err := frame.DecodeReasoningOpen(first.Payload)
	if err != nil {
		return err
	}
	log.Info("reasoning stream opened", zap.String("sub_kind", string(open.SubKind)))
	sink := b.currentReasoningSink()

	incoming := readFramesAsync(h.conn, reasoningKinds)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case item, ok := <-incoming:
			if !ok {
				return nil
			}
			if item.err != nil {
				return item.err
			}
			switch item.frame.Kind {
			case types.KindReasoningChunk:
				chunk, derr := frame.DecodeReasoningChunk(item.frame.Payload)
				if derr != nil {
					return derr
				}
				end := item.frame.Flags&types.FlagEndOfStream != 0
				if sink != nil {
					sink(s.id, open.SubKind, chunk.Data, end)
				}
				if end {
					return nil
				}
			case types.KindReasoningEnd:
				if _, derr := frame.DecodeReasoningEnd(item.frame.Payload); derr != nil {
					return derr
				}
				if sink != nil {
					sink(s.id, open.SubKind, nil, true)
				}
				return nil
			default:
				return bankerr.New(bankerr.KindUnknownFrameKind, "unexpected reasoning frame kind")
			}
		}
	}
}
