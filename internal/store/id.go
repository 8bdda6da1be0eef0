package store

import (
	"encoding/binary"
	"encoding/hex"
	"math"

	"github.com/zeebo/blake3"

	"reasoningbank/pkg/types"
)

// deriveID computes the content-derived, stable id of a pattern: a
// blake3 hash over task, context, strategy, and embedding only.
// created_at deliberately does not participate — Insert stamps it with
// the wall clock whenever a caller leaves it zero, and two calls
// carrying otherwise-identical content a moment apart must still
// collide on id for Insert to be the idempotent no-op spec §5/§8.6
// requires on retry.
func deriveID(p *types.Pattern) types.PatternID {
	h := blake3.New()
	h.Write([]byte(p.Task))
	h.Write([]byte{0})
	h.Write([]byte(p.Context))
	h.Write([]byte{0})
	h.Write([]byte(p.Strategy))
	h.Write([]byte{0})

	buf := make([]byte, 4)
	for _, f := range p.Embedding {
		binary.BigEndian.PutUint32(buf, math.Float32bits(f))
		h.Write(buf)
	}

	sum := h.Sum(nil)
	return types.PatternID(hex.EncodeToString(sum[:16]))
}
