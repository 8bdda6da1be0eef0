package frame

import (
	"time"

	"reasoningbank/pkg/types"
)

func unixNano(ns int64) time.Time {
	return time.Unix(0, ns).UTC()
}

// Hello is the opening control-stream frame of spec §6.1: protocol
// version, issuer public key, opening capability, per-stream credit,
// and the embedding dimension D the session will exchange.
type Hello struct {
	ProtocolVersion uint16
	IssuerKey       [32]byte
	CapabilityToken string
	CreditPerStream uint32
	EmbeddingDim    uint32
}

func EncodeHello(h Hello) []byte {
	e := newEncoder(supportedPayloadVersion)
	e.u16(h.ProtocolVersion)
	e.fixed(h.IssuerKey[:])
	e.str(h.CapabilityToken)
	e.u32(h.CreditPerStream)
	e.u32(h.EmbeddingDim)
	return e.bytes()
}

func DecodeHello(payload []byte) (Hello, error) {
	d, err := newDecoder(payload, supportedPayloadVersion)
	if err != nil {
		return Hello{}, err
	}
	var h Hello
	h.ProtocolVersion = d.u16()
	copy(h.IssuerKey[:], d.fixed(32))
	h.CapabilityToken = d.str()
	h.CreditPerStream = d.u32()
	h.EmbeddingDim = d.u32()
	return h, d.done()
}

// Goodbye carries a human-readable reason the session is closing.
type Goodbye struct {
	Reason string
}

func EncodeGoodbye(g Goodbye) []byte {
	e := newEncoder(supportedPayloadVersion)
	e.str(g.Reason)
	return e.bytes()
}

func DecodeGoodbye(payload []byte) (Goodbye, error) {
	d, err := newDecoder(payload, supportedPayloadVersion)
	if err != nil {
		return Goodbye{}, err
	}
	g := Goodbye{Reason: d.str()}
	return g, d.done()
}

// Ping/Pong carry a caller-chosen nonce echoed back, used for
// keepalive liveness checks on the control stream.
type Ping struct{ Nonce uint64 }
type Pong struct{ Nonce uint64 }

func EncodePing(p Ping) []byte {
	e := newEncoder(supportedPayloadVersion)
	e.u64(p.Nonce)
	return e.bytes()
}

func DecodePing(payload []byte) (Ping, error) {
	d, err := newDecoder(payload, supportedPayloadVersion)
	if err != nil {
		return Ping{}, err
	}
	p := Ping{Nonce: d.u64()}
	return p, d.done()
}

func EncodePong(p Pong) []byte {
	e := newEncoder(supportedPayloadVersion)
	e.u64(p.Nonce)
	return e.bytes()
}

func DecodePong(payload []byte) (Pong, error) {
	d, err := newDecoder(payload, supportedPayloadVersion)
	if err != nil {
		return Pong{}, err
	}
	p := Pong{Nonce: d.u64()}
	return p, d.done()
}

// CapabilityRotate atomically replaces the session's current
// capability for subsequent frames (spec §4.6).
type CapabilityRotate struct {
	CapabilityToken string
}

func EncodeCapabilityRotate(c CapabilityRotate) []byte {
	e := newEncoder(supportedPayloadVersion)
	e.str(c.CapabilityToken)
	return e.bytes()
}

func DecodeCapabilityRotate(payload []byte) (CapabilityRotate, error) {
	d, err := newDecoder(payload, supportedPayloadVersion)
	if err != nil {
		return CapabilityRotate{}, err
	}
	c := CapabilityRotate{CapabilityToken: d.str()}
	return c, d.done()
}

// PatternOffered is a pattern-sync summary: enough to let the
// receiver decide whether it already holds the pattern.
type PatternOffered struct {
	ID        types.PatternID
	Context   string
	Strategy  string
	CreatedAt int64 // unix nanoseconds
	Hash      [32]byte
}

func EncodePatternOffered(p PatternOffered) []byte {
	e := newEncoder(supportedPayloadVersion)
	e.str(string(p.ID))
	e.str(p.Context)
	e.str(p.Strategy)
	e.i64(p.CreatedAt)
	e.fixed(p.Hash[:])
	return e.bytes()
}

func DecodePatternOffered(payload []byte) (PatternOffered, error) {
	d, err := newDecoder(payload, supportedPayloadVersion)
	if err != nil {
		return PatternOffered{}, err
	}
	var p PatternOffered
	p.ID = types.PatternID(d.str())
	p.Context = d.str()
	p.Strategy = d.str()
	p.CreatedAt = d.i64()
	copy(p.Hash[:], d.fixed(32))
	return p, d.done()
}

// PatternRequested asks the sender to follow up with PatternFull.
type PatternRequested struct {
	ID types.PatternID
}

func EncodePatternRequested(p PatternRequested) []byte {
	e := newEncoder(supportedPayloadVersion)
	e.str(string(p.ID))
	return e.bytes()
}

func DecodePatternRequested(payload []byte) (PatternRequested, error) {
	d, err := newDecoder(payload, supportedPayloadVersion)
	if err != nil {
		return PatternRequested{}, err
	}
	p := PatternRequested{ID: types.PatternID(d.str())}
	return p, d.done()
}

// PatternFull is the complete pattern, including outcome if attached.
type PatternFull struct {
	Pattern types.Pattern
}

func EncodePatternFull(p PatternFull) []byte {
	e := newEncoder(supportedPayloadVersion)
	e.str(string(p.Pattern.ID))
	e.str(p.Pattern.Task)
	e.str(p.Pattern.Context)
	e.str(p.Pattern.Strategy)
	e.floats(p.Pattern.Embedding)
	e.i64(p.Pattern.CreatedAt.UnixNano())
	e.boolean(p.Pattern.Outcome != nil)
	if p.Pattern.Outcome != nil {
		o := p.Pattern.Outcome
		e.boolean(o.Success)
		e.f64(o.Score)
		e.u64(o.DurationMs)
		e.str(o.Notes)
	}
	return e.bytes()
}

func DecodePatternFull(payload []byte) (PatternFull, error) {
	d, err := newDecoder(payload, supportedPayloadVersion)
	if err != nil {
		return PatternFull{}, err
	}
	var pat types.Pattern
	pat.ID = types.PatternID(d.str())
	pat.Task = d.str()
	pat.Context = d.str()
	pat.Strategy = d.str()
	pat.Embedding = d.floats()
	pat.CreatedAt = unixNano(d.i64())
	if d.boolean() {
		var o types.Outcome
		o.Success = d.boolean()
		o.Score = d.f64()
		o.DurationMs = d.u64()
		o.Notes = d.str()
		pat.Outcome = &o
	}
	if derr := d.done(); derr != nil {
		return PatternFull{}, derr
	}
	return PatternFull{Pattern: pat}, nil
}

// ReasoningOpen declares the sub-kind of a new reasoning stream.
type ReasoningOpen struct {
	SubKind types.ReasoningSubKind
}

func EncodeReasoningOpen(r ReasoningOpen) []byte {
	e := newEncoder(supportedPayloadVersion)
	e.str(string(r.SubKind))
	return e.bytes()
}

func DecodeReasoningOpen(payload []byte) (ReasoningOpen, error) {
	d, err := newDecoder(payload, supportedPayloadVersion)
	if err != nil {
		return ReasoningOpen{}, err
	}
	r := ReasoningOpen{SubKind: types.ReasoningSubKind(d.str())}
	return r, d.done()
}

// ReasoningChunk is an opaque slice of a reasoning stream's payload;
// the bus relays it without interpreting contents (spec §4.6).
type ReasoningChunk struct {
	Data []byte
}

func EncodeReasoningChunk(r ReasoningChunk) []byte {
	e := newEncoder(supportedPayloadVersion)
	e.rawBytes(r.Data)
	return e.bytes()
}

func DecodeReasoningChunk(payload []byte) (ReasoningChunk, error) {
	d, err := newDecoder(payload, supportedPayloadVersion)
	if err != nil {
		return ReasoningChunk{}, err
	}
	r := ReasoningChunk{Data: d.rawBytes()}
	return r, d.done()
}

// ReasoningEnd closes a reasoning stream; the frame carrying it also
// sets FlagEndOfStream.
type ReasoningEnd struct{}

func EncodeReasoningEnd(ReasoningEnd) []byte {
	return newEncoder(supportedPayloadVersion).bytes()
}

func DecodeReasoningEnd(payload []byte) (ReasoningEnd, error) {
	d, err := newDecoder(payload, supportedPayloadVersion)
	if err != nil {
		return ReasoningEnd{}, err
	}
	return ReasoningEnd{}, d.done()
}

// SnapshotRequest asks for all patterns/stats committed at or after
// SinceTimestamp; zero bulk-loads everything (anti-entropy bootstrap,
// spec §4.7).
type SnapshotRequest struct {
	SinceTimestamp int64
}

func EncodeSnapshotRequest(s SnapshotRequest) []byte {
	e := newEncoder(supportedPayloadVersion)
	e.i64(s.SinceTimestamp)
	return e.bytes()
}

func DecodeSnapshotRequest(payload []byte) (SnapshotRequest, error) {
	d, err := newDecoder(payload, supportedPayloadVersion)
	if err != nil {
		return SnapshotRequest{}, err
	}
	s := SnapshotRequest{SinceTimestamp: d.i64()}
	return s, d.done()
}

// SnapshotChunk is one bounded batch of a snapshot reply: a subset of
// patterns plus, on the first chunk of a reply only, the strategy
// stats table as read when the reply started. The final chunk's frame
// sets FlagEndOfStream.
type SnapshotChunk struct {
	Patterns []types.Pattern
	Stats    []types.StrategyStats
}

func EncodeSnapshotChunk(s SnapshotChunk) []byte {
	e := newEncoder(supportedPayloadVersion)
	e.u32(uint32(len(s.Patterns)))
	for _, p := range s.Patterns {
		e.rawBytes(EncodePatternFull(PatternFull{Pattern: p}))
	}
	e.u32(uint32(len(s.Stats)))
	for _, st := range s.Stats {
		e.str(st.Context)
		e.str(st.Strategy)
		e.u64(uint64(st.Count))
		e.f64(st.SuccessRate)
		e.f64(st.MeanScore)
		e.i64(st.LastUpdated.UnixNano())
	}
	return e.bytes()
}

func DecodeSnapshotChunk(payload []byte) (SnapshotChunk, error) {
	d, err := newDecoder(payload, supportedPayloadVersion)
	if err != nil {
		return SnapshotChunk{}, err
	}
	var out SnapshotChunk

	nPatterns := d.u32()
	for i := uint32(0); i < nPatterns && d.err == nil; i++ {
		raw := d.rawBytes()
		if d.err != nil {
			break
		}
		pf, perr := DecodePatternFull(raw)
		if perr != nil {
			return SnapshotChunk{}, perr
		}
		out.Patterns = append(out.Patterns, pf.Pattern)
	}

	nStats := d.u32()
	for i := uint32(0); i < nStats && d.err == nil; i++ {
		var st types.StrategyStats
		st.Context = d.str()
		st.Strategy = d.str()
		st.Count = int64(d.u64())
		st.SuccessRate = d.f64()
		st.MeanScore = d.f64()
		st.LastUpdated = unixNano(d.i64())
		out.Stats = append(out.Stats, st)
	}

	if derr := d.done(); derr != nil {
		return SnapshotChunk{}, derr
	}
	return out, nil
}
