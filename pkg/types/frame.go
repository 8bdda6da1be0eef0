package types

// FrameKind identifies the payload type carried by a frame (spec §6.1).
type FrameKind uint16

const (
	KindHello             FrameKind = 0x0001
	KindGoodbye           FrameKind = 0x0002
	KindPing              FrameKind = 0x0003
	KindPong              FrameKind = 0x0004
	KindCapabilityRotate  FrameKind = 0x0005

	KindPatternOffered  FrameKind = 0x0100
	KindPatternRequested FrameKind = 0x0101
	KindPatternFull     FrameKind = 0x0102

	KindReasoningOpen  FrameKind = 0x0200
	KindReasoningChunk FrameKind = 0x0201
	KindReasoningEnd   FrameKind = 0x0202

	KindSnapshotRequest FrameKind = 0x0300
	KindSnapshotChunk   FrameKind = 0x0301
)

// Flags are the bit flags carried in a frame header.
type Flags uint16

const (
	FlagEndOfStream  Flags = 1 << 0
	FlagRequiresAck  Flags = 1 << 1
	flagsReservedMask Flags = ^Flags(FlagEndOfStream | FlagRequiresAck)
)

// ReservedBitsSet reports whether any bit outside the known flags is set.
func (f Flags) ReservedBitsSet() bool {
	return f&flagsReservedMask != 0
}

// MaxFramePayloadBytes is the hard cap from spec §4.4 (16 MiB).
const MaxFramePayloadBytes = 16 * 1024 * 1024

// StreamKind classifies a bus stream by its opening frame.
type StreamKind string

const (
	StreamControl     StreamKind = "control"
	StreamPatternSync StreamKind = "pattern-sync"
	StreamReasoning   StreamKind = "reasoning"
	StreamSnapshot    StreamKind = "snapshot"
)

// ReasoningSubKind is declared in a stream's opening ReasoningOpen frame.
type ReasoningSubKind string

const (
	ReasoningTokens ReasoningSubKind = "tokens"
	ReasoningTrace  ReasoningSubKind = "trace"
	ReasoningRubric ReasoningSubKind = "rubric"
	ReasoningVerify ReasoningSubKind = "verify"
)

// SessionState is one of the four states in the bus session lifecycle.
type SessionState string

const (
	StateHandshake SessionState = "handshake"
	StateReady     SessionState = "ready"
	StateDraining  SessionState = "draining"
	StateClosed    SessionState = "closed"
)

const ProtocolVersion uint16 = 1

// PayloadSchemaVersion is the version prefix every frame payload begins
// with (spec §6.1). Bumped only on breaking payload-shape changes.
const PayloadSchemaVersion uint16 = 1
