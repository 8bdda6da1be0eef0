// Package frame implements the bus wire codec of spec §4.4/§6.1: a
// fixed 8-byte header (length, kind, flags) followed by a
// schema-versioned payload. Encoding is explicit big-endian
// encoding/binary, matching spec §6.1's byte-for-byte header layout —
// there is no teacher precedent for a framed binary protocol (the
// teacher speaks HTTP/JSON), so this follows the spec directly.
package frame

import (
	"encoding/binary"
	"io"

	"reasoningbank/pkg/bankerr"
	"reasoningbank/pkg/types"
)

const headerSize = 4 + 2 + 2

// Frame is one decoded frame: header fields plus raw payload bytes.
// Payload interpretation (schema version prefix, typed fields) is the
// caller's concern; this package only handles framing.
type Frame struct {
	Kind    types.FrameKind
	Flags   types.Flags
	Payload []byte
}

// Write encodes f to w as a single frame. Returns FrameTooLarge if the
// payload exceeds types.MaxFramePayloadBytes, ProtocolError if f.Flags
// sets any reserved bit.
func Write(w io.Writer, f Frame) error {
	if len(f.Payload) > types.MaxFramePayloadBytes {
		return bankerr.New(bankerr.KindFrameTooLarge, "payload exceeds max frame size").
			WithDetail("len", len(f.Payload))
	}
	if f.Flags.ReservedBitsSet() {
		return bankerr.New(bankerr.KindProtocolError, "reserved flag bits set").
			WithDetail("flags", uint16(f.Flags))
	}

	var header [headerSize]byte
	binary.BigEndian.PutUint32(header[0:4], uint32(len(f.Payload)))
	binary.BigEndian.PutUint16(header[4:6], uint16(f.Kind))
	binary.BigEndian.PutUint16(header[6:8], uint16(f.Flags))

	if _, err := w.Write(header[:]); err != nil {
		return bankerr.Wrap(bankerr.KindStorageUnavailable, "write frame header", err)
	}
	if len(f.Payload) == 0 {
		return nil
	}
	if _, err := w.Write(f.Payload); err != nil {
		return bankerr.Wrap(bankerr.KindStorageUnavailable, "write frame payload", err)
	}
	return nil
}

// Read decodes one frame from r. KnownKinds, if non-nil, restricts
// which kinds are accepted on this stream; an unrecognized kind
// returns UnknownFrameKind. Pass a nil set on an extensible stream to
// skip this check (callers must then discard unknown kinds
// themselves, per spec §4.4).
func Read(r io.Reader, knownKinds map[types.FrameKind]bool) (Frame, error) {
	var header [headerSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if err == io.EOF {
			return Frame{}, err
		}
		return Frame{}, bankerr.Wrap(bankerr.KindStorageUnavailable, "read frame header", err)
	}

	length := binary.BigEndian.Uint32(header[0:4])
	kind := types.FrameKind(binary.BigEndian.Uint16(header[4:6]))
	flags := types.Flags(binary.BigEndian.Uint16(header[6:8]))

	if length > types.MaxFramePayloadBytes {
		return Frame{}, bankerr.New(bankerr.KindFrameTooLarge, "declared payload exceeds max frame size").
			WithDetail("len", length)
	}
	if flags.ReservedBitsSet() {
		return Frame{}, bankerr.New(bankerr.KindProtocolError, "reserved flag bits set").
			WithDetail("flags", uint16(flags))
	}
	if knownKinds != nil && !knownKinds[kind] {
		return Frame{}, bankerr.New(bankerr.KindUnknownFrameKind, "unrecognized frame kind on non-extensible stream").
			WithDetail("kind", uint16(kind))
	}

	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Frame{}, bankerr.Wrap(bankerr.KindStorageUnavailable, "read frame payload", err)
		}
	}

	return Frame{Kind: kind, Flags: flags, Payload: payload}, nil
}
