package frame

import (
	"bytes"
	"encoding/binary"
	"io"
	"math"

	"reasoningbank/pkg/bankerr"
	"reasoningbank/pkg/types"
)

// encoder builds a schema-versioned payload: a 2-byte version prefix
// followed by length-prefixed fields, no trailing padding (spec §6.1).
type encoder struct {
	buf bytes.Buffer
}

func newEncoder(version uint16) *encoder {
	e := &encoder{}
	var v [2]byte
	binary.BigEndian.PutUint16(v[:], version)
	e.buf.Write(v[:])
	return e
}

func (e *encoder) bytes() []byte { return e.buf.Bytes() }

func (e *encoder) u16(v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	e.buf.Write(b[:])
}

func (e *encoder) u32(v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	e.buf.Write(b[:])
}

func (e *encoder) u64(v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	e.buf.Write(b[:])
}

func (e *encoder) i64(v int64) { e.u64(uint64(v)) }

func (e *encoder) f64(v float64) { e.u64(math.Float64bits(v)) }

func (e *encoder) fixed(b []byte) { e.buf.Write(b) }

func (e *encoder) str(s string) {
	e.u32(uint32(len(s)))
	e.buf.WriteString(s)
}

func (e *encoder) rawBytes(b []byte) {
	e.u32(uint32(len(b)))
	e.buf.Write(b)
}

func (e *encoder) floats(fs []float32) {
	e.u32(uint32(len(fs)))
	for _, f := range fs {
		e.u32(math.Float32bits(f))
	}
}

func (e *encoder) boolean(v bool) {
	if v {
		e.buf.WriteByte(1)
	} else {
		e.buf.WriteByte(0)
	}
}

// decoder unpacks a schema-versioned payload written by encoder.
type decoder struct {
	r   *bytes.Reader
	err error
}

func newDecoder(payload []byte, supported uint16) (*decoder, error) {
	if len(payload) < 2 {
		return nil, bankerr.New(bankerr.KindProtocolError, "payload shorter than schema version prefix")
	}
	version := binary.BigEndian.Uint16(payload[:2])
	if version != supported {
		return nil, bankerr.New(bankerr.KindUnsupportedVersion, "unsupported payload schema version").
			WithDetail("version", version)
	}
	return &decoder{r: bytes.NewReader(payload[2:])}, nil
}

func (d *decoder) fail(err error) {
	if d.err == nil {
		d.err = err
	}
}

func (d *decoder) u16() uint16 {
	var b [2]byte
	if _, err := readFull(d.r, b[:]); err != nil {
		d.fail(err)
		return 0
	}
	return binary.BigEndian.Uint16(b[:])
}

func (d *decoder) u32() uint32 {
	var b [4]byte
	if _, err := readFull(d.r, b[:]); err != nil {
		d.fail(err)
		return 0
	}
	return binary.BigEndian.Uint32(b[:])
}

func (d *decoder) u64() uint64 {
	var b [8]byte
	if _, err := readFull(d.r, b[:]); err != nil {
		d.fail(err)
		return 0
	}
	return binary.BigEndian.Uint64(b[:])
}

func (d *decoder) i64() int64 { return int64(d.u64()) }

func (d *decoder) f64() float64 { return math.Float64frombits(d.u64()) }

func (d *decoder) fixed(n int) []byte {
	b := make([]byte, n)
	if _, err := readFull(d.r, b); err != nil {
		d.fail(err)
	}
	return b
}

func (d *decoder) str() string {
	n := d.u32()
	if d.err != nil {
		return ""
	}
	b := make([]byte, n)
	if _, err := readFull(d.r, b); err != nil {
		d.fail(err)
		return ""
	}
	return string(b)
}

func (d *decoder) rawBytes() []byte {
	n := d.u32()
	if d.err != nil {
		return nil
	}
	b := make([]byte, n)
	if _, err := readFull(d.r, b); err != nil {
		d.fail(err)
		return nil
	}
	return b
}

func (d *decoder) floats() []float32 {
	n := d.u32()
	if d.err != nil {
		return nil
	}
	out := make([]float32, n)
	for i := range out {
		out[i] = math.Float32frombits(d.u32())
	}
	return out
}

func (d *decoder) boolean() bool {
	b := d.fixed(1)
	return len(b) == 1 && b[0] != 0
}

func (d *decoder) done() error {
	if d.err != nil {
		return bankerr.Wrap(bankerr.KindProtocolError, "malformed payload", d.err)
	}
	return nil
}

func readFull(r *bytes.Reader, b []byte) (int, error) {
	n, err := io.ReadFull(r, b)
	if err != nil {
		return n, bankerr.New(bankerr.KindProtocolError, "truncated payload field")
	}
	return n, nil
}

// supportedPayloadVersion is the schema version every payload in this
// package encodes and expects (types.PayloadSchemaVersion).
const supportedPayloadVersion = types.PayloadSchemaVersion
