package records

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// encoder appends big-endian fixed-width fields to a buffer.
type encoder struct{ b []byte }

func newEncoder(eyecatcher string, version uint16) *encoder {
	var e = &encoder{b: make([]byte, 0, 64)}
	e.b = append(e.b, eyecatcher[:4]...)
	e.u16(version)
	return e
}

func (e *encoder) u8(v uint8)   { e.b = append(e.b, v) }
func (e *encoder) u16(v uint16) { e.b = binary.BigEndian.AppendUint16(e.b, v) }
func (e *encoder) u32(v uint32) { e.b = binary.BigEndian.AppendUint32(e.b, v) }
func (e *encoder) u64(v uint64) { e.b = binary.BigEndian.AppendUint64(e.b, v) }

func (e *encoder) bool(v bool) {
	if v {
		e.u8(1)
	} else {
		e.u8(0)
	}
}

func (e *encoder) bytes(v []byte) {
	e.u32(uint32(len(v)))
	e.b = append(e.b, v...)
}

func (e *encoder) str(v string) { e.bytes([]byte(v)) }

// decoder consumes fields encoded by encoder. The first error is latched,
// and subsequent reads return zero values.
type decoder struct {
	b       []byte
	version uint16
	err     error
}

func newDecoder(b []byte, eyecatcher string, maxVersion uint16) *decoder {
	var d = &decoder{b: b}
	if len(b) < 6 {
		d.err = errors.WithMessagef(ErrCorruptRecord, "%q: short header (%d bytes)", eyecatcher, len(b))
		return d
	} else if string(b[:4]) != eyecatcher {
		d.err = errors.WithMessagef(ErrCorruptRecord, "expected eyecatcher %q, got %q", eyecatcher, b[:4])
		return d
	}
	d.version = binary.BigEndian.Uint16(b[4:6])
	d.b = b[6:]

	if d.version == 0 || d.version > maxVersion {
		d.err = errors.WithMessagef(ErrCorruptRecord, "%q: unsupported version %d", eyecatcher, d.version)
	}
	return d
}

func (d *decoder) need(n int) bool {
	if d.err != nil {
		return false
	} else if len(d.b) < n {
		d.err = errors.WithMessagef(ErrCorruptRecord, "truncated body (need %d, have %d)", n, len(d.b))
		return false
	}
	return true
}

func (d *decoder) u8() uint8 {
	if !d.need(1) {
		return 0
	}
	var v = d.b[0]
	d.b = d.b[1:]
	return v
}

func (d *decoder) u16() uint16 {
	if !d.need(2) {
		return 0
	}
	var v = binary.BigEndian.Uint16(d.b)
	d.b = d.b[2:]
	return v
}

func (d *decoder) u32() uint32 {
	if !d.need(4) {
		return 0
	}
	var v = binary.BigEndian.Uint32(d.b)
	d.b = d.b[4:]
	return v
}

func (d *decoder) u64() uint64 {
	if !d.need(8) {
		return 0
	}
	var v = binary.BigEndian.Uint64(d.b)
	d.b = d.b[8:]
	return v
}

func (d *decoder) bool() bool { return d.u8() != 0 }

func (d *decoder) bytes() []byte {
	var n = int(d.u32())
	if !d.need(n) {
		return nil
	}
	var v = append([]byte(nil), d.b[:n]...)
	d.b = d.b[n:]
	return v
}

func (d *decoder) str() string { return string(d.bytes()) }
