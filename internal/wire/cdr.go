package wire

import (
	"encoding/binary"
	"fmt"
	"math"
)

// EncapsulationKind identifies the CDR variant and byte order of a
// serialized payload, per the 2-byte kind field of the 4-byte
// encapsulation header.
type EncapsulationKind uint16

const (
	EncapsulationCDR_BE EncapsulationKind = 0x0000
	EncapsulationCDR_LE EncapsulationKind = 0x0001
	EncapsulationPL_CDR_BE EncapsulationKind = 0x0002
	EncapsulationPL_CDR_LE EncapsulationKind = 0x0003
	EncapsulationXCDR2_LE EncapsulationKind = 0x0006
	EncapsulationXCDR2_BE EncapsulationKind = 0x0007
	EncapsulationPL_CDR2_LE EncapsulationKind = 0x0010
)

func (k EncapsulationKind) littleEndian() bool {
	switch k {
	case EncapsulationCDR_LE, EncapsulationPL_CDR_LE, EncapsulationXCDR2_LE, EncapsulationPL_CDR2_LE:
		return true
	default:
		return false
	}
}

func (k EncapsulationKind) isParameterList() bool {
	switch k {
	case EncapsulationPL_CDR_BE, EncapsulationPL_CDR_LE, EncapsulationPL_CDR2_LE:
		return true
	default:
		return false
	}
}

func (k EncapsulationKind) supported() bool {
	switch k {
	case EncapsulationCDR_BE, EncapsulationCDR_LE, EncapsulationPL_CDR_BE, EncapsulationPL_CDR_LE,
		EncapsulationXCDR2_LE, EncapsulationXCDR2_BE, EncapsulationPL_CDR2_LE:
		return true
	default:
		return false
	}
}

// EncapsulationHeaderSize is the size in bytes of the 4-byte encapsulation
// header preceding every CDR payload.
const EncapsulationHeaderSize = 4

// Writer serializes CDR/XCDR2 primitives with alignment padding computed
// relative to the start of the encapsulation payload (offset 4 from the
// encapsulation header, per alignment rule).
type Writer struct {
	kind EncapsulationKind
	ord binary.ByteOrder
	buf []byte
}

// NewWriter starts a new CDR buffer, immediately emitting the 4-byte
// encapsulation header for kind.
func NewWriter(kind EncapsulationKind) *Writer {
	w := &Writer{kind: kind, ord: byteOrder(kind)}
	w.buf = append(w.buf, byte(kind>>8), byte(kind))
	w.buf = append(w.buf, 0, 0) // options, unused
	return w
}

func byteOrder(kind EncapsulationKind) binary.ByteOrder {
	if kind.littleEndian() {
		return binary.LittleEndian
	}
	return binary.BigEndian
}

// Bytes returns the accumulated buffer, including the encapsulation header.
func (w *Writer) Bytes() []byte { return w.buf }

// payloadOffset is the current write position relative to the start of the
// payload body (i.e. excluding the 4-byte encapsulation header).
func (w *Writer) payloadOffset() int { return len(w.buf) - EncapsulationHeaderSize }

func (w *Writer) align(size int) {
	if size > 8 {
		size = 8
	}
	if size <= 1 {
		return
	}
	off := w.payloadOffset()
	pad := (size - off%size) % size
	for range pad {
		w.buf = append(w.buf, 0)
	}
}

func (w *Writer) PutU8(v uint8) { w.buf = append(w.buf, v) }

func (w *Writer) PutU16(v uint16) {
	w.align(2)
	var tmp [2]byte
	w.ord.PutUint16(tmp[:], v)
	w.buf = append(w.buf, tmp[:]...)
}

func (w *Writer) PutU32(v uint32) {
	w.align(4)
	var tmp [4]byte
	w.ord.PutUint32(tmp[:], v)
	w.buf = append(w.buf, tmp[:]...)
}

func (w *Writer) PutU64(v uint64) {
	w.align(8)
	var tmp [8]byte
	w.ord.PutUint64(tmp[:], v)
	w.buf = append(w.buf, tmp[:]...)
}

func (w *Writer) PutI16(v int16) { w.PutU16(uint16(v)) }
func (w *Writer) PutI32(v int32) { w.PutU32(uint32(v)) }
func (w *Writer) PutI64(v int64) { w.PutU64(uint64(v)) }

func (w *Writer) PutF32(v float32) { w.PutU32(math.Float32bits(v)) }
func (w *Writer) PutF64(v float64) { w.PutU64(math.Float64bits(v)) }

// PutString writes a length-prefixed (u32 count including the terminating
// zero) string followed by its bytes and the terminator.
func (w *Writer) PutString(s string) {
	w.PutU32(uint32(len(s)) + 1)
	w.buf = append(w.buf, s...)
	w.buf = append(w.buf, 0)
}

// PutBytes writes raw opaque bytes with no length prefix and no alignment
// beyond byte granularity; callers needing a length-prefixed sequence
// should call PutU32(len) first.
func (w *Writer) PutBytes(b []byte) {
	w.buf = append(w.buf, b...)
}

// Reader parses CDR/XCDR2 primitives out of a byte slice that begins with
// a 4-byte encapsulation header.
type Reader struct {
	kind EncapsulationKind
	ord binary.ByteOrder
	buf []byte
	pos int
}

// NewReader parses the encapsulation header from buf and returns a Reader
// positioned at the start of the payload.
func NewReader(buf []byte) (*Reader, error) {
	if len(buf) < EncapsulationHeaderSize {
		return nil, fmt.Errorf("%w: buffer shorter than encapsulation header", ErrBufferTooSmall)
	}
	kind := EncapsulationKind(uint16(buf[0])<<8 | uint16(buf[1]))
	if !kind.supported() {
		return nil, fmt.Errorf("%w: encapsulation kind 0x%04x", ErrUnsupportedEncapsulation, kind)
	}
	return &Reader{kind: kind, ord: byteOrder(kind), buf: buf, pos: EncapsulationHeaderSize}, nil
}

// Kind returns the encapsulation kind detected when the reader was created.
func (r *Reader) Kind() EncapsulationKind { return r.kind }

// IsParameterList reports whether the encapsulation is a PL_CDR(2) variant.
func (r *Reader) IsParameterList() bool { return r.kind.isParameterList() }

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int { return len(r.buf) - r.pos }

func (r *Reader) payloadOffset() int { return r.pos - EncapsulationHeaderSize }

func (r *Reader) align(size int) {
	if size > 8 {
		size = 8
	}
	if size <= 1 {
		return
	}
	off := r.payloadOffset()
	pad := (size - off%size) % size
	r.pos += pad
}

func (r *Reader) need(n int) error {
	if r.pos+n > len(r.buf) {
		return fmt.Errorf("%w: need %d bytes, have %d", ErrBufferTooSmall, n, len(r.buf)-r.pos)
	}
	return nil
}

func (r *Reader) GetU8() (uint8, error) {
	if err := r.need(1); err != nil {
		return 0, err
	}
	v := r.buf[r.pos]
	r.pos++
	return v, nil
}

func (r *Reader) GetU16() (uint16, error) {
	r.align(2)
	if err := r.need(2); err != nil {
		return 0, err
	}
	v := r.ord.Uint16(r.buf[r.pos:])
	r.pos += 2
	return v, nil
}

func (r *Reader) GetU32() (uint32, error) {
	r.align(4)
	if err := r.need(4); err != nil {
		return 0, err
	}
	v := r.ord.Uint32(r.buf[r.pos:])
	r.pos += 4
	return v, nil
}

func (r *Reader) GetU64() (uint64, error) {
	r.align(8)
	if err := r.need(8); err != nil {
		return 0, err
	}
	v := r.ord.Uint64(r.buf[r.pos:])
	r.pos += 8
	return v, nil
}

func (r *Reader) GetI16() (int16, error) { v, err := r.GetU16(); return int16(v), err }
func (r *Reader) GetI32() (int32, error) { v, err := r.GetU32(); return int32(v), err }
func (r *Reader) GetI64() (int64, error) { v, err := r.GetU64(); return int64(v), err }

func (r *Reader) GetF32() (float32, error) {
	v, err := r.GetU32()
	if err != nil {
		return 0, err
	}
	return math.Float32frombits(v), nil
}

func (r *Reader) GetF64() (float64, error) {
	v, err := r.GetU64()
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(v), nil
}

// GetString reads a length-prefixed string (including its terminating zero).
func (r *Reader) GetString() (string, error) {
	n, err := r.GetU32()
	if err != nil {
		return "", err
	}
	if n == 0 {
		return "", fmt.Errorf("%w: zero-length string field", ErrInvalidSubmessage)
	}
	if err := r.need(int(n)); err != nil {
		return "", err
	}
	s := string(r.buf[r.pos : r.pos+int(n)-1])
	r.pos += int(n)
	return s, nil
}

// GetBytes reads n raw bytes with no alignment beyond byte granularity.
func (r *Reader) GetBytes(n int) ([]byte, error) {
	if err := r.need(n); err != nil {
		return nil, err
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}
