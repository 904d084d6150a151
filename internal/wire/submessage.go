package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/hdds-team/hdds/internal/guid"
)

// Kind identifies an RTPS submessage type.
type Kind uint8

const (
	KindPad Kind = 0x01
	KindAckNack Kind = 0x06
	KindHeartbeat Kind = 0x07
	KindGap Kind = 0x08
	KindInfoTS Kind = 0x09
	KindInfoSrc Kind = 0x0C
	KindInfoDst Kind = 0x0E
	KindNackFrag Kind = 0x12
	KindHeartbeatFrag Kind = 0x13
	KindData Kind = 0x15
	KindDataFrag Kind = 0x16
)

// Flags bits common across submessage kinds; individual kinds interpret
// the low bits differently (see each Marshal/Parse below).
type Flags uint8

const (
	FlagEndianness Flags = 0x01 // bit 0: 1 = little-endian body
)

// Raw is a single framed submessage: {kind, flags, length, body}. Length
// zero is only legal for the last submessage in a packet.
type Raw struct {
	Kind Kind
	Flags Flags
	Body []byte
}

// EncodeMessage emits the RTPS header followed by each submessage framed
// as {kind:u8, flags:u8, length:u16, body}.
func EncodeMessage(h Header, subs []Raw) []byte {
	buf := make([]byte, 0, HeaderSize+64*len(subs))
	buf = h.Marshal(buf)
	for i, s := range subs {
		buf = append(buf, byte(s.Kind), byte(s.Flags))
		length := len(s.Body)
		if length == 0 && i != len(subs)-1 {
			// zero length only legal on the final submessage; callers must
			// not produce this. The length is written as given, and
			// DecodeMessage rejects such a packet.
			length = 0
		}
		var lenBuf [2]byte
		order := endiannessOf(s.Flags)
		order.PutUint16(lenBuf[:], uint16(length))
		buf = append(buf, lenBuf[:]...)
		buf = append(buf, s.Body...)
	}
	return buf
}

func endiannessOf(f Flags) binary.ByteOrder {
	if f&FlagEndianness != 0 {
		return binary.LittleEndian
	}
	return binary.BigEndian
}

// DecodeMessage parses a header and the submessage stream following it.
// A truncated or malformed submessage fails with ErrInvalidSubmessage and
// halts iteration for the remainder of the packet, matching.
func DecodeMessage(msg []byte) (Header, []Raw, error) {
	h, n, err := ParseHeader(msg)
	if err != nil {
		return Header{}, nil, err
	}
	var subs []Raw
	off := n
	for off < len(msg) {
		if off+4 > len(msg) {
			return Header{}, nil, fmt.Errorf("%w: truncated submessage header at offset %d", ErrInvalidSubmessage, off)
		}
		kind := Kind(msg[off])
		flags := Flags(msg[off+1])
		order := endiannessOf(flags)
		length := int(order.Uint16(msg[off+2 : off+4]))
		off += 4
		last := off+length >= len(msg)
		if length == 0 {
			if !last {
				return Header{}, nil, fmt.Errorf("%w: zero-length submessage before end of packet", ErrInvalidSubmessage)
			}
			length = len(msg) - off
		}
		if off+length > len(msg) {
			return Header{}, nil, fmt.Errorf("%w: submessage body overruns packet at offset %d", ErrInvalidSubmessage, off)
		}
		subs = append(subs, Raw{Kind: kind, Flags: flags, Body: msg[off : off+length]})
		off += length
	}
	return h, subs, nil
}

// SequenceNumber is the RTPS on-wire {high:i32, low:u32} pair representing
// a signed 64-bit monotonically increasing counter.
type SequenceNumber int64

func (sn SequenceNumber) marshal(w *Writer) {
	w.PutI32(int32(int64(sn) >> 32))
	w.PutU32(uint32(int64(sn)))
}

func parseSequenceNumber(r *Reader) (SequenceNumber, error) {
	high, err := r.GetI32()
	if err != nil {
		return 0, err
	}
	low, err := r.GetU32()
	if err != nil {
		return 0, err
	}
	return SequenceNumber(int64(high)<<32 | int64(low)), nil
}

func putEntityId(w *Writer, e guid.EntityId) {
	w.PutU8(e[0])
	w.PutU8(e[1])
	w.PutU8(e[2])
	w.PutU8(e[3])
}

func getEntityId(r *Reader) (guid.EntityId, error) {
	var e guid.EntityId
	for i := range e {
		b, err := r.GetU8()
		if err != nil {
			return e, err
		}
		e[i] = b
	}
	return e, nil
}

// DataFlags bits per.
const (
	DataFlagInlineQos Flags = 0x02 // Q
	DataFlagData Flags = 0x04 // D
	DataFlagKey Flags = 0x08 // K
)

// Data is the decoded body of a DATA submessage (, abridged
// shape). SerializedPayload retains its own encapsulation header.
type Data struct {
	ReaderID guid.EntityId
	WriterID guid.EntityId
	WriterSN SequenceNumber
	InlineQos []Parameter
	SerializedPayload []byte
}

// MarshalData encodes a DATA submessage body. Flags is returned so the
// caller can set it on the enclosing Raw submessage.
func MarshalData(d Data, littleEndian bool, hasInlineQos, hasKey bool) (Flags, []byte) {
	kind := EncapsulationCDR_LE
	if !littleEndian {
		kind = EncapsulationCDR_BE
	}
	w := NewWriter(kind)
	w.PutU16(0) // extraFlags
	octetsToInlineQosPos := len(w.buf)
	w.PutU16(0) // octetsToInlineQos placeholder
	putEntityId(w, d.ReaderID)
	putEntityId(w, d.WriterID)
	d.WriterSN.marshal(w)

	afterIDs := len(w.buf) - octetsToInlineQosPos - 2
	w.ord.PutUint16(w.buf[octetsToInlineQosPos:], uint16(afterIDs))

	flags := Flags(0)
	if littleEndian {
		flags |= FlagEndianness
	}
	if hasInlineQos {
		flags |= DataFlagInlineQos
		MarshalParameterList(w, d.InlineQos)
	}
	if hasKey {
		flags |= DataFlagKey
	} else if len(d.SerializedPayload) > 0 {
		flags |= DataFlagData
	}
	if hasKey && len(d.SerializedPayload) > 0 {
		w.PutBytes(d.SerializedPayload)
	} else if !hasKey && len(d.SerializedPayload) > 0 {
		w.PutBytes(d.SerializedPayload)
	}
	return flags, w.Bytes()
}

// ParseData decodes a DATA submessage body. A body with both D and K flags
// set fails per tie-break rule.
func ParseData(body []byte, flags Flags, known KnownPIDs) (Data, error) {
	if flags&DataFlagData != 0 && flags&DataFlagKey != 0 {
		return Data{}, fmt.Errorf("%w: DATA submessage has both D and K flags set", ErrInvalidSubmessage)
	}
	r, err := NewReader(body)
	if err != nil {
		return Data{}, err
	}
	if _, err := r.GetU16(); err != nil { // extraFlags
		return Data{}, fmt.Errorf("%w: %s", ErrInvalidSubmessage, err)
	}
	octetsToInlineQos, err := r.GetU16()
	if err != nil {
		return Data{}, fmt.Errorf("%w: %s", ErrInvalidSubmessage, err)
	}
	idsStart := r.pos
	readerID, err := getEntityId(r)
	if err != nil {
		return Data{}, fmt.Errorf("%w: %s", ErrInvalidSubmessage, err)
	}
	writerID, err := getEntityId(r)
	if err != nil {
		return Data{}, fmt.Errorf("%w: %s", ErrInvalidSubmessage, err)
	}
	sn, err := parseSequenceNumber(r)
	if err != nil {
		return Data{}, fmt.Errorf("%w: %s", ErrInvalidSubmessage, err)
	}
	if want := idsStart + int(octetsToInlineQos); want != r.pos {
		// Tolerate vendor-specific extra fields between ids and inline QoS
		// by trusting octetsToInlineQos over our own field accounting.
		if want < 0 || want > len(body) {
			return Data{}, fmt.Errorf("%w: octetsToInlineQos out of range", ErrInvalidSubmessage)
		}
		r.pos = want
	}
	if sn <= 0 {
		return Data{}, fmt.Errorf("%w: writer_sn must be a positive sequence number", ErrInvalidSubmessage)
	}
	d := Data{ReaderID: readerID, WriterID: writerID, WriterSN: sn}
	if flags&DataFlagInlineQos != 0 {
		params, err := ParseParameterList(r, known)
		if err != nil {
			return Data{}, err
		}
		for id, val := range params {
			d.InlineQos = append(d.InlineQos, Parameter{ID: id, Value: val})
		}
	}
	if flags&(DataFlagData|DataFlagKey) != 0 {
		d.SerializedPayload = append([]byte(nil), r.buf[r.pos:]...)
	}
	return d, nil
}

// Heartbeat is the decoded body of a HEARTBEAT submessage.
type Heartbeat struct {
	ReaderID guid.EntityId
	WriterID guid.EntityId
	FirstSN SequenceNumber
	LastSN SequenceNumber
	Count uint32
}

const (
	HeartbeatFlagFinal Flags = 0x02
	HeartbeatFlagLiveliness Flags = 0x04
)

func MarshalHeartbeat(h Heartbeat, final, liveliness bool) (Flags, []byte) {
	var raw []byte
	w := &byteAccum{order: binary.BigEndian}
	w.putEntityId(h.ReaderID)
	w.putEntityId(h.WriterID)
	w.putSN(h.FirstSN)
	w.putSN(h.LastSN)
	w.putU32(h.Count)
	raw = w.buf
	flags := Flags(0)
	if final {
		flags |= HeartbeatFlagFinal
	}
	if liveliness {
		flags |= HeartbeatFlagLiveliness
	}
	return flags, raw
}

func ParseHeartbeat(body []byte) (Heartbeat, error) {
	a := &byteAccess{buf: body, order: binary.BigEndian}
	var h Heartbeat
	var err error
	if h.ReaderID, err = a.getEntityId(); err != nil {
		return h, fmt.Errorf("%w: heartbeat reader id: %s", ErrInvalidSubmessage, err)
	}
	if h.WriterID, err = a.getEntityId(); err != nil {
		return h, fmt.Errorf("%w: heartbeat writer id: %s", ErrInvalidSubmessage, err)
	}
	if h.FirstSN, err = a.getSN(); err != nil {
		return h, fmt.Errorf("%w: heartbeat first sn: %s", ErrInvalidSubmessage, err)
	}
	if h.LastSN, err = a.getSN(); err != nil {
		return h, fmt.Errorf("%w: heartbeat last sn: %s", ErrInvalidSubmessage, err)
	}
	if h.Count, err = a.getU32(); err != nil {
		return h, fmt.Errorf("%w: heartbeat count: %s", ErrInvalidSubmessage, err)
	}
	if h.FirstSN > 0 && h.LastSN > 0 && h.FirstSN > h.LastSN+1 {
		return h, fmt.Errorf("%w: heartbeat first_sn > last_sn+1", ErrInvalidSubmessage)
	}
	return h, nil
}

// AckNack is the decoded body of an ACKNACK submessage: a base sequence
// number plus a bitmap of additionally-missing sequence numbers above it.
type AckNack struct {
	ReaderID guid.EntityId
	WriterID guid.EntityId
	BaseSN SequenceNumber
	Missing []SequenceNumber // sequence numbers >= BaseSN still missing
	Count uint32
}

const AckNackFlagFinal Flags = 0x02

func MarshalAckNack(a AckNack, final bool) (Flags, []byte) {
	w := &byteAccum{order: binary.BigEndian}
	w.putEntityId(a.ReaderID)
	w.putEntityId(a.WriterID)
	w.putSN(a.BaseSN)
	bitmap, numBits := bitmapFromMissing(a.BaseSN, a.Missing)
	w.putU32(uint32(numBits))
	for _, word := range bitmap {
		w.putU32(word)
	}
	w.putU32(a.Count)
	flags := Flags(0)
	if final {
		flags |= AckNackFlagFinal
	}
	return flags, w.buf
}

func ParseAckNack(body []byte) (AckNack, error) {
	a := &byteAccess{buf: body, order: binary.BigEndian}
	var out AckNack
	var err error
	if out.ReaderID, err = a.getEntityId(); err != nil {
		return out, fmt.Errorf("%w: acknack reader id: %s", ErrInvalidSubmessage, err)
	}
	if out.WriterID, err = a.getEntityId(); err != nil {
		return out, fmt.Errorf("%w: acknack writer id: %s", ErrInvalidSubmessage, err)
	}
	if out.BaseSN, err = a.getSN(); err != nil {
		return out, fmt.Errorf("%w: acknack base sn: %s", ErrInvalidSubmessage, err)
	}
	numBits, err := a.getU32()
	if err != nil {
		return out, fmt.Errorf("%w: acknack numbits: %s", ErrInvalidSubmessage, err)
	}
	words := (int(numBits) + 31) / 32
	bitmap := make([]uint32, words)
	for i := range bitmap {
		if bitmap[i], err = a.getU32(); err != nil {
			return out, fmt.Errorf("%w: acknack bitmap: %s", ErrInvalidSubmessage, err)
		}
	}
	out.Missing = missingFromBitmap(out.BaseSN, bitmap, int(numBits))
	if out.Count, err = a.getU32(); err != nil {
		return out, fmt.Errorf("%w: acknack count: %s", ErrInvalidSubmessage, err)
	}
	return out, nil
}

func bitmapFromMissing(base SequenceNumber, missing []SequenceNumber) ([]uint32, int) {
	if len(missing) == 0 {
		return nil, 0
	}
	maxOffset := 0
	for _, m := range missing {
		if off := int(m - base); off > maxOffset {
			maxOffset = off
		}
	}
	numBits := maxOffset + 1
	words := (numBits + 31) / 32
	bitmap := make([]uint32, words)
	for _, m := range missing {
		off := int(m - base)
		bitmap[off/32] |= 1 << (31 - uint(off%32))
	}
	return bitmap, numBits
}

func missingFromBitmap(base SequenceNumber, bitmap []uint32, numBits int) []SequenceNumber {
	var out []SequenceNumber
	for i := range numBits {
		word := bitmap[i/32]
		if word&(1<<(31-uint(i%32))) != 0 {
			out = append(out, base+SequenceNumber(i))
		}
	}
	return out
}

// Gap is the decoded body of a GAP submessage: sequence numbers
// [gapStart, gapListBase) are irrevocably irrelevant, plus an explicit
// bitmap of further individually-irrelevant numbers at/after gapListBase.
type Gap struct {
	ReaderID guid.EntityId
	WriterID guid.EntityId
	GapStart SequenceNumber
	GapListBase SequenceNumber
	GapList []SequenceNumber
}

func MarshalGap(g Gap) []byte {
	w := &byteAccum{order: binary.BigEndian}
	w.putEntityId(g.ReaderID)
	w.putEntityId(g.WriterID)
	w.putSN(g.GapStart)
	w.putSN(g.GapListBase)
	bitmap, numBits := bitmapFromMissing(g.GapListBase, g.GapList)
	w.putU32(uint32(numBits))
	for _, word := range bitmap {
		w.putU32(word)
	}
	return w.buf
}

func ParseGap(body []byte) (Gap, error) {
	a := &byteAccess{buf: body, order: binary.BigEndian}
	var g Gap
	var err error
	if g.ReaderID, err = a.getEntityId(); err != nil {
		return g, fmt.Errorf("%w: gap reader id: %s", ErrInvalidSubmessage, err)
	}
	if g.WriterID, err = a.getEntityId(); err != nil {
		return g, fmt.Errorf("%w: gap writer id: %s", ErrInvalidSubmessage, err)
	}
	if g.GapStart, err = a.getSN(); err != nil {
		return g, fmt.Errorf("%w: gap start: %s", ErrInvalidSubmessage, err)
	}
	if g.GapListBase, err = a.getSN(); err != nil {
		return g, fmt.Errorf("%w: gap list base: %s", ErrInvalidSubmessage, err)
	}
	numBits, err := a.getU32()
	if err != nil {
		return g, fmt.Errorf("%w: gap numbits: %s", ErrInvalidSubmessage, err)
	}
	words := (int(numBits) + 31) / 32
	bitmap := make([]uint32, words)
	for i := range bitmap {
		if bitmap[i], err = a.getU32(); err != nil {
			return g, fmt.Errorf("%w: gap bitmap: %s", ErrInvalidSubmessage, err)
		}
	}
	g.GapList = missingFromBitmap(g.GapListBase, bitmap, int(numBits))
	return g, nil
}

// DataFrag is the decoded body of a DATA_FRAG submessage.
// FragmentStartingNum is 1-based; a value of 0 is rejected by the reader
// per boundary behaviors.
type DataFrag struct {
	ReaderID guid.EntityId
	WriterID guid.EntityId
	WriterSN SequenceNumber
	FragmentStartingNum uint32
	FragmentsInSubmessage uint16
	FragmentSize uint16
	DataSize uint32
	InlineQos []Parameter
	Fragment []byte
}

const DataFragFlagInlineQos Flags = 0x02
const DataFragFlagKey Flags = 0x04

func MarshalDataFrag(d DataFrag, hasInlineQos, hasKey bool) (Flags, []byte) {
	w := NewWriter(EncapsulationCDR_BE)
	w.PutU16(0)
	w.PutU16(0)
	putEntityId(w, d.ReaderID)
	putEntityId(w, d.WriterID)
	d.WriterSN.marshal(w)
	w.PutU32(d.FragmentStartingNum)
	w.PutU16(d.FragmentsInSubmessage)
	w.PutU16(d.FragmentSize)
	w.PutU32(d.DataSize)
	flags := Flags(0)
	if hasInlineQos {
		flags |= DataFragFlagInlineQos
		MarshalParameterList(w, d.InlineQos)
	}
	if hasKey {
		flags |= DataFragFlagKey
	}
	w.PutBytes(d.Fragment)
	return flags, w.Bytes()
}

func ParseDataFrag(body []byte, flags Flags, known KnownPIDs) (DataFrag, error) {
	r, err := NewReader(body)
	if err != nil {
		return DataFrag{}, err
	}
	var d DataFrag
	if _, err := r.GetU16(); err != nil {
		return d, fmt.Errorf("%w: %s", ErrInvalidSubmessage, err)
	}
	if _, err := r.GetU16(); err != nil {
		return d, fmt.Errorf("%w: %s", ErrInvalidSubmessage, err)
	}
	if d.ReaderID, err = getEntityId(r); err != nil {
		return d, fmt.Errorf("%w: %s", ErrInvalidSubmessage, err)
	}
	if d.WriterID, err = getEntityId(r); err != nil {
		return d, fmt.Errorf("%w: %s", ErrInvalidSubmessage, err)
	}
	if d.WriterSN, err = parseSequenceNumber(r); err != nil {
		return d, fmt.Errorf("%w: %s", ErrInvalidSubmessage, err)
	}
	if d.FragmentStartingNum, err = r.GetU32(); err != nil {
		return d, fmt.Errorf("%w: %s", ErrInvalidSubmessage, err)
	}
	if d.FragmentStartingNum == 0 {
		return d, fmt.Errorf("%w: fragment_starting_num must be 1-based", ErrInvalidSubmessage)
	}
	if d.FragmentsInSubmessage, err = r.GetU16(); err != nil {
		return d, fmt.Errorf("%w: %s", ErrInvalidSubmessage, err)
	}
	if d.FragmentSize, err = r.GetU16(); err != nil {
		return d, fmt.Errorf("%w: %s", ErrInvalidSubmessage, err)
	}
	if d.DataSize, err = r.GetU32(); err != nil {
		return d, fmt.Errorf("%w: %s", ErrInvalidSubmessage, err)
	}
	if flags&DataFragFlagInlineQos != 0 {
		params, err := ParseParameterList(r, known)
		if err != nil {
			return d, err
		}
		for id, val := range params {
			d.InlineQos = append(d.InlineQos, Parameter{ID: id, Value: val})
		}
	}
	d.Fragment = append([]byte(nil), r.buf[r.pos:]...)
	return d, nil
}

// NackFrag is the decoded body of a NACK_FRAG submessage: the set of
// missing fragment numbers for a given writer sequence number.
type NackFrag struct {
	ReaderID guid.EntityId
	WriterID guid.EntityId
	WriterSN SequenceNumber
	MissingFrags []uint32
	Count uint32
}

func MarshalNackFrag(n NackFrag) []byte {
	w := &byteAccum{order: binary.BigEndian}
	w.putEntityId(n.ReaderID)
	w.putEntityId(n.WriterID)
	w.putSN(n.WriterSN)
	base := uint32(1)
	if len(n.MissingFrags) > 0 {
		base = n.MissingFrags[0]
	}
	maxOffset := 0
	for _, f := range n.MissingFrags {
		if off := int(f - base); off > maxOffset {
			maxOffset = off
		}
	}
	numBits := maxOffset + 1
	if len(n.MissingFrags) == 0 {
		numBits = 0
	}
	words := (numBits + 31) / 32
	bitmap := make([]uint32, words)
	for _, f := range n.MissingFrags {
		off := int(f - base)
		bitmap[off/32] |= 1 << (31 - uint(off%32))
	}
	w.putU32(base)
	w.putU32(uint32(numBits))
	for _, word := range bitmap {
		w.putU32(word)
	}
	w.putU32(n.Count)
	return w.buf
}

func ParseNackFrag(body []byte) (NackFrag, error) {
	a := &byteAccess{buf: body, order: binary.BigEndian}
	var n NackFrag
	var err error
	if n.ReaderID, err = a.getEntityId(); err != nil {
		return n, fmt.Errorf("%w: nackfrag reader id: %s", ErrInvalidSubmessage, err)
	}
	if n.WriterID, err = a.getEntityId(); err != nil {
		return n, fmt.Errorf("%w: nackfrag writer id: %s", ErrInvalidSubmessage, err)
	}
	if n.WriterSN, err = a.getSN(); err != nil {
		return n, fmt.Errorf("%w: nackfrag writer sn: %s", ErrInvalidSubmessage, err)
	}
	base, err := a.getU32()
	if err != nil {
		return n, fmt.Errorf("%w: nackfrag base: %s", ErrInvalidSubmessage, err)
	}
	numBits, err := a.getU32()
	if err != nil {
		return n, fmt.Errorf("%w: nackfrag numbits: %s", ErrInvalidSubmessage, err)
	}
	words := (int(numBits) + 31) / 32
	bitmap := make([]uint32, words)
	for i := range bitmap {
		if bitmap[i], err = a.getU32(); err != nil {
			return n, fmt.Errorf("%w: nackfrag bitmap: %s", ErrInvalidSubmessage, err)
		}
	}
	for i := range int(numBits) {
		word := bitmap[i/32]
		if word&(1<<(31-uint(i%32))) != 0 {
			n.MissingFrags = append(n.MissingFrags, base+uint32(i))
		}
	}
	if n.Count, err = a.getU32(); err != nil {
		return n, fmt.Errorf("%w: nackfrag count: %s", ErrInvalidSubmessage, err)
	}
	return n, nil
}

// byteAccum/byteAccess are minimal fixed-endianness helpers for the
// submessage bodies (HEARTBEAT, ACKNACK, GAP, NACK_FRAG) that the OMG spec
// defines without an encapsulation header, unlike DATA/DATA_FRAG payloads.
type byteAccum struct {
	buf []byte
	order binary.ByteOrder
}

func (w *byteAccum) putEntityId(e guid.EntityId) { w.buf = append(w.buf, e[:]...) }
func (w *byteAccum) putU32(v uint32) {
	var tmp [4]byte
	w.order.PutUint32(tmp[:], v)
	w.buf = append(w.buf, tmp[:]...)
}
func (w *byteAccum) putSN(sn SequenceNumber) {
	w.putU32(uint32(int64(sn) >> 32))
	w.putU32(uint32(int64(sn)))
}

type byteAccess struct {
	buf []byte
	pos int
	order binary.ByteOrder
}

func (a *byteAccess) need(n int) error {
	if a.pos+n > len(a.buf) {
		return fmt.Errorf("need %d bytes, have %d", n, len(a.buf)-a.pos)
	}
	return nil
}

func (a *byteAccess) getEntityId() (guid.EntityId, error) {
	var e guid.EntityId
	if err := a.need(4); err != nil {
		return e, err
	}
	copy(e[:], a.buf[a.pos:a.pos+4])
	a.pos += 4
	return e, nil
}

func (a *byteAccess) getU32() (uint32, error) {
	if err := a.need(4); err != nil {
		return 0, err
	}
	v := a.order.Uint32(a.buf[a.pos:])
	a.pos += 4
	return v, nil
}

func (a *byteAccess) getSN() (SequenceNumber, error) {
	high, err := a.getU32()
	if err != nil {
		return 0, err
	}
	low, err := a.getU32()
	if err != nil {
		return 0, err
	}
	return SequenceNumber(int64(int32(high))<<32 | int64(low)), nil
}
