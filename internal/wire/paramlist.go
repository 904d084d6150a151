package wire

import "fmt"

// ParameterId identifies a discovery/inline-QoS parameter. The high bit
// marks "must understand": a decoder that doesn't recognize the id must
// fail rather than skip it.
type ParameterId uint16

const mustUnderstandBit ParameterId = 0x8000

// PIDSentinel terminates a parameter list.
const PIDSentinel ParameterId = 0x0001

// PIDKeyHash carries a keyed sample's 16-byte instance key as inline QoS
// on DATA/DATA_FRAG, so a receiver can bucket samples by instance without
// decoding the full payload (instance-keyed delivery).
const PIDKeyHash ParameterId = 0x0070

func (p ParameterId) MustUnderstand() bool { return p&mustUnderstandBit != 0 }
func (p ParameterId) Code() ParameterId { return p &^ mustUnderstandBit }

// Parameter is one {pid, len, value} entry of a PL_CDR2 parameter list,
// with the must-understand bit carried in the high bit of the pid.
type Parameter struct {
	ID ParameterId
	Value []byte
}

// MarshalParameterList serializes params as PL_CDR2: each entry is
// {pid:u16, len:u16, value padded to 4}, terminated by PIDSentinel.
func MarshalParameterList(w *Writer, params []Parameter) {
	for _, p := range params {
		w.PutU16(uint16(p.ID))
		padded := (len(p.Value) + 3) &^ 3
		w.PutU16(uint16(padded))
		w.PutBytes(p.Value)
		for range padded - len(p.Value) {
			w.PutU8(0)
		}
	}
	w.PutU16(uint16(PIDSentinel))
	w.PutU16(0)
}

// KnownPIDs identifies the parameter ids a decoder recognizes, used to
// decide whether an unknown must-understand pid should fail decoding.
type KnownPIDs func(id ParameterId) bool

// ParseParameterList reads entries until PIDSentinel; a list that reaches
// the end of the buffer without one fails decoding. On
// duplicate pids, the last occurrence wins (tie-break). An
// unrecognized id with the must-understand bit set fails decoding.
func ParseParameterList(r *Reader, known KnownPIDs) (map[ParameterId][]byte, error) {
	out := make(map[ParameterId][]byte)
	for {
		rawID, err := r.GetU16()
		if err != nil {
			return nil, fmt.Errorf("%w: parameter list truncated before sentinel", ErrInvalidSubmessage)
		}
		id := ParameterId(rawID)
		length, err := r.GetU16()
		if err != nil {
			return nil, fmt.Errorf("%w: parameter list truncated reading length", ErrInvalidSubmessage)
		}
		if id.Code() == PIDSentinel {
			return out, nil
		}
		value, err := r.GetBytes(int(length))
		if err != nil {
			return nil, fmt.Errorf("%w: parameter 0x%04x value truncated", ErrInvalidSubmessage, id)
		}
		if known != nil && id.MustUnderstand() && !known(id.Code()) {
			return nil, fmt.Errorf("%w: pid 0x%04x", ErrMustUnderstandUnknown, id.Code())
		}
		cp := make([]byte, len(value))
		copy(cp, value)
		out[id.Code()] = cp
	}
}
