// Package typesupport ships one hand-written sample type implementing the
// type_name/has_key/compute_key/encode/decode contract an IDL code
// generator would otherwise produce: one small file per concrete
// wire-representable type, each exposing Marshal/Unmarshal and a key
// extractor, rather than a generic reflective codec.
package typesupport

import (
	"fmt"

	"github.com/hdds-team/hdds/internal/wire"
)

// KeyedValue is {Key uint32 @key; Value float64}, the sample type
// cmd/hdds-probe publishes and reads.
type KeyedValue struct {
	Key uint32
	Value float64
}

// TypeName is the generator contract's type_name field.
const TypeName = "hdds::typesupport::KeyedValue"

// HasKey reports that KeyedValue is a keyed topic type.
func HasKey() bool { return true }

// Marshal encodes v as CDR2, matching the generator contract's
// encode(value, buffer) -> length.
func Marshal(v KeyedValue) []byte {
	w := wire.NewWriter(wire.EncapsulationXCDR2_LE)
	w.PutU32(v.Key)
	w.PutF64(v.Value)
	return w.Bytes()
}

// Unmarshal decodes a KeyedValue from its CDR2 encoding, matching the
// generator contract's decode(buffer) -> value.
func Unmarshal(buf []byte) (KeyedValue, error) {
	r, err := wire.NewReader(buf)
	if err != nil {
		return KeyedValue{}, fmt.Errorf("typesupport: decode KeyedValue: %w", err)
	}
	var v KeyedValue
	if v.Key, err = r.GetU32(); err != nil {
		return KeyedValue{}, fmt.Errorf("typesupport: decode KeyedValue.Key: %w", err)
	}
	if v.Value, err = r.GetF64(); err != nil {
		return KeyedValue{}, fmt.Errorf("typesupport: decode KeyedValue.Value: %w", err)
	}
	return v, nil
}

// KeyBytes returns the CDR-ordered bytes of the keyed fields only (just Key
// here), the input to the generator contract's compute_key.
func KeyBytes(v KeyedValue) []byte {
	w := wire.NewWriter(wire.EncapsulationXCDR2_LE)
	w.PutU32(v.Key)
	return w.Bytes()[wire.EncapsulationHeaderSize:]
}
