package wire

import (
	"errors"
	"fmt"
)

// ErrWireError is the sentinel all wire-codec errors wrap, letting callers
// use errors.Is(err, wire.ErrWireError) without matching every concrete kind.
var ErrWireError = errors.New("wire error")

// Concrete error kinds per failure-semantics classification.
// Each wraps ErrWireError so both the kind and the umbrella sentinel match.
var (
	ErrInvalidHeader = fmt.Errorf("%w: invalid header", ErrWireError)
	ErrInvalidSubmessage = fmt.Errorf("%w: invalid submessage", ErrWireError)
	ErrUnsupportedEncapsulation = fmt.Errorf("%w: unsupported encapsulation", ErrWireError)
	ErrMustUnderstandUnknown = fmt.Errorf("%w: must-understand parameter unknown", ErrWireError)
	ErrBufferTooSmall = fmt.Errorf("%w: buffer too small", ErrWireError)
)
