package wire

import (
	"fmt"

	"github.com/hdds-team/hdds/internal/guid"
)

// ProtocolMagic is the fixed 4-byte leader of every RTPS packet.
var ProtocolMagic = [4]byte{'R', 'T', 'P', 'S'}

// ProtocolVersion is the {major, minor} RTPS version pair. Per
// open question, both 2.3 and 2.5 are accepted on decode; 2.3 is emitted.
type ProtocolVersion struct {
	Major, Minor uint8
}

var (
	ProtocolVersion23 = ProtocolVersion{Major: 2, Minor: 3}
	ProtocolVersion25 = ProtocolVersion{Major: 2, Minor: 5}
)

func (v ProtocolVersion) supported() bool {
	return v.Major == 2 && (v.Minor == 3 || v.Minor == 5)
}

// Header is the fixed-size preamble of an RTPS message: magic, version,
// vendor id, and the sending participant's GuidPrefix.
type Header struct {
	Version ProtocolVersion
	Vendor guid.VendorId
	GuidPrefix guid.GuidPrefix
}

// HeaderSize is the wire size of Header in bytes.
const HeaderSize = 4 + 2 + 2 + 12

// Marshal appends the header's wire encoding to dst.
func (h Header) Marshal(dst []byte) []byte {
	dst = append(dst, ProtocolMagic[:]...)
	dst = append(dst, h.Version.Major, h.Version.Minor)
	dst = append(dst, h.Vendor[0], h.Vendor[1])
	dst = append(dst, h.GuidPrefix[:]...)
	return dst
}

// ParseHeader reads a Header from the start of msg, returning the number
// of bytes consumed.
func ParseHeader(msg []byte) (Header, int, error) {
	if len(msg) < HeaderSize {
		return Header{}, 0, fmt.Errorf("%w: message too short for RTPS header (%d bytes)", ErrInvalidHeader, len(msg))
	}
	if msg[0] != ProtocolMagic[0] || msg[1] != ProtocolMagic[1] || msg[2] != ProtocolMagic[2] || msg[3] != ProtocolMagic[3] {
		return Header{}, 0, fmt.Errorf("%w: bad magic %q", ErrInvalidHeader, msg[0:4])
	}
	h := Header{
		Version: ProtocolVersion{Major: msg[4], Minor: msg[5]},
		Vendor: guid.VendorId{msg[6], msg[7]},
	}
	if !h.Version.supported() {
		return Header{}, 0, fmt.Errorf("%w: unsupported protocol version %d.%d", ErrInvalidHeader, h.Version.Major, h.Version.Minor)
	}
	copy(h.GuidPrefix[:], msg[8:20])
	return h, HeaderSize, nil
}
