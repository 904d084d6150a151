// Package locator implements the RTPS Locator data model: where to send a
// packet, independent of how the transport layer reaches it.
package locator

import (
	"fmt"
	"net"
)

// Kind discriminates the address family/transport a Locator refers to.
type Kind int32

const (
	KindInvalid Kind = -1
	KindUDPv4 Kind = 1
	KindUDPv6 Kind = 2
	KindIntraProcess Kind = 3
)

// Locator identifies where to send RTPS packets: {kind, port, 16-byte address}.
// IPv4 addresses are stored IPv4-mapped in the low 4 bytes, matching the
// OMG wire layout so Locator round-trips through CDR without a special case.
type Locator struct {
	Kind Kind
	Port uint32
	Address [16]byte
}

// FromUDPAddr builds a Locator from a resolved UDP address.
func FromUDPAddr(addr *net.UDPAddr) (Locator, error) {
	if addr == nil {
		return Locator{}, fmt.Errorf("locator: nil UDPAddr")
	}
	ip4 := addr.IP.To4()
	var loc Locator
	loc.Port = uint32(addr.Port)
	if ip4 != nil {
		loc.Kind = KindUDPv4
		copy(loc.Address[12:16], ip4)
		return loc, nil
	}
	ip16 := addr.IP.To16()
	if ip16 == nil {
		return Locator{}, fmt.Errorf("locator: unparseable address %q", addr.IP.String())
	}
	loc.Kind = KindUDPv6
	copy(loc.Address[:], ip16)
	return loc, nil
}

// UDPAddr renders the Locator back into a *net.UDPAddr for transport use.
func (l Locator) UDPAddr() (*net.UDPAddr, error) {
	switch l.Kind {
	case KindUDPv4:
		ip := net.IPv4(l.Address[12], l.Address[13], l.Address[14], l.Address[15])
		return &net.UDPAddr{IP: ip, Port: int(l.Port)}, nil
	case KindUDPv6:
		ip := make(net.IP, 16)
		copy(ip, l.Address[:])
		return &net.UDPAddr{IP: ip, Port: int(l.Port)}, nil
	default:
		return nil, fmt.Errorf("locator: cannot resolve kind %d to a UDP address", l.Kind)
	}
}

func (l Locator) String() string {
	addr, err := l.UDPAddr()
	if err != nil {
		return fmt.Sprintf("locator{kind=%d port=%d}", l.Kind, l.Port)
	}
	return addr.String()
}

// IsMulticast reports whether the locator's address is a multicast group.
func (l Locator) IsMulticast() bool {
	addr, err := l.UDPAddr()
	if err != nil {
		return false
	}
	return addr.IP.IsMulticast()
}

// Equal compares two locators for value equality.
func (l Locator) Equal(other Locator) bool {
	return l.Kind == other.Kind && l.Port == other.Port && l.Address == other.Address
}

// DomainPorts computes the four well-known UDP ports for a domain and
// participant id per the OMG formula :
//
//	PB=7400, DG=250, PG=2, d0=0, d1=10, d2=1, d3=11
type DomainPorts struct {
	SPDPMulticast uint32
	SPDPUnicast uint32
	UserMulticast uint32
	UserUnicast uint32
}

const (
	portBase = 7400
	domainGain = 250
	participantGain = 2
	d0 = 0
	d1 = 10
	d2 = 1
	d3 = 11
)

// ComputeDomainPorts derives the four metatraffic/user-traffic ports for
// the given domain and participant id.
func ComputeDomainPorts(domainID, participantID int) DomainPorts {
	base := uint32(portBase + domainGain*domainID)
	return DomainPorts{
		SPDPMulticast: base + d0,
		SPDPUnicast: base + d1 + uint32(participantGain*participantID),
		UserMulticast: base + d2,
		UserUnicast: base + d3 + uint32(participantGain*participantID),
	}
}
