package vip

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
)

// Family distinguishes the two VRRP address families the core supports.
type Family byte

const (
	IPv4 Family = 4
	IPv6 Family = 6
)

func (f Family) String() string {
	if f == IPv6 {
		return "ipv6"
	}
	return "ipv4"
}

// Version is the VRRP packet version on the wire.
type Version byte

const (
	VersionV2 Version = 2
	VersionV3 Version = 3
)

const (
	// MulticastTTL is the IPv4 TTL / IPv6 hop limit VRRP requires on
	// both send and receive (RFC 5798 section 5.1.1.3 / 5.1.2.3).
	MulticastTTL = 255

	// IPProtocolNumber is the IANA-assigned IP protocol number for VRRP.
	IPProtocolNumber = 112

	typeAdvertisement = 1
)

// MulticastAddrV4 is the VRRP IPv4 multicast destination (RFC 5798 5.1.1.2).
var MulticastAddrV4 = net.IPv4(224, 0, 0, 18)

// MulticastAddrV6 is the VRRP IPv6 multicast destination (RFC 5798 5.1.2.2).
var MulticastAddrV6 = net.ParseIP("ff02::12")

// Packet is a parsed or to-be-serialized VRRP advertisement.
//
// Header layout (RFC 5798 section 5.1, v3):
//
//	Version(4) | Type(4) | VRID(8) | Priority(8) | CountIPvX(8)
//	rsvd(4) | AdverInt(12) | Checksum(16)
//	IPvX Address(es)...
type Packet struct {
	header  [8]byte
	vips    []netip.Addr
	Family  Family
	SrcAddr net.IP // IP-layer source, filled in on receive for the pseudo-header
	DstAddr net.IP // IP-layer destination, filled in on receive
}

// NewAdvertisement builds a packet ready for SetChecksum.
func NewAdvertisement(version Version, vrid byte, priority byte, advertIntCentisecs uint16, vips []netip.Addr, family Family) *Packet {
	p := &Packet{Family: family}
	p.setVersion(version)
	p.setType(typeAdvertisement)
	p.setVRID(vrid)
	p.SetPriority(priority)
	p.setAdvertInterval(advertIntCentisecs)
	p.vips = append([]netip.Addr(nil), vips...)
	p.header[3] = byte(len(vips))
	return p
}

func (p *Packet) setVersion(v Version) { p.header[0] = (byte(v) << 4) | (p.header[0] & 0x0F) }

// GetVersion returns the VRRP version field.
func (p *Packet) GetVersion() Version { return Version((p.header[0] & 0xF0) >> 4) }

func (p *Packet) setType(t byte) { p.header[0] = (p.header[0] & 0xF0) | (t & 0x0F) }

// GetType returns the packet-type field (1 = advertisement).
func (p *Packet) GetType() byte { return p.header[0] & 0x0F }

func (p *Packet) setVRID(vrid byte) { p.header[1] = vrid }

// VRID returns the virtual router ID this advertisement is for.
func (p *Packet) VRID() byte { return p.header[1] }

// SetPriority sets the sender's priority field (0 = resign, 255 = owner).
func (p *Packet) SetPriority(prio byte) { p.header[2] = prio }

// Priority returns the sender's priority field.
func (p *Packet) Priority() byte { return p.header[2] }

// IPCount returns the number of VIPs carried in the packet.
func (p *Packet) IPCount() byte { return p.header[3] }

func (p *Packet) setAdvertInterval(centiseconds uint16) {
	p.header[4] = (p.header[4] & 0xF0) | byte((centiseconds>>8)&0x0F)
	p.header[5] = byte(centiseconds)
}

// AdvertInterval returns the advertised interval, in centiseconds.
func (p *Packet) AdvertInterval() uint16 {
	return uint16(p.header[4]&0x0F)<<8 | uint16(p.header[5])
}

// Checksum returns the packet's checksum field.
func (p *Packet) Checksum() uint16 {
	return uint16(p.header[6])<<8 | uint16(p.header[7])
}

// VIPs returns the virtual IP addresses carried by the packet, in the
// order they appear on the wire.
func (p *Packet) VIPs() []netip.Addr { return p.vips }

// pseudoHeader carries the IP-layer fields folded into the VRRP checksum
// (RFC 5798 does not cover L3/L4 checksumming itself but mandates the
// advertisement be protected the same way as the IPv4/IPv6 pseudo-header
// convention used for TCP/UDP — see RFC 3768 section 5.3.10 and its v3
// successor).
type pseudoHeader struct {
	src, dst net.IP
	length   uint16
}

func (ph pseudoHeader) bytes(family Family) []byte {
	size := net.IPv4len
	if family == IPv6 {
		size = net.IPv6len
	}
	buf := make([]byte, 2*size+4)
	if family == IPv6 {
		copy(buf, ph.src.To16())
		copy(buf[size:], ph.dst.To16())
	} else {
		copy(buf, ph.src.To4())
		copy(buf[size:], ph.dst.To4())
	}
	buf[2*size+1] = IPProtocolNumber
	buf[2*size+2] = byte(ph.length >> 8)
	buf[2*size+3] = byte(ph.length)
	return buf
}

// SetChecksum computes and stores the checksum over the pseudo-header
// plus the wire bytes (RFC 1071: the one's complement of the
// one's-complement sum).
func (p *Packet) SetChecksum() {
	p.header[6], p.header[7] = 0, 0
	sum := ^checksum(append(p.pseudoHeaderBytes(), p.Encode()...))
	p.header[6] = byte(sum >> 8)
	p.header[7] = byte(sum)
}

// ValidateChecksum reports whether the packet's stored checksum matches
// its pseudo-header plus wire bytes.
func (p *Packet) ValidateChecksum() bool {
	sum := checksum(append(p.pseudoHeaderBytes(), p.Encode()...))
	return sum == 0xFFFF
}

func (p *Packet) pseudoHeaderBytes() []byte {
	ph := pseudoHeader{src: p.SrcAddr, dst: p.DstAddr, length: uint16(p.Size())}
	return ph.bytes(p.Family)
}

func checksum(b []byte) uint16 {
	var sum uint32
	n := len(b)
	for i := 0; i+1 < n; i += 2 {
		sum += uint32(b[i])<<8 | uint32(b[i+1])
	}
	if n%2 == 1 {
		sum += uint32(b[n-1]) << 8
	}
	for sum>>16 != 0 {
		sum = sum&0xFFFF + sum>>16
	}
	return uint16(sum)
}

// Encode serializes the packet to its wire form, header followed by VIPs.
func (p *Packet) Encode() []byte {
	buf := make([]byte, p.Size())
	copy(buf, p.header[:])
	width := 4
	if p.Family == IPv6 {
		width = 16
	}
	off := 8
	for _, v := range p.vips {
		if p.Family == IPv6 {
			a := v.As16()
			copy(buf[off:], a[:])
		} else {
			a := v.As4()
			copy(buf[off:], a[:])
		}
		off += width
	}
	return buf
}

// Size returns the encoded packet length in bytes.
func (p *Packet) Size() int {
	width := 4
	if p.Family == IPv6 {
		width = 16
	}
	return 8 + len(p.vips)*width
}

// Decode parses a wire-format VRRP advertisement. family must match the
// IP layer the packet arrived on; it is not self-describing on the wire.
func Decode(family Family, buf []byte) (*Packet, error) {
	if len(buf) < 8 {
		return nil, errors.New("vip: short VRRP packet")
	}
	p := &Packet{Family: family}
	copy(p.header[:], buf[:8])

	count := int(p.header[3])
	width := 4
	if family == IPv6 {
		width = 16
	}
	need := 8 + count*width
	if need > len(buf) {
		return nil, fmt.Errorf("vip: VIP count %d doesn't fit in %d received bytes", count, len(buf))
	}
	off := 8
	for i := 0; i < count; i++ {
		addr, ok := netip.AddrFromSlice(buf[off : off+width])
		if !ok {
			return nil, errors.New("vip: malformed VIP in advertisement")
		}
		p.vips = append(p.vips, addr)
		off += width
	}
	return p, nil
}
