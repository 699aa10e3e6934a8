package vip

import (
	"net"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdvertisementRoundTrip(t *testing.T) {
	tests := []struct {
		name     string
		family   Family
		vrid     byte
		priority byte
		vips     []netip.Addr
	}{
		{
			name:     "single ipv4 vip",
			family:   IPv4,
			vrid:     51,
			priority: 100,
			vips:     []netip.Addr{netip.MustParseAddr("192.168.0.230")},
		},
		{
			name:     "multiple ipv4 vips",
			family:   IPv4,
			vrid:     200,
			priority: 255,
			vips: []netip.Addr{
				netip.MustParseAddr("10.0.0.1"),
				netip.MustParseAddr("10.0.0.2"),
			},
		},
		{
			name:     "ipv6 vip",
			family:   IPv6,
			vrid:     5,
			priority: 1,
			vips:     []netip.Addr{netip.MustParseAddr("fe80::1")},
		},
		{
			name:     "priority zero resignation",
			family:   IPv4,
			vrid:     51,
			priority: 0,
			vips:     []netip.Addr{netip.MustParseAddr("192.168.0.230")},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pkt := NewAdvertisement(VersionV3, tt.vrid, tt.priority, 100, tt.vips, tt.family)
			if tt.family == IPv6 {
				pkt.SrcAddr = net.ParseIP("fe80::220")
				pkt.DstAddr = MulticastAddrV6
			} else {
				pkt.SrcAddr = net.ParseIP("192.168.0.220")
				pkt.DstAddr = MulticastAddrV4
			}
			pkt.SetChecksum()

			encoded := pkt.Encode()
			decoded, err := Decode(tt.family, encoded)
			require.NoError(t, err)
			decoded.SrcAddr, decoded.DstAddr = pkt.SrcAddr, pkt.DstAddr

			assert.Equal(t, tt.vrid, decoded.VRID())
			assert.Equal(t, tt.priority, decoded.Priority())
			assert.Len(t, decoded.VIPs(), len(tt.vips))
			assert.True(t, decoded.ValidateChecksum())
		})
	}
}

func TestDecodeRejectsCorruptChecksum(t *testing.T) {
	pkt := NewAdvertisement(VersionV3, 51, 100, 100, []netip.Addr{netip.MustParseAddr("192.168.0.230")}, IPv4)
	pkt.SrcAddr = net.ParseIP("192.168.0.220")
	pkt.DstAddr = MulticastAddrV4
	pkt.SetChecksum()

	encoded := pkt.Encode()
	encoded[6] ^= 0xFF // flip a checksum byte

	decoded, err := Decode(IPv4, encoded)
	require.NoError(t, err)
	decoded.SrcAddr, decoded.DstAddr = pkt.SrcAddr, pkt.DstAddr
	assert.False(t, decoded.ValidateChecksum())
}
