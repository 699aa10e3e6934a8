package vip

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"os/exec"
	"time"

	"github.com/mdlayher/arp"
	"github.com/mdlayher/ndp"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// broadcastHW is the Ethernet broadcast address used for gratuitous ARP.
var broadcastHW, _ = net.ParseMAC("ff:ff:ff:ff:ff:ff")

// LinuxBackend is the production Backend: it speaks VRRP advertisements
// over a raw multicast IP socket, announces VIPs with gratuitous ARP
// (IPv4) or unsolicited neighbor advertisement (IPv6), and installs VIPs
// on the interface via the `ip` utility. It is the adaptation of
// govrrp's IPv4VRRPMsgCon / IPv6VRRPMsgCon and IPv4AddrAnnouncer /
// IPv6AddrAnnouncer into a single Backend implementation.
type LinuxBackend struct {
	iface  *net.Interface
	family Family
	local  net.IP

	pc4 *ipv4.PacketConn
	pc6 *ipv6.PacketConn

	arpClient *arp.Client
	ndpConn   *ndp.Conn

	buf []byte
}

// NewLinuxBackend opens the multicast advertisement socket and the VIP
// announcer for iface, bound to local as the advertisement source.
func NewLinuxBackend(iface *net.Interface, family Family, local net.IP) (*LinuxBackend, error) {
	b := &LinuxBackend{iface: iface, family: family, local: local, buf: make([]byte, 4096)}

	if family == IPv4 {
		conn, err := net.ListenIP("ip4:112", &net.IPAddr{IP: net.IPv4zero})
		if err != nil {
			return nil, &Error{Kind: FailureNoPermission, Op: "listen ip4:112", Err: err}
		}
		pc := ipv4.NewPacketConn(conn)
		group := &net.IPAddr{IP: MulticastAddrV4}
		if err := pc.JoinGroup(iface, group); err != nil {
			conn.Close()
			return nil, &Error{Kind: FailureNoInterface, Op: "join ipv4 multicast group", Err: err}
		}
		_ = pc.SetMulticastTTL(MulticastTTL)
		_ = pc.SetMulticastInterface(iface)
		_ = pc.SetControlMessage(ipv4.FlagTTL|ipv4.FlagSrc|ipv4.FlagDst, true)
		b.pc4 = pc

		arpClient, err := arp.Dial(iface)
		if err != nil {
			pc.Close()
			return nil, &Error{Kind: FailureNoPermission, Op: "open arp client", Err: err}
		}
		b.arpClient = arpClient
	} else {
		conn, err := net.ListenIP("ip6:112", &net.IPAddr{})
		if err != nil {
			return nil, &Error{Kind: FailureNoPermission, Op: "listen ip6:112", Err: err}
		}
		pc := ipv6.NewPacketConn(conn)
		group := &net.IPAddr{IP: MulticastAddrV6}
		if err := pc.JoinGroup(iface, group); err != nil {
			conn.Close()
			return nil, &Error{Kind: FailureNoInterface, Op: "join ipv6 multicast group", Err: err}
		}
		_ = pc.SetMulticastHopLimit(MulticastTTL)
		_ = pc.SetMulticastInterface(iface)
		_ = pc.SetControlMessage(ipv6.FlagHopLimit|ipv6.FlagSrc|ipv6.FlagDst, true)
		b.pc6 = pc

		ndpConn, _, err := ndp.Listen(iface, ndp.LinkLocal)
		if err != nil {
			pc.Close()
			return nil, &Error{Kind: FailureNoPermission, Op: "open ndp conn", Err: err}
		}
		b.ndpConn = ndpConn
	}

	return b, nil
}

// Install runs `ip address add <vip>/<prefix> dev <iface>` for each VIP.
// An address that already exists (EEXIST) is reported as FailureInUse.
func (b *LinuxBackend) Install(ctx context.Context, vips []netip.Addr) error {
	for _, v := range vips {
		prefix := "32"
		if v.Is6() {
			prefix = "128"
		}
		cmd := exec.CommandContext(ctx, "ip", "address", "add", fmt.Sprintf("%s/%s", v, prefix), "dev", b.iface.Name)
		if out, err := cmd.CombinedOutput(); err != nil {
			if isExists(out) {
				return &Error{Kind: FailureInUse, Op: "install vip " + v.String(), Err: err}
			}
			return &Error{Kind: FailureNoPermission, Op: "install vip " + v.String(), Err: fmt.Errorf("%v: %s", err, out)}
		}
	}
	return nil
}

// Remove runs `ip address del <vip> dev <iface>` for each VIP.
func (b *LinuxBackend) Remove(ctx context.Context, vips []netip.Addr) error {
	for _, v := range vips {
		cmd := exec.CommandContext(ctx, "ip", "address", "del", v.String(), "dev", b.iface.Name)
		if out, err := cmd.CombinedOutput(); err != nil && !isNotExists(out) {
			return &Error{Kind: FailureTransient, Op: "remove vip " + v.String(), Err: fmt.Errorf("%v: %s", err, out)}
		}
	}
	return nil
}

func isExists(out []byte) bool    { return containsAny(out, "File exists") }
func isNotExists(out []byte) bool { return containsAny(out, "Cannot assign", "No such") }

func containsAny(out []byte, subs ...string) bool {
	s := string(out)
	for _, sub := range subs {
		if len(s) >= len(sub) {
			for i := 0; i+len(sub) <= len(s); i++ {
				if s[i:i+len(sub)] == sub {
					return true
				}
			}
		}
	}
	return false
}

// Announce sends count gratuitous-ARP (IPv4) or unsolicited
// neighbor-advertisement (IPv6) bursts for vips, spaced interval apart.
func (b *LinuxBackend) Announce(ctx context.Context, vips []netip.Addr, count int, interval time.Duration) error {
	for i := 0; i < count; i++ {
		for _, v := range vips {
			var err error
			if b.family == IPv4 {
				err = b.announceARP(v)
			} else {
				err = b.announceNDP(v)
			}
			if err != nil {
				return &Error{Kind: FailureTransient, Op: "announce vip " + v.String(), Err: err}
			}
		}
		if i < count-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(interval):
			}
		}
	}
	return nil
}

func (b *LinuxBackend) announceARP(v netip.Addr) error {
	ip := net.IP(v.AsSlice())
	pkt := &arp.Packet{
		HardwareType:       1,
		ProtocolType:       0x0800,
		HardwareAddrLength: 6,
		IPLength:           4,
		Operation:          arp.OperationReply,
		SenderHardwareAddr: b.iface.HardwareAddr,
		SenderIP:           ip,
		TargetHardwareAddr: broadcastHW,
		TargetIP:           ip,
	}
	_ = b.arpClient.SetWriteDeadline(time.Now().Add(500 * time.Millisecond))
	return b.arpClient.WriteTo(pkt, broadcastHW)
}

func (b *LinuxBackend) announceNDP(v netip.Addr) error {
	group, err := ndp.SolicitedNodeMulticast(v)
	if err != nil {
		return err
	}
	msg := &ndp.NeighborAdvertisement{
		Override:      true,
		TargetAddress: v,
		Options: []ndp.Option{
			&ndp.LinkLayerAddress{Direction: ndp.Source, Addr: b.iface.HardwareAddr},
		},
	}
	return b.ndpConn.WriteTo(msg, nil, group)
}

// SendAdvert transmits pkt to the VRRP multicast group on the backend's
// interface.
func (b *LinuxBackend) SendAdvert(ctx context.Context, pkt *Packet) error {
	var err error
	if b.family == IPv4 {
		_, err = b.pc4.WriteTo(pkt.Encode(), nil, &net.IPAddr{IP: MulticastAddrV4})
	} else {
		_, err = b.pc6.WriteTo(pkt.Encode(), nil, &net.IPAddr{IP: MulticastAddrV6})
	}
	if err != nil {
		return &Error{Kind: FailureTransient, Op: "send advert", Err: err}
	}
	return nil
}

// RecvAdvert reads and validates the next VRRP advertisement, enforcing
// TTL/hop-limit 255 and the checksum (spec.md section 4.1, receive step 1).
// It does not watch ctx: a blocked read returns only when a packet
// arrives or Close closes the socket.
func (b *LinuxBackend) RecvAdvert(ctx context.Context) (*Packet, error) {
	if b.family == IPv4 {
		return b.recvV4()
	}
	return b.recvV6()
}

func (b *LinuxBackend) recvV4() (*Packet, error) {
	n, cm, _, err := b.pc4.ReadFrom(b.buf)
	if err != nil {
		return nil, &Error{Kind: FailureTransient, Op: "recv advert", Err: err}
	}
	if cm == nil || cm.TTL != MulticastTTL {
		return nil, fmt.Errorf("vip: received advertisement with TTL != %d", MulticastTTL)
	}
	pkt, err := Decode(IPv4, b.buf[:n])
	if err != nil {
		return nil, err
	}
	pkt.SrcAddr, pkt.DstAddr = cm.Src, cm.Dst
	if !pkt.ValidateChecksum() {
		return nil, fmt.Errorf("vip: bad checksum from %s", cm.Src)
	}
	return pkt, nil
}

func (b *LinuxBackend) recvV6() (*Packet, error) {
	n, cm, _, err := b.pc6.ReadFrom(b.buf)
	if err != nil {
		return nil, &Error{Kind: FailureTransient, Op: "recv advert", Err: err}
	}
	if cm == nil || cm.HopLimit != MulticastTTL {
		return nil, fmt.Errorf("vip: received advertisement with hop limit != %d", MulticastTTL)
	}
	pkt, err := Decode(IPv6, b.buf[:n])
	if err != nil {
		return nil, err
	}
	pkt.SrcAddr, pkt.DstAddr = cm.Src, cm.Dst
	if !pkt.ValidateChecksum() {
		return nil, fmt.Errorf("vip: bad checksum from %s", cm.Src)
	}
	return pkt, nil
}

// Close releases the backend's sockets.
func (b *LinuxBackend) Close() error {
	if b.arpClient != nil {
		_ = b.arpClient.Close()
	}
	if b.ndpConn != nil {
		_ = b.ndpConn.Close()
	}
	if b.pc4 != nil {
		return b.pc4.Close()
	}
	if b.pc6 != nil {
		return b.pc6.Close()
	}
	return nil
}
