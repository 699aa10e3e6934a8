package vip

import (
	"context"
	"net/netip"
	"sync"
	"time"
)

// Fake is an in-memory Backend for tests and the two-peer simulation of
// spec.md section 8's scenarios: it has no kernel/network dependency,
// models installed VIPs as a set, and delivers advertisements through a
// channel that a test wires directly to a peer's SendAdvert.
type Fake struct {
	mu          sync.Mutex
	installed   map[netip.Addr]bool
	announces   int
	sent        []*Packet
	inbox       chan *Packet
	failInstall error
}

// NewFake returns a Fake with an inbox of the given buffer size.
func NewFake(inboxSize int) *Fake {
	return &Fake{
		installed: make(map[netip.Addr]bool),
		inbox:     make(chan *Packet, inboxSize),
	}
}

// FailNextInstall makes the next Install call return err instead of
// succeeding, then clears itself. Used by tests exercising the
// resource-error path into FAULT.
func (f *Fake) FailNextInstall(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failInstall = err
}

// Install marks vips as present.
func (f *Fake) Install(ctx context.Context, vips []netip.Addr) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failInstall != nil {
		err := f.failInstall
		f.failInstall = nil
		return err
	}
	for _, v := range vips {
		f.installed[v] = true
	}
	return nil
}

// Remove marks vips as absent.
func (f *Fake) Remove(ctx context.Context, vips []netip.Addr) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, v := range vips {
		delete(f.installed, v)
	}
	return nil
}

// Installed reports whether v is currently installed.
func (f *Fake) Installed(v netip.Addr) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.installed[v]
}

// InstalledVIPs returns the currently installed set.
func (f *Fake) InstalledVIPs() []netip.Addr {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]netip.Addr, 0, len(f.installed))
	for v := range f.installed {
		out = append(out, v)
	}
	return out
}

// Announce just counts the bursts that would have gone out.
func (f *Fake) Announce(ctx context.Context, vips []netip.Addr, count int, interval time.Duration) error {
	f.mu.Lock()
	f.announces += count
	f.mu.Unlock()
	return nil
}

// Announces returns how many announce bursts have been recorded.
func (f *Fake) Announces() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.announces
}

// SendAdvert records the packet sent; tests wire two Fakes' SendAdvert
// and RecvAdvert together to simulate a LAN segment of peers.
func (f *Fake) SendAdvert(ctx context.Context, pkt *Packet) error {
	f.mu.Lock()
	f.sent = append(f.sent, pkt)
	f.mu.Unlock()
	return nil
}

// Sent returns every packet SendAdvert has been called with.
func (f *Fake) Sent() []*Packet {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Packet(nil), f.sent...)
}

// Deliver injects pkt as if received from the wire, for a peer's RecvAdvert.
func (f *Fake) Deliver(pkt *Packet) {
	f.inbox <- pkt
}

// RecvAdvert blocks until a packet is Delivered or ctx is done.
func (f *Fake) RecvAdvert(ctx context.Context) (*Packet, error) {
	select {
	case p := <-f.inbox:
		return p, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close is a no-op for the fake.
func (f *Fake) Close() error { return nil }

var _ Backend = (*Fake)(nil)
var _ Backend = (*LinuxBackend)(nil)
