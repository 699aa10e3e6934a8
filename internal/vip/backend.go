// Package vip implements the VIP Adapter boundary: installing/removing
// virtual IP addresses, announcing them via gratuitous ARP / unsolicited
// neighbor advertisement, and sending/receiving VRRP advertisements on
// the wire. The core treats Backend as an opaque capability so it can be
// driven against an in-memory Fake in tests.
package vip

import (
	"context"
	"errors"
	"net/netip"
	"time"
)

// FailureKind classifies a Backend error so the FSM can decide whether to
// transition to FAULT (spec.md section 7, Resource errors).
type FailureKind int

const (
	// FailureTransient covers errors worth retrying without a FAULT
	// transition (e.g. a momentarily busy socket).
	FailureTransient FailureKind = iota
	// FailureInUse means the VIP is already claimed on another interface
	// (EEXIST-equivalent).
	FailureInUse
	// FailureNoPermission means the process lacks the capability to
	// manipulate addresses (CAP_NET_ADMIN-equivalent).
	FailureNoPermission
	// FailureNoInterface means the backing interface has disappeared.
	FailureNoInterface
)

// Error is a typed Backend failure, classified per FailureKind so callers
// can branch with errors.As without string matching.
type Error struct {
	Kind FailureKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Backend is the VipBackend boundary interface of spec.md section 6.
type Backend interface {
	// Install brings up vips on the backend's interface.
	Install(ctx context.Context, vips []netip.Addr) error
	// Remove tears down vips from the backend's interface.
	Remove(ctx context.Context, vips []netip.Addr) error
	// Announce emits count gratuitous ARP / unsolicited NA bursts for
	// vips, spaced interval apart.
	Announce(ctx context.Context, vips []netip.Addr, count int, interval time.Duration) error
	// SendAdvert transmits a VRRP advertisement to the VRRP multicast
	// group on the backend's interface.
	SendAdvert(ctx context.Context, pkt *Packet) error
	// RecvAdvert blocks for the next valid VRRP advertisement arriving
	// on the backend's interface, or returns an error if ctx is done or
	// the socket fails.
	RecvAdvert(ctx context.Context) (*Packet, error)
	// Close releases the backend's sockets.
	Close() error
}

var errNotImplemented = errors.New("vip: operation not supported by this backend")
