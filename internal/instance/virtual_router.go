package instance

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/quorumha/vrrpd/internal/clock"
	"github.com/quorumha/vrrpd/internal/notify"
	"github.com/quorumha/vrrpd/internal/vip"

	"github.com/sirupsen/logrus"
)

// Config parameterizes a new VirtualRouter. All durations are expressed
// in the natural Go unit; the FSM converts to/from VRRP's on-the-wire
// centisecond representation internally.
type Config struct {
	Name           string
	VRID           byte
	Family         vip.Family
	InterfaceID    string
	BasePriority   byte // 1..255; 255 = address owner
	AdvertInterval time.Duration
	Preempt        bool
	VIPs           []netip.Addr
	EVIPs          []netip.Addr

	AnnounceCount    int
	AnnounceInterval time.Duration

	Backend vip.Backend
	Clock   clock.Source
	Notify  notify.Sink
	Log     *logrus.Entry
}

// VirtualRouter is one VRRP instance's finite state machine (spec.md
// section 3/4.1). A zero VirtualRouter is not valid; use New.
type VirtualRouter struct {
	name        string
	vrid        byte
	family      vip.Family
	interfaceID string

	basePriority      byte
	effectivePriority byte
	owner             bool
	preempt           bool

	advertInterval       uint16 // centiseconds, our own
	masterAdvertInterval uint16 // centiseconds, learned from the current master
	skewTime             uint16
	masterDownInterval   uint16

	state     State
	wantState State
	sands     time.Time

	vips  []netip.Addr
	evips []netip.Addr

	// primaryAddr is this host's real address on InterfaceID, used for
	// the equal-priority tie-break in receive processing.
	primaryAddr netip.Addr

	announceCount    int
	announceInterval time.Duration

	stats Stats

	// SyncGroupName is a weak back-reference into the group registry
	// (spec.md section 9's Design Note); the empty string means "not in
	// a sync group". Ownership of membership lives in syncgroup.Group.
	SyncGroupName string

	backend vip.Backend
	clock   clock.Source
	notify  notify.Sink
	log     *logrus.Entry

	faultReason string
}

// New constructs a VirtualRouter in state INIT. Callers must call Init
// to drive it to its first realized state (spec.md section 4.1,
// INIT -> BACKUP / INIT -> MASTER).
func New(cfg Config) *VirtualRouter {
	if cfg.AnnounceCount <= 0 {
		cfg.AnnounceCount = 3
	}
	if cfg.AnnounceInterval <= 0 {
		cfg.AnnounceInterval = 20 * time.Millisecond
	}
	r := &VirtualRouter{
		name:             cfg.Name,
		vrid:             cfg.VRID,
		family:           cfg.Family,
		interfaceID:      cfg.InterfaceID,
		basePriority:     cfg.BasePriority,
		preempt:          cfg.Preempt,
		vips:             append([]netip.Addr(nil), cfg.VIPs...),
		evips:            append([]netip.Addr(nil), cfg.EVIPs...),
		announceCount:    cfg.AnnounceCount,
		announceInterval: cfg.AnnounceInterval,
		backend:          cfg.Backend,
		clock:            cfg.Clock,
		notify:           cfg.Notify,
		log:              cfg.Log,
		state:            StateInit,
		wantState:        StateInit,
	}
	if r.backend == nil {
		r.backend = vip.NewFake(16)
	}
	if r.clock == nil {
		r.clock = clock.System{}
	}
	if r.log == nil {
		r.log = logrus.WithField("vrid", r.vrid).WithField("instance", r.name)
	}
	r.owner = cfg.BasePriority == 255
	r.effectivePriority = clampPriority(cfg.BasePriority, r.owner)
	r.setAdvertInterval(cfg.AdvertInterval)
	r.setMasterAdvertInterval(r.advertInterval)
	r.sands = r.clock.Now()

	// wantState reflects this instance's configured intent before the
	// scheduler ever drives Init: an address owner always intends
	// MASTER, everyone else intends BACKUP. This lets sync-group
	// resolution at config load (spec.md section 4.2) compute a
	// group's initial state purely from member intent, before any
	// instance has actually run its first FSM step.
	if r.owner {
		r.wantState = StateMaster
	} else {
		r.wantState = StateBackup
	}
	return r
}

func clampPriority(base byte, owner bool) byte {
	if owner {
		return 255
	}
	if base == 0 {
		return 1
	}
	if base > 254 {
		return 254
	}
	return base
}

// Name, VRID, State, WantState, Sands, Priority, Stats are read
// accessors used by the scheduler, the coordinator, and tests.

func (r *VirtualRouter) Name() string            { return r.name }
func (r *VirtualRouter) VRID() byte              { return r.vrid }
func (r *VirtualRouter) Family() vip.Family       { return r.family }
func (r *VirtualRouter) State() State             { return r.state }
func (r *VirtualRouter) WantState() State         { return r.wantState }
func (r *VirtualRouter) Sands() time.Time         { return r.sands }
func (r *VirtualRouter) Priority() byte           { return r.effectivePriority }
func (r *VirtualRouter) IsOwner() bool            { return r.owner }
func (r *VirtualRouter) Preempt() bool            { return r.preempt }
func (r *VirtualRouter) Stats() Stats             { return r.stats }
func (r *VirtualRouter) VIPs() []netip.Addr       { return append([]netip.Addr(nil), r.vips...) }
func (r *VirtualRouter) EVIPs() []netip.Addr      { return append([]netip.Addr(nil), r.evips...) }
func (r *VirtualRouter) PrimaryAddr() netip.Addr  { return r.primaryAddr }

// FaultReason returns the most recent reason this instance entered FAULT.
func (r *VirtualRouter) FaultReason() string { return r.faultReason }

// RecordProtocolError increments ProtocolErrors for a rejection that
// happened below the FSM — a backend-reported TTL/hop-limit, checksum,
// or decode failure (spec.md section 4.1 receive step 1 / section 7),
// as opposed to the VRID mismatch OnAdvertReceived counts itself.
func (r *VirtualRouter) RecordProtocolError() { r.stats.ProtocolErrors++ }

// Backend returns the VipBackend this instance sends and receives
// advertisements through, so the scheduler can run its own receive loop
// per instance without reaching into VirtualRouter's private fields.
func (r *VirtualRouter) Backend() vip.Backend { return r.backend }

// SetPrimaryAddr sets this host's real address on InterfaceID, used for
// the equal-priority tie-break (spec.md section 4.1).
func (r *VirtualRouter) SetPrimaryAddr(addr netip.Addr) { r.primaryAddr = addr }

// SetWantState sets the instance's intent without reconciling its
// realized state (spec.md section 9: wantstate and state are distinct).
func (r *VirtualRouter) SetWantState(s State) { r.wantState = s }

func (r *VirtualRouter) setAdvertInterval(d time.Duration) {
	cs := d / (10 * time.Millisecond)
	if cs < 1 {
		cs = 1
	}
	if cs > 0x0FFF {
		cs = 0x0FFF
	}
	r.advertInterval = uint16(cs)
}

// setMasterAdvertInterval records the interval advertised by the current
// master (on BACKUP) or our own (on MASTER), and recomputes skew_time
// and master_down_interval from it (spec.md section 3).
func (r *VirtualRouter) setMasterAdvertInterval(centiseconds uint16) {
	r.masterAdvertInterval = centiseconds
	r.skewTime = centiseconds - uint16(uint32(centiseconds)*uint32(r.effectivePriority)/256)
	r.masterDownInterval = 3*centiseconds + r.skewTime
}

// AdvertInterval returns this instance's own advertisement interval.
func (r *VirtualRouter) AdvertInterval() time.Duration {
	return time.Duration(r.advertInterval) * 10 * time.Millisecond
}

// MasterDownInterval returns the currently computed master-down wait.
func (r *VirtualRouter) MasterDownInterval() time.Duration {
	return time.Duration(r.masterDownInterval) * 10 * time.Millisecond
}

// SkewTime returns the currently computed skew time.
func (r *VirtualRouter) SkewTime() time.Duration {
	return time.Duration(r.skewTime) * 10 * time.Millisecond
}

// AdjustPriority applies a track-subsystem delta to the base priority
// (spec.md section 4.3); it never raises an instance to MASTER by
// itself, it only changes election inputs.
func (r *VirtualRouter) AdjustPriority(delta int) {
	if r.owner {
		return
	}
	p := int(r.basePriority) + delta
	if p < 1 {
		p = 1
	}
	if p > 254 {
		p = 254
	}
	r.effectivePriority = byte(p)
	r.setMasterAdvertInterval(r.masterAdvertInterval)
}

func (r *VirtualRouter) key() string { return fmt.Sprintf("%s/%d", r.interfaceID, r.vrid) }

// Key returns the timer-wheel key for this instance.
func (r *VirtualRouter) Key() string { return r.key() }
