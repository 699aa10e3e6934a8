package instance

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"time"

	"github.com/quorumha/vrrpd/internal/notify"
	"github.com/quorumha/vrrpd/internal/vip"
)

// Init drives INIT to its first realized state (spec.md section 4.1):
// an address owner goes straight to MASTER; everyone else becomes
// BACKUP and starts the master-down timer.
func (r *VirtualRouter) Init(ctx context.Context, now time.Time) error {
	if r.state != StateInit {
		return nil
	}
	if r.owner {
		r.wantState = StateMaster
		return r.gotoMaster(ctx, now, MasterReasonOwner)
	}
	r.wantState = StateBackup
	r.enterBackup(now)
	r.notifyTransition(ctx, StateInit, StateBackup, "init")
	return nil
}

// enterBackup arms the master-down timer and records the realized
// state. BACKUP never holds VIPs, so no backend call is needed here;
// callers that are leaving MASTER or FAULT must tear down VIPs first.
func (r *VirtualRouter) enterBackup(now time.Time) {
	prev := r.state
	r.state = StateBackup
	r.wantState = StateBackup
	r.sands = now.Add(r.MasterDownInterval())
	if prev != StateBackup {
		r.stats.Transitions++
	}
}

// GotoMaster is the "goto_master" entry point of spec.md section 4.2:
// it promotes unconditionally — the promotion gate (can_goto_master) is
// always the sync-group coordinator's job, performed by the caller
// before this is called, never the FSM's own.
func (r *VirtualRouter) GotoMaster(ctx context.Context, now time.Time, reason MasterReason) error {
	return r.gotoMaster(ctx, now, reason)
}

func (r *VirtualRouter) gotoMaster(ctx context.Context, now time.Time, reason MasterReason) error {
	if r.state == StateMaster {
		return nil
	}
	prevState := r.state
	all := r.allVIPs()
	if err := r.backend.Install(ctx, all); err != nil {
		// Resource error: VIP install failure transitions to FAULT
		// with a descriptive reason (spec.md section 4.1 / section 7).
		return r.EnterFault(ctx, now, faultReason(err))
	}

	r.state = StateMaster
	r.wantState = StateMaster
	r.stats.Transitions++
	r.stats.MasterReason = reason
	r.setMasterAdvertInterval(r.advertInterval)

	if err := r.sendAdvert(ctx); err != nil {
		r.log.WithError(err).Warn("advert send failed")
	}
	if err := r.backend.Announce(ctx, all, r.announceCount, r.announceInterval); err != nil {
		r.log.WithError(err).Warn("gratuitous announce failed")
	}

	r.sands = now.Add(r.AdvertInterval())
	r.notifyTransition(ctx, prevState, StateMaster, reason.String())
	return nil
}

// LeaveMaster is the "leave_master" entry point: it removes VIPs before
// firing the demote notification (spec.md section 4.1 transition side
// effects). resign, when true, broadcasts a priority-0 advertisement
// first so peers re-elect without waiting out the full
// master_down_interval (used on orderly shutdown).
func (r *VirtualRouter) LeaveMaster(ctx context.Context, now time.Time, resign bool) error {
	if r.state != StateMaster {
		return nil
	}
	if resign {
		if err := r.sendAdvertWithPriority(ctx, 0); err != nil {
			r.log.WithError(err).Warn("resignation advert failed")
		} else {
			r.stats.PriorityZeroTx++
		}
	}
	if err := r.backend.Remove(ctx, r.allVIPs()); err != nil {
		r.log.WithError(err).Warn("vip removal failed leaving master")
	}
	prevState := r.state
	r.enterBackup(now)
	r.notifyTransition(ctx, prevState, StateBackup, "left master")
	return nil
}

// EnterFault is the "enter_fault" entry point: a tracked resource has
// failed. VIPs are torn down if currently installed (i.e. if leaving
// MASTER) before the notification fires (spec.md section 4.1 / 7).
func (r *VirtualRouter) EnterFault(ctx context.Context, now time.Time, reason string) error {
	if r.state == StateFault {
		return nil
	}
	prevState := r.state
	if prevState == StateMaster {
		if err := r.backend.Remove(ctx, r.allVIPs()); err != nil {
			r.log.WithError(err).Warn("vip removal failed entering fault")
		}
	}
	r.state = StateFault
	r.wantState = StateFault
	r.faultReason = reason
	r.stats.Transitions++
	r.notifyTransition(ctx, prevState, StateFault, reason)
	return nil
}

// MarkFaultTransient forcibly sets the realized state to FAULT without
// any other side effect, returning the previous state. It exists so the
// sync-group coordinator can reuse LeaveFault's BACKUP/INIT -> BACKUP
// convergence logic for members that were never actually faulted, only
// forced to quiescence by a sibling's fault (spec.md section 9: "a bit
// of a bodge" in the original source, preserved deliberately here but
// expressed as an explicit previous-state handoff rather than a read
// back from the field).
func (r *VirtualRouter) MarkFaultTransient() State {
	prev := r.state
	r.state = StateFault
	return prev
}

// LeaveFault is the "leave_fault" entry point: all tracked resources
// have recovered (or, per MarkFaultTransient above, the instance is
// being forced through the same convergence path by its sync group).
// previousState is accepted explicitly rather than read back from the
// field, per the Design Note in spec.md section 9.
func (r *VirtualRouter) LeaveFault(ctx context.Context, previousState State, now time.Time) error {
	if r.state != StateFault {
		return nil
	}
	r.enterBackup(now)
	r.notifyTransition(ctx, previousState, StateBackup, "recovered")
	return nil
}

// ResetMasterDownTimer reschedules the master-down deadline without
// changing state, used when the sync-group coordinator defers a
// promotion request because not every sibling is ready yet (spec.md
// section 4.2, can_goto_master step 2: "prefers BACKUP to avoid
// thrashing").
func (r *VirtualRouter) ResetMasterDownTimer(now time.Time) {
	r.sands = now.Add(r.MasterDownInterval())
}

// OnTimerFired advances the FSM when this instance's scheduled deadline
// arrives (spec.md section 4.1 "Timers"). A MASTER resends its advert
// and reschedules; a BACKUP whose master-down interval has elapsed
// wants to become master, but cannot decide that unilaterally — it
// reports EventWantMaster and leaves the promotion gate to the caller
// (coordinator or scheduler).
func (r *VirtualRouter) OnTimerFired(ctx context.Context, now time.Time) Event {
	switch r.state {
	case StateMaster:
		if err := r.sendAdvert(ctx); err != nil {
			r.log.WithError(err).Warn("advert send failed")
		}
		r.sands = now.Add(r.AdvertInterval())
		return EventNone
	case StateBackup:
		r.wantState = StateMaster
		return EventWantMaster
	default:
		return EventNone
	}
}

// OnAdvertReceived processes an advertisement arriving for this
// instance (spec.md section 4.1 "Receive processing"). TTL/hop-limit and
// checksum validation are performed by the vip.Backend before a packet
// ever reaches here, and the address family is fixed by the backend's
// socket; this method checks the VRID and implements the
// priority-comparison and preemption rules.
func (r *VirtualRouter) OnAdvertReceived(ctx context.Context, pkt *vip.Packet, now time.Time) Event {
	if pkt.VRID() != r.vrid {
		r.stats.ProtocolErrors++
		return EventNone
	}
	r.stats.AdvertRx++
	peerPriority := pkt.Priority()
	if peerPriority == 0 {
		r.stats.PriorityZeroRx++
	}

	switch r.state {
	case StateMaster:
		if peerPriority == 0 {
			// A resigning peer doesn't demote a sitting master; it
			// only matters to backups re-electing.
			return EventNone
		}
		if peerPriority > r.effectivePriority || (peerPriority == r.effectivePriority && higherAddr(pkt.SrcAddr, r.primaryAddr)) {
			r.setMasterAdvertInterval(pkt.AdvertInterval())
			if err := r.LeaveMaster(ctx, now, false); err != nil {
				r.log.WithError(err).Warn("leave master failed")
			}
			r.sands = now.Add(r.MasterDownInterval())
			return EventDemoted
		}
		return EventNone

	case StateBackup:
		if peerPriority == 0 {
			// Master resigning: shorten the deadline to skew_time and
			// re-elect at that deadline (spec.md section 4.1 step 2).
			r.sands = now.Add(r.SkewTime())
			return EventNone
		}
		if !r.preempt || peerPriority >= r.effectivePriority {
			r.setMasterAdvertInterval(pkt.AdvertInterval())
			r.sands = now.Add(r.MasterDownInterval())
		}
		return EventNone

	default:
		return EventNone
	}
}

func (r *VirtualRouter) allVIPs() []netip.Addr {
	out := make([]netip.Addr, 0, len(r.vips)+len(r.evips))
	out = append(out, r.vips...)
	out = append(out, r.evips...)
	return out
}

func (r *VirtualRouter) sendAdvert(ctx context.Context) error {
	return r.sendAdvertWithPriority(ctx, r.effectivePriority)
}

func (r *VirtualRouter) sendAdvertWithPriority(ctx context.Context, priority byte) error {
	pkt := vip.NewAdvertisement(vip.VersionV3, r.vrid, priority, r.advertInterval, r.vips, r.family)
	if r.primaryAddr.IsValid() {
		pkt.SrcAddr = net.IP(r.primaryAddr.AsSlice())
	}
	if r.family == vip.IPv6 {
		pkt.DstAddr = vip.MulticastAddrV6
	} else {
		pkt.DstAddr = vip.MulticastAddrV4
	}
	pkt.SetChecksum()
	err := r.backend.SendAdvert(ctx, pkt)
	if err == nil {
		r.stats.AdvertTx++
	}
	return err
}

func (r *VirtualRouter) notifyTransition(ctx context.Context, from, to State, reason string) {
	if r.notify == nil {
		return
	}
	r.notify.Notify(ctx, notify.ScopeInstance, r.name, from.String(), to.String(), reason)
}

func faultReason(err error) string {
	var ve *vip.Error
	if errors.As(err, &ve) {
		return ve.Op + ": " + ve.Err.Error()
	}
	return err.Error()
}

// higherAddr reports whether a > b, lexicographically over the address
// bytes (spec.md section 4.1's equal-priority tie-break: the advertiser
// with the greater primary IP wins).
func higherAddr(a net.IP, b netip.Addr) bool {
	if a == nil || !b.IsValid() {
		return false
	}
	bip := net.IP(b.AsSlice())
	if a4, b4 := a.To4(), bip.To4(); a4 != nil && b4 != nil {
		a, bip = a4, b4
	}
	if len(a) != len(bip) {
		return false
	}
	for i := range a {
		if a[i] != bip[i] {
			return a[i] > bip[i]
		}
	}
	return false
}
