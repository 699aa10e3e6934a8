// Package instance implements the per-virtual-router VRRP finite state
// machine: election, timers, and the transitions of spec.md section 4.1.
// It knows nothing about sync groups; the sync-group coordinator
// (internal/syncgroup) drives these entry points directly, per the
// Design Note in spec.md section 9 that mutations flow one way,
// coordinator to FSM, never the reverse.
package instance

import "fmt"

// State is a VirtualRouter's realized or intended protocol state.
type State int

const (
	StateInit State = iota
	StateBackup
	StateMaster
	StateFault
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateBackup:
		return "BACKUP"
	case StateMaster:
		return "MASTER"
	case StateFault:
		return "FAULT"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// MasterReason records why an instance became master, for stats/SNMP
// purposes (the supplemented field of SPEC_FULL.md section 3).
type MasterReason int

const (
	MasterReasonNotMaster MasterReason = iota
	MasterReasonPriority
	MasterReasonPreempted
	MasterReasonOwner
	MasterReasonNoResponse
)

func (m MasterReason) String() string {
	switch m {
	case MasterReasonPriority:
		return "priority"
	case MasterReasonPreempted:
		return "preempted"
	case MasterReasonOwner:
		return "address owner"
	case MasterReasonNoResponse:
		return "no master response"
	default:
		return "not master"
	}
}

// Event is what a timer firing or an advertisement arriving asks the
// scheduler to do next. The FSM never performs a group-visible
// transition itself on these two events: GotoMaster is always gated by
// the sync-group coordinator's can_goto_master check first (spec.md
// section 4.2), even for instances with no group (the coordinator for a
// group-less instance is the trivial always-allow coordinator).
type Event int

const (
	// EventNone means no action is required.
	EventNone Event = iota
	// EventWantMaster means the instance's backup timer expired (or a
	// skew-time re-election completed) and it wants to become master.
	EventWantMaster
	// EventDemoted means the instance has already left MASTER on its
	// own (a higher-priority advert arrived) and sibling instances in
	// its sync group must now be walked to BACKUP.
	EventDemoted
	// EventFaulted means the instance has already entered FAULT on its
	// own (a tracked resource failed) and siblings must be forced to
	// quiescence.
	EventFaulted
	// EventRecovered means the instance has already left FAULT on its
	// own (every tracked resource recovered) and its sync group, held in
	// FAULT because of it, is walked back to BACKUP together with every
	// sibling not already in BACKUP.
	EventRecovered
)

// Stats are the per-instance counters of spec.md section 3.
type Stats struct {
	AdvertRx       uint64
	AdvertTx       uint64
	PriorityZeroRx uint64
	PriorityZeroTx uint64
	Transitions    uint64
	MasterReason   MasterReason

	// ProtocolErrors counts advertisements dropped for a protocol
	// reason (spec.md section 4.1 receive step 1 / section 7): VRID
	// mismatch here, and TTL/hop-limit, checksum, or decode failures
	// reported by the vip.Backend before a packet ever reaches
	// OnAdvertReceived.
	ProtocolErrors uint64
}
