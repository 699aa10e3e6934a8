// Package track implements the Track Subsystem of spec.md section 4.3:
// it aggregates interface link state, external script exit status,
// route/rule presence, and file-content polling into a per-instance
// priority delta and a boolean tracked-fault. It never transitions an
// instance to MASTER directly; it only alters election inputs, by
// pushing deltas that the scheduler applies via
// instance.VirtualRouter.AdjustPriority or EnterFault/LeaveFault.
package track

import (
	"context"
)

// Source is the TrackProbe boundary interface of spec.md section 6: one
// concrete tracked resource (an interface, a script, a route, a file).
type Source interface {
	// Poll evaluates the tracked resource once and reports whether it
	// is currently up. A non-nil err is treated as a down signal
	// (spec.md section 7, "Track errors: script exec failure treated
	// as a probe-down signal").
	Poll(ctx context.Context) (up bool, err error)
}

// Probe binds a Source to an ID and a mode: Weighted probes only shift
// effective priority while up/down; non-weighted probes are binary
// fault inducers, matching keepalived's distinction between a
// track_script/track_interface with a "weight" clause and one without.
type Probe struct {
	ID       string
	Source   Source
	Weighted bool
	Delta    int // applied while up, when Weighted
}

// Edge is a single source's observed transition, delivered to the
// scheduler so it can re-evaluate the owning instance (spec.md section
// 4.3: "changes are delivered as edge events").
type Edge struct {
	Source        string
	Up            bool
	PriorityDelta int
}

// Aggregator polls a fixed set of probes for one VirtualRouter and
// folds them into one priority delta and one fault bit.
type Aggregator struct {
	probes []Probe
	up     map[string]bool
}

// NewAggregator returns an Aggregator over probes.
func NewAggregator(probes []Probe) *Aggregator {
	return &Aggregator{probes: probes, up: make(map[string]bool, len(probes))}
}

// Result is the folded outcome of one aggregation pass.
type Result struct {
	PriorityDelta int
	Faulted       bool
	FaultReasons  []string
	Edges         []Edge
}

// Poll evaluates every probe and returns the folded Result. Only probes
// whose up/down state changed since the last Poll are included in
// Edges, matching spec.md section 4.3's edge-event delivery model.
func (a *Aggregator) Poll(ctx context.Context) Result {
	var res Result
	for _, p := range a.probes {
		up, err := p.Source.Poll(ctx)
		if err != nil {
			up = false
		}
		if prev, seen := a.up[p.ID]; !seen || prev != up {
			delta := 0
			if p.Weighted && up {
				delta = p.Delta
			}
			res.Edges = append(res.Edges, Edge{Source: p.ID, Up: up, PriorityDelta: delta})
		}
		a.up[p.ID] = up

		if p.Weighted {
			if up {
				res.PriorityDelta += p.Delta
			}
		} else if !up {
			res.Faulted = true
			res.FaultReasons = append(res.FaultReasons, p.ID+" is down")
		}
	}
	return res
}
