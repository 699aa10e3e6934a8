// Package sched implements the single-threaded cooperative scheduler of
// spec.md section 5: one goroutine owns every VirtualRouter's FSM and
// the sync-group coordinator, driven by a single select over the timer
// wheel, inbound advertisements, and track-subsystem polls. No instance
// or group ever has two goroutines touching it at once.
//
// This is the one place this daemon's concurrency shape deliberately
// departs from a goroutine-per-connection style: sync-group transitions
// (SPEC_FULL.md section 5) must run to completion without another
// instance's event interleaving partway through, which a goroutine per
// VirtualRouter cannot guarantee without its own coordination layer on
// top. Per-instance I/O (advertisement receive, track probes) still runs
// on its own goroutine, exactly as a teacher package might structure its
// reader loops; only the state mutation is pulled onto one goroutine.
package sched

import (
	"context"
	"time"

	"github.com/quorumha/vrrpd/internal/clock"
	"github.com/quorumha/vrrpd/internal/instance"
	"github.com/quorumha/vrrpd/internal/metrics"
	"github.com/quorumha/vrrpd/internal/syncgroup"
	"github.com/quorumha/vrrpd/internal/track"
	"github.com/quorumha/vrrpd/internal/vip"

	"github.com/sirupsen/logrus"
)

// DefaultTrackPollInterval is how often track probes are polled absent
// an explicit Loop.TrackPollInterval (spec.md section 4.3 leaves the
// poll cadence to the implementation).
const DefaultTrackPollInterval = time.Second

type advertMsg struct {
	name string
	pkt  *vip.Packet
	err  error
}

type trackMsg struct {
	name   string
	result track.Result
}

// Loop is the scheduler. Build one with New, register every instance
// with Add, attach groups with AttachGroup, then call Run.
type Loop struct {
	clock clock.Source
	wheel *clock.Wheel
	log   *logrus.Entry

	TrackPollInterval time.Duration
	Metrics           *metrics.Collector

	instances map[string]*instance.VirtualRouter
	groupOf   map[string]*syncgroup.Group
	trackers  map[string]*track.Aggregator

	advertCh chan advertMsg
	trackCh  chan trackMsg
}

// New returns an empty Loop. clk is typically clock.System{} in
// production and a clock.Fake in tests.
func New(clk clock.Source, log *logrus.Entry) *Loop {
	if log == nil {
		log = logrus.WithField("component", "sched")
	}
	return &Loop{
		clock:     clk,
		wheel:     clock.NewWheel(),
		log:       log,
		instances: make(map[string]*instance.VirtualRouter),
		groupOf:   make(map[string]*syncgroup.Group),
		trackers:  make(map[string]*track.Aggregator),
		advertCh:  make(chan advertMsg, 64),
		trackCh:   make(chan trackMsg, 64),
	}
}

// Add registers vr with the loop. tracker may be nil if the instance has
// no track subsystem configuration.
func (l *Loop) Add(vr *instance.VirtualRouter, tracker *track.Aggregator) {
	l.instances[vr.Key()] = vr
	if tracker != nil {
		l.trackers[vr.Key()] = tracker
	}
}

// AttachGroup records g as the coordinator for every one of its
// members, so the loop knows to gate and propagate their transitions
// through it.
func (l *Loop) AttachGroup(g *syncgroup.Group) {
	for _, m := range g.Members {
		l.groupOf[m.Key()] = g
	}
}

// Init runs every registered instance's Init and arms its first timer
// (spec.md section 4.1, INIT's outgoing transition). Call once, after
// every instance and group has been added.
func (l *Loop) Init(ctx context.Context) error {
	now := l.clock.Now()
	for _, vr := range l.instances {
		if err := vr.Init(ctx, now); err != nil {
			return err
		}
		l.wheel.Schedule(vr.Key(), vr.Sands())
		if l.Metrics != nil {
			l.Metrics.ObserveInstance(vr)
		}
	}
	return nil
}

// Run drives the loop until ctx is canceled. It starts one receiver
// goroutine per instance backend and one ticker for track polling, then
// services the timer wheel and both channels from a single select —
// every instance.VirtualRouter and syncgroup.Group mutation in this
// process happens on this goroutine.
func (l *Loop) Run(ctx context.Context) error {
	for key, vr := range l.instances {
		go l.receiveLoop(ctx, key, vr)
	}

	interval := l.TrackPollInterval
	if interval <= 0 {
		interval = DefaultTrackPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	go l.trackPollLoop(ctx, ticker)

	for {
		var timerC <-chan time.Time
		var timer *time.Timer
		if key, deadline, ok := l.wheel.Peek(); ok {
			d := deadline.Sub(l.clock.Now())
			if d < 0 {
				d = 0
			}
			timer = time.NewTimer(d)
			timerC = timer.C
			_ = key
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			// Orderly shutdown: a MASTER resigns with a priority-0 advert
			// and removes its VIPs, then every backend's sockets are
			// released. ctx is already canceled, so teardown uses its own.
			teardown := context.Background()
			for _, vr := range l.instances {
				if err := vr.LeaveMaster(teardown, l.clock.Now(), true); err != nil {
					l.log.WithError(err).WithField("instance", vr.Name()).Warn("leave master on shutdown failed")
				}
				_ = vr.Backend().Close()
			}
			return ctx.Err()

		case <-timerC:
			key, _, ok := l.wheel.Peek()
			if ok {
				l.fireTimer(ctx, key)
			}

		case msg := <-l.advertCh:
			if timer != nil {
				timer.Stop()
			}
			l.deliverAdvert(ctx, msg)
			continue

		case msg := <-l.trackCh:
			if timer != nil {
				timer.Stop()
			}
			l.deliverTrack(ctx, msg)
			continue
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

func (l *Loop) receiveLoop(ctx context.Context, key string, vr *instance.VirtualRouter) {
	for {
		pkt, err := vr.Backend().RecvAdvert(ctx)
		if ctx.Err() != nil {
			return
		}
		select {
		case l.advertCh <- advertMsg{name: key, pkt: pkt, err: err}:
		case <-ctx.Done():
			return
		}
	}
}

func (l *Loop) trackPollLoop(ctx context.Context, ticker *time.Ticker) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for key, agg := range l.trackers {
				res := agg.Poll(ctx)
				select {
				case l.trackCh <- trackMsg{name: key, result: res}:
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

func (l *Loop) fireTimer(ctx context.Context, key string) {
	vr, ok := l.instances[key]
	if !ok {
		l.wheel.Cancel(key)
		return
	}
	now := l.clock.Now()
	event := vr.OnTimerFired(ctx, now)
	l.handleEvent(ctx, vr, event, now)
	l.wheel.Schedule(key, vr.Sands())
	l.observe(vr)
}

func (l *Loop) deliverAdvert(ctx context.Context, msg advertMsg) {
	if msg.err != nil {
		l.log.WithError(msg.err).WithField("instance", msg.name).Warn("advertisement receive failed")
		if vr, ok := l.instances[msg.name]; ok {
			vr.RecordProtocolError()
			l.observe(vr)
		}
		return
	}
	vr, ok := l.instances[msg.name]
	if !ok {
		return
	}
	now := l.clock.Now()
	event := vr.OnAdvertReceived(ctx, msg.pkt, now)
	l.handleEvent(ctx, vr, event, now)
	l.wheel.Schedule(msg.name, vr.Sands())
	l.observe(vr)
}

func (l *Loop) deliverTrack(ctx context.Context, msg trackMsg) {
	vr, ok := l.instances[msg.name]
	if !ok {
		return
	}
	now := l.clock.Now()
	for _, edge := range msg.result.Edges {
		l.log.WithField("instance", msg.name).WithField("source", edge.Source).WithField("up", edge.Up).Debug("track edge")
	}
	wasFault := vr.State() == instance.StateFault
	vr.AdjustPriority(msg.result.PriorityDelta)

	switch {
	case msg.result.Faulted && !wasFault:
		reason := "track fault"
		if len(msg.result.FaultReasons) > 0 {
			reason = msg.result.FaultReasons[0]
		}
		if err := vr.EnterFault(ctx, now, reason); err != nil {
			l.log.WithError(err).WithField("instance", msg.name).Warn("enter fault failed")
		}
		l.handleEvent(ctx, vr, instance.EventFaulted, now)
	case !msg.result.Faulted && wasFault:
		prev := vr.State()
		if err := vr.LeaveFault(ctx, prev, now); err != nil {
			l.log.WithError(err).WithField("instance", msg.name).Warn("leave fault failed")
		}
		l.handleEvent(ctx, vr, instance.EventRecovered, now)
	}

	l.wheel.Schedule(msg.name, vr.Sands())
	l.observe(vr)
}

// handleEvent is where a realized or requested FSM transition is gated
// and propagated through this instance's sync group, if any (spec.md
// section 4.2). EventWantMaster is the only event requiring a gate
// before acting; the other three have already happened on vr by the
// time they reach here and only need propagating to siblings.
func (l *Loop) handleEvent(ctx context.Context, vr *instance.VirtualRouter, event instance.Event, now time.Time) {
	group := l.groupOf[vr.Key()]

	switch event {
	case instance.EventWantMaster:
		if group != nil && !group.CanGotoMaster(vr, now) {
			return
		}
		if err := vr.GotoMaster(ctx, now, instance.MasterReasonPriority); err != nil {
			l.log.WithError(err).WithField("instance", vr.Name()).Warn("goto master failed")
			return
		}
		if group != nil {
			group.SyncMaster(ctx, vr, now)
		}

	case instance.EventDemoted:
		if group != nil {
			group.SyncBackup(ctx, vr, now)
		}

	case instance.EventFaulted:
		if group != nil {
			group.SyncFault(ctx, vr, now)
		}

	case instance.EventRecovered:
		if group != nil {
			group.SyncBackup(ctx, vr, now)
		}
	}
}

func (l *Loop) observe(vr *instance.VirtualRouter) {
	if l.Metrics != nil {
		l.Metrics.ObserveInstance(vr)
	}
}

