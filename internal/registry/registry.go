// Package registry resolves a parsed config.Document into a live set of
// instance.VirtualRouter and syncgroup.Group objects (spec.md section
// 4.2's "Resolution"): names are looked up once, duplicate or missing
// membership is reported and skipped, and the transient name vectors
// are discarded once resolution completes.
package registry

import (
	"fmt"
	"net/netip"
	"sort"
	"time"

	"github.com/quorumha/vrrpd/internal/config"
	"github.com/quorumha/vrrpd/internal/instance"
	"github.com/quorumha/vrrpd/internal/notify"
	"github.com/quorumha/vrrpd/internal/syncgroup"
	"github.com/quorumha/vrrpd/internal/track"
	"github.com/quorumha/vrrpd/internal/vip"

	"github.com/sirupsen/logrus"
)

// BackendFactory builds the VipBackend for one instance. Production
// callers pass a factory that opens a LinuxBackend; tests pass one
// returning vip.NewFake.
type BackendFactory func(ic config.InstanceConfig) (vip.Backend, error)

// Deps are the external collaborators threaded through resolution.
type Deps struct {
	Backend BackendFactory
	Notify  notify.Sink
	Log     *logrus.Entry
}

// Registry is the resolved instance and group set, plus every
// configuration report (errors, warnings) produced along the way.
type Registry struct {
	Instances map[string]*instance.VirtualRouter
	Groups    map[string]*syncgroup.Group
	Order     []string // instance names, config order, for deterministic iteration
	Reports   []string

	log *logrus.Entry
}

func (r *Registry) report(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	r.Reports = append(r.Reports, msg)
	if r.log != nil {
		r.log.Warn(msg)
	}
}

// Build resolves doc into a Registry. Configuration errors (spec.md
// section 7) are collected in Registry.Reports; the offending entity is
// skipped and resolution continues.
func Build(doc *config.Document, deps Deps) (*Registry, error) {
	if deps.Log == nil {
		deps.Log = logrus.WithField("component", "registry")
	}
	reg := &Registry{
		Instances: make(map[string]*instance.VirtualRouter),
		Groups:    make(map[string]*syncgroup.Group),
		log:       deps.Log,
	}

	for _, ic := range doc.Instances {
		vr, err := buildInstance(ic, doc.Defaults, deps)
		if err != nil {
			reg.report("instance %s: %v, skipping", ic.Name, err)
			continue
		}
		if _, exists := reg.Instances[vr.Name()]; exists {
			reg.report("duplicate virtual router name %s, skipping", vr.Name())
			continue
		}
		reg.Instances[vr.Name()] = vr
		reg.Order = append(reg.Order, vr.Name())
	}

	for _, sg := range doc.SyncGroups {
		reg.resolveGroup(sg, deps)
	}

	return reg, nil
}

// BuildTrackAggregator constructs the track.Aggregator for one instance
// from its config, wiring weighted and binary probes per SPEC_FULL.md
// section 4.10.
func BuildTrackAggregator(ic config.InstanceConfig) *track.Aggregator {
	var probes []track.Probe
	for _, t := range ic.Track.Interfaces {
		probes = append(probes, track.Probe{
			ID:       "interface:" + t.Name,
			Source:   track.InterfaceSource{Name: t.Name},
			Weighted: t.Weighted,
			Delta:    t.Weight,
		})
	}
	for _, t := range ic.Track.Scripts {
		probes = append(probes, track.Probe{
			ID:       "script:" + t.Name,
			Source:   track.ScriptSource{Path: t.Path, Args: t.Args},
			Weighted: t.Weighted,
			Delta:    t.Weight,
		})
	}
	for _, t := range ic.Track.Files {
		probes = append(probes, track.Probe{
			ID:       "file:" + t.Name,
			Source:   track.FileSource{Path: t.Path, UpValues: t.UpValues},
			Weighted: t.Weighted,
			Delta:    t.Weight,
		})
	}
	for _, t := range ic.Track.Routes {
		probes = append(probes, track.Probe{
			ID:       "route:" + t.Name,
			Source:   track.RouteSource{Destination: t.Destination},
			Weighted: t.Weighted,
			Delta:    t.Weight,
		})
	}
	return track.NewAggregator(probes)
}

func buildInstance(ic config.InstanceConfig, defaults config.Defaults, deps Deps) (*instance.VirtualRouter, error) {
	if ic.Name == "" {
		return nil, fmt.Errorf("missing name")
	}
	if ic.VRID < 1 {
		return nil, fmt.Errorf("vrid must be in 1..255")
	}
	family := vip.IPv4
	if ic.Family == "ipv6" {
		family = vip.IPv6
	}

	vips, err := parseAddrs(ic.VIPs)
	if err != nil {
		return nil, err
	}
	evips, err := parseAddrs(ic.EVIPs)
	if err != nil {
		return nil, err
	}

	advertInterval := ic.AdvertInterval.Get()
	if advertInterval == 0 {
		advertInterval = defaults.AdvertInterval.Get()
	}
	if advertInterval == 0 {
		advertInterval = time.Second
	}

	preempt := true
	if ic.Preempt != nil {
		preempt = *ic.Preempt
	} else if defaults.Preempt != nil {
		preempt = *defaults.Preempt
	}

	announceCount := ic.AnnounceCount
	if announceCount == 0 {
		announceCount = defaults.AnnounceCount
	}
	announceInterval := ic.AnnounceInterval.Get()
	if announceInterval == 0 {
		announceInterval = defaults.AnnounceInterval.Get()
	}

	var backend vip.Backend
	if deps.Backend != nil {
		backend, err = deps.Backend(ic)
		if err != nil {
			return nil, fmt.Errorf("opening vip backend: %w", err)
		}
	}

	log := deps.Log
	if log != nil {
		log = log.WithField("instance", ic.Name).WithField("vrid", ic.VRID)
	}

	vr := instance.New(instance.Config{
		Name:             ic.Name,
		VRID:             ic.VRID,
		Family:           family,
		InterfaceID:      ic.Interface,
		BasePriority:     ic.Priority,
		AdvertInterval:   advertInterval,
		Preempt:          preempt,
		VIPs:             vips,
		EVIPs:            evips,
		AnnounceCount:    announceCount,
		AnnounceInterval: announceInterval,
		Backend:          backend,
		Notify:           deps.Notify,
		Log:              log,
	})

	if ic.PrimaryAddr != "" {
		addr, err := netip.ParseAddr(ic.PrimaryAddr)
		if err != nil {
			return nil, fmt.Errorf("invalid primary_addr %q: %w", ic.PrimaryAddr, err)
		}
		vr.SetPrimaryAddr(addr)
	}

	return vr, nil
}

func parseAddrs(in []string) ([]netip.Addr, error) {
	out := make([]netip.Addr, 0, len(in))
	for _, s := range in {
		a, err := netip.ParseAddr(s)
		if err != nil {
			return nil, fmt.Errorf("invalid address %q: %w", s, err)
		}
		out = append(out, a)
	}
	return out, nil
}

// resolveGroup implements spec.md section 4.2's "Resolution": look up
// each member name, report-and-skip missing names or names already
// claimed by another group, discard the group if it ends up empty,
// retain but warn about single-member groups, and flag mixed
// owner/non-owner membership.
func (r *Registry) resolveGroup(sg config.SyncGroupConfig, deps Deps) {
	var members []*instance.VirtualRouter
	for _, name := range sg.Members {
		vr, ok := r.Instances[name]
		if !ok {
			r.report("sync group %s: virtual router %s not found, skipping", sg.Name, name)
			continue
		}
		if vr.SyncGroupName != "" {
			r.report("sync group %s: virtual router %s already in group %s, skipping", sg.Name, name, vr.SyncGroupName)
			continue
		}
		members = append(members, vr)
	}

	if len(members) == 0 {
		r.report("sync group %s: no matching virtual router found in group declaration, removing", sg.Name)
		return
	}
	if len(members) == 1 {
		r.report("sync group %s has only 1 virtual router - this probably isn't what you want", sg.Name)
	}

	group := syncgroup.New(sg.Name, members, deps.Log, deps.Notify)
	if err := group.ValidateOwnership(); err != nil {
		r.report("%v", err)
	}

	r.Groups[sg.Name] = group
}

// SortedInstanceNames returns instance names sorted lexically, a stable,
// deterministic order independent of config order — used by the
// idempotence law of spec.md section 8: applying the same config twice
// yields identical registries.
func (r *Registry) SortedInstanceNames() []string {
	names := append([]string(nil), r.Order...)
	sort.Strings(names)
	return names
}
