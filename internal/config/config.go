// Package config parses the YAML configuration document describing
// VirtualRouter instances and sync groups (SPEC_FULL.md section 4.6).
// It deliberately stays a thin data-shape layer: resolution into a live
// registry.Registry (name lookup, duplicate-membership rejection,
// invariant checks) is internal/registry's job, per spec.md section
// 4.2's separation between config load and instance-registry resolution.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so it can be written as "1s", "250ms",
// etc. in YAML — yaml.v3 has no built-in notion of Go durations.
type Duration time.Duration

// UnmarshalYAML parses a YAML scalar as a Go duration string.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Get returns the wrapped time.Duration.
func (d Duration) Get() time.Duration { return time.Duration(d) }

// Document is the top-level configuration shape.
type Document struct {
	Defaults   Defaults          `yaml:"defaults"`
	Instances  []InstanceConfig  `yaml:"instances"`
	SyncGroups []SyncGroupConfig `yaml:"sync_groups"`
	Notify     NotifyConfig      `yaml:"notify"`
}

// Defaults are applied to any InstanceConfig field left at its zero
// value, matching keepalived's global_defs block.
type Defaults struct {
	AdvertInterval   Duration `yaml:"advert_interval"`
	Preempt          *bool    `yaml:"preempt"`
	AnnounceCount    int      `yaml:"announce_count"`
	AnnounceInterval Duration `yaml:"announce_interval"`
}

// InstanceConfig describes one VirtualRouter (spec.md section 3).
type InstanceConfig struct {
	Name             string      `yaml:"name"`
	VRID             byte        `yaml:"vrid"`
	Family           string      `yaml:"family"` // "ipv4" or "ipv6"
	Interface        string      `yaml:"interface"`
	PrimaryAddr      string      `yaml:"primary_addr"`
	Priority         byte        `yaml:"priority"`
	AdvertInterval   Duration    `yaml:"advert_interval"`
	Preempt          *bool       `yaml:"preempt"`
	VIPs             []string    `yaml:"vips"`
	EVIPs            []string    `yaml:"evips"`
	AnnounceCount    int         `yaml:"announce_count"`
	AnnounceInterval Duration    `yaml:"announce_interval"`
	Track            TrackConfig `yaml:"track"`
}

// TrackConfig describes the Track Subsystem sources for one instance
// (spec.md section 4.3).
type TrackConfig struct {
	Interfaces []TrackInterface `yaml:"interfaces"`
	Scripts    []TrackScript    `yaml:"scripts"`
	Files      []TrackFile      `yaml:"files"`
	Routes     []TrackRoute     `yaml:"routes"`
}

type TrackInterface struct {
	Name     string `yaml:"name"`
	Weight   int    `yaml:"weight"`
	Weighted bool   `yaml:"weighted"`
}

type TrackScript struct {
	Name     string   `yaml:"name"`
	Path     string   `yaml:"path"`
	Args     []string `yaml:"args"`
	Weight   int      `yaml:"weight"`
	Weighted bool     `yaml:"weighted"`
}

type TrackFile struct {
	Name     string   `yaml:"name"`
	Path     string   `yaml:"path"`
	UpValues []string `yaml:"up_values"`
	Weight   int      `yaml:"weight"`
	Weighted bool     `yaml:"weighted"`
}

type TrackRoute struct {
	Name        string `yaml:"name"`
	Destination string `yaml:"destination"`
	Weight      int    `yaml:"weight"`
	Weighted    bool   `yaml:"weighted"`
}

// SyncGroupConfig names a sync group and its member instances by name
// (spec.md section 3's transient name vector, resolved once at load).
type SyncGroupConfig struct {
	Name    string   `yaml:"name"`
	Members []string `yaml:"members"`
}

// NotifyConfig configures the Notifier (SPEC_FULL.md section 4.7/4.5).
type NotifyConfig struct {
	MaxConcurrentScripts int64          `yaml:"max_concurrent_scripts"`
	InstanceScripts      []ScriptConfig `yaml:"instance_scripts"`
	GroupScripts         []ScriptConfig `yaml:"group_scripts"`
}

type ScriptConfig struct {
	Path string   `yaml:"path"`
	Args []string `yaml:"args"`
}

// Load reads and parses a configuration file.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse parses a configuration document from bytes.
func Parse(data []byte) (*Document, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	return &doc, nil
}
