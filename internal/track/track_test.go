package track

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

type fakeSource struct {
	up  bool
	err error
}

func (f *fakeSource) Poll(ctx context.Context) (bool, error) { return f.up, f.err }

func TestAggregator_WeightedProbeShiftsPriority(t *testing.T) {
	src := &fakeSource{up: true}
	agg := NewAggregator([]Probe{{ID: "eth1", Source: src, Weighted: true, Delta: 20}})

	res := agg.Poll(context.Background())
	assert.Equal(t, 20, res.PriorityDelta)
	assert.False(t, res.Faulted)
	assert.Len(t, res.Edges, 1, "first poll always reports an edge")
}

func TestAggregator_BinaryProbeDownFaults(t *testing.T) {
	src := &fakeSource{up: false}
	agg := NewAggregator([]Probe{{ID: "eth0", Source: src, Weighted: false}})

	res := agg.Poll(context.Background())
	assert.True(t, res.Faulted)
	assert.Equal(t, []string{"eth0 is down"}, res.FaultReasons)
}

func TestAggregator_ScriptErrorTreatedAsDown(t *testing.T) {
	src := &fakeSource{up: true, err: errors.New("exec: script not found")}
	agg := NewAggregator([]Probe{{ID: "check.sh", Source: src, Weighted: false}})

	res := agg.Poll(context.Background())
	assert.True(t, res.Faulted, "a probe error must be treated as down")
}

func TestAggregator_OnlyChangedProbesReportEdges(t *testing.T) {
	src := &fakeSource{up: true}
	agg := NewAggregator([]Probe{{ID: "eth1", Source: src, Weighted: true, Delta: 10}})

	first := agg.Poll(context.Background())
	assert.Len(t, first.Edges, 1)

	second := agg.Poll(context.Background())
	assert.Empty(t, second.Edges, "unchanged state between polls must not re-report an edge")

	src.up = false
	third := agg.Poll(context.Background())
	assert.Len(t, third.Edges, 1)
	assert.False(t, third.Edges[0].Up)
}

func TestAggregator_MultipleWeightedProbesSum(t *testing.T) {
	a := &fakeSource{up: true}
	b := &fakeSource{up: false}
	agg := NewAggregator([]Probe{
		{ID: "a", Source: a, Weighted: true, Delta: 15},
		{ID: "b", Source: b, Weighted: true, Delta: 30},
	})

	res := agg.Poll(context.Background())
	assert.Equal(t, 15, res.PriorityDelta)
	assert.False(t, res.Faulted)
}
