package syncgroup

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/quorumha/vrrpd/internal/clock"
	"github.com/quorumha/vrrpd/internal/instance"
	"github.com/quorumha/vrrpd/internal/vip"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMember(t *testing.T, name string, vrid byte, priority byte) (*instance.VirtualRouter, *clock.Fake) {
	t.Helper()
	fc := clock.NewFake()
	vr := instance.New(instance.Config{
		Name:           name,
		VRID:           vrid,
		Family:         vip.IPv4,
		InterfaceID:    "eth0",
		BasePriority:   priority,
		AdvertInterval: time.Second,
		Preempt:        true,
		VIPs:           []netip.Addr{netip.MustParseAddr("192.168.0.230")},
		Backend:        vip.NewFake(8),
		Clock:          fc,
	})
	require.NoError(t, vr.Init(context.Background(), fc.Now()))
	return vr, fc
}

func TestCanGotoMaster_DefersUntilEverySiblingWantsMaster(t *testing.T) {
	a, fcA := newMember(t, "a", 51, 100)
	b, _ := newMember(t, "b", 52, 100)
	g := New("g1", []*instance.VirtualRouter{a, b}, nil, nil)
	require.Equal(t, instance.StateBackup, g.State())

	a.SetWantState(instance.StateMaster)
	assert.False(t, g.CanGotoMaster(a, fcA.Now()), "b has not asked for master yet")

	b.SetWantState(instance.StateMaster)
	assert.True(t, g.CanGotoMaster(a, fcA.Now()))
}

func TestSyncMaster_PromotesEverySiblingAndGroup(t *testing.T) {
	a, fcA := newMember(t, "a", 51, 100)
	b, _ := newMember(t, "b", 52, 100)
	g := New("g1", []*instance.VirtualRouter{a, b}, nil, nil)

	require.NoError(t, a.GotoMaster(context.Background(), fcA.Now(), instance.MasterReasonPriority))
	g.SyncMaster(context.Background(), a, fcA.Now())

	assert.Equal(t, instance.StateMaster, g.State())
	assert.Equal(t, instance.StateMaster, b.State(), "sibling must be driven to master too")
}

func TestSyncBackup_DemotesMasterSiblingAndReleasesFaultedOne(t *testing.T) {
	a, fcA := newMember(t, "a", 51, 100)
	b, _ := newMember(t, "b", 52, 100)
	c, _ := newMember(t, "c", 53, 100)
	g := New("g1", []*instance.VirtualRouter{a, b, c}, nil, nil)

	require.NoError(t, a.GotoMaster(context.Background(), fcA.Now(), instance.MasterReasonPriority))
	g.SyncMaster(context.Background(), a, fcA.Now())
	require.NoError(t, c.EnterFault(context.Background(), fcA.Now(), "test"))
	require.Equal(t, instance.StateFault, c.State())

	require.NoError(t, a.LeaveMaster(context.Background(), fcA.Now(), false))
	g.SyncBackup(context.Background(), a, fcA.Now())

	assert.Equal(t, instance.StateBackup, g.State())
	assert.Equal(t, instance.StateBackup, b.State())
	assert.Equal(t, instance.StateBackup, c.State(), "a faulted member must be released back to backup by the group demotion")
}

func TestSyncFault_ForcesMasterSiblingsToQuiescence(t *testing.T) {
	a, fcA := newMember(t, "a", 51, 100)
	b, _ := newMember(t, "b", 52, 100)
	c, _ := newMember(t, "c", 53, 100)
	g := New("g1", []*instance.VirtualRouter{a, b, c}, nil, nil)

	require.NoError(t, a.GotoMaster(context.Background(), fcA.Now(), instance.MasterReasonPriority))
	g.SyncMaster(context.Background(), a, fcA.Now())

	require.NoError(t, c.EnterFault(context.Background(), fcA.Now(), "tracked resource down"))
	g.SyncFault(context.Background(), c, fcA.Now())

	assert.Equal(t, instance.StateFault, g.State())
	assert.Equal(t, instance.StateBackup, a.State(), "master sibling must leave master and quiesce to backup")
	assert.Equal(t, instance.StateBackup, b.State())
}

func TestValidateOwnership_RejectsMixedOwnerAndNonOwner(t *testing.T) {
	owner, _ := newMember(t, "owner", 51, 255)
	nonOwner, _ := newMember(t, "nonowner", 52, 100)
	g := New("g1", []*instance.VirtualRouter{owner, nonOwner}, nil, nil)

	err := g.ValidateOwnership()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMixedOwnership)
}

func TestComputeInitialState_AllOwnerMastersStartsMaster(t *testing.T) {
	a, _ := newMember(t, "a", 51, 255)
	b, _ := newMember(t, "b", 52, 255)
	g := New("g1", []*instance.VirtualRouter{a, b}, nil, nil)
	assert.Equal(t, instance.StateMaster, g.State())
}
