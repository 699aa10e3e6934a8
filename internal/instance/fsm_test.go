package instance

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/quorumha/vrrpd/internal/clock"
	"github.com/quorumha/vrrpd/internal/vip"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRouter(t *testing.T, basePriority byte, preempt bool) (*VirtualRouter, *clock.Fake, *vip.Fake) {
	t.Helper()
	fc := clock.NewFake()
	backend := vip.NewFake(8)
	vr := New(Config{
		Name:           "vr1",
		VRID:           51,
		Family:         vip.IPv4,
		InterfaceID:    "eth0",
		BasePriority:   basePriority,
		AdvertInterval: time.Second,
		Preempt:        preempt,
		VIPs:           []netip.Addr{netip.MustParseAddr("192.168.0.230")},
		Backend:        backend,
		Clock:          fc,
	})
	vr.SetPrimaryAddr(netip.MustParseAddr("192.168.0.220"))
	return vr, fc, backend
}

func TestInit_AddressOwnerGoesStraightToMaster(t *testing.T) {
	vr, fc, backend := newTestRouter(t, 255, true)
	require.NoError(t, vr.Init(context.Background(), fc.Now()))
	assert.Equal(t, StateMaster, vr.State())
	assert.True(t, backend.Installed(netip.MustParseAddr("192.168.0.230")))
}

func TestInit_NonOwnerBecomesBackup(t *testing.T) {
	vr, fc, backend := newTestRouter(t, 100, true)
	require.NoError(t, vr.Init(context.Background(), fc.Now()))
	assert.Equal(t, StateBackup, vr.State())
	assert.False(t, backend.Installed(netip.MustParseAddr("192.168.0.230")))
}

func TestOnTimerFired_BackupMasterDownExpiryWantsMaster(t *testing.T) {
	vr, fc, _ := newTestRouter(t, 100, true)
	require.NoError(t, vr.Init(context.Background(), fc.Now()))

	fc.Advance(vr.MasterDownInterval())
	event := vr.OnTimerFired(context.Background(), fc.Now())
	assert.Equal(t, EventWantMaster, event)
	assert.Equal(t, StateMaster, vr.WantState())
}

func TestOnAdvertReceived_HigherPriorityDemotesMaster(t *testing.T) {
	vr, fc, backend := newTestRouter(t, 100, true)
	require.NoError(t, vr.Init(context.Background(), fc.Now()))
	require.NoError(t, vr.GotoMaster(context.Background(), fc.Now(), MasterReasonPriority))
	require.Equal(t, StateMaster, vr.State())

	pkt := vip.NewAdvertisement(vip.VersionV3, 51, 200, 100, nil, vip.IPv4)
	pkt.SrcAddr = netip.MustParseAddr("192.168.0.100").AsSlice()

	event := vr.OnAdvertReceived(context.Background(), pkt, fc.Now())
	assert.Equal(t, EventDemoted, event)
	assert.Equal(t, StateBackup, vr.State())
	assert.False(t, backend.Installed(netip.MustParseAddr("192.168.0.230")))
}

func TestOnAdvertReceived_LowerPriorityIgnoredByMaster(t *testing.T) {
	vr, fc, _ := newTestRouter(t, 100, true)
	require.NoError(t, vr.Init(context.Background(), fc.Now()))
	require.NoError(t, vr.GotoMaster(context.Background(), fc.Now(), MasterReasonPriority))

	pkt := vip.NewAdvertisement(vip.VersionV3, 51, 50, 100, nil, vip.IPv4)
	pkt.SrcAddr = netip.MustParseAddr("192.168.0.100").AsSlice()

	event := vr.OnAdvertReceived(context.Background(), pkt, fc.Now())
	assert.Equal(t, EventNone, event)
	assert.Equal(t, StateMaster, vr.State())
}

func TestOnAdvertReceived_PriorityZeroFromMasterShortensDeadlineToSkewTime(t *testing.T) {
	vr, fc, _ := newTestRouter(t, 100, true)
	require.NoError(t, vr.Init(context.Background(), fc.Now()))
	require.Equal(t, StateBackup, vr.State())

	pkt := vip.NewAdvertisement(vip.VersionV3, 51, 0, 100, nil, vip.IPv4)
	pkt.SrcAddr = netip.MustParseAddr("192.168.0.100").AsSlice()

	event := vr.OnAdvertReceived(context.Background(), pkt, fc.Now())
	assert.Equal(t, EventNone, event)
	assert.Equal(t, StateBackup, vr.State())
	assert.Equal(t, fc.Now().Add(vr.SkewTime()), vr.Sands(), "a resigning master must shorten the deadline to skew_time, not the full master_down_interval")
	assert.EqualValues(t, 1, vr.Stats().PriorityZeroRx)

	fc.Advance(vr.SkewTime())
	event = vr.OnTimerFired(context.Background(), fc.Now())
	assert.Equal(t, EventWantMaster, event, "the shortened deadline must still drive promotion once it elapses")
}

func TestOnAdvertReceived_NoPreemptMasterStillYieldsToHigherPriority(t *testing.T) {
	vr, fc, _ := newTestRouter(t, 100, false)
	require.NoError(t, vr.Init(context.Background(), fc.Now()))
	require.NoError(t, vr.GotoMaster(context.Background(), fc.Now(), MasterReasonPriority))

	pkt := vip.NewAdvertisement(vip.VersionV3, 51, 150, 100, nil, vip.IPv4)
	pkt.SrcAddr = netip.MustParseAddr("192.168.0.100").AsSlice()

	event := vr.OnAdvertReceived(context.Background(), pkt, fc.Now())
	assert.Equal(t, EventDemoted, event)
	assert.Equal(t, StateBackup, vr.State(), "preempt only governs backups; a master always yields to a higher-priority peer")
}

func TestLeaveMaster_RemovesVIPsBeforeBecomingBackup(t *testing.T) {
	vr, fc, backend := newTestRouter(t, 100, true)
	require.NoError(t, vr.Init(context.Background(), fc.Now()))
	require.NoError(t, vr.GotoMaster(context.Background(), fc.Now(), MasterReasonPriority))
	require.True(t, backend.Installed(netip.MustParseAddr("192.168.0.230")))

	require.NoError(t, vr.LeaveMaster(context.Background(), fc.Now(), true))
	assert.Equal(t, StateBackup, vr.State())
	assert.False(t, backend.Installed(netip.MustParseAddr("192.168.0.230")))
	assert.EqualValues(t, 1, vr.Stats().PriorityZeroTx)
}

func TestEnterFault_RemovesVIPsWhenLeavingMaster(t *testing.T) {
	vr, fc, backend := newTestRouter(t, 100, true)
	require.NoError(t, vr.Init(context.Background(), fc.Now()))
	require.NoError(t, vr.GotoMaster(context.Background(), fc.Now(), MasterReasonPriority))

	require.NoError(t, vr.EnterFault(context.Background(), fc.Now(), "tracked interface down"))
	assert.Equal(t, StateFault, vr.State())
	assert.False(t, backend.Installed(netip.MustParseAddr("192.168.0.230")))
	assert.Equal(t, "tracked interface down", vr.FaultReason())
}

func TestLeaveFault_RecoversToBackup(t *testing.T) {
	vr, fc, _ := newTestRouter(t, 100, true)
	require.NoError(t, vr.Init(context.Background(), fc.Now()))
	require.NoError(t, vr.EnterFault(context.Background(), fc.Now(), "down"))

	require.NoError(t, vr.LeaveFault(context.Background(), StateFault, fc.Now()))
	assert.Equal(t, StateBackup, vr.State())
}

func TestOnAdvertReceived_VRIDMismatchIsIgnoredButCounted(t *testing.T) {
	vr, fc, _ := newTestRouter(t, 100, true)
	require.NoError(t, vr.Init(context.Background(), fc.Now()))

	pkt := vip.NewAdvertisement(vip.VersionV3, 52, 200, 100, nil, vip.IPv4)
	pkt.SrcAddr = netip.MustParseAddr("192.168.0.100").AsSlice()

	event := vr.OnAdvertReceived(context.Background(), pkt, fc.Now())
	assert.Equal(t, EventNone, event)
	assert.EqualValues(t, 1, vr.Stats().ProtocolErrors)
}

func TestRecordProtocolError_IncrementsCounter(t *testing.T) {
	vr, _, _ := newTestRouter(t, 100, true)
	vr.RecordProtocolError()
	vr.RecordProtocolError()
	assert.EqualValues(t, 2, vr.Stats().ProtocolErrors)
}

func TestGotoMaster_BackendInstallFailureEntersFault(t *testing.T) {
	vr, fc, backend := newTestRouter(t, 100, true)
	require.NoError(t, vr.Init(context.Background(), fc.Now()))
	backend.FailNextInstall(&vip.Error{Kind: vip.FailureInUse, Op: "install", Err: assertError{}})

	require.NoError(t, vr.GotoMaster(context.Background(), fc.Now(), MasterReasonPriority))
	assert.Equal(t, StateFault, vr.State())
}

type assertError struct{}

func (assertError) Error() string { return "address already in use" }
