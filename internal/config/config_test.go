package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleDoc = `
defaults:
  advert_interval: 1s
  announce_count: 3
  announce_interval: 20ms

instances:
  - name: web-vip
    vrid: 51
    family: ipv4
    interface: eth0
    primary_addr: 192.168.0.220
    priority: 150
    preempt: true
    vips: ["192.168.0.230"]
    track:
      interfaces:
        - name: eth1
          weighted: true
          weight: 20
      scripts:
        - name: check_nginx
          path: /usr/local/bin/check_nginx.sh
          weighted: false

  - name: db-vip
    vrid: 52
    family: ipv4
    interface: eth0
    priority: 100
    vips: ["192.168.0.231"]

sync_groups:
  - name: g1
    members: ["web-vip", "db-vip"]

notify:
  max_concurrent_scripts: 2
  instance_scripts:
    - path: /usr/local/bin/notify_instance.sh
  group_scripts:
    - path: /usr/local/bin/notify_group.sh
      args: ["--verbose"]
`

func TestParse_ParsesFullDocument(t *testing.T) {
	doc, err := Parse([]byte(sampleDoc))
	require.NoError(t, err)

	assert.Equal(t, time.Second, doc.Defaults.AdvertInterval.Get())
	require.Len(t, doc.Instances, 2)

	web := doc.Instances[0]
	assert.Equal(t, byte(51), web.VRID)
	assert.Equal(t, "ipv4", web.Family)
	assert.Equal(t, []string{"192.168.0.230"}, web.VIPs)
	require.Len(t, web.Track.Interfaces, 1)
	assert.True(t, web.Track.Interfaces[0].Weighted)
	assert.Equal(t, 20, web.Track.Interfaces[0].Weight)
	require.Len(t, web.Track.Scripts, 1)
	assert.Equal(t, "check_nginx", web.Track.Scripts[0].Name)

	require.Len(t, doc.SyncGroups, 1)
	assert.Equal(t, []string{"web-vip", "db-vip"}, doc.SyncGroups[0].Members)

	assert.EqualValues(t, 2, doc.Notify.MaxConcurrentScripts)
	require.Len(t, doc.Notify.GroupScripts, 1)
	assert.Equal(t, []string{"--verbose"}, doc.Notify.GroupScripts[0].Args)
}

func TestDuration_RejectsUnparseableValue(t *testing.T) {
	_, err := Parse([]byte("defaults:\n  advert_interval: not-a-duration\n"))
	require.Error(t, err)
}

func TestLoad_ReturnsErrorForMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/to/vrrpd.yaml")
	require.Error(t, err)
}
