package netchange

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	sqliteadapter "endpoint-posture/internal/adapters/store/sqlite"
	"endpoint-posture/internal/domain/model"
	"endpoint-posture/internal/platform/normalize"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var at = time.Date(2024, 3, 2, 8, 30, 0, 0, time.UTC)

func eth0(mac string) model.NetworkInfo {
	return model.NetworkInfo{
		ClientID:      3,
		InterfaceName: "eth0",
		IPAddress:     "10.0.0.5",
		MACAddress:    mac,
		DHCPEnabled:   true,
	}
}

func TestDetect_MACOnly(t *testing.T) {
	prev := eth0("aa:bb:cc:00:00:01")
	prev.SnapshotID = 10
	curr := eth0("aa:bb:cc:00:00:02")
	curr.SnapshotID = 11

	changes := Detect(&prev, &curr, at)
	require.Len(t, changes, 1)
	c := changes[0]
	assert.Equal(t, model.ChangeMACChanged, c.ChangeType)
	assert.Equal(t, "aa:bb:cc:00:00:01", c.OldMACAddress)
	assert.Equal(t, "aa:bb:cc:00:00:02", c.NewMACAddress)
	assert.Empty(t, c.OldIPAddress)
	assert.Empty(t, c.NewIPAddress)
	assert.Equal(t, int64(10), c.OldSnapshotID)
	assert.Equal(t, int64(11), c.NewSnapshotID)
}

func TestDetect_OneRecordPerField(t *testing.T) {
	prev := eth0("aa:bb:cc:00:00:01")
	curr := eth0("aa:bb:cc:00:00:02")
	curr.IPAddress = "10.0.0.9"
	curr.IPv6Address = "fe80::1"
	curr.DHCPEnabled = false

	changes := Detect(&prev, &curr, at)
	kinds := make([]model.ChangeType, 0, len(changes))
	for _, c := range changes {
		kinds = append(kinds, c.ChangeType)
	}
	assert.Equal(t, []model.ChangeType{
		model.ChangeIPChanged, model.ChangeIPv6Changed, model.ChangeMACChanged, model.ChangeDHCPDisabled,
	}, kinds)
	assert.Empty(t, changes[0].OldMACAddress, "ip change must not carry mac fields")
}

func TestDetect_NoChange(t *testing.T) {
	prev := eth0("AA-BB-CC-00-00-01")
	curr := eth0("aa:bb:cc:00:00:01")
	assert.Empty(t, Detect(&prev, &curr, at))
}

func TestDetect_EquivalentSpellingsAreNotChanges(t *testing.T) {
	prev := eth0("aa:bb:cc:00:00:01")
	prev.IPAddress = "10.0.0.5"
	prev.IPv6Address = "fe80::1"
	curr := eth0("AABB.CC00.0001")
	curr.IPAddress = " 10.0.0.5 "
	curr.IPv6Address = "FE80:0:0:0:0:0:0:1"
	assert.Empty(t, Detect(&prev, &curr, at))

	curr.IPv6Address = "fe80::2"
	changes := Detect(&prev, &curr, at)
	require.Len(t, changes, 1)
	assert.Equal(t, model.ChangeIPv6Changed, changes[0].ChangeType)
}

func TestDetect_AddedAndRemoved(t *testing.T) {
	curr := eth0("aa:bb:cc:00:00:01")
	added := Detect(nil, &curr, at)
	require.Len(t, added, 1)
	assert.Equal(t, model.ChangeInterfaceAdded, added[0].ChangeType)
	assert.Equal(t, "10.0.0.5", added[0].NewIPAddress)

	removed := Detect(&curr, nil, at)
	require.Len(t, removed, 1)
	assert.Equal(t, model.ChangeInterfaceRemoved, removed[0].ChangeType)
	assert.Equal(t, "aa:bb:cc:00:00:01", removed[0].OldMACAddress)

	assert.Nil(t, Detect(nil, nil, at))
}

func TestDiff_AlignsByInterface(t *testing.T) {
	wifi := eth0("aa:bb:cc:00:00:09")
	wifi.InterfaceName = "wlan0"
	docker := eth0("02:42:00:00:00:01")
	docker.InterfaceName = "docker0"

	changes := Diff([]model.NetworkInfo{eth0("aa:bb:cc:00:00:01"), wifi}, []model.NetworkInfo{docker, eth0("aa:bb:cc:00:00:01")}, at)
	require.Len(t, changes, 2)
	assert.Equal(t, "docker0", changes[0].InterfaceName)
	assert.Equal(t, model.ChangeInterfaceAdded, changes[0].ChangeType)
	assert.Equal(t, "wlan0", changes[1].InterfaceName)
	assert.Equal(t, model.ChangeInterfaceRemoved, changes[1].ChangeType)
}

func TestService_ObservePersistsChanges(t *testing.T) {
	ctx := context.Background()
	db, err := sqliteadapter.Open(ctx, filepath.Join(t.TempDir(), "net.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	_, err = sqliteadapter.NewMigrator(db).Up(ctx)
	require.NoError(t, err)
	st := sqliteadapter.NewStore(db)

	client, err := st.UpsertClient(ctx, model.ClientRegistration{UniqueID: "host-3", OSName: "linux"})
	require.NoError(t, err)
	snap1, err := st.SaveSnapshot(ctx, client.ID, model.Snapshot{UniqueID: "host-3", Type: model.SnapshotFull, Checksum: "a", CapturedAt: at})
	require.NoError(t, err)
	snap2, err := st.SaveSnapshot(ctx, client.ID, model.Snapshot{UniqueID: "host-3", Type: model.SnapshotFull, Checksum: "b", CapturedAt: at.Add(time.Hour)})
	require.NoError(t, err)

	svc := NewService(st, nil, nil)
	obs := func(mac string) []model.NetworkObservation {
		return []model.NetworkObservation{{
			InterfaceName: "eth0",
			IPAddress:     "10.0.0.5",
			MACAddress:    mac,
			DHCPEnabled:   true,
			DNSServers:    normalize.Sequence("1.1.1.1"),
		}}
	}

	baseline, err := svc.Observe(ctx, client.ID, snap1.ID, obs("aa:bb:cc:00:00:01"), at)
	require.NoError(t, err)
	assert.Empty(t, baseline)

	changes, err := svc.Observe(ctx, client.ID, snap2.ID, obs("aa:bb:cc:00:00:02"), at.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, changes, 1)

	stored, err := st.ListNetworkChanges(ctx, client.ID, 10)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, model.ChangeMACChanged, stored[0].ChangeType)
	assert.Equal(t, snap1.ID, stored[0].OldSnapshotID)
	assert.Equal(t, snap2.ID, stored[0].NewSnapshotID)
	assert.Empty(t, stored[0].OldIPAddress)
	assert.Equal(t, "mac_address", stored[0].EventData.Map()["field"])

	snap3, err := st.SaveSnapshot(ctx, client.ID, model.Snapshot{UniqueID: "host-3", Type: model.SnapshotFull, Checksum: "c", CapturedAt: at.Add(2 * time.Hour)})
	require.NoError(t, err)
	withWifi := append(obs("aa:bb:cc:00:00:02"), model.NetworkObservation{
		InterfaceName: "wlan0",
		IPAddress:     "192.168.1.20",
		MACAddress:    "aa:bb:cc:00:00:09",
	})
	changes, err = svc.Observe(ctx, client.ID, snap3.ID, withWifi, at.Add(2*time.Hour))
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, model.ChangeInterfaceAdded, changes[0].ChangeType)
	assert.Equal(t, "wlan0", changes[0].InterfaceName)
	assert.Equal(t, snap3.ID, changes[0].NewSnapshotID)
}
