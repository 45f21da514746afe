package snapshotfmt

import (
	"testing"
	"time"

	"endpoint-posture/internal/domain/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"howett.net/plist"
)

const jsonSnapshot = `{
  "unique_id": "ws-042",
  "client_id": "7",
  "snapshot_type": "full",
  "captured_at": 1709287200,
  "system": {"hostname": "ws-042", "os_name": "Windows 11 Pro", "firewall_enabled": false, "last_patched_at": "2024-02-01 08:00:00"},
  "antivirus": {"product": "Defender", "installed": true, "enabled": true},
  "software": [{"name": "Chrome"}],
  "network": [{"interface_name": "eth0", "mac_address": "AA-BB-CC-DD-EE-01", "dns_servers": "8.8.8.8, 1.1.1.1"}],
  "threats": [{"name": "EICAR", "severity": "high", "detected_at": "2024-03-01T09:59:00Z", "cve_ids": "CVE-2024-1,CVE-2024-2"}],
  "tags": "lab,finance",
  "metadata": {"agent": "1.4"}
}`

const yamlSnapshot = `
unique_id: mac-7
snapshot_type: incremental
captured_at: "2024-03-01T10:00:00+08:00"
system:
  hostname: mac-7
  os_name: macOS 14
network:
  - interface_name: en0
    ip_address: 10.0.0.5
    dhcp_enabled: true
`

func newDecoder(t *testing.T) *Decoder {
	t.Helper()
	d, err := NewDecoder()
	require.NoError(t, err)
	return d
}

func TestDetect(t *testing.T) {
	assert.Equal(t, FormatJSON, Detect([]byte("  {\"a\":1}")))
	assert.Equal(t, FormatPlist, Detect([]byte("bplist00...")))
	assert.Equal(t, FormatPlist, Detect([]byte(`<?xml version="1.0"?><plist></plist>`)))
	assert.Equal(t, FormatYAML, Detect([]byte("unique_id: x")))
}

func TestDecode_JSONNormalizesFields(t *testing.T) {
	snap, format, err := newDecoder(t).Decode([]byte(jsonSnapshot))
	require.NoError(t, err)
	assert.Equal(t, FormatJSON, format)

	assert.Equal(t, int64(7), snap.ClientID)
	assert.Equal(t, model.SnapshotFull, snap.Type)
	assert.True(t, snap.CapturedAt.Equal(time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)))
	require.NotNil(t, snap.System.FirewallEnabled)
	assert.False(t, *snap.System.FirewallEnabled)
	require.NotNil(t, snap.System.LastPatchedAt)
	assert.Equal(t, 2024, snap.System.LastPatchedAt.Year())
	assert.Nil(t, snap.System.EncryptionEnabled)

	require.Len(t, snap.Network, 1)
	assert.Equal(t, []string{"8.8.8.8", "1.1.1.1"}, snap.Network[0].DNSServers.Strings())
	require.Len(t, snap.Threats, 1)
	assert.Equal(t, []string{"CVE-2024-1", "CVE-2024-2"}, snap.Threats[0].CVEIDs)
	assert.Equal(t, []string{"lab", "finance"}, snap.Tags.Strings())
	assert.Equal(t, "1.4", snap.Metadata.Map()["agent"])
}

func TestDecode_YAML(t *testing.T) {
	snap, format, err := newDecoder(t).Decode([]byte(yamlSnapshot))
	require.NoError(t, err)
	assert.Equal(t, FormatYAML, format)
	assert.Equal(t, model.SnapshotIncremental, snap.Type)
	assert.Equal(t, 2, snap.CapturedAt.Hour())
	require.Len(t, snap.Network, 1)
	assert.True(t, snap.Network[0].DHCPEnabled)
	assert.Nil(t, snap.Software)
	assert.True(t, snap.Network[0].DNSServers.IsZero() || len(snap.Network[0].DNSServers.Strings()) == 0)
}

func TestDecode_Plist(t *testing.T) {
	doc := map[string]any{
		"unique_id":     "mbp-1",
		"snapshot_type": "full",
		"captured_at":   time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
		"system": map[string]any{
			"hostname":           "mbp-1",
			"os_name":            "macOS 14.3",
			"encryption_enabled": true,
		},
		"software": []any{map[string]any{"name": "Xcode"}},
	}
	for _, f := range []int{plist.XMLFormat, plist.BinaryFormat} {
		raw, err := plist.Marshal(doc, f)
		require.NoError(t, err)

		snap, format, err := newDecoder(t).Decode(raw)
		require.NoError(t, err)
		assert.Equal(t, FormatPlist, format)
		assert.Equal(t, "mbp-1", snap.UniqueID)
		require.NotNil(t, snap.System.EncryptionEnabled)
		assert.True(t, *snap.System.EncryptionEnabled)
		assert.True(t, snap.CapturedAt.Equal(time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)))
		require.Len(t, snap.Software, 1)
	}
}

func TestDecode_ValidationPointers(t *testing.T) {
	cases := []struct {
		name  string
		input string
		field string
	}{
		{"bad timestamp", `{"unique_id":"a","snapshot_type":"full","captured_at":"yesterday","system":{"hostname":"h","os_name":"o"}}`, "/captured_at"},
		{"bad id", `{"unique_id":"a","client_id":"seven","snapshot_type":"full","captured_at":1,"system":{"hostname":"h","os_name":"o"}}`, "/client_id"},
		{"bad enum", `{"unique_id":"a","snapshot_type":"partial","captured_at":1,"system":{"hostname":"h","os_name":"o"}}`, "/snapshot_type"},
		{"bad mac", `{"unique_id":"a","snapshot_type":"full","captured_at":1,"system":{"hostname":"h","os_name":"o"},"network":[{"interface_name":"eth0","mac_address":"zz"}]}`, "/network/0/mac_address"},
		{"missing field", `{"unique_id":"a","snapshot_type":"full","captured_at":1,"system":{"hostname":"h"}}`, "/system"},
		{"malformed", `{"unique_id":`, "/"},
	}
	d := newDecoder(t)
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := d.Decode([]byte(tc.input))
			require.Error(t, err)
			var ve *model.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tc.field, ve.Field)
		})
	}
}
