package model

import (
	"time"

	"endpoint-posture/internal/platform/normalize"
)

// SnapshotType 表示快照粒度。
type SnapshotType string

const (
	SnapshotFull        SnapshotType = "full"
	SnapshotIncremental SnapshotType = "incremental"
)

func (t SnapshotType) Valid() bool {
	return t == SnapshotFull || t == SnapshotIncremental
}

// SystemInfo 是操作系统层面的事实。指针字段为 nil 表示采集端未上报。
type SystemInfo struct {
	Hostname          string     `json:"hostname"`
	OSName            string     `json:"os_name"`
	OSVersion         string     `json:"os_version"`
	Architecture      string     `json:"architecture,omitempty"`
	FirewallEnabled   *bool      `json:"firewall_enabled,omitempty"`
	EncryptionEnabled *bool      `json:"encryption_enabled,omitempty"`
	LastPatchedAt     *time.Time `json:"last_patched_at,omitempty"`
}

// AntivirusInfo 是杀毒软件状态。
type AntivirusInfo struct {
	Product              string     `json:"product"`
	Version              string     `json:"version,omitempty"`
	Installed            bool       `json:"installed"`
	Enabled              bool       `json:"enabled"`
	RealTimeProtection   bool       `json:"real_time_protection"`
	DefinitionsUpdatedAt *time.Time `json:"definitions_updated_at,omitempty"`
}

// SoftwareItem 是软件清单中的一项。
type SoftwareItem struct {
	Name      string `json:"name"`
	Version   string `json:"version,omitempty"`
	Publisher string `json:"publisher,omitempty"`
}

// NetworkObservation 是一次快照中的单个网卡观测值。
type NetworkObservation struct {
	InterfaceName string          `json:"interface_name"`
	IPAddress     string          `json:"ip_address,omitempty"`
	IPv6Address   string          `json:"ipv6_address,omitempty"`
	MACAddress    string          `json:"mac_address,omitempty"`
	DHCPEnabled   bool            `json:"dhcp_enabled"`
	Gateway       string          `json:"gateway,omitempty"`
	DNSServers    normalize.Value `json:"dns_servers"`
}

// ThreatObservation 是采集端上报的运行中威胁。
type ThreatObservation struct {
	Name        string          `json:"name"`
	ThreatType  string          `json:"threat_type,omitempty"`
	Severity    Severity        `json:"severity"`
	FilePath    string          `json:"file_path,omitempty"`
	ProcessName string          `json:"process_name,omitempty"`
	CVEIDs      []string        `json:"cve_ids,omitempty"`
	IOCMatches  normalize.Value `json:"ioc_matches"`
	DetectedAt  time.Time       `json:"detected_at"`
}

// Snapshot 是一次时点采集（对应 client_snapshots 表，追加写）。
type Snapshot struct {
	ID         int64        `json:"id,omitempty"`
	ClientID   int64        `json:"client_id,omitempty"`
	UniqueID   string       `json:"unique_id"`
	Type       SnapshotType `json:"snapshot_type"`
	Checksum   string       `json:"checksum,omitempty"`
	CapturedAt time.Time    `json:"captured_at"`

	System    SystemInfo           `json:"system"`
	Antivirus *AntivirusInfo       `json:"antivirus,omitempty"`
	Software  []SoftwareItem       `json:"software"`
	Network   []NetworkObservation `json:"network"`
	Threats   []ThreatObservation  `json:"threats"`

	Tags     normalize.Value `json:"tags"`
	Metadata normalize.Value `json:"metadata"`
}

// SnapshotRecord 是入库后的快照摘要（不含完整 payload）。
type SnapshotRecord struct {
	ID         int64
	ClientID   int64
	Type       SnapshotType
	Checksum   string
	CapturedAt time.Time
	CreatedAt  time.Time
}
