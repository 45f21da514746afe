package model

import (
	"time"

	"endpoint-posture/internal/platform/normalize"
)

// ChangeType 是网络变更记录的 7 种封闭类型。
type ChangeType string

const (
	ChangeIPChanged        ChangeType = "ip_changed"
	ChangeIPv6Changed      ChangeType = "ipv6_changed"
	ChangeMACChanged       ChangeType = "mac_changed"
	ChangeInterfaceAdded   ChangeType = "interface_added"
	ChangeInterfaceRemoved ChangeType = "interface_removed"
	ChangeDHCPEnabled      ChangeType = "dhcp_enabled"
	ChangeDHCPDisabled     ChangeType = "dhcp_disabled"
)

func (c ChangeType) Valid() bool {
	switch c {
	case ChangeIPChanged, ChangeIPv6Changed, ChangeMACChanged, ChangeInterfaceAdded,
		ChangeInterfaceRemoved, ChangeDHCPEnabled, ChangeDHCPDisabled:
		return true
	}
	return false
}

// NetworkInfo 是某终端某网卡的一次观测（对应 network_info 表）。
type NetworkInfo struct {
	ID            int64
	ClientID      int64
	SnapshotID    int64
	InterfaceName string
	IPAddress     string
	IPv6Address   string
	MACAddress    string
	DHCPEnabled   bool
	Gateway       string
	DNSServers    normalize.Value
	ObservedAt    time.Time
}

// NetworkChange 是两次相邻观测之间单一字段类别的差异（对应 network_changes 表，追加写）。
// 空字符串字段在库中写为 NULL。
type NetworkChange struct {
	ID             int64
	ClientID       int64
	InterfaceName  string
	ChangeType     ChangeType
	OldIPAddress   string
	NewIPAddress   string
	OldIPv6Address string
	NewIPv6Address string
	OldMACAddress  string
	NewMACAddress  string
	OldSnapshotID  int64
	NewSnapshotID  int64
	EventData      normalize.Value
	DetectedAt     time.Time
}
