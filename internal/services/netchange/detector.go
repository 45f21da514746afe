package netchange

import (
	"net"
	"sort"
	"strings"
	"time"

	"endpoint-posture/internal/domain/model"
	"endpoint-posture/internal/platform/normalize"
)

// Detect 比较同一 (client, interface) 的前后两次观测，每个变化的字段类别各产出一条记录。
// prev 为 nil 表示新增网卡，curr 为 nil 表示网卡消失；两者都为 nil 返回 nil。
func Detect(prev, curr *model.NetworkInfo, at time.Time) []model.NetworkChange {
	at = at.UTC()
	switch {
	case prev == nil && curr == nil:
		return nil
	case prev == nil:
		return []model.NetworkChange{{
			ClientID:       curr.ClientID,
			InterfaceName:  curr.InterfaceName,
			ChangeType:     model.ChangeInterfaceAdded,
			NewIPAddress:   curr.IPAddress,
			NewIPv6Address: curr.IPv6Address,
			NewMACAddress:  curr.MACAddress,
			NewSnapshotID:  curr.SnapshotID,
			EventData:      normalize.Object(map[string]any{"dhcp_enabled": curr.DHCPEnabled}),
			DetectedAt:     at,
		}}
	case curr == nil:
		return []model.NetworkChange{{
			ClientID:       prev.ClientID,
			InterfaceName:  prev.InterfaceName,
			ChangeType:     model.ChangeInterfaceRemoved,
			OldIPAddress:   prev.IPAddress,
			OldIPv6Address: prev.IPv6Address,
			OldMACAddress:  prev.MACAddress,
			OldSnapshotID:  prev.SnapshotID,
			EventData:      normalize.Object(map[string]any{"dhcp_enabled": prev.DHCPEnabled}),
			DetectedAt:     at,
		}}
	}

	base := model.NetworkChange{
		ClientID:      curr.ClientID,
		InterfaceName: curr.InterfaceName,
		OldSnapshotID: prev.SnapshotID,
		NewSnapshotID: curr.SnapshotID,
		DetectedAt:    at,
	}
	var out []model.NetworkChange

	if canonicalIP(prev.IPAddress) != canonicalIP(curr.IPAddress) {
		c := base
		c.ChangeType = model.ChangeIPChanged
		c.OldIPAddress, c.NewIPAddress = prev.IPAddress, curr.IPAddress
		c.EventData = fieldEvent("ip_address")
		out = append(out, c)
	}
	if canonicalIP(prev.IPv6Address) != canonicalIP(curr.IPv6Address) {
		c := base
		c.ChangeType = model.ChangeIPv6Changed
		c.OldIPv6Address, c.NewIPv6Address = prev.IPv6Address, curr.IPv6Address
		c.EventData = fieldEvent("ipv6_address")
		out = append(out, c)
	}
	if canonicalMAC(prev.MACAddress) != canonicalMAC(curr.MACAddress) {
		c := base
		c.ChangeType = model.ChangeMACChanged
		c.OldMACAddress, c.NewMACAddress = prev.MACAddress, curr.MACAddress
		c.EventData = fieldEvent("mac_address")
		out = append(out, c)
	}
	if prev.DHCPEnabled != curr.DHCPEnabled {
		c := base
		c.ChangeType = model.ChangeDHCPDisabled
		if curr.DHCPEnabled {
			c.ChangeType = model.ChangeDHCPEnabled
		}
		c.EventData = normalize.Object(map[string]any{
			"field": "dhcp_enabled",
			"old":   prev.DHCPEnabled,
			"new":   curr.DHCPEnabled,
		})
		out = append(out, c)
	}
	return out
}

// Diff 按网卡名对齐前后两批观测并汇总全部变更，输出按网卡名排序。
func Diff(prev, curr []model.NetworkInfo, at time.Time) []model.NetworkChange {
	before := index(prev)
	after := index(curr)

	names := make([]string, 0, len(before)+len(after))
	for name := range before {
		names = append(names, name)
	}
	for name := range after {
		if _, ok := before[name]; !ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	var out []model.NetworkChange
	for _, name := range names {
		out = append(out, Detect(before[name], after[name], at)...)
	}
	return out
}

func index(items []model.NetworkInfo) map[string]*model.NetworkInfo {
	out := make(map[string]*model.NetworkInfo, len(items))
	for i := range items {
		name := strings.TrimSpace(items[i].InterfaceName)
		if name == "" {
			continue
		}
		out[name] = &items[i]
	}
	return out
}

func fieldEvent(field string) normalize.Value {
	return normalize.Object(map[string]any{"field": field})
}

// canonicalIP 把地址化为 net.IP 的标准文本，fe80::1 与 fe80:0:0:0:0:0:0:1 视为相同。
func canonicalIP(s string) string {
	s = strings.TrimSpace(s)
	if ip := net.ParseIP(s); ip != nil {
		return ip.String()
	}
	return strings.ToLower(s)
}

// canonicalMAC 接受冒号、短横线与点分三种写法，统一为小写冒号格式。
func canonicalMAC(s string) string {
	s = strings.TrimSpace(s)
	if hw, err := net.ParseMAC(s); err == nil {
		return hw.String()
	}
	return strings.ToLower(s)
}
