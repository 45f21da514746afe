package evaluator

import (
	"math"
	"sort"
	"strings"
	"time"

	"endpoint-posture/internal/domain/model"
)

// Facts 是由快照推导出的扁平事实表，规则按名读取。缺失的键表示采集端未上报。
type Facts map[string]any

// Context 是快照之外参与推导的上下文。
type Context struct {
	Now            time.Time
	NetworkChanges []model.NetworkChange
	ActiveIOCs     []model.IOCIndicator
}

// BuildFacts 从规范化快照推导事实。
// 指针或 nil 切片表示“未上报”，对应事实不写入；空切片表示“上报为空”。
func BuildFacts(snap model.Snapshot, c Context) Facts {
	now := c.Now
	if now.IsZero() {
		now = time.Now()
	}
	f := Facts{}

	sys := snap.System
	if sys.FirewallEnabled != nil {
		f["firewall_enabled"] = *sys.FirewallEnabled
	}
	if sys.EncryptionEnabled != nil {
		f["encryption_enabled"] = *sys.EncryptionEnabled
	}
	if s := strings.TrimSpace(sys.OSName); s != "" {
		f["os_name"] = strings.ToLower(s)
	}
	if s := strings.TrimSpace(sys.OSVersion); s != "" {
		f["os_version"] = s
	}
	if sys.LastPatchedAt != nil {
		f["patch_age_days"] = ageDays(now, *sys.LastPatchedAt)
	}

	if av := snap.Antivirus; av != nil {
		f["antivirus_installed"] = av.Installed
		f["antivirus_enabled"] = av.Enabled
		f["antivirus_realtime"] = av.RealTimeProtection
		if s := strings.TrimSpace(av.Product); s != "" {
			f["antivirus_product"] = strings.ToLower(s)
		}
		if av.DefinitionsUpdatedAt != nil {
			f["antivirus_definitions_age_days"] = ageDays(now, *av.DefinitionsUpdatedAt)
		}
	}

	if snap.Software != nil {
		names := make([]any, 0, len(snap.Software))
		for _, s := range snap.Software {
			if n := strings.ToLower(strings.TrimSpace(s.Name)); n != "" {
				names = append(names, n)
			}
		}
		f["installed_software"] = names
		f["software_count"] = len(snap.Software)
	}

	if snap.Network != nil {
		dhcp := 0
		dnsSet := map[string]struct{}{}
		for _, n := range snap.Network {
			if n.DHCPEnabled {
				dhcp++
			}
			for _, d := range n.DNSServers.Strings() {
				if d = strings.TrimSpace(d); d != "" {
					dnsSet[d] = struct{}{}
				}
			}
		}
		f["interface_count"] = len(snap.Network)
		f["dhcp_interfaces"] = dhcp
		f["dns_servers"] = sortedSet(dnsSet)
	}

	macChanged, ipChanged := false, false
	for _, ch := range c.NetworkChanges {
		switch ch.ChangeType {
		case model.ChangeMACChanged:
			macChanged = true
		case model.ChangeIPChanged, model.ChangeIPv6Changed:
			ipChanged = true
		}
	}
	f["network_change_count"] = len(c.NetworkChanges)
	f["mac_changed"] = macChanged
	f["ip_changed"] = ipChanged

	if snap.Threats != nil {
		critical := 0
		iocs := activeIOCSet(c.ActiveIOCs, now)
		matches := 0
		for _, t := range snap.Threats {
			if t.Severity == model.SeverityCritical {
				critical++
			}
			for _, m := range t.IOCMatches.Strings() {
				if _, ok := iocs[strings.ToLower(strings.TrimSpace(m))]; ok {
					matches++
				}
			}
		}
		f["active_threats"] = len(snap.Threats)
		f["critical_threats"] = critical
		f["ioc_match_count"] = matches
	}
	return f
}

func ageDays(now, then time.Time) int {
	d := now.Sub(then).Hours() / 24
	if d < 0 {
		return 0
	}
	return int(math.Floor(d))
}

func activeIOCSet(items []model.IOCIndicator, now time.Time) map[string]struct{} {
	out := make(map[string]struct{}, len(items))
	for _, ind := range items {
		if !ind.Active || ind.Expired(now) {
			continue
		}
		out[strings.ToLower(strings.TrimSpace(ind.Value))] = struct{}{}
	}
	return out
}

func sortedSet(set map[string]struct{}) []any {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]any, len(keys))
	for i, k := range keys {
		out[i] = k
	}
	return out
}
