package privacy

import (
	"fmt"
	"net"
	"net/url"
	"path/filepath"
	"regexp"
	"strings"

	"endpoint-posture/internal/domain/model"
	"endpoint-posture/internal/platform/normalize"
)

// Mode 是展示层脱敏模式。
type Mode string

const (
	ModeOff    Mode = "off"
	ModeMasked Mode = "masked"
)

// ParseMode 把配置值归一为合法模式，未知值按 off 处理。
func ParseMode(s string) Mode {
	if Mode(strings.ToLower(strings.TrimSpace(s))) == ModeMasked {
		return ModeMasked
	}
	return ModeOff
}

var (
	reIPv4        = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)
	reMAC         = regexp.MustCompile(`(?i)\b[0-9a-f]{2}(?:[:-][0-9a-f]{2}){5}\b`)
	reURLSchemeRE = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9+.-]*://`)
)

// MaskPath 把绝对路径压缩为文件名，避免暴露用户名与目录结构。
// Windows 采集端上报的反斜杠路径同样处理。
func MaskPath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return ""
	}
	return filepath.Base(strings.ReplaceAll(p, `\`, "/"))
}

// MaskIP 保留网段前缀：IPv4 保留前两段，IPv6 保留前两组。
// 无法解析的输入返回 "<masked>"。
func MaskIP(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	ip := net.ParseIP(raw)
	if ip == nil {
		return "<masked>"
	}
	if v4 := ip.To4(); v4 != nil {
		parts := strings.Split(v4.String(), ".")
		return parts[0] + "." + parts[1] + ".x.x"
	}
	v6 := ip.To16()
	return fmt.Sprintf("%x:%x::x", uint16(v6[0])<<8|uint16(v6[1]), uint16(v6[2])<<8|uint16(v6[3]))
}

// MaskMAC 仅保留厂商前缀（OUI）。
func MaskMAC(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if !reMAC.MatchString(raw) {
		return "<masked>"
	}
	norm := strings.ToLower(strings.ReplaceAll(raw, "-", ":"))
	return norm[:8] + ":xx:xx:xx"
}

// MaskURL 把 URL 降级为仅保留域名的形式。
// 输入不是合法 URL 时返回 "<masked_url>"。
func MaskURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if !reURLSchemeRE.MatchString(raw) {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "<masked_url>"
	}
	host := strings.TrimSpace(u.Hostname())
	if host == "" {
		return "<masked_url>"
	}
	return host
}

// MaskText 替换自由文本中出现的 IPv4 与 MAC 地址。
func MaskText(s string) string {
	s = reMAC.ReplaceAllStringFunc(s, MaskMAC)
	return reIPv4.ReplaceAllStringFunc(s, MaskIP)
}

// MaskClient 对终端主地址做展示层脱敏，不修改库中记录。
func MaskClient(c model.Client) model.Client {
	c.IPAddress = MaskIP(c.IPAddress)
	c.MACAddress = MaskMAC(c.MACAddress)
	return c
}

// MaskNetworkChanges 脱敏变更记录中的新旧地址。
func MaskNetworkChanges(changes []model.NetworkChange) []model.NetworkChange {
	if len(changes) == 0 {
		return changes
	}
	out := make([]model.NetworkChange, 0, len(changes))
	for _, c := range changes {
		c.OldIPAddress = MaskIP(c.OldIPAddress)
		c.NewIPAddress = MaskIP(c.NewIPAddress)
		c.OldIPv6Address = MaskIP(c.OldIPv6Address)
		c.NewIPv6Address = MaskIP(c.NewIPv6Address)
		c.OldMACAddress = MaskMAC(c.OldMACAddress)
		c.NewMACAddress = MaskMAC(c.NewMACAddress)
		out = append(out, c)
	}
	return out
}

// MaskViolations 脱敏违规证据中的地址类字符串（例如 dns_servers 的实际值）。
func MaskViolations(vs []model.PolicyViolation) []model.PolicyViolation {
	if len(vs) == 0 {
		return vs
	}
	out := make([]model.PolicyViolation, 0, len(vs))
	for _, v := range vs {
		if !v.Evidence.IsZero() {
			v.Evidence = normalize.Structured(maskAny(v.Evidence.Data()))
		}
		v.Description = MaskText(v.Description)
		out = append(out, v)
	}
	return out
}

// MaskThreats 把威胁检测中的文件路径压缩为文件名。
func MaskThreats(items []model.ThreatDetection) []model.ThreatDetection {
	if len(items) == 0 {
		return items
	}
	out := make([]model.ThreatDetection, 0, len(items))
	for _, it := range items {
		it.FilePath = MaskPath(it.FilePath)
		out = append(out, it)
	}
	return out
}

func maskAny(v any) any {
	switch t := v.(type) {
	case string:
		return MaskText(t)
	case []any:
		out := make([]any, len(t))
		for i, it := range t {
			out[i] = maskAny(it)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, it := range t {
			out[k] = maskAny(it)
		}
		return out
	default:
		return v
	}
}
