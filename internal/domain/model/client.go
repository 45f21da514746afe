package model

import (
	"time"

	"endpoint-posture/internal/platform/normalize"
)

// ClientStatus 是终端的生命周期状态；终端只做软状态变更，从不物理删除。
type ClientStatus string

const (
	ClientActive      ClientStatus = "active"
	ClientInactive    ClientStatus = "inactive"
	ClientQuarantined ClientStatus = "quarantined"
)

// Valid 判断状态是否属于封闭集合。
func (s ClientStatus) Valid() bool {
	switch s {
	case ClientActive, ClientInactive, ClientQuarantined:
		return true
	}
	return false
}

// ThreatLevel 表示终端整体威胁等级。
type ThreatLevel string

const (
	ThreatLow    ThreatLevel = "low"
	ThreatMedium ThreatLevel = "medium"
	ThreatHigh   ThreatLevel = "high"
)

func (l ThreatLevel) Valid() bool {
	switch l {
	case ThreatLow, ThreatMedium, ThreatHigh:
		return true
	}
	return false
}

// Client 表示一台受管终端（对应 clients 表）。
type Client struct {
	ID           int64
	UniqueID     string // 终端上报的稳定标识
	Hostname     string
	OSName       string
	OSVersion    string
	Architecture string
	IPAddress    string
	MACAddress   string

	Status           ClientStatus
	ThreatLevel      ThreatLevel
	SecurityScore    int
	ComplianceScore  int
	FirewallStatus   bool
	EncryptionStatus bool

	Tags     normalize.Value // JSON 数组文本
	Metadata normalize.Value // JSON 对象文本

	LastSeen  *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ClientRegistration 是入库时由快照派生的终端事实。
type ClientRegistration struct {
	UniqueID     string
	Hostname     string
	OSName       string
	OSVersion    string
	Architecture string
	IPAddress    string
	MACAddress   string
	Tags         normalize.Value
	Metadata     normalize.Value
	SeenAt       time.Time
}

// ClientScores 是一次评估后回写到 clients 表的派生字段。
type ClientScores struct {
	SecurityScore    int
	ComplianceScore  int
	ThreatLevel      ThreatLevel
	FirewallStatus   bool
	EncryptionStatus bool
}
