package model

import (
	"time"

	"endpoint-posture/internal/platform/normalize"
)

// IOCIndicator 是威胁情报指标（值 + 类型 + 置信度 + 过期时间）。
type IOCIndicator struct {
	ID          int64
	Value       string
	Type        string // ip / domain / hash / url ...
	Confidence  int
	Severity    Severity
	Source      string
	Description string
	Tags        normalize.Value
	Active      bool
	ExpiresAt   *time.Time
	CreatedAt   time.Time
}

// Expired 判断指标在 now 时刻是否已过期。
func (i IOCIndicator) Expired(now time.Time) bool {
	return i.ExpiresAt != nil && !i.ExpiresAt.After(now)
}

// IOCDistribution 是一次指标下发回执（追加写）。
type IOCDistribution struct {
	ID               int64
	IOCID            int64
	ClientID         int64
	Channel          string
	Status           string
	DistributionData normalize.Value
	DistributedAt    time.Time
}

// ThreatDetection 是入库的威胁检测记录。
type ThreatDetection struct {
	ID          int64
	ClientID    int64
	SnapshotID  int64
	Name        string
	ThreatType  string
	Severity    Severity
	FilePath    string
	ProcessName string
	CVEIDs      []string        // 库中为逗号拼接文本
	IOCMatches  normalize.Value // 库中为 JSON 数组文本
	DetectedAt  time.Time
}
