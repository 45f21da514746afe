package model

import (
	"time"

	"endpoint-posture/internal/platform/normalize"
)

// Severity 是违规/策略的严重级别，按 low < medium < high < critical 排序。
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Severities 按从重到轻排列。
var Severities = []Severity{SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow}

func (s Severity) Valid() bool {
	return s.Rank() > 0
}

// Rank 返回严重级别序号，非法值为 0。
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

// Category 是合规评分的五个维度。
type Category string

const (
	CategoryAntivirus Category = "antivirus"
	CategoryNetwork   Category = "network"
	CategorySystem    Category = "system"
	CategorySoftware  Category = "software"
	CategoryThreat    Category = "threat"
)

// Categories 固定顺序，评分均值按此顺序累加。
var Categories = []Category{CategoryAntivirus, CategoryNetwork, CategorySystem, CategorySoftware, CategoryThreat}

func (c Category) Valid() bool {
	switch c {
	case CategoryAntivirus, CategoryNetwork, CategorySystem, CategorySoftware, CategoryThreat:
		return true
	}
	return false
}

// Condition 是规则比较算子。
type Condition string

const (
	CondEquals      Condition = "equals"
	CondNotEquals   Condition = "not_equals"
	CondGreaterThan Condition = "greater_than"
	CondLessThan    Condition = "less_than"
	CondGTE         Condition = "gte"
	CondLTE         Condition = "lte"
	CondContains    Condition = "contains"
	CondNotContains Condition = "not_contains"
	CondIn          Condition = "in"
	CondNotIn       Condition = "not_in"
	CondExists      Condition = "exists"
	CondNotExists   Condition = "not_exists"
	CondMatches     Condition = "matches"
)

func (c Condition) Valid() bool {
	switch c {
	case CondEquals, CondNotEquals, CondGreaterThan, CondLessThan, CondGTE, CondLTE,
		CondContains, CondNotContains, CondIn, CondNotIn, CondExists, CondNotExists, CondMatches:
		return true
	}
	return false
}

// PolicyRule 是策略中的一条 {rule, condition, value} 检查。
// Rule 同时作为事实名与违规记录中的 policy_rule。
type PolicyRule struct {
	Rule      string    `json:"rule" yaml:"rule"`
	Fact      string    `json:"fact,omitempty" yaml:"fact,omitempty"`
	Condition Condition `json:"condition" yaml:"condition"`
	Value     any       `json:"value,omitempty" yaml:"value,omitempty"`
}

// FactName 返回规则读取的事实名；未显式指定时与规则名相同。
func (r PolicyRule) FactName() string {
	if r.Fact != "" {
		return r.Fact
	}
	return r.Rule
}

// SecurityPolicy 是命名规则集（对应 security_policies 表）。
type SecurityPolicy struct {
	ID                  int64
	Name                string
	Description         string
	Category            Category
	Severity            Severity
	Enabled             bool
	AutoRemediate       bool
	NotificationEnabled bool
	CheckFrequency      int // 秒
	TargetOS            []string
	Rules               []PolicyRule
	Tags                normalize.Value
	LastCheck           *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Due 判断策略在 now 时刻是否到达下一次巡检周期。
func (p SecurityPolicy) Due(now time.Time) bool {
	if !p.Enabled {
		return false
	}
	if p.LastCheck == nil {
		return true
	}
	return !p.LastCheck.Add(time.Duration(p.CheckFrequency) * time.Second).After(now)
}

// PenaltyWeights 是每条未关闭违规按严重级别扣减的分值。
type PenaltyWeights map[Severity]int

// DefaultPenaltyWeights 返回默认扣分表（critical > high > medium > low）。
func DefaultPenaltyWeights() PenaltyWeights {
	return PenaltyWeights{
		SeverityCritical: 20,
		SeverityHigh:     10,
		SeverityMedium:   5,
		SeverityLow:      2,
	}
}
