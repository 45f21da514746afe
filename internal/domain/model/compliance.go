package model

import "time"

// CategoryScores 保存五个维度的子分（0-100）。缺失维度在评分时按 0 计入。
type CategoryScores map[Category]int

// SeverityCounts 按严重级别统计未关闭违规。
type SeverityCounts map[Severity]int

// Total 返回全部级别的违规数量之和。
func (c SeverityCounts) Total() int {
	n := 0
	for _, v := range c {
		n += v
	}
	return n
}

// ComplianceStatus 是终端最新的合规汇总（每终端一行，重算时整体替换）。
type ComplianceStatus struct {
	ClientID       int64
	OverallScore   int
	PassedChecks   int
	FailedChecks   int
	TotalChecks    int
	Violations     SeverityCounts
	Categories     CategoryScores
	LastAssessment time.Time
}

// Equal 比较两次计算结果是否逐字段一致。
func (c ComplianceStatus) Equal(o ComplianceStatus) bool {
	if c.ClientID != o.ClientID || c.OverallScore != o.OverallScore ||
		c.PassedChecks != o.PassedChecks || c.FailedChecks != o.FailedChecks ||
		c.TotalChecks != o.TotalChecks || !c.LastAssessment.Equal(o.LastAssessment) {
		return false
	}
	for _, s := range Severities {
		if c.Violations[s] != o.Violations[s] {
			return false
		}
	}
	for _, cat := range Categories {
		if c.Categories[cat] != o.Categories[cat] {
			return false
		}
	}
	return true
}
