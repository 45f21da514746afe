package compliance

import (
	"math"
	"time"

	"endpoint-posture/internal/domain/model"
)

// Input 是一次评分所需的全部输入。
type Input struct {
	ClientID   int64
	Categories model.CategoryScores
	Violations model.SeverityCounts
	Passed     int
	Total      int
	AssessedAt time.Time
}

// Compute 由分类子分与未关闭违规计算合规汇总，同一输入得到完全相同的输出。
// 缺失分类按 0 计入均值；均值四舍五入并截断到 [0,100] 后按严重级别扣分，最低为 0。
func Compute(in Input, weights model.PenaltyWeights) model.ComplianceStatus {
	if weights == nil {
		weights = model.DefaultPenaltyWeights()
	}

	cats := make(model.CategoryScores, len(model.Categories))
	sum := 0
	for _, c := range model.Categories {
		v := clamp(in.Categories[c])
		cats[c] = v
		sum += v
	}
	overall := clamp(int(math.Round(float64(sum) / float64(len(model.Categories)))))

	counts := make(model.SeverityCounts, len(model.Severities))
	penalty := 0
	for _, sev := range model.Severities {
		n := in.Violations[sev]
		if n < 0 {
			n = 0
		}
		counts[sev] = n
		penalty += n * weights[sev]
	}
	overall -= penalty
	if overall < 0 {
		overall = 0
	}

	passed, total := in.Passed, in.Total
	if total < 0 {
		total = 0
	}
	if passed < 0 {
		passed = 0
	}
	if passed > total {
		passed = total
	}

	return model.ComplianceStatus{
		ClientID:       in.ClientID,
		OverallScore:   overall,
		PassedChecks:   passed,
		FailedChecks:   total - passed,
		TotalChecks:    total,
		Violations:     counts,
		Categories:     cats,
		LastAssessment: in.AssessedAt.UTC().Truncate(time.Millisecond),
	}
}

// ThreatLevel 由未关闭违规推导终端威胁等级。
func ThreatLevel(counts model.SeverityCounts) model.ThreatLevel {
	switch {
	case counts[model.SeverityCritical] > 0 || counts[model.SeverityHigh] >= 3:
		return model.ThreatHigh
	case counts[model.SeverityHigh] > 0 || counts[model.SeverityMedium] >= 3:
		return model.ThreatMedium
	default:
		return model.ThreatLow
	}
}

func clamp(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
