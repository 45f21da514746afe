package evaluator

import (
	"math"
	"sort"
	"strings"

	"endpoint-posture/internal/domain/model"
	"endpoint-posture/internal/platform/normalize"
)

// RuleResult 是一条规则对一次快照的评估结论。
type RuleResult struct {
	PolicyID            int64
	PolicyName          string
	Category            model.Category
	Severity            model.Severity
	NotificationEnabled bool
	Description         string

	Rule      string
	Fact      string
	Condition model.Condition
	Expected  any
	Actual    any
	Present   bool
	Passed    bool
	Reason    string
	Evidence  normalize.Value
}

// Evaluation 汇总一次评估：逐条结论、五个分类子分与通过/总数。
type Evaluation struct {
	Results        []RuleResult
	CategoryScores model.CategoryScores
	Passed         int
	Total          int
}

// Applicable 判断策略是否适用于该操作系统：必须启用；配置了 target_os 时需匹配其一。
func Applicable(p model.SecurityPolicy, osName string) bool {
	if !p.Enabled {
		return false
	}
	if len(p.TargetOS) == 0 {
		return true
	}
	name := strings.ToLower(strings.TrimSpace(osName))
	if name == "" {
		return false
	}
	for _, t := range p.TargetOS {
		t = strings.ToLower(strings.TrimSpace(t))
		if t != "" && strings.Contains(name, t) {
			return true
		}
	}
	return false
}

// Evaluate 以快照事实评估全部适用策略。
// 分类子分为该分类规则通过率（四舍五入到整数），无适用规则的分类为 0。
func Evaluate(policies []model.SecurityPolicy, snap model.Snapshot, c Context) Evaluation {
	facts := BuildFacts(snap, c)

	ordered := make([]model.SecurityPolicy, 0, len(policies))
	for _, p := range policies {
		if Applicable(p, snap.System.OSName) {
			ordered = append(ordered, p)
		}
	}
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Name < ordered[j].Name })

	ev := Evaluation{CategoryScores: model.CategoryScores{}}
	passedBy := map[model.Category]int{}
	totalBy := map[model.Category]int{}

	for _, p := range ordered {
		for _, r := range p.Rules {
			fact := r.FactName()
			actual, present := facts[fact]
			passed, reason := check(r.Condition, actual, present, r.Value)

			evidence := map[string]any{
				"policy":      p.Name,
				"rule":        r.Rule,
				"fact":        fact,
				"condition":   string(r.Condition),
				"expected":    r.Value,
				"snapshot_id": snap.ID,
				"checksum":    snap.Checksum,
				"captured_at": normalize.FormatTime(snap.CapturedAt),
			}
			if present {
				evidence["actual"] = actual
			} else {
				evidence["actual"] = nil
			}
			if reason != "" {
				evidence["reason"] = reason
			}

			ev.Results = append(ev.Results, RuleResult{
				PolicyID:            p.ID,
				PolicyName:          p.Name,
				Category:            p.Category,
				Severity:            p.Severity,
				NotificationEnabled: p.NotificationEnabled,
				Description:         p.Description,
				Rule:                r.Rule,
				Fact:                fact,
				Condition:           r.Condition,
				Expected:            r.Value,
				Actual:              actual,
				Present:             present,
				Passed:              passed,
				Reason:              reason,
				Evidence:            normalize.Object(evidence),
			})
			totalBy[p.Category]++
			ev.Total++
			if passed {
				passedBy[p.Category]++
				ev.Passed++
			}
		}
	}

	for _, cat := range model.Categories {
		total := totalBy[cat]
		if total == 0 {
			ev.CategoryScores[cat] = 0
			continue
		}
		ev.CategoryScores[cat] = int(math.Round(100 * float64(passedBy[cat]) / float64(total)))
	}
	return ev
}

// Failed 返回未通过的结论。
func (e Evaluation) Failed() []RuleResult {
	var out []RuleResult
	for _, r := range e.Results {
		if !r.Passed {
			out = append(out, r)
		}
	}
	return out
}
