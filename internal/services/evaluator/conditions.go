package evaluator

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"endpoint-posture/internal/domain/model"
)

// check 判断一条规则是否通过；reason 说明失败原因，写入证据。
func check(cond model.Condition, actual any, present bool, expected any) (passed bool, reason string) {
	switch cond {
	case model.CondExists:
		if !present {
			return false, "fact not reported"
		}
		return true, ""
	case model.CondNotExists:
		if present {
			return false, "fact is present"
		}
		return true, ""
	}
	if !present {
		return false, "fact not reported"
	}

	switch cond {
	case model.CondEquals:
		return result(equal(actual, expected), "value differs")
	case model.CondNotEquals:
		return result(!equal(actual, expected), "value is equal")
	case model.CondGreaterThan, model.CondLessThan, model.CondGTE, model.CondLTE:
		a, okA := toFloat(actual)
		e, okE := toFloat(expected)
		if !okA || !okE {
			return false, "non-numeric comparison"
		}
		var ok bool
		switch cond {
		case model.CondGreaterThan:
			ok = a > e
		case model.CondLessThan:
			ok = a < e
		case model.CondGTE:
			ok = a >= e
		default:
			ok = a <= e
		}
		return result(ok, "out of range")
	case model.CondContains:
		return result(contains(actual, expected), "value not contained")
	case model.CondNotContains:
		return result(!contains(actual, expected), "prohibited value present")
	case model.CondIn:
		return result(memberOf(actual, expected), "value not in allowed set")
	case model.CondNotIn:
		return result(!memberOf(actual, expected), "value in denied set")
	case model.CondMatches:
		re, err := compile(fmt.Sprint(expected))
		if err != nil {
			return false, "invalid pattern"
		}
		if items, ok := actual.([]any); ok {
			for _, it := range items {
				if re.MatchString(text(it)) {
					return true, ""
				}
			}
			return false, "no element matches"
		}
		return result(re.MatchString(text(actual)), "pattern does not match")
	}
	return false, fmt.Sprintf("unknown condition %q", cond)
}

func result(ok bool, reason string) (bool, string) {
	if ok {
		return true, ""
	}
	return false, reason
}

// equal 数值按浮点比较，字符串忽略大小写，其余按 JSON 形式比较。
func equal(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
	}
	if ba, ok := a.(bool); ok {
		bb, ok := toBool(b)
		return ok && ba == bb
	}
	if sa, ok := a.(string); ok {
		if sb, ok := b.(string); ok {
			return strings.EqualFold(strings.TrimSpace(sa), strings.TrimSpace(sb))
		}
	}
	ja, _ := json.Marshal(a)
	jb, _ := json.Marshal(b)
	return string(ja) == string(jb)
}

func contains(actual, expected any) bool {
	switch a := actual.(type) {
	case []any:
		for _, it := range a {
			if equal(it, expected) {
				return true
			}
		}
		return false
	case string:
		return strings.Contains(strings.ToLower(a), strings.ToLower(text(expected)))
	}
	return false
}

func memberOf(actual, expected any) bool {
	set, ok := expected.([]any)
	if !ok {
		return equal(actual, expected)
	}
	for _, it := range set {
		if equal(actual, it) {
			return true
		}
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}

func toBool(v any) (bool, bool) {
	switch b := v.(type) {
	case bool:
		return b, true
	case string:
		parsed, err := strconv.ParseBool(strings.TrimSpace(b))
		return parsed, err == nil
	}
	return false, false
}

func text(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

var patternCache sync.Map

func compile(pattern string) (*regexp.Regexp, error) {
	if re, ok := patternCache.Load(pattern); ok {
		return re.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	patternCache.Store(pattern, re)
	return re, nil
}
