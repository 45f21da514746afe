package normalize

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
)

// CanonicalTimeLayout 是时间字段的唯一规范文本形式（ISO-8601，带 UTC 偏移）。
const CanonicalTimeLayout = "2006-01-02T15:04:05.000-07:00"

// FieldClass 表示字段在规范化层中的语义分类。
type FieldClass int

const (
	ClassPassthrough FieldClass = iota
	ClassJSONArray
	ClassJSONObject
	ClassID
	ClassTime
)

var fieldClasses = map[string]FieldClass{
	"tags":        ClassJSONArray,
	"dns_servers": ClassJSONArray,
	"ioc_matches": ClassJSONArray,

	"metadata":          ClassJSONObject,
	"evidence":          ClassJSONObject,
	"event_data":        ClassJSONObject,
	"distribution_data": ClassJSONObject,

	"id":        ClassID,
	"client_id": ClassID,
	"ioc_id":    ClassID,

	"created_at":      ClassTime,
	"updated_at":      ClassTime,
	"detected_at":     ClassTime,
	"expires_at":      ClassTime,
	"acknowledged_at": ClassTime,
	"resolved_at":     ClassTime,
	"last_assessment": ClassTime,
	"last_check":      ClassTime,
	"last_seen":       ClassTime,
	"applied_at":      ClassTime,
	"captured_at":     ClassTime,
	"changed_at":      ClassTime,
	"distributed_at":  ClassTime,
	"first_seen":      ClassTime,
}

// ClassOf 返回字段分类；不在固定清单中的字段原样透传。
func ClassOf(field string) FieldClass {
	return fieldClasses[field]
}

// Fields 返回指定分类下的全部字段名（排序后）。
func Fields(class FieldClass) []string {
	var out []string
	for name, c := range fieldClasses {
		if c == class {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Issue 描述一个无法规范化、已原样保留的字段值。
type Issue struct {
	Field  string `json:"field"`
	Value  any    `json:"value"`
	Reason string `json:"reason"`
}

func (i Issue) Error() string {
	return fmt.Sprintf("field %s: %s", i.Field, i.Reason)
}

// Canonicalize 对单个字段做规范化。ok=false 表示值无法解析、已原样返回。
func Canonicalize(field string, raw any) (out any, ok bool) {
	switch ClassOf(field) {
	case ClassJSONArray:
		return FromAny(raw).Or(EmptySequence()), true
	case ClassJSONObject:
		return FromAny(raw).Or(EmptyObject()), true
	case ClassID:
		if raw == nil {
			return nil, true
		}
		n, err := CoerceID(raw)
		if err != nil {
			return raw, false
		}
		return n, true
	case ClassTime:
		if raw == nil {
			return nil, true
		}
		s, err := CanonicalTime(raw)
		if err != nil {
			return raw, false
		}
		return s, true
	default:
		return raw, true
	}
}

// Serialize 把规范化后的字段值转换为持久化表示：JSON 字段一律写 JSON 文本。
func Serialize(field string, v any) any {
	switch ClassOf(field) {
	case ClassJSONArray:
		return FromAny(v).Or(EmptySequence()).JSON()
	case ClassJSONObject:
		return FromAny(v).Or(EmptyObject()).JSON()
	default:
		return v
	}
}

// CanonicalizeRecord 规范化一条记录中所有已知字段，返回新 map 与无法解析的字段清单。
// 输入不会被修改。
func CanonicalizeRecord(rec map[string]any) (map[string]any, []Issue) {
	out := make(map[string]any, len(rec))
	var issues []Issue
	keys := make([]string, 0, len(rec))
	for k := range rec {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		v, ok := Canonicalize(k, rec[k])
		out[k] = v
		if !ok {
			reason := "unparseable timestamp"
			if ClassOf(k) == ClassID {
				reason = "non-numeric identifier"
			}
			issues = append(issues, Issue{Field: k, Value: rec[k], Reason: reason})
		}
	}
	return out, issues
}

// CoerceID 将各种存储形态的标识符转换为 int64。
func CoerceID(raw any) (int64, error) {
	switch t := raw.(type) {
	case int:
		return int64(t), nil
	case int32:
		return int64(t), nil
	case int64:
		return t, nil
	case uint32:
		return int64(t), nil
	case uint64:
		if t > math.MaxInt64 {
			return 0, fmt.Errorf("identifier %d overflows int64", t)
		}
		return int64(t), nil
	case float64:
		if t != math.Trunc(t) || math.IsInf(t, 0) || math.IsNaN(t) {
			return 0, fmt.Errorf("identifier %v is not integral", t)
		}
		return int64(t), nil
	case json.Number:
		return CoerceID(string(t))
	case []byte:
		return CoerceID(string(t))
	case string:
		s := strings.TrimSpace(t)
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n, nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, fmt.Errorf("identifier %q is not numeric", t)
		}
		return CoerceID(f)
	default:
		return 0, fmt.Errorf("identifier of type %T is not numeric", raw)
	}
}

var timeLayouts = []string{
	time.RFC3339Nano,
	CanonicalTimeLayout,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02",
}

// ParseTime 解析常见时间表示：RFC3339、无时区的本地格式（按 UTC 处理）、日期、Unix 秒/毫秒。
func ParseTime(raw any) (time.Time, error) {
	switch t := raw.(type) {
	case time.Time:
		return t.UTC(), nil
	case *time.Time:
		if t == nil {
			return time.Time{}, fmt.Errorf("nil time")
		}
		return t.UTC(), nil
	case int:
		return unixTime(int64(t)), nil
	case int64:
		return unixTime(t), nil
	case float64:
		return unixTime(int64(t)), nil
	case json.Number:
		n, err := t.Int64()
		if err != nil {
			return time.Time{}, fmt.Errorf("parse time %q: %w", t, err)
		}
		return unixTime(n), nil
	case []byte:
		return ParseTime(string(t))
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return time.Time{}, fmt.Errorf("empty time")
		}
		for _, layout := range timeLayouts {
			if ts, err := time.Parse(layout, s); err == nil {
				return ts.UTC(), nil
			}
		}
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return unixTime(n), nil
		}
		return time.Time{}, fmt.Errorf("parse time %q: unsupported format", t)
	default:
		return time.Time{}, fmt.Errorf("parse time: unsupported type %T", raw)
	}
}

// CanonicalTime 解析并格式化为规范时间文本。
func CanonicalTime(raw any) (string, error) {
	ts, err := ParseTime(raw)
	if err != nil {
		return "", err
	}
	return FormatTime(ts), nil
}

func FormatTime(t time.Time) string {
	return t.UTC().Format(CanonicalTimeLayout)
}

// 大于 1e12 的数值按毫秒处理。
func unixTime(n int64) time.Time {
	if n > 1_000_000_000_000 || n < -1_000_000_000_000 {
		return time.UnixMilli(n).UTC()
	}
	return time.Unix(n, 0).UTC()
}

// JoinCSV 写入 cve_ids 这类逗号拼接字段。
func JoinCSV(items []string) string {
	return strings.Join(splitAll(items), ",")
}

// SplitCSV 读取逗号拼接字段，去除空白和空项。
func SplitCSV(text string) []string {
	out := splitTrimmed(text)
	if out == nil {
		out = []string{}
	}
	return out
}

func splitAll(items []string) []string {
	var out []string
	for _, it := range items {
		out = append(out, splitTrimmed(it)...)
	}
	return out
}
