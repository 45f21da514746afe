package normalize

import (
	"bytes"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
)

// Kind 表示 Value 的变体类型。
type Kind int

const (
	// KindNone 为零值，表示字段缺失。
	KindNone Kind = iota
	// KindStructured 表示严格 JSON 解析得到的结构化值（对象、混合数组或标量）。
	KindStructured
	// KindSequence 表示字符串序列（JSON 字符串数组或逗号拆分结果）。
	KindSequence
	// KindRaw 表示解析全部失败时保留的原始字符串，对外表现为单元素序列。
	KindRaw
)

func (k Kind) String() string {
	switch k {
	case KindStructured:
		return "structured"
	case KindSequence:
		return "sequence"
	case KindRaw:
		return "raw"
	default:
		return "none"
	}
}

// Source 记录值是经由哪条解析路径得到的，便于调用方区分严格解析与降级解析。
type Source string

const (
	SourceNative     Source = "native"
	SourceJSON       Source = "json"
	SourceCommaSplit Source = "comma_split"
	SourceRaw        Source = "raw"
)

// Value 是持久化 JSON-in-text 字段的标签联合体：Structured | Sequence | Raw。
// 读取容错，写入统一为 JSON 文本。
type Value struct {
	kind   Kind
	source Source
	data   any
	seq    []string
	raw    string
}

// Structured 用任意可 JSON 编码的值构造结构化变体。
// 内部会经过一次 JSON 往返，保证与从文本解析得到的值可比较。
func Structured(v any) Value {
	raw, err := json.Marshal(v)
	if err != nil {
		return Raw(fmt.Sprint(v))
	}
	data, err := decodeStrict(raw)
	if err != nil {
		return Raw(string(raw))
	}
	return Value{kind: KindStructured, source: SourceNative, data: data}
}

// Object 构造 JSON 对象变体；nil map 视为空对象。
func Object(m map[string]any) Value {
	if m == nil {
		m = map[string]any{}
	}
	return Structured(m)
}

// Sequence 构造字符串序列变体。
func Sequence(items ...string) Value {
	out := make([]string, 0, len(items))
	out = append(out, items...)
	return Value{kind: KindSequence, source: SourceNative, seq: out}
}

// Raw 构造原始字符串变体。
func Raw(s string) Value {
	return Value{kind: KindRaw, source: SourceRaw, raw: s}
}

func EmptyObject() Value   { return Object(nil) }
func EmptySequence() Value { return Sequence() }

// Parse 按 严格 JSON -> 逗号拆分 -> 原始字符串 的顺序解析文本。
// 空文本返回空序列。
func Parse(text string) Value {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		v := EmptySequence()
		v.source = SourceRaw
		return v
	}

	if data, err := decodeStrict([]byte(trimmed)); err == nil {
		if items, ok := stringItems(data); ok {
			return Value{kind: KindSequence, source: SourceJSON, seq: items}
		}
		return Value{kind: KindStructured, source: SourceJSON, data: data}
	}

	parts := splitTrimmed(trimmed)
	if len(parts) == 0 {
		return Raw(text)
	}
	return Value{kind: KindSequence, source: SourceCommaSplit, seq: parts}
}

// FromAny 接收数据库、JSON 解码或调用方传入的任意表示，并转换为 Value。
// 已是 Value 的输入原样返回，保证幂等。
func FromAny(v any) Value {
	switch t := v.(type) {
	case nil:
		return Value{}
	case Value:
		return t
	case *Value:
		if t == nil {
			return Value{}
		}
		return *t
	case string:
		return Parse(t)
	case []byte:
		return Parse(string(t))
	case json.RawMessage:
		return Parse(string(t))
	case []string:
		return Sequence(t...)
	case []any:
		if items, ok := stringItems(t); ok {
			return Sequence(items...)
		}
		return Structured(t)
	default:
		return Structured(t)
	}
}

func (v Value) Kind() Kind     { return v.kind }
func (v Value) Source() Source { return v.source }
func (v Value) IsZero() bool   { return v.kind == KindNone }

// Fallback 表示结果来自降级解析路径（逗号拆分或原始字符串）。
func (v Value) Fallback() bool {
	return v.source == SourceCommaSplit || v.source == SourceRaw
}

// Strings 以字符串序列视角读取值。
// Raw 返回单元素序列；结构化数组按元素格式化；结构化对象返回 nil。
func (v Value) Strings() []string {
	switch v.kind {
	case KindSequence:
		out := make([]string, len(v.seq))
		copy(out, v.seq)
		return out
	case KindRaw:
		return []string{v.raw}
	case KindStructured:
		var arr []any
		switch d := v.data.(type) {
		case []any:
			arr = d
		case map[string]any, nil:
			return nil
		default:
			arr = []any{d}
		}
		out := make([]string, 0, len(arr))
		for _, it := range arr {
			switch x := it.(type) {
			case string:
				out = append(out, x)
			case nil:
				continue
			default:
				raw, _ := json.Marshal(x)
				out = append(out, string(raw))
			}
		}
		return out
	default:
		return nil
	}
}

// Map 返回结构化对象；非对象变体返回 nil。
func (v Value) Map() map[string]any {
	if v.kind != KindStructured {
		return nil
	}
	m, _ := v.data.(map[string]any)
	return m
}

// Data 返回结构化变体底层数据（对象、数组或标量）。
func (v Value) Data() any {
	if v.kind != KindStructured {
		return nil
	}
	return v.data
}

func (v Value) RawString() string {
	if v.kind != KindRaw {
		return ""
	}
	return v.raw
}

// Or 在零值时返回 def。
func (v Value) Or(def Value) Value {
	if v.IsZero() {
		return def
	}
	return v
}

// JSON 返回规范化 JSON 文本，写库时一律使用这一形式。
func (v Value) JSON() string {
	switch v.kind {
	case KindSequence:
		items := v.seq
		if items == nil {
			items = []string{}
		}
		raw, _ := json.Marshal(items)
		return string(raw)
	case KindRaw:
		raw, _ := json.Marshal([]string{v.raw})
		return string(raw)
	case KindStructured:
		raw, err := json.Marshal(v.data)
		if err != nil {
			return "null"
		}
		return string(raw)
	default:
		return "null"
	}
}

// Equal 以规范化 JSON 文本比较两个值，Raw 与等价单元素序列视为相等。
func (v Value) Equal(o Value) bool {
	if v.kind == KindNone || o.kind == KindNone {
		return v.kind == o.kind
	}
	return v.JSON() == o.JSON()
}

func (v Value) String() string {
	if v.kind == KindRaw {
		return v.raw
	}
	return v.JSON()
}

func (v Value) MarshalJSON() ([]byte, error) {
	return []byte(v.JSON()), nil
}

func (v *Value) UnmarshalJSON(b []byte) error {
	trimmed := bytes.TrimSpace(b)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*v = Value{}
		return nil
	}
	// 字符串形态的 JSON（例如 "a,b" 或 "{\"k\":1}"）按文本规则再解析一次。
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return fmt.Errorf("decode normalized value: %w", err)
		}
		*v = Parse(s)
		return nil
	}
	*v = Parse(string(trimmed))
	return nil
}

// Value 实现 driver.Valuer，零值写入 NULL。
func (v Value) Value() (driver.Value, error) {
	if v.IsZero() {
		return nil, nil
	}
	return v.JSON(), nil
}

// Scan 实现 sql.Scanner，读取时走容错解析。
func (v *Value) Scan(src any) error {
	switch t := src.(type) {
	case nil:
		*v = Value{}
	case string:
		*v = Parse(t)
	case []byte:
		*v = Parse(string(t))
	default:
		return fmt.Errorf("scan normalized value: unsupported type %T", src)
	}
	return nil
}

func decodeStrict(raw []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, fmt.Errorf("trailing data after json value")
	}
	return out, nil
}

func stringItems(data any) ([]string, bool) {
	arr, ok := data.([]any)
	if !ok {
		return nil, false
	}
	out := make([]string, 0, len(arr))
	for _, it := range arr {
		s, ok := it.(string)
		if !ok {
			return nil, false
		}
		out = append(out, s)
	}
	return out, true
}

func splitTrimmed(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
