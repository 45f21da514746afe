package snapshotfmt

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"endpoint-posture/internal/domain/model"
	"endpoint-posture/internal/platform/normalize"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
	"howett.net/plist"
)

//go:embed snapshot.schema.json
var snapshotSchema string

// Format 是采集端上报快照的编码格式。
type Format string

const (
	FormatJSON  Format = "json"
	FormatPlist Format = "plist"
	FormatYAML  Format = "yaml"
)

// 不在规范化固定清单中、但快照里同样按时间处理的字段。
var extraTimeFields = map[string]struct{}{
	"last_patched_at":        {},
	"definitions_updated_at": {},
}

// Decoder 负责识别格式、规范化字段并按内嵌 JSON Schema 校验快照。
type Decoder struct {
	schema *jsonschema.Schema
}

// NewDecoder 编译内嵌 schema。
func NewDecoder() (*Decoder, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	compiler.AssertFormat = true
	if err := compiler.AddResource("snapshot.schema.json", strings.NewReader(snapshotSchema)); err != nil {
		return nil, fmt.Errorf("add snapshot schema: %w", err)
	}
	schema, err := compiler.Compile("snapshot.schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile snapshot schema: %w", err)
	}
	return &Decoder{schema: schema}, nil
}

// Detect 按内容特征识别编码：bplist 头或 XML 为 plist，{ 开头为 JSON，其余按 YAML。
func Detect(data []byte) Format {
	trimmed := bytes.TrimSpace(data)
	switch {
	case bytes.HasPrefix(trimmed, []byte("bplist")):
		return FormatPlist
	case bytes.HasPrefix(trimmed, []byte("<?xml")), bytes.HasPrefix(trimmed, []byte("<plist")), bytes.HasPrefix(trimmed, []byte("<!DOCTYPE plist")):
		return FormatPlist
	case bytes.HasPrefix(trimmed, []byte("{")):
		return FormatJSON
	default:
		return FormatYAML
	}
}

// Decode 解析任意支持格式的快照。
// 格式或字段错误均返回 *model.ValidationError，Field 为出错位置的 JSON Pointer。
func (d *Decoder) Decode(data []byte) (*model.Snapshot, Format, error) {
	format := Detect(data)
	var doc map[string]any
	var err error
	switch format {
	case FormatPlist:
		_, err = plist.Unmarshal(data, &doc)
	case FormatJSON:
		err = json.Unmarshal(data, &doc)
	default:
		err = yaml.Unmarshal(data, &doc)
	}
	if err != nil {
		return nil, format, model.NewValidationError("/", "decode %s snapshot: %v", format, err)
	}
	if doc == nil {
		return nil, format, model.NewValidationError("/", "empty %s snapshot", format)
	}
	snap, err := d.DecodeDocument(doc)
	return snap, format, err
}

// DecodeDocument 校验已解码的通用文档并转换为快照。
func (d *Decoder) DecodeDocument(doc map[string]any) (*model.Snapshot, error) {
	generic, err := toJSONValue(doc)
	if err != nil {
		return nil, model.NewValidationError("/", "snapshot is not representable as JSON: %v", err)
	}
	canonical, issues := canonicalizeDoc(generic, "")
	if len(issues) > 0 {
		first := issues[0]
		return nil, model.NewValidationError(first.Field, "%s: %v", first.Reason, first.Value)
	}
	if err := d.schema.Validate(canonical); err != nil {
		return nil, schemaError(err)
	}

	raw, err := json.Marshal(canonical)
	if err != nil {
		return nil, fmt.Errorf("encode canonical snapshot: %w", err)
	}
	var snap model.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, model.NewValidationError("/", "decode snapshot: %v", err)
	}
	return &snap, nil
}

// toJSONValue 通过一次 JSON 往返把 plist/YAML 的原生类型统一为 JSON 数据模型。
func toJSONValue(doc any) (any, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

// canonicalizeDoc 递归规范化已知字段：JSON 列表字段统一为数组，时间统一为规范文本，标识符转为整数。
func canonicalizeDoc(v any, path string) (any, []normalize.Issue) {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		var issues []normalize.Issue
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			child := path + "/" + escapePointer(k)
			val, is := canonicalizeField(k, t[k], child)
			out[k] = val
			issues = append(issues, is...)
		}
		return out, issues
	case []any:
		out := make([]any, len(t))
		var issues []normalize.Issue
		for i, it := range t {
			val, is := canonicalizeDoc(it, fmt.Sprintf("%s/%d", path, i))
			out[i] = val
			issues = append(issues, is...)
		}
		return out, issues
	default:
		return v, nil
	}
}

func canonicalizeField(key string, val any, path string) (any, []normalize.Issue) {
	if key == "cve_ids" {
		if s, ok := val.(string); ok {
			items := normalize.SplitCSV(s)
			out := make([]any, len(items))
			for i, it := range items {
				out[i] = it
			}
			return out, nil
		}
		return val, nil
	}
	if _, ok := extraTimeFields[key]; ok {
		if val == nil {
			return nil, nil
		}
		s, err := normalize.CanonicalTime(val)
		if err != nil {
			return val, []normalize.Issue{{Field: path, Value: val, Reason: "unparseable timestamp"}}
		}
		return s, nil
	}

	switch normalize.ClassOf(key) {
	case normalize.ClassPassthrough:
		return canonicalizeDoc(val, path)
	case normalize.ClassJSONArray, normalize.ClassJSONObject:
		out, _ := normalize.Canonicalize(key, val)
		data, err := toJSONValue(json.RawMessage(out.(normalize.Value).JSON()))
		if err != nil {
			return val, nil
		}
		return data, nil
	default:
		out, ok := normalize.Canonicalize(key, val)
		if !ok {
			reason := "unparseable timestamp"
			if normalize.ClassOf(key) == normalize.ClassID {
				reason = "non-numeric identifier"
			}
			return val, []normalize.Issue{{Field: path, Value: val, Reason: reason}}
		}
		if n, ok := out.(int64); ok {
			return json.Number(strconv.FormatInt(n, 10)), nil
		}
		return out, nil
	}
}

func escapePointer(s string) string {
	return strings.ReplaceAll(strings.ReplaceAll(s, "~", "~0"), "/", "~1")
}

// schemaError 取最深一层的失败原因，返回带 JSON Pointer 的校验错误。
func schemaError(err error) error {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return model.NewValidationError("/", "%v", err)
	}
	leaf := ve
	for len(leaf.Causes) > 0 {
		leaf = leaf.Causes[0]
	}
	field := leaf.InstanceLocation
	if field == "" {
		field = "/"
	}
	return model.NewValidationError(field, "%s", leaf.Message)
}
