package rules

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"endpoint-posture/internal/domain/model"
	"endpoint-posture/internal/platform/normalize"

	"gopkg.in/yaml.v3"
)

const bundleType = "security_policies"

// Bundle 是策略 YAML 文件的结构。
type Bundle struct {
	Version    string         `yaml:"version"`
	BundleType string         `yaml:"bundle_type"`
	Scoring    ScoringSection `yaml:"scoring"`
	Policies   []PolicySpec   `yaml:"policies"`
}

// ScoringSection 配置评分扣分权重，未配置的级别使用默认值。
type ScoringSection struct {
	Penalties map[string]int `yaml:"penalties"`
}

// PolicySpec 是文件中的单条策略定义。
type PolicySpec struct {
	Name                string             `yaml:"name"`
	Description         string             `yaml:"description"`
	Category            string             `yaml:"category"`
	Severity            string             `yaml:"severity"`
	Enabled             *bool              `yaml:"enabled"`
	AutoRemediate       bool               `yaml:"auto_remediate"`
	CheckFrequency      int                `yaml:"check_frequency"`
	NotificationEnabled bool               `yaml:"notification_enabled"`
	TargetOS            []string           `yaml:"target_os"`
	Tags                []string           `yaml:"tags"`
	Rules               []model.PolicyRule `yaml:"rules"`
}

// Loader 负责从磁盘读取并校验策略文件。
type Loader struct {
	PolicyFile string
}

// LoadedPolicies 是加载后的策略集合、扣分表和文件哈希，用于留痕与版本确认。
type LoadedPolicies struct {
	Version   string
	Policies  []model.SecurityPolicy
	Penalties model.PenaltyWeights
	SHA256    string
}

func NewLoader(policyFile string) *Loader {
	return &Loader{PolicyFile: policyFile}
}

// Load 读取、解析并校验策略文件。
func (l *Loader) Load(ctx context.Context) (*LoadedPolicies, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(l.PolicyFile)
	if err != nil {
		return nil, fmt.Errorf("read policy bundle: %w", err)
	}
	return Parse(raw)
}

// Parse 解析内存中的策略文件内容。
func Parse(raw []byte) (*LoadedPolicies, error) {
	var bundle Bundle
	if err := yaml.Unmarshal(raw, &bundle); err != nil {
		return nil, fmt.Errorf("parse policy bundle: %w", err)
	}
	if err := validateBundle(bundle); err != nil {
		return nil, err
	}
	penalties, err := buildPenalties(bundle.Scoring.Penalties)
	if err != nil {
		return nil, err
	}

	policies := make([]model.SecurityPolicy, 0, len(bundle.Policies))
	for _, p := range bundle.Policies {
		enabled := true
		if p.Enabled != nil {
			enabled = *p.Enabled
		}
		tags := normalize.EmptySequence()
		if len(p.Tags) > 0 {
			tags = normalize.Sequence(p.Tags...)
		}
		policies = append(policies, model.SecurityPolicy{
			Name:                strings.TrimSpace(p.Name),
			Description:         p.Description,
			Category:            model.Category(p.Category),
			Severity:            model.Severity(p.Severity),
			Enabled:             enabled,
			AutoRemediate:       p.AutoRemediate,
			NotificationEnabled: p.NotificationEnabled,
			CheckFrequency:      p.CheckFrequency,
			TargetOS:            p.TargetOS,
			Rules:               p.Rules,
			Tags:                tags,
		})
	}

	sum := sha256.Sum256(raw)
	return &LoadedPolicies{
		Version:   bundle.Version,
		Policies:  policies,
		Penalties: penalties,
		SHA256:    hex.EncodeToString(sum[:]),
	}, nil
}

// validateBundle 检查策略文件的完整性与唯一性。
// 规则名在整个文件内唯一，违规记录的 policy_rule 才能唯一定位到一条规则。
func validateBundle(bundle Bundle) error {
	if strings.TrimSpace(bundle.Version) == "" {
		return model.NewValidationError("version", "is required")
	}
	if bundle.BundleType != bundleType {
		return model.NewValidationError("bundle_type", "must be %q", bundleType)
	}
	if len(bundle.Policies) == 0 {
		return errors.New("policy rules: policies is empty")
	}

	names := make(map[string]struct{}, len(bundle.Policies))
	ruleNames := map[string]string{}
	for i, p := range bundle.Policies {
		field := fmt.Sprintf("policies[%d]", i)
		name := strings.TrimSpace(p.Name)
		if name == "" {
			return model.NewValidationError(field+".name", "is required")
		}
		if _, ok := names[name]; ok {
			return model.NewValidationError(field+".name", "duplicate policy name %s", name)
		}
		names[name] = struct{}{}

		if !model.Category(p.Category).Valid() {
			return model.NewValidationError(field+".category", "unknown category %q", p.Category)
		}
		if !model.Severity(p.Severity).Valid() {
			return model.NewValidationError(field+".severity", "unknown severity %q", p.Severity)
		}
		if p.CheckFrequency <= 0 {
			return model.NewValidationError(field+".check_frequency", "must be positive")
		}
		if len(p.Rules) == 0 {
			return model.NewValidationError(field+".rules", "no rules for policy %s", name)
		}
		for j, r := range p.Rules {
			rf := fmt.Sprintf("%s.rules[%d]", field, j)
			if strings.TrimSpace(r.Rule) == "" {
				return model.NewValidationError(rf+".rule", "is required")
			}
			if owner, ok := ruleNames[r.Rule]; ok {
				return model.NewValidationError(rf+".rule", "rule %s already defined by policy %s", r.Rule, owner)
			}
			ruleNames[r.Rule] = name
			if err := validateRule(rf, r); err != nil {
				return err
			}
		}
	}
	return nil
}

func validateRule(field string, r model.PolicyRule) error {
	if !r.Condition.Valid() {
		return model.NewValidationError(field+".condition", "unknown condition %q", r.Condition)
	}
	switch r.Condition {
	case model.CondExists, model.CondNotExists:
		return nil
	case model.CondIn, model.CondNotIn:
		if _, ok := r.Value.([]any); !ok {
			return model.NewValidationError(field+".value", "condition %s requires a list", r.Condition)
		}
	case model.CondMatches:
		s, ok := r.Value.(string)
		if !ok {
			return model.NewValidationError(field+".value", "condition matches requires a pattern")
		}
		if _, err := regexp.Compile(s); err != nil {
			return model.NewValidationError(field+".value", "invalid pattern: %v", err)
		}
	default:
		if r.Value == nil {
			return model.NewValidationError(field+".value", "is required for condition %s", r.Condition)
		}
	}
	return nil
}

func buildPenalties(raw map[string]int) (model.PenaltyWeights, error) {
	out := model.DefaultPenaltyWeights()
	for k, v := range raw {
		sev := model.Severity(k)
		if !sev.Valid() {
			return nil, model.NewValidationError("scoring.penalties", "unknown severity %q", k)
		}
		if v < 0 {
			return nil, model.NewValidationError("scoring.penalties."+k, "must not be negative")
		}
		out[sev] = v
	}
	return out, nil
}
