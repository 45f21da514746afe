package rules

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"endpoint-posture/internal/domain/model"
)

const sampleBundle = `
version: "2024.03"
bundle_type: security_policies
scoring:
  penalties:
    high: 12
policies:
  - name: host-firewall
    category: system
    severity: high
    check_frequency: 3600
    notification_enabled: true
    target_os: [windows, macos]
    tags: [baseline]
    rules:
      - rule: firewall_enabled
        condition: equals
        value: true
  - name: av-present
    category: antivirus
    severity: critical
    enabled: false
    check_frequency: 600
    rules:
      - rule: antivirus_installed
        condition: equals
        value: true
      - rule: av_definitions_fresh
        fact: antivirus_definitions_age_days
        condition: lte
        value: 7
`

func TestParse_Bundle(t *testing.T) {
	loaded, err := Parse([]byte(sampleBundle))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(loaded.Policies) != 2 {
		t.Fatalf("expected 2 policies, got %d", len(loaded.Policies))
	}
	fw := loaded.Policies[0]
	if !fw.Enabled || fw.Category != model.CategorySystem || fw.CheckFrequency != 3600 {
		t.Fatalf("unexpected policy: %+v", fw)
	}
	if got := fw.Tags.Strings(); len(got) != 1 || got[0] != "baseline" {
		t.Fatalf("tags: %v", got)
	}
	if loaded.Policies[1].Enabled {
		t.Fatalf("explicit enabled=false ignored")
	}
	if loaded.Policies[1].Rules[1].FactName() != "antivirus_definitions_age_days" {
		t.Fatalf("fact alias lost")
	}
	if loaded.Penalties[model.SeverityHigh] != 12 || loaded.Penalties[model.SeverityCritical] != 20 {
		t.Fatalf("penalties: %v", loaded.Penalties)
	}
	if len(loaded.SHA256) != 64 {
		t.Fatalf("sha256: %s", loaded.SHA256)
	}
}

func TestParse_RejectsInvalid(t *testing.T) {
	cases := map[string]struct {
		mutate func(string) string
		field  string
	}{
		"duplicate rule": {
			mutate: func(s string) string { return strings.Replace(s, "rule: antivirus_installed", "rule: firewall_enabled", 1) },
			field:  "policies[1].rules[0].rule",
		},
		"bad category": {
			mutate: func(s string) string { return strings.Replace(s, "category: system", "category: physical", 1) },
			field:  "policies[0].category",
		},
		"bad condition": {
			mutate: func(s string) string { return strings.Replace(s, "condition: lte", "condition: roughly", 1) },
			field:  "policies[1].rules[1].condition",
		},
		"zero frequency": {
			mutate: func(s string) string { return strings.Replace(s, "check_frequency: 600", "check_frequency: 0", 1) },
			field:  "policies[1].check_frequency",
		},
		"negative penalty": {
			mutate: func(s string) string { return strings.Replace(s, "high: 12", "high: -1", 1) },
			field:  "scoring.penalties.high",
		},
		"wrong bundle type": {
			mutate: func(s string) string { return strings.Replace(s, "bundle_type: security_policies", "bundle_type: software_catalog", 1) },
			field:  "bundle_type",
		},
	}
	for name, tc := range cases {
		_, err := Parse([]byte(tc.mutate(sampleBundle)))
		var ve *model.ValidationError
		if !errors.As(err, &ve) {
			t.Fatalf("%s: expected validation error, got %v", name, err)
		}
		if ve.Field != tc.field {
			t.Fatalf("%s: field %q, want %q", name, ve.Field, tc.field)
		}
	}
}

func TestLoader_LoadFromDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policies.yaml")
	if err := os.WriteFile(path, []byte(sampleBundle), 0o600); err != nil {
		t.Fatalf("write bundle: %v", err)
	}
	loaded, err := NewLoader(path).Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Version != "2024.03" {
		t.Fatalf("version: %s", loaded.Version)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewLoader(path).Load(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected canceled, got %v", err)
	}
}
