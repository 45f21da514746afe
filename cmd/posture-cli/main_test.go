package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
)

const cliSnapshot = `{
  "unique_id": "ws-cli-1",
  "snapshot_type": "full",
  "captured_at": "2024-06-01T08:00:00Z",
  "system": {"hostname": "ws-cli-1", "os_name": "Windows 11 Pro", "firewall_enabled": false},
  "software": [{"name": "uTorrent"}, {"name": "Chrome"}],
  "network": [{"interface_name": "eth0", "ip_address": "192.168.10.5", "mac_address": "00:1a:2b:3c:4d:5e"}]
}`

func setupEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("POSTURE_ENV_FILE", filepath.Join(dir, "missing.env"))
	t.Setenv("POSTURE_DB_PATH", filepath.Join(dir, "db", "posture.db"))
	t.Setenv("POSTURE_POLICY_PATH", filepath.Join("..", "..", "policies", "security_policies.yaml"))
	t.Setenv("POSTURE_REPORT_DIR", filepath.Join(dir, "reports"))
	t.Setenv("POSTURE_LOG_LEVEL", "error")
	t.Setenv("POSTURE_NATS_URL", "")
	t.Setenv("POSTURE_KAFKA_BROKERS", "")
	t.Setenv("POSTURE_REDIS_URL", "")
	t.Setenv("POSTURE_OPERATOR", "tester")
	return dir
}

func runCLI(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	if err := run(context.Background(), args, &out); err != nil {
		t.Fatalf("%s: %v\n%s", strings.Join(args, " "), err, out.String())
	}
	return out.String()
}

func TestCLI_EndToEnd(t *testing.T) {
	dir := setupEnv(t)

	if out := runCLI(t, "migrate", "up"); !strings.Contains(out, "migrations applied") {
		t.Fatalf("migrate up output: %s", out)
	}
	if out := runCLI(t, "migrate", "status"); strings.Contains(out, "pending") {
		t.Fatalf("pending migrations after up: %s", out)
	}
	if out := runCLI(t, "policies", "validate"); !strings.Contains(out, "policy validation passed") {
		t.Fatalf("validate output: %s", out)
	}
	if out := runCLI(t, "policies", "sync"); !strings.Contains(out, "synced=7") {
		t.Fatalf("sync output: %s", out)
	}

	snapPath := filepath.Join(dir, "snapshot.json")
	if err := os.WriteFile(snapPath, []byte(cliSnapshot), 0o644); err != nil {
		t.Fatalf("write snapshot: %v", err)
	}
	out := runCLI(t, "ingest", "--file", snapPath)
	if !strings.Contains(out, "snapshot ingested") || !strings.Contains(out, "client_id=1") {
		t.Fatalf("ingest output: %s", out)
	}

	var items []struct {
		ID         int64  `json:"id"`
		PolicyRule string `json:"policy_rule"`
		Status     string `json:"status"`
	}
	raw := runCLI(t, "violations", "list", "--client-id", "1", "--json")
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		t.Fatalf("decode violations: %v\n%s", err, raw)
	}
	var p2p int64
	for _, it := range items {
		if it.PolicyRule == "no_utorrent" {
			p2p = it.ID
		}
	}
	if p2p == 0 {
		t.Fatalf("expected no_utorrent violation, got %+v", items)
	}

	if out := runCLI(t, "violations", "ack", "--id", strconv.FormatInt(p2p, 10)); !strings.Contains(out, "is now acknowledged") {
		t.Fatalf("ack output: %s", out)
	}
	if out := runCLI(t, "compliance", "show", "--client-id", "1"); !strings.Contains(out, "overall_score=") {
		t.Fatalf("compliance output: %s", out)
	}

	if out := runCLI(t, "ioc", "add", "--value", "evil.example.com", "--type", "domain", "--severity", "high", "--expires", "72h"); !strings.Contains(out, "ioc stored: id=1") {
		t.Fatalf("ioc add output: %s", out)
	}
	if out := runCLI(t, "ioc", "distribute", "--ioc-id", "1"); !strings.Contains(out, "distributed to 1 clients") {
		t.Fatalf("ioc distribute output: %s", out)
	}

	if out := runCLI(t, "export", "pdf", "--client-id", "1"); !strings.Contains(out, "compliance pdf export completed") {
		t.Fatalf("export output: %s", out)
	}
	if out := runCLI(t, "verify", "audit"); !strings.Contains(out, "client_id=1") {
		t.Fatalf("verify output: %s", out)
	}
}

func TestCLI_NoMigrateRequiresCurrentSchema(t *testing.T) {
	setupEnv(t)
	var out bytes.Buffer
	err := run(context.Background(), []string{"violations", "list", "--no-migrate"}, &out)
	if err == nil || !strings.Contains(err.Error(), "pending migrations") {
		t.Fatalf("expected pending migration error, got %v", err)
	}
}

func TestCLI_UnknownCommand(t *testing.T) {
	setupEnv(t)
	var out bytes.Buffer
	if err := run(context.Background(), []string{"scan"}, &out); err == nil {
		t.Fatalf("expected error for unknown command")
	}
	if !strings.Contains(out.String(), "Usage:") {
		t.Fatalf("usage not printed: %s", out.String())
	}
}
