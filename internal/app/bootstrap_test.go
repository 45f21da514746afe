package app

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFromEnv_Overrides(t *testing.T) {
	env := map[string]string{
		"POSTURE_DB_PATH":           "/tmp/p.db",
		"POSTURE_KAFKA_BROKERS":     "k1:9092, k2:9092,",
		"POSTURE_SWEEP_TICK":        "5s",
		"POSTURE_SWEEP_CONCURRENCY": "8",
		"POSTURE_AUTO_MIGRATE":      "false",
		"POSTURE_PRIVACY_MODE":      "masked",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg, err := FromEnv(DefaultConfig(), lookup)
	if err != nil {
		t.Fatalf("from env: %v", err)
	}
	if cfg.DBPath != "/tmp/p.db" {
		t.Fatalf("db path: %s", cfg.DBPath)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "k2:9092" {
		t.Fatalf("brokers: %v", cfg.KafkaBrokers)
	}
	if cfg.SweepTick != 5*time.Second || cfg.SweepConcurrency != 8 {
		t.Fatalf("sweep: %v %d", cfg.SweepTick, cfg.SweepConcurrency)
	}
	if cfg.AutoMigrate || cfg.PrivacyMode != "masked" {
		t.Fatalf("flags: %+v", cfg)
	}
	if cfg.LogLevel != "info" {
		t.Fatalf("default log level lost: %s", cfg.LogLevel)
	}
}

func TestFromEnv_RejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"POSTURE_SWEEP_TICK":        "soon",
		"POSTURE_SWEEP_CONCURRENCY": "0",
		"POSTURE_AUTO_MIGRATE":      "maybe",
		"POSTURE_PRIVACY_MODE":      "hidden",
	}
	for key, val := range cases {
		lookup := func(k string) (string, bool) {
			if k == key {
				return val, true
			}
			return "", false
		}
		if _, err := FromEnv(DefaultConfig(), lookup); err == nil {
			t.Fatalf("expected error for %s=%s", key, val)
		}
	}
}

func TestLoadConfig_EnvFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.env")
	if err := os.WriteFile(path, []byte("POSTURE_LISTEN_ADDR=:9999\n"), 0o600); err != nil {
		t.Fatalf("write env: %v", err)
	}
	t.Setenv("POSTURE_LISTEN_ADDR", "")
	os.Unsetenv("POSTURE_LISTEN_ADDR")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.ListenAddr != ":9999" {
		t.Fatalf("listen addr: %s", cfg.ListenAddr)
	}
}

func TestLoadConfig_MissingFileIsFine(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "absent.env")); err != nil {
		t.Fatalf("missing env file should be ignored: %v", err)
	}
}
