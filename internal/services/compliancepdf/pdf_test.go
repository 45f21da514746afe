package compliancepdf

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	sqliteadapter "endpoint-posture/internal/adapters/store/sqlite"
	"endpoint-posture/internal/domain/model"
	"endpoint-posture/internal/platform/hash"
	"endpoint-posture/internal/services/posture"
	"endpoint-posture/internal/services/privacy"
)

func TestGenerate_CreatesReportAndFile(t *testing.T) {
	ctx := context.Background()
	tmp := t.TempDir()

	db, err := sqliteadapter.Open(ctx, filepath.Join(tmp, "posture.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer db.Close()
	if _, err := sqliteadapter.NewMigrator(db).Up(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	store := sqliteadapter.NewStore(db).WithClock(clock)

	if _, err := store.UpsertPolicy(ctx, model.SecurityPolicy{
		Name: "disk-encryption", Description: "system disk must be encrypted",
		Category: model.CategorySystem, Severity: model.SeverityCritical, Enabled: true, CheckFrequency: 3600,
		Rules: []model.PolicyRule{{Rule: "encryption_enabled", Condition: model.CondEquals, Value: true}},
	}); err != nil {
		t.Fatalf("upsert policy: %v", err)
	}

	off := false
	res, err := posture.New(posture.Deps{Store: store, Now: clock}).Ingest(ctx, posture.SnapshotInput{Snapshot: model.Snapshot{
		UniqueID:   "laptop-1",
		CapturedAt: now,
		System:     model.SystemInfo{Hostname: "laptop-1", OSName: "Ubuntu 22.04", EncryptionEnabled: &off},
		Network:    []model.NetworkObservation{{InterfaceName: "wlan0", IPAddress: "192.168.8.14", MACAddress: "00:11:22:33:44:55"}},
	}})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}

	out, err := Generate(ctx, store, Options{
		ClientID:  res.ClientID,
		ReportDir: filepath.Join(tmp, "reports"),
		Operator:  "tester",
		Note:      "quarterly review",
		Privacy:   privacy.ModeMasked,
		Now:       clock,
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	raw, err := os.ReadFile(out.PDFPath)
	if err != nil {
		t.Fatalf("read pdf: %v", err)
	}
	if !bytes.HasPrefix(raw, []byte("%PDF")) {
		t.Fatalf("output is not a pdf")
	}
	sum, _, err := hash.File(out.PDFPath)
	if err != nil || sum != out.PDFSHA256 {
		t.Fatalf("sha256 mismatch: %v %s vs %s", err, sum, out.PDFSHA256)
	}

	rep, err := store.GetLatestReportByClient(ctx, res.ClientID)
	if err != nil {
		t.Fatalf("latest report: %v", err)
	}
	if rep == nil || rep.ReportID != out.ReportID || rep.ReportType != "compliance_pdf" {
		t.Fatalf("report not registered: %+v", rep)
	}

	logs, err := store.ListAuditLogs(ctx, res.ClientID, 100)
	if err != nil {
		t.Fatalf("audit logs: %v", err)
	}
	if len(logs) == 0 || logs[len(logs)-1].Action != "compliance_pdf" {
		t.Fatalf("export not audited: %+v", logs)
	}
}

func TestGenerate_RequiresClient(t *testing.T) {
	_, err := Generate(context.Background(), nil, Options{ReportDir: t.TempDir()})
	if !model.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}
