package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"endpoint-posture/internal/domain/model"
	"endpoint-posture/internal/platform/normalize"
)

var fixedNow = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db := openTestDB(t)
	if _, err := NewMigrator(db).Up(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return NewStore(db).WithClock(func() time.Time { return fixedNow })
}

func seedClient(t *testing.T, s *Store, uniqueID string) *model.Client {
	t.Helper()
	c, err := s.UpsertClient(context.Background(), model.ClientRegistration{
		UniqueID: uniqueID,
		Hostname: "ws-" + uniqueID,
		OSName:   "windows",
		Tags:     normalize.Sequence("finance"),
	})
	if err != nil {
		t.Fatalf("upsert client: %v", err)
	}
	return c
}

func TestUpsertClient_KeepsExistingFacts(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	first := seedClient(t, s, "abc")

	again, err := s.UpsertClient(ctx, model.ClientRegistration{UniqueID: "abc", OSVersion: "11"})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if again.ID != first.ID {
		t.Fatalf("client id changed: %d -> %d", first.ID, again.ID)
	}
	if again.Hostname != "ws-abc" || again.OSVersion != "11" {
		t.Fatalf("unexpected client %+v", again)
	}
	if got := again.Tags.Strings(); len(got) != 1 || got[0] != "finance" {
		t.Fatalf("tags=%v", got)
	}
	if again.Status != model.ClientActive {
		t.Fatalf("status=%s", again.Status)
	}
}

func TestUpsertClient_RequiresUniqueID(t *testing.T) {
	s := newTestStore(t)
	_, err := s.UpsertClient(context.Background(), model.ClientRegistration{})
	var verr *model.ValidationError
	if !errors.As(err, &verr) || verr.Field != "unique_id" {
		t.Fatalf("expected validation error on unique_id, got %v", err)
	}
}

func TestCreateViolationIfAbsent_Concurrent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	c := seedClient(t, s, "c1")

	draft := model.ViolationDraft{
		ClientID:      c.ID,
		PolicyRule:    "firewall_enabled",
		ViolationType: "policy_violation",
		Severity:      model.SeverityHigh,
		Evidence:      normalize.Object(map[string]any{"actual": false}),
	}

	const workers = 8
	var wg sync.WaitGroup
	created := make([]bool, workers)
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, created[i], errs[i] = s.CreateViolationIfAbsent(ctx, draft, fixedNow)
		}(i)
	}
	wg.Wait()

	n := 0
	for i := range created {
		if errs[i] != nil {
			t.Fatalf("worker %d: %v", i, errs[i])
		}
		if created[i] {
			n++
		}
	}
	if n != 1 {
		t.Fatalf("created %d violations, want 1", n)
	}
	open, err := s.ListViolations(ctx, model.ViolationFilter{ClientID: c.ID, Status: model.ViolationOpen})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(open) != 1 {
		t.Fatalf("open violations=%d", len(open))
	}
	if open[0].Evidence.Map()["actual"] != false {
		t.Fatalf("evidence=%s", open[0].Evidence.JSON())
	}
}

func TestUpdateViolationIf_Conflict(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	c := seedClient(t, s, "c1")
	v, _, err := s.CreateViolationIfAbsent(ctx, model.ViolationDraft{
		ClientID: c.ID, PolicyRule: "av_enabled", ViolationType: "policy_violation", Severity: model.SeverityLow,
	}, fixedNow)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	next := *v
	next.Status = model.ViolationAcknowledged
	next.AcknowledgedBy = "admin"
	next.AcknowledgedAt = &fixedNow
	next.UpdatedAt = fixedNow
	if err := s.UpdateViolationIf(ctx, &next, model.ViolationOpen); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := s.UpdateViolationIf(ctx, &next, model.ViolationOpen); !errors.Is(err, model.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestViolation_ResolvedAtConstraint(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	c := seedClient(t, s, "c1")
	v, _, err := s.CreateViolationIfAbsent(ctx, model.ViolationDraft{
		ClientID: c.ID, PolicyRule: "r", ViolationType: "policy_violation", Severity: model.SeverityLow,
	}, fixedNow)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	bad := *v
	bad.Status = model.ViolationResolved
	bad.UpdatedAt = fixedNow
	if err := s.UpdateViolationIf(ctx, &bad, model.ViolationOpen); err == nil {
		t.Fatalf("terminal status without resolved_at must be rejected by the schema")
	}
	got, err := s.GetViolation(ctx, v.ID)
	if err != nil || got.Status != model.ViolationOpen {
		t.Fatalf("violation changed: %+v %v", got, err)
	}
}

func TestListNetworkChanges_IntegrityError(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	c := seedClient(t, s, "c1")
	if _, err := s.DB().Exec(`
		INSERT INTO network_changes(client_id, interface_name, change_type, detected_at)
		VALUES(?, 'eth0', 'renamed', ?)
	`, c.ID, normalize.FormatTime(fixedNow)); err != nil {
		t.Fatalf("seed: %v", err)
	}
	_, err := s.ListNetworkChanges(ctx, c.ID, 10)
	var ierr *model.IntegrityError
	if !errors.As(err, &ierr) || ierr.Value != "renamed" {
		t.Fatalf("expected integrity error, got %v", err)
	}
}

func TestRecordNetwork_LatestBatch(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	c := seedClient(t, s, "c3")

	snap1, err := s.SaveSnapshot(ctx, c.ID, model.Snapshot{UniqueID: "c3", Type: model.SnapshotFull, Checksum: "a", CapturedAt: fixedNow})
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	snap2, err := s.SaveSnapshot(ctx, c.ID, model.Snapshot{UniqueID: "c3", Type: model.SnapshotFull, Checksum: "b", CapturedAt: fixedNow.Add(time.Hour)})
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	first := []model.NetworkInfo{
		{ClientID: c.ID, SnapshotID: snap1.ID, InterfaceName: "eth0", MACAddress: "aa:aa:aa:aa:aa:aa", DNSServers: normalize.Sequence("1.1.1.1"), ObservedAt: fixedNow},
		{ClientID: c.ID, SnapshotID: snap1.ID, InterfaceName: "wlan0", ObservedAt: fixedNow},
	}
	if err := s.RecordNetwork(ctx, first, nil); err != nil {
		t.Fatalf("record: %v", err)
	}
	second := []model.NetworkInfo{
		{ClientID: c.ID, SnapshotID: snap2.ID, InterfaceName: "eth0", MACAddress: "bb:bb:bb:bb:bb:bb", ObservedAt: fixedNow.Add(time.Hour)},
	}
	changes := []model.NetworkChange{{
		ClientID: c.ID, InterfaceName: "eth0", ChangeType: model.ChangeMACChanged,
		OldMACAddress: "aa:aa:aa:aa:aa:aa", NewMACAddress: "bb:bb:bb:bb:bb:bb",
		OldSnapshotID: snap1.ID, NewSnapshotID: snap2.ID, DetectedAt: fixedNow.Add(time.Hour),
	}}
	if err := s.RecordNetwork(ctx, second, changes); err != nil {
		t.Fatalf("record: %v", err)
	}

	latest, err := s.LatestNetworkObservations(ctx, c.ID)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if len(latest) != 1 || latest[0].MACAddress != "bb:bb:bb:bb:bb:bb" {
		t.Fatalf("latest=%+v", latest)
	}

	var dns string
	if err := s.DB().QueryRow(`SELECT dns_servers FROM network_info WHERE interface_name='eth0' ORDER BY id ASC LIMIT 1`).Scan(&dns); err != nil {
		t.Fatalf("dns: %v", err)
	}
	if dns != `["1.1.1.1"]` {
		t.Fatalf("dns_servers must persist as json array text, got %s", dns)
	}

	got, err := s.ListNetworkChanges(ctx, c.ID, 10)
	if err != nil {
		t.Fatalf("changes: %v", err)
	}
	if len(got) != 1 || got[0].OldIPAddress != "" || got[0].NewMACAddress != "bb:bb:bb:bb:bb:bb" {
		t.Fatalf("changes=%+v", got)
	}
}

func TestComplianceStatus_Replace(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	c := seedClient(t, s, "c1")

	st := model.ComplianceStatus{
		ClientID:       c.ID,
		OverallScore:   81,
		PassedChecks:   9,
		FailedChecks:   1,
		TotalChecks:    10,
		Violations:     model.SeverityCounts{model.SeverityHigh: 1},
		Categories:     model.CategoryScores{model.CategoryAntivirus: 90, model.CategoryNetwork: 95},
		LastAssessment: fixedNow,
	}
	for i := 0; i < 2; i++ {
		if err := s.ReplaceComplianceStatus(ctx, st); err != nil {
			t.Fatalf("replace: %v", err)
		}
	}
	got, err := s.GetComplianceStatus(ctx, c.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.Equal(st) {
		t.Fatalf("round trip mismatch: %+v vs %+v", got, st)
	}
	var rows int
	if err := s.DB().QueryRow(`SELECT COUNT(1) FROM compliance_status`).Scan(&rows); err != nil || rows != 1 {
		t.Fatalf("rows=%d err=%v", rows, err)
	}
}

func TestThreatDetections_Encodings(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	c := seedClient(t, s, "c1")

	err := s.SaveThreatDetections(ctx, []model.ThreatDetection{{
		ClientID:   c.ID,
		Name:       "trojan",
		Severity:   model.SeverityCritical,
		CVEIDs:     []string{"CVE-2024-1", "CVE-2024-2"},
		IOCMatches: normalize.Sequence("evil.example"),
		DetectedAt: fixedNow,
	}})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	var cves, iocs string
	if err := s.DB().QueryRow(`SELECT cve_ids, ioc_matches FROM threat_detections`).Scan(&cves, &iocs); err != nil {
		t.Fatalf("query: %v", err)
	}
	if cves != "CVE-2024-1,CVE-2024-2" || iocs != `["evil.example"]` {
		t.Fatalf("cve_ids=%q ioc_matches=%q", cves, iocs)
	}
	got, err := s.ListThreatDetections(ctx, c.ID, 0)
	if err != nil || len(got) != 1 || len(got[0].CVEIDs) != 2 {
		t.Fatalf("threats=%+v err=%v", got, err)
	}
}

func TestListActiveIOCs_SkipsExpired(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	past := fixedNow.Add(-time.Hour)
	future := fixedNow.Add(time.Hour)
	for _, ind := range []model.IOCIndicator{
		{Value: "1.2.3.4", Type: "ip", Active: true, ExpiresAt: &past},
		{Value: "evil.example", Type: "domain", Active: true, ExpiresAt: &future},
		{Value: "abcd", Type: "hash", Active: true},
		{Value: "old.example", Type: "domain", Active: false},
	} {
		if _, err := s.UpsertIOC(ctx, ind); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}
	got, err := s.ListActiveIOCs(ctx, fixedNow)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("active iocs=%+v", got)
	}
}

func TestDown_AllMigrationsAgainstRealSchema(t *testing.T) {
	ctx := context.Background()
	db, err := Open(ctx, filepath.Join(t.TempDir(), "down.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()
	m := NewMigrator(db)
	if _, err := m.Up(ctx); err != nil {
		t.Fatalf("up: %v", err)
	}
	for range m.Names() {
		if _, err := m.Down(ctx); err != nil {
			t.Fatalf("down: %v", err)
		}
	}
	if name, err := m.Down(ctx); err != nil || name != "" {
		t.Fatalf("down on empty ledger: %q %v", name, err)
	}
	if tableExists(t, db, "clients") {
		t.Fatalf("clients table should be dropped")
	}
}
