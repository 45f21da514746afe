package lifecycle

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"endpoint-posture/internal/adapters/notify"
	sqliteadapter "endpoint-posture/internal/adapters/store/sqlite"
	"endpoint-posture/internal/domain/model"
	"endpoint-posture/internal/platform/normalize"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func newStore(t *testing.T) (*sqliteadapter.Store, int64) {
	t.Helper()
	ctx := context.Background()
	db, err := sqliteadapter.Open(ctx, filepath.Join(t.TempDir(), "posture.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	_, err = sqliteadapter.NewMigrator(db).Up(ctx)
	require.NoError(t, err)

	st := sqliteadapter.NewStore(db).WithClock(func() time.Time { return t0 })
	c, err := st.UpsertClient(ctx, model.ClientRegistration{UniqueID: "client-1", Hostname: "ws-1", OSName: "windows"})
	require.NoError(t, err)
	return st, c.ID
}

type recorder struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recorder) Notify(_ context.Context, ev notify.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) Close() error { return nil }

func (r *recorder) kinds() []notify.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]notify.Kind, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Kind)
	}
	return out
}

func firewallFinding(clientID int64, failed bool) Finding {
	return Finding{
		ClientID:      clientID,
		PolicyRule:    "firewall_enabled",
		ViolationType: "system",
		Severity:      model.SeverityHigh,
		Description:   "host firewall must be enabled",
		Failed:        failed,
		Notify:        true,
		Evidence:      normalize.Object(map[string]any{"actual": !failed}),
	}
}

func TestApply_TransitionTable(t *testing.T) {
	base := model.PolicyViolation{ID: 1, Status: model.ViolationOpen, Severity: model.SeverityMedium}
	ack := base
	ack.Status = model.ViolationAcknowledged
	resolved := base
	resolved.Status = model.ViolationResolved
	fp := base
	fp.Status = model.ViolationFalsePositive

	cases := []struct {
		name string
		from model.PolicyViolation
		cmd  Command
		want model.ViolationStatus
		ok   bool
	}{
		{"ack open", base, Command{Transition: model.TransitionAcknowledge, Actor: "admin"}, model.ViolationAcknowledged, true},
		{"ack acknowledged", ack, Command{Transition: model.TransitionAcknowledge, Actor: "admin"}, "", false},
		{"ack resolved", resolved, Command{Transition: model.TransitionAcknowledge, Actor: "admin"}, "", false},
		{"resolve open", base, Command{Transition: model.TransitionResolve}, model.ViolationResolved, true},
		{"resolve acknowledged", ack, Command{Transition: model.TransitionResolve}, model.ViolationResolved, true},
		{"resolve false positive", fp, Command{Transition: model.TransitionResolve}, "", false},
		{"fp acknowledged", ack, Command{Transition: model.TransitionFalsePositive}, model.ViolationFalsePositive, true},
		{"fp resolved", resolved, Command{Transition: model.TransitionFalsePositive}, "", false},
		{"auto open", base, Command{Transition: model.TransitionAutoResolve}, model.ViolationResolved, true},
		{"auto acknowledged", ack, Command{Transition: model.TransitionAutoResolve}, "", false},
		{"escalate open", base, Command{Transition: model.TransitionEscalate, Severity: model.SeverityCritical}, model.ViolationOpen, true},
		{"escalate downwards", base, Command{Transition: model.TransitionEscalate, Severity: model.SeverityLow}, "", false},
		{"create existing", base, Command{Transition: model.TransitionCreate}, "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Apply(tc.from, Command{Transition: tc.cmd.Transition, Actor: tc.cmd.Actor, Severity: tc.cmd.Severity, At: t0})
			if !tc.ok {
				var te *model.TransitionError
				require.ErrorAs(t, err, &te)
				assert.Equal(t, tc.from.Status, te.Current)
				assert.Equal(t, tc.cmd.Transition, te.Attempted)
				assert.Equal(t, tc.from, got)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got.Status)
			assert.Equal(t, got.Status.Terminal(), got.ResolvedAt != nil)
		})
	}
}

func TestApply_AcknowledgeRequiresActor(t *testing.T) {
	_, err := Apply(model.PolicyViolation{ID: 1, Status: model.ViolationOpen}, Command{Transition: model.TransitionAcknowledge, At: t0})
	var ve *model.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "acknowledged_by", ve.Field)
}

func TestApply_RejectsUnknownStoredStatus(t *testing.T) {
	_, err := Apply(model.PolicyViolation{ID: 1, Status: "snoozed"}, Command{Transition: model.TransitionResolve, At: t0})
	var ie *model.IntegrityError
	require.ErrorAs(t, err, &ie)
}

func TestService_AcknowledgeTwice(t *testing.T) {
	ctx := context.Background()
	st, clientID := newStore(t)
	svc := NewService(st, WithClock(func() time.Time { return t0 }))

	report, err := svc.Reconcile(ctx, []Finding{firewallFinding(clientID, true)})
	require.NoError(t, err)
	require.Len(t, report.Created, 1)
	id := report.Created[0].ID

	v, err := svc.Acknowledge(ctx, id, "admin")
	require.NoError(t, err)
	assert.Equal(t, model.ViolationAcknowledged, v.Status)
	assert.Equal(t, "admin", v.AcknowledgedBy)
	require.NotNil(t, v.AcknowledgedAt)

	_, err = svc.Acknowledge(ctx, id, "admin")
	var te *model.TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, model.ViolationAcknowledged, te.Current)

	stored, err := st.GetViolation(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.ViolationAcknowledged, stored.Status)
	assert.Equal(t, "admin", stored.AcknowledgedBy)
}

func TestService_AutoResolveOnPass(t *testing.T) {
	ctx := context.Background()
	st, clientID := newStore(t)
	rec := &recorder{}
	svc := NewService(st, WithNotifier(rec), WithClock(func() time.Time { return t0 }))

	_, err := svc.Reconcile(ctx, []Finding{firewallFinding(clientID, true)})
	require.NoError(t, err)

	report, err := svc.Reconcile(ctx, []Finding{firewallFinding(clientID, false)})
	require.NoError(t, err)
	require.Len(t, report.AutoResolved, 1)

	v, err := st.GetViolation(ctx, report.AutoResolved[0].ID)
	require.NoError(t, err)
	assert.Equal(t, model.ViolationResolved, v.Status)
	assert.True(t, v.AutoResolved)
	assert.Empty(t, v.AcknowledgedBy)
	assert.NotNil(t, v.ResolvedAt)
	assert.Equal(t, []notify.Kind{notify.KindCreated, notify.KindAutoResolved}, rec.kinds())
}

func TestService_AcknowledgedStaysOnPass(t *testing.T) {
	ctx := context.Background()
	st, clientID := newStore(t)
	svc := NewService(st)

	report, err := svc.Reconcile(ctx, []Finding{firewallFinding(clientID, true)})
	require.NoError(t, err)
	_, err = svc.Acknowledge(ctx, report.Created[0].ID, "secops")
	require.NoError(t, err)

	report, err = svc.Reconcile(ctx, []Finding{firewallFinding(clientID, false)})
	require.NoError(t, err)
	assert.Empty(t, report.AutoResolved)

	v, err := st.FindActiveViolation(ctx, clientID, "firewall_enabled")
	require.NoError(t, err)
	require.NotNil(t, v)
	assert.Equal(t, model.ViolationAcknowledged, v.Status)
}

func TestService_ConcurrentCreateYieldsOneOpen(t *testing.T) {
	ctx := context.Background()
	st, clientID := newStore(t)
	svc := NewService(st)

	var wg sync.WaitGroup
	errs := make([]error, 6)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.Reconcile(ctx, []Finding{firewallFinding(clientID, true)})
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	open, err := st.ListViolations(ctx, model.ViolationFilter{ClientID: clientID, Status: model.ViolationOpen})
	require.NoError(t, err)
	assert.Len(t, open, 1)
}

func TestService_EscalatesSeverity(t *testing.T) {
	ctx := context.Background()
	st, clientID := newStore(t)
	rec := &recorder{}
	svc := NewService(st, WithNotifier(rec))

	_, err := svc.Reconcile(ctx, []Finding{firewallFinding(clientID, true)})
	require.NoError(t, err)

	f := firewallFinding(clientID, true)
	f.Severity = model.SeverityCritical
	report, err := svc.Reconcile(ctx, []Finding{f})
	require.NoError(t, err)
	require.Len(t, report.Escalated, 1)
	assert.Equal(t, model.SeverityCritical, report.Escalated[0].Severity)
	assert.Equal(t, model.ViolationOpen, report.Escalated[0].Status)

	report, err = svc.Reconcile(ctx, []Finding{f})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Unchanged)
	assert.Equal(t, []notify.Kind{notify.KindCreated, notify.KindEscalated}, rec.kinds())
}

func TestService_NoNotificationWhenDisabled(t *testing.T) {
	ctx := context.Background()
	st, clientID := newStore(t)
	rec := &recorder{}
	svc := NewService(st, WithNotifier(rec))

	f := firewallFinding(clientID, true)
	f.Notify = false
	_, err := svc.Reconcile(ctx, []Finding{f})
	require.NoError(t, err)
	assert.Empty(t, rec.kinds())
}

func TestService_ResolveAndFalsePositive(t *testing.T) {
	ctx := context.Background()
	st, clientID := newStore(t)
	svc := NewService(st)

	a := firewallFinding(clientID, true)
	b := firewallFinding(clientID, true)
	b.PolicyRule = "encryption_enabled"
	report, err := svc.Reconcile(ctx, []Finding{a, b})
	require.NoError(t, err)
	require.Len(t, report.Created, 2)

	resolved, err := svc.Resolve(ctx, report.Created[0].ID, "admin", "patched")
	require.NoError(t, err)
	assert.Equal(t, "patched", resolved.ResolutionNotes)

	fp, err := svc.MarkFalsePositive(ctx, report.Created[1].ID, "admin", "")
	require.NoError(t, err)
	assert.Equal(t, model.DefaultFalsePositiveNote, fp.ResolutionNotes)
	assert.NotNil(t, fp.ResolvedAt)

	_, err = svc.Resolve(ctx, report.Created[1].ID, "admin", "")
	assert.True(t, model.IsTransition(err))

	_, err = svc.Resolve(ctx, 9999, "admin", "")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

// flakyStore 在第一次条件写入时模拟并发修改。
type flakyStore struct {
	Store
	conflicts int
	ackedBy   string
}

func (f *flakyStore) UpdateViolationIf(ctx context.Context, v *model.PolicyViolation, expected model.ViolationStatus) error {
	if f.conflicts > 0 {
		f.conflicts--
		if f.ackedBy != "" {
			cur, err := f.Store.GetViolation(ctx, v.ID)
			if err != nil {
				return err
			}
			next, err := Apply(*cur, Command{Transition: model.TransitionAcknowledge, Actor: f.ackedBy, At: t0})
			if err != nil {
				return err
			}
			if err := f.Store.UpdateViolationIf(ctx, &next, cur.Status); err != nil {
				return err
			}
		}
		return model.ErrConflict
	}
	return f.Store.UpdateViolationIf(ctx, v, expected)
}

func TestService_RetriesOnceOnConflict(t *testing.T) {
	ctx := context.Background()
	st, clientID := newStore(t)
	report, err := NewService(st).Reconcile(ctx, []Finding{firewallFinding(clientID, true)})
	require.NoError(t, err)
	id := report.Created[0].ID

	flaky := &flakyStore{Store: st, conflicts: 1}
	v, err := NewService(flaky).Resolve(ctx, id, "admin", "")
	require.NoError(t, err)
	assert.Equal(t, model.ViolationResolved, v.Status)

	report, err = NewService(st).Reconcile(ctx, []Finding{firewallFinding(clientID, true)})
	require.NoError(t, err)
	id = report.Created[0].ID
	flaky = &flakyStore{Store: st, conflicts: 2}
	_, err = NewService(flaky).Resolve(ctx, id, "admin", "")
	assert.True(t, errors.Is(err, model.ErrConflict))
}

func TestService_AutoResolveRacingAcknowledge(t *testing.T) {
	ctx := context.Background()
	st, clientID := newStore(t)
	_, err := NewService(st).Reconcile(ctx, []Finding{firewallFinding(clientID, true)})
	require.NoError(t, err)

	// 自动关闭写入前被操作员确认：重读后发现已确认，保持不变。
	flaky := &flakyStore{Store: st, conflicts: 1, ackedBy: "secops"}
	report, err := NewService(flaky).Reconcile(ctx, []Finding{firewallFinding(clientID, false)})
	require.NoError(t, err)
	assert.Empty(t, report.AutoResolved)

	v, err := st.FindActiveViolation(ctx, clientID, "firewall_enabled")
	require.NoError(t, err)
	require.NotNil(t, v)
	assert.Equal(t, model.ViolationAcknowledged, v.Status)
	assert.Equal(t, "secops", v.AcknowledgedBy)
}
