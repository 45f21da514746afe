package posture

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"endpoint-posture/internal/adapters/notify"
	"endpoint-posture/internal/domain/model"
	"endpoint-posture/internal/platform/hash"
	"endpoint-posture/internal/platform/lock"
	"endpoint-posture/internal/platform/logging"
	"endpoint-posture/internal/platform/metrics"
	"endpoint-posture/internal/services/compliance"
	"endpoint-posture/internal/services/evaluator"
	"endpoint-posture/internal/services/lifecycle"
	"endpoint-posture/internal/services/netchange"

	"go.uber.org/zap"
)

// Store 是态势引擎依赖的全部持久化能力，由 sqlite.Store 实现。
type Store interface {
	lifecycle.Store
	compliance.Store
	netchange.Store

	UpsertClient(ctx context.Context, reg model.ClientRegistration) (*model.Client, error)
	GetClient(ctx context.Context, id int64) (*model.Client, error)
	UpdateClientScores(ctx context.Context, id int64, sc model.ClientScores) error
	SaveSnapshot(ctx context.Context, clientID int64, snap model.Snapshot) (*model.SnapshotRecord, error)
	LatestSnapshot(ctx context.Context, clientID int64) (*model.Snapshot, error)
	SaveThreatDetections(ctx context.Context, items []model.ThreatDetection) error
	ListActiveIOCs(ctx context.Context, now time.Time) ([]model.IOCIndicator, error)
	ListPolicies(ctx context.Context, onlyEnabled bool) ([]model.SecurityPolicy, error)
	ListNetworkChanges(ctx context.Context, clientID int64, limit int) ([]model.NetworkChange, error)
}

// Deps 汇集引擎的可替换依赖；零值字段使用默认实现。
type Deps struct {
	Store    Store
	Locker   lock.Locker
	Notifier notify.Notifier
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
	Weights  model.PenaltyWeights
	Now      func() time.Time
}

// Engine 串联快照入库、网络变更检测、策略评估、违规对账与合规重算。
type Engine struct {
	store      Store
	locker     lock.Locker
	logger     *zap.Logger
	metrics    *metrics.Metrics
	now        func() time.Time
	network    *netchange.Service
	violations *lifecycle.Service
	compliance *compliance.Service
}

func New(d Deps) *Engine {
	if d.Locker == nil {
		d.Locker = lock.NewKeyed()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	logger := logging.OrNop(d.Logger)
	m := metrics.OrNop(d.Metrics)

	opts := []lifecycle.Option{
		lifecycle.WithLogger(logger),
		lifecycle.WithMetrics(m),
		lifecycle.WithClock(d.Now),
	}
	if d.Notifier != nil {
		opts = append(opts, lifecycle.WithNotifier(d.Notifier))
	}

	return &Engine{
		store:      d.Store,
		locker:     d.Locker,
		logger:     logger,
		metrics:    m,
		now:        d.Now,
		network:    netchange.NewService(d.Store, logger, m),
		violations: lifecycle.NewService(d.Store, opts...),
		compliance: compliance.NewService(d.Store, d.Locker, d.Weights, logger, m).WithClock(d.Now),
	}
}

// Violations 暴露违规状态机，供操作员接口复用同一套通知与审计配置。
func (e *Engine) Violations() *lifecycle.Service { return e.violations }

func (e *Engine) Compliance() *compliance.Service { return e.compliance }

// SnapshotInput 是一次上报。
type SnapshotInput struct {
	Snapshot model.Snapshot
	Source   string // api / cli / agent
	Actor    string
}

// Assessment 是一次评估周期的结果。
type Assessment struct {
	ClientID    int64                      `json:"client_id"`
	SnapshotID  int64                      `json:"snapshot_id"`
	Passed      int                        `json:"passed_checks"`
	Total       int                        `json:"total_checks"`
	Created     int                        `json:"violations_created"`
	Resolved    int                        `json:"violations_auto_resolved"`
	Escalated   int                        `json:"violations_escalated"`
	Compliance  *model.ComplianceStatus    `json:"-"`
	ThreatLevel model.ThreatLevel          `json:"threat_level"`
	Evaluation  evaluator.Evaluation       `json:"-"`
	Report      *lifecycle.ReconcileReport `json:"-"`
}

// IngestResult 是 Ingest 的摘要输出。
type IngestResult struct {
	Assessment
	Checksum       string                `json:"checksum"`
	NetworkChanges []model.NetworkChange `json:"-"`
	ChangeCount    int                   `json:"network_changes"`
	OverallScore   int                   `json:"overall_score"`
}

// Ingest 执行一次上报的完整流程：
// 1) 校验并登记终端
// 2) 计算 checksum 并追加快照与威胁检测
// 3) 网卡观测比对并记录变更
// 4) 评估策略、对账违规、重算合规
// 5) 回写终端派生字段并追加审计
func (e *Engine) Ingest(ctx context.Context, in SnapshotInput) (*IngestResult, error) {
	snap := in.Snapshot
	if err := validate(&snap, e.now()); err != nil {
		e.metrics.SnapshotsInvalid.Inc()
		return nil, err
	}

	client, err := e.store.UpsertClient(ctx, registration(snap))
	if err != nil {
		return nil, err
	}

	unlock, err := e.locker.Lock(ctx, clientKey(client.ID))
	if err != nil {
		return nil, fmt.Errorf("lock client %d: %w", client.ID, err)
	}
	defer unlock()

	snap.ClientID = client.ID
	snap.ID = 0
	snap.Checksum = ""
	sum, err := hash.JSON(snap)
	if err != nil {
		return nil, fmt.Errorf("checksum snapshot: %w", err)
	}
	snap.Checksum = sum

	rec, err := e.store.SaveSnapshot(ctx, client.ID, snap)
	if err != nil {
		return nil, err
	}
	snap.ID = rec.ID

	if err := e.store.SaveThreatDetections(ctx, detections(client.ID, rec.ID, snap.Threats)); err != nil {
		return nil, err
	}

	var changes []model.NetworkChange
	if len(snap.Network) > 0 {
		changes, err = e.network.Observe(ctx, client.ID, rec.ID, snap.Network, snap.CapturedAt)
		if err != nil {
			return nil, err
		}
	}

	a, err := e.assess(ctx, snap, changes, nil)
	if err != nil {
		return nil, err
	}
	e.metrics.SnapshotsIngested.Inc()

	res := &IngestResult{
		Assessment:     *a,
		Checksum:       sum,
		NetworkChanges: changes,
		ChangeCount:    len(changes),
		OverallScore:   a.Compliance.OverallScore,
	}
	e.auditIngest(ctx, in, res)
	e.logger.Info("snapshot ingested",
		zap.Int64("client_id", client.ID),
		zap.Int64("snapshot_id", rec.ID),
		zap.String("unique_id", snap.UniqueID),
		zap.Int("passed", a.Passed),
		zap.Int("total", a.Total),
		zap.Int("overall_score", res.OverallScore),
		zap.Int("network_changes", len(changes)),
	)
	return res, nil
}

// EvaluateClient 以终端最新快照重新评估。
// onlyPolicyIDs 非空时只对这些策略对账违规，评分仍覆盖全部适用策略。
// 终端尚无快照时返回 nil, nil。
func (e *Engine) EvaluateClient(ctx context.Context, clientID int64, onlyPolicyIDs []int64) (*Assessment, error) {
	unlock, err := e.locker.Lock(ctx, clientKey(clientID))
	if err != nil {
		return nil, fmt.Errorf("lock client %d: %w", clientID, err)
	}
	defer unlock()

	snap, err := e.store.LatestSnapshot(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if snap == nil {
		return nil, nil
	}

	recent, err := e.store.ListNetworkChanges(ctx, clientID, 500)
	if err != nil {
		return nil, err
	}
	var changes []model.NetworkChange
	for _, c := range recent {
		if c.NewSnapshotID == snap.ID {
			changes = append(changes, c)
		}
	}

	var only map[int64]bool
	if onlyPolicyIDs != nil {
		only = make(map[int64]bool, len(onlyPolicyIDs))
		for _, id := range onlyPolicyIDs {
			only[id] = true
		}
	}
	return e.assess(ctx, *snap, changes, only)
}

// Rescore 在不对账违规的情况下按最新快照重算合规与终端分数，
// 用于操作员手动迁移违规状态之后。
func (e *Engine) Rescore(ctx context.Context, clientID int64) (*Assessment, error) {
	return e.EvaluateClient(ctx, clientID, []int64{})
}

func (e *Engine) assess(ctx context.Context, snap model.Snapshot, changes []model.NetworkChange, only map[int64]bool) (*Assessment, error) {
	now := e.now()
	policies, err := e.store.ListPolicies(ctx, true)
	if err != nil {
		return nil, err
	}
	iocs, err := e.store.ListActiveIOCs(ctx, now)
	if err != nil {
		return nil, err
	}

	ev := evaluator.Evaluate(policies, snap, evaluator.Context{
		Now:            now,
		NetworkChanges: changes,
		ActiveIOCs:     iocs,
	})

	findings := make([]lifecycle.Finding, 0, len(ev.Results))
	for _, r := range ev.Results {
		if only != nil && !only[r.PolicyID] {
			continue
		}
		findings = append(findings, finding(snap.ClientID, r))
	}
	report, err := e.violations.Reconcile(ctx, findings)
	if err != nil {
		return nil, err
	}

	status, err := e.compliance.Recompute(ctx, snap.ClientID, ev.CategoryScores, ev.Passed, ev.Total)
	if err != nil {
		return nil, err
	}

	level := compliance.ThreatLevel(status.Violations)
	scores := model.ClientScores{
		SecurityScore:    securityScore(ev.CategoryScores),
		ComplianceScore:  status.OverallScore,
		ThreatLevel:      level,
		FirewallStatus:   snap.System.FirewallEnabled != nil && *snap.System.FirewallEnabled,
		EncryptionStatus: snap.System.EncryptionEnabled != nil && *snap.System.EncryptionEnabled,
	}
	if err := e.store.UpdateClientScores(ctx, snap.ClientID, scores); err != nil {
		return nil, err
	}

	return &Assessment{
		ClientID:    snap.ClientID,
		SnapshotID:  snap.ID,
		Passed:      ev.Passed,
		Total:       ev.Total,
		Created:     len(report.Created),
		Resolved:    len(report.AutoResolved),
		Escalated:   len(report.Escalated),
		Compliance:  status,
		ThreatLevel: level,
		Evaluation:  ev,
		Report:      report,
	}, nil
}

func (e *Engine) auditIngest(ctx context.Context, in SnapshotInput, res *IngestResult) {
	source := in.Source
	if source == "" {
		source = "agent"
	}
	err := e.store.AppendAudit(ctx, model.AuditEntry{
		ClientID:  res.ClientID,
		EventType: "snapshot",
		Action:    "ingest",
		Status:    "success",
		Actor:     in.Actor,
		Source:    source,
		Detail: map[string]any{
			"snapshot_id":              res.SnapshotID,
			"checksum":                 res.Checksum,
			"passed_checks":            res.Passed,
			"total_checks":             res.Total,
			"violations_created":       res.Created,
			"violations_auto_resolved": res.Resolved,
			"violations_escalated":     res.Escalated,
			"network_changes":          res.ChangeCount,
		},
	})
	if err != nil {
		e.logger.Warn("append ingest audit failed", zap.Int64("client_id", res.ClientID), zap.Error(err))
	}
}

func clientKey(id int64) string {
	return "client:" + strconv.FormatInt(id, 10)
}

// validate 补齐默认值并校验入库前必须成立的约束。
func validate(snap *model.Snapshot, now time.Time) error {
	snap.UniqueID = strings.TrimSpace(snap.UniqueID)
	if snap.UniqueID == "" {
		return model.NewValidationError("unique_id", "is required")
	}
	if snap.Type == "" {
		snap.Type = model.SnapshotFull
	}
	if !snap.Type.Valid() {
		return model.NewValidationError("snapshot_type", "unknown snapshot type %q", snap.Type)
	}
	if snap.CapturedAt.IsZero() {
		snap.CapturedAt = now
	}
	snap.CapturedAt = snap.CapturedAt.UTC().Truncate(time.Millisecond)

	seen := make(map[string]struct{}, len(snap.Network))
	for i, n := range snap.Network {
		name := strings.TrimSpace(n.InterfaceName)
		if name == "" {
			return model.NewValidationError(fmt.Sprintf("network[%d].interface_name", i), "is required")
		}
		if _, dup := seen[name]; dup {
			return model.NewValidationError(fmt.Sprintf("network[%d].interface_name", i), "duplicate interface %q", name)
		}
		seen[name] = struct{}{}
		snap.Network[i].InterfaceName = name
	}
	for i, t := range snap.Threats {
		if strings.TrimSpace(t.Name) == "" {
			return model.NewValidationError(fmt.Sprintf("threats[%d].name", i), "is required")
		}
		if !t.Severity.Valid() {
			return model.NewValidationError(fmt.Sprintf("threats[%d].severity", i), "unknown severity %q", t.Severity)
		}
	}
	return nil
}

// registration 从快照派生终端登记信息；首个带 IPv4 的网卡作为终端主地址。
func registration(snap model.Snapshot) model.ClientRegistration {
	reg := model.ClientRegistration{
		UniqueID:     snap.UniqueID,
		Hostname:     snap.System.Hostname,
		OSName:       snap.System.OSName,
		OSVersion:    snap.System.OSVersion,
		Architecture: snap.System.Architecture,
		Tags:         snap.Tags,
		Metadata:     snap.Metadata,
		SeenAt:       snap.CapturedAt,
	}
	for _, n := range snap.Network {
		if n.IPAddress != "" {
			reg.IPAddress = n.IPAddress
			reg.MACAddress = n.MACAddress
			break
		}
	}
	return reg
}

func detections(clientID, snapshotID int64, threats []model.ThreatObservation) []model.ThreatDetection {
	out := make([]model.ThreatDetection, 0, len(threats))
	for _, t := range threats {
		out = append(out, model.ThreatDetection{
			ClientID:    clientID,
			SnapshotID:  snapshotID,
			Name:        t.Name,
			ThreatType:  t.ThreatType,
			Severity:    t.Severity,
			FilePath:    t.FilePath,
			ProcessName: t.ProcessName,
			CVEIDs:      t.CVEIDs,
			IOCMatches:  t.IOCMatches,
			DetectedAt:  t.DetectedAt,
		})
	}
	return out
}

func finding(clientID int64, r evaluator.RuleResult) lifecycle.Finding {
	desc := strings.TrimSpace(r.Description)
	if desc == "" {
		desc = fmt.Sprintf("%s: %s %s", r.PolicyName, r.Rule, r.Condition)
	}
	if !r.Passed && r.Reason != "" {
		desc = fmt.Sprintf("%s (%s)", desc, r.Reason)
	}
	return lifecycle.Finding{
		ClientID:      clientID,
		PolicyID:      r.PolicyID,
		PolicyRule:    r.Rule,
		ViolationType: string(r.Category),
		Severity:      r.Severity,
		Description:   desc,
		Failed:        !r.Passed,
		Notify:        r.NotificationEnabled,
		Evidence:      r.Evidence,
	}
}

// securityScore 取防护相关三个维度（杀毒、系统、威胁）的均值。
func securityScore(cats model.CategoryScores) int {
	sum := cats[model.CategoryAntivirus] + cats[model.CategorySystem] + cats[model.CategoryThreat]
	return int(math.Round(float64(sum) / 3))
}
