package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"endpoint-posture/internal/adapters/notify"
	"endpoint-posture/internal/domain/model"
	"endpoint-posture/internal/platform/logging"
	"endpoint-posture/internal/platform/metrics"
	"endpoint-posture/internal/platform/normalize"

	"go.uber.org/zap"
)

// Store 是状态机依赖的持久化能力，由 sqlite.Store 实现。
type Store interface {
	CreateViolationIfAbsent(ctx context.Context, d model.ViolationDraft, now time.Time) (*model.PolicyViolation, bool, error)
	UpdateViolationIf(ctx context.Context, v *model.PolicyViolation, expected model.ViolationStatus) error
	GetViolation(ctx context.Context, id int64) (*model.PolicyViolation, error)
	FindActiveViolation(ctx context.Context, clientID int64, rule string) (*model.PolicyViolation, error)
	AppendAudit(ctx context.Context, e model.AuditEntry) error
}

// Finding 是一条规则在一次评估周期中的结论。
type Finding struct {
	ClientID      int64
	PolicyID      int64
	PolicyRule    string
	ViolationType string
	Severity      model.Severity
	Description   string
	Failed        bool
	Notify        bool
	Evidence      normalize.Value
}

// ReconcileReport 汇总一次对账产生的状态变化。
type ReconcileReport struct {
	Created      []model.PolicyViolation
	AutoResolved []model.PolicyViolation
	Escalated    []model.PolicyViolation
	Unchanged    int
}

// Service 负责全部违规状态变更：操作员动作与评估器对账都经由 Apply。
type Service struct {
	store    Store
	notifier notify.Notifier
	logger   *zap.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

// Option 定制 Service 的可选依赖。
type Option func(*Service)

func WithNotifier(n notify.Notifier) Option { return func(s *Service) { s.notifier = n } }
func WithLogger(l *zap.Logger) Option       { return func(s *Service) { s.logger = l } }
func WithMetrics(m *metrics.Metrics) Option { return func(s *Service) { s.metrics = m } }
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func NewService(store Store, opts ...Option) *Service {
	s := &Service{store: store, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	if s.notifier == nil {
		s.notifier = notify.Nop{}
	}
	s.logger = logging.OrNop(s.logger)
	s.metrics = metrics.OrNop(s.metrics)
	return s
}

// Acknowledge 执行 open -> acknowledged。
func (s *Service) Acknowledge(ctx context.Context, id int64, by string) (*model.PolicyViolation, error) {
	return s.transition(ctx, id, Command{Transition: model.TransitionAcknowledge, Actor: by}, by)
}

// Resolve 执行 open|acknowledged -> resolved。
func (s *Service) Resolve(ctx context.Context, id int64, actor, notes string) (*model.PolicyViolation, error) {
	return s.transition(ctx, id, Command{Transition: model.TransitionResolve, Notes: notes}, actor)
}

// MarkFalsePositive 执行 open|acknowledged -> false_positive。
func (s *Service) MarkFalsePositive(ctx context.Context, id int64, actor, notes string) (*model.PolicyViolation, error) {
	return s.transition(ctx, id, Command{Transition: model.TransitionFalsePositive, Notes: notes}, actor)
}

// transition 读取当前状态、应用状态机并以读到的状态为条件写回。
// 并发修改导致条件失败时重读并重试一次。
func (s *Service) transition(ctx context.Context, id int64, cmd Command, actor string) (*model.PolicyViolation, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		cur, err := s.store.GetViolation(ctx, id)
		if err != nil {
			return nil, err
		}
		if cur == nil {
			return nil, fmt.Errorf("violation %d: %w", id, model.ErrNotFound)
		}
		next, err := s.commit(ctx, *cur, cmd, actor)
		if err == nil {
			return next, nil
		}
		if !errors.Is(err, model.ErrConflict) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

// commit 对给定快照应用命令并条件写回，成功后记审计与指标。
func (s *Service) commit(ctx context.Context, cur model.PolicyViolation, cmd Command, actor string) (*model.PolicyViolation, error) {
	cmd.At = s.now()
	next, err := Apply(cur, cmd)
	if err != nil {
		return nil, err
	}
	if err := s.store.UpdateViolationIf(ctx, &next, cur.Status); err != nil {
		return nil, err
	}
	s.metrics.ViolationsTransitions.WithLabelValues(string(cmd.Transition)).Inc()
	s.audit(ctx, next, string(cmd.Transition), actor, map[string]any{
		"violation_id": next.ID,
		"policy_rule":  next.PolicyRule,
		"from":         cur.Status,
		"to":           next.Status,
		"severity":     next.Severity,
	})
	return &next, nil
}

// Reconcile 把一次评估的结论同步到违规记录：
// 失败规则创建（或升级）违规，重新通过的规则自动关闭 open 违规。
func (s *Service) Reconcile(ctx context.Context, findings []Finding) (*ReconcileReport, error) {
	report := &ReconcileReport{}
	for _, f := range findings {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		var err error
		if f.Failed {
			err = s.reconcileFailed(ctx, f, report)
		} else {
			err = s.reconcilePassed(ctx, f, report)
		}
		if err != nil {
			return report, fmt.Errorf("reconcile %s for client %d: %w", f.PolicyRule, f.ClientID, err)
		}
	}
	return report, nil
}

func (s *Service) reconcileFailed(ctx context.Context, f Finding, report *ReconcileReport) error {
	if !f.Severity.Valid() {
		return model.NewValidationError("severity", "unknown severity %q", f.Severity)
	}
	v, created, err := s.store.CreateViolationIfAbsent(ctx, model.ViolationDraft{
		ClientID:      f.ClientID,
		PolicyID:      f.PolicyID,
		PolicyRule:    f.PolicyRule,
		ViolationType: f.ViolationType,
		Severity:      f.Severity,
		Description:   f.Description,
		Evidence:      f.Evidence,
	}, s.now())
	if err != nil {
		return err
	}
	if created {
		report.Created = append(report.Created, *v)
		s.metrics.ViolationsCreated.WithLabelValues(string(v.Severity)).Inc()
		s.audit(ctx, *v, string(model.TransitionCreate), "evaluator", map[string]any{
			"violation_id": v.ID,
			"policy_rule":  v.PolicyRule,
			"severity":     v.Severity,
		})
		s.publish(ctx, f, notify.KindCreated, *v)
		return nil
	}
	if f.Severity.Rank() <= v.Severity.Rank() {
		report.Unchanged++
		return nil
	}

	cmd := Command{Transition: model.TransitionEscalate, Severity: f.Severity}
	next, err := s.commit(ctx, *v, cmd, "evaluator")
	if errors.Is(err, model.ErrConflict) {
		// 与操作员动作冲突时重读一次；已被关闭则无需升级。
		cur, gerr := s.store.FindActiveViolation(ctx, f.ClientID, f.PolicyRule)
		if gerr != nil {
			return gerr
		}
		if cur == nil || f.Severity.Rank() <= cur.Severity.Rank() {
			report.Unchanged++
			return nil
		}
		next, err = s.commit(ctx, *cur, cmd, "evaluator")
	}
	if err != nil {
		return err
	}
	report.Escalated = append(report.Escalated, *next)
	s.publish(ctx, f, notify.KindEscalated, *next)
	return nil
}

func (s *Service) reconcilePassed(ctx context.Context, f Finding, report *ReconcileReport) error {
	for attempt := 0; attempt < 2; attempt++ {
		cur, err := s.store.FindActiveViolation(ctx, f.ClientID, f.PolicyRule)
		if err != nil {
			return err
		}
		if cur == nil || cur.Status != model.ViolationOpen {
			report.Unchanged++
			return nil
		}
		next, err := s.commit(ctx, *cur, Command{Transition: model.TransitionAutoResolve}, "")
		if errors.Is(err, model.ErrConflict) {
			continue
		}
		if err != nil {
			return err
		}
		report.AutoResolved = append(report.AutoResolved, *next)
		s.publish(ctx, f, notify.KindAutoResolved, *next)
		return nil
	}
	return fmt.Errorf("auto-resolve %s: %w", f.PolicyRule, model.ErrConflict)
}

func (s *Service) publish(ctx context.Context, f Finding, kind notify.Kind, v model.PolicyViolation) {
	if !f.Notify {
		return
	}
	if err := s.notifier.Notify(ctx, notify.NewEvent(kind, v, s.now())); err != nil {
		s.metrics.NotificationErrors.Inc()
		s.logger.Warn("publish violation event failed",
			zap.String("kind", string(kind)),
			zap.Int64("violation_id", v.ID),
			zap.Error(err),
		)
		return
	}
	s.metrics.NotificationsSent.WithLabelValues(string(kind)).Inc()
}

func (s *Service) audit(ctx context.Context, v model.PolicyViolation, action, actor string, detail map[string]any) {
	err := s.store.AppendAudit(ctx, model.AuditEntry{
		ClientID:  v.ClientID,
		EventType: "violation",
		Action:    action,
		Status:    string(v.Status),
		Actor:     actor,
		Source:    "lifecycle.Service",
		Detail:    detail,
	})
	if err != nil {
		s.logger.Warn("append violation audit failed", zap.Int64("violation_id", v.ID), zap.Error(err))
	}
}
