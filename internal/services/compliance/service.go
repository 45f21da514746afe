package compliance

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"endpoint-posture/internal/domain/model"
	"endpoint-posture/internal/platform/lock"
	"endpoint-posture/internal/platform/logging"
	"endpoint-posture/internal/platform/metrics"

	"go.uber.org/zap"
)

// Store 是评分服务依赖的持久化能力。
type Store interface {
	CountActiveBySeverity(ctx context.Context, clientID int64) (model.SeverityCounts, error)
	ReplaceComplianceStatus(ctx context.Context, st model.ComplianceStatus) error
	AppendAudit(ctx context.Context, e model.AuditEntry) error
}

// Service 在按终端加锁的前提下重算并替换合规汇总；不同终端可并发重算。
type Service struct {
	store   Store
	locker  lock.Locker
	weights model.PenaltyWeights
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewService(store Store, locker lock.Locker, weights model.PenaltyWeights, logger *zap.Logger, m *metrics.Metrics) *Service {
	if locker == nil {
		locker = lock.NewKeyed()
	}
	if weights == nil {
		weights = model.DefaultPenaltyWeights()
	}
	return &Service{
		store:   store,
		locker:  locker,
		weights: weights,
		logger:  logging.OrNop(logger),
		metrics: metrics.OrNop(m),
		now:     time.Now,
	}
}

// WithClock 替换评估时间戳来源。
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Weights 返回当前生效的扣分表。
func (s *Service) Weights() model.PenaltyWeights {
	return s.weights
}

// Recompute 读取终端当前未关闭违规数，结合分类子分计算并整行替换合规汇总。
func (s *Service) Recompute(ctx context.Context, clientID int64, cats model.CategoryScores, passed, total int) (*model.ComplianceStatus, error) {
	unlock, err := s.locker.Lock(ctx, "compliance:"+strconv.FormatInt(clientID, 10))
	if err != nil {
		return nil, fmt.Errorf("lock compliance for client %d: %w", clientID, err)
	}
	defer unlock()

	counts, err := s.store.CountActiveBySeverity(ctx, clientID)
	if err != nil {
		return nil, err
	}
	st := Compute(Input{
		ClientID:   clientID,
		Categories: cats,
		Violations: counts,
		Passed:     passed,
		Total:      total,
		AssessedAt: s.now(),
	}, s.weights)

	if err := s.store.ReplaceComplianceStatus(ctx, st); err != nil {
		return nil, err
	}
	s.metrics.ComplianceRecomputes.Inc()

	if err := s.store.AppendAudit(ctx, model.AuditEntry{
		ClientID:  clientID,
		EventType: "compliance",
		Action:    "recompute",
		Status:    "success",
		Source:    "compliance.Service",
		Detail: map[string]any{
			"overall_score": st.OverallScore,
			"passed_checks": st.PassedChecks,
			"total_checks":  st.TotalChecks,
			"violations":    st.Violations.Total(),
		},
	}); err != nil {
		s.logger.Warn("append compliance audit failed", zap.Int64("client_id", clientID), zap.Error(err))
	}

	s.logger.Debug("compliance recomputed",
		zap.Int64("client_id", clientID),
		zap.Int("overall_score", st.OverallScore),
		zap.Int("active_violations", st.Violations.Total()),
	)
	return &st, nil
}
