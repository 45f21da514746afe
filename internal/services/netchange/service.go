package netchange

import (
	"context"
	"time"

	"endpoint-posture/internal/domain/model"
	"endpoint-posture/internal/platform/logging"
	"endpoint-posture/internal/platform/metrics"
	"endpoint-posture/internal/platform/normalize"

	"go.uber.org/zap"
)

// Store 是网络变更检测依赖的持久化能力。
type Store interface {
	LatestNetworkObservations(ctx context.Context, clientID int64) ([]model.NetworkInfo, error)
	RecordNetwork(ctx context.Context, obs []model.NetworkInfo, changes []model.NetworkChange) error
}

// Service 把一次快照的网卡观测与上一批观测比对，并在同一事务内落库。
type Service struct {
	store   Store
	logger  *zap.Logger
	metrics *metrics.Metrics
}

func NewService(store Store, logger *zap.Logger, m *metrics.Metrics) *Service {
	return &Service{store: store, logger: logging.OrNop(logger), metrics: metrics.OrNop(m)}
}

// Observe 记录本次观测并返回检测出的变更。
// 终端没有历史观测时不产出变更：首次上报是基线而非网卡新增。
func (s *Service) Observe(ctx context.Context, clientID, snapshotID int64, observed []model.NetworkObservation, at time.Time) ([]model.NetworkChange, error) {
	prev, err := s.store.LatestNetworkObservations(ctx, clientID)
	if err != nil {
		return nil, err
	}

	curr := make([]model.NetworkInfo, 0, len(observed))
	for _, o := range observed {
		curr = append(curr, model.NetworkInfo{
			ClientID:      clientID,
			SnapshotID:    snapshotID,
			InterfaceName: o.InterfaceName,
			IPAddress:     o.IPAddress,
			IPv6Address:   o.IPv6Address,
			MACAddress:    o.MACAddress,
			DHCPEnabled:   o.DHCPEnabled,
			Gateway:       o.Gateway,
			DNSServers:    o.DNSServers.Or(normalize.EmptySequence()),
			ObservedAt:    at.UTC(),
		})
	}

	var changes []model.NetworkChange
	if len(prev) > 0 {
		changes = Diff(prev, curr, at)
	}
	if err := s.store.RecordNetwork(ctx, curr, changes); err != nil {
		return nil, err
	}

	for _, c := range changes {
		s.metrics.NetworkChanges.WithLabelValues(string(c.ChangeType)).Inc()
	}
	if len(changes) > 0 {
		s.logger.Info("network changes detected",
			zap.Int64("client_id", clientID),
			zap.Int64("snapshot_id", snapshotID),
			zap.Int("changes", len(changes)),
		)
	}
	return changes, nil
}
