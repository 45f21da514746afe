package sweep

import (
	"context"
	"errors"
	"time"

	"endpoint-posture/internal/domain/model"
	"endpoint-posture/internal/platform/logging"
	"endpoint-posture/internal/platform/metrics"
	"endpoint-posture/internal/services/posture"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Store 是巡检依赖的持久化能力。
type Store interface {
	ListPolicies(ctx context.Context, onlyEnabled bool) ([]model.SecurityPolicy, error)
	ListActiveClientIDs(ctx context.Context) ([]int64, error)
	MarkPolicyChecked(ctx context.Context, id int64, at time.Time) error
}

// Evaluator 对单个终端的最新快照重新评估，由 posture.Engine 实现。
type Evaluator interface {
	EvaluateClient(ctx context.Context, clientID int64, onlyPolicyIDs []int64) (*posture.Assessment, error)
}

// Result 汇总一轮巡检。
type Result struct {
	DuePolicies []int64 `json:"due_policies"`
	Clients     int     `json:"clients"`
	Evaluated   int     `json:"evaluated"`
	Created     int     `json:"violations_created"`
	Resolved    int     `json:"violations_auto_resolved"`
	Failures    int     `json:"failures"`
}

// Sweeper 按各策略的 check_frequency 周期性重新评估全部活跃终端。
// 除存储外不持有跨轮次的状态。
type Sweeper struct {
	store       Store
	evaluator   Evaluator
	tick        time.Duration
	concurrency int
	logger      *zap.Logger
	metrics     *metrics.Metrics
	now         func() time.Time
}

func New(store Store, ev Evaluator, tick time.Duration, concurrency int, logger *zap.Logger, m *metrics.Metrics) *Sweeper {
	if tick <= 0 {
		tick = 30 * time.Second
	}
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Sweeper{
		store:       store,
		evaluator:   ev,
		tick:        tick,
		concurrency: concurrency,
		logger:      logging.OrNop(logger),
		metrics:     metrics.OrNop(m),
		now:         time.Now,
	}
}

func (s *Sweeper) WithClock(now func() time.Time) *Sweeper {
	s.now = now
	return s
}

// RunOnce 执行一轮：找出到期策略，并发评估全部活跃终端，最后为到期策略记录 last_check。
// 单个终端评估失败只计数并记录日志，不阻断其余终端。
func (s *Sweeper) RunOnce(ctx context.Context) (*Result, error) {
	started := time.Now()
	now := s.now()
	defer func() { s.metrics.SweepDuration.Observe(time.Since(started).Seconds()) }()

	policies, err := s.store.ListPolicies(ctx, true)
	if err != nil {
		return nil, err
	}
	res := &Result{DuePolicies: []int64{}}
	for _, p := range policies {
		if p.Due(now) {
			res.DuePolicies = append(res.DuePolicies, p.ID)
		}
	}
	if len(res.DuePolicies) == 0 {
		return res, nil
	}

	ids, err := s.store.ListActiveClientIDs(ctx)
	if err != nil {
		return nil, err
	}
	res.Clients = len(ids)

	type outcome struct {
		a   *posture.Assessment
		err error
	}
	outcomes := make([]outcome, len(ids))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, id := range ids {
		g.Go(func() error {
			a, err := s.evaluator.EvaluateClient(gctx, id, res.DuePolicies)
			if err != nil && gctx.Err() != nil {
				return gctx.Err()
			}
			outcomes[i] = outcome{a: a, err: err}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return res, err
	}

	for i, o := range outcomes {
		switch {
		case o.err != nil:
			res.Failures++
			s.logger.Warn("sweep evaluation failed", zap.Int64("client_id", ids[i]), zap.Error(o.err))
		case o.a != nil:
			res.Evaluated++
			res.Created += o.a.Created
			res.Resolved += o.a.Resolved
		}
	}

	for _, id := range res.DuePolicies {
		if err := s.store.MarkPolicyChecked(ctx, id, now); err != nil {
			return res, err
		}
	}

	s.logger.Info("sweep finished",
		zap.Int("due_policies", len(res.DuePolicies)),
		zap.Int("clients", res.Clients),
		zap.Int("evaluated", res.Evaluated),
		zap.Int("failures", res.Failures),
	)
	return res, nil
}

// Run 每个 tick 执行一轮，直到 ctx 结束。
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	for {
		if _, err := s.RunOnce(ctx); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return ctx.Err()
			}
			s.logger.Error("sweep round failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
