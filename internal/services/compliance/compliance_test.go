package compliance

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"endpoint-posture/internal/domain/model"
	"endpoint-posture/internal/platform/lock"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var assessedAt = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func scenarioCategories() model.CategoryScores {
	return model.CategoryScores{
		model.CategoryAntivirus: 90,
		model.CategoryNetwork:   95,
		model.CategorySystem:    90,
		model.CategorySoftware:  88,
		model.CategoryThreat:    92,
	}
}

func TestCompute_MeanMinusPenalty(t *testing.T) {
	st := Compute(Input{
		ClientID:   1,
		Categories: scenarioCategories(),
		Violations: model.SeverityCounts{model.SeverityHigh: 1},
		Passed:     9,
		Total:      10,
		AssessedAt: assessedAt,
	}, model.DefaultPenaltyWeights())

	assert.Equal(t, 81, st.OverallScore)
	assert.Equal(t, 1, st.FailedChecks)
	assert.Equal(t, 1, st.Violations[model.SeverityHigh])
	assert.Equal(t, 0, st.Violations[model.SeverityCritical])
}

func TestCompute_MissingCategoryCountsAsZero(t *testing.T) {
	cats := scenarioCategories()
	delete(cats, model.CategoryAntivirus)
	st := Compute(Input{Categories: cats, AssessedAt: assessedAt}, nil)
	// (0+95+90+88+92)/5 = 73
	assert.Equal(t, 73, st.OverallScore)
	assert.Equal(t, 0, st.Categories[model.CategoryAntivirus])
}

func TestCompute_FloorsAtZeroAndClamps(t *testing.T) {
	st := Compute(Input{
		Categories: model.CategoryScores{model.CategorySystem: 250, model.CategoryThreat: -40},
		Violations: model.SeverityCounts{model.SeverityCritical: 3},
		AssessedAt: assessedAt,
	}, nil)
	assert.Equal(t, 0, st.OverallScore)
	assert.Equal(t, 100, st.Categories[model.CategorySystem])
	assert.Equal(t, 0, st.Categories[model.CategoryThreat])
}

func TestCompute_CustomWeightsAndRounding(t *testing.T) {
	weights := model.PenaltyWeights{model.SeverityCritical: 7, model.SeverityHigh: 5, model.SeverityMedium: 3, model.SeverityLow: 1}
	st := Compute(Input{
		Categories: model.CategoryScores{
			model.CategoryAntivirus: 91, model.CategoryNetwork: 92, model.CategorySystem: 92,
			model.CategorySoftware: 92, model.CategoryThreat: 90,
		},
		Violations: model.SeverityCounts{model.SeverityMedium: 2, model.SeverityLow: 1},
		AssessedAt: assessedAt,
	}, weights)
	// mean 91.4 -> 91, penalty 2*3+1 = 7
	assert.Equal(t, 84, st.OverallScore)
}

func TestCompute_Deterministic(t *testing.T) {
	in := Input{
		ClientID:   4,
		Categories: scenarioCategories(),
		Violations: model.SeverityCounts{model.SeverityLow: 2, model.SeverityHigh: 1},
		Passed:     3,
		Total:      5,
		AssessedAt: assessedAt,
	}
	a := Compute(in, nil)
	b := Compute(in, nil)
	assert.True(t, a.Equal(b))
	assert.Equal(t, a, b)
}

func TestThreatLevel(t *testing.T) {
	assert.Equal(t, model.ThreatLow, ThreatLevel(model.SeverityCounts{model.SeverityLow: 5}))
	assert.Equal(t, model.ThreatMedium, ThreatLevel(model.SeverityCounts{model.SeverityHigh: 1}))
	assert.Equal(t, model.ThreatHigh, ThreatLevel(model.SeverityCounts{model.SeverityCritical: 1}))
}

type memStore struct {
	mu       sync.Mutex
	counts   model.SeverityCounts
	rows     map[int64]model.ComplianceStatus
	inflight map[int64]*int32
	overlap  atomic.Bool
}

func newMemStore(counts model.SeverityCounts) *memStore {
	return &memStore{counts: counts, rows: map[int64]model.ComplianceStatus{}, inflight: map[int64]*int32{}}
}

func (m *memStore) CountActiveBySeverity(_ context.Context, clientID int64) (model.SeverityCounts, error) {
	m.mu.Lock()
	ctr, ok := m.inflight[clientID]
	if !ok {
		ctr = new(int32)
		m.inflight[clientID] = ctr
	}
	m.mu.Unlock()
	if atomic.AddInt32(ctr, 1) > 1 {
		m.overlap.Store(true)
	}
	time.Sleep(2 * time.Millisecond)
	out := model.SeverityCounts{}
	for k, v := range m.counts {
		out[k] = v
	}
	return out, nil
}

func (m *memStore) ReplaceComplianceStatus(_ context.Context, st model.ComplianceStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[st.ClientID] = st
	atomic.AddInt32(m.inflight[st.ClientID], -1)
	return nil
}

func (m *memStore) AppendAudit(context.Context, model.AuditEntry) error { return nil }

func TestService_RecomputeIsIdempotent(t *testing.T) {
	store := newMemStore(model.SeverityCounts{model.SeverityHigh: 1})
	svc := NewService(store, nil, nil, nil, nil).WithClock(func() time.Time { return assessedAt })

	first, err := svc.Recompute(context.Background(), 1, scenarioCategories(), 9, 10)
	require.NoError(t, err)
	second, err := svc.Recompute(context.Background(), 1, scenarioCategories(), 9, 10)
	require.NoError(t, err)

	assert.Equal(t, 81, first.OverallScore)
	assert.True(t, first.Equal(*second))
	assert.True(t, store.rows[1].Equal(*first))
}

func TestService_SerializesSameClient(t *testing.T) {
	store := newMemStore(nil)
	svc := NewService(store, lock.NewKeyed(), nil, nil, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.Recompute(context.Background(), int64(i%2), scenarioCategories(), 1, 1)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()
	assert.False(t, store.overlap.Load(), "recompute ran concurrently for the same client")
	assert.Len(t, store.rows, 2)
}
