package sweep

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"endpoint-posture/internal/domain/model"
	"endpoint-posture/internal/services/posture"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type memStore struct {
	mu       sync.Mutex
	policies []model.SecurityPolicy
	clients  []int64
	checked  map[int64]time.Time
}

func (m *memStore) ListPolicies(_ context.Context, _ bool) ([]model.SecurityPolicy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.SecurityPolicy, len(m.policies))
	copy(out, m.policies)
	return out, nil
}

func (m *memStore) ListActiveClientIDs(context.Context) ([]int64, error) { return m.clients, nil }

func (m *memStore) MarkPolicyChecked(_ context.Context, id int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.checked == nil {
		m.checked = map[int64]time.Time{}
	}
	m.checked[id] = at
	for i := range m.policies {
		if m.policies[i].ID == id {
			ts := at
			m.policies[i].LastCheck = &ts
		}
	}
	return nil
}

type fakeEvaluator struct {
	mu       sync.Mutex
	calls    map[int64][]int64
	inflight atomic.Int32
	peak     atomic.Int32
	failFor  int64
}

func (f *fakeEvaluator) EvaluateClient(_ context.Context, clientID int64, only []int64) (*posture.Assessment, error) {
	n := f.inflight.Add(1)
	defer f.inflight.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)

	f.mu.Lock()
	if f.calls == nil {
		f.calls = map[int64][]int64{}
	}
	f.calls[clientID] = only
	f.mu.Unlock()

	if clientID == f.failFor {
		return nil, errors.New("snapshot decode failed")
	}
	if clientID%2 == 0 {
		return nil, nil
	}
	return &posture.Assessment{ClientID: clientID, Created: 1}, nil
}

func policiesFixture() []model.SecurityPolicy {
	recent := now.Add(-10 * time.Minute)
	old := now.Add(-2 * time.Hour)
	return []model.SecurityPolicy{
		{ID: 1, Name: "never-checked", Enabled: true, CheckFrequency: 3600},
		{ID: 2, Name: "recent", Enabled: true, CheckFrequency: 3600, LastCheck: &recent},
		{ID: 3, Name: "stale", Enabled: true, CheckFrequency: 3600, LastCheck: &old},
	}
}

func TestRunOnce_EvaluatesDuePolicies(t *testing.T) {
	st := &memStore{policies: policiesFixture(), clients: []int64{1, 2, 3, 4, 5, 6, 7}}
	ev := &fakeEvaluator{failFor: 5}
	s := New(st, ev, time.Minute, 2, nil, nil).WithClock(func() time.Time { return now })

	res, err := s.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []int64{1, 3}, res.DuePolicies)
	assert.Equal(t, 7, res.Clients)
	assert.Equal(t, 1, res.Failures)
	assert.Equal(t, 3, res.Evaluated) // 1,3,7；偶数终端没有快照
	assert.Equal(t, 3, res.Created)
	assert.LessOrEqual(t, ev.peak.Load(), int32(2))
	assert.Equal(t, []int64{1, 3}, ev.calls[7])

	assert.Contains(t, st.checked, int64(1))
	assert.Contains(t, st.checked, int64(3))
	assert.NotContains(t, st.checked, int64(2))
}

func TestRunOnce_NothingDueAfterStamp(t *testing.T) {
	st := &memStore{policies: policiesFixture(), clients: []int64{1}}
	ev := &fakeEvaluator{}
	s := New(st, ev, time.Minute, 1, nil, nil).WithClock(func() time.Time { return now })

	_, err := s.RunOnce(context.Background())
	require.NoError(t, err)

	res, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Empty(t, res.DuePolicies)
	assert.Equal(t, 0, res.Clients)
}

func TestRun_StopsOnCancel(t *testing.T) {
	st := &memStore{policies: policiesFixture(), clients: []int64{1}}
	s := New(st, &fakeEvaluator{}, 10*time.Millisecond, 1, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := s.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
