package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"endpoint-posture/internal/domain/model"
	"endpoint-posture/internal/platform/normalize"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	events []Event
	fail   error
}

func (r *recorder) Notify(_ context.Context, ev Event) error {
	if r.fail != nil {
		return r.fail
	}
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) Close() error { return nil }

func sampleViolation() model.PolicyViolation {
	return model.PolicyViolation{
		ID:         7,
		ClientID:   3,
		PolicyID:   2,
		PolicyRule: "firewall_enabled",
		Severity:   model.SeverityHigh,
		Status:     model.ViolationOpen,
		Evidence:   normalize.Object(map[string]any{"actual": false}),
	}
}

func TestDeduper_DropsRepeats(t *testing.T) {
	rec := &recorder{}
	d, err := NewDeduper(rec, 16)
	require.NoError(t, err)

	at := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	ev := NewEvent(KindCreated, sampleViolation(), at)
	require.NoError(t, d.Notify(context.Background(), ev))
	require.NoError(t, d.Notify(context.Background(), NewEvent(KindCreated, sampleViolation(), at)))
	assert.Len(t, rec.events, 1)

	escalated := sampleViolation()
	escalated.Severity = model.SeverityCritical
	require.NoError(t, d.Notify(context.Background(), NewEvent(KindEscalated, escalated, at)))
	assert.Len(t, rec.events, 2)
}

func TestDeduper_RetriesAfterFailure(t *testing.T) {
	rec := &recorder{fail: errors.New("down")}
	d, err := NewDeduper(rec, 16)
	require.NoError(t, err)

	ev := NewEvent(KindCreated, sampleViolation(), time.Now())
	assert.Error(t, d.Notify(context.Background(), ev))

	rec.fail = nil
	require.NoError(t, d.Notify(context.Background(), ev))
	assert.Len(t, rec.events, 1)
}

func TestMulti_JoinsErrors(t *testing.T) {
	ok := &recorder{}
	bad := &recorder{fail: errors.New("broker unavailable")}
	err := Multi{bad, ok}.Notify(context.Background(), NewEvent(KindAutoResolved, sampleViolation(), time.Now()))
	assert.ErrorContains(t, err, "broker unavailable")
	assert.Len(t, ok.events, 1)
}

type fakePublisher struct {
	subject string
	data    []byte
}

func (f *fakePublisher) Publish(subject string, data []byte) error {
	f.subject, f.data = subject, data
	return nil
}

func TestNATSNotifier_SubjectPerKind(t *testing.T) {
	pub := &fakePublisher{}
	n := &NATSNotifier{pub: pub, subject: "posture.violations"}
	require.NoError(t, n.Notify(context.Background(), NewEvent(KindEscalated, sampleViolation(), time.Now())))
	assert.Equal(t, "posture.violations.violation.escalated", pub.subject)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(pub.data, &decoded))
	assert.Equal(t, "firewall_enabled", decoded["policy_rule"])
	assert.Equal(t, map[string]any{"actual": false}, decoded["evidence"])
}

type fakeWriter struct {
	msgs []kafka.Message
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error { return nil }

func TestKafkaNotifier_KeyedByClient(t *testing.T) {
	w := &fakeWriter{}
	k := &KafkaNotifier{writer: w}
	require.NoError(t, k.Notify(context.Background(), NewEvent(KindCreated, sampleViolation(), time.Now())))
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "3", string(w.msgs[0].Key))
	assert.Equal(t, "violation.created", string(w.msgs[0].Headers[0].Value))
}
