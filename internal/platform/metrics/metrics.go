package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics 汇总评估流水线的 Prometheus 指标。
type Metrics struct {
	SnapshotsIngested     prometheus.Counter
	SnapshotsInvalid      prometheus.Counter
	ViolationsCreated     *prometheus.CounterVec
	ViolationsTransitions *prometheus.CounterVec
	ViolationsOpen        *prometheus.GaugeVec
	ComplianceRecomputes  prometheus.Counter
	NetworkChanges        *prometheus.CounterVec
	NotificationsSent     *prometheus.CounterVec
	NotificationErrors    prometheus.Counter
	MigrationsApplied     prometheus.Counter
	SweepDuration         prometheus.Histogram
}

// New 在给定 registerer 上注册全部指标；传入独立 registry 可避免测试间重复注册。
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		SnapshotsIngested: f.NewCounter(prometheus.CounterOpts{
			Name: "posture_snapshots_ingested_total",
			Help: "Total number of snapshots accepted",
		}),
		SnapshotsInvalid: f.NewCounter(prometheus.CounterOpts{
			Name: "posture_snapshots_invalid_total",
			Help: "Total number of snapshots rejected by validation",
		}),
		ViolationsCreated: f.NewCounterVec(prometheus.CounterOpts{
			Name: "posture_violations_created_total",
			Help: "Violations opened by policy evaluation",
		}, []string{"severity"}),
		ViolationsTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "posture_violation_transitions_total",
			Help: "Violation lifecycle transitions by kind",
		}, []string{"transition"}),
		ViolationsOpen: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "posture_violations_active",
			Help: "Open or acknowledged violations by severity",
		}, []string{"severity"}),
		ComplianceRecomputes: f.NewCounter(prometheus.CounterOpts{
			Name: "posture_compliance_recomputes_total",
			Help: "Compliance status recomputations",
		}),
		NetworkChanges: f.NewCounterVec(prometheus.CounterOpts{
			Name: "posture_network_changes_total",
			Help: "Network changes detected by type",
		}, []string{"change_type"}),
		NotificationsSent: f.NewCounterVec(prometheus.CounterOpts{
			Name: "posture_notifications_sent_total",
			Help: "Violation notifications published by kind",
		}, []string{"kind"}),
		NotificationErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "posture_notification_errors_total",
			Help: "Failed notification publishes",
		}),
		MigrationsApplied: f.NewCounter(prometheus.CounterOpts{
			Name: "posture_migrations_applied_total",
			Help: "Schema migrations applied by this process",
		}),
		SweepDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "posture_sweep_duration_seconds",
			Help:    "Duration of periodic policy sweeps",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// Nop 返回注册在私有 registry 上的指标，调用方不关心指标时使用。
func Nop() *Metrics {
	return New(prometheus.NewRegistry())
}

// OrNop 把 nil 替换为 Nop。
func OrNop(m *Metrics) *Metrics {
	if m == nil {
		return Nop()
	}
	return m
}
