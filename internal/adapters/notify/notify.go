package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"endpoint-posture/internal/domain/model"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

// Kind 是违规通知的事件类型。
type Kind string

const (
	KindCreated      Kind = "violation.created"
	KindAutoResolved Kind = "violation.auto_resolved"
	KindEscalated    Kind = "violation.escalated"
)

// Event 是发往通知边界的违规事件。
type Event struct {
	ID          string          `json:"id"`
	Kind        Kind            `json:"kind"`
	ClientID    int64           `json:"client_id"`
	ViolationID int64           `json:"violation_id"`
	PolicyID    int64           `json:"policy_id"`
	PolicyRule  string          `json:"policy_rule"`
	Severity    model.Severity  `json:"severity"`
	Status      string          `json:"status"`
	Description string          `json:"description,omitempty"`
	Evidence    json.RawMessage `json:"evidence,omitempty"`
	OccurredAt  time.Time       `json:"occurred_at"`
}

// NewEvent 由违规记录构造事件并分配 uuid。
func NewEvent(kind Kind, v model.PolicyViolation, at time.Time) Event {
	ev := Event{
		ID:          uuid.NewString(),
		Kind:        kind,
		ClientID:    v.ClientID,
		ViolationID: v.ID,
		PolicyID:    v.PolicyID,
		PolicyRule:  v.PolicyRule,
		Severity:    v.Severity,
		Status:      string(v.Status),
		Description: v.Description,
		OccurredAt:  at.UTC(),
	}
	if !v.Evidence.IsZero() {
		ev.Evidence = json.RawMessage(v.Evidence.JSON())
	}
	return ev
}

// Notifier 把违规事件投递到外部协作方。
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
	Close() error
}

// Nop 丢弃所有事件。
type Nop struct{}

func (Nop) Notify(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }

// LogNotifier 只把事件写入日志，未配置消息系统时使用。
type LogNotifier struct {
	logger *zap.Logger
}

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(_ context.Context, ev Event) error {
	n.logger.Info("violation event",
		zap.String("event_id", ev.ID),
		zap.String("kind", string(ev.Kind)),
		zap.Int64("client_id", ev.ClientID),
		zap.Int64("violation_id", ev.ViolationID),
		zap.String("policy_rule", ev.PolicyRule),
		zap.String("severity", string(ev.Severity)),
	)
	return nil
}

func (n *LogNotifier) Close() error { return nil }

// Multi 依次投递到全部下游，错误合并返回。
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, ev Event) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, n := range m {
		if err := n.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Deduper 用 LRU 丢弃重复事件：同一违规在同一严重级别下的同类事件只投递一次。
type Deduper struct {
	next Notifier
	seen *lru.Cache[string, struct{}]
}

// NewDeduper 构造去重包装，size 为记忆的事件键数量上限。
func NewDeduper(next Notifier, size int) (*Deduper, error) {
	if size <= 0 {
		size = 4096
	}
	cache, err := lru.New[string, struct{}](size)
	if err != nil {
		return nil, fmt.Errorf("create dedupe cache: %w", err)
	}
	return &Deduper{next: next, seen: cache}, nil
}

func dedupeKey(ev Event) string {
	return string(ev.Kind) + "|" + strconv.FormatInt(ev.ViolationID, 10) + "|" + string(ev.Severity)
}

func (d *Deduper) Notify(ctx context.Context, ev Event) error {
	key := dedupeKey(ev)
	if ok, _ := d.seen.ContainsOrAdd(key, struct{}{}); ok {
		return nil
	}
	if err := d.next.Notify(ctx, ev); err != nil {
		// 投递失败时移除键，允许后续重试。
		d.seen.Remove(key)
		return err
	}
	return nil
}

func (d *Deduper) Close() error { return d.next.Close() }
