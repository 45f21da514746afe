package lifecycle

import (
	"strings"
	"time"

	"endpoint-posture/internal/domain/model"
)

// AutoResolveNote 是自动关闭时写入的处置说明。
const AutoResolveNote = "auto-resolved: rule passed on re-evaluation"

// Command 是对一条既有违规施加的状态机动作。
type Command struct {
	Transition model.Transition
	Actor      string
	Notes      string
	Severity   model.Severity
	At         time.Time
}

// Apply 是违规状态的唯一变更入口。
// 返回变更后的副本；非法动作返回 *model.TransitionError，入参记录保持不变。
func Apply(v model.PolicyViolation, cmd Command) (model.PolicyViolation, error) {
	if !v.Status.Valid() {
		return v, &model.IntegrityError{Table: "policy_violations", Column: "status", Value: string(v.Status)}
	}
	reject := func() (model.PolicyViolation, error) {
		return v, &model.TransitionError{ViolationID: v.ID, Current: v.Status, Attempted: cmd.Transition}
	}
	at := cmd.At.UTC()
	next := v

	switch cmd.Transition {
	case model.TransitionAcknowledge:
		if v.Status != model.ViolationOpen {
			return reject()
		}
		by := strings.TrimSpace(cmd.Actor)
		if by == "" {
			return v, model.NewValidationError("acknowledged_by", "is required")
		}
		next.Status = model.ViolationAcknowledged
		next.AcknowledgedBy = by
		next.AcknowledgedAt = &at

	case model.TransitionResolve:
		if !v.Status.Active() {
			return reject()
		}
		next.Status = model.ViolationResolved
		next.ResolvedAt = &at
		next.ResolutionNotes = strings.TrimSpace(cmd.Notes)

	case model.TransitionFalsePositive:
		if !v.Status.Active() {
			return reject()
		}
		note := strings.TrimSpace(cmd.Notes)
		if note == "" {
			note = model.DefaultFalsePositiveNote
		}
		next.Status = model.ViolationFalsePositive
		next.ResolvedAt = &at
		next.ResolutionNotes = note

	case model.TransitionAutoResolve:
		// 已确认的违规由操作员负责关闭，评估器只关闭 open 状态。
		if v.Status != model.ViolationOpen {
			return reject()
		}
		next.Status = model.ViolationResolved
		next.AutoResolved = true
		next.ResolvedAt = &at
		next.ResolutionNotes = AutoResolveNote

	case model.TransitionEscalate:
		if !v.Status.Active() {
			return reject()
		}
		if !cmd.Severity.Valid() {
			return v, model.NewValidationError("severity", "unknown severity %q", cmd.Severity)
		}
		if cmd.Severity.Rank() <= v.Severity.Rank() {
			return reject()
		}
		next.Severity = cmd.Severity

	default:
		// create 只作用于不存在的记录，见 Service.Reconcile。
		return reject()
	}

	next.UpdatedAt = at
	return next, nil
}
