package model

import (
	"time"

	"endpoint-posture/internal/platform/normalize"
)

// ViolationStatus 是违规状态机的封闭状态集合。
type ViolationStatus string

const (
	ViolationOpen          ViolationStatus = "open"
	ViolationAcknowledged  ViolationStatus = "acknowledged"
	ViolationResolved      ViolationStatus = "resolved"
	ViolationFalsePositive ViolationStatus = "false_positive"
)

func (s ViolationStatus) Valid() bool {
	switch s {
	case ViolationOpen, ViolationAcknowledged, ViolationResolved, ViolationFalsePositive:
		return true
	}
	return false
}

// Terminal 表示 resolved / false_positive 两个终态。
func (s ViolationStatus) Terminal() bool {
	return s == ViolationResolved || s == ViolationFalsePositive
}

// Active 表示仍计入评分扣分的状态（open / acknowledged）。
func (s ViolationStatus) Active() bool {
	return s == ViolationOpen || s == ViolationAcknowledged
}

// Transition 是状态机可接受的动作。
type Transition string

const (
	TransitionCreate        Transition = "create"
	TransitionAcknowledge   Transition = "acknowledge"
	TransitionResolve       Transition = "resolve"
	TransitionFalsePositive Transition = "mark_false_positive"
	TransitionAutoResolve   Transition = "auto_resolve"
	TransitionEscalate      Transition = "escalate"
)

// DefaultFalsePositiveNote 是未提供备注时误报标记写入的默认说明。
const DefaultFalsePositiveNote = "marked as false positive"

// PolicyViolation 是一条规则对一台终端的违规记录（对应 policy_violations 表）。
// 只允许经由状态机变更，不做删除。
type PolicyViolation struct {
	ID              int64
	ClientID        int64
	PolicyID        int64
	PolicyRule      string
	ViolationType   string
	Severity        Severity
	Status          ViolationStatus
	Description     string
	Evidence        normalize.Value // JSON 对象文本
	AutoResolved    bool
	ResolutionNotes string
	AcknowledgedBy  string
	AcknowledgedAt  *time.Time
	ResolvedAt      *time.Time
	DetectedAt      time.Time
	UpdatedAt       time.Time
}

// ViolationDraft 是评估器发现规则失败时提交给状态机的新建请求。
type ViolationDraft struct {
	ClientID      int64
	PolicyID      int64
	PolicyRule    string
	ViolationType string
	Severity      Severity
	Description   string
	Evidence      normalize.Value
}

// ViolationFilter 用于列表查询。
type ViolationFilter struct {
	ClientID int64
	Status   ViolationStatus
	Severity Severity
	Limit    int
	Offset   int
}
