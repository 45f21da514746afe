package model

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound 表示目标记录不存在。
	ErrNotFound = errors.New("not found")
	// ErrConflict 表示条件写入时存量状态已被并发修改。
	ErrConflict = errors.New("concurrent modification")
	// ErrIrreversible 表示迁移没有 down 脚本，不能回滚。
	ErrIrreversible = errors.New("migration is irreversible")
)

// ValidationError 在任何写入之前拒绝非法输入，并指出失败字段。
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
}

// NewValidationError 构造字段校验错误。
func NewValidationError(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// TransitionError 表示状态机拒绝了未声明的迁移，记录保持不变。
type TransitionError struct {
	ViolationID int64
	Current     ViolationStatus
	Attempted   Transition
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid transition %s on violation %d in state %s", e.Attempted, e.ViolationID, e.Current)
}

// IntegrityError 表示库中存在封闭枚举之外的值。
type IntegrityError struct {
	Table  string
	Column string
	Value  string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("data integrity: %s.%s has unknown value %q", e.Table, e.Column, e.Value)
}

// MigrationError 包装单个迁移的失败，迁移批次在第一个失败处终止。
type MigrationError struct {
	Name      string
	Direction string
	Err       error
}

func (e *MigrationError) Error() string {
	return fmt.Sprintf("migration %s %s: %v", e.Name, e.Direction, e.Err)
}

func (e *MigrationError) Unwrap() error { return e.Err }

// IsValidation / IsTransition 供边界层做错误映射。
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

func IsTransition(err error) bool {
	var t *TransitionError
	return errors.As(err, &t)
}
