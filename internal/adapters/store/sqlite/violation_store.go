package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"endpoint-posture/internal/domain/model"
	"endpoint-posture/internal/platform/normalize"
)

const violationColumns = `
	id, client_id, COALESCE(policy_id, 0), policy_rule, violation_type, severity, status,
	description, evidence, auto_resolved, COALESCE(resolution_notes, ''),
	COALESCE(acknowledged_by, ''), acknowledged_at, resolved_at, detected_at, updated_at
`

// CreateViolationIfAbsent 在同一事务内检查并创建违规：
// 同一 (client_id, policy_rule) 已存在 open/acknowledged 记录时直接返回该记录，created=false。
// 部分唯一索引兜底跨连接的并发创建。
func (s *Store) CreateViolationIfAbsent(ctx context.Context, d model.ViolationDraft, now time.Time) (v *model.PolicyViolation, created bool, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("begin tx create violation: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	existing, err := findActiveViolation(ctx, tx, d.ClientID, d.PolicyRule)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		if err = tx.Commit(); err != nil {
			return nil, false, fmt.Errorf("commit create violation: %w", err)
		}
		return existing, false, nil
	}

	ts := normalize.FormatTime(now)
	res, err := tx.ExecContext(ctx, `
		INSERT INTO policy_violations(
			client_id, policy_id, policy_rule, violation_type, severity, status,
			description, evidence, auto_resolved, detected_at, updated_at
		)
		VALUES(?, ?, ?, ?, ?, 'open', ?, ?, 0, ?, ?)
		ON CONFLICT DO NOTHING
	`, d.ClientID, nullIfZero(d.PolicyID), d.PolicyRule, d.ViolationType, string(d.Severity),
		d.Description, d.Evidence.Or(normalize.EmptyObject()).JSON(), ts, ts)
	if err != nil {
		return nil, false, fmt.Errorf("insert violation %s: %w", d.PolicyRule, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("insert violation %s: %w", d.PolicyRule, err)
	}
	if n == 0 {
		existing, err = findActiveViolation(ctx, tx, d.ClientID, d.PolicyRule)
		if err != nil {
			return nil, false, err
		}
		if err = tx.Commit(); err != nil {
			return nil, false, fmt.Errorf("commit create violation: %w", err)
		}
		return existing, false, nil
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, false, fmt.Errorf("violation id: %w", err)
	}
	row := tx.QueryRowContext(ctx, `SELECT `+violationColumns+` FROM policy_violations WHERE id = ?`, id)
	v, err = scanViolation(row)
	if err != nil {
		return nil, false, err
	}
	if err = tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit create violation: %w", err)
	}
	return v, true, nil
}

// UpdateViolationIf 以乐观条件写入：仅当库中状态仍为 expected 时更新。
// 条件不满足返回 model.ErrConflict。
func (s *Store) UpdateViolationIf(ctx context.Context, v *model.PolicyViolation, expected model.ViolationStatus) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE policy_violations
		SET status = ?,
			severity = ?,
			auto_resolved = ?,
			resolution_notes = ?,
			acknowledged_by = ?,
			acknowledged_at = ?,
			resolved_at = ?,
			updated_at = ?
		WHERE id = ? AND status = ?
	`,
		string(v.Status),
		string(v.Severity),
		boolToInt(v.AutoResolved),
		nullIfEmpty(v.ResolutionNotes),
		nullIfEmpty(v.AcknowledgedBy),
		timeOrNull(v.AcknowledgedAt),
		timeOrNull(v.ResolvedAt),
		normalize.FormatTime(v.UpdatedAt),
		v.ID,
		string(expected),
	)
	if err != nil {
		return fmt.Errorf("update violation %d: %w", v.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update violation %d: %w", v.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("update violation %d from %s: %w", v.ID, expected, model.ErrConflict)
	}
	return nil
}

// GetViolation 按主键查询违规，不存在时返回 nil。
func (s *Store) GetViolation(ctx context.Context, id int64) (*model.PolicyViolation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+violationColumns+` FROM policy_violations WHERE id = ?`, id)
	return scanViolation(row)
}

// FindActiveViolation 返回 (client, rule) 当前未关闭的违规。
func (s *Store) FindActiveViolation(ctx context.Context, clientID int64, rule string) (*model.PolicyViolation, error) {
	return findActiveViolation(ctx, s.db, clientID, rule)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func findActiveViolation(ctx context.Context, q queryRower, clientID int64, rule string) (*model.PolicyViolation, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+violationColumns+`
		FROM policy_violations
		WHERE client_id = ? AND policy_rule = ? AND status IN ('open', 'acknowledged')
		ORDER BY id DESC
		LIMIT 1
	`, clientID, rule)
	return scanViolation(row)
}

// ListViolations 按过滤条件返回违规，按检测时间倒序。
func (s *Store) ListViolations(ctx context.Context, f model.ViolationFilter) ([]model.PolicyViolation, error) {
	if f.Limit <= 0 {
		f.Limit = 100
	}
	if f.Limit > 1000 {
		f.Limit = 1000
	}
	if f.Offset < 0 {
		f.Offset = 0
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+violationColumns+`
		FROM policy_violations
		WHERE (? = 0 OR client_id = ?)
			AND (? = '' OR status = ?)
			AND (? = '' OR severity = ?)
		ORDER BY id DESC
		LIMIT ? OFFSET ?
	`, f.ClientID, f.ClientID, string(f.Status), string(f.Status), string(f.Severity), string(f.Severity), f.Limit, f.Offset)
	if err != nil {
		return nil, fmt.Errorf("query violations: %w", err)
	}
	defer rows.Close()

	out := []model.PolicyViolation{}
	for rows.Next() {
		v, err := scanViolation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate violations: %w", err)
	}
	return out, nil
}

// CountActiveBySeverity 统计终端 open/acknowledged 违规的严重级别分布；clientID 为 0 时统计全部终端。
func (s *Store) CountActiveBySeverity(ctx context.Context, clientID int64) (model.SeverityCounts, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT severity, COUNT(1)
		FROM policy_violations
		WHERE (? = 0 OR client_id = ?) AND status IN ('open', 'acknowledged')
		GROUP BY severity
	`, clientID, clientID)
	if err != nil {
		return nil, fmt.Errorf("count violations: %w", err)
	}
	defer rows.Close()

	out := model.SeverityCounts{}
	for rows.Next() {
		var (
			sev string
			n   int
		)
		if err := rows.Scan(&sev, &n); err != nil {
			return nil, fmt.Errorf("scan violation count: %w", err)
		}
		if !model.Severity(sev).Valid() {
			return nil, &model.IntegrityError{Table: "policy_violations", Column: "severity", Value: sev}
		}
		out[model.Severity(sev)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate violation counts: %w", err)
	}
	return out, nil
}

// CountActiveBySeverityAll 统计全部终端的未关闭违规，供指标 gauge 使用。
func (s *Store) CountActiveBySeverityAll(ctx context.Context) (model.SeverityCounts, error) {
	return s.CountActiveBySeverity(ctx, 0)
}

func scanViolation(row rowScanner) (*model.PolicyViolation, error) {
	var (
		v                          model.PolicyViolation
		severity, status           string
		autoResolved               int
		acknowledgedAt, resolvedAt sql.NullString
		detectedAt, updatedAt      string
	)
	if err := row.Scan(
		&v.ID,
		&v.ClientID,
		&v.PolicyID,
		&v.PolicyRule,
		&v.ViolationType,
		&severity,
		&status,
		&v.Description,
		&v.Evidence,
		&autoResolved,
		&v.ResolutionNotes,
		&v.AcknowledgedBy,
		&acknowledgedAt,
		&resolvedAt,
		&detectedAt,
		&updatedAt,
	); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan violation: %w", err)
	}
	v.Status = model.ViolationStatus(status)
	if !v.Status.Valid() {
		return nil, &model.IntegrityError{Table: "policy_violations", Column: "status", Value: status}
	}
	v.Severity = model.Severity(severity)
	if !v.Severity.Valid() {
		return nil, &model.IntegrityError{Table: "policy_violations", Column: "severity", Value: severity}
	}
	v.AutoResolved = autoResolved == 1
	v.AcknowledgedAt = parseNullTime(acknowledgedAt)
	v.ResolvedAt = parseNullTime(resolvedAt)
	v.DetectedAt = parseTime(detectedAt)
	v.UpdatedAt = parseTime(updatedAt)
	return &v, nil
}
