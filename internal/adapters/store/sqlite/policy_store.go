package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"endpoint-posture/internal/domain/model"
	"endpoint-posture/internal/platform/normalize"
)

const policyColumns = `
	id, name, description, category, severity, enabled, auto_remediate,
	notification_enabled, check_frequency, target_os, rules, tags,
	last_check, created_at, updated_at
`

// UpsertPolicy 按名称写入策略，保留 last_check。
func (s *Store) UpsertPolicy(ctx context.Context, p model.SecurityPolicy) (int64, error) {
	rulesJSON, err := json.Marshal(p.Rules)
	if err != nil {
		return 0, fmt.Errorf("encode policy rules %s: %w", p.Name, err)
	}
	targetOS := p.TargetOS
	if targetOS == nil {
		targetOS = []string{}
	}
	now := normalize.FormatTime(s.now())

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO security_policies(
			name, description, category, severity, enabled, auto_remediate,
			notification_enabled, check_frequency, target_os, rules, tags, created_at, updated_at
		)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			description=excluded.description,
			category=excluded.category,
			severity=excluded.severity,
			enabled=excluded.enabled,
			auto_remediate=excluded.auto_remediate,
			notification_enabled=excluded.notification_enabled,
			check_frequency=excluded.check_frequency,
			target_os=excluded.target_os,
			rules=excluded.rules,
			tags=excluded.tags,
			updated_at=excluded.updated_at
	`,
		p.Name, p.Description, string(p.Category), string(p.Severity),
		boolToInt(p.Enabled), boolToInt(p.AutoRemediate), boolToInt(p.NotificationEnabled),
		p.CheckFrequency, normalize.Sequence(targetOS...).JSON(), string(rulesJSON),
		p.Tags.Or(normalize.EmptySequence()).JSON(), now, now,
	)
	if err != nil {
		return 0, fmt.Errorf("upsert policy %s: %w", p.Name, err)
	}

	var id int64
	if err := s.db.QueryRowContext(ctx, `SELECT id FROM security_policies WHERE name = ?`, p.Name).Scan(&id); err != nil {
		return 0, fmt.Errorf("query policy id %s: %w", p.Name, err)
	}
	return id, nil
}

// DisablePoliciesExcept 停用不在名单中的策略；策略从不删除，以保留违规记录的引用。
func (s *Store) DisablePoliciesExcept(ctx context.Context, names []string) (int64, error) {
	query := `UPDATE security_policies SET enabled = 0, updated_at = ? WHERE enabled = 1`
	args := []any{normalize.FormatTime(s.now())}
	if len(names) > 0 {
		query += ` AND name NOT IN (?` + strings.Repeat(`, ?`, len(names)-1) + `)`
		for _, n := range names {
			args = append(args, n)
		}
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("disable stale policies: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ListPolicies 返回策略列表；onlyEnabled 为 true 时只返回启用策略。
func (s *Store) ListPolicies(ctx context.Context, onlyEnabled bool) ([]model.SecurityPolicy, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+policyColumns+`
		FROM security_policies
		WHERE (? = 0 OR enabled = 1)
		ORDER BY id ASC
	`, boolToInt(onlyEnabled))
	if err != nil {
		return nil, fmt.Errorf("query policies: %w", err)
	}
	defer rows.Close()

	out := []model.SecurityPolicy{}
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate policies: %w", err)
	}
	return out, nil
}

// GetPolicy 按主键查询策略，不存在时返回 nil。
func (s *Store) GetPolicy(ctx context.Context, id int64) (*model.SecurityPolicy, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+policyColumns+` FROM security_policies WHERE id = ?`, id)
	return scanPolicy(row)
}

// MarkPolicyChecked 记录策略最近一次巡检时间。
func (s *Store) MarkPolicyChecked(ctx context.Context, id int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE security_policies SET last_check = ? WHERE id = ?`,
		normalize.FormatTime(at), id)
	if err != nil {
		return fmt.Errorf("mark policy %d checked: %w", id, err)
	}
	return nil
}

func scanPolicy(row rowScanner) (*model.SecurityPolicy, error) {
	var (
		p                                     model.SecurityPolicy
		category, severity                    string
		enabled, autoRemediate, notifyEnabled int
		targetOS                              normalize.Value
		rulesJSON                             string
		lastCheck                             sql.NullString
		createdAt, updatedAt                  string
	)
	if err := row.Scan(
		&p.ID,
		&p.Name,
		&p.Description,
		&category,
		&severity,
		&enabled,
		&autoRemediate,
		&notifyEnabled,
		&p.CheckFrequency,
		&targetOS,
		&rulesJSON,
		&p.Tags,
		&lastCheck,
		&createdAt,
		&updatedAt,
	); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan policy: %w", err)
	}
	p.Category = model.Category(category)
	p.Severity = model.Severity(severity)
	if !p.Severity.Valid() {
		return nil, &model.IntegrityError{Table: "security_policies", Column: "severity", Value: severity}
	}
	p.Enabled = enabled == 1
	p.AutoRemediate = autoRemediate == 1
	p.NotificationEnabled = notifyEnabled == 1
	p.TargetOS = targetOS.Strings()
	if err := json.Unmarshal([]byte(rulesJSON), &p.Rules); err != nil {
		return nil, fmt.Errorf("decode policy rules %s: %w", p.Name, err)
	}
	p.LastCheck = parseNullTime(lastCheck)
	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updatedAt)
	return &p, nil
}
