package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"endpoint-posture/internal/domain/model"
	"endpoint-posture/internal/platform/normalize"
)

const iocColumns = `
	id, value, ioc_type, confidence, severity, source, description, tags, active, expires_at, created_at
`

// UpsertIOC 按 (value, ioc_type) 写入威胁指标，返回指标 ID。
func (s *Store) UpsertIOC(ctx context.Context, ind model.IOCIndicator) (int64, error) {
	if ind.Value == "" {
		return 0, model.NewValidationError("value", "is required")
	}
	if ind.Type == "" {
		return 0, model.NewValidationError("ioc_type", "is required")
	}
	if ind.Severity == "" {
		ind.Severity = model.SeverityMedium
	}
	if !ind.Severity.Valid() {
		return 0, model.NewValidationError("severity", "unknown severity %q", ind.Severity)
	}
	now := normalize.FormatTime(s.now())

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ioc_indicators(
			value, ioc_type, confidence, severity, source, description, tags, active, expires_at, created_at, updated_at
		)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(value, ioc_type) DO UPDATE SET
			confidence=excluded.confidence,
			severity=excluded.severity,
			source=excluded.source,
			description=excluded.description,
			tags=excluded.tags,
			active=excluded.active,
			expires_at=excluded.expires_at,
			updated_at=excluded.updated_at
	`, ind.Value, ind.Type, ind.Confidence, string(ind.Severity), ind.Source, ind.Description,
		ind.Tags.Or(normalize.EmptySequence()).JSON(), boolToInt(ind.Active), timeOrNull(ind.ExpiresAt), now, now)
	if err != nil {
		return 0, fmt.Errorf("upsert ioc %s: %w", ind.Value, err)
	}

	var id int64
	err = s.db.QueryRowContext(ctx, `SELECT id FROM ioc_indicators WHERE value = ? AND ioc_type = ?`,
		ind.Value, ind.Type).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("query ioc id %s: %w", ind.Value, err)
	}
	return id, nil
}

// GetIOC 按主键查询指标，不存在时返回 nil。
func (s *Store) GetIOC(ctx context.Context, id int64) (*model.IOCIndicator, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+iocColumns+` FROM ioc_indicators WHERE id = ?`, id)
	return scanIOC(row)
}

// ListActiveIOCs 返回在 now 时刻仍有效的指标（active 且未过期）。
func (s *Store) ListActiveIOCs(ctx context.Context, now time.Time) ([]model.IOCIndicator, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+iocColumns+`
		FROM ioc_indicators
		WHERE active = 1
		ORDER BY id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query iocs: %w", err)
	}
	defer rows.Close()

	out := []model.IOCIndicator{}
	for rows.Next() {
		ind, err := scanIOC(rows)
		if err != nil {
			return nil, err
		}
		// 过期判断在内存中做：expires_at 历史数据可能不是规范格式，字符串比较不可靠。
		if ind.Expired(now) {
			continue
		}
		out = append(out, *ind)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate iocs: %w", err)
	}
	return out, nil
}

// RecordDistribution 追加一条指标下发回执。
func (s *Store) RecordDistribution(ctx context.Context, d model.IOCDistribution) (int64, error) {
	if d.Channel == "" {
		return 0, model.NewValidationError("channel", "is required")
	}
	at := d.DistributedAt
	if at.IsZero() {
		at = s.now()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO ioc_distributions(ioc_id, client_id, channel, status, distribution_data, distributed_at)
		VALUES(?, ?, ?, ?, ?, ?)
	`, d.IOCID, nullIfZero(d.ClientID), d.Channel, d.Status,
		d.DistributionData.Or(normalize.EmptyObject()).JSON(), normalize.FormatTime(at))
	if err != nil {
		return 0, fmt.Errorf("insert ioc distribution: %w", err)
	}
	return res.LastInsertId()
}

// ListDistributions 返回指标的下发回执。
func (s *Store) ListDistributions(ctx context.Context, iocID int64) ([]model.IOCDistribution, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, ioc_id, COALESCE(client_id, 0), channel, status, distribution_data, distributed_at
		FROM ioc_distributions
		WHERE ioc_id = ?
		ORDER BY id ASC
	`, iocID)
	if err != nil {
		return nil, fmt.Errorf("query ioc distributions: %w", err)
	}
	defer rows.Close()

	out := []model.IOCDistribution{}
	for rows.Next() {
		var (
			d  model.IOCDistribution
			at string
		)
		if err := rows.Scan(&d.ID, &d.IOCID, &d.ClientID, &d.Channel, &d.Status, &d.DistributionData, &at); err != nil {
			return nil, fmt.Errorf("scan ioc distribution: %w", err)
		}
		d.DistributedAt = parseTime(at)
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ioc distributions: %w", err)
	}
	return out, nil
}

// SaveThreatDetections 批量写入威胁检测；cve_ids 以逗号拼接，ioc_matches 以 JSON 数组存储。
func (s *Store) SaveThreatDetections(ctx context.Context, items []model.ThreatDetection) (err error) {
	if len(items) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx save threats: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO threat_detections(
			client_id, snapshot_id, name, threat_type, severity, file_path, process_name,
			cve_ids, ioc_matches, detected_at
		)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare insert threats: %w", err)
	}
	defer stmt.Close()

	for _, t := range items {
		_, err = stmt.ExecContext(ctx,
			t.ClientID,
			nullIfZero(t.SnapshotID),
			t.Name,
			t.ThreatType,
			string(t.Severity),
			nullIfEmpty(t.FilePath),
			nullIfEmpty(t.ProcessName),
			normalize.JoinCSV(t.CVEIDs),
			t.IOCMatches.Or(normalize.EmptySequence()).JSON(),
			normalize.FormatTime(t.DetectedAt),
		)
		if err != nil {
			return fmt.Errorf("insert threat %s: %w", t.Name, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit save threats: %w", err)
	}
	return nil
}

// ListThreatDetections 返回终端威胁检测；snapshotID 为 0 时返回全部。
func (s *Store) ListThreatDetections(ctx context.Context, clientID, snapshotID int64) ([]model.ThreatDetection, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT
			id, client_id, COALESCE(snapshot_id, 0), name, threat_type, severity,
			COALESCE(file_path, ''), COALESCE(process_name, ''), cve_ids, ioc_matches, detected_at
		FROM threat_detections
		WHERE client_id = ? AND (? = 0 OR snapshot_id = ?)
		ORDER BY id ASC
	`, clientID, snapshotID, snapshotID)
	if err != nil {
		return nil, fmt.Errorf("query threats: %w", err)
	}
	defer rows.Close()

	out := []model.ThreatDetection{}
	for rows.Next() {
		var (
			t                  model.ThreatDetection
			severity, cves, at string
		)
		if err := rows.Scan(
			&t.ID,
			&t.ClientID,
			&t.SnapshotID,
			&t.Name,
			&t.ThreatType,
			&severity,
			&t.FilePath,
			&t.ProcessName,
			&cves,
			&t.IOCMatches,
			&at,
		); err != nil {
			return nil, fmt.Errorf("scan threat: %w", err)
		}
		t.Severity = model.Severity(severity)
		t.CVEIDs = normalize.SplitCSV(cves)
		t.DetectedAt = parseTime(at)
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate threats: %w", err)
	}
	return out, nil
}

func scanIOC(row rowScanner) (*model.IOCIndicator, error) {
	var (
		ind       model.IOCIndicator
		severity  string
		active    int
		expiresAt sql.NullString
		createdAt string
	)
	if err := row.Scan(
		&ind.ID,
		&ind.Value,
		&ind.Type,
		&ind.Confidence,
		&severity,
		&ind.Source,
		&ind.Description,
		&ind.Tags,
		&active,
		&expiresAt,
		&createdAt,
	); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan ioc: %w", err)
	}
	ind.Severity = model.Severity(severity)
	ind.Active = active == 1
	ind.ExpiresAt = parseNullTime(expiresAt)
	ind.CreatedAt = parseTime(createdAt)
	return &ind, nil
}
