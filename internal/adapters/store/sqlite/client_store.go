package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"endpoint-posture/internal/domain/model"
	"endpoint-posture/internal/platform/normalize"
)

const clientColumns = `
	id, unique_id, hostname, os_name, os_version, architecture,
	COALESCE(ip_address, ''), COALESCE(mac_address, ''),
	status, threat_level, security_score, compliance_score,
	firewall_status, encryption_status, tags, metadata,
	last_seen, created_at, updated_at
`

// UpsertClient 按 unique_id 登记终端；首次出现时新建，之后只刷新事实字段与 last_seen。
// 空字段不覆盖旧值。
func (s *Store) UpsertClient(ctx context.Context, reg model.ClientRegistration) (*model.Client, error) {
	if reg.UniqueID == "" {
		return nil, model.NewValidationError("unique_id", "is required")
	}
	now := normalize.FormatTime(s.now())
	seen := now
	if !reg.SeenAt.IsZero() {
		seen = normalize.FormatTime(reg.SeenAt)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO clients(
			unique_id, hostname, os_name, os_version, architecture, ip_address, mac_address,
			status, threat_level, tags, metadata, last_seen, created_at, updated_at
		)
		VALUES(?, ?, ?, ?, ?, ?, ?, 'active', 'low', ?, ?, ?, ?, ?)
		ON CONFLICT(unique_id) DO UPDATE SET
			hostname=CASE WHEN excluded.hostname='' THEN clients.hostname ELSE excluded.hostname END,
			os_name=CASE WHEN excluded.os_name='' THEN clients.os_name ELSE excluded.os_name END,
			os_version=CASE WHEN excluded.os_version='' THEN clients.os_version ELSE excluded.os_version END,
			architecture=CASE WHEN excluded.architecture='' THEN clients.architecture ELSE excluded.architecture END,
			ip_address=COALESCE(excluded.ip_address, clients.ip_address),
			mac_address=COALESCE(excluded.mac_address, clients.mac_address),
			tags=CASE WHEN excluded.tags='[]' THEN clients.tags ELSE excluded.tags END,
			metadata=CASE WHEN excluded.metadata='{}' THEN clients.metadata ELSE excluded.metadata END,
			last_seen=excluded.last_seen,
			updated_at=excluded.updated_at
	`,
		reg.UniqueID, reg.Hostname, reg.OSName, reg.OSVersion, reg.Architecture,
		nullIfEmpty(reg.IPAddress), nullIfEmpty(reg.MACAddress),
		reg.Tags.Or(normalize.EmptySequence()).JSON(),
		reg.Metadata.Or(normalize.EmptyObject()).JSON(),
		seen, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("upsert client: %w", err)
	}
	return s.GetClientByUniqueID(ctx, reg.UniqueID)
}

// GetClient 按主键查询终端，不存在时返回 nil。
func (s *Store) GetClient(ctx context.Context, id int64) (*model.Client, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+clientColumns+` FROM clients WHERE id = ?`, id)
	return scanClient(row)
}

// GetClientByUniqueID 按终端上报标识查询。
func (s *Store) GetClientByUniqueID(ctx context.Context, uniqueID string) (*model.Client, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+clientColumns+` FROM clients WHERE unique_id = ?`, uniqueID)
	return scanClient(row)
}

// ListClients 返回终端列表；status 为空时返回全部。
func (s *Store) ListClients(ctx context.Context, status model.ClientStatus, limit, offset int) ([]model.Client, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+clientColumns+`
		FROM clients
		WHERE (? = '' OR status = ?)
		ORDER BY id ASC
		LIMIT ? OFFSET ?
	`, string(status), string(status), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query clients: %w", err)
	}
	defer rows.Close()

	out := []model.Client{}
	for rows.Next() {
		c, err := scanClient(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate clients: %w", err)
	}
	return out, nil
}

// ListActiveClientIDs 返回全部 active 终端 ID，供周期巡检使用。
func (s *Store) ListActiveClientIDs(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM clients WHERE status = 'active' ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("query active clients: %w", err)
	}
	defer rows.Close()

	out := []int64{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan active client: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate active clients: %w", err)
	}
	return out, nil
}

// UpdateClientScores 回写评估派生字段。
func (s *Store) UpdateClientScores(ctx context.Context, id int64, sc model.ClientScores) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE clients
		SET security_score = ?, compliance_score = ?, threat_level = ?,
			firewall_status = ?, encryption_status = ?, updated_at = ?
		WHERE id = ?
	`, sc.SecurityScore, sc.ComplianceScore, string(sc.ThreatLevel),
		boolToInt(sc.FirewallStatus), boolToInt(sc.EncryptionStatus), normalize.FormatTime(s.now()), id)
	if err != nil {
		return fmt.Errorf("update client scores: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update client %d: %w", id, model.ErrNotFound)
	}
	return nil
}

// SetClientStatus 做软状态变更（终端从不物理删除）。
func (s *Store) SetClientStatus(ctx context.Context, id int64, status model.ClientStatus) error {
	if !status.Valid() {
		return model.NewValidationError("status", "unknown client status %q", status)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE clients SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), normalize.FormatTime(s.now()), id)
	if err != nil {
		return fmt.Errorf("update client status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update client %d: %w", id, model.ErrNotFound)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanClient(row rowScanner) (*model.Client, error) {
	var (
		c                    model.Client
		status, threat       string
		firewall, encryption int
		lastSeen             sql.NullString
		createdAt, updatedAt string
	)
	if err := row.Scan(
		&c.ID,
		&c.UniqueID,
		&c.Hostname,
		&c.OSName,
		&c.OSVersion,
		&c.Architecture,
		&c.IPAddress,
		&c.MACAddress,
		&status,
		&threat,
		&c.SecurityScore,
		&c.ComplianceScore,
		&firewall,
		&encryption,
		&c.Tags,
		&c.Metadata,
		&lastSeen,
		&createdAt,
		&updatedAt,
	); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan client: %w", err)
	}
	c.Status = model.ClientStatus(status)
	if !c.Status.Valid() {
		return nil, &model.IntegrityError{Table: "clients", Column: "status", Value: status}
	}
	c.ThreatLevel = model.ThreatLevel(threat)
	if !c.ThreatLevel.Valid() {
		return nil, &model.IntegrityError{Table: "clients", Column: "threat_level", Value: threat}
	}
	c.FirewallStatus = firewall == 1
	c.EncryptionStatus = encryption == 1
	c.LastSeen = parseNullTime(lastSeen)
	c.CreatedAt = parseTime(createdAt)
	c.UpdatedAt = parseTime(updatedAt)
	return &c, nil
}
