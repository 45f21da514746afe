package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"endpoint-posture/internal/domain/model"
	"endpoint-posture/internal/platform/normalize"
)

// SaveSnapshot 追加一条快照；payload 为规范化后的完整快照 JSON。
func (s *Store) SaveSnapshot(ctx context.Context, clientID int64, snap model.Snapshot) (*model.SnapshotRecord, error) {
	snap.ClientID = clientID
	snap.ID = 0
	payload, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot payload: %w", err)
	}

	createdAt := s.now()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO client_snapshots(client_id, snapshot_type, checksum, payload, captured_at, created_at)
		VALUES(?, ?, ?, ?, ?, ?)
	`, clientID, string(snap.Type), snap.Checksum, string(payload),
		normalize.FormatTime(snap.CapturedAt), normalize.FormatTime(createdAt))
	if err != nil {
		return nil, fmt.Errorf("insert snapshot: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("snapshot id: %w", err)
	}
	return &model.SnapshotRecord{
		ID:         id,
		ClientID:   clientID,
		Type:       snap.Type,
		Checksum:   snap.Checksum,
		CapturedAt: snap.CapturedAt.UTC(),
		CreatedAt:  createdAt.UTC(),
	}, nil
}

// LatestSnapshot 返回终端最近一次快照（完整 payload），没有快照时返回 nil。
func (s *Store) LatestSnapshot(ctx context.Context, clientID int64) (*model.Snapshot, error) {
	var (
		id      int64
		payload string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, payload
		FROM client_snapshots
		WHERE client_id = ?
		ORDER BY id DESC
		LIMIT 1
	`, clientID).Scan(&id, &payload)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("query latest snapshot: %w", err)
	}

	var snap model.Snapshot
	if err := json.Unmarshal([]byte(payload), &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot %d: %w", id, err)
	}
	snap.ID = id
	snap.ClientID = clientID
	return &snap, nil
}

// ListSnapshots 返回终端快照摘要，按时间倒序。
func (s *Store) ListSnapshots(ctx context.Context, clientID int64, limit int) ([]model.SnapshotRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, client_id, snapshot_type, checksum, captured_at, created_at
		FROM client_snapshots
		WHERE client_id = ?
		ORDER BY id DESC
		LIMIT ?
	`, clientID, limit)
	if err != nil {
		return nil, fmt.Errorf("query snapshots: %w", err)
	}
	defer rows.Close()

	out := []model.SnapshotRecord{}
	for rows.Next() {
		var (
			r                     model.SnapshotRecord
			typ, captured, create string
		)
		if err := rows.Scan(&r.ID, &r.ClientID, &typ, &r.Checksum, &captured, &create); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		r.Type = model.SnapshotType(typ)
		r.CapturedAt = parseTime(captured)
		r.CreatedAt = parseTime(create)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshots: %w", err)
	}
	return out, nil
}
