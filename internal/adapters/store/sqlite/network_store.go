package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"endpoint-posture/internal/domain/model"
	"endpoint-posture/internal/platform/normalize"
)

// RecordNetwork 在同一事务内写入本次网卡观测与检测出的变更记录。
func (s *Store) RecordNetwork(ctx context.Context, obs []model.NetworkInfo, changes []model.NetworkChange) (err error) {
	if len(obs) == 0 && len(changes) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx record network: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	obsStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO network_info(
			client_id, snapshot_id, interface_name, ip_address, ipv6_address, mac_address,
			dhcp_enabled, gateway, dns_servers, observed_at
		)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare insert network info: %w", err)
	}
	defer obsStmt.Close()

	for _, o := range obs {
		_, err = obsStmt.ExecContext(ctx,
			o.ClientID,
			nullIfZero(o.SnapshotID),
			o.InterfaceName,
			nullIfEmpty(o.IPAddress),
			nullIfEmpty(o.IPv6Address),
			nullIfEmpty(o.MACAddress),
			boolToInt(o.DHCPEnabled),
			nullIfEmpty(o.Gateway),
			o.DNSServers.Or(normalize.EmptySequence()).JSON(),
			normalize.FormatTime(o.ObservedAt),
		)
		if err != nil {
			return fmt.Errorf("insert network info %s: %w", o.InterfaceName, err)
		}
	}

	chgStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO network_changes(
			client_id, interface_name, change_type,
			old_ip_address, new_ip_address, old_ipv6_address, new_ipv6_address,
			old_mac_address, new_mac_address, old_snapshot_id, new_snapshot_id,
			event_data, detected_at
		)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare insert network changes: %w", err)
	}
	defer chgStmt.Close()

	for _, c := range changes {
		if !c.ChangeType.Valid() {
			err = model.NewValidationError("change_type", "unknown change type %q", c.ChangeType)
			return err
		}
		_, err = chgStmt.ExecContext(ctx,
			c.ClientID,
			c.InterfaceName,
			string(c.ChangeType),
			nullIfEmpty(c.OldIPAddress),
			nullIfEmpty(c.NewIPAddress),
			nullIfEmpty(c.OldIPv6Address),
			nullIfEmpty(c.NewIPv6Address),
			nullIfEmpty(c.OldMACAddress),
			nullIfEmpty(c.NewMACAddress),
			nullIfZero(c.OldSnapshotID),
			nullIfZero(c.NewSnapshotID),
			c.EventData.Or(normalize.EmptyObject()).JSON(),
			normalize.FormatTime(c.DetectedAt),
		)
		if err != nil {
			return fmt.Errorf("insert network change %s/%s: %w", c.InterfaceName, c.ChangeType, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit record network: %w", err)
	}
	return nil
}

// LatestNetworkObservations 返回终端最近一批网卡观测（同一快照写入的全部网卡）。
func (s *Store) LatestNetworkObservations(ctx context.Context, clientID int64) ([]model.NetworkInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT
			id, client_id, COALESCE(snapshot_id, 0), interface_name,
			COALESCE(ip_address, ''), COALESCE(ipv6_address, ''), COALESCE(mac_address, ''),
			dhcp_enabled, COALESCE(gateway, ''), dns_servers, observed_at
		FROM network_info
		WHERE client_id = ?
			AND snapshot_id = (
				SELECT snapshot_id FROM network_info
				WHERE client_id = ? AND snapshot_id IS NOT NULL
				ORDER BY id DESC
				LIMIT 1
			)
		ORDER BY interface_name ASC
	`, clientID, clientID)
	if err != nil {
		return nil, fmt.Errorf("query network info: %w", err)
	}
	defer rows.Close()

	out := []model.NetworkInfo{}
	for rows.Next() {
		var (
			n          model.NetworkInfo
			dhcp       int
			observedAt string
		)
		if err := rows.Scan(
			&n.ID,
			&n.ClientID,
			&n.SnapshotID,
			&n.InterfaceName,
			&n.IPAddress,
			&n.IPv6Address,
			&n.MACAddress,
			&dhcp,
			&n.Gateway,
			&n.DNSServers,
			&observedAt,
		); err != nil {
			return nil, fmt.Errorf("scan network info: %w", err)
		}
		n.DHCPEnabled = dhcp == 1
		n.ObservedAt = parseTime(observedAt)
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate network info: %w", err)
	}
	return out, nil
}

// ListNetworkChanges 返回终端网络变更，按写入顺序倒序。
func (s *Store) ListNetworkChanges(ctx context.Context, clientID int64, limit int) ([]model.NetworkChange, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT
			id, client_id, interface_name, change_type,
			old_ip_address, new_ip_address, old_ipv6_address, new_ipv6_address,
			old_mac_address, new_mac_address,
			COALESCE(old_snapshot_id, 0), COALESCE(new_snapshot_id, 0),
			event_data, detected_at
		FROM network_changes
		WHERE client_id = ?
		ORDER BY id DESC
		LIMIT ?
	`, clientID, limit)
	if err != nil {
		return nil, fmt.Errorf("query network changes: %w", err)
	}
	defer rows.Close()

	out := []model.NetworkChange{}
	for rows.Next() {
		var (
			c                      model.NetworkChange
			changeType, detectedAt string
			oldIP, newIP           sql.NullString
			oldIPv6, newIPv6       sql.NullString
			oldMAC, newMAC         sql.NullString
		)
		if err := rows.Scan(
			&c.ID,
			&c.ClientID,
			&c.InterfaceName,
			&changeType,
			&oldIP, &newIP,
			&oldIPv6, &newIPv6,
			&oldMAC, &newMAC,
			&c.OldSnapshotID,
			&c.NewSnapshotID,
			&c.EventData,
			&detectedAt,
		); err != nil {
			return nil, fmt.Errorf("scan network change: %w", err)
		}
		c.ChangeType = model.ChangeType(changeType)
		if !c.ChangeType.Valid() {
			return nil, &model.IntegrityError{Table: "network_changes", Column: "change_type", Value: changeType}
		}
		c.OldIPAddress, c.NewIPAddress = oldIP.String, newIP.String
		c.OldIPv6Address, c.NewIPv6Address = oldIPv6.String, newIPv6.String
		c.OldMACAddress, c.NewMACAddress = oldMAC.String, newMAC.String
		c.DetectedAt = parseTime(detectedAt)
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate network changes: %w", err)
	}
	return out, nil
}
