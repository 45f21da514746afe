package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"endpoint-posture/internal/domain/model"
	"endpoint-posture/internal/platform/normalize"
)

// ReplaceComplianceStatus 整行替换终端合规汇总（每终端一行）。
func (s *Store) ReplaceComplianceStatus(ctx context.Context, st model.ComplianceStatus) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO compliance_status(
			client_id, overall_score, passed_checks, failed_checks, total_checks,
			critical_violations, high_violations, medium_violations, low_violations,
			antivirus_score, network_score, system_score, software_score, threat_score,
			last_assessment
		)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(client_id) DO UPDATE SET
			overall_score=excluded.overall_score,
			passed_checks=excluded.passed_checks,
			failed_checks=excluded.failed_checks,
			total_checks=excluded.total_checks,
			critical_violations=excluded.critical_violations,
			high_violations=excluded.high_violations,
			medium_violations=excluded.medium_violations,
			low_violations=excluded.low_violations,
			antivirus_score=excluded.antivirus_score,
			network_score=excluded.network_score,
			system_score=excluded.system_score,
			software_score=excluded.software_score,
			threat_score=excluded.threat_score,
			last_assessment=excluded.last_assessment
	`,
		st.ClientID, st.OverallScore, st.PassedChecks, st.FailedChecks, st.TotalChecks,
		st.Violations[model.SeverityCritical], st.Violations[model.SeverityHigh],
		st.Violations[model.SeverityMedium], st.Violations[model.SeverityLow],
		st.Categories[model.CategoryAntivirus], st.Categories[model.CategoryNetwork],
		st.Categories[model.CategorySystem], st.Categories[model.CategorySoftware],
		st.Categories[model.CategoryThreat],
		normalize.FormatTime(st.LastAssessment),
	)
	if err != nil {
		return fmt.Errorf("replace compliance status %d: %w", st.ClientID, err)
	}
	return nil
}

// GetComplianceStatus 返回终端合规汇总，尚未评估时返回 nil。
func (s *Store) GetComplianceStatus(ctx context.Context, clientID int64) (*model.ComplianceStatus, error) {
	var (
		st                           model.ComplianceStatus
		critical, high, medium, low  int
		av, network, system, sw, thr int
		lastAssessment               string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT
			client_id, overall_score, passed_checks, failed_checks, total_checks,
			critical_violations, high_violations, medium_violations, low_violations,
			antivirus_score, network_score, system_score, software_score, threat_score,
			last_assessment
		FROM compliance_status
		WHERE client_id = ?
	`, clientID).Scan(
		&st.ClientID, &st.OverallScore, &st.PassedChecks, &st.FailedChecks, &st.TotalChecks,
		&critical, &high, &medium, &low,
		&av, &network, &system, &sw, &thr,
		&lastAssessment,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("query compliance status %d: %w", clientID, err)
	}
	st.Violations = model.SeverityCounts{
		model.SeverityCritical: critical,
		model.SeverityHigh:     high,
		model.SeverityMedium:   medium,
		model.SeverityLow:      low,
	}
	st.Categories = model.CategoryScores{
		model.CategoryAntivirus: av,
		model.CategoryNetwork:   network,
		model.CategorySystem:    system,
		model.CategorySoftware:  sw,
		model.CategoryThreat:    thr,
	}
	st.LastAssessment = parseTime(lastAssessment)
	return &st, nil
}
