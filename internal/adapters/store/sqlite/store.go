package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"endpoint-posture/internal/domain/model"
	"endpoint-posture/internal/platform/hash"
	"endpoint-posture/internal/platform/normalize"

	_ "modernc.org/sqlite"
)

// Store 封装与 SQLite 的读写逻辑。
type Store struct {
	db  *sql.DB
	now func() time.Time
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// WithClock 替换审计/报告等内部时间戳的时钟，便于测试固定时间。
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

// DB 暴露底层连接，供迁移器等共享同一连接池。
func (s *Store) DB() *sql.DB { return s.db }

// Open 打开 SQLite 数据库并设置单连接、busy_timeout 与外键约束。
// 事务以 IMMEDIATE 模式开启，写者在 BEGIN 时即排队，避免共享锁升级时的 SQLITE_BUSY。
func Open(ctx context.Context, path string) (*sql.DB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// 单连接：同一 Store 内的读写天然串行；不要在 rows 循环或事务内部再经由 s.db 查询，否则会等待第二条连接。
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	return db, nil
}

// AppendAudit 写入审计日志，并生成链式 hash 以便后续校验完整性。
// 每台终端一条链，读取上一条 hash 与写入在同一事务内完成。
func (s *Store) AppendAudit(ctx context.Context, e model.AuditEntry) (err error) {
	detailJSON := []byte("{}")
	if e.Detail != nil {
		raw, mErr := json.Marshal(e.Detail)
		if mErr == nil {
			detailJSON = raw
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx append audit: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	prev := ""
	err = tx.QueryRowContext(ctx, `
		SELECT chain_hash
		FROM audit_logs
		WHERE client_id = ?
		ORDER BY seq DESC
		LIMIT 1
	`, e.ClientID).Scan(&prev)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("query previous chain hash: %w", err)
	}
	err = nil

	occurredAt := normalize.FormatTime(s.now())
	chain := AuditChainHash(prev, e.ClientID, e.EventType, e.Action, e.Status, occurredAt, string(detailJSON))

	_, err = tx.ExecContext(ctx, `
		INSERT INTO audit_logs(
			event_id, client_id, event_type, action, status,
			actor, source, detail_json, occurred_at, chain_prev_hash, chain_hash
		)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, uuid.NewString(), e.ClientID, e.EventType, e.Action, e.Status,
		nullIfEmpty(e.Actor), nullIfEmpty(e.Source), string(detailJSON), occurredAt, nullIfEmpty(prev), chain)
	if err != nil {
		return fmt.Errorf("insert audit log: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit append audit: %w", err)
	}
	return nil
}

// AuditChainHash 是审计链公式，auditverify 用同一公式重算。
func AuditChainHash(prev string, clientID int64, eventType, action, status, occurredAt, detail string) string {
	return hash.Text(prev, fmt.Sprintf("%d", clientID), eventType, action, status, occurredAt, detail)
}

// ListAuditLogs 返回终端审计日志（按写入顺序升序）。
func (s *Store) ListAuditLogs(ctx context.Context, clientID int64, limit int) ([]model.AuditLog, error) {
	return s.ListAuditLogsAfter(ctx, clientID, 0, limit)
}

// ListAuditLogsAfter 返回 seq 大于 afterSeq 的下一页审计日志，用于分页遍历整条链。
func (s *Store) ListAuditLogsAfter(ctx context.Context, clientID, afterSeq int64, limit int) ([]model.AuditLog, error) {
	if limit <= 0 {
		limit = 500
	}
	if limit > 5000 {
		limit = 5000
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT
			seq,
			event_id,
			client_id,
			event_type,
			action,
			status,
			COALESCE(actor, ''),
			COALESCE(source, ''),
			COALESCE(detail_json, '{}'),
			occurred_at,
			COALESCE(chain_prev_hash, ''),
			chain_hash
		FROM audit_logs
		WHERE client_id = ? AND seq > ?
		ORDER BY seq ASC
		LIMIT ?
	`, clientID, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit logs: %w", err)
	}
	defer rows.Close()

	var out []model.AuditLog
	for rows.Next() {
		var item model.AuditLog
		var detail string
		if err := rows.Scan(
			&item.Seq,
			&item.EventID,
			&item.ClientID,
			&item.EventType,
			&item.Action,
			&item.Status,
			&item.Actor,
			&item.Source,
			&detail,
			&item.OccurredAt,
			&item.ChainPrevHash,
			&item.ChainHash,
		); err != nil {
			return nil, fmt.Errorf("scan audit log: %w", err)
		}
		item.DetailJSON = json.RawMessage(detail)
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit logs: %w", err)
	}
	if out == nil {
		out = []model.AuditLog{}
	}
	return out, nil
}

// LastAuditHash 返回终端审计链末尾的 chain_hash；链为空时返回空串。
func (s *Store) LastAuditHash(ctx context.Context, clientID int64) (string, error) {
	var h string
	err := s.db.QueryRowContext(ctx, `
		SELECT chain_hash
		FROM audit_logs
		WHERE client_id = ?
		ORDER BY seq DESC
		LIMIT 1
	`, clientID).Scan(&h)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("query last audit hash: %w", err)
	}
	return h, nil
}

// ListAuditClientIDs 返回存在审计记录的全部终端（含系统链 0），升序。
func (s *Store) ListAuditClientIDs(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT client_id FROM audit_logs ORDER BY client_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("query audit clients: %w", err)
	}
	defer rows.Close()

	out := []int64{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan audit client: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit clients: %w", err)
	}
	return out, nil
}

// SaveReport 记录报告产物信息，供 CLI/API 追踪。
func (s *Store) SaveReport(ctx context.Context, clientID int64, reportType, filePath, sha256, generatorVersion, status string) (string, error) {
	reportID := uuid.NewString()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reports(
			report_id, client_id, report_type, file_path, sha256, generated_at, generator_version, status
		)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?)
	`, reportID, clientID, reportType, filePath, sha256, normalize.FormatTime(s.now()), generatorVersion, status)
	if err != nil {
		return "", fmt.Errorf("insert report: %w", err)
	}
	return reportID, nil
}

// GetLatestReportByClient 返回终端最新报告索引。
func (s *Store) GetLatestReportByClient(ctx context.Context, clientID int64) (*model.ReportInfo, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT report_id, client_id, report_type, file_path, sha256, generated_at, generator_version, status
		FROM reports
		WHERE client_id = ?
		ORDER BY generated_at DESC, report_id DESC
		LIMIT 1
	`, clientID)

	var out model.ReportInfo
	var generatedAt string
	if err := row.Scan(
		&out.ReportID,
		&out.ClientID,
		&out.ReportType,
		&out.FilePath,
		&out.SHA256,
		&generatedAt,
		&out.GeneratorVersion,
		&out.Status,
	); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("query report info: %w", err)
	}
	out.GeneratedAt = parseTime(generatedAt)
	return &out, nil
}

// SQLite 中没有布尔类型，统一转 0/1 存储。
func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

// 空字符串按 NULL 写入，避免无意义空值污染查询条件。
func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullIfZero(n int64) any {
	if n == 0 {
		return nil
	}
	return n
}

func timeOrNull(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return normalize.FormatTime(*t)
}

// 库内时间均为规范文本；历史数据若无法解析则返回零值。
func parseTime(s string) time.Time {
	t, err := normalize.ParseTime(s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func parseNullTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t, err := normalize.ParseTime(ns.String)
	if err != nil {
		return nil
	}
	return &t
}
