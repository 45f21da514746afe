package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"sync"
	"time"

	"endpoint-posture/internal/domain/model"
	"endpoint-posture/internal/platform/normalize"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

const ledgerDDL = `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		name       TEXT PRIMARY KEY,
		applied_at TEXT NOT NULL
	)
`

// Migration 是一个具名迁移。Down 为空表示不可逆。
type Migration struct {
	Name string
	Up   string
	Down string
}

// Migrator 持有有序迁移列表与 schema_migrations 账本。
// 账本是“是否已执行”的唯一依据，不根据目标表是否存在来推断。
type Migrator struct {
	db         *sql.DB
	migrations []Migration
	loadErr    error
	now        func() time.Time

	// 进程内互斥；跨进程由账本主键写入串行化。
	mu sync.Mutex
}

// NewMigrator 使用内嵌的 migrations/*.sql 构造迁移器。
// 文件命名为 NNNN_name.up.sql / NNNN_name.down.sql，按文件名字典序执行。
func NewMigrator(db *sql.DB) *Migrator {
	migrations, err := LoadMigrations(migrationFS, "migrations")
	return &Migrator{db: db, migrations: migrations, loadErr: err, now: time.Now}
}

// NewMigratorWithSource 使用调用方给定的迁移列表（按声明顺序）。
func NewMigratorWithSource(db *sql.DB, migrations []Migration) *Migrator {
	out := make([]Migration, len(migrations))
	copy(out, migrations)
	return &Migrator{db: db, migrations: out, now: time.Now}
}

// LoadMigrations 从目录中读取成对的 up/down 脚本。
func LoadMigrations(fsys fs.FS, dir string) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("read embedded migrations: %w", err)
	}

	byName := map[string]*Migration{}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		file := entry.Name()
		var name, direction string
		switch {
		case strings.HasSuffix(file, ".up.sql"):
			name, direction = strings.TrimSuffix(file, ".up.sql"), "up"
		case strings.HasSuffix(file, ".down.sql"):
			name, direction = strings.TrimSuffix(file, ".down.sql"), "down"
		default:
			return nil, fmt.Errorf("migration %s: expected .up.sql or .down.sql suffix", file)
		}

		raw, err := fs.ReadFile(fsys, dir+"/"+file)
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", file, err)
		}
		m := byName[name]
		if m == nil {
			m = &Migration{Name: name}
			byName[name] = m
		}
		if direction == "up" {
			m.Up = string(raw)
		} else {
			m.Down = string(raw)
		}
	}

	out := make([]Migration, 0, len(byName))
	for _, m := range byName {
		if strings.TrimSpace(m.Up) == "" {
			return nil, fmt.Errorf("migration %s: missing up script", m.Name)
		}
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Names 返回声明顺序的迁移名。
func (m *Migrator) Names() []string {
	out := make([]string, 0, len(m.migrations))
	for _, mg := range m.migrations {
		out = append(out, mg.Name)
	}
	return out
}

// Pending 按声明顺序返回账本中尚未记录的迁移名，只读不写。
func (m *Migrator) Pending(ctx context.Context) ([]string, error) {
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	applied, err := m.appliedSet(ctx)
	if err != nil {
		return nil, err
	}
	out := []string{}
	for _, mg := range m.migrations {
		if _, ok := applied[mg.Name]; !ok {
			out = append(out, mg.Name)
		}
	}
	return out, nil
}

// Up 依次执行待执行迁移，每个迁移与其账本记录在同一事务内提交。
// 遇到第一个失败即停止，返回已成功执行的迁移名与错误。
func (m *Migrator) Up(ctx context.Context) ([]string, error) {
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.db.ExecContext(ctx, ledgerDDL); err != nil {
		return nil, fmt.Errorf("create migration ledger: %w", err)
	}

	applied := []string{}
	for _, mg := range m.migrations {
		if err := ctx.Err(); err != nil {
			return applied, err
		}
		ok, err := m.applyOne(ctx, mg)
		if err != nil {
			return applied, &model.MigrationError{Name: mg.Name, Direction: "up", Err: err}
		}
		if ok {
			applied = append(applied, mg.Name)
		}
	}
	return applied, nil
}

// applyOne 先写账本再执行脚本：账本主键冲突说明其他实例已执行，直接跳过。
func (m *Migrator) applyOne(ctx context.Context, mg Migration) (applied bool, err error) {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil || !applied {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO schema_migrations(name, applied_at)
		VALUES(?, ?)
		ON CONFLICT(name) DO NOTHING
	`, mg.Name, normalize.FormatTime(m.now()))
	if err != nil {
		return false, fmt.Errorf("record ledger: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("record ledger: %w", err)
	}
	if n == 0 {
		return false, nil
	}

	if _, err = tx.ExecContext(ctx, mg.Up); err != nil {
		return false, fmt.Errorf("exec: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}

// Down 回滚最近一次执行的迁移，并在同一事务内删除其账本记录。
// 没有已执行迁移时返回空名称。
func (m *Migrator) Down(ctx context.Context) (string, error) {
	if m.loadErr != nil {
		return "", m.loadErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	applied, err := m.appliedSet(ctx)
	if err != nil {
		return "", err
	}
	var target *Migration
	for i := len(m.migrations) - 1; i >= 0; i-- {
		if _, ok := applied[m.migrations[i].Name]; ok {
			target = &m.migrations[i]
			break
		}
	}
	if target == nil {
		return "", nil
	}
	if strings.TrimSpace(target.Down) == "" {
		return "", &model.MigrationError{Name: target.Name, Direction: "down", Err: model.ErrIrreversible}
	}
	if err := m.revertOne(ctx, *target); err != nil {
		return "", &model.MigrationError{Name: target.Name, Direction: "down", Err: err}
	}
	return target.Name, nil
}

func (m *Migrator) revertOne(ctx context.Context, mg Migration) (err error) {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx, `DELETE FROM schema_migrations WHERE name = ?`, mg.Name)
	if err != nil {
		return fmt.Errorf("delete ledger: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete ledger: %w", err)
	}
	if n == 0 {
		err = model.ErrConflict
		return err
	}
	if _, err = tx.ExecContext(ctx, mg.Down); err != nil {
		return fmt.Errorf("exec: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Status 返回声明的每个迁移在账本中的状态。
func (m *Migrator) Status(ctx context.Context) ([]model.MigrationState, error) {
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	applied, err := m.appliedSet(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]model.MigrationState, 0, len(m.migrations))
	for _, mg := range m.migrations {
		st := model.MigrationState{Name: mg.Name, Reversible: strings.TrimSpace(mg.Down) != ""}
		if at, ok := applied[mg.Name]; ok {
			st.Applied = true
			if ts, err := normalize.ParseTime(at); err == nil {
				st.AppliedAt = &ts
			}
		}
		out = append(out, st)
	}
	return out, nil
}

// EnsureCurrent 在不执行迁移的启动路径上校验 schema 已是最新。
func (m *Migrator) EnsureCurrent(ctx context.Context) error {
	pending, err := m.Pending(ctx)
	if err != nil {
		return err
	}
	if len(pending) > 0 {
		return fmt.Errorf("schema has %d pending migrations: %s", len(pending), strings.Join(pending, ", "))
	}
	return nil
}

// Version 返回最近一次执行的迁移名，供 meta 接口展示。
func (m *Migrator) Version(ctx context.Context) (string, error) {
	states, err := m.Status(ctx)
	if err != nil {
		return "", err
	}
	version := ""
	for _, st := range states {
		if st.Applied {
			version = st.Name
		}
	}
	return version, nil
}

// 账本表不存在视为全部未执行，以保证 Pending 不产生写入。
func (m *Migrator) appliedSet(ctx context.Context) (map[string]string, error) {
	var exists int
	err := m.db.QueryRowContext(ctx, `
		SELECT COUNT(1)
		FROM sqlite_master
		WHERE type = 'table' AND name = 'schema_migrations'
	`).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("inspect migration ledger: %w", err)
	}
	out := map[string]string{}
	if exists == 0 {
		return out, nil
	}

	rows, err := m.db.QueryContext(ctx, `SELECT name, applied_at FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("query migration ledger: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var name, at string
		if err := rows.Scan(&name, &at); err != nil {
			return nil, fmt.Errorf("scan migration ledger: %w", err)
		}
		out[name] = at
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate migration ledger: %w", err)
	}
	return out, nil
}
