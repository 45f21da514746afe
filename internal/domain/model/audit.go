package model

import (
	"encoding/json"
	"time"
)

// AuditLog 是一条链式审计记录，chain_hash 由上一条 chain_hash 与本条字段共同计算。
// 每台终端一条独立的链；client_id 为 0 表示系统级事件（迁移、策略同步）。
type AuditLog struct {
	Seq           int64           `json:"seq"`
	EventID       string          `json:"event_id"`
	ClientID      int64           `json:"client_id"`
	EventType     string          `json:"event_type"`
	Action        string          `json:"action"`
	Status        string          `json:"status"`
	Actor         string          `json:"actor,omitempty"`
	Source        string          `json:"source,omitempty"`
	DetailJSON    json.RawMessage `json:"detail_json,omitempty"`
	OccurredAt    string          `json:"occurred_at"`
	ChainPrevHash string          `json:"chain_prev_hash,omitempty"`
	ChainHash     string          `json:"chain_hash"`
}

// AuditEntry 是追加审计时调用方提供的内容。
type AuditEntry struct {
	ClientID  int64
	EventType string
	Action    string
	Status    string
	Actor     string
	Source    string
	Detail    any
}

// ReportInfo 是已生成报告的登记信息（对应 reports 表）。
type ReportInfo struct {
	ReportID         string    `json:"report_id"`
	ClientID         int64     `json:"client_id"`
	ReportType       string    `json:"report_type"`
	FilePath         string    `json:"file_path"`
	SHA256           string    `json:"sha256"`
	GeneratedAt      time.Time `json:"generated_at"`
	GeneratorVersion string    `json:"generator_version"`
	Status           string    `json:"status"`
}

// MigrationRecord 是迁移账本中的一行。
type MigrationRecord struct {
	Name      string    `json:"name"`
	AppliedAt time.Time `json:"applied_at"`
}

// MigrationState 是单个迁移的账本视图。
type MigrationState struct {
	Name       string     `json:"name"`
	Applied    bool       `json:"applied"`
	AppliedAt  *time.Time `json:"applied_at,omitempty"`
	Reversible bool       `json:"reversible"`
}
