package auditverify

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"

	sqliteadapter "endpoint-posture/internal/adapters/store/sqlite"
	"endpoint-posture/internal/domain/model"
)

// FailureItem 表示一次审计链校验失败的明细项（用于 API/CLI 展示）。
type FailureItem struct {
	Index int `json:"index"`

	Seq        int64  `json:"seq"`
	EventID    string `json:"event_id"`
	ClientID   int64  `json:"client_id"`
	OccurredAt string `json:"occurred_at"`
	EventType  string `json:"event_type"`
	Action     string `json:"action"`
	Status     string `json:"status"`

	// PrevHashMismatch 表示当前记录的 chain_prev_hash 与上一条记录 chain_hash 不一致。
	PrevHashMismatch bool   `json:"prev_hash_mismatch"`
	ExpectedPrevHash string `json:"expected_prev_hash,omitempty"`
	ActualPrevHash   string `json:"actual_prev_hash,omitempty"`

	// ChainHashMismatch 表示当前记录 chain_hash 与按公式重算的值不一致。
	ChainHashMismatch bool   `json:"chain_hash_mismatch"`
	ExpectedChainHash string `json:"expected_chain_hash,omitempty"`
	ActualChainHash   string `json:"actual_chain_hash,omitempty"`

	Message string `json:"message,omitempty"`
}

// Result 是单条终端审计链的校验结果。
type Result struct {
	OK       bool  `json:"ok"`
	ClientID int64 `json:"client_id"`

	Total int `json:"total"`

	Failed          int `json:"failed"`
	PrevHashFailed  int `json:"prev_hash_failed"`
	ChainHashFailed int `json:"chain_hash_failed"`

	LastChainHash string `json:"last_chain_hash,omitempty"`

	Failures []FailureItem `json:"failures,omitempty"`
}

// pageSize 是分页读取审计链时每页的条数。
const pageSize = 1000

// Verifier 增量校验一条终端审计链，可跨分页多次 Add，prev 与序号在批次间延续。
type Verifier struct {
	res  Result
	prev string
}

func NewVerifier(clientID int64) *Verifier {
	return &Verifier{res: Result{OK: true, ClientID: clientID, Failures: []FailureItem{}}}
}

// VerifyAuditLogs 对同一终端的审计链做强校验：
// 1) chain_prev_hash 连续性
// 2) 重算 chain_hash 并与存量字段对比
//
// 校验公式与 Store.AppendAudit 共用 sqlite.AuditChainHash。
func VerifyAuditLogs(logs []model.AuditLog) Result {
	var clientID int64
	if len(logs) > 0 {
		clientID = logs[0].ClientID
	}
	v := NewVerifier(clientID)
	v.Add(logs)
	return v.Result()
}

// Add 校验下一批按 seq 升序排列的记录。
func (v *Verifier) Add(logs []model.AuditLog) {
	res := &v.res
	for _, it := range logs {
		i := res.Total
		res.Total++

		expectedPrev := v.prev
		actualPrev := strings.TrimSpace(it.ChainPrevHash)

		// detail_json 入库时为紧凑 JSON；导出后可能被美化，先 compact 再比对。
		detail := compactJSON(it.DetailJSON)
		expectedChain := sqliteadapter.AuditChainHash(expectedPrev, it.ClientID, it.EventType, it.Action, it.Status, it.OccurredAt, detail)
		actualChain := strings.TrimSpace(it.ChainHash)

		prevMismatch := actualPrev != expectedPrev
		chainMismatch := actualChain != expectedChain

		if prevMismatch || chainMismatch {
			res.OK = false
			res.Failed++
			if prevMismatch {
				res.PrevHashFailed++
			}
			if chainMismatch {
				res.ChainHashFailed++
			}

			msg := ""
			switch {
			case prevMismatch && chainMismatch:
				msg = "chain_prev_hash and chain_hash mismatch"
			case prevMismatch:
				msg = "chain_prev_hash mismatch"
			case chainMismatch:
				msg = "chain_hash mismatch"
			}

			res.Failures = append(res.Failures, FailureItem{
				Index:      i,
				Seq:        it.Seq,
				EventID:    it.EventID,
				ClientID:   it.ClientID,
				OccurredAt: it.OccurredAt,
				EventType:  it.EventType,
				Action:     it.Action,
				Status:     it.Status,

				PrevHashMismatch: prevMismatch,
				ExpectedPrevHash: expectedPrev,
				ActualPrevHash:   actualPrev,

				ChainHashMismatch: chainMismatch,
				ExpectedChainHash: expectedChain,
				ActualChainHash:   actualChain,

				Message: msg,
			})
		}

		// 以库中记录的 chain_hash 推进，篡改点之后的记录仍可继续定位。
		v.prev = actualChain
		res.LastChainHash = actualChain
	}
}

// Result 返回目前为止的校验结果。
func (v *Verifier) Result() Result {
	return v.res
}

// Store 提供按终端分页读取审计链的能力。
type Store interface {
	ListAuditClientIDs(ctx context.Context) ([]int64, error)
	ListAuditLogsAfter(ctx context.Context, clientID, afterSeq int64, limit int) ([]model.AuditLog, error)
}

// VerifyClient 按 seq 分页读完整条终端审计链并校验。
func VerifyClient(ctx context.Context, store Store, clientID int64) (Result, error) {
	v := NewVerifier(clientID)
	var after int64
	for {
		logs, err := store.ListAuditLogsAfter(ctx, clientID, after, pageSize)
		if err != nil {
			return Result{}, err
		}
		v.Add(logs)
		if len(logs) < pageSize {
			break
		}
		after = logs[len(logs)-1].Seq
	}
	return v.Result(), nil
}

// VerifyAll 逐条校验全部终端（含 client_id=0 的系统链）。
func VerifyAll(ctx context.Context, store Store) ([]Result, bool, error) {
	ids, err := store.ListAuditClientIDs(ctx)
	if err != nil {
		return nil, false, err
	}
	ok := true
	out := make([]Result, 0, len(ids))
	for _, id := range ids {
		r, err := VerifyClient(ctx, store, id)
		if err != nil {
			return nil, false, err
		}
		ok = ok && r.OK
		out = append(out, r)
	}
	return out, ok, nil
}

func compactJSON(in []byte) string {
	if len(bytes.TrimSpace(in)) == 0 {
		return "{}"
	}
	var b bytes.Buffer
	if err := json.Compact(&b, in); err == nil {
		return b.String()
	}
	return strings.TrimSpace(string(in))
}
