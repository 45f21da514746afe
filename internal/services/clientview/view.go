package clientview

import (
	"context"
	"fmt"

	"endpoint-posture/internal/domain/model"
	"endpoint-posture/internal/platform/normalize"
	"endpoint-posture/internal/services/privacy"
)

// Store 是终端视图依赖的只读查询能力。
type Store interface {
	GetClient(ctx context.Context, id int64) (*model.Client, error)
	GetComplianceStatus(ctx context.Context, clientID int64) (*model.ComplianceStatus, error)
	ListViolations(ctx context.Context, f model.ViolationFilter) ([]model.PolicyViolation, error)
	ListNetworkChanges(ctx context.Context, clientID int64, limit int) ([]model.NetworkChange, error)
	ListSnapshots(ctx context.Context, clientID int64, limit int) ([]model.SnapshotRecord, error)
	ListThreatDetections(ctx context.Context, clientID, snapshotID int64) ([]model.ThreatDetection, error)
	GetLatestReportByClient(ctx context.Context, clientID int64) (*model.ReportInfo, error)
}

// ClientSummary 是终端的对外展示形态。
type ClientSummary struct {
	ID               int64    `json:"id"`
	UniqueID         string   `json:"unique_id"`
	Hostname         string   `json:"hostname"`
	OSName           string   `json:"os_name"`
	OSVersion        string   `json:"os_version"`
	IPAddress        string   `json:"ip_address,omitempty"`
	MACAddress       string   `json:"mac_address,omitempty"`
	Status           string   `json:"status"`
	ThreatLevel      string   `json:"threat_level"`
	SecurityScore    int      `json:"security_score"`
	ComplianceScore  int      `json:"compliance_score"`
	FirewallStatus   bool     `json:"firewall_status"`
	EncryptionStatus bool     `json:"encryption_status"`
	Tags             []string `json:"tags"`
	LastSeen         string   `json:"last_seen,omitempty"`
}

// ComplianceSummary 是合规汇总的对外展示形态。
type ComplianceSummary struct {
	OverallScore   int            `json:"overall_score"`
	PassedChecks   int            `json:"passed_checks"`
	FailedChecks   int            `json:"failed_checks"`
	TotalChecks    int            `json:"total_checks"`
	Violations     map[string]int `json:"violations"`
	Categories     map[string]int `json:"categories"`
	LastAssessment string         `json:"last_assessment"`
}

// ViolationItem 是违规列表中的一项。
type ViolationItem struct {
	ID              int64           `json:"id"`
	ClientID        int64           `json:"client_id"`
	PolicyID        int64           `json:"policy_id"`
	PolicyRule      string          `json:"policy_rule"`
	ViolationType   string          `json:"violation_type"`
	Severity        string          `json:"severity"`
	Status          string          `json:"status"`
	Description     string          `json:"description"`
	Evidence        normalize.Value `json:"evidence"`
	AutoResolved    bool            `json:"auto_resolved"`
	ResolutionNotes string          `json:"resolution_notes,omitempty"`
	AcknowledgedBy  string          `json:"acknowledged_by,omitempty"`
	AcknowledgedAt  string          `json:"acknowledged_at,omitempty"`
	ResolvedAt      string          `json:"resolved_at,omitempty"`
	DetectedAt      string          `json:"detected_at"`
	UpdatedAt       string          `json:"updated_at"`
}

// NetworkChangeItem 是网络变更列表中的一项。
type NetworkChangeItem struct {
	ID            int64           `json:"id"`
	InterfaceName string          `json:"interface_name"`
	ChangeType    string          `json:"change_type"`
	OldIP         string          `json:"old_ip_address,omitempty"`
	NewIP         string          `json:"new_ip_address,omitempty"`
	OldIPv6       string          `json:"old_ipv6_address,omitempty"`
	NewIPv6       string          `json:"new_ipv6_address,omitempty"`
	OldMAC        string          `json:"old_mac_address,omitempty"`
	NewMAC        string          `json:"new_mac_address,omitempty"`
	EventData     normalize.Value `json:"event_data"`
	DetectedAt    string          `json:"detected_at"`
}

// ThreatItem 是最近一次快照中的威胁检测。
type ThreatItem struct {
	Name        string   `json:"name"`
	ThreatType  string   `json:"threat_type,omitempty"`
	Severity    string   `json:"severity"`
	FilePath    string   `json:"file_path,omitempty"`
	ProcessName string   `json:"process_name,omitempty"`
	CVEIDs      []string `json:"cve_ids"`
	IOCMatches  []string `json:"ioc_matches"`
	DetectedAt  string   `json:"detected_at"`
}

// ClientView 汇集终端详情页需要的全部信息。
type ClientView struct {
	Client         ClientSummary       `json:"client"`
	Compliance     *ComplianceSummary  `json:"compliance,omitempty"`
	Violations     []ViolationItem     `json:"violations"`
	NetworkChanges []NetworkChangeItem `json:"network_changes"`
	Threats        []ThreatItem        `json:"threats"`
	LatestReport   *model.ReportInfo   `json:"latest_report,omitempty"`
	Masked         bool                `json:"masked"`
}

// Options 控制列表长度与脱敏。
type Options struct {
	ViolationLimit int
	ChangeLimit    int
	ActiveOnly     bool
	Privacy        privacy.Mode
}

// Build 组装终端视图。终端不存在时返回包装后的 model.ErrNotFound。
func Build(ctx context.Context, store Store, clientID int64, opts Options) (*ClientView, error) {
	client, err := store.GetClient(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if client == nil {
		return nil, fmt.Errorf("client %d: %w", clientID, model.ErrNotFound)
	}
	masked := opts.Privacy == privacy.ModeMasked

	status, err := store.GetComplianceStatus(ctx, clientID)
	if err != nil {
		return nil, err
	}

	violations, err := store.ListViolations(ctx, model.ViolationFilter{ClientID: clientID, Limit: opts.ViolationLimit})
	if err != nil {
		return nil, err
	}
	if opts.ActiveOnly {
		active := violations[:0]
		for _, v := range violations {
			if v.Status.Active() {
				active = append(active, v)
			}
		}
		violations = active
	}

	changes, err := store.ListNetworkChanges(ctx, clientID, opts.ChangeLimit)
	if err != nil {
		return nil, err
	}

	threats := []model.ThreatDetection{}
	snaps, err := store.ListSnapshots(ctx, clientID, 1)
	if err != nil {
		return nil, err
	}
	if len(snaps) > 0 {
		threats, err = store.ListThreatDetections(ctx, clientID, snaps[0].ID)
		if err != nil {
			return nil, err
		}
	}

	report, err := store.GetLatestReportByClient(ctx, clientID)
	if err != nil {
		return nil, err
	}

	if masked {
		*client = privacy.MaskClient(*client)
		violations = privacy.MaskViolations(violations)
		changes = privacy.MaskNetworkChanges(changes)
		threats = privacy.MaskThreats(threats)
	}

	view := &ClientView{
		Client:         Summarize(*client),
		Violations:     Violations(violations),
		NetworkChanges: Changes(changes),
		Threats:        make([]ThreatItem, 0, len(threats)),
		LatestReport:   report,
		Masked:         masked,
	}
	if status != nil {
		c := Compliance(*status)
		view.Compliance = &c
	}
	for _, t := range threats {
		view.Threats = append(view.Threats, ThreatItem{
			Name:        t.Name,
			ThreatType:  t.ThreatType,
			Severity:    string(t.Severity),
			FilePath:    t.FilePath,
			ProcessName: t.ProcessName,
			CVEIDs:      nonNil(t.CVEIDs),
			IOCMatches:  nonNil(t.IOCMatches.Strings()),
			DetectedAt:  normalize.FormatTime(t.DetectedAt),
		})
	}
	return view, nil
}

func Summarize(c model.Client) ClientSummary {
	s := ClientSummary{
		ID:               c.ID,
		UniqueID:         c.UniqueID,
		Hostname:         c.Hostname,
		OSName:           c.OSName,
		OSVersion:        c.OSVersion,
		IPAddress:        c.IPAddress,
		MACAddress:       c.MACAddress,
		Status:           string(c.Status),
		ThreatLevel:      string(c.ThreatLevel),
		SecurityScore:    c.SecurityScore,
		ComplianceScore:  c.ComplianceScore,
		FirewallStatus:   c.FirewallStatus,
		EncryptionStatus: c.EncryptionStatus,
		Tags:             nonNil(c.Tags.Strings()),
	}
	if c.LastSeen != nil {
		s.LastSeen = normalize.FormatTime(*c.LastSeen)
	}
	return s
}

func Compliance(st model.ComplianceStatus) ComplianceSummary {
	out := ComplianceSummary{
		OverallScore:   st.OverallScore,
		PassedChecks:   st.PassedChecks,
		FailedChecks:   st.FailedChecks,
		TotalChecks:    st.TotalChecks,
		Violations:     make(map[string]int, len(model.Severities)),
		Categories:     make(map[string]int, len(model.Categories)),
		LastAssessment: normalize.FormatTime(st.LastAssessment),
	}
	for _, s := range model.Severities {
		out.Violations[string(s)] = st.Violations[s]
	}
	for _, c := range model.Categories {
		out.Categories[string(c)] = st.Categories[c]
	}
	return out
}

func Violations(vs []model.PolicyViolation) []ViolationItem {
	out := make([]ViolationItem, 0, len(vs))
	for _, v := range vs {
		item := ViolationItem{
			ID:              v.ID,
			ClientID:        v.ClientID,
			PolicyID:        v.PolicyID,
			PolicyRule:      v.PolicyRule,
			ViolationType:   v.ViolationType,
			Severity:        string(v.Severity),
			Status:          string(v.Status),
			Description:     v.Description,
			Evidence:        v.Evidence.Or(normalize.EmptyObject()),
			AutoResolved:    v.AutoResolved,
			ResolutionNotes: v.ResolutionNotes,
			AcknowledgedBy:  v.AcknowledgedBy,
			DetectedAt:      normalize.FormatTime(v.DetectedAt),
			UpdatedAt:       normalize.FormatTime(v.UpdatedAt),
		}
		if v.AcknowledgedAt != nil {
			item.AcknowledgedAt = normalize.FormatTime(*v.AcknowledgedAt)
		}
		if v.ResolvedAt != nil {
			item.ResolvedAt = normalize.FormatTime(*v.ResolvedAt)
		}
		out = append(out, item)
	}
	return out
}

func Changes(cs []model.NetworkChange) []NetworkChangeItem {
	out := make([]NetworkChangeItem, 0, len(cs))
	for _, c := range cs {
		out = append(out, NetworkChangeItem{
			ID:            c.ID,
			InterfaceName: c.InterfaceName,
			ChangeType:    string(c.ChangeType),
			OldIP:         c.OldIPAddress,
			NewIP:         c.NewIPAddress,
			OldIPv6:       c.OldIPv6Address,
			NewIPv6:       c.NewIPv6Address,
			OldMAC:        c.OldMACAddress,
			NewMAC:        c.NewMACAddress,
			EventData:     c.EventData.Or(normalize.EmptyObject()),
			DetectedAt:    normalize.FormatTime(c.DetectedAt),
		})
	}
	return out
}

func nonNil(items []string) []string {
	if items == nil {
		return []string{}
	}
	return items
}
