package compliancepdf

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"endpoint-posture/internal/domain/model"
	"endpoint-posture/internal/platform/hash"
	"endpoint-posture/internal/services/clientview"
	"endpoint-posture/internal/services/privacy"

	"github.com/phpdave11/gofpdf"
)

// 终端合规 PDF 报告（compliance_pdf）
//
// 报告入库登记到 reports 表，并写入 audit_logs 留痕。
// PDF 属于二进制产物，只能通过文件路径下载。

// Store 是报告生成依赖的持久化能力。
type Store interface {
	clientview.Store
	SaveReport(ctx context.Context, clientID int64, reportType, filePath, sha256, generatorVersion, status string) (string, error)
	AppendAudit(ctx context.Context, e model.AuditEntry) error
	LastAuditHash(ctx context.Context, clientID int64) (string, error)
}

type Options struct {
	ClientID  int64
	ReportDir string
	Operator  string
	Note      string
	Privacy   privacy.Mode
	Now       func() time.Time
}

type Result struct {
	ReportID    string   `json:"report_id"`
	PDFPath     string   `json:"pdf_path"`
	PDFSHA256   string   `json:"pdf_sha256"`
	Warnings    []string `json:"warnings,omitempty"`
	GeneratedAt string   `json:"generated_at"`
}

const (
	reportType      = "compliance_pdf"
	pdfGeneratorVer = "compliancepdf-1.0.0"

	maxViolations = 300
	maxChanges    = 200
)

// Generate 生成终端合规 PDF，并在 reports 表中登记为 report_type=compliance_pdf。
func Generate(ctx context.Context, store Store, opts Options) (*Result, error) {
	if opts.ClientID <= 0 {
		return nil, model.NewValidationError("client_id", "is required")
	}
	reportDir := strings.TrimSpace(opts.ReportDir)
	if reportDir == "" {
		return nil, model.NewValidationError("report_dir", "is required")
	}
	operator := strings.TrimSpace(opts.Operator)
	if operator == "" {
		operator = "system"
	}
	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}

	view, err := clientview.Build(ctx, store, opts.ClientID, clientview.Options{
		ViolationLimit: maxViolations,
		ChangeLimit:    maxChanges,
		Privacy:        opts.Privacy,
	})
	if err != nil {
		return nil, err
	}

	warnings := []string{}
	lastAuditHash, err := store.LastAuditHash(ctx, opts.ClientID)
	if err != nil {
		warnings = append(warnings, "read last audit hash failed: "+err.Error())
	}
	if view.Compliance == nil {
		warnings = append(warnings, "client has not been assessed yet")
	}

	generatedAt := now().UTC()
	if err := os.MkdirAll(reportDir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir reports: %w", err)
	}
	pdfPath := filepath.Join(reportDir, fmt.Sprintf("client_%d_compliance_%d.pdf", opts.ClientID, generatedAt.UnixMilli()))

	pdf, utf8OK := buildPDF(view, operator, opts.Note, lastAuditHash, warnings, generatedAt)
	if !utf8OK {
		warnings = append(warnings, "pdf utf8 font not available; non-ascii text may be replaced with '?'")
	}
	if err := pdf.OutputFileAndClose(pdfPath); err != nil {
		return nil, fmt.Errorf("write pdf: %w", err)
	}

	sum, _, err := hash.File(pdfPath)
	if err != nil {
		return nil, fmt.Errorf("sha256 pdf: %w", err)
	}

	reportID, err := store.SaveReport(ctx, opts.ClientID, reportType, pdfPath, sum, pdfGeneratorVer, "ready")
	if err != nil {
		return nil, fmt.Errorf("save report: %w", err)
	}

	_ = store.AppendAudit(ctx, model.AuditEntry{
		ClientID:  opts.ClientID,
		EventType: "export",
		Action:    reportType,
		Status:    "success",
		Actor:     operator,
		Source:    "compliancepdf.Generate",
		Detail: map[string]any{
			"report_id":  reportID,
			"pdf":        pdfPath,
			"pdf_sha256": sum,
			"masked":     view.Masked,
			"violations": len(view.Violations),
			"note":       strings.TrimSpace(opts.Note),
			"warnings":   warnings,
		},
	})

	return &Result{
		ReportID:    reportID,
		PDFPath:     pdfPath,
		PDFSHA256:   sum,
		Warnings:    warnings,
		GeneratedAt: generatedAt.Format(time.RFC3339),
	}, nil
}

func buildPDF(view *clientview.ClientView, operator, note, lastAuditHash string, warnings []string, generatedAt time.Time) (*gofpdf.Fpdf, bool) {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(14, 14, 14)
	pdf.SetAutoPageBreak(true, 14)
	pdf.SetTitle("Endpoint Posture - Compliance Report", false)

	fontFamily, utf8OK := initPDFUnicodeFont(pdf)

	pdf.AddPage()

	pdf.SetFont(fontFamily, "B", 16)
	pdf.CellFormat(0, 9, "Endpoint Posture - Compliance Report", "", 1, "L", false, 0, "")

	pdf.SetFont(fontFamily, "", 10)
	pdf.SetTextColor(60, 60, 60)
	pdf.CellFormat(0, 6, fmt.Sprintf("Generated at: %s", generatedAt.Format("2006-01-02 15:04:05 MST")), "", 1, "L", false, 0, "")
	pdf.CellFormat(0, 6, fmt.Sprintf("Operator: %s", safeText(operator, utf8OK)), "", 1, "L", false, 0, "")
	if view.Masked {
		pdf.CellFormat(0, 6, "Privacy mode: masked", "", 1, "L", false, 0, "")
	}
	if strings.TrimSpace(note) != "" {
		pdf.MultiCell(0, 5, fmt.Sprintf("Note: %s", safeText(note, utf8OK)), "", "L", false)
	}
	pdf.Ln(2)

	c := view.Client
	sectionTitle(pdf, fontFamily, "1. Client")
	kv(pdf, fontFamily, utf8OK, "Client ID", fmt.Sprintf("%d", c.ID))
	kv(pdf, fontFamily, utf8OK, "Unique ID", c.UniqueID)
	kv(pdf, fontFamily, utf8OK, "Hostname", c.Hostname)
	kv(pdf, fontFamily, utf8OK, "OS", strings.TrimSpace(c.OSName+" "+c.OSVersion))
	kv(pdf, fontFamily, utf8OK, "IP / MAC", fmt.Sprintf("%s / %s", dash(c.IPAddress), dash(c.MACAddress)))
	kv(pdf, fontFamily, utf8OK, "Status", c.Status)
	kv(pdf, fontFamily, utf8OK, "Threat Level", c.ThreatLevel)
	kv(pdf, fontFamily, utf8OK, "Security Score", fmt.Sprintf("%d", c.SecurityScore))
	kv(pdf, fontFamily, utf8OK, "Firewall", onOff(c.FirewallStatus))
	kv(pdf, fontFamily, utf8OK, "Encryption", onOff(c.EncryptionStatus))
	kv(pdf, fontFamily, utf8OK, "Last Seen", c.LastSeen)
	if strings.TrimSpace(lastAuditHash) != "" {
		kv(pdf, fontFamily, utf8OK, "Audit Chain Last Hash", lastAuditHash)
	}
	pdf.Ln(2)

	localWarnings := append([]string{}, warnings...)
	if !utf8OK {
		localWarnings = append(localWarnings, "pdf utf8 font not available; non-ascii text may be replaced with '?'")
	}
	if len(localWarnings) > 0 {
		sectionTitle(pdf, fontFamily, "Warnings")
		pdf.SetFont(fontFamily, "", 9)
		pdf.SetTextColor(120, 80, 0)
		for _, w := range localWarnings {
			pdf.MultiCell(0, 4.5, "- "+safeText(w, utf8OK), "", "L", false)
		}
		pdf.Ln(2)
	}

	sectionTitle(pdf, fontFamily, "2. Compliance")
	if view.Compliance == nil {
		empty(pdf, fontFamily)
	} else {
		st := view.Compliance
		kv(pdf, fontFamily, utf8OK, "Overall Score", fmt.Sprintf("%d / 100", st.OverallScore))
		kv(pdf, fontFamily, utf8OK, "Checks", fmt.Sprintf("%d passed, %d failed, %d total", st.PassedChecks, st.FailedChecks, st.TotalChecks))
		for _, cat := range model.Categories {
			kv(pdf, fontFamily, utf8OK, "  "+string(cat), fmt.Sprintf("%d", st.Categories[string(cat)]))
		}
		for _, sev := range model.Severities {
			kv(pdf, fontFamily, utf8OK, "  open "+string(sev), fmt.Sprintf("%d", st.Violations[string(sev)]))
		}
		kv(pdf, fontFamily, utf8OK, "Last Assessment", st.LastAssessment)
	}
	pdf.Ln(2)

	sectionTitle(pdf, fontFamily, "3. Policy Violations")
	if len(view.Violations) == 0 {
		empty(pdf, fontFamily)
	} else {
		for _, v := range view.Violations {
			pdf.SetFont(fontFamily, "B", 10)
			pdf.SetTextColor(20, 20, 20)
			pdf.MultiCell(0, 5, fmt.Sprintf("#%d | %s | %s | %s",
				v.ID,
				strings.ToUpper(v.Severity),
				safeText(v.PolicyRule, utf8OK),
				safeText(v.Status, utf8OK),
			), "", "L", false)
			pdf.SetFont(fontFamily, "", 9)
			pdf.SetTextColor(40, 40, 40)
			pdf.MultiCell(0, 4.5, safeText(v.Description, utf8OK), "", "L", false)
			pdf.MultiCell(0, 4.5, fmt.Sprintf("detected: %s | updated: %s", v.DetectedAt, v.UpdatedAt), "", "L", false)
			if v.AcknowledgedBy != "" {
				pdf.MultiCell(0, 4.5, fmt.Sprintf("acknowledged by %s at %s", safeText(v.AcknowledgedBy, utf8OK), v.AcknowledgedAt), "", "L", false)
			}
			if v.ResolutionNotes != "" {
				pdf.MultiCell(0, 4.5, "notes: "+safeText(v.ResolutionNotes, utf8OK), "", "L", false)
			}
			pdf.Ln(1)
		}
	}
	pdf.Ln(2)

	sectionTitle(pdf, fontFamily, "4. Network Changes")
	if len(view.NetworkChanges) == 0 {
		empty(pdf, fontFamily)
	} else {
		pdf.SetFont(fontFamily, "", 9)
		pdf.SetTextColor(30, 30, 30)
		for _, ch := range view.NetworkChanges {
			pdf.MultiCell(0, 4.5, fmt.Sprintf("%s | %s | %s | %s",
				ch.DetectedAt,
				safeText(ch.InterfaceName, utf8OK),
				ch.ChangeType,
				changeDetail(ch),
			), "", "L", false)
		}
	}
	pdf.Ln(2)

	sectionTitle(pdf, fontFamily, "5. Threats (Latest Snapshot)")
	if len(view.Threats) == 0 {
		empty(pdf, fontFamily)
	} else {
		for _, t := range view.Threats {
			pdf.SetFont(fontFamily, "B", 10)
			pdf.SetTextColor(20, 20, 20)
			pdf.MultiCell(0, 5, fmt.Sprintf("%s | %s", strings.ToUpper(t.Severity), safeText(t.Name, utf8OK)), "", "L", false)
			pdf.SetFont(fontFamily, "", 9)
			pdf.SetTextColor(40, 40, 40)
			if t.FilePath != "" {
				pdf.MultiCell(0, 4.5, "file: "+safeText(t.FilePath, utf8OK), "", "L", false)
			}
			if len(t.CVEIDs) > 0 {
				pdf.MultiCell(0, 4.5, "cve: "+strings.Join(t.CVEIDs, ", "), "", "L", false)
			}
			if len(t.IOCMatches) > 0 {
				pdf.MultiCell(0, 4.5, "ioc: "+safeText(strings.Join(t.IOCMatches, ", "), utf8OK), "", "L", false)
			}
			pdf.Ln(1)
		}
	}

	pdf.Ln(2)
	pdf.SetFont(fontFamily, "", 9)
	pdf.SetTextColor(90, 90, 90)
	pdf.MultiCell(0, 4.5, "Scores reflect the latest assessment. Violation history and the audit chain remain in the posture database.", "", "L", false)

	return pdf, utf8OK
}

func changeDetail(ch clientview.NetworkChangeItem) string {
	switch model.ChangeType(ch.ChangeType) {
	case model.ChangeIPChanged:
		return fmt.Sprintf("%s -> %s", dash(ch.OldIP), dash(ch.NewIP))
	case model.ChangeIPv6Changed:
		return fmt.Sprintf("%s -> %s", dash(ch.OldIPv6), dash(ch.NewIPv6))
	case model.ChangeMACChanged:
		return fmt.Sprintf("%s -> %s", dash(ch.OldMAC), dash(ch.NewMAC))
	default:
		return "-"
	}
}

func sectionTitle(pdf *gofpdf.Fpdf, fontFamily string, title string) {
	pdf.SetFont(fontFamily, "B", 12)
	pdf.SetTextColor(0, 0, 0)
	pdf.CellFormat(0, 7, title, "", 1, "L", false, 0, "")
	pdf.SetDrawColor(200, 200, 200)
	pdf.Line(pdf.GetX(), pdf.GetY(), 196, pdf.GetY())
	pdf.Ln(2)
}

func empty(pdf *gofpdf.Fpdf, fontFamily string) {
	pdf.SetFont(fontFamily, "", 10)
	pdf.SetTextColor(90, 90, 90)
	pdf.MultiCell(0, 5, "(empty)", "", "L", false)
}

func kv(pdf *gofpdf.Fpdf, fontFamily string, utf8OK bool, key string, value string) {
	pdf.SetFont(fontFamily, "B", 10)
	pdf.SetTextColor(30, 30, 30)
	pdf.CellFormat(44, 5.2, key+":", "", 0, "L", false, 0, "")
	pdf.SetFont(fontFamily, "", 10)
	pdf.SetTextColor(20, 20, 20)
	pdf.MultiCell(0, 5.2, safeText(dash(value), utf8OK), "", "L", false)
}

func dash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}

func onOff(b bool) string {
	if b {
		return "enabled"
	}
	return "disabled"
}

// safeText 在未加载 UTF-8 字体时把非 ASCII 字符替换为 '?'，保证 PDF 一定能生成。
func safeText(s string, utf8OK bool) string {
	s = strings.ReplaceAll(s, "\r", " ")
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\t", " ")
	s = strings.TrimSpace(s)
	if utf8OK {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= 32 && r <= 126 {
			b.WriteRune(r)
		} else {
			b.WriteRune('?')
		}
	}
	return b.String()
}

// initPDFUnicodeFont 尝试加载 UTF-8 字体（TrueType）。
// POSTURE_PDF_FONT 指定的路径优先，其次探测常见系统字体；都失败时回退到 Helvetica。
func initPDFUnicodeFont(pdf *gofpdf.Fpdf) (family string, utf8OK bool) {
	const familyName = "unicode"
	candidates := []string{}

	if v := strings.TrimSpace(os.Getenv("POSTURE_PDF_FONT")); v != "" {
		candidates = append(candidates, v)
	}

	switch runtime.GOOS {
	case "darwin":
		candidates = append(candidates,
			"/System/Library/Fonts/Supplemental/Arial Unicode.ttf",
			"/System/Library/Fonts/Supplemental/AppleGothic.ttf",
		)
	case "windows":
		candidates = append(candidates,
			`C:\Windows\Fonts\arialuni.ttf`,
			`C:\Windows\Fonts\simhei.ttf`,
		)
	default:
		candidates = append(candidates,
			"/usr/share/fonts/truetype/dejavu/DejaVuSans.ttf",
			"/usr/share/fonts/truetype/noto/NotoSans-Regular.ttf",
		)
	}

	for _, p := range candidates {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if _, err := os.Stat(p); err != nil {
			continue
		}

		pdf.AddUTF8Font(familyName, "", p)
		if pdf.Err() {
			pdf.ClearError()
			continue
		}
		pdf.AddUTF8Font(familyName, "B", p)
		if pdf.Err() {
			pdf.ClearError()
		}
		return familyName, true
	}

	return "Helvetica", false
}
