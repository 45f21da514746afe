package main

import (
	"context"
	"flag"
	"fmt"
	"strings"
	"time"

	"endpoint-posture/internal/domain/model"
	"endpoint-posture/internal/platform/normalize"
	"endpoint-posture/internal/services/clientview"
	"endpoint-posture/internal/services/compliancepdf"
	"endpoint-posture/internal/services/privacy"

	"go.uber.org/zap"
)

// runViolations 是 violations 子命令路由：list / ack / resolve / false-positive。
func (c *cli) runViolations(ctx context.Context, args []string) error {
	if len(args) == 0 {
		printViolationsUsage(c)
		return nil
	}
	switch args[0] {
	case "list":
		return c.runViolationsList(ctx, args[1:])
	case "ack", "resolve", "false-positive":
		return c.runViolationTransition(ctx, args[0], args[1:])
	default:
		printViolationsUsage(c)
		return fmt.Errorf("unknown violations command: %s", args[0])
	}
}

func (c *cli) runViolationsList(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("violations list", flag.ContinueOnError)
	clientID := fs.Int64("client-id", 0, "filter by client id")
	status := fs.String("status", "", "filter by status: open|acknowledged|resolved|false_positive")
	severity := fs.String("severity", "", "filter by severity: low|medium|high|critical")
	limit := fs.Int("limit", 100, "max rows")
	offset := fs.Int("offset", 0, "rows to skip")
	privacyMode := fs.String("privacy-mode", c.cfg.PrivacyMode, "privacy mode: off|masked")
	asJSON := fs.Bool("json", false, "print as json")
	db := c.addDBFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	f := model.ViolationFilter{
		ClientID: *clientID,
		Status:   model.ViolationStatus(strings.TrimSpace(*status)),
		Severity: model.Severity(strings.TrimSpace(*severity)),
		Limit:    *limit,
		Offset:   *offset,
	}
	if f.Status != "" && !f.Status.Valid() {
		return model.NewValidationError("status", "unknown violation status %q", f.Status)
	}
	if f.Severity != "" && !f.Severity.Valid() {
		return model.NewValidationError("severity", "unknown severity %q", f.Severity)
	}

	s, err := c.open(ctx, db)
	if err != nil {
		return err
	}
	defer s.Close()

	rows, err := s.store.ListViolations(ctx, f)
	if err != nil {
		return err
	}
	if privacy.ParseMode(*privacyMode) == privacy.ModeMasked {
		rows = privacy.MaskViolations(rows)
	}
	items := clientview.Violations(rows)
	if *asJSON {
		return printJSON(c.out, items)
	}
	fmt.Fprintf(c.out, "violations=%d\n", len(items))
	for _, v := range items {
		fmt.Fprintf(c.out, "id=%d client=%d rule=%s severity=%s status=%s detected_at=%s\n",
			v.ID, v.ClientID, v.PolicyRule, v.Severity, v.Status, v.DetectedAt)
	}
	return nil
}

// runViolationTransition 执行操作员发起的状态迁移，并按最新快照刷新终端评分。
func (c *cli) runViolationTransition(ctx context.Context, action string, args []string) error {
	fs := flag.NewFlagSet("violations "+action, flag.ContinueOnError)
	id := fs.Int64("id", 0, "violation id (required)")
	actor := fs.String("actor", operatorName(), "operator id or name")
	notes := fs.String("notes", "", "resolution notes")
	db := c.addDBFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id <= 0 {
		return fmt.Errorf("--id is required")
	}

	s, err := c.open(ctx, db)
	if err != nil {
		return err
	}
	defer s.Close()
	eng, cleanup, err := c.engine(ctx, s)
	if err != nil {
		return err
	}
	defer cleanup()

	svc := eng.Violations()
	var v *model.PolicyViolation
	switch action {
	case "ack":
		v, err = svc.Acknowledge(ctx, *id, *actor)
	case "resolve":
		v, err = svc.Resolve(ctx, *id, *actor, *notes)
	default:
		v, err = svc.MarkFalsePositive(ctx, *id, *actor, *notes)
	}
	if err != nil {
		return err
	}
	if _, err := eng.Rescore(ctx, v.ClientID); err != nil {
		c.logger.Warn("rescore after transition failed", zap.Int64("client_id", v.ClientID), zap.Error(err))
	}
	fmt.Fprintf(c.out, "violation %d is now %s\n", v.ID, v.Status)
	return nil
}

// runCompliance 目前只有 compliance show。
func (c *cli) runCompliance(ctx context.Context, args []string) error {
	if len(args) == 0 || args[0] != "show" {
		fmt.Fprintln(c.out, "Usage:")
		fmt.Fprintln(c.out, "  posture-cli compliance show --client-id ID [--json]")
		if len(args) == 0 {
			return nil
		}
		return fmt.Errorf("unknown compliance command: %s", args[0])
	}

	fs := flag.NewFlagSet("compliance show", flag.ContinueOnError)
	clientID := fs.Int64("client-id", 0, "client id (required)")
	asJSON := fs.Bool("json", false, "print as json")
	db := c.addDBFlags(fs)
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}
	if *clientID <= 0 {
		return fmt.Errorf("--client-id is required")
	}

	s, err := c.open(ctx, db)
	if err != nil {
		return err
	}
	defer s.Close()

	st, err := s.store.GetComplianceStatus(ctx, *clientID)
	if err != nil {
		return err
	}
	if st == nil {
		return fmt.Errorf("client %d has not been assessed: %w", *clientID, model.ErrNotFound)
	}
	sum := clientview.Compliance(*st)
	if *asJSON {
		return printJSON(c.out, sum)
	}
	fmt.Fprintf(c.out, "client_id=%d overall_score=%d checks=%d/%d last_assessment=%s\n",
		*clientID, sum.OverallScore, sum.PassedChecks, sum.TotalChecks, sum.LastAssessment)
	for _, cat := range model.Categories {
		fmt.Fprintf(c.out, "  %-10s %3d\n", cat, sum.Categories[string(cat)])
	}
	for _, sev := range model.Severities {
		fmt.Fprintf(c.out, "  active_%-8s %d\n", sev, sum.Violations[string(sev)])
	}
	return nil
}

// runNetwork 目前只有 network changes。
func (c *cli) runNetwork(ctx context.Context, args []string) error {
	if len(args) == 0 || args[0] != "changes" {
		fmt.Fprintln(c.out, "Usage:")
		fmt.Fprintln(c.out, "  posture-cli network changes --client-id ID [--limit 50] [--privacy-mode off|masked] [--json]")
		if len(args) == 0 {
			return nil
		}
		return fmt.Errorf("unknown network command: %s", args[0])
	}

	fs := flag.NewFlagSet("network changes", flag.ContinueOnError)
	clientID := fs.Int64("client-id", 0, "client id (required)")
	limit := fs.Int("limit", 50, "max rows")
	privacyMode := fs.String("privacy-mode", c.cfg.PrivacyMode, "privacy mode: off|masked")
	asJSON := fs.Bool("json", false, "print as json")
	db := c.addDBFlags(fs)
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}
	if *clientID <= 0 {
		return fmt.Errorf("--client-id is required")
	}

	s, err := c.open(ctx, db)
	if err != nil {
		return err
	}
	defer s.Close()

	rows, err := s.store.ListNetworkChanges(ctx, *clientID, *limit)
	if err != nil {
		return err
	}
	if privacy.ParseMode(*privacyMode) == privacy.ModeMasked {
		rows = privacy.MaskNetworkChanges(rows)
	}
	items := clientview.Changes(rows)
	if *asJSON {
		return printJSON(c.out, items)
	}
	fmt.Fprintf(c.out, "network_changes=%d\n", len(items))
	for _, ch := range items {
		fmt.Fprintf(c.out, "id=%d iface=%s type=%s ip=%s->%s mac=%s->%s at=%s\n",
			ch.ID, ch.InterfaceName, ch.ChangeType, dash(ch.OldIP), dash(ch.NewIP), dash(ch.OldMAC), dash(ch.NewMAC), ch.DetectedAt)
	}
	return nil
}

// runIOC 是 ioc 子命令路由：add / list / distribute。
func (c *cli) runIOC(ctx context.Context, args []string) error {
	if len(args) == 0 {
		printIOCUsage(c)
		return nil
	}
	switch args[0] {
	case "add":
		return c.runIOCAdd(ctx, args[1:])
	case "list":
		return c.runIOCList(ctx, args[1:])
	case "distribute":
		return c.runIOCDistribute(ctx, args[1:])
	default:
		printIOCUsage(c)
		return fmt.Errorf("unknown ioc command: %s", args[0])
	}
}

func (c *cli) runIOCAdd(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("ioc add", flag.ContinueOnError)
	value := fs.String("value", "", "indicator value (required)")
	iocType := fs.String("type", "", "indicator type: ip|domain|hash|url (required)")
	severity := fs.String("severity", string(model.SeverityMedium), "severity: low|medium|high|critical")
	confidence := fs.Int("confidence", 50, "confidence 0-100")
	source := fs.String("source", "manual", "feed or analyst that supplied the indicator")
	description := fs.String("description", "", "free text")
	tags := fs.String("tags", "", "comma separated tags")
	expires := fs.String("expires", "", "expiry: duration from now (72h) or timestamp")
	inactive := fs.Bool("inactive", false, "store the indicator as inactive")
	db := c.addDBFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *confidence < 0 || *confidence > 100 {
		return model.NewValidationError("confidence", "must be within 0-100")
	}

	ind := model.IOCIndicator{
		Value:       strings.TrimSpace(*value),
		Type:        strings.ToLower(strings.TrimSpace(*iocType)),
		Confidence:  *confidence,
		Severity:    model.Severity(strings.TrimSpace(*severity)),
		Source:      strings.TrimSpace(*source),
		Description: strings.TrimSpace(*description),
		Tags:        normalize.Sequence(normalize.SplitCSV(*tags)...),
		Active:      !*inactive,
	}
	if strings.TrimSpace(*expires) != "" {
		at, err := parseExpiry(*expires, time.Now())
		if err != nil {
			return err
		}
		ind.ExpiresAt = &at
	}

	s, err := c.open(ctx, db)
	if err != nil {
		return err
	}
	defer s.Close()

	id, err := s.store.UpsertIOC(ctx, ind)
	if err != nil {
		return err
	}
	if err := s.store.AppendAudit(ctx, model.AuditEntry{
		EventType: "ioc",
		Action:    "upsert",
		Status:    "success",
		Actor:     operatorName(),
		Source:    "posture-cli",
		Detail:    map[string]any{"ioc_id": id, "value": ind.Value, "ioc_type": ind.Type, "severity": ind.Severity},
	}); err != nil {
		c.logger.Warn("append ioc audit failed", zap.Error(err))
	}
	fmt.Fprintf(c.out, "ioc stored: id=%d value=%s type=%s\n", id, ind.Value, ind.Type)
	return nil
}

func (c *cli) runIOCList(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("ioc list", flag.ContinueOnError)
	asJSON := fs.Bool("json", false, "print as json")
	db := c.addDBFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	s, err := c.open(ctx, db)
	if err != nil {
		return err
	}
	defer s.Close()

	rows, err := s.store.ListActiveIOCs(ctx, time.Now())
	if err != nil {
		return err
	}
	if *asJSON {
		return printJSON(c.out, rows)
	}
	fmt.Fprintf(c.out, "active_iocs=%d\n", len(rows))
	for _, ind := range rows {
		expires := "-"
		if ind.ExpiresAt != nil {
			expires = normalize.FormatTime(*ind.ExpiresAt)
		}
		fmt.Fprintf(c.out, "id=%d type=%s value=%s severity=%s confidence=%d expires=%s\n",
			ind.ID, ind.Type, ind.Value, ind.Severity, ind.Confidence, expires)
	}
	return nil
}

// runIOCDistribute 为指定终端（缺省为全部活跃终端）记录一次指标下发回执。
func (c *cli) runIOCDistribute(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("ioc distribute", flag.ContinueOnError)
	iocID := fs.Int64("ioc-id", 0, "indicator id (required)")
	clientID := fs.Int64("client-id", 0, "target client; all active clients when omitted")
	channel := fs.String("channel", "agent_pull", "distribution channel")
	db := c.addDBFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *iocID <= 0 {
		return fmt.Errorf("--ioc-id is required")
	}

	s, err := c.open(ctx, db)
	if err != nil {
		return err
	}
	defer s.Close()

	ind, err := s.store.GetIOC(ctx, *iocID)
	if err != nil {
		return err
	}
	if ind == nil {
		return fmt.Errorf("ioc %d: %w", *iocID, model.ErrNotFound)
	}
	if !ind.Active || ind.Expired(time.Now()) {
		return model.NewValidationError("ioc_id", "indicator %d is inactive or expired", ind.ID)
	}

	targets := []int64{*clientID}
	if *clientID == 0 {
		targets, err = s.store.ListActiveClientIDs(ctx)
		if err != nil {
			return err
		}
	}
	payload := normalize.Object(map[string]any{
		"value":      ind.Value,
		"ioc_type":   ind.Type,
		"severity":   string(ind.Severity),
		"confidence": ind.Confidence,
	})
	for _, target := range targets {
		if _, err := s.store.RecordDistribution(ctx, model.IOCDistribution{
			IOCID:            ind.ID,
			ClientID:         target,
			Channel:          *channel,
			Status:           "sent",
			DistributionData: payload,
		}); err != nil {
			return err
		}
	}
	fmt.Fprintf(c.out, "ioc %d distributed to %d clients via %s\n", ind.ID, len(targets), *channel)
	return nil
}

// runExport 目前只有 export pdf。
func (c *cli) runExport(ctx context.Context, args []string) error {
	if len(args) == 0 || args[0] != "pdf" {
		fmt.Fprintln(c.out, "Usage:")
		fmt.Fprintln(c.out, "  posture-cli export pdf --client-id ID [--out-dir path] [--operator name] [--note text] [--privacy-mode off|masked]")
		if len(args) == 0 {
			return nil
		}
		return fmt.Errorf("unknown export command: %s", args[0])
	}

	fs := flag.NewFlagSet("export pdf", flag.ContinueOnError)
	clientID := fs.Int64("client-id", 0, "client id (required)")
	outDir := fs.String("out-dir", c.cfg.ReportDir, "report output directory")
	operator := fs.String("operator", operatorName(), "operator id or name")
	note := fs.String("note", "", "export note")
	privacyMode := fs.String("privacy-mode", c.cfg.PrivacyMode, "privacy mode: off|masked")
	db := c.addDBFlags(fs)
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}

	s, err := c.open(ctx, db)
	if err != nil {
		return err
	}
	defer s.Close()

	res, err := compliancepdf.Generate(ctx, s.store, compliancepdf.Options{
		ClientID:  *clientID,
		ReportDir: strings.TrimSpace(*outDir),
		Operator:  strings.TrimSpace(*operator),
		Note:      strings.TrimSpace(*note),
		Privacy:   privacy.ParseMode(*privacyMode),
	})
	if err != nil {
		return err
	}

	fmt.Fprintln(c.out, "compliance pdf export completed")
	fmt.Fprintf(c.out, "client_id=%d report_id=%s\n", *clientID, res.ReportID)
	fmt.Fprintf(c.out, "pdf=%s\n", res.PDFPath)
	fmt.Fprintf(c.out, "pdf_sha256=%s\n", res.PDFSHA256)
	if len(res.Warnings) > 0 {
		fmt.Fprintf(c.out, "warnings=%s\n", strings.Join(res.Warnings, " | "))
	}
	return nil
}

// parseExpiry 接受相对时长（72h）或任意可识别的时间戳。
func parseExpiry(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	if d, err := time.ParseDuration(s); err == nil {
		if d <= 0 {
			return time.Time{}, model.NewValidationError("expires", "duration must be positive")
		}
		return now.Add(d).UTC(), nil
	}
	t, err := normalize.ParseTime(s)
	if err != nil {
		return time.Time{}, model.NewValidationError("expires", "unparseable expiry %q", s)
	}
	return t, nil
}

func dash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}

func printViolationsUsage(c *cli) {
	fmt.Fprintln(c.out, "Usage:")
	fmt.Fprintln(c.out, "  posture-cli violations list [--client-id ID] [--status open] [--severity high] [--limit 100] [--json]")
	fmt.Fprintln(c.out, "  posture-cli violations ack --id ID [--actor name]")
	fmt.Fprintln(c.out, "  posture-cli violations resolve --id ID [--actor name] [--notes text]")
	fmt.Fprintln(c.out, "  posture-cli violations false-positive --id ID [--actor name] [--notes text]")
}

func printIOCUsage(c *cli) {
	fmt.Fprintln(c.out, "Usage:")
	fmt.Fprintln(c.out, "  posture-cli ioc add --value V --type ip|domain|hash|url [--severity high] [--confidence 80] [--expires 72h] [--tags a,b]")
	fmt.Fprintln(c.out, "  posture-cli ioc list [--json]")
	fmt.Fprintln(c.out, "  posture-cli ioc distribute --ioc-id ID [--client-id ID] [--channel agent_pull]")
}
