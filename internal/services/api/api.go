package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"endpoint-posture/internal/app"
	"endpoint-posture/internal/domain/model"
	"endpoint-posture/internal/platform/normalize"
	"endpoint-posture/internal/services/clientview"
	"endpoint-posture/internal/services/posture"
	"endpoint-posture/internal/services/privacy"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"ok":      true,
		"service": "posture-api",
		"version": app.Version,
		"time":    normalize.FormatTime(s.opts.Now()),
	}
	if s.opts.Migrator != nil {
		v, err := s.opts.Migrator.Version(r.Context())
		if err != nil {
			writeError(w, http.StatusServiceUnavailable, err)
			return
		}
		resp["schema_version"] = v
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleIngest 接收 JSON / YAML / plist 格式的快照，格式按内容自动识别。
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxSnapshotBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, fmt.Errorf("read body: %w", err))
		return
	}
	snap, format, err := s.opts.Decoder.Decode(body)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	res, err := s.opts.Engine.Ingest(r.Context(), posture.SnapshotInput{
		Snapshot: *snap,
		Source:   "api",
		Actor:    actor(r, ""),
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"format": format,
		"result": res,
	})
}

func (s *Server) handleClients(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	status := model.ClientStatus(strings.TrimSpace(q.Get("status")))
	if status != "" && !status.Valid() {
		writeError(w, http.StatusBadRequest, fmt.Errorf("unknown client status %q", status))
		return
	}
	rows, err := s.opts.Store.ListClients(r.Context(), status, parseInt(q.Get("limit"), 50), parseInt(q.Get("offset"), 0))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := make([]clientview.ClientSummary, 0, len(rows))
	for _, c := range rows {
		if s.opts.Privacy == privacy.ModeMasked {
			c = privacy.MaskClient(c)
		}
		out = append(out, clientview.Summarize(c))
	}
	writeJSON(w, http.StatusOK, map[string]any{"clients": out})
}

func (s *Server) handleClient(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	view, err := clientview.Build(r.Context(), s.opts.Store, id, clientview.Options{
		ViolationLimit: parseInt(q.Get("violations"), 100),
		ChangeLimit:    parseInt(q.Get("changes"), 50),
		ActiveOnly:     parseBool(q.Get("active_only"), false),
		Privacy:        s.opts.Privacy,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleClientViolations(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok || !s.clientExists(w, r, id) {
		return
	}
	q := r.URL.Query()
	f := model.ViolationFilter{
		ClientID: id,
		Status:   model.ViolationStatus(strings.TrimSpace(q.Get("status"))),
		Severity: model.Severity(strings.TrimSpace(q.Get("severity"))),
		Limit:    parseInt(q.Get("limit"), 100),
		Offset:   parseInt(q.Get("offset"), 0),
	}
	if f.Status != "" && !f.Status.Valid() {
		writeError(w, http.StatusBadRequest, fmt.Errorf("unknown violation status %q", f.Status))
		return
	}
	if f.Severity != "" && !f.Severity.Valid() {
		writeError(w, http.StatusBadRequest, fmt.Errorf("unknown severity %q", f.Severity))
		return
	}
	rows, err := s.opts.Store.ListViolations(r.Context(), f)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if s.opts.Privacy == privacy.ModeMasked {
		rows = privacy.MaskViolations(rows)
	}
	writeJSON(w, http.StatusOK, map[string]any{"violations": clientview.Violations(rows)})
}

func (s *Server) handleNetworkChanges(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok || !s.clientExists(w, r, id) {
		return
	}
	rows, err := s.opts.Store.ListNetworkChanges(r.Context(), id, parseInt(r.URL.Query().Get("limit"), 50))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if s.opts.Privacy == privacy.ModeMasked {
		rows = privacy.MaskNetworkChanges(rows)
	}
	writeJSON(w, http.StatusOK, map[string]any{"network_changes": clientview.Changes(rows)})
}

// handleViolationAction 执行操作员发起的违规状态迁移。
func (s *Server) handleViolationAction(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	type actionRequest struct {
		Actor string `json:"actor,omitempty"`
		Notes string `json:"notes,omitempty"`
	}
	var req actionRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json: %w", err))
			return
		}
	}
	who := actor(r, req.Actor)
	notes := strings.TrimSpace(req.Notes)

	svc := s.opts.Engine.Violations()
	var (
		v   *model.PolicyViolation
		err error
	)
	switch chi.URLParam(r, "action") {
	case "acknowledge":
		v, err = svc.Acknowledge(r.Context(), id, who)
	case "resolve":
		v, err = svc.Resolve(r.Context(), id, who, notes)
	case "false-positive":
		v, err = svc.MarkFalsePositive(r.Context(), id, who, notes)
	default:
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown violation action %q", chi.URLParam(r, "action")))
		return
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if _, err := s.opts.Engine.Rescore(r.Context(), v.ClientID); err != nil {
		s.logger.Warn("rescore after transition failed", zap.Int64("client_id", v.ClientID), zap.Error(err))
	}
	writeJSON(w, http.StatusOK, map[string]any{"violation": clientview.Violations([]model.PolicyViolation{*v})[0]})
}

type policyItem struct {
	ID                  int64              `json:"id"`
	Name                string             `json:"name"`
	Description         string             `json:"description"`
	Category            string             `json:"category"`
	Severity            string             `json:"severity"`
	Enabled             bool               `json:"enabled"`
	AutoRemediate       bool               `json:"auto_remediate"`
	NotificationEnabled bool               `json:"notification_enabled"`
	CheckFrequency      int                `json:"check_frequency"`
	TargetOS            []string           `json:"target_os"`
	Rules               []model.PolicyRule `json:"rules"`
	Tags                []string           `json:"tags"`
	LastCheck           string             `json:"last_check,omitempty"`
}

func (s *Server) handlePolicies(w http.ResponseWriter, r *http.Request) {
	rows, err := s.opts.Store.ListPolicies(r.Context(), parseBool(r.URL.Query().Get("enabled"), false))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := make([]policyItem, 0, len(rows))
	for _, p := range rows {
		item := policyItem{
			ID:                  p.ID,
			Name:                p.Name,
			Description:         p.Description,
			Category:            string(p.Category),
			Severity:            string(p.Severity),
			Enabled:             p.Enabled,
			AutoRemediate:       p.AutoRemediate,
			NotificationEnabled: p.NotificationEnabled,
			CheckFrequency:      p.CheckFrequency,
			TargetOS:            p.TargetOS,
			Rules:               p.Rules,
			Tags:                p.Tags.Strings(),
		}
		if item.TargetOS == nil {
			item.TargetOS = []string{}
		}
		if item.Tags == nil {
			item.Tags = []string{}
		}
		if p.LastCheck != nil {
			item.LastCheck = normalize.FormatTime(*p.LastCheck)
		}
		out = append(out, item)
	}
	writeJSON(w, http.StatusOK, map[string]any{"policies": out})
}

func (s *Server) handleMigrations(w http.ResponseWriter, r *http.Request) {
	states, err := s.opts.Migrator.Status(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"migrations": states})
}

func (s *Server) clientExists(w http.ResponseWriter, r *http.Request, id int64) bool {
	c, err := s.opts.Store.GetClient(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return false
	}
	if c == nil {
		writeError(w, http.StatusNotFound, fmt.Errorf("client %d: %w", id, model.ErrNotFound))
		return false
	}
	return true
}

// fail 把领域错误映射为 HTTP 状态码；未知错误记日志后返回 500。
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	writeError(w, status, err)
}

func statusFor(err error) int {
	switch {
	case model.IsValidation(err):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case model.IsTransition(err), errors.Is(err, model.ErrConflict):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	body := map[string]any{"error": err.Error()}
	var ve *model.ValidationError
	if errors.As(err, &ve) {
		body["field"] = ve.Field
	}
	writeJSON(w, status, body)
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid id %q", chi.URLParam(r, "id")))
		return 0, false
	}
	return id, true
}

// actor 依次取请求体、X-Actor 头，缺省为 api。
func actor(r *http.Request, fromBody string) string {
	if v := strings.TrimSpace(fromBody); v != "" {
		return v
	}
	if v := strings.TrimSpace(r.Header.Get("X-Actor")); v != "" {
		return v
	}
	return "api"
}

func parseInt(s string, def int) int {
	s = strings.TrimSpace(s)
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func parseBool(s string, def bool) bool {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return def
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return def
	}
	return b
}
