package api

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/geostack/permsync/internal/chread"
)

func (d *Dependencies) handleListOutcomes(w http.ResponseWriter, r *http.Request) {
	if d.Reader == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResp{Detail: "ClickHouse not configured"})
		return
	}

	q := r.URL.Query()
	params := chread.ListOutcomesParams{
		Page:     queryInt(q, "page", 1),
		PageSize: queryInt(q, "page_size", 50),
	}
	if params.PageSize > 200 {
		params.PageSize = 200
	}
	if params.Page < 1 {
		params.Page = 1
	}

	if v := q.Get("service"); v != "" {
		params.Service = &v
	}
	if v := q.Get("user_name"); v != "" {
		params.UserName = &v
	}
	if v := q.Get("status"); v != "" {
		params.Status = &v
	}
	if v := q.Get("action"); v != "" {
		params.Action = &v
	}
	if v := q.Get("source"); v != "" {
		params.Source = &v
	}
	if v := q.Get("matched"); v != "" {
		b := v == "true" || v == "1"
		params.Matched = &b
	}
	if v := q.Get("start_time"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			params.StartTime = &t
		}
	}
	if v := q.Get("end_time"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			params.EndTime = &t
		}
	}

	outcomes, total, err := d.Reader.ListOutcomes(r.Context(), params)
	if err != nil {
		d.Logger.Error("failed to list outcomes", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to list outcomes"})
		return
	}

	resp := OutcomeListResp{
		Outcomes: make([]OutcomeResp, 0, len(outcomes)),
		Total:    total,
		Page:     params.Page,
		PageSize: params.PageSize,
	}
	for _, row := range outcomes {
		resp.Outcomes = append(resp.Outcomes, outcomeRowToResp(row))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (d *Dependencies) handleGetOutcome(w http.ResponseWriter, r *http.Request) {
	if d.Reader == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResp{Detail: "ClickHouse not configured"})
		return
	}

	requestID := r.PathValue("request_id")
	row, err := d.Reader.GetOutcome(r.Context(), requestID)
	if err != nil {
		d.Logger.Error("failed to get outcome", zap.String("request_id", requestID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to get outcome"})
		return
	}
	if row == nil {
		writeJSON(w, http.StatusNotFound, ErrorResp{Detail: "Outcome not found"})
		return
	}
	writeJSON(w, http.StatusOK, outcomeRowToResp(*row))
}

func (d *Dependencies) handleOutcomeSummary(w http.ResponseWriter, r *http.Request) {
	if d.Reader == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResp{Detail: "ClickHouse not configured"})
		return
	}

	days := queryInt(r.URL.Query(), "days", 7)
	if days < 1 || days > 90 {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "days must be between 1 and 90"})
		return
	}

	summary, err := d.Reader.GetAnalytics(r.Context(), days)
	if err != nil {
		d.Logger.Error("failed to compute outcome summary", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to compute outcome summary"})
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func outcomeRowToResp(row chread.OutcomeRow) OutcomeResp {
	resp := OutcomeResp{
		RequestID:      row.RequestID,
		Service:        row.Service,
		Resource:       row.Resource,
		Permission:     row.Permission,
		Action:         row.Action,
		Status:         row.Status,
		Matched:        row.Matched != 0,
		TargetsTotal:   int(row.TargetsTotal),
		TargetsFailed:  int(row.TargetsFailed),
		TargetServices: row.TargetServices,
		TargetPaths:    row.TargetPaths,
		Errors:         row.Errors,
		LatencyMs:      row.LatencyMs,
		Source:         row.Source,
		Timestamp:      row.Timestamp,
	}
	if row.UserName != "" {
		resp.UserName = &row.UserName
	}
	if row.GroupName != "" {
		resp.GroupName = &row.GroupName
	}
	return resp
}
