package api

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/geostack/permsync/internal/accessctl"
	"github.com/geostack/permsync/internal/engine"
	"github.com/geostack/permsync/internal/handlers"
	"github.com/geostack/permsync/internal/storage"
)

// handlePermissionWebhook processes one permission change notification from
// the access-control service: resolve the concrete resource path, run the
// synchronizer, fan the change out to the active handlers, journal the
// composite outcome, and return it. Dispatch failures surface in the
// response body with a partial or failed status, never as an HTTP error.
func (d *Dependencies) handlePermissionWebhook(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req PermissionWebhookReq
	if err := readJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid JSON body"})
		return
	}

	var action engine.Action
	switch req.Event {
	case string(engine.ActionCreated):
		action = engine.ActionCreated
	case string(engine.ActionDeleted):
		action = engine.ActionDeleted
	default:
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "event must be \"created\" or \"deleted\""})
		return
	}
	if req.ServiceName == "" || req.ResourceID <= 0 || req.Name == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "service_name, resource_id and name are required"})
		return
	}
	if req.User == "" && req.Group == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "one of user or group is required"})
		return
	}

	perm, err := webhookPermission(req)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: err.Error()})
		return
	}

	resources, err := d.Access.ParentResourceTree(r.Context(), req.ResourceID)
	if err != nil {
		d.Logger.Error("cannot resolve webhook resource",
			zap.Int("resource_id", req.ResourceID), zap.Error(err))
		writeJSON(w, http.StatusBadGateway, ErrorResp{Detail: "Cannot resolve resource against the access-control service"})
		return
	}
	if len(resources) == 0 {
		writeJSON(w, http.StatusNotFound, ErrorResp{Detail: "Resource not found in the access-control service"})
		return
	}

	event := engine.Event{
		Service:    req.ServiceName,
		Resource:   segmentsFromResources(resources),
		Permission: perm,
		Principal:  engine.Principal{User: req.User, Group: req.Group},
		Action:     action,
	}
	requestID := uuid.New().String()

	outcome := d.Sync.ProcessEvent(r.Context(), event)

	hookEvent := handlers.PermissionEvent{ResourceID: req.ResourceID, Event: event}
	var hookResults []handlers.HandlerResult
	if action == engine.ActionCreated {
		hookResults = d.Registry.PermissionCreated(r.Context(), hookEvent)
	} else {
		hookResults = d.Registry.PermissionDeleted(r.Context(), hookEvent)
	}

	status := compositeWebhookStatus(outcome, hookResults)
	latencyMs := float32(float64(time.Since(start)) / float64(time.Millisecond))
	d.journal(requestID, event, outcome, hookResults, status, latencyMs, "webhook")

	resp := PermissionWebhookResp{
		RequestID: requestID,
		Status:    string(status),
		Matched:   outcome.Matched,
		Targets:   make([]TargetResultResp, 0, len(outcome.Targets)),
		Handlers:  handlerResultResps(hookResults),
		LatencyMs: float64(latencyMs),
	}
	for _, t := range outcome.Targets {
		resp.Targets = append(resp.Targets, targetResultResp(t))
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleUserWebhook fans a user created/removed notification out to every
// active handler in priority order. On a failed creation the registered
// callback URL is pinged so the caller can roll the new user back.
func (d *Dependencies) handleUserWebhook(w http.ResponseWriter, r *http.Request) {
	var req UserWebhookReq
	if err := readJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid JSON body"})
		return
	}
	if req.UserName == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "user_name is required"})
		return
	}

	var results []handlers.HandlerResult
	switch req.Event {
	case string(engine.ActionCreated):
		results = d.Registry.UserCreated(r.Context(), req.UserName)
	case string(engine.ActionDeleted):
		results = d.Registry.UserDeleted(r.Context(), req.UserName)
	default:
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "event must be \"created\" or \"deleted\""})
		return
	}

	failed := 0
	for _, res := range results {
		if res.Err != nil {
			failed++
		}
	}
	status := engine.StatusSuccess
	switch {
	case failed == len(results) && failed > 0:
		status = engine.StatusFailed
	case failed > 0:
		status = engine.StatusPartial
	}

	if failed > 0 && req.Event == string(engine.ActionCreated) && req.CallbackURL != "" {
		d.pingCallback(r, req.CallbackURL)
	}

	writeJSON(w, http.StatusOK, UserWebhookResp{
		Status:   string(status),
		Handlers: handlerResultResps(results),
	})
}

// pingCallback GETs the caller-supplied rollback URL. Failures are logged
// only; the webhook response already carries the per-handler errors.
func (d *Dependencies) pingCallback(r *http.Request, callbackURL string) {
	client := d.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, callbackURL, nil)
	if err != nil {
		d.Logger.Warn("invalid user webhook callback url",
			zap.String("url", callbackURL), zap.Error(err))
		return
	}
	resp, err := client.Do(req)
	if err != nil {
		d.Logger.Warn("user webhook callback failed",
			zap.String("url", callbackURL), zap.Error(err))
		return
	}
	_ = resp.Body.Close()
	d.Logger.Info("user webhook callback invoked",
		zap.String("url", callbackURL), zap.Int("status", resp.StatusCode))
}

// webhookPermission normalizes the webhook's permission fields into the
// explicit triple, applying the allow/recursive defaults.
func webhookPermission(req PermissionWebhookReq) (engine.Permission, error) {
	perm := engine.Permission{
		Name:   req.Name,
		Access: engine.Access(req.Access),
		Scope:  engine.Scope(req.Scope),
	}
	if perm.Access == "" {
		perm.Access = engine.AccessAllow
	}
	if perm.Scope == "" {
		perm.Scope = engine.ScopeRecursive
	}
	if perm.Access != engine.AccessAllow && perm.Access != engine.AccessDeny {
		return engine.Permission{}, fmt.Errorf("unknown access %q", req.Access)
	}
	if perm.Scope != engine.ScopeMatch && perm.Scope != engine.ScopeRecursive {
		return engine.Permission{}, fmt.Errorf("unknown scope %q", req.Scope)
	}
	return perm, nil
}

// segmentsFromResources converts the root-first parent resource chain a
// tree query returns into the engine's concrete path form.
func segmentsFromResources(resources []accessctl.Resource) []engine.Segment {
	segments := make([]engine.Segment, 0, len(resources))
	for _, res := range resources {
		segments = append(segments, engine.Segment{
			Name:        res.Name,
			Type:        engine.SegmentType(res.Type),
			DisplayName: res.DisplayName,
		})
	}
	return segments
}

// compositeWebhookStatus folds handler fan-out failures into the engine's
// composite status: a clean sync with a failing handler is still partial.
func compositeWebhookStatus(outcome *engine.Outcome, hookResults []handlers.HandlerResult) engine.Status {
	status := outcome.Status
	for _, res := range hookResults {
		if res.Err != nil && status == engine.StatusSuccess {
			status = engine.StatusPartial
		}
	}
	return status
}

func (d *Dependencies) journal(requestID string, event engine.Event, outcome *engine.Outcome, hookResults []handlers.HandlerResult, status engine.Status, latencyMs float32, source string) {
	row := &storage.SyncOutcome{
		RequestID:  requestID,
		Timestamp:  time.Now().UTC(),
		Service:    event.Service,
		Resource:   engine.PathString(event.Resource),
		Permission: event.Permission.String(),
		Action:     string(event.Action),
		UserName:   event.Principal.User,
		GroupName:  event.Principal.Group,
		Status:     string(status),
		Matched:    outcome.Matched,
		LatencyMs:  latencyMs,
		Source:     source,
	}
	for _, t := range outcome.Targets {
		row.TargetsTotal++
		row.TargetServices = append(row.TargetServices, t.Service)
		row.TargetPaths = append(row.TargetPaths, engine.PathString(t.Path))
	}
	for _, t := range outcome.Failed() {
		row.TargetsFailed++
		row.Errors = append(row.Errors, t.Service+": "+t.Err.Error())
	}
	for _, res := range hookResults {
		if res.Err != nil {
			row.Errors = append(row.Errors, "handler "+res.Handler+": "+res.Err.Error())
		}
	}
	d.Writer.Write(row)
}

func targetResultResp(t engine.TargetResult) TargetResultResp {
	resp := TargetResultResp{
		Point:      t.Point,
		Service:    t.Service,
		Path:       engine.PathString(t.Path),
		Permission: t.Permission.String(),
		User:       t.Principal.User,
		Group:      t.Principal.Group,
		Action:     string(t.Action),
	}
	if t.Err != nil && !errors.Is(t.Err, engine.ErrNotImplemented) {
		msg := t.Err.Error()
		resp.Error = &msg
	}
	return resp
}

func handlerResultResps(results []handlers.HandlerResult) []HandlerResultResp {
	resps := make([]HandlerResultResp, 0, len(results))
	for _, res := range results {
		resp := HandlerResultResp{Handler: res.Handler}
		if res.Err != nil {
			msg := res.Err.Error()
			resp.Error = &msg
		}
		resps = append(resps, resp)
	}
	return resps
}
