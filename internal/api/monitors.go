package api

import (
	"net/http"

	"go.uber.org/zap"
)

func (d *Dependencies) handleListMonitors(w http.ResponseWriter, _ *http.Request) {
	watches := d.Monitors.List()
	resp := make([]MonitorResp, 0, len(watches))
	for _, watch := range watches {
		resp = append(resp, MonitorResp{
			Path:      watch.Path,
			Recursive: watch.Recursive,
			Callback:  watch.Callback,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (d *Dependencies) handleRegisterMonitor(w http.ResponseWriter, r *http.Request) {
	var req RegisterMonitorReq
	if err := readJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid JSON body"})
		return
	}
	if req.Path == "" || req.Callback == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "path and callback are required"})
		return
	}
	if err := d.Monitors.Register(r.Context(), req.Path, req.Recursive, req.Callback); err != nil {
		d.Logger.Error("monitor registration failed",
			zap.String("path", req.Path), zap.String("callback", req.Callback), zap.Error(err))
		writeJSON(w, http.StatusUnprocessableEntity, ErrorResp{Detail: "Cannot register monitor: " + err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, MonitorResp{
		Path:      req.Path,
		Recursive: req.Recursive,
		Callback:  req.Callback,
	})
}

// handleUnregisterMonitor removes a watch identified by the path and
// callback query parameters. Unknown registrations are a 404 so callers
// can tell a typo from a removal.
func (d *Dependencies) handleUnregisterMonitor(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	path, callback := q.Get("path"), q.Get("callback")
	if path == "" || callback == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "path and callback query parameters are required"})
		return
	}

	known := false
	for _, watch := range d.Monitors.List() {
		if watch.Path == path && watch.Callback == callback {
			known = true
			break
		}
	}
	if !known {
		writeJSON(w, http.StatusNotFound, ErrorResp{Detail: "No such monitor"})
		return
	}

	if err := d.Monitors.Unregister(r.Context(), path, callback); err != nil {
		d.Logger.Error("monitor unregistration failed",
			zap.String("path", path), zap.String("callback", callback), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Cannot unregister monitor: " + err.Error()})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
