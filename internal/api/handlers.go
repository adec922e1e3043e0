package api

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/geostack/permsync/internal/engine"
)

// handleListHandlers reports the active handlers in fan-out order.
func (d *Dependencies) handleListHandlers(w http.ResponseWriter, _ *http.Request) {
	active := d.Registry.Handlers()
	resp := make([]HandlerResp, 0, len(active))
	for _, h := range active {
		entry := HandlerResp{Name: h.Name(), Priority: h.Priority()}
		if withURL, ok := h.(interface{ URL() string }); ok {
			entry.URL = withURL.URL()
		}
		resp = append(resp, entry)
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleResync triggers a full resynchronization of one handler. The call
// is synchronous: the response arrives when the resync is done.
func (d *Dependencies) handleResync(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	err := d.Registry.Resync(r.Context(), name)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"handler": name, "status": "ok"})
	case errors.Is(err, engine.ErrNotImplemented):
		writeJSON(w, http.StatusOK, map[string]string{"handler": name, "status": "skipped"})
	default:
		var cfgErr *engine.HandlerConfigError
		if errors.As(err, &cfgErr) {
			writeJSON(w, http.StatusNotFound, ErrorResp{Detail: "No such active handler: " + name})
			return
		}
		d.Logger.Error("resync failed", zap.String("handler", name), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Resync failed: " + err.Error()})
	}
}
