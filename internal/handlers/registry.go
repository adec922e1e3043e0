package handlers

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/geostack/permsync/internal/config"
	"github.com/geostack/permsync/internal/engine"
)

// Dependencies carries the shared clients the handlers are built around.
// Only the dependencies of the handlers active in the configuration need to
// be set.
type Dependencies struct {
	Access   AccessClient
	Geo      GeoClient
	Monitors Monitors
	Logger   *zap.Logger
}

// HandlerResult is the outcome of one handler within a fan-out call.
type HandlerResult struct {
	Handler string
	Err     error
}

// Registry holds the active handlers in execution order and fans events out
// to them. A failing handler never stops the others; callers get the full
// per-handler outcome back.
type Registry struct {
	handlers []Handler
	byName   map[string]Handler
	logger   *zap.Logger
}

// NewRegistry builds every handler the configuration marks active, wiring
// in the dependencies it needs. Handlers run in the order
// config.ActiveHandlerNames reports.
func NewRegistry(cfg *config.Config, deps Dependencies) (*Registry, error) {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	reg := &Registry{
		byName: make(map[string]Handler),
		logger: logger.Named("handlers"),
	}
	for _, name := range cfg.ActiveHandlerNames() {
		hc := cfg.Handlers[name]
		var (
			h   Handler
			err error
		)
		switch name {
		case NameAccessControl:
			h, err = NewAccessControl(hc.Priority, deps.Access, logger)
		case NameGeoserver:
			h, err = NewGeoserver(hc.Priority, hc.WorkspaceDir, deps.Geo, deps.Access, deps.Monitors, logger)
		case NameFileSystem:
			h, err = NewFileSystem(hc.Priority, hc.WorkspaceDir, hc.JupyterhubUserDataDir,
				hc.WPSOutputsDir, hc.WPSOutputsPublicSubdir, deps.Monitors, logger)
		case NameCatalog:
			h, err = NewCatalog(hc.Priority, hc.URL, hc.WorkspaceDir, deps.Monitors, logger)
		case NameThredds:
			h, err = NewThredds(hc.Priority, hc.URL, logger)
		default:
			err = &engine.HandlerConfigError{Service: name, Reason: "unknown handler"}
		}
		if err != nil {
			return nil, err
		}
		reg.handlers = append(reg.handlers, h)
		reg.byName[h.Name()] = h
	}
	return reg, nil
}

// Handlers returns the active handlers in execution order.
func (r *Registry) Handlers() []Handler { return r.handlers }

// ByName returns the active handler with the given name, or nil.
func (r *Registry) ByName(name string) Handler { return r.byName[name] }

// Start runs the startup hook of every handler that has one, in execution
// order. The first failure aborts startup.
func (r *Registry) Start(ctx context.Context) error {
	for _, h := range r.handlers {
		s, ok := h.(Starter)
		if !ok {
			continue
		}
		if err := s.Start(ctx); err != nil {
			return err
		}
	}
	return nil
}

// fanOut applies fn to every handler in order, collecting one result per
// handler. Handlers that do not implement the operation count as clean.
func (r *Registry) fanOut(op string, fn func(Handler) error) []HandlerResult {
	results := make([]HandlerResult, 0, len(r.handlers))
	for _, h := range r.handlers {
		err := fn(h)
		if errors.Is(err, engine.ErrNotImplemented) {
			r.logger.Debug("handler does not implement operation",
				zap.String("handler", h.Name()), zap.String("operation", op))
			err = nil
		}
		if err != nil {
			r.logger.Error("handler failed",
				zap.String("handler", h.Name()), zap.String("operation", op), zap.Error(err))
		}
		results = append(results, HandlerResult{Handler: h.Name(), Err: err})
	}
	return results
}

func (r *Registry) UserCreated(ctx context.Context, user string) []HandlerResult {
	return r.fanOut("UserCreated", func(h Handler) error { return h.UserCreated(ctx, user) })
}

func (r *Registry) UserDeleted(ctx context.Context, user string) []HandlerResult {
	return r.fanOut("UserDeleted", func(h Handler) error { return h.UserDeleted(ctx, user) })
}

func (r *Registry) PermissionCreated(ctx context.Context, ev PermissionEvent) []HandlerResult {
	return r.fanOut("PermissionCreated", func(h Handler) error { return h.PermissionCreated(ctx, ev) })
}

func (r *Registry) PermissionDeleted(ctx context.Context, ev PermissionEvent) []HandlerResult {
	return r.fanOut("PermissionDeleted", func(h Handler) error { return h.PermissionDeleted(ctx, ev) })
}

// Resync triggers a full resynchronization of one handler.
func (r *Registry) Resync(ctx context.Context, name string) error {
	h := r.byName[name]
	if h == nil {
		return &engine.HandlerConfigError{Service: name, Reason: "no such active handler"}
	}
	return h.Resync(ctx)
}

// AdaptersFor builds the per-service adapter map the synchronizer consumes.
// Every adapter goes through the access-control service, which therefore
// must be active whenever sync points are configured.
func (r *Registry) AdaptersFor(points []*engine.SyncPoint) (map[string]engine.Adapter, error) {
	ac, ok := r.byName[NameAccessControl].(*AccessControl)
	if !ok {
		return nil, &engine.HandlerConfigError{
			Service: NameAccessControl,
			Reason:  "handler must be active for permission synchronization",
		}
	}
	adapters := make(map[string]engine.Adapter)
	for _, point := range points {
		for _, svc := range point.Services() {
			if _, done := adapters[svc]; done {
				continue
			}
			adapters[svc] = ac.Adapter(svc)
		}
	}
	return adapters, nil
}
