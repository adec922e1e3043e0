package handlers

import (
	"context"

	"go.uber.org/zap"

	"github.com/geostack/permsync/internal/engine"
)

// Thredds stands in for the THREDDS data server. Its permissions live
// entirely in the access-control service and are kept consistent by the
// synchronization engine, so every hook is a no-op; the handler exists so
// sync point configurations can name the service.
type Thredds struct {
	name     string
	priority int
	url      string
	logger   *zap.Logger
}

func NewThredds(priority int, url string, logger *zap.Logger) (*Thredds, error) {
	if url == "" {
		return nil, &engine.HandlerConfigError{Service: NameThredds, Reason: "missing url"}
	}
	return &Thredds{
		name:     NameThredds,
		priority: priority,
		url:      url,
		logger:   logger.Named(NameThredds),
	}, nil
}

func (h *Thredds) Name() string  { return h.name }
func (h *Thredds) Priority() int { return h.priority }
func (h *Thredds) URL() string   { return h.url }

func (h *Thredds) UserCreated(ctx context.Context, user string) error { return engine.ErrNotImplemented }
func (h *Thredds) UserDeleted(ctx context.Context, user string) error { return engine.ErrNotImplemented }

func (h *Thredds) PermissionCreated(ctx context.Context, ev PermissionEvent) error {
	return engine.ErrNotImplemented
}

func (h *Thredds) PermissionDeleted(ctx context.Context, ev PermissionEvent) error {
	return engine.ErrNotImplemented
}

func (h *Thredds) Resync(ctx context.Context) error { return engine.ErrNotImplemented }
