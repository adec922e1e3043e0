package handlers

import (
	"context"

	"go.uber.org/zap"

	"github.com/geostack/permsync/internal/engine"
)

// Catalog watches user workspaces so the file catalog can be told about
// new, changed and removed files. The catalog ingestion itself happens out
// of band; this handler only keeps the watches alive and surfaces the
// events.
type Catalog struct {
	name         string
	priority     int
	url          string
	workspaceDir string
	monitors     Monitors
	logger       *zap.Logger
}

func NewCatalog(priority int, url, workspaceDir string, monitors Monitors, logger *zap.Logger) (*Catalog, error) {
	if url == "" {
		return nil, &engine.HandlerConfigError{Service: NameCatalog, Reason: "missing url"}
	}
	if workspaceDir == "" {
		return nil, &engine.HandlerConfigError{Service: NameCatalog, Reason: "missing workspace_dir"}
	}
	if monitors == nil {
		return nil, &engine.HandlerConfigError{Service: NameCatalog, Reason: "missing monitor registry"}
	}
	return &Catalog{
		name:         NameCatalog,
		priority:     priority,
		url:          url,
		workspaceDir: workspaceDir,
		monitors:     monitors,
		logger:       logger.Named(NameCatalog),
	}, nil
}

func (h *Catalog) Name() string  { return h.name }
func (h *Catalog) Priority() int { return h.priority }
func (h *Catalog) URL() string   { return h.url }

func (h *Catalog) userWorkspaceDir(user string) string {
	return h.workspaceDir + "/" + user
}

func (h *Catalog) UserCreated(ctx context.Context, user string) error {
	h.logger.Info("monitoring workspace of created user", zap.String("user", user))
	return h.monitors.Register(ctx, h.userWorkspaceDir(user), true, NameCatalog)
}

func (h *Catalog) UserDeleted(ctx context.Context, user string) error {
	h.logger.Info("stopped monitoring workspace of removed user", zap.String("user", user))
	return h.monitors.Unregister(ctx, h.userWorkspaceDir(user), NameCatalog)
}

func (h *Catalog) PermissionCreated(ctx context.Context, ev PermissionEvent) error {
	return engine.ErrNotImplemented
}

func (h *Catalog) PermissionDeleted(ctx context.Context, ev PermissionEvent) error {
	return engine.ErrNotImplemented
}

func (h *Catalog) PathCreated(ctx context.Context, path string) error {
	h.logger.Info("file created in monitored workspace", zap.String("path", path))
	return nil
}

func (h *Catalog) PathModified(ctx context.Context, path string) error {
	h.logger.Info("file modified in monitored workspace", zap.String("path", path))
	return nil
}

func (h *Catalog) PathDeleted(ctx context.Context, path string) error {
	h.logger.Info("file deleted in monitored workspace", zap.String("path", path))
	return nil
}

func (h *Catalog) Resync(ctx context.Context) error { return engine.ErrNotImplemented }
