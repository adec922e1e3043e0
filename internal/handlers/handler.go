// Package handlers holds the per-service handlers reacting to user and
// permission events, and the adapter view the synchronizer dispatches
// through. Each handler owns one external system (the access-control
// service, GeoServer, the shared file system, the catalog) and keeps it
// consistent with the event stream.
package handlers

import (
	"context"

	"github.com/geostack/permsync/internal/engine"
)

// Known handler names, matching the keys of the handlers configuration
// section.
const (
	NameAccessControl = "accessctl"
	NameGeoserver     = "geoserver"
	NameFileSystem    = "filesystem"
	NameCatalog       = "catalog"
	NameThredds       = "thredds"
)

// PermissionEvent is a permission change as delivered to handler hooks: the
// engine event plus the access-control resource ID it originated from, for
// handlers that need to walk the resource tree.
type PermissionEvent struct {
	ResourceID int
	Event      engine.Event
}

// Handler reacts to user and permission events on one external system.
// Operations a system has no use for return engine.ErrNotImplemented, which
// callers treat as a benign skip rather than a failure.
type Handler interface {
	Name() string
	Priority() int

	UserCreated(ctx context.Context, user string) error
	UserDeleted(ctx context.Context, user string) error

	PermissionCreated(ctx context.Context, ev PermissionEvent) error
	PermissionDeleted(ctx context.Context, ev PermissionEvent) error

	// Resync rebuilds the handler's derived state from scratch.
	Resync(ctx context.Context) error
}

// Starter is implemented by handlers that need work at process start, such
// as arming file-system watches.
type Starter interface {
	Start(ctx context.Context) error
}

// Monitors registers and removes persistent file-system watches. The
// callback names the handler that receives the watch events.
type Monitors interface {
	Register(ctx context.Context, path string, recursive bool, callback string) error
	Unregister(ctx context.Context, path string, callback string) error
}
