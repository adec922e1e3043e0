package handlers

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/geostack/permsync/internal/accessctl"
	"github.com/geostack/permsync/internal/engine"
	"github.com/geostack/permsync/internal/geoserver"
)

// containerWorkspaceRoot is where the GeoServer process sees the user
// workspaces mounted. Datastore paths sent over REST must use this root,
// not the one this process reads.
const containerWorkspaceRoot = "/user_workspaces"

// Resource types the access-control service uses for geoserver-type
// services.
const (
	resourceTypeWorkspace = "workspace"
	resourceTypeLayer     = "layer"
)

// GeoClient is the slice of the GeoServer REST client the handler uses.
// Satisfied by *geoserver.Client.
type GeoClient interface {
	CreateWorkspace(ctx context.Context, name string) error
	RemoveWorkspace(ctx context.Context, name string) error
	CreateDatastore(ctx context.Context, workspace, datastoreDir string) error
	PublishFeatureType(ctx context.Context, workspace, shapefile string) error
	RemoveFeatureType(ctx context.Context, workspace, shapefile string) error
}

// Geoserver keeps the GeoServer instance in sync with the platform: one
// isolated workspace and shapefile datastore per user, feature types
// published from the files appearing in the user's datastore directory, and
// file-system mode bits mirroring the permissions the access-control
// service reports.
type Geoserver struct {
	name         string
	priority     int
	workspaceDir string
	client       GeoClient
	access       AccessClient
	monitors     Monitors
	logger       *zap.Logger

	datastoreDirRE *regexp.Regexp
}

func NewGeoserver(priority int, workspaceDir string, client GeoClient, access AccessClient, monitors Monitors, logger *zap.Logger) (*Geoserver, error) {
	if workspaceDir == "" {
		return nil, &engine.HandlerConfigError{Service: NameGeoserver, Reason: "missing workspace_dir"}
	}
	if client == nil {
		return nil, &engine.HandlerConfigError{Service: NameGeoserver, Reason: "missing client"}
	}
	if access == nil {
		return nil, &engine.HandlerConfigError{Service: NameGeoserver, Reason: "missing access-control client"}
	}
	if monitors == nil {
		return nil, &engine.HandlerConfigError{Service: NameGeoserver, Reason: "missing monitor registry"}
	}
	workspaceDir = filepath.Clean(workspaceDir)
	return &Geoserver{
		name:         NameGeoserver,
		priority:     priority,
		workspaceDir: workspaceDir,
		client:       client,
		access:       access,
		monitors:     monitors,
		logger:       logger.Named(NameGeoserver),
		datastoreDirRE: regexp.MustCompile(
			"^" + regexp.QuoteMeta(workspaceDir) + `/\w+/` + geoserver.DatastoreDirName + "/?$"),
	}, nil
}

func (h *Geoserver) Name() string  { return h.name }
func (h *Geoserver) Priority() int { return h.priority }

// datastoreDir is the user's shapefile directory as this process sees it.
func (h *Geoserver) datastoreDir(user string) string {
	return filepath.Join(h.workspaceDir, user, geoserver.DatastoreDirName)
}

// containerDatastoreDir is the same directory as the GeoServer process sees
// it.
func containerDatastoreDir(user string) string {
	return containerWorkspaceRoot + "/" + user + "/" + geoserver.DatastoreDirName
}

// shapefileInfo derives the workspace and shapefile name from a datastore
// file path of the form <root>/<workspace>/shapefile_datastore/<name>.<ext>.
func shapefileInfo(path string) (workspace, shapefile string, err error) {
	parts := strings.Split(filepath.ToSlash(path), "/")
	if len(parts) < 3 {
		return "", "", fmt.Errorf("shapefileInfo: path %q too short", path)
	}
	workspace = parts[len(parts)-3]
	base := parts[len(parts)-1]
	shapefile, _, found := strings.Cut(base, ".")
	if !found || shapefile == "" {
		return "", "", fmt.Errorf("shapefileInfo: path %q has no extension", path)
	}
	return workspace, shapefile, nil
}

// shapefileList returns every path a shapefile may consist of.
func (h *Geoserver) shapefileList(workspace, shapefile string) []string {
	base := filepath.Join(h.datastoreDir(workspace), shapefile)
	paths := make([]string, 0, len(geoserver.AllShapefileExts))
	for _, ext := range geoserver.AllShapefileExts {
		paths = append(paths, base+ext)
	}
	return paths
}

// UserCreated provisions the user's datastore directory, the remote
// workspace and datastore, and arms the watch that publishes shapefiles
// dropped into the directory. The user's workspace directory itself is
// created by the filesystem handler, which runs earlier.
func (h *Geoserver) UserCreated(ctx context.Context, user string) error {
	dir := h.datastoreDir(user)
	if err := os.Mkdir(dir, 0o755); err != nil {
		if !errors.Is(err, fs.ErrExist) {
			return &engine.HandlerConfigError{
				Service: NameGeoserver,
				Reason:  fmt.Sprintf("create datastore dir %s: %v", dir, err),
			}
		}
		h.logger.Info("datastore directory already exists", zap.String("path", dir))
	}
	if err := h.client.CreateWorkspace(ctx, user); err != nil {
		return err
	}
	if err := h.client.CreateDatastore(ctx, user, containerDatastoreDir(user)); err != nil {
		return err
	}
	h.logger.Info("monitoring datastore of created user", zap.String("user", user))
	return h.monitors.Register(ctx, dir, true, NameGeoserver)
}

// UserDeleted removes the remote workspace with everything in it, stops the
// datastore watch and drops the user's workspace resource from the
// access-control service.
func (h *Geoserver) UserDeleted(ctx context.Context, user string) error {
	if err := h.client.RemoveWorkspace(ctx, user); err != nil {
		return err
	}
	h.logger.Info("stopped monitoring datastore of removed user", zap.String("user", user))
	if err := h.monitors.Unregister(ctx, h.datastoreDir(user), NameGeoserver); err != nil {
		return err
	}

	root, err := h.access.ServiceResources(ctx, geoserver.ServiceName)
	if err != nil {
		return err
	}
	ws := root.ChildNamed(user)
	if ws == nil {
		h.logger.Debug("no workspace resource to delete", zap.String("user", user))
		return nil
	}
	return h.access.DeleteResource(ctx, ws.ID)
}

// isGeoserverPermission reports whether the permission name belongs to the
// WFS/WMS operations this handler mirrors to file modes.
func isGeoserverPermission(name string) bool {
	for _, p := range geoserver.ReadPermissions {
		if p == name {
			return true
		}
	}
	for _, p := range geoserver.WritePermissions {
		if p == name {
			return true
		}
	}
	return false
}

func classifyPermissions(perms []engine.Permission) (readable, writable bool) {
	allowed := make(map[string]bool, len(perms))
	for _, p := range perms {
		if p.Access == engine.AccessAllow {
			allowed[p.Name] = true
		}
	}
	for _, name := range geoserver.ReadPermissions {
		if allowed[name] {
			readable = true
			break
		}
	}
	for _, name := range geoserver.WritePermissions {
		if allowed[name] {
			writable = true
			break
		}
	}
	return readable, writable
}

// PermissionCreated mirrors a permission change onto the file system.
func (h *Geoserver) PermissionCreated(ctx context.Context, ev PermissionEvent) error {
	return h.updateFilePermissions(ctx, ev)
}

// PermissionDeleted mirrors a permission removal onto the file system. The
// remaining effective permissions decide the new mode bits, so creation and
// deletion share one path.
func (h *Geoserver) PermissionDeleted(ctx context.Context, ev PermissionEvent) error {
	return h.updateFilePermissions(ctx, ev)
}

func (h *Geoserver) updateFilePermissions(ctx context.Context, ev PermissionEvent) error {
	if !isGeoserverPermission(ev.Event.Permission.Name) {
		h.logger.Debug("permission is not a geoserver operation, nothing to do",
			zap.String("permission", ev.Event.Permission.Name))
		return nil
	}
	if ev.Event.Principal.User == "" {
		// Workspaces are per user; a group permission has no single
		// datastore directory to re-mode.
		return engine.ErrNotImplemented
	}
	res, err := h.access.GetResource(ctx, ev.ResourceID)
	if err != nil {
		return err
	}
	return h.updateResourcePaths(ctx, res, ev.Event.Principal.User, ev.Event.Permission.Scope)
}

// updateResourcePaths applies the effective permissions of a resource to
// its backing paths, recursing into children for recursive scopes.
func (h *Geoserver) updateResourcePaths(ctx context.Context, res *accessctl.Resource, user string, scope engine.Scope) error {
	switch res.Type {
	case resourceTypeWorkspace:
		if err := h.applyEffectiveBits(ctx, user, res.ID, []string{h.datastoreDir(user)}, true); err != nil {
			return err
		}
	case resourceTypeLayer:
		if err := h.applyEffectiveBits(ctx, user, res.ID, h.shapefileList(user, res.Name), false); err != nil {
			return err
		}
	}
	if scope == engine.ScopeRecursive {
		for _, child := range res.Children {
			if err := h.updateResourcePaths(ctx, child, user, scope); err != nil {
				return err
			}
		}
	}
	return nil
}

// applyEffectiveBits reads the user's effective permissions on a resource
// and chmods the given paths accordingly. Directories keep their execute
// bit so denied workspaces block browsing but direct child access keeps
// working; files never get one.
func (h *Geoserver) applyEffectiveBits(ctx context.Context, user string, resourceID int, paths []string, dir bool) error {
	perms, err := h.access.EffectiveUserPermissions(ctx, user, resourceID)
	if err != nil {
		return err
	}
	readable, writable := classifyPermissions(perms)
	for _, path := range paths {
		if _, err := os.Stat(path); err != nil {
			if isRequiredShapefilePart(path) {
				h.logger.Warn("path missing, permissions not updated", zap.String("path", path))
			}
			continue
		}
		applyPathPermissions(path, readable, writable, dir, h.logger)
	}
	return nil
}

func isRequiredShapefilePart(path string) bool {
	for _, ext := range geoserver.RequiredShapefileExts {
		if strings.HasSuffix(path, ext) {
			return true
		}
	}
	return false
}

// PathCreated publishes a new shapefile once its required companion files
// are present, then mirrors its file mode to the access-control service.
func (h *Geoserver) PathCreated(ctx context.Context, path string) error {
	if !strings.HasSuffix(path, geoserver.ShapefileExt) {
		return nil
	}
	workspace, shapefile, err := shapefileInfo(path)
	if err != nil {
		return err
	}
	h.logger.Info("publishing new shapefile",
		zap.String("workspace", workspace), zap.String("shapefile", shapefile))
	if err := h.validateShapefile(workspace, shapefile); err != nil {
		return err
	}
	if err := h.client.PublishFeatureType(ctx, workspace, shapefile); err != nil {
		return err
	}
	return h.syncLayerPermissions(ctx, workspace, shapefile)
}

// PathDeleted removes the published feature type, the shapefile's sibling
// files and the layer resource in the access-control service.
func (h *Geoserver) PathDeleted(ctx context.Context, path string) error {
	if h.datastoreDirRE.MatchString(path) {
		h.logger.Warn("datastore directory deleted manually, workspace state is now invalid",
			zap.String("path", path))
		return nil
	}
	if !strings.HasSuffix(path, geoserver.ShapefileExt) {
		return nil
	}
	workspace, shapefile, err := shapefileInfo(path)
	if err != nil {
		return err
	}
	if err := h.client.RemoveFeatureType(ctx, workspace, shapefile); err != nil {
		return err
	}
	for _, sibling := range h.shapefileList(workspace, shapefile) {
		if err := os.Remove(sibling); err != nil && !errors.Is(err, fs.ErrNotExist) {
			h.logger.Warn("failed to remove shapefile part", zap.String("path", sibling), zap.Error(err))
		}
	}

	layerID, err := h.findLayerResource(ctx, workspace, shapefile)
	if err != nil {
		return err
	}
	if layerID == 0 {
		return nil
	}
	return h.access.DeleteResource(ctx, layerID)
}

// PathModified re-reads the file mode bits and mirrors them back to the
// access-control service, for both datastore directories and shapefiles.
func (h *Geoserver) PathModified(ctx context.Context, path string) error {
	if h.datastoreDirRE.MatchString(path) {
		parts := strings.Split(filepath.ToSlash(strings.TrimRight(path, "/")), "/")
		workspace := parts[len(parts)-2]
		return h.syncWorkspacePermissions(ctx, workspace)
	}
	if strings.HasSuffix(path, geoserver.ShapefileExt) {
		workspace, shapefile, err := shapefileInfo(path)
		if err != nil {
			return err
		}
		return h.syncLayerPermissions(ctx, workspace, shapefile)
	}
	return nil
}

func (h *Geoserver) Resync(ctx context.Context) error { return engine.ErrNotImplemented }

// validateShapefile checks the required companion files are all present.
// Shapefiles are a multi-file format, so a lone .shp cannot be published.
func (h *Geoserver) validateShapefile(workspace, shapefile string) error {
	base := filepath.Join(h.datastoreDir(workspace), shapefile)
	for _, ext := range geoserver.RequiredShapefileExts {
		if _, err := os.Stat(base + ext); err != nil {
			return &engine.HandlerConfigError{
				Service: NameGeoserver,
				Reason:  fmt.Sprintf("shapefile %s incomplete, missing %s", shapefile, ext),
			}
		}
	}
	return nil
}

// findWorkspaceResource returns the access-control resource ID of the
// user's workspace, creating it when asked.
func (h *Geoserver) findWorkspaceResource(ctx context.Context, workspace string, create bool) (int, error) {
	root, err := h.access.ServiceResources(ctx, geoserver.ServiceName)
	if err != nil {
		return 0, err
	}
	if ws := root.ChildNamed(workspace); ws != nil {
		return ws.ID, nil
	}
	if !create {
		return 0, nil
	}
	return h.access.CreateResource(ctx, workspace, resourceTypeWorkspace, "", root.ID)
}

// findLayerResource returns the access-control resource ID of a layer, or 0
// when either the workspace or the layer does not exist.
func (h *Geoserver) findLayerResource(ctx context.Context, workspace, layer string) (int, error) {
	root, err := h.access.ServiceResources(ctx, geoserver.ServiceName)
	if err != nil {
		return 0, err
	}
	ws := root.ChildNamed(workspace)
	if ws == nil {
		return 0, nil
	}
	if l := ws.ChildNamed(layer); l != nil {
		return l.ID, nil
	}
	return 0, nil
}

// ensureLayerResource returns the layer's resource ID, creating the
// workspace and layer resources when missing.
func (h *Geoserver) ensureLayerResource(ctx context.Context, workspace, layer string) (int, error) {
	wsID, err := h.findWorkspaceResource(ctx, workspace, true)
	if err != nil {
		return 0, err
	}
	root, err := h.access.ServiceResources(ctx, geoserver.ServiceName)
	if err != nil {
		return 0, err
	}
	if ws := root.ChildNamed(workspace); ws != nil {
		if l := ws.ChildNamed(layer); l != nil {
			return l.ID, nil
		}
	}
	return h.access.CreateResource(ctx, layer, resourceTypeLayer, "", wsID)
}

// syncWorkspacePermissions mirrors the datastore directory's others bits to
// the workspace resource with recursive scope.
func (h *Geoserver) syncWorkspacePermissions(ctx context.Context, workspace string) error {
	resID, err := h.findWorkspaceResource(ctx, workspace, true)
	if err != nil {
		return err
	}
	readable, writable, executable := othersBits(h.datastoreDir(workspace))
	return h.syncResourcePermissions(ctx, workspace, resID, engine.ScopeRecursive, readable && executable, writable)
}

// syncLayerPermissions mirrors the main shapefile's others bits to the
// layer resource with match scope and normalizes the sibling files to the
// same bits.
func (h *Geoserver) syncLayerPermissions(ctx context.Context, workspace, layer string) error {
	resID, err := h.ensureLayerResource(ctx, workspace, layer)
	if err != nil {
		return err
	}
	mainFile := filepath.Join(h.datastoreDir(workspace), layer+geoserver.ShapefileExt)
	readable, writable, _ := othersBits(mainFile)
	for _, sibling := range h.shapefileList(workspace, layer) {
		if _, err := os.Stat(sibling); err == nil {
			applyPathPermissions(sibling, readable, writable, false, h.logger)
		}
	}
	return h.syncResourcePermissions(ctx, workspace, resID, engine.ScopeMatch, readable, writable)
}

// permissionUpdateRequired reports whether the desired (name, access) pair
// is missing from the effective permissions, deleting a conflicting direct
// permission on the way so the next effective resolution is clean.
func (h *Geoserver) permissionUpdateRequired(ctx context.Context, user string, resourceID int, effective, direct []engine.Permission, name string, access engine.Access, scope engine.Scope) (bool, error) {
	for _, p := range effective {
		if p.Name != name {
			continue
		}
		if p.Access == access && scope == engine.ScopeRecursive {
			// The recursive requirement holds if the resource carries the
			// recursive permission itself, or carries none at all and
			// inherits it from a parent.
			var directNamed, directRecursive bool
			for _, d := range direct {
				if d.Name == name {
					directNamed = true
					if d.Scope == engine.ScopeRecursive {
						directRecursive = true
					}
				}
			}
			if !directNamed || directRecursive {
				return false, nil
			}
		} else if p.Access == access && p.Scope == scope {
			return false, nil
		}
		// The permission exists with the wrong access or scope; drop the
		// direct permission so the re-resolved state decides what is left
		// to create.
		for _, d := range direct {
			if d.Name == name {
				if err := h.access.DeletePermission(ctx, user, "", resourceID, name); err != nil {
					return false, err
				}
				break
			}
		}
		return true, nil
	}
	return true, nil
}

// syncResourcePermissions reconciles the access-control permissions of a
// resource with the readable/writable state of its backing paths: allowed
// operation names for enabled bits, denied for the rest, created only when
// the effective resolution does not already provide them.
func (h *Geoserver) syncResourcePermissions(ctx context.Context, user string, resourceID int, scope engine.Scope, readable, writable bool) error {
	type pair struct {
		name   string
		access engine.Access
	}
	var pairs []pair
	allowed := make(map[string]bool)
	if readable {
		for _, name := range geoserver.ReadPermissions {
			allowed[name] = true
		}
	}
	if writable {
		for _, name := range geoserver.WritePermissions {
			allowed[name] = true
		}
	}
	for _, name := range append(append([]string{}, geoserver.ReadPermissions...), geoserver.WritePermissions...) {
		if allowed[name] {
			pairs = append(pairs, pair{name, engine.AccessAllow})
		} else {
			pairs = append(pairs, pair{name, engine.AccessDeny})
		}
	}

	effective, err := h.access.EffectiveUserPermissions(ctx, user, resourceID)
	if err != nil {
		return err
	}
	direct, err := h.access.ResourcePermissions(ctx, user, "", resourceID)
	if err != nil {
		return err
	}

	var toUpdate []pair
	for _, p := range pairs {
		required, err := h.permissionUpdateRequired(ctx, user, resourceID, effective, direct, p.name, p.access, scope)
		if err != nil {
			return err
		}
		if required {
			toUpdate = append(toUpdate, p)
		}
	}
	if len(toUpdate) == 0 {
		return nil
	}

	// Re-resolve after the deletions above; parents may already provide
	// some of the required permissions, which then need no direct copy.
	effective, err = h.access.EffectiveUserPermissions(ctx, user, resourceID)
	if err != nil {
		return err
	}
	for _, p := range toUpdate {
		var present bool
		for _, e := range effective {
			if e.Name == p.name && e.Access == p.access {
				present = true
				break
			}
		}
		if present {
			continue
		}
		perm := engine.Permission{Name: p.name, Access: p.access, Scope: scope}
		if err := h.access.CreatePermission(ctx, user, "", resourceID, perm); err != nil {
			return err
		}
	}
	return nil
}
