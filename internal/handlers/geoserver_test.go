package handlers

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/geostack/permsync/internal/engine"
	"github.com/geostack/permsync/internal/geoserver"
)

func newTestGeoserver(t *testing.T) (*Geoserver, *fakeGeo, *fakeAccess, *fakeMonitors, string) {
	t.Helper()
	workspaceDir := t.TempDir()
	geo := &fakeGeo{}
	access := newFakeAccess()
	monitors := &fakeMonitors{}
	h, err := NewGeoserver(1, workspaceDir, geo, access, monitors, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	return h, geo, access, monitors, workspaceDir
}

// writeShapefile creates the four required companion files of a shapefile
// and returns the .shp path.
func writeShapefile(t *testing.T, datastoreDir, name string) string {
	t.Helper()
	if err := os.MkdirAll(datastoreDir, 0o755); err != nil {
		t.Fatal(err)
	}
	for _, ext := range geoserver.RequiredShapefileExts {
		path := filepath.Join(datastoreDir, name+ext)
		if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return filepath.Join(datastoreDir, name+geoserver.ShapefileExt)
}

func TestNewGeoserver_RequiresWorkspaceDir(t *testing.T) {
	_, err := NewGeoserver(1, "", &fakeGeo{}, newFakeAccess(), &fakeMonitors{}, zap.NewNop())
	var cfgErr *engine.HandlerConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("NewGeoserver(no dir) error = %v, want HandlerConfigError", err)
	}
}

func TestGeoserver_UserCreated_ProvisionsWorkspaceAndDatastore(t *testing.T) {
	h, geo, _, monitors, workspaceDir := newTestGeoserver(t)
	if err := os.Mkdir(filepath.Join(workspaceDir, "alice"), 0o755); err != nil {
		t.Fatal(err)
	}

	if err := h.UserCreated(context.Background(), "alice"); err != nil {
		t.Fatalf("UserCreated() error = %v", err)
	}

	dir := filepath.Join(workspaceDir, "alice", geoserver.DatastoreDirName)
	if _, err := os.Stat(dir); err != nil {
		t.Errorf("datastore directory not created: %v", err)
	}
	if len(geo.workspaces) != 1 || geo.workspaces[0] != "alice" {
		t.Errorf("created workspaces = %v, want [alice]", geo.workspaces)
	}
	wantStore := "alice:/user_workspaces/alice/shapefile_datastore"
	if len(geo.datastores) != 1 || geo.datastores[0] != wantStore {
		t.Errorf("created datastores = %v, want [%s]", geo.datastores, wantStore)
	}
	wantWatch := dir + ":true:geoserver"
	if len(monitors.registered) != 1 || monitors.registered[0] != wantWatch {
		t.Errorf("registered monitors = %v, want [%s]", monitors.registered, wantWatch)
	}
}

func TestGeoserver_UserCreated_ExistingDatastoreDirTolerated(t *testing.T) {
	h, geo, _, _, workspaceDir := newTestGeoserver(t)
	dir := filepath.Join(workspaceDir, "alice", geoserver.DatastoreDirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}

	if err := h.UserCreated(context.Background(), "alice"); err != nil {
		t.Fatalf("UserCreated() with existing dir error = %v", err)
	}
	if len(geo.workspaces) != 1 {
		t.Errorf("created workspaces = %v, want the workspace anyway", geo.workspaces)
	}
}

func TestGeoserver_UserDeleted_RemovesWorkspaceEverywhere(t *testing.T) {
	h, geo, access, monitors, workspaceDir := newTestGeoserver(t)
	root := access.addService(geoserver.ServiceName)
	ws := access.addChild(root, "alice", "workspace")

	if err := h.UserDeleted(context.Background(), "alice"); err != nil {
		t.Fatalf("UserDeleted() error = %v", err)
	}

	if len(geo.removedWS) != 1 || geo.removedWS[0] != "alice" {
		t.Errorf("removed workspaces = %v, want [alice]", geo.removedWS)
	}
	wantWatch := filepath.Join(workspaceDir, "alice", geoserver.DatastoreDirName) + ":geoserver"
	if len(monitors.unregistered) != 1 || monitors.unregistered[0] != wantWatch {
		t.Errorf("unregistered monitors = %v, want [%s]", monitors.unregistered, wantWatch)
	}
	if len(access.deletedResources) != 1 || access.deletedResources[0] != ws.ID {
		t.Errorf("deleted resources = %v, want [%d]", access.deletedResources, ws.ID)
	}
}

func TestGeoserver_UserDeleted_MissingResourceTolerated(t *testing.T) {
	h, _, access, _, _ := newTestGeoserver(t)
	access.addService(geoserver.ServiceName)

	if err := h.UserDeleted(context.Background(), "alice"); err != nil {
		t.Fatalf("UserDeleted() without workspace resource error = %v", err)
	}
	if len(access.deletedResources) != 0 {
		t.Errorf("deleted resources = %v, want none", access.deletedResources)
	}
}

func TestGeoserver_PathCreated_PublishesShapefile(t *testing.T) {
	h, geo, access, _, workspaceDir := newTestGeoserver(t)
	access.addService(geoserver.ServiceName)
	shp := writeShapefile(t, filepath.Join(workspaceDir, "alice", geoserver.DatastoreDirName), "roads")

	if err := h.PathCreated(context.Background(), shp); err != nil {
		t.Fatalf("PathCreated() error = %v", err)
	}

	if len(geo.published) != 1 || geo.published[0] != "alice:roads" {
		t.Errorf("published feature types = %v, want [alice:roads]", geo.published)
	}
	wantResources := []string{"alice:workspace:1", "roads:layer:2"}
	if len(access.createdResources) != len(wantResources) {
		t.Fatalf("created resources = %v, want %v", access.createdResources, wantResources)
	}
	for i := range wantResources {
		if access.createdResources[i] != wantResources[i] {
			t.Errorf("created resource [%d] = %q, want %q", i, access.createdResources[i], wantResources[i])
		}
	}

	// The files carry others-read, so read operations are allowed and
	// write operations denied, all with match scope on the layer.
	wantPerms := len(geoserver.ReadPermissions) + len(geoserver.WritePermissions)
	if len(access.createdPerms) != wantPerms {
		t.Fatalf("created %d permissions, want %d: %v", len(access.createdPerms), wantPerms, access.createdPerms)
	}
	var sawRead, sawWrite bool
	for _, p := range access.createdPerms {
		if strings.HasSuffix(p, "getFeature-allow-match") {
			sawRead = true
		}
		if strings.HasSuffix(p, "transaction-deny-match") {
			sawWrite = true
		}
	}
	if !sawRead || !sawWrite {
		t.Errorf("created permissions missing expected entries: %v", access.createdPerms)
	}
}

func TestGeoserver_PathCreated_IncompleteShapefileFails(t *testing.T) {
	h, geo, access, _, workspaceDir := newTestGeoserver(t)
	access.addService(geoserver.ServiceName)
	dir := filepath.Join(workspaceDir, "alice", geoserver.DatastoreDirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	shp := filepath.Join(dir, "roads.shp")
	if err := os.WriteFile(shp, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := h.PathCreated(context.Background(), shp); err == nil {
		t.Fatal("PathCreated() with missing companion files should fail")
	}
	if len(geo.published) != 0 {
		t.Errorf("published feature types = %v, want none", geo.published)
	}
}

func TestGeoserver_PathCreated_IgnoresCompanionFiles(t *testing.T) {
	h, geo, access, _, workspaceDir := newTestGeoserver(t)
	writeShapefile(t, filepath.Join(workspaceDir, "alice", geoserver.DatastoreDirName), "roads")
	prj := filepath.Join(workspaceDir, "alice", geoserver.DatastoreDirName, "roads.prj")

	if err := h.PathCreated(context.Background(), prj); err != nil {
		t.Fatalf("PathCreated() on companion file error = %v", err)
	}
	if len(geo.published) != 0 || len(access.createdResources) != 0 {
		t.Errorf("companion file triggered publication: %v %v", geo.published, access.createdResources)
	}
}

func TestGeoserver_PathDeleted_RemovesLayerAndSiblings(t *testing.T) {
	h, geo, access, _, workspaceDir := newTestGeoserver(t)
	root := access.addService(geoserver.ServiceName)
	ws := access.addChild(root, "alice", "workspace")
	layer := access.addChild(ws, "roads", "layer")
	shp := writeShapefile(t, filepath.Join(workspaceDir, "alice", geoserver.DatastoreDirName), "roads")

	if err := h.PathDeleted(context.Background(), shp); err != nil {
		t.Fatalf("PathDeleted() error = %v", err)
	}

	if len(geo.removedFeatures) != 1 || geo.removedFeatures[0] != "alice:roads" {
		t.Errorf("removed feature types = %v, want [alice:roads]", geo.removedFeatures)
	}
	for _, ext := range geoserver.RequiredShapefileExts {
		path := filepath.Join(workspaceDir, "alice", geoserver.DatastoreDirName, "roads"+ext)
		if _, err := os.Stat(path); !errors.Is(err, fs.ErrNotExist) {
			t.Errorf("companion file %s still present", path)
		}
	}
	if len(access.deletedResources) != 1 || access.deletedResources[0] != layer.ID {
		t.Errorf("deleted resources = %v, want [%d]", access.deletedResources, layer.ID)
	}
}

func TestGeoserver_PathDeleted_DatastoreDirectoryOnlyWarns(t *testing.T) {
	h, geo, access, _, workspaceDir := newTestGeoserver(t)
	dir := filepath.Join(workspaceDir, "alice", geoserver.DatastoreDirName)

	if err := h.PathDeleted(context.Background(), dir); err != nil {
		t.Fatalf("PathDeleted() on datastore dir error = %v", err)
	}
	if len(geo.removedFeatures) != 0 || len(access.deletedResources) != 0 {
		t.Errorf("datastore dir deletion should not touch layers: %v %v",
			geo.removedFeatures, access.deletedResources)
	}
}

func TestGeoserver_PathModified_DatastoreDirSyncsRecursive(t *testing.T) {
	h, _, access, _, workspaceDir := newTestGeoserver(t)
	access.addService(geoserver.ServiceName)
	dir := filepath.Join(workspaceDir, "alice", geoserver.DatastoreDirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	// Others can read and traverse the directory, so reads are allowed.
	if err := os.Chmod(dir, 0o705); err != nil {
		t.Fatal(err)
	}

	if err := h.PathModified(context.Background(), dir); err != nil {
		t.Fatalf("PathModified() error = %v", err)
	}

	if len(access.createdResources) != 1 || access.createdResources[0] != "alice:workspace:1" {
		t.Errorf("created resources = %v, want the workspace resource", access.createdResources)
	}
	wantPerms := len(geoserver.ReadPermissions) + len(geoserver.WritePermissions)
	if len(access.createdPerms) != wantPerms {
		t.Fatalf("created %d permissions, want %d", len(access.createdPerms), wantPerms)
	}
	var sawRecursiveRead bool
	for _, p := range access.createdPerms {
		if strings.HasSuffix(p, "getFeature-allow-recursive") {
			sawRecursiveRead = true
		}
	}
	if !sawRecursiveRead {
		t.Errorf("created permissions missing recursive read grant: %v", access.createdPerms)
	}
}

func TestGeoserver_PathModified_ShapefileAlreadyInSync(t *testing.T) {
	h, _, access, _, workspaceDir := newTestGeoserver(t)
	root := access.addService(geoserver.ServiceName)
	ws := access.addChild(root, "alice", "workspace")
	layer := access.addChild(ws, "roads", "layer")
	shp := writeShapefile(t, filepath.Join(workspaceDir, "alice", geoserver.DatastoreDirName), "roads")

	// Effective permissions already describe others-read files exactly.
	var effective []engine.Permission
	for _, name := range geoserver.ReadPermissions {
		effective = append(effective, engine.Permission{Name: name, Access: engine.AccessAllow, Scope: engine.ScopeMatch})
	}
	for _, name := range geoserver.WritePermissions {
		effective = append(effective, engine.Permission{Name: name, Access: engine.AccessDeny, Scope: engine.ScopeMatch})
	}
	access.effective[layer.ID] = effective

	if err := h.PathModified(context.Background(), shp); err != nil {
		t.Fatalf("PathModified() error = %v", err)
	}
	if len(access.createdPerms) != 0 || len(access.deletedPerms) != 0 {
		t.Errorf("in-sync layer still changed permissions: created %v deleted %v",
			access.createdPerms, access.deletedPerms)
	}
}

func TestGeoserver_PathModified_ConflictReplacesDirectPermission(t *testing.T) {
	h, _, access, _, workspaceDir := newTestGeoserver(t)
	root := access.addService(geoserver.ServiceName)
	ws := access.addChild(root, "alice", "workspace")
	layer := access.addChild(ws, "roads", "layer")
	shp := writeShapefile(t, filepath.Join(workspaceDir, "alice", geoserver.DatastoreDirName), "roads")

	var effective []engine.Permission
	for _, name := range geoserver.ReadPermissions {
		acc := engine.AccessAllow
		if name == "getFeature" {
			acc = engine.AccessDeny
		}
		effective = append(effective, engine.Permission{Name: name, Access: acc, Scope: engine.ScopeMatch})
	}
	for _, name := range geoserver.WritePermissions {
		effective = append(effective, engine.Permission{Name: name, Access: engine.AccessDeny, Scope: engine.ScopeMatch})
	}
	access.effective[layer.ID] = effective
	access.direct[permKey("alice", "", layer.ID)] = []engine.Permission{
		{Name: "getFeature", Access: engine.AccessDeny, Scope: engine.ScopeMatch},
	}

	if err := h.PathModified(context.Background(), shp); err != nil {
		t.Fatalf("PathModified() error = %v", err)
	}

	if len(access.deletedPerms) != 1 || !strings.HasSuffix(access.deletedPerms[0], ":getFeature") {
		t.Errorf("deleted permissions = %v, want the conflicting getFeature", access.deletedPerms)
	}
	if len(access.createdPerms) != 1 || !strings.HasSuffix(access.createdPerms[0], "getFeature-allow-match") {
		t.Errorf("created permissions = %v, want getFeature-allow-match", access.createdPerms)
	}
}

func TestGeoserver_PermissionCreated_AppliesEffectiveBits(t *testing.T) {
	h, _, access, _, workspaceDir := newTestGeoserver(t)
	root := access.addService(geoserver.ServiceName)
	ws := access.addChild(root, "alice", "workspace")
	_ = access.addChild(ws, "roads", "layer")

	dir := filepath.Join(workspaceDir, "alice", geoserver.DatastoreDirName)
	shp := writeShapefile(t, dir, "roads")
	if err := os.Chmod(dir, 0o700); err != nil {
		t.Fatal(err)
	}
	if err := os.Chmod(shp, 0o600); err != nil {
		t.Fatal(err)
	}

	access.effective[ws.ID] = []engine.Permission{
		{Name: "getFeature", Access: engine.AccessAllow, Scope: engine.ScopeRecursive},
	}

	ev := PermissionEvent{
		ResourceID: ws.ID,
		Event: engine.Event{
			Service:    geoserver.ServiceName,
			Permission: engine.Permission{Name: "getFeature", Access: engine.AccessAllow, Scope: engine.ScopeRecursive},
			Principal:  engine.Principal{User: "alice"},
			Action:     engine.ActionCreated,
		},
	}
	if err := h.PermissionCreated(context.Background(), ev); err != nil {
		t.Fatalf("PermissionCreated() error = %v", err)
	}

	info, err := os.Stat(dir)
	if err != nil {
		t.Fatal(err)
	}
	if got := info.Mode().Perm(); got != 0o705 {
		t.Errorf("datastore dir mode = %o, want 705", got)
	}
	// The layer has no effective permissions, so its files stay closed.
	info, err = os.Stat(shp)
	if err != nil {
		t.Fatal(err)
	}
	if got := info.Mode().Perm(); got != 0o600 {
		t.Errorf("shapefile mode = %o, want 600", got)
	}
}

func TestGeoserver_PermissionCreated_IgnoresOtherServices(t *testing.T) {
	h, _, access, _, _ := newTestGeoserver(t)

	ev := PermissionEvent{
		ResourceID: 7,
		Event: engine.Event{
			Permission: engine.Permission{Name: "browse", Access: engine.AccessAllow, Scope: engine.ScopeMatch},
			Principal:  engine.Principal{User: "alice"},
		},
	}
	if err := h.PermissionCreated(context.Background(), ev); err != nil {
		t.Fatalf("PermissionCreated() on foreign permission error = %v", err)
	}
	if len(access.createdPerms) != 0 {
		t.Errorf("foreign permission changed state: %v", access.createdPerms)
	}
}

func TestGeoserver_PermissionCreated_GroupOnlyNotImplemented(t *testing.T) {
	h, _, _, _, _ := newTestGeoserver(t)

	ev := PermissionEvent{
		ResourceID: 7,
		Event: engine.Event{
			Permission: engine.Permission{Name: "getFeature", Access: engine.AccessAllow, Scope: engine.ScopeMatch},
			Principal:  engine.Principal{Group: "researchers"},
		},
	}
	err := h.PermissionCreated(context.Background(), ev)
	if !errors.Is(err, engine.ErrNotImplemented) {
		t.Fatalf("PermissionCreated() for group = %v, want ErrNotImplemented", err)
	}
}
