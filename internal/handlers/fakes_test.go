package handlers

import (
	"context"
	"fmt"

	"github.com/geostack/permsync/internal/accessctl"
	"github.com/geostack/permsync/internal/engine"
)

// fakeAccess is an in-memory AccessClient. Resource trees are built with
// addService and addChild; permission state is plain maps the tests seed
// and inspect directly.
type fakeAccess struct {
	trees  map[string]*accessctl.Resource
	nodes  map[int]*accessctl.Resource
	nextID int

	direct    map[string][]engine.Permission
	effective map[int][]engine.Permission

	createdResources []string
	deletedResources []int
	createdPerms     []string
	deletedPerms     []string

	err error
}

func newFakeAccess() *fakeAccess {
	return &fakeAccess{
		trees:     make(map[string]*accessctl.Resource),
		nodes:     make(map[int]*accessctl.Resource),
		nextID:    1,
		direct:    make(map[string][]engine.Permission),
		effective: make(map[int][]engine.Permission),
	}
}

func permKey(user, group string, resourceID int) string {
	return fmt.Sprintf("%s|%s|%d", user, group, resourceID)
}

func (f *fakeAccess) addService(name string) *accessctl.Resource {
	node := &accessctl.Resource{
		ID:       f.nextID,
		Name:     name,
		Type:     "service",
		Children: make(map[string]*accessctl.Resource),
	}
	f.nextID++
	f.trees[name] = node
	f.nodes[node.ID] = node
	return node
}

func (f *fakeAccess) addChild(parent *accessctl.Resource, name, resType string) *accessctl.Resource {
	node := &accessctl.Resource{
		ID:       f.nextID,
		ParentID: parent.ID,
		Name:     name,
		Type:     resType,
		Children: make(map[string]*accessctl.Resource),
	}
	f.nextID++
	if parent.Children == nil {
		parent.Children = make(map[string]*accessctl.Resource)
	}
	parent.Children[name] = node
	f.nodes[node.ID] = node
	return node
}

func (f *fakeAccess) ParentResourceTree(ctx context.Context, resourceID int) ([]accessctl.Resource, error) {
	if f.err != nil {
		return nil, f.err
	}
	var chain []accessctl.Resource
	for id := resourceID; id != 0; {
		node, ok := f.nodes[id]
		if !ok {
			return nil, fmt.Errorf("no such resource %d", id)
		}
		chain = append([]accessctl.Resource{*node}, chain...)
		id = node.ParentID
	}
	return chain, nil
}

func (f *fakeAccess) GetResource(ctx context.Context, resourceID int) (*accessctl.Resource, error) {
	if f.err != nil {
		return nil, f.err
	}
	node, ok := f.nodes[resourceID]
	if !ok {
		return nil, fmt.Errorf("no such resource %d", resourceID)
	}
	return node, nil
}

func (f *fakeAccess) ServiceResources(ctx context.Context, serviceName string) (*accessctl.Resource, error) {
	if f.err != nil {
		return nil, f.err
	}
	root, ok := f.trees[serviceName]
	if !ok {
		return nil, fmt.Errorf("no such service %q", serviceName)
	}
	return root, nil
}

func (f *fakeAccess) CreateResource(ctx context.Context, name, resType, displayName string, parentID int) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	parent, ok := f.nodes[parentID]
	if !ok {
		return 0, fmt.Errorf("no such parent %d", parentID)
	}
	node := f.addChild(parent, name, resType)
	f.createdResources = append(f.createdResources, fmt.Sprintf("%s:%s:%d", name, resType, parentID))
	return node.ID, nil
}

func (f *fakeAccess) DeleteResource(ctx context.Context, resourceID int) error {
	if f.err != nil {
		return f.err
	}
	f.deletedResources = append(f.deletedResources, resourceID)
	if node, ok := f.nodes[resourceID]; ok {
		if parent, ok := f.nodes[node.ParentID]; ok {
			delete(parent.Children, node.Name)
		}
		delete(f.nodes, resourceID)
	}
	return nil
}

func (f *fakeAccess) ResourcePermissions(ctx context.Context, user, group string, resourceID int) ([]engine.Permission, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.direct[permKey(user, group, resourceID)], nil
}

func (f *fakeAccess) EffectiveUserPermissions(ctx context.Context, user string, resourceID int) ([]engine.Permission, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.effective[resourceID], nil
}

func (f *fakeAccess) CreatePermission(ctx context.Context, user, group string, resourceID int, perm engine.Permission) error {
	if f.err != nil {
		return f.err
	}
	key := permKey(user, group, resourceID)
	f.direct[key] = append(f.direct[key], perm)
	f.createdPerms = append(f.createdPerms, key+":"+perm.String())
	return nil
}

func (f *fakeAccess) DeletePermission(ctx context.Context, user, group string, resourceID int, permName string) error {
	if f.err != nil {
		return f.err
	}
	key := permKey(user, group, resourceID)
	kept := f.direct[key][:0]
	for _, p := range f.direct[key] {
		if p.Name != permName {
			kept = append(kept, p)
		}
	}
	f.direct[key] = kept
	f.deletedPerms = append(f.deletedPerms, fmt.Sprintf("%s:%s", key, permName))
	return nil
}

// fakeGeo records GeoServer REST calls.
type fakeGeo struct {
	workspaces      []string
	removedWS       []string
	datastores      []string
	published       []string
	removedFeatures []string
	err             error
}

func (f *fakeGeo) CreateWorkspace(ctx context.Context, name string) error {
	if f.err != nil {
		return f.err
	}
	f.workspaces = append(f.workspaces, name)
	return nil
}

func (f *fakeGeo) RemoveWorkspace(ctx context.Context, name string) error {
	if f.err != nil {
		return f.err
	}
	f.removedWS = append(f.removedWS, name)
	return nil
}

func (f *fakeGeo) CreateDatastore(ctx context.Context, workspace, datastoreDir string) error {
	if f.err != nil {
		return f.err
	}
	f.datastores = append(f.datastores, workspace+":"+datastoreDir)
	return nil
}

func (f *fakeGeo) PublishFeatureType(ctx context.Context, workspace, shapefile string) error {
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, workspace+":"+shapefile)
	return nil
}

func (f *fakeGeo) RemoveFeatureType(ctx context.Context, workspace, shapefile string) error {
	if f.err != nil {
		return f.err
	}
	f.removedFeatures = append(f.removedFeatures, workspace+":"+shapefile)
	return nil
}

// fakeMonitors records watch registrations.
type fakeMonitors struct {
	registered   []string
	unregistered []string
	err          error
}

func (f *fakeMonitors) Register(ctx context.Context, path string, recursive bool, callback string) error {
	if f.err != nil {
		return f.err
	}
	f.registered = append(f.registered, fmt.Sprintf("%s:%v:%s", path, recursive, callback))
	return nil
}

func (f *fakeMonitors) Unregister(ctx context.Context, path string, callback string) error {
	if f.err != nil {
		return f.err
	}
	f.unregistered = append(f.unregistered, path+":"+callback)
	return nil
}
