package handlers

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/geostack/permsync/internal/accessctl"
	"github.com/geostack/permsync/internal/engine"
)

// AccessClient is the slice of the access-control client the handlers use.
// Satisfied by *accessctl.Client.
type AccessClient interface {
	ParentResourceTree(ctx context.Context, resourceID int) ([]accessctl.Resource, error)
	GetResource(ctx context.Context, resourceID int) (*accessctl.Resource, error)
	ServiceResources(ctx context.Context, serviceName string) (*accessctl.Resource, error)
	CreateResource(ctx context.Context, name, resType, displayName string, parentID int) (int, error)
	DeleteResource(ctx context.Context, resourceID int) error
	ResourcePermissions(ctx context.Context, user, group string, resourceID int) ([]engine.Permission, error)
	EffectiveUserPermissions(ctx context.Context, user string, resourceID int) ([]engine.Permission, error)
	CreatePermission(ctx context.Context, user, group string, resourceID int, perm engine.Permission) error
	DeletePermission(ctx context.Context, user, group string, resourceID int, permName string) error
}

// AccessControl is the handler for the access-control service itself. User
// and permission events originate from that service, so the hooks have
// nothing to mirror back; its real work is the adapter view below, which
// lets the synchronizer read and write permissions for every service whose
// permissions live there.
type AccessControl struct {
	name     string
	priority int
	client   AccessClient
	logger   *zap.Logger
}

func NewAccessControl(priority int, client AccessClient, logger *zap.Logger) (*AccessControl, error) {
	if client == nil {
		return nil, &engine.HandlerConfigError{Service: NameAccessControl, Reason: "missing client"}
	}
	return &AccessControl{
		name:     NameAccessControl,
		priority: priority,
		client:   client,
		logger:   logger.Named(NameAccessControl),
	}, nil
}

func (h *AccessControl) Name() string  { return h.name }
func (h *AccessControl) Priority() int { return h.priority }

func (h *AccessControl) UserCreated(ctx context.Context, user string) error { return nil }
func (h *AccessControl) UserDeleted(ctx context.Context, user string) error { return nil }

func (h *AccessControl) PermissionCreated(ctx context.Context, ev PermissionEvent) error { return nil }
func (h *AccessControl) PermissionDeleted(ctx context.Context, ev PermissionEvent) error { return nil }

func (h *AccessControl) Resync(ctx context.Context) error { return engine.ErrNotImplemented }

// Adapter returns the engine adapter for one service whose resources and
// permissions this access-control service owns.
func (h *AccessControl) Adapter(service string) engine.Adapter {
	return &accessAdapter{service: service, client: h.client, logger: h.logger}
}

// accessAdapter resolves segment paths against one service's resource tree
// and reads or writes permissions on the resolved resource.
type accessAdapter struct {
	service string
	client  AccessClient
	logger  *zap.Logger
}

// resolve walks the service tree along the segment names. It returns the
// resource at the end of the path, or nil when any segment is missing.
func (a *accessAdapter) resolve(ctx context.Context, res []engine.Segment) (*accessctl.Resource, error) {
	if len(res) == 0 {
		return nil, &engine.ResolutionError{Template: a.service, Reason: "empty resource path"}
	}
	root, err := a.client.ServiceResources(ctx, a.service)
	if err != nil {
		return nil, err
	}
	if root.Name != res[0].Name {
		a.logger.Debug("service root does not match resource path",
			zap.String("service", a.service),
			zap.String("root", root.Name),
			zap.String("segment", res[0].Name))
		return nil, nil
	}
	node := root
	for _, seg := range res[1:] {
		node = node.ChildNamed(seg.Name)
		if node == nil {
			return nil, nil
		}
	}
	return node, nil
}

// ensure walks the service tree like resolve but creates every missing
// segment, typed from the path, so permissions can land on new resources.
func (a *accessAdapter) ensure(ctx context.Context, res []engine.Segment) (int, error) {
	if len(res) == 0 {
		return 0, &engine.ResolutionError{Template: a.service, Reason: "empty resource path"}
	}
	root, err := a.client.ServiceResources(ctx, a.service)
	if err != nil {
		return 0, err
	}
	if root.Name != res[0].Name {
		return 0, &engine.ResolutionError{
			Template: a.service,
			Reason: fmt.Sprintf("service root %q does not match path root %q",
				root.Name, res[0].Name),
		}
	}
	node := root
	parentID := root.ID
	for _, seg := range res[1:] {
		if child := node.ChildNamed(seg.Name); child != nil {
			node = child
			parentID = child.ID
			continue
		}
		id, err := a.client.CreateResource(ctx, seg.Name, string(seg.Type), seg.DisplayName, parentID)
		if err != nil {
			return 0, err
		}
		// Descend into the freshly created, childless node.
		node = &accessctl.Resource{ID: id, Name: seg.Name, Type: string(seg.Type), ParentID: parentID}
		parentID = id
	}
	return parentID, nil
}

// GetPermissions reports the permissions the principal holds directly on
// the resource. A path that does not resolve holds no permissions. The
// synchronizer queries user and group parts separately; when both are set
// the user part wins.
func (a *accessAdapter) GetPermissions(ctx context.Context, res []engine.Segment, principal engine.Principal) ([]engine.Permission, error) {
	node, err := a.resolve(ctx, res)
	if err != nil {
		return nil, err
	}
	if node == nil {
		return nil, nil
	}
	if principal.User != "" {
		return a.client.ResourcePermissions(ctx, principal.User, "", node.ID)
	}
	return a.client.ResourcePermissions(ctx, "", principal.Group, node.ID)
}

// CreatePermission grants the permission to every set part of the
// principal, creating missing resources along the path first.
func (a *accessAdapter) CreatePermission(ctx context.Context, res []engine.Segment, principal engine.Principal, perm engine.Permission) error {
	id, err := a.ensure(ctx, res)
	if err != nil {
		return err
	}
	if principal.User != "" {
		if err := a.client.CreatePermission(ctx, principal.User, "", id, perm); err != nil {
			return err
		}
	}
	if principal.Group != "" {
		if err := a.client.CreatePermission(ctx, "", principal.Group, id, perm); err != nil {
			return err
		}
	}
	return nil
}

// DeletePermission revokes the permission from every set part of the
// principal. A path that does not resolve has nothing to revoke.
func (a *accessAdapter) DeletePermission(ctx context.Context, res []engine.Segment, principal engine.Principal, perm engine.Permission) error {
	node, err := a.resolve(ctx, res)
	if err != nil {
		return err
	}
	if node == nil {
		a.logger.Debug("resource already absent, nothing to revoke",
			zap.String("service", a.service), zap.String("path", engine.PathString(res)))
		return nil
	}
	if principal.User != "" {
		if err := a.client.DeletePermission(ctx, principal.User, "", node.ID, perm.Name); err != nil {
			return err
		}
	}
	if principal.Group != "" {
		if err := a.client.DeletePermission(ctx, "", principal.Group, node.ID, perm.Name); err != nil {
			return err
		}
	}
	return nil
}
