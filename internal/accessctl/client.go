// Package accessctl is the HTTP client for the access-control service that
// owns the canonical resource hierarchy and permission store. The service
// authenticates with a session cookie obtained from the admin signin
// endpoint; the client keeps the cookie for a short window and transparently
// signs in again when it expires or when a request comes back 401/403.
package accessctl

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/geostack/permsync/internal/engine"
)

// ServiceName is the name the rest of the system knows this service by, in
// logs and in CommunicationError values.
const ServiceName = "accessctl"

// cookieTTL is how long a session cookie is reused before signing in again.
// The service's own session lifetime is much longer; the short window keeps
// a revoked admin account from being used for more than a minute.
const cookieTTL = 60 * time.Second

// Resource is one node of the access-control resource hierarchy. Children
// are keyed by resource ID and only populated by tree queries.
type Resource struct {
	ID          int                  `json:"resource_id"`
	ParentID    int                  `json:"parent_id,omitempty"`
	Name        string               `json:"resource_name"`
	DisplayName string               `json:"resource_display_name,omitempty"`
	Type        string               `json:"resource_type"`
	Children    map[string]*Resource `json:"children,omitempty"`
}

// ChildNamed returns the direct child with the given resource name, or nil.
func (r *Resource) ChildNamed(name string) *Resource {
	for _, child := range r.Children {
		if child.Name == name {
			return child
		}
	}
	return nil
}

// Config holds the settings for creating a Client.
type Config struct {
	// BaseURL is the root of the access-control REST API.
	BaseURL string

	// AdminUser and AdminPassword are the credentials used for signin.
	AdminUser     string
	AdminPassword string

	// HTTPClient is used for all requests. Defaults to http.DefaultClient.
	HTTPClient *http.Client

	// Logger defaults to zap.NewNop().
	Logger *zap.Logger
}

// Client talks to the access-control service as the admin user. Safe for
// concurrent use.
type Client struct {
	baseURL    string
	adminUser  string
	adminPass  string
	httpClient *http.Client
	logger     *zap.Logger
	now        func() time.Time

	mu       sync.Mutex
	cookies  []*http.Cookie
	cookieAt time.Time
}

// NewClient validates the configuration and returns a Client. Missing
// credentials are a configuration error: the synchronizer cannot run at all
// without an admin session.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, &engine.HandlerConfigError{Service: ServiceName, Reason: "missing url"}
	}
	if cfg.AdminUser == "" || cfg.AdminPassword == "" {
		return nil, &engine.HandlerConfigError{Service: ServiceName, Reason: "missing admin credentials"}
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		adminUser:  cfg.AdminUser,
		adminPass:  cfg.AdminPassword,
		httpClient: httpClient,
		logger:     logger,
		now:        time.Now,
	}, nil
}

// session returns cookies from a signin no older than cookieTTL, signing in
// again when needed.
func (c *Client) session(ctx context.Context) ([]*http.Cookie, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cookies != nil && c.now().Sub(c.cookieAt) <= cookieTTL {
		return c.cookies, nil
	}

	payload, err := json.Marshal(map[string]string{
		"user_name": c.adminUser,
		"password":  c.adminPass,
	})
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/signin", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("session: signin as %q: %w", c.adminUser, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("session: signin as %q: status %d", c.adminUser, resp.StatusCode)
	}

	c.cookies = resp.Cookies()
	c.cookieAt = c.now()
	c.logger.Debug("signed in to access-control service", zap.String("user", c.adminUser))
	return c.cookies, nil
}

func (c *Client) invalidateSession() {
	c.mu.Lock()
	c.cookies = nil
	c.mu.Unlock()
}

// send performs one authenticated request and returns the status code and
// body. Transport errors are returned as-is; status interpretation is the
// caller's job.
func (c *Client) send(ctx context.Context, method, path string, query url.Values, payload any) (int, []byte, error) {
	cookies, err := c.session(ctx)
	if err != nil {
		return 0, nil, err
	}

	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	var bodyReader io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, fmt.Errorf("send: %w", err)
		}
		bodyReader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, bodyReader)
	if err != nil {
		return 0, nil, fmt.Errorf("send: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for _, cookie := range cookies {
		req.AddCookie(cookie)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("%s %s: read body: %w", method, path, err)
	}
	return resp.StatusCode, body, nil
}

// do sends a request and retries exactly once with a fresh signin when the
// session is rejected.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, payload any) (int, []byte, error) {
	status, body, err := c.send(ctx, method, path, query, payload)
	if err != nil {
		return 0, nil, err
	}
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		c.logger.Debug("session rejected, signing in again",
			zap.String("method", method), zap.String("path", path), zap.Int("status", status))
		c.invalidateSession()
		return c.send(ctx, method, path, query, payload)
	}
	return status, body, nil
}

func (c *Client) commErr(op string, err error) error {
	return &engine.CommunicationError{Service: ServiceName, Op: op, Err: err}
}

func (c *Client) statusErr(op string, status int, body []byte) error {
	detail := strings.TrimSpace(string(body))
	if len(detail) > 200 {
		detail = detail[:200]
	}
	return &engine.CommunicationError{
		Service: ServiceName,
		Op:      op,
		Err:     fmt.Errorf("status %d: %s", status, detail),
	}
}

// ParentResourceTree returns the resource with the given ID and all of its
// parents, ordered root first.
func (c *Client) ParentResourceTree(ctx context.Context, resourceID int) ([]Resource, error) {
	const op = "ParentResourceTree"
	query := url.Values{"parent": {"true"}, "invert": {"true"}, "flatten": {"true"}}
	status, body, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/resources/%d", resourceID), query, nil)
	if err != nil {
		return nil, c.commErr(op, err)
	}
	if status != http.StatusOK {
		return nil, c.statusErr(op, status, body)
	}
	var out struct {
		Resources []Resource `json:"resources"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, c.commErr(op, err)
	}
	return out.Resources, nil
}

// GetResource returns a single resource node with its nested children.
func (c *Client) GetResource(ctx context.Context, resourceID int) (*Resource, error) {
	const op = "GetResource"
	query := url.Values{"parent": {"false"}}
	status, body, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/resources/%d", resourceID), query, nil)
	if err != nil {
		return nil, c.commErr(op, err)
	}
	if status != http.StatusOK {
		return nil, c.statusErr(op, status, body)
	}
	var out struct {
		Resource *Resource `json:"resource"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, c.commErr(op, err)
	}
	if out.Resource == nil {
		return nil, c.commErr(op, fmt.Errorf("resource %d: empty body", resourceID))
	}
	return out.Resource, nil
}

// ServiceResources returns the root resource node of a service with its
// full child tree.
func (c *Client) ServiceResources(ctx context.Context, serviceName string) (*Resource, error) {
	const op = "ServiceResources"
	status, body, err := c.do(ctx, http.MethodGet, "/services/"+url.PathEscape(serviceName)+"/resources", nil, nil)
	if err != nil {
		return nil, c.commErr(op, err)
	}
	if status != http.StatusOK {
		return nil, c.statusErr(op, status, body)
	}
	var out struct {
		Service *Resource `json:"service"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, c.commErr(op, err)
	}
	if out.Service == nil {
		return nil, c.commErr(op, fmt.Errorf("service %q: empty resource tree", serviceName))
	}
	return out.Service, nil
}

// CreateResource creates a resource under parentID and returns the new
// resource ID. An empty display name falls back to the resource name.
func (c *Client) CreateResource(ctx context.Context, name, resType, displayName string, parentID int) (int, error) {
	const op = "CreateResource"
	if displayName == "" {
		displayName = name
	}
	payload := map[string]any{
		"resource_name":         name,
		"resource_display_name": displayName,
		"resource_type":         resType,
		"parent_id":             parentID,
	}
	status, body, err := c.do(ctx, http.MethodPost, "/resources", nil, payload)
	if err != nil {
		return 0, c.commErr(op, err)
	}
	if status != http.StatusCreated {
		return 0, c.statusErr(op, status, body)
	}
	var out struct {
		Resource Resource `json:"resource"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return 0, c.commErr(op, err)
	}
	c.logger.Info("created resource",
		zap.String("name", name), zap.String("type", resType), zap.Int("id", out.Resource.ID))
	return out.Resource.ID, nil
}

// DeleteResource removes a resource and its subtree. A missing resource is
// not an error.
func (c *Client) DeleteResource(ctx context.Context, resourceID int) error {
	const op = "DeleteResource"
	status, body, err := c.do(ctx, http.MethodDelete, fmt.Sprintf("/resources/%d", resourceID), nil, nil)
	if err != nil {
		return c.commErr(op, err)
	}
	switch status {
	case http.StatusOK:
		c.logger.Info("deleted resource", zap.Int("id", resourceID))
		return nil
	case http.StatusNotFound:
		c.logger.Debug("resource already absent", zap.Int("id", resourceID))
		return nil
	default:
		return c.statusErr(op, status, body)
	}
}

type permissionPayload struct {
	Name   string `json:"name"`
	Access string `json:"access"`
	Scope  string `json:"scope"`
}

func permissionPath(user, group string, resourceID int) (string, error) {
	switch {
	case user != "":
		return fmt.Sprintf("/users/%s/resources/%d/permissions", url.PathEscape(user), resourceID), nil
	case group != "":
		return fmt.Sprintf("/groups/%s/resources/%d/permissions", url.PathEscape(group), resourceID), nil
	default:
		return "", fmt.Errorf("neither user nor group given")
	}
}

// ResourcePermissions returns the permissions the user or group holds
// directly on a resource. Exactly one of user and group must be set.
func (c *Client) ResourcePermissions(ctx context.Context, user, group string, resourceID int) ([]engine.Permission, error) {
	const op = "ResourcePermissions"
	path, err := permissionPath(user, group, resourceID)
	if err != nil {
		return nil, c.commErr(op, err)
	}
	status, body, err := c.do(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		return nil, c.commErr(op, err)
	}
	if status != http.StatusOK {
		return nil, c.statusErr(op, status, body)
	}
	var out struct {
		Permissions []permissionPayload `json:"permissions"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, c.commErr(op, err)
	}
	perms := make([]engine.Permission, 0, len(out.Permissions))
	for _, p := range out.Permissions {
		perms = append(perms, engine.Permission{
			Name:   p.Name,
			Access: engine.Access(p.Access),
			Scope:  engine.Scope(p.Scope),
		})
	}
	return perms, nil
}

// EffectiveUserPermissions returns the permissions a user holds on a
// resource after the service resolves inheritance and group memberships.
// Effective permissions always come back with match scope, even when they
// derive from a recursive permission of a parent.
func (c *Client) EffectiveUserPermissions(ctx context.Context, user string, resourceID int) ([]engine.Permission, error) {
	const op = "EffectiveUserPermissions"
	path := fmt.Sprintf("/users/%s/resources/%d/permissions", url.PathEscape(user), resourceID)
	status, body, err := c.do(ctx, http.MethodGet, path, url.Values{"effective": {"true"}}, nil)
	if err != nil {
		return nil, c.commErr(op, err)
	}
	if status != http.StatusOK {
		return nil, c.statusErr(op, status, body)
	}
	var out struct {
		Permissions []permissionPayload `json:"permissions"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, c.commErr(op, err)
	}
	perms := make([]engine.Permission, 0, len(out.Permissions))
	for _, p := range out.Permissions {
		perms = append(perms, engine.Permission{
			Name:   p.Name,
			Access: engine.Access(p.Access),
			Scope:  engine.Scope(p.Scope),
		})
	}
	return perms, nil
}

// CreatePermission grants a permission on a resource to a user or group.
// If the identical triple already exists nothing is sent; if a permission
// with the same name but different access or scope exists it is updated in
// place. This keeps the access-control service from emitting redundant
// change events that would echo back through the webhook.
func (c *Client) CreatePermission(ctx context.Context, user, group string, resourceID int, perm engine.Permission) error {
	const op = "CreatePermission"
	path, err := permissionPath(user, group, resourceID)
	if err != nil {
		return c.commErr(op, err)
	}

	existing, err := c.ResourcePermissions(ctx, user, group, resourceID)
	if err != nil {
		return err
	}
	method := http.MethodPost
	for _, p := range existing {
		if p.Name != perm.Name {
			continue
		}
		if p.Access == perm.Access && p.Scope == perm.Scope {
			c.logger.Debug("permission already present",
				zap.Int("resource", resourceID), zap.String("permission", perm.String()))
			return nil
		}
		method = http.MethodPut
		break
	}

	payload := map[string]any{"permission": permissionPayload{
		Name:   perm.Name,
		Access: string(perm.Access),
		Scope:  string(perm.Scope),
	}}
	status, body, err := c.do(ctx, method, path, nil, payload)
	if err != nil {
		return c.commErr(op, err)
	}
	if status != http.StatusOK && status != http.StatusCreated {
		return c.statusErr(op, status, body)
	}
	c.logger.Info("created permission",
		zap.Int("resource", resourceID),
		zap.String("user", user), zap.String("group", group),
		zap.String("permission", perm.String()))
	return nil
}

// DeletePermission revokes a named permission on a resource from a user or
// group. A missing permission is not an error.
func (c *Client) DeletePermission(ctx context.Context, user, group string, resourceID int, permName string) error {
	const op = "DeletePermission"
	path, err := permissionPath(user, group, resourceID)
	if err != nil {
		return c.commErr(op, err)
	}
	status, body, err := c.do(ctx, http.MethodDelete, path+"/"+url.PathEscape(permName), nil, nil)
	if err != nil {
		return c.commErr(op, err)
	}
	switch status {
	case http.StatusOK:
		c.logger.Info("deleted permission",
			zap.Int("resource", resourceID),
			zap.String("user", user), zap.String("group", group),
			zap.String("permission", permName))
		return nil
	case http.StatusNotFound:
		c.logger.Debug("permission already absent",
			zap.Int("resource", resourceID), zap.String("permission", permName))
		return nil
	default:
		return c.statusErr(op, status, body)
	}
}
