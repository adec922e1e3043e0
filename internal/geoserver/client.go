// Package geoserver is the REST client for the GeoServer instance whose
// layers are published from per-user shapefile datastores. Payloads follow
// the GeoServer REST API (https://docs.geoserver.org/master/en/user/rest/),
// written as JSON rather than XML.
package geoserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/geostack/permsync/internal/engine"
)

// ServiceName identifies this service in logs and CommunicationError values.
const ServiceName = "geoserver"

// ShapefileExt is the extension of a shapefile's main file. Events on this
// file drive publishing; sibling files are carried along.
const ShapefileExt = ".shp"

// DatastoreDirName is the directory inside a user workspace that holds the
// user's shapefiles.
const DatastoreDirName = "shapefile_datastore"

// RequiredShapefileExts are the files a shapefile must provide before it can
// be published. OptionalShapefileExts may accompany them.
var (
	RequiredShapefileExts = []string{ShapefileExt, ".prj", ".dbf", ".shx"}
	OptionalShapefileExts = []string{".atx", ".sbx", ".qix", ".aih", ".ain", ".shp.xml", ".cpg"}
	AllShapefileExts      = append(append([]string{}, RequiredShapefileExts...), OptionalShapefileExts...)
)

// ReadPermissions and WritePermissions classify the WFS/WMS operation names
// the access-control service knows for geoserver-type services.
var (
	ReadPermissions = []string{
		"describeFeatureType", "describeStoredQueries", "getCapabilities",
		"getFeature", "getGmlObject", "getPropertyValue", "listStoredQueries",
		"describeLayer", "getFeatureInfo", "getLegendGraphic", "getMap",
	}
	WritePermissions = []string{
		"createStoredQuery", "dropStoredQuery", "getFeatureWithLock",
		"lockFeature", "transaction",
	}
)

// DatastoreName returns the name a workspace's shapefile datastore is known
// by inside GeoServer. The name does not exist on the file system.
func DatastoreName(workspace string) string {
	return "shapefile_datastore_" + workspace
}

// wgs84 is the WKT declaration sent with published feature types so layers
// without projection metadata still render.
const wgs84 = `GEOGCS["WGS 84",
  DATUM["World Geodetic System 1984",
    SPHEROID["WGS 84", 6378137.0, 298.257223563, AUTHORITY["EPSG","7030"]],
    AUTHORITY["EPSG","6326"]],
  PRIMEM["Greenwich", 0.0, AUTHORITY["EPSG","8901"]],
  UNIT["degree", 0.017453292519943295],
  AXIS["Geodetic longitude", EAST],
  AXIS["Geodetic latitude", NORTH],
  AUTHORITY["EPSG","4326"]]`

// Config holds the settings for creating a Client.
type Config struct {
	// BaseURL is the GeoServer root, e.g. http://geoserver:8080/geoserver.
	// The REST prefix is appended by the client.
	BaseURL string

	// AdminUser and AdminPassword are sent as basic auth.
	AdminUser     string
	AdminPassword string

	// HTTPClient defaults to http.DefaultClient.
	HTTPClient *http.Client

	// Logger defaults to zap.NewNop().
	Logger *zap.Logger
}

// Client talks to the GeoServer REST API. Safe for concurrent use.
type Client struct {
	apiURL     string
	adminUser  string
	adminPass  string
	httpClient *http.Client
	logger     *zap.Logger
}

func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, &engine.HandlerConfigError{Service: ServiceName, Reason: "missing url"}
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
		apiURL:     strings.TrimRight(cfg.BaseURL, "/") + "/rest",
		adminUser:  cfg.AdminUser,
		adminPass:  cfg.AdminPassword,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

func (c *Client) do(ctx context.Context, method, path string, payload any) (int, []byte, error) {
	var bodyReader io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, fmt.Errorf("do: %w", err)
		}
		bodyReader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.apiURL+path, bodyReader)
	if err != nil {
		return 0, nil, fmt.Errorf("do: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.SetBasicAuth(c.adminUser, c.adminPass)

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

// check interprets a GeoServer response. Error pages in the 400 range are
// HTML, so their bodies stay out of the logs; 500 bodies are usually concise
// and are included.
func (c *Client) check(op string, status int, body []byte) error {
	fail := func(err error) error {
		return &engine.CommunicationError{Service: ServiceName, Op: op, Err: err}
	}
	text := string(body)
	switch {
	case status == http.StatusOK || status == http.StatusCreated:
		c.logger.Info("geoserver operation successful", zap.String("op", op))
		return nil
	case status == http.StatusUnauthorized && strings.Contains(text, "already exists"):
		// GeoServer reports an existing workspace with a misleading 401.
		// It must not block the remaining provisioning steps.
		c.logger.Warn("geoserver workspace already exists", zap.String("op", op))
		return nil
	case status == http.StatusUnauthorized:
		return fail(fmt.Errorf("missing or invalid admin credentials"))
	case status == http.StatusForbidden && op == "RemoveWorkspace":
		return fail(fmt.Errorf("workspace not empty, recurse must be set"))
	case status == http.StatusNotFound && strings.Contains(text, "not found"):
		return fail(fmt.Errorf("workspace not found"))
	case status == http.StatusNotFound && strings.Contains(text, "No such data store"):
		return fail(fmt.Errorf("datastore not found"))
	case status == http.StatusNotFound && strings.Contains(text, "No such feature type"):
		return fail(fmt.Errorf("feature type not found"))
	case status == http.StatusInternalServerError:
		return fail(fmt.Errorf("status 500: %s", strings.TrimSpace(text)))
	default:
		return fail(fmt.Errorf("status %d", status))
	}
}

// CreateWorkspace creates an isolated workspace. An already existing
// workspace is tolerated so provisioning can be replayed.
func (c *Client) CreateWorkspace(ctx context.Context, name string) error {
	const op = "CreateWorkspace"
	c.logger.Info("creating geoserver workspace", zap.String("workspace", name))
	payload := map[string]any{"workspace": map[string]any{"name": name, "isolated": "true"}}
	status, body, err := c.do(ctx, http.MethodPost, "/workspaces/", payload)
	if err != nil {
		return &engine.CommunicationError{Service: ServiceName, Op: op, Err: err}
	}
	return c.check(op, status, body)
}

// RemoveWorkspace removes a workspace with all of its datastores and layers.
func (c *Client) RemoveWorkspace(ctx context.Context, name string) error {
	const op = "RemoveWorkspace"
	c.logger.Info("removing geoserver workspace", zap.String("workspace", name))
	status, body, err := c.do(ctx, http.MethodDelete, "/workspaces/"+url.PathEscape(name)+"?recurse=true", nil)
	if err != nil {
		return &engine.CommunicationError{Service: ServiceName, Op: op, Err: err}
	}
	return c.check(op, status, body)
}

type connectionEntry struct {
	Value string `json:"$"`
	Key   string `json:"@key"`
}

// CreateDatastore creates and configures a directory-of-shapefiles datastore
// inside a workspace. datastoreDir is the datastore path as seen by the
// GeoServer process, not by this one. Configuration happens in a second
// request because GeoServer tends to create the wrong datastore type when
// the connection parameters are set at creation.
func (c *Client) CreateDatastore(ctx context.Context, workspace, datastoreDir string) error {
	const dsType = "Directory of spatial files (shapefiles)"
	name := DatastoreName(workspace)
	c.logger.Info("creating geoserver datastore",
		zap.String("workspace", workspace), zap.String("datastore", name))

	createPayload := map[string]any{"dataStore": map[string]any{
		"name":                 name,
		"type":                 dsType,
		"connectionParameters": map[string]any{"entry": []connectionEntry{}},
	}}
	status, body, err := c.do(ctx, http.MethodPost, "/workspaces/"+url.PathEscape(workspace)+"/datastores", createPayload)
	if err != nil {
		return &engine.CommunicationError{Service: ServiceName, Op: "CreateDatastore", Err: err}
	}
	if err := c.check("CreateDatastore", status, body); err != nil {
		return err
	}

	configurePayload := map[string]any{"dataStore": map[string]any{
		"name": name,
		"type": dsType,
		"connectionParameters": map[string]any{"entry": []connectionEntry{
			{Value: "UTF-8", Key: "charset"},
			{Value: "shapefile", Key: "filetype"},
			{Value: "true", Key: "create spatial index"},
			{Value: "true", Key: "memory mapped buffer"},
			{Value: "GMT", Key: "timezone"},
			{Value: "true", Key: "enable spatial index"},
			{Value: "http://" + name, Key: "namespace"},
			{Value: "true", Key: "cache and reuse memory maps"},
			{Value: "file://" + datastoreDir, Key: "url"},
			{Value: "shape", Key: "fstype"},
		}},
	}}
	status, body, err = c.do(ctx, http.MethodPut,
		"/workspaces/"+url.PathEscape(workspace)+"/datastores/"+url.PathEscape(name), configurePayload)
	if err != nil {
		return &engine.CommunicationError{Service: ServiceName, Op: "ConfigureDatastore", Err: err}
	}
	return c.check("ConfigureDatastore", status, body)
}

// PublishFeatureType publishes a shapefile (by its name without extension)
// as a feature type of the workspace's datastore.
func (c *Client) PublishFeatureType(ctx context.Context, workspace, shapefile string) error {
	const op = "PublishFeatureType"
	datastore := DatastoreName(workspace)
	c.logger.Info("publishing feature type",
		zap.String("workspace", workspace),
		zap.String("datastore", datastore),
		zap.String("shapefile", shapefile))

	payload := map[string]any{"featureType": map[string]any{
		"name":             shapefile,
		"nativeCRS":        wgs84,
		"srs":              "EPSG:4326",
		"projectionPolicy": "REPROJECT_TO_DECLARED",
		"maxFeatures":      5000,
		"numDecimals":      6,
	}}
	path := "/workspaces/" + url.PathEscape(workspace) + "/datastores/" + url.PathEscape(datastore) + "/featuretypes"
	status, body, err := c.do(ctx, http.MethodPost, path, payload)
	if err != nil {
		return &engine.CommunicationError{Service: ServiceName, Op: op, Err: err}
	}
	return c.check(op, status, body)
}

// RemoveFeatureType removes a published feature type and its layer.
func (c *Client) RemoveFeatureType(ctx context.Context, workspace, shapefile string) error {
	const op = "RemoveFeatureType"
	datastore := DatastoreName(workspace)
	c.logger.Info("removing feature type",
		zap.String("workspace", workspace),
		zap.String("datastore", datastore),
		zap.String("shapefile", shapefile))

	path := "/workspaces/" + url.PathEscape(workspace) + "/datastores/" + url.PathEscape(datastore) +
		"/featuretypes/" + url.PathEscape(shapefile) + "?recurse=true"
	status, body, err := c.do(ctx, http.MethodDelete, path, nil)
	if err != nil {
		return &engine.CommunicationError{Service: ServiceName, Op: op, Err: err}
	}
	return c.check(op, status, body)
}
