// Package config loads and validates the permsync YAML configuration
// document: the handler catalog and the permission sync points. Environment
// variables referenced as ${NAME} are expanded before parsing. The document
// is read once at startup; an invalid document must abort the process.
package config

import (
	"fmt"
	"os"
	"regexp"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/geostack/permsync/internal/engine"
)

// Config is the top-level configuration document.
type Config struct {
	// Handlers maps handler names (accessctl, geoserver, filesystem,
	// catalog, thredds) to their settings. Unknown names are rejected by
	// the handler registry, not here, so the document can be validated
	// without instantiating handlers.
	Handlers map[string]HandlerConfig `yaml:"handlers"`

	// SyncPermissions maps sync point names to their resource templates
	// and permission mappings.
	SyncPermissions map[string]SyncPointConfig `yaml:"sync_permissions"`
}

// HandlerConfig holds the settings for a single handler. Fields that a
// given handler does not use are ignored; required fields are enforced by
// the handler's constructor.
type HandlerConfig struct {
	// Active enables the handler. Inactive handlers are never
	// instantiated and receive no events.
	Active bool `yaml:"active"`

	// Priority orders handler fan-out: smaller values run earlier, ties
	// run in name order. Omitted means 0.
	Priority int `yaml:"priority"`

	// URL is the handler's remote endpoint (access-control API,
	// GeoServer REST root, catalog index).
	URL string `yaml:"url"`

	// AdminUser and AdminPassword authenticate against the remote
	// endpoint where one exists.
	AdminUser     string `yaml:"admin_user"`
	AdminPassword string `yaml:"admin_password"`

	// WorkspaceDir is the root under which per-user workspaces live.
	WorkspaceDir string `yaml:"workspace_dir"`

	// JupyterhubUserDataDir is the JupyterHub persistence root that user
	// notebook directories are linked from.
	JupyterhubUserDataDir string `yaml:"jupyterhub_user_data_dir"`

	// WPSOutputsDir is the root of WPS job outputs mirrored into public
	// workspaces.
	WPSOutputsDir string `yaml:"wps_outputs_dir"`

	// WPSOutputsPublicSubdir overrides the public mirror location inside
	// the workspace root. Defaults to "public/wps_outputs".
	WPSOutputsPublicSubdir string `yaml:"wps_outputs_public_subdir"`
}

// SyncPointConfig is one named entry under sync_permissions.
type SyncPointConfig struct {
	// Services maps service name to resource key to the ordered segment
	// specs forming that resource's path template.
	Services map[string]map[string][]engine.SegmentSpec `yaml:"services"`

	// PermissionsMapping lists the directed mapping lines, e.g.
	// "thredds_workspace : read <-> geoserver_workspace : [getFeature, getCapabilities]".
	PermissionsMapping []string `yaml:"permissions_mapping"`
}

// Only the braced ${NAME} form is expanded so bare $ characters inside
// regex segment patterns survive.
var envRefRE = regexp.MustCompile(`\$\{(\w+)\}`)

func expandEnv(data []byte) []byte {
	return envRefRE.ReplaceAllFunc(data, func(ref []byte) []byte {
		return []byte(os.Getenv(string(ref[2 : len(ref)-1])))
	})
}

// Load reads, expands and parses the configuration document at path.
// The result is parsed but not yet compiled; call SyncPoints to validate
// the sync section.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("Load: read config: %w", err)
	}
	return Parse(expandEnv(data))
}

// Parse parses a configuration document from raw YAML bytes.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("Parse: unmarshal config: %w", err)
	}
	return &cfg, nil
}

// ActiveHandlerNames returns the names of active handlers sorted by
// (priority, name).
func (c *Config) ActiveHandlerNames() []string {
	names := make([]string, 0, len(c.Handlers))
	for name, hc := range c.Handlers {
		if hc.Active {
			names = append(names, name)
		}
	}
	sort.Slice(names, func(i, j int) bool {
		pi, pj := c.Handlers[names[i]].Priority, c.Handlers[names[j]].Priority
		if pi != pj {
			return pi < pj
		}
		return names[i] < names[j]
	})
	return names
}

// SyncPoints compiles the sync_permissions section. Every template and
// mapping line is validated; the first violation is returned as an
// engine.ConfigError and the process must not start.
func (c *Config) SyncPoints() ([]*engine.SyncPoint, error) {
	names := make([]string, 0, len(c.SyncPermissions))
	for name := range c.SyncPermissions {
		names = append(names, name)
	}
	sort.Strings(names)

	points := make([]*engine.SyncPoint, 0, len(names))
	for _, name := range names {
		pc := c.SyncPermissions[name]
		if len(pc.Services) == 0 {
			return nil, &engine.ConfigError{
				Entry:  name,
				Reason: "sync point has no services section",
			}
		}
		point, err := engine.NewSyncPoint(name, pc.Services, pc.PermissionsMapping)
		if err != nil {
			return nil, err
		}
		points = append(points, point)
	}
	return points, nil
}

// Validate compiles the sync section and discards the result. It exists so
// callers that only need the handler catalog can still refuse to start on
// a broken document.
func (c *Config) Validate() error {
	_, err := c.SyncPoints()
	return err
}
