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

	"github.com/geostack/permsync/internal/engine"
)

// NotebooksDirName is the symlink inside a user workspace pointing at the
// user's JupyterHub data directory.
const NotebooksDirName = "notebooks"

// DefaultWPSOutputsPublicSubdir is where public WPS outputs are mirrored
// inside the workspace directory when the config does not say otherwise.
const DefaultWPSOutputsPublicSubdir = "public/wpsoutputs"

// FileSystem manages the on-disk side of the platform: one workspace
// directory per user with a notebooks symlink into JupyterHub, and a public
// mirror of WPS output files kept up to date through hardlinks.
type FileSystem struct {
	name          string
	priority      int
	workspaceDir  string
	jupyterhubDir string
	wpsOutputsDir string
	publicSubdir  string
	monitors      Monitors
	logger        *zap.Logger

	// userOutputsRE matches WPS outputs under a bird's users/<uid>/
	// subtree, which are user data rather than public outputs.
	userOutputsRE *regexp.Regexp
}

func NewFileSystem(priority int, workspaceDir, jupyterhubDir, wpsOutputsDir, publicSubdir string, monitors Monitors, logger *zap.Logger) (*FileSystem, error) {
	if workspaceDir == "" {
		return nil, &engine.HandlerConfigError{Service: NameFileSystem, Reason: "missing workspace_dir"}
	}
	if jupyterhubDir == "" {
		return nil, &engine.HandlerConfigError{Service: NameFileSystem, Reason: "missing jupyterhub_user_data_dir"}
	}
	if wpsOutputsDir == "" {
		return nil, &engine.HandlerConfigError{Service: NameFileSystem, Reason: "missing wps_outputs_dir"}
	}
	if monitors == nil {
		return nil, &engine.HandlerConfigError{Service: NameFileSystem, Reason: "missing monitor registry"}
	}
	if publicSubdir == "" {
		publicSubdir = DefaultWPSOutputsPublicSubdir
	}
	wpsOutputsDir = filepath.Clean(wpsOutputsDir)
	return &FileSystem{
		name:          NameFileSystem,
		priority:      priority,
		workspaceDir:  filepath.Clean(workspaceDir),
		jupyterhubDir: filepath.Clean(jupyterhubDir),
		wpsOutputsDir: wpsOutputsDir,
		publicSubdir:  publicSubdir,
		monitors:      monitors,
		logger:        logger.Named(NameFileSystem),
		userOutputsRE: regexp.MustCompile(
			"^" + regexp.QuoteMeta(wpsOutputsDir) + `/\w+/users/(\d+)/(.+)`),
	}, nil
}

func (h *FileSystem) Name() string  { return h.name }
func (h *FileSystem) Priority() int { return h.priority }

// Start arms the watch over the WPS outputs directory. A missing directory
// only warns so the rest of the platform starts without the WPS stack.
func (h *FileSystem) Start(ctx context.Context) error {
	if _, err := os.Stat(h.wpsOutputsDir); err != nil {
		h.logger.Warn("WPS outputs directory not found, outputs are not monitored",
			zap.String("path", h.wpsOutputsDir))
		return nil
	}
	return h.monitors.Register(ctx, h.wpsOutputsDir, true, NameFileSystem)
}

func (h *FileSystem) userWorkspaceDir(user string) string {
	return filepath.Join(h.workspaceDir, user)
}

// PublicOutputsDir is the root of the public WPS outputs mirror.
func (h *FileSystem) PublicOutputsDir() string {
	return filepath.Join(h.workspaceDir, h.publicSubdir)
}

// publicPath maps a WPS output file to its location in the public mirror.
func (h *FileSystem) publicPath(src string) string {
	rel := strings.TrimPrefix(src, h.wpsOutputsDir+"/")
	return filepath.Join(h.PublicOutputsDir(), rel)
}

// UserCreated creates the user's workspace directory and links the
// notebooks directory into JupyterHub. The mode is reset even when the
// directory already exists so a recreated user starts from a known state.
func (h *FileSystem) UserCreated(ctx context.Context, user string) error {
	dir := h.userWorkspaceDir(user)
	if err := os.Mkdir(dir, 0o755); err != nil {
		if !errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("UserCreated: %w", err)
		}
		h.logger.Info("user workspace directory already exists", zap.String("path", dir))
	}
	if err := os.Chmod(dir, 0o755); err != nil {
		return fmt.Errorf("UserCreated: %w", err)
	}
	return h.ensureNotebooksSymlink(user)
}

// ensureNotebooksSymlink points <workspace>/notebooks at the user's
// JupyterHub data directory, replacing a stale link. A regular file or
// directory occupying the path is an error, not something to overwrite.
func (h *FileSystem) ensureNotebooksSymlink(user string) error {
	link := filepath.Join(h.userWorkspaceDir(user), NotebooksDirName)
	target := filepath.Join(h.jupyterhubDir, user)

	info, err := os.Lstat(link)
	switch {
	case err != nil:
		if !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("ensureNotebooksSymlink: %w", err)
		}
	case info.Mode()&fs.ModeSymlink == 0:
		return fmt.Errorf("ensureNotebooksSymlink: %s exists and is not a symlink", link)
	default:
		current, err := os.Readlink(link)
		if err != nil {
			return fmt.Errorf("ensureNotebooksSymlink: %w", err)
		}
		if current == target {
			return nil
		}
		if err := os.Remove(link); err != nil {
			return fmt.Errorf("ensureNotebooksSymlink: %w", err)
		}
	}
	if err := os.Symlink(target, link); err != nil {
		return fmt.Errorf("ensureNotebooksSymlink: %w", err)
	}
	return nil
}

// UserDeleted removes the user's workspace directory and everything in it.
func (h *FileSystem) UserDeleted(ctx context.Context, user string) error {
	dir := h.userWorkspaceDir(user)
	if _, err := os.Stat(dir); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			h.logger.Info("user workspace directory already removed", zap.String("path", dir))
			return nil
		}
		return fmt.Errorf("UserDeleted: %w", err)
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("UserDeleted: %w", err)
	}
	return nil
}

func (h *FileSystem) PermissionCreated(ctx context.Context, ev PermissionEvent) error {
	return engine.ErrNotImplemented
}

func (h *FileSystem) PermissionDeleted(ctx context.Context, ev PermissionEvent) error {
	return engine.ErrNotImplemented
}

// PathCreated mirrors a new WPS output file into the public directory.
// User-specific outputs stay private and are skipped.
func (h *FileSystem) PathCreated(ctx context.Context, path string) error {
	if !strings.HasPrefix(path, h.wpsOutputsDir+"/") {
		return nil
	}
	if info, err := os.Stat(path); err != nil || info.IsDir() {
		return nil
	}
	h.linkPublic(path)
	return nil
}

func (h *FileSystem) PathModified(ctx context.Context, path string) error {
	return nil
}

// PathDeleted removes the public mirror of a deleted WPS output.
func (h *FileSystem) PathDeleted(ctx context.Context, path string) error {
	if !strings.HasPrefix(path, h.wpsOutputsDir+"/") {
		return nil
	}
	if h.userOutputsRE.MatchString(path) {
		h.logger.Debug("user-specific WPS output, no public mirror to remove", zap.String("path", path))
		return nil
	}
	public := h.publicPath(path)
	info, err := os.Lstat(public)
	if err != nil {
		h.logger.Debug("no public mirror for deleted output", zap.String("path", public))
		return nil
	}
	if info.IsDir() {
		if err := os.RemoveAll(public); err != nil {
			return fmt.Errorf("PathDeleted: %w", err)
		}
		return nil
	}
	if err := os.Remove(public); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("PathDeleted: %w", err)
	}
	return nil
}

// linkPublic hardlinks a WPS output into the public mirror, overwriting
// whatever sits at the destination. Failures are logged and skipped so one
// bad file does not stop a resync walk.
func (h *FileSystem) linkPublic(src string) {
	if h.userOutputsRE.MatchString(src) {
		h.logger.Debug("user-specific WPS output, hardlink handling not supported", zap.String("path", src))
		return
	}
	public := h.publicPath(src)
	if _, err := os.Lstat(public); err == nil {
		h.logger.Warn("overwriting public mirror file", zap.String("path", public))
		if err := os.Remove(public); err != nil {
			h.logger.Warn("failed to remove existing public mirror file",
				zap.String("path", public), zap.Error(err))
			return
		}
	}
	if err := os.MkdirAll(filepath.Dir(public), 0o755); err != nil {
		h.logger.Warn("failed to create public mirror directory",
			zap.String("path", filepath.Dir(public)), zap.Error(err))
		return
	}
	if err := os.Link(src, public); err != nil {
		h.logger.Warn("failed to hardlink WPS output",
			zap.String("src", src), zap.String("dst", public), zap.Error(err))
	}
}

// Resync drops the whole public mirror and rebuilds it from the files
// currently under the WPS outputs directory.
func (h *FileSystem) Resync(ctx context.Context) error {
	if _, err := os.Stat(h.wpsOutputsDir); err != nil {
		h.logger.Warn("WPS outputs directory not found, nothing to resync",
			zap.String("path", h.wpsOutputsDir))
		return nil
	}
	if err := os.RemoveAll(h.PublicOutputsDir()); err != nil {
		return fmt.Errorf("Resync: %w", err)
	}
	err := filepath.WalkDir(h.wpsOutputsDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		h.linkPublic(path)
		return nil
	})
	if err != nil {
		return fmt.Errorf("Resync: %w", err)
	}
	return nil
}
