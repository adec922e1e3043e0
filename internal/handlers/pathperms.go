package handlers

import (
	"io/fs"
	"os"

	"go.uber.org/zap"
)

// User data access on the shared file system is managed through the
// "others" permission bits only; the owning user and group bits stay
// untouched so the services running as the admin account keep access.
const (
	otherRead  fs.FileMode = 0o4
	otherWrite fs.FileMode = 0o2
	otherExec  fs.FileMode = 0o1
)

// updateOthersPermissions returns mode with the others bits set or cleared
// according to the three flags.
func updateOthersPermissions(mode fs.FileMode, readable, writable, executable bool) fs.FileMode {
	for _, bit := range []struct {
		enabled bool
		mode    fs.FileMode
	}{
		{readable, otherRead},
		{writable, otherWrite},
		{executable, otherExec},
	} {
		if bit.enabled {
			mode |= bit.mode
		} else {
			mode &^= bit.mode
		}
	}
	return mode
}

// applyPathPermissions chmods the path when the desired others bits differ
// from the current ones. Skipping no-op chmods keeps permission events from
// echoing between the access-control service and the file-system watches.
func applyPathPermissions(path string, readable, writable, executable bool, logger *zap.Logger) {
	info, err := os.Stat(path)
	if err != nil {
		logger.Warn("cannot stat path to update permissions", zap.String("path", path), zap.Error(err))
		return
	}
	current := info.Mode().Perm()
	desired := updateOthersPermissions(current, readable, writable, executable)
	if desired == current {
		return
	}
	if err := os.Chmod(path, desired); err != nil {
		logger.Warn("failed to change path permissions",
			zap.String("path", path),
			zap.String("from", current.String()),
			zap.String("to", desired.String()),
			zap.Error(err))
	}
}

// othersBits reports the others read, write and execute bits of a path. A
// missing path has none.
func othersBits(path string) (readable, writable, executable bool) {
	info, err := os.Stat(path)
	if err != nil {
		return false, false, false
	}
	mode := info.Mode().Perm()
	return mode&otherRead != 0, mode&otherWrite != 0, mode&otherExec != 0
}
