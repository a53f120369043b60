package watching

import (
	"path/filepath"

	"github.com/pkg/errors"
)

// canonicalizeRoot validates and normalizes a host-supplied root path prior
// to registration. It accepts absolute paths only; a relative path is
// rejected with ErrNotAbsolute. The returned string is in the server's
// canonical encoding (platform-specific long-path handling is applied by
// toNativeRoot/fromNativeRoot in pathcodec_windows.go and
// pathcodec_posix.go) and is suitable for use as a watchPoints map key, so
// that "no two live watch points share the same canonical root" holds.
func canonicalizeRoot(path string) (string, error) {
	if !filepath.IsAbs(path) {
		return "", ErrNotAbsolute
	}
	return filepath.Clean(path), nil
}

// joinEventPath reconstructs an absolute event path from a watch point's
// canonical root and a native-reported child name. It's shared by backends
// that report events as a bare child name relative to the root (Linux's
// inotify_event.name, Windows' FILE_NOTIFY_INFORMATION.FileName); macOS's
// FSEvents reports absolute paths directly and doesn't need this helper.
func joinEventPath(root, name string) string {
	if name == "" {
		return root
	}
	return filepath.Join(root, name)
}

// wrapPathError is a small helper used by every backend to attach a path to
// a syscall-level error without losing the original cause.
func wrapPathError(err error, op, path string) error {
	return errors.Wrapf(err, "%s %q", op, path)
}
