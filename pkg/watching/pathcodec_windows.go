//go:build windows

package watching

import (
	"strings"
	"unicode/utf16"
)

const (
	// longPathThreshold is the path length, in UTF-16 code units, above
	// which a root is rewritten with the extended-length prefix so that
	// ReadDirectoryChangesW isn't subject to the ~260-character MAX_PATH
	// limit.
	longPathThreshold = 240

	// longPathPrefix is the extended-length prefix for drive-letter paths.
	longPathPrefix = `\\?\`
	// longUNCPathPrefix is the extended-length prefix for UNC paths.
	longUNCPathPrefix = `\\?\UNC\`
)

// isDriveLetterPath reports whether path has the form "C:\..." or "C:/...".
func isDriveLetterPath(path string) bool {
	return len(path) >= 3 &&
		((path[0] >= 'A' && path[0] <= 'Z') || (path[0] >= 'a' && path[0] <= 'z')) &&
		path[1] == ':' &&
		(path[2] == '\\' || path[2] == '/')
}

// isUNCPath reports whether path has the form "\\server\share\...".
func isUNCPath(path string) bool {
	return strings.HasPrefix(path, `\\`) &&
		!strings.HasPrefix(path, `\\?\`)
}

// toNativeRoot rewrites path with the extended-length prefix when its length
// exceeds longPathThreshold, per the Windows long-path handling in the Path
// Codec. Paths already carrying an extended-length prefix, and paths that
// are neither drive-letter nor UNC forms, are left unchanged.
func toNativeRoot(path string) string {
	if len(utf16.Encode([]rune(path))) <= longPathThreshold {
		return path
	}
	if strings.HasPrefix(path, longPathPrefix) {
		return path
	}
	if isUNCPath(path) {
		// Strip the leading "\\" before appending it to the UNC prefix, so
		// that "\\host\share\..." becomes "\\?\UNC\host\share\...".
		return longUNCPathPrefix + path[2:]
	}
	if isDriveLetterPath(path) {
		return longPathPrefix + path
	}
	return path
}

// fromNativeRoot strips any extended-length prefix applied by toNativeRoot,
// so that event paths reported back to the host match the form the caller
// originally supplied.
func fromNativeRoot(path string) string {
	if strings.HasPrefix(path, longUNCPathPrefix) {
		return `\\` + path[len(longUNCPathPrefix):]
	}
	if strings.HasPrefix(path, longPathPrefix) {
		return path[len(longPathPrefix):]
	}
	return path
}
