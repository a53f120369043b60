//go:build linux || darwin

package watching

// toNativeRoot returns path unchanged: POSIX kernels have no analogue to
// Windows' MAX_PATH limit, so there's no long-path rewrite to apply.
func toNativeRoot(path string) string {
	return path
}

// fromNativeRoot returns path unchanged.
func fromNativeRoot(path string) string {
	return path
}
