//go:build wasm

package main

// checkDiskSpace returns the available disk space in MB for the given path.
// WASM builds don't support disk space checks.
func checkDiskSpace(path string) (uint64, bool) {
	return 0, false
}
