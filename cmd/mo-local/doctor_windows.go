//go:build windows

package main

import (
	"path/filepath"

	"golang.org/x/sys/windows"
)

// checkDiskSpace returns the available disk space in MB for the given path.
// Returns (availableMB, true) on success, (0, false) on failure.
func checkDiskSpace(path string) (uint64, bool) {
	dir := filepath.Dir(path)
	ptr, err := windows.UTF16PtrFromString(dir)
	if err != nil {
		return 0, false
	}

	var freeAvailable, totalBytes, totalFree uint64
	if err := windows.GetDiskFreeSpaceEx(ptr, &freeAvailable, &totalBytes, &totalFree); err != nil {
		return 0, false
	}
	return freeAvailable / (1024 * 1024), true
}
