//go:build js && wasm

package lockfile

// isProcessRunning always reports false in WASM: there is no other process
// to race with in a single-process environment.
func isProcessRunning(pid int) bool {
	return false
}
