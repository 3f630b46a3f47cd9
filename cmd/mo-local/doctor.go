package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

// lowDiskSpaceMB is the threshold below which doctor warns about
// available disk space, matching the teacher's daemon health check.
const lowDiskSpaceMB = 100

// highHeapMB is the threshold above which doctor warns about process
// memory usage.
const highHeapMB = 500

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run one-shot health checks on the event store and this process",
	Long: `doctor validates the event store's structural integrity (PRAGMA
quick_check), warns on low disk space, reports current heap usage, reports
whether the master key is loaded, and prints the device id. It runs once
and exits; the project and publish commands do not run these checks.`,
	RunE: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}

func runDoctor(cmd *cobra.Command, args []string) error {
	a, err := newApp(rootCtx, logger)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	out := cmd.OutOrStdout()
	healthy := true

	var result string
	if err := a.store.DB().QueryRowContext(rootCtx, "PRAGMA quick_check(1)").Scan(&result); err != nil {
		fmt.Fprintf(out, "FAIL  database integrity check errored: %v\n", err)
		healthy = false
	} else if result != "ok" {
		fmt.Fprintf(out, "FAIL  database integrity check: %s\n", result)
		healthy = false
	} else {
		fmt.Fprintln(out, "OK    database integrity check")
	}

	dbPath := a.settings.ResolvedDBPath(a.dir)
	if availableMB, ok := checkDiskSpace(dbPath); ok {
		if availableMB < lowDiskSpaceMB {
			fmt.Fprintf(out, "WARN  low disk space: %d MB available\n", availableMB)
		} else {
			fmt.Fprintf(out, "OK    disk space: %d MB available\n", availableMB)
		}
	} else {
		fmt.Fprintln(out, "SKIP  disk space check unavailable on this platform")
	}

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	heapMB := memStats.HeapAlloc / (1024 * 1024)
	if heapMB > highHeapMB {
		fmt.Fprintf(out, "WARN  high heap usage: %d MB\n", heapMB)
	} else {
		fmt.Fprintf(out, "OK    heap usage: %d MB\n", heapMB)
	}

	if _, err := a.master.Get(); err != nil {
		fmt.Fprintf(out, "WARN  master key not loaded: %v\n", err)
	} else {
		fmt.Fprintln(out, "OK    master key loaded")
	}

	fmt.Fprintf(out, "OK    device id: %s\n", a.deviceID)

	if !healthy {
		return fmt.Errorf("doctor: event store failed integrity check")
	}
	return nil
}
