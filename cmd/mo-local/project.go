package main

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/chronologion/mo-local/internal/crypto"
	"github.com/chronologion/mo-local/internal/moerrors"
	"github.com/chronologion/mo-local/internal/projection"
)

var (
	projectOnce bool
)

var projectCmd = &cobra.Command{
	Use:   "project",
	Short: "Run the built-in event-count projection",
	Long: `project drives the event-count reference projection, which tallies
every committed event by type into an encrypted cache artifact. With
--once it ticks a single time and prints the current tally; otherwise it
runs until interrupted, reacting to writes on the event log.`,
	RunE: runProject,
}

func init() {
	projectCmd.Flags().BoolVar(&projectOnce, "once", false, "tick a single time and exit instead of running continuously")
	rootCmd.AddCommand(projectCmd)
}

const countProjectionAggregateID = "projection:event-counts"

func runProject(cmd *cobra.Command, args []string) error {
	a, err := newApp(rootCtx, logger)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	epoch, err := a.keys.GetCurrentEpoch(countProjectionAggregateID)
	if errors.Is(err, moerrors.ErrMissingKey) {
		dek := make([]byte, crypto.KeySize)
		if _, randErr := rand.Read(dek); randErr != nil {
			return fmt.Errorf("generate data-encryption key: %w", randErr)
		}
		if _, err = a.keys.CreateInitialUpdate(countProjectionAggregateID, dek, time.Now().UTC()); err != nil {
			return fmt.Errorf("establish projection keyring: %w", err)
		}
		epoch = 0
	}
	if err != nil {
		return fmt.Errorf("resolve projection epoch: %w", err)
	}

	task := projection.NewCountTask("event-counts", a.store, a.artifacts, countProjectionAggregateID, epoch, a.keys.ResolveKeyForEpoch)

	if projectOnce {
		if err := task.Tick(rootCtx); err != nil {
			return fmt.Errorf("tick projection: %w", err)
		}
		return printCounts(cmd, task)
	}

	lock, err := a.acquireLock()
	if err != nil {
		return err
	}
	defer func() { _ = lock.Close() }()

	source, err := projection.NewSQLiteChangeSource(a.settings.ResolvedDBPath(a.dir), a.log)
	if err != nil {
		return fmt.Errorf("watch event log: %w", err)
	}
	defer func() { _ = source.Close() }()

	runtime := projection.NewRuntime(task, source, a.log,
		projection.WithPollInterval(a.settings.RemoteSyncIntervalOrDefault()))
	runtime.Run(rootCtx)
	return printCounts(cmd, task)
}

func printCounts(cmd *cobra.Command, task *projection.CountTask) error {
	counts, err := task.Counts(rootCtx)
	if err != nil {
		return fmt.Errorf("read tally: %w", err)
	}
	out, err := json.MarshalIndent(counts, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal tally: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}
