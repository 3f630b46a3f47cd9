package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/chronologion/mo-local/internal/publisher"
)

var publishOnce bool

var publishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Drive the committed-event publisher",
	Long: `publish decrypts newly committed events in commit order and
dispatches each to the registered subscribers, advancing a durable cursor
as it goes. With --once it runs a single batch; otherwise it polls until
interrupted.`,
	RunE: runPublish,
}

func init() {
	publishCmd.Flags().BoolVar(&publishOnce, "once", false, "process a single batch and exit instead of polling continuously")
	rootCmd.AddCommand(publishCmd)
}

func runPublish(cmd *cobra.Command, args []string) error {
	a, err := newApp(rootCtx, logger)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	pub := publisher.New("mo-local-publisher", a.store, a.keys, a.registry, a.bus, a.log)

	if publishOnce {
		return pub.Tick(rootCtx)
	}

	lock, err := a.acquireLock()
	if err != nil {
		return err
	}
	defer func() { _ = lock.Close() }()

	interval := a.settings.RemoteSyncIntervalOrDefault()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := pub.Tick(rootCtx); err != nil {
			a.log.Error("publisher tick failed", "error", err)
		}
		select {
		case <-rootCtx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
