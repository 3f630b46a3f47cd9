package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/chronologion/mo-local/internal/jsonl"
	"github.com/chronologion/mo-local/internal/synchooks"
)

var syncBatchFile string

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Materialize a batch of remote records pulled by the sync transport",
	Long: `sync reads a JSONL batch of records a remote sync transport has
already pulled (one JSON object per line: event_id, global_sequence, and
a record object holding aggregate_type, aggregate_id, event_type, version,
schema_version, epoch, payload_ciphertext, and an optional keyring_update) and
materializes each one into the local event log, validating but never
re-encrypting the ciphertext the remote sent.`,
	RunE: runSync,
}

func init() {
	syncCmd.Flags().StringVar(&syncBatchFile, "batch-file", "", "path to the JSONL batch file (required)")
	_ = syncCmd.MarkFlagRequired("batch-file")
	rootCmd.AddCommand(syncCmd)
}

// wireRecord is the on-disk shape of one line in a sync batch file.
type wireRecord struct {
	EventID        string                  `json:"event_id"`
	GlobalSequence int64                   `json:"global_sequence"`
	Record         synchooks.RemoteRecord  `json:"record"`
}

func runSync(cmd *cobra.Command, args []string) error {
	a, err := newApp(rootCtx, logger)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	batch, err := jsonl.ReadRecordsFromFile[wireRecord](syncBatchFile)
	if err != nil {
		return fmt.Errorf("read sync batch: %w", err)
	}

	materializer := synchooks.NewMaterializer(a.store, a.keys)

	applied := 0
	for _, entry := range batch {
		if _, err := materializer.Materialize(rootCtx, entry.EventID, entry.Record, entry.GlobalSequence); err != nil {
			return fmt.Errorf("materialize %s: %w", entry.EventID, err)
		}
		applied++
	}

	fmt.Fprintf(cmd.OutOrStdout(), "materialized %d record(s) from %s\n", applied, syncBatchFile)
	return nil
}
