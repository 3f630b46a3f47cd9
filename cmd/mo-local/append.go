package main

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/chronologion/mo-local/internal/crypto"
	"github.com/chronologion/mo-local/internal/envelope"
	"github.com/chronologion/mo-local/internal/eventlog"
	"github.com/chronologion/mo-local/internal/moerrors"
)

var (
	appendAggregateType   string
	appendAggregateID     string
	appendEventType       string
	appendExpectedVersion int
	appendSchemaVersion   int
	appendPayloadFile     string
)

var appendCmd = &cobra.Command{
	Use:   "append",
	Short: "Encrypt and append one event to an aggregate's log",
	Long: `append reads a JSON payload (from --payload-file, or stdin if
omitted), seals it under the aggregate's current epoch DEK, and appends it
at --expected-version. An epoch-0 keyring is created automatically the
first time an aggregate is written to.`,
	RunE: runAppend,
}

func init() {
	appendCmd.Flags().StringVar(&appendAggregateType, "aggregate-type", "", "aggregate type (required)")
	appendCmd.Flags().StringVar(&appendAggregateID, "aggregate-id", "", "aggregate id (required)")
	appendCmd.Flags().StringVar(&appendEventType, "event-type", "", "event type (required)")
	appendCmd.Flags().IntVar(&appendExpectedVersion, "expected-version", 0, "expected current version, 0 for a brand-new aggregate")
	appendCmd.Flags().IntVar(&appendSchemaVersion, "schema-version", 1, "schema version the payload is encoded at")
	appendCmd.Flags().StringVar(&appendPayloadFile, "payload-file", "", "path to the JSON payload; defaults to stdin")
	_ = appendCmd.MarkFlagRequired("aggregate-type")
	_ = appendCmd.MarkFlagRequired("aggregate-id")
	_ = appendCmd.MarkFlagRequired("event-type")
	rootCmd.AddCommand(appendCmd)
}

func runAppend(cmd *cobra.Command, args []string) error {
	a, err := newApp(rootCtx, logger)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	payload, err := readPayload(appendPayloadFile)
	if err != nil {
		return err
	}

	var keyringUpdateBytes []byte
	epoch, err := a.keys.GetCurrentEpoch(appendAggregateID)
	switch {
	case errors.Is(err, moerrors.ErrMissingKey):
		dek := make([]byte, crypto.KeySize)
		if _, err := rand.Read(dek); err != nil {
			return fmt.Errorf("generate data-encryption key: %w", err)
		}
		update, err := a.keys.CreateInitialUpdate(appendAggregateID, dek, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("establish keyring for %s: %w", appendAggregateID, err)
		}
		epoch = 0
		if update != nil {
			keyringUpdateBytes = update.KeyringUpdateBytes
		}
	case err != nil:
		return fmt.Errorf("resolve epoch for %s: %w", appendAggregateID, err)
	}

	dek, err := a.keys.ResolveKeyForEpoch(appendAggregateID, epoch)
	if err != nil {
		return fmt.Errorf("resolve DEK for %s epoch %d: %w", appendAggregateID, epoch, err)
	}

	newVersion := appendExpectedVersion + 1
	aad := envelope.EventAAD(appendAggregateType, appendAggregateID, newVersion)
	ciphertext, err := crypto.Seal(dek, payload, aad)
	if err != nil {
		return fmt.Errorf("seal payload: %w", err)
	}

	records, err := a.store.Append(rootCtx, appendAggregateType, appendAggregateID, appendExpectedVersion, []eventlog.AppendEvent{{
		EventType:     appendEventType,
		SchemaVersion: appendSchemaVersion,
		Epoch:         epoch,
		Ciphertext:    ciphertext,
		KeyringUpdate: keyringUpdateBytes,
		OccurredAt:    time.Now().UTC(),
	}})
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	rec := records[0]

	fmt.Fprintf(cmd.OutOrStdout(), "appended %s id=%s version=%d commit_sequence=%d\n", appendEventType, rec.EventID, rec.Version, rec.CommitSequence)
	return nil
}

func readPayload(path string) ([]byte, error) {
	if path == "" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("read payload from stdin: %w", err)
		}
		return data, nil
	}
	// #nosec G304 - operator-supplied path
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read payload file %q: %w", path, err)
	}
	return data, nil
}
