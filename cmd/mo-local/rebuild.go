package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/chronologion/mo-local/internal/projection"
)

var (
	rebuildProjection string
	rebuildKey        string
)

var rebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Invalidate a projection's cached artifacts so it rebuilds from the event log",
	Long: `rebuild deletes the snapshot, cache, and index artifacts for
--projection scoped to --key (usually the aggregate id), forcing its
next tick to replay from the underlying event log. After a rebase the
pending-version rewriter removes only an aggregate's snapshot artifacts
automatically; it leaves cache and index artifacts in place.`,
	RunE: runRebuild,
}

func init() {
	rebuildCmd.Flags().StringVar(&rebuildProjection, "projection", "", "projection name (required)")
	rebuildCmd.Flags().StringVar(&rebuildKey, "key", "", "artifact key, usually the aggregate id (required)")
	_ = rebuildCmd.MarkFlagRequired("projection")
	_ = rebuildCmd.MarkFlagRequired("key")
	rootCmd.AddCommand(rebuildCmd)
}

func runRebuild(cmd *cobra.Command, args []string) error {
	a, err := newApp(rootCtx, logger)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	for _, kind := range []projection.ArtifactKind{projection.KindSnapshot, projection.KindCache, projection.KindIndex} {
		if err := a.artifacts.Delete(rootCtx, rebuildProjection, kind, rebuildKey); err != nil {
			return fmt.Errorf("delete %s artifact: %w", kind, err)
		}
	}
	fmt.Fprintf(cmd.OutOrStdout(), "invalidated artifacts for %s/%s\n", rebuildProjection, rebuildKey)
	return nil
}
