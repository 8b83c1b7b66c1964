package cli

import (
	"fmt"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/spf13/cobra"
)

var fsckRepair bool

var fsckCmd = &cobra.Command{
	Use:   "fsck",
	Short: "Verify index blobs against the resource trees",
	Long: `Rebuilds every scope index from the authoritative resource tree and
compares it with the stored index blobs. Indexes are derived data, so
any drift is repairable: --repair commits a new snapshot with every
index rebuilt.`,
	Args: cobra.NoArgs,
	RunE: runFsck,
}

func init() {
	fsckCmd.Flags().BoolVar(&fsckRepair, "repair", false, "Commit a snapshot with rebuilt indexes")
}

func runFsck(cmd *cobra.Command, args []string) error {
	s, err := openStore()
	if err != nil {
		return err
	}
	mismatches, err := s.VerifyIndexes(cmd.Context(), flagPlane, plumbing.ZeroHash)
	if err != nil {
		return fmt.Errorf("index verification failed: %w", err)
	}
	if len(mismatches) == 0 {
		fmt.Printf("Plane %s: all indexes consistent.\n", flagPlane)
		return nil
	}
	for _, m := range mismatches {
		node := m.Node
		if node == "" {
			node = "(plane root)"
		}
		fmt.Printf("%s%s%s %s: %s\n", colorRed, "drift", colorReset, node, m.Reason)
	}
	if !fsckRepair {
		return fmt.Errorf("%d index nodes have drifted, run with --repair to fix", len(mismatches))
	}
	snap, err := s.RepairIndexes(cmd.Context(), flagPlane)
	if err != nil {
		return fmt.Errorf("index repair failed: %w", err)
	}
	fmt.Printf("Indexes repaired. New snapshot: %s\n", snap.ID)
	return nil
}
