package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var diffCmd = &cobra.Command{
	Use:   "diff <snapshot> [snapshot]",
	Short: "Show resource changes between two snapshots",
	Long: `Shows which resources were created, updated, and deleted between two
snapshots. With one argument, the second side is the current snapshot.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runDiff,
}

func runDiff(cmd *cobra.Command, args []string) error {
	s, err := openStore()
	if err != nil {
		return err
	}
	from, err := parseSnapshot(args[0])
	if err != nil {
		return err
	}
	to, err := s.CurrentSnapshot(flagPlane)
	if err != nil {
		return err
	}
	if len(args) == 2 {
		to, err = parseSnapshot(args[1])
		if err != nil {
			return err
		}
	}
	if to.IsZero() {
		return fmt.Errorf("plane %s has no current snapshot", flagPlane)
	}
	cs, err := s.Diff(cmd.Context(), from, to)
	if err != nil {
		return fmt.Errorf("diff failed: %w", err)
	}
	renderChangeSet(cs)
	return nil
}
