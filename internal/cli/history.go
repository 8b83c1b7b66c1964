package cli

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/gitstate-io/gitstate/internal/history"
)

var (
	historyLimit  int
	historyBefore string
	historyJSON   bool
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List the snapshot history of a plane",
	Long:  `Lists snapshots newest first, with provenance and change counts.`,
	Args:  cobra.NoArgs,
	RunE:  runHistory,
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Maximum number of snapshots to list")
	historyCmd.Flags().StringVar(&historyBefore, "before", "", "List snapshots starting at this snapshot id")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "Output in JSON format")
}

func runHistory(cmd *cobra.Command, args []string) error {
	s, err := openStore()
	if err != nil {
		return err
	}
	before, err := parseSnapshot(historyBefore)
	if err != nil {
		return err
	}
	snapshots, err := s.History(cmd.Context(), flagPlane, history.Range{Before: before, Limit: historyLimit})
	if err != nil {
		return fmt.Errorf("failed to read history: %w", err)
	}

	if historyJSON {
		data, err := json.MarshalIndent(snapshots, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	}

	if len(snapshots) == 0 {
		fmt.Printf("Plane %s has no history.\n", flagPlane)
		return nil
	}
	for _, snap := range snapshots {
		fmt.Printf("%s  %s\n", snap.ID, snap.Time.Local().Format(time.RFC3339))
		fmt.Printf("  %s\n", snap.Title)
		fmt.Printf("  actor=%s operation=%s", snap.Provenance.Actor, snap.Provenance.Operation)
		if snap.Provenance.Repository != "" {
			fmt.Printf(" source=%s@%s", snap.Provenance.Repository, shortRevision(snap.Provenance.Revision))
		}
		fmt.Printf("\n  +%d ~%d -%d\n\n", snap.Summary.Created, snap.Summary.Updated, snap.Summary.Deleted)
	}
	return nil
}

func shortRevision(rev string) string {
	if len(rev) > 12 {
		return rev[:12]
	}
	return rev
}
