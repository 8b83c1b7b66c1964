package cli

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var rollbackYes bool

var rollbackCmd = &cobra.Command{
	Use:   "rollback <snapshot>",
	Short: "Reproduce a past snapshot as a new one",
	Long: `Commits a new snapshot whose resources match the target snapshot.
Nothing is rewritten: the snapshots in between stay in history, and the
rollback itself shows up as a new entry with full provenance.`,
	Args: cobra.ExactArgs(1),
	RunE: runRollback,
}

func init() {
	rollbackCmd.Flags().BoolVarP(&rollbackYes, "yes", "y", false, "Skip the confirmation prompt")
}

func runRollback(cmd *cobra.Command, args []string) error {
	s, err := openStore()
	if err != nil {
		return err
	}
	target, err := parseSnapshot(args[0])
	if err != nil {
		return err
	}

	preview, err := s.PreviewRollback(cmd.Context(), flagPlane, target)
	if err != nil {
		return fmt.Errorf("failed to preview rollback: %w", err)
	}
	fmt.Printf("Rolling back plane %s to %s would change:\n\n", flagPlane, target)
	renderChangeSet(preview)

	if !rollbackYes {
		fmt.Print("\nProceed? Only 'yes' continues: ")
		reader := bufio.NewReader(os.Stdin)
		answer, _ := reader.ReadString('\n')
		if strings.TrimSpace(answer) != "yes" {
			fmt.Println("Rollback cancelled.")
			return nil
		}
	}

	snap, err := s.Rollback(cmd.Context(), flagPlane, target)
	if err != nil {
		return fmt.Errorf("rollback failed: %w", err)
	}
	fmt.Printf("\nRolled back. New snapshot: %s\n", snap.ID)
	return nil
}
