package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var showAt string

var showCmd = &cobra.Command{
	Use:   "show <group/provider/type/name>",
	Short: "Print a resource payload",
	Long:  `Prints the payload of one resource from the current snapshot, or from a historical one with --at.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runShow,
}

func init() {
	showCmd.Flags().StringVar(&showAt, "at", "", "Snapshot id to read from (default: current)")
}

func runShow(cmd *cobra.Command, args []string) error {
	s, err := openStore()
	if err != nil {
		return err
	}
	id, err := parseIdentity(args[0])
	if err != nil {
		return err
	}
	at, err := parseSnapshot(showAt)
	if err != nil {
		return err
	}
	res, err := s.GetAt(cmd.Context(), id, at)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "# %s fingerprint=%s\n", res.Identity, res.Fingerprint)
	os.Stdout.Write(res.Payload)
	if n := len(res.Payload); n > 0 && res.Payload[n-1] != '\n' {
		fmt.Println()
	}
	return nil
}
