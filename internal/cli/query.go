package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	queryType string
	queryAt   string
	queryJSON bool
)

var queryCmd = &cobra.Command{
	Use:   "query [group[/provider[/type]]]",
	Short: "List resources under a scope",
	Long: `Lists the resources under a scope prefix of the selected plane.
With no argument the whole plane is listed. --type filters by resource
type across nested scopes, --at reads from a historical snapshot.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runQuery,
}

func init() {
	queryCmd.Flags().StringVarP(&queryType, "type", "t", "", "Filter by resource type")
	queryCmd.Flags().StringVar(&queryAt, "at", "", "Snapshot id to read from (default: current)")
	queryCmd.Flags().BoolVar(&queryJSON, "json", false, "Output in JSON format")
}

func runQuery(cmd *cobra.Command, args []string) error {
	s, err := openStore()
	if err != nil {
		return err
	}
	prefix := ""
	if len(args) == 1 {
		prefix = args[0]
	}
	sc, err := parseScope(prefix)
	if err != nil {
		return err
	}
	at, err := parseSnapshot(queryAt)
	if err != nil {
		return err
	}
	resources, err := s.Query(cmd.Context(), sc, queryType, at)
	if err != nil {
		return fmt.Errorf("query failed: %w", err)
	}

	if queryJSON {
		type entry struct {
			Identity    string `json:"identity"`
			Fingerprint string `json:"fingerprint"`
			Payload     string `json:"payload"`
		}
		out := make([]entry, 0, len(resources))
		for _, res := range resources {
			out = append(out, entry{
				Identity:    res.Identity.String(),
				Fingerprint: res.Fingerprint.String(),
				Payload:     string(res.Payload),
			})
		}
		data, err := json.MarshalIndent(out, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	}

	if len(resources) == 0 {
		fmt.Println("No resources.")
		return nil
	}
	for _, res := range resources {
		fmt.Printf("%s  %s  %dB\n", res.Identity, res.Fingerprint, len(res.Payload))
	}
	fmt.Printf("\n%d resources\n", len(resources))
	return nil
}
