package cli

import (
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/gitstate-io/gitstate/internal/logging"
)

var (
	flagRepo     string
	flagPlane    string
	flagLogLevel string
)

var rootCmd = &cobra.Command{
	Use:   "gitstate",
	Short: "Transactional, version-controlled resource state store",
	Long: `Gitstate stores resource state as an immutable, content-addressed
snapshot history. Every change is a transaction that produces a new
snapshot; nothing is ever overwritten, so any point in time can be
inspected, diffed, or rolled back to.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// A missing .env is fine; explicit env always wins.
		_ = godotenv.Load()
		logging.Init(flagLogLevel)
	},
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagRepo, "repo", "", "Path to the state repository (default $GITSTATE_REPOSITORY or .gitstate)")
	rootCmd.PersistentFlags().StringVarP(&flagPlane, "plane", "p", "default", "Plane to operate on")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "Log level: debug, info, warn, error")

	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(diffCmd)
	rootCmd.AddCommand(rollbackCmd)
	rootCmd.AddCommand(pushCmd)
	rootCmd.AddCommand(pullCmd)
	rootCmd.AddCommand(fsckCmd)
	rootCmd.AddCommand(versionCmd)
}
