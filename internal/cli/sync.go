package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/gitstate-io/gitstate/internal/gitsync"
)

var syncRemote string

var pushCmd = &cobra.Command{
	Use:   "push",
	Short: "Push the plane's history to a remote",
	Long: `Uploads the plane's snapshot graph and advances the remote label.
The remote may be any git URL or an s3://bucket/prefix mirror. The push
is refused when the remote has snapshots this store has not pulled.`,
	Args: cobra.NoArgs,
	RunE: runPush,
}

var pullCmd = &cobra.Command{
	Use:   "pull",
	Short: "Pull the plane's history from a remote",
	Long: `Downloads the remote snapshot graph and fast-forwards the local
label. Pull never rewrites local history: if both sides advanced, the
divergence is reported and nothing moves.`,
	Args: cobra.NoArgs,
	RunE: runPull,
}

func init() {
	for _, cmd := range []*cobra.Command{pushCmd, pullCmd} {
		cmd.Flags().StringVarP(&syncRemote, "remote", "r", "", "Remote URL (default $GITSTATE_REMOTE)")
	}
}

func openRemote(cmd *cobra.Command) (*gitsyncPair, error) {
	s, err := openStore()
	if err != nil {
		return nil, err
	}
	url := syncRemote
	if url == "" {
		url = os.Getenv("GITSTATE_REMOTE")
	}
	if url == "" {
		return nil, fmt.Errorf("no remote configured: pass --remote or set GITSTATE_REMOTE")
	}
	remote, err := gitsync.ForURL(cmd.Context(), s.Objects(), url)
	if err != nil {
		return nil, err
	}
	return &gitsyncPair{remote: remote, url: url}, nil
}

type gitsyncPair struct {
	remote gitsync.Remote
	url    string
}

func runPush(cmd *cobra.Command, args []string) error {
	pair, err := openRemote(cmd)
	if err != nil {
		return err
	}
	if err := pair.remote.Push(cmd.Context(), flagPlane); err != nil {
		return err
	}
	fmt.Printf("Pushed plane %s to %s\n", flagPlane, pair.url)
	return nil
}

func runPull(cmd *cobra.Command, args []string) error {
	pair, err := openRemote(cmd)
	if err != nil {
		return err
	}
	result, err := pair.remote.Pull(cmd.Context(), flagPlane)
	if err != nil {
		return err
	}
	fmt.Printf("Pulled plane %s from %s: %s (snapshot %s)\n",
		flagPlane, pair.url, result.Outcome, result.Tip)
	return nil
}
