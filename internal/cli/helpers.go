package cli

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/go-git/go-git/v5/plumbing"

	"github.com/gitstate-io/gitstate/internal/history"
	"github.com/gitstate-io/gitstate/internal/scope"
	"github.com/gitstate-io/gitstate/internal/store"
)

const (
	colorReset  = "\033[0m"
	colorGreen  = "\033[32m"
	colorRed    = "\033[31m"
	colorYellow = "\033[33m"
)

// openStore opens the repository selected by --repo, the
// GITSTATE_REPOSITORY environment variable, or .gitstate in the
// working directory.
func openStore() (*store.Store, error) {
	cfg := store.Config{Path: flagRepo}
	if cfg.Path == "" && os.Getenv("GITSTATE_REPOSITORY") == "" {
		cfg.Path = ".gitstate"
	}
	s, err := store.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open state repository: %w", err)
	}
	return s, nil
}

// parseIdentity parses a group/provider/type/name address within the
// selected plane.
func parseIdentity(addr string) (scope.Identity, error) {
	parts := strings.Split(addr, "/")
	if len(parts) != 4 {
		return scope.Identity{}, fmt.Errorf("address %q must be group/provider/type/name", addr)
	}
	id := scope.Identity{
		Plane:    flagPlane,
		Group:    parts[0],
		Provider: parts[1],
		Type:     parts[2],
		Name:     parts[3],
	}
	if err := id.Validate(); err != nil {
		return scope.Identity{}, err
	}
	return id, nil
}

// parseScope parses an empty, group, group/provider, or
// group/provider/type prefix within the selected plane.
func parseScope(prefix string) (scope.Scope, error) {
	sc := scope.Scope{Plane: flagPlane}
	if prefix != "" {
		parts := strings.Split(prefix, "/")
		if len(parts) > 3 {
			return scope.Scope{}, fmt.Errorf("scope %q must be at most group/provider/type", prefix)
		}
		if len(parts) > 0 {
			sc.Group = parts[0]
		}
		if len(parts) > 1 {
			sc.Provider = parts[1]
		}
		if len(parts) > 2 {
			sc.Type = parts[2]
		}
	}
	if err := sc.Validate(); err != nil {
		return scope.Scope{}, err
	}
	return sc, nil
}

// parseSnapshot parses a snapshot id argument; empty means current.
func parseSnapshot(arg string) (plumbing.Hash, error) {
	if arg == "" {
		return plumbing.ZeroHash, nil
	}
	h := plumbing.NewHash(arg)
	if h.IsZero() || len(arg) != 40 {
		return plumbing.ZeroHash, fmt.Errorf("%q is not a snapshot id", arg)
	}
	return h, nil
}

// renderChangeSet prints a change set the way plans render: one line
// per resource, color-coded by action.
func renderChangeSet(cs history.ChangeSet) {
	if cs.Empty() {
		fmt.Println("No changes.")
		return
	}
	printIdentities := func(ids []scope.Identity, symbol, color string) {
		addrs := make([]string, 0, len(ids))
		for _, id := range ids {
			addrs = append(addrs, id.String())
		}
		sort.Strings(addrs)
		for _, addr := range addrs {
			fmt.Printf("%s  %s %s%s\n", color, symbol, addr, colorReset)
		}
	}
	printIdentities(cs.Created, "+", colorGreen)
	printIdentities(cs.Updated, "~", colorYellow)
	printIdentities(cs.Deleted, "-", colorRed)
	fmt.Printf("\n%d created, %d updated, %d deleted\n",
		len(cs.Created), len(cs.Updated), len(cs.Deleted))
}
