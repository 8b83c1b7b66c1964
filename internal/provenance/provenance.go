// Package provenance records where a snapshot came from: the source
// repository, ref, and revision that produced the mutation, the
// operation type, and the acting identity. Detection is a prioritized
// chain of optional probes; "unknown" is the explicit terminal
// fallback, never an error.
package provenance

import (
	"fmt"
	"os"

	git "github.com/go-git/go-git/v5"

	"github.com/gitstate-io/gitstate/internal/logging"
)

// Unknown is recorded for any provenance field no probe could fill.
const Unknown = "unknown"

// Operation types stamped on snapshot commits.
const (
	OpTransaction = "transaction"
	OpRollback    = "rollback"
	OpRepair      = "repair"
	OpSync        = "sync"
)

// Provenance links a snapshot to its external source.
type Provenance struct {
	Repository string
	Ref        string
	Revision   string
	Operation  string
	Actor      string
	TxnID      string
}

// Summary is the created/updated/deleted resource-change count block
// carried alongside provenance in the commit metadata.
type Summary struct {
	Created int
	Updated int
	Deleted int
}

func (s Summary) String() string {
	return fmt.Sprintf("%d created, %d updated, %d deleted", s.Created, s.Updated, s.Deleted)
}

// Detect fills the source fields of p that are still empty, trying
// each probe in priority order: caller-supplied values win, then
// GITSTATE_SOURCE_* environment, then CI environment, then the ambient
// git repository at the working directory. Fields no probe can fill
// are set to Unknown and a warning is logged.
func Detect(p Provenance, workdir string) Provenance {
	for _, probe := range []func(*Provenance){
		probeEnv,
		probeGitHubActions,
		probeGitLabCI,
		ambientGitProbe(workdir),
	} {
		if p.Repository != "" && p.Ref != "" && p.Revision != "" {
			return p
		}
		probe(&p)
	}
	if p.Repository == "" || p.Ref == "" || p.Revision == "" {
		logging.Warn("provenance undeterminable, recording unknown",
			"repository", p.Repository, "ref", p.Ref, "revision", p.Revision)
	}
	fill(&p.Repository, Unknown)
	fill(&p.Ref, Unknown)
	fill(&p.Revision, Unknown)
	return p
}

func probeEnv(p *Provenance) {
	fill(&p.Repository, os.Getenv("GITSTATE_SOURCE_REPOSITORY"))
	fill(&p.Ref, os.Getenv("GITSTATE_SOURCE_REF"))
	fill(&p.Revision, os.Getenv("GITSTATE_SOURCE_REVISION"))
}

func probeGitHubActions(p *Provenance) {
	if os.Getenv("GITHUB_ACTIONS") != "true" {
		return
	}
	fill(&p.Repository, os.Getenv("GITHUB_REPOSITORY"))
	fill(&p.Ref, os.Getenv("GITHUB_REF"))
	fill(&p.Revision, os.Getenv("GITHUB_SHA"))
}

func probeGitLabCI(p *Provenance) {
	if os.Getenv("GITLAB_CI") != "true" {
		return
	}
	fill(&p.Repository, os.Getenv("CI_PROJECT_URL"))
	fill(&p.Ref, os.Getenv("CI_COMMIT_REF_NAME"))
	fill(&p.Revision, os.Getenv("CI_COMMIT_SHA"))
}

// ambientGitProbe inspects the repository containing workdir, if any.
func ambientGitProbe(workdir string) func(*Provenance) {
	return func(p *Provenance) {
		if workdir == "" {
			return
		}
		repo, err := git.PlainOpenWithOptions(workdir, &git.PlainOpenOptions{DetectDotGit: true})
		if err != nil {
			return
		}
		head, err := repo.Head()
		if err != nil {
			return
		}
		fill(&p.Ref, head.Name().String())
		fill(&p.Revision, head.Hash().String())
		if remotes, err := repo.Remotes(); err == nil {
			for _, r := range remotes {
				if urls := r.Config().URLs; len(urls) > 0 {
					fill(&p.Repository, urls[0])
					break
				}
			}
		}
	}
}

func fill(dst *string, value string) {
	if *dst == "" && value != "" {
		*dst = value
	}
}
