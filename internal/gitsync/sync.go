// Package gitsync replicates planes between stores. Two transports
// are supported: any git remote (ssh, https, file) via the native
// wire protocol, and an S3 bucket mirror for air-gapped or
// object-store-only deployments. Both obey the same contract: push
// is refused unless the remote label is an ancestor of ours, pull
// only ever fast-forwards the local label.
package gitsync

import (
	"context"
	"errors"
	"fmt"
	"strings"

	git "github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"

	"github.com/gitstate-io/gitstate/internal/gitobj"
	"github.com/gitstate-io/gitstate/internal/history"
	"github.com/gitstate-io/gitstate/internal/logging"
	"github.com/gitstate-io/gitstate/internal/scope"
)

// PullOutcome says what Pull did to the local label.
type PullOutcome int

const (
	// PullUpToDate means local and remote already agreed.
	PullUpToDate PullOutcome = iota
	// PullFastForwarded means the local label advanced to the remote tip.
	PullFastForwarded
	// PullLocalAhead means the local label is strictly ahead; nothing moved.
	PullLocalAhead
)

func (o PullOutcome) String() string {
	switch o {
	case PullUpToDate:
		return "up to date"
	case PullFastForwarded:
		return "fast-forwarded"
	case PullLocalAhead:
		return "local ahead"
	default:
		return "unknown"
	}
}

// PullResult reports the label movement of a pull.
type PullResult struct {
	Outcome PullOutcome
	Tip     plumbing.Hash
}

// Remote replicates one plane at a time between the local store and a
// counterpart.
type Remote interface {
	// Push uploads the plane's snapshot graph and advances the remote
	// label, failing with ErrRejected when the remote is not an
	// ancestor of the local tip.
	Push(ctx context.Context, plane string) error
	// Pull downloads the remote snapshot graph and fast-forwards the
	// local label, failing with ErrDivergedHistory when neither side
	// is an ancestor of the other.
	Pull(ctx context.Context, plane string) (PullResult, error)
}

// ForURL picks a transport by URL scheme: s3://bucket/prefix selects
// the bucket mirror, anything else is handed to the git wire protocol.
func ForURL(ctx context.Context, objects *gitobj.Adapter, url string) (Remote, error) {
	if strings.HasPrefix(url, "s3://") {
		cfg, err := ParseMirrorURL(url)
		if err != nil {
			return nil, err
		}
		return NewMirror(ctx, objects, cfg)
	}
	return NewGitRemote(objects, url), nil
}

// GitRemote syncs against an ordinary git remote. The labels live
// under the same ref namespace on both sides, so any git server works
// as a replication target without knowing anything about the store.
type GitRemote struct {
	objects *gitobj.Adapter
	hist    *history.Engine
	name    string
	url     string
}

// NewGitRemote wires a git transport against url.
func NewGitRemote(objects *gitobj.Adapter, url string) *GitRemote {
	return &GitRemote{
		objects: objects,
		hist:    history.New(objects),
		name:    "origin",
		url:     url,
	}
}

func (r *GitRemote) remote() *git.Remote {
	return git.NewRemote(r.objects.Storer(), &gitconfig.RemoteConfig{
		Name: r.name,
		URLs: []string{r.url},
	})
}

func (r *GitRemote) Push(ctx context.Context, plane string) error {
	label := scope.LabelName(plane)
	tip, err := r.objects.Ref(label)
	if err != nil {
		return err
	}
	if tip.IsZero() {
		return fmt.Errorf("plane %s has no history to push", plane)
	}
	spec := gitconfig.RefSpec(label + ":" + label)
	err = r.remote().PushContext(ctx, &git.PushOptions{
		RemoteName: r.name,
		RefSpecs:   []gitconfig.RefSpec{spec},
	})
	switch {
	case err == nil:
		logging.Info("pushed plane", "plane", plane, "remote", r.url, "snapshot", tip.String())
		return nil
	case errors.Is(err, git.NoErrAlreadyUpToDate):
		return nil
	case errors.Is(err, git.ErrForceNeeded) || isNonFastForward(err):
		return &RejectedError{Plane: plane, Reason: "remote label is not an ancestor of the local snapshot"}
	default:
		return fmt.Errorf("push %s to %s: %w", plane, r.url, err)
	}
}

// isNonFastForward recognizes a rejected ref update in a push error.
// PushContext returns a plain error with no typed status attached, so
// the two message shapes go-git produces have to be matched: the local
// "non-fast-forward update: <ref>" check and a server report-status
// relayed as "command error on <ref>: <reason>".
func isNonFastForward(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "non-fast-forward")
}

func (r *GitRemote) Pull(ctx context.Context, plane string) (PullResult, error) {
	label := scope.LabelName(plane)
	tracking := scope.TrackingName(r.name, plane)

	spec := gitconfig.RefSpec("+" + label + ":" + tracking)
	err := r.remote().FetchContext(ctx, &git.FetchOptions{
		RemoteName: r.name,
		RefSpecs:   []gitconfig.RefSpec{spec},
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return PullResult{}, fmt.Errorf("fetch %s from %s: %w", plane, r.url, err)
	}
	remoteTip, err := r.objects.Ref(tracking)
	if err != nil {
		return PullResult{}, err
	}
	if remoteTip.IsZero() {
		return PullResult{}, fmt.Errorf("remote %s has no label for plane %s", r.url, plane)
	}
	return advanceLabel(r.objects, r.hist, plane, remoteTip)
}

// advanceLabel fast-forwards the local plane label to remoteTip, or
// reports why it cannot. Shared by both transports.
func advanceLabel(objects *gitobj.Adapter, hist *history.Engine, plane string, remoteTip plumbing.Hash) (PullResult, error) {
	label := scope.LabelName(plane)
	localTip, err := objects.Ref(label)
	if err != nil {
		return PullResult{}, err
	}
	if localTip == remoteTip {
		return PullResult{Outcome: PullUpToDate, Tip: localTip}, nil
	}
	if localTip.IsZero() {
		if err := objects.UpdateRefAtomic(label, plumbing.ZeroHash, remoteTip); err != nil {
			return PullResult{}, err
		}
		return PullResult{Outcome: PullFastForwarded, Tip: remoteTip}, nil
	}
	behind, err := hist.IsAncestor(localTip, remoteTip)
	if err != nil {
		return PullResult{}, err
	}
	if behind {
		if err := objects.UpdateRefAtomic(label, localTip, remoteTip); err != nil {
			return PullResult{}, err
		}
		logging.Info("label fast-forwarded", "plane", plane, "snapshot", remoteTip.String())
		return PullResult{Outcome: PullFastForwarded, Tip: remoteTip}, nil
	}
	ahead, err := hist.IsAncestor(remoteTip, localTip)
	if err != nil {
		return PullResult{}, err
	}
	if ahead {
		return PullResult{Outcome: PullLocalAhead, Tip: localTip}, nil
	}
	return PullResult{}, &DivergedHistoryError{Plane: plane, LocalTip: localTip, RemoteTip: remoteTip}
}
