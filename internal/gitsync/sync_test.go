package gitsync

import (
	"context"
	"errors"
	"testing"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gitstate-io/gitstate/internal/gitobj"
	"github.com/gitstate-io/gitstate/internal/history"
	"github.com/gitstate-io/gitstate/internal/scope"
	"github.com/gitstate-io/gitstate/internal/store"
)

func TestParseMirrorURL(t *testing.T) {
	t.Setenv("GITSTATE_S3_REGION", "")
	t.Setenv("GITSTATE_S3_PROFILE", "")

	cfg, err := ParseMirrorURL("s3://state-mirror/team/prod")
	require.NoError(t, err)
	assert.Equal(t, "state-mirror", cfg.Bucket)
	assert.Equal(t, "team/prod", cfg.Prefix)
	assert.Equal(t, "us-east-1", cfg.Region)

	cfg, err = ParseMirrorURL("s3://just-a-bucket")
	require.NoError(t, err)
	assert.Equal(t, "just-a-bucket", cfg.Bucket)
	assert.Empty(t, cfg.Prefix)

	_, err = ParseMirrorURL("https://example.com")
	assert.Error(t, err)
	_, err = ParseMirrorURL("s3://")
	assert.Error(t, err)
}

func TestParseMirrorURL_EnvOverrides(t *testing.T) {
	t.Setenv("GITSTATE_S3_REGION", "eu-central-1")
	t.Setenv("GITSTATE_S3_PROFILE", "mirror")

	cfg, err := ParseMirrorURL("s3://bucket")
	require.NoError(t, err)
	assert.Equal(t, "eu-central-1", cfg.Region)
	assert.Equal(t, "mirror", cfg.Profile)
}

func TestErrorMatching(t *testing.T) {
	var err error = &RejectedError{Plane: "prod", Reason: "behind"}
	assert.True(t, errors.Is(err, ErrRejected))

	err = &DivergedHistoryError{Plane: "prod"}
	assert.True(t, errors.Is(err, ErrDivergedHistory))
	assert.False(t, errors.Is(err, ErrRejected))
}

func TestIsNonFastForward(t *testing.T) {
	// Local ancestry check during push.
	assert.True(t, isNonFastForward(errors.New("non-fast-forward update: refs/gitstate/scopes/prod")))
	// Server rejection relayed through report-status.
	assert.True(t, isNonFastForward(errors.New("command error on refs/gitstate/scopes/prod: non-fast-forward")))

	assert.False(t, isNonFastForward(nil))
	assert.False(t, isNonFastForward(errors.New("remote: permission denied")))
}

func TestPullOutcome_String(t *testing.T) {
	assert.Equal(t, "up to date", PullUpToDate.String())
	assert.Equal(t, "fast-forwarded", PullFastForwarded.String())
	assert.Equal(t, "local ahead", PullLocalAhead.String())
}

// seedPlane commits n snapshots and returns the tip after each.
func seedPlane(t *testing.T, objects *gitobj.Adapter, plane string, n int) []plumbing.Hash {
	t.Helper()
	ctx := context.Background()
	s := store.New(objects, store.Config{Actor: "test", Email: "t@example.com", Workdir: t.TempDir()})
	id := scope.Identity{Plane: plane, Group: "g", Provider: "p", Type: "t", Name: "n"}
	var tips []plumbing.Hash
	for i := 0; i < n; i++ {
		_, err := s.Save(ctx, store.NewResource(id, []byte{byte('a' + i)}), nil)
		require.NoError(t, err)
		tip, err := objects.Ref(scope.LabelName(plane))
		require.NoError(t, err)
		tips = append(tips, tip)
	}
	return tips
}

func TestAdvanceLabel_FastForward(t *testing.T) {
	objects := gitobj.NewMemory()
	tips := seedPlane(t, objects, "prod", 2)
	hist := history.New(objects)

	// Rewind the label to the first snapshot, then advance it back.
	require.NoError(t, objects.SetRef(scope.LabelName("prod"), tips[0]))

	result, err := advanceLabel(objects, hist, "prod", tips[1])
	require.NoError(t, err)
	assert.Equal(t, PullFastForwarded, result.Outcome)
	assert.Equal(t, tips[1], result.Tip)

	// Already current.
	result, err = advanceLabel(objects, hist, "prod", tips[1])
	require.NoError(t, err)
	assert.Equal(t, PullUpToDate, result.Outcome)

	// Remote behind local: nothing moves.
	result, err = advanceLabel(objects, hist, "prod", tips[0])
	require.NoError(t, err)
	assert.Equal(t, PullLocalAhead, result.Outcome)
	current, err := objects.Ref(scope.LabelName("prod"))
	require.NoError(t, err)
	assert.Equal(t, tips[1], current)
}

func TestAdvanceLabel_EmptyLocal(t *testing.T) {
	remote := gitobj.NewMemory()
	tips := seedPlane(t, remote, "prod", 1)

	// Copy the snapshot into a fresh store, as a pull transport would.
	local := gitobj.NewMemory()
	copyGraph(t, remote, local, tips[0])

	result, err := advanceLabel(local, history.New(local), "prod", tips[0])
	require.NoError(t, err)
	assert.Equal(t, PullFastForwarded, result.Outcome)
}

func TestAdvanceLabel_Diverged(t *testing.T) {
	objects := gitobj.NewMemory()
	seedPlane(t, objects, "prod", 1)

	// Build a snapshot on an unrelated plane; its commit shares no
	// ancestry with prod's.
	otherTips := seedPlane(t, objects, "staging", 1)

	_, err := advanceLabel(objects, history.New(objects), "prod", otherTips[0])
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDivergedHistory))

	var diverged *DivergedHistoryError
	require.True(t, errors.As(err, &diverged))
	assert.Equal(t, otherTips[0], diverged.RemoteTip)
}

// copyGraph moves every object reachable from tip between adapters.
func copyGraph(t *testing.T, from, to *gitobj.Adapter, tip plumbing.Hash) {
	t.Helper()
	queue := []plumbing.Hash{tip}
	seen := make(map[plumbing.Hash]bool)
	for len(queue) > 0 {
		h := queue[0]
		queue = queue[1:]
		if seen[h] {
			continue
		}
		seen[h] = true
		typ, data, err := from.RawObject(h)
		require.NoError(t, err)
		_, err = to.PutRawObject(typ, data)
		require.NoError(t, err)
		switch typ {
		case plumbing.CommitObject:
			commit, err := from.ReadCommit(h)
			require.NoError(t, err)
			queue = append(queue, commit.TreeHash)
			queue = append(queue, commit.ParentHashes...)
		case plumbing.TreeObject:
			entries, err := from.ListTree(h)
			require.NoError(t, err)
			for _, e := range entries {
				queue = append(queue, e.Hash)
			}
		}
	}
}
