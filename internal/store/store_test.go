package store

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gitstate-io/gitstate/internal/fingerprint"
	"github.com/gitstate-io/gitstate/internal/gitobj"
	"github.com/gitstate-io/gitstate/internal/history"
	"github.com/gitstate-io/gitstate/internal/scope"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return New(gitobj.NewMemory(), Config{
		Actor:   "test",
		Email:   "test@example.com",
		Workdir: t.TempDir(),
	})
}

func ident(group, provider, typ, name string) scope.Identity {
	return scope.Identity{Plane: "prod", Group: group, Provider: provider, Type: typ, Name: name}
}

func mustSave(t *testing.T, s *Store, id scope.Identity, payload string) fingerprint.Fingerprint {
	t.Helper()
	fp, err := s.Save(context.Background(), NewResource(id, []byte(payload)), nil)
	require.NoError(t, err)
	return fp
}

func TestSaveGet_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	id := ident("payments", "aws", "bucket", "invoices")

	fp := mustSave(t, s, id, "payload-v1")

	res, err := s.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload-v1"), res.Payload)
	assert.Equal(t, fp, res.Fingerprint)
	assert.Equal(t, fingerprint.Of([]byte("payload-v1")), fp)
}

func TestGet_NotFound(t *testing.T) {
	s := newTestStore(t)
	mustSave(t, s, ident("payments", "aws", "bucket", "invoices"), "x")

	_, err := s.Get(context.Background(), ident("payments", "aws", "bucket", "missing"))
	assert.True(t, errors.Is(err, ErrNotFound))

	// An empty plane is also a clean not-found.
	_, err = s.Get(context.Background(), scope.Identity{
		Plane: "staging", Group: "g", Provider: "p", Type: "t", Name: "n",
	})
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestDelete(t *testing.T) {
	s := newTestStore(t)
	id := ident("payments", "aws", "bucket", "invoices")
	mustSave(t, s, id, "x")

	require.NoError(t, s.Delete(context.Background(), id, nil))

	_, err := s.Get(context.Background(), id)
	assert.True(t, errors.Is(err, ErrNotFound))

	// Deleting a missing resource is a NotFound, not a no-op.
	err = s.Delete(context.Background(), id, nil)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestTxn_BatchIsAtomic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	txn, err := s.Begin(ctx, "prod")
	require.NoError(t, err)
	require.NoError(t, txn.Save(NewResource(ident("payments", "aws", "bucket", "a"), []byte("1")), nil))
	require.NoError(t, txn.Save(NewResource(ident("payments", "aws", "queue", "b"), []byte("2")), nil))
	require.NoError(t, txn.Save(NewResource(ident("identity", "gcp", "role", "c"), []byte("3")), nil))

	// Nothing is visible before commit.
	_, err = s.Get(ctx, ident("payments", "aws", "bucket", "a"))
	assert.True(t, errors.Is(err, ErrNotFound))

	snap, err := txn.Commit(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, snap.Summary.Created)
	assert.Equal(t, TxnCommitted, txn.State())

	for _, id := range []scope.Identity{
		ident("payments", "aws", "bucket", "a"),
		ident("payments", "aws", "queue", "b"),
		ident("identity", "gcp", "role", "c"),
	} {
		_, err := s.Get(ctx, id)
		assert.NoError(t, err, id.String())
	}
}

func TestTxn_AbortPublishesNothing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	txn, err := s.Begin(ctx, "prod")
	require.NoError(t, err)
	require.NoError(t, txn.Save(NewResource(ident("g", "p", "t", "n"), []byte("x")), nil))
	txn.Abort()
	assert.Equal(t, TxnClosed, txn.State())

	tip, err := s.CurrentSnapshot("prod")
	require.NoError(t, err)
	assert.True(t, tip.IsZero())

	// A closed transaction rejects further use.
	err = txn.Save(NewResource(ident("g", "p", "t", "n"), []byte("y")), nil)
	assert.True(t, errors.Is(err, ErrTxnClosed))
	_, err = txn.Commit(ctx)
	assert.True(t, errors.Is(err, ErrTxnClosed))
}

func TestTxn_EmptyCommitRejected(t *testing.T) {
	s := newTestStore(t)
	txn, err := s.Begin(context.Background(), "prod")
	require.NoError(t, err)
	_, err = txn.Commit(context.Background())
	assert.Error(t, err)
}

func TestTxn_ScopeLevelConflict(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustSave(t, s, ident("payments", "aws", "bucket", "seed"), "seed")

	t1, err := s.Begin(ctx, "prod")
	require.NoError(t, err)
	t2, err := s.Begin(ctx, "prod")
	require.NoError(t, err)

	require.NoError(t, t1.Save(NewResource(ident("payments", "aws", "bucket", "a"), []byte("1")), nil))
	require.NoError(t, t2.Save(NewResource(ident("payments", "aws", "bucket", "b"), []byte("2")), nil))

	_, err = t1.Commit(ctx)
	require.NoError(t, err)

	_, err = t2.Commit(ctx)
	require.Error(t, err)
	var conflict *ConflictError
	require.True(t, errors.As(err, &conflict))
	assert.False(t, conflict.ResourceLevel())
	assert.Equal(t, TxnConflict, t2.State())

	// The loser published nothing.
	_, err = s.Get(ctx, ident("payments", "aws", "bucket", "b"))
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestTxn_ConcurrentCommitRace(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustSave(t, s, ident("payments", "aws", "bucket", "seed"), "seed")

	names := []string{"left", "right"}
	errs := make([]error, len(names))
	var wg sync.WaitGroup
	for i, name := range names {
		wg.Add(1)
		go func(i int, name string) {
			defer wg.Done()
			txn, err := s.Begin(ctx, "prod")
			if err != nil {
				errs[i] = err
				return
			}
			defer txn.Abort()
			if err := txn.Save(NewResource(ident("payments", "aws", "bucket", name), []byte(name)), nil); err != nil {
				errs[i] = err
				return
			}
			_, errs[i] = txn.Commit(ctx)
		}(i, name)
	}
	wg.Wait()

	// Exactly one transaction wins the label.
	var winners, losers int
	for i, err := range errs {
		if err == nil {
			winners++
			_, getErr := s.Get(ctx, ident("payments", "aws", "bucket", names[i]))
			assert.NoError(t, getErr)
			continue
		}
		losers++
		var conflict *ConflictError
		require.True(t, errors.As(err, &conflict))
		assert.False(t, conflict.ResourceLevel())
		_, getErr := s.Get(ctx, ident("payments", "aws", "bucket", names[i]))
		assert.True(t, errors.Is(getErr, ErrNotFound))
	}
	assert.Equal(t, 1, winners)
	assert.Equal(t, 1, losers)
}

func TestTxn_ResourceLevelConflict(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := ident("payments", "aws", "bucket", "invoices")
	mustSave(t, s, id, "v1")

	stale := fingerprint.Of([]byte("somebody else's version"))
	txn, err := s.Begin(ctx, "prod")
	require.NoError(t, err)
	err = txn.Save(NewResource(id, []byte("v2")), &stale)
	require.Error(t, err)
	var conflict *ConflictError
	require.True(t, errors.As(err, &conflict))
	assert.True(t, conflict.ResourceLevel())
	txn.Abort()

	// The matching fingerprint passes.
	current := fingerprint.Of([]byte("v1"))
	_, err = s.Save(ctx, NewResource(id, []byte("v2")), &current)
	require.NoError(t, err)
}

func TestTxn_ExpectedAbsent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := ident("payments", "aws", "bucket", "invoices")

	// Zero fingerprint asserts absence: create succeeds once.
	zero := fingerprint.Zero
	_, err := s.Save(ctx, NewResource(id, []byte("v1")), &zero)
	require.NoError(t, err)

	_, err = s.Save(ctx, NewResource(id, []byte("v1-again")), &zero)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConflict))
}

func TestTxn_FingerprintChain(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := ident("payments", "aws", "bucket", "invoices")

	f1, err := s.Save(ctx, NewResource(id, []byte("v1")), nil)
	require.NoError(t, err)
	f2, err := s.Save(ctx, NewResource(id, []byte("v2")), &f1)
	require.NoError(t, err)
	assert.NotEqual(t, f1, f2)

	// The superseded fingerprint no longer wins.
	_, err = s.Save(ctx, NewResource(id, []byte("v3")), &f1)
	assert.True(t, errors.Is(err, ErrConflict))

	require.NoError(t, s.Delete(ctx, id, &f2))
}

func TestTxn_OversizedRejectedBeforeWrite(t *testing.T) {
	s := New(gitobj.NewMemory(), Config{
		Actor: "test", Email: "t@example.com", Workdir: t.TempDir(),
		MaxPayloadSize: 16,
	})
	ctx := context.Background()

	txn, err := s.Begin(ctx, "prod")
	require.NoError(t, err)
	big := NewResource(ident("g", "p", "t", "n"), []byte("this payload is larger than sixteen bytes"))
	err = txn.Save(big, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrOversized))

	// The payload blob never reached the object store.
	bigHash := plumbing.ComputeHash(plumbing.BlobObject, big.Payload)
	assert.False(t, s.objects.HasObject(bigHash))

	// The transaction stays usable for other resources.
	require.NoError(t, txn.Save(NewResource(ident("g", "p", "t", "small"), []byte("ok")), nil))
	_, err = txn.Commit(ctx)
	require.NoError(t, err)
}

func TestTxn_WrongPlaneRejected(t *testing.T) {
	s := newTestStore(t)
	txn, err := s.Begin(context.Background(), "prod")
	require.NoError(t, err)
	defer txn.Abort()

	other := scope.Identity{Plane: "staging", Group: "g", Provider: "p", Type: "t", Name: "n"}
	err = txn.Save(NewResource(other, []byte("x")), nil)
	assert.True(t, errors.Is(err, scope.ErrInvalidIdentity))
}

func TestQuery_ScopeAndTypeFilter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	txn, err := s.Begin(ctx, "prod")
	require.NoError(t, err)
	require.NoError(t, txn.Save(NewResource(ident("payments", "aws", "bucket", "invoices"), []byte("1")), nil))
	require.NoError(t, txn.Save(NewResource(ident("payments", "aws", "bucket", "receipts"), []byte("2")), nil))
	require.NoError(t, txn.Save(NewResource(ident("payments", "aws", "queue", "refunds"), []byte("3")), nil))
	require.NoError(t, txn.Save(NewResource(ident("payments", "gcp", "bucket", "ledgers"), []byte("4")), nil))
	require.NoError(t, txn.Save(NewResource(ident("identity", "aws", "role", "deployer"), []byte("5")), nil))
	_, err = txn.Commit(ctx)
	require.NoError(t, err)

	whole, err := s.Query(ctx, scope.PlaneScope("prod"), "", plumbing.ZeroHash)
	require.NoError(t, err)
	assert.Len(t, whole, 5)

	group, err := s.Query(ctx, scope.Scope{Plane: "prod", Group: "payments"}, "", plumbing.ZeroHash)
	require.NoError(t, err)
	assert.Len(t, group, 4)

	provider, err := s.Query(ctx, scope.Scope{Plane: "prod", Group: "payments", Provider: "aws"}, "", plumbing.ZeroHash)
	require.NoError(t, err)
	assert.Len(t, provider, 3)

	buckets, err := s.Query(ctx, scope.Scope{Plane: "prod", Group: "payments"}, "bucket", plumbing.ZeroHash)
	require.NoError(t, err)
	assert.Len(t, buckets, 3)
	for _, res := range buckets {
		assert.Equal(t, "bucket", res.Identity.Type)
	}

	empty, err := s.Query(ctx, scope.Scope{Plane: "prod", Group: "absent"}, "", plumbing.ZeroHash)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestQuery_EmptyPlane(t *testing.T) {
	s := newTestStore(t)
	out, err := s.Query(context.Background(), scope.PlaneScope("prod"), "", plumbing.ZeroHash)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestQuery_HistoricalSnapshot(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mustSave(t, s, ident("payments", "aws", "bucket", "invoices"), "v1")
	mustSave(t, s, ident("payments", "aws", "queue", "refunds"), "q1")
	old, err := s.CurrentSnapshot("prod")
	require.NoError(t, err)

	mustSave(t, s, ident("payments", "aws", "bucket", "invoices"), "v2")
	mustSave(t, s, ident("payments", "aws", "bucket", "receipts"), "extra")
	require.NoError(t, s.Delete(ctx, ident("payments", "aws", "queue", "refunds"), nil))

	// A query pinned to the old snapshot sees the old index, not the tip.
	then, err := s.Query(ctx, scope.PlaneScope("prod"), "", old)
	require.NoError(t, err)
	require.Len(t, then, 2)
	byName := map[string][]byte{}
	for _, res := range then {
		byName[res.Identity.Name] = res.Payload
	}
	assert.Equal(t, []byte("v1"), byName["invoices"])
	assert.Equal(t, []byte("q1"), byName["refunds"])

	buckets, err := s.Query(ctx, scope.Scope{Plane: "prod", Group: "payments", Provider: "aws"}, "bucket", old)
	require.NoError(t, err)
	require.Len(t, buckets, 1)
	assert.Equal(t, "invoices", buckets[0].Identity.Name)

	now, err := s.Query(ctx, scope.PlaneScope("prod"), "", plumbing.ZeroHash)
	require.NoError(t, err)
	assert.Len(t, now, 2)
	for _, res := range now {
		assert.NotEqual(t, "refunds", res.Identity.Name)
	}
}

func TestHistory_NewestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := ident("payments", "aws", "bucket", "invoices")

	mustSave(t, s, id, "v1")
	mustSave(t, s, id, "v2")
	require.NoError(t, s.Delete(ctx, id, nil))

	snaps, err := s.History(ctx, "prod", history.Range{})
	require.NoError(t, err)
	require.Len(t, snaps, 3)

	assert.Equal(t, 1, snaps[0].Summary.Deleted)
	assert.Equal(t, 1, snaps[1].Summary.Updated)
	assert.Equal(t, 1, snaps[2].Summary.Created)
	assert.Equal(t, "prod", snaps[0].Plane)
	assert.Equal(t, "test", snaps[0].Provenance.Actor)

	// Limit and Before page through the same order.
	page, err := s.History(ctx, "prod", history.Range{Limit: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, snaps[0].ID, page[0].ID)

	rest, err := s.History(ctx, "prod", history.Range{Before: snaps[1].ID})
	require.NoError(t, err)
	require.Len(t, rest, 2)
	assert.Equal(t, snaps[1].ID, rest[0].ID)
	assert.Equal(t, snaps[2].ID, rest[1].ID)
}

func TestHistory_EmptyPlane(t *testing.T) {
	s := newTestStore(t)
	snaps, err := s.History(context.Background(), "prod", history.Range{})
	require.NoError(t, err)
	assert.Empty(t, snaps)
}

func TestGetAt_PointInTime(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := ident("payments", "aws", "bucket", "invoices")

	mustSave(t, s, id, "v1")
	v1Tip, err := s.CurrentSnapshot("prod")
	require.NoError(t, err)
	mustSave(t, s, id, "v2")

	res, err := s.GetAt(ctx, id, v1Tip)
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), res.Payload)

	res, err = s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), res.Payload)
}

func TestDiff(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mustSave(t, s, ident("payments", "aws", "bucket", "kept"), "same")
	mustSave(t, s, ident("payments", "aws", "bucket", "changed"), "before")
	mustSave(t, s, ident("payments", "aws", "bucket", "gone"), "doomed")
	from, err := s.CurrentSnapshot("prod")
	require.NoError(t, err)

	mustSave(t, s, ident("payments", "aws", "bucket", "changed"), "after")
	mustSave(t, s, ident("payments", "aws", "bucket", "born"), "new")
	require.NoError(t, s.Delete(ctx, ident("payments", "aws", "bucket", "gone"), nil))
	to, err := s.CurrentSnapshot("prod")
	require.NoError(t, err)

	cs, err := s.Diff(ctx, from, to)
	require.NoError(t, err)
	require.Len(t, cs.Created, 1)
	require.Len(t, cs.Updated, 1)
	require.Len(t, cs.Deleted, 1)
	assert.Equal(t, "born", cs.Created[0].Name)
	assert.Equal(t, "changed", cs.Updated[0].Name)
	assert.Equal(t, "gone", cs.Deleted[0].Name)

	// Identical snapshots diff to nothing.
	same, err := s.Diff(ctx, to, to)
	require.NoError(t, err)
	assert.True(t, same.Empty())
}

func TestRollback(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	idA := ident("payments", "aws", "bucket", "a")
	idB := ident("payments", "aws", "bucket", "b")

	mustSave(t, s, idA, "a-v1")
	target, err := s.CurrentSnapshot("prod")
	require.NoError(t, err)

	mustSave(t, s, idA, "a-v2")
	mustSave(t, s, idB, "b-v1")

	preview, err := s.PreviewRollback(ctx, "prod", target)
	require.NoError(t, err)
	assert.Len(t, preview.Updated, 1)
	assert.Len(t, preview.Deleted, 1)

	snap, err := s.Rollback(ctx, "prod", target)
	require.NoError(t, err)

	// Content matches the target snapshot.
	res, err := s.Get(ctx, idA)
	require.NoError(t, err)
	assert.Equal(t, []byte("a-v1"), res.Payload)
	_, err = s.Get(ctx, idB)
	assert.True(t, errors.Is(err, ErrNotFound))

	// History grew forward; the rollback is a new snapshot on top.
	snaps, err := s.History(ctx, "prod", history.Range{})
	require.NoError(t, err)
	require.Len(t, snaps, 4)
	assert.Equal(t, snap.ID, snaps[0].ID)
	assert.Equal(t, "rollback", snaps[0].Provenance.Operation)
}

func TestRollback_ToCurrentStillCommits(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustSave(t, s, ident("g", "p", "t", "n"), "x")
	tip, err := s.CurrentSnapshot("prod")
	require.NoError(t, err)

	_, err = s.Rollback(ctx, "prod", tip)
	require.NoError(t, err)

	snaps, err := s.History(ctx, "prod", history.Range{})
	require.NoError(t, err)
	assert.Len(t, snaps, 2)
}

func TestSnapshotTrees_DeterministicAcrossWriteOrder(t *testing.T) {
	ctx := context.Background()
	build := func(order []int) plumbing.Hash {
		s := newTestStore(t)
		ids := []scope.Identity{
			ident("payments", "aws", "bucket", "invoices"),
			ident("payments", "aws", "queue", "refunds"),
			ident("identity", "gcp", "role", "deployer"),
		}
		payloads := []string{"1", "2", "3"}
		txn, err := s.Begin(ctx, "prod")
		require.NoError(t, err)
		for _, i := range order {
			require.NoError(t, txn.Save(NewResource(ids[i], []byte(payloads[i])), nil))
		}
		_, err = txn.Commit(ctx)
		require.NoError(t, err)

		tip, err := s.CurrentSnapshot("prod")
		require.NoError(t, err)
		commit, err := s.objects.ReadCommit(tip)
		require.NoError(t, err)
		return commit.TreeHash
	}

	// The same resource set yields the same tree id regardless of the
	// order writes were accumulated in.
	assert.Equal(t, build([]int{0, 1, 2}), build([]int{2, 0, 1}))
}

func TestVerifyIndexes_Clean(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustSave(t, s, ident("payments", "aws", "bucket", "invoices"), "v1")
	mustSave(t, s, ident("identity", "aws", "role", "deployer"), "v2")

	mismatches, err := s.VerifyIndexes(ctx, "prod", plumbing.ZeroHash)
	require.NoError(t, err)
	assert.Empty(t, mismatches)
}

func TestRepairIndexes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := ident("payments", "aws", "bucket", "invoices")
	mustSave(t, s, id, "v1")

	snap, err := s.RepairIndexes(ctx, "prod")
	require.NoError(t, err)
	assert.Equal(t, "repair", snap.Provenance.Operation)

	// Repair preserves content and leaves indexes consistent.
	res, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), res.Payload)

	mismatches, err := s.VerifyIndexes(ctx, "prod", plumbing.ZeroHash)
	require.NoError(t, err)
	assert.Empty(t, mismatches)
}

func TestPlanesAreIndependent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	prodID := ident("payments", "aws", "bucket", "invoices")
	stagingID := scope.Identity{Plane: "staging", Group: "payments", Provider: "aws", Type: "bucket", Name: "invoices"}

	mustSave(t, s, prodID, "prod-payload")
	_, err := s.Save(ctx, NewResource(stagingID, []byte("staging-payload")), nil)
	require.NoError(t, err)

	res, err := s.Get(ctx, prodID)
	require.NoError(t, err)
	assert.Equal(t, []byte("prod-payload"), res.Payload)

	res, err = s.Get(ctx, stagingID)
	require.NoError(t, err)
	assert.Equal(t, []byte("staging-payload"), res.Payload)

	prodHist, err := s.History(ctx, "prod", history.Range{})
	require.NoError(t, err)
	stagingHist, err := s.History(ctx, "staging", history.Range{})
	require.NoError(t, err)
	assert.Len(t, prodHist, 1)
	assert.Len(t, stagingHist, 1)
}
