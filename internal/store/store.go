// Package store exposes the CRUD and query contract of the state
// store and the transaction engine behind it. All mutation funnels
// through one compare-and-swap per plane: the version label is the
// only mutable entity, everything else is immutable content-addressed
// objects.
package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/gitstate-io/gitstate/internal/fingerprint"
	"github.com/gitstate-io/gitstate/internal/gitobj"
	"github.com/gitstate-io/gitstate/internal/history"
	"github.com/gitstate-io/gitstate/internal/index"
	"github.com/gitstate-io/gitstate/internal/logging"
	"github.com/gitstate-io/gitstate/internal/provenance"
	"github.com/gitstate-io/gitstate/internal/scope"
)

// Store is a transactional, version-controlled resource store over a
// content-addressed object graph.
type Store struct {
	cfg     Config
	objects *gitobj.Adapter
	hist    *history.Engine

	mu         sync.Mutex
	planeLocks map[string]*sync.Mutex
}

// Open opens (or initializes) the store at cfg.Path.
func Open(cfg Config) (*Store, error) {
	cfg.applyDefaults()
	if cfg.Path == "" {
		return nil, fmt.Errorf("store repository path is not configured")
	}
	objects, err := gitobj.Open(cfg.Path)
	if err != nil {
		return nil, err
	}
	return New(objects, cfg), nil
}

// New wraps an existing object adapter. Tests use this with in-memory
// storage.
func New(objects *gitobj.Adapter, cfg Config) *Store {
	cfg.applyDefaults()
	return &Store{
		cfg:        cfg,
		objects:    objects,
		hist:       history.New(objects),
		planeLocks: make(map[string]*sync.Mutex),
	}
}

// Objects exposes the underlying object adapter for the sync layer.
func (s *Store) Objects() *gitobj.Adapter {
	return s.objects
}

// planeLock returns the per-plane commit mutex. In-process commits
// serialize on it to avoid wasted tree construction under contention;
// correctness still rests on the label CAS.
func (s *Store) planeLock(plane string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.planeLocks[plane]
	if !ok {
		lock = &sync.Mutex{}
		s.planeLocks[plane] = lock
	}
	return lock
}

// CurrentSnapshot returns the snapshot the plane's version label
// points at, zero when the plane has no history yet. Reads never
// block and never participate in the CAS: they see whatever complete
// snapshot the label designates at that instant.
func (s *Store) CurrentSnapshot(plane string) (plumbing.Hash, error) {
	return s.objects.Ref(scope.LabelName(plane))
}

// Get returns a resource from the current snapshot.
func (s *Store) Get(ctx context.Context, id scope.Identity) (Resource, error) {
	return s.GetAt(ctx, id, plumbing.ZeroHash)
}

// GetAt returns a resource from a specific snapshot; a zero snapshot
// id selects the current one.
func (s *Store) GetAt(ctx context.Context, id scope.Identity, at plumbing.Hash) (Resource, error) {
	if err := ctx.Err(); err != nil {
		return Resource{}, err
	}
	if err := id.Validate(); err != nil {
		return Resource{}, err
	}
	root, snapshot, err := s.rootAt(id.Plane, at)
	if err != nil {
		return Resource{}, err
	}
	blob, found, err := s.blobAt(root, id)
	if err != nil {
		return Resource{}, err
	}
	if !found {
		return Resource{}, &NotFoundError{Identity: id.String(), Snapshot: snapshot}
	}
	payload, err := s.objects.ReadBlob(blob)
	if err != nil {
		return Resource{}, err
	}
	return NewResource(id, payload), nil
}

// Query lists the resources under a scope, optionally filtered by raw
// resource type, from the current snapshot or a historical one. It is
// served by the scope's index blob: one blob read plus one payload
// read per hit, no tree walk.
func (s *Store) Query(ctx context.Context, sc scope.Scope, typeFilter string, at plumbing.Hash) ([]Resource, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	root, _, err := s.rootAt(sc.Plane, at)
	if err != nil {
		return nil, err
	}
	if root.IsZero() {
		return nil, nil
	}
	entries, err := index.Query(s.objects, root, sc, typeFilter)
	if err != nil {
		return nil, err
	}
	out := make([]Resource, 0, len(entries))
	for _, e := range entries {
		id, err := e.Identity(sc)
		if err != nil {
			return nil, err
		}
		payload, err := s.objects.ReadBlob(e.BlobHash())
		if err != nil {
			return nil, err
		}
		out = append(out, NewResource(id, payload))
	}
	return out, nil
}

// Save writes one resource in its own transaction and returns the new
// fingerprint. Pure label races (another transaction committed first,
// without touching this resource's expectation) are absorbed by
// re-opening against the new current snapshot, at most
// Config.MaxCASRetries times; a resource-level conflict is surfaced
// immediately and never retried here.
func (s *Store) Save(ctx context.Context, res Resource, expected *fingerprint.Fingerprint) (fingerprint.Fingerprint, error) {
	err := s.retryLabelRaces(ctx, res.Identity.Plane, func(txn *Txn) error {
		return txn.Save(res, expected)
	}, provenance.Provenance{})
	if err != nil {
		return fingerprint.Zero, err
	}
	return fingerprint.Of(res.Payload), nil
}

// Delete removes one resource in its own transaction. Retry semantics
// match Save.
func (s *Store) Delete(ctx context.Context, id scope.Identity, expected *fingerprint.Fingerprint) error {
	return s.retryLabelRaces(ctx, id.Plane, func(txn *Txn) error {
		return txn.Delete(id, expected)
	}, provenance.Provenance{})
}

// History returns snapshot summaries for a plane, newest first.
func (s *Store) History(ctx context.Context, plane string, r history.Range) ([]history.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	tip, err := s.CurrentSnapshot(plane)
	if err != nil {
		return nil, err
	}
	if tip.IsZero() && r.Before.IsZero() {
		return nil, nil
	}
	return s.hist.List(tip, r)
}

// Diff returns the change set between two snapshots.
func (s *Store) Diff(ctx context.Context, a, b plumbing.Hash) (history.ChangeSet, error) {
	if err := ctx.Err(); err != nil {
		return history.ChangeSet{}, err
	}
	return s.hist.Diff(a, b)
}

// PreviewRollback reports what Rollback to the target snapshot would
// change, without committing anything.
func (s *Store) PreviewRollback(ctx context.Context, plane string, target plumbing.Hash) (history.ChangeSet, error) {
	if err := ctx.Err(); err != nil {
		return history.ChangeSet{}, err
	}
	current, err := s.CurrentSnapshot(plane)
	if err != nil {
		return history.ChangeSet{}, err
	}
	return s.hist.Diff(current, target)
}

// Rollback reconstructs the resource set of the target snapshot and
// commits it as a brand-new snapshot whose parent is the current one.
// History only ever grows: the target is reproduced, never restored
// in place, and every snapshot in between stays reachable.
func (s *Store) Rollback(ctx context.Context, plane string, target plumbing.Hash) (history.Snapshot, error) {
	targetSet, err := s.hist.ResourceSet(target)
	if err != nil {
		return history.Snapshot{}, err
	}
	var result history.Snapshot
	err = s.retryLabelRacesFull(ctx, plane, func(txn *Txn) error {
		changes, err := s.hist.Diff(txn.Baseline(), target)
		if err != nil {
			return err
		}
		for _, id := range append(changes.Created, changes.Updated...) {
			ref, ok := targetSet[id.String()]
			if !ok {
				return &NotFoundError{Identity: id.String(), Snapshot: target}
			}
			payload, err := s.objects.ReadBlob(ref.Blob)
			if err != nil {
				return err
			}
			if err := txn.Save(NewResource(id, payload), nil); err != nil {
				return err
			}
		}
		for _, id := range changes.Deleted {
			if err := txn.Delete(id, nil); err != nil {
				return err
			}
		}
		txn.forceCommit = true
		return nil
	}, provenance.Provenance{Operation: provenance.OpRollback}, &result)
	if err != nil {
		return history.Snapshot{}, err
	}
	return result, nil
}

// VerifyIndexes validates every index blob of a snapshot against a
// rebuild from the authoritative tree. A zero snapshot id selects the
// current one. An empty plane returns no mismatches.
func (s *Store) VerifyIndexes(ctx context.Context, plane string, at plumbing.Hash) ([]index.Mismatch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	root, _, err := s.rootAt(plane, at)
	if err != nil {
		return nil, err
	}
	if root.IsZero() {
		return nil, nil
	}
	return index.Verify(s.objects, root)
}

// RepairIndexes commits a new snapshot with every index rebuilt from
// the tree contents. Resource blobs are reused by content id; only
// index blobs and the trees above them change.
func (s *Store) RepairIndexes(ctx context.Context, plane string) (history.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return history.Snapshot{}, err
	}
	lock := s.planeLock(plane)
	lock.Lock()
	defer lock.Unlock()

	current, err := s.CurrentSnapshot(plane)
	if err != nil {
		return history.Snapshot{}, err
	}
	if current.IsZero() {
		return history.Snapshot{}, fmt.Errorf("plane %s has no history to repair", plane)
	}
	commitObj, err := s.objects.ReadCommit(current)
	if err != nil {
		return history.Snapshot{}, err
	}
	newRoot, _, err := s.repairNode(commitObj.TreeHash, 0, "")
	if err != nil {
		return history.Snapshot{}, err
	}
	prov := provenance.Detect(provenance.Provenance{
		Operation: provenance.OpRepair,
		Actor:     s.cfg.Actor,
	}, s.cfg.Workdir)
	commit, err := s.objects.CreateCommit(newRoot, gitobj.CommitMeta{
		Message: provenance.FormatMessage(plane, prov, provenance.Summary{}),
		Actor:   prov.Actor,
		Email:   s.cfg.Email,
		When:    time.Now().UTC(),
		Parents: []plumbing.Hash{current},
	})
	if err != nil {
		return history.Snapshot{}, err
	}
	if err := s.objects.UpdateRefAtomic(scope.LabelName(plane), current, commit); err != nil {
		return history.Snapshot{}, err
	}
	logging.Info("indexes repaired", "plane", plane, "snapshot", commit.String())
	return s.hist.Summary(commit)
}

func (s *Store) repairNode(node plumbing.Hash, depth int, rawType string) (plumbing.Hash, []index.Entry, error) {
	entries, err := s.objects.ListTree(node)
	if err != nil {
		return plumbing.ZeroHash, nil, err
	}
	var treeEntries []object.TreeEntry
	var idxEntries []index.Entry
	for _, e := range entries {
		if e.Name == index.EntryName {
			continue
		}
		if e.Mode == filemode.Dir {
			childType := rawType
			if depth == 2 {
				childType, err = scope.UnescapeSegment(e.Name)
				if err != nil {
					return plumbing.ZeroHash, nil, err
				}
			}
			newChild, childIdx, err := s.repairNode(e.Hash, depth+1, childType)
			if err != nil {
				return plumbing.ZeroHash, nil, err
			}
			treeEntries = append(treeEntries, object.TreeEntry{Name: e.Name, Mode: filemode.Dir, Hash: newChild})
			idxEntries = append(idxEntries, index.Prefix(e.Name, childIdx)...)
			continue
		}
		payload, err := s.objects.ReadBlob(e.Hash)
		if err != nil {
			return plumbing.ZeroHash, nil, err
		}
		fp := fingerprint.Of(payload)
		treeEntries = append(treeEntries, e)
		idxEntries = append(idxEntries, index.Entry{Path: e.Name, Type: rawType, Fingerprint: fp[:], Blob: e.Hash[:]})
	}
	data, err := index.Encode(idxEntries)
	if err != nil {
		return plumbing.ZeroHash, nil, err
	}
	idxBlob, err := s.objects.WriteBlob(data)
	if err != nil {
		return plumbing.ZeroHash, nil, err
	}
	treeEntries = append(treeEntries, object.TreeEntry{Name: index.EntryName, Mode: filemode.Regular, Hash: idxBlob})
	tree, err := s.objects.BuildTree(treeEntries)
	if err != nil {
		return plumbing.ZeroHash, nil, err
	}
	return tree, idxEntries, nil
}

// retryLabelRaces runs accumulate+commit, re-opening the transaction
// when the commit loses a pure label race. Resource-level conflicts
// from accumulate are returned as-is on every attempt.
func (s *Store) retryLabelRaces(ctx context.Context, plane string, accumulate func(*Txn) error, prov provenance.Provenance) error {
	return s.retryLabelRacesFull(ctx, plane, accumulate, prov, nil)
}

func (s *Store) retryLabelRacesFull(ctx context.Context, plane string, accumulate func(*Txn) error, prov provenance.Provenance, result *history.Snapshot) error {
	var lastErr error
	for attempt := 0; attempt < s.cfg.MaxCASRetries; attempt++ {
		txn, err := s.Begin(ctx, plane)
		if err != nil {
			return err
		}
		txn.SetProvenance(prov)
		if err := accumulate(txn); err != nil {
			txn.Abort()
			return err
		}
		snap, err := txn.Commit(ctx)
		if err == nil {
			if result != nil {
				*result = snap
			}
			return nil
		}
		var conflict *ConflictError
		if !errors.As(err, &conflict) || conflict.ResourceLevel() {
			return err
		}
		lastErr = err
		logging.Debug("label race lost, rebasing", "plane", plane, "attempt", attempt+1)
	}
	return lastErr
}

// rootAt resolves the root tree of a snapshot; zero selects the
// plane's current snapshot. The returned snapshot id is the one
// actually used.
func (s *Store) rootAt(plane string, at plumbing.Hash) (plumbing.Hash, plumbing.Hash, error) {
	if at.IsZero() {
		tip, err := s.CurrentSnapshot(plane)
		if err != nil {
			return plumbing.ZeroHash, plumbing.ZeroHash, err
		}
		at = tip
	}
	if at.IsZero() {
		return plumbing.ZeroHash, plumbing.ZeroHash, nil
	}
	commit, err := s.objects.ReadCommit(at)
	if err != nil {
		return plumbing.ZeroHash, plumbing.ZeroHash, err
	}
	return commit.TreeHash, at, nil
}

// blobAt navigates the resource tree to an identity's payload blob.
func (s *Store) blobAt(root plumbing.Hash, id scope.Identity) (plumbing.Hash, bool, error) {
	if root.IsZero() {
		return plumbing.ZeroHash, false, nil
	}
	path, err := id.TreePath()
	if err != nil {
		return plumbing.ZeroHash, false, err
	}
	node := root
	for i, seg := range path {
		entries, err := s.objects.ListTree(node)
		if err != nil {
			return plumbing.ZeroHash, false, err
		}
		var next *plumbing.Hash
		for _, e := range entries {
			if e.Name != seg {
				continue
			}
			isLeaf := i == len(path)-1
			if isLeaf == (e.Mode == filemode.Dir) {
				return plumbing.ZeroHash, false, nil
			}
			h := e.Hash
			next = &h
			break
		}
		if next == nil {
			return plumbing.ZeroHash, false, nil
		}
		node = *next
	}
	return node, true, nil
}

// fingerprintAt returns the stored fingerprint of an identity in the
// snapshot rooted at root.
func (s *Store) fingerprintAt(root plumbing.Hash, id scope.Identity) (fingerprint.Fingerprint, bool, error) {
	blob, found, err := s.blobAt(root, id)
	if err != nil || !found {
		return fingerprint.Zero, false, err
	}
	payload, err := s.objects.ReadBlob(blob)
	if err != nil {
		return fingerprint.Zero, false, err
	}
	return fingerprint.Of(payload), true, nil
}
