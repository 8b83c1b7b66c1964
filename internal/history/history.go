// Package history walks snapshot ancestry and computes diffs between
// snapshots. History is an append-only graph of immutable commits:
// nothing here ever mutates a snapshot, and rollback (implemented by
// the store on top of this engine) is always a forward append.
package history

import (
	"fmt"
	"time"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/gitstate-io/gitstate/internal/gitobj"
	"github.com/gitstate-io/gitstate/internal/index"
	"github.com/gitstate-io/gitstate/internal/provenance"
	"github.com/gitstate-io/gitstate/internal/scope"
)

// Snapshot is the summary of one committed state.
type Snapshot struct {
	ID         plumbing.Hash
	Parents    []plumbing.Hash
	Time       time.Time
	Plane      string
	Provenance provenance.Provenance
	Summary    provenance.Summary
	Title      string
}

// Range bounds a history listing. A zero Range means "from the tip,
// unbounded".
type Range struct {
	// Before starts the walk at this snapshot instead of the tip.
	Before plumbing.Hash
	// Limit caps the number of summaries returned; 0 means no cap.
	Limit int
}

// ChangeSet is the result of a diff: resource identities grouped by
// what happened to them between two snapshots.
type ChangeSet struct {
	Created []scope.Identity
	Updated []scope.Identity
	Deleted []scope.Identity
}

// Empty reports whether the change set carries no changes.
func (c ChangeSet) Empty() bool {
	return len(c.Created) == 0 && len(c.Updated) == 0 && len(c.Deleted) == 0
}

// ResourceRef is one resource in a materialized snapshot: its identity
// and the blob holding its payload.
type ResourceRef struct {
	Identity scope.Identity
	Blob     plumbing.Hash
}

// Engine reads snapshot history from an object store.
type Engine struct {
	objects *gitobj.Adapter
}

func New(objects *gitobj.Adapter) *Engine {
	return &Engine{objects: objects}
}

// Summary decodes one snapshot commit.
func (e *Engine) Summary(id plumbing.Hash) (Snapshot, error) {
	commit, err := e.objects.ReadCommit(id)
	if err != nil {
		return Snapshot{}, err
	}
	plane, prov, sum := provenance.ParseMessage(commit.Message)
	title := commit.Message
	for i := 0; i < len(title); i++ {
		if title[i] == '\n' {
			title = title[:i]
			break
		}
	}
	return Snapshot{
		ID:         id,
		Parents:    commit.ParentHashes,
		Time:       commit.Committer.When,
		Plane:      plane,
		Provenance: prov,
		Summary:    sum,
		Title:      title,
	}, nil
}

// List walks ancestry newest-first from tip (or r.Before when set),
// following first parents. The tip of an empty history is the zero
// hash and yields an empty list.
func (e *Engine) List(tip plumbing.Hash, r Range) ([]Snapshot, error) {
	at := tip
	if !r.Before.IsZero() {
		at = r.Before
	}
	var out []Snapshot
	for !at.IsZero() {
		if r.Limit > 0 && len(out) == r.Limit {
			break
		}
		snap, err := e.Summary(at)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
		if len(snap.Parents) == 0 {
			break
		}
		at = snap.Parents[0]
	}
	return out, nil
}

// IsAncestor reports whether ancestor is reachable from descendant,
// including equality. Used by the sync layer to distinguish a
// fast-forward from diverged history.
func (e *Engine) IsAncestor(ancestor, descendant plumbing.Hash) (bool, error) {
	seen := make(map[plumbing.Hash]bool)
	queue := []plumbing.Hash{descendant}
	for len(queue) > 0 {
		at := queue[0]
		queue = queue[1:]
		if at == ancestor {
			return true, nil
		}
		if seen[at] {
			continue
		}
		seen[at] = true
		commit, err := e.objects.ReadCommit(at)
		if err != nil {
			return false, err
		}
		queue = append(queue, commit.ParentHashes...)
	}
	return false, nil
}

// Diff computes the resource changes from snapshot a to snapshot b by
// recursive tree comparison. Subtrees with equal content ids are
// short-circuited without descending. Either snapshot may be the zero
// hash, meaning the empty state.
func (e *Engine) Diff(a, b plumbing.Hash) (ChangeSet, error) {
	treeA, planeA, err := e.rootOf(a)
	if err != nil {
		return ChangeSet{}, err
	}
	treeB, planeB, err := e.rootOf(b)
	if err != nil {
		return ChangeSet{}, err
	}
	plane := planeA
	if plane == "" {
		plane = planeB
	}
	var cs ChangeSet
	if err := e.diffTrees(treeA, treeB, plane, nil, &cs); err != nil {
		return ChangeSet{}, err
	}
	return cs, nil
}

func (e *Engine) rootOf(id plumbing.Hash) (plumbing.Hash, string, error) {
	if id.IsZero() {
		return plumbing.ZeroHash, "", nil
	}
	commit, err := e.objects.ReadCommit(id)
	if err != nil {
		return plumbing.ZeroHash, "", err
	}
	plane, _, _ := provenance.ParseMessage(commit.Message)
	return commit.TreeHash, plane, nil
}

func (e *Engine) diffTrees(a, b plumbing.Hash, plane string, path []string, cs *ChangeSet) error {
	if a == b {
		return nil
	}
	entriesA, err := e.listOrEmpty(a)
	if err != nil {
		return err
	}
	entriesB, err := e.listOrEmpty(b)
	if err != nil {
		return err
	}
	byName := make(map[string][2]*object.TreeEntry, len(entriesA)+len(entriesB))
	for i := range entriesA {
		pair := byName[entriesA[i].Name]
		pair[0] = &entriesA[i]
		byName[entriesA[i].Name] = pair
	}
	for i := range entriesB {
		pair := byName[entriesB[i].Name]
		pair[1] = &entriesB[i]
		byName[entriesB[i].Name] = pair
	}
	for name, pair := range byName {
		if name == index.EntryName {
			continue
		}
		oldE, newE := pair[0], pair[1]
		childPath := append(append([]string{}, path...), name)
		switch {
		case oldE == nil:
			if err := e.collect(newE, plane, childPath, &cs.Created); err != nil {
				return err
			}
		case newE == nil:
			if err := e.collect(oldE, plane, childPath, &cs.Deleted); err != nil {
				return err
			}
		case oldE.Hash == newE.Hash:
			// Unchanged subtree or blob.
		case oldE.Mode == filemode.Dir && newE.Mode == filemode.Dir:
			if err := e.diffTrees(oldE.Hash, newE.Hash, plane, childPath, cs); err != nil {
				return err
			}
		case oldE.Mode != filemode.Dir && newE.Mode != filemode.Dir:
			id, err := scope.ParseTreePath(plane, childPath)
			if err != nil {
				return err
			}
			cs.Updated = append(cs.Updated, id)
		default:
			return fmt.Errorf("entry %q changed kind between snapshots", name)
		}
	}
	return nil
}

// collect appends every resource identity at or below an entry.
func (e *Engine) collect(entry *object.TreeEntry, plane string, path []string, into *[]scope.Identity) error {
	if entry.Mode != filemode.Dir {
		id, err := scope.ParseTreePath(plane, path)
		if err != nil {
			return err
		}
		*into = append(*into, id)
		return nil
	}
	entries, err := e.objects.ListTree(entry.Hash)
	if err != nil {
		return err
	}
	for i := range entries {
		if entries[i].Name == index.EntryName {
			continue
		}
		childPath := append(append([]string{}, path...), entries[i].Name)
		if err := e.collect(&entries[i], plane, childPath, into); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) listOrEmpty(tree plumbing.Hash) ([]object.TreeEntry, error) {
	if tree.IsZero() {
		return nil, nil
	}
	return e.objects.ListTree(tree)
}

// ResourceSet materializes the full resource listing of a snapshot as
// identity → payload blob. Used by rollback to reconstruct a target
// state.
func (e *Engine) ResourceSet(id plumbing.Hash) (map[string]ResourceRef, error) {
	out := make(map[string]ResourceRef)
	if id.IsZero() {
		return out, nil
	}
	tree, plane, err := e.rootOf(id)
	if err != nil {
		return nil, err
	}
	var walk func(node plumbing.Hash, path []string) error
	walk = func(node plumbing.Hash, path []string) error {
		entries, err := e.objects.ListTree(node)
		if err != nil {
			return err
		}
		for _, entry := range entries {
			if entry.Name == index.EntryName {
				continue
			}
			childPath := append(append([]string{}, path...), entry.Name)
			if entry.Mode == filemode.Dir {
				if err := walk(entry.Hash, childPath); err != nil {
					return err
				}
				continue
			}
			rid, err := scope.ParseTreePath(plane, childPath)
			if err != nil {
				return err
			}
			out[rid.String()] = ResourceRef{Identity: rid, Blob: entry.Hash}
		}
		return nil
	}
	if err := walk(tree, nil); err != nil {
		return nil, err
	}
	return out, nil
}
