// Package gitobj is a thin adapter over the go-git plumbing layer. It
// exposes exactly the primitives the store is built on: write blob,
// build tree, create commit, read object, list tree, and an atomic
// compare-and-swap on a named ref. Objects are content-addressed, so
// no partial write is ever observable as valid state; only a
// successful ref update publishes a tree.
package gitobj

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/go-git/go-billy/v5/osfs"
	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/cache"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/storage"
	"github.com/go-git/go-git/v5/storage/filesystem"
	"github.com/go-git/go-git/v5/storage/memory"
)

// Adapter wraps a single git object store.
type Adapter struct {
	storer storage.Storer

	// refMu serializes in-process ref updates. Correctness comes from
	// the storer's CheckAndSetReference; the mutex closes the
	// check-then-set window for the "expected absent" case and avoids
	// wasted work under contention.
	refMu sync.Mutex

	// objMu guards object reads and writes. The memory storer keeps
	// objects in plain maps with no internal locking, so concurrent
	// transactions need this to share one adapter.
	objMu sync.RWMutex
}

// Open opens the bare repository at path, initializing it if needed.
func Open(path string) (*Adapter, error) {
	fs := osfs.New(path)
	st := filesystem.NewStorage(fs, cache.NewObjectLRUDefault())
	if _, err := git.Open(st, nil); err != nil {
		if !errors.Is(err, git.ErrRepositoryNotExists) {
			return nil, fmt.Errorf("failed to open repository at %s: %w", path, err)
		}
		if _, err := git.Init(st, nil); err != nil {
			return nil, fmt.Errorf("failed to initialize repository at %s: %w", path, err)
		}
	}
	return &Adapter{storer: st}, nil
}

// NewMemory returns an adapter over an in-memory object store. Used in
// tests and for ephemeral staging.
func NewMemory() *Adapter {
	st := memory.NewStorage()
	// Init on memory storage cannot fail.
	git.Init(st, nil)
	return &Adapter{storer: st}
}

// Storer exposes the underlying go-git storage for the sync layer,
// which hands it to the transport machinery.
func (a *Adapter) Storer() storage.Storer {
	return a.storer
}

// WriteBlob stores payload as a blob and returns its content id.
func (a *Adapter) WriteBlob(payload []byte) (plumbing.Hash, error) {
	obj := a.storer.NewEncodedObject()
	obj.SetType(plumbing.BlobObject)
	w, err := obj.Writer()
	if err != nil {
		return plumbing.ZeroHash, mapWriteErr(err)
	}
	if _, err := w.Write(payload); err != nil {
		w.Close()
		return plumbing.ZeroHash, mapWriteErr(err)
	}
	if err := w.Close(); err != nil {
		return plumbing.ZeroHash, mapWriteErr(err)
	}
	h, err := a.setObject(obj)
	if err != nil {
		return plumbing.ZeroHash, mapWriteErr(err)
	}
	return h, nil
}

func (a *Adapter) setObject(obj plumbing.EncodedObject) (plumbing.Hash, error) {
	a.objMu.Lock()
	defer a.objMu.Unlock()
	return a.storer.SetEncodedObject(obj)
}

// ReadBlob returns the payload of a blob.
func (a *Adapter) ReadBlob(h plumbing.Hash) ([]byte, error) {
	a.objMu.RLock()
	blob, err := object.GetBlob(a.storer, h)
	a.objMu.RUnlock()
	if err != nil {
		return nil, mapReadErr("blob", h, err)
	}
	r, err := blob.Reader()
	if err != nil {
		return nil, &CorruptedObjectError{ID: h, Err: err}
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, &CorruptedObjectError{ID: h, Err: err}
	}
	return data, nil
}

// HasObject reports whether an object with the given id is present.
func (a *Adapter) HasObject(h plumbing.Hash) bool {
	a.objMu.RLock()
	defer a.objMu.RUnlock()
	return a.storer.HasEncodedObject(h) == nil
}

// BuildTree stores a tree with the given entries and returns its id.
// Entries are sorted into git's canonical order first, so identical
// entry sets always yield identical ids. Duplicate names are rejected.
func (a *Adapter) BuildTree(entries []object.TreeEntry) (plumbing.Hash, error) {
	sorted := make([]object.TreeEntry, len(entries))
	copy(sorted, entries)
	sortTreeEntries(sorted)
	for i := 1; i < len(sorted); i++ {
		if sorted[i].Name == sorted[i-1].Name {
			return plumbing.ZeroHash, fmt.Errorf("duplicate tree entry %q", sorted[i].Name)
		}
	}
	tree := &object.Tree{Entries: sorted}
	obj := a.storer.NewEncodedObject()
	if err := tree.Encode(obj); err != nil {
		return plumbing.ZeroHash, mapWriteErr(err)
	}
	h, err := a.setObject(obj)
	if err != nil {
		return plumbing.ZeroHash, mapWriteErr(err)
	}
	return h, nil
}

// ListTree returns the entries of a tree.
func (a *Adapter) ListTree(h plumbing.Hash) ([]object.TreeEntry, error) {
	a.objMu.RLock()
	tree, err := object.GetTree(a.storer, h)
	a.objMu.RUnlock()
	if err != nil {
		return nil, mapReadErr("tree", h, err)
	}
	return tree.Entries, nil
}

// EmptyTree stores and returns the id of the empty tree.
func (a *Adapter) EmptyTree() (plumbing.Hash, error) {
	return a.BuildTree(nil)
}

// CommitMeta carries the metadata recorded on a snapshot commit.
type CommitMeta struct {
	Message string
	Actor   string
	Email   string
	When    time.Time
	Parents []plumbing.Hash
}

// CreateCommit stores a commit pointing at tree and returns its id.
func (a *Adapter) CreateCommit(tree plumbing.Hash, meta CommitMeta) (plumbing.Hash, error) {
	sig := object.Signature{Name: meta.Actor, Email: meta.Email, When: meta.When}
	commit := &object.Commit{
		TreeHash:     tree,
		ParentHashes: meta.Parents,
		Author:       sig,
		Committer:    sig,
		Message:      meta.Message,
	}
	obj := a.storer.NewEncodedObject()
	if err := commit.Encode(obj); err != nil {
		return plumbing.ZeroHash, mapWriteErr(err)
	}
	h, err := a.setObject(obj)
	if err != nil {
		return plumbing.ZeroHash, mapWriteErr(err)
	}
	return h, nil
}

// ReadCommit returns the decoded commit object.
func (a *Adapter) ReadCommit(h plumbing.Hash) (*object.Commit, error) {
	a.objMu.RLock()
	commit, err := object.GetCommit(a.storer, h)
	a.objMu.RUnlock()
	if err != nil {
		return nil, mapReadErr("commit", h, err)
	}
	return commit, nil
}

// RawObject returns the type and undecoded content of any object.
// Used by the sync layer to mirror objects byte-for-byte.
func (a *Adapter) RawObject(h plumbing.Hash) (plumbing.ObjectType, []byte, error) {
	a.objMu.RLock()
	obj, err := a.storer.EncodedObject(plumbing.AnyObject, h)
	a.objMu.RUnlock()
	if err != nil {
		return plumbing.InvalidObject, nil, mapReadErr("object", h, err)
	}
	r, err := obj.Reader()
	if err != nil {
		return plumbing.InvalidObject, nil, &CorruptedObjectError{ID: h, Err: err}
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return plumbing.InvalidObject, nil, &CorruptedObjectError{ID: h, Err: err}
	}
	return obj.Type(), data, nil
}

// PutRawObject stores an object from its type and raw content,
// returning its content id. The id is recomputed locally, so a
// tampered mirror cannot inject an object under a false address.
func (a *Adapter) PutRawObject(typ plumbing.ObjectType, data []byte) (plumbing.Hash, error) {
	obj := a.storer.NewEncodedObject()
	obj.SetType(typ)
	w, err := obj.Writer()
	if err != nil {
		return plumbing.ZeroHash, mapWriteErr(err)
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return plumbing.ZeroHash, mapWriteErr(err)
	}
	if err := w.Close(); err != nil {
		return plumbing.ZeroHash, mapWriteErr(err)
	}
	h, err := a.setObject(obj)
	if err != nil {
		return plumbing.ZeroHash, mapWriteErr(err)
	}
	return h, nil
}

// Ref returns the commit id a ref currently points at, or the zero
// hash when the ref is absent.
func (a *Adapter) Ref(name string) (plumbing.Hash, error) {
	a.refMu.Lock()
	ref, err := a.storer.Reference(plumbing.ReferenceName(name))
	a.refMu.Unlock()
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return plumbing.ZeroHash, nil
		}
		return plumbing.ZeroHash, fmt.Errorf("failed to read ref %s: %w", name, err)
	}
	return ref.Hash(), nil
}

// UpdateRefAtomic moves a ref from expectedOld to new. A zero
// expectedOld asserts the ref is absent; a conflict is returned when
// the current value differs, including the case where the ref already
// exists. External writers sharing the repository are detected by the
// storer's own compare-and-swap, not assumed prevented.
func (a *Adapter) UpdateRefAtomic(name string, expectedOld, newHash plumbing.Hash) error {
	a.refMu.Lock()
	defer a.refMu.Unlock()

	refName := plumbing.ReferenceName(name)
	newRef := plumbing.NewHashReference(refName, newHash)

	if expectedOld.IsZero() {
		current, err := a.storer.Reference(refName)
		if err == nil {
			return &RefConflictError{Name: name, Expected: expectedOld, Current: current.Hash()}
		}
		if !errors.Is(err, plumbing.ErrReferenceNotFound) {
			return fmt.Errorf("failed to read ref %s: %w", name, err)
		}
		if err := a.storer.SetReference(newRef); err != nil {
			return mapWriteErr(err)
		}
		return nil
	}

	oldRef := plumbing.NewHashReference(refName, expectedOld)
	err := a.storer.CheckAndSetReference(newRef, oldRef)
	if err == nil {
		return nil
	}
	if errors.Is(err, storage.ErrReferenceHasChanged) || errors.Is(err, plumbing.ErrReferenceNotFound) {
		current := plumbing.ZeroHash
		if ref, refErr := a.storer.Reference(refName); refErr == nil {
			current = ref.Hash()
		}
		return &RefConflictError{Name: name, Expected: expectedOld, Current: current}
	}
	return mapWriteErr(err)
}

// SetRef force-sets a ref without a compare. Only the sync layer uses
// it, for remote-tracking refs that carry no local authority.
func (a *Adapter) SetRef(name string, h plumbing.Hash) error {
	a.refMu.Lock()
	defer a.refMu.Unlock()
	if err := a.storer.SetReference(plumbing.NewHashReference(plumbing.ReferenceName(name), h)); err != nil {
		return mapWriteErr(err)
	}
	return nil
}

// sortTreeEntries sorts entries into git's canonical tree order:
// bytewise by name, with directories compared as if suffixed by "/".
func sortTreeEntries(entries []object.TreeEntry) {
	sort.Slice(entries, func(i, j int) bool {
		return treeEntrySortKey(entries[i]) < treeEntrySortKey(entries[j])
	})
}

func treeEntrySortKey(e object.TreeEntry) string {
	if e.Mode == filemode.Dir {
		return e.Name + "/"
	}
	return e.Name
}

func mapReadErr(kind string, h plumbing.Hash, err error) error {
	if errors.Is(err, plumbing.ErrObjectNotFound) {
		return &NotFoundError{Kind: kind, ID: h.String()}
	}
	return &CorruptedObjectError{ID: h, Err: err}
}

func mapWriteErr(err error) error {
	if errors.Is(err, syscall.ENOSPC) || strings.Contains(err.Error(), "no space left on device") {
		return &StorageError{Err: err}
	}
	return fmt.Errorf("object store write failed: %w", err)
}
