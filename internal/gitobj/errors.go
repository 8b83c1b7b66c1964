package gitobj

import (
	"errors"
	"fmt"

	"github.com/go-git/go-git/v5/plumbing"
)

// Sentinels for errors.Is matching across the module. The concrete
// error types below carry the offending object or ref for diagnostics.
var (
	ErrNotFound         = errors.New("object not found")
	ErrCorruptedObject  = errors.New("corrupted object")
	ErrStorageExhausted = errors.New("object store capacity exhausted")
	ErrRefConflict      = errors.New("ref compare-and-swap conflict")
)

// NotFoundError reports an object or ref absent from the store.
type NotFoundError struct {
	Kind string // "blob", "tree", "commit", "ref"
	ID   string // hash or ref name
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// CorruptedObjectError reports an object that exists but cannot be
// decoded. Published history is never rewritten, so the last-known-good
// snapshot is still intact when this surfaces.
type CorruptedObjectError struct {
	ID  plumbing.Hash
	Err error
}

func (e *CorruptedObjectError) Error() string {
	return fmt.Sprintf("corrupted object %s: %v", e.ID, e.Err)
}

func (e *CorruptedObjectError) Is(target error) bool { return target == ErrCorruptedObject }

func (e *CorruptedObjectError) Unwrap() error { return e.Err }

// StorageError reports a write that failed because the underlying
// store is out of capacity.
type StorageError struct {
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("object store write failed: %v", e.Err)
}

func (e *StorageError) Is(target error) bool { return target == ErrStorageExhausted }

func (e *StorageError) Unwrap() error { return e.Err }

// RefConflictError reports a failed compare-and-swap on a ref. Current
// is the value observed at failure time (zero when the ref was absent).
type RefConflictError struct {
	Name     string
	Expected plumbing.Hash
	Current  plumbing.Hash
}

func (e *RefConflictError) Error() string {
	return fmt.Sprintf("ref %s moved: expected %s, current %s", e.Name, short(e.Expected), short(e.Current))
}

func (e *RefConflictError) Is(target error) bool { return target == ErrRefConflict }

func short(h plumbing.Hash) string {
	if h.IsZero() {
		return "(absent)"
	}
	return h.String()[:12]
}
