package store

import (
	"errors"
	"fmt"

	"github.com/go-git/go-git/v5/plumbing"
)

// Sentinels for errors.Is matching. Object-level failures
// (CorruptedObject, StorageExhausted, object NotFound) surface from
// the gitobj package; identity mapping failures surface from scope.
// The concrete types below carry the offending identity, scope, and
// snapshot for actionable diagnostics.
var (
	ErrNotFound  = errors.New("resource not found")
	ErrConflict  = errors.New("optimistic concurrency conflict")
	ErrOversized = errors.New("resource payload exceeds size limit")
	ErrTxnClosed = errors.New("transaction is no longer open")
)

// NotFoundError reports an identity absent from the target snapshot.
type NotFoundError struct {
	Identity string
	Snapshot plumbing.Hash
}

func (e *NotFoundError) Error() string {
	if e.Snapshot.IsZero() {
		return fmt.Sprintf("resource %s not found", e.Identity)
	}
	return fmt.Sprintf("resource %s not found in snapshot %s", e.Identity, e.Snapshot.String()[:12])
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// ConflictError reports an optimistic-concurrency mismatch. Resource
// level: the stored fingerprint differs from the caller's expectation.
// Scope level: the version label moved past the transaction baseline.
// Both are safely retryable after re-reading current state; the store
// never retries a resource-level conflict on the caller's behalf.
type ConflictError struct {
	// Identity is set for resource-level conflicts, empty for scope level.
	Identity string
	Plane    string
	Expected string
	Actual   string
}

func (e *ConflictError) Error() string {
	if e.Identity != "" {
		return fmt.Sprintf("conflict on %s: expected fingerprint %s, found %s",
			e.Identity, orAbsent(e.Expected), orAbsent(e.Actual))
	}
	return fmt.Sprintf("conflict on plane %s: baseline %s is no longer current (now %s)",
		e.Plane, orAbsent(e.Expected), orAbsent(e.Actual))
}

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

// ResourceLevel reports whether the conflict is a resource fingerprint
// mismatch rather than a lost label race.
func (e *ConflictError) ResourceLevel() bool { return e.Identity != "" }

// OversizedError reports a payload over the configured limit. The
// check runs before any blob write, so nothing reaches the object
// store.
type OversizedError struct {
	Identity string
	Size     int64
	Limit    int64
}

func (e *OversizedError) Error() string {
	return fmt.Sprintf("resource %s payload is %d bytes, limit is %d", e.Identity, e.Size, e.Limit)
}

func (e *OversizedError) Is(target error) bool { return target == ErrOversized }

func orAbsent(s string) string {
	if s == "" {
		return "(absent)"
	}
	if len(s) > 12 {
		return s[:12]
	}
	return s
}
