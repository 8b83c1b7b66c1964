package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/google/uuid"

	"github.com/gitstate-io/gitstate/internal/fingerprint"
	"github.com/gitstate-io/gitstate/internal/gitobj"
	"github.com/gitstate-io/gitstate/internal/history"
	"github.com/gitstate-io/gitstate/internal/index"
	"github.com/gitstate-io/gitstate/internal/logging"
	"github.com/gitstate-io/gitstate/internal/provenance"
	"github.com/gitstate-io/gitstate/internal/scope"
)

// TxnState tracks a transaction through its lifecycle:
// Open → Accumulating → Committing → Committed | Conflict, with
// Closed as the terminal state of an abort.
type TxnState int

const (
	TxnOpen TxnState = iota
	TxnAccumulating
	TxnCommitting
	TxnCommitted
	TxnConflict
	TxnClosed
)

func (s TxnState) String() string {
	switch s {
	case TxnOpen:
		return "open"
	case TxnAccumulating:
		return "accumulating"
	case TxnCommitting:
		return "committing"
	case TxnCommitted:
		return "committed"
	case TxnConflict:
		return "conflict"
	case TxnClosed:
		return "closed"
	}
	return "unknown"
}

// pendingOp is one accumulated Save or Delete.
type pendingOp struct {
	identity scope.Identity
	payload  []byte
	fp       fingerprint.Fingerprint
	remove   bool
	existed  bool // present in the baseline snapshot
}

// Txn accumulates Save and Delete operations against one plane and
// turns them into a single atomic commit. A transaction is ephemeral
// and process-local: abandoning it before Commit has no effect on
// stored state, because nothing is written until Commit and nothing
// is published until the version label moves.
type Txn struct {
	store    *Store
	plane    string
	baseline plumbing.Hash // snapshot the label pointed at when opened
	root     plumbing.Hash // baseline root tree (zero for an empty plane)

	mu          sync.Mutex
	state       TxnState
	ops         map[string]*pendingOp // keyed by escaped tree path
	prov        provenance.Provenance
	id          string
	forceCommit bool // commit even with no ops (rollback to identical state)
}

// Begin opens a transaction against a plane, capturing the current
// version label value as the optimistic-concurrency baseline. Any
// number of transactions may be open against the same plane; only
// Commit contends.
func (s *Store) Begin(ctx context.Context, plane string) (*Txn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if plane == "" {
		return nil, &scope.InvalidIdentityError{Identity: "", Reason: "plane segment is empty"}
	}
	tip, err := s.objects.Ref(scope.LabelName(plane))
	if err != nil {
		return nil, err
	}
	root := plumbing.ZeroHash
	if !tip.IsZero() {
		commit, err := s.objects.ReadCommit(tip)
		if err != nil {
			return nil, err
		}
		root = commit.TreeHash
	}
	return &Txn{
		store:    s,
		plane:    plane,
		baseline: tip,
		root:     root,
		state:    TxnOpen,
		ops:      make(map[string]*pendingOp),
		id:       uuid.NewString(),
	}, nil
}

// State returns the transaction's lifecycle state.
func (t *Txn) State() TxnState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Baseline returns the snapshot the transaction was opened against,
// zero for an empty plane.
func (t *Txn) Baseline() plumbing.Hash {
	return t.baseline
}

// SetProvenance records caller-supplied provenance. Empty fields are
// filled by detection probes at commit time.
func (t *Txn) SetProvenance(p provenance.Provenance) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.prov = p
}

// Save accumulates a resource write. When expected is non-nil it is a
// resource-level optimistic check against the baseline snapshot: a
// zero expected fingerprint asserts the resource is absent, any other
// value must match the stored payload's fingerprint. A mismatch fails
// this operation with a Conflict immediately, independent of the
// scope-level check at commit time.
func (t *Txn) Save(res Resource, expected *fingerprint.Fingerprint) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.accumulating(); err != nil {
		return err
	}
	if err := res.Identity.Validate(); err != nil {
		return err
	}
	if res.Identity.Plane != t.plane {
		return &scope.InvalidIdentityError{
			Identity: res.Identity.String(),
			Reason:   fmt.Sprintf("plane %q outside transaction plane %q", res.Identity.Plane, t.plane),
		}
	}
	if size := int64(len(res.Payload)); size > t.store.cfg.MaxPayloadSize {
		return &OversizedError{Identity: res.Identity.String(), Size: size, Limit: t.store.cfg.MaxPayloadSize}
	}
	key, err := t.opKey(res.Identity)
	if err != nil {
		return err
	}
	current, found, err := t.store.fingerprintAt(t.root, res.Identity)
	if err != nil {
		return err
	}
	if err := checkExpected(res.Identity, expected, current, found, t.plane); err != nil {
		return err
	}
	t.ops[key] = &pendingOp{
		identity: res.Identity,
		payload:  res.Payload,
		fp:       fingerprint.Of(res.Payload),
		existed:  found,
	}
	t.state = TxnAccumulating
	return nil
}

// Delete accumulates a resource removal. The resource must exist in
// the baseline snapshot; expected works as for Save.
func (t *Txn) Delete(id scope.Identity, expected *fingerprint.Fingerprint) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.accumulating(); err != nil {
		return err
	}
	if err := id.Validate(); err != nil {
		return err
	}
	if id.Plane != t.plane {
		return &scope.InvalidIdentityError{
			Identity: id.String(),
			Reason:   fmt.Sprintf("plane %q outside transaction plane %q", id.Plane, t.plane),
		}
	}
	key, err := t.opKey(id)
	if err != nil {
		return err
	}
	current, found, err := t.store.fingerprintAt(t.root, id)
	if err != nil {
		return err
	}
	if !found {
		return &NotFoundError{Identity: id.String(), Snapshot: t.baseline}
	}
	if err := checkExpected(id, expected, current, found, t.plane); err != nil {
		return err
	}
	t.ops[key] = &pendingOp{identity: id, remove: true, existed: true}
	t.state = TxnAccumulating
	return nil
}

// Abort discards the transaction. Nothing was published, so stored
// state is unaffected.
func (t *Txn) Abort() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == TxnOpen || t.state == TxnAccumulating {
		t.state = TxnClosed
	}
}

// Commit writes blobs for every accumulated operation, rebuilds the
// affected tree nodes bottom-up (unchanged subtrees are shared by
// content id, never copied), rebuilds the index at every touched scope
// level, creates the snapshot commit, and publishes it with a single
// compare-and-swap of the plane's version label against the baseline.
// A lost race surfaces as a scope-level Conflict and discards the
// whole batch; the caller decides whether to re-open and retry.
func (t *Txn) Commit(ctx context.Context) (history.Snapshot, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.accumulating(); err != nil {
		return history.Snapshot{}, err
	}
	if len(t.ops) == 0 && !t.forceCommit {
		t.state = TxnClosed
		return history.Snapshot{}, fmt.Errorf("transaction %s has no operations", t.id)
	}
	t.state = TxnCommitting

	// Serialize commit construction per plane. Purely a contention
	// optimization: losing an external race is still detected by the
	// label CAS below.
	lock := t.store.planeLock(t.plane)
	lock.Lock()
	defer lock.Unlock()

	if err := ctx.Err(); err != nil {
		t.state = TxnClosed
		return history.Snapshot{}, err
	}

	newRoot, err := t.buildRoot()
	if err != nil {
		t.state = TxnClosed
		return history.Snapshot{}, err
	}

	summary := t.summary()
	prov := t.prov
	if prov.Operation == "" {
		prov.Operation = provenance.OpTransaction
	}
	if prov.Actor == "" {
		prov.Actor = t.store.cfg.Actor
	}
	prov.TxnID = t.id
	prov = provenance.Detect(prov, t.store.cfg.Workdir)

	var parents []plumbing.Hash
	if !t.baseline.IsZero() {
		parents = append(parents, t.baseline)
	}
	commit, err := t.store.objects.CreateCommit(newRoot, gitobj.CommitMeta{
		Message: provenance.FormatMessage(t.plane, prov, summary),
		Actor:   prov.Actor,
		Email:   t.store.cfg.Email,
		When:    time.Now().UTC(),
		Parents: parents,
	})
	if err != nil {
		t.state = TxnClosed
		return history.Snapshot{}, err
	}

	label := scope.LabelName(t.plane)
	if err := t.store.objects.UpdateRefAtomic(label, t.baseline, commit); err != nil {
		var refErr *gitobj.RefConflictError
		if errors.As(err, &refErr) {
			t.state = TxnConflict
			return history.Snapshot{}, &ConflictError{
				Plane:    t.plane,
				Expected: hashOrEmpty(t.baseline),
				Actual:   hashOrEmpty(refErr.Current),
			}
		}
		t.state = TxnClosed
		return history.Snapshot{}, err
	}
	t.state = TxnCommitted
	logging.Debug("transaction committed",
		"plane", t.plane, "txn", t.id, "snapshot", commit.String(),
		"created", summary.Created, "updated", summary.Updated, "deleted", summary.Deleted)
	return t.store.hist.Summary(commit)
}

func (t *Txn) accumulating() error {
	if t.state != TxnOpen && t.state != TxnAccumulating {
		return fmt.Errorf("transaction %s is %s: %w", t.id, t.state, ErrTxnClosed)
	}
	return nil
}

// opKey maps an identity to its escaped tree path. Two ops whose
// escaped forms collide under the same parent cannot come from the
// mapper (the encoding is injective), so a key collision with a
// different raw identity is rejected as InvalidIdentity.
func (t *Txn) opKey(id scope.Identity) (string, error) {
	path, err := id.TreePath()
	if err != nil {
		return "", err
	}
	key := strings.Join(path, "/")
	if existing, ok := t.ops[key]; ok && existing.identity != id {
		return "", &scope.InvalidIdentityError{
			Identity: id.String(),
			Reason:   fmt.Sprintf("escaped form collides with %s", existing.identity),
		}
	}
	return key, nil
}

func (t *Txn) summary() provenance.Summary {
	var s provenance.Summary
	for _, op := range t.ops {
		switch {
		case op.remove:
			s.Deleted++
		case op.existed:
			s.Updated++
		default:
			s.Created++
		}
	}
	return s
}

// changeNode is the nested view of accumulated ops, mirroring the
// scope hierarchy so the rebuild can walk changed paths only.
type changeNode struct {
	children map[string]*changeNode
	op       *pendingOp
}

func (t *Txn) changeTree() *changeNode {
	root := &changeNode{children: make(map[string]*changeNode)}
	for key, op := range t.ops {
		node := root
		segs := strings.Split(key, "/")
		for i, seg := range segs {
			child, ok := node.children[seg]
			if !ok {
				child = &changeNode{children: make(map[string]*changeNode)}
				node.children[seg] = child
			}
			if i == len(segs)-1 {
				child.op = op
			}
			node = child
		}
	}
	return root
}

func (t *Txn) buildRoot() (plumbing.Hash, error) {
	root, _, err := t.rebuildNode(t.root, t.changeTree(), 0, "")
	if err != nil {
		return plumbing.ZeroHash, err
	}
	if !root.IsZero() {
		return root, nil
	}
	// Every resource was deleted: the snapshot root is a tree holding
	// only an empty index.
	idxBlob, err := t.writeIndexBlob(nil)
	if err != nil {
		return plumbing.ZeroHash, err
	}
	return t.store.objects.BuildTree([]object.TreeEntry{
		{Name: index.EntryName, Mode: filemode.Regular, Hash: idxBlob},
	})
}

// rebuildNode rebuilds one scope node bottom-up. oldNode is the
// node's tree in the baseline snapshot (zero if it did not exist);
// changes carries the ops under this node. It returns the new tree id
// (zero when the node ends up empty and should be pruned) and the
// node's rebuilt index entries.
func (t *Txn) rebuildNode(oldNode plumbing.Hash, changes *changeNode, depth int, rawType string) (plumbing.Hash, []index.Entry, error) {
	objects := t.store.objects

	entryMap := make(map[string]object.TreeEntry)
	if !oldNode.IsZero() {
		oldEntries, err := objects.ListTree(oldNode)
		if err != nil {
			return plumbing.ZeroHash, nil, err
		}
		for _, e := range oldEntries {
			if e.Name != index.EntryName {
				entryMap[e.Name] = e
			}
		}
	}

	// The old index supplies fingerprints for untouched siblings, so
	// rebuilding a level never re-reads unchanged payloads.
	oldIdx, err := t.oldIndexEntries(oldNode)
	if err != nil {
		return plumbing.ZeroHash, nil, err
	}

	rebuiltChildren := make(map[string][]index.Entry)
	for name, child := range changes.children {
		if child.op != nil {
			if depth != 3 {
				return plumbing.ZeroHash, nil, fmt.Errorf("operation %s at tree depth %d", child.op.identity, depth)
			}
			if child.op.remove {
				delete(entryMap, name)
				continue
			}
			blob, err := objects.WriteBlob(child.op.payload)
			if err != nil {
				return plumbing.ZeroHash, nil, err
			}
			entryMap[name] = object.TreeEntry{Name: name, Mode: filemode.Regular, Hash: blob}
			continue
		}
		oldChild := plumbing.ZeroHash
		if e, ok := entryMap[name]; ok {
			oldChild = e.Hash
		}
		childType := rawType
		if depth == 2 {
			childType, err = scope.UnescapeSegment(name)
			if err != nil {
				return plumbing.ZeroHash, nil, err
			}
		}
		newChild, childIdx, err := t.rebuildNode(oldChild, child, depth+1, childType)
		if err != nil {
			return plumbing.ZeroHash, nil, err
		}
		if newChild.IsZero() {
			delete(entryMap, name)
			continue
		}
		entryMap[name] = object.TreeEntry{Name: name, Mode: filemode.Dir, Hash: newChild}
		rebuiltChildren[name] = childIdx
	}

	if len(entryMap) == 0 && depth > 0 {
		return plumbing.ZeroHash, nil, nil
	}

	var idxEntries []index.Entry
	for name, e := range entryMap {
		if e.Mode == filemode.Dir {
			if childIdx, ok := rebuiltChildren[name]; ok {
				idxEntries = append(idxEntries, index.Prefix(name, childIdx)...)
			} else {
				idxEntries = append(idxEntries, subtreeEntries(oldIdx, name)...)
			}
			continue
		}
		if op, ok := changes.children[name]; ok && op.op != nil {
			idxEntries = append(idxEntries, index.Entry{
				Path: name, Type: rawType, Fingerprint: op.op.fp[:], Blob: e.Hash[:],
			})
			continue
		}
		old, ok := oldIdx[name]
		if !ok {
			// Missing or stale baseline index: fall back to the blob.
			payload, err := objects.ReadBlob(e.Hash)
			if err != nil {
				return plumbing.ZeroHash, nil, err
			}
			fp := fingerprint.Of(payload)
			old = index.Entry{Path: name, Type: rawType, Fingerprint: fp[:], Blob: e.Hash[:]}
		}
		idxEntries = append(idxEntries, old)
	}

	idxBlob, err := t.writeIndexBlob(idxEntries)
	if err != nil {
		return plumbing.ZeroHash, nil, err
	}
	treeEntries := make([]object.TreeEntry, 0, len(entryMap)+1)
	for _, e := range entryMap {
		treeEntries = append(treeEntries, e)
	}
	treeEntries = append(treeEntries, object.TreeEntry{Name: index.EntryName, Mode: filemode.Regular, Hash: idxBlob})
	tree, err := objects.BuildTree(treeEntries)
	if err != nil {
		return plumbing.ZeroHash, nil, err
	}
	return tree, idxEntries, nil
}

func (t *Txn) oldIndexEntries(node plumbing.Hash) (map[string]index.Entry, error) {
	out := make(map[string]index.Entry)
	if node.IsZero() {
		return out, nil
	}
	entries, err := t.store.objects.ListTree(node)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if e.Name != index.EntryName {
			continue
		}
		data, err := t.store.objects.ReadBlob(e.Hash)
		if err != nil {
			return nil, err
		}
		decoded, err := index.Decode(data)
		if err != nil {
			// A corrupt index is derived data; the rebuild recovers
			// from the tree instead of failing the transaction.
			logging.Warn("baseline index undecodable, rebuilding from tree", "error", err)
			return out, nil
		}
		for _, entry := range decoded {
			out[entry.Path] = entry
		}
	}
	return out, nil
}

func (t *Txn) writeIndexBlob(entries []index.Entry) (plumbing.Hash, error) {
	data, err := index.Encode(entries)
	if err != nil {
		return plumbing.ZeroHash, err
	}
	return t.store.objects.WriteBlob(data)
}

// subtreeEntries filters a node's index entries down to one child
// subtree. Used for untouched children, whose listings are reused
// rather than recomputed.
func subtreeEntries(oldIdx map[string]index.Entry, child string) []index.Entry {
	prefix := child + "/"
	var out []index.Entry
	for path, e := range oldIdx {
		if strings.HasPrefix(path, prefix) {
			out = append(out, e)
		}
	}
	return out
}

func checkExpected(id scope.Identity, expected *fingerprint.Fingerprint, current fingerprint.Fingerprint, found bool, plane string) error {
	if expected == nil {
		return nil
	}
	if expected.IsZero() {
		if found {
			return &ConflictError{Identity: id.String(), Plane: plane, Actual: current.String()}
		}
		return nil
	}
	if !found {
		return &ConflictError{Identity: id.String(), Plane: plane, Expected: expected.String()}
	}
	if current != *expected {
		return &ConflictError{Identity: id.String(), Plane: plane, Expected: expected.String(), Actual: current.String()}
	}
	return nil
}

func hashOrEmpty(h plumbing.Hash) string {
	if h.IsZero() {
		return ""
	}
	return h.String()
}
