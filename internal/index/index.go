// Package index maintains the per-scope listing blobs that let scoped
// queries run without walking resource trees. Every scope node in a
// snapshot carries a sibling blob named ".index" listing the resource
// tree below it. Indexes are derived data: they are rebuilt for every
// scope level a transaction touches and are never the source of truth.
// A corrupted or missing index is reconstructible by a full tree walk.
package index

import (
	"fmt"
	"sort"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/gitstate-io/gitstate/internal/fingerprint"
	"github.com/gitstate-io/gitstate/internal/gitobj"
	"github.com/gitstate-io/gitstate/internal/scope"
)

// EntryName is the tree entry name of an index blob. Resource name
// escaping guarantees no resource can occupy it.
const EntryName = ".index"

// indexVersion is bumped if the entry layout ever changes.
const indexVersion = 1

// Entry is one resource listed by an index blob.
type Entry struct {
	// Path is the resource's escaped tree path relative to the index's
	// scope node, segments joined by "/".
	Path string `cbor:"path"`
	// Type is the raw (unescaped) resource type.
	Type string `cbor:"type"`
	// Fingerprint is the content fingerprint of the resource payload.
	Fingerprint []byte `cbor:"fingerprint"`
	// Blob is the content id of the payload blob, letting queries
	// read payloads without navigating the resource tree.
	Blob []byte `cbor:"blob"`
}

// BlobHash returns the entry's payload blob id.
func (e Entry) BlobHash() plumbing.Hash {
	var h plumbing.Hash
	copy(h[:], e.Blob)
	return h
}

type document struct {
	Version int     `cbor:"version"`
	Entries []Entry `cbor:"entries"`
}

// encMode uses Core Deterministic Encoding so that identical entry
// sets always produce identical index bytes, which keeps tree and
// commit ids deterministic functions of the resource set.
var encMode cbor.EncMode

var decMode cbor.DecMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("index: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("index: CBOR decoder initialization failed: " + err.Error())
	}
}

// Encode serializes entries into index blob bytes. Entries are sorted
// by path first; the input slice is not modified.
func Encode(entries []Entry) ([]byte, error) {
	sorted := make([]Entry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })
	data, err := encMode.Marshal(document{Version: indexVersion, Entries: sorted})
	if err != nil {
		return nil, fmt.Errorf("failed to encode index: %w", err)
	}
	return data, nil
}

// Decode parses index blob bytes.
func Decode(data []byte) ([]Entry, error) {
	var doc document
	if err := decMode.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode index: %w", err)
	}
	if doc.Version != indexVersion {
		return nil, fmt.Errorf("unsupported index version %d", doc.Version)
	}
	return doc.Entries, nil
}

// Prefix returns a copy of entries with an escaped child segment
// prepended to every path. Used when folding a child node's index into
// its parent's.
func Prefix(child string, entries []Entry) []Entry {
	out := make([]Entry, len(entries))
	for i, e := range entries {
		out[i] = Entry{Path: child + "/" + e.Path, Type: e.Type, Fingerprint: e.Fingerprint, Blob: e.Blob}
	}
	return out
}

// Identity resolves an entry to a full resource identity given the
// scope node the index belongs to.
func (e Entry) Identity(at scope.Scope) (scope.Identity, error) {
	base, err := at.TreePath()
	if err != nil {
		return scope.Identity{}, err
	}
	segments := append(append([]string{}, base...), strings.Split(e.Path, "/")...)
	return scope.ParseTreePath(at.Plane, segments)
}

// Lookup navigates from a snapshot's root tree to the scope node and
// decodes its index blob. A snapshot with no resources under the scope
// yields an empty listing.
func Lookup(a *gitobj.Adapter, root plumbing.Hash, sc scope.Scope) ([]Entry, error) {
	path, err := sc.TreePath()
	if err != nil {
		return nil, err
	}
	node := root
	for _, seg := range path {
		entries, err := a.ListTree(node)
		if err != nil {
			return nil, err
		}
		child, ok := findEntry(entries, seg)
		if !ok {
			return nil, nil
		}
		node = child.Hash
	}
	entries, err := a.ListTree(node)
	if err != nil {
		return nil, err
	}
	idx, ok := findEntry(entries, EntryName)
	if !ok {
		return nil, nil
	}
	data, err := a.ReadBlob(idx.Hash)
	if err != nil {
		return nil, err
	}
	return Decode(data)
}

// Query returns the identities and fingerprints of resources under a
// scope at the given snapshot root, optionally restricted to one raw
// resource type. This is the hot path: one index blob read, no tree
// walk below the scope node.
func Query(a *gitobj.Adapter, root plumbing.Hash, sc scope.Scope, typeFilter string) ([]Entry, error) {
	entries, err := Lookup(a, root, sc)
	if err != nil {
		return nil, err
	}
	if typeFilter == "" {
		return entries, nil
	}
	var filtered []Entry
	for _, e := range entries {
		if e.Type == typeFilter {
			filtered = append(filtered, e)
		}
	}
	return filtered, nil
}

// RebuildFromTree reconstructs a node's index by walking the resource
// tree below it and fingerprinting every payload. This is the repair
// and validation path, not the hot path. depth is the node's level
// below the plane root (0 root, 1 group, 2 provider, 3 type); rawType
// must carry the node's own resource type when depth is 3 and is
// ignored otherwise.
func RebuildFromTree(a *gitobj.Adapter, node plumbing.Hash, depth int, rawType string) ([]Entry, error) {
	entries, err := a.ListTree(node)
	if err != nil {
		return nil, err
	}
	var out []Entry
	for _, e := range entries {
		if e.Name == EntryName {
			continue
		}
		if e.Mode == filemode.Dir {
			if depth >= 3 {
				return nil, fmt.Errorf("subtree %q below resource-type depth", e.Name)
			}
			childType := rawType
			if depth == 2 {
				childType, err = scope.UnescapeSegment(e.Name)
				if err != nil {
					return nil, err
				}
			}
			child, err := RebuildFromTree(a, e.Hash, depth+1, childType)
			if err != nil {
				return nil, err
			}
			out = append(out, Prefix(e.Name, child)...)
			continue
		}
		if depth != 3 {
			return nil, fmt.Errorf("resource blob %q at unexpected tree depth %d", e.Name, depth)
		}
		payload, err := a.ReadBlob(e.Hash)
		if err != nil {
			return nil, err
		}
		fp := fingerprint.Of(payload)
		out = append(out, Entry{Path: e.Name, Type: rawType, Fingerprint: fp[:], Blob: e.Hash[:]})
	}
	return out, nil
}

func findEntry(entries []object.TreeEntry, name string) (object.TreeEntry, bool) {
	for _, e := range entries {
		if e.Name == name {
			return e, true
		}
	}
	return object.TreeEntry{}, false
}
