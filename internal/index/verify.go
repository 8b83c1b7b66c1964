package index

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"

	"github.com/gitstate-io/gitstate/internal/gitobj"
	"github.com/gitstate-io/gitstate/internal/scope"
)

// Mismatch reports one scope node whose stored index disagrees with
// the authoritative resource tree.
type Mismatch struct {
	// Node is the escaped tree path of the scope node, "" for the root.
	Node   string
	Reason string
}

// Verify walks every scope node of a snapshot tree and compares its
// stored index blob with a rebuild from the tree contents. A clean
// snapshot returns no mismatches. This is the validation side of the
// repair path.
func Verify(a *gitobj.Adapter, root plumbing.Hash) ([]Mismatch, error) {
	var out []Mismatch
	if err := verifyNode(a, root, "", 0, "", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func verifyNode(a *gitobj.Adapter, node plumbing.Hash, nodePath string, depth int, rawType string, out *[]Mismatch) error {
	rebuilt, err := RebuildFromTree(a, node, depth, rawType)
	if err != nil {
		return err
	}
	entries, err := a.ListTree(node)
	if err != nil {
		return err
	}
	idx, ok := findEntry(entries, EntryName)
	if !ok {
		*out = append(*out, Mismatch{Node: nodePath, Reason: "index blob missing"})
	} else {
		stored, err := a.ReadBlob(idx.Hash)
		if err != nil {
			return err
		}
		expected, err := Encode(rebuilt)
		if err != nil {
			return err
		}
		if !bytes.Equal(stored, expected) {
			*out = append(*out, Mismatch{Node: nodePath, Reason: describeDrift(stored, rebuilt)})
		}
	}
	for _, e := range entries {
		if e.Name == EntryName || e.Mode != filemode.Dir {
			continue
		}
		childType := rawType
		if depth == 2 {
			childType, err = scope.UnescapeSegment(e.Name)
			if err != nil {
				return err
			}
		}
		childPath := e.Name
		if nodePath != "" {
			childPath = nodePath + "/" + e.Name
		}
		if err := verifyNode(a, e.Hash, childPath, depth+1, childType, out); err != nil {
			return err
		}
	}
	return nil
}

// describeDrift summarizes how a stored index diverges from the
// rebuilt one.
func describeDrift(stored []byte, rebuilt []Entry) string {
	storedEntries, err := Decode(stored)
	if err != nil {
		return fmt.Sprintf("index blob undecodable: %v", err)
	}
	want := make(map[string]string, len(rebuilt))
	for _, e := range rebuilt {
		want[e.Path] = string(e.Fingerprint)
	}
	var missing, stale, extra []string
	for _, e := range storedEntries {
		fp, ok := want[e.Path]
		switch {
		case !ok:
			extra = append(extra, e.Path)
		case fp != string(e.Fingerprint):
			stale = append(stale, e.Path)
		}
		delete(want, e.Path)
	}
	for path := range want {
		missing = append(missing, path)
	}
	var parts []string
	if len(missing) > 0 {
		parts = append(parts, fmt.Sprintf("%d missing", len(missing)))
	}
	if len(stale) > 0 {
		parts = append(parts, fmt.Sprintf("%d stale", len(stale)))
	}
	if len(extra) > 0 {
		parts = append(parts, fmt.Sprintf("%d extraneous", len(extra)))
	}
	if len(parts) == 0 {
		return "index encoding differs from canonical form"
	}
	return "entries " + strings.Join(parts, ", ")
}
