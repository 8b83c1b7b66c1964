// Package scope maps resource identities to tree paths and back.
//
// A resource identity is the ordered path plane → group → provider →
// type → name. The plane selects the version label (one mutable ref
// per plane); the remaining four segments form the resource's path in
// the snapshot tree. The mapping is a pure function: no lookups, no
// side effects.
package scope

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidIdentity is matched by errors.Is for any identity that
// cannot be mapped to a tree path, including escape collisions.
var ErrInvalidIdentity = errors.New("invalid identity")

// InvalidIdentityError reports an identity that cannot be mapped.
type InvalidIdentityError struct {
	Identity string
	Reason   string
}

func (e *InvalidIdentityError) Error() string {
	return fmt.Sprintf("invalid identity %q: %s", e.Identity, e.Reason)
}

func (e *InvalidIdentityError) Is(target error) bool {
	return target == ErrInvalidIdentity
}

// Identity names a single resource.
type Identity struct {
	Plane    string
	Group    string
	Provider string
	Type     string
	Name     string
}

// String returns the display form plane/group/provider/type/name with
// raw (unescaped) segments.
func (id Identity) String() string {
	return strings.Join([]string{id.Plane, id.Group, id.Provider, id.Type, id.Name}, "/")
}

// Validate checks that every segment is present and representable.
func (id Identity) Validate() error {
	for _, seg := range []struct {
		label, value string
	}{
		{"plane", id.Plane},
		{"resource group", id.Group},
		{"provider", id.Provider},
		{"resource type", id.Type},
		{"resource name", id.Name},
	} {
		if seg.value == "" {
			return &InvalidIdentityError{Identity: id.String(), Reason: seg.label + " segment is empty"}
		}
	}
	return nil
}

// Scope is a hierarchical prefix of an identity. An empty field leaves
// that level and everything below it unconstrained; fields must be set
// top-down (a Scope with a Provider but no Group is invalid).
type Scope struct {
	Plane    string
	Group    string
	Provider string
	Type     string
}

// PlaneScope returns the widest scope for a plane.
func PlaneScope(plane string) Scope {
	return Scope{Plane: plane}
}

func (s Scope) String() string {
	parts := []string{s.Plane}
	for _, seg := range []string{s.Group, s.Provider, s.Type} {
		if seg == "" {
			break
		}
		parts = append(parts, seg)
	}
	return strings.Join(parts, "/")
}

// Validate checks the plane is present and no level is set below a gap.
func (s Scope) Validate() error {
	if s.Plane == "" {
		return &InvalidIdentityError{Identity: s.String(), Reason: "plane segment is empty"}
	}
	segs := []string{s.Group, s.Provider, s.Type}
	gap := false
	for _, seg := range segs {
		if seg == "" {
			gap = true
		} else if gap {
			return &InvalidIdentityError{Identity: s.String(), Reason: "scope has a gap below an empty level"}
		}
	}
	return nil
}

// Contains reports whether the identity falls under the scope.
func (s Scope) Contains(id Identity) bool {
	if s.Plane != id.Plane {
		return false
	}
	if s.Group != "" && s.Group != id.Group {
		return false
	}
	if s.Provider != "" && s.Provider != id.Provider {
		return false
	}
	if s.Type != "" && s.Type != id.Type {
		return false
	}
	return true
}

// Identity returns the scope of an identity at full depth (all levels
// above the resource name).
func (id Identity) Scope() Scope {
	return Scope{Plane: id.Plane, Group: id.Group, Provider: id.Provider, Type: id.Type}
}

// TreePath returns the escaped path segments of the identity inside
// its plane's snapshot tree: group/provider/type/name.
func (id Identity) TreePath() ([]string, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	return []string{
		EscapeSegment(id.Group),
		EscapeSegment(id.Provider),
		EscapeSegment(id.Type),
		EscapeSegment(id.Name),
	}, nil
}

// TreePath returns the escaped path segments of the scope below the
// plane root. The widest scope yields an empty path (the tree root).
func (s Scope) TreePath() ([]string, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	var segs []string
	for _, seg := range []string{s.Group, s.Provider, s.Type} {
		if seg == "" {
			break
		}
		segs = append(segs, EscapeSegment(seg))
	}
	return segs, nil
}

// ParseTreePath reconstructs an identity from the four escaped path
// segments of a resource entry under a plane's tree root.
func ParseTreePath(plane string, segments []string) (Identity, error) {
	if len(segments) != 4 {
		return Identity{}, &InvalidIdentityError{
			Identity: plane + "/" + strings.Join(segments, "/"),
			Reason:   fmt.Sprintf("tree path has %d segments, want 4", len(segments)),
		}
	}
	raw := make([]string, 4)
	for i, seg := range segments {
		r, err := UnescapeSegment(seg)
		if err != nil {
			return Identity{}, err
		}
		raw[i] = r
	}
	id := Identity{Plane: plane, Group: raw[0], Provider: raw[1], Type: raw[2], Name: raw[3]}
	if err := id.Validate(); err != nil {
		return Identity{}, err
	}
	return id, nil
}

const labelPrefix = "refs/gitstate/scopes/"

// LabelName returns the ref name of the version label for a plane.
func LabelName(plane string) string {
	return labelPrefix + EscapeSegment(plane)
}

// TrackingName returns the ref name used to stage a remote's label
// during pull, before the local label is advanced.
func TrackingName(remote, plane string) string {
	return "refs/gitstate/remotes/" + EscapeSegment(remote) + "/" + EscapeSegment(plane)
}

// PlaneFromLabel inverts LabelName. The second return is false if the
// ref is not a version label.
func PlaneFromLabel(name string) (string, bool) {
	esc, ok := strings.CutPrefix(name, labelPrefix)
	if !ok {
		return "", false
	}
	plane, err := UnescapeSegment(esc)
	if err != nil {
		return "", false
	}
	return plane, true
}
