package store

import (
	"github.com/gitstate-io/gitstate/internal/fingerprint"
	"github.com/gitstate-io/gitstate/internal/scope"
)

// Resource is one stored resource: its identity, opaque serialized
// payload, and the payload's content fingerprint. Resources are
// immutable once written to a snapshot; a Save supersedes, never
// edits in place.
type Resource struct {
	Identity    scope.Identity
	Payload     []byte
	Fingerprint fingerprint.Fingerprint
}

// NewResource builds a resource from identity and payload, deriving
// the fingerprint.
func NewResource(id scope.Identity, payload []byte) Resource {
	return Resource{Identity: id, Payload: payload, Fingerprint: fingerprint.Of(payload)}
}
