package index

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gitstate-io/gitstate/internal/fingerprint"
	"github.com/gitstate-io/gitstate/internal/scope"
)

func sampleEntries() []Entry {
	fpA := fingerprint.Of([]byte("a"))
	fpB := fingerprint.Of([]byte("b"))
	return []Entry{
		{Path: "payments/aws/bucket/invoices", Type: "bucket", Fingerprint: fpA[:], Blob: make([]byte, 20)},
		{Path: "identity/aws/role/deployer", Type: "role", Fingerprint: fpB[:], Blob: make([]byte, 20)},
	}
}

func TestEncode_DeterministicAcrossOrder(t *testing.T) {
	entries := sampleEntries()

	a, err := Encode(entries)
	require.NoError(t, err)
	b, err := Encode([]Entry{entries[1], entries[0]})
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestEncode_Decode_RoundTrip(t *testing.T) {
	entries := sampleEntries()
	data, err := Encode(entries)
	require.NoError(t, err)

	back, err := Decode(data)
	require.NoError(t, err)
	require.Len(t, back, 2)
	// Sorted by path on encode.
	assert.Equal(t, "identity/aws/role/deployer", back[0].Path)
	assert.Equal(t, "payments/aws/bucket/invoices", back[1].Path)
}

func TestDecode_Malformed(t *testing.T) {
	_, err := Decode([]byte("not cbor at all"))
	assert.Error(t, err)
}

func TestPrefix(t *testing.T) {
	entries := []Entry{{Path: "bucket/invoices", Type: "bucket"}}
	out := Prefix("aws", entries)
	require.Len(t, out, 1)
	assert.Equal(t, "aws/bucket/invoices", out[0].Path)
	// Input is untouched.
	assert.Equal(t, "bucket/invoices", entries[0].Path)
}

func TestEntry_Identity(t *testing.T) {
	e := Entry{Path: "bucket/invoices", Type: "bucket"}
	id, err := e.Identity(scope.Scope{Plane: "prod", Group: "payments", Provider: "aws"})
	require.NoError(t, err)
	assert.Equal(t, scope.Identity{
		Plane: "prod", Group: "payments", Provider: "aws", Type: "bucket", Name: "invoices",
	}, id)

	// Plane-root index entries carry the full four-segment path.
	e = Entry{Path: "payments/aws/bucket/invoices", Type: "bucket"}
	id, err = e.Identity(scope.PlaneScope("prod"))
	require.NoError(t, err)
	assert.Equal(t, "invoices", id.Name)
}
