package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseIdentity(t *testing.T) {
	flagPlane = "prod"

	id, err := parseIdentity("payments/aws/bucket/invoices")
	require.NoError(t, err)
	assert.Equal(t, "prod", id.Plane)
	assert.Equal(t, "payments", id.Group)
	assert.Equal(t, "invoices", id.Name)

	_, err = parseIdentity("too/few")
	assert.Error(t, err)
	_, err = parseIdentity("has//empty/segment")
	assert.Error(t, err)
}

func TestParseScope(t *testing.T) {
	flagPlane = "prod"

	sc, err := parseScope("")
	require.NoError(t, err)
	assert.Equal(t, "prod", sc.Plane)
	assert.Empty(t, sc.Group)

	sc, err = parseScope("payments/aws")
	require.NoError(t, err)
	assert.Equal(t, "payments", sc.Group)
	assert.Equal(t, "aws", sc.Provider)
	assert.Empty(t, sc.Type)

	_, err = parseScope("a/b/c/d")
	assert.Error(t, err)
}

func TestParseSnapshot(t *testing.T) {
	h, err := parseSnapshot("")
	require.NoError(t, err)
	assert.True(t, h.IsZero())

	h, err = parseSnapshot("0123456789abcdef0123456789abcdef01234567")
	require.NoError(t, err)
	assert.False(t, h.IsZero())

	_, err = parseSnapshot("nonsense")
	assert.Error(t, err)
	_, err = parseSnapshot("abcd")
	assert.Error(t, err)
}
