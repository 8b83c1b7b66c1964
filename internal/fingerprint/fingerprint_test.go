package fingerprint

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOf_Deterministic(t *testing.T) {
	a := Of([]byte("bucket = invoices\n"))
	b := Of([]byte("bucket = invoices\n"))
	assert.Equal(t, a, b)
	assert.False(t, a.IsZero())
}

func TestOf_DiffersByPayload(t *testing.T) {
	a := Of([]byte("serial = 1"))
	b := Of([]byte("serial = 2"))
	assert.NotEqual(t, a, b)
}

func TestOf_EmptyPayloadIsNotZero(t *testing.T) {
	// The zero fingerprint is reserved for "expected absent"; even an
	// empty payload must hash to something else.
	assert.False(t, Of(nil).IsZero())
	assert.Equal(t, Of(nil), Of([]byte{}))
}

func TestString_Parse_RoundTrip(t *testing.T) {
	fp := Of([]byte("payload"))
	s := fp.String()
	assert.Len(t, s, 64)

	back, err := Parse(s)
	require.NoError(t, err)
	assert.Equal(t, fp, back)
}

func TestParse_Malformed(t *testing.T) {
	_, err := Parse("not-hex")
	assert.Error(t, err)
	_, err = Parse("abcd")
	assert.Error(t, err)
}

func TestZero(t *testing.T) {
	assert.True(t, Zero.IsZero())
}
