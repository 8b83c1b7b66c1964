// Package fingerprint derives content fingerprints for resource
// payloads. Fingerprints back the resource-level optimistic
// concurrency checks: a caller that last observed fingerprint f may
// require the stored payload to still hash to f before a Save or
// Delete is accepted.
package fingerprint

import (
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
)

// Fingerprint is a 32-byte BLAKE3 digest of a resource payload.
type Fingerprint [32]byte

// Zero is the absent fingerprint, used by callers that assert a
// resource does not exist yet.
var Zero Fingerprint

// payloadKey is the BLAKE3 keyed-hashing domain key for resource
// payloads. Fixed constant; changing it invalidates every stored
// fingerprint. The bytes are the ASCII domain name zero-padded to 32,
// readable in hex dumps without weakening the hash.
var payloadKey = [32]byte{
	'g', 'i', 't', 's', 't', 'a', 't', 'e', '.', 'r', 'e', 's', 'o', 'u', 'r', 'c',
	'e', '.', 'p', 'a', 'y', 'l', 'o', 'a', 'd', 0, 0, 0, 0, 0, 0, 0,
}

// Of computes the fingerprint of a payload.
func Of(payload []byte) Fingerprint {
	hasher, err := blake3.NewKeyed(payloadKey[:])
	if err != nil {
		// NewKeyed only fails on a wrong key length, which the
		// fixed-size array rules out.
		panic("fingerprint: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	hasher.Write(payload)
	var fp Fingerprint
	copy(fp[:], hasher.Sum(nil))
	return fp
}

// IsZero reports whether the fingerprint is absent.
func (f Fingerprint) IsZero() bool {
	return f == Zero
}

// String returns the canonical 64-character hex form.
func (f Fingerprint) String() string {
	return hex.EncodeToString(f[:])
}

// Parse parses the 64-character hex form back into a Fingerprint.
func Parse(s string) (Fingerprint, error) {
	var fp Fingerprint
	decoded, err := hex.DecodeString(s)
	if err != nil {
		return fp, fmt.Errorf("parsing fingerprint: %w", err)
	}
	if len(decoded) != len(fp) {
		return fp, fmt.Errorf("fingerprint is %d bytes, want %d", len(decoded), len(fp))
	}
	copy(fp[:], decoded)
	return fp, nil
}
