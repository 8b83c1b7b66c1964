package gitsync

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecrypt_NoKey(t *testing.T) {
	t.Setenv(EncryptionKeyEnvVar, "")

	payload := []byte{1, 'c', 0xFF, 'o', 'b', 'j'}
	encrypted, err := EncryptPayload(payload)
	require.NoError(t, err)
	assert.Equal(t, payload, encrypted)

	decrypted, err := DecryptPayload(payload)
	require.NoError(t, err)
	assert.Equal(t, payload, decrypted)
}

func TestEncryptDecrypt_WithKey(t *testing.T) {
	t.Setenv(EncryptionKeyEnvVar, "my-super-secret-encryption-key!!")

	payload := []byte("commit 123\x00binary\xffcontent")
	encrypted, err := EncryptPayload(payload)
	require.NoError(t, err)
	assert.NotEqual(t, payload, encrypted)
	assert.True(t, IsEncrypted(encrypted))

	decrypted, err := DecryptPayload(encrypted)
	require.NoError(t, err)
	assert.Equal(t, payload, decrypted)
}

func TestIsEncrypted(t *testing.T) {
	assert.True(t, IsEncrypted([]byte("GSENC1\x00ciphertext")))
	assert.False(t, IsEncrypted([]byte("tree 40\x00...")))
	assert.False(t, IsEncrypted([]byte("")))
}

func TestDecryptPayload_WrongKey(t *testing.T) {
	t.Setenv(EncryptionKeyEnvVar, "correct-key-for-encryption!!!!!")

	encrypted, err := EncryptPayload([]byte("mirrored object"))
	require.NoError(t, err)

	t.Setenv(EncryptionKeyEnvVar, "wrong-key-for-decryption!!!!!!!")
	_, err = DecryptPayload(encrypted)
	assert.Error(t, err)
}

func TestDecryptPayload_MissingKey(t *testing.T) {
	t.Setenv(EncryptionKeyEnvVar, "a-key-to-encrypt-with-here!!!!!!")
	encrypted, err := EncryptPayload([]byte("mirrored object"))
	require.NoError(t, err)

	t.Setenv(EncryptionKeyEnvVar, "")
	_, err = DecryptPayload(encrypted)
	assert.ErrorContains(t, err, EncryptionKeyEnvVar)
}
