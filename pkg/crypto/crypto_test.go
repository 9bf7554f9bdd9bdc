package crypto_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uapk-labs/gateway/pkg/crypto"
)

func TestSignerRoundTrip(t *testing.T) {
	s, err := crypto.NewSigner("gateway-key-1")
	require.NoError(t, err)

	msg := []byte("a1b2c3")
	sig := s.Sign(msg)
	assert.True(t, s.Verify(msg, sig))
	assert.False(t, s.Verify([]byte("a1b2c4"), sig))

	ok, err := crypto.VerifyWithKey(s.PublicKeyBase64(), msg, sig)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSignerSeedRestore(t *testing.T) {
	s, err := crypto.NewSigner("k")
	require.NoError(t, err)

	restored, err := crypto.NewSignerFromSeed(s.Seed(), "k")
	require.NoError(t, err)
	assert.Equal(t, s.PublicKeyBase64(), restored.PublicKeyBase64())

	sig := s.SignHex("deadbeef")
	assert.True(t, restored.Verify([]byte("deadbeef"), sig))
}

func TestSignerRejectsGarbageKeys(t *testing.T) {
	_, err := crypto.NewSignerFromSeed("not-base64!!", "k")
	assert.Error(t, err)

	_, err = crypto.NewSignerFromSeed("c2hvcnQ=", "k") // too short
	assert.Error(t, err)
}

func TestSecretBoxRoundTrip(t *testing.T) {
	box, err := crypto.NewSecretBox(crypto.GenerateSecretKey())
	require.NoError(t, err)

	blob, err := box.Encrypt("hunter2")
	require.NoError(t, err)

	plain, err := box.Decrypt(blob)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", plain)
}

func TestSecretBoxFailsClosed(t *testing.T) {
	_, err := crypto.NewSecretBox("")
	assert.ErrorIs(t, err, crypto.ErrNoSecretKey)

	box, err := crypto.NewSecretBox(crypto.GenerateSecretKey())
	require.NoError(t, err)

	other, err := crypto.NewSecretBox(crypto.GenerateSecretKey())
	require.NoError(t, err)

	blob, err := box.Encrypt("hunter2")
	require.NoError(t, err)

	_, err = other.Decrypt(blob)
	assert.ErrorIs(t, err, crypto.ErrDecryptFailed)

	blob[len(blob)-1] ^= 0x01
	_, err = box.Decrypt(blob)
	assert.ErrorIs(t, err, crypto.ErrDecryptFailed)
}

func TestPasswordHashing(t *testing.T) {
	h, err := crypto.HashPassword("correct horse")
	require.NoError(t, err)
	assert.True(t, crypto.VerifyPassword("correct horse", h))
	assert.False(t, crypto.VerifyPassword("wrong horse", h))
}

func TestAPIKeyFormat(t *testing.T) {
	key := crypto.GenerateAPIKey()
	assert.Len(t, key, 37)
	assert.True(t, crypto.ValidAPIKeyShape(key))
	assert.Equal(t, key[:12], crypto.APIKeyPrefix(key))
	assert.False(t, crypto.ValidAPIKeyShape("sk_nottherightshape"))
}
