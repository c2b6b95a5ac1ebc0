package crypto

import (
	"testing"

	"github.com/kenneth/enigma/internal/fingerprint"
	"github.com/stretchr/testify/require"
)

func testEntry(t *testing.T) (*KeyEntry, []byte, []byte) {
	t.Helper()
	ks, err := NewKeystore("k1")
	require.NoError(t, err)
	entry, err := ks.ActiveKey()
	require.NoError(t, err)
	passphrase := []byte("correct horse battery staple")
	salt := make([]byte, saltSize)
	return entry, passphrase, salt
}

func TestDeriveKeyDeterministic(t *testing.T) {
	entry, passphrase, salt := testEntry(t)

	k1, err := DeriveKey(entry, passphrase, salt)
	require.NoError(t, err)
	k2, err := DeriveKey(entry, passphrase, salt)
	require.NoError(t, err)
	require.Equal(t, k1, k2, "deriving twice from the same entry/passphrase/salt must be deterministic")
}

func TestEngineRoundTrip(t *testing.T) {
	entry, passphrase, salt := testEntry(t)
	key, err := DeriveKey(entry, passphrase, salt)
	require.NoError(t, err)

	eng, err := NewEngine(key)
	require.NoError(t, err)

	plaintext := []byte("hello, enigma backup engine")
	fp := fingerprint.Of(plaintext)

	nonce, ciphertext, err := eng.EncryptChunk(fp, plaintext)
	require.NoError(t, err)
	require.NotEqual(t, plaintext, ciphertext)

	got, err := eng.DecryptChunk(fp, nonce, ciphertext)
	require.NoError(t, err)
	require.Equal(t, plaintext, got)
}

func TestEngineTamperDetection(t *testing.T) {
	entry, passphrase, salt := testEntry(t)
	key, err := DeriveKey(entry, passphrase, salt)
	require.NoError(t, err)
	eng, err := NewEngine(key)
	require.NoError(t, err)

	plaintext := []byte("some chunk bytes")
	fp := fingerprint.Of(plaintext)
	nonce, ciphertext, err := eng.EncryptChunk(fp, plaintext)
	require.NoError(t, err)

	t.Run("flipped ciphertext bit", func(t *testing.T) {
		tampered := append([]byte(nil), ciphertext...)
		tampered[0] ^= 0x01
		_, err := eng.DecryptChunk(fp, nonce, tampered)
		require.ErrorIs(t, err, ErrAuthentication)
	})

	t.Run("flipped nonce bit", func(t *testing.T) {
		tamperedNonce := nonce
		tamperedNonce[0] ^= 0x01
		_, err := eng.DecryptChunk(fp, tamperedNonce, ciphertext)
		require.ErrorIs(t, err, ErrAuthentication)
	})

	t.Run("wrong fingerprint as AAD", func(t *testing.T) {
		wrongFP := fingerprint.Of([]byte("different content"))
		_, err := eng.DecryptChunk(wrongFP, nonce, ciphertext)
		require.ErrorIs(t, err, ErrAuthentication)
	})
}

func TestNonceUniqueness(t *testing.T) {
	entry, passphrase, salt := testEntry(t)
	key, err := DeriveKey(entry, passphrase, salt)
	require.NoError(t, err)
	eng, err := NewEngine(key)
	require.NoError(t, err)

	seen := make(map[[NonceSize]byte]bool)
	plaintext := []byte("x")
	fp := fingerprint.Of(plaintext)
	for i := 0; i < 2000; i++ {
		nonce, _, err := eng.EncryptChunk(fp, plaintext)
		require.NoError(t, err)
		require.False(t, seen[nonce], "nonce collision observed within 2000 encryptions")
		seen[nonce] = true
	}
}

func TestKeystoreSealOpenRoundTrip(t *testing.T) {
	ks, err := NewKeystore("k1")
	require.NoError(t, err)
	passphrase := []byte("hunter2")

	data, err := SealKeystore(ks, passphrase)
	require.NoError(t, err)

	opened, err := OpenKeystore(data, passphrase)
	require.NoError(t, err)
	_, err = opened.ActiveKey()
	require.NoError(t, err)

	_, err = OpenKeystore(data, []byte("wrong passphrase"))
	require.ErrorIs(t, err, ErrAuthentication)
}
