package crypto

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSealOpenKeystoreRoundTrip(t *testing.T) {
	ks, err := NewKeystore("k1")
	require.NoError(t, err)
	passphrase := []byte("correct horse battery staple")

	sealed, err := SealKeystore(ks, passphrase)
	require.NoError(t, err)

	opened, err := OpenKeystore(sealed, passphrase)
	require.NoError(t, err)
	require.Equal(t, ks.Keys["k1"].SymmetricKey, opened.Keys["k1"].SymmetricKey)
}

func TestOpenKeystoreWrongPassphrase(t *testing.T) {
	ks, err := NewKeystore("k1")
	require.NoError(t, err)
	sealed, err := SealKeystore(ks, []byte("right passphrase"))
	require.NoError(t, err)

	_, err = OpenKeystore(sealed, []byte("wrong passphrase"))
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrAuthentication))
}

func TestSealOpenCredentialRoundTrip(t *testing.T) {
	passphrase := []byte("a provider secret's passphrase")
	secret := []byte("AKIAEXAMPLEACCESSKEYSECRET")

	sealed, err := SealCredential(secret, passphrase)
	require.NoError(t, err)
	require.NotEqual(t, secret, sealed)

	opened, err := OpenCredential(sealed, passphrase)
	require.NoError(t, err)
	require.Equal(t, secret, opened)
}

func TestOpenCredentialWrongPassphrase(t *testing.T) {
	sealed, err := SealCredential([]byte("top secret"), []byte("right"))
	require.NoError(t, err)

	_, err = OpenCredential(sealed, []byte("wrong"))
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrAuthentication))
}

func TestOpenCredentialTruncated(t *testing.T) {
	_, err := OpenCredential([]byte("too short"), []byte("passphrase"))
	require.Error(t, err)
}

func TestSealCredentialDistinctNoncesPerCall(t *testing.T) {
	passphrase := []byte("passphrase")
	secret := []byte("same plaintext both times")

	a, err := SealCredential(secret, passphrase)
	require.NoError(t, err)
	b, err := SealCredential(secret, passphrase)
	require.NoError(t, err)
	require.NotEqual(t, a, b, "independent seals must not reuse salt/nonce")
}
