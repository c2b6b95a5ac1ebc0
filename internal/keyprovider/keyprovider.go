// Package keyprovider adapts external key-management systems — KMIP
// appliances, cloud secret managers, vault transit engines — to the
// narrow capability set the engine's keystore needs. These are the
// "vault key-provider adapters" spec §1 calls an out-of-scope external
// collaborator: the engine only depends on the KeyManager interface
// below, never on a specific vendor's SDK directly.
package keyprovider

import "context"

// KeyManager abstracts external Key Management Systems (KMS) that wrap
// and unwrap per-keystore symmetric seeds.
//
// Implementations must never expose plaintext master keys and must
// ensure that all cryptographic operations happen within the KMS (for
// example via KMIP, AWS KMS, Vault Transit, etc).
type KeyManager interface {
	// Provider returns a short identifier (e.g. "cosmian-kmip") used for diagnostics and metadata.
	Provider() string

	// WrapKey encrypts the provided plaintext and returns an envelope suitable for
	// persisting alongside the keystore.
	WrapKey(ctx context.Context, plaintext []byte, metadata map[string]string) (*KeyEnvelope, error)

	// UnwrapKey decrypts the ciphertext contained in the given envelope and returns the plaintext.
	UnwrapKey(ctx context.Context, envelope *KeyEnvelope, metadata map[string]string) ([]byte, error)

	// ActiveKeyVersion returns the version identifier of the primary wrapping key.
	ActiveKeyVersion(ctx context.Context) (int, error)

	// HealthCheck verifies that the KMS is accessible and operational.
	HealthCheck(ctx context.Context) error

	// Close releases any underlying resources.
	Close(ctx context.Context) error
}

// KeyEnvelope captures the information required to unwrap a wrapped key.
type KeyEnvelope struct {
	KeyID      string
	KeyVersion int
	Provider   string
	Ciphertext []byte
}

// MetaKeyVersion is stored alongside the keystore to record which
// wrapping key protected it.
const MetaKeyVersion = "enigma-keyprovider-key-version"

// PassphraseManager is the single-operator KeyManager backend: it does
// not wrap anything remotely, it just satisfies the interface so a
// deployment without a KMS can still go through the same code path as
// one that has one. WrapKey/UnwrapKey are the identity function; the
// real secrecy in this mode comes entirely from the keystore's own
// passphrase-derived AEAD (internal/crypto.SealKeystore/OpenKeystore).
type PassphraseManager struct{}

// NewPassphraseManager returns a no-op KeyManager for single-operator deployments.
func NewPassphraseManager() *PassphraseManager { return &PassphraseManager{} }

func (p *PassphraseManager) Provider() string { return "passphrase" }

func (p *PassphraseManager) WrapKey(_ context.Context, plaintext []byte, _ map[string]string) (*KeyEnvelope, error) {
	ct := make([]byte, len(plaintext))
	copy(ct, plaintext)
	return &KeyEnvelope{KeyID: "passphrase", KeyVersion: 1, Provider: p.Provider(), Ciphertext: ct}, nil
}

func (p *PassphraseManager) UnwrapKey(_ context.Context, envelope *KeyEnvelope, _ map[string]string) ([]byte, error) {
	pt := make([]byte, len(envelope.Ciphertext))
	copy(pt, envelope.Ciphertext)
	return pt, nil
}

func (p *PassphraseManager) ActiveKeyVersion(_ context.Context) (int, error) { return 1, nil }

func (p *PassphraseManager) HealthCheck(_ context.Context) error { return nil }

func (p *PassphraseManager) Close(_ context.Context) error { return nil }
