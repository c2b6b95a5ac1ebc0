package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/kenneth/enigma/internal/fingerprint"
	"golang.org/x/crypto/hkdf"
)

// hkdfInfo is the HKDF context string binding derived keys to this
// engine's hybrid scheme, so a key derived here can never be confused
// with a key derived by an unrelated protocol using the same ikm.
const hkdfInfo = "enigma-hybrid-v1"

// NonceSize is the AES-256-GCM nonce length used for every per-chunk
// encryption. It MUST be generated fresh and uniformly at random for
// every chunk (spec §4.4's nonce-uniqueness property). The keystore's
// own wrapper nonce is a separate random value sized by keystoreNonceSize.
const NonceSize = 12

// TagSize is the AES-256-GCM authentication tag length appended to
// every chunk ciphertext.
const TagSize = 16

// DeriveKey computes the spec §4.4 hybrid key for entry:
//
//	symmetric_seed := Argon2id(passphrase, salt, params)
//	pq_shared      := ML-KEM-768.decapsulate(entry.PQPrivateKey, entry.KEMCiphertext)
//	final_key      := HKDF-SHA256(salt=nil, ikm=symmetric_seed||pq_shared, info="enigma-hybrid-v1", L=32)
//
// Security holds if either the passphrase or the PQ private key
// remains secret. The returned key must be zeroized by the caller when
// no longer needed (see Zero).
func DeriveKey(entry *KeyEntry, passphrase, salt []byte) ([]byte, error) {
	symmetricSeed := argon2IDKeyImpl(passphrase, salt)
	defer Zero(symmetricSeed)

	pqShared, err := mlkemDecapsulate(entry.PQPrivateKey, entry.KEMCiphertext)
	if err != nil {
		return nil, fmt.Errorf("crypto: derive key: %w: %v", ErrAuthentication, err)
	}
	defer Zero(pqShared)

	ikm := make([]byte, 0, len(symmetricSeed)+len(pqShared))
	ikm = append(ikm, symmetricSeed...)
	ikm = append(ikm, pqShared...)
	defer Zero(ikm)

	kdf := hkdf.New(sha256.New, ikm, nil, []byte(hkdfInfo))
	final := make([]byte, argonKeyLen)
	if _, err := io.ReadFull(kdf, final); err != nil {
		return nil, fmt.Errorf("crypto: hkdf expand: %w", err)
	}
	return final, nil
}

// Zero overwrites b with zeroes in place. Called on every sensitive
// buffer (derived keys, seeds, shared secrets) as soon as it is no
// longer needed; the process never logs or persists these values.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// Engine performs per-chunk AEAD encryption and decryption under a
// single derived key. One Engine is constructed per active key entry;
// decrypting chunks sealed under a rotated-out (inactive) key requires
// an Engine derived from that entry instead.
type Engine struct {
	gcm cipher.AEAD
}

// NewEngine constructs an Engine from a derived 32-byte key (see
// DeriveKey). The key is not retained beyond what AES's key schedule
// requires; callers should Zero their own copy after this call returns.
func NewEngine(key []byte) (*Engine, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: new gcm: %w", err)
	}
	return &Engine{gcm: gcm}, nil
}

// EncryptChunk seals plaintext (already optionally compressed) under a
// fresh random nonce, using fp as associated data so any substitution
// of ciphertext, nonce, or claimed fingerprint is detected on decrypt.
// The returned ciphertext includes the trailing 16-byte tag.
func (e *Engine) EncryptChunk(fp fingerprint.Hash, plaintext []byte) (nonce [NonceSize]byte, ciphertext []byte, err error) {
	if _, err := rand.Read(nonce[:]); err != nil {
		return nonce, nil, fmt.Errorf("crypto: generate nonce: %w", err)
	}
	ciphertext = e.gcm.Seal(nil, nonce[:], plaintext, fp.Bytes())
	return nonce, ciphertext, nil
}

// DecryptChunk opens ciphertext sealed by EncryptChunk. Any alteration
// of ciphertext, nonce, or fp surfaces as ErrAuthentication, never as
// corrupted plaintext (spec §8 AEAD tamper-detection property).
func (e *Engine) DecryptChunk(fp fingerprint.Hash, nonce [NonceSize]byte, ciphertext []byte) ([]byte, error) {
	plaintext, err := e.gcm.Open(nil, nonce[:], ciphertext, fp.Bytes())
	if err != nil {
		return nil, fmt.Errorf("crypto: decrypt chunk %s: %w", fp, ErrAuthentication)
	}
	return plaintext, nil
}
