package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kenneth/enigma/internal/enigmaerr"
	"golang.org/x/crypto/argon2"
)

// ErrAuthentication is returned when a keystore, chunk, or credential
// AEAD tag fails to verify. Per spec §7, callers must never reveal
// which of the three failed beyond "authentication failure".
var ErrAuthentication = enigmaerr.ErrAuthFailure

const (
	saltSize = 32
	// keystoreNonceSize is the AEAD nonce size for the keystore file
	// wrapper itself (distinct from per-chunk nonces).
	keystoreNonceSize = 12
	tagSize           = 16

	argonTime    = 3
	argonMemory  = 64 * 1024 // KiB
	argonThreads = 4
	argonKeyLen  = 32
)

// KeyEntry is one key generation in the keystore: a random symmetric key
// and an ML-KEM-768 keypair. DeriveKey combines the keypair's shared
// secret with a seed derived from the passphrase and salt; SymmetricKey
// is stored with the entry but is not an input to DeriveKey. Exactly
// one entry in a Keystore has Active
// set; prior entries remain usable for decrypting data sealed under
// them.
type KeyEntry struct {
	KeyID        string    `json:"key_id"`
	SymmetricKey []byte    `json:"symmetric_key"`
	PQPublicKey  []byte    `json:"pq_public_key"`
	PQPrivateKey []byte    `json:"pq_private_key"`
	// KEMCiphertext is the ML-KEM-768 encapsulation produced against
	// PQPublicKey when this entry was created. Decapsulating it with
	// PQPrivateKey deterministically recovers the same pq_shared secret
	// on every open, which is what makes DeriveKey reproducible without
	// having to additionally persist the shared secret itself.
	KEMCiphertext []byte    `json:"kem_ciphertext"`
	Active        bool      `json:"active"`
	CreatedAt     time.Time `json:"created_at"`
}

// Keystore is the in-memory form of the JSON blob described by the
// on-disk keystore format.
type Keystore struct {
	Keys map[string]*KeyEntry `json:"keys"`
}

// ActiveKey returns the entry currently marked active.
func (k *Keystore) ActiveKey() (*KeyEntry, error) {
	for _, e := range k.Keys {
		if e.Active {
			return e, nil
		}
	}
	return nil, fmt.Errorf("keystore: no active key")
}

// Key returns the entry with the given id.
func (k *Keystore) Key(id string) (*KeyEntry, error) {
	e, ok := k.Keys[id]
	if !ok {
		return nil, fmt.Errorf("keystore: unknown key id %q", id)
	}
	return e, nil
}

// Rotate creates a new active key entry, ML-KEM keypair included, and
// marks every prior entry inactive (still usable for decrypt).
func (k *Keystore) Rotate(id string) (*KeyEntry, error) {
	entry, err := newKeyEntry(id)
	if err != nil {
		return nil, err
	}
	for _, e := range k.Keys {
		e.Active = false
	}
	if k.Keys == nil {
		k.Keys = map[string]*KeyEntry{}
	}
	entry.Active = true
	k.Keys[id] = entry
	return entry, nil
}

func newKeyEntry(id string) (*KeyEntry, error) {
	sym := make([]byte, 32)
	if _, err := rand.Read(sym); err != nil {
		return nil, fmt.Errorf("keystore: generate symmetric key: %w", err)
	}
	pub, priv, err := generateMLKEMKeypair()
	if err != nil {
		return nil, fmt.Errorf("keystore: generate ML-KEM keypair: %w", err)
	}
	ct, _, err := mlkemEncapsulate(pub)
	if err != nil {
		return nil, fmt.Errorf("keystore: encapsulate ML-KEM shared secret: %w", err)
	}
	return &KeyEntry{
		KeyID:         id,
		SymmetricKey:  sym,
		PQPublicKey:   pub,
		PQPrivateKey:  priv,
		KEMCiphertext: ct,
		CreatedAt:     time.Now(),
	}, nil
}

// NewKeystore creates a fresh keystore with a single active key.
func NewKeystore(initialKeyID string) (*Keystore, error) {
	ks := &Keystore{Keys: map[string]*KeyEntry{}}
	if _, err := ks.Rotate(initialKeyID); err != nil {
		return nil, err
	}
	return ks, nil
}

// argon2IDKeyImpl applies the engine's single Argon2id parameter set
// (memory-hard, tuned for interactive unlock) to derive a symmetric key
// from a passphrase and salt. Used by SealCredential/OpenCredential and
// DeriveKey's hybrid symmetric_seed step; SealKeystore and OpenKeystore
// call argon2.IDKey directly with the same parameters.
func argon2IDKeyImpl(passphrase, salt []byte) []byte {
	return argon2.IDKey(passphrase, salt, argonTime, argonMemory, argonThreads, argonKeyLen)
}

// SealKeystore encrypts a Keystore to the on-disk format:
// salt(32) || nonce(12) || AES-256-GCM(passphrase-derived key, nonce, aad=∅, plaintext=json).
func SealKeystore(ks *Keystore, passphrase []byte) ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("keystore: generate salt: %w", err)
	}

	key := argon2.IDKey(passphrase, salt, argonTime, argonMemory, argonThreads, argonKeyLen)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("keystore: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("keystore: new gcm: %w", err)
	}

	nonce := make([]byte, keystoreNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("keystore: generate nonce: %w", err)
	}

	plaintext, err := json.Marshal(ks)
	if err != nil {
		return nil, fmt.Errorf("keystore: marshal: %w", err)
	}

	ciphertext := gcm.Seal(nil, nonce, plaintext, nil)

	out := make([]byte, 0, saltSize+keystoreNonceSize+len(ciphertext))
	out = append(out, salt...)
	out = append(out, nonce...)
	out = append(out, ciphertext...)
	return out, nil
}

// OpenKeystore decrypts a keystore file produced by SealKeystore. A
// wrong passphrase surfaces as an authentication error (AEAD tag
// mismatch), never as a JSON parse error, because the tag is verified
// before any parsing occurs.
func OpenKeystore(data, passphrase []byte) (*Keystore, error) {
	if len(data) < saltSize+keystoreNonceSize+tagSize {
		return nil, fmt.Errorf("keystore: truncated file")
	}

	salt := data[:saltSize]
	nonce := data[saltSize : saltSize+keystoreNonceSize]
	ciphertext := data[saltSize+keystoreNonceSize:]

	key := argon2.IDKey(passphrase, salt, argonTime, argonMemory, argonThreads, argonKeyLen)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("keystore: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("keystore: new gcm: %w", err)
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("keystore: authentication failed: %w", ErrAuthentication)
	}

	var ks Keystore
	if err := json.Unmarshal(plaintext, &ks); err != nil {
		return nil, fmt.Errorf("keystore: corrupt plaintext: %w", err)
	}
	return &ks, nil
}

// SealCredential encrypts an arbitrary secret (a provider access key, an
// audit sink token) to the same salt(32)||nonce(12)||AEAD(...) format
// SealKeystore uses, generalized from "seal a Keystore" to "seal any
// byte string" so operators can store provider credentials in a config
// file without the passphrase itself ever appearing there.
func SealCredential(value, passphrase []byte) ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("keystore: generate salt: %w", err)
	}
	key := argon2IDKeyImpl(passphrase, salt)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("keystore: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("keystore: new gcm: %w", err)
	}
	nonce := make([]byte, keystoreNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("keystore: generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nil, nonce, value, nil)
	out := make([]byte, 0, saltSize+keystoreNonceSize+len(ciphertext))
	out = append(out, salt...)
	out = append(out, nonce...)
	out = append(out, ciphertext...)
	return out, nil
}

// OpenCredential decrypts a value produced by SealCredential.
func OpenCredential(data, passphrase []byte) ([]byte, error) {
	if len(data) < saltSize+keystoreNonceSize+tagSize {
		return nil, fmt.Errorf("keystore: truncated credential")
	}
	salt := data[:saltSize]
	nonce := data[saltSize : saltSize+keystoreNonceSize]
	ciphertext := data[saltSize+keystoreNonceSize:]

	key := argon2IDKeyImpl(passphrase, salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("keystore: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("keystore: new gcm: %w", err)
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("keystore: authentication failed: %w", ErrAuthentication)
	}
	return plaintext, nil
}

// PolynomialFromSalt deterministically derives the CDC rolling-hash
// polynomial from a keystore's salt, so every node opening the same
// keystore chunks identically without the keystore format needing a
// dedicated field for it.
func PolynomialFromSalt(salt []byte) uint64 {
	sum := sha256.Sum256(salt)
	var v uint64
	for i := 0; i < 8; i++ {
		v = v<<8 | uint64(sum[i])
	}
	// Force the low bit set so the value is odd. The result is not
	// checked for irreducibility, unlike chunker.GeneratePolynomial's.
	return v | 1
}
