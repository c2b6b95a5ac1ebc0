package crypto

import (
	"fmt"

	"github.com/cloudflare/circl/kem/mlkem/mlkem768"
)

// generateMLKEMKeypair produces a fresh ML-KEM-768 keypair for a new
// keystore key entry. The public key is used by writers to encapsulate
// a shared secret; the private key lets a future opener decapsulate it.
func generateMLKEMKeypair() (pub, priv []byte, err error) {
	p, s, err := mlkem768.GenerateKeyPair(nil)
	if err != nil {
		return nil, nil, fmt.Errorf("crypto: generate ml-kem-768 keypair: %w", err)
	}
	pubBytes, err := p.MarshalBinary()
	if err != nil {
		return nil, nil, fmt.Errorf("crypto: marshal ml-kem-768 public key: %w", err)
	}
	privBytes, err := s.MarshalBinary()
	if err != nil {
		return nil, nil, fmt.Errorf("crypto: marshal ml-kem-768 private key: %w", err)
	}
	return pubBytes, privBytes, nil
}

// mlkemEncapsulate generates a fresh shared secret and the ciphertext a
// holder of the matching private key can decapsulate it from. Used when
// sealing a keystore's active key material for a new participant.
func mlkemEncapsulate(pubBytes []byte) (ciphertext, sharedSecret []byte, err error) {
	pub, err := mlkem768.Scheme().UnmarshalBinaryPublicKey(pubBytes)
	if err != nil {
		return nil, nil, fmt.Errorf("crypto: unmarshal ml-kem-768 public key: %w", err)
	}
	ct, ss, err := mlkem768.Scheme().Encapsulate(pub)
	if err != nil {
		return nil, nil, fmt.Errorf("crypto: ml-kem-768 encapsulate: %w", err)
	}
	return ct, ss, nil
}

// mlkemDecapsulate recovers the shared secret from ciphertext produced
// by mlkemEncapsulate, using the matching private key.
func mlkemDecapsulate(privBytes, ciphertext []byte) (sharedSecret []byte, err error) {
	priv, err := mlkem768.Scheme().UnmarshalBinaryPrivateKey(privBytes)
	if err != nil {
		return nil, fmt.Errorf("crypto: unmarshal ml-kem-768 private key: %w", err)
	}
	ss, err := mlkem768.Scheme().Decapsulate(priv, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("crypto: ml-kem-768 decapsulate: %w", err)
	}
	return ss, nil
}
