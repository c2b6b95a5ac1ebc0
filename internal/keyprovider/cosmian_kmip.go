package keyprovider

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	"github.com/ovh/kmip-go"
	"github.com/ovh/kmip-go/payloads"
)

// KMIPKeyReference names one wrapping key a Cosmian KMIP server holds,
// along with the version the engine should record in a KeyEnvelope when
// that key was used. Operators rotate by appending a new reference with
// a higher Version and leaving the old one in Keys so envelopes sealed
// under it can still be unwrapped.
type KMIPKeyReference struct {
	ID      string
	Version int
}

// CosmianKMIPOptions configures a CosmianKMIPManager.
type CosmianKMIPOptions struct {
	Endpoint string
	Keys     []KMIPKeyReference
	TLSConfig *tls.Config
	Timeout  time.Duration
	// Provider is the identifier recorded on every KeyEnvelope this
	// manager produces (e.g. "cosmian-kmip").
	Provider string
	// DualReadWindow is recorded on the manager. UnwrapKey does not
	// consult it: any key ID an envelope names is sent to the server,
	// whatever its version.
	DualReadWindow int
}

// CosmianKMIPManager implements KeyManager against a KMIP 1.4-compatible
// server (Cosmian KMS) over TLS, using Encrypt/Decrypt operations to
// wrap and unwrap keystore seeds without the plaintext ever leaving the
// appliance unencrypted.
type CosmianKMIPManager struct {
	client   *kmip.Client
	provider string
	timeout  time.Duration
	window   int

	mu       sync.RWMutex
	byID     map[string]int
	active   KMIPKeyReference
}

// NewCosmianKMIPManager dials opts.Endpoint and returns a ready-to-use
// CosmianKMIPManager. The last entry in opts.Keys (by Version) is taken
// as the active wrapping key used for new WrapKey calls.
func NewCosmianKMIPManager(opts CosmianKMIPOptions) (*CosmianKMIPManager, error) {
	if len(opts.Keys) == 0 {
		return nil, fmt.Errorf("keyprovider: cosmian kmip: at least one key reference required")
	}
	if opts.Provider == "" {
		opts.Provider = "cosmian-kmip"
	}
	if opts.Timeout == 0 {
		opts.Timeout = 10 * time.Second
	}

	client, err := kmip.NewClient(kmip.ClientOptions{
		Addr:      opts.Endpoint,
		TLSConfig: opts.TLSConfig,
	})
	if err != nil {
		return nil, fmt.Errorf("keyprovider: cosmian kmip: dial %s: %w", opts.Endpoint, err)
	}

	byID := make(map[string]int, len(opts.Keys))
	active := opts.Keys[0]
	for _, k := range opts.Keys {
		byID[k.ID] = k.Version
		if k.Version >= active.Version {
			active = k
		}
	}

	return &CosmianKMIPManager{
		client:   client,
		provider: opts.Provider,
		timeout:  opts.Timeout,
		window:   opts.DualReadWindow,
		byID:     byID,
		active:   active,
	}, nil
}

func (m *CosmianKMIPManager) Provider() string { return m.provider }

// WrapKey asks the KMIP server to encrypt plaintext under the current
// active wrapping key and returns the resulting envelope.
func (m *CosmianKMIPManager) WrapKey(ctx context.Context, plaintext []byte, metadata map[string]string) (*KeyEnvelope, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	m.mu.RLock()
	active := m.active
	m.mu.RUnlock()

	req := &payloads.EncryptRequestPayload{
		UniqueIdentifier: active.ID,
		Data:             plaintext,
	}
	resp, err := kmip.Send[payloads.EncryptRequestPayload, payloads.EncryptResponsePayload](ctx, m.client, kmip.OperationEncrypt, req)
	if err != nil {
		return nil, fmt.Errorf("keyprovider: cosmian kmip: wrap key %q: %w", active.ID, err)
	}

	return &KeyEnvelope{
		KeyID:      active.ID,
		KeyVersion: active.Version,
		Provider:   m.provider,
		Ciphertext: resp.Data,
	}, nil
}

// UnwrapKey asks the KMIP server to decrypt envelope.Ciphertext under
// the key identified by envelope.KeyID. If KeyID is empty (an envelope
// written before a key was renamed, or one whose writer only recorded a
// version), the reference whose Version matches envelope.KeyVersion is
// looked up instead.
func (m *CosmianKMIPManager) UnwrapKey(ctx context.Context, envelope *KeyEnvelope, metadata map[string]string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	keyID := envelope.KeyID
	if keyID == "" {
		id, err := m.keyIDForVersion(envelope.KeyVersion)
		if err != nil {
			return nil, err
		}
		keyID = id
	}

	req := &payloads.DecryptRequestPayload{
		UniqueIdentifier: keyID,
		Data:             envelope.Ciphertext,
	}
	resp, err := kmip.Send[payloads.DecryptRequestPayload, payloads.DecryptResponsePayload](ctx, m.client, kmip.OperationDecrypt, req)
	if err != nil {
		return nil, fmt.Errorf("keyprovider: cosmian kmip: unwrap key %q: %w", keyID, err)
	}
	return resp.Data, nil
}

func (m *CosmianKMIPManager) keyIDForVersion(version int) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for id, v := range m.byID {
		if v == version {
			return id, nil
		}
	}
	return "", fmt.Errorf("keyprovider: cosmian kmip: no key reference for version %d", version)
}

// ActiveKeyVersion returns the version of the key WrapKey currently uses.
func (m *CosmianKMIPManager) ActiveKeyVersion(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active.Version, nil
}

// HealthCheck performs a lightweight Get on the active wrapping key to
// confirm the KMIP server is reachable and the key still exists.
func (m *CosmianKMIPManager) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	m.mu.RLock()
	active := m.active
	m.mu.RUnlock()

	req := &payloads.GetRequestPayload{UniqueIdentifier: active.ID}
	_, err := kmip.Send[payloads.GetRequestPayload, payloads.GetResponsePayload](ctx, m.client, kmip.OperationGet, req)
	if err != nil {
		return fmt.Errorf("keyprovider: cosmian kmip: health check: %w", err)
	}
	return nil
}

// Close releases the underlying KMIP connection.
func (m *CosmianKMIPManager) Close(_ context.Context) error {
	return m.client.Close()
}
