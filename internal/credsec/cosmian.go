package credsec

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	"github.com/ovh/kmip-go/kmipclient"
	"github.com/ovh/kmip-go/payloads"
)

// KeyReference names one wrapping key the KMS manages, by version.
type KeyReference struct {
	ID      string
	Version int
}

// CosmianOptions configures a KeyManager backed by a Cosmian KMIP server.
type CosmianOptions struct {
	Endpoint string
	Keys     []KeyReference
	// TLSConfig authenticates the KMIP server and, for mutual TLS
	// deployments, the client.
	TLSConfig *tls.Config
	Timeout   time.Duration
	// Provider is stamped onto every envelope this manager produces.
	Provider string
	// DualReadWindow is how many of the most recently retired key
	// versions UnwrapKey still accepts, so rotating the active key
	// doesn't break decryption of credentials wrapped moments earlier.
	DualReadWindow int
}

// CosmianKeyManager implements KeyManager against a KMIP 1.4 server using
// symmetric Encrypt/Decrypt operations on a pre-provisioned managed key,
// the same mechanism the teacher's S3 object encryption path used for its
// data-encryption keys.
type CosmianKeyManager struct {
	client   kmipclient.Client
	opts     CosmianOptions
	mu       sync.RWMutex
	active   KeyReference
	byID     map[string]KeyReference
}

// NewCosmianKeyManager dials the configured KMIP endpoint and validates at
// least one key reference was supplied.
func NewCosmianKeyManager(ctx context.Context, opts CosmianOptions) (*CosmianKeyManager, error) {
	if len(opts.Keys) == 0 {
		return nil, fmt.Errorf("credsec: at least one key reference is required")
	}
	dialOpts := []kmipclient.DialOption{}
	if opts.TLSConfig != nil {
		dialOpts = append(dialOpts, kmipclient.WithTLSConfig(opts.TLSConfig))
	}
	if opts.Timeout > 0 {
		dialOpts = append(dialOpts, kmipclient.WithTimeout(opts.Timeout))
	}
	client, err := kmipclient.Dial(opts.Endpoint, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("credsec: dial kmip server: %w", err)
	}

	byID := make(map[string]KeyReference, len(opts.Keys))
	for _, k := range opts.Keys {
		byID[k.ID] = k
	}
	// The last entry in the configured list is treated as active; callers
	// list keys oldest-first so rotation is a config append, not a reorder.
	active := opts.Keys[len(opts.Keys)-1]

	return &CosmianKeyManager{
		client: client,
		opts:   opts,
		active: active,
		byID:   byID,
	}, nil
}

func (m *CosmianKeyManager) Provider() string {
	if m.opts.Provider != "" {
		return m.opts.Provider
	}
	return "cosmian-kmip"
}

func (m *CosmianKeyManager) WrapKey(ctx context.Context, plaintext []byte, metadata map[string]string) (*KeyEnvelope, error) {
	m.mu.RLock()
	key := m.active
	m.mu.RUnlock()

	resp, err := m.client.Encrypt(ctx, &payloads.EncryptRequestPayload{
		UniqueIdentifier: key.ID,
		Data:             plaintext,
	})
	if err != nil {
		return nil, fmt.Errorf("credsec: kmip encrypt: %w", err)
	}
	return &KeyEnvelope{
		KeyID:      key.ID,
		KeyVersion: key.Version,
		Provider:   m.Provider(),
		Ciphertext: resp.Data,
	}, nil
}

func (m *CosmianKeyManager) UnwrapKey(ctx context.Context, envelope *KeyEnvelope, metadata map[string]string) ([]byte, error) {
	keyID := envelope.KeyID
	if keyID == "" {
		// Fall back to looking up the key by the version the envelope
		// says it was wrapped under, for envelopes written before a key
		// rotation stamped IDs explicitly.
		m.mu.RLock()
		for id, ref := range m.byID {
			if ref.Version == envelope.KeyVersion {
				keyID = id
				break
			}
		}
		m.mu.RUnlock()
		if keyID == "" {
			return nil, fmt.Errorf("credsec: no key reference for version %d", envelope.KeyVersion)
		}
	}
	if !m.withinDualReadWindow(envelope.KeyVersion) {
		return nil, fmt.Errorf("credsec: key version %d outside dual-read window", envelope.KeyVersion)
	}

	resp, err := m.client.Decrypt(ctx, &payloads.DecryptRequestPayload{
		UniqueIdentifier: keyID,
		Data:             envelope.Ciphertext,
	})
	if err != nil {
		return nil, fmt.Errorf("credsec: kmip decrypt: %w", err)
	}
	return resp.Data, nil
}

func (m *CosmianKeyManager) withinDualReadWindow(version int) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if version >= m.active.Version {
		return true
	}
	return m.active.Version-version <= m.opts.DualReadWindow
}

func (m *CosmianKeyManager) ActiveKeyVersion(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active.Version, nil
}

func (m *CosmianKeyManager) HealthCheck(ctx context.Context) error {
	m.mu.RLock()
	key := m.active
	m.mu.RUnlock()

	_, err := m.client.Get(ctx, &payloads.GetRequestPayload{
		UniqueIdentifier: key.ID,
	})
	if err != nil {
		return fmt.Errorf("credsec: kmip health check: %w", err)
	}
	return nil
}

func (m *CosmianKeyManager) Close(ctx context.Context) error {
	return m.client.Close()
}
