// Package credsec implements guardian credential-at-rest decryption: a
// KMIP-wrapped data-encryption-key is unwrapped through an external KMS,
// then used to open the AES-GCM envelope around a guardian's private key
// and polynomial share (spec §4.9, submit_guardian_keys).
//
// Guardians never send plaintext key material to the orchestrator — the
// key-generation ceremony that produces EncryptedPrivateKeyBlob and
// EncryptedPolynomialBlob on a Guardian row wraps them this way, and
// credsec is the only package that reverses it.
package credsec

import "context"

// KeyManager abstracts an external KMS that wraps and unwraps data
// encryption keys. A narrower, credential-scoped restatement of the KMS
// contract a key management system offers, kept local to this package so
// credsec carries no dependency beyond its own KMIP client.
type KeyManager interface {
	// Provider returns a short identifier (e.g. "cosmian-kmip") for
	// diagnostics and for stamping onto envelopes produced by WrapKey.
	Provider() string

	// WrapKey encrypts plaintext (a DEK) and returns an envelope. credsec
	// never calls this in the orchestrator's own request path — wrapping
	// happens in the guardian key-generation ceremony, outside this
	// process — but it is part of the KMS contract and exercised by
	// fixture generation in tests.
	WrapKey(ctx context.Context, plaintext []byte, metadata map[string]string) (*KeyEnvelope, error)

	// UnwrapKey decrypts the ciphertext in envelope and returns the
	// plaintext DEK.
	UnwrapKey(ctx context.Context, envelope *KeyEnvelope, metadata map[string]string) ([]byte, error)

	// ActiveKeyVersion returns the version identifier of the primary
	// wrapping key, for diagnostics.
	ActiveKeyVersion(ctx context.Context) (int, error)

	// HealthCheck verifies the KMS is reachable without performing a real
	// wrap or unwrap.
	HealthCheck(ctx context.Context) error

	// Close releases any underlying connection.
	Close(ctx context.Context) error
}

// KeyEnvelope carries what's needed to unwrap a DEK.
type KeyEnvelope struct {
	KeyID      string
	KeyVersion int
	Provider   string
	Ciphertext []byte
}
