package credsec

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/hkdf"
)

// stubKeyManager wraps by returning the plaintext unchanged and unwraps by
// returning its fixed dek (or failErr), standing in for a real KMIP round
// trip in tests that only exercise the local AES-GCM envelope-opening logic.
type stubKeyManager struct {
	dek     []byte
	failErr error
}

func (s *stubKeyManager) Provider() string { return "stub" }

func (s *stubKeyManager) WrapKey(ctx context.Context, plaintext []byte, metadata map[string]string) (*KeyEnvelope, error) {
	return &KeyEnvelope{Ciphertext: plaintext}, nil
}

func (s *stubKeyManager) UnwrapKey(ctx context.Context, envelope *KeyEnvelope, metadata map[string]string) ([]byte, error) {
	if s.failErr != nil {
		return nil, s.failErr
	}
	return s.dek, nil
}

func (s *stubKeyManager) ActiveKeyVersion(ctx context.Context) (int, error) { return 1, nil }
func (s *stubKeyManager) HealthCheck(ctx context.Context) error            { return nil }
func (s *stubKeyManager) Close(ctx context.Context) error                  { return nil }

// derives the same purpose-bound subkey open() computes, so tests can seal
// fixtures in a way open() can actually open.
func deriveSubkey(t *testing.T, dek, nonce []byte, purpose string) []byte {
	t.Helper()
	subkey := make([]byte, len(dek))
	kdf := hkdf.New(sha256.New, dek, nonce, []byte("electionguard-credsec:"+purpose))
	_, err := io.ReadFull(kdf, subkey)
	require.NoError(t, err)
	return subkey
}

func sealEnvelope(t *testing.T, dek, plaintext []byte, purpose string) []byte {
	t.Helper()
	nonce := make([]byte, 12)
	_, err := rand.Read(nonce)
	require.NoError(t, err)
	subkey := deriveSubkey(t, dek, nonce, purpose)

	block, err := aes.NewCipher(subkey)
	require.NoError(t, err)
	gcm, err := cipher.NewGCM(block)
	require.NoError(t, err)
	ciphertext := gcm.Seal(nil, nonce, plaintext, nil)

	blob, err := json.Marshal(envelope{
		KeyID:      "k1",
		KeyVersion: 1,
		Provider:   "stub",
		WrappedDEK: []byte("wrapped"),
		Nonce:      nonce,
		Ciphertext: ciphertext,
	})
	require.NoError(t, err)
	return blob
}

func TestGuardianDecryptor_OpensBothBlobs(t *testing.T) {
	dek := make([]byte, 32)
	for i := range dek {
		dek[i] = byte(i)
	}
	km := &stubKeyManager{dek: dek}
	d := NewGuardianDecryptor(km)

	privBlob := sealEnvelope(t, dek, []byte("the-private-key"), "private_key")
	polyBlob := sealEnvelope(t, dek, []byte("the-polynomial"), "polynomial")

	priv, poly, err := d.Decrypt(context.Background(), privBlob, polyBlob)
	require.NoError(t, err)
	require.Equal(t, "the-private-key", string(priv))
	require.Equal(t, "the-polynomial", string(poly))
}

func TestGuardianDecryptor_TamperedCiphertextFails(t *testing.T) {
	dek := make([]byte, 32)
	km := &stubKeyManager{dek: dek}
	d := NewGuardianDecryptor(km)

	privBlob := sealEnvelope(t, dek, []byte("the-private-key"), "private_key")
	privBlob[len(privBlob)-2] ^= 0xff
	polyBlob := sealEnvelope(t, dek, []byte("the-polynomial"), "polynomial")

	_, _, err := d.Decrypt(context.Background(), privBlob, polyBlob)
	require.Error(t, err)
}

func TestGuardianDecryptor_KMSUnwrapFailureIsSurfaced(t *testing.T) {
	dek := make([]byte, 32)
	km := &stubKeyManager{dek: dek, failErr: context.DeadlineExceeded}
	d := NewGuardianDecryptor(km)

	privBlob := sealEnvelope(t, dek, []byte("the-private-key"), "private_key")
	polyBlob := sealEnvelope(t, dek, []byte("the-polynomial"), "polynomial")

	_, _, err := d.Decrypt(context.Background(), privBlob, polyBlob)
	require.Error(t, err)
}

func TestGuardianDecryptor_OpensKeyBackup(t *testing.T) {
	dek := make([]byte, 32)
	km := &stubKeyManager{dek: dek}
	d := NewGuardianDecryptor(km)

	backupBlob := sealEnvelope(t, dek, []byte(`{"id":"g2","sequence_order":2}`), "key_backup")

	backup, err := d.OpenKeyBackup(context.Background(), backupBlob)
	require.NoError(t, err)
	require.JSONEq(t, `{"id":"g2","sequence_order":2}`, string(backup))
}
