package credsec

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"

	"github.com/electionguard/tally-orchestrator/internal/orcherr"
	"golang.org/x/crypto/hkdf"
)

// envelope is the wire format of Guardian.EncryptedPrivateKeyBlob and
// Guardian.EncryptedPolynomialBlob: a KMIP-wrapped DEK plus the AES-GCM
// ciphertext it opens. Produced by the guardian key-generation ceremony,
// outside this process.
type envelope struct {
	KeyID      string `json:"key_id"`
	KeyVersion int    `json:"key_version"`
	Provider   string `json:"provider"`
	WrappedDEK []byte `json:"wrapped_dek"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

// GuardianDecryptor implements phase.Decryptor: it unwraps the
// per-credential DEK through a KeyManager, then opens the AES-GCM envelope
// locally, the same compose-KMS-unwrap-with-local-GCM-open pattern the
// teacher used for S3 object bodies.
type GuardianDecryptor struct {
	KM KeyManager
}

func NewGuardianDecryptor(km KeyManager) *GuardianDecryptor {
	return &GuardianDecryptor{KM: km}
}

// Decrypt opens a guardian's encrypted private key and polynomial blobs.
// Each blob unwraps independently; a guardian submitting only one valid
// blob still fails closed rather than returning a partial result.
func (d *GuardianDecryptor) Decrypt(ctx context.Context, encryptedPrivateKeyBlob, encryptedPolynomialBlob []byte) ([]byte, []byte, error) {
	privateKey, err := d.open(ctx, "private_key", encryptedPrivateKeyBlob)
	if err != nil {
		return nil, nil, orcherr.Validationf("decrypt_guardian_keys", "private key blob: %v", err)
	}
	polynomial, err := d.open(ctx, "polynomial", encryptedPolynomialBlob)
	if err != nil {
		return nil, nil, orcherr.Validationf("decrypt_guardian_keys", "polynomial blob: %v", err)
	}
	return privateKey, polynomial, nil
}

// OpenKeyBackup decrypts a guardian's key_backup_blob, the compensated
// decryption worker's guardian_data document for a missing guardian (§4.8).
func (d *GuardianDecryptor) OpenKeyBackup(ctx context.Context, encryptedKeyBackupBlob []byte) ([]byte, error) {
	backup, err := d.open(ctx, "key_backup", encryptedKeyBackupBlob)
	if err != nil {
		return nil, orcherr.Validationf("decrypt_guardian_keys", "key backup blob: %v", err)
	}
	return backup, nil
}

// open unwraps the envelope's DEK, derives a purpose-bound subkey from it
// via HKDF-SHA256, and opens the AES-GCM ciphertext under that subkey. The
// HKDF step means the same wrapped DEK can back multiple blob kinds for one
// guardian without ever reusing the same raw AES key across them.
func (d *GuardianDecryptor) open(ctx context.Context, purpose string, blob []byte) ([]byte, error) {
	var env envelope
	if err := json.Unmarshal(blob, &env); err != nil {
		return nil, fmt.Errorf("malformed envelope: %w", err)
	}

	dek, err := d.KM.UnwrapKey(ctx, &KeyEnvelope{
		KeyID:      env.KeyID,
		KeyVersion: env.KeyVersion,
		Provider:   env.Provider,
		Ciphertext: env.WrappedDEK,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("unwrap dek: %w", err)
	}

	subkey := make([]byte, len(dek))
	kdf := hkdf.New(sha256.New, dek, env.Nonce, []byte("electionguard-credsec:"+purpose))
	if _, err := io.ReadFull(kdf, subkey); err != nil {
		return nil, fmt.Errorf("derive subkey: %w", err)
	}

	block, err := aes.NewCipher(subkey)
	if err != nil {
		return nil, fmt.Errorf("build aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("build gcm: %w", err)
	}
	plaintext, err := gcm.Open(nil, env.Nonce, env.Ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("open envelope: %w", err)
	}
	return plaintext, nil
}
