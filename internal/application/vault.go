package application

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/ericfisherdev/workdigest/internal/domain/model"
	"github.com/ericfisherdev/workdigest/internal/domain/port/driven"
)

// KeySize is the AES-256 key length in bytes.
const KeySize = 32

// ErrKeyMismatch is returned by RotateKey when the supplied old key is not the
// key the Vault currently holds.
var ErrKeyMismatch = errors.New("old key does not match the current vault key")

// ErrCredentialMissing is returned when a source has no stored credential.
var ErrCredentialMissing = errors.New("no credential stored for source")

// Vault encrypts source credentials with AES-256-GCM. Owner and source IDs
// are bound as additional authenticated data so a blob cannot be moved to
// another source. Plaintext never leaves a single call.
type Vault struct {
	mu    sync.RWMutex
	key   []byte
	store driven.CredentialStore
}

// NewVault creates a Vault holding key. An empty key yields a Vault whose
// every operation fails with ErrEncryptionKeyNotSet.
func NewVault(key []byte, store driven.CredentialStore) (*Vault, error) {
	if len(key) != 0 && len(key) != KeySize {
		return nil, fmt.Errorf("vault key must be %d bytes, got %d", KeySize, len(key))
	}
	return &Vault{key: append([]byte(nil), key...), store: store}, nil
}

// Store encrypts plaintext for a source and persists it, replacing any
// previous credential of that source.
func (v *Vault) Store(ctx context.Context, ownerID string, sourceID int64, plaintext string) (model.Credential, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	blob, nonce, err := seal(v.key, ownerID, sourceID, []byte(plaintext))
	if err != nil {
		return model.Credential{}, err
	}

	cred := model.Credential{
		SourceID:      sourceID,
		OwnerID:       ownerID,
		EncryptedBlob: blob,
		Nonce:         nonce,
		CreatedAt:     time.Now().UTC(),
	}
	if err := v.store.Save(ctx, cred); err != nil {
		return model.Credential{}, fmt.Errorf("save credential: %w", err)
	}
	return cred, nil
}

// Reveal decrypts a credential. Authentication failures are reported as
// ErrDecryptionFailed.
func (v *Vault) Reveal(cred model.Credential) (string, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	plaintext, err := open(v.key, cred)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// RevealSource loads the credential of a source and decrypts it.
func (v *Vault) RevealSource(ctx context.Context, sourceID int64) (string, error) {
	if !v.unlocked() {
		return "", driven.ErrEncryptionKeyNotSet
	}
	cred, err := v.store.GetBySource(ctx, sourceID)
	if err != nil {
		return "", fmt.Errorf("load credential for source %d: %w", sourceID, err)
	}
	if cred == nil {
		return "", fmt.Errorf("source %d: %w", sourceID, ErrCredentialMissing)
	}
	return v.Reveal(*cred)
}

// RotateKey re-encrypts every stored credential under newKey in one store
// transaction and then switches the Vault to newKey. oldKey must equal the
// current key. On any failure the stored rows and the held key are unchanged.
func (v *Vault) RotateKey(ctx context.Context, oldKey, newKey []byte) error {
	if len(newKey) != KeySize {
		return fmt.Errorf("new key must be %d bytes, got %d", KeySize, len(newKey))
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if len(v.key) == 0 {
		return driven.ErrEncryptionKeyNotSet
	}
	if subtle.ConstantTimeCompare(oldKey, v.key) != 1 {
		return ErrKeyMismatch
	}

	creds, err := v.store.ListAll(ctx)
	if err != nil {
		return fmt.Errorf("list credentials: %w", err)
	}

	rotated := make([]model.Credential, 0, len(creds))
	for _, cred := range creds {
		plaintext, err := open(v.key, cred)
		if err != nil {
			return fmt.Errorf("source %d: %w", cred.SourceID, err)
		}
		blob, nonce, err := seal(newKey, cred.OwnerID, cred.SourceID, plaintext)
		clear(plaintext)
		if err != nil {
			return fmt.Errorf("source %d: %w", cred.SourceID, err)
		}
		cred.EncryptedBlob = blob
		cred.Nonce = nonce
		rotated = append(rotated, cred)
	}

	if err := v.store.ReplaceAll(ctx, rotated); err != nil {
		return fmt.Errorf("replace credentials: %w", err)
	}

	v.key = append([]byte(nil), newKey...)
	return nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) == 0 {
		return nil, driven.ErrEncryptionKeyNotSet
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes.NewCipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("cipher.NewGCM: %w", err)
	}
	return gcm, nil
}

func seal(key []byte, ownerID string, sourceID int64, plaintext []byte) (blob, nonce []byte, err error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, nil, err
	}

	nonce = make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, fmt.Errorf("rand nonce: %w", err)
	}

	return gcm.Seal(nil, nonce, plaintext, additionalData(ownerID, sourceID)), nonce, nil
}

func open(key []byte, cred model.Credential) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(cred.Nonce) != gcm.NonceSize() {
		return nil, driven.ErrDecryptionFailed
	}

	plaintext, err := gcm.Open(nil, cred.Nonce, cred.EncryptedBlob, additionalData(cred.OwnerID, cred.SourceID))
	if err != nil {
		return nil, driven.ErrDecryptionFailed
	}
	return plaintext, nil
}

func (v *Vault) unlocked() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.key) != 0
}

// additionalData binds a blob to its owner and source.
func additionalData(ownerID string, sourceID int64) []byte {
	return []byte(ownerID + "|" + strconv.FormatInt(sourceID, 10))
}
