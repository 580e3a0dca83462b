package photostore

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
)

// Store persists photo material encrypted at rest and hands back opaque refs.
type Store interface {
	Save(ctx context.Context, data []byte, label string) (string, error)
	Load(ctx context.Context, ref string) ([]byte, error)
	Delete(ctx context.Context, ref string) error
}

// Blobs is the raw blob backend underneath the vault.
type Blobs interface {
	Put(ctx context.Context, name string, data []byte) (string, error)
	Get(ctx context.Context, ref string) ([]byte, error)
	Remove(ctx context.Context, ref string) error
}

var blobMagic = []byte("CSV1")

const (
	nonceSize      = 12
	wrappedKeySize = 32 + 16 // data key + GCM tag
)

// Vault encrypts each photo with a fresh data key and wraps that key with the
// master key, storing the wrapped key alongside the ciphertext so the photo
// stays decryptable for later comparison.
type Vault struct {
	blobs  Blobs
	master cipher.AEAD
}

// NewVault builds a vault over the given backend. masterKeyHex must decode to
// 32 bytes.
func NewVault(blobs Blobs, masterKeyHex string) (*Vault, error) {
	key, err := hex.DecodeString(masterKeyHex)
	if err != nil {
		return nil, fmt.Errorf("photostore: master key not hex: %w", err)
	}
	if len(key) != 32 {
		return nil, errors.New("photostore: master key must be 32 bytes")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Vault{blobs: blobs, master: aead}, nil
}

// Save encrypts data and stores it under a random name prefixed with label.
func (v *Vault) Save(ctx context.Context, data []byte, label string) (string, error) {
	if len(data) == 0 {
		return "", errors.New("photostore: empty photo payload")
	}

	dataKey := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, dataKey); err != nil {
		return "", err
	}
	block, err := aes.NewCipher(dataKey)
	if err != nil {
		return "", err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	photoNonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, photoNonce); err != nil {
		return "", err
	}
	keyNonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, keyNonce); err != nil {
		return "", err
	}

	wrappedKey := v.master.Seal(nil, keyNonce, dataKey, nil)
	ciphertext := aead.Seal(nil, photoNonce, data, nil)

	blob := make([]byte, 0, len(blobMagic)+2*nonceSize+len(wrappedKey)+len(ciphertext))
	blob = append(blob, blobMagic...)
	blob = append(blob, keyNonce...)
	blob = append(blob, wrappedKey...)
	blob = append(blob, photoNonce...)
	blob = append(blob, ciphertext...)

	suffix := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, suffix); err != nil {
		return "", err
	}
	name := fmt.Sprintf("%s_%s.enc", label, hex.EncodeToString(suffix))

	return v.blobs.Put(ctx, name, blob)
}

// Load fetches and decrypts a stored photo.
func (v *Vault) Load(ctx context.Context, ref string) ([]byte, error) {
	blob, err := v.blobs.Get(ctx, ref)
	if err != nil {
		return nil, err
	}
	header := len(blobMagic) + nonceSize + wrappedKeySize + nonceSize
	if len(blob) < header || string(blob[:len(blobMagic)]) != string(blobMagic) {
		return nil, errors.New("photostore: malformed blob")
	}
	off := len(blobMagic)
	keyNonce := blob[off : off+nonceSize]
	off += nonceSize
	wrappedKey := blob[off : off+wrappedKeySize]
	off += wrappedKeySize
	photoNonce := blob[off : off+nonceSize]
	off += nonceSize

	dataKey, err := v.master.Open(nil, keyNonce, wrappedKey, nil)
	if err != nil {
		return nil, fmt.Errorf("photostore: unwrap key failed: %w", err)
	}
	block, err := aes.NewCipher(dataKey)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	plain, err := aead.Open(nil, photoNonce, blob[off:], nil)
	if err != nil {
		return nil, fmt.Errorf("photostore: decrypt failed: %w", err)
	}
	return plain, nil
}

// Delete removes the underlying blob.
func (v *Vault) Delete(ctx context.Context, ref string) error {
	return v.blobs.Remove(ctx, ref)
}
