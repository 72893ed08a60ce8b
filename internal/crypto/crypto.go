// Package crypto provides blob encryption for everything published to the
// sync bucket, using AES-256-GCM with PBKDF2-derived keys.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/pbkdf2"

	"github.com/baelib/baesync/internal/errors"
)

const (
	// saltLength is the length of the random per-blob salt.
	saltLength = 32
	// nonceLength is the GCM standard nonce size.
	nonceLength = 12
	// kdfIterations is the PBKDF2-SHA256 iteration count.
	kdfIterations = 100_000
	// headerVersion tags the blob layout.
	headerVersion = 1
)

// Box seals and opens bucket blobs with a library recovery key. The key
// itself is never stored anywhere; every peer of a library holds the same
// recovery key out of band.
type Box struct {
	recoveryKey string
}

// NewBox creates a Box for the given recovery key.
func NewBox(recoveryKey string) (*Box, error) {
	if recoveryKey == "" {
		return nil, errors.New(errors.ErrInvalidKey, "recovery key is empty")
	}
	return &Box{recoveryKey: recoveryKey}, nil
}

// Seal encrypts data. The output carries a small header (version, salt,
// nonce) followed by the AES-256-GCM ciphertext.
func (b *Box) Seal(data []byte) ([]byte, error) {
	salt := make([]byte, saltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, errors.Wrap(errors.ErrCryptoFailed, "failed to generate salt", err)
	}
	nonce := make([]byte, nonceLength)
	if _, err := rand.Read(nonce); err != nil {
		return nil, errors.Wrap(errors.ErrCryptoFailed, "failed to generate nonce", err)
	}

	gcm, err := b.aead(salt)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, 2+saltLength+nonceLength+len(data)+gcm.Overhead())
	out = append(out, headerVersion)
	out = append(out, byte(saltLength))
	out = append(out, salt...)
	out = append(out, nonce...)
	return gcm.Seal(out, nonce, data, nil), nil
}

// Open decrypts a blob produced by Seal. A wrong recovery key or a tampered
// blob yields ErrInvalidKey.
func (b *Box) Open(blob []byte) ([]byte, error) {
	if len(blob) < 2 {
		return nil, errors.New(errors.ErrCorruptedBlob, "blob too short")
	}
	if blob[0] != headerVersion {
		return nil, errors.New(errors.ErrCorruptedBlob, fmt.Sprintf("unsupported blob version %d", blob[0]))
	}
	sl := int(blob[1])
	if sl != saltLength || len(blob) < 2+sl+nonceLength {
		return nil, errors.New(errors.ErrCorruptedBlob, "truncated blob header")
	}
	salt := blob[2 : 2+sl]
	nonce := blob[2+sl : 2+sl+nonceLength]
	ciphertext := blob[2+sl+nonceLength:]

	gcm, err := b.aead(salt)
	if err != nil {
		return nil, err
	}
	plain, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, errors.Wrap(errors.ErrInvalidKey, "decryption failed", err)
	}
	return plain, nil
}

func (b *Box) aead(salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key([]byte(b.recoveryKey), salt, kdfIterations, 32, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCryptoFailed, "failed to create cipher", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCryptoFailed, "failed to create GCM", err)
	}
	return gcm, nil
}

// Fingerprint returns a short stable identifier of the recovery key, usable
// in logs without revealing the key.
func (b *Box) Fingerprint() uint32 {
	sum := sha256.Sum256([]byte(b.recoveryKey))
	return binary.BigEndian.Uint32(sum[:4])
}
