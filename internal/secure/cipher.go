package secure

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
)

// ErrDecryption reports ciphertext that is malformed, tampered with,
// or sealed under a different key.
var ErrDecryption = errors.New("decryption failed")

// ChunkCipher seals byte buffers with AES-256-GCM. Output layout is
// nonce || ciphertext || tag, so a sealed buffer carries everything
// needed to open it except the key.
type ChunkCipher struct {
	keys *KeyProvider
}

// NewChunkCipher creates a cipher over the provider's key
func NewChunkCipher(keys *KeyProvider) *ChunkCipher {
	return &ChunkCipher{keys: keys}
}

func (c *ChunkCipher) aead() (cipher.AEAD, error) {
	key, err := c.keys.GetOrCreateKey()
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create block cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// Seal encrypts and authenticates plaintext
func (c *ChunkCipher) Seal(plaintext []byte) ([]byte, error) {
	gcm, err := c.aead()
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize(), gcm.NonceSize()+len(plaintext)+gcm.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Open verifies and decrypts a buffer produced by Seal
func (c *ChunkCipher) Open(sealed []byte) ([]byte, error) {
	gcm, err := c.aead()
	if err != nil {
		return nil, err
	}

	if len(sealed) < gcm.NonceSize()+gcm.Overhead() {
		return nil, fmt.Errorf("%w: sealed buffer too short (%d bytes)", ErrDecryption, len(sealed))
	}

	nonce, ciphertext := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
	}
	if plaintext == nil {
		plaintext = []byte{}
	}
	return plaintext, nil
}
