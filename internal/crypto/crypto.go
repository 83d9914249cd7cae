package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/argon2"
)

const (
	KeyLen   = 32
	NonceLen = 16 // GCM nonce width, fixed by the wire format
	TagLen   = 16

	// Overhead is the per-chunk packet expansion: nonce + tag.
	Overhead = NonceLen + TagLen

	ArgonTime  = 1
	ArgonMem   = 64 * 1024 // 64 MB in KiB
	ArgonLanes = 4
)

// Cipher seals and opens tunnel chunks with AES-256-GCM.
type Cipher struct {
	aead cipher.AEAD
}

// New creates a Cipher from a 32-byte key. Any other key length is a
// configuration error.
func New(key []byte) (*Cipher, error) {
	if len(key) != KeyLen {
		return nil, fmt.Errorf("key must be %d bytes, got %d", KeyLen, len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}

	aead, err := cipher.NewGCMWithNonceSize(block, NonceLen)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}

	return &Cipher{aead: aead}, nil
}

// Encrypt seals plaintext under a fresh random nonce and returns the three
// packet fields separately. len(ciphertext) == len(plaintext).
func (c *Cipher) Encrypt(plaintext []byte) (nonce, tag, ciphertext []byte, err error) {
	nonce = make([]byte, NonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, nil, fmt.Errorf("generating nonce: %w", err)
	}

	// Seal appends ciphertext, then the tag.
	sealed := c.aead.Seal(nil, nonce, plaintext, nil)
	return nonce, sealed[len(plaintext):], sealed[:len(plaintext)], nil
}

// Decrypt opens one chunk. A tag mismatch is reported the same way as any
// other decryption failure.
func (c *Cipher) Decrypt(nonce, tag, ciphertext []byte) ([]byte, error) {
	if len(nonce) != NonceLen || len(tag) != TagLen {
		return nil, fmt.Errorf("decrypting: bad field lengths")
	}

	sealed := make([]byte, 0, len(ciphertext)+TagLen)
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	plaintext, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypting: %w", err)
	}
	return plaintext, nil
}

// DeriveKey derives a 256-bit key from a passphrase and salt using Argon2id.
func DeriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, ArgonTime, ArgonMem, ArgonLanes, KeyLen)
}

// LoadKey resolves the shared key from either a hex-encoded key or a
// passphrase. Exactly one must be given; both ends must pass the same salt
// for the passphrase form.
func LoadKey(keyHex, passphrase string, salt []byte) ([]byte, error) {
	switch {
	case keyHex != "" && passphrase != "":
		return nil, fmt.Errorf("key and passphrase are mutually exclusive")
	case keyHex != "":
		key, err := hex.DecodeString(keyHex)
		if err != nil {
			return nil, fmt.Errorf("decoding key: %w", err)
		}
		if len(key) != KeyLen {
			return nil, fmt.Errorf("key must be %d bytes, got %d", KeyLen, len(key))
		}
		return key, nil
	case passphrase != "":
		return DeriveKey(passphrase, salt), nil
	default:
		return nil, fmt.Errorf("either a key or a passphrase is required")
	}
}
