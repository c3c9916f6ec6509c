package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"strings"
)

// ErrCipher is an exported constant or variable used by the trust engine.
//
// It covers tag mismatches, truncated ciphertexts, and wrong-key decryptions.
// Callers must map it to a generic outward error and never expose it directly.
var ErrCipher = errors.New("cipher operation failed")

const (
	minKeyBytes        = 16
	backupCodeRawBytes = 4
)

// Cipher defines a public type used by trustcore APIs.
//
// Cipher instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher describes the newcipher operation and its observable behavior.
//
// The provided key material is stretched to a 256-bit AES-GCM key via SHA-256,
// so any key of at least 16 bytes is acceptable.
// NewCipher may return an error when input validation, dependency calls, or security checks fail.
func NewCipher(key []byte) (*Cipher, error) {
	if len(key) < minKeyBytes {
		return nil, errors.New("cipher key must be at least 16 bytes")
	}

	derived := sha256.Sum256(key)
	block, err := aes.NewCipher(derived[:])
	if err != nil {
		return nil, err
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	return &Cipher{aead: aead}, nil
}

// Encrypt describes the encrypt operation and its observable behavior.
//
// The returned ciphertext carries the random nonce as a prefix followed by the
// sealed payload and authentication tag.
// Encrypt may return an error when input validation, dependency calls, or security checks fail.
// Encrypt does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (c *Cipher) Encrypt(plain []byte) ([]byte, error) {
	if c == nil || c.aead == nil {
		return nil, ErrCipher
	}

	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	return c.aead.Seal(nonce, nonce, plain, nil), nil
}

// Decrypt describes the decrypt operation and its observable behavior.
//
// Decrypt fails loudly with [ErrCipher] on tampering, truncation, or a wrong
// key; it never returns partially decrypted data.
// Decrypt does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (c *Cipher) Decrypt(ciphertext []byte) ([]byte, error) {
	if c == nil || c.aead == nil {
		return nil, ErrCipher
	}
	if len(ciphertext) < c.aead.NonceSize() {
		return nil, ErrCipher
	}

	nonce := ciphertext[:c.aead.NonceSize()]
	sealed := ciphertext[c.aead.NonceSize():]

	plain, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrCipher
	}

	return plain, nil
}

// CanonicalizeBackupCode describes the canonicalizebackupcode operation and its observable behavior.
//
// Normalization is uppercase with all separator characters stripped, so user
// input like "abcd-ef01" and "ABCDEF01" hash identically.
func CanonicalizeBackupCode(code string) string {
	var b strings.Builder
	b.Grow(len(code))

	for _, r := range strings.ToUpper(code) {
		if (r >= '0' && r <= '9') || (r >= 'A' && r <= 'Z') {
			b.WriteRune(r)
		}
	}

	return b.String()
}

// HashBackupCode describes the hashbackupcode operation and its observable behavior.
//
// The hash is deterministic for a canonicalized code, which makes verification
// a set-membership lookup instead of a per-candidate comparison loop.
func HashBackupCode(code string) [32]byte {
	return sha256.Sum256([]byte(CanonicalizeBackupCode(code)))
}

// GenerateBackupCodes describes the generatebackupcodes operation and its observable behavior.
//
// Codes are cryptographically random and formatted as two dash-separated
// groups of four uppercase hex characters.
// GenerateBackupCodes may return an error when input validation, dependency calls, or security checks fail.
func GenerateBackupCodes(count int) ([]string, error) {
	if count <= 0 {
		return nil, errors.New("backup code count must be > 0")
	}

	codes := make([]string, 0, count)
	for i := 0; i < count; i++ {
		raw := make([]byte, backupCodeRawBytes)
		if _, err := io.ReadFull(rand.Reader, raw); err != nil {
			return nil, err
		}

		enc := strings.ToUpper(hex.EncodeToString(raw))
		codes = append(codes, enc[:4]+"-"+enc[4:])
	}

	return codes, nil
}
