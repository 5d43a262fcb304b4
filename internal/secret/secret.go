package secret

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

const (
	ivSize  = 12
	tagSize = 16
)

// Keeper seals and opens credential material with AES-256-GCM.
// The sealed form is "{iv_b64}.{tag_b64}.{ciphertext_b64}".
type Keeper struct {
	key []byte
}

// NewKeeper derives the 32-byte AES key from the process secret:
// 64 hex chars decode directly, a base64 string decoding to 32 bytes is
// used as-is, anything else is hashed with SHA-256 (operators should
// supply a proper 32-byte key; the hash path logs a warning).
func NewKeeper(processSecret string) (*Keeper, error) {
	if processSecret == "" {
		return nil, errors.New("empty encryption key")
	}
	return &Keeper{key: deriveKey(processSecret)}, nil
}

func deriveKey(s string) []byte {
	if len(s) == 64 {
		if key, err := hex.DecodeString(s); err == nil {
			return key
		}
	}
	if key, err := base64.StdEncoding.DecodeString(s); err == nil && len(key) == 32 {
		return key
	}
	slog.Warn("TOKEN_ENCRYPTION_KEY is not 64-hex or 32-byte base64, deriving via SHA-256")
	sum := sha256.Sum256([]byte(s))
	return sum[:]
}

// Seal encrypts plaintext with a fresh random 12-byte IV.
func (k *Keeper) Seal(plaintext string) (string, error) {
	block, err := aes.NewCipher(k.key)
	if err != nil {
		return "", fmt.Errorf("aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("gcm: %w", err)
	}

	iv := make([]byte, ivSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("rand iv: %w", err)
	}

	sealed := gcm.Seal(nil, iv, []byte(plaintext), nil)
	// gcm.Seal appends the 16-byte tag to the ciphertext
	ct, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]

	return base64.StdEncoding.EncodeToString(iv) + "." +
		base64.StdEncoding.EncodeToString(tag) + "." +
		base64.StdEncoding.EncodeToString(ct), nil
}

// Open decrypts a sealed value. Any corruption of the iv, tag or
// ciphertext segment fails authentication and returns an error.
func (k *Keeper) Open(sealed string) (string, error) {
	parts := strings.Split(sealed, ".")
	if len(parts) != 3 {
		return "", fmt.Errorf("invalid sealed format: want 3 segments, got %d", len(parts))
	}

	iv, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil {
		return "", fmt.Errorf("decode iv: %w", err)
	}
	if len(iv) != ivSize {
		return "", fmt.Errorf("invalid iv length: %d", len(iv))
	}
	tag, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return "", fmt.Errorf("decode tag: %w", err)
	}
	if len(tag) != tagSize {
		return "", fmt.Errorf("invalid tag length: %d", len(tag))
	}
	ct, err := base64.StdEncoding.DecodeString(parts[2])
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}

	block, err := aes.NewCipher(k.key)
	if err != nil {
		return "", fmt.Errorf("aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("gcm: %w", err)
	}

	plaintext, err := gcm.Open(nil, iv, append(ct, tag...), nil)
	if err != nil {
		return "", fmt.Errorf("open sealed secret: %w", err)
	}
	return string(plaintext), nil
}
