// Package security шифрует тела сообщений при хранении.
// Ключ комнаты выводится из общего секрета и соли комнаты через PBKDF2-SHA256,
// шифрование — AES-256-GCM. Формат: "ENC:" + base64(nonce|ciphertext|tag).
package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// EncryptedPrefix отмечает зашифрованное значение.
	EncryptedPrefix = "ENC:"
	KeySize         = 32
	SaltSize        = 16
	// DefaultIterations — число итераций PBKDF2, если не задано в конфиге.
	DefaultIterations = 100000
)

var (
	// ErrDecryptionFailed — неверный ключ/соль или повреждённые данные (проверка тега GCM не прошла).
	ErrDecryptionFailed = errors.New("decryption failed: authentication tag mismatch")
	ErrInvalidFormat    = errors.New("invalid ciphertext format")
	ErrEmptySecret      = errors.New("encryption secret is empty")
	ErrEmptySalt        = errors.New("room salt is empty")
)

// MessageCipher шифрует и расшифровывает тела сообщений ключом комнаты.
// Выведенные ключи кешируются по соли: PBKDF2 намеренно медленный.
type MessageCipher struct {
	secret     []byte
	iterations int

	mu    sync.RWMutex
	aeads map[string]cipher.AEAD
}

// NewMessageCipher создаёт шифратор; iterations <= 0 — DefaultIterations.
func NewMessageCipher(secret string, iterations int) (*MessageCipher, error) {
	if secret == "" {
		return nil, ErrEmptySecret
	}
	if iterations <= 0 {
		iterations = DefaultIterations
	}
	return &MessageCipher{
		secret:     []byte(secret),
		iterations: iterations,
		aeads:      make(map[string]cipher.AEAD),
	}, nil
}

// NewSalt возвращает случайную соль комнаты.
func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	return salt, nil
}

func (c *MessageCipher) aead(salt []byte) (cipher.AEAD, error) {
	if len(salt) == 0 {
		return nil, ErrEmptySalt
	}
	k := string(salt)
	c.mu.RLock()
	a, ok := c.aeads[k]
	c.mu.RUnlock()
	if ok {
		return a, nil
	}

	key := pbkdf2.Key(c.secret, salt, c.iterations, KeySize, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	a, err = cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	c.mu.Lock()
	c.aeads[k] = a
	c.mu.Unlock()
	return a, nil
}

// Encrypt шифрует body ключом комнаты с солью salt.
func (c *MessageCipher) Encrypt(body string, salt []byte) (string, error) {
	a, err := c.aead(salt)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, a.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := a.Seal(nonce, nonce, []byte(body), nil)
	return EncryptedPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt расшифровывает значение, полученное из Encrypt. С чужой солью всегда возвращает ErrDecryptionFailed.
func (c *MessageCipher) Decrypt(stored string, salt []byte) (string, error) {
	if !IsEncrypted(stored) {
		return "", ErrInvalidFormat
	}
	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(stored, EncryptedPrefix))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	}
	a, err := c.aead(salt)
	if err != nil {
		return "", err
	}
	if len(data) < a.NonceSize()+a.Overhead() {
		return "", ErrInvalidFormat
	}
	plain, err := a.Open(nil, data[:a.NonceSize()], data[a.NonceSize():], nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(plain), nil
}

// IsEncrypted сообщает, имеет ли значение префикс ENC:.
func IsEncrypted(s string) bool {
	return strings.HasPrefix(s, EncryptedPrefix)
}
