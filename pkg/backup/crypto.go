package backup

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"os"

	"golang.org/x/crypto/pbkdf2"
)

const (
	saltSize       = 16
	pbkdf2Rounds   = 4096
	aes256KeyBytes = 32
)

// deriveKey stretches the configured passphrase into an AES-256 key
func deriveKey(passphrase string, salt []byte) []byte {
	return pbkdf2.Key([]byte(passphrase), salt, pbkdf2Rounds, aes256KeyBytes, sha256.New)
}

// encryptFile seals src into dest with AES-256-GCM. The output layout is
// salt || nonce || ciphertext.
func encryptFile(src, dest, passphrase string) error {
	if passphrase == "" {
		return fmt.Errorf("encryption passphrase is empty")
	}
	plaintext, err := os.ReadFile(src)
	if err != nil {
		return err
	}

	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return fmt.Errorf("failed to generate salt: %w", err)
	}

	block, err := aes.NewCipher(deriveKey(passphrase, salt))
	if err != nil {
		return fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := gcm.Seal(nil, nonce, plaintext, nil)
	out := make([]byte, 0, len(salt)+len(nonce)+len(sealed))
	out = append(out, salt...)
	out = append(out, nonce...)
	out = append(out, sealed...)
	return os.WriteFile(dest, out, 0o600)
}

// decryptFile reverses encryptFile
func decryptFile(src, dest, passphrase string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	if len(data) < saltSize {
		return fmt.Errorf("encrypted archive too short")
	}
	salt, data := data[:saltSize], data[saltSize:]

	block, err := aes.NewCipher(deriveKey(passphrase, salt))
	if err != nil {
		return fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return fmt.Errorf("failed to create GCM: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return fmt.Errorf("encrypted archive too short")
	}
	nonce, ciphertext := data[:nonceSize], data[nonceSize:]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return fmt.Errorf("failed to decrypt archive: %w", err)
	}
	return os.WriteFile(dest, plaintext, 0o600)
}
