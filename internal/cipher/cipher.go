// Package cipher implements the payload obfuscation used by the ProAir cloud:
// AES-256-CBC with a zero IV and PKCS#7 padding, base64-encoded for transport.
// The zero IV makes encryption deterministic, which the rotating-token
// protocol depends on: the server validates tokens by re-encrypting them.
package cipher

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
)

// ErrCrypto is returned for any malformed ciphertext: bad base64, bad block
// alignment or bad padding. Callers treat it as "token invalid".
var ErrCrypto = errors.New("malformed ciphertext")

// Embedded vendor salt, stored base64-encoded like the vendor app ships it.
const saltB64 = "bnM5MXdyNDg="

// Cipher encrypts and decrypts with a key derived from the paired device id.
type Cipher struct {
	key [sha256.Size]byte
}

// New derives the AES-256 key from the first 8 characters of the device id
// concatenated with the embedded salt. The device id is generated once at
// pairing and must never change afterwards.
func New(deviceID string) Cipher {
	salt, err := base64.StdEncoding.DecodeString(saltB64)
	if err != nil {
		panic(fmt.Errorf("decode embedded salt: %w", err))
	}
	seed := deviceID
	if len(seed) > 8 {
		seed = seed[:8]
	}
	return Cipher{key: sha256.Sum256([]byte(seed + string(salt)))}
}

// Encrypt returns the base64-encoded AES-CBC ciphertext of plaintext.
// Deterministic: the same plaintext always yields the same ciphertext.
func (c Cipher) Encrypt(plaintext string) string {
	block, err := aes.NewCipher(c.key[:])
	if err != nil {
		panic(fmt.Errorf("aes key setup: %w", err))
	}
	padded := pad([]byte(plaintext))
	out := make([]byte, len(padded))
	iv := make([]byte, aes.BlockSize)
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)
	return base64.StdEncoding.EncodeToString(out)
}

// Decrypt reverses Encrypt. Any malformed input wraps ErrCrypto.
func (c Cipher) Decrypt(ciphertext string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	if len(raw) == 0 || len(raw)%aes.BlockSize != 0 {
		return "", fmt.Errorf("%w: ciphertext length %d is not block-aligned", ErrCrypto, len(raw))
	}
	block, err := aes.NewCipher(c.key[:])
	if err != nil {
		panic(fmt.Errorf("aes key setup: %w", err))
	}
	plain := make([]byte, len(raw))
	cipher.NewCBCDecrypter(block, make([]byte, aes.BlockSize)).CryptBlocks(plain, raw)
	unpadded, err := unpad(plain)
	if err != nil {
		return "", err
	}
	return string(unpadded), nil
}

func pad(data []byte) []byte {
	n := aes.BlockSize - len(data)%aes.BlockSize
	padded := make([]byte, len(data)+n)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(n)
	}
	return padded
}

func unpad(data []byte) ([]byte, error) {
	n := int(data[len(data)-1])
	if n == 0 || n > aes.BlockSize || n > len(data) {
		return nil, fmt.Errorf("%w: invalid padding length %d", ErrCrypto, n)
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, fmt.Errorf("%w: inconsistent padding", ErrCrypto)
		}
	}
	return data[:len(data)-n], nil
}
