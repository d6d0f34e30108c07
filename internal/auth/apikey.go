package auth

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"math/big"
)

const apiKeyLength = 64

const alphanumerics = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// GenerateAPIKey returns a new random 64-character alphanumeric API key.
func GenerateAPIKey() (string, error) {
	key := make([]byte, apiKeyLength)
	max := big.NewInt(int64(len(alphanumerics)))
	for i := range key {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("generate api key: %w", err)
		}
		key[i] = alphanumerics[n.Int64()]
	}
	return string(key), nil
}

// EncryptAPIKey encrypts an API key for at-rest storage using AES-256-CBC with PKCS#7 padding. The hexKey must be
// exactly 64 hex characters (32 bytes). It returns the hex-encoded ciphertext and the hex-encoded random IV.
func EncryptAPIKey(apiKey, hexKey string) (ciphertext, iv string, err error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return "", "", fmt.Errorf("decode cipher key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", "", fmt.Errorf("create cipher: %w", err)
	}

	rawIV := make([]byte, aes.BlockSize)
	if _, err := rand.Read(rawIV); err != nil {
		return "", "", fmt.Errorf("generate iv: %w", err)
	}

	plaintext := pkcs7Pad([]byte(apiKey), aes.BlockSize)
	encrypted := make([]byte, len(plaintext))
	cipher.NewCBCEncrypter(block, rawIV).CryptBlocks(encrypted, plaintext)

	return hex.EncodeToString(encrypted), hex.EncodeToString(rawIV), nil
}

// DecryptAPIKey reverses EncryptAPIKey, returning the plaintext API key.
func DecryptAPIKey(hexCiphertext, hexIV, hexKey string) (string, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return "", fmt.Errorf("decode cipher key: %w", err)
	}
	data, err := hex.DecodeString(hexCiphertext)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}
	iv, err := hex.DecodeString(hexIV)
	if err != nil {
		return "", fmt.Errorf("decode iv: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}
	if len(iv) != aes.BlockSize {
		return "", fmt.Errorf("iv must be %d bytes", aes.BlockSize)
	}
	if len(data) == 0 || len(data)%aes.BlockSize != 0 {
		return "", fmt.Errorf("ciphertext is not a multiple of the block size")
	}

	plaintext := make([]byte, len(data))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, data)

	unpadded, err := pkcs7Unpad(plaintext, aes.BlockSize)
	if err != nil {
		return "", err
	}
	return string(unpadded), nil
}

// VerifyAPIKey reports whether the presented API key matches the stored ciphertext. The comparison re-encrypts the
// candidate under the stored IV and compares ciphertexts in constant time, so the plaintext key never needs to leave
// this function.
func VerifyAPIKey(presented, hexCiphertext, hexIV, hexKey string) (bool, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return false, fmt.Errorf("decode cipher key: %w", err)
	}
	stored, err := hex.DecodeString(hexCiphertext)
	if err != nil {
		return false, fmt.Errorf("decode ciphertext: %w", err)
	}
	iv, err := hex.DecodeString(hexIV)
	if err != nil {
		return false, fmt.Errorf("decode iv: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return false, fmt.Errorf("create cipher: %w", err)
	}
	if len(iv) != aes.BlockSize {
		return false, fmt.Errorf("iv must be %d bytes", aes.BlockSize)
	}

	plaintext := pkcs7Pad([]byte(presented), aes.BlockSize)
	candidate := make([]byte, len(plaintext))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(candidate, plaintext)

	return subtle.ConstantTimeCompare(candidate, stored) == 1, nil
}

// pkcs7Pad appends PKCS#7 padding so the result is a whole number of blocks.
func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	return append(data, bytes.Repeat([]byte{byte(padLen)}, padLen)...)
}

// pkcs7Unpad strips PKCS#7 padding, validating every pad byte.
func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, fmt.Errorf("invalid padded length %d", len(data))
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > blockSize || padLen > len(data) {
		return nil, fmt.Errorf("invalid padding")
	}
	for _, b := range data[len(data)-padLen:] {
		if int(b) != padLen {
			return nil, fmt.Errorf("invalid padding")
		}
	}
	return data[:len(data)-padLen], nil
}
