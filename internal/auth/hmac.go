package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// SignPayload computes an HMAC-SHA256 over the payload using the provided hex-encoded key and returns the hex-encoded
// digest. Control-plane callers send this digest in the X-Signature header.
func SignPayload(payload []byte, hexKey string) (string, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return "", fmt.Errorf("decode HMAC key: %w", err)
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// VerifySignature reports whether the hex-encoded signature matches the payload under the given key. The comparison is
// constant-time.
func VerifySignature(payload []byte, signature, hexKey string) (bool, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return false, fmt.Errorf("decode HMAC key: %w", err)
	}
	presented, err := hex.DecodeString(signature)
	if err != nil {
		return false, nil
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(payload)
	return hmac.Equal(presented, mac.Sum(nil)), nil
}
