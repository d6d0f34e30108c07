package auth

import (
	"encoding/base64"
	"errors"
	"strings"
)

// ErrInvalidBasicAuth indicates a missing or malformed Authorization header.
var ErrInvalidBasicAuth = errors.New("invalid basic authorization header")

// ParseBasicAuth extracts the account ID and API key from an HTTP Basic Authorization header value.
func ParseBasicAuth(header string) (accountID, apiKey string, err error) {
	const prefix = "Basic "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", "", ErrInvalidBasicAuth
	}
	decoded, err := base64.StdEncoding.DecodeString(header[len(prefix):])
	if err != nil {
		return "", "", ErrInvalidBasicAuth
	}
	accountID, apiKey, ok := strings.Cut(string(decoded), ":")
	if !ok || accountID == "" {
		return "", "", ErrInvalidBasicAuth
	}
	return accountID, apiKey, nil
}

// ValidIdentifier reports whether an identifier from a request header is within maxLen bytes and contains only
// printable ASCII. Device and device-type IDs from untrusted peers pass through here before reaching the hub.
func ValidIdentifier(s string, maxLen int) bool {
	if s == "" || len(s) > maxLen {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < 0x21 || s[i] > 0x7e {
			return false
		}
	}
	return true
}
