package auth

import (
	"strings"
	"testing"
)

const testHMACKey = "101112131415161718191a1b1c1d1e1f202122232425262728292a2b2c2d2e2f"

func TestSignAndVerify(t *testing.T) {
	t.Parallel()

	payload := []byte(`{"topics":["t1"],"data":{"v":1}}`)
	sig, err := SignPayload(payload, testHMACKey)
	if err != nil {
		t.Fatalf("SignPayload() error = %v", err)
	}
	if len(sig) != 64 {
		t.Errorf("len(sig) = %d, want 64 hex characters", len(sig))
	}

	ok, err := VerifySignature(payload, sig, testHMACKey)
	if err != nil {
		t.Fatalf("VerifySignature() error = %v", err)
	}
	if !ok {
		t.Error("VerifySignature() = false for a valid signature")
	}
}

func TestVerifyRejectsTamperedPayload(t *testing.T) {
	t.Parallel()

	sig, err := SignPayload([]byte("original"), testHMACKey)
	if err != nil {
		t.Fatalf("SignPayload() error = %v", err)
	}

	ok, err := VerifySignature([]byte("tampered"), sig, testHMACKey)
	if err != nil {
		t.Fatalf("VerifySignature() error = %v", err)
	}
	if ok {
		t.Error("VerifySignature() = true for a tampered payload")
	}
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	t.Parallel()

	payload := []byte("payload")
	sig, err := SignPayload(payload, testHMACKey)
	if err != nil {
		t.Fatalf("SignPayload() error = %v", err)
	}

	ok, err := VerifySignature(payload, sig, strings.Repeat("ab", 32))
	if err != nil {
		t.Fatalf("VerifySignature() error = %v", err)
	}
	if ok {
		t.Error("VerifySignature() = true under a different key")
	}
}

func TestVerifyNonHexSignature(t *testing.T) {
	t.Parallel()

	ok, err := VerifySignature([]byte("payload"), "not-hex!", testHMACKey)
	if err != nil {
		t.Fatalf("VerifySignature() error = %v", err)
	}
	if ok {
		t.Error("VerifySignature() = true for a non-hex signature")
	}
}

func TestSignRejectsBadKey(t *testing.T) {
	t.Parallel()

	if _, err := SignPayload([]byte("x"), "not-hex"); err == nil {
		t.Error("SignPayload() error = nil for a non-hex key")
	}
}
